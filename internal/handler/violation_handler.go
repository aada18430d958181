package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-discipline-api/internal/models"
	"github.com/noah-isme/sma-discipline-api/internal/service"
	"github.com/noah-isme/sma-discipline-api/pkg/response"
)

type violationService interface {
	List(ctx context.Context, req service.ViolationListRequest) ([]models.ViolationEventDetail, *models.Pagination, error)
	Record(ctx context.Context, req service.RecordViolationsRequest, actor models.Actor) ([]service.StudentRecordResult, error)
	Update(ctx context.Context, id string, req service.UpdateViolationRequest, actor models.Actor) (*service.ViolationMutationResult, error)
	Delete(ctx context.Context, id string, actor models.Actor) (*service.ViolationMutationResult, error)
	StudentSummary(ctx context.Context, studentID string) (*service.StudentViolationSummary, error)
}

// ViolationHandler exposes violation recording and maintenance.
type ViolationHandler struct {
	service violationService
}

// NewViolationHandler builds a new handler.
func NewViolationHandler(svc violationService) *ViolationHandler {
	return &ViolationHandler{service: svc}
}

// List godoc
// @Summary List violations
// @Tags Violations
// @Produce json
// @Param student_id query string false "Student ID"
// @Param violation_type_id query string false "Violation type ID"
// @Param recorded_by query string false "Recording staff user ID"
// @Param date_from query string false "From date (YYYY-MM-DD)"
// @Param date_to query string false "To date (YYYY-MM-DD)"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /violations [get]
func (h *ViolationHandler) List(c *gin.Context) {
	var req service.ViolationListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.Error(c, invalidPayload(err))
		return
	}
	items, pagination, err := h.service.List(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// Record godoc
// @Summary Record violations
// @Description Records every listed violation type against every listed student and reconciles each student's case. Responds 207 when some students failed.
// @Tags Violations
// @Accept json
// @Produce json
// @Param payload body service.RecordViolationsRequest true "Recording payload"
// @Success 201 {object} response.Envelope
// @Success 207 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /violations [post]
func (h *ViolationHandler) Record(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req service.RecordViolationsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, invalidPayload(err))
		return
	}
	results, err := h.service.Record(c.Request.Context(), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}

	failed := 0
	for _, r := range results {
		if r.Error != nil {
			failed++
		}
	}
	if failed > 0 {
		response.MultiStatus(c, results, len(results)-failed, failed)
		return
	}
	response.Created(c, results)
}

// Update godoc
// @Summary Edit a violation
// @Description Reconciles the student afterwards. A case that no longer qualifies is closed, not deleted.
// @Tags Violations
// @Accept json
// @Produce json
// @Param id path string true "Violation ID"
// @Param payload body service.UpdateViolationRequest true "Edit payload"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /violations/{id} [put]
func (h *ViolationHandler) Update(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req service.UpdateViolationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, invalidPayload(err))
		return
	}
	result, err := h.service.Update(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Delete godoc
// @Summary Delete a violation
// @Description Reconciles the student afterwards. A case left without qualifying violations is removed.
// @Tags Violations
// @Produce json
// @Param id path string true "Violation ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /violations/{id} [delete]
func (h *ViolationHandler) Delete(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	result, err := h.service.Delete(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
