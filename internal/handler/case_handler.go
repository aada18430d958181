package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-discipline-api/internal/middleware"
	"github.com/noah-isme/sma-discipline-api/internal/models"
	"github.com/noah-isme/sma-discipline-api/internal/service"
	"github.com/noah-isme/sma-discipline-api/pkg/response"
)

type caseService interface {
	List(ctx context.Context, req service.CaseListRequest) ([]models.CaseDetail, *models.Pagination, error)
	Get(ctx context.Context, id string) (*models.CaseDetail, error)
	Transition(ctx context.Context, id string, req service.TransitionCaseRequest, actor models.Actor) (*models.CaseDetail, error)
	PrintLetter(ctx context.Context, id string, actor models.Actor) (*models.CaseDetail, error)
	Summary(ctx context.Context) (*models.CaseSummary, bool, error)
	Export(ctx context.Context, req service.CaseListRequest, format service.ExportFormat) (*service.ExportResult, error)
}

// CaseHandler exposes discipline cases.
type CaseHandler struct {
	service caseService
}

// NewCaseHandler builds a new handler.
func NewCaseHandler(svc caseService) *CaseHandler {
	return &CaseHandler{service: svc}
}

// List godoc
// @Summary List discipline cases
// @Tags Cases
// @Produce json
// @Param student_id query string false "Student ID"
// @Param status query string false "Comma separated statuses"
// @Param tier query int false "Tier 1-3"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /cases [get]
func (h *CaseHandler) List(c *gin.Context) {
	req, ok := bindCaseFilter(c)
	if !ok {
		return
	}
	items, pagination, err := h.service.List(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// Summary godoc
// @Summary Case counts by status and tier
// @Tags Cases
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /cases/summary [get]
func (h *CaseHandler) Summary(c *gin.Context) {
	summary, hit, err := h.service.Summary(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, hit)
	response.JSON(c, http.StatusOK, summary, nil, middleware.ExtractMeta(c))
}

// Export godoc
// @Summary Export the case register
// @Tags Cases
// @Produce text/csv
// @Produce application/pdf
// @Param format query string false "csv (default) or pdf"
// @Param status query string false "Comma separated statuses"
// @Param tier query int false "Tier 1-3"
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Router /cases/export [get]
func (h *CaseHandler) Export(c *gin.Context) {
	req, ok := bindCaseFilter(c)
	if !ok {
		return
	}
	format := service.ExportFormat(strings.ToLower(c.DefaultQuery("format", string(service.ExportFormatCSV))))
	result, err := h.service.Export(c.Request.Context(), req, format)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, result.Filename, result.Format.ContentType(), result.Payload)
}

// Get godoc
// @Summary Get a discipline case
// @Tags Cases
// @Produce json
// @Param id path string true "Case ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /cases/{id} [get]
func (h *CaseHandler) Get(c *gin.Context) {
	item, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, item, nil)
}

// Transition godoc
// @Summary Change case status
// @Description Approval and rejection of pending cases require the headmaster
// @Tags Cases
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body service.TransitionCaseRequest true "Transition payload"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /cases/{id}/transition [post]
func (h *CaseHandler) Transition(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req service.TransitionCaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, invalidPayload(err))
		return
	}
	item, err := h.service.Transition(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, item, nil)
}

// PrintLetter godoc
// @Summary Mark the case letter as printed
// @Tags Cases
// @Produce json
// @Param id path string true "Case ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /cases/{id}/letter/print [post]
func (h *CaseHandler) PrintLetter(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	item, err := h.service.PrintLetter(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, item, nil)
}

func bindCaseFilter(c *gin.Context) (service.CaseListRequest, bool) {
	var req service.CaseListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.Error(c, invalidPayload(err))
		return req, false
	}
	return req, true
}
