package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-discipline-api/internal/service"
	"github.com/noah-isme/sma-discipline-api/pkg/response"
)

type studentSummaryService interface {
	StudentSummary(ctx context.Context, studentID string) (*service.StudentViolationSummary, error)
}

type studentReconciler interface {
	ReconcileStudent(ctx context.Context, studentID string) (*service.ReconcileResult, error)
}

// StudentHandler exposes per-student discipline standing.
type StudentHandler struct {
	summaries  studentSummaryService
	reconciler studentReconciler
}

// NewStudentHandler builds a new handler.
func NewStudentHandler(summaries studentSummaryService, reconciler studentReconciler) *StudentHandler {
	return &StudentHandler{summaries: summaries, reconciler: reconciler}
}

// ViolationSummary godoc
// @Summary Student discipline summary
// @Description Aggregated points and counts, the case those violations warrant, and the open case if any
// @Tags Students
// @Produce json
// @Param id path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /students/{id}/violations/summary [get]
func (h *StudentHandler) ViolationSummary(c *gin.Context) {
	summary, err := h.summaries.StudentSummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}

// Reconcile godoc
// @Summary Reconcile a student's case
// @Description Recomputes the warranted case from current violations and repairs the stored case. Safe to repeat.
// @Tags Students
// @Produce json
// @Param id path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /students/{id}/reconcile [post]
func (h *StudentHandler) Reconcile(c *gin.Context) {
	result, err := h.reconciler.ReconcileStudent(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
