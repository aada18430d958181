package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-discipline-api/internal/models"
	"github.com/noah-isme/sma-discipline-api/internal/service"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
)

type reconcilerMock struct {
	calls []string
	err   error
}

func (m *reconcilerMock) ReconcileStudent(ctx context.Context, studentID string) (*service.ReconcileResult, error) {
	m.calls = append(m.calls, studentID)
	if m.err != nil {
		return nil, m.err
	}
	return &service.ReconcileResult{StudentID: studentID, Outcome: service.ReconcileOutcomeUnchanged}, nil
}

func TestStudentHandlerSummary(t *testing.T) {
	summaries := &violationServiceMock{summary: &service.StudentViolationSummary{
		Aggregates: models.ViolationAggregates{TotalPoints: 165},
	}}
	h := NewStudentHandler(summaries, &reconcilerMock{})
	c, w := newTestContext(http.MethodGet, "/students/stu-1/violations/summary", "", teacherClaims, gin.Param{Key: "id", Value: "stu-1"})

	h.ViolationSummary(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(decodeEnvelope(t, w).Data), "165")
}

func TestStudentHandlerSummaryUnknownStudent(t *testing.T) {
	h := NewStudentHandler(&violationServiceMock{}, &reconcilerMock{})
	c, w := newTestContext(http.MethodGet, "/students/ghost/violations/summary", "", teacherClaims, gin.Param{Key: "id", Value: "ghost"})

	h.ViolationSummary(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStudentHandlerReconcile(t *testing.T) {
	reconciler := &reconcilerMock{}
	h := NewStudentHandler(&violationServiceMock{}, reconciler)
	c, w := newTestContext(http.MethodPost, "/students/stu-1/reconcile", "", teacherClaims, gin.Param{Key: "id", Value: "stu-1"})

	h.Reconcile(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"stu-1"}, reconciler.calls)
}

func TestStudentHandlerReconcileConflict(t *testing.T) {
	reconciler := &reconcilerMock{err: appErrors.ErrConcurrencyViolation}
	h := NewStudentHandler(&violationServiceMock{}, reconciler)
	c, w := newTestContext(http.MethodPost, "/students/stu-1/reconcile", "", teacherClaims, gin.Param{Key: "id", Value: "stu-1"})

	h.Reconcile(c)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONCURRENCY_VIOLATION", decodeEnvelope(t, w).Error.Code)
}
