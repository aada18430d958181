package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-discipline-api/internal/middleware"
	"github.com/noah-isme/sma-discipline-api/internal/models"
	"github.com/noah-isme/sma-discipline-api/internal/service"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
)

type caseServiceMock struct {
	lastList       service.CaseListRequest
	lastFormat     service.ExportFormat
	lastTransition service.TransitionCaseRequest
	summaryHit     bool
	transitionErr  error
	printErr       error
}

func (m *caseServiceMock) List(ctx context.Context, req service.CaseListRequest) ([]models.CaseDetail, *models.Pagination, error) {
	m.lastList = req
	return []models.CaseDetail{}, &models.Pagination{Page: 1, PageSize: 20}, nil
}

func (m *caseServiceMock) Get(ctx context.Context, id string) (*models.CaseDetail, error) {
	if id != "case-1" {
		return nil, appErrors.ErrNotFound
	}
	return &models.CaseDetail{DisciplineCase: models.DisciplineCase{ID: id, Status: models.CaseStatusOpen}}, nil
}

func (m *caseServiceMock) Transition(ctx context.Context, id string, req service.TransitionCaseRequest, actor models.Actor) (*models.CaseDetail, error) {
	m.lastTransition = req
	if m.transitionErr != nil {
		return nil, m.transitionErr
	}
	return &models.CaseDetail{DisciplineCase: models.DisciplineCase{ID: id, Status: models.CaseStatus(req.Status)}}, nil
}

func (m *caseServiceMock) PrintLetter(ctx context.Context, id string, actor models.Actor) (*models.CaseDetail, error) {
	if m.printErr != nil {
		return nil, m.printErr
	}
	return &models.CaseDetail{DisciplineCase: models.DisciplineCase{ID: id}}, nil
}

func (m *caseServiceMock) Summary(ctx context.Context) (*models.CaseSummary, bool, error) {
	return &models.CaseSummary{OpenTotal: 3}, m.summaryHit, nil
}

func (m *caseServiceMock) Export(ctx context.Context, req service.CaseListRequest, format service.ExportFormat) (*service.ExportResult, error) {
	m.lastList = req
	m.lastFormat = format
	if format != service.ExportFormatCSV && format != service.ExportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
	return &service.ExportResult{Filename: "discipline-cases." + string(format), Format: format, Payload: []byte("NIS\n")}, nil
}

func TestCaseHandlerListBindsStatus(t *testing.T) {
	mock := &caseServiceMock{}
	h := NewCaseHandler(mock)
	c, w := newTestContext(http.MethodGet, "/cases?status=OPEN,APPROVED&tier=2", "", teacherClaims)

	h.List(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"OPEN,APPROVED"}, mock.lastList.Status)
	assert.Equal(t, 2, mock.lastList.Tier)
}

func TestCaseHandlerSummaryReportsCacheHit(t *testing.T) {
	mock := &caseServiceMock{summaryHit: true}
	h := NewCaseHandler(mock)
	c, w := newTestContext(http.MethodGet, "/cases/summary", "", teacherClaims)

	h.Summary(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeEnvelope(t, w).Meta["cache_hit"])
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
}

func TestCaseHandlerExport(t *testing.T) {
	mock := &caseServiceMock{}
	h := NewCaseHandler(mock)
	c, w := newTestContext(http.MethodGet, "/cases/export?format=PDF&status=OPEN", "", teacherClaims)

	h.Export(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, service.ExportFormatPDF, mock.lastFormat)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "discipline-cases.pdf")
}

func TestCaseHandlerExportDefaultsToCSV(t *testing.T) {
	mock := &caseServiceMock{}
	h := NewCaseHandler(mock)
	c, w := newTestContext(http.MethodGet, "/cases/export", "", teacherClaims)

	h.Export(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, service.ExportFormatCSV, mock.lastFormat)
}

func TestCaseHandlerExportRejectsFormat(t *testing.T) {
	h := NewCaseHandler(&caseServiceMock{})
	c, w := newTestContext(http.MethodGet, "/cases/export?format=xlsx", "", teacherClaims)

	h.Export(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCaseHandlerGetNotFound(t *testing.T) {
	h := NewCaseHandler(&caseServiceMock{})
	c, w := newTestContext(http.MethodGet, "/cases/nope", "", teacherClaims, gin.Param{Key: "id", Value: "nope"})

	h.Get(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCaseHandlerTransition(t *testing.T) {
	mock := &caseServiceMock{}
	h := NewCaseHandler(mock)
	c, w := newTestContext(http.MethodPost, "/cases/case-1/transition", `{"status":"APPROVED","note":"ok"}`,
		&models.JWTClaims{UserID: "usr-head", Role: models.RoleHeadmaster}, gin.Param{Key: "id", Value: "case-1"})

	h.Transition(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "APPROVED", mock.lastTransition.Status)
}

func TestCaseHandlerTransitionForbidden(t *testing.T) {
	mock := &caseServiceMock{transitionErr: appErrors.ErrForbidden}
	h := NewCaseHandler(mock)
	c, w := newTestContext(http.MethodPost, "/cases/case-1/transition", `{"status":"APPROVED"}`, teacherClaims, gin.Param{Key: "id", Value: "case-1"})

	h.Transition(c)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCaseHandlerPrintLetterConflict(t *testing.T) {
	mock := &caseServiceMock{printErr: appErrors.ErrInvalidTransition}
	h := NewCaseHandler(mock)
	c, w := newTestContext(http.MethodPost, "/cases/case-1/letter/print", "", teacherClaims, gin.Param{Key: "id", Value: "case-1"})

	h.PrintLetter(c)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCaseRoutesThroughMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.WithResponseMeta())
	h := NewCaseHandler(&caseServiceMock{})
	r.GET("/cases/summary", func(c *gin.Context) {
		c.Set(middleware.ContextUserKey, teacherClaims)
	}, h.Summary)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/cases/summary", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
}
