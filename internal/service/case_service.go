package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-discipline-api/internal/models"
	"github.com/noah-isme/sma-discipline-api/internal/repository"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
)

type caseRepository interface {
	List(ctx context.Context, filter models.CaseFilter) ([]models.CaseDetail, int, error)
	ListForExport(ctx context.Context, filter models.CaseFilter, limit int) ([]models.CaseDetail, error)
	FindByID(ctx context.Context, id string) (*models.CaseDetail, error)
	CountByStatusAndTier(ctx context.Context) ([]models.CaseStatusCount, error)
}

// CaseServiceParams groups dependencies.
type CaseServiceParams struct {
	Cases         caseRepository
	Engine        *ReconciliationService
	Export        *ExportService
	Cache         *CacheService
	Validator     *validator.Validate
	Logger        *zap.Logger
	SummaryTTL    time.Duration
	ExportMaxRows int
}

// CaseService exposes case reads and the staff-driven side of the lifecycle.
type CaseService struct {
	cases      caseRepository
	engine     *ReconciliationService
	export     *ExportService
	cache      *CacheService
	validator  *validator.Validate
	logger     *zap.Logger
	summaryTTL time.Duration
	maxRows    int
	now        func() time.Time
}

// NewCaseService constructs the service.
func NewCaseService(params CaseServiceParams) *CaseService {
	validate := params.Validator
	if validate == nil {
		validate = validator.New()
	}
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	exporter := params.Export
	if exporter == nil {
		exporter = NewExportService(logger, nil, nil)
	}
	ttl := params.SummaryTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	maxRows := params.ExportMaxRows
	if maxRows <= 0 {
		maxRows = 5000
	}
	return &CaseService{
		cases:      params.Cases,
		engine:     params.Engine,
		export:     exporter,
		cache:      params.Cache,
		validator:  validate,
		logger:     logger,
		summaryTTL: ttl,
		maxRows:    maxRows,
		now:        time.Now,
	}
}

// CaseListRequest describes filters for listing cases.
type CaseListRequest struct {
	StudentID string   `form:"student_id"`
	Status    []string `form:"status"`
	Tier      int      `form:"tier" validate:"gte=0,lte=3"`
	Page      int      `form:"page"`
	PageSize  int      `form:"page_size"`
}

// TransitionCaseRequest requests a manual status change.
type TransitionCaseRequest struct {
	Status string `json:"status" validate:"required"`
	Note   string `json:"note" validate:"max=1000"`
}

// List returns case projections with pagination.
func (s *CaseService) List(ctx context.Context, req CaseListRequest) ([]models.CaseDetail, *models.Pagination, error) {
	filter, err := s.buildFilter(req)
	if err != nil {
		return nil, nil, err
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 50
	}
	cases, total, err := s.cases.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list cases")
	}
	return cases, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// Get returns one case projection.
func (s *CaseService) Get(ctx context.Context, id string) (*models.CaseDetail, error) {
	detail, err := s.cases.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "case not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load case")
	}
	return detail, nil
}

// Transition applies a guarded status change. Guard failures are returned as-is and never retried.
func (s *CaseService) Transition(ctx context.Context, id string, req TransitionCaseRequest, actor models.Actor) (*models.CaseDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	target := models.CaseStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if !target.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown case status")
	}
	if err := s.mutateCase(ctx, id, func(ctx context.Context, session *CaseSession, c *models.DisciplineCase) error {
		return session.Transition(ctx, c, target, actor, req.Note)
	}); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// PrintLetter records that the case letter was issued to the guardian and moves the case into handling.
func (s *CaseService) PrintLetter(ctx context.Context, id string, actor models.Actor) (*models.CaseDetail, error) {
	if err := s.mutateCase(ctx, id, func(ctx context.Context, session *CaseSession, c *models.DisciplineCase) error {
		_, err := session.PrintLetter(ctx, c, actor)
		return err
	}); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// mutateCase locks the owning student, reloads the case inside the transaction and applies fn.
func (s *CaseService) mutateCase(ctx context.Context, id string, fn func(ctx context.Context, session *CaseSession, c *models.DisciplineCase) error) error {
	detail, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	var events []CaseEvent
	err = s.engine.store.WithStudentLock(ctx, detail.StudentID, func(store repository.DisciplineStore) error {
		c, err := store.GetCase(ctx, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrNotFound, "case not found")
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load case")
		}
		session := s.engine.lifecycle.Session(store)
		if err := fn(ctx, session, c); err != nil {
			return err
		}
		events = session.Events()
		return nil
	})
	if err != nil {
		return appErrors.FromError(err)
	}
	s.engine.publisher.publish(ctx, events)
	return nil
}

// Summary returns case counts grouped by status and tier, served from cache when possible.
func (s *CaseService) Summary(ctx context.Context) (*models.CaseSummary, bool, error) {
	var cached models.CaseSummary
	if hit, err := s.cache.Get(ctx, caseSummaryCacheKey, &cached); err == nil && hit {
		return &cached, true, nil
	}
	generation := s.cache.Generation()
	counts, err := s.cases.CountByStatusAndTier(ctx)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to summarise cases")
	}
	summary := buildCaseSummary(counts, s.now().UTC())
	if s.cache.Generation() != generation {
		// A case changed while counting; the next read rebuilds.
		return summary, false, nil
	}
	if err := s.cache.Set(ctx, caseSummaryCacheKey, summary, s.summaryTTL); err != nil {
		s.logger.Warn("failed to cache case summary", zap.Error(err))
	}
	return summary, false, nil
}

// Export renders the case register for the filter, capped at the configured row limit.
func (s *CaseService) Export(ctx context.Context, req CaseListRequest, format ExportFormat) (*ExportResult, error) {
	switch format {
	case ExportFormatCSV, ExportFormatPDF:
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
	filter, err := s.buildFilter(req)
	if err != nil {
		return nil, err
	}
	cases, err := s.cases.ListForExport(ctx, filter, s.maxRows)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load cases for export")
	}
	result, err := s.export.RenderCases(cases, format)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render case register")
	}
	return result, nil
}

func (s *CaseService) buildFilter(req CaseListRequest) (models.CaseFilter, error) {
	if err := s.validator.Struct(req); err != nil {
		return models.CaseFilter{}, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid filter")
	}
	filter := models.CaseFilter{
		StudentID: req.StudentID,
		Tier:      models.CaseTier(req.Tier),
		Page:      req.Page,
		PageSize:  req.PageSize,
	}
	for _, raw := range req.Status {
		for _, part := range strings.Split(raw, ",") {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			status := models.CaseStatus(part)
			if !status.Valid() {
				return models.CaseFilter{}, appErrors.Clone(appErrors.ErrValidation, "unknown case status "+part)
			}
			filter.Status = append(filter.Status, status)
		}
	}
	return filter, nil
}

func buildCaseSummary(counts []models.CaseStatusCount, now time.Time) *models.CaseSummary {
	summary := &models.CaseSummary{
		ByStatus:    make(map[models.CaseStatus]int),
		ByTier:      make(map[string]int),
		GeneratedAt: now,
	}
	for _, row := range counts {
		summary.ByStatus[row.Status] += row.Total
		if !row.Status.Terminal() {
			summary.OpenTotal += row.Total
			summary.ByTier[row.Tier.Label()] += row.Total
		}
	}
	return summary
}
