package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-discipline-api/internal/models"
	"github.com/noah-isme/sma-discipline-api/internal/repository"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
)

type violationReader interface {
	List(ctx context.Context, filter models.ViolationFilter) ([]models.ViolationEventDetail, int, error)
	FindByID(ctx context.Context, id string) (*models.ViolationEvent, error)
	ViolationTallies(ctx context.Context, studentID string) ([]models.ViolationTally, error)
}

type violationTypeLookup interface {
	FindByID(ctx context.Context, id string) (*models.ViolationType, error)
	FindByIDs(ctx context.Context, ids []string) ([]models.ViolationType, error)
}

type studentLookup interface {
	Exists(ctx context.Context, id string) (bool, error)
}

type openCaseLookup interface {
	List(ctx context.Context, filter models.CaseFilter) ([]models.CaseDetail, int, error)
}

// ViolationServiceParams groups dependencies.
type ViolationServiceParams struct {
	Violations violationReader
	Types      violationTypeLookup
	Students   studentLookup
	Cases      openCaseLookup
	Engine     *ReconciliationService
	Audit      auditLogger
	Metrics    *MetricsService
	Validator  *validator.Validate
	Logger     *zap.Logger
	EditWindow time.Duration
}

// ViolationService records violations and keeps cases reconciled with them.
type ViolationService struct {
	violations violationReader
	types      violationTypeLookup
	students   studentLookup
	cases      openCaseLookup
	engine     *ReconciliationService
	audit      auditLogger
	metrics    *MetricsService
	validator  *validator.Validate
	logger     *zap.Logger
	editWindow time.Duration
	now        func() time.Time
}

// NewViolationService constructs the service.
func NewViolationService(params ViolationServiceParams) *ViolationService {
	validate := params.Validator
	if validate == nil {
		validate = validator.New()
	}
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	window := params.EditWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &ViolationService{
		violations: params.Violations,
		types:      params.Types,
		students:   params.Students,
		cases:      params.Cases,
		engine:     params.Engine,
		audit:      params.Audit,
		metrics:    params.Metrics,
		validator:  validate,
		logger:     logger,
		editWindow: window,
		now:        time.Now,
	}
}

// RecordViolationsRequest records the same violation types against one or more students.
type RecordViolationsRequest struct {
	StudentIDs       []string  `json:"student_ids" validate:"required,min=1,dive,required"`
	ViolationTypeIDs []string  `json:"violation_type_ids" validate:"required,min=1,dive,required"`
	OccurredAt       time.Time `json:"occurred_at" validate:"required"`
	Note             string    `json:"note" validate:"max=1000"`
}

// UpdateViolationRequest edits one recorded violation. The student cannot change.
type UpdateViolationRequest struct {
	ViolationTypeID string    `json:"violation_type_id" validate:"required"`
	OccurredAt      time.Time `json:"occurred_at" validate:"required"`
	Note            string    `json:"note" validate:"max=1000"`
}

// ViolationListRequest describes filters for listing violations.
type ViolationListRequest struct {
	StudentID       string     `form:"student_id"`
	ViolationTypeID string     `form:"violation_type_id"`
	RecordedBy      string     `form:"recorded_by"`
	DateFrom        *time.Time `form:"date_from" time_format:"2006-01-02"`
	DateTo          *time.Time `form:"date_to" time_format:"2006-01-02"`
	Page            int        `form:"page"`
	PageSize        int        `form:"page_size"`
}

// StudentRecordResult is the per-student outcome of a batch recording.
type StudentRecordResult struct {
	StudentID      string                  `json:"student_id"`
	Violations     []models.ViolationEvent `json:"violations,omitempty"`
	Reconciliation *ReconcileResult        `json:"reconciliation,omitempty"`
	Error          *appErrors.Error        `json:"error,omitempty"`
}

// ViolationMutationResult is returned by edits and deletes.
type ViolationMutationResult struct {
	Violation      *models.ViolationEvent `json:"violation,omitempty"`
	Reconciliation *ReconcileResult       `json:"reconciliation"`
}

// StudentViolationSummary is the read-only view of a student's standing.
type StudentViolationSummary struct {
	Aggregates models.ViolationAggregates `json:"aggregates"`
	Warranted  *models.CaseDecision       `json:"warranted,omitempty"`
	OpenCase   *models.CaseDetail         `json:"open_case,omitempty"`
}

// List returns recorded violations with pagination.
func (s *ViolationService) List(ctx context.Context, req ViolationListRequest) ([]models.ViolationEventDetail, *models.Pagination, error) {
	filter := models.ViolationFilter{
		StudentID:       req.StudentID,
		ViolationTypeID: req.ViolationTypeID,
		RecordedBy:      req.RecordedBy,
		DateFrom:        req.DateFrom,
		DateTo:          req.DateTo,
		Page:            req.Page,
		PageSize:        req.PageSize,
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 50
	}
	events, total, err := s.violations.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list violations")
	}
	return events, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// Record stores a batch for each student in its own transaction and reconciles each independently.
// It fails only when the request itself is invalid or every student failed.
func (s *ViolationService) Record(ctx context.Context, req RecordViolationsRequest, actor models.Actor) ([]StudentRecordResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	if actor.UserID == "" {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.checkRecordableTypes(ctx, req.ViolationTypeIDs); err != nil {
		return nil, err
	}

	studentIDs := uniqueStrings(req.StudentIDs)
	results := make([]StudentRecordResult, 0, len(studentIDs))
	failures := 0
	var lastErr *appErrors.Error
	for _, studentID := range studentIDs {
		result := s.recordForStudent(ctx, studentID, req, actor)
		if result.Error != nil {
			failures++
			lastErr = result.Error
		}
		results = append(results, result)
	}
	if failures == len(results) && lastErr != nil {
		return results, lastErr
	}
	return results, nil
}

func (s *ViolationService) recordForStudent(ctx context.Context, studentID string, req RecordViolationsRequest, actor models.Actor) StudentRecordResult {
	result := StudentRecordResult{StudentID: studentID}
	exists, err := s.students.Exists(ctx, studentID)
	if err != nil {
		result.Error = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up student")
		return result
	}
	if !exists {
		result.Error = appErrors.Clone(appErrors.ErrUnknownStudent, "student "+studentID+" not found")
		return result
	}

	var events []models.ViolationEvent
	note := strings.TrimSpace(req.Note)
	reconciled, err := s.engine.runLocked(ctx, studentID, TriggerBatch, func(ctx context.Context, store repository.DisciplineStore, session *CaseSession) (*ReconcileResult, error) {
		batchID := uuid.NewString()
		events = make([]models.ViolationEvent, 0, len(req.ViolationTypeIDs))
		for _, typeID := range req.ViolationTypeIDs {
			events = append(events, models.ViolationEvent{
				StudentID:       studentID,
				ViolationTypeID: typeID,
				BatchID:         batchID,
				OccurredAt:      req.OccurredAt.UTC(),
				Note:            note,
				RecordedBy:      actor.UserID,
			})
		}
		if err := store.InsertViolations(ctx, events); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record violations")
		}
		return s.engine.processNewBatchTx(ctx, store, session, studentID, req.ViolationTypeIDs)
	})
	if err != nil {
		s.logger.Warn("failed to record violations", zap.String("student_id", studentID), zap.Error(err))
		result.Error = appErrors.FromError(err)
		return result
	}

	s.metrics.RecordViolations(len(events))
	s.emitAudit(ctx, actor, models.AuditActionViolationRecord, studentID, nil, events)
	result.Violations = events
	result.Reconciliation = reconciled
	return result
}

// Update edits one violation and reconciles the student, keeping a closed case as an audit trail.
func (s *ViolationService) Update(ctx context.Context, id string, req UpdateViolationRequest, actor models.Actor) (*ViolationMutationResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	existing, err := s.findViolation(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.ViolationTypeID != req.ViolationTypeID {
		if err := s.checkRecordableTypes(ctx, []string{req.ViolationTypeID}); err != nil {
			return nil, err
		}
	}

	var before, after models.ViolationEvent
	reconciled, err := s.engine.runLocked(ctx, existing.StudentID, TriggerEdit, func(ctx context.Context, store repository.DisciplineStore, session *CaseSession) (*ReconcileResult, error) {
		current, err := lockViolation(ctx, store, id)
		if err != nil {
			return nil, err
		}
		if err := s.checkModifiable(current, actor); err != nil {
			return nil, err
		}
		before = *current
		current.ViolationTypeID = req.ViolationTypeID
		current.OccurredAt = req.OccurredAt.UTC()
		current.Note = strings.TrimSpace(req.Note)
		if err := store.UpdateViolation(ctx, current); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update violation")
		}
		after = *current
		return s.engine.reconcileTx(ctx, store, session, current.StudentID, false)
	})
	if err != nil {
		return nil, err
	}

	s.emitAudit(ctx, actor, models.AuditActionViolationUpdate, after.ID, &before, &after)
	return &ViolationMutationResult{Violation: &after, Reconciliation: reconciled}, nil
}

// Delete removes one violation and reconciles the student, removing a case that no longer has a trigger.
func (s *ViolationService) Delete(ctx context.Context, id string, actor models.Actor) (*ViolationMutationResult, error) {
	existing, err := s.findViolation(ctx, id)
	if err != nil {
		return nil, err
	}

	var removed models.ViolationEvent
	reconciled, err := s.engine.runLocked(ctx, existing.StudentID, TriggerDelete, func(ctx context.Context, store repository.DisciplineStore, session *CaseSession) (*ReconcileResult, error) {
		current, err := lockViolation(ctx, store, id)
		if err != nil {
			return nil, err
		}
		if err := s.checkModifiable(current, actor); err != nil {
			return nil, err
		}
		if err := store.DeleteViolation(ctx, id); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete violation")
		}
		removed = *current
		return s.engine.reconcileTx(ctx, store, session, current.StudentID, true)
	})
	if err != nil {
		return nil, err
	}

	s.emitAudit(ctx, actor, models.AuditActionViolationDelete, removed.ID, &removed, nil)
	return &ViolationMutationResult{Reconciliation: reconciled}, nil
}

// StudentSummary reports a student's aggregates, the case they currently warrant and any open case.
func (s *ViolationService) StudentSummary(ctx context.Context, studentID string) (*StudentViolationSummary, error) {
	exists, err := s.students.Exists(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up student")
	}
	if !exists {
		return nil, appErrors.Clone(appErrors.ErrUnknownStudent, "student not found")
	}
	agg, err := Aggregate(ctx, s.violations, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate violations")
	}
	summary := &StudentViolationSummary{Aggregates: agg}

	if len(agg.CountsByType) > 0 {
		ids := make([]string, 0, len(agg.CountsByType))
		for id := range agg.CountsByType {
			ids = append(ids, id)
		}
		types, err := s.types.FindByIDs(ctx, uniqueStrings(ids))
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load violation types")
		}
		if decision, ok := s.engine.rules.Classify(ClassificationInput{InvolvedTypes: types, BatchPoints: agg.MaxBatchPoints, Aggregates: agg}); ok {
			summary.Warranted = &decision
		}
	}

	cases, _, err := s.cases.List(ctx, models.CaseFilter{StudentID: studentID, Status: nonTerminalStatuses(), Page: 1, PageSize: 1})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load open case")
	}
	if len(cases) > 0 {
		summary.OpenCase = &cases[0]
	}
	return summary, nil
}

func (s *ViolationService) findViolation(ctx context.Context, id string) (*models.ViolationEvent, error) {
	event, err := s.violations.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "violation not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load violation")
	}
	return event, nil
}

// checkRecordableTypes rejects unknown or deactivated catalog entries before anything is written.
func (s *ViolationService) checkRecordableTypes(ctx context.Context, ids []string) error {
	unique := uniqueStrings(ids)
	types, err := s.types.FindByIDs(ctx, unique)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load violation types")
	}
	byID := make(map[string]models.ViolationType, len(types))
	for _, vt := range types {
		byID[vt.ID] = vt
	}
	for _, id := range unique {
		vt, ok := byID[id]
		if !ok {
			return appErrors.Clone(appErrors.ErrUnknownViolationType, "unknown violation type "+id)
		}
		if !vt.Active {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("violation type %q is inactive", vt.Name))
		}
	}
	return nil
}

// checkModifiable allows the recorder within the edit window, and unrestricted roles at any time.
func (s *ViolationService) checkModifiable(event *models.ViolationEvent, actor models.Actor) error {
	if actor.Role.Unrestricted() {
		return nil
	}
	if actor.UserID == "" || actor.UserID != event.RecordedBy {
		return appErrors.Clone(appErrors.ErrForbidden, "only the recording staff member may modify this violation")
	}
	if s.now().Sub(event.CreatedAt) > s.editWindow {
		return appErrors.ErrEditWindowExpired
	}
	return nil
}

func (s *ViolationService) emitAudit(ctx context.Context, actor models.Actor, action, resourceID string, before, after interface{}) {
	if s.audit == nil {
		return
	}
	log := &models.AuditLog{
		Action:     action,
		Resource:   "student_violation",
		ResourceID: &resourceID,
		OldValues:  marshalAuditValue(before),
		NewValues:  marshalAuditValue(after),
		IPAddress:  "system",
		UserAgent:  "violation-service",
	}
	if actor.UserID != "" {
		userID := actor.UserID
		log.UserID = &userID
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.String("action", action), zap.Error(err))
	}
}

func lockViolation(ctx context.Context, store repository.DisciplineStore, id string) (*models.ViolationEvent, error) {
	event, err := store.GetViolation(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "violation not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load violation")
	}
	return event, nil
}

func nonTerminalStatuses() []models.CaseStatus {
	return []models.CaseStatus{
		models.CaseStatusOpen,
		models.CaseStatusPendingApproval,
		models.CaseStatusApproved,
		models.CaseStatusInProgress,
	}
}
