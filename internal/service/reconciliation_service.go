package service

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-discipline-api/internal/models"
	"github.com/noah-isme/sma-discipline-api/internal/repository"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
)

// Reconciliation triggers.
const (
	TriggerBatch   = "batch"
	TriggerEdit    = "edit"
	TriggerDelete  = "delete"
	TriggerManual  = "manual"
	TriggerCatalog = "catalog"
)

type disciplineUnitOfWork interface {
	WithStudentLock(ctx context.Context, studentID string, fn func(store repository.DisciplineStore) error) error
}

// ReconcileResult describes what a reconciliation pass did to the student's case.
type ReconcileResult struct {
	StudentID  string                     `json:"student_id"`
	Outcome    string                     `json:"outcome"`
	Decision   *models.CaseDecision       `json:"decision,omitempty"`
	Case       *models.DisciplineCase     `json:"case,omitempty"`
	Aggregates models.ViolationAggregates `json:"aggregates"`
}

// ReconciliationServiceParams groups dependencies.
type ReconciliationServiceParams struct {
	Store     disciplineUnitOfWork
	Rules     EscalationRules
	Lifecycle *CaseLifecycle
	Audit     auditLogger
	Cache     *CacheService
	Metrics   *MetricsService
	Logger    *zap.Logger
}

// ReconciliationService keeps each student's case consistent with their violation record.
type ReconciliationService struct {
	store     disciplineUnitOfWork
	rules     EscalationRules
	lifecycle *CaseLifecycle
	publisher *caseEventPublisher
	metrics   *MetricsService
	logger    *zap.Logger
}

// NewReconciliationService constructs the service.
func NewReconciliationService(params ReconciliationServiceParams) *ReconciliationService {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	lifecycle := params.Lifecycle
	if lifecycle == nil {
		lifecycle = NewCaseLifecycle(nil)
	}
	rules := params.Rules
	if rules.FrequencyThresholds == nil {
		rules = DefaultEscalationRules()
	}
	return &ReconciliationService{
		store:     params.Store,
		rules:     rules,
		lifecycle: lifecycle,
		publisher: &caseEventPublisher{
			audit:   params.Audit,
			metrics: params.Metrics,
			cache:   params.Cache,
			logger:  logger,
			source:  "discipline-engine",
		},
		metrics: params.Metrics,
		logger:  logger,
	}
}

// ProcessNewBatch evaluates a student right after a batch of their violations was stored.
func (s *ReconciliationService) ProcessNewBatch(ctx context.Context, studentID string, typeIDs []string) (*ReconcileResult, error) {
	return s.runLocked(ctx, studentID, TriggerBatch, func(ctx context.Context, store repository.DisciplineStore, session *CaseSession) (*ReconcileResult, error) {
		return s.processNewBatchTx(ctx, store, session, studentID, typeIDs)
	})
}

// Reconcile re-evaluates a student after violations were edited or deleted.
func (s *ReconciliationService) Reconcile(ctx context.Context, studentID string, deleteIfNoCase bool) (*ReconcileResult, error) {
	trigger := TriggerEdit
	if deleteIfNoCase {
		trigger = TriggerDelete
	}
	return s.reconcile(ctx, studentID, trigger, deleteIfNoCase)
}

// ReconcileStudent re-evaluates a student on administrator request, keeping any resolved case as Closed.
func (s *ReconciliationService) ReconcileStudent(ctx context.Context, studentID string) (*ReconcileResult, error) {
	return s.reconcile(ctx, studentID, TriggerManual, false)
}

// ReconcileAfterCatalogChange re-evaluates a student whose recorded violation types were rescored.
func (s *ReconciliationService) ReconcileAfterCatalogChange(ctx context.Context, studentID string) (*ReconcileResult, error) {
	return s.reconcile(ctx, studentID, TriggerCatalog, false)
}

func (s *ReconciliationService) reconcile(ctx context.Context, studentID, trigger string, deleteIfNoCase bool) (*ReconcileResult, error) {
	return s.runLocked(ctx, studentID, trigger, func(ctx context.Context, store repository.DisciplineStore, session *CaseSession) (*ReconcileResult, error) {
		return s.reconcileTx(ctx, store, session, studentID, deleteIfNoCase)
	})
}

type lockedFunc func(ctx context.Context, store repository.DisciplineStore, session *CaseSession) (*ReconcileResult, error)

// runLocked executes fn under the student's lock, retrying once on a transaction conflict.
// Lifecycle events are published only after commit.
func (s *ReconciliationService) runLocked(ctx context.Context, studentID, trigger string, fn lockedFunc) (*ReconcileResult, error) {
	var (
		result *ReconcileResult
		events []CaseEvent
	)
	attempt := func() error {
		return s.store.WithStudentLock(ctx, studentID, func(store repository.DisciplineStore) error {
			session := s.lifecycle.Session(store)
			r, err := fn(ctx, store, session)
			if err != nil {
				return err
			}
			result = r
			events = session.Events()
			return nil
		})
	}

	err := attempt()
	if err != nil && isRetryable(err) {
		s.metrics.RecordReconciliationRetry()
		s.logger.Warn("retrying reconciliation", zap.String("student_id", studentID), zap.String("trigger", trigger), zap.Error(err))
		err = attempt()
	}
	if err != nil {
		return nil, normalizeEngineError(err)
	}

	s.publisher.publish(ctx, events)
	s.metrics.RecordReconciliation(trigger, result.Outcome)
	s.logger.Info("student reconciled",
		zap.String("student_id", studentID),
		zap.String("trigger", trigger),
		zap.String("outcome", result.Outcome),
		zap.Int("total_points", result.Aggregates.TotalPoints),
	)
	return result, nil
}

func (s *ReconciliationService) processNewBatchTx(ctx context.Context, store repository.DisciplineStore, session *CaseSession, studentID string, typeIDs []string) (*ReconcileResult, error) {
	types, err := resolveTypes(ctx, store, typeIDs)
	if err != nil {
		return nil, err
	}
	points := make(map[string]int, len(types))
	for _, vt := range types {
		points[vt.ID] = vt.Points
	}
	batchPoints := 0
	for _, id := range typeIDs {
		batchPoints += points[id]
	}

	agg, err := Aggregate(ctx, store, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate violations")
	}
	result := &ReconcileResult{StudentID: studentID, Outcome: ReconcileOutcomeNone, Aggregates: agg}

	decision, ok := s.rules.Classify(ClassificationInput{InvolvedTypes: types, BatchPoints: batchPoints, Aggregates: agg})
	if !ok {
		return result, nil
	}
	result.Decision = &decision
	return s.apply(ctx, store, session, result, decision)
}

func (s *ReconciliationService) reconcileTx(ctx context.Context, store repository.DisciplineStore, session *CaseSession, studentID string, deleteIfNoCase bool) (*ReconcileResult, error) {
	agg, err := Aggregate(ctx, store, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate violations")
	}
	ids, err := store.DistinctViolationTypeIDs(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load recorded violation types")
	}
	types, err := resolveTypes(ctx, store, ids)
	if err != nil {
		return nil, err
	}
	result := &ReconcileResult{StudentID: studentID, Outcome: ReconcileOutcomeNone, Aggregates: agg}

	decision, ok := s.rules.Classify(ClassificationInput{InvolvedTypes: types, BatchPoints: agg.MaxBatchPoints, Aggregates: agg})
	if ok {
		result.Decision = &decision
		return s.apply(ctx, store, session, result, decision)
	}

	open, err := store.FindOpenCase(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up open case")
	}
	if open == nil {
		return result, nil
	}
	if err := session.Close(ctx, open, deleteIfNoCase); err != nil {
		return nil, err
	}
	if deleteIfNoCase {
		result.Outcome = ReconcileOutcomeDeleted
	} else {
		result.Outcome = ReconcileOutcomeClosed
		result.Case = open
	}
	return result, nil
}

// apply opens a case or raises the existing one. Equal or lower tiers leave the case untouched.
func (s *ReconciliationService) apply(ctx context.Context, store repository.DisciplineStore, session *CaseSession, result *ReconcileResult, decision models.CaseDecision) (*ReconcileResult, error) {
	open, err := store.FindOpenCase(ctx, result.StudentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up open case")
	}
	if open == nil {
		created, err := session.Open(ctx, result.StudentID, decision)
		if err != nil {
			return nil, err
		}
		result.Outcome = ReconcileOutcomeOpened
		result.Case = created
		return result, nil
	}
	result.Case = open
	if decision.Tier <= open.Tier {
		result.Outcome = ReconcileOutcomeUnchanged
		return result, nil
	}
	if _, err := session.Escalate(ctx, open, decision); err != nil {
		return nil, err
	}
	result.Outcome = ReconcileOutcomeEscalated
	return result, nil
}

// resolveTypes loads catalog entries for ids, failing on any id the catalog does not know.
func resolveTypes(ctx context.Context, store repository.DisciplineStore, ids []string) ([]models.ViolationType, error) {
	unique := uniqueStrings(ids)
	if len(unique) == 0 {
		return nil, nil
	}
	types, err := store.ViolationTypesByIDs(ctx, unique)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load violation types")
	}
	found := make(map[string]struct{}, len(types))
	for _, vt := range types {
		found[vt.ID] = struct{}{}
	}
	for _, id := range unique {
		if _, ok := found[id]; !ok {
			return nil, appErrors.Clone(appErrors.ErrUnknownViolationType, "unknown violation type "+id)
		}
	}
	return types, nil
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func isRetryable(err error) bool {
	return repository.IsRetryable(err) || errors.Is(err, appErrors.ErrConcurrencyViolation)
}

func normalizeEngineError(err error) error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if repository.IsRetryable(err) {
		return appErrors.Wrap(err, appErrors.ErrConcurrencyViolation.Code, appErrors.ErrConcurrencyViolation.Status, "student record changed concurrently, try again")
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reconcile student")
}
