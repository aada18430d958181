package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-discipline-api/pkg/jobs"
)

const jobTypeCatalogReconcile = "catalog_reconcile"

type studentsByViolationType interface {
	StudentIDsByViolationType(ctx context.Context, typeID string) ([]string, error)
}

type studentReconciler interface {
	ReconcileAfterCatalogChange(ctx context.Context, studentID string) (*ReconcileResult, error)
}

// CatalogReconciler re-evaluates every student holding a violation type whose scoring changed.
// Work runs on a background queue keyed by student so repeated edits collapse into one pass.
type CatalogReconciler struct {
	students studentsByViolationType
	engine   studentReconciler
	queue    *jobs.Queue
	logger   *zap.Logger
}

// NewCatalogReconciler constructs the reconciler and its worker queue.
func NewCatalogReconciler(students studentsByViolationType, engine studentReconciler, cfg jobs.QueueConfig) *CatalogReconciler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	r := &CatalogReconciler{students: students, engine: engine, logger: cfg.Logger}
	r.queue = jobs.NewQueue(jobTypeCatalogReconcile, r.handle, cfg)
	return r
}

// Start launches the workers.
func (r *CatalogReconciler) Start(ctx context.Context) {
	r.queue.Start(ctx)
}

// Stop waits for in-flight work to finish.
func (r *CatalogReconciler) Stop() {
	r.queue.Stop()
}

// ViolationTypeChanged schedules reconciliation for every student affected by typeID.
// It returns the number of students newly queued.
func (r *CatalogReconciler) ViolationTypeChanged(ctx context.Context, typeID string) (int, error) {
	ids, err := r.students.StudentIDsByViolationType(ctx, typeID)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, id := range ids {
		ok, err := r.queue.Enqueue(jobs.Job{Key: id, Type: jobTypeCatalogReconcile})
		if err != nil {
			return queued, err
		}
		if ok {
			queued++
		}
	}
	r.logger.Info("catalog change scheduled reconciliation",
		zap.String("violation_type_id", typeID),
		zap.Int("students", len(ids)),
		zap.Int("queued", queued),
	)
	return queued, nil
}

func (r *CatalogReconciler) handle(ctx context.Context, job jobs.Job) error {
	_, err := r.engine.ReconcileAfterCatalogChange(ctx, job.Key)
	return err
}
