package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-discipline-api/internal/models"
)

// ViolationRepository provides read access to recorded violations.
// Mutations go through DisciplineRepository so they share the reconciliation transaction.
type ViolationRepository struct {
	db *sqlx.DB
}

// NewViolationRepository constructs the repository.
func NewViolationRepository(db *sqlx.DB) *ViolationRepository {
	return &ViolationRepository{db: db}
}

// List returns violations per provided filter, newest first.
func (r *ViolationRepository) List(ctx context.Context, filter models.ViolationFilter) ([]models.ViolationEventDetail, int, error) {
	base := "FROM student_violations v JOIN violation_types t ON t.id = v.violation_type_id"
	where := []string{"1=1"}
	args := []interface{}{}
	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		where = append(where, fmt.Sprintf("v.student_id = $%d", len(args)))
	}
	if filter.ViolationTypeID != "" {
		args = append(args, filter.ViolationTypeID)
		where = append(where, fmt.Sprintf("v.violation_type_id = $%d", len(args)))
	}
	if filter.RecordedBy != "" {
		args = append(args, filter.RecordedBy)
		where = append(where, fmt.Sprintf("v.recorded_by = $%d", len(args)))
	}
	if filter.DateFrom != nil {
		args = append(args, *filter.DateFrom)
		where = append(where, fmt.Sprintf("v.occurred_at >= $%d", len(args)))
	}
	if filter.DateTo != nil {
		args = append(args, *filter.DateTo)
		where = append(where, fmt.Sprintf("v.occurred_at <= $%d", len(args)))
	}
	whereClause := strings.Join(where, " AND ")
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 200 {
		size = 50
	}
	offset := (page - 1) * size
	query := fmt.Sprintf(`SELECT v.id, v.student_id, v.violation_type_id, v.batch_id, v.occurred_at, v.note, v.recorded_by, v.created_at, v.updated_at,
t.name AS violation_type_name, t.points
%s WHERE %s ORDER BY v.occurred_at DESC, v.created_at DESC LIMIT %d OFFSET %d`, base, whereClause, size, offset)
	var events []models.ViolationEventDetail
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list violations: %w", err)
	}
	var total int
	if err := r.db.GetContext(ctx, &total, fmt.Sprintf("SELECT COUNT(*) %s WHERE %s", base, whereClause), args...); err != nil {
		return nil, 0, fmt.Errorf("count violations: %w", err)
	}
	return events, total, nil
}

// FindByID fetches one violation outside any lock, used to route edits to the owning student.
func (r *ViolationRepository) FindByID(ctx context.Context, id string) (*models.ViolationEvent, error) {
	const query = `SELECT id, student_id, violation_type_id, batch_id, occurred_at, note, recorded_by, created_at, updated_at
FROM student_violations WHERE id = $1`
	var event models.ViolationEvent
	if err := r.db.GetContext(ctx, &event, query, id); err != nil {
		return nil, err
	}
	return &event, nil
}

// ViolationTallies groups a student's violations outside any lock, for read-only summaries.
func (r *ViolationRepository) ViolationTallies(ctx context.Context, studentID string) ([]models.ViolationTally, error) {
	var tallies []models.ViolationTally
	if err := r.db.SelectContext(ctx, &tallies, violationTalliesQuery, studentID); err != nil {
		return nil, fmt.Errorf("tally violations: %w", err)
	}
	return tallies, nil
}

// StudentIDsByViolationType lists every student with at least one violation of the type.
func (r *ViolationRepository) StudentIDsByViolationType(ctx context.Context, typeID string) ([]string, error) {
	const query = `SELECT DISTINCT student_id FROM student_violations WHERE violation_type_id = $1 ORDER BY student_id`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, typeID); err != nil {
		return nil, fmt.Errorf("list students by violation type: %w", err)
	}
	return ids, nil
}
