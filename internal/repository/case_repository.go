package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-discipline-api/internal/models"
)

// CaseRepository provides read projections of disciplinary cases.
type CaseRepository struct {
	db *sqlx.DB
}

// NewCaseRepository constructs the repository.
func NewCaseRepository(db *sqlx.DB) *CaseRepository {
	return &CaseRepository{db: db}
}

const caseDetailSelect = `SELECT dc.id, dc.student_id, dc.tier, dc.status, dc.reason, dc.note, dc.approved_by, dc.approved_at, dc.created_at, dc.last_transition_at,
	s.nis AS student_nis, s.full_name AS student_name, c.name AS class_name,
	nl.draft_number AS letter_draft_number, nl.printed_at AS letter_printed_at
FROM discipline_cases dc
JOIN students s ON s.id = dc.student_id
LEFT JOIN enrollments e ON e.student_id = s.id AND e.status = 'ACTIVE'
LEFT JOIN classes c ON c.id = e.class_id
LEFT JOIN notification_letters nl ON nl.case_id = dc.id`

func caseFilterClause(filter models.CaseFilter) (string, []interface{}) {
	where := []string{"1=1"}
	args := []interface{}{}
	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		where = append(where, fmt.Sprintf("dc.student_id = $%d", len(args)))
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, fmt.Sprintf("dc.status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.Tier > models.TierNone {
		args = append(args, filter.Tier)
		where = append(where, fmt.Sprintf("dc.tier = $%d", len(args)))
	}
	return strings.Join(where, " AND "), args
}

// List returns case projections matching the filter, most recently changed first.
func (r *CaseRepository) List(ctx context.Context, filter models.CaseFilter) ([]models.CaseDetail, int, error) {
	whereClause, args := caseFilterClause(filter)
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 200 {
		size = 50
	}
	offset := (page - 1) * size
	query := fmt.Sprintf("%s WHERE %s ORDER BY dc.last_transition_at DESC LIMIT %d OFFSET %d", caseDetailSelect, whereClause, size, offset)
	var cases []models.CaseDetail
	if err := r.db.SelectContext(ctx, &cases, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list cases: %w", err)
	}
	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM discipline_cases dc WHERE "+whereClause, args...); err != nil {
		return nil, 0, fmt.Errorf("count cases: %w", err)
	}
	return cases, total, nil
}

// ListForExport returns up to limit case projections without pagination.
func (r *CaseRepository) ListForExport(ctx context.Context, filter models.CaseFilter, limit int) ([]models.CaseDetail, error) {
	whereClause, args := caseFilterClause(filter)
	if limit <= 0 {
		limit = 5000
	}
	query := fmt.Sprintf("%s WHERE %s ORDER BY s.full_name ASC, dc.created_at DESC LIMIT %d", caseDetailSelect, whereClause, limit)
	var cases []models.CaseDetail
	if err := r.db.SelectContext(ctx, &cases, query, args...); err != nil {
		return nil, fmt.Errorf("list cases for export: %w", err)
	}
	return cases, nil
}

// FindByID fetches one case projection.
func (r *CaseRepository) FindByID(ctx context.Context, id string) (*models.CaseDetail, error) {
	var detail models.CaseDetail
	if err := r.db.GetContext(ctx, &detail, caseDetailSelect+" WHERE dc.id = $1", id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// CountByStatusAndTier groups all cases for dashboard summaries.
func (r *CaseRepository) CountByStatusAndTier(ctx context.Context) ([]models.CaseStatusCount, error) {
	const query = `SELECT status, tier, COUNT(*) AS total FROM discipline_cases GROUP BY status, tier ORDER BY status, tier`
	var counts []models.CaseStatusCount
	if err := r.db.SelectContext(ctx, &counts, query); err != nil {
		return nil, fmt.Errorf("count cases: %w", err)
	}
	return counts, nil
}
