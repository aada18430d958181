package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-discipline-api/internal/models"
)

// ViolationTypeRepository manages the violation catalog.
type ViolationTypeRepository struct {
	db *sqlx.DB
}

// NewViolationTypeRepository constructs the repository.
func NewViolationTypeRepository(db *sqlx.DB) *ViolationTypeRepository {
	return &ViolationTypeRepository{db: db}
}

const violationTypeColumns = `id, name, description, points, frequency_category, active, created_at, updated_at`

// List returns catalog entries matching the filter ordered by name.
func (r *ViolationTypeRepository) List(ctx context.Context, filter models.ViolationTypeFilter) ([]models.ViolationType, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		where = append(where, fmt.Sprintf("active = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
		where = append(where, fmt.Sprintf("LOWER(name) LIKE $%d", len(args)))
	}
	query := fmt.Sprintf("SELECT %s FROM violation_types WHERE %s ORDER BY name ASC", violationTypeColumns, strings.Join(where, " AND "))
	var types []models.ViolationType
	if err := r.db.SelectContext(ctx, &types, query, args...); err != nil {
		return nil, fmt.Errorf("list violation types: %w", err)
	}
	return types, nil
}

// FindByID fetches one catalog entry.
func (r *ViolationTypeRepository) FindByID(ctx context.Context, id string) (*models.ViolationType, error) {
	var vt models.ViolationType
	if err := r.db.GetContext(ctx, &vt, "SELECT "+violationTypeColumns+" FROM violation_types WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &vt, nil
}

// FindByIDs fetches the catalog entries for the given ids; missing ids are simply absent.
func (r *ViolationTypeRepository) FindByIDs(ctx context.Context, ids []string) ([]models.ViolationType, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var types []models.ViolationType
	if err := r.db.SelectContext(ctx, &types, "SELECT "+violationTypeColumns+" FROM violation_types WHERE id = ANY($1)", pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("find violation types: %w", err)
	}
	return types, nil
}

// Create inserts a catalog entry.
func (r *ViolationTypeRepository) Create(ctx context.Context, vt *models.ViolationType) error {
	if vt.ID == "" {
		vt.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if vt.CreatedAt.IsZero() {
		vt.CreatedAt = now
	}
	vt.UpdatedAt = now
	const query = `INSERT INTO violation_types (id, name, description, points, frequency_category, active, created_at, updated_at)
VALUES (:id, :name, :description, :points, :frequency_category, :active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, vt); err != nil {
		return fmt.Errorf("create violation type: %w", err)
	}
	return nil
}

// Update modifies a catalog entry. Point changes apply to every historical event on next aggregation.
func (r *ViolationTypeRepository) Update(ctx context.Context, vt *models.ViolationType) error {
	vt.UpdatedAt = time.Now().UTC()
	const query = `UPDATE violation_types SET name = :name, description = :description, points = :points,
frequency_category = :frequency_category, active = :active, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, vt); err != nil {
		return fmt.Errorf("update violation type: %w", err)
	}
	return nil
}

// Deactivate hides a type from new recordings without touching history.
func (r *ViolationTypeRepository) Deactivate(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE violation_types SET active = false, updated_at = $2 WHERE id = $1`, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("deactivate violation type: %w", err)
	}
	return nil
}
