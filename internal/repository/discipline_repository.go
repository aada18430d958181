package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-discipline-api/internal/models"
)

const openCaseConstraint = "discipline_cases_one_open_per_student"

// ErrOpenCaseExists is returned when inserting a second non-terminal case for a student.
var ErrOpenCaseExists = errors.New("student already has an open case")

// DisciplineStore is the unit of work available while a student's lock is held.
type DisciplineStore interface {
	ViolationTypesByIDs(ctx context.Context, ids []string) ([]models.ViolationType, error)
	ViolationTallies(ctx context.Context, studentID string) ([]models.ViolationTally, error)
	DistinctViolationTypeIDs(ctx context.Context, studentID string) ([]string, error)
	GetViolation(ctx context.Context, id string) (*models.ViolationEvent, error)
	InsertViolations(ctx context.Context, events []models.ViolationEvent) error
	UpdateViolation(ctx context.Context, event *models.ViolationEvent) error
	DeleteViolation(ctx context.Context, id string) error

	FindOpenCase(ctx context.Context, studentID string) (*models.DisciplineCase, error)
	GetCase(ctx context.Context, id string) (*models.DisciplineCase, error)
	InsertCase(ctx context.Context, c *models.DisciplineCase) error
	UpdateCase(ctx context.Context, c *models.DisciplineCase) error
	DeleteCase(ctx context.Context, id string) error

	GetLetterByCase(ctx context.Context, caseID string) (*models.NotificationLetter, error)
	InsertLetter(ctx context.Context, letter *models.NotificationLetter) error
	UpdateLetter(ctx context.Context, letter *models.NotificationLetter) error
	DeleteLetterByCase(ctx context.Context, caseID string) error
}

// DisciplineRepository opens per-student transactions for the escalation engine.
type DisciplineRepository struct {
	db *sqlx.DB
}

// NewDisciplineRepository constructs the repository.
func NewDisciplineRepository(db *sqlx.DB) *DisciplineRepository {
	return &DisciplineRepository{db: db}
}

// WithStudentLock runs fn in one transaction holding a row lock on the student.
// Unknown students are not locked; they cannot own violations or cases.
func (r *DisciplineRepository) WithStudentLock(ctx context.Context, studentID string, fn func(store DisciplineStore) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin discipline transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var locked string
	if err = tx.GetContext(ctx, &locked, `SELECT id FROM students WHERE id = $1 FOR UPDATE`, studentID); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lock student %s: %w", studentID, err)
		}
		err = nil
	}

	if err = fn(&disciplineTx{tx: tx}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit discipline transaction: %w", err)
	}
	return nil
}

// IsRetryable reports whether a failed reconciliation may succeed on a fresh attempt.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrOpenCaseExists) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return true
		}
	}
	return false
}

type disciplineTx struct {
	tx *sqlx.Tx
}

func (d *disciplineTx) ViolationTypesByIDs(ctx context.Context, ids []string) ([]models.ViolationType, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const query = `SELECT id, name, description, points, frequency_category, active, created_at, updated_at
FROM violation_types WHERE id = ANY($1)`
	var types []models.ViolationType
	if err := d.tx.SelectContext(ctx, &types, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("load violation types: %w", err)
	}
	return types, nil
}

// violationTalliesQuery groups a student's violations per batch and type using current catalog points.
const violationTalliesQuery = `SELECT v.batch_id, v.violation_type_id, COUNT(*) AS occurrences, COALESCE(SUM(t.points),0) AS points
FROM student_violations v
JOIN violation_types t ON t.id = v.violation_type_id
WHERE v.student_id = $1
GROUP BY v.batch_id, v.violation_type_id`

func (d *disciplineTx) ViolationTallies(ctx context.Context, studentID string) ([]models.ViolationTally, error) {
	var tallies []models.ViolationTally
	if err := d.tx.SelectContext(ctx, &tallies, violationTalliesQuery, studentID); err != nil {
		return nil, fmt.Errorf("tally violations: %w", err)
	}
	return tallies, nil
}

func (d *disciplineTx) DistinctViolationTypeIDs(ctx context.Context, studentID string) ([]string, error) {
	var ids []string
	if err := d.tx.SelectContext(ctx, &ids, `SELECT DISTINCT violation_type_id FROM student_violations WHERE student_id = $1 ORDER BY violation_type_id`, studentID); err != nil {
		return nil, fmt.Errorf("distinct violation types: %w", err)
	}
	return ids, nil
}

func (d *disciplineTx) GetViolation(ctx context.Context, id string) (*models.ViolationEvent, error) {
	const query = `SELECT id, student_id, violation_type_id, batch_id, occurred_at, note, recorded_by, created_at, updated_at
FROM student_violations WHERE id = $1 FOR UPDATE`
	var event models.ViolationEvent
	if err := d.tx.GetContext(ctx, &event, query, id); err != nil {
		return nil, err
	}
	return &event, nil
}

func (d *disciplineTx) InsertViolations(ctx context.Context, events []models.ViolationEvent) error {
	now := time.Now().UTC()
	const query = `INSERT INTO student_violations (id, student_id, violation_type_id, batch_id, occurred_at, note, recorded_by, created_at, updated_at)
VALUES (:id, :student_id, :violation_type_id, :batch_id, :occurred_at, :note, :recorded_by, :created_at, :updated_at)`
	for i := range events {
		event := &events[i]
		if event.ID == "" {
			event.ID = uuid.NewString()
		}
		if event.CreatedAt.IsZero() {
			event.CreatedAt = now
		}
		event.UpdatedAt = now
		if _, err := d.tx.NamedExecContext(ctx, query, event); err != nil {
			return fmt.Errorf("insert violation: %w", err)
		}
	}
	return nil
}

func (d *disciplineTx) UpdateViolation(ctx context.Context, event *models.ViolationEvent) error {
	event.UpdatedAt = time.Now().UTC()
	const query = `UPDATE student_violations SET violation_type_id = :violation_type_id, occurred_at = :occurred_at, note = :note, updated_at = :updated_at
WHERE id = :id`
	if _, err := d.tx.NamedExecContext(ctx, query, event); err != nil {
		return fmt.Errorf("update violation: %w", err)
	}
	return nil
}

func (d *disciplineTx) DeleteViolation(ctx context.Context, id string) error {
	if _, err := d.tx.ExecContext(ctx, `DELETE FROM student_violations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete violation: %w", err)
	}
	return nil
}

const caseColumns = `id, student_id, tier, status, reason, note, approved_by, approved_at, created_at, last_transition_at`

func (d *disciplineTx) FindOpenCase(ctx context.Context, studentID string) (*models.DisciplineCase, error) {
	query := `SELECT ` + caseColumns + ` FROM discipline_cases
WHERE student_id = $1 AND status NOT IN ('CLOSED', 'REJECTED') ORDER BY created_at DESC LIMIT 1`
	var c models.DisciplineCase
	if err := d.tx.GetContext(ctx, &c, query, studentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find open case: %w", err)
	}
	return &c, nil
}

func (d *disciplineTx) GetCase(ctx context.Context, id string) (*models.DisciplineCase, error) {
	query := `SELECT ` + caseColumns + ` FROM discipline_cases WHERE id = $1 FOR UPDATE`
	var c models.DisciplineCase
	if err := d.tx.GetContext(ctx, &c, query, id); err != nil {
		return nil, err
	}
	return &c, nil
}

func (d *disciplineTx) InsertCase(ctx context.Context, c *models.DisciplineCase) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	const query = `INSERT INTO discipline_cases (id, student_id, tier, status, reason, note, approved_by, approved_at, created_at, last_transition_at)
VALUES (:id, :student_id, :tier, :status, :reason, :note, :approved_by, :approved_at, :created_at, :last_transition_at)`
	if _, err := d.tx.NamedExecContext(ctx, query, c); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == openCaseConstraint {
			return ErrOpenCaseExists
		}
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

func (d *disciplineTx) UpdateCase(ctx context.Context, c *models.DisciplineCase) error {
	const query = `UPDATE discipline_cases SET tier = :tier, status = :status, reason = :reason, note = :note,
approved_by = :approved_by, approved_at = :approved_at, last_transition_at = :last_transition_at
WHERE id = :id`
	result, err := d.tx.NamedExecContext(ctx, query, c)
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check case update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (d *disciplineTx) DeleteCase(ctx context.Context, id string) error {
	if _, err := d.tx.ExecContext(ctx, `DELETE FROM discipline_cases WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete case: %w", err)
	}
	return nil
}

const letterColumns = `id, case_id, tier_label, draft_number, scheduled_for, printed_at, printed_by, created_at, updated_at`

func (d *disciplineTx) GetLetterByCase(ctx context.Context, caseID string) (*models.NotificationLetter, error) {
	var letter models.NotificationLetter
	if err := d.tx.GetContext(ctx, &letter, `SELECT `+letterColumns+` FROM notification_letters WHERE case_id = $1`, caseID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get letter: %w", err)
	}
	return &letter, nil
}

func (d *disciplineTx) InsertLetter(ctx context.Context, letter *models.NotificationLetter) error {
	if letter.ID == "" {
		letter.ID = uuid.NewString()
	}
	const query = `INSERT INTO notification_letters (` + letterColumns + `)
VALUES (:id, :case_id, :tier_label, :draft_number, :scheduled_for, :printed_at, :printed_by, :created_at, :updated_at)`
	if _, err := d.tx.NamedExecContext(ctx, query, letter); err != nil {
		return fmt.Errorf("insert letter: %w", err)
	}
	return nil
}

func (d *disciplineTx) UpdateLetter(ctx context.Context, letter *models.NotificationLetter) error {
	const query = `UPDATE notification_letters SET tier_label = :tier_label, draft_number = :draft_number, scheduled_for = :scheduled_for,
printed_at = :printed_at, printed_by = :printed_by, updated_at = :updated_at WHERE id = :id`
	if _, err := d.tx.NamedExecContext(ctx, query, letter); err != nil {
		return fmt.Errorf("update letter: %w", err)
	}
	return nil
}

func (d *disciplineTx) DeleteLetterByCase(ctx context.Context, caseID string) error {
	if _, err := d.tx.ExecContext(ctx, `DELETE FROM notification_letters WHERE case_id = $1`, caseID); err != nil {
		return fmt.Errorf("delete letter: %w", err)
	}
	return nil
}
