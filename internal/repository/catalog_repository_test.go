package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-discipline-api/internal/models"
)

var violationTypeRow = []string{"id", "name", "description", "points", "frequency_category", "active", "created_at", "updated_at"}

func TestViolationTypeRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewViolationTypeRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT "+violationTypeColumns+" FROM violation_types WHERE 1=1 AND active = $1 AND LOWER(name) LIKE $2 ORDER BY name ASC")).
		WithArgs(true, "%late%").
		WillReturnRows(sqlmock.NewRows(violationTypeRow).AddRow("t-late", "Late", "", 5, "ATTENDANCE", true, now, now))

	active := true
	types, err := repo.List(context.Background(), models.ViolationTypeFilter{Active: &active, Search: "Late"})
	require.NoError(t, err)
	require.Len(t, types, 1)
	assert.True(t, types[0].FrequencyTriggered())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestViolationTypeRepositoryCreateAndDeactivate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewViolationTypeRepository(db)

	mock.ExpectExec("INSERT INTO violation_types").
		WithArgs(sqlmock.AnyArg(), "Fighting", "", 150, "", true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE violation_types SET active = false")).
		WithArgs("t-fight", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	vt := &models.ViolationType{Name: "Fighting", Points: 150, Active: true}
	require.NoError(t, repo.Create(context.Background(), vt))
	assert.NotEmpty(t, vt.ID)
	require.NoError(t, repo.Deactivate(context.Background(), "t-fight"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestViolationRepositoryStudentIDsByViolationType(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewViolationRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT student_id FROM student_violations WHERE violation_type_id = $1")).
		WithArgs("t-smoke").
		WillReturnRows(sqlmock.NewRows([]string{"student_id"}).AddRow("stu-1").AddRow("stu-2"))

	ids, err := repo.StudentIDsByViolationType(context.Background(), "t-smoke")
	require.NoError(t, err)
	assert.Equal(t, []string{"stu-1", "stu-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCaseRepositoryListBuildsFilter(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewCaseRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE 1=1 AND dc.status IN ($1,$2) AND dc.tier = $3 ORDER BY dc.last_transition_at DESC LIMIT 20 OFFSET 20")).
		WithArgs(models.CaseStatusOpen, models.CaseStatusApproved, models.Tier3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_id", "tier", "status"}).AddRow("case-1", "stu-1", 3, "OPEN"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM discipline_cases dc WHERE 1=1 AND dc.status IN ($1,$2) AND dc.tier = $3")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(21))

	cases, total, err := repo.List(context.Background(), models.CaseFilter{
		Status:   []models.CaseStatus{models.CaseStatusOpen, models.CaseStatusApproved},
		Tier:     models.Tier3,
		Page:     2,
		PageSize: 20,
	})
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, models.Tier3, cases[0].Tier)
	assert.Equal(t, 21, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCaseRepositoryCountByStatusAndTier(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewCaseRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, tier, COUNT(*) AS total FROM discipline_cases GROUP BY status, tier")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "tier", "total"}).
			AddRow("OPEN", 1, 4).
			AddRow("PENDING_APPROVAL", 3, 1))

	counts, err := repo.CountByStatusAndTier(context.Background())
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, models.CaseStatusPendingApproval, counts[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
