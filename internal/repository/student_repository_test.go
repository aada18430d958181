package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStudentRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM students s")).WithArgs("stu-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "nis", "full_name", "gender", "active", "created_at", "updated_at", "current_class_id", "current_class_name"}).
			AddRow("stu-1", "1001", "Budi Santoso", "M", true, now, now, "cls-1", "XI IPA 1"))

	student, err := repo.FindByID(context.Background(), "stu-1")
	require.NoError(t, err)
	assert.Equal(t, "1001", student.NIS)
	require.NotNil(t, student.CurrentClassName)
	assert.Equal(t, "XI IPA 1", *student.CurrentClassName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryExists(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM students WHERE id = $1 LIMIT 1")).WithArgs("stu-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM students WHERE id = $1 LIMIT 1")).WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	ok, err := repo.Exists(context.Background(), "stu-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Exists(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
