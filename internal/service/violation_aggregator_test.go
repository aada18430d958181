package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-discipline-api/internal/models"
)

type stubTallies struct {
	tallies []models.ViolationTally
	err     error
}

func (s stubTallies) ViolationTallies(context.Context, string) ([]models.ViolationTally, error) {
	return s.tallies, s.err
}

func TestAggregateFoldsTallies(t *testing.T) {
	src := stubTallies{tallies: []models.ViolationTally{
		{BatchID: "b1", ViolationTypeID: "late", Occurrences: 2, Points: 10},
		{BatchID: "b1", ViolationTypeID: "fight", Occurrences: 1, Points: 150},
		{BatchID: "b2", ViolationTypeID: "late", Occurrences: 1, Points: 5},
	}}

	agg, err := Aggregate(context.Background(), src, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, "stu-1", agg.StudentID)
	assert.Equal(t, 165, agg.TotalPoints)
	assert.Equal(t, map[string]int{"late": 3, "fight": 1}, agg.CountsByType)
	assert.Equal(t, 160, agg.MaxBatchPoints)
}

func TestAggregateUnknownStudentIsZero(t *testing.T) {
	agg, err := Aggregate(context.Background(), stubTallies{}, "ghost")
	require.NoError(t, err)
	assert.Zero(t, agg.TotalPoints)
	assert.Zero(t, agg.MaxBatchPoints)
	assert.Empty(t, agg.CountsByType)
}

func TestAggregatePropagatesErrors(t *testing.T) {
	_, err := Aggregate(context.Background(), stubTallies{err: errors.New("db down")}, "stu-1")
	assert.Error(t, err)
}
