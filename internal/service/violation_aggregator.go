package service

import (
	"context"

	"github.com/noah-isme/sma-discipline-api/internal/models"
)

type tallySource interface {
	ViolationTallies(ctx context.Context, studentID string) ([]models.ViolationTally, error)
}

// Aggregate folds a student's violation tallies into lifetime totals.
// Point values come from the catalog at read time. A student without records yields zero aggregates.
func Aggregate(ctx context.Context, src tallySource, studentID string) (models.ViolationAggregates, error) {
	tallies, err := src.ViolationTallies(ctx, studentID)
	if err != nil {
		return models.ViolationAggregates{}, err
	}
	return foldTallies(studentID, tallies), nil
}

func foldTallies(studentID string, tallies []models.ViolationTally) models.ViolationAggregates {
	agg := models.ViolationAggregates{StudentID: studentID, CountsByType: make(map[string]int)}
	batches := make(map[string]int)
	for _, t := range tallies {
		agg.TotalPoints += t.Points
		agg.CountsByType[t.ViolationTypeID] += t.Occurrences
		batches[t.BatchID] += t.Points
	}
	for _, points := range batches {
		if points > agg.MaxBatchPoints {
			agg.MaxBatchPoints = points
		}
	}
	return agg
}
