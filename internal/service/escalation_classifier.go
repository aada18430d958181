package service

import (
	"fmt"
	"sort"

	"github.com/noah-isme/sma-discipline-api/internal/models"
	"github.com/noah-isme/sma-discipline-api/pkg/config"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
)

const (
	reasonSevere     = "severe violation"
	reasonVerySevere = "very severe"
)

// EscalationRules holds the fixed thresholds the classifier evaluates.
type EscalationRules struct {
	FrequencyThresholds map[models.FrequencyCategory]int
	SevereMin           int
	SevereMax           int
	AccumulationMin     int
	AccumulationMax     int
}

// DefaultEscalationRules returns the thresholds used when no configuration overrides them.
func DefaultEscalationRules() EscalationRules {
	return EscalationRules{
		FrequencyThresholds: map[models.FrequencyCategory]int{
			models.FrequencyAttendance: 3,
			models.FrequencyDressCode:  4,
		},
		SevereMin:       100,
		SevereMax:       249,
		AccumulationMin: 200,
		AccumulationMax: 499,
	}
}

// RulesFromConfig builds escalation rules from loaded configuration, keeping defaults for unset values.
func RulesFromConfig(cfg config.DisciplineConfig) EscalationRules {
	rules := DefaultEscalationRules()
	if cfg.AttendanceFrequencyThreshold > 0 {
		rules.FrequencyThresholds[models.FrequencyAttendance] = cfg.AttendanceFrequencyThreshold
	}
	if cfg.DressCodeFrequencyThreshold > 0 {
		rules.FrequencyThresholds[models.FrequencyDressCode] = cfg.DressCodeFrequencyThreshold
	}
	if cfg.SeverePointsMin > 0 {
		rules.SevereMin = cfg.SeverePointsMin
	}
	if cfg.SeverePointsMax > 0 {
		rules.SevereMax = cfg.SeverePointsMax
	}
	if cfg.AccumulationPointsMin > 0 {
		rules.AccumulationMin = cfg.AccumulationPointsMin
	}
	if cfg.AccumulationPointsMax > 0 {
		rules.AccumulationMax = cfg.AccumulationPointsMax
	}
	return rules
}

// Validate rejects inverted bands and non-positive frequency thresholds.
func (r EscalationRules) Validate() error {
	if r.SevereMin > r.SevereMax {
		return appErrors.Clone(appErrors.ErrValidation, "severe points band is inverted")
	}
	if r.AccumulationMin > r.AccumulationMax {
		return appErrors.Clone(appErrors.ErrValidation, "accumulation points band is inverted")
	}
	for category, threshold := range r.FrequencyThresholds {
		if threshold <= 0 {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("frequency threshold for %s must be positive", category))
		}
	}
	return nil
}

// ClassificationInput is everything the classifier looks at.
type ClassificationInput struct {
	// InvolvedTypes are the catalog entries of the triggering batch, or every type on record during reconciliation.
	InvolvedTypes []models.ViolationType
	// BatchPoints is the point value of the triggering batch.
	BatchPoints int
	Aggregates  models.ViolationAggregates
}

// Classify decides which case, if any, the facts warrant. It has no side effects.
func (r EscalationRules) Classify(in ClassificationInput) (models.CaseDecision, bool) {
	var decision models.CaseDecision

	if d, ok := r.frequencyDecision(in); ok {
		decision = d
	} else if in.BatchPoints > r.SevereMax {
		decision = models.CaseDecision{Tier: models.Tier3, Reason: reasonVerySevere, RequiredStatus: models.CaseStatusPendingApproval}
	} else if in.BatchPoints >= r.SevereMin {
		decision = models.CaseDecision{Tier: models.Tier2, Reason: reasonSevere, RequiredStatus: models.CaseStatusOpen}
	}

	total := in.Aggregates.TotalPoints
	switch {
	case total > r.AccumulationMax:
		decision = models.CaseDecision{
			Tier:           models.Tier3,
			Reason:         fmt.Sprintf("Critical accumulation %d", total),
			RequiredStatus: models.CaseStatusPendingApproval,
		}
	case total >= r.AccumulationMin && decision.Tier < models.Tier2:
		decision = models.CaseDecision{
			Tier:           models.Tier2,
			Reason:         fmt.Sprintf("Accumulation %d", total),
			RequiredStatus: models.CaseStatusOpen,
		}
	}

	if decision.Tier == models.TierNone {
		return models.CaseDecision{}, false
	}
	return decision, true
}

func (r EscalationRules) frequencyDecision(in ClassificationInput) (models.CaseDecision, bool) {
	for _, vt := range orderedTypes(in.InvolvedTypes) {
		if !vt.FrequencyTriggered() {
			continue
		}
		threshold, ok := r.FrequencyThresholds[vt.FrequencyCategory]
		if !ok || threshold <= 0 {
			continue
		}
		count := in.Aggregates.CountsByType[vt.ID]
		if count >= threshold {
			return models.CaseDecision{
				Tier:           models.Tier1,
				Reason:         fmt.Sprintf("%s (%dx)", vt.Name, count),
				RequiredStatus: models.CaseStatusOpen,
			}, true
		}
	}
	return models.CaseDecision{}, false
}

// orderedTypes dedupes by id and sorts by name then id so reasons are stable.
func orderedTypes(types []models.ViolationType) []models.ViolationType {
	seen := make(map[string]struct{}, len(types))
	out := make([]models.ViolationType, 0, len(types))
	for _, vt := range types {
		if _, ok := seen[vt.ID]; ok {
			continue
		}
		seen[vt.ID] = struct{}{}
		out = append(out, vt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}
