package models

import "time"

// FrequencyCategory marks violation types escalated by occurrence count rather than points.
type FrequencyCategory string

const (
	FrequencyNone       FrequencyCategory = ""
	FrequencyAttendance FrequencyCategory = "ATTENDANCE"
	FrequencyDressCode  FrequencyCategory = "DRESS_CODE"
)

// ViolationType is a catalog entry describing an infraction and its point value.
type ViolationType struct {
	ID                string            `db:"id" json:"id"`
	Name              string            `db:"name" json:"name"`
	Description       string            `db:"description" json:"description"`
	Points            int               `db:"points" json:"points"`
	FrequencyCategory FrequencyCategory `db:"frequency_category" json:"frequency_category,omitempty"`
	Active            bool              `db:"active" json:"active"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// FrequencyTriggered reports whether occurrences of this type drive escalation.
func (t ViolationType) FrequencyTriggered() bool {
	return t.FrequencyCategory != FrequencyNone
}

// ViolationTypeFilter constrains catalog listing.
type ViolationTypeFilter struct {
	Active *bool
	Search string
}

// ViolationEvent is one recorded infraction. Points are resolved from the type when aggregating.
type ViolationEvent struct {
	ID              string    `db:"id" json:"id"`
	StudentID       string    `db:"student_id" json:"student_id"`
	ViolationTypeID string    `db:"violation_type_id" json:"violation_type_id"`
	BatchID         string    `db:"batch_id" json:"batch_id"`
	OccurredAt      time.Time `db:"occurred_at" json:"occurred_at"`
	Note            string    `db:"note" json:"note"`
	RecordedBy      string    `db:"recorded_by" json:"recorded_by"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// ViolationEventDetail joins an event with its catalog entry for display.
type ViolationEventDetail struct {
	ViolationEvent
	ViolationTypeName string `db:"violation_type_name" json:"violation_type_name"`
	Points            int    `db:"points" json:"points"`
}

// ViolationFilter allows listing recorded violations.
type ViolationFilter struct {
	StudentID       string
	ViolationTypeID string
	RecordedBy      string
	DateFrom        *time.Time
	DateTo          *time.Time
	Page            int
	PageSize        int
}

// ViolationTally is one (batch, type) group of a student's violations with current point values.
type ViolationTally struct {
	BatchID         string `db:"batch_id"`
	ViolationTypeID string `db:"violation_type_id"`
	Occurrences     int    `db:"occurrences"`
	Points          int    `db:"points"`
}

// ViolationAggregates summarises a student's full violation history.
type ViolationAggregates struct {
	StudentID      string         `json:"student_id"`
	TotalPoints    int            `json:"total_points"`
	CountsByType   map[string]int `json:"counts_by_type"`
	MaxBatchPoints int            `json:"max_batch_points"`
}
