package models

import (
	"fmt"
	"time"
)

// CaseTier is the ordered severity of a disciplinary case.
type CaseTier int

const (
	TierNone CaseTier = iota
	Tier1
	Tier2
	Tier3
)

// Label returns the warning letter code printed for the tier.
func (t CaseTier) Label() string {
	if t <= TierNone {
		return ""
	}
	return fmt.Sprintf("SP%d", int(t))
}

// String implements fmt.Stringer.
func (t CaseTier) String() string {
	if t <= TierNone {
		return "NONE"
	}
	return fmt.Sprintf("TIER%d", int(t))
}

// CaseStatus captures the workflow state of a disciplinary case.
type CaseStatus string

const (
	CaseStatusOpen            CaseStatus = "OPEN"
	CaseStatusPendingApproval CaseStatus = "PENDING_APPROVAL"
	CaseStatusApproved        CaseStatus = "APPROVED"
	CaseStatusInProgress      CaseStatus = "IN_PROGRESS"
	CaseStatusClosed          CaseStatus = "CLOSED"
	CaseStatusRejected        CaseStatus = "REJECTED"
)

// Terminal reports whether no transition is permitted out of the status.
func (s CaseStatus) Terminal() bool {
	return s == CaseStatusClosed || s == CaseStatusRejected
}

// Valid reports whether s is a known status.
func (s CaseStatus) Valid() bool {
	switch s {
	case CaseStatusOpen, CaseStatusPendingApproval, CaseStatusApproved,
		CaseStatusInProgress, CaseStatusClosed, CaseStatusRejected:
		return true
	default:
		return false
	}
}

// DisciplineCase is the tracked escalation for one student. At most one is non-terminal per student.
type DisciplineCase struct {
	ID               string     `db:"id" json:"id"`
	StudentID        string     `db:"student_id" json:"student_id"`
	Tier             CaseTier   `db:"tier" json:"tier"`
	Status           CaseStatus `db:"status" json:"status"`
	Reason           string     `db:"reason" json:"reason"`
	Note             *string    `db:"note" json:"note,omitempty"`
	ApprovedBy       *string    `db:"approved_by" json:"approved_by,omitempty"`
	ApprovedAt       *time.Time `db:"approved_at" json:"approved_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	LastTransitionAt time.Time  `db:"last_transition_at" json:"last_transition_at"`
}

// NotificationLetter is the warning letter draft attached to a case while it has a tier.
type NotificationLetter struct {
	ID           string     `db:"id" json:"id"`
	CaseID       string     `db:"case_id" json:"case_id"`
	TierLabel    string     `db:"tier_label" json:"tier_label"`
	DraftNumber  string     `db:"draft_number" json:"draft_number"`
	ScheduledFor *time.Time `db:"scheduled_for" json:"scheduled_for,omitempty"`
	PrintedAt    *time.Time `db:"printed_at" json:"printed_at,omitempty"`
	PrintedBy    *string    `db:"printed_by" json:"printed_by,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// CaseDecision is the classifier verdict for a student's current facts.
type CaseDecision struct {
	Tier           CaseTier   `json:"tier"`
	Reason         string     `json:"reason"`
	RequiredStatus CaseStatus `json:"required_status"`
}

// CaseFilter constrains case listing.
type CaseFilter struct {
	StudentID string
	Status    []CaseStatus
	Tier      CaseTier
	Page      int
	PageSize  int
}

// CaseDetail joins a case with student and letter context for dashboards and exports.
type CaseDetail struct {
	DisciplineCase
	StudentNIS      string     `db:"student_nis" json:"student_nis"`
	StudentName     string     `db:"student_name" json:"student_name"`
	ClassName       *string    `db:"class_name" json:"class_name,omitempty"`
	LetterDraft     *string    `db:"letter_draft_number" json:"letter_draft_number,omitempty"`
	LetterPrintedAt *time.Time `db:"letter_printed_at" json:"letter_printed_at,omitempty"`
}

// CaseSummary aggregates case counts for dashboards.
type CaseSummary struct {
	ByStatus    map[CaseStatus]int `json:"by_status"`
	ByTier      map[string]int     `json:"by_tier"`
	OpenTotal   int                `json:"open_total"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// CaseStatusCount is one grouped row backing CaseSummary.
type CaseStatusCount struct {
	Status CaseStatus `db:"status"`
	Tier   CaseTier   `db:"tier"`
	Total  int        `db:"total"`
}
