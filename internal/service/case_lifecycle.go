package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/sma-discipline-api/internal/models"
	"github.com/noah-isme/sma-discipline-api/internal/repository"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
)

const reasonAutoClosed = "auto-closed: facts no longer warrant escalation"

// allowedTransitions lists the manual status moves. Escalation may additionally raise Open to PendingApproval.
var allowedTransitions = map[models.CaseStatus][]models.CaseStatus{
	models.CaseStatusOpen:            {models.CaseStatusPendingApproval, models.CaseStatusInProgress, models.CaseStatusClosed},
	models.CaseStatusPendingApproval: {models.CaseStatusApproved, models.CaseStatusRejected},
	models.CaseStatusApproved:        {models.CaseStatusInProgress, models.CaseStatusClosed},
	models.CaseStatusInProgress:      {models.CaseStatusClosed},
}

// CaseEvent is a lifecycle change, published after the surrounding transaction commits.
type CaseEvent struct {
	Action    string
	CaseID    string
	StudentID string
	ActorID   string
	From      models.CaseStatus
	To        models.CaseStatus
	Before    *models.DisciplineCase
	After     *models.DisciplineCase
}

// CaseLifecycle owns the case state machine. A session binds it to one transaction.
type CaseLifecycle struct {
	now func() time.Time
}

// NewCaseLifecycle constructs the lifecycle manager.
func NewCaseLifecycle(now func() time.Time) *CaseLifecycle {
	if now == nil {
		now = time.Now
	}
	return &CaseLifecycle{now: now}
}

// Session returns a lifecycle bound to store, collecting events for later publication.
func (l *CaseLifecycle) Session(store repository.DisciplineStore) *CaseSession {
	return &CaseSession{store: store, now: func() time.Time { return l.now().UTC() }}
}

// CaseSession applies lifecycle operations inside one student transaction.
type CaseSession struct {
	store  repository.DisciplineStore
	now    func() time.Time
	events []CaseEvent
}

// Events returns the changes applied so far.
func (s *CaseSession) Events() []CaseEvent {
	return s.events
}

func (s *CaseSession) record(event CaseEvent) {
	s.events = append(s.events, event)
}

// Open creates a case and its letter. The student must not already have a non-terminal case.
func (s *CaseSession) Open(ctx context.Context, studentID string, decision models.CaseDecision) (*models.DisciplineCase, error) {
	if decision.Tier <= models.TierNone {
		return nil, appErrors.Clone(appErrors.ErrValidation, "case tier is required")
	}
	existing, err := s.store.FindOpenCase(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up open case")
	}
	if existing != nil {
		return nil, appErrors.Wrap(repository.ErrOpenCaseExists, appErrors.ErrConcurrencyViolation.Code, appErrors.ErrConcurrencyViolation.Status, appErrors.ErrConcurrencyViolation.Message)
	}

	status := decision.RequiredStatus
	if status == "" {
		status = models.CaseStatusOpen
	}
	now := s.now()
	c := &models.DisciplineCase{
		StudentID:        studentID,
		Tier:             decision.Tier,
		Status:           status,
		Reason:           decision.Reason,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	if err := s.store.InsertCase(ctx, c); err != nil {
		if errors.Is(err, repository.ErrOpenCaseExists) {
			return nil, appErrors.Wrap(err, appErrors.ErrConcurrencyViolation.Code, appErrors.ErrConcurrencyViolation.Status, appErrors.ErrConcurrencyViolation.Message)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open case")
	}
	if err := s.store.InsertLetter(ctx, newLetter(c, now)); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create notification letter")
	}
	s.record(CaseEvent{Action: models.AuditActionCaseOpen, CaseID: c.ID, StudentID: studentID, To: c.Status, After: snapshotCase(c)})
	return c, nil
}

// Escalate raises the tier in place. A downgrade is a no-op reported as false.
// Status only moves Open to PendingApproval; cases already approved or further along keep their status.
func (s *CaseSession) Escalate(ctx context.Context, c *models.DisciplineCase, decision models.CaseDecision) (bool, error) {
	if c == nil {
		return false, appErrors.Clone(appErrors.ErrNotFound, "case not found")
	}
	if c.Status.Terminal() {
		return false, appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("case is %s and can no longer change", strings.ToLower(string(c.Status))))
	}
	if decision.Tier < c.Tier {
		return false, nil
	}

	before := snapshotCase(c)
	c.Tier = decision.Tier
	c.Reason = decision.Reason
	if c.Status == models.CaseStatusOpen && decision.RequiredStatus == models.CaseStatusPendingApproval {
		c.Status = models.CaseStatusPendingApproval
	}
	now := s.now()
	c.LastTransitionAt = now
	if err := s.store.UpdateCase(ctx, c); err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to escalate case")
	}

	letter, err := s.store.GetLetterByCase(ctx, c.ID)
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load notification letter")
	}
	if letter == nil {
		if err := s.store.InsertLetter(ctx, newLetter(c, now)); err != nil {
			return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create notification letter")
		}
	} else if letter.TierLabel != c.Tier.Label() {
		// A reissued draft has not been printed yet.
		letter.TierLabel = c.Tier.Label()
		letter.DraftNumber = draftNumber(c, now)
		letter.PrintedAt = nil
		letter.PrintedBy = nil
		letter.UpdatedAt = now
		if err := s.store.UpdateLetter(ctx, letter); err != nil {
			return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update notification letter")
		}
	}

	s.record(CaseEvent{Action: models.AuditActionCaseEscalate, CaseID: c.ID, StudentID: c.StudentID, From: before.Status, To: c.Status, Before: before, After: snapshotCase(c)})
	return true, nil
}

// Transition applies a guarded manual status change on behalf of actor.
func (s *CaseSession) Transition(ctx context.Context, c *models.DisciplineCase, target models.CaseStatus, actor models.Actor, note string) error {
	if c == nil {
		return appErrors.Clone(appErrors.ErrNotFound, "case not found")
	}
	if err := CheckTransition(c.Status, target, actor.Role); err != nil {
		return err
	}

	before := snapshotCase(c)
	now := s.now()
	c.Status = target
	c.LastTransitionAt = now
	c.Note = nil
	if note = strings.TrimSpace(note); note != "" {
		c.Note = &note
	}
	if target == models.CaseStatusApproved {
		approver := actor.UserID
		c.ApprovedBy = &approver
		c.ApprovedAt = &now
	}
	if err := s.store.UpdateCase(ctx, c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "case not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update case")
	}
	s.record(CaseEvent{Action: models.AuditActionCaseTransition, CaseID: c.ID, StudentID: c.StudentID, ActorID: actor.UserID, From: before.Status, To: target, Before: before, After: snapshotCase(c)})
	return nil
}

// PrintLetter stamps the letter as issued and moves the case into handling.
func (s *CaseSession) PrintLetter(ctx context.Context, c *models.DisciplineCase, actor models.Actor) (*models.NotificationLetter, error) {
	if c == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "case not found")
	}
	if c.Status.Terminal() {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "letters cannot be issued for a finished case")
	}
	if c.Status == models.CaseStatusPendingApproval || (c.Tier == models.Tier3 && c.ApprovedAt == nil) {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "case must be approved before its letter is issued")
	}
	letter, err := s.store.GetLetterByCase(ctx, c.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load notification letter")
	}
	if letter == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "case has no notification letter")
	}

	now := s.now()
	printedBy := actor.UserID
	letter.PrintedAt = &now
	letter.PrintedBy = &printedBy
	letter.UpdatedAt = now
	if err := s.store.UpdateLetter(ctx, letter); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update notification letter")
	}
	s.record(CaseEvent{Action: models.AuditActionCaseLetterPrint, CaseID: c.ID, StudentID: c.StudentID, ActorID: actor.UserID, From: c.Status, To: c.Status, After: snapshotCase(c)})

	if c.Status != models.CaseStatusInProgress {
		if err := s.Transition(ctx, c, models.CaseStatusInProgress, actor, ""); err != nil {
			return nil, err
		}
	}
	return letter, nil
}

// Close ends a case that the facts no longer justify, either removing it or keeping it as Closed.
func (s *CaseSession) Close(ctx context.Context, c *models.DisciplineCase, deleteEntirely bool) error {
	if c == nil {
		return appErrors.Clone(appErrors.ErrNotFound, "case not found")
	}
	if c.Status.Terminal() {
		return appErrors.Clone(appErrors.ErrInvalidTransition, "case is already finished")
	}
	before := snapshotCase(c)

	if err := s.store.DeleteLetterByCase(ctx, c.ID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete notification letter")
	}

	if deleteEntirely {
		if err := s.store.DeleteCase(ctx, c.ID); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete case")
		}
		s.record(CaseEvent{Action: models.AuditActionCaseDelete, CaseID: c.ID, StudentID: c.StudentID, From: before.Status, Before: before})
		return nil
	}

	c.Status = models.CaseStatusClosed
	c.Reason = reasonAutoClosed
	c.LastTransitionAt = s.now()
	if err := s.store.UpdateCase(ctx, c); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to close case")
	}
	s.record(CaseEvent{Action: models.AuditActionCaseAutoClose, CaseID: c.ID, StudentID: c.StudentID, From: before.Status, To: c.Status, Before: before, After: snapshotCase(c)})
	return nil
}

// CheckTransition validates a manual status change without applying it.
func CheckTransition(from, to models.CaseStatus, role models.UserRole) error {
	if !to.Valid() {
		return appErrors.Clone(appErrors.ErrValidation, "unknown case status")
	}
	if from.Terminal() {
		return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("case is %s and can no longer change", strings.ToLower(string(from))))
	}
	if (from == models.CaseStatusPendingApproval || to == models.CaseStatusApproved) && role != models.CaseApproverRole {
		return appErrors.Clone(appErrors.ErrInvalidTransition, "only the headmaster may act on cases awaiting approval")
	}
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("cannot move case from %s to %s", from, to))
}

func newLetter(c *models.DisciplineCase, now time.Time) *models.NotificationLetter {
	scheduled := now.Add(24 * time.Hour)
	return &models.NotificationLetter{
		CaseID:       c.ID,
		TierLabel:    c.Tier.Label(),
		DraftNumber:  draftNumber(c, now),
		ScheduledFor: &scheduled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// draftNumber renders e.g. "SP2/202410/1A2B3C4D".
func draftNumber(c *models.DisciplineCase, now time.Time) string {
	ref := strings.ToUpper(strings.ReplaceAll(c.ID, "-", ""))
	if len(ref) > 8 {
		ref = ref[:8]
	}
	return fmt.Sprintf("%s/%s/%s", c.Tier.Label(), now.Format("200601"), ref)
}

func snapshotCase(c *models.DisciplineCase) *models.DisciplineCase {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
