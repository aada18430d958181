package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-discipline-api/internal/models"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
)

func (f *disciplineFixture) record(t *testing.T, studentID string, typeIDs ...string) StudentRecordResult {
	t.Helper()
	results, err := f.violations.Record(context.Background(), RecordViolationsRequest{
		StudentIDs:       []string{studentID},
		ViolationTypeIDs: typeIDs,
		OccurredAt:       fixedNow,
	}, teacher)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Nil(t, results[0].Error)
	return results[0]
}

// seed stores n single-event batches without reconciling, as history predating the current rules.
func (m *memoryDiscipline) seed(studentID, typeID string, n int) {
	for i := 0; i < n; i++ {
		id := m.nextID("seed")
		m.violations[id] = models.ViolationEvent{
			ID:              id,
			StudentID:       studentID,
			ViolationTypeID: typeID,
			BatchID:         fmt.Sprintf("seed-batch-%d", i),
			RecordedBy:      teacher.UserID,
			OccurredAt:      fixedNow.Add(-72 * time.Hour),
			CreatedAt:       fixedNow.Add(-72 * time.Hour),
		}
	}
}

func newSchoolFixture() *disciplineFixture {
	f := newDisciplineFixture()
	f.store.addStudent("stu-1", "Budi Santoso")
	f.store.addStudent("stu-2", "Siti Aminah")
	f.store.addType("t-fight", "Fighting", 150, models.FrequencyNone)
	f.store.addType("t-smoke", "Smoking", 10, models.FrequencyNone)
	f.store.addType("t-uniform", "Uniform", 5, models.FrequencyDressCode)
	f.store.addType("t-absence", "Unexcused absence", 10, models.FrequencyAttendance)
	f.store.addType("t-vandal", "Vandalism", 300, models.FrequencyNone)
	return f
}

func TestProcessNewBatchSevereViolationOpensTier2(t *testing.T) {
	f := newSchoolFixture()

	res := f.record(t, "stu-1", "t-fight")

	require.NotNil(t, res.Reconciliation)
	assert.Equal(t, ReconcileOutcomeOpened, res.Reconciliation.Outcome)
	open := f.store.openCases("stu-1")
	require.Len(t, open, 1)
	assert.Equal(t, models.Tier2, open[0].Tier)
	assert.Equal(t, "severe violation", open[0].Reason)
	assert.Equal(t, models.CaseStatusOpen, open[0].Status)
	letter, ok := f.store.letterFor(open[0].ID)
	require.True(t, ok)
	assert.Equal(t, "SP2", letter.TierLabel)
	assert.Contains(t, f.audit.actions(), models.AuditActionCaseOpen)
	assert.Contains(t, f.audit.actions(), models.AuditActionViolationRecord)
}

func TestProcessNewBatchCriticalAccumulationRequiresApproval(t *testing.T) {
	f := newSchoolFixture()
	f.store.seed("stu-1", "t-smoke", 37)

	f.record(t, "stu-1", "t-fight")

	open := f.store.openCases("stu-1")
	require.Len(t, open, 1)
	assert.Equal(t, models.Tier3, open[0].Tier)
	assert.Equal(t, models.CaseStatusPendingApproval, open[0].Status)
	assert.Equal(t, "Critical accumulation 520", open[0].Reason)
}

func TestProcessNewBatchEscalatesExistingCaseInPlace(t *testing.T) {
	f := newSchoolFixture()
	first := f.record(t, "stu-1", "t-fight")
	caseID := first.Reconciliation.Case.ID

	f.store.seed("stu-1", "t-smoke", 22)
	res := f.record(t, "stu-1", "t-fight")

	assert.Equal(t, ReconcileOutcomeEscalated, res.Reconciliation.Outcome)
	require.Len(t, f.store.casesOf("stu-1"), 1)
	escalated := f.store.cases[caseID]
	assert.Equal(t, models.Tier3, escalated.Tier)
	assert.Equal(t, "Critical accumulation 520", escalated.Reason)
	assert.Equal(t, models.CaseStatusPendingApproval, escalated.Status)
	letter, _ := f.store.letterFor(caseID)
	assert.Equal(t, "SP3", letter.TierLabel)
}

func TestProcessNewBatchFrequencyThreshold(t *testing.T) {
	f := newSchoolFixture()
	for i := 0; i < 3; i++ {
		res := f.record(t, "stu-1", "t-uniform")
		assert.Equal(t, ReconcileOutcomeNone, res.Reconciliation.Outcome)
	}
	assert.Empty(t, f.store.casesOf("stu-1"))

	res := f.record(t, "stu-1", "t-uniform")

	assert.Equal(t, ReconcileOutcomeOpened, res.Reconciliation.Outcome)
	open := f.store.openCases("stu-1")
	require.Len(t, open, 1)
	assert.Equal(t, models.Tier1, open[0].Tier)
	assert.Equal(t, "Uniform (4x)", open[0].Reason)
}

func TestProcessNewBatchNeverDowngrades(t *testing.T) {
	f := newSchoolFixture()
	f.record(t, "stu-1", "t-vandal")
	open := f.store.openCases("stu-1")
	require.Len(t, open, 1)
	require.Equal(t, models.Tier3, open[0].Tier)

	for i := 0; i < 4; i++ {
		f.record(t, "stu-1", "t-uniform")
	}

	after := f.store.openCases("stu-1")
	require.Len(t, after, 1)
	assert.Equal(t, open[0].ID, after[0].ID)
	assert.Equal(t, models.Tier3, after[0].Tier)
	assert.Equal(t, "very severe", after[0].Reason)
}

func TestDeletingOnlyTriggerDeletesCase(t *testing.T) {
	f := newSchoolFixture()
	res := f.record(t, "stu-1", "t-fight")
	caseID := res.Reconciliation.Case.ID

	out, err := f.violations.Delete(context.Background(), res.Violations[0].ID, teacher)
	require.NoError(t, err)

	assert.Equal(t, ReconcileOutcomeDeleted, out.Reconciliation.Outcome)
	assert.Empty(t, f.store.casesOf("stu-1"))
	_, hasLetter := f.store.letterFor(caseID)
	assert.False(t, hasLetter)
	assert.Contains(t, f.audit.actions(), models.AuditActionCaseDelete)
}

func TestDeletingUnrelatedViolationKeepsCase(t *testing.T) {
	f := newSchoolFixture()
	f.record(t, "stu-1", "t-fight")
	extra := f.record(t, "stu-1", "t-smoke")

	out, err := f.violations.Delete(context.Background(), extra.Violations[0].ID, teacher)
	require.NoError(t, err)

	assert.Equal(t, ReconcileOutcomeUnchanged, out.Reconciliation.Outcome)
	open := f.store.openCases("stu-1")
	require.Len(t, open, 1)
	assert.Equal(t, models.Tier2, open[0].Tier)
}

func TestEditRemovingTriggerClosesCaseAndKeepsIt(t *testing.T) {
	f := newSchoolFixture()
	res := f.record(t, "stu-1", "t-fight")
	caseID := res.Reconciliation.Case.ID

	out, err := f.violations.Update(context.Background(), res.Violations[0].ID, UpdateViolationRequest{
		ViolationTypeID: "t-smoke",
		OccurredAt:      fixedNow,
		Note:            "misclassified",
	}, teacher)
	require.NoError(t, err)

	assert.Equal(t, ReconcileOutcomeClosed, out.Reconciliation.Outcome)
	closed, ok := f.store.cases[caseID]
	require.True(t, ok)
	assert.Equal(t, models.CaseStatusClosed, closed.Status)
	assert.Equal(t, "auto-closed: facts no longer warrant escalation", closed.Reason)
	_, hasLetter := f.store.letterFor(caseID)
	assert.False(t, hasLetter)
	assert.Contains(t, f.audit.actions(), models.AuditActionCaseAutoClose)
	assert.Contains(t, f.audit.actions(), models.AuditActionViolationUpdate)
}

func TestClosedCaseDoesNotBlockNewCase(t *testing.T) {
	f := newSchoolFixture()
	res := f.record(t, "stu-1", "t-fight")
	_, err := f.violations.Update(context.Background(), res.Violations[0].ID, UpdateViolationRequest{ViolationTypeID: "t-smoke", OccurredAt: fixedNow}, teacher)
	require.NoError(t, err)

	f.record(t, "stu-1", "t-fight")

	assert.Len(t, f.store.casesOf("stu-1"), 2)
	assert.Len(t, f.store.openCases("stu-1"), 1)
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newSchoolFixture()
	f.record(t, "stu-1", "t-fight")
	f.store.seed("stu-1", "t-uniform", 4)
	auditBefore := len(f.audit.logs)

	first, err := f.engine.ReconcileStudent(context.Background(), "stu-1")
	require.NoError(t, err)
	casesAfterFirst := f.store.casesOf("stu-1")

	second, err := f.engine.ReconcileStudent(context.Background(), "stu-1")
	require.NoError(t, err)

	assert.Equal(t, ReconcileOutcomeUnchanged, first.Outcome)
	assert.Equal(t, ReconcileOutcomeUnchanged, second.Outcome)
	assert.Equal(t, casesAfterFirst, f.store.casesOf("stu-1"))
	assert.Equal(t, auditBefore, len(f.audit.logs))
}

func TestReconcileStudentWithoutViolations(t *testing.T) {
	f := newSchoolFixture()

	res, err := f.engine.ReconcileStudent(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, ReconcileOutcomeNone, res.Outcome)
	assert.Zero(t, res.Aggregates.TotalPoints)
}

func TestReconcileRetriesOnceAfterSerializationFailure(t *testing.T) {
	f := newSchoolFixture()
	f.store.failCommit = []error{&pq.Error{Code: "40001"}}

	res := f.record(t, "stu-1", "t-fight")

	assert.Equal(t, ReconcileOutcomeOpened, res.Reconciliation.Outcome)
	assert.Equal(t, 2, f.store.lockCalls)
	assert.Len(t, f.store.openCases("stu-1"), 1)
	assert.Len(t, f.store.violationsOf("stu-1"), 1)
}

func TestReconcileReportsRepeatedFailure(t *testing.T) {
	f := newSchoolFixture()
	f.store.failCommit = []error{&pq.Error{Code: "40001"}, &pq.Error{Code: "40P01"}}

	results, err := f.violations.Record(context.Background(), RecordViolationsRequest{
		StudentIDs:       []string{"stu-1"},
		ViolationTypeIDs: []string{"t-fight"},
		OccurredAt:       fixedNow,
	}, teacher)

	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConcurrencyViolation.Code, appErrors.FromError(err).Code)
	require.Len(t, results, 1)
	assert.NotNil(t, results[0].Error)
	assert.Empty(t, f.store.casesOf("stu-1"))
	assert.Empty(t, f.store.violationsOf("stu-1"))
	assert.Empty(t, f.audit.logs, "rolled back work must not be audited")
}

func TestProcessNewBatchUnknownType(t *testing.T) {
	f := newSchoolFixture()

	_, err := f.engine.ProcessNewBatch(context.Background(), "stu-1", []string{"t-missing"})

	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnknownViolationType.Code, appErrors.FromError(err).Code)
}

func TestReconcileAfterCatalogChangeAppliesNewPoints(t *testing.T) {
	f := newSchoolFixture()
	f.record(t, "stu-1", "t-smoke")
	assert.Empty(t, f.store.casesOf("stu-1"))

	smoke := f.store.types["t-smoke"]
	smoke.Points = 120
	f.store.types["t-smoke"] = smoke

	res, err := f.engine.ReconcileAfterCatalogChange(context.Background(), "stu-1")
	require.NoError(t, err)
	assert.Equal(t, ReconcileOutcomeOpened, res.Outcome)
	open := f.store.openCases("stu-1")
	require.Len(t, open, 1)
	assert.Equal(t, models.Tier2, open[0].Tier)
}

func TestReconciliationMetrics(t *testing.T) {
	f := newSchoolFixture()
	f.record(t, "stu-1", "t-fight")
	f.record(t, "stu-2", "t-smoke")

	snapshot := f.metrics.Snapshot()
	assert.Equal(t, uint64(2), snapshot.Reconciliations)
	assert.Equal(t, uint64(2), snapshot.ViolationsRecorded)
}
