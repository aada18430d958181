package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-discipline-api/internal/models"
	"github.com/noah-isme/sma-discipline-api/internal/repository"
)

// memoryDiscipline is an in-memory stand-in for the discipline tables.
// WithStudentLock runs against a copy that is swapped in only when fn succeeds.
type memoryDiscipline struct {
	mu sync.Mutex

	types      map[string]models.ViolationType
	students   map[string]models.Student
	violations map[string]models.ViolationEvent
	cases      map[string]models.DisciplineCase
	letters    map[string]models.NotificationLetter
	seq        int

	lockCalls  int
	failCommit []error
}

func newMemoryDiscipline() *memoryDiscipline {
	return &memoryDiscipline{
		types:      make(map[string]models.ViolationType),
		students:   make(map[string]models.Student),
		violations: make(map[string]models.ViolationEvent),
		cases:      make(map[string]models.DisciplineCase),
		letters:    make(map[string]models.NotificationLetter),
	}
}

func (m *memoryDiscipline) addStudent(id, name string) {
	m.students[id] = models.Student{ID: id, NIS: "NIS-" + id, FullName: name, Active: true}
}

func (m *memoryDiscipline) addType(id, name string, points int, category models.FrequencyCategory) {
	m.types[id] = models.ViolationType{ID: id, Name: name, Points: points, FrequencyCategory: category, Active: true}
}

func (m *memoryDiscipline) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memoryDiscipline) WithStudentLock(ctx context.Context, studentID string, fn func(store repository.DisciplineStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockCalls++

	tx := &memoryTx{parent: m, state: m.snapshot()}
	if err := fn(tx); err != nil {
		return err
	}
	if len(m.failCommit) > 0 {
		err := m.failCommit[0]
		m.failCommit = m.failCommit[1:]
		if err != nil {
			return err
		}
	}
	m.restore(tx.state)
	return nil
}

type memoryState struct {
	violations map[string]models.ViolationEvent
	cases      map[string]models.DisciplineCase
	letters    map[string]models.NotificationLetter
}

func (m *memoryDiscipline) snapshot() *memoryState {
	s := &memoryState{
		violations: make(map[string]models.ViolationEvent, len(m.violations)),
		cases:      make(map[string]models.DisciplineCase, len(m.cases)),
		letters:    make(map[string]models.NotificationLetter, len(m.letters)),
	}
	for k, v := range m.violations {
		s.violations[k] = v
	}
	for k, v := range m.cases {
		s.cases[k] = v
	}
	for k, v := range m.letters {
		s.letters[k] = v
	}
	return s
}

func (m *memoryDiscipline) restore(s *memoryState) {
	m.violations = s.violations
	m.cases = s.cases
	m.letters = s.letters
}

// openCases returns every non-terminal case of the student.
func (m *memoryDiscipline) openCases(studentID string) []models.DisciplineCase {
	var out []models.DisciplineCase
	for _, c := range m.cases {
		if c.StudentID == studentID && !c.Status.Terminal() {
			out = append(out, c)
		}
	}
	return out
}

func (m *memoryDiscipline) casesOf(studentID string) []models.DisciplineCase {
	var out []models.DisciplineCase
	for _, c := range m.cases {
		if c.StudentID == studentID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memoryDiscipline) letterFor(caseID string) (models.NotificationLetter, bool) {
	l, ok := m.letters[caseID]
	return l, ok
}

func (m *memoryDiscipline) violationsOf(studentID string) []models.ViolationEvent {
	var out []models.ViolationEvent
	for _, v := range m.violations {
		if v.StudentID == studentID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func tallyViolations(types map[string]models.ViolationType, violations map[string]models.ViolationEvent, studentID string) []models.ViolationTally {
	type key struct{ batch, typ string }
	grouped := make(map[key]*models.ViolationTally)
	var keys []key
	for _, v := range violations {
		if v.StudentID != studentID {
			continue
		}
		k := key{v.BatchID, v.ViolationTypeID}
		t, ok := grouped[k]
		if !ok {
			t = &models.ViolationTally{BatchID: v.BatchID, ViolationTypeID: v.ViolationTypeID}
			grouped[k] = t
			keys = append(keys, k)
		}
		t.Occurrences++
		t.Points += types[v.ViolationTypeID].Points
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].batch != keys[j].batch {
			return keys[i].batch < keys[j].batch
		}
		return keys[i].typ < keys[j].typ
	})
	out := make([]models.ViolationTally, 0, len(keys))
	for _, k := range keys {
		out = append(out, *grouped[k])
	}
	return out
}

type memoryTx struct {
	parent *memoryDiscipline
	state  *memoryState
}

func (t *memoryTx) ViolationTypesByIDs(_ context.Context, ids []string) ([]models.ViolationType, error) {
	var out []models.ViolationType
	for _, id := range ids {
		if vt, ok := t.parent.types[id]; ok {
			out = append(out, vt)
		}
	}
	return out, nil
}

func (t *memoryTx) ViolationTallies(_ context.Context, studentID string) ([]models.ViolationTally, error) {
	return tallyViolations(t.parent.types, t.state.violations, studentID), nil
}

func (t *memoryTx) DistinctViolationTypeIDs(_ context.Context, studentID string) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string
	for _, v := range t.state.violations {
		if v.StudentID != studentID {
			continue
		}
		if _, ok := seen[v.ViolationTypeID]; ok {
			continue
		}
		seen[v.ViolationTypeID] = struct{}{}
		ids = append(ids, v.ViolationTypeID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *memoryTx) GetViolation(_ context.Context, id string) (*models.ViolationEvent, error) {
	v, ok := t.state.violations[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &v, nil
}

func (t *memoryTx) InsertViolations(_ context.Context, events []models.ViolationEvent) error {
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = t.parent.nextID("vio")
		}
		if events[i].CreatedAt.IsZero() {
			events[i].CreatedAt = time.Date(2024, 10, 1, 8, 0, 0, 0, time.UTC)
		}
		t.state.violations[events[i].ID] = events[i]
	}
	return nil
}

func (t *memoryTx) UpdateViolation(_ context.Context, event *models.ViolationEvent) error {
	if _, ok := t.state.violations[event.ID]; !ok {
		return sql.ErrNoRows
	}
	t.state.violations[event.ID] = *event
	return nil
}

func (t *memoryTx) DeleteViolation(_ context.Context, id string) error {
	delete(t.state.violations, id)
	return nil
}

func (t *memoryTx) FindOpenCase(_ context.Context, studentID string) (*models.DisciplineCase, error) {
	for _, c := range t.state.cases {
		if c.StudentID == studentID && !c.Status.Terminal() {
			cp := c
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memoryTx) GetCase(_ context.Context, id string) (*models.DisciplineCase, error) {
	c, ok := t.state.cases[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &c, nil
}

func (t *memoryTx) InsertCase(_ context.Context, c *models.DisciplineCase) error {
	for _, existing := range t.state.cases {
		if existing.StudentID == c.StudentID && !existing.Status.Terminal() && !c.Status.Terminal() {
			return repository.ErrOpenCaseExists
		}
	}
	if c.ID == "" {
		c.ID = t.parent.nextID("case")
	}
	t.state.cases[c.ID] = *c
	return nil
}

func (t *memoryTx) UpdateCase(_ context.Context, c *models.DisciplineCase) error {
	if _, ok := t.state.cases[c.ID]; !ok {
		return sql.ErrNoRows
	}
	t.state.cases[c.ID] = *c
	return nil
}

func (t *memoryTx) DeleteCase(_ context.Context, id string) error {
	delete(t.state.cases, id)
	return nil
}

func (t *memoryTx) GetLetterByCase(_ context.Context, caseID string) (*models.NotificationLetter, error) {
	l, ok := t.state.letters[caseID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (t *memoryTx) InsertLetter(_ context.Context, letter *models.NotificationLetter) error {
	if letter.ID == "" {
		letter.ID = t.parent.nextID("letter")
	}
	t.state.letters[letter.CaseID] = *letter
	return nil
}

func (t *memoryTx) UpdateLetter(_ context.Context, letter *models.NotificationLetter) error {
	t.state.letters[letter.CaseID] = *letter
	return nil
}

func (t *memoryTx) DeleteLetterByCase(_ context.Context, caseID string) error {
	delete(t.state.letters, caseID)
	return nil
}

// memoryViolations serves the read side used by ViolationService.
type memoryViolations struct{ m *memoryDiscipline }

func (r memoryViolations) List(_ context.Context, filter models.ViolationFilter) ([]models.ViolationEventDetail, int, error) {
	var out []models.ViolationEventDetail
	for _, v := range r.m.violations {
		if filter.StudentID != "" && v.StudentID != filter.StudentID {
			continue
		}
		vt := r.m.types[v.ViolationTypeID]
		out = append(out, models.ViolationEventDetail{ViolationEvent: v, ViolationTypeName: vt.Name, Points: vt.Points})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (r memoryViolations) FindByID(_ context.Context, id string) (*models.ViolationEvent, error) {
	v, ok := r.m.violations[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &v, nil
}

func (r memoryViolations) ViolationTallies(_ context.Context, studentID string) ([]models.ViolationTally, error) {
	return tallyViolations(r.m.types, r.m.violations, studentID), nil
}

type memoryTypes struct{ m *memoryDiscipline }

func (r memoryTypes) FindByID(_ context.Context, id string) (*models.ViolationType, error) {
	vt, ok := r.m.types[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &vt, nil
}

func (r memoryTypes) FindByIDs(_ context.Context, ids []string) ([]models.ViolationType, error) {
	var out []models.ViolationType
	for _, id := range ids {
		if vt, ok := r.m.types[id]; ok {
			out = append(out, vt)
		}
	}
	return out, nil
}

type memoryStudents struct{ m *memoryDiscipline }

func (r memoryStudents) Exists(_ context.Context, id string) (bool, error) {
	_, ok := r.m.students[id]
	return ok, nil
}

type memoryCases struct{ m *memoryDiscipline }

func (r memoryCases) detail(c models.DisciplineCase) models.CaseDetail {
	student := r.m.students[c.StudentID]
	d := models.CaseDetail{DisciplineCase: c, StudentNIS: student.NIS, StudentName: student.FullName}
	if l, ok := r.m.letters[c.ID]; ok {
		draft := l.DraftNumber
		d.LetterDraft = &draft
		d.LetterPrintedAt = l.PrintedAt
	}
	return d
}

func (r memoryCases) matching(filter models.CaseFilter) []models.CaseDetail {
	var out []models.CaseDetail
	for _, c := range r.m.cases {
		if filter.StudentID != "" && c.StudentID != filter.StudentID {
			continue
		}
		if len(filter.Status) > 0 {
			found := false
			for _, s := range filter.Status {
				if s == c.Status {
					found = true
				}
			}
			if !found {
				continue
			}
		}
		if filter.Tier > models.TierNone && c.Tier != filter.Tier {
			continue
		}
		out = append(out, r.detail(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r memoryCases) List(_ context.Context, filter models.CaseFilter) ([]models.CaseDetail, int, error) {
	out := r.matching(filter)
	return out, len(out), nil
}

func (r memoryCases) ListForExport(_ context.Context, filter models.CaseFilter, limit int) ([]models.CaseDetail, error) {
	out := r.matching(filter)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memoryCases) FindByID(_ context.Context, id string) (*models.CaseDetail, error) {
	c, ok := r.m.cases[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	d := r.detail(c)
	return &d, nil
}

func (r memoryCases) CountByStatusAndTier(_ context.Context) ([]models.CaseStatusCount, error) {
	type key struct {
		status models.CaseStatus
		tier   models.CaseTier
	}
	counts := make(map[key]int)
	for _, c := range r.m.cases {
		counts[key{c.Status, c.Tier}]++
	}
	var out []models.CaseStatusCount
	for k, total := range counts {
		out = append(out, models.CaseStatusCount{Status: k.status, Tier: k.tier, Total: total})
	}
	return out, nil
}

var fixedNow = time.Date(2024, 10, 1, 9, 0, 0, 0, time.UTC)

// disciplineFixture wires the engine and services against one memory store.
type disciplineFixture struct {
	store      *memoryDiscipline
	audit      *recordingAudit
	metrics    *MetricsService
	engine     *ReconciliationService
	violations *ViolationService
	cases      *CaseService
}

func newDisciplineFixture() *disciplineFixture {
	store := newMemoryDiscipline()
	audit := &recordingAudit{}
	metrics := NewMetricsService()
	engine := NewReconciliationService(ReconciliationServiceParams{
		Store:     store,
		Rules:     DefaultEscalationRules(),
		Lifecycle: NewCaseLifecycle(func() time.Time { return fixedNow }),
		Audit:     audit,
		Metrics:   metrics,
		Logger:    zap.NewNop(),
	})
	violations := NewViolationService(ViolationServiceParams{
		Violations: memoryViolations{store},
		Types:      memoryTypes{store},
		Students:   memoryStudents{store},
		Cases:      memoryCases{store},
		Engine:     engine,
		Audit:      audit,
		Metrics:    metrics,
		Logger:     zap.NewNop(),
		EditWindow: 24 * time.Hour,
	})
	violations.now = func() time.Time { return fixedNow }
	cases := NewCaseService(CaseServiceParams{
		Cases:  memoryCases{store},
		Engine: engine,
		Logger: zap.NewNop(),
	})
	cases.now = func() time.Time { return fixedNow }
	return &disciplineFixture{store: store, audit: audit, metrics: metrics, engine: engine, violations: violations, cases: cases}
}
