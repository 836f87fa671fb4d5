package kpi

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hrkpi/internal/domain/audit"
	"hrkpi/internal/domain/auth"
	"hrkpi/internal/domain/hierarchy"
	"hrkpi/internal/domain/org"
	"hrkpi/internal/domain/scope"
	"hrkpi/internal/platform/email"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	svc    *Service
	store  *MemoryStore
	dir    *org.MemoryStore
	outbox *email.Outbox
	audit  *audit.MemoryStore

	sumKPI    KPI
	binaryKPI KPI
	pctKPI    KPI
	sumType   EvaluationType

	periodStart time.Time
	periodEnd   time.Time
}

var (
	admin    = auth.Caller{UserID: "u-admin", Role: auth.RoleAdmin, CompanyID: "c1"}
	engLead  = auth.Caller{UserID: "u-lead", Role: auth.RoleManager, CompanyID: "c1", TeamID: "eng", EmployeeID: "lead"}
	beLead   = auth.Caller{UserID: "u-be", Role: auth.RoleManager, CompanyID: "c1", TeamID: "backend", EmployeeID: "be-lead"}
	employee = auth.Caller{UserID: "u-e1", Role: auth.RoleUser, CompanyID: "c1", EmployeeID: "e1"}
	peer     = auth.Caller{UserID: "u-e2", Role: auth.RoleUser, CompanyID: "c1", EmployeeID: "e2"}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	dir := org.NewMemoryStore()
	dir.PutTeam(org.Team{ID: "eng", CompanyID: "c1", Name: "Eng"})
	dir.PutTeam(org.Team{ID: "backend", CompanyID: "c1", Name: "Backend", ParentTeamID: "eng"})
	dir.PutTeam(org.Team{ID: "frontend", CompanyID: "c1", Name: "Frontend", ParentTeamID: "eng"})
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, e := range []struct{ id, team string }{{"e1", "backend"}, {"e2", "frontend"}} {
		dir.PutEmployee(org.Employee{ID: e.id, CompanyID: "c1", Name: e.id, Email: e.id + "@example.com"})
		dir.AddMember(org.TeamMember{ID: "m-" + e.id, TeamID: e.team, EmployeeID: e.id, StartDate: since})
	}

	store := NewMemoryStore()
	outbox := &email.Outbox{}
	auditStore := audit.NewMemoryStore()
	svc := NewService(store, dir, Deps{
		Audit:      audit.New(auditStore),
		Mailer:     outbox,
		MailFrom:   "kpi@example.com",
		MaxRetries: 5,
	})
	clock := &stepClock{t: time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)}
	svc.Now = clock.Now

	f := &fixture{
		svc:         svc,
		store:       store,
		dir:         dir,
		outbox:      outbox,
		audit:       auditStore,
		periodStart: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		periodEnd:   time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
	}

	var err error
	f.sumType, err = svc.CreateEvaluationType(ctx, admin, EvaluationTypeInput{Name: "Count", Code: CodeHigherBetterSum})
	require.NoError(t, err)
	binaryType, err := svc.CreateEvaluationType(ctx, admin, EvaluationTypeInput{Name: "Done", Code: CodeBinary})
	require.NoError(t, err)
	pctType, err := svc.CreateEvaluationType(ctx, admin, EvaluationTypeInput{Name: "Percent", Code: CodeHigherBetterPct})
	require.NoError(t, err)

	f.sumKPI, err = svc.CreateKPI(ctx, admin, KPIInput{Name: "bugs-fixed", EvaluationTypeID: f.sumType.ID})
	require.NoError(t, err)
	f.binaryKPI, err = svc.CreateKPI(ctx, admin, KPIInput{Name: "launch", EvaluationTypeID: binaryType.ID})
	require.NoError(t, err)
	f.pctKPI, err = svc.CreateKPI(ctx, admin, KPIInput{Name: "coverage", EvaluationTypeID: pctType.ID, Unit: "%"})
	require.NoError(t, err)
	return f
}

func (f *fixture) aggregate(t *testing.T, kind, subject string, k KPI, achieved *string) Aggregate {
	t.Helper()
	agg, err := f.svc.CreateAggregate(context.Background(), admin, AggregateInput{
		SubjectKind:   kind,
		SubjectID:     subject,
		KPIID:         k.ID,
		PeriodStart:   f.periodStart,
		PeriodEnd:     f.periodEnd,
		AchievedValue: achieved,
	})
	require.NoError(t, err)
	return agg
}

func (f *fixture) achieved(t *testing.T, id string) string {
	t.Helper()
	agg, err := f.store.GetAggregate(context.Background(), "c1", id)
	require.NoError(t, err)
	return deref(agg.AchievedValue)
}

// engBackend builds the Eng/Backend bugs-fixed tree: Eng=5, Backend=2 and
// the employee's own aggregate at 10.
func (f *fixture) engBackend(t *testing.T) (eng, backend, own Aggregate) {
	eng = f.aggregate(t, SubjectTeam, "eng", f.sumKPI, ptr("5"))
	backend = f.aggregate(t, SubjectTeam, "backend", f.sumKPI, ptr("2"))
	own = f.aggregate(t, SubjectEmployee, "e1", f.sumKPI, ptr("10"))
	return eng, backend, own
}

func TestApprovalCascadesUpTheTeamTree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eng, backend, own := f.engBackend(t)

	ev, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "3"})
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, ev.Status)
	require.Equal(t, "backend", ev.TeamID)

	approved, err := f.svc.ApproveEvolution(ctx, engLead, ev.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.Equal(t, engLead.UserID, approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedDate)

	require.Equal(t, "5", f.achieved(t, backend.ID))
	require.Equal(t, "8", f.achieved(t, eng.ID))
	require.Equal(t, "13", f.achieved(t, own.ID))
}

func TestApproveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eng, backend, own := f.engBackend(t)

	ev, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "3"})
	require.NoError(t, err)
	first, err := f.svc.ApproveEvolution(ctx, admin, ev.ID)
	require.NoError(t, err)

	second, err := f.svc.ApproveEvolution(ctx, admin, ev.ID)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, "5", f.achieved(t, backend.ID))
	require.Equal(t, "8", f.achieved(t, eng.ID))
	require.Equal(t, "13", f.achieved(t, own.ID))
}

func TestApproveRejectedFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, backend, own := f.engBackend(t)

	ev, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "3"})
	require.NoError(t, err)
	_, err = f.svc.RejectEvolution(ctx, admin, ev.ID, "")
	require.NoError(t, err)

	_, err = f.svc.ApproveEvolution(ctx, admin, ev.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, "2", f.achieved(t, backend.ID))
	require.Equal(t, "10", f.achieved(t, own.ID))
}

func TestRejectApprovedFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, own := f.engBackend(t)

	ev, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "3"})
	require.NoError(t, err)
	_, err = f.svc.ApproveEvolution(ctx, admin, ev.ID)
	require.NoError(t, err)

	_, err = f.svc.RejectEvolution(ctx, admin, ev.ID, "late")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRejectWithReasonLeavesValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eng, backend, own := f.engBackend(t)

	ev, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "3"})
	require.NoError(t, err)
	rejected, err := f.svc.RejectEvolution(ctx, engLead, ev.ID, "insufficient evidence")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rejected.Status)
	require.NotNil(t, rejected.RejectionReason)
	require.Equal(t, "insufficient evidence", *rejected.RejectionReason)

	require.Equal(t, "5", f.achieved(t, eng.ID))
	require.Equal(t, "2", f.achieved(t, backend.ID))
	require.Equal(t, "10", f.achieved(t, own.ID))
	ownAgg, err := f.store.GetAggregate(ctx, "c1", own.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, ownAgg.Status)

	again, err := f.svc.RejectEvolution(ctx, engLead, ev.ID, "other")
	require.NoError(t, err)
	require.Equal(t, "insufficient evidence", *again.RejectionReason)

	msgs := f.outbox.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "e1@example.com", msgs[0].To)
	require.Contains(t, msgs[0].Body, "insufficient evidence")
}

func TestBinarySecondSubmissionConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	own := f.aggregate(t, SubjectEmployee, "e1", f.binaryKPI, nil)

	_, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "done"})
	require.NoError(t, err)
	_, err = f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "done"})
	require.ErrorIs(t, err, ErrConflict)
}

func TestBinaryRejectionRejectsAggregate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	own := f.aggregate(t, SubjectEmployee, "e1", f.binaryKPI, nil)

	ev, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "done"})
	require.NoError(t, err)
	_, err = f.svc.RejectEvolution(ctx, admin, ev.ID, "not shipped")
	require.NoError(t, err)

	agg, err := f.store.GetAggregate(ctx, "c1", own.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, agg.Status)
	require.Equal(t, "not shipped", *agg.RejectionReason)
	require.Equal(t, admin.UserID, agg.ApprovedBy)
}

func TestApprovalClearsRejectionReasons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, backend, own := f.engBackend(t)

	_, err := f.svc.Engine.Mutate(ctx, "c1", backend.ID, func(a *Aggregate) error {
		a.RejectionReason = ptr("stale")
		return nil
	})
	require.NoError(t, err)

	ev, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "1"})
	require.NoError(t, err)
	_, err = f.svc.ApproveEvolution(ctx, admin, ev.ID)
	require.NoError(t, err)

	agg, err := f.store.GetAggregate(ctx, "c1", backend.ID)
	require.NoError(t, err)
	require.Nil(t, agg.RejectionReason)
}

func TestCascadeSkipsMissingLevels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eng := f.aggregate(t, SubjectTeam, "eng", f.sumKPI, ptr("5"))
	own := f.aggregate(t, SubjectEmployee, "e1", f.sumKPI, nil)

	ev, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "4"})
	require.NoError(t, err)
	_, err = f.svc.ApproveEvolution(ctx, admin, ev.ID)
	require.NoError(t, err)

	require.Equal(t, "4", f.achieved(t, own.ID))
	require.Equal(t, "9", f.achieved(t, eng.ID))
}

func TestTeamEvolutionCascadesFromParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eng, backend, own := f.engBackend(t)

	ev, err := f.svc.SubmitEvolution(ctx, beLead, SubmitInput{AggregateID: backend.ID, Value: "1"})
	require.NoError(t, err)
	_, err = f.svc.ApproveEvolution(ctx, engLead, ev.ID)
	require.NoError(t, err)

	require.Equal(t, "3", f.achieved(t, backend.ID))
	require.Equal(t, "6", f.achieved(t, eng.ID))
	require.Equal(t, "10", f.achieved(t, own.ID))
}

func TestPercentReplacesAtEveryLevel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eng := f.aggregate(t, SubjectTeam, "eng", f.pctKPI, ptr("50"))
	own := f.aggregate(t, SubjectEmployee, "e1", f.pctKPI, ptr("20"))

	ev, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "75"})
	require.NoError(t, err)
	_, err = f.svc.ApproveEvolution(ctx, admin, ev.ID)
	require.NoError(t, err)

	require.Equal(t, "75", f.achieved(t, own.ID))
	require.Equal(t, "75", f.achieved(t, eng.ID))
}

func TestCorrectionRecascadesDelta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eng, backend, own := f.engBackend(t)

	ev, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "3"})
	require.NoError(t, err)
	_, err = f.svc.ApproveEvolution(ctx, admin, ev.ID)
	require.NoError(t, err)

	updated, err := f.svc.UpdateEvolution(ctx, admin, ev.ID, EvolutionUpdate{AchievedValueEvolution: ptr("5")})
	require.NoError(t, err)
	require.Equal(t, "5", updated.AchievedValueEvolution)
	require.Equal(t, StatusApproved, updated.Status)

	require.Equal(t, "15", f.achieved(t, own.ID))
	require.Equal(t, "7", f.achieved(t, backend.ID))
	require.Equal(t, "10", f.achieved(t, eng.ID))
}

func TestUpdatePendingEvolutionDoesNotCascade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, backend, own := f.engBackend(t)

	ev, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "3"})
	require.NoError(t, err)
	_, err = f.svc.UpdateEvolution(ctx, employee, ev.ID, EvolutionUpdate{AchievedValueEvolution: ptr("4")})
	require.NoError(t, err)
	require.Equal(t, "2", f.achieved(t, backend.ID))

	_, err = f.svc.ApproveEvolution(ctx, admin, ev.ID)
	require.NoError(t, err)
	require.Equal(t, "6", f.achieved(t, backend.ID))
}

func TestUpdateIdentityCollisionConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, own := f.engBackend(t)

	first, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "1"})
	require.NoError(t, err)
	second, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "2"})
	require.NoError(t, err)

	_, err = f.svc.UpdateEvolution(ctx, employee, second.ID, EvolutionUpdate{SubmittedDate: &first.SubmittedDate})
	require.ErrorIs(t, err, ErrConflict)
}

func TestMovingApprovedEvolutionIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, own := f.engBackend(t)
	other := f.aggregate(t, SubjectEmployee, "e1", f.pctKPI, nil)

	ev, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "1"})
	require.NoError(t, err)
	_, err = f.svc.ApproveEvolution(ctx, admin, ev.ID)
	require.NoError(t, err)

	_, err = f.svc.UpdateEvolution(ctx, admin, ev.ID, EvolutionUpdate{AggregateID: &other.ID})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestConcurrentApprovalsDoNotLoseUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eng, backend, own := f.engBackend(t)

	const n = 25
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ev, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "1"})
		require.NoError(t, err)
		ids = append(ids, ev.ID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := f.svc.ApproveEvolution(ctx, admin, id); err != nil {
				errs <- err
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, "35", f.achieved(t, own.ID))
	require.Equal(t, "27", f.achieved(t, backend.ID))
	require.Equal(t, "30", f.achieved(t, eng.ID))
}

// racingStore bumps the aggregate version behind the engine's back on the
// first write, as a concurrent instance would.
type racingStore struct {
	*MemoryStore
	once    sync.Once
	writes  int
	mu      sync.Mutex
	racing  bool
	trigger string
}

func (r *racingStore) UpdateAggregate(ctx context.Context, a Aggregate) (Aggregate, error) {
	r.mu.Lock()
	r.writes++
	r.mu.Unlock()
	r.once.Do(func() {
		current, err := r.MemoryStore.GetAggregate(ctx, a.CompanyID, a.ID)
		if err != nil {
			return
		}
		current.Goal = ptr(r.trigger)
		_, _ = r.MemoryStore.UpdateAggregate(ctx, current)
		r.racing = true
	})
	return r.MemoryStore.UpdateAggregate(ctx, a)
}

type countingRecorder struct {
	nopRecorder
	mu      sync.Mutex
	retries int
}

func (c *countingRecorder) VersionRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries++
}

func TestFoldRetriesOnVersionConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	own := f.aggregate(t, SubjectEmployee, "e1", f.sumKPI, ptr("10"))

	store := &racingStore{MemoryStore: f.store, trigger: "interloper"}
	recorder := &countingRecorder{}
	engine := NewEngine(store, f.dir, nil, recorder, 3)

	saved, err := engine.Fold(ctx, "c1", own.ID, "ev-1", "2", CodeHigherBetterSum, LevelOwn)
	require.NoError(t, err)
	require.True(t, store.racing)
	require.Equal(t, "12", *saved.AchievedValue)
	require.Equal(t, "interloper", *saved.Goal)
	require.Equal(t, 1, recorder.retries)
	require.Equal(t, own.Version+2, saved.Version)
}

func TestFoldSkipsTokenAlreadyApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	own := f.aggregate(t, SubjectEmployee, "e1", f.sumKPI, ptr("10"))

	first, err := f.svc.Engine.Fold(ctx, "c1", own.ID, "ev-1", "2", CodeHigherBetterSum, LevelOwn)
	require.NoError(t, err)
	second, err := f.svc.Engine.Fold(ctx, "c1", own.ID, "ev-1", "2", CodeHigherBetterSum, LevelOwn)
	require.NoError(t, err)
	require.Equal(t, first.Version, second.Version)
	require.Equal(t, "12", f.achieved(t, own.ID))
}

// flakyStore fails the first write to one aggregate, as a dropped
// connection would.
type flakyStore struct {
	*MemoryStore
	failID string
	failed atomic.Bool
}

func (s *flakyStore) UpdateAggregate(ctx context.Context, a Aggregate) (Aggregate, error) {
	if a.ID == s.failID && s.failed.CompareAndSwap(false, true) {
		return Aggregate{}, errors.New("connection reset")
	}
	return s.MemoryStore.UpdateAggregate(ctx, a)
}

func TestRetriedApprovalCompletesPartialCascade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eng, backend, own := f.engBackend(t)
	svc := NewService(&flakyStore{MemoryStore: f.store, failID: eng.ID}, f.dir, Deps{MaxRetries: 5})

	ev, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "3"})
	require.NoError(t, err)

	_, err = svc.ApproveEvolution(ctx, admin, ev.ID)
	require.Error(t, err)
	require.Equal(t, "13", f.achieved(t, own.ID))
	require.Equal(t, "5", f.achieved(t, backend.ID))
	require.Equal(t, "5", f.achieved(t, eng.ID))

	approved, err := svc.ApproveEvolution(ctx, admin, ev.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	_, err = svc.ApproveEvolution(ctx, admin, ev.ID)
	require.NoError(t, err)

	require.Equal(t, "13", f.achieved(t, own.ID))
	require.Equal(t, "5", f.achieved(t, backend.ID))
	require.Equal(t, "8", f.achieved(t, eng.ID))
}

func TestRetriedCorrectionAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eng, backend, own := f.engBackend(t)

	ev, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "3"})
	require.NoError(t, err)
	_, err = f.svc.ApproveEvolution(ctx, admin, ev.ID)
	require.NoError(t, err)

	svc := NewService(&flakyStore{MemoryStore: f.store, failID: eng.ID}, f.dir, Deps{MaxRetries: 5})
	_, err = svc.UpdateEvolution(ctx, admin, ev.ID, EvolutionUpdate{AchievedValueEvolution: ptr("5")})
	require.Error(t, err)
	pending, err := f.svc.GetEvolution(ctx, admin, ev.ID)
	require.NoError(t, err)
	require.Equal(t, "3", pending.AchievedValueEvolution)

	corrected, err := svc.UpdateEvolution(ctx, admin, ev.ID, EvolutionUpdate{AchievedValueEvolution: ptr("5")})
	require.NoError(t, err)
	require.Equal(t, "5", corrected.AchievedValueEvolution)
	require.Equal(t, 1, corrected.Corrections)

	require.Equal(t, "15", f.achieved(t, own.ID))
	require.Equal(t, "7", f.achieved(t, backend.ID))
	require.Equal(t, "10", f.achieved(t, eng.ID))
}

func TestOnlyApproversChangeApprovedEvolutions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eng, backend, own := f.engBackend(t)

	ev, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "3"})
	require.NoError(t, err)
	_, err = f.svc.ApproveEvolution(ctx, engLead, ev.ID)
	require.NoError(t, err)

	_, err = f.svc.UpdateEvolution(ctx, employee, ev.ID, EvolutionUpdate{AchievedValueEvolution: ptr("1000")})
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, "13", f.achieved(t, own.ID))
	require.Equal(t, "5", f.achieved(t, backend.ID))
	require.Equal(t, "8", f.achieved(t, eng.ID))

	_, err = f.svc.UpdateEvolution(ctx, engLead, ev.ID, EvolutionUpdate{AchievedValueEvolution: ptr("4")})
	require.NoError(t, err)
	require.Equal(t, "9", f.achieved(t, eng.ID))
}

func TestBinaryRejectionKeepsApprovedAggregate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	own := f.aggregate(t, SubjectEmployee, "e1", f.binaryKPI, nil)

	ev, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "done"})
	require.NoError(t, err)
	_, err = f.svc.ApproveAggregate(ctx, admin, own.ID)
	require.NoError(t, err)

	_, err = f.svc.RejectEvolution(ctx, admin, ev.ID, "not shipped")
	require.ErrorIs(t, err, ErrInvalidTransition)

	agg, err := f.store.GetAggregate(ctx, "c1", own.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, agg.Status)
	pending, err := f.svc.GetEvolution(ctx, admin, ev.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, pending.Status)
}

func TestTerminalAggregatesTakeNoFolds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eng, backend, own := f.engBackend(t)

	early, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "4"})
	require.NoError(t, err)
	_, err = f.svc.ApproveAggregate(ctx, admin, own.ID)
	require.NoError(t, err)

	_, err = f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "4"})
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.ApproveEvolution(ctx, admin, early.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, "10", f.achieved(t, own.ID))
	require.Equal(t, "2", f.achieved(t, backend.ID))

	peerOwn := f.aggregate(t, SubjectEmployee, "e2", f.sumKPI, nil)
	frontend := f.aggregate(t, SubjectTeam, "frontend", f.sumKPI, ptr("1"))
	_, err = f.svc.ApproveAggregate(ctx, admin, eng.ID)
	require.NoError(t, err)

	ev, err := f.svc.SubmitEvolution(ctx, peer, SubmitInput{AggregateID: peerOwn.ID, Value: "2"})
	require.NoError(t, err)
	_, err = f.svc.ApproveEvolution(ctx, admin, ev.ID)
	require.NoError(t, err)
	require.Equal(t, "2", f.achieved(t, peerOwn.ID))
	require.Equal(t, "3", f.achieved(t, frontend.ID))
	require.Equal(t, "5", f.achieved(t, eng.ID))
}

func TestFoldGivesUpAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	own := f.aggregate(t, SubjectEmployee, "e1", f.sumKPI, ptr("10"))

	store := &racingStore{MemoryStore: f.store, trigger: "interloper"}
	engine := NewEngine(store, f.dir, nil, nil, 1)

	_, err := engine.Fold(ctx, "c1", own.ID, "ev-1", "2", CodeHigherBetterSum, LevelOwn)
	require.ErrorIs(t, err, ErrVersionConflict)
	require.Equal(t, "10", f.achieved(t, own.ID))
}

func TestCycleFailsBeforeAnyWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dir.PutTeam(org.Team{ID: "x", CompanyID: "c1", Name: "X", ParentTeamID: "y"})
	f.dir.PutTeam(org.Team{ID: "y", CompanyID: "c1", Name: "Y", ParentTeamID: "x"})
	x := f.aggregate(t, SubjectTeam, "x", f.sumKPI, ptr("1"))

	ev, err := f.svc.SubmitEvolution(ctx, admin, SubmitInput{AggregateID: x.ID, Value: "1"})
	require.NoError(t, err)
	_, err = f.svc.ApproveEvolution(ctx, admin, ev.ID)
	require.ErrorIs(t, err, hierarchy.ErrCycleDetected)

	require.Equal(t, "1", f.achieved(t, x.ID))
	pending, err := f.svc.GetEvolution(ctx, admin, ev.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, pending.Status)
}

func TestEvaluationTypeCodeLocksOnceEvolutionsExist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpdateEvaluationType(ctx, admin, f.sumType.ID, EvaluationTypeInput{Code: CodeLowerBetterSum})
	require.NoError(t, err)

	own := f.aggregate(t, SubjectEmployee, "e1", f.sumKPI, nil)
	_, err = f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "1"})
	require.NoError(t, err)

	_, err = f.svc.UpdateEvaluationType(ctx, admin, f.sumType.ID, EvaluationTypeInput{Code: CodeBinary})
	require.ErrorIs(t, err, ErrEvaluationTypeLocked)
	require.ErrorIs(t, err, ErrConflict)

	renamed, err := f.svc.UpdateEvaluationType(ctx, admin, f.sumType.ID, EvaluationTypeInput{Name: "Tally"})
	require.NoError(t, err)
	require.Equal(t, "Tally", renamed.Name)
	require.Equal(t, CodeLowerBetterSum, renamed.Code)
}

func TestScopeHidesOtherSubjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eng, _, own := f.engBackend(t)
	peerAgg := f.aggregate(t, SubjectEmployee, "e2", f.sumKPI, nil)

	ev, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "1"})
	require.NoError(t, err)

	_, err = f.svc.GetEvolution(ctx, peer, ev.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: peerAgg.ID, Value: "1"})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.GetAggregate(ctx, beLead, eng.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.ApproveEvolution(ctx, beLead, ev.ID)
	require.NoError(t, err)

	mine, total, err := f.svc.ListAggregates(ctx, employee, scope.Filter{}, Page{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, own.ID, mine[0].ID)

	forged, _, err := f.svc.ListAggregates(ctx, employee, scope.Filter{scope.FieldEmployeeID: "e2"}, Page{})
	require.NoError(t, err)
	require.Empty(t, forged)

	underEng, total, err := f.svc.ListAggregates(ctx, engLead, scope.Filter{scope.FieldSubjectKind: SubjectEmployee}, Page{})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, underEng, 2)
}

func TestUnknownRoleIsRefused(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.ListEvolutions(context.Background(), auth.Caller{Role: "contractor", CompanyID: "c1"}, scope.Filter{}, Page{})
	require.ErrorIs(t, err, scope.ErrUnauthorizedRole)
}

func TestAggregateLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	own := f.aggregate(t, SubjectEmployee, "e1", f.sumKPI, ptr("1"))

	_, err := f.svc.CreateAggregate(ctx, admin, AggregateInput{
		SubjectKind: SubjectEmployee, SubjectID: "e1", KPIID: f.sumKPI.ID,
		PeriodStart: f.periodStart, PeriodEnd: f.periodEnd,
	})
	require.ErrorIs(t, err, ErrConflict)

	rejected, err := f.svc.RejectAggregate(ctx, admin, own.ID, "wrong goal")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rejected.Status)

	_, err = f.svc.ApproveAggregate(ctx, admin, own.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	resubmitted, err := f.svc.ResubmitAggregate(ctx, employee, own.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, resubmitted.Status)

	approved, err := f.svc.ApproveAggregate(ctx, admin, own.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.Nil(t, approved.RejectionReason)

	again, err := f.svc.ApproveAggregate(ctx, admin, own.ID)
	require.NoError(t, err)
	require.Equal(t, approved.Version, again.Version)

	_, err = f.svc.UpdateAggregate(ctx, admin, own.ID, AggregateUpdate{AchievedValue: ptr("99")})
	require.ErrorIs(t, err, ErrInvalidTransition)

	withGoal, err := f.svc.UpdateAggregate(ctx, admin, own.ID, AggregateUpdate{Goal: ptr("20")})
	require.NoError(t, err)
	require.Equal(t, "20", *withGoal.Goal)

	events, _, err := f.audit.List(ctx, "c1", audit.Filter{EntityID: own.ID}, 0, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 5)
}

func TestCreateAggregateValidatesSubject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateAggregate(ctx, admin, AggregateInput{
		SubjectKind: SubjectEmployee, SubjectID: "ghost", KPIID: f.sumKPI.ID,
		PeriodStart: f.periodStart, PeriodEnd: f.periodEnd,
	})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.CreateAggregate(ctx, admin, AggregateInput{
		SubjectKind: SubjectTeam, SubjectID: "eng", KPIID: f.sumKPI.ID,
		PeriodStart: f.periodEnd, PeriodEnd: f.periodStart,
	})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.CreateAggregate(ctx, employee, AggregateInput{
		SubjectKind: SubjectEmployee, SubjectID: "e2", KPIID: f.sumKPI.ID,
		PeriodStart: f.periodStart, PeriodEnd: f.periodEnd,
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteEvolutionKeepsContribution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, backend, own := f.engBackend(t)

	ev, err := f.svc.SubmitEvolution(ctx, employee, SubmitInput{AggregateID: own.ID, Value: "3"})
	require.NoError(t, err)
	_, err = f.svc.ApproveEvolution(ctx, admin, ev.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteEvolution(ctx, admin, ev.ID))
	_, err = f.svc.GetEvolution(ctx, admin, ev.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, "5", f.achieved(t, backend.ID))
}

func TestHierarchyReads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	upper, err := f.svc.UpperTeams(ctx, admin, "backend")
	require.NoError(t, err)
	require.Len(t, upper, 1)
	require.Equal(t, "eng", upper[0].ID)

	lower, err := f.svc.LowerTeams(ctx, admin, "eng")
	require.NoError(t, err)
	require.Len(t, lower, 2)

	_, err = f.svc.UpperTeams(ctx, admin, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestScorecard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engBackend(t)
	_, err := f.svc.CreateAggregate(ctx, admin, AggregateInput{
		SubjectKind: SubjectTeam, SubjectID: "eng", KPIID: f.sumKPI.ID,
		PeriodStart: f.periodEnd.AddDate(0, 0, 1), PeriodEnd: f.periodEnd.AddDate(0, 3, 0),
	})
	require.NoError(t, err)

	rows, err := f.svc.ScorecardRows(ctx, engLead, "eng", f.periodStart, f.periodEnd)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "Backend", rows[0].TeamName)
	require.Equal(t, "2", rows[0].AchievedValue)
	require.Equal(t, "Eng", rows[1].TeamName)

	pdf, err := f.svc.Scorecard(ctx, engLead, "eng", f.periodStart, f.periodEnd)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(pdf, []byte("%PDF")))
}
