package autoexec_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/autoexec"
	"escrowflow/db/dbtest"
	"escrowflow/dispute"
	"escrowflow/dispute/disputetest"
	"escrowflow/enforcement"
	"escrowflow/escrow"
	"escrowflow/escrow/escrowtest"
	"escrowflow/notify"
	"escrowflow/resolution"
	"escrowflow/resolution/resolutiontest"
)

var fixedNow = time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	sweeper     *autoexec.Sweeper
	pool        *dbtest.Pool
	escrow      *escrowtest.Store
	ledger      *escrow.Ledger
	disputes    *disputetest.Store
	resolutions *resolutiontest.Store
	enf         *recordingEnforcement
	notes       *countingNotifier
	milestone   escrow.Milestone
	dispute     dispute.Dispute
}

func newFixture(t *testing.T, milestoneStatus escrow.MilestoneStatus) *fixture {
	t.Helper()
	now := func() time.Time { return fixedNow }
	f := &fixture{
		pool:        &dbtest.Pool{},
		escrow:      escrowtest.New(),
		disputes:    disputetest.New(),
		resolutions: resolutiontest.New(),
		enf:         &recordingEnforcement{},
		notes:       &countingNotifier{},
	}
	f.milestone = f.escrow.AddMilestone(escrow.Milestone{
		PaymentID:      "payment-1",
		JobID:          "job-1",
		ClientID:       "client-1",
		ProfessionalID: "pro-1",
		Amount:         decimal.RequireFromString("300"),
		Status:         milestoneStatus,
	})
	f.ledger = escrow.NewLedger(f.escrow)
	f.ledger.WithClock(now)

	mid := f.milestone.ID
	f.dispute = f.disputes.Seed(dispute.Dispute{
		JobID:           "job-1",
		MilestoneID:     &mid,
		ClientID:        "client-1",
		ProfessionalID:  "pro-1",
		CreatedBy:       "client-1",
		DisputedAgainst: "pro-1",
		State:           dispute.StateAwaitingResponse,
	})
	disputes := dispute.NewService(f.pool, f.disputes, f.ledger, nil, nil)
	disputes.WithClock(now)

	f.sweeper = autoexec.NewSweeper(f.pool, f.resolutions, f.ledger, disputes, f.enf, f.notes)
	f.sweeper.WithClock(now)
	return f
}

// agreed seeds an agreed resolution due at dueAt.
func (f *fixture) agreed(outcome resolution.Outcome, amount string, dueAt time.Time) resolution.Resolution {
	mid := f.milestone.ID
	finalized := dueAt.Add(-24 * time.Hour)
	return f.resolutions.Seed(resolution.Resolution{
		DisputeID:            f.dispute.ID,
		MilestoneID:          &mid,
		ProposedBy:           "client-1",
		Outcome:              outcome,
		Amount:               decimal.RequireFromString(amount),
		ClientStatus:         resolution.PartyAccepted,
		ProfessionalStatus:   resolution.PartyAccepted,
		Status:               resolution.StatusAgreed,
		AgreementFinalizedAt: &finalized,
		AutoExecuteDate:      &dueAt,
	})
}

func (f *fixture) disputeState(t *testing.T) dispute.State {
	t.Helper()
	d, err := f.disputes.Get(context.Background(), nil, f.dispute.ID)
	if err != nil {
		t.Fatalf("get dispute: %v", err)
	}
	return d.State
}

func (f *fixture) lastEvent(t *testing.T) dispute.Event {
	t.Helper()
	events := f.disputes.Events(f.dispute.ID)
	if len(events) == 0 {
		t.Fatal("expected timeline events")
	}
	return events[len(events)-1]
}

func TestSweep_ExecutesDueRelease(t *testing.T) {
	f := newFixture(t, escrow.MilestoneDisputed)
	r := f.agreed(resolution.OutcomeRelease, "300", fixedNow.Add(-time.Minute))

	report, err := f.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Executed != 1 || report.Abandoned != 0 || report.Skipped != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	got := f.resolutions.Resolution(r.ID)
	if got.Status != resolution.StatusExecuted || got.ExecutedAt == nil {
		t.Fatalf("expected executed resolution, got %+v", got)
	}
	if m := f.escrow.Milestone(f.milestone.ID); m.Status != escrow.MilestoneReleasedViaResolution {
		t.Fatalf("expected released_via_resolution, got %s", m.Status)
	}
	payout, items, err := f.ledger.PendingPayout(context.Background(), nil, "pro-1")
	if err != nil {
		t.Fatalf("pending payout: %v", err)
	}
	if !payout.Amount.Equal(decimal.RequireFromString("300")) || len(items) != 1 {
		t.Fatalf("unexpected payout %+v items %d", payout, len(items))
	}
	if rel := f.escrow.Releases(); len(rel) != 1 || rel[0].Source != escrow.SourceResolution {
		t.Fatalf("unexpected releases %+v", rel)
	}
	if got := f.disputeState(t); got != dispute.StateResolved {
		t.Fatalf("expected resolved dispute, got %s", got)
	}
	if ev := f.lastEvent(t); ev.Type != dispute.EventResolutionExecuted || ev.ActorID != nil {
		t.Fatalf("unexpected last event %+v", ev)
	}
	entries := f.enf.all()
	if len(entries) != 1 || entries[0].ActionType != enforcement.ActionResolutionExecuted || entries[0].PerformedBy != enforcement.PerformedBySystem {
		t.Fatalf("unexpected enforcement entries %+v", entries)
	}
	if f.notes.count() != 2 {
		t.Fatalf("expected both parties notified, got %d", f.notes.count())
	}
}

func TestSweep_ExecutesPartialRefund(t *testing.T) {
	f := newFixture(t, escrow.MilestoneDisputed)
	f.agreed(resolution.OutcomeRefund, "120", fixedNow.Add(-time.Second))

	report, err := f.sweeper.Sweep(context.Background())
	if err != nil || report.Executed != 1 {
		t.Fatalf("unexpected sweep %+v, %v", report, err)
	}
	if m := f.escrow.Milestone(f.milestone.ID); m.Status != escrow.MilestoneRefunded {
		t.Fatalf("expected refunded, got %s", m.Status)
	}
	refunds := f.escrow.Refunds()
	if len(refunds) != 1 || !refunds[0].Amount.Equal(decimal.RequireFromString("120")) {
		t.Fatalf("unexpected refunds %+v", refunds)
	}
	releases := f.escrow.Releases()
	if len(releases) != 1 || !releases[0].Amount.Equal(decimal.RequireFromString("180")) {
		t.Fatalf("expected the unrefunded 180 released, got %+v", releases)
	}
	if got := f.settled(); !got.Equal(f.milestone.Amount) {
		t.Fatalf("released+refunded = %s, want %s", got, f.milestone.Amount)
	}
}

func TestSweep_PartialReleaseConservesEscrow(t *testing.T) {
	f := newFixture(t, escrow.MilestoneDisputed)
	r := f.agreed(resolution.OutcomeRelease, "120", fixedNow.Add(-time.Second))

	report, err := f.sweeper.Sweep(context.Background())
	if err != nil || report.Executed != 1 {
		t.Fatalf("unexpected sweep %+v, %v", report, err)
	}
	if m := f.escrow.Milestone(f.milestone.ID); m.Status != escrow.MilestoneReleasedViaResolution {
		t.Fatalf("expected released_via_resolution, got %s", m.Status)
	}
	payout, _, err := f.ledger.PendingPayout(context.Background(), nil, "pro-1")
	if err != nil || !payout.Amount.Equal(decimal.RequireFromString("120")) {
		t.Fatalf("expected payout of 120, got %+v, %v", payout, err)
	}
	refunds := f.escrow.Refunds()
	if len(refunds) != 1 || !refunds[0].Amount.Equal(decimal.RequireFromString("180")) {
		t.Fatalf("expected the unreleased 180 refunded, got %+v", refunds)
	}
	if refunds[0].ResolutionID == nil || *refunds[0].ResolutionID != r.ID {
		t.Fatalf("expected refund tagged with resolution %s, got %+v", r.ID, refunds[0])
	}
	if got := f.settled(); !got.Equal(f.milestone.Amount) {
		t.Fatalf("released+refunded = %s, want %s", got, f.milestone.Amount)
	}
}

func (f *fixture) settled() decimal.Decimal {
	sum := decimal.Zero
	for _, r := range f.escrow.Releases() {
		sum = sum.Add(r.Amount)
	}
	for _, r := range f.escrow.Refunds() {
		sum = sum.Add(r.Amount)
	}
	return sum
}

func TestSweep_LeavesResolutionsNotYetDue(t *testing.T) {
	f := newFixture(t, escrow.MilestoneDisputed)
	r := f.agreed(resolution.OutcomeRelease, "300", fixedNow.Add(time.Hour))

	report, err := f.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report != (autoexec.Report{}) {
		t.Fatalf("expected empty report, got %+v", report)
	}
	if got := f.resolutions.Resolution(r.ID).Status; got != resolution.StatusAgreed {
		t.Fatalf("expected agreed, got %s", got)
	}
	if len(f.pool.Txs) != 0 {
		t.Fatalf("expected no transactions, got %d", len(f.pool.Txs))
	}
}

func TestSweep_ConcurrentSweepsExecuteOnce(t *testing.T) {
	f := newFixture(t, escrow.MilestoneDisputed)
	f.agreed(resolution.OutcomeRelease, "300", fixedNow.Add(-time.Minute))

	const workers = 8
	start := make(chan struct{})
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		executed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			report, err := f.sweeper.Sweep(context.Background())
			if err != nil {
				t.Errorf("sweep: %v", err)
				return
			}
			if report.Abandoned != 0 {
				t.Errorf("unexpected abandon %+v", report)
			}
			mu.Lock()
			executed += report.Executed
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	if executed != 1 {
		t.Fatalf("expected exactly one execution, got %d", executed)
	}
	if n := len(f.escrow.Releases()); n != 1 {
		t.Fatalf("expected one release row, got %d", n)
	}
	if n := f.escrow.PendingPayouts("pro-1"); n != 1 {
		t.Fatalf("expected one pending payout, got %d", n)
	}
}

func TestSweep_FailureAbandonsAndReturnsToMediation(t *testing.T) {
	// The milestone was settled outside the dispute, so the release cannot apply.
	f := newFixture(t, escrow.MilestoneCompleted)
	r := f.agreed(resolution.OutcomeRelease, "300", fixedNow.Add(-time.Minute))

	report, err := f.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Executed != 0 || report.Abandoned != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	got := f.resolutions.Resolution(r.ID)
	if got.Status != resolution.StatusAbandoned || got.FailureReason == nil || got.ExecutedAt != nil {
		t.Fatalf("expected abandoned with reason, got %+v", got)
	}
	if f.pool.RolledBack() != 1 || f.pool.Committed() != 1 {
		t.Fatalf("expected one rolled back and one committed tx, got %d/%d", f.pool.RolledBack(), f.pool.Committed())
	}
	if got := f.disputeState(t); got != dispute.StateMediation {
		t.Fatalf("expected mediation, got %s", got)
	}
	if ev := f.lastEvent(t); ev.Type != dispute.EventAutoExecutionFailed {
		t.Fatalf("expected auto_execution_failed event, got %s", ev.Type)
	}
	entries := f.enf.all()
	if len(entries) != 1 || entries[0].ActionType != enforcement.ActionAutoExecutionFailed {
		t.Fatalf("unexpected enforcement entries %+v", entries)
	}
	if len(f.escrow.Releases()) != 0 {
		t.Fatal("failed execution must not release")
	}

	again, err := f.sweeper.Sweep(context.Background())
	if err != nil || again != (autoexec.Report{}) {
		t.Fatalf("abandoned resolution must not be retried: %+v, %v", again, err)
	}
}

func TestSweep_LockContention(t *testing.T) {
	f := newFixture(t, escrow.MilestoneDisputed)
	r := f.agreed(resolution.OutcomeRelease, "300", fixedNow.Add(-time.Minute))

	busy := &fakeLocker{}
	f.sweeper.WithLocker(busy)
	report, err := f.sweeper.Sweep(context.Background())
	if err != nil || !report.Busy {
		t.Fatalf("expected busy report, got %+v, %v", report, err)
	}
	if got := f.resolutions.Resolution(r.ID).Status; got != resolution.StatusAgreed {
		t.Fatalf("busy sweep must not execute, got %s", got)
	}

	free := &fakeLocker{free: true}
	f.sweeper.WithLocker(free)
	report, err = f.sweeper.Sweep(context.Background())
	if err != nil || report.Executed != 1 {
		t.Fatalf("unexpected report %+v, %v", report, err)
	}
	if free.unlocks != 1 {
		t.Fatalf("expected lock released once, got %d", free.unlocks)
	}

	f.sweeper.WithLocker(&fakeLocker{err: errors.New("conn refused")})
	if _, err := f.sweeper.Sweep(context.Background()); err == nil {
		t.Fatal("expected lock error")
	}
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	f := newFixture(t, escrow.MilestoneDisputed)
	r := f.agreed(resolution.OutcomeRelease, "300", fixedNow.Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sweeper.Run(ctx, 5*time.Millisecond) }()

	deadline := time.After(2 * time.Second)
	for f.resolutions.Resolution(r.ID).Status != resolution.StatusExecuted {
		select {
		case <-deadline:
			t.Fatal("resolution not executed by Run")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	if err := f.sweeper.Run(context.Background(), 0); err == nil {
		t.Fatal("expected interval validation error")
	}
}

type fakeLocker struct {
	mu      sync.Mutex
	free    bool
	err     error
	unlocks int
}

func (l *fakeLocker) TryLock(context.Context) (func(), bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	if !l.free {
		return nil, false, nil
	}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.unlocks++
	}, true, nil
}

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) Notify(context.Context, string, notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type recordingEnforcement struct {
	mu      sync.Mutex
	entries []enforcement.Entry
}

func (r *recordingEnforcement) Log(_ context.Context, e enforcement.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingEnforcement) all() []enforcement.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]enforcement.Entry(nil), r.entries...)
}
