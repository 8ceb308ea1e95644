package review_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/db"
	"escrowflow/db/dbtest"
	"escrowflow/escrow"
	"escrowflow/escrow/escrowtest"
	"escrowflow/notify"
	"escrowflow/review"
)

var fixedNow = time.Date(2025, 5, 10, 15, 0, 0, 0, time.UTC)

type fixture struct {
	gate      *review.Gate
	pool      *dbtest.Pool
	escrow    *escrowtest.Store
	reviews   *fakeReviews
	disputes  *fakeDisputes
	notes     *recordingNotifier
	milestone escrow.Milestone
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	es := escrowtest.New()
	ledger := escrow.NewLedger(es)
	ledger.WithClock(func() time.Time { return fixedNow })
	m := es.AddMilestone(escrow.Milestone{
		PaymentID:      "payment-1",
		JobID:          "job-1",
		ClientID:       "client-1",
		ProfessionalID: "pro-1",
		Title:          "Kitchen tiling",
		Amount:         decimal.RequireFromString("500"),
	})

	f := &fixture{
		pool:      &dbtest.Pool{},
		escrow:    es,
		reviews:   newFakeReviews(),
		disputes:  &fakeDisputes{},
		notes:     &recordingNotifier{},
		milestone: m,
	}
	f.gate = review.NewGate(f.pool, f.reviews, ledger, f.disputes, adminSet{"admin-1": true}, f.notes)
	f.gate.WithClock(func() time.Time { return fixedNow })
	return f
}

func TestRelease_ClientWithRating(t *testing.T) {
	f := newFixture(t)

	res, err := f.gate.Release(context.Background(), review.ReleaseRequest{
		MilestoneID: f.milestone.ID,
		ActorID:     "client-1",
		Review:      &review.Input{Rating: 5, Comment: "spotless"},
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !res.Released || !res.ReviewCreated {
		t.Fatalf("expected released with review, got %+v", res)
	}
	if got := f.escrow.Milestone(f.milestone.ID).Status; got != escrow.MilestoneCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if !res.Payout.Amount.Equal(decimal.RequireFromString("500")) {
		t.Fatalf("expected payout to grow by 500, got %s", res.Payout.Amount)
	}
	if f.reviews.count() != 1 {
		t.Fatalf("expected exactly one review, got %d", f.reviews.count())
	}
	if !f.pool.Last().Committed() {
		t.Fatal("expected commit")
	}

	titles := map[string]string{}
	for _, n := range f.notes.sent {
		titles[n.userID] = n.note.Title
	}
	if titles["client-1"] != "Escrow released" || titles["pro-1"] != "Funds released" {
		t.Fatalf("unexpected notifications %+v", titles)
	}
}

func TestRelease_AdminOverrideWithoutReview(t *testing.T) {
	f := newFixture(t)

	res, err := f.gate.Release(context.Background(), review.ReleaseRequest{
		MilestoneID: f.milestone.ID,
		ActorID:     "admin-1",
		Notes:       "client unresponsive for 30 days",
		Override:    true,
	})
	if err != nil {
		t.Fatalf("override release: %v", err)
	}
	if !res.Released || res.ReviewCreated {
		t.Fatalf("unexpected result %+v", res)
	}
	overrides := f.escrow.Overrides()
	if len(overrides) != 1 || overrides[0].AdminID != "admin-1" || overrides[0].Reason == "" {
		t.Fatalf("expected one override row, got %+v", overrides)
	}
	if f.reviews.count() != 0 {
		t.Fatal("override must not write a review")
	}
	releases := f.escrow.Releases()
	if len(releases) != 1 || releases[0].Source != escrow.SourceAdminOverride {
		t.Fatalf("expected admin_override release, got %+v", releases)
	}
}

func TestRelease_OverrideGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gate.Release(ctx, review.ReleaseRequest{MilestoneID: f.milestone.ID, ActorID: "client-1", Notes: "x", Override: true})
	if !errors.Is(err, review.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-admin override, got %v", err)
	}
	if len(f.pool.Txs) != 0 {
		t.Fatal("rejected overrides must not open a transaction")
	}
}

func TestRelease_OverrideWithoutNotesUsesDefaultReason(t *testing.T) {
	f := newFixture(t)

	res, err := f.gate.Release(context.Background(), review.ReleaseRequest{MilestoneID: f.milestone.ID, ActorID: "admin-1", Notes: "  ", Override: true})
	if err != nil {
		t.Fatalf("override release without notes: %v", err)
	}
	if !res.Released {
		t.Fatalf("unexpected result %+v", res)
	}
	overrides := f.escrow.Overrides()
	if len(overrides) != 1 || overrides[0].Reason != "admin override" {
		t.Fatalf("expected default override reason, got %+v", overrides)
	}
}

func TestRelease_ReviewRequired(t *testing.T) {
	f := newFixture(t)

	_, err := f.gate.Release(context.Background(), review.ReleaseRequest{MilestoneID: f.milestone.ID, ActorID: "client-1"})
	if !errors.Is(err, review.ErrReviewRequired) {
		t.Fatalf("expected ErrReviewRequired, got %v", err)
	}
	if err.Error() != "please rate the work before releasing funds" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if got := f.escrow.Milestone(f.milestone.ID).Status; got != escrow.MilestonePending {
		t.Fatalf("expected pending, got %s", got)
	}
	if !f.pool.Last().RolledBack() {
		t.Fatal("expected rollback")
	}
	if len(f.notes.sent) != 0 {
		t.Fatal("no notification on failure")
	}
}

func TestRelease_InvalidRating(t *testing.T) {
	for _, rating := range []int{0, 6, -1} {
		f := newFixture(t)
		_, err := f.gate.Release(context.Background(), review.ReleaseRequest{
			MilestoneID: f.milestone.ID,
			ActorID:     "client-1",
			Review:      &review.Input{Rating: rating},
		})
		if !errors.Is(err, review.ErrInvalidRating) {
			t.Fatalf("rating %d: expected ErrInvalidRating, got %v", rating, err)
		}
		if f.reviews.count() != 0 || len(f.escrow.Releases()) != 0 {
			t.Fatalf("rating %d: expected no writes", rating)
		}
	}
}

func TestRelease_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	good := &review.Input{Rating: 4}

	if _, err := f.gate.Release(ctx, review.ReleaseRequest{MilestoneID: f.milestone.ID, ActorID: "pro-1", Review: good}); !errors.Is(err, review.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-client, got %v", err)
	}
	if _, err := f.gate.Release(ctx, review.ReleaseRequest{MilestoneID: "missing", ActorID: "client-1", Review: good}); !errors.Is(err, escrow.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	f.disputes.open = true
	_, err := f.gate.Release(ctx, review.ReleaseRequest{MilestoneID: f.milestone.ID, ActorID: "client-1", Review: good})
	if !errors.Is(err, review.ErrDisputed) || !errors.Is(err, escrow.ErrInvalidState) {
		t.Fatalf("expected ErrDisputed, got %v", err)
	}
	f.disputes.open = false

	if _, err := f.gate.Release(ctx, review.ReleaseRequest{MilestoneID: f.milestone.ID, ActorID: "client-1", Review: good}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := f.gate.Release(ctx, review.ReleaseRequest{MilestoneID: f.milestone.ID, ActorID: "client-1"}); !errors.Is(err, escrow.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second release, got %v", err)
	}
}

func TestRelease_ExistingReviewSatisfiesGate(t *testing.T) {
	f := newFixture(t)
	f.reviews.seed(review.Review{ClientID: "client-1", MilestoneID: f.milestone.ID, Rating: 3})

	res, err := f.gate.Release(context.Background(), review.ReleaseRequest{MilestoneID: f.milestone.ID, ActorID: "client-1"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.ReviewCreated {
		t.Fatal("expected no new review")
	}
	if f.reviews.count() != 1 {
		t.Fatalf("expected review count to stay 1, got %d", f.reviews.count())
	}
}

func TestRelease_ReviewAndReleaseAreAtomic(t *testing.T) {
	t.Run("release failure rolls back review", func(t *testing.T) {
		f := newFixture(t)
		f.escrow.ReleaseErr = errors.New("audit insert failed")

		_, err := f.gate.Release(context.Background(), review.ReleaseRequest{
			MilestoneID: f.milestone.ID,
			ActorID:     "client-1",
			Review:      &review.Input{Rating: 5},
		})
		if err == nil {
			t.Fatal("expected error")
		}
		tx := f.pool.Last()
		if tx.Committed() || !tx.RolledBack() {
			t.Fatal("expected the review insert to be rolled back with the release")
		}
		if len(f.notes.sent) != 0 {
			t.Fatal("no notification on failure")
		}
	})

	t.Run("review failure prevents release", func(t *testing.T) {
		f := newFixture(t)
		f.reviews.insertErr = errors.New("constraint violated")

		_, err := f.gate.Release(context.Background(), review.ReleaseRequest{
			MilestoneID: f.milestone.ID,
			ActorID:     "client-1",
			Review:      &review.Input{Rating: 5},
		})
		if err == nil {
			t.Fatal("expected error")
		}
		if got := f.escrow.Milestone(f.milestone.ID).Status; got != escrow.MilestonePending {
			t.Fatalf("expected pending, got %s", got)
		}
		if len(f.escrow.Releases()) != 0 {
			t.Fatal("expected no release row")
		}
	})
}

func TestRelease_ConcurrentClientsExactlyOnce(t *testing.T) {
	f := newFixture(t)

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.gate.Release(context.Background(), review.ReleaseRequest{
				MilestoneID: f.milestone.ID,
				ActorID:     "client-1",
				Review:      &review.Input{Rating: 5},
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
				return
			}
			if !errors.Is(err, escrow.ErrInvalidState) {
				t.Errorf("expected ErrInvalidState, got %v", err)
			}
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Fatalf("expected exactly one success, got %d", success)
	}
	if len(f.escrow.Releases()) != 1 || f.reviews.count() != 1 {
		t.Fatalf("expected one release and one review, got %d/%d", len(f.escrow.Releases()), f.reviews.count())
	}
}

type fakeReviews struct {
	mu        sync.Mutex
	rows      map[string]review.Review
	insertErr error
}

func newFakeReviews() *fakeReviews {
	return &fakeReviews{rows: make(map[string]review.Review)}
}

func (f *fakeReviews) seed(r review.Review) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[r.ClientID+"/"+r.MilestoneID] = r
}

func (f *fakeReviews) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeReviews) Find(_ context.Context, _ db.Querier, clientID, milestoneID string) (review.Review, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[clientID+"/"+milestoneID]
	return r, ok, nil
}

func (f *fakeReviews) Insert(_ context.Context, _ pgx.Tx, r review.Review) (review.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return review.Review{}, f.insertErr
	}
	key := r.ClientID + "/" + r.MilestoneID
	if _, exists := f.rows[key]; exists {
		return review.Review{}, review.ErrReviewExists
	}
	r.ID = "review-" + key
	f.rows[key] = r
	return r, nil
}

type fakeDisputes struct {
	open bool
}

func (f *fakeDisputes) HasOpenDispute(context.Context, db.Querier, string, string) (bool, error) {
	return f.open, nil
}

type adminSet map[string]bool

func (a adminSet) IsAdmin(_ context.Context, userID string) (bool, error) {
	return a[userID], nil
}

type sentNote struct {
	userID string
	note   notify.Notification
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNote
}

func (r *recordingNotifier) Notify(_ context.Context, userID string, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentNote{userID: userID, note: n})
	return nil
}
