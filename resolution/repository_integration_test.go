package resolution_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowflow/auth"
	"escrowflow/autoexec"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/enforcement"
	"escrowflow/escrow"
	"escrowflow/migrations"
	"escrowflow/notify"
	"escrowflow/resolution"
)

// TestResolution_Integration runs negotiation and auto-execution against a
// live PostgreSQL given by DATABASE_URL.
func TestResolution_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if err := migrations.Apply(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	suffix := time.Now().UnixNano()
	var clientID, proID, jobID, paymentID, milestoneID string
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, role) VALUES ($1, 'client') RETURNING id`,
		fmt.Sprintf("client+%d@example.com", suffix)).Scan(&clientID); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, role) VALUES ($1, 'professional') RETURNING id`,
		fmt.Sprintf("pro+%d@example.com", suffix)).Scan(&proID); err != nil {
		t.Fatalf("seed professional: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		INSERT INTO payments (job_id, client_id, professional_id, net_amount)
		VALUES (gen_random_uuid(), $1, $2, 300) RETURNING id, job_id
	`, clientID, proID).Scan(&paymentID, &jobID); err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO escrow_milestones (payment_id, amount) VALUES ($1, 300) RETURNING id`,
		paymentID).Scan(&milestoneID); err != nil {
		t.Fatalf("seed milestone: %v", err)
	}

	authSvc := auth.NewService(auth.NewRepository(pool), "integration-secret")
	notifier := notify.NewStore(pool)
	enf := enforcement.NewPGLogger(pool)
	ledger := escrow.NewLedger(escrow.NewStore())
	disputes := dispute.NewService(pool, dispute.NewStore(), ledger, authSvc, notifier)
	store := resolution.NewStore()
	svc := resolution.NewService(pool, store, disputes, ledger, authSvc, notifier, enf)
	svc.WithWindow(time.Hour)

	opened, err := disputes.Open(ctx, dispute.OpenParams{
		JobID:       jobID,
		MilestoneID: &milestoneID,
		ActorID:     clientID,
		Type:        "quality",
		Reason:      "unfinished work",
	})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}

	amount := decimal.RequireFromString("120")
	proposed, err := svc.Propose(ctx, resolution.ProposeParams{
		DisputeID: opened.ID,
		ActorID:   clientID,
		Outcome:   resolution.OutcomeRefund,
		Amount:    &amount,
		Terms:     "partial refund",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	if err := db.InTx(ctx, pool, func(tx pgx.Tx) error {
		_, err := store.Insert(ctx, tx, resolution.Resolution{
			DisputeID:          opened.ID,
			MilestoneID:        &milestoneID,
			ProposedBy:         proID,
			Outcome:            resolution.OutcomeRelease,
			Amount:             amount,
			ClientStatus:       resolution.PartyProposed,
			ProfessionalStatus: resolution.PartyProposed,
			Status:             resolution.StatusProposed,
			CreatedAt:          time.Now().UTC(),
		})
		return err
	}); !errors.Is(err, resolution.ErrActiveResolution) {
		t.Fatalf("expected ErrActiveResolution for a second active row, got %v", err)
	}

	const perParty = 4
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i := 0; i < perParty; i++ {
		for _, actor := range []string{clientID, proID} {
			wg.Add(1)
			go func(actor string) {
				defer wg.Done()
				_, err := svc.Respond(ctx, resolution.RespondParams{
					ResolutionID: proposed.ID,
					ActorID:      actor,
					Response:     resolution.PartyAccepted,
				})
				if err != nil {
					t.Errorf("respond: %v", err)
				}
			}(actor)
		}
	}
	wg.Wait()

	var agreedEvents int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM dispute_timeline WHERE dispute_id = $1 AND event_type = 'resolution_agreed'`,
		opened.ID).Scan(&agreedEvents); err != nil {
		t.Fatalf("count agreed events: %v", err)
	}
	if agreedEvents != 1 {
		t.Fatalf("expected exactly one agreement, got %d", agreedEvents)
	}

	got, err := store.Get(ctx, pool, proposed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != resolution.StatusAgreed || got.AutoExecuteDate == nil {
		t.Fatalf("expected agreed with auto execute date, got %+v", got)
	}

	due, err := store.ListDue(ctx, pool, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	for _, r := range due {
		if r.ID == proposed.ID {
			t.Fatal("resolution listed as due inside its appeal window")
		}
	}

	later := got.AutoExecuteDate.Add(time.Minute)
	sweeper := autoexec.NewSweeper(pool, store, ledger, disputes, enf, notifier)
	sweeper.WithClock(func() time.Time { return later })
	sweeper.WithLocker(autoexec.NewPGLocker(pool, suffix))

	var (
		swg      sync.WaitGroup
		executed int
	)
	for i := 0; i < 4; i++ {
		swg.Add(1)
		go func() {
			defer swg.Done()
			report, err := sweeper.Sweep(ctx)
			if err != nil {
				t.Errorf("sweep: %v", err)
				return
			}
			mu.Lock()
			executed += report.Executed
			mu.Unlock()
		}()
	}
	swg.Wait()
	if executed != 1 {
		t.Fatalf("expected one execution across sweeps, got %d", executed)
	}

	var refunded decimal.Decimal
	if err := pool.QueryRow(ctx, `SELECT amount FROM escrow_refunds WHERE milestone_id = $1`, milestoneID).Scan(&refunded); err != nil {
		t.Fatalf("read refund: %v", err)
	}
	if !refunded.Equal(amount) {
		t.Fatalf("expected refund %s, got %s", amount, refunded)
	}
	var released decimal.Decimal
	if err := pool.QueryRow(ctx, `SELECT amount FROM escrow_releases WHERE milestone_id = $1 AND source = 'resolution'`, milestoneID).Scan(&released); err != nil {
		t.Fatalf("read remainder release: %v", err)
	}
	if !released.Add(refunded).Equal(decimal.RequireFromString("300")) {
		t.Fatalf("expected released+refunded to equal 300, got %s+%s", released, refunded)
	}
	d, err := disputes.Lookup(ctx, pool, opened.ID)
	if err != nil {
		t.Fatalf("lookup dispute: %v", err)
	}
	if d.State != dispute.StateResolved {
		t.Fatalf("expected resolved dispute, got %s", d.State)
	}
	if _, err := svc.Appeal(ctx, resolution.AppealParams{ResolutionID: proposed.ID, ActorID: clientID, Reason: "too late"}); !errors.Is(err, resolution.ErrInvalidState) {
		t.Fatalf("expected appeal of executed resolution to fail, got %v", err)
	}
}
