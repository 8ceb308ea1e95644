package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/auth"
	"escrowflow/autoexec"
	"escrowflow/dispute"
	"escrowflow/enforcement"
	"escrowflow/escrow"
	"escrowflow/notify"
	"escrowflow/resolution"
	"escrowflow/review"
)

// Harness wires the production services onto a migrated pool.
type Harness struct {
	Pool        *pgxpool.Pool
	Auth        *auth.Service
	Ledger      *escrow.Ledger
	Gate        *review.Gate
	Disputes    *dispute.Service
	Resolutions *resolution.Service
	store       *resolution.PGStore
	enf         enforcement.Logger
	notifier    notify.Notifier
}

// NewHarness builds the service graph. window is the appeal window applied to
// newly agreed resolutions, kept short so sweeps find due work.
func NewHarness(pool *pgxpool.Pool, window time.Duration) *Harness {
	authSvc := auth.NewService(auth.NewRepository(pool), "stress-secret")
	notifier := notify.NewStore(pool)
	enf := enforcement.NewPGLogger(pool)

	ledger := escrow.NewLedger(escrow.NewStore())
	disputes := dispute.NewService(pool, dispute.NewStore(), ledger, authSvc, notifier)
	store := resolution.NewStore()
	resolutions := resolution.NewService(pool, store, disputes, ledger, authSvc, notifier, enf)
	resolutions.WithWindow(window)

	return &Harness{
		Pool:        pool,
		Auth:        authSvc,
		Ledger:      ledger,
		Gate:        review.NewGate(pool, review.NewStore(), ledger, disputes, authSvc, notifier),
		Disputes:    disputes,
		Resolutions: resolutions,
		store:       store,
		enf:         enf,
		notifier:    notifier,
	}
}

// Sweeper returns a new sweeper sharing the harness stores. lockKey zero
// leaves it unguarded so concurrent sweeps race on the status CAS.
func (h *Harness) Sweeper(lockKey int64) *autoexec.Sweeper {
	s := autoexec.NewSweeper(h.Pool, h.store, h.Ledger, h.Disputes, h.enf, h.notifier)
	s.WithBatchSize(10)
	if lockKey != 0 {
		s.WithLocker(autoexec.NewPGLocker(h.Pool, lockKey))
	}
	return s
}

// Reset truncates mutable tables to provide a clean slate for next epoch.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"notifications",
		"enforcement_logs",
		"counter_proposals",
		"dispute_resolutions",
		"dispute_timeline",
		"disputes",
		"reviews",
		"payout_items",
		"payouts",
		"escrow_release_overrides",
		"escrow_refunds",
		"escrow_releases",
		"escrow_milestones",
		"payments",
		"users",
	}

	tx, err := h.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}
