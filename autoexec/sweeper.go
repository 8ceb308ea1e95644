// Package autoexec executes agreed resolutions once their appeal window has
// passed. The resolution rows are the queue: a sweep claims each due row with
// a compare-and-set, so overlapping sweeps never execute one twice.
package autoexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/enforcement"
	"escrowflow/escrow"
	"escrowflow/logging"
	"escrowflow/metrics"
	"escrowflow/notify"
	"escrowflow/resolution"
)

const DefaultBatchSize = 50

// Resolutions is the slice of resolution.Store the sweep needs.
type Resolutions interface {
	ListDue(ctx context.Context, q db.Querier, now time.Time, limit int) ([]resolution.Resolution, error)
	Transition(ctx context.Context, tx pgx.Tx, p resolution.TransitionParams) (resolution.Resolution, error)
}

type Ledger interface {
	Release(ctx context.Context, tx pgx.Tx, p escrow.ReleaseParams) (escrow.ReleaseResult, error)
	Refund(ctx context.Context, tx pgx.Tx, p escrow.RefundParams) (escrow.RefundResult, error)
}

type Disputes interface {
	Lookup(ctx context.Context, q db.Querier, disputeID string) (dispute.Dispute, error)
	Apply(ctx context.Context, tx pgx.Tx, c dispute.Change) (dispute.Dispute, dispute.Event, error)
}

// Report summarizes one sweep. Busy means another instance held the lock.
type Report struct {
	Executed  int
	Abandoned int
	Skipped   int
	Busy      bool
}

type Sweeper struct {
	pool        db.Pool
	resolutions Resolutions
	ledger      Ledger
	disputes    Disputes
	locker      Locker
	enforcement enforcement.Logger
	notifier    notify.Notifier
	batchSize   int
	now         func() time.Time
}

func NewSweeper(pool db.Pool, resolutions Resolutions, ledger Ledger, disputes Disputes, enf enforcement.Logger, notifier notify.Notifier) *Sweeper {
	return &Sweeper{
		pool:        pool,
		resolutions: resolutions,
		ledger:      ledger,
		disputes:    disputes,
		enforcement: enf,
		notifier:    notifier,
		batchSize:   DefaultBatchSize,
		now:         time.Now,
	}
}

// WithClock overrides time source (tests).
func (s *Sweeper) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithLocker guards each sweep with l. Without one, sweeps rely on the
// per-row compare-and-set alone.
func (s *Sweeper) WithLocker(l Locker) {
	s.locker = l
}

func (s *Sweeper) WithBatchSize(n int) {
	if n > 0 {
		s.batchSize = n
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("autoexec: interval must be positive")
	}
	ctx = logging.WithAttrs(ctx, slog.String("component", "autoexec"))
	logging.Info(ctx, "sweeper started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info(ctx, "sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				logging.Error(ctx, "sweep failed", logging.Err(err))
			}
		}
	}
}

// Sweep executes up to one batch of due resolutions. Per-resolution failures
// are recovered in the report; only listing or locking errors are returned.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	ctx = logging.WithAttrs(ctx, slog.String("component", "autoexec"))
	start := time.Now()

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx)
		if err != nil {
			return Report{}, fmt.Errorf("autoexec: lock: %w", err)
		}
		if !ok {
			logging.Debug(ctx, "sweep skipped, lock held elsewhere")
			return Report{Busy: true}, nil
		}
		defer unlock()
	}

	due, err := s.resolutions.ListDue(ctx, s.pool, s.now().UTC(), s.batchSize)
	if err != nil {
		return Report{}, fmt.Errorf("autoexec: list due: %w", err)
	}

	var report Report
	for _, r := range due {
		if ctx.Err() != nil {
			break
		}
		switch s.process(ctx, r) {
		case outcomeExecuted:
			report.Executed++
		case outcomeAbandoned:
			report.Abandoned++
		default:
			report.Skipped++
		}
	}

	metrics.RecordSweep(ctx, report.Executed, report.Abandoned, time.Since(start))
	if len(due) > 0 {
		logging.Info(ctx, "sweep finished",
			slog.Int("due", len(due)),
			slog.Int("executed", report.Executed),
			slog.Int("abandoned", report.Abandoned),
			slog.Int("skipped", report.Skipped),
		)
	}
	return report, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeExecuted
	outcomeAbandoned
)

// errLost marks a resolution another worker or an appeal got to first.
var errLost = errors.New("autoexec: resolution no longer agreed and due")

func (s *Sweeper) process(ctx context.Context, r resolution.Resolution) outcome {
	ctx = logging.WithAttrs(ctx,
		slog.String("resolution_id", r.ID),
		slog.String("dispute_id", r.DisputeID),
	)

	err := s.execute(ctx, r)
	switch {
	case err == nil:
		s.executed(ctx, r)
		return outcomeExecuted
	case errors.Is(err, errLost):
		logging.Debug(ctx, "resolution already handled")
		return outcomeSkipped
	}

	logging.Warn(ctx, "auto-execution failed", logging.Err(err))
	abandoned, ferr := s.abandon(ctx, r, err)
	if ferr != nil {
		if !errors.Is(ferr, resolution.ErrInvalidState) {
			logging.Error(ctx, "could not record auto-execution failure", logging.Err(ferr))
		}
		return outcomeSkipped
	}
	s.failed(ctx, abandoned, err)
	return outcomeAbandoned
}

// execute claims r and moves the money in one transaction. Nothing is kept if
// any step fails.
func (s *Sweeper) execute(ctx context.Context, r resolution.Resolution) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		now := s.now().UTC()
		if _, err := s.resolutions.Transition(ctx, tx, resolution.TransitionParams{
			ID:         r.ID,
			From:       resolution.StatusAgreed,
			To:         resolution.StatusExecuted,
			ExecutedAt: &now,
			DueBy:      &now,
			At:         now,
		}); err != nil {
			if errors.Is(err, resolution.ErrInvalidState) {
				return errLost
			}
			return err
		}

		if r.MilestoneID == nil {
			return fmt.Errorf("%w: resolution has no milestone", escrow.ErrInvalidState)
		}
		notes := "auto-executed resolution " + r.ID
		amount := r.Amount
		switch r.Outcome {
		case resolution.OutcomeRelease:
			id := r.ID
			if _, err := s.ledger.Release(ctx, tx, escrow.ReleaseParams{
				MilestoneID:  *r.MilestoneID,
				Notes:        notes,
				Source:       escrow.SourceResolution,
				Amount:       &amount,
				ResolutionID: &id,
			}); err != nil {
				return err
			}
		case resolution.OutcomeRefund:
			id := r.ID
			if _, err := s.ledger.Refund(ctx, tx, escrow.RefundParams{
				MilestoneID:  *r.MilestoneID,
				ResolutionID: &id,
				Notes:        notes,
				Amount:       &amount,
			}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("autoexec: unknown outcome %q", r.Outcome)
		}

		_, _, err := s.disputes.Apply(ctx, tx, dispute.Change{
			DisputeID:   r.DisputeID,
			To:          dispute.StateResolved,
			Event:       dispute.EventResolutionExecuted,
			Description: fmt.Sprintf("agreed resolution executed: %s %s", r.Outcome, r.Amount.StringFixed(2)),
			Metadata: map[string]any{
				"resolution_id": r.ID,
				"milestone_id":  *r.MilestoneID,
				"outcome":       string(r.Outcome),
				"amount":        r.Amount.StringFixed(2),
			},
		})
		return err
	})
}

// abandon records a failed execution in a fresh transaction and sends the
// dispute back to mediation.
func (s *Sweeper) abandon(ctx context.Context, r resolution.Resolution, cause error) (resolution.Resolution, error) {
	var out resolution.Resolution
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		now := s.now().UTC()
		reason := cause.Error()
		var err error
		out, err = s.resolutions.Transition(ctx, tx, resolution.TransitionParams{
			ID:            r.ID,
			From:          resolution.StatusAgreed,
			To:            resolution.StatusAbandoned,
			FailureReason: &reason,
			At:            now,
		})
		if err != nil {
			return err
		}

		change := dispute.Change{
			DisputeID:   r.DisputeID,
			To:          dispute.StateMediation,
			Event:       dispute.EventAutoExecutionFailed,
			Description: "auto-execution failed: " + reason,
			Metadata:    map[string]any{"resolution_id": r.ID, "failure_reason": reason},
		}
		_, _, err = s.disputes.Apply(ctx, tx, change)
		if errors.Is(err, dispute.ErrInvalidTransition) {
			change.To = ""
			_, _, err = s.disputes.Apply(ctx, tx, change)
		}
		return err
	})
	return out, err
}

func (s *Sweeper) executed(ctx context.Context, r resolution.Resolution) {
	if r.Outcome == resolution.OutcomeRefund {
		metrics.RecordRefund(ctx)
	} else {
		metrics.RecordRelease(ctx, string(escrow.SourceResolution))
	}
	logging.Info(ctx, "resolution executed",
		slog.String("outcome", string(r.Outcome)),
		slog.String("amount", r.Amount.StringFixed(2)),
	)

	enforcement.Record(ctx, s.enforcement, enforcement.Entry{
		DisputeID:   r.DisputeID,
		ActionType:  enforcement.ActionResolutionExecuted,
		PerformedBy: enforcement.PerformedBySystem,
		Details: map[string]any{
			"resolution_id": r.ID,
			"outcome":       string(r.Outcome),
			"amount":        r.Amount.StringFixed(2),
		},
	})
	s.notifyParties(ctx, r.DisputeID, notify.Notification{
		Title:       "Resolution executed",
		Description: fmt.Sprintf("The agreed resolution was carried out: %s of %s.", r.Outcome, r.Amount.StringFixed(2)),
		ActionURL:   "/disputes/" + r.DisputeID,
		Priority:    notify.PriorityHigh,
	})
}

func (s *Sweeper) failed(ctx context.Context, r resolution.Resolution, cause error) {
	enforcement.Record(ctx, s.enforcement, enforcement.Entry{
		DisputeID:   r.DisputeID,
		ActionType:  enforcement.ActionAutoExecutionFailed,
		PerformedBy: enforcement.PerformedBySystem,
		Details:     map[string]any{"resolution_id": r.ID, "failure_reason": cause.Error()},
	})
	s.notifyParties(ctx, r.DisputeID, notify.Notification{
		Title:       "Resolution could not be executed",
		Description: "The agreed resolution failed to execute and the dispute is back in mediation.",
		ActionURL:   "/disputes/" + r.DisputeID,
		Priority:    notify.PriorityHigh,
	})
}

func (s *Sweeper) notifyParties(ctx context.Context, disputeID string, n notify.Notification) {
	if s.notifier == nil {
		return
	}
	d, err := s.disputes.Lookup(ctx, s.pool, disputeID)
	if err != nil {
		logging.Warn(ctx, "notification dropped", logging.Err(err))
		return
	}
	notify.Send(ctx, s.notifier, d.ClientID, n)
	notify.Send(ctx, s.notifier, d.ProfessionalID, n)
}
