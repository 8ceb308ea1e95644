// Package review gates direct milestone releases behind a first-party rating,
// or an admin override with a recorded reason.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/logging"
	"escrowflow/metrics"
	"escrowflow/notify"
)

var (
	ErrUnauthorized = errors.New("review: unauthorized")
	// ErrReviewRequired carries the message shown to the client as-is.
	ErrReviewRequired = errors.New("please rate the work before releasing funds")
	ErrInvalidRating  = errors.New("review: rating must be between 1 and 5")
	// ErrDisputed blocks direct release while a dispute is unresolved.
	ErrDisputed = fmt.Errorf("%w: milestone has an unresolved dispute", escrow.ErrInvalidState)
)

type Ledger interface {
	GetMilestone(ctx context.Context, q db.Querier, id string) (escrow.Milestone, error)
	Release(ctx context.Context, tx pgx.Tx, p escrow.ReleaseParams) (escrow.ReleaseResult, error)
	RecordOverride(ctx context.Context, tx pgx.Tx, p escrow.OverrideParams) (escrow.Override, error)
}

type DisputeChecker interface {
	HasOpenDispute(ctx context.Context, q db.Querier, jobID, milestoneID string) (bool, error)
}

type AdminChecker interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

type Gate struct {
	pool     db.TxBeginner
	store    Store
	ledger   Ledger
	disputes DisputeChecker
	admins   AdminChecker
	notifier notify.Notifier
	now      func() time.Time
}

func NewGate(pool db.TxBeginner, store Store, ledger Ledger, disputes DisputeChecker, admins AdminChecker, notifier notify.Notifier) *Gate {
	if store == nil {
		store = NewStore()
	}
	return &Gate{
		pool:     pool,
		store:    store,
		ledger:   ledger,
		disputes: disputes,
		admins:   admins,
		notifier: notifier,
		now:      time.Now,
	}
}

// WithClock overrides time source (tests).
func (g *Gate) WithClock(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

// Release runs the gate and the ledger release in one transaction. A failed
// review insert means no release.
func (g *Gate) Release(ctx context.Context, req ReleaseRequest) (ReleaseResult, error) {
	ctx = logging.WithAttrs(ctx,
		slog.String("component", "review"),
		slog.String("milestone_id", req.MilestoneID),
		slog.Bool("override", req.Override),
	)

	if req.Override {
		if err := g.authorizeOverride(ctx, req); err != nil {
			return ReleaseResult{}, err
		}
	}

	var result ReleaseResult
	err := db.InTx(ctx, g.pool, func(tx pgx.Tx) error {
		m, err := g.ledger.GetMilestone(ctx, tx, req.MilestoneID)
		if err != nil {
			return err
		}

		var source escrow.Source
		if req.Override {
			source = escrow.SourceAdminOverride
			if _, err := g.ledger.RecordOverride(ctx, tx, escrow.OverrideParams{
				MilestoneID: m.ID,
				AdminID:     req.ActorID,
				Reason:      overrideReason(req.Notes),
			}); err != nil {
				return err
			}
		} else {
			source = escrow.SourceClient
			created, err := g.checkClientRelease(ctx, tx, m, req)
			if err != nil {
				return err
			}
			result.ReviewCreated = created
		}

		actor := req.ActorID
		rel, err := g.ledger.Release(ctx, tx, escrow.ReleaseParams{
			MilestoneID: m.ID,
			ActorID:     &actor,
			Notes:       req.Notes,
			Source:      source,
		})
		if err != nil {
			return err
		}
		result.Released = true
		result.Milestone = rel.Milestone
		result.Payout = rel.Payout
		return nil
	})
	if err != nil {
		logging.Info(ctx, "release rejected", logging.Err(err))
		return ReleaseResult{}, err
	}

	source := escrow.SourceClient
	if req.Override {
		source = escrow.SourceAdminOverride
	}
	metrics.RecordRelease(ctx, string(source))
	logging.Info(ctx, "milestone released",
		slog.String("amount", result.Milestone.Amount.String()),
		slog.Bool("review_created", result.ReviewCreated),
	)

	notify.Send(ctx, g.notifier, result.Milestone.ClientID, notify.Notification{
		Title:       "Escrow released",
		Description: fmt.Sprintf("You released %s %s for %q.", result.Milestone.Amount.StringFixed(2), result.Milestone.Currency, result.Milestone.Title),
		ActionURL:   "/milestones/" + result.Milestone.ID,
	})
	notify.Send(ctx, g.notifier, result.Milestone.ProfessionalID, notify.Notification{
		Title:       "Funds released",
		Description: fmt.Sprintf("%s %s was added to your pending payout.", result.Milestone.Amount.StringFixed(2), result.Milestone.Currency),
		ActionURL:   "/payouts",
	})
	return result, nil
}

func (g *Gate) authorizeOverride(ctx context.Context, req ReleaseRequest) error {
	if g.admins == nil {
		return ErrUnauthorized
	}
	ok, err := g.admins.IsAdmin(ctx, req.ActorID)
	if err != nil {
		return fmt.Errorf("review: admin check: %w", err)
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// defaultOverrideReason justifies an override sent without notes.
const defaultOverrideReason = "admin override"

func overrideReason(notes string) string {
	if reason := strings.TrimSpace(notes); reason != "" {
		return reason
	}
	return defaultOverrideReason
}

// checkClientRelease enforces actor, status, dispute and review rules, and
// writes the supplied review. It reports whether a review row was created.
func (g *Gate) checkClientRelease(ctx context.Context, tx pgx.Tx, m escrow.Milestone, req ReleaseRequest) (bool, error) {
	if req.ActorID == "" || req.ActorID != m.ClientID {
		return false, ErrUnauthorized
	}
	if m.Status != escrow.MilestonePending {
		return false, fmt.Errorf("%w: milestone is %s", escrow.ErrInvalidState, m.Status)
	}
	if g.disputes != nil {
		open, err := g.disputes.HasOpenDispute(ctx, tx, m.JobID, m.ID)
		if err != nil {
			return false, err
		}
		if open {
			return false, ErrDisputed
		}
	}

	_, found, err := g.store.Find(ctx, tx, m.ClientID, m.ID)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}
	if req.Review == nil {
		return false, ErrReviewRequired
	}
	if req.Review.Rating < 1 || req.Review.Rating > 5 {
		return false, ErrInvalidRating
	}

	if _, err := g.store.Insert(ctx, tx, Review{
		ProfessionalID: m.ProfessionalID,
		ClientID:       m.ClientID,
		JobID:          m.JobID,
		MilestoneID:    m.ID,
		Rating:         req.Review.Rating,
		Title:          strings.TrimSpace(req.Review.Title),
		Comment:        strings.TrimSpace(req.Review.Comment),
		CreatedAt:      g.now().UTC(),
	}); err != nil {
		if errors.Is(err, ErrReviewExists) {
			return false, fmt.Errorf("%w: concurrent review", escrow.ErrInvalidState)
		}
		return false, err
	}
	return true, nil
}
