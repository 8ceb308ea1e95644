// Package escrow owns milestone fund-holding status and the per-professional
// pending payout that released milestones accumulate into.
package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/db"
)

// Ledger applies milestone transitions inside a caller-owned transaction.
// It does not check who may release; callers gate that.
type Ledger struct {
	store Store
	now   func() time.Time
}

func NewLedger(store Store) *Ledger {
	if store == nil {
		store = NewStore()
	}
	return &Ledger{store: store, now: time.Now}
}

// WithClock overrides time source (tests).
func (l *Ledger) WithClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

func (l *Ledger) GetMilestone(ctx context.Context, q db.Querier, id string) (Milestone, error) {
	if strings.TrimSpace(id) == "" {
		return Milestone{}, ErrNotFound
	}
	return l.store.GetMilestone(ctx, q, id)
}

// PendingPayout returns the professional's open payout and its items.
func (l *Ledger) PendingPayout(ctx context.Context, q db.Querier, professionalID string) (Payout, []PayoutItem, error) {
	return l.store.PendingPayout(ctx, q, professionalID)
}

// Release moves the milestone out of escrow, appends the release audit row and
// adds the amount to the professional's pending payout. Client and override
// releases require pending; resolution releases also accept disputed.
func (l *Ledger) Release(ctx context.Context, tx pgx.Tx, p ReleaseParams) (ReleaseResult, error) {
	if strings.TrimSpace(p.MilestoneID) == "" {
		return ReleaseResult{}, ErrNotFound
	}

	var (
		from []MilestoneStatus
		to   MilestoneStatus
	)
	switch p.Source {
	case SourceClient, SourceAdminOverride:
		if p.Amount != nil {
			return ReleaseResult{}, fmt.Errorf("%w: only resolutions may set an amount", ErrInvalidAmount)
		}
		from, to = []MilestoneStatus{MilestonePending}, MilestoneCompleted
	case SourceResolution:
		from, to = []MilestoneStatus{MilestonePending, MilestoneDisputed}, MilestoneReleasedViaResolution
	default:
		return ReleaseResult{}, fmt.Errorf("%w: %q", ErrInvalidSource, p.Source)
	}

	now := l.now().UTC()
	m, err := l.store.TransitionMilestone(ctx, tx, TransitionParams{
		MilestoneID: p.MilestoneID,
		From:        from,
		To:          to,
		ActorID:     p.ActorID,
		At:          now,
		Settle:      true,
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	amount, err := settleAmount(m.Amount, p.Amount)
	if err != nil {
		return ReleaseResult{}, err
	}

	rel, err := l.store.InsertRelease(ctx, tx, Release{
		MilestoneID: m.ID,
		PaymentID:   m.PaymentID,
		Amount:      amount,
		ReleasedBy:  p.ActorID,
		Source:      p.Source,
		ReleasedAt:  now,
		Notes:       p.Notes,
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	payout, err := l.store.AppendPayoutItem(ctx, tx, PayoutItemParams{
		ProfessionalID: m.ProfessionalID,
		MilestoneID:    m.ID,
		Currency:       m.Currency,
		Amount:         amount,
		At:             now,
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	out := ReleaseResult{Milestone: m, Release: rel, Payout: payout}
	// A partial release sends what is left back to the client so the
	// milestone amount is fully accounted for once it is terminal.
	if rest := m.Amount.Sub(amount); rest.IsPositive() {
		ref, err := l.store.InsertRefund(ctx, tx, Refund{
			MilestoneID:  m.ID,
			PaymentID:    m.PaymentID,
			ResolutionID: p.ResolutionID,
			Amount:       rest,
			RefundedAt:   now,
			Notes:        remainderNote(p.Notes),
		})
		if err != nil {
			return ReleaseResult{}, err
		}
		out.Remainder = &ref
	}
	return out, nil
}

// Refund returns escrowed funds to the client. Only resolutions refund.
func (l *Ledger) Refund(ctx context.Context, tx pgx.Tx, p RefundParams) (RefundResult, error) {
	if strings.TrimSpace(p.MilestoneID) == "" {
		return RefundResult{}, ErrNotFound
	}
	now := l.now().UTC()
	m, err := l.store.TransitionMilestone(ctx, tx, TransitionParams{
		MilestoneID: p.MilestoneID,
		From:        []MilestoneStatus{MilestonePending, MilestoneDisputed},
		To:          MilestoneRefunded,
		At:          now,
	})
	if err != nil {
		return RefundResult{}, err
	}

	amount, err := settleAmount(m.Amount, p.Amount)
	if err != nil {
		return RefundResult{}, err
	}

	ref, err := l.store.InsertRefund(ctx, tx, Refund{
		MilestoneID:  m.ID,
		PaymentID:    m.PaymentID,
		ResolutionID: p.ResolutionID,
		Amount:       amount,
		RefundedAt:   now,
		Notes:        p.Notes,
	})
	if err != nil {
		return RefundResult{}, err
	}

	out := RefundResult{Milestone: m, Refund: ref}
	// A partial refund releases what is left to the professional.
	if rest := m.Amount.Sub(amount); rest.IsPositive() {
		rel, err := l.store.InsertRelease(ctx, tx, Release{
			MilestoneID: m.ID,
			PaymentID:   m.PaymentID,
			Amount:      rest,
			Source:      SourceResolution,
			ReleasedAt:  now,
			Notes:       remainderNote(p.Notes),
		})
		if err != nil {
			return RefundResult{}, err
		}
		payout, err := l.store.AppendPayoutItem(ctx, tx, PayoutItemParams{
			ProfessionalID: m.ProfessionalID,
			MilestoneID:    m.ID,
			Currency:       m.Currency,
			Amount:         rest,
			At:             now,
		})
		if err != nil {
			return RefundResult{}, err
		}
		out.Remainder = &rel
		out.Payout = &payout
	}
	return out, nil
}

func remainderNote(notes string) string {
	if notes == "" {
		return "remainder of partial settlement"
	}
	return notes + " (remainder)"
}

// MarkDisputed parks a pending milestone while a dispute is open. It reports
// false without error when the milestone is not pending.
func (l *Ledger) MarkDisputed(ctx context.Context, tx pgx.Tx, milestoneID string) (bool, error) {
	return l.detour(ctx, tx, milestoneID, MilestonePending, MilestoneDisputed)
}

// ClearDispute returns a disputed milestone to pending.
func (l *Ledger) ClearDispute(ctx context.Context, tx pgx.Tx, milestoneID string) (bool, error) {
	return l.detour(ctx, tx, milestoneID, MilestoneDisputed, MilestonePending)
}

func (l *Ledger) detour(ctx context.Context, tx pgx.Tx, milestoneID string, from, to MilestoneStatus) (bool, error) {
	_, err := l.store.TransitionMilestone(ctx, tx, TransitionParams{
		MilestoneID: milestoneID,
		From:        []MilestoneStatus{from},
		To:          to,
		At:          l.now().UTC(),
	})
	if err == nil {
		return true, nil
	}
	if isInvalidState(err) {
		return false, nil
	}
	return false, err
}

// RecordOverride writes the justification row for an admin release. Call it
// before Release in the same transaction.
func (l *Ledger) RecordOverride(ctx context.Context, tx pgx.Tx, p OverrideParams) (Override, error) {
	reason := strings.TrimSpace(p.Reason)
	if reason == "" {
		return Override{}, ErrReasonRequired
	}
	return l.store.InsertOverride(ctx, tx, Override{
		MilestoneID: p.MilestoneID,
		AdminID:     p.AdminID,
		Reason:      reason,
		CreatedAt:   l.now().UTC(),
	})
}

func settleAmount(held decimal.Decimal, requested *decimal.Decimal) (decimal.Decimal, error) {
	if requested == nil {
		return held, nil
	}
	if !requested.IsPositive() || requested.GreaterThan(held) {
		return decimal.Decimal{}, fmt.Errorf("%w: %s not in (0, %s]", ErrInvalidAmount, requested.String(), held.String())
	}
	return *requested, nil
}
