package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

type MilestoneStatus string

const (
	MilestonePending               MilestoneStatus = "pending"
	MilestoneCompleted             MilestoneStatus = "completed"
	MilestoneDisputed              MilestoneStatus = "disputed"
	MilestoneReleasedViaResolution MilestoneStatus = "released_via_resolution"
	MilestoneRefunded              MilestoneStatus = "refunded"
)

// Terminal reports whether no further status change is allowed.
func (s MilestoneStatus) Terminal() bool {
	switch s {
	case MilestoneCompleted, MilestoneReleasedViaResolution, MilestoneRefunded:
		return true
	default:
		return false
	}
}

// Source records which path authorized a release.
type Source string

const (
	SourceClient        Source = "client"
	SourceAdminOverride Source = "admin_override"
	SourceResolution    Source = "resolution"
)

type PayoutStatus string

const (
	PayoutPending PayoutStatus = "pending"
	PayoutPaid    PayoutStatus = "paid"
	PayoutFailed  PayoutStatus = "failed"
)

// Milestone is an escrow_milestones row joined with its payment's parties.
type Milestone struct {
	ID             string
	PaymentID      string
	JobID          string
	ClientID       string
	ProfessionalID string
	Title          string
	Amount         decimal.Decimal
	Currency       string
	Status         MilestoneStatus
	CompletedDate  *time.Time
	ReleasedBy     *string
	ReleasedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Release is the append-only audit row written for every successful release.
type Release struct {
	ID          string
	MilestoneID string
	PaymentID   string
	Amount      decimal.Decimal
	ReleasedBy  *string
	Source      Source
	ReleasedAt  time.Time
	Notes       string
}

type Refund struct {
	ID           string
	MilestoneID  string
	PaymentID    string
	ResolutionID *string
	Amount       decimal.Decimal
	RefundedAt   time.Time
	Notes        string
}

type Override struct {
	ID          string
	MilestoneID string
	AdminID     string
	Reason      string
	CreatedAt   time.Time
}

type Payout struct {
	ID             string
	ProfessionalID string
	Amount         decimal.Decimal
	Currency       string
	Status         PayoutStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type PayoutItem struct {
	ID          string
	PayoutID    string
	MilestoneID string
	Amount      decimal.Decimal
	CreatedAt   time.Time
}

// ReleaseParams drives Ledger.Release. ActorID is nil for system releases.
// Amount, when set, caps the payout at a negotiated figure and refunds the
// rest; only resolution releases may set it. ResolutionID tags that refund.
type ReleaseParams struct {
	MilestoneID  string
	ActorID      *string
	Notes        string
	Source       Source
	Amount       *decimal.Decimal
	ResolutionID *string
}

// ReleaseResult carries the refund of the unreleased part in Remainder when a
// partial amount was released.
type ReleaseResult struct {
	Milestone Milestone
	Release   Release
	Payout    Payout
	Remainder *Refund
}

type RefundParams struct {
	MilestoneID  string
	ResolutionID *string
	Notes        string
	Amount       *decimal.Decimal
}

// RefundResult carries the release of the unrefunded part, and the payout it
// landed in, when a partial amount was refunded.
type RefundResult struct {
	Milestone Milestone
	Refund    Refund
	Remainder *Release
	Payout    *Payout
}

type OverrideParams struct {
	MilestoneID string
	AdminID     string
	Reason      string
}

// TransitionParams is one compare-and-set on milestone status.
type TransitionParams struct {
	MilestoneID string
	From        []MilestoneStatus
	To          MilestoneStatus
	ActorID     *string
	At          time.Time
	// Settle stamps completed_date, released_by and released_at.
	Settle bool
}
