package resolution

import (
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/dispute"
)

// PartyStatus is one side's standing on the current proposal.
type PartyStatus string

const (
	PartyProposed        PartyStatus = "proposed"
	PartyAccepted        PartyStatus = "accepted"
	PartyRejected        PartyStatus = "rejected"
	PartyCounterProposed PartyStatus = "counter_proposed"
)

type Status string

const (
	StatusProposed  Status = "proposed"
	StatusAgreed    Status = "agreed"
	StatusExecuted  Status = "executed"
	StatusAbandoned Status = "abandoned"
)

// Outcome is what execution does with the milestone's escrow.
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
)

func (o Outcome) Valid() bool {
	return o == OutcomeRelease || o == OutcomeRefund
}

// Resolution mirrors dispute_resolutions.
type Resolution struct {
	ID                     string
	DisputeID              string
	MilestoneID            *string
	ProposedBy             string
	Outcome                Outcome
	Amount                 decimal.Decimal
	Terms                  string
	ClientStatus           PartyStatus
	ProfessionalStatus     PartyStatus
	Status                 Status
	ClientResponseAt       *time.Time
	ProfessionalResponseAt *time.Time
	AgreementFinalizedAt   *time.Time
	AutoExecuteDate        *time.Time
	ExecutedAt             *time.Time
	FailureReason          *string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (r Resolution) StatusOf(p dispute.Party) PartyStatus {
	if p == dispute.PartyClient {
		return r.ClientStatus
	}
	return r.ProfessionalStatus
}

type CounterProposalStatus string

const (
	CounterPending  CounterProposalStatus = "pending"
	CounterAdopted  CounterProposalStatus = "adopted"
	CounterDeclined CounterProposalStatus = "declined"
)

type CounterProposal struct {
	ID                   string
	ResolutionID         string
	ProposedBy           string
	Text                 string
	ProposedAmount       *decimal.Decimal
	ProposedTimelineDays *int
	Status               CounterProposalStatus
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type CounterProposalInput struct {
	Text                 string
	ProposedAmount       *decimal.Decimal
	ProposedTimelineDays *int
}

type RespondParams struct {
	ResolutionID    string
	ActorID         string
	Response        PartyStatus
	CounterProposal *CounterProposalInput
}

type RespondResult struct {
	Resolution      Resolution
	BothAgreed      bool
	CounterProposal *CounterProposal
}

// ProposeParams opens a negotiation cycle. MilestoneID defaults to the
// dispute's milestone and Amount to the milestone's full amount.
type ProposeParams struct {
	DisputeID   string
	ActorID     string
	MilestoneID *string
	Outcome     Outcome
	Amount      *decimal.Decimal
	Terms       string
}

type AppealParams struct {
	ResolutionID string
	ActorID      string
	Reason       string
}

type CounterDecisionParams struct {
	CounterProposalID string
	ActorID           string
}

// TransitionParams is a compare-and-set on resolution status. NotDueAt keeps
// the update to rows whose auto_execute_date is still after it; DueBy to rows
// already due by it.
type TransitionParams struct {
	ID            string
	From          Status
	To            Status
	FailureReason *string
	ExecutedAt    *time.Time
	NotDueAt      *time.Time
	DueBy         *time.Time
	At            time.Time
}
