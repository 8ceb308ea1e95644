package dispute

import "time"

// State is the dispute workflow_state.
type State string

const (
	StateOpen             State = "open"
	StateMediation        State = "mediation"
	StateAwaitingResponse State = "awaiting_response"
	StateResolved         State = "resolved"
	StateClosed           State = "closed"
)

// Status is the coarse disputes.status column derived from State.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
	StatusClosed   Status = "closed"
)

// Party identifies which side of the job an actor is on.
type Party string

const (
	PartyClient       Party = "client"
	PartyProfessional Party = "professional"
)

type EventType string

const (
	EventDisputeOpened           EventType = "dispute_opened"
	EventDisputeClosed           EventType = "dispute_closed"
	EventResolutionProposed      EventType = "resolution_proposed"
	EventResolutionResponse      EventType = "resolution_response"
	EventResolutionAgreed        EventType = "resolution_agreed"
	EventResolutionAppealed      EventType = "resolution_appealed"
	EventCounterProposalAdopted  EventType = "counter_proposal_adopted"
	EventCounterProposalDeclined EventType = "counter_proposal_declined"
	EventResolutionExecuted      EventType = "resolution_executed"
	EventAutoExecutionFailed     EventType = "auto_execution_failed"
)

// Dispute mirrors the disputes table.
type Dispute struct {
	ID              string
	JobID           string
	MilestoneID     *string
	ClientID        string
	ProfessionalID  string
	CreatedBy       string
	DisputedAgainst string
	Type            string
	Reason          string
	Status          Status
	State           State
	Stage           string
	LastActivityAt  time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PartyOf reports the actor's side of the dispute.
func (d Dispute) PartyOf(actorID string) (Party, bool) {
	switch actorID {
	case "":
		return "", false
	case d.ClientID:
		return PartyClient, true
	case d.ProfessionalID:
		return PartyProfessional, true
	default:
		return "", false
	}
}

// Counterparty returns the user on the other side from party.
func (d Dispute) Counterparty(p Party) string {
	if p == PartyClient {
		return d.ProfessionalID
	}
	return d.ClientID
}

// Event is one immutable dispute_timeline row. Seq starts at 1 per dispute.
type Event struct {
	ID          int64
	DisputeID   string
	Seq         int
	Type        EventType
	ActorID     *string
	Description string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// Parties are the two sides of a job, read from its payment.
type Parties struct {
	ClientID       string
	ProfessionalID string
}

type OpenParams struct {
	JobID       string
	MilestoneID *string
	ActorID     string
	Type        string
	Reason      string
}

type CloseParams struct {
	DisputeID string
	ActorID   string
	Reason    string
}

// Change is one state-changing step applied by Service.Apply. An empty To
// records the event without moving the workflow.
type Change struct {
	DisputeID   string
	To          State
	Event       EventType
	ActorID     *string
	Description string
	Metadata    map[string]any
}

type StateUpdate struct {
	DisputeID string
	State     State
	Status    Status
	Stage     string
	At        time.Time
}
