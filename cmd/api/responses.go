package main

import (
	"time"

	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/resolution"
)

type milestoneResponse struct {
	ID         string  `json:"id"`
	JobID      string  `json:"jobId"`
	Title      string  `json:"title"`
	Amount     string  `json:"amount"`
	Currency   string  `json:"currency"`
	Status     string  `json:"status"`
	ReleasedAt *string `json:"releasedAt,omitempty"`
}

type disputeResponse struct {
	ID              string  `json:"id"`
	JobID           string  `json:"jobId"`
	MilestoneID     *string `json:"milestoneId,omitempty"`
	ClientID        string  `json:"clientId"`
	ProfessionalID  string  `json:"professionalId"`
	CreatedBy       string  `json:"createdBy"`
	DisputedAgainst string  `json:"disputedAgainst"`
	Type            string  `json:"type"`
	Reason          string  `json:"reason"`
	Status          string  `json:"status"`
	WorkflowState   string  `json:"workflowState"`
	Stage           string  `json:"stage"`
	LastActivityAt  string  `json:"lastActivityAt"`
	CreatedAt       string  `json:"createdAt"`
}

type eventResponse struct {
	Seq         int            `json:"seq"`
	Type        string         `json:"type"`
	ActorID     *string        `json:"actorId,omitempty"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   string         `json:"createdAt"`
}

type resolutionResponse struct {
	ID                   string  `json:"id"`
	DisputeID            string  `json:"disputeId"`
	MilestoneID          *string `json:"milestoneId,omitempty"`
	ProposedBy           string  `json:"proposedBy"`
	Outcome              string  `json:"outcome"`
	Amount               string  `json:"amount"`
	Terms                string  `json:"terms"`
	ClientStatus         string  `json:"clientStatus"`
	ProfessionalStatus   string  `json:"professionalStatus"`
	Status               string  `json:"status"`
	AgreementFinalizedAt *string `json:"agreementFinalizedAt,omitempty"`
	AutoExecuteDate      *string `json:"autoExecuteDate,omitempty"`
	ExecutedAt           *string `json:"executedAt,omitempty"`
	FailureReason        *string `json:"failureReason,omitempty"`
	CreatedAt            string  `json:"createdAt"`
}

type counterProposalResponse struct {
	ID                   string  `json:"id"`
	ResolutionID         string  `json:"resolutionId"`
	ProposedBy           string  `json:"proposedBy"`
	Text                 string  `json:"text"`
	ProposedAmount       *string `json:"proposedAmount,omitempty"`
	ProposedTimelineDays *int    `json:"proposedTimelineDays,omitempty"`
	Status               string  `json:"status"`
	CreatedAt            string  `json:"createdAt"`
}

func toMilestoneResponse(m escrow.Milestone) milestoneResponse {
	return milestoneResponse{
		ID:         m.ID,
		JobID:      m.JobID,
		Title:      m.Title,
		Amount:     m.Amount.StringFixed(2),
		Currency:   m.Currency,
		Status:     string(m.Status),
		ReleasedAt: formatTime(m.ReleasedAt),
	}
}

func toDisputeResponse(d dispute.Dispute) disputeResponse {
	return disputeResponse{
		ID:              d.ID,
		JobID:           d.JobID,
		MilestoneID:     d.MilestoneID,
		ClientID:        d.ClientID,
		ProfessionalID:  d.ProfessionalID,
		CreatedBy:       d.CreatedBy,
		DisputedAgainst: d.DisputedAgainst,
		Type:            d.Type,
		Reason:          d.Reason,
		Status:          string(d.Status),
		WorkflowState:   string(d.State),
		Stage:           d.Stage,
		LastActivityAt:  d.LastActivityAt.Format(time.RFC3339),
		CreatedAt:       d.CreatedAt.Format(time.RFC3339),
	}
}

func toEventResponse(e dispute.Event) eventResponse {
	return eventResponse{
		Seq:         e.Seq,
		Type:        string(e.Type),
		ActorID:     e.ActorID,
		Description: e.Description,
		Metadata:    e.Metadata,
		CreatedAt:   e.CreatedAt.Format(time.RFC3339),
	}
}

func toResolutionResponse(r resolution.Resolution) resolutionResponse {
	return resolutionResponse{
		ID:                   r.ID,
		DisputeID:            r.DisputeID,
		MilestoneID:          r.MilestoneID,
		ProposedBy:           r.ProposedBy,
		Outcome:              string(r.Outcome),
		Amount:               r.Amount.StringFixed(2),
		Terms:                r.Terms,
		ClientStatus:         string(r.ClientStatus),
		ProfessionalStatus:   string(r.ProfessionalStatus),
		Status:               string(r.Status),
		AgreementFinalizedAt: formatTime(r.AgreementFinalizedAt),
		AutoExecuteDate:      formatTime(r.AutoExecuteDate),
		ExecutedAt:           formatTime(r.ExecutedAt),
		FailureReason:        r.FailureReason,
		CreatedAt:            r.CreatedAt.Format(time.RFC3339),
	}
}

func toCounterProposalResponse(cp resolution.CounterProposal) counterProposalResponse {
	out := counterProposalResponse{
		ID:                   cp.ID,
		ResolutionID:         cp.ResolutionID,
		ProposedBy:           cp.ProposedBy,
		Text:                 cp.Text,
		ProposedTimelineDays: cp.ProposedTimelineDays,
		Status:               string(cp.Status),
		CreatedAt:            cp.CreatedAt.Format(time.RFC3339),
	}
	if cp.ProposedAmount != nil {
		amount := cp.ProposedAmount.StringFixed(2)
		out.ProposedAmount = &amount
	}
	return out
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
