package review

import (
	"time"

	"escrowflow/escrow"
)

// Review mirrors the reviews table; at most one per (client, milestone).
type Review struct {
	ID             string
	ProfessionalID string
	ClientID       string
	JobID          string
	MilestoneID    string
	Rating         int
	Title          string
	Comment        string
	CreatedAt      time.Time
}

type Input struct {
	Rating  int
	Title   string
	Comment string
}

type ReleaseRequest struct {
	MilestoneID string
	ActorID     string
	Notes       string
	Review      *Input
	Override    bool
}

type ReleaseResult struct {
	Released      bool
	ReviewCreated bool
	Milestone     escrow.Milestone
	Payout        escrow.Payout
}
