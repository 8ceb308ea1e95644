// Package dispute models a contested job or milestone: its workflow state and
// the append-only timeline every state change writes to.
package dispute

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
	"escrowflow/notify"
)

// Ledger is the slice of escrow.Ledger disputes need.
type Ledger interface {
	GetMilestone(ctx context.Context, q db.Querier, id string) (escrow.Milestone, error)
	MarkDisputed(ctx context.Context, tx pgx.Tx, milestoneID string) (bool, error)
	ClearDispute(ctx context.Context, tx pgx.Tx, milestoneID string) (bool, error)
}

type AdminChecker interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

type Service struct {
	pool     db.Pool
	store    Store
	ledger   Ledger
	admins   AdminChecker
	notifier notify.Notifier
	now      func() time.Time
}

func NewService(pool db.Pool, store Store, ledger Ledger, admins AdminChecker, notifier notify.Notifier) *Service {
	if store == nil {
		store = NewStore()
	}
	return &Service{
		pool:     pool,
		store:    store,
		ledger:   ledger,
		admins:   admins,
		notifier: notifier,
		now:      time.Now,
	}
}

// WithClock overrides time source (tests).
func (s *Service) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Open files a dispute on a job, optionally scoped to one milestone. The
// milestone is parked in disputed if it is still pending.
func (s *Service) Open(ctx context.Context, p OpenParams) (Dispute, error) {
	p.JobID = strings.TrimSpace(p.JobID)
	if p.JobID == "" {
		return Dispute{}, fmt.Errorf("%w: job id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(p.Reason) == "" {
		return Dispute{}, fmt.Errorf("%w: reason is required", ErrInvalidInput)
	}
	if p.Type == "" {
		p.Type = "other"
	}

	ctx = logging.WithAttrs(ctx, slog.String("component", "dispute"), slog.String("job_id", p.JobID))

	var opened Dispute
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		parties, err := s.parties(ctx, tx, p)
		if err != nil {
			return err
		}

		d := Dispute{
			JobID:          p.JobID,
			MilestoneID:    p.MilestoneID,
			ClientID:       parties.ClientID,
			ProfessionalID: parties.ProfessionalID,
			CreatedBy:      p.ActorID,
			Type:           p.Type,
			Reason:         strings.TrimSpace(p.Reason),
		}
		party, ok := d.PartyOf(p.ActorID)
		if !ok {
			return ErrForbidden
		}
		d.DisputedAgainst = d.Counterparty(party)

		milestoneID := ""
		if p.MilestoneID != nil {
			milestoneID = *p.MilestoneID
		}
		open, err := s.store.HasOpen(ctx, tx, p.JobID, milestoneID)
		if err != nil {
			return err
		}
		if open {
			return ErrAlreadyOpen
		}

		now := s.now().UTC()
		d.State = StateOpen
		d.Status = statusFor(StateOpen)
		d.Stage = stageFor(StateOpen)
		d.LastActivityAt = now

		d, err = s.store.Insert(ctx, tx, d)
		if err != nil {
			return err
		}

		actor := p.ActorID
		if _, err := s.store.AppendEvent(ctx, tx, Event{
			DisputeID:   d.ID,
			Type:        EventDisputeOpened,
			ActorID:     &actor,
			Description: fmt.Sprintf("%s opened a %s dispute: %s", party, d.Type, d.Reason),
			Metadata:    map[string]any{"milestone_id": milestoneID, "type": d.Type},
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		if p.MilestoneID != nil {
			if _, err := s.ledger.MarkDisputed(ctx, tx, *p.MilestoneID); err != nil {
				return err
			}
		}
		opened = d
		return nil
	})
	if err != nil {
		return Dispute{}, err
	}

	logging.Info(ctx, "dispute opened", slog.String("dispute_id", opened.ID))
	notify.Send(ctx, s.notifier, opened.DisputedAgainst, notify.Notification{
		Title:       "Dispute opened",
		Description: "A dispute was opened on your job: " + opened.Reason,
		ActionURL:   "/disputes/" + opened.ID,
		Priority:    notify.PriorityHigh,
	})
	return opened, nil
}

func (s *Service) parties(ctx context.Context, tx pgx.Tx, p OpenParams) (Parties, error) {
	if p.MilestoneID == nil {
		return s.store.FindParties(ctx, tx, p.JobID)
	}
	m, err := s.ledger.GetMilestone(ctx, tx, *p.MilestoneID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			return Parties{}, ErrNotFound
		}
		return Parties{}, err
	}
	if m.JobID != p.JobID {
		return Parties{}, fmt.Errorf("%w: milestone does not belong to job", ErrInvalidInput)
	}
	return Parties{ClientID: m.ClientID, ProfessionalID: m.ProfessionalID}, nil
}

// Apply is the single in-transaction mutation path: it locks the dispute,
// validates the move, updates the workflow and appends exactly one event.
func (s *Service) Apply(ctx context.Context, tx pgx.Tx, c Change) (Dispute, Event, error) {
	if c.Event == "" {
		return Dispute{}, Event{}, fmt.Errorf("%w: event type is required", ErrInvalidInput)
	}
	d, err := s.store.Lock(ctx, tx, c.DisputeID)
	if err != nil {
		return Dispute{}, Event{}, err
	}

	now := s.now().UTC()
	to := c.To
	if to == "" {
		to = d.State
	} else if !CanTransition(d.State, to) {
		return Dispute{}, Event{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.State, to)
	}

	d, err = s.store.UpdateState(ctx, tx, StateUpdate{
		DisputeID: d.ID,
		State:     to,
		Status:    statusFor(to),
		Stage:     stageFor(to),
		At:        now,
	})
	if err != nil {
		return Dispute{}, Event{}, err
	}

	ev, err := s.store.AppendEvent(ctx, tx, Event{
		DisputeID:   d.ID,
		Type:        c.Event,
		ActorID:     c.ActorID,
		Description: c.Description,
		Metadata:    c.Metadata,
		CreatedAt:   now,
	})
	if err != nil {
		return Dispute{}, Event{}, err
	}
	return d, ev, nil
}

// Close withdraws a dispute. Only its creator or an admin may close it; any
// active resolution is abandoned and a disputed milestone returns to pending.
func (s *Service) Close(ctx context.Context, p CloseParams) (Dispute, error) {
	isAdmin, err := s.isAdmin(ctx, p.ActorID)
	if err != nil {
		return Dispute{}, err
	}

	ctx = logging.WithAttrs(ctx, slog.String("component", "dispute"), slog.String("dispute_id", p.DisputeID))

	var closed Dispute
	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		// Respond, Appeal and auto-execution lock the resolution before the
		// dispute; Close takes the same order.
		if _, err := s.store.LockActiveResolutions(ctx, tx, p.DisputeID); err != nil {
			return err
		}
		d, err := s.store.Lock(ctx, tx, p.DisputeID)
		if err != nil {
			return err
		}
		if d.CreatedBy != p.ActorID && !isAdmin {
			return ErrForbidden
		}
		if d.State.Terminal() {
			return fmt.Errorf("%w: dispute is %s", ErrInvalidState, d.State)
		}

		now := s.now().UTC()
		abandoned, err := s.store.AbandonActiveResolutions(ctx, tx, d.ID, "dispute closed", now)
		if err != nil {
			return err
		}
		if d.MilestoneID != nil {
			if _, err := s.ledger.ClearDispute(ctx, tx, *d.MilestoneID); err != nil {
				return err
			}
		}

		actor := p.ActorID
		description := "dispute closed"
		if reason := strings.TrimSpace(p.Reason); reason != "" {
			description += ": " + reason
		}
		closed, _, err = s.Apply(ctx, tx, Change{
			DisputeID:   d.ID,
			To:          StateClosed,
			Event:       EventDisputeClosed,
			ActorID:     &actor,
			Description: description,
			Metadata:    map[string]any{"by_admin": isAdmin && d.CreatedBy != p.ActorID, "abandoned_resolutions": abandoned},
		})
		return err
	})
	if err != nil {
		return Dispute{}, err
	}

	logging.Info(ctx, "dispute closed")
	for _, userID := range []string{closed.ClientID, closed.ProfessionalID} {
		if userID == p.ActorID {
			continue
		}
		notify.Send(ctx, s.notifier, userID, notify.Notification{
			Title:       "Dispute closed",
			Description: "The dispute on your job was closed.",
			ActionURL:   "/disputes/" + closed.ID,
		})
	}
	return closed, nil
}

// Get returns the dispute if actorID is a party or an admin.
func (s *Service) Get(ctx context.Context, disputeID, actorID string) (Dispute, error) {
	d, err := s.store.Get(ctx, s.pool, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if err := s.authorizeView(ctx, d, actorID); err != nil {
		return Dispute{}, err
	}
	return d, nil
}

// Timeline returns the dispute's events in seq order under the same access rule as Get.
func (s *Service) Timeline(ctx context.Context, disputeID, actorID string) ([]Event, error) {
	if _, err := s.Get(ctx, disputeID, actorID); err != nil {
		return nil, err
	}
	return s.store.Timeline(ctx, s.pool, disputeID)
}

// Lookup reads a dispute without access checks, inside or outside a transaction.
func (s *Service) Lookup(ctx context.Context, q db.Querier, disputeID string) (Dispute, error) {
	return s.store.Get(ctx, q, disputeID)
}

// HasOpenDispute reports whether an unresolved dispute blocks direct release of the milestone.
func (s *Service) HasOpenDispute(ctx context.Context, q db.Querier, jobID, milestoneID string) (bool, error) {
	return s.store.HasOpen(ctx, q, jobID, milestoneID)
}

func (s *Service) authorizeView(ctx context.Context, d Dispute, actorID string) error {
	if _, ok := d.PartyOf(actorID); ok {
		return nil
	}
	isAdmin, err := s.isAdmin(ctx, actorID)
	if err != nil {
		return err
	}
	if !isAdmin {
		return ErrForbidden
	}
	return nil
}

func (s *Service) isAdmin(ctx context.Context, userID string) (bool, error) {
	if s.admins == nil {
		return false, nil
	}
	ok, err := s.admins.IsAdmin(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("dispute: admin check: %w", err)
	}
	return ok, nil
}
