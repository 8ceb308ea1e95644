// Package resolution runs the two-party negotiation over a dispute's proposed
// outcome. Agreement is reached only when both sides have accepted the same
// stored proposal; the scheduler executes agreed resolutions once they fall due.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/enforcement"
	"escrowflow/escrow"
	"escrowflow/logging"
	"escrowflow/metrics"
	"escrowflow/notify"
)

// DefaultWindow is the appeal period between agreement and auto-execution.
const DefaultWindow = 24 * time.Hour

type Disputes interface {
	Lookup(ctx context.Context, q db.Querier, disputeID string) (dispute.Dispute, error)
	Apply(ctx context.Context, tx pgx.Tx, c dispute.Change) (dispute.Dispute, dispute.Event, error)
}

type Ledger interface {
	GetMilestone(ctx context.Context, q db.Querier, id string) (escrow.Milestone, error)
}

type AdminChecker interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

type Service struct {
	pool        db.Pool
	store       Store
	disputes    Disputes
	ledger      Ledger
	admins      AdminChecker
	notifier    notify.Notifier
	enforcement enforcement.Logger
	window      time.Duration
	now         func() time.Time
}

func NewService(pool db.Pool, store Store, disputes Disputes, ledger Ledger, admins AdminChecker, notifier notify.Notifier, enf enforcement.Logger) *Service {
	if store == nil {
		store = NewStore()
	}
	return &Service{
		pool:        pool,
		store:       store,
		disputes:    disputes,
		ledger:      ledger,
		admins:      admins,
		notifier:    notifier,
		enforcement: enf,
		window:      DefaultWindow,
		now:         time.Now,
	}
}

// WithClock overrides time source (tests).
func (s *Service) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) WithWindow(window time.Duration) {
	if window > 0 {
		s.window = window
	}
}

// Respond records one party's answer to a proposal. The resolution row is
// locked for the whole step, so of two concurrent acceptances the second sees
// the first and finalizes.
func (s *Service) Respond(ctx context.Context, p RespondParams) (RespondResult, error) {
	ctx = logging.WithAttrs(ctx,
		slog.String("component", "resolution"),
		slog.String("resolution_id", p.ResolutionID),
		slog.String("response", string(p.Response)),
	)

	var counter *CounterProposalInput
	if p.Response == PartyCounterProposed {
		if p.CounterProposal == nil || strings.TrimSpace(p.CounterProposal.Text) == "" {
			return RespondResult{}, ErrCounterProposalRequired
		}
		if err := validateCounter(*p.CounterProposal); err != nil {
			return RespondResult{}, err
		}
		counter = p.CounterProposal
	}

	var (
		result RespondResult
		d      dispute.Dispute
		party  dispute.Party
		noop   bool
	)
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		r, err := s.store.Lock(ctx, tx, p.ResolutionID)
		if err != nil {
			return err
		}
		d, err = s.disputes.Lookup(ctx, tx, r.DisputeID)
		if err != nil {
			return mapDisputeErr(err)
		}
		var ok bool
		party, ok = d.PartyOf(p.ActorID)
		if !ok {
			return ErrForbidden
		}

		now := s.now().UTC()
		dec, err := decide(r, party, p.Response, now, s.window)
		if err != nil {
			return err
		}
		result.BothAgreed = dec.bothAgreed
		if dec.noop {
			noop = true
			result.Resolution = r
			return nil
		}

		dec.next.UpdatedAt = now
		saved, err := s.store.SaveResponse(ctx, tx, dec.next)
		if err != nil {
			return err
		}
		result.Resolution = saved

		metadata := map[string]any{
			"resolution_id": saved.ID,
			"party":         string(party),
			"response":      string(p.Response),
		}
		if counter != nil {
			cp, err := s.store.InsertCounterProposal(ctx, tx, CounterProposal{
				ResolutionID:         saved.ID,
				ProposedBy:           p.ActorID,
				Text:                 strings.TrimSpace(counter.Text),
				ProposedAmount:       counter.ProposedAmount,
				ProposedTimelineDays: counter.ProposedTimelineDays,
				CreatedAt:            now,
			})
			if err != nil {
				return err
			}
			result.CounterProposal = &cp
			metadata["counter_proposal_id"] = cp.ID
		}

		to := dispute.StateMediation
		event := dispute.EventResolutionResponse
		description := fmt.Sprintf("%s %s the proposed resolution", party, responseVerb(p.Response))
		if dec.bothAgreed {
			to = dispute.StateAwaitingResponse
			event = dispute.EventResolutionAgreed
			description = fmt.Sprintf("%s accepted; both parties agreed, auto-execution at %s",
				party, saved.AutoExecuteDate.Format(time.RFC3339))
			metadata["auto_execute_date"] = saved.AutoExecuteDate.Format(time.RFC3339)
		}
		actor := p.ActorID
		d, _, err = s.disputes.Apply(ctx, tx, dispute.Change{
			DisputeID:   d.ID,
			To:          to,
			Event:       event,
			ActorID:     &actor,
			Description: description,
			Metadata:    metadata,
		})
		return err
	})
	if err != nil {
		logging.Info(ctx, "response rejected", logging.Err(err))
		return RespondResult{}, err
	}
	if noop {
		logging.Debug(ctx, "response already recorded")
		return result, nil
	}

	metrics.RecordResponse(ctx, string(p.Response), string(result.Resolution.Status))
	logging.Info(ctx, "response recorded",
		slog.String("party", string(party)),
		slog.Bool("both_agreed", result.BothAgreed),
	)
	s.notifyCounterparty(ctx, d, party, p.Response, result)

	if result.BothAgreed {
		enforcement.Record(ctx, s.enforcement, enforcement.Entry{
			DisputeID:   d.ID,
			ActionType:  enforcement.ActionAutoExecutionScheduled,
			PerformedBy: p.ActorID,
			Details: map[string]any{
				"resolution_id": result.Resolution.ID,
				"outcome":       string(result.Resolution.Outcome),
				"amount":        result.Resolution.Amount.StringFixed(2),
			},
			Deadline: result.Resolution.AutoExecuteDate,
		})
	}
	return result, nil
}

func (s *Service) notifyCounterparty(ctx context.Context, d dispute.Dispute, party dispute.Party, resp PartyStatus, result RespondResult) {
	other := d.Counterparty(party)
	url := "/disputes/" + d.ID
	if result.BothAgreed {
		notify.Send(ctx, s.notifier, other, notify.Notification{
			Title: "Resolution agreed",
			Description: fmt.Sprintf("Both parties accepted the resolution. It will be executed automatically in %s unless appealed.",
				windowText(s.window)),
			ActionURL: url,
			Priority:  notify.PriorityHigh,
		})
		return
	}

	var title, description string
	switch resp {
	case PartyAccepted:
		title = "Resolution accepted"
		description = fmt.Sprintf("The %s accepted the proposed resolution. Review it to reach agreement.", party)
	case PartyRejected:
		title = "Resolution rejected"
		description = fmt.Sprintf("The %s rejected the proposed resolution. Mediation continues.", party)
	default:
		title = "Counter-proposal received"
		description = fmt.Sprintf("The %s proposed different terms: %s", party, result.CounterProposal.Text)
	}
	notify.Send(ctx, s.notifier, other, notify.Notification{
		Title:       title,
		Description: description,
		ActionURL:   url,
	})
}

// Propose opens a new negotiation cycle on a dispute. Either party or an admin
// may propose; a dispute carries at most one proposed or agreed resolution.
func (s *Service) Propose(ctx context.Context, p ProposeParams) (Resolution, error) {
	if !p.Outcome.Valid() {
		return Resolution{}, fmt.Errorf("%w: outcome must be release or refund", ErrInvalidInput)
	}
	ctx = logging.WithAttrs(ctx, slog.String("component", "resolution"), slog.String("dispute_id", p.DisputeID))

	var (
		created Resolution
		d       dispute.Dispute
	)
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		d, err = s.disputes.Lookup(ctx, tx, p.DisputeID)
		if err != nil {
			return mapDisputeErr(err)
		}
		if err := s.authorizeParticipant(ctx, d, p.ActorID); err != nil {
			return err
		}
		if d.State.Terminal() {
			return fmt.Errorf("%w: dispute is %s", ErrInvalidState, d.State)
		}

		m, err := s.resolveMilestone(ctx, tx, d, p.MilestoneID)
		if err != nil {
			return err
		}
		amount, err := proposedAmount(m, p.Amount)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		milestoneID := m.ID
		created, err = s.store.Insert(ctx, tx, Resolution{
			DisputeID:   d.ID,
			MilestoneID: &milestoneID,
			ProposedBy:  p.ActorID,
			Outcome:     p.Outcome,
			Amount:      amount,
			Terms:       strings.TrimSpace(p.Terms),
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}

		actor := p.ActorID
		d, _, err = s.disputes.Apply(ctx, tx, dispute.Change{
			DisputeID:   d.ID,
			To:          dispute.StateMediation,
			Event:       dispute.EventResolutionProposed,
			ActorID:     &actor,
			Description: fmt.Sprintf("proposed to %s %s %s", created.Outcome, created.Amount.StringFixed(2), m.Currency),
			Metadata: map[string]any{
				"resolution_id": created.ID,
				"milestone_id":  m.ID,
				"outcome":       string(created.Outcome),
				"amount":        created.Amount.StringFixed(2),
			},
		})
		return err
	})
	if err != nil {
		logging.Info(ctx, "proposal rejected", logging.Err(err))
		return Resolution{}, err
	}

	logging.Info(ctx, "resolution proposed", slog.String("resolution_id", created.ID))
	for _, userID := range []string{d.ClientID, d.ProfessionalID} {
		if userID == p.ActorID {
			continue
		}
		notify.Send(ctx, s.notifier, userID, notify.Notification{
			Title:       "Resolution proposed",
			Description: fmt.Sprintf("A resolution to %s %s was proposed. Accept, reject or counter it.", created.Outcome, created.Amount.StringFixed(2)),
			ActionURL:   "/disputes/" + d.ID,
		})
	}
	return created, nil
}

func (s *Service) resolveMilestone(ctx context.Context, q db.Querier, d dispute.Dispute, requested *string) (escrow.Milestone, error) {
	id := ""
	switch {
	case d.MilestoneID != nil:
		id = *d.MilestoneID
		if requested != nil && *requested != id {
			return escrow.Milestone{}, fmt.Errorf("%w: milestone is not the disputed one", ErrInvalidInput)
		}
	case requested != nil:
		id = *requested
	default:
		return escrow.Milestone{}, fmt.Errorf("%w: milestone id is required for a job-level dispute", ErrInvalidInput)
	}

	m, err := s.ledger.GetMilestone(ctx, q, id)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			return escrow.Milestone{}, ErrNotFound
		}
		return escrow.Milestone{}, err
	}
	if m.JobID != d.JobID {
		return escrow.Milestone{}, fmt.Errorf("%w: milestone does not belong to the disputed job", ErrInvalidInput)
	}
	if m.Status.Terminal() {
		return escrow.Milestone{}, fmt.Errorf("%w: milestone is %s", ErrInvalidState, m.Status)
	}
	return m, nil
}

// Appeal pulls an agreed resolution back into mediation before it executes.
func (s *Service) Appeal(ctx context.Context, p AppealParams) (Resolution, error) {
	reason := strings.TrimSpace(p.Reason)
	if reason == "" {
		return Resolution{}, fmt.Errorf("%w: appeal reason is required", ErrInvalidInput)
	}
	ctx = logging.WithAttrs(ctx, slog.String("component", "resolution"), slog.String("resolution_id", p.ResolutionID))

	var (
		appealed Resolution
		d        dispute.Dispute
		party    dispute.Party
	)
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		r, err := s.store.Lock(ctx, tx, p.ResolutionID)
		if err != nil {
			return err
		}
		d, err = s.disputes.Lookup(ctx, tx, r.DisputeID)
		if err != nil {
			return mapDisputeErr(err)
		}
		var ok bool
		party, ok = d.PartyOf(p.ActorID)
		if !ok {
			return ErrForbidden
		}
		if r.Status != StatusAgreed {
			return fmt.Errorf("%w: resolution is %s", ErrInvalidState, r.Status)
		}

		now := s.now().UTC()
		failure := "appealed by " + string(party) + ": " + reason
		appealed, err = s.store.Transition(ctx, tx, TransitionParams{
			ID:            r.ID,
			From:          StatusAgreed,
			To:            StatusAbandoned,
			FailureReason: &failure,
			NotDueAt:      &now,
			At:            now,
		})
		if err != nil {
			return err
		}

		actor := p.ActorID
		d, _, err = s.disputes.Apply(ctx, tx, dispute.Change{
			DisputeID:   d.ID,
			To:          dispute.StateMediation,
			Event:       dispute.EventResolutionAppealed,
			ActorID:     &actor,
			Description: fmt.Sprintf("%s appealed the agreed resolution: %s", party, reason),
			Metadata:    map[string]any{"resolution_id": r.ID},
		})
		return err
	})
	if err != nil {
		logging.Info(ctx, "appeal rejected", logging.Err(err))
		return Resolution{}, err
	}

	logging.Info(ctx, "resolution appealed", slog.String("party", string(party)))
	enforcement.Record(ctx, s.enforcement, enforcement.Entry{
		DisputeID:   d.ID,
		ActionType:  enforcement.ActionResolutionAppealed,
		PerformedBy: p.ActorID,
		Details:     map[string]any{"resolution_id": appealed.ID, "reason": reason},
	})
	notify.Send(ctx, s.notifier, d.Counterparty(party), notify.Notification{
		Title:       "Resolution appealed",
		Description: fmt.Sprintf("The %s appealed the agreed resolution, so it will not be executed. Mediation continues.", party),
		ActionURL:   "/disputes/" + d.ID,
		Priority:    notify.PriorityHigh,
	})
	return appealed, nil
}

// AdoptCounterProposal replaces the pending proposal with the counter terms.
// Only the party that did not author the counter-proposal may adopt it.
func (s *Service) AdoptCounterProposal(ctx context.Context, p CounterDecisionParams) (Resolution, error) {
	ctx = logging.WithAttrs(ctx, slog.String("component", "resolution"), slog.String("counter_proposal_id", p.CounterProposalID))

	var (
		created Resolution
		d       dispute.Dispute
	)
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		cp, r, dd, err := s.lockCounter(ctx, tx, p)
		if err != nil {
			return err
		}
		d = dd
		if r.Status != StatusProposed {
			return fmt.Errorf("%w: resolution is %s", ErrInvalidState, r.Status)
		}

		now := s.now().UTC()
		superseded := "superseded by counter-proposal"
		if _, err := s.store.Transition(ctx, tx, TransitionParams{
			ID:            r.ID,
			From:          StatusProposed,
			To:            StatusAbandoned,
			FailureReason: &superseded,
			At:            now,
		}); err != nil {
			return err
		}
		if _, err := s.store.SetCounterProposalStatus(ctx, tx, cp.ID, CounterPending, CounterAdopted, now); err != nil {
			return err
		}

		amount := r.Amount
		if cp.ProposedAmount != nil && r.MilestoneID != nil {
			m, err := s.ledger.GetMilestone(ctx, tx, *r.MilestoneID)
			if err != nil {
				return err
			}
			if amount, err = proposedAmount(m, cp.ProposedAmount); err != nil {
				return err
			}
		}
		created, err = s.store.Insert(ctx, tx, Resolution{
			DisputeID:   r.DisputeID,
			MilestoneID: r.MilestoneID,
			ProposedBy:  cp.ProposedBy,
			Outcome:     r.Outcome,
			Amount:      amount,
			Terms:       cp.Text,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}

		actor := p.ActorID
		d, _, err = s.disputes.Apply(ctx, tx, dispute.Change{
			DisputeID:   d.ID,
			To:          dispute.StateMediation,
			Event:       dispute.EventCounterProposalAdopted,
			ActorID:     &actor,
			Description: "counter-proposal adopted as the new proposal: " + cp.Text,
			Metadata: map[string]any{
				"counter_proposal_id": cp.ID,
				"superseded_id":       r.ID,
				"resolution_id":       created.ID,
				"amount":              created.Amount.StringFixed(2),
			},
		})
		return err
	})
	if err != nil {
		logging.Info(ctx, "adopt rejected", logging.Err(err))
		return Resolution{}, err
	}

	logging.Info(ctx, "counter-proposal adopted", slog.String("resolution_id", created.ID))
	notify.Send(ctx, s.notifier, created.ProposedBy, notify.Notification{
		Title:       "Counter-proposal adopted",
		Description: "Your counter-proposal is now the proposal on the table. Both parties need to accept it.",
		ActionURL:   "/disputes/" + d.ID,
	})
	return created, nil
}

// DeclineCounterProposal closes a pending counter-proposal without changing
// the proposal it answered.
func (s *Service) DeclineCounterProposal(ctx context.Context, p CounterDecisionParams) (CounterProposal, error) {
	ctx = logging.WithAttrs(ctx, slog.String("component", "resolution"), slog.String("counter_proposal_id", p.CounterProposalID))

	var (
		declined CounterProposal
		d        dispute.Dispute
	)
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		cp, _, dd, err := s.lockCounter(ctx, tx, p)
		if err != nil {
			return err
		}
		d = dd
		if d.State.Terminal() {
			return fmt.Errorf("%w: dispute is %s", ErrInvalidState, d.State)
		}

		now := s.now().UTC()
		declined, err = s.store.SetCounterProposalStatus(ctx, tx, cp.ID, CounterPending, CounterDeclined, now)
		if err != nil {
			return err
		}

		actor := p.ActorID
		_, _, err = s.disputes.Apply(ctx, tx, dispute.Change{
			DisputeID:   d.ID,
			Event:       dispute.EventCounterProposalDeclined,
			ActorID:     &actor,
			Description: "counter-proposal declined",
			Metadata:    map[string]any{"counter_proposal_id": cp.ID, "resolution_id": cp.ResolutionID},
		})
		return err
	})
	if err != nil {
		logging.Info(ctx, "decline rejected", logging.Err(err))
		return CounterProposal{}, err
	}

	logging.Info(ctx, "counter-proposal declined")
	notify.Send(ctx, s.notifier, declined.ProposedBy, notify.Notification{
		Title:       "Counter-proposal declined",
		Description: "Your counter-proposal was declined. The original proposal still stands.",
		ActionURL:   "/disputes/" + d.ID,
	})
	return declined, nil
}

// lockCounter loads a pending counter-proposal with its resolution and
// dispute, and checks that the actor is the party who may decide on it.
func (s *Service) lockCounter(ctx context.Context, tx pgx.Tx, p CounterDecisionParams) (CounterProposal, Resolution, dispute.Dispute, error) {
	cp, err := s.store.LockCounterProposal(ctx, tx, p.CounterProposalID)
	if err != nil {
		return CounterProposal{}, Resolution{}, dispute.Dispute{}, err
	}
	r, err := s.store.Lock(ctx, tx, cp.ResolutionID)
	if err != nil {
		return CounterProposal{}, Resolution{}, dispute.Dispute{}, err
	}
	d, err := s.disputes.Lookup(ctx, tx, r.DisputeID)
	if err != nil {
		return CounterProposal{}, Resolution{}, dispute.Dispute{}, mapDisputeErr(err)
	}
	if _, ok := d.PartyOf(p.ActorID); !ok || p.ActorID == cp.ProposedBy {
		return CounterProposal{}, Resolution{}, dispute.Dispute{}, ErrForbidden
	}
	if cp.Status != CounterPending {
		return CounterProposal{}, Resolution{}, dispute.Dispute{}, fmt.Errorf("%w: counter-proposal is %s", ErrInvalidState, cp.Status)
	}
	return cp, r, d, nil
}

// Get returns the resolution if actorID is a party to its dispute or an admin.
func (s *Service) Get(ctx context.Context, resolutionID, actorID string) (Resolution, error) {
	r, err := s.store.Get(ctx, s.pool, resolutionID)
	if err != nil {
		return Resolution{}, err
	}
	d, err := s.disputes.Lookup(ctx, s.pool, r.DisputeID)
	if err != nil {
		return Resolution{}, mapDisputeErr(err)
	}
	if err := s.authorizeParticipant(ctx, d, actorID); err != nil {
		return Resolution{}, err
	}
	return r, nil
}

func (s *Service) authorizeParticipant(ctx context.Context, d dispute.Dispute, actorID string) error {
	if _, ok := d.PartyOf(actorID); ok {
		return nil
	}
	if s.admins == nil {
		return ErrForbidden
	}
	ok, err := s.admins.IsAdmin(ctx, actorID)
	if err != nil {
		return fmt.Errorf("resolution: admin check: %w", err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func proposedAmount(m escrow.Milestone, requested *decimal.Decimal) (decimal.Decimal, error) {
	if requested == nil {
		return m.Amount, nil
	}
	if !requested.IsPositive() || requested.GreaterThan(m.Amount) {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	return *requested, nil
}

func validateCounter(in CounterProposalInput) error {
	if in.ProposedAmount != nil && !in.ProposedAmount.IsPositive() {
		return ErrInvalidAmount
	}
	if in.ProposedTimelineDays != nil && *in.ProposedTimelineDays <= 0 {
		return fmt.Errorf("%w: proposed timeline must be positive", ErrInvalidInput)
	}
	return nil
}

func mapDisputeErr(err error) error {
	if errors.Is(err, dispute.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func responseVerb(resp PartyStatus) string {
	switch resp {
	case PartyAccepted:
		return "accepted"
	case PartyRejected:
		return "rejected"
	default:
		return "counter-proposed on"
	}
}

func windowText(w time.Duration) string {
	if w%time.Hour == 0 {
		return fmt.Sprintf("%d hours", int(w/time.Hour))
	}
	return w.String()
}
