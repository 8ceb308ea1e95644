// Package escrowtest is an in-memory escrow.Store for service tests. It keeps
// the compare-and-set and single-pending-payout rules of the SQL store but
// ignores transactions: nothing is undone on rollback.
package escrowtest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/db"
	"escrowflow/escrow"
)

type Store struct {
	mu         sync.Mutex
	seq        int
	milestones map[string]escrow.Milestone
	releases   []escrow.Release
	refunds    []escrow.Refund
	overrides  []escrow.Override
	payouts    map[string]*escrow.Payout
	items      []escrow.PayoutItem

	// ReleaseErr, when set, fails InsertRelease.
	ReleaseErr error
	// OverrideErr, when set, fails InsertOverride.
	OverrideErr error
}

var _ escrow.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		milestones: make(map[string]escrow.Milestone),
		payouts:    make(map[string]*escrow.Payout),
	}
}

// AddMilestone seeds a milestone; Status defaults to pending and Currency to USD.
func (s *Store) AddMilestone(m escrow.Milestone) escrow.Milestone {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = s.nextID("milestone")
	}
	if m.Status == "" {
		m.Status = escrow.MilestonePending
	}
	if m.Currency == "" {
		m.Currency = "USD"
	}
	s.milestones[m.ID] = m
	return m
}

func (s *Store) Milestone(id string) escrow.Milestone {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.milestones[id]
}

func (s *Store) Releases() []escrow.Release {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.releases)
}

func (s *Store) Refunds() []escrow.Refund {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.refunds)
}

func (s *Store) Overrides() []escrow.Override {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.overrides)
}

// PendingPayouts counts pending payouts held by professionalID.
func (s *Store) PendingPayouts(professionalID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.payouts {
		if p.ProfessionalID == professionalID && p.Status == escrow.PayoutPending {
			n++
		}
	}
	return n
}

func (s *Store) GetMilestone(_ context.Context, _ db.Querier, id string) (escrow.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.milestones[id]
	if !ok {
		return escrow.Milestone{}, escrow.ErrNotFound
	}
	return m, nil
}

func (s *Store) TransitionMilestone(_ context.Context, _ pgx.Tx, p escrow.TransitionParams) (escrow.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.milestones[p.MilestoneID]
	if !ok {
		return escrow.Milestone{}, escrow.ErrNotFound
	}
	if !slices.Contains(p.From, m.Status) {
		return escrow.Milestone{}, fmt.Errorf("%w: milestone is %s", escrow.ErrInvalidState, m.Status)
	}
	m.Status = p.To
	m.UpdatedAt = p.At
	if p.Settle {
		at := p.At
		m.CompletedDate = &at
		m.ReleasedAt = &at
		m.ReleasedBy = p.ActorID
	}
	s.milestones[m.ID] = m
	return m, nil
}

func (s *Store) InsertRelease(_ context.Context, _ pgx.Tx, rel escrow.Release) (escrow.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReleaseErr != nil {
		return escrow.Release{}, s.ReleaseErr
	}
	for _, r := range s.releases {
		if r.MilestoneID == rel.MilestoneID {
			return escrow.Release{}, fmt.Errorf("%w: milestone already released", escrow.ErrInvalidState)
		}
	}
	rel.ID = s.nextID("release")
	s.releases = append(s.releases, rel)
	return rel, nil
}

func (s *Store) InsertRefund(_ context.Context, _ pgx.Tx, ref escrow.Refund) (escrow.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.refunds {
		if r.MilestoneID == ref.MilestoneID {
			return escrow.Refund{}, fmt.Errorf("%w: milestone already refunded", escrow.ErrInvalidState)
		}
	}
	ref.ID = s.nextID("refund")
	s.refunds = append(s.refunds, ref)
	return ref, nil
}

func (s *Store) InsertOverride(_ context.Context, _ pgx.Tx, o escrow.Override) (escrow.Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OverrideErr != nil {
		return escrow.Override{}, s.OverrideErr
	}
	o.ID = s.nextID("override")
	s.overrides = append(s.overrides, o)
	return o, nil
}

func (s *Store) AppendPayoutItem(_ context.Context, _ pgx.Tx, item escrow.PayoutItemParams) (escrow.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.MilestoneID == item.MilestoneID {
			return escrow.Payout{}, fmt.Errorf("%w: milestone already paid out", escrow.ErrInvalidState)
		}
	}

	var payout *escrow.Payout
	for _, p := range s.payouts {
		if p.ProfessionalID == item.ProfessionalID && p.Status == escrow.PayoutPending {
			payout = p
			break
		}
	}
	if payout != nil && payout.Currency != item.Currency {
		return escrow.Payout{}, fmt.Errorf("%w: pending payout is in %s, milestone is in %s", escrow.ErrInvalidState, payout.Currency, item.Currency)
	}
	if payout == nil {
		payout = &escrow.Payout{
			ID:             s.nextID("payout"),
			ProfessionalID: item.ProfessionalID,
			Amount:         decimal.Zero,
			Currency:       item.Currency,
			Status:         escrow.PayoutPending,
			CreatedAt:      item.At,
		}
		s.payouts[payout.ID] = payout
	}

	s.items = append(s.items, escrow.PayoutItem{
		ID:          s.nextID("item"),
		PayoutID:    payout.ID,
		MilestoneID: item.MilestoneID,
		Amount:      item.Amount,
		CreatedAt:   item.At,
	})
	payout.Amount = payout.Amount.Add(item.Amount)
	payout.UpdatedAt = item.At
	return *payout, nil
}

func (s *Store) PendingPayout(_ context.Context, _ db.Querier, professionalID string) (escrow.Payout, []escrow.PayoutItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payouts {
		if p.ProfessionalID != professionalID || p.Status != escrow.PayoutPending {
			continue
		}
		var items []escrow.PayoutItem
		for _, it := range s.items {
			if it.PayoutID == p.ID {
				items = append(items, it)
			}
		}
		return *p, items, nil
	}
	return escrow.Payout{}, nil, escrow.ErrNotFound
}

func (s *Store) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}
