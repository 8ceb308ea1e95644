// Package disputetest is an in-memory dispute.Store for service tests.
// Transactions are ignored.
package disputetest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/db"
	"escrowflow/dispute"
)

type Store struct {
	mu       sync.Mutex
	seq      int
	disputes map[string]dispute.Dispute
	events   map[string][]dispute.Event
	parties  map[string]dispute.Parties
	locks    []string

	// OnAbandon stands in for the resolutions table when a dispute closes.
	OnAbandon func(disputeID, reason string) int64
	// AppendErr, when set, fails AppendEvent.
	AppendErr error
}

var _ dispute.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		disputes: make(map[string]dispute.Dispute),
		events:   make(map[string][]dispute.Event),
		parties:  make(map[string]dispute.Parties),
	}
}

// SetParties registers the payment parties of a job.
func (s *Store) SetParties(jobID string, p dispute.Parties) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parties[jobID] = p
}

// Seed stores d as-is, assigning an ID when empty.
func (s *Store) Seed(d dispute.Dispute) dispute.Dispute {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = s.nextID()
	}
	if d.State == "" {
		d.State = dispute.StateOpen
	}
	s.disputes[d.ID] = d
	return d
}

func (s *Store) Events(disputeID string) []dispute.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events[disputeID])
}

func (s *Store) Insert(_ context.Context, _ pgx.Tx, d dispute.Dispute) (dispute.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.ID = s.nextID()
	d.CreatedAt = d.LastActivityAt
	d.UpdatedAt = d.LastActivityAt
	s.disputes[d.ID] = d
	return d, nil
}

func (s *Store) Get(_ context.Context, _ db.Querier, id string) (dispute.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[id]
	if !ok {
		return dispute.Dispute{}, dispute.ErrNotFound
	}
	return d, nil
}

// Locks lists the row locks taken so far, in order: "dispute:<id>" or
// "resolutions:<dispute id>".
func (s *Store) Locks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.locks)
}

func (s *Store) Lock(ctx context.Context, tx pgx.Tx, id string) (dispute.Dispute, error) {
	s.mu.Lock()
	s.locks = append(s.locks, "dispute:"+id)
	s.mu.Unlock()
	return s.Get(ctx, tx, id)
}

func (s *Store) LockActiveResolutions(_ context.Context, _ pgx.Tx, disputeID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks = append(s.locks, "resolutions:"+disputeID)
	return nil, nil
}

func (s *Store) UpdateState(_ context.Context, _ pgx.Tx, u dispute.StateUpdate) (dispute.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[u.DisputeID]
	if !ok {
		return dispute.Dispute{}, dispute.ErrNotFound
	}
	d.State = u.State
	d.Status = u.Status
	d.Stage = u.Stage
	d.LastActivityAt = u.At
	d.UpdatedAt = u.At
	s.disputes[d.ID] = d
	return d, nil
}

func (s *Store) AppendEvent(_ context.Context, _ pgx.Tx, e dispute.Event) (dispute.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return dispute.Event{}, s.AppendErr
	}
	existing := s.events[e.DisputeID]
	e.Seq = len(existing) + 1
	e.ID = int64(s.seq*1000 + e.Seq)
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	s.events[e.DisputeID] = append(existing, e)
	return e, nil
}

func (s *Store) Timeline(_ context.Context, _ db.Querier, disputeID string) ([]dispute.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events[disputeID]), nil
}

func (s *Store) HasOpen(_ context.Context, _ db.Querier, jobID string, milestoneID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.disputes {
		if d.JobID != jobID || d.State.Terminal() {
			continue
		}
		if d.MilestoneID == nil || *d.MilestoneID == milestoneID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) FindParties(_ context.Context, _ db.Querier, jobID string) (dispute.Parties, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parties[jobID]
	if !ok {
		return dispute.Parties{}, dispute.ErrNotFound
	}
	return p, nil
}

func (s *Store) AbandonActiveResolutions(_ context.Context, _ pgx.Tx, disputeID, reason string, _ time.Time) (int64, error) {
	if s.OnAbandon == nil {
		return 0, nil
	}
	return s.OnAbandon(disputeID, reason), nil
}

func (s *Store) nextID() string {
	s.seq++
	return fmt.Sprintf("dispute-%d", s.seq)
}
