// Package resolutiontest is an in-memory resolution.Store. When handed a
// *dbtest.Tx it also holds row locks until the transaction ends and undoes
// writes on rollback, so concurrent service calls behave as they do against
// PostgreSQL.
package resolutiontest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/db"
	"escrowflow/db/dbtest"
	"escrowflow/resolution"
)

type Store struct {
	mu          sync.Mutex
	seq         int
	resolutions map[string]resolution.Resolution
	counters    map[string]resolution.CounterProposal
	rows        map[string]*sync.Mutex
	holders     map[string]*dbtest.Tx

	// SaveErr, when set, fails SaveResponse.
	SaveErr error
}

var _ resolution.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		resolutions: make(map[string]resolution.Resolution),
		counters:    make(map[string]resolution.CounterProposal),
		rows:        make(map[string]*sync.Mutex),
		holders:     make(map[string]*dbtest.Tx),
	}
}

// Seed stores r as-is, assigning an ID and defaults when empty.
func (s *Store) Seed(r resolution.Resolution) resolution.Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = s.nextID("resolution")
	}
	if r.Status == "" {
		r.Status = resolution.StatusProposed
	}
	if r.ClientStatus == "" {
		r.ClientStatus = resolution.PartyProposed
	}
	if r.ProfessionalStatus == "" {
		r.ProfessionalStatus = resolution.PartyProposed
	}
	s.resolutions[r.ID] = r
	return r
}

// Resolution returns the stored row, zero if absent.
func (s *Store) Resolution(id string) resolution.Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolutions[id]
}

// ForDispute returns every resolution of a dispute in creation order.
func (s *Store) ForDispute(disputeID string) []resolution.Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []resolution.Resolution
	for _, r := range s.resolutions {
		if r.DisputeID == disputeID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) CounterProposals(resolutionID string) []resolution.CounterProposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []resolution.CounterProposal
	for _, cp := range s.counters {
		if cp.ResolutionID == resolutionID {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Insert(_ context.Context, tx pgx.Tx, r resolution.Resolution) (resolution.Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.resolutions {
		if existing.DisputeID == r.DisputeID && active(existing.Status) {
			return resolution.Resolution{}, resolution.ErrActiveResolution
		}
	}
	r.ID = s.nextID("resolution")
	r.ClientStatus = resolution.PartyProposed
	r.ProfessionalStatus = resolution.PartyProposed
	r.Status = resolution.StatusProposed
	r.UpdatedAt = r.CreatedAt
	s.writeResolution(tx, r)
	return r, nil
}

func (s *Store) Get(_ context.Context, _ db.Querier, id string) (resolution.Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resolutions[id]
	if !ok {
		return resolution.Resolution{}, resolution.ErrNotFound
	}
	return r, nil
}

func (s *Store) Lock(ctx context.Context, tx pgx.Tx, id string) (resolution.Resolution, error) {
	s.lockRow(tx, "resolution:"+id)
	return s.Get(ctx, tx, id)
}

func (s *Store) SaveResponse(_ context.Context, tx pgx.Tx, r resolution.Resolution) (resolution.Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return resolution.Resolution{}, s.SaveErr
	}
	current, ok := s.resolutions[r.ID]
	if !ok {
		return resolution.Resolution{}, resolution.ErrNotFound
	}
	if current.Status != resolution.StatusProposed {
		return resolution.Resolution{}, fmt.Errorf("%w: resolution is no longer proposed", resolution.ErrInvalidState)
	}
	if r.Status == resolution.StatusAgreed &&
		(r.ClientStatus != resolution.PartyAccepted || r.ProfessionalStatus != resolution.PartyAccepted) {
		return resolution.Resolution{}, fmt.Errorf("resolutiontest: agreed without both acceptances")
	}
	current.ClientStatus = r.ClientStatus
	current.ProfessionalStatus = r.ProfessionalStatus
	current.ClientResponseAt = r.ClientResponseAt
	current.ProfessionalResponseAt = r.ProfessionalResponseAt
	current.Status = r.Status
	current.AgreementFinalizedAt = r.AgreementFinalizedAt
	current.AutoExecuteDate = r.AutoExecuteDate
	current.UpdatedAt = r.UpdatedAt
	s.writeResolution(tx, current)
	return current, nil
}

func (s *Store) Transition(_ context.Context, tx pgx.Tx, p resolution.TransitionParams) (resolution.Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resolutions[p.ID]
	if !ok {
		return resolution.Resolution{}, resolution.ErrNotFound
	}
	if r.Status != p.From {
		return resolution.Resolution{}, fmt.Errorf("%w: resolution is %s", resolution.ErrInvalidState, r.Status)
	}
	if p.NotDueAt != nil && (r.AutoExecuteDate == nil || !r.AutoExecuteDate.After(*p.NotDueAt)) {
		return resolution.Resolution{}, resolution.ErrAppealWindowClosed
	}
	if p.DueBy != nil && (r.AutoExecuteDate == nil || r.AutoExecuteDate.After(*p.DueBy)) {
		return resolution.Resolution{}, fmt.Errorf("%w: resolution is not due", resolution.ErrInvalidState)
	}
	r.Status = p.To
	if p.FailureReason != nil {
		r.FailureReason = p.FailureReason
	}
	if p.ExecutedAt != nil {
		r.ExecutedAt = p.ExecutedAt
	}
	r.UpdatedAt = p.At
	s.writeResolution(tx, r)
	return r, nil
}

func (s *Store) ListDue(_ context.Context, _ db.Querier, now time.Time, limit int) ([]resolution.Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []resolution.Resolution
	for _, r := range s.resolutions {
		if r.Status == resolution.StatusAgreed && r.AutoExecuteDate != nil && !r.AutoExecuteDate.After(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AutoExecuteDate.Equal(*out[j].AutoExecuteDate) {
			return out[i].AutoExecuteDate.Before(*out[j].AutoExecuteDate)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) InsertCounterProposal(_ context.Context, tx pgx.Tx, cp resolution.CounterProposal) (resolution.CounterProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.ID = s.nextID("counter")
	cp.Status = resolution.CounterPending
	cp.UpdatedAt = cp.CreatedAt
	s.writeCounter(tx, cp)
	return cp, nil
}

func (s *Store) LockCounterProposal(_ context.Context, tx pgx.Tx, id string) (resolution.CounterProposal, error) {
	s.lockRow(tx, "counter:"+id)
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.counters[id]
	if !ok {
		return resolution.CounterProposal{}, resolution.ErrNotFound
	}
	return cp, nil
}

func (s *Store) SetCounterProposalStatus(_ context.Context, tx pgx.Tx, id string, from, to resolution.CounterProposalStatus, at time.Time) (resolution.CounterProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.counters[id]
	if !ok {
		return resolution.CounterProposal{}, resolution.ErrNotFound
	}
	if cp.Status != from {
		return resolution.CounterProposal{}, fmt.Errorf("%w: counter-proposal is not %s", resolution.ErrInvalidState, from)
	}
	cp.Status = to
	cp.UpdatedAt = at
	s.writeCounter(tx, cp)
	return cp, nil
}

// writeResolution stores r and, inside a fake transaction, restores the
// previous row if the transaction rolls back. Callers hold s.mu.
func (s *Store) writeResolution(tx pgx.Tx, r resolution.Resolution) {
	prev, existed := s.resolutions[r.ID]
	s.resolutions[r.ID] = r
	if ftx, ok := tx.(*dbtest.Tx); ok {
		ftx.OnEnd(func(committed bool) {
			if committed {
				return
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			if existed {
				s.resolutions[r.ID] = prev
			} else {
				delete(s.resolutions, r.ID)
			}
		})
	}
}

func (s *Store) writeCounter(tx pgx.Tx, cp resolution.CounterProposal) {
	prev, existed := s.counters[cp.ID]
	s.counters[cp.ID] = cp
	if ftx, ok := tx.(*dbtest.Tx); ok {
		ftx.OnEnd(func(committed bool) {
			if committed {
				return
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			if existed {
				s.counters[cp.ID] = prev
			} else {
				delete(s.counters, cp.ID)
			}
		})
	}
}

// lockRow blocks until key is free, then holds it until tx ends.
func (s *Store) lockRow(tx pgx.Tx, key string) {
	ftx, ok := tx.(*dbtest.Tx)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.holders[key] == ftx {
		s.mu.Unlock()
		return
	}
	m, ok := s.rows[key]
	if !ok {
		m = &sync.Mutex{}
		s.rows[key] = m
	}
	s.mu.Unlock()

	m.Lock()
	s.mu.Lock()
	s.holders[key] = ftx
	s.mu.Unlock()
	ftx.OnEnd(func(bool) {
		s.mu.Lock()
		delete(s.holders, key)
		s.mu.Unlock()
		m.Unlock()
	})
}

func (s *Store) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%03d", prefix, s.seq)
}

func active(st resolution.Status) bool {
	return slices.Contains([]resolution.Status{resolution.StatusProposed, resolution.StatusAgreed}, st)
}
