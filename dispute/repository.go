package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/db"
)

var (
	ErrNotFound          = errors.New("dispute: not found")
	ErrForbidden         = errors.New("dispute: forbidden")
	ErrInvalidState      = errors.New("dispute: invalid state")
	ErrInvalidTransition = fmt.Errorf("%w: transition not allowed", ErrInvalidState)
	ErrAlreadyOpen       = fmt.Errorf("%w: an unresolved dispute already exists", ErrInvalidState)
	ErrInvalidInput      = errors.New("dispute: invalid input")
)

// Store persists disputes and their timeline. Callers mutating a dispute
// must hold its row lock (Lock) before AppendEvent so seq stays gap-free.
// Row locks are taken resolution first, dispute second.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error)
	Get(ctx context.Context, q db.Querier, id string) (Dispute, error)
	Lock(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
	UpdateState(ctx context.Context, tx pgx.Tx, u StateUpdate) (Dispute, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, e Event) (Event, error)
	Timeline(ctx context.Context, q db.Querier, disputeID string) ([]Event, error)
	HasOpen(ctx context.Context, q db.Querier, jobID string, milestoneID string) (bool, error)
	FindParties(ctx context.Context, q db.Querier, jobID string) (Parties, error)
	LockActiveResolutions(ctx context.Context, tx pgx.Tx, disputeID string) ([]string, error)
	AbandonActiveResolutions(ctx context.Context, tx pgx.Tx, disputeID, reason string, at time.Time) (int64, error)
}

type PGStore struct{}

func NewStore() *PGStore {
	return &PGStore{}
}

const disputeColumns = `
	id, job_id, milestone_id, client_id, professional_id, created_by, disputed_against,
	type, reason, status, workflow_state, stage, last_activity_at, created_at, updated_at
`

func (s *PGStore) Insert(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error) {
	query := `
		INSERT INTO disputes (job_id, milestone_id, client_id, professional_id, created_by, disputed_against,
		                      type, reason, status, workflow_state, stage, last_activity_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12, $12)
		RETURNING ` + disputeColumns

	out, err := scanDispute(tx.QueryRow(ctx, query,
		d.JobID, d.MilestoneID, d.ClientID, d.ProfessionalID, d.CreatedBy, d.DisputedAgainst,
		d.Type, d.Reason, string(d.Status), string(d.State), d.Stage, d.LastActivityAt,
	))
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return out, nil
}

func (s *PGStore) Get(ctx context.Context, q db.Querier, id string) (Dispute, error) {
	return s.get(ctx, q, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
}

func (s *PGStore) Lock(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	return s.get(ctx, tx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id)
}

func (s *PGStore) get(ctx context.Context, q db.Querier, query, id string) (Dispute, error) {
	d, err := scanDispute(q.QueryRow(ctx, query, id))
	if err != nil {
		if db.IsNoRows(err) || db.IsInvalidText(err) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return d, nil
}

func (s *PGStore) UpdateState(ctx context.Context, tx pgx.Tx, u StateUpdate) (Dispute, error) {
	query := `
		UPDATE disputes
		SET workflow_state = $2, status = $3, stage = $4, last_activity_at = $5, updated_at = $5
		WHERE id = $1
		RETURNING ` + disputeColumns

	d, err := scanDispute(tx.QueryRow(ctx, query, u.DisputeID, string(u.State), string(u.Status), u.Stage, u.At))
	if err != nil {
		if db.IsNoRows(err) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: update state: %w", err)
	}
	return d, nil
}

func (s *PGStore) AppendEvent(ctx context.Context, tx pgx.Tx, e Event) (Event, error) {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return Event{}, fmt.Errorf("dispute: marshal event metadata: %w", err)
	}

	const insertSQL = `
		INSERT INTO dispute_timeline (dispute_id, seq, event_type, actor_id, description, metadata, created_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5::jsonb, $6
		FROM dispute_timeline
		WHERE dispute_id = $1
		RETURNING id, seq
	`
	if err := tx.QueryRow(ctx, insertSQL,
		e.DisputeID, string(e.Type), e.ActorID, e.Description, payload, e.CreatedAt,
	).Scan(&e.ID, &e.Seq); err != nil {
		return Event{}, fmt.Errorf("dispute: append event: %w", err)
	}
	e.Metadata = metadata
	return e, nil
}

func (s *PGStore) Timeline(ctx context.Context, q db.Querier, disputeID string) ([]Event, error) {
	const selectSQL = `
		SELECT id, dispute_id, seq, event_type, actor_id, description, metadata, created_at
		FROM dispute_timeline
		WHERE dispute_id = $1
		ORDER BY seq
	`
	rows, err := q.Query(ctx, selectSQL, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: timeline: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 8)
	for rows.Next() {
		var (
			e   Event
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.Seq, &e.Type, &e.ActorID, &e.Description, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan event: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Metadata); err != nil {
				return nil, fmt.Errorf("dispute: decode event metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate timeline: %w", err)
	}
	return out, nil
}

// HasOpen reports whether an unresolved dispute blocks the milestone: either a
// job-wide dispute or one naming the milestone.
func (s *PGStore) HasOpen(ctx context.Context, q db.Querier, jobID string, milestoneID string) (bool, error) {
	const selectSQL = `
		SELECT EXISTS (
			SELECT 1 FROM disputes
			WHERE job_id = $1
			  AND workflow_state NOT IN ('resolved', 'closed')
			  AND (milestone_id IS NULL OR milestone_id = $2::uuid)
		)
	`
	var mid *string
	if milestoneID != "" {
		mid = &milestoneID
	}
	var exists bool
	if err := q.QueryRow(ctx, selectSQL, jobID, mid).Scan(&exists); err != nil {
		return false, fmt.Errorf("dispute: has open: %w", err)
	}
	return exists, nil
}

func (s *PGStore) FindParties(ctx context.Context, q db.Querier, jobID string) (Parties, error) {
	const selectSQL = `
		SELECT client_id, professional_id
		FROM payments
		WHERE job_id = $1
		ORDER BY created_at
		LIMIT 1
	`
	var p Parties
	if err := q.QueryRow(ctx, selectSQL, jobID).Scan(&p.ClientID, &p.ProfessionalID); err != nil {
		if db.IsNoRows(err) || db.IsInvalidText(err) {
			return Parties{}, ErrNotFound
		}
		return Parties{}, fmt.Errorf("dispute: find parties: %w", err)
	}
	return p, nil
}

// LockActiveResolutions row-locks the dispute's proposed and agreed
// resolutions and returns their ids.
func (s *PGStore) LockActiveResolutions(ctx context.Context, tx pgx.Tx, disputeID string) ([]string, error) {
	const lockSQL = `
		SELECT id FROM dispute_resolutions
		WHERE dispute_id = $1 AND status IN ('proposed', 'agreed')
		ORDER BY id
		FOR UPDATE
	`
	rows, err := tx.Query(ctx, lockSQL, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: lock resolutions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("dispute: lock resolutions: %w", err)
	}
	return ids, nil
}

func (s *PGStore) AbandonActiveResolutions(ctx context.Context, tx pgx.Tx, disputeID, reason string, at time.Time) (int64, error) {
	const updateSQL = `
		UPDATE dispute_resolutions
		SET status = 'abandoned', failure_reason = $2, updated_at = $3
		WHERE dispute_id = $1 AND status IN ('proposed', 'agreed')
	`
	tag, err := tx.Exec(ctx, updateSQL, disputeID, reason, at)
	if err != nil {
		return 0, fmt.Errorf("dispute: abandon resolutions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID, &d.JobID, &d.MilestoneID, &d.ClientID, &d.ProfessionalID, &d.CreatedBy, &d.DisputedAgainst,
		&d.Type, &d.Reason, &d.Status, &d.State, &d.Stage, &d.LastActivityAt, &d.CreatedAt, &d.UpdatedAt,
	)
	return d, err
}
