package resolution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/db"
)

var (
	ErrNotFound                = errors.New("resolution: not found")
	ErrForbidden               = errors.New("resolution: forbidden")
	ErrInvalidState            = errors.New("resolution: invalid state")
	ErrInvalidInput            = errors.New("resolution: invalid input")
	ErrInvalidResponse         = fmt.Errorf("%w: response must be accepted, rejected or counter_proposed", ErrInvalidInput)
	ErrCounterProposalRequired = fmt.Errorf("%w: counter_proposed requires counter-proposal text", ErrInvalidInput)
	ErrInvalidAmount           = fmt.Errorf("%w: amount must be positive and within the milestone amount", ErrInvalidInput)
	ErrActiveResolution        = fmt.Errorf("%w: dispute already has an active resolution", ErrInvalidState)
	ErrAppealWindowClosed      = fmt.Errorf("%w: auto-execution window has passed", ErrInvalidState)
)

// Store persists resolutions and counter-proposals.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, r Resolution) (Resolution, error)
	Get(ctx context.Context, q db.Querier, id string) (Resolution, error)
	Lock(ctx context.Context, tx pgx.Tx, id string) (Resolution, error)
	SaveResponse(ctx context.Context, tx pgx.Tx, r Resolution) (Resolution, error)
	Transition(ctx context.Context, tx pgx.Tx, p TransitionParams) (Resolution, error)
	ListDue(ctx context.Context, q db.Querier, now time.Time, limit int) ([]Resolution, error)
	InsertCounterProposal(ctx context.Context, tx pgx.Tx, cp CounterProposal) (CounterProposal, error)
	LockCounterProposal(ctx context.Context, tx pgx.Tx, id string) (CounterProposal, error)
	SetCounterProposalStatus(ctx context.Context, tx pgx.Tx, id string, from, to CounterProposalStatus, at time.Time) (CounterProposal, error)
}

type PGStore struct{}

func NewStore() *PGStore {
	return &PGStore{}
}

const resolutionColumns = `
	id, dispute_id, milestone_id, proposed_by, outcome, amount, terms, client_status, professional_status,
	status, client_response_at, professional_response_at, agreement_finalized_at, auto_execute_date,
	executed_at, failure_reason, created_at, updated_at
`

func (s *PGStore) Insert(ctx context.Context, tx pgx.Tx, r Resolution) (Resolution, error) {
	query := `
		INSERT INTO dispute_resolutions (dispute_id, milestone_id, proposed_by, outcome, amount, terms,
		                                 client_status, professional_status, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'proposed', 'proposed', 'proposed', $7, $7)
		RETURNING ` + resolutionColumns

	out, err := scanResolution(tx.QueryRow(ctx, query,
		r.DisputeID, r.MilestoneID, r.ProposedBy, string(r.Outcome), r.Amount, r.Terms, r.CreatedAt,
	))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Resolution{}, ErrActiveResolution
		}
		return Resolution{}, fmt.Errorf("resolution: insert: %w", err)
	}
	return out, nil
}

func (s *PGStore) Get(ctx context.Context, q db.Querier, id string) (Resolution, error) {
	return s.get(ctx, q, `SELECT `+resolutionColumns+` FROM dispute_resolutions WHERE id = $1`, id)
}

// Lock reads the resolution FOR UPDATE so concurrent responders serialize.
func (s *PGStore) Lock(ctx context.Context, tx pgx.Tx, id string) (Resolution, error) {
	return s.get(ctx, tx, `SELECT `+resolutionColumns+` FROM dispute_resolutions WHERE id = $1 FOR UPDATE`, id)
}

func (s *PGStore) get(ctx context.Context, q db.Querier, query, id string) (Resolution, error) {
	r, err := scanResolution(q.QueryRow(ctx, query, id))
	if err != nil {
		if db.IsNoRows(err) || db.IsInvalidText(err) {
			return Resolution{}, ErrNotFound
		}
		return Resolution{}, fmt.Errorf("resolution: get: %w", err)
	}
	return r, nil
}

func (s *PGStore) SaveResponse(ctx context.Context, tx pgx.Tx, r Resolution) (Resolution, error) {
	query := `
		UPDATE dispute_resolutions
		SET client_status = $2,
		    professional_status = $3,
		    client_response_at = $4,
		    professional_response_at = $5,
		    status = $6,
		    agreement_finalized_at = $7,
		    auto_execute_date = $8,
		    updated_at = $9
		WHERE id = $1 AND status = 'proposed'
		RETURNING ` + resolutionColumns

	out, err := scanResolution(tx.QueryRow(ctx, query,
		r.ID, string(r.ClientStatus), string(r.ProfessionalStatus), r.ClientResponseAt, r.ProfessionalResponseAt,
		string(r.Status), r.AgreementFinalizedAt, r.AutoExecuteDate, r.UpdatedAt,
	))
	if err != nil {
		if db.IsNoRows(err) {
			return Resolution{}, fmt.Errorf("%w: resolution is no longer proposed", ErrInvalidState)
		}
		return Resolution{}, fmt.Errorf("resolution: save response: %w", err)
	}
	return out, nil
}

func (s *PGStore) Transition(ctx context.Context, tx pgx.Tx, p TransitionParams) (Resolution, error) {
	query := `
		UPDATE dispute_resolutions
		SET status = $3,
		    failure_reason = COALESCE($4::text, failure_reason),
		    executed_at = COALESCE($5::timestamptz, executed_at),
		    updated_at = $6
		WHERE id = $1
		  AND status = $2
		  AND ($7::timestamptz IS NULL OR auto_execute_date > $7::timestamptz)
		  AND ($8::timestamptz IS NULL OR auto_execute_date <= $8::timestamptz)
		RETURNING ` + resolutionColumns

	r, err := scanResolution(tx.QueryRow(ctx, query,
		p.ID, string(p.From), string(p.To), p.FailureReason, p.ExecutedAt, p.At, p.NotDueAt, p.DueBy,
	))
	if err == nil {
		return r, nil
	}
	if db.IsInvalidText(err) {
		return Resolution{}, ErrNotFound
	}
	if !db.IsNoRows(err) {
		return Resolution{}, fmt.Errorf("resolution: transition: %w", err)
	}

	current, err := s.Get(ctx, tx, p.ID)
	if err != nil {
		return Resolution{}, err
	}
	if current.Status != p.From {
		return Resolution{}, fmt.Errorf("%w: resolution is %s", ErrInvalidState, current.Status)
	}
	if p.NotDueAt != nil {
		return Resolution{}, ErrAppealWindowClosed
	}
	return Resolution{}, fmt.Errorf("%w: resolution is not due", ErrInvalidState)
}

// ListDue returns agreed resolutions whose auto_execute_date has passed, oldest first.
func (s *PGStore) ListDue(ctx context.Context, q db.Querier, now time.Time, limit int) ([]Resolution, error) {
	query := `SELECT ` + resolutionColumns + `
		FROM dispute_resolutions
		WHERE status = 'agreed' AND auto_execute_date <= $1
		ORDER BY auto_execute_date, id
		LIMIT $2
	`
	rows, err := q.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("resolution: list due: %w", err)
	}
	defer rows.Close()

	out := make([]Resolution, 0, limit)
	for rows.Next() {
		r, err := scanResolution(rows)
		if err != nil {
			return nil, fmt.Errorf("resolution: scan due: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolution: iterate due: %w", err)
	}
	return out, nil
}

const counterColumns = `
	id, resolution_id, proposed_by, text, proposed_amount, proposed_timeline_days, status, created_at, updated_at
`

func (s *PGStore) InsertCounterProposal(ctx context.Context, tx pgx.Tx, cp CounterProposal) (CounterProposal, error) {
	query := `
		INSERT INTO counter_proposals (resolution_id, proposed_by, text, proposed_amount, proposed_timeline_days, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $6)
		RETURNING ` + counterColumns

	out, err := scanCounter(tx.QueryRow(ctx, query,
		cp.ResolutionID, cp.ProposedBy, cp.Text, nullDecimal(cp.ProposedAmount), cp.ProposedTimelineDays, cp.CreatedAt,
	))
	if err != nil {
		return CounterProposal{}, fmt.Errorf("resolution: insert counter-proposal: %w", err)
	}
	return out, nil
}

func (s *PGStore) LockCounterProposal(ctx context.Context, tx pgx.Tx, id string) (CounterProposal, error) {
	cp, err := scanCounter(tx.QueryRow(ctx, `SELECT `+counterColumns+` FROM counter_proposals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if db.IsNoRows(err) || db.IsInvalidText(err) {
			return CounterProposal{}, ErrNotFound
		}
		return CounterProposal{}, fmt.Errorf("resolution: lock counter-proposal: %w", err)
	}
	return cp, nil
}

func (s *PGStore) SetCounterProposalStatus(ctx context.Context, tx pgx.Tx, id string, from, to CounterProposalStatus, at time.Time) (CounterProposal, error) {
	query := `
		UPDATE counter_proposals
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING ` + counterColumns

	cp, err := scanCounter(tx.QueryRow(ctx, query, id, string(from), string(to), at))
	if err != nil {
		if db.IsNoRows(err) {
			return CounterProposal{}, fmt.Errorf("%w: counter-proposal is not %s", ErrInvalidState, from)
		}
		return CounterProposal{}, fmt.Errorf("resolution: set counter-proposal status: %w", err)
	}
	return cp, nil
}

func scanResolution(row pgx.Row) (Resolution, error) {
	var r Resolution
	err := row.Scan(
		&r.ID, &r.DisputeID, &r.MilestoneID, &r.ProposedBy, &r.Outcome, &r.Amount, &r.Terms,
		&r.ClientStatus, &r.ProfessionalStatus, &r.Status, &r.ClientResponseAt, &r.ProfessionalResponseAt,
		&r.AgreementFinalizedAt, &r.AutoExecuteDate, &r.ExecutedAt, &r.FailureReason, &r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

func scanCounter(row pgx.Row) (CounterProposal, error) {
	var (
		cp     CounterProposal
		amount decimal.NullDecimal
	)
	err := row.Scan(&cp.ID, &cp.ResolutionID, &cp.ProposedBy, &cp.Text, &amount, &cp.ProposedTimelineDays,
		&cp.Status, &cp.CreatedAt, &cp.UpdatedAt)
	if err != nil {
		return CounterProposal{}, err
	}
	if amount.Valid {
		v := amount.Decimal
		cp.ProposedAmount = &v
	}
	return cp, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
