package escrow

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
	ErrNotFound       = errors.New("escrow: not found")
	ErrInvalidState   = errors.New("escrow: invalid state")
	ErrInvalidAmount  = errors.New("escrow: invalid amount")
	ErrInvalidSource  = errors.New("escrow: invalid release source")
	ErrReasonRequired = errors.New("escrow: override reason is required")
)

// Store is the persistence surface of the ledger. Writes take the caller's
// transaction so a release commits or rolls back with its gating work.
type Store interface {
	GetMilestone(ctx context.Context, q db.Querier, id string) (Milestone, error)
	TransitionMilestone(ctx context.Context, tx pgx.Tx, p TransitionParams) (Milestone, error)
	InsertRelease(ctx context.Context, tx pgx.Tx, rel Release) (Release, error)
	InsertRefund(ctx context.Context, tx pgx.Tx, ref Refund) (Refund, error)
	InsertOverride(ctx context.Context, tx pgx.Tx, o Override) (Override, error)
	AppendPayoutItem(ctx context.Context, tx pgx.Tx, item PayoutItemParams) (Payout, error)
	PendingPayout(ctx context.Context, q db.Querier, professionalID string) (Payout, []PayoutItem, error)
}

type PayoutItemParams struct {
	ProfessionalID string
	MilestoneID    string
	Currency       string
	Amount         decimal.Decimal
	At             time.Time
}

// PGStore implements Store on PostgreSQL.
type PGStore struct{}

func NewStore() *PGStore {
	return &PGStore{}
}

const milestoneColumns = `
	m.id, m.payment_id, p.job_id, p.client_id, p.professional_id, m.title, m.amount,
	m.currency, m.status, m.completed_date, m.released_by, m.released_at, m.created_at, m.updated_at
`

func (s *PGStore) GetMilestone(ctx context.Context, q db.Querier, id string) (Milestone, error) {
	query := `SELECT ` + milestoneColumns + `
		FROM escrow_milestones m
		JOIN payments p ON p.id = m.payment_id
		WHERE m.id = $1
	`
	m, err := scanMilestone(q.QueryRow(ctx, query, id))
	if err != nil {
		if db.IsNoRows(err) || db.IsInvalidText(err) {
			return Milestone{}, ErrNotFound
		}
		return Milestone{}, fmt.Errorf("escrow: get milestone: %w", err)
	}
	return m, nil
}

// TransitionMilestone is the compare-and-set on status. When no row matches,
// the current row is read back to tell ErrNotFound from ErrInvalidState.
func (s *PGStore) TransitionMilestone(ctx context.Context, tx pgx.Tx, p TransitionParams) (Milestone, error) {
	query := `
		UPDATE escrow_milestones m
		SET status = $3,
		    updated_at = $5::timestamptz,
		    completed_date = CASE WHEN $6::boolean THEN $5::timestamptz ELSE m.completed_date END,
		    released_by = CASE WHEN $6::boolean THEN $4::uuid ELSE m.released_by END,
		    released_at = CASE WHEN $6::boolean THEN $5::timestamptz ELSE m.released_at END
		FROM payments p
		WHERE m.id = $1
		  AND p.id = m.payment_id
		  AND m.status = ANY($2::text[])
		RETURNING ` + milestoneColumns

	m, err := scanMilestone(tx.QueryRow(ctx, query,
		p.MilestoneID, statusStrings(p.From), string(p.To), p.ActorID, p.At, p.Settle))
	if err == nil {
		return m, nil
	}
	if db.IsInvalidText(err) {
		return Milestone{}, ErrNotFound
	}
	if !db.IsNoRows(err) {
		return Milestone{}, fmt.Errorf("escrow: transition milestone: %w", err)
	}

	current, err := s.GetMilestone(ctx, tx, p.MilestoneID)
	if err != nil {
		return Milestone{}, err
	}
	return Milestone{}, fmt.Errorf("%w: milestone is %s", ErrInvalidState, current.Status)
}

func (s *PGStore) InsertRelease(ctx context.Context, tx pgx.Tx, rel Release) (Release, error) {
	const insertSQL = `
		INSERT INTO escrow_releases (milestone_id, payment_id, amount, released_by, source, released_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err := tx.QueryRow(ctx, insertSQL,
		rel.MilestoneID, rel.PaymentID, rel.Amount, rel.ReleasedBy, string(rel.Source), rel.ReleasedAt, rel.Notes,
	).Scan(&rel.ID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Release{}, fmt.Errorf("%w: milestone already released", ErrInvalidState)
		}
		return Release{}, fmt.Errorf("escrow: insert release: %w", err)
	}
	return rel, nil
}

func (s *PGStore) InsertRefund(ctx context.Context, tx pgx.Tx, ref Refund) (Refund, error) {
	const insertSQL = `
		INSERT INTO escrow_refunds (milestone_id, payment_id, resolution_id, amount, refunded_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := tx.QueryRow(ctx, insertSQL,
		ref.MilestoneID, ref.PaymentID, ref.ResolutionID, ref.Amount, ref.RefundedAt, ref.Notes,
	).Scan(&ref.ID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Refund{}, fmt.Errorf("%w: milestone already refunded", ErrInvalidState)
		}
		return Refund{}, fmt.Errorf("escrow: insert refund: %w", err)
	}
	return ref, nil
}

func (s *PGStore) InsertOverride(ctx context.Context, tx pgx.Tx, o Override) (Override, error) {
	const insertSQL = `
		INSERT INTO escrow_release_overrides (milestone_id, admin_id, reason, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	if err := tx.QueryRow(ctx, insertSQL, o.MilestoneID, o.AdminID, o.Reason, o.CreatedAt).Scan(&o.ID); err != nil {
		return Override{}, fmt.Errorf("escrow: insert override: %w", err)
	}
	return o, nil
}

// AppendPayoutItem adds the item to the professional's single pending payout,
// creating it if needed. The payout row stays locked until tx ends, which
// serializes concurrent releases for the same professional.
func (s *PGStore) AppendPayoutItem(ctx context.Context, tx pgx.Tx, item PayoutItemParams) (Payout, error) {
	payoutID, err := s.lockPendingPayout(ctx, tx, item.ProfessionalID, item.Currency)
	if err != nil {
		return Payout{}, err
	}

	const insertItem = `
		INSERT INTO payout_items (payout_id, milestone_id, amount, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.Exec(ctx, insertItem, payoutID, item.MilestoneID, item.Amount, item.At); err != nil {
		if db.IsUniqueViolation(err) {
			return Payout{}, fmt.Errorf("%w: milestone already paid out", ErrInvalidState)
		}
		return Payout{}, fmt.Errorf("escrow: insert payout item: %w", err)
	}

	const bump = `
		UPDATE payouts
		SET amount = amount + $2, updated_at = $3
		WHERE id = $1
		RETURNING id, professional_id, amount, currency, status, created_at, updated_at
	`
	payout, err := scanPayout(tx.QueryRow(ctx, bump, payoutID, item.Amount, item.At))
	if err != nil {
		return Payout{}, fmt.Errorf("escrow: bump payout: %w", err)
	}
	return payout, nil
}

// lockPendingPayout returns the professional's pending payout, creating it in
// currency when there is none. A pending payout in another currency is
// ErrInvalidState: amounts are never summed across currencies.
func (s *PGStore) lockPendingPayout(ctx context.Context, tx pgx.Tx, professionalID, currency string) (string, error) {
	const selectSQL = `
		SELECT id, currency FROM payouts
		WHERE professional_id = $1 AND status = 'pending'
		FOR UPDATE
	`
	var id, held string
	err := tx.QueryRow(ctx, selectSQL, professionalID).Scan(&id, &held)
	if err == nil {
		return checkPayoutCurrency(id, held, currency)
	}
	if !db.IsNoRows(err) {
		return "", fmt.Errorf("escrow: lock payout: %w", err)
	}

	const insertSQL = `
		INSERT INTO payouts (professional_id, currency, status)
		VALUES ($1, $2, 'pending')
		ON CONFLICT (professional_id) WHERE status = 'pending' DO NOTHING
		RETURNING id
	`
	err = tx.QueryRow(ctx, insertSQL, professionalID, currency).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !db.IsNoRows(err) {
		return "", fmt.Errorf("escrow: create payout: %w", err)
	}

	// Lost the insert race; the winner has committed by now.
	if err := tx.QueryRow(ctx, selectSQL, professionalID).Scan(&id, &held); err != nil {
		return "", fmt.Errorf("escrow: relock payout: %w", err)
	}
	return checkPayoutCurrency(id, held, currency)
}

func checkPayoutCurrency(id, held, currency string) (string, error) {
	if held != currency {
		return "", fmt.Errorf("%w: pending payout is in %s, milestone is in %s", ErrInvalidState, held, currency)
	}
	return id, nil
}

func (s *PGStore) PendingPayout(ctx context.Context, q db.Querier, professionalID string) (Payout, []PayoutItem, error) {
	const selectSQL = `
		SELECT id, professional_id, amount, currency, status, created_at, updated_at
		FROM payouts
		WHERE professional_id = $1 AND status = 'pending'
	`
	payout, err := scanPayout(q.QueryRow(ctx, selectSQL, professionalID))
	if err != nil {
		if db.IsNoRows(err) || db.IsInvalidText(err) {
			return Payout{}, nil, ErrNotFound
		}
		return Payout{}, nil, fmt.Errorf("escrow: get pending payout: %w", err)
	}

	rows, err := q.Query(ctx, `
		SELECT id, payout_id, milestone_id, amount, created_at
		FROM payout_items
		WHERE payout_id = $1
		ORDER BY created_at, id
	`, payout.ID)
	if err != nil {
		return Payout{}, nil, fmt.Errorf("escrow: list payout items: %w", err)
	}
	defer rows.Close()

	items := make([]PayoutItem, 0, 4)
	for rows.Next() {
		var it PayoutItem
		if err := rows.Scan(&it.ID, &it.PayoutID, &it.MilestoneID, &it.Amount, &it.CreatedAt); err != nil {
			return Payout{}, nil, fmt.Errorf("escrow: scan payout item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return Payout{}, nil, fmt.Errorf("escrow: iterate payout items: %w", err)
	}
	return payout, items, nil
}

func scanMilestone(row pgx.Row) (Milestone, error) {
	var m Milestone
	err := row.Scan(
		&m.ID, &m.PaymentID, &m.JobID, &m.ClientID, &m.ProfessionalID, &m.Title, &m.Amount,
		&m.Currency, &m.Status, &m.CompletedDate, &m.ReleasedBy, &m.ReleasedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}

func scanPayout(row pgx.Row) (Payout, error) {
	var p Payout
	err := row.Scan(&p.ID, &p.ProfessionalID, &p.Amount, &p.Currency, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func statusStrings(in []MilestoneStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func isInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}
