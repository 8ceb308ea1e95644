package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/db"
)

var ErrReviewExists = errors.New("review: review already exists")

type Store interface {
	Find(ctx context.Context, q db.Querier, clientID, milestoneID string) (Review, bool, error)
	Insert(ctx context.Context, tx pgx.Tx, r Review) (Review, error)
}

type PGStore struct{}

func NewStore() *PGStore {
	return &PGStore{}
}

func (s *PGStore) Find(ctx context.Context, q db.Querier, clientID, milestoneID string) (Review, bool, error) {
	const selectSQL = `
		SELECT id, professional_id, client_id, job_id, milestone_id, rating, title, comment, created_at
		FROM reviews
		WHERE client_id = $1 AND milestone_id = $2
	`
	var r Review
	err := q.QueryRow(ctx, selectSQL, clientID, milestoneID).Scan(
		&r.ID, &r.ProfessionalID, &r.ClientID, &r.JobID, &r.MilestoneID, &r.Rating, &r.Title, &r.Comment, &r.CreatedAt,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return Review{}, false, nil
		}
		return Review{}, false, fmt.Errorf("review: find: %w", err)
	}
	return r, true, nil
}

func (s *PGStore) Insert(ctx context.Context, tx pgx.Tx, r Review) (Review, error) {
	const insertSQL = `
		INSERT INTO reviews (professional_id, client_id, job_id, milestone_id, rating, title, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err := tx.QueryRow(ctx, insertSQL,
		r.ProfessionalID, r.ClientID, r.JobID, r.MilestoneID, r.Rating, r.Title, r.Comment, r.CreatedAt,
	).Scan(&r.ID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Review{}, ErrReviewExists
		}
		return Review{}, fmt.Errorf("review: insert: %w", err)
	}
	return r, nil
}
