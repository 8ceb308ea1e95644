package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/db"
)

var (
	ErrUserNotFound   = errors.New("auth: user not found")
	ErrDuplicateEmail = errors.New("auth: email already exists")
)

type Repository interface {
	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	GetUserByID(ctx context.Context, userID string) (User, error)
}

type CreateUserParams struct {
	Email    string
	FullName string
	Role     Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	q db.Querier
}

func NewRepository(q db.Querier) *PGRepository {
	return &PGRepository{q: q}
}

func (r *PGRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	const insertSQL = `
		INSERT INTO users (email, full_name, role)
		VALUES ($1, $2, $3)
		RETURNING id, email, full_name, role, created_at
	`

	user, err := scanUser(r.q.QueryRow(ctx, insertSQL, params.Email, params.FullName, params.Role))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return User{}, ErrDuplicateEmail
		}
		return User{}, fmt.Errorf("auth: create user: %w", err)
	}
	return user, nil
}

func (r *PGRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	const selectSQL = `
		SELECT id, email, full_name, role, created_at
		FROM users
		WHERE id = $1
	`

	user, err := scanUser(r.q.QueryRow(ctx, selectSQL, userID))
	if err != nil {
		if db.IsNoRows(err) || db.IsInvalidText(err) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by id: %w", err)
	}
	return user, nil
}

func scanUser(row pgx.Row) (User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.Email, &user.FullName, &user.Role, &user.CreatedAt); err != nil {
		return User{}, err
	}
	return user, nil
}
