package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/db/dbtest"
)

func TestInTx_CommitsOnSuccess(t *testing.T) {
	pool := &dbtest.Pool{}
	if err := InTx(context.Background(), pool, func(tx pgx.Tx) error { return nil }); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !pool.Last().Committed() {
		t.Fatal("expected commit")
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	pool := &dbtest.Pool{}
	boom := errors.New("boom")
	err := InTx(context.Background(), pool, func(tx pgx.Tx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	tx := pool.Last()
	if tx.Committed() || !tx.RolledBack() {
		t.Fatal("expected rollback without commit")
	}
}

func TestInTx_BeginError(t *testing.T) {
	pool := &dbtest.Pool{BeginErr: errors.New("no conn")}
	called := false
	err := InTx(context.Background(), pool, func(tx pgx.Tx) error { called = true; return nil })
	if err == nil || called {
		t.Fatalf("expected begin error and fn skipped, got err=%v called=%v", err, called)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	if !IsUniqueViolation(wrapped) {
		t.Fatal("expected unique violation to be detected through wrapping")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatal("foreign key violation must not be reported as unique")
	}
	if !IsNoRows(fmt.Errorf("get: %w", pgx.ErrNoRows)) {
		t.Fatal("expected no rows to be detected")
	}
}

func TestIsInvalidText(t *testing.T) {
	if !IsInvalidText(fmt.Errorf("get milestone: %w", &pgconn.PgError{Code: "22P02"})) {
		t.Fatal("expected malformed uuid to be detected through wrapping")
	}
	if IsInvalidText(&pgconn.PgError{Code: "23505"}) || IsInvalidText(pgx.ErrNoRows) {
		t.Fatal("only 22P02 is invalid text")
	}
}

func TestIsDeadlock(t *testing.T) {
	if !IsDeadlock(fmt.Errorf("close: %w", &pgconn.PgError{Code: "40P01"})) {
		t.Fatal("expected deadlock to be detected through wrapping")
	}
	if IsDeadlock(&pgconn.PgError{Code: "40001"}) {
		t.Fatal("serialization failure is not a deadlock")
	}
}

func TestNewPool_EmptyDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), "", PoolOptions{}); err == nil {
		t.Fatal("expected error for empty connection string")
	}
}
