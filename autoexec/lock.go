package autoexec

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/logging"
)

// Locker serializes sweeps across instances. TryLock never blocks; a false
// result means another holder has it.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), ok bool, err error)
}

// PGLocker holds a session-level advisory lock on a dedicated pool
// connection for the duration of a sweep.
type PGLocker struct {
	pool *pgxpool.Pool
	key  int64
}

func NewPGLocker(pool *pgxpool.Pool, key int64) *PGLocker {
	return &PGLocker{pool: pool, key: key}
}

func (l *PGLocker) TryLock(ctx context.Context) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("autoexec: acquire conn: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("autoexec: try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		// The sweep context may already be cancelled; unlock regardless.
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
			logging.Warn(ctx, "advisory unlock failed", logging.Err(err))
			conn.Conn().Close(context.Background())
		}
		conn.Release()
	}
	return unlock, true, nil
}
