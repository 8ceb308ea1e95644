// Package dbtest provides pgx transaction fakes for service tests that run
// without a database.
package dbtest

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool hands out fake transactions and remembers every one it created.
type Pool struct {
	mu       sync.Mutex
	BeginErr error
	Txs      []*Tx
}

func (p *Pool) Begin(ctx context.Context) (pgx.Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.BeginErr != nil {
		return nil, p.BeginErr
	}
	tx := &Tx{}
	p.Txs = append(p.Txs, tx)
	return tx, nil
}

// Exec, Query and QueryRow satisfy db.Querier; fakes never call them.
func (p *Pool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("dbtest: pool queries not supported")
}

func (p *Pool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("dbtest: pool queries not supported")
}

func (p *Pool) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("dbtest: pool queries not supported")
}

// RolledBack counts transactions that ended without Commit.
func (p *Pool) RolledBack() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, tx := range p.Txs {
		if tx.RolledBack() {
			n++
		}
	}
	return n
}

// Last returns the most recent transaction, or nil.
func (p *Pool) Last() *Tx {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Txs) == 0 {
		return nil
	}
	return p.Txs[len(p.Txs)-1]
}

// Committed counts transactions that reached Commit.
func (p *Pool) Committed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, tx := range p.Txs {
		if tx.Committed() {
			n++
		}
	}
	return n
}

// Tx records Commit/Rollback calls. Queries panic: fakes behind repository
// interfaces must not touch the handle.
type Tx struct {
	mu        sync.Mutex
	committed bool
	rolled    bool
	ended     bool
	onEnd     []func(committed bool)
}

// OnEnd registers fn to run once when the transaction commits or rolls back.
// Fakes use it to hold row locks for the life of the transaction and to undo
// writes on rollback.
func (f *Tx) OnEnd(fn func(committed bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEnd = append(f.onEnd, fn)
}

func (f *Tx) end() {
	if f.ended {
		return
	}
	f.ended = true
	for i := len(f.onEnd) - 1; i >= 0; i-- {
		f.onEnd[i](f.committed)
	}
	f.onEnd = nil
}

func (f *Tx) Committed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed
}

func (f *Tx) RolledBack() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rolled && !f.committed
}

func (f *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("dbtest: nested transactions not supported")
}

func (f *Tx) Commit(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = true
	f.end()
	return nil
}

func (f *Tx) Rollback(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolled = true
	f.end()
	return nil
}

func (f *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *Tx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *Tx) Conn() *pgx.Conn {
	return nil
}
