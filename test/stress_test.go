package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
)

var (
	flDuration = flag.Duration("duration", 60*time.Second, "how long to run stress")
	flJobs     = flag.Int("jobs", 4, "number of seeded jobs, each with its own client and professional")
	flSweepers = flag.Int("sweepers", 4, "number of concurrent sweepers")
	flWindow   = flag.Duration("window", 300*time.Millisecond, "appeal window for agreed resolutions")
	flSeed     = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN      = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func TestEscrowConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	seed := *flSeed

	var (
		pgC        = &infra.PGContainer{}
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
	case dockerAvailable(ctx):
		pgC, dsn, err = infra.StartPostgres16(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	default:
		dsn, err = infra.InitLocalDatabase(ctx)
		if errors.Is(err, infra.ErrNoLocalPostgres) {
			t.Skip("no docker and no local postgres")
		}
		if err != nil {
			t.Fatalf("init local database: %v", err)
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	h := infra.NewHarness(pool, *flWindow)
	if err := h.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	clients, pros, err := actors.Seed(ctx, h, *flJobs, 6)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	var stats actors.Stats
	next := seed
	rng := func() *rand.Rand {
		next++
		return rand.New(rand.NewSource(next))
	}

	for i := range clients {
		client, pro := clients[i], pros[i]
		r1, r2, r3, r4, r5, r6, r7, r8 := rng(), rng(), rng(), rng(), rng(), rng(), rng(), rng()
		g.Go(func() error { return actors.Releaser(ctx2, h, client, r1, &stats, stop) })
		g.Go(func() error { return actors.Disputer(ctx2, h, pro, r2, &stats, stop) })
		g.Go(func() error { return actors.Proposer(ctx2, h, client, r3, &stats, stop) })
		// both parties answer the same proposals concurrently
		g.Go(func() error { return actors.Responder(ctx2, h, client, r4, &stats, stop) })
		g.Go(func() error { return actors.Responder(ctx2, h, pro, r5, &stats, stop) })
		g.Go(func() error { return actors.Appealer(ctx2, h, client, r6, &stats, stop) })
		g.Go(func() error { return actors.Proposer(ctx2, h, pro, r7, &stats, stop) })
		g.Go(func() error { return actors.Closer(ctx2, h, pro, r8, &stats, stop) })
	}
	for i := 0; i < *flSweepers; i++ {
		var lockKey int64
		if i == 0 {
			lockKey = 72310001
		}
		sweeper, r := h.Sweeper(lockKey), rng()
		g.Go(func() error { return actors.SweepWorker(ctx2, sweeper, r, &stats, stop) })
	}
	go chaos.TerminateRandomBackend(ctx2, pool, infra.ApplicationName, rng(), stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// chaos may have killed the oracle's own connection
				t.Logf("oracle error: %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	name, row, err := oracles.Run(context.Background(), pool)
	if err != nil {
		t.Fatalf("final oracle error: %v", err)
	}
	if name != "" {
		dumpRecent(t, context.Background(), pool)
		t.Fatalf("Oracle %s failed after stop. First row: %s (seed=%d)", name, row, seed)
	}
	t.Logf("stress done: %s (seed=%d)", stats.String(), seed)
	if stats.OK.Load() == 0 {
		t.Fatalf("no operation succeeded (seed=%d)", seed)
	}
	if n := stats.Deadlocks.Load(); n > 0 {
		t.Fatalf("%d operations deadlocked (seed=%d)", n, seed)
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"dispute_timeline", `SELECT id, dispute_id, seq, event_type, created_at FROM dispute_timeline ORDER BY id DESC LIMIT 50`},
		{"dispute_resolutions", `SELECT id, dispute_id, status, client_status, professional_status, auto_execute_date, executed_at FROM dispute_resolutions ORDER BY updated_at DESC LIMIT 50`},
		{"escrow_milestones", `SELECT id, status, released_at FROM escrow_milestones ORDER BY updated_at DESC LIMIT 50`},
		{"enforcement_logs", `SELECT id, dispute_id, action_type, performed_by, created_at FROM enforcement_logs ORDER BY id DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
