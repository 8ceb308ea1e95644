package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/auth"
	"escrowflow/autoexec"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/enforcement"
	"escrowflow/escrow"
	"escrowflow/logging"
	"escrowflow/metrics"
	"escrowflow/notify"
	"escrowflow/resolution"
	"escrowflow/review"
)

// app holds the wired services for one process.
type app struct {
	cfg         config.Config
	pool        *pgxpool.Pool
	auth        *auth.Service
	gate        *review.Gate
	disputes    *dispute.Service
	resolutions *resolution.Service
	sweeper     *autoexec.Sweeper
	metrics     http.Handler
}

func newApp(ctx context.Context, configFile string) (*app, context.Context, error) {
	cfg, err := config.Load(ctx, configFile)
	if err != nil {
		return nil, ctx, err
	}
	ctx = logging.WithLogger(ctx, logging.New(cfg.Log.Format, cfg.Log.Level))

	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, ctx, err
	}

	metricsHandler, err := metrics.InitMeterProvider(ctx, "escrowflow")
	if err != nil {
		pool.Close()
		return nil, ctx, fmt.Errorf("init metrics: %w", err)
	}
	if err := metrics.InitMetrics(ctx); err != nil {
		pool.Close()
		return nil, ctx, fmt.Errorf("init instruments: %w", err)
	}

	authSvc := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret)
	notifier := notify.Multi{notify.Log{}, notify.NewStore(pool)}
	enf := enforcement.NewPGLogger(pool)

	ledger := escrow.NewLedger(escrow.NewStore())
	disputes := dispute.NewService(pool, dispute.NewStore(), ledger, authSvc, notifier)
	resolutionStore := resolution.NewStore()
	resolutions := resolution.NewService(pool, resolutionStore, disputes, ledger, authSvc, notifier, enf)
	resolutions.WithWindow(cfg.AutoExec.Window)
	gate := review.NewGate(pool, review.NewStore(), ledger, disputes, authSvc, notifier)

	sweeper := autoexec.NewSweeper(pool, resolutionStore, ledger, disputes, enf, notifier)
	sweeper.WithBatchSize(cfg.AutoExec.BatchSize)
	sweeper.WithLocker(autoexec.NewPGLocker(pool, cfg.AutoExec.LockKey))

	return &app{
		cfg:         cfg,
		pool:        pool,
		auth:        authSvc,
		gate:        gate,
		disputes:    disputes,
		resolutions: resolutions,
		sweeper:     sweeper,
		metrics:     metricsHandler,
	}, ctx, nil
}

func (a *app) server() *Server {
	return &Server{
		releases:    a.gate,
		disputes:    a.disputes,
		resolutions: a.resolutions,
		tokens:      a.auth,
		metrics:     a.metrics,
		ping:        a.pool.Ping,
	}
}

func (a *app) Close() {
	a.pool.Close()
}
