package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/PratikDhanave/lead-sync-service/internal/capture"
	"github.com/PratikDhanave/lead-sync-service/internal/config"
	"github.com/PratikDhanave/lead-sync-service/internal/dispatch"
	"github.com/PratikDhanave/lead-sync-service/internal/logging"
	"github.com/PratikDhanave/lead-sync-service/internal/monitor"
	"github.com/PratikDhanave/lead-sync-service/internal/reconcile"
	"github.com/PratikDhanave/lead-sync-service/internal/remote"
	"github.com/PratikDhanave/lead-sync-service/internal/store"
)

// app is the wired engine shared by every subcommand.
type app struct {
	cfg config.Config
	log *zap.Logger
	db  *store.PostgresStore

	feed       *monitor.Feed
	capturer   *capture.Capturer
	processor  *dispatch.Processor
	reconciler *reconcile.Reconciler
	auto       *dispatch.AutoProcessor
}

// newApp boots the engine: config → logger → DB → schema → components.
func newApp(ctx context.Context) (*app, error) {
	// Load runtime config from environment (.env honoured).
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("system", cfg.SystemTag))

	// Connect to durable storage (Postgres) using a connection pool.
	db, err := store.NewPostgresStore(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	// Ensure required tables/indexes exist so a fresh database just works.
	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	a := &app{cfg: cfg, log: log, db: db, feed: monitor.NewFeed(log)}

	client := remote.NewClient(cfg.RemoteBaseURL, cfg.RemoteToken, cfg.DispatchTimeout)
	recorder := monitor.NewRecorder(db, cfg.ProjectName, cfg.ErrorSampleLimit, a.feed, log)

	a.capturer = capture.New(db, cfg.PartnerTag, log)

	disp := dispatch.NewDispatcher(db, client, cfg.SystemTag, dispatch.Policy{
		MaxRetries:  cfg.MaxRetries,
		BaseBackoff: cfg.RetryBackoff,
		MaxBackoff:  cfg.MaxBackoff,
	}, log)
	a.processor = dispatch.NewProcessor(db, disp, recorder, dispatch.ProcessorConfig{
		BatchSize:  cfg.BatchSize,
		Workers:    cfg.Workers,
		Deadline:   cfg.BatchDeadline,
		StaleAfter: cfg.StaleClaimTimeout,
	}, log)

	if cfg.ImmediatePush {
		a.capturer.OnCommit(a.processor.PushAsync)
	}

	a.reconciler = reconcile.New(db, client, a.capturer, recorder, reconcile.Options{
		SystemTag:    cfg.SystemTag,
		RecentWindow: cfg.RecentWindow,
		ActiveFields: cfg.ActiveFields,
	}, log)

	a.auto = dispatch.NewAutoProcessor(db, a.processor, cfg.AutoProcessInterval, log)
	if err := a.auto.Seed(ctx, cfg.AutoProcessDefault); err != nil {
		a.Close()
		return nil, fmt.Errorf("seed auto-process setting: %w", err)
	}

	return a, nil
}

// Close waits for background pushes and releases the pool.
func (a *app) Close() {
	a.processor.WaitPushes()
	a.db.Close()
	_ = a.log.Sync()
}
