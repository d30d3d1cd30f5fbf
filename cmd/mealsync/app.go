package main

import (
	"context"
	"fmt"
	"time"

	"github.com/kimhsiao/mealsync/internal/auth"
	"github.com/kimhsiao/mealsync/internal/config"
	"github.com/kimhsiao/mealsync/internal/connectivity"
	"github.com/kimhsiao/mealsync/internal/db"
	"github.com/kimhsiao/mealsync/internal/logging"
	syncpkg "github.com/kimhsiao/mealsync/internal/sync"
	"github.com/kimhsiao/mealsync/internal/sync/conflict"
	"github.com/kimhsiao/mealsync/internal/sync/httptransport"
	"github.com/kimhsiao/mealsync/internal/sync/queue"
	"github.com/kimhsiao/mealsync/internal/sync/scheduler"
)

// app holds the wired sync stack.
type app struct {
	db        *db.DB
	repo      *db.Repository
	tokens    *auth.TokenSource
	queue     *queue.Queue
	probe     *connectivity.Probe
	engine    *syncpkg.SyncEngine
	scheduler *scheduler.Scheduler
}

// tokenLeeway treats tokens about to expire as expired.
const tokenLeeway = 30 * time.Second

// newApp opens the database and builds the engine and scheduler from cfg.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	database, err := db.OpenAndMigrate(ctx, cfg.DB.DataDir)
	if err != nil {
		return nil, err
	}
	a := &app{db: database, repo: db.NewRepository(database.DB)}

	a.tokens = auth.NewTokenSource(tokenLeeway)
	if cfg.Remote.Token != "" {
		a.tokens.SetToken(cfg.Remote.Token)
	}
	store, err := auth.NewFileStore(cfg.DB.DataDir)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.tokens.Persist(store); err != nil {
		// an unreadable session only means signing in again
		logging.Warn("Stored session ignored", map[string]interface{}{"error": err.Error()})
	}

	a.queue = queue.NewQueue(a.repo, a.repo, queue.Config{MaxRecordAttempts: cfg.Sync.MaxRecordAttempts})

	resolver := conflict.NewResolver(conflict.ResolutionStrategy(cfg.Sync.ConflictStrategy), conflict.Dependencies{
		Local:    a.repo,
		Metadata: a.repo,
		Queue:    a.queue,
		Logs:     a.repo,
	})

	transport, err := httptransport.New(httptransport.Config{
		BaseURL: cfg.Remote.BaseURL,
		Timeout: cfg.Remote.Timeout,
	}, a.tokens)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.engine = syncpkg.NewSyncEngine(a.queue, a.repo, transport, resolver, syncpkg.Config{
		BatchSize:         cfg.Sync.BatchSize,
		MaxBatchesPerPass: cfg.Sync.MaxBatchesPerPass,
		Concurrency:       cfg.Sync.Concurrency,
	})

	probeAddr := cfg.Remote.ProbeAddress
	if probeAddr == "" {
		probeAddr, err = connectivity.AddressFromURL(cfg.Remote.BaseURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("derive probe address: %w", err)
		}
	}
	a.probe = connectivity.NewProbe(probeAddr, cfg.Remote.ProbeTimeout)

	a.scheduler = scheduler.NewScheduler(a.engine, a.tokens, a.probe, &scheduler.SchedulerConfig{
		PeriodicSpec: cfg.Sync.PeriodicSpec,
		PassTimeout:  cfg.Sync.PassTimeout,
		MaxAttempts:  cfg.Sync.MaxAttempts,
	})
	return a, nil
}

// Close stops the scheduler and releases the database.
func (a *app) Close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	_ = a.repo.Close()
	_ = a.db.Close()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
