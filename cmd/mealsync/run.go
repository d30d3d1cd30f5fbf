package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/mealsync/internal/api"
	"github.com/kimhsiao/mealsync/internal/logging"
	"github.com/kimhsiao/mealsync/internal/sync/scheduler"
)

const shutdownTimeout = 10 * time.Second

var allowedOrigins []string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the background sync daemon and the local admin API",
	Long: `Run the sync daemon.

The scheduler runs a pass on the configured periodic schedule, after
connectivity returns and on demand through the admin API. Status changes are
pushed to WebSocket clients on /sync/events.

Example usage:
  mealsync run                          # defaults plus MEALSYNC_* env
  mealsync run -c mealsync.yaml         # with a config file`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx)
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&allowedOrigins, "allow-origin", nil, "Browser origin allowed to open the event stream (repeatable)")
	rootCmd.AddCommand(runCmd)
}

func runDaemon(ctx context.Context) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := api.NewHub(allowedOrigins...)
	defer hub.Close()

	statuses, unsubscribe := a.scheduler.Subscribe()
	defer unsubscribe()
	go hub.RelayStatus(ctx, statuses, api.DescribeLastRun(a.scheduler))

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	go watchConnectivity(ctx, a, cfg.Remote.ProbeInterval)

	router := api.NewRouter(&api.SyncHandler{
		Scheduler: a.scheduler,
		Queue:     a.queue,
		Store:     a.repo,
		Session:   a.tokens,
		DB:        a.db,
		Hub:       hub,
	}, cfg.Log.Development)

	srv := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("Admin API listening", map[string]interface{}{"addr": cfg.Admin.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// pick up anything queued while the daemon was down
	a.scheduler.Enqueue(scheduler.OnDemandRunName, scheduler.KeepExisting)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logging.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Admin API shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// watchConnectivity feeds probe results to the scheduler, which starts a run
// when the device comes back online.
func watchConnectivity(ctx context.Context, a *app, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.scheduler.SetOnlineStatus(a.probe.IsOnline(ctx))
		}
	}
}
