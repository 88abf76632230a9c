package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/PratikDhanave/lead-sync-service/internal/config"
	"github.com/PratikDhanave/lead-sync-service/internal/handlers"
	"github.com/PratikDhanave/lead-sync-service/internal/httpserver"
	"github.com/PratikDhanave/lead-sync-service/internal/reconcile"
	"github.com/PratikDhanave/lead-sync-service/internal/store"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp runs fn against a wired engine, cancelled on SIGINT/SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the auto-process loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			a.feed.Start()
			defer a.feed.Stop()

			a.auto.Start()
			defer a.auto.Stop()

			// Build HTTP router (public health, partner sync endpoints, operator APIs).
			router := httpserver.NewRouter(a.cfg, httpserver.Deps{
				Store:    a.db,
				Capturer: a.capturer,
				Log:      a.log,
				Sync: handlers.SyncDeps{
					Store:      a.db,
					Processor:  a.processor,
					Reconciler: a.reconciler,
					Auto:       a.auto,
					Feed:       a.feed,
					Project:    a.cfg.ProjectName,
				},
			})
			srv := &http.Server{
				Addr:              a.cfg.ListenAddr,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.log.Info("server started", zap.String("addr", a.cfg.ListenAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				a.log.Info("shutting down")
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		})
	},
}

var processQueueCmd = &cobra.Command{
	Use:   "process-queue",
	Short: "Drain one batch of the sync queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		batch, _ := cmd.Flags().GetInt("batch")
		return withApp(func(ctx context.Context, a *app) error {
			res, err := a.processor.ProcessQueue(ctx, batch)
			if perr := printJSON(res); perr != nil {
				return perr
			}
			return err
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass against the partner",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("mode")
		mode, err := reconcile.ParseMode(raw)
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			res, err := a.reconciler.Reconcile(ctx, mode)
			if perr := printJSON(res); perr != nil {
				return perr
			}
			return err
		})
	},
}

var resetStuckCmd = &cobra.Command{
	Use:   "reset-stuck",
	Short: "Return processing items older than the stale threshold to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		return withApp(func(ctx context.Context, a *app) error {
			n, err := a.processor.ResetStuckJobs(ctx, olderThan)
			if err != nil {
				return err
			}
			return printJSON(map[string]int64{"reset": n})
		})
	},
}

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Return terminally failed items to pending with a fresh retry budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			n, err := a.processor.RetryFailed(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]int64{"requeued": n})
		})
	},
}

// migrate only needs the database, not the whole engine.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		db, err := store.NewPostgresStore(cfg.DBURL)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := db.EnsureSchema(ctx); err != nil {
			return err
		}
		return printJSON(map[string]string{"status": "ok"})
	},
}

func init() {
	processQueueCmd.Flags().Int("batch", 0, "batch size (default BATCH_SIZE)")
	reconcileCmd.Flags().String("mode", string(reconcile.ModeRecent), "full, recent or active_only")
	resetStuckCmd.Flags().Duration("older-than", 0, "claim age threshold (default STALE_CLAIM_TIMEOUT)")
}
