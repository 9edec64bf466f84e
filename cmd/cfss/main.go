package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eargollo/cfss/internal/api"
	"github.com/eargollo/cfss/internal/app"
	"github.com/eargollo/cfss/internal/backup"
	"github.com/eargollo/cfss/internal/config"
	"github.com/eargollo/cfss/internal/db"
	"github.com/eargollo/cfss/internal/guard"
	"github.com/eargollo/cfss/internal/importer"
	"github.com/eargollo/cfss/internal/migrate"
	"github.com/eargollo/cfss/internal/scheduler"
	"github.com/eargollo/cfss/internal/store"
	"github.com/eargollo/cfss/internal/watcher"
)

// Injected at build time via -ldflags; defaults to "dev".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// runtime is the wired service graph shared by every subcommand.
type runtime struct {
	cfg     *config.Config
	db      *sql.DB
	backups *backup.Manager
	locks   *guard.Registry
	imports *importer.Manager
	service *app.Service
}

func (rt *runtime) Close() error { return rt.db.Close() }

// openRuntime loads config, configures logging and opens the database.
func openRuntime(configPath string) (*runtime, error) {
	// ── Logging (initial, overridden below once config is loaded) ──────────
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// ── Config ─────────────────────────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	// ── Database ───────────────────────────────────────────────────────────
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.RunMigrations(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	st := store.New(database)
	backups := backup.New(cfg.BackupDir, cfg.BackupRetentionDays)
	locks := guard.New()
	im := importer.New(st, migrate.New(st, backups), locks, importer.Options{
		DataDir:      cfg.DataDir,
		BundledDir:   cfg.BundledDir,
		PruneMissing: cfg.PruneMissing,
	})
	return &runtime{
		cfg:     cfg,
		db:      database,
		backups: backups,
		locks:   locks,
		imports: importer.NewManager(im),
		service: app.New(st, locks),
	}, nil
}

func runServe(ctx context.Context, rt *runtime) error {
	cfg := rt.cfg
	slog.Info("cfss starting",
		"version", version,
		"log_level", cfg.LogLevel,
		"http_addr", cfg.HTTPAddr,
		"db_path", cfg.DBPath,
		"data_dir", cfg.DataDir)

	// Bring the store in line with the data directory before serving.
	if _, err := rt.imports.Run(ctx, "startup", false); err != nil {
		slog.Warn("startup import", "error", err)
	}

	// ── Scheduler ──────────────────────────────────────────────────────────
	sched := scheduler.New()
	if err := sched.SetJob(scheduler.JobSync, cfg.SyncSchedule, func() {
		slog.Info("scheduled import triggered")
		if _, err := rt.imports.Start(ctx, "schedule", false); err != nil {
			slog.Warn("scheduled import start", "error", err)
		}
	}); err != nil {
		slog.Warn("invalid cron expression", "expr", cfg.SyncSchedule, "error", err)
	}
	if err := sched.SetJob(scheduler.JobPurge, cfg.PurgeSchedule, func() {
		slog.Info("backup auto-purge triggered")
		if _, err := rt.backups.AutoPurge(ctx); err != nil {
			slog.Error("backup auto-purge failed", "error", err)
		}
	}); err != nil {
		slog.Warn("failed to register auto-purge job", "error", err)
	}
	sched.Start()
	defer sched.Stop()

	// ── Watcher ────────────────────────────────────────────────────────────
	if cfg.Watch {
		w := watcher.New(cfg.DataDir, cfg.WatchDebounce, func(ctx context.Context) error {
			_, err := rt.imports.Start(ctx, "watch", false)
			return err
		})
		go func() {
			if err := w.Run(ctx); err != nil {
				slog.Error("watcher stopped", "error", err)
			}
		}()
	}

	// ── HTTP server ────────────────────────────────────────────────────────
	srv := api.New(cfg.HTTPAddr, api.Deps{
		Service:  rt.service,
		Imports:  rt.imports,
		Backups:  rt.backups,
		Sched:    sched,
		Version:  version,
		LockWait: 30 * time.Second,
	})
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if a := rt.imports.Active(); a != nil {
		rt.imports.Cancel()
		a.Wait()
	}
	slog.Info("cfss stopped")
	return nil
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with scheduled and watched imports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rt)
		},
	}
}

// parseLogLevel converts a config string ("debug", "info", "warn", "error")
// to its slog.Level equivalent. Unknown values default to Info.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
