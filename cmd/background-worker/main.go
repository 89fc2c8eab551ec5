// Command background-worker runs the crates.io background job queue.
//
// Subcommands:
//
//	run          supervised worker slots, cron scheduler and admin HTTP (default)
//	migrate      run pending database migrations and exit
//	enqueue      insert one job by type name
//	jobs         list, show and requeue jobs
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database so cron schedules and
	// time.LoadLocation work inside distroless containers.
	_ "time/tzdata"

	// Sets GOMEMLIMIT from the cgroup memory limit.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/syphar/crates.io/internal/admin"
	"github.com/syphar/crates.io/internal/backoff"
	"github.com/syphar/crates.io/internal/config"
	"github.com/syphar/crates.io/internal/environment"
	"github.com/syphar/crates.io/internal/jobs"
	"github.com/syphar/crates.io/internal/metrics"
	"github.com/syphar/crates.io/internal/scheduler"
	"github.com/syphar/crates.io/internal/store"
	"github.com/syphar/crates.io/internal/worker"
	"github.com/syphar/crates.io/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "background-worker",
		Short: "crates.io background job worker",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          runWorker,
	}

	root.AddCommand(
		runCmd(),
		migrateCmd(),
		enqueueCmd(),
		jobsCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── run ───────────────────────────────────────────────────────────────────────

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the supervised worker, scheduler and admin server",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	// Long-lived pool for the scheduler and admin endpoints. Connects lazily,
	// so a database outage at startup is left to the supervisor to ride out.
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	poolCfg.MaxConns = 2
	sharedPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer sharedPool.Close()
	sharedStore := store.New(sharedPool)

	sup := worker.NewSupervisor(buildRunner(cfg, logger, m), worker.SupervisorConfig{
		MaxFailures:          cfg.SupervisorFailures,
		RetryDelay:           time.Second,
		ReadOnly:             cfg.AreAllReadOnly(),
		ReadOnlyWarnInterval: cfg.ReadOnlyWarnEvery,
		Logger:               logger,
		Metrics:              m,
	})

	// ── Scheduler ─────────────────────────────────────────────────────────────
	var sched *scheduler.Scheduler
	if len(cfg.ScheduledJobs) > 0 && !cfg.AreAllReadOnly() {
		reg, err := jobs.NewRegistry()
		if err != nil {
			return err
		}
		sched, err = scheduler.New(reg, sharedStore, cfg.ScheduledJobs,
			scheduler.WithLogger(logger), scheduler.WithMetrics(m))
		if err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		sched.Start(ctx)
		slog.Info("scheduler started", "entries", sched.Len())
	}

	// ── Admin HTTP ────────────────────────────────────────────────────────────
	var srv *http.Server
	serverErr := make(chan error, 1)
	if cfg.AdminListenAddr != "" {
		srv = &http.Server{ //nolint:exhaustruct
			Addr:              cfg.AdminListenAddr,
			Handler:           admin.NewServer(sharedStore, admin.WithState(sup.State), admin.WithMetrics(m)).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			slog.Info("admin server started", "addr", cfg.AdminListenAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
			close(serverErr)
		}()
	}

	supErr := make(chan error, 1)
	go func() { supErr <- sup.Run(ctx) }()

	var runErr error
	select {
	case runErr = <-supErr:
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("admin server: %w", err)
			stop()
			<-supErr
		} else {
			runErr = <-supErr
		}
	}
	stop()

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("admin server shutdown", "error", err)
		}
	}
	if runErr != nil {
		return runErr
	}
	slog.Info("worker stopped")
	return nil
}

// buildRunner returns the supervisor's BuildFunc: every call opens a fresh
// pool and rebuilds the environment, registry and runner from scratch.
func buildRunner(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) worker.BuildFunc {
	return func(ctx context.Context) (worker.Service, func(), error) {
		db, err := newPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		cleanup := db.Close

		st := store.New(db, store.WithBackoff(backoff.Exponential{
			Initial: cfg.BackoffBase,
			Max:     cfg.BackoffMax,
		}))
		env, err := environment.New(cfg, st, logger)
		if err != nil {
			return nil, cleanup, err
		}
		reg, err := jobs.NewRegistry()
		if err != nil {
			return nil, cleanup, err
		}

		runnerCfg := worker.DefaultConfig(cfg.QueueWorkers)
		runnerCfg.PollInterval = cfg.PollInterval
		runnerCfg.ReapInterval = cfg.ReapInterval
		runnerCfg.StaleThreshold = cfg.StaleThreshold
		runnerCfg.HeartbeatInterval = cfg.HeartbeatInterval
		runnerCfg.MaxStoreErrors = cfg.MaxStoreErrors

		runner, err := worker.NewRunner(st, reg, jobs.Env(env), runnerCfg,
			worker.WithLogger(logger),
			worker.WithMetrics(m),
		)
		if err != nil {
			return nil, cleanup, err
		}
		return runner, cleanup, nil
	}
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	slog.Info("running migrations")

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB; pgx's stdlib adapter keeps one
	// driver project-wide.
	migrateURL := cfg.DatabaseURL
	if cfg.DatabaseURLMigrate != "" {
		migrateURL = cfg.DatabaseURLMigrate
	}
	connCfg, err := pgx.ParseConfig(migrateURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func poolConfig(cfg *config.Config) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime
	return poolCfg, nil
}

// newPool creates and validates a pgxpool. Retries up to 10 times with
// linear backoff so a database that is still starting does not count as a
// runner failure straight away.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Advisory schema version check: catches deployments where migrations
	// haven't been applied yet.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch; run `background-worker migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 2

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
