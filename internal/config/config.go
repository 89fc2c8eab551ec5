// Package config parses and validates all background worker configuration
// from environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all worker configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required,notEmpty"`
	DatabaseReplicaURL   string        `env:"DATABASE_REPLICA_URL"`
	DBPrimaryReadOnly    bool          `env:"DB_PRIMARY_READ_ONLY"    envDefault:"false"`
	DBReplicaReadOnly    bool          `env:"DB_REPLICA_READ_ONLY"    envDefault:"true"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"10"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14400000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode    string `env:"DB_QUERY_EXEC_MODE"     envDefault:"extended_protocol"`
	DatabaseURLMigrate string `env:"DATABASE_URL_MIGRATE"`

	// ── Worker pool ──────────────────────────────────────────────────────────────
	// QueueWorkers maps queue name to worker slot count, e.g. "default=5,downloads=1".
	QueueWorkers       map[string]int `env:"QUEUE_WORKERS"          envDefault:"default=5,downloads=1,repository=1" envKeyValSeparator:"="`
	PollInterval       time.Duration  `env:"WORKER_POLL_INTERVAL"   envDefault:"1s"`
	ReapInterval       time.Duration  `env:"WORKER_REAP_INTERVAL"   envDefault:"1m"`
	StaleThreshold     time.Duration  `env:"WORKER_STALE_THRESHOLD" envDefault:"5m"`
	// HeartbeatInterval is how often a running job refreshes its lock. Must be below StaleThreshold.
	HeartbeatInterval  time.Duration  `env:"WORKER_HEARTBEAT_INTERVAL" envDefault:"1m"`
	MaxStoreErrors     int            `env:"WORKER_MAX_STORE_ERRORS" envDefault:"10"`
	BackoffBase        time.Duration  `env:"JOB_BACKOFF_BASE"       envDefault:"1m"`
	BackoffMax         time.Duration  `env:"JOB_BACKOFF_MAX"        envDefault:"24h"`
	SupervisorFailures int            `env:"SUPERVISOR_MAX_FAILURES" envDefault:"5"`
	ReadOnlyWarnEvery  time.Duration  `env:"READ_ONLY_WARN_INTERVAL" envDefault:"60s"`

	// ScheduledJobs maps job type to a cron expression; entries are ';'-separated,
	// e.g. "sync_updates_feed=@every 10m;archive_version_downloads=0 3 * * *".
	ScheduledJobs map[string]string `env:"SCHEDULED_JOBS" envSeparator:";" envKeyValSeparator:"="`

	// ── Admin HTTP ───────────────────────────────────────────────────────────────
	// Empty disables the admin listener.
	AdminListenAddr        string `env:"ADMIN_LISTEN_ADDR"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"30"`

	// ── Collaborators ────────────────────────────────────────────────────────────
	DomainName        string        `env:"DOMAIN_NAME"         envDefault:"crates.io"`
	StorageDir        string        `env:"STORAGE_DIR"         envDefault:"./local_uploads"`
	StorageBaseURL    string        `env:"STORAGE_BASE_URL"    envDefault:"https://static.crates.io"`
	HTTPClientTimeout time.Duration `env:"HTTP_CLIENT_TIMEOUT" envDefault:"45s"`

	FastlyAPIToken     string `env:"FASTLY_API_TOKEN"`
	FastlyStaticDomain string `env:"FASTLY_STATIC_DOMAIN" envDefault:"static.crates.io"`
	FastlyAPIBaseURL   string `env:"FASTLY_API_BASE_URL"  envDefault:"https://api.fastly.com"`

	DocsRsBaseURL   string  `env:"DOCS_RS_BASE_URL"   envDefault:"https://docs.rs"`
	DocsRsAPIToken  string  `env:"DOCS_RS_API_TOKEN"`
	DocsRsRateLimit float64 `env:"DOCS_RS_RATE_LIMIT" envDefault:"1"`

	// ── Email (SMTP) ─────────────────────────────────────────────────────────────
	SMTPHost     string `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"1025"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"noreply@crates.io"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"  envDefault:"false"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	AppEnv    string `env:"APP_ENV"    envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads an optional .env file and parses Config from environment
// variables. Returns an error if any required field is missing or the
// queue configuration is invalid.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	if len(c.QueueWorkers) == 0 {
		return errors.New("QUEUE_WORKERS: at least one queue must be configured")
	}
	for q, n := range c.QueueWorkers {
		if q == "" {
			return errors.New("QUEUE_WORKERS: empty queue name")
		}
		if n <= 0 {
			return fmt.Errorf("QUEUE_WORKERS: queue %q needs at least one worker, got %d", q, n)
		}
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("WORKER_POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.StaleThreshold <= 0 {
		return fmt.Errorf("WORKER_STALE_THRESHOLD must be positive, got %s", c.StaleThreshold)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.StaleThreshold {
		return fmt.Errorf("WORKER_HEARTBEAT_INTERVAL must be positive and below WORKER_STALE_THRESHOLD (%s), got %s",
			c.StaleThreshold, c.HeartbeatInterval)
	}
	if c.SupervisorFailures < 0 {
		return fmt.Errorf("SUPERVISOR_MAX_FAILURES must not be negative, got %d", c.SupervisorFailures)
	}
	return nil
}

// AreAllReadOnly reports whether no writable database is configured: the
// primary is flagged read-only and the replica, if any, is read-only too.
func (c *Config) AreAllReadOnly() bool {
	if !c.DBPrimaryReadOnly {
		return false
	}
	if c.DatabaseReplicaURL == "" {
		return true
	}
	return c.DBReplicaReadOnly
}

// IsDevelopment reports whether the worker is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
