// ABOUTME: Test helper that starts a Postgres testcontainer with all migrations applied.
// ABOUTME: Use NewTestDB(t) in integration tests that need a real database.
package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/syphar/crates.io/internal/backoff"
	"github.com/syphar/crates.io/internal/store"
	"github.com/syphar/crates.io/migrations"
)

// TestDB wraps a Store backed by a throwaway database. It embeds
// *store.Store so all store methods are directly callable.
type TestDB struct {
	*store.Store
	ConnString string
}

// NewTestDB starts a Postgres testcontainer, runs all migrations, and returns
// a TestDB backed by the test DB. The container and pool are cleaned up via
// t.Cleanup. Extra store options (e.g. a test backoff) are passed through.
func NewTestDB(t *testing.T, opts ...store.Option) *TestDB {
	t.Helper()
	ctx := context.Background()

	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("crates_io_test"),
		tcpostgres.WithUsername("crates_io_test"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	if err := migrateUp(ctx, connStr); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)

	// Tests read not_before directly, so default to a short deterministic schedule.
	opts = append([]store.Option{store.WithBackoff(backoff.Exponential{Initial: time.Second})}, opts...)
	return &TestDB{
		Store:      store.New(pool, opts...),
		ConnString: connStr,
	}
}

// migrateUp applies the embedded migrations using the same pattern as the
// migrate subcommand.
func migrateUp(ctx context.Context, connStr string) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return err
	}
	connCfg, err := pgx.ParseConfig(connStr)
	if err != nil {
		return err
	}
	// Simple query protocol lets postgres execute multi-statement migration
	// files natively.
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	if err := db.PingContext(ctx); err != nil {
		return err
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// ── Fixtures ──────────────────────────────────────────────────────────────────

// CreateUser inserts a user and returns its id.
func (db *TestDB) CreateUser(t *testing.T, login, email string, notifications bool) int64 {
	t.Helper()
	var id int64
	if err := db.Pool().QueryRow(context.Background(),
		`INSERT INTO users (login, email, publish_notifications) VALUES ($1, NULLIF($2, ''), $3) RETURNING id`,
		login, email, notifications).Scan(&id); err != nil {
		t.Fatalf("create user %q: %v", login, err)
	}
	return id
}

// CreateCrate inserts a crate and returns its id.
func (db *TestDB) CreateCrate(t *testing.T, name, description string) int64 {
	t.Helper()
	var id int64
	if err := db.Pool().QueryRow(context.Background(),
		`INSERT INTO crates (name, description) VALUES ($1, NULLIF($2, '')) RETURNING id`,
		name, description).Scan(&id); err != nil {
		t.Fatalf("create crate %q: %v", name, err)
	}
	return id
}

// CreateVersion inserts a version of crateID published at createdAt and returns its id.
// publishedBy may be 0 for no publisher.
func (db *TestDB) CreateVersion(t *testing.T, crateID int64, num string, yanked bool, publishedBy int64, createdAt time.Time) int64 {
	t.Helper()
	var id int64
	if err := db.Pool().QueryRow(context.Background(), `
		INSERT INTO versions (crate_id, num, yanked, published_by, created_at)
		VALUES ($1, $2, $3, NULLIF($4, 0), $5) RETURNING id`,
		crateID, num, yanked, publishedBy, createdAt).Scan(&id); err != nil {
		t.Fatalf("create version %s: %v", num, err)
	}
	return id
}

// AddOwner makes userID an owner of crateID.
func (db *TestDB) AddOwner(t *testing.T, crateID, userID int64) {
	t.Helper()
	if _, err := db.Pool().Exec(context.Background(),
		`INSERT INTO crate_owners (crate_id, user_id) VALUES ($1, $2)`, crateID, userID); err != nil {
		t.Fatalf("add owner: %v", err)
	}
}

// AddDownloads records downloads for versionID on date.
func (db *TestDB) AddDownloads(t *testing.T, versionID int64, date time.Time, downloads int32) {
	t.Helper()
	if _, err := db.Pool().Exec(context.Background(),
		`INSERT INTO version_downloads (version_id, date, downloads) VALUES ($1, $2, $3)`,
		versionID, date, downloads); err != nil {
		t.Fatalf("add downloads: %v", err)
	}
}

// CountJobs returns the number of background_jobs rows of jobType.
func (db *TestDB) CountJobs(t *testing.T, jobType string) int {
	t.Helper()
	var n int
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT count(*) FROM background_jobs WHERE job_type = $1`, jobType).Scan(&n); err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	return n
}
