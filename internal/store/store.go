// Package store provides the data access layer for the background worker.
// All queries go through pgx/v5 directly: the job record store uses
// FOR UPDATE SKIP LOCKED for claims and savepoints for dedup folding; job
// bodies use the registry queries in crates.go.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/syphar/crates.io/internal/backoff"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx, so store
// functions that accept it can run inside a caller's transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the central data access object.
type Store struct {
	pool    *pgxpool.Pool
	backoff backoff.Strategy
}

// Option configures a Store.
type Option func(*Store)

// WithBackoff sets the delay schedule applied by FailJob to retryable jobs.
func WithBackoff(b backoff.Strategy) Option {
	return func(s *Store) { s.backoff = b }
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:    pool,
		backoff: backoff.DefaultJobStrategy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pool returns the underlying pgxpool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithTx runs fn inside a pgx transaction. The transaction is committed if
// fn returns nil, rolled back otherwise. Use it to make an enqueue atomic
// with the business change that triggers it.
func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	if err := pgx.BeginFunc(ctx, s.pool, fn); err != nil {
		return fmt.Errorf("tx: %w", err)
	}
	return nil
}

// isUniqueViolation checks if a PostgreSQL error is a unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
