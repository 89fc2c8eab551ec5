// ABOUTME: Job record store: enqueue with dedup, SKIP LOCKED claim, complete/fail, stale-lock reaping.
// ABOUTME: Runs at READ COMMITTED; ordering across processes is best-effort (first claim wins).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// Status is the lifecycle state of a background_jobs row. Successful jobs
// are deleted, so there is no "succeeded" status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusLocked    Status = "locked"
	StatusRetryable Status = "retryable"
	StatusFailed    Status = "failed"
)

// DefaultQueue is the lane used when a job does not name one.
const DefaultQueue = "default"

// DefaultMaxAttempts applies when EnqueueParams.MaxAttempts is not positive.
const DefaultMaxAttempts = 5

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobNotLocked      = errors.New("job is not locked by this worker")
	ErrJobNotFailed      = errors.New("job is not permanently failed")
	ErrDuplicatePending  = errors.New("an eligible duplicate of this job already exists")
	errDedupClaimedRaced = errors.New("duplicate job claimed during enqueue")
)

// Job is one row of background_jobs.
type Job struct {
	ID          int64           `json:"id"`
	JobType     string          `json:"job_type"`
	Payload     json.RawMessage `json:"payload"`
	Queue       string          `json:"queue"`
	Priority    int16           `json:"priority"`
	DedupKey    *string         `json:"dedup_key,omitempty"`
	Status      Status          `json:"status"`
	Attempts    int32           `json:"attempts"`
	MaxAttempts int32           `json:"max_attempts"`
	LastError   *string         `json:"last_error,omitempty"`
	LockHolder  *string         `json:"lock_holder,omitempty"`
	LockedAt    *time.Time      `json:"locked_at,omitempty"`
	NotBefore   *time.Time      `json:"not_before,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// EnqueueParams describes a job to insert.
type EnqueueParams struct {
	JobType     string
	Queue       string
	Priority    int16
	Payload     json.RawMessage
	DedupKey    *string
	MaxAttempts int32
}

// FailResult reports what FailJob did with the row.
type FailResult struct {
	Attempts  int32
	Permanent bool
	// Folded is set when the row was deleted because an eligible duplicate
	// already covers the same work.
	Folded    bool
	NotBefore time.Time
}

// ListJobsFilter narrows ListJobs. Zero values mean "any".
type ListJobsFilter struct {
	Status  Status
	Queue   string
	JobType string
	Limit   uint64
}

const jobColumns = `id, job_type, payload, queue, priority, dedup_key, status,
	attempts, max_attempts, last_error, lock_holder, locked_at, not_before, created_at`

// insertJobSQL skips the insert when an eligible row with the same
// (job_type, dedup_key) exists; rows without a dedup_key never conflict.
const insertJobSQL = `
INSERT INTO background_jobs (job_type, queue, priority, payload, dedup_key, max_attempts)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (job_type, dedup_key) WHERE dedup_key IS NOT NULL AND status IN ('pending', 'retryable')
DO NOTHING
RETURNING id`

const eligibleDuplicateSQL = `
SELECT id FROM background_jobs
WHERE job_type = $1 AND dedup_key = $2 AND status IN ('pending', 'retryable')`

// claimJobSQL locks the best eligible row of one queue. SKIP LOCKED makes
// concurrent claimers pick different rows instead of blocking on each other.
const claimJobSQL = `
UPDATE background_jobs
SET status = 'locked', lock_holder = $2, locked_at = $3
WHERE id = (
    SELECT id FROM background_jobs
    WHERE queue = $1
      AND (status = 'pending' OR (status = 'retryable' AND not_before <= $3))
    ORDER BY priority DESC, created_at ASC, id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j      Job
		status string
	)
	if err := row.Scan(
		&j.ID, &j.JobType, &j.Payload, &j.Queue, &j.Priority, &j.DedupKey, &status,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &j.LockHolder, &j.LockedAt, &j.NotBefore, &j.CreatedAt,
	); err != nil {
		return nil, err
	}
	j.Status = Status(status)
	return &j, nil
}

// InsertJob inserts a job using db, which may be the caller's transaction.
// For a deduplicated job (DedupKey set) whose eligible duplicate already
// exists, nothing is inserted and the existing id is returned.
func InsertJob(ctx context.Context, db DBTX, p EnqueueParams) (int64, error) {
	if p.Queue == "" {
		p.Queue = DefaultQueue
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}

	// The duplicate can be claimed between the insert and the lookup; at
	// that point it no longer blocks the insert, so try again.
	for range 3 {
		id, err := insertJobOnce(ctx, db, p)
		if errors.Is(err, errDedupClaimedRaced) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("enqueue job %s: %w", p.JobType, err)
		}
		return id, nil
	}
	return 0, fmt.Errorf("enqueue job %s: %w", p.JobType, errDedupClaimedRaced)
}

func insertJobOnce(ctx context.Context, db DBTX, p EnqueueParams) (int64, error) {
	var id int64
	err := db.QueryRow(ctx, insertJobSQL,
		p.JobType, p.Queue, p.Priority, p.Payload, p.DedupKey, p.MaxAttempts,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || p.DedupKey == nil {
		return 0, err
	}

	err = db.QueryRow(ctx, eligibleDuplicateSQL, p.JobType, *p.DedupKey).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errDedupClaimedRaced
	}
	if err != nil {
		return 0, fmt.Errorf("lookup duplicate: %w", err)
	}
	return id, nil
}

// EnqueueJob inserts a job outside any caller transaction.
func (s *Store) EnqueueJob(ctx context.Context, p EnqueueParams) (int64, error) {
	return InsertJob(ctx, s.pool, p)
}

// TxEnqueuer enqueues jobs inside an open transaction so job creation
// commits or rolls back together with the caller's business change.
type TxEnqueuer struct {
	tx pgx.Tx
}

// NewTxEnqueuer wraps tx.
func NewTxEnqueuer(tx pgx.Tx) TxEnqueuer { return TxEnqueuer{tx: tx} }

// EnqueueJob inserts a job within the wrapped transaction.
func (t TxEnqueuer) EnqueueJob(ctx context.Context, p EnqueueParams) (int64, error) {
	return InsertJob(ctx, t.tx, p)
}

// ClaimJob atomically locks the highest-priority, oldest eligible job on
// queue for workerID. Returns (nil, nil) when no job is eligible.
func (s *Store) ClaimJob(ctx context.Context, queue, workerID string, now time.Time) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, claimJobSQL, queue, workerID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job on %s: %w", queue, err)
	}
	return j, nil
}

// CompleteJob deletes a successfully executed job still locked by workerID.
// A row that was reaped and reclaimed by another slot is left alone and
// ErrJobNotLocked is returned.
func (s *Store) CompleteJob(ctx context.Context, id int64, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM background_jobs
		WHERE id = $1 AND status = 'locked' AND lock_holder = $2`, id, workerID)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %d: %w", id, ErrJobNotLocked)
	}
	return nil
}

// HeartbeatJob refreshes locked_at of a job still locked by workerID so the
// reaper does not take it from a live holder.
func (s *Store) HeartbeatJob(ctx context.Context, id int64, workerID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE background_jobs SET locked_at = $3
		WHERE id = $1 AND status = 'locked' AND lock_holder = $2`, id, workerID, now)
	if err != nil {
		return fmt.Errorf("heartbeat job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("heartbeat job %d: %w", id, ErrJobNotLocked)
	}
	return nil
}

// FailJob records a failed execution of a job locked by workerID. The attempt count is
// incremented; when it reaches max_attempts the row becomes permanently
// failed, otherwise it becomes retryable after an exponential backoff
// computed from the new attempt count.
func (s *Store) FailJob(ctx context.Context, id int64, workerID, errMsg string, now time.Time) (FailResult, error) {
	var res FailResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var attempts, maxAttempts int32
		err := tx.QueryRow(ctx,
			`SELECT attempts, max_attempts FROM background_jobs
			 WHERE id = $1 AND status = 'locked' AND lock_holder = $2 FOR UPDATE`, id, workerID,
		).Scan(&attempts, &maxAttempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrJobNotLocked
		}
		if err != nil {
			return err
		}

		res.Attempts = attempts + 1
		if res.Attempts >= maxAttempts {
			res.Permanent = true
			_, err := tx.Exec(ctx, `
				UPDATE background_jobs
				SET status = 'failed', attempts = $2, last_error = $3,
				    lock_holder = NULL, locked_at = NULL, not_before = NULL
				WHERE id = $1`, id, res.Attempts, errMsg)
			return err
		}

		res.NotBefore = now.Add(s.backoff.Delay(int(res.Attempts)))
		res.Folded, err = retryOrFold(ctx, tx, id, `
			UPDATE background_jobs
			SET status = 'retryable', attempts = $2, last_error = $3,
			    lock_holder = NULL, locked_at = NULL, not_before = $4
			WHERE id = $1`, id, res.Attempts, errMsg, res.NotBefore)
		return err
	})
	if err != nil {
		return FailResult{}, fmt.Errorf("fail job %d: %w", id, err)
	}
	return res, nil
}

// FailJobPermanently marks a locked job failed without retry. Used for
// payloads that cannot be decoded and for unregistered job types.
func (s *Store) FailJobPermanently(ctx context.Context, id int64, workerID, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE background_jobs
		SET status = 'failed', attempts = attempts + 1, last_error = $3,
		    lock_holder = NULL, locked_at = NULL, not_before = NULL
		WHERE id = $1 AND status = 'locked' AND lock_holder = $2`, id, workerID, errMsg)
	if err != nil {
		return fmt.Errorf("fail job %d permanently: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail job %d permanently: %w", id, ErrJobNotLocked)
	}
	return nil
}

// retryOrFold runs update inside a savepoint. If making the row eligible
// again would violate the dedup index, an eligible duplicate already
// covers this work, so the row is deleted instead.
func retryOrFold(ctx context.Context, tx pgx.Tx, id int64, update string, args ...any) (bool, error) {
	err := pgx.BeginFunc(ctx, tx, func(sp pgx.Tx) error {
		_, err := sp.Exec(ctx, update, args...)
		return err
	})
	if err == nil {
		return false, nil
	}
	if !isUniqueViolation(err) {
		return false, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM background_jobs WHERE id = $1`, id); err != nil {
		return false, fmt.Errorf("fold duplicate: %w", err)
	}
	return true, nil
}

// ReapStaleLocks returns locked jobs whose locked_at is older than
// threshold to retryable, immediately eligible. attempts is not changed.
// Returns the number of rows recovered (including folded duplicates).
func (s *Store) ReapStaleLocks(ctx context.Context, threshold time.Duration, now time.Time) (int, error) {
	var n int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id FROM background_jobs
			WHERE status = 'locked' AND locked_at < $1
			ORDER BY id
			FOR UPDATE SKIP LOCKED`, now.Add(-threshold))
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := retryOrFold(ctx, tx, id, `
				UPDATE background_jobs
				SET status = 'retryable', lock_holder = NULL, locked_at = NULL, not_before = $2
				WHERE id = $1`, id, now); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reap stale locks: %w", err)
	}
	return n, nil
}

// GetJob returns the job with id.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM background_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

// ListJobs returns jobs matching f, oldest first.
func (s *Store) ListJobs(ctx context.Context, f ListJobsFilter) ([]*Job, error) {
	q := sq.Select(jobColumns).
		From("background_jobs").
		OrderBy("created_at ASC", "id ASC").
		PlaceholderFormat(sq.Dollar)
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Queue != "" {
		q = q.Where(sq.Eq{"queue": f.Queue})
	}
	if f.JobType != "" {
		q = q.Where(sq.Eq{"job_type": f.JobType})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list jobs: build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Job, error) {
		return scanJob(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// QueueDepths returns the number of eligible (pending or retryable) jobs per queue.
func (s *Store) QueueDepths(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT queue, count(*) FROM background_jobs
		WHERE status IN ('pending', 'retryable')
		GROUP BY queue`)
	if err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	defer rows.Close()

	depths := make(map[string]int64)
	for rows.Next() {
		var (
			queue string
			n     int64
		)
		if err := rows.Scan(&queue, &n); err != nil {
			return nil, fmt.Errorf("queue depths: %w", err)
		}
		depths[queue] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	return depths, nil
}

// ActiveJobTypes returns the distinct job types of rows that may still be
// claimed or are currently running.
func (s *Store) ActiveJobTypes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT job_type FROM background_jobs
		WHERE status <> 'failed' ORDER BY job_type`)
	if err != nil {
		return nil, fmt.Errorf("active job types: %w", err)
	}
	types, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("active job types: %w", err)
	}
	return types, nil
}

// RequeueJob moves a permanently failed job back to pending and grants it
// extraAttempts more executions. attempts is kept as is.
func (s *Store) RequeueJob(ctx context.Context, id int64, extraAttempts int32) (*Job, error) {
	if extraAttempts <= 0 {
		extraAttempts = 1
	}
	j, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE background_jobs
		SET status = 'pending', max_attempts = attempts + $2, not_before = NULL,
		    lock_holder = NULL, locked_at = NULL
		WHERE id = $1 AND status = 'failed'
		RETURNING `+jobColumns, id, extraAttempts))
	switch {
	case err == nil:
		return j, nil
	case isUniqueViolation(err):
		return nil, fmt.Errorf("requeue job %d: %w", id, ErrDuplicatePending)
	case errors.Is(err, pgx.ErrNoRows):
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return nil, fmt.Errorf("requeue job %d: %w", id, getErr)
		}
		return nil, fmt.Errorf("requeue job %d: %w", id, ErrJobNotFailed)
	default:
		return nil, fmt.Errorf("requeue job %d: %w", id, err)
	}
}
