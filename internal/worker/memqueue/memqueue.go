// Package memqueue is an in-memory job record store with the same claim,
// dedup and retry semantics as the Postgres store. It backs runner and
// supervisor tests and local experiments; it is not durable.
package memqueue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/syphar/crates.io/internal/backoff"
	"github.com/syphar/crates.io/internal/store"
)

// Queue is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	nextID   int64
	jobs     map[int64]*store.Job
	backoff  backoff.Strategy
	claimErr error
}

// Option configures a Queue.
type Option func(*Queue)

// WithBackoff sets the retry delay schedule used by FailJob.
func WithBackoff(b backoff.Strategy) Option {
	return func(q *Queue) { q.backoff = b }
}

// New creates an empty Queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		jobs:    make(map[int64]*store.Job),
		backoff: backoff.DefaultJobStrategy(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetClaimError makes every ClaimJob call fail with err until it is reset with nil.
func (q *Queue) SetClaimError(err error) {
	q.mu.Lock()
	q.claimErr = err
	q.mu.Unlock()
}

func eligible(j *store.Job) bool {
	return j.Status == store.StatusPending || j.Status == store.StatusRetryable
}

// siblingLocked returns an eligible row other than except sharing its dedup key.
func (q *Queue) siblingLocked(jobType string, key *string, except int64) *store.Job {
	if key == nil {
		return nil
	}
	for _, j := range q.jobs {
		if j.ID != except && eligible(j) && j.JobType == jobType && j.DedupKey != nil && *j.DedupKey == *key {
			return j
		}
	}
	return nil
}

// EnqueueJob inserts a job, or returns the id of its eligible duplicate.
func (q *Queue) EnqueueJob(_ context.Context, p store.EnqueueParams) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if dup := q.siblingLocked(p.JobType, p.DedupKey, 0); dup != nil {
		return dup.ID, nil
	}
	if p.Queue == "" {
		p.Queue = store.DefaultQueue
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = store.DefaultMaxAttempts
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}

	q.nextID++
	j := &store.Job{
		ID:          q.nextID,
		JobType:     p.JobType,
		Payload:     append(json.RawMessage(nil), p.Payload...),
		Queue:       p.Queue,
		Priority:    p.Priority,
		DedupKey:    p.DedupKey,
		Status:      store.StatusPending,
		MaxAttempts: p.MaxAttempts,
		CreatedAt:   time.Now(),
	}
	q.jobs[j.ID] = j
	return j.ID, nil
}

// ClaimJob locks the best eligible job of queue. Ties on priority go to
// the lower id, which is insertion order.
func (q *Queue) ClaimJob(_ context.Context, queue, workerID string, now time.Time) (*store.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.claimErr != nil {
		return nil, q.claimErr
	}

	var best *store.Job
	for _, j := range q.jobs {
		if j.Queue != queue {
			continue
		}
		ready := j.Status == store.StatusPending ||
			(j.Status == store.StatusRetryable && j.NotBefore != nil && !j.NotBefore.After(now))
		if !ready {
			continue
		}
		if best == nil || j.Priority > best.Priority || (j.Priority == best.Priority && j.ID < best.ID) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	holder, at := workerID, now
	best.Status = store.StatusLocked
	best.LockHolder = &holder
	best.LockedAt = &at
	cp := *best
	return &cp, nil
}

// heldLocked returns job id if it is locked by workerID.
func (q *Queue) heldLocked(id int64, workerID string) (*store.Job, bool) {
	j, ok := q.jobs[id]
	if !ok || j.Status != store.StatusLocked || j.LockHolder == nil || *j.LockHolder != workerID {
		return nil, false
	}
	return j, true
}

// CompleteJob deletes a job locked by workerID.
func (q *Queue) CompleteJob(_ context.Context, id int64, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.heldLocked(id, workerID); !ok {
		return store.ErrJobNotLocked
	}
	delete(q.jobs, id)
	return nil
}

// HeartbeatJob refreshes locked_at of a job locked by workerID.
func (q *Queue) HeartbeatJob(_ context.Context, id int64, workerID string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.heldLocked(id, workerID)
	if !ok {
		return store.ErrJobNotLocked
	}
	at := now
	j.LockedAt = &at
	return nil
}

// FailJob records a failed execution of a job locked by workerID.
func (q *Queue) FailJob(_ context.Context, id int64, workerID, errMsg string, now time.Time) (store.FailResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.heldLocked(id, workerID)
	if !ok {
		return store.FailResult{}, store.ErrJobNotLocked
	}
	j.Attempts++
	msg := errMsg
	j.LastError = &msg
	j.LockHolder, j.LockedAt = nil, nil

	res := store.FailResult{Attempts: j.Attempts}
	if j.Attempts >= j.MaxAttempts {
		j.Status = store.StatusFailed
		j.NotBefore = nil
		res.Permanent = true
		return res, nil
	}

	res.NotBefore = now.Add(q.backoff.Delay(int(j.Attempts)))
	nb := res.NotBefore
	j.NotBefore = &nb
	if q.siblingLocked(j.JobType, j.DedupKey, j.ID) != nil {
		delete(q.jobs, id)
		res.Folded = true
		return res, nil
	}
	j.Status = store.StatusRetryable
	return res, nil
}

// FailJobPermanently marks a job locked by workerID failed without retry.
func (q *Queue) FailJobPermanently(_ context.Context, id int64, workerID, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.heldLocked(id, workerID)
	if !ok {
		return store.ErrJobNotLocked
	}
	msg := errMsg
	j.Attempts++
	j.LastError = &msg
	j.Status = store.StatusFailed
	j.LockHolder, j.LockedAt, j.NotBefore = nil, nil, nil
	return nil
}

// ReapStaleLocks returns jobs locked before now-threshold to retryable.
func (q *Queue) ReapStaleLocks(_ context.Context, threshold time.Duration, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := now.Add(-threshold)
	n := 0
	for id, j := range q.jobs {
		if j.Status != store.StatusLocked || j.LockedAt == nil || !j.LockedAt.Before(cutoff) {
			continue
		}
		n++
		if q.siblingLocked(j.JobType, j.DedupKey, id) != nil {
			delete(q.jobs, id)
			continue
		}
		nb := now
		j.Status = store.StatusRetryable
		j.NotBefore = &nb
		j.LockHolder, j.LockedAt = nil, nil
	}
	return n, nil
}

// ActiveJobTypes returns the distinct job types of rows that are not failed.
func (q *Queue) ActiveJobTypes(_ context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[string]struct{})
	for _, j := range q.jobs {
		if j.Status != store.StatusFailed {
			seen[j.JobType] = struct{}{}
		}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types, nil
}

// Get returns a copy of job id.
func (q *Queue) Get(id int64) (store.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return store.Job{}, false
	}
	return *j, true
}

// Jobs returns copies of all rows ordered by id.
func (q *Queue) Jobs() []store.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]store.Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Len returns the number of rows.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
