// ABOUTME: Runner executes claimed jobs in per-queue worker slots with a shared stale-lock reaper.
// ABOUTME: Shutdown is cooperative: slots finish their current job, then stop claiming.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/syphar/crates.io/internal/backoff"
	"github.com/syphar/crates.io/internal/metrics"
	"github.com/syphar/crates.io/internal/store"
)

// Queue is the job record store as seen by the runner. *store.Store
// implements it against Postgres; memqueue.Queue in memory.
type Queue interface {
	ClaimJob(ctx context.Context, queue, workerID string, now time.Time) (*store.Job, error)
	CompleteJob(ctx context.Context, id int64, workerID string) error
	FailJob(ctx context.Context, id int64, workerID, errMsg string, now time.Time) (store.FailResult, error)
	FailJobPermanently(ctx context.Context, id int64, workerID, errMsg string) error
	HeartbeatJob(ctx context.Context, id int64, workerID string, now time.Time) error
	ReapStaleLocks(ctx context.Context, threshold time.Duration, now time.Time) (int, error)
	ActiveJobTypes(ctx context.Context) ([]string, error)
}

// Config controls slot counts and timing of a Runner.
type Config struct {
	// Queues maps a queue name to its number of worker slots.
	Queues map[string]int

	// PollInterval is how long an idle slot waits before claiming again.
	PollInterval time.Duration

	// ReapInterval is how often stale locks are swept.
	ReapInterval time.Duration

	// StaleThreshold is the lock age after which a job is presumed abandoned.
	StaleThreshold time.Duration

	// HeartbeatInterval is how often a running job refreshes locked_at so
	// the reaper leaves it alone. Zero means StaleThreshold/3; it must be
	// below StaleThreshold.
	HeartbeatInterval time.Duration

	// MaxStoreErrors is the number of consecutive claim failures a slot
	// tolerates before it gives up and fails the runner.
	MaxStoreErrors int

	// StoreRetries bounds retries of complete/fail calls. After that the
	// row stays locked until the reaper recovers it.
	StoreRetries int

	// StoreBackoff spaces out retries of failed store calls.
	StoreBackoff backoff.Strategy
}

// DefaultConfig returns the production timings with the given queues.
func DefaultConfig(queues map[string]int) Config {
	return Config{
		Queues:         queues,
		PollInterval:   time.Second,
		ReapInterval:   time.Minute,
		StaleThreshold: 5 * time.Minute,
		MaxStoreErrors: 10,
		StoreRetries:   5,
		StoreBackoff:   backoff.Exponential{Initial: 100 * time.Millisecond, Max: 10 * time.Second},
	}
}

// RunnerOption configures a Runner.
type RunnerOption func(*runnerOptions)

type runnerOptions struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) RunnerOption {
	return func(o *runnerOptions) { o.logger = l }
}

// WithMetrics records execution metrics into m.
func WithMetrics(m *metrics.Metrics) RunnerOption {
	return func(o *runnerOptions) { o.metrics = m }
}

// WithClock replaces time.Now for claim, fail and reap timestamps.
func WithClock(now func() time.Time) RunnerOption {
	return func(o *runnerOptions) { o.now = now }
}

// Runner claims and executes jobs from a Queue. Every job runs with the
// same shared context value env.
type Runner[C any] struct {
	queue     Queue
	registry  *Registry[C]
	env       C
	cfg       Config
	processID string
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewRunner validates cfg against the registry and closes the registry to
// further registrations.
func NewRunner[C any](q Queue, reg *Registry[C], env C, cfg Config, opts ...RunnerOption) (*Runner[C], error) {
	o := runnerOptions{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if len(cfg.Queues) == 0 {
		return nil, configErrorf("no queues configured")
	}
	for q, n := range cfg.Queues {
		if q == "" || n <= 0 {
			return nil, configErrorf("queue %q: worker count must be positive, got %d", q, n)
		}
	}
	if cfg.PollInterval <= 0 || cfg.ReapInterval <= 0 || cfg.StaleThreshold <= 0 {
		return nil, configErrorf("poll interval, reap interval and stale threshold must be positive")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.StaleThreshold / 3
	}
	if cfg.HeartbeatInterval >= cfg.StaleThreshold {
		return nil, configErrorf("heartbeat interval %s must be below stale threshold %s",
			cfg.HeartbeatInterval, cfg.StaleThreshold)
	}
	if cfg.StoreBackoff == nil {
		cfg.StoreBackoff = DefaultConfig(nil).StoreBackoff
	}
	if err := reg.Validate(cfg.Queues); err != nil {
		return nil, err
	}
	reg.seal()

	return &Runner[C]{
		queue:     q,
		registry:  reg,
		env:       env,
		cfg:       cfg,
		processID: uuid.New().String(),
		logger:    o.logger,
		metrics:   o.metrics,
		now:       o.now,
	}, nil
}

// Handle controls a started Runner.
type Handle struct {
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Shutdown asks every slot to stop after its current job.
func (h *Handle) Shutdown() { h.cancel() }

// WaitForShutdown blocks until every slot and the reaper have exited. It
// returns nil after a clean shutdown, or the error that made a slot give
// up (a *PersistenceError when the store stayed unreachable).
func (h *Handle) WaitForShutdown() error {
	err := h.group.Wait()
	h.cancel()
	return err
}

// Start launches the worker slots and the reaper. Cancelling ctx is the
// shutdown signal.
func (r *Runner[C]) Start(ctx context.Context) (*Handle, error) {
	if err := r.warnUnknownTypes(ctx); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	queues := make([]string, 0, len(r.cfg.Queues))
	for q := range r.cfg.Queues {
		queues = append(queues, q)
	}
	sort.Strings(queues)

	for _, queue := range queues {
		for n := range r.cfg.Queues[queue] {
			workerID := fmt.Sprintf("%s:%s:%d", r.processID, queue, n)
			g.Go(func() error { return r.runSlot(gctx, queue, workerID) })
		}
	}
	g.Go(func() error { return r.runReaper(gctx) })

	r.logger.Info("runner started", "process_id", r.processID, "queues", r.cfg.Queues)
	return &Handle{cancel: cancel, group: g}, nil
}

func (r *Runner[C]) warnUnknownTypes(ctx context.Context) error {
	active, err := r.queue.ActiveJobTypes(ctx)
	if err != nil {
		return &PersistenceError{Op: "list job types", Err: err}
	}
	for _, jobType := range active {
		if _, ok := r.registry.Options(jobType); !ok {
			r.logger.Warn("job table contains unregistered job type; such jobs will fail permanently when claimed",
				"job_type", jobType)
		}
	}
	return nil
}

// runSlot is the claim/execute loop of one worker slot. It returns nil on
// shutdown and a *PersistenceError after too many consecutive claim failures.
func (r *Runner[C]) runSlot(ctx context.Context, queue, workerID string) error {
	log := r.logger.With("queue", queue, "worker_id", workerID)
	log.Debug("worker slot started")

	storeErrors := 0
	for {
		if ctx.Err() != nil {
			log.Debug("worker slot stopping")
			return nil
		}

		job, err := r.queue.ClaimJob(ctx, queue, workerID, r.now())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			storeErrors++
			r.metrics.ClaimError(queue)
			log.Error("claim job error", "error", err, "consecutive", storeErrors)
			if storeErrors > r.cfg.MaxStoreErrors {
				return &PersistenceError{Op: "claim", Err: err}
			}
			if !sleep(ctx, r.cfg.StoreBackoff.Delay(storeErrors)) {
				return nil
			}
			continue
		}
		storeErrors = 0

		if job == nil {
			if !sleep(ctx, r.cfg.PollInterval) {
				return nil
			}
			continue
		}

		// The job and its outcome report are not interrupted by shutdown.
		r.process(context.WithoutCancel(ctx), log, job, workerID)
	}
}

func (r *Runner[C]) process(ctx context.Context, log *slog.Logger, job *store.Job, workerID string) {
	log = log.With("job_id", job.ID, "job_type", job.JobType, "attempts", job.Attempts)

	run, err := r.registry.decode(job.JobType, job.Payload)
	if err != nil {
		log.Error("job cannot be decoded, failing permanently", "error", err)
		r.metrics.ObserveJob(job.JobType, metrics.OutcomeDecodeError, 0)
		_ = r.retryStore(ctx, log, "fail", func() error {
			return r.queue.FailJobPermanently(ctx, job.ID, workerID, err.Error())
		})
		return
	}

	r.metrics.SlotBusy(job.Queue, 1)
	start := time.Now()
	stopHeartbeat := r.heartbeat(ctx, log, job.ID, workerID)
	err = r.execute(ctx, job, run)
	stopHeartbeat()
	elapsed := time.Since(start)
	r.metrics.SlotBusy(job.Queue, -1)

	if err == nil {
		r.metrics.ObserveJob(job.JobType, metrics.OutcomeSuccess, elapsed)
		if r.retryStore(ctx, log, "complete", func() error {
			return r.queue.CompleteJob(ctx, job.ID, workerID)
		}) == nil {
			log.Info("job completed", "duration", elapsed)
		}
		return
	}

	var execErr *ExecutionError
	outcome := metrics.OutcomeFailure
	if errors.As(err, &execErr) && execErr.Panic != nil {
		outcome = metrics.OutcomePanic
		log.Error("job panicked", "panic", execErr.Panic, "stack", string(execErr.Stack))
	}
	r.metrics.ObserveJob(job.JobType, outcome, elapsed)

	var res store.FailResult
	if r.retryStore(ctx, log, "fail", func() error {
		var ferr error
		res, ferr = r.queue.FailJob(ctx, job.ID, workerID, err.Error(), r.now())
		return ferr
	}) != nil {
		return
	}
	switch {
	case res.Permanent:
		log.Error("job failed permanently", "error", err, "attempts", res.Attempts)
	case res.Folded:
		log.Warn("job failed; an eligible duplicate will retry it", "error", err)
	default:
		log.Warn("job failed, will retry", "error", err, "attempts", res.Attempts, "not_before", res.NotBefore)
	}
}

// heartbeat refreshes the job's lock every HeartbeatInterval until the
// returned stop function is called. stop waits for the goroutine to exit.
func (r *Runner[C]) heartbeat(ctx context.Context, log *slog.Logger, id int64, workerID string) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
			}
			err := r.queue.HeartbeatJob(hbCtx, id, workerID, r.now())
			switch {
			case err == nil:
			case hbCtx.Err() != nil:
				return
			case errors.Is(err, store.ErrJobNotLocked):
				log.Warn("job lock lost while running", "error", err)
				return
			default:
				log.Warn("job heartbeat failed", "error", err)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// execute runs the job body, converting a returned error or a panic into
// an *ExecutionError.
func (r *Runner[C]) execute(ctx context.Context, job *store.Job, run task[C]) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &ExecutionError{
				JobType: job.JobType,
				JobID:   job.ID,
				Err:     fmt.Errorf("panic: %v", p),
				Panic:   p,
				Stack:   debug.Stack(),
			}
		}
	}()
	if runErr := run(ctx, r.env); runErr != nil {
		return &ExecutionError{JobType: job.JobType, JobID: job.ID, Err: runErr}
	}
	return nil
}

// retryStore retries a complete/fail call while the store is unreachable.
// A row that is no longer locked by us (reaped or removed) is not retried.
func (r *Runner[C]) retryStore(ctx context.Context, log *slog.Logger, op string, call func() error) error {
	var err error
	for attempt := 1; attempt <= r.cfg.StoreRetries+1; attempt++ {
		if err = call(); err == nil {
			return nil
		}
		if errors.Is(err, store.ErrJobNotLocked) || errors.Is(err, store.ErrJobNotFound) {
			log.Warn("job row changed while running; outcome not recorded", "op", op, "error", err)
			return err
		}
		if attempt <= r.cfg.StoreRetries {
			log.Warn("job store call failed, retrying", "op", op, "error", err, "retry", attempt)
			sleep(ctx, r.cfg.StoreBackoff.Delay(attempt))
		}
	}
	err = &PersistenceError{Op: op, Err: err}
	log.Error("giving up on job store call; the reaper will recover the row", "error", err)
	return err
}

// runReaper sweeps stale locks once at start and then every ReapInterval.
func (r *Runner[C]) runReaper(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	r.logger.Debug("stale lock reaper started",
		"threshold", r.cfg.StaleThreshold, "interval", r.cfg.ReapInterval)

	r.reap(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

func (r *Runner[C]) reap(ctx context.Context) {
	n, err := r.queue.ReapStaleLocks(ctx, r.cfg.StaleThreshold, r.now())
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("stale lock recovery error", "error", err)
		}
		return
	}
	if n > 0 {
		r.metrics.Reaped(n)
		r.logger.Info("reclaimed stale jobs", "count", n)
	}
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
