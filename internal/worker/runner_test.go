package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syphar/crates.io/internal/backoff"
	"github.com/syphar/crates.io/internal/metrics"
	"github.com/syphar/crates.io/internal/store"
	"github.com/syphar/crates.io/internal/worker"
	"github.com/syphar/crates.io/internal/worker/memqueue"
)

var errUnreachable = errors.New("connection refused")

// brokenStore fails every call as an unreachable database would.
type brokenStore struct{}

func (brokenStore) EnqueueJob(context.Context, store.EnqueueParams) (int64, error) {
	return 0, errUnreachable
}

func (brokenStore) ClaimJob(context.Context, string, string, time.Time) (*store.Job, error) {
	return nil, errUnreachable
}
func (brokenStore) CompleteJob(context.Context, int64, string) error { return errUnreachable }
func (brokenStore) FailJob(context.Context, int64, string, string, time.Time) (store.FailResult, error) {
	return store.FailResult{}, errUnreachable
}
func (brokenStore) FailJobPermanently(context.Context, int64, string, string) error {
	return errUnreachable
}
func (brokenStore) HeartbeatJob(context.Context, int64, string, time.Time) error { return errUnreachable }
func (brokenStore) ReapStaleLocks(context.Context, time.Duration, time.Time) (int, error) {
	return 0, errUnreachable
}
func (brokenStore) ActiveJobTypes(context.Context) ([]string, error) { return nil, nil }

func testConfig(queues map[string]int) worker.Config {
	cfg := worker.DefaultConfig(queues)
	cfg.PollInterval = 2 * time.Millisecond
	cfg.ReapInterval = time.Hour
	cfg.MaxStoreErrors = 3
	cfg.StoreRetries = 2
	cfg.StoreBackoff = backoff.Constant{Interval: time.Millisecond}
	return cfg
}

// startRunner builds and starts a runner and stops it at test cleanup.
func startRunner(t *testing.T, q worker.Queue, reg *worker.Registry[env], cfg worker.Config, opts ...worker.RunnerOption) *worker.Handle {
	t.Helper()
	r, err := worker.NewRunner(q, reg, env{}, cfg, opts...)
	require.NoError(t, err)
	h, err := r.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		h.Shutdown()
		_ = h.WaitForShutdown()
	})
	return h
}

func immediateRetries() *memqueue.Queue {
	return memqueue.New(memqueue.WithBackoff(backoff.Constant{}))
}

func TestRunner_CompletesJob(t *testing.T) {
	t.Parallel()
	q := immediateRetries()
	reg := worker.NewRegistry[env]()

	var got atomic.Int64
	def := worker.NewDefinition("update_default_version", func(_ context.Context, p cratePayload, _ env) error {
		got.Store(p.CrateID)
		return nil
	})
	worker.MustRegister(reg, def)
	_, err := worker.Enqueue(context.Background(), q, def, cratePayload{CrateID: 42})
	require.NoError(t, err)

	startRunner(t, q, reg, testConfig(map[string]int{"default": 2}))

	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 42, got.Load())
}

func TestRunner_FailingJobRunsExactlyMaxAttempts(t *testing.T) {
	t.Parallel()
	q := immediateRetries()
	reg := worker.NewRegistry[env]()

	var runs atomic.Int32
	def := worker.NewDefinition("sync_updates_feed", func(context.Context, cratePayload, env) error {
		runs.Add(1)
		return errors.New("upload failed")
	}, worker.WithMaxAttempts(3))
	worker.MustRegister(reg, def)
	id, err := worker.Enqueue(context.Background(), q, def, cratePayload{})
	require.NoError(t, err)

	startRunner(t, q, reg, testConfig(map[string]int{"default": 1}))

	require.Eventually(t, func() bool {
		j, ok := q.Get(id)
		return ok && j.Status == store.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	// Give the slot time to (wrongly) run it again.
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 3, runs.Load())

	j, _ := q.Get(id)
	assert.EqualValues(t, 3, j.Attempts)
	require.NotNil(t, j.LastError)
	assert.Contains(t, *j.LastError, "upload failed")
}

func TestRunner_PanicIsReportedFailure(t *testing.T) {
	t.Parallel()
	q := immediateRetries()
	reg := worker.NewRegistry[env]()
	m := metrics.New(prometheus.NewRegistry())

	def := worker.NewDefinition("generate_og_image", func(context.Context, cratePayload, env) error {
		panic("font missing")
	}, worker.WithMaxAttempts(1))
	worker.MustRegister(reg, def)
	id, err := worker.Enqueue(context.Background(), q, def, cratePayload{})
	require.NoError(t, err)

	startRunner(t, q, reg, testConfig(map[string]int{"default": 1}), worker.WithMetrics(m))

	require.Eventually(t, func() bool {
		j, ok := q.Get(id)
		return ok && j.Status == store.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	j, _ := q.Get(id)
	require.NotNil(t, j.LastError)
	assert.Contains(t, *j.LastError, "font missing")
	assert.InDelta(t, 1, promtest.ToFloat64(m.Executions.WithLabelValues("generate_og_image", metrics.OutcomePanic)), 0)
}

func TestRunner_UndecodablePayloadFailsPermanently(t *testing.T) {
	t.Parallel()
	q := immediateRetries()
	reg := worker.NewRegistry[env]()

	var runs atomic.Int32
	worker.MustRegister(reg, worker.NewDefinition("update_default_version", func(context.Context, cratePayload, env) error {
		runs.Add(1)
		return nil
	}))

	bad, err := q.EnqueueJob(context.Background(), store.EnqueueParams{
		JobType: "update_default_version", Payload: json.RawMessage(`{"crate_id":"x"}`), MaxAttempts: 5,
	})
	require.NoError(t, err)
	unknown, err := q.EnqueueJob(context.Background(), store.EnqueueParams{JobType: "renamed_job"})
	require.NoError(t, err)

	startRunner(t, q, reg, testConfig(map[string]int{"default": 1}))

	for _, id := range []int64{bad, unknown} {
		require.Eventually(t, func() bool {
			j, ok := q.Get(id)
			return ok && j.Status == store.StatusFailed
		}, 2*time.Second, 5*time.Millisecond)
		j, _ := q.Get(id)
		assert.EqualValues(t, 1, j.Attempts, "job %d retried", id)
	}
	assert.Zero(t, runs.Load())

	j, _ := q.Get(unknown)
	assert.Contains(t, *j.LastError, worker.ErrUnknownJobType.Error())
}

func TestRunner_ClaimsByPriority(t *testing.T) {
	t.Parallel()
	q := immediateRetries()
	reg := worker.NewRegistry[env]()

	var (
		mu    sync.Mutex
		order []int64
	)
	record := func(_ context.Context, p cratePayload, _ env) error {
		mu.Lock()
		order = append(order, p.CrateID)
		mu.Unlock()
		return nil
	}
	b := worker.NewDefinition("update_default_version", record, worker.WithPriority(80))
	c := worker.NewDefinition("generate_og_image", record)
	worker.MustRegister(reg, b)
	worker.MustRegister(reg, c)

	ctx := context.Background()
	_, err := worker.Enqueue(ctx, q, c, cratePayload{CrateID: 3})
	require.NoError(t, err)
	_, err = worker.Enqueue(ctx, q, b, cratePayload{CrateID: 2})
	require.NoError(t, err)

	startRunner(t, q, reg, testConfig(map[string]int{"default": 1}))

	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{2, 3}, order)
}

func TestRunner_ShutdownDrainsInFlightJob(t *testing.T) {
	t.Parallel()
	q := immediateRetries()
	reg := worker.NewRegistry[env]()

	started := make(chan struct{})
	release := make(chan struct{})
	def := worker.NewDefinition("archive_version_downloads", func(ctx context.Context, _ cratePayload, _ env) error {
		close(started)
		<-release
		return ctx.Err()
	})
	worker.MustRegister(reg, def)
	_, err := worker.Enqueue(context.Background(), q, def, cratePayload{})
	require.NoError(t, err)

	r, err := worker.NewRunner(q, reg, env{}, testConfig(map[string]int{"default": 1}))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	h, err := r.Start(ctx)
	require.NoError(t, err)

	<-started
	cancel()

	done := make(chan error, 1)
	go func() { done <- h.WaitForShutdown() }()

	select {
	case <-done:
		t.Fatal("WaitForShutdown returned while a job was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForShutdown did not return after the job finished")
	}
	assert.Equal(t, 0, q.Len(), "drained job is completed, not failed")
}

func TestRunner_StoreUnreachableFailsRunner(t *testing.T) {
	t.Parallel()
	reg := worker.NewRegistry[env]()
	worker.MustRegister(reg, worker.NewDefinition("x", noop))

	r, err := worker.NewRunner(brokenStore{}, reg, env{}, testConfig(map[string]int{"default": 2}))
	require.NoError(t, err)
	h, err := r.Start(context.Background())
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- h.WaitForShutdown() }()

	select {
	case err := <-errc:
		var perr *worker.PersistenceError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "claim", perr.Op)
		assert.ErrorIs(t, err, errUnreachable)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not give up on an unreachable store")
	}
}

func TestRunner_RecoversFromTransientClaimErrors(t *testing.T) {
	t.Parallel()
	q := immediateRetries()
	reg := worker.NewRegistry[env]()
	def := worker.NewDefinition("x", noop)
	worker.MustRegister(reg, def)
	_, err := worker.Enqueue(context.Background(), q, def, cratePayload{})
	require.NoError(t, err)

	cfg := testConfig(map[string]int{"default": 1})
	cfg.MaxStoreErrors = 1000
	q.SetClaimError(errUnreachable)
	startRunner(t, q, reg, cfg)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, q.Len())
	q.SetClaimError(nil)
	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestRunner_ReaperRecoversAbandonedJob(t *testing.T) {
	t.Parallel()
	q := immediateRetries()
	reg := worker.NewRegistry[env]()

	var runs atomic.Int32
	def := worker.NewDefinition("docs_rs_queue_rebuild", func(context.Context, cratePayload, env) error {
		runs.Add(1)
		return nil
	})
	worker.MustRegister(reg, def)
	ctx := context.Background()
	id, err := worker.Enqueue(ctx, q, def, cratePayload{})
	require.NoError(t, err)

	// A crashed process claimed it an hour ago and never reported back.
	_, err = q.ClaimJob(ctx, "default", "crashed", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	cfg := testConfig(map[string]int{"default": 1})
	cfg.ReapInterval = 10 * time.Millisecond
	cfg.StaleThreshold = time.Minute
	startRunner(t, q, reg, cfg)

	require.Eventually(t, func() bool {
		_, ok := q.Get(id)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, runs.Load())
}

func TestRunner_SlowJobIsNotReclaimedWhileRunning(t *testing.T) {
	t.Parallel()
	q := immediateRetries()
	reg := worker.NewRegistry[env]()

	var runs, running, maxRunning atomic.Int32
	def := worker.NewDefinition("archive_version_downloads", func(context.Context, cratePayload, env) error {
		runs.Add(1)
		n := running.Add(1)
		defer running.Add(-1)
		for {
			cur := maxRunning.Load()
			if n <= cur || maxRunning.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(300 * time.Millisecond)
		return nil
	})
	worker.MustRegister(reg, def)
	_, err := worker.Enqueue(context.Background(), q, def, cratePayload{})
	require.NoError(t, err)

	cfg := testConfig(map[string]int{"default": 2})
	cfg.StaleThreshold = 50 * time.Millisecond
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.ReapInterval = 10 * time.Millisecond
	startRunner(t, q, reg, cfg)

	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, runs.Load())
	assert.EqualValues(t, 1, maxRunning.Load())
}

func TestNewRunner_RejectsHeartbeatNotBelowStaleThreshold(t *testing.T) {
	t.Parallel()
	reg := worker.NewRegistry[env]()
	cfg := testConfig(map[string]int{"default": 1})
	cfg.StaleThreshold = time.Minute
	cfg.HeartbeatInterval = time.Minute

	_, err := worker.NewRunner(memqueue.New(), reg, env{}, cfg)
	var cfgErr *worker.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNewRunner_RejectsBadQueueConfig(t *testing.T) {
	t.Parallel()
	reg := worker.NewRegistry[env]()

	tests := map[string]map[string]int{
		"no queues":   {},
		"zero slots":  {"default": 0},
		"empty queue": {"": 1},
	}
	for name, queues := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := worker.NewRunner(memqueue.New(), reg, env{}, testConfig(queues))
			var cfgErr *worker.ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}
