package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syphar/crates.io/internal/metrics"
	"github.com/syphar/crates.io/internal/scheduler"
	"github.com/syphar/crates.io/internal/worker"
	"github.com/syphar/crates.io/internal/worker/memqueue"
)

type feedJob struct{}

func newRegistry(t *testing.T) *worker.Registry[struct{}] {
	t.Helper()
	reg := worker.NewRegistry[struct{}]()
	worker.MustRegister(reg, worker.NewDefinition("sync_updates_feed",
		func(context.Context, feedJob, struct{}) error { return nil }, worker.Deduplicated()))
	return reg
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{"*/5 * * * *", "0 3 * * *", "@every 10m", "@daily"} {
		_, err := scheduler.ParseSchedule(expr)
		assert.NoError(t, err, expr)
	}
	for _, expr := range []string{"", "* * *", "0 0 0 * * *", "@sometimes"} {
		_, err := scheduler.ParseSchedule(expr)
		assert.Error(t, err, expr)
	}
}

func TestNew_RejectsBadEntries(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)
	q := memqueue.New()

	var cfgErr *worker.ConfigurationError

	_, err := scheduler.New(reg, q, map[string]string{"nope": "@hourly"})
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "not registered")

	_, err = scheduler.New(reg, q, map[string]string{"sync_updates_feed": "every now and then"})
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "invalid cron expression")

	s, err := scheduler.New(reg, q, nil)
	require.NoError(t, err)
	assert.Zero(t, s.Len())
}

func TestFire_DeduplicatesAndCounts(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)
	q := memqueue.New()
	m := metrics.New(prometheus.NewRegistry())

	s, err := scheduler.New(reg, q, map[string]string{"sync_updates_feed": "@hourly"}, scheduler.WithMetrics(m))
	require.NoError(t, err)

	require.NoError(t, s.Fire(context.Background(), "sync_updates_feed"))
	require.NoError(t, s.Fire(context.Background(), "sync_updates_feed"))
	assert.Equal(t, 1, q.Len(), "overlapping ticks collapse into one row")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ScheduledEnqueues.WithLabelValues("sync_updates_feed", "ok")))
}

func TestStart_FiresOnSchedule(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)
	q := memqueue.New()

	s, err := scheduler.New(reg, q, map[string]string{"sync_updates_feed": "@every 1s"})
	require.NoError(t, err)
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	require.Eventually(t, func() bool { return q.Len() == 1 }, 5*time.Second, 50*time.Millisecond)
}
