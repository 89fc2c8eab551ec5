package admin_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syphar/crates.io/internal/admin"
	"github.com/syphar/crates.io/internal/metrics"
	"github.com/syphar/crates.io/internal/store"
	"github.com/syphar/crates.io/internal/testutil"
	"github.com/syphar/crates.io/internal/worker"
)

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type health struct {
	Status string `json:"status"`
	DB     string `json:"db"`
	Worker string `json:"worker"`
}

func TestHealthz_NoStore(t *testing.T) {
	t.Parallel()
	h := admin.NewServer(nil).Handler()

	rec := do(t, h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	got := decode[health](t, rec)
	assert.Equal(t, "degraded", got.Status)
	assert.Equal(t, "unavailable", got.DB)
}

func TestHealthz_SupervisorState(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)

	tests := []struct {
		state worker.State
		code  int
	}{
		{worker.StateRunning, http.StatusOK},
		{worker.StateReadOnly, http.StatusOK},
		{worker.StateRestarting, http.StatusOK},
		{worker.StateFailed, http.StatusServiceUnavailable},
		{worker.StateStopped, http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.state.String(), func(t *testing.T) {
			t.Parallel()
			h := admin.NewServer(db.Store, admin.WithState(func() worker.State { return tc.state })).Handler()
			rec := do(t, h, http.MethodGet, "/healthz")
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, tc.state.String(), decode[health](t, rec).Worker)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveJob("sync_updates_feed", metrics.OutcomeSuccess, time.Millisecond)

	h := admin.NewServer(nil, admin.WithGatherer(reg)).Handler()
	rec := do(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `job_type="sync_updates_feed"`)
}

func TestJobsAPI(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := admin.NewServer(db.Store, admin.WithMetrics(m)).Handler()

	feed, err := db.EnqueueJob(ctx, store.EnqueueParams{JobType: "sync_updates_feed", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, err = db.EnqueueJob(ctx, store.EnqueueParams{JobType: "archive_version_downloads", Queue: "downloads", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	failed, err := db.EnqueueJob(ctx, store.EnqueueParams{JobType: "invalidate_cdns", Payload: json.RawMessage(`{"paths":["/a"]}`)})
	require.NoError(t, err)
	_, err = db.Pool().Exec(ctx,
		`UPDATE background_jobs SET status = 'failed', attempts = 5, last_error = 'boom' WHERE id = $1`, failed)
	require.NoError(t, err)

	t.Run("list", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/v1/jobs")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Len(t, decode[admin.ListJobsBody](t, rec).Items, 3)

		rec = do(t, h, http.MethodGet, "/api/v1/jobs?status=failed")
		require.Equal(t, http.StatusOK, rec.Code)
		items := decode[admin.ListJobsBody](t, rec).Items
		require.Len(t, items, 1)
		assert.Equal(t, failed, items[0].ID)
		assert.Equal(t, "boom", *items[0].LastError)

		rec = do(t, h, http.MethodGet, "/api/v1/jobs?queue=downloads")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[admin.ListJobsBody](t, rec).Items, 1)

		rec = do(t, h, http.MethodGet, "/api/v1/jobs?status=exploded")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("show", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d", feed))
		require.Equal(t, http.StatusOK, rec.Code)
		item := decode[admin.JobItem](t, rec)
		assert.Equal(t, "sync_updates_feed", item.JobType)
		assert.Equal(t, "pending", item.Status)

		rec = do(t, h, http.MethodGet, "/api/v1/jobs/999999")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("requeue", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/requeue", feed))
		assert.Equal(t, http.StatusConflict, rec.Code, "pending jobs cannot be requeued")

		rec = do(t, h, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/requeue?attempts=3", failed))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		item := decode[admin.JobItem](t, rec)
		assert.Equal(t, "pending", item.Status)
		assert.Equal(t, item.Attempts+3, item.MaxAttempts)

		rec = do(t, h, http.MethodPost, "/api/v1/jobs/999999/requeue")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("queues", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/v1/queues")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[admin.ListQueuesBody](t, rec)
		assert.Equal(t, []admin.QueueItem{{Queue: "default", Depth: 2}, {Queue: "downloads", Depth: 1}}, body.Queues)
		assert.Equal(t, float64(1), promtestutil.ToFloat64(m.QueueDepth.WithLabelValues("downloads")))
	})

	t.Run("openapi", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/v1/openapi.json")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, strings.Contains(rec.Body.String(), "requeue-job"))
	})
}
