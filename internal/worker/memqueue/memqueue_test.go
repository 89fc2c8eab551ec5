package memqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syphar/crates.io/internal/store"
	"github.com/syphar/crates.io/internal/worker/memqueue"
)

func TestQueue_FormerHolderCannotReport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := memqueue.New()

	id, err := q.EnqueueJob(ctx, store.EnqueueParams{JobType: "archive_version_downloads"})
	require.NoError(t, err)
	_, err = q.ClaimJob(ctx, store.DefaultQueue, "worker-a", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	n, err := q.ReapStaleLocks(ctx, 5*time.Minute, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	j, err := q.ClaimJob(ctx, store.DefaultQueue, "worker-b", time.Now())
	require.NoError(t, err)
	require.NotNil(t, j)

	_, err = q.FailJob(ctx, id, "worker-a", "late", time.Now())
	assert.ErrorIs(t, err, store.ErrJobNotLocked)
	assert.ErrorIs(t, q.FailJobPermanently(ctx, id, "worker-a", "late"), store.ErrJobNotLocked)
	assert.ErrorIs(t, q.CompleteJob(ctx, id, "worker-a"), store.ErrJobNotLocked)
	assert.ErrorIs(t, q.HeartbeatJob(ctx, id, "worker-a", time.Now()), store.ErrJobNotLocked)

	got, ok := q.Get(id)
	require.True(t, ok)
	assert.Equal(t, store.StatusLocked, got.Status)
	assert.Equal(t, "worker-b", *got.LockHolder)
	require.NoError(t, q.CompleteJob(ctx, id, "worker-b"))
	assert.Zero(t, q.Len())
}

func TestQueue_HeartbeatKeepsJobFromReaper(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := memqueue.New()

	id, err := q.EnqueueJob(ctx, store.EnqueueParams{JobType: "archive_version_downloads"})
	require.NoError(t, err)
	_, err = q.ClaimJob(ctx, store.DefaultQueue, "worker-a", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, q.HeartbeatJob(ctx, id, "worker-a", now))
	n, err := q.ReapStaleLocks(ctx, 5*time.Minute, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}
