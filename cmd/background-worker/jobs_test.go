package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syphar/crates.io/internal/store"
)

func TestPrintJobs(t *testing.T) {
	t.Parallel()
	msg := strings.Repeat("x", 100)
	var buf bytes.Buffer
	require.NoError(t, printJobs(&buf, []*store.Job{
		{ID: 7, JobType: "sync_updates_feed", Queue: "default", Status: store.StatusPending, MaxAttempts: 5,
			CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{ID: 8, JobType: "invalidate_cdns", Queue: "default", Status: store.StatusFailed, Attempts: 5, MaxAttempts: 5,
			LastError: &msg, CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "sync_updates_feed")
	assert.Contains(t, lines[1], "0/5")
	assert.Contains(t, lines[2], "5/5")
	assert.Contains(t, lines[2], strings.Repeat("x", 57)+"...")
	assert.NotContains(t, lines[2], strings.Repeat("x", 58))
}

func TestCommandTree(t *testing.T) {
	t.Parallel()
	cmd := jobsCmd()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"list", "show", "requeue"}, names)

	assert.Error(t, enqueueCmd().Args(enqueueCmd(), nil))
	assert.NoError(t, enqueueCmd().Args(enqueueCmd(), []string{"sync_updates_feed"}))
}
