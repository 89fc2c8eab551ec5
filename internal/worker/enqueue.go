package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/syphar/crates.io/internal/store"
)

// Enqueuer inserts job rows. *store.Store enqueues on its own connection;
// store.TxEnqueuer joins the caller's transaction; memqueue.Queue is the
// in-memory test double.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, p store.EnqueueParams) (int64, error)
}

// Enqueue inserts a job of type def with payload. For a deduplicated
// definition with an eligible duplicate already waiting, nothing is
// inserted and the existing id is returned.
func Enqueue[C, T any](ctx context.Context, e Enqueuer, def *Definition[C, T], payload T) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: encode payload: %w", def.Name, err)
	}
	var key string
	if def.Opts.Deduplicated {
		if key, err = dedupKey(def, payload); err != nil {
			return 0, fmt.Errorf("enqueue %s: dedup key: %w", def.Name, err)
		}
	}
	return insert(ctx, e, def.Name, def.Opts, raw, key)
}

func insert(ctx context.Context, e Enqueuer, name string, opts Options, payload json.RawMessage, key string) (int64, error) {
	p := store.EnqueueParams{
		JobType:     name,
		Queue:       opts.Queue,
		Priority:    opts.Priority,
		Payload:     payload,
		MaxAttempts: opts.MaxAttempts,
	}
	if opts.Deduplicated {
		p.DedupKey = &key
	}
	id, err := e.EnqueueJob(ctx, p)
	if err != nil {
		return 0, &PersistenceError{Op: "enqueue", Err: err}
	}
	return id, nil
}
