package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	jsoncanonical "github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"

	"github.com/syphar/crates.io/internal/store"
)

// task is a decoded job bound to its payload, ready to run against C.
type task[C any] func(ctx context.Context, env C) error

// entry is the type-erased form of a Definition[C, T].
type entry[C any] struct {
	name string
	opts Options

	// decode parses a stored payload. The returned task runs the job; the
	// returned key is the dedup key ("" when not deduplicated).
	decode func(payload []byte) (task[C], string, error)
}

// Registry maps job_type names to their definitions. Registration closes
// when a Runner is built from the registry; later registrations fail.
type Registry[C any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[C]
	sealed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry[C any]() *Registry[C] {
	return &Registry[C]{entries: make(map[string]*entry[C])}
}

// Register adds def to r. Go has no generic methods, so this is a
// package-level function.
func Register[C, T any](r *Registry[C], def *Definition[C, T]) error {
	if def.Name == "" {
		return configErrorf("job definition has no name")
	}
	if def.Run == nil {
		return configErrorf("job %q has no run function", def.Name)
	}
	if def.Opts.Queue == "" {
		def.Opts.Queue = store.DefaultQueue
	}
	if def.Opts.MaxAttempts <= 0 {
		return configErrorf("job %q: max attempts must be positive, got %d", def.Name, def.Opts.MaxAttempts)
	}

	e := &entry[C]{
		name: def.Name,
		opts: def.Opts,
		decode: func(payload []byte) (task[C], string, error) {
			var p T
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &p); err != nil {
					return nil, "", err
				}
			}
			var key string
			if def.Opts.Deduplicated {
				k, err := dedupKey(def, p)
				if err != nil {
					return nil, "", err
				}
				key = k
			}
			run := func(ctx context.Context, env C) error {
				return def.Run(ctx, p, env)
			}
			return run, key, nil
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return configErrorf("job %q registered after the runner started", def.Name)
	}
	if _, dup := r.entries[def.Name]; dup {
		return configErrorf("job %q registered twice", def.Name)
	}
	r.entries[def.Name] = e
	return nil
}

// MustRegister is Register for init-time wiring where a failure is a programming error.
func MustRegister[C, T any](r *Registry[C], def *Definition[C, T]) {
	if err := Register(r, def); err != nil {
		panic(err)
	}
}

func dedupKey[C, T any](def *Definition[C, T], p T) (string, error) {
	if def.dedupKey != nil {
		return def.dedupKey(p), nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	canonical, err := jsoncanonical.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Options returns the metadata of job type name.
func (r *Registry[C]) Options(name string) (Options, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Options{}, false
	}
	return e.opts, true
}

// Names returns the registered job types, sorted.
func (r *Registry[C]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNamesLocked()
}

// Validate checks that every registered job routes to a queue with at
// least one worker.
func (r *Registry[C]) Validate(queues map[string]int) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.sortedNamesLocked() {
		q := r.entries[name].opts.Queue
		if queues[q] <= 0 {
			return configErrorf("job %q uses queue %q, which has no workers", name, q)
		}
	}
	return nil
}

func (r *Registry[C]) sortedNamesLocked() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry[C]) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// decode resolves a claimed row to a runnable task.
func (r *Registry[C]) decode(jobType string, payload []byte) (task[C], error) {
	r.mu.RLock()
	e, ok := r.entries[jobType]
	r.mu.RUnlock()
	if !ok {
		return nil, &DecodeError{JobType: jobType, Err: ErrUnknownJobType}
	}
	run, _, err := e.decode(payload)
	if err != nil {
		return nil, &DecodeError{JobType: jobType, Err: err}
	}
	return run, nil
}

// EnqueueRaw enqueues job type name with a JSON payload, as operators and
// the scheduler do. The payload is decoded first so a malformed payload is
// rejected before it reaches the table.
func (r *Registry[C]) EnqueueRaw(ctx context.Context, e Enqueuer, name string, payload json.RawMessage) (int64, error) {
	r.mu.RLock()
	ent, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("enqueue %q: %w", name, ErrUnknownJobType)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, key, err := ent.decode(payload)
	if err != nil {
		return 0, &DecodeError{JobType: name, Err: err}
	}
	return insert(ctx, e, name, ent.opts, payload, key)
}
