package worker

import (
	"context"

	"github.com/syphar/crates.io/internal/store"
)

// Options is the static metadata of a job type.
type Options struct {
	// Queue names the worker pool that runs the job.
	Queue string

	// Priority orders claims within a queue. Higher runs first.
	Priority int16

	// Deduplicated suppresses enqueues while an eligible job with the same
	// dedup key is waiting.
	Deduplicated bool

	// MaxAttempts is the total number of executions before the job is
	// marked permanently failed.
	MaxAttempts int32
}

// DefaultOptions returns the options a definition starts from.
func DefaultOptions() Options {
	return Options{
		Queue:       store.DefaultQueue,
		MaxAttempts: store.DefaultMaxAttempts,
	}
}

// Option configures a job definition.
type Option func(*Options)

// WithQueue routes the job to queue q.
func WithQueue(q string) Option {
	return func(o *Options) { o.Queue = q }
}

// WithPriority sets the claim priority.
func WithPriority(p int16) Option {
	return func(o *Options) { o.Priority = p }
}

// Deduplicated enables enqueue deduplication. Without a key function the
// key is derived from the canonical JSON payload.
func Deduplicated() Option {
	return func(o *Options) { o.Deduplicated = true }
}

// WithMaxAttempts sets the total number of executions allowed.
func WithMaxAttempts(n int32) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// Definition is a typed job type. C is the shared execution context handed
// to every job; T is the payload, which must round-trip through JSON.
type Definition[C, T any] struct {
	// Name is the job_type stored with every row. It must stay stable:
	// renaming it orphans rows already in the table.
	Name string

	Run  func(ctx context.Context, payload T, env C) error
	Opts Options

	dedupKey func(T) string
}

// NewDefinition creates a job definition.
func NewDefinition[C, T any](name string, run func(ctx context.Context, payload T, env C) error, opts ...Option) *Definition[C, T] {
	def := &Definition[C, T]{
		Name: name,
		Run:  run,
		Opts: DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}

// WithDedupKey makes the definition deduplicated and derives the key from
// the payload with fn instead of hashing the whole payload.
func (d *Definition[C, T]) WithDedupKey(fn func(T) string) *Definition[C, T] {
	d.Opts.Deduplicated = true
	d.dedupKey = fn
	return d
}
