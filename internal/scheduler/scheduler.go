// ABOUTME: Cron-driven periodic enqueue of registered jobs with an empty payload.
// ABOUTME: Every process may run one; deduplicated job types make overlapping ticks collapse into one row.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/syphar/crates.io/internal/metrics"
	"github.com/syphar/crates.io/internal/worker"
)

// cronParser accepts standard 5-field expressions and descriptors like "@every 10m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Registry is the subset of *worker.Registry the scheduler needs.
type Registry interface {
	Options(name string) (worker.Options, bool)
	EnqueueRaw(ctx context.Context, e worker.Enqueuer, name string, payload json.RawMessage) (int64, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithMetrics records every tick outcome in m.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// WithLocation sets the time zone cron expressions are evaluated in. Defaults to UTC.
func WithLocation(loc *time.Location) Option { return func(s *Scheduler) { s.location = loc } }

// Scheduler enqueues jobs on cron schedules.
type Scheduler struct {
	reg      Registry
	queue    worker.Enqueuer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	location *time.Location

	cron    *cronlib.Cron
	entries map[string]cronlib.EntryID
	ctx     context.Context
}

// New validates schedules (job type to cron expression) against reg.
// Unknown job types and unparsable expressions are configuration errors.
func New(reg Registry, q worker.Enqueuer, schedules map[string]string, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		reg:      reg,
		queue:    q,
		logger:   slog.Default(),
		location: time.UTC,
		entries:  make(map[string]cronlib.EntryID, len(schedules)),
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cronlib.New(cronlib.WithParser(cronParser), cronlib.WithLocation(s.location))

	names := make([]string, 0, len(schedules))
	for name := range schedules {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		expr := schedules[name]
		if _, ok := reg.Options(name); !ok {
			return nil, &worker.ConfigurationError{Reason: fmt.Sprintf("scheduled job %q is not registered", name)}
		}
		schedule, err := ParseSchedule(expr)
		if err != nil {
			return nil, &worker.ConfigurationError{Reason: fmt.Sprintf("scheduled job %q: invalid cron expression %q: %v", name, expr, err)}
		}
		s.entries[name] = s.cron.Schedule(schedule, cronlib.FuncJob(func() {
			_ = s.Fire(s.ctx, name)
		}))
	}
	return s, nil
}

// Start begins firing entries. ctx is used for every enqueue.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	for name, id := range s.entries {
		s.logger.Info("scheduled job registered", "job_type", name, "next", s.cron.Entry(id).Next)
	}
}

// Stop halts the scheduler and waits for an in-flight tick, or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Fire enqueues name with an empty payload.
func (s *Scheduler) Fire(ctx context.Context, name string) error {
	id, err := s.reg.EnqueueRaw(ctx, s.queue, name, json.RawMessage(`{}`))
	if err != nil {
		s.metrics.ScheduledEnqueue(name, "error")
		s.logger.Error("scheduled enqueue failed", "job_type", name, "error", err)
		return err
	}
	s.metrics.ScheduledEnqueue(name, "ok")
	s.logger.Debug("scheduled job enqueued", "job_type", name, "job_id", id)
	return nil
}

// Len returns the number of scheduled entries.
func (s *Scheduler) Len() int { return len(s.entries) }
