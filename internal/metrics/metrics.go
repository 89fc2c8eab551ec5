// Package metrics holds the prometheus collectors of the background worker.
// The admin server exposes them on /metrics with promhttp.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "background_worker"

// Execution outcomes recorded by Metrics.ObserveJob.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomePanic       = "panic"
	OutcomeDecodeError = "decode_error"
)

// Metrics is the set of worker collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Executions         *prometheus.CounterVec
	Duration           *prometheus.HistogramVec
	BusySlots          *prometheus.GaugeVec
	ClaimErrors        *prometheus.CounterVec
	ReapedLocks        prometheus.Counter
	SupervisorRestarts prometheus.Counter
	QueueDepth         *prometheus.GaugeVec
	ScheduledEnqueues  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_executions_total",
			Help:      "Job executions by job type and outcome.",
		}, []string{"job_type", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time spent running job bodies.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"job_type"}),
		BusySlots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "busy_slots",
			Help:      "Worker slots currently running a job.",
		}, []string{"queue"}),
		ClaimErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_errors_total",
			Help:      "Failed attempts to claim a job from the store.",
		}, []string{"queue"}),
		ReapedLocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_locks_total",
			Help:      "Stale job locks returned to the queue.",
		}),
		SupervisorRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_restarts_total",
			Help:      "Times the runner was rebuilt after a failure.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Eligible (pending or retryable) jobs per queue at the last scrape of /api/v1/queues.",
		}, []string{"queue"}),
		ScheduledEnqueues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_enqueues_total",
			Help:      "Jobs enqueued by the cron scheduler, by job type and result.",
		}, []string{"job_type", "result"}),
	}
	reg.MustRegister(
		m.Executions, m.Duration, m.BusySlots, m.ClaimErrors,
		m.ReapedLocks, m.SupervisorRestarts, m.QueueDepth, m.ScheduledEnqueues,
	)
	return m
}

// ObserveJob records one finished execution.
func (m *Metrics) ObserveJob(jobType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(jobType, outcome).Inc()
	if outcome != OutcomeDecodeError {
		m.Duration.WithLabelValues(jobType).Observe(d.Seconds())
	}
}

// SlotBusy adjusts the busy slot gauge of queue by delta.
func (m *Metrics) SlotBusy(queue string, delta float64) {
	if m == nil {
		return
	}
	m.BusySlots.WithLabelValues(queue).Add(delta)
}

// ClaimError counts a failed claim on queue.
func (m *Metrics) ClaimError(queue string) {
	if m == nil {
		return
	}
	m.ClaimErrors.WithLabelValues(queue).Inc()
}

// Reaped counts n recovered stale locks.
func (m *Metrics) Reaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReapedLocks.Add(float64(n))
}

// SupervisorRestart counts one runner rebuild.
func (m *Metrics) SupervisorRestart() {
	if m == nil {
		return
	}
	m.SupervisorRestarts.Inc()
}

// SetQueueDepths replaces the queue depth gauge values.
func (m *Metrics) SetQueueDepths(depths map[string]int64) {
	if m == nil {
		return
	}
	m.QueueDepth.Reset()
	for q, n := range depths {
		m.QueueDepth.WithLabelValues(q).Set(float64(n))
	}
}

// ScheduledEnqueue counts one cron-triggered enqueue with result "ok" or "error".
func (m *Metrics) ScheduledEnqueue(jobType, result string) {
	if m == nil {
		return
	}
	m.ScheduledEnqueues.WithLabelValues(jobType, result).Inc()
}
