// Package metrics exposes Prometheus metrics for pipeline runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nova"

// Metrics holds the run metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Task state machine
	TransitionsTotal *prometheus.CounterVec

	// Agent invocations
	InvocationsTotal      *prometheus.CounterVec
	InvocationDuration    *prometheus.HistogramVec
	ContractRetriesTotal  *prometheus.CounterVec
	TransportRetriesTotal *prometheus.CounterVec

	// Escalations
	EscalationsTotal *prometheus.CounterVec

	// Scheduling and commits
	BatchSize      prometheus.Histogram
	CommitDuration prometheus.Histogram
	CommitFailures prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates and registers the metrics on reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
//
// Metrics:
//   - nova_task_transitions_total{from,to}
//   - nova_agent_invocations_total{role,outcome}
//   - nova_agent_invocation_duration_seconds{role}
//   - nova_agent_contract_retries_total{role}
//   - nova_agent_transport_retries_total{role}
//   - nova_escalations_total{outcome}
//   - nova_pipeline_batch_size
//   - nova_vcs_commit_duration_seconds
//   - nova_vcs_commit_failures_total
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "transitions_total",
			Help:      "Task state transitions applied",
		}, []string{"from", "to"}),

		InvocationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "invocations_total",
			Help:      "Agent invocations by outcome (ok, blocked, synthesized, transport_error, fatal)",
		}, []string{"role", "outcome"}),

		InvocationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "invocation_duration_seconds",
			Help:      "Wall time of one agent invocation including retries",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
		}, []string{"role"}),

		ContractRetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "contract_retries_total",
			Help:      "Re-prompts caused by malformed structured output",
		}, []string{"role"}),

		TransportRetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "transport_retries_total",
			Help:      "Backoff retries caused by transient invocation errors",
		}, []string{"role"}),

		EscalationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalations by outcome (retry, human_needed, permanent)",
		}, []string{"outcome"}),

		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "batch_size",
			Help:      "Tasks dispatched per batch",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),

		CommitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "vcs",
			Name:      "commit_duration_seconds",
			Help:      "Time spent holding the commit barrier",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}),

		CommitFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vcs",
			Name:      "commit_failures_total",
			Help:      "Commits that failed and left the task commit-pending",
		}),

		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordTransition counts one task transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordInvocation records one agent invocation.
func (m *Metrics) RecordInvocation(role, outcome string, d time.Duration, contractRetries, transportRetries int) {
	if m == nil {
		return
	}
	m.InvocationsTotal.WithLabelValues(role, outcome).Inc()
	m.InvocationDuration.WithLabelValues(role).Observe(d.Seconds())
	if contractRetries > 0 {
		m.ContractRetriesTotal.WithLabelValues(role).Add(float64(contractRetries))
	}
	if transportRetries > 0 {
		m.TransportRetriesTotal.WithLabelValues(role).Add(float64(transportRetries))
	}
}

// RecordEscalation counts an escalation outcome.
func (m *Metrics) RecordEscalation(outcome string) {
	if m == nil {
		return
	}
	m.EscalationsTotal.WithLabelValues(outcome).Inc()
}

// RecordBatch records the size of a dispatched batch.
func (m *Metrics) RecordBatch(size int) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(size))
}

// RecordCommit records a commit attempt.
func (m *Metrics) RecordCommit(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.CommitDuration.Observe(d.Seconds())
	if err != nil {
		m.CommitFailures.Inc()
	}
}
