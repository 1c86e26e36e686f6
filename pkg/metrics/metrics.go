// Package metrics exposes FlakeGuard's Prometheus metrics (spec.md
// §6.6: ingestion latency, artifacts processed, parse failures,
// enqueue rate, queue depth per state, API call outcomes, rate-limit
// remaining, circuit-breaker state transitions, ingestion error
// ratio).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flakeguard"

// Metrics holds every collector FlakeGuard registers. All names carry
// the flakeguard_ prefix so they never collide with a sibling service
// sharing a Prometheus instance.
type Metrics struct {
	IngestionDuration      *prometheus.HistogramVec
	ArtifactsProcessedTotal *prometheus.CounterVec
	ParseFailuresTotal      *prometheus.CounterVec
	JobsEnqueuedTotal       *prometheus.CounterVec
	QueueDepth              *prometheus.GaugeVec
	CIAPICallsTotal         *prometheus.CounterVec
	RateLimitRemaining      *prometheus.GaugeVec
	CircuitBreakerStateTransitionsTotal *prometheus.CounterVec
	IngestionErrorsTotal    *prometheus.CounterVec
}

// New registers every collector against prometheus.DefaultRegisterer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers every collector against a caller-supplied
// registerer, so tests can use a fresh prometheus.NewRegistry() instead
// of polluting the process-global default.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingestion_duration_seconds",
			Help:      "Duration of one artifact-ingestion pipeline run, by repository.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"repo"}),
		ArtifactsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_processed_total",
			Help:      "Artifacts processed by the ingestion pipeline, by repository and outcome.",
		}, []string{"repo", "outcome"}),
		ParseFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_failures_total",
			Help:      "JUnit XML parse failures, by repository.",
		}, []string{"repo"}),
		JobsEnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs enqueued, by job type.",
		}, []string{"job_type"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of jobs in the queue, by state.",
		}, []string{"state"}),
		CIAPICallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ci_api_calls_total",
			Help:      "CI-provider API calls, by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		RateLimitRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ci_rate_limit_remaining",
			Help:      "Remaining CI-provider rate-limit quota, by installation.",
		}, []string{"installation"}),
		CircuitBreakerStateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_transitions_total",
			Help:      "Circuit breaker state transitions, by target and new state.",
		}, []string{"target", "state"}),
		IngestionErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestion_errors_total",
			Help:      "Systemic ingestion errors, by repository. Divide by artifacts_processed_total for the error ratio.",
		}, []string{"repo"}),
	}

	for _, c := range []prometheus.Collector{
		m.IngestionDuration, m.ArtifactsProcessedTotal, m.ParseFailuresTotal,
		m.JobsEnqueuedTotal, m.QueueDepth, m.CIAPICallsTotal, m.RateLimitRemaining,
		m.CircuitBreakerStateTransitionsTotal, m.IngestionErrorsTotal,
	} {
		reg.MustRegister(c)
	}
	return m
}

// Handler returns the HTTP handler FlakeGuard mounts at /metrics. Pass
// prometheus.DefaultGatherer for a Metrics built with New, or the
// *prometheus.Registry passed to NewWithRegistry otherwise.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
