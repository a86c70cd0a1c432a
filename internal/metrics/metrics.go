package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "autopilot"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	jobsTotal           *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
	generationRuns      *prometheus.CounterVec
	generationPolls     prometheus.Histogram
	postsPublished      *prometheus.CounterVec
	rateLimitRetries    *prometheus.CounterVec
	signatureFailures   prometheus.Counter
	duplicateDeliveries prometheus.Counter
	sweepDuration       *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Jobs invoked by topic and outcome",
			},
			[]string{"topic", "outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Job handler duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"topic"},
		),
		generationRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_runs_total",
				Help:      "Generation runs by outcome (completed, failed, timeout)",
			},
			[]string{"outcome"},
		),
		generationPolls: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_poll_attempts",
				Help:      "Status polls needed per generation run",
				Buckets:   []float64{1, 2, 3, 5, 10, 20, 30},
			},
		),
		postsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "posts_published_total",
				Help:      "Publish attempts by platform and outcome",
			},
			[]string{"platform", "outcome"},
		),
		rateLimitRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_retries_total",
				Help:      "Platform calls retried after a 429",
			},
			[]string{"platform"},
		),
		signatureFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_signature_failures_total",
				Help:      "Callbacks rejected for an invalid signature",
			},
		),
		duplicateDeliveries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_duplicate_deliveries_total",
				Help:      "Callbacks skipped because the message was already handled",
			},
		),
		sweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Periodic sweep duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"sweep"},
		),
	}

	reg.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.generationRuns,
		m.generationPolls,
		m.postsPublished,
		m.rateLimitRetries,
		m.signatureFailures,
		m.duplicateDeliveries,
		m.sweepDuration,
	)
	return m
}

// ObserveJob records one handler invocation
func (m *Metrics) ObserveJob(topic, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(topic, outcome).Inc()
	m.jobDuration.WithLabelValues(topic).Observe(d.Seconds())
}

// ObserveGeneration records a finished generation run
func (m *Metrics) ObserveGeneration(outcome string, polls int) {
	if m == nil {
		return
	}
	m.generationRuns.WithLabelValues(outcome).Inc()
	if polls > 0 {
		m.generationPolls.Observe(float64(polls))
	}
}

// ObservePublish records a publish outcome
func (m *Metrics) ObservePublish(platform, outcome string) {
	if m == nil {
		return
	}
	m.postsPublished.WithLabelValues(platform, outcome).Inc()
}

// RateLimitRetry counts one 429 retry
func (m *Metrics) RateLimitRetry(platform string) {
	if m == nil {
		return
	}
	m.rateLimitRetries.WithLabelValues(platform).Inc()
}

// SignatureFailure counts one rejected callback
func (m *Metrics) SignatureFailure() {
	if m == nil {
		return
	}
	m.signatureFailures.Inc()
}

// DuplicateDelivery counts one skipped redelivery
func (m *Metrics) DuplicateDelivery() {
	if m == nil {
		return
	}
	m.duplicateDeliveries.Inc()
}

// ObserveSweep records a sweep run
func (m *Metrics) ObserveSweep(name string, d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.WithLabelValues(name).Observe(d.Seconds())
}
