// Package metrics exposes prometheus telemetry for the harness.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "harness"

// Metrics holds the harness collectors on a private registry so tests can
// create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	passTotal       *prometheus.CounterVec
	failTotal       *prometheus.CounterVec
	runsActive      prometheus.Gauge
	runsTotal       *prometheus.CounterVec
	scoringFailures prometheus.Counter
}

// New creates the harness metrics set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total prompt invocations sent to the target model",
			},
			[]string{"team", "variant", "status"}, // status: success, error, timeout
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of target model invocations in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"team", "variant"},
		),

		passTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pass_total",
				Help:      "Total prompts that passed the run's pass rule",
			},
			[]string{"team", "variant"},
		),

		failTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fail_total",
				Help:      "Total prompts that failed the run's pass rule",
			},
			[]string{"team", "variant"},
		),

		runsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_active",
				Help:      "Number of harness runs currently executing",
			},
		),

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total harness runs by terminal status",
			},
			[]string{"status"}, // status: completed, failed
		),

		scoringFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scoring_failures_total",
				Help:      "Total judge calls that failed and degraded to unscored",
			},
		),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.passTotal,
		m.failTotal,
		m.runsActive,
		m.runsTotal,
		m.scoringFailures,
	)

	// Go runtime metrics.
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(
		collectors.ProcessCollectorOpts{}))

	return m
}

// Handler serves the prometheus exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one settled target invocation.
func (m *Metrics) ObserveRequest(
	team, variant, status string, seconds float64,
) {
	m.requestsTotal.WithLabelValues(team, variant, status).Inc()
	m.requestDuration.WithLabelValues(team, variant).Observe(seconds)
}

// ObserveVerdict records a prompt's pass/fail verdict.
func (m *Metrics) ObserveVerdict(team, variant string, passed bool) {
	if passed {
		m.passTotal.WithLabelValues(team, variant).Inc()
	} else {
		m.failTotal.WithLabelValues(team, variant).Inc()
	}
}

// RunStarted marks a run as executing.
func (m *Metrics) RunStarted() {
	m.runsActive.Inc()
}

// RunSettled marks a run as terminal with the given status.
func (m *Metrics) RunSettled(status string) {
	m.runsActive.Dec()
	m.runsTotal.WithLabelValues(status).Inc()
}

// ScoringFailure records a judge call that degraded to unscored.
func (m *Metrics) ScoringFailure() {
	m.scoringFailures.Inc()
}
