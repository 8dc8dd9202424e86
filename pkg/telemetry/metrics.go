package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for provisioning operations. A nil or
// disabled Metrics value is safe to call; every method no-ops.
type Metrics struct {
	provisionsStarted   *prometheus.CounterVec
	provisionsCompleted *prometheus.CounterVec
	stepDuration        *prometheus.HistogramVec
	deletions           *prometheus.CounterVec
	errorsByClass       *prometheus.CounterVec
	remoteCalls         *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{}
	}
	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		provisionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisions_started_total",
				Help:      "Total number of datasource provisioning attempts started",
			},
			[]string{"datasource"},
		),
		provisionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisions_completed_total",
				Help:      "Total number of datasource provisioning attempts completed",
			},
			[]string{"status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of individual provisioning steps in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"step"},
		),
		deletions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deletions_total",
				Help:      "Per-subsystem teardown outcomes",
			},
			[]string{"subsystem", "outcome"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Classified remote errors observed",
			},
			[]string{"class"},
		),
		remoteCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_calls_total",
				Help:      "Remote subsystem calls issued",
			},
			[]string{"subsystem", "operation"},
		),
	}

	registry.MustRegister(
		m.provisionsStarted,
		m.provisionsCompleted,
		m.stepDuration,
		m.deletions,
		m.errorsByClass,
		m.remoteCalls,
	)
	return m
}

// ProvisionStarted records the start of a provisioning attempt.
func (m *Metrics) ProvisionStarted(datasource string) {
	if m == nil || m.provisionsStarted == nil {
		return
	}
	m.provisionsStarted.WithLabelValues(datasource).Inc()
}

// ProvisionCompleted records the final status of a provisioning attempt.
func (m *Metrics) ProvisionCompleted(status string) {
	if m == nil || m.provisionsCompleted == nil {
		return
	}
	m.provisionsCompleted.WithLabelValues(status).Inc()
}

// ObserveStep records the duration of one provisioning step.
func (m *Metrics) ObserveStep(step string, d time.Duration) {
	if m == nil || m.stepDuration == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// DeletionOutcome records a per-subsystem teardown outcome.
func (m *Metrics) DeletionOutcome(subsystem string, succeeded bool) {
	if m == nil || m.deletions == nil {
		return
	}
	outcome := "failed"
	if succeeded {
		outcome = "succeeded"
	}
	m.deletions.WithLabelValues(subsystem, outcome).Inc()
}

// ErrorObserved records a classified error.
func (m *Metrics) ErrorObserved(class string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

// RemoteCall records one remote subsystem call.
func (m *Metrics) RemoteCall(subsystem, operation string) {
	if m == nil || m.remoteCalls == nil {
		return
	}
	m.remoteCalls.WithLabelValues(subsystem, operation).Inc()
}

// Handler returns an HTTP handler exposing the registry, or nil when metrics
// are disabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
