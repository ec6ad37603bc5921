// Package metrics exports Prometheus metrics for the query pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter owns the pipeline's Prometheus collectors.
type Exporter struct {
	registry *prometheus.Registry

	queryLatency *prometheus.HistogramVec
	queryTotal   *prometheus.CounterVec
	queryRetries prometheus.Counter
	activeRuns   prometheus.Gauge

	workerLatency *prometheus.HistogramVec
	workerErrors  *prometheus.CounterVec

	duplicateResponses prometheus.Gauge
}

// Config configures the exporter.
type Config struct {
	// Registry to use; nil creates a fresh one.
	Registry *prometheus.Registry

	// Buckets for latency histograms, in seconds.
	LatencyBuckets []float64
}

// DefaultConfig returns the default exporter configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

// NewExporter creates the exporter and registers its collectors.
func NewExporter(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.queryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "seekr",
			Subsystem: "query",
			Name:      "latency_seconds",
			Help:      "End-to-end query run latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"strategy"},
	)

	e.queryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seekr",
			Subsystem: "query",
			Name:      "runs_total",
			Help:      "Total number of query runs",
		},
		[]string{"strategy", "status"},
	)

	e.queryRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "seekr",
			Subsystem: "query",
			Name:      "retries_total",
			Help:      "Total number of retry passes across all runs",
		},
	)

	e.activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "seekr",
			Subsystem: "query",
			Name:      "active_runs",
			Help:      "Number of query runs currently in flight",
		},
	)

	e.workerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "seekr",
			Subsystem: "worker",
			Name:      "latency_seconds",
			Help:      "Per-worker task latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"role"},
	)

	e.workerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seekr",
			Subsystem: "worker",
			Name:      "errors_total",
			Help:      "Total worker failures by role and error code",
		},
		[]string{"role", "code"},
	)

	e.duplicateResponses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "seekr",
			Subsystem: "router",
			Name:      "duplicate_responses",
			Help:      "Responses dropped because their request was already resolved",
		},
	)

	registry.MustRegister(
		e.queryLatency,
		e.queryTotal,
		e.queryRetries,
		e.activeRuns,
		e.workerLatency,
		e.workerErrors,
		e.duplicateResponses,
	)
	return e
}

// RecordQuery records one completed run.
func (e *Exporter) RecordQuery(strategy string, latency time.Duration, retries int, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	e.queryTotal.WithLabelValues(strategy, status).Inc()
	e.queryLatency.WithLabelValues(strategy).Observe(latency.Seconds())
	if retries > 0 {
		e.queryRetries.Add(float64(retries))
	}
}

// RecordWorkerLatency records one worker task's duration.
func (e *Exporter) RecordWorkerLatency(role string, latency time.Duration) {
	e.workerLatency.WithLabelValues(role).Observe(latency.Seconds())
}

// RecordWorkerError records one worker failure.
func (e *Exporter) RecordWorkerError(role, code string) {
	e.workerErrors.WithLabelValues(role, code).Inc()
}

// SetActiveRuns sets the in-flight run gauge.
func (e *Exporter) SetActiveRuns(n int) {
	e.activeRuns.Set(float64(n))
}

// SetDuplicateResponses sets the router anomaly gauge.
func (e *Exporter) SetDuplicateResponses(n uint64) {
	e.duplicateResponses.Set(float64(n))
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}
