// Package metrics exposes Prometheus collectors for builds and log streams.
//
// All methods are safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devrun"

// Build outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSpawn     = "spawn_error"
)

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry      *prometheus.Registry
	builds        *prometheus.CounterVec
	buildDuration prometheus.Histogram
	logLines      *prometheus.CounterVec
	staleEvents   prometheus.Counter
	logStreams    prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Builds by outcome.",
		}, []string{"outcome"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Wall time of build invocations.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		logLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_lines_total",
			Help:      "Log lines forwarded, by source slot.",
		}, []string{"source"}),
		staleEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_stale_events_total",
			Help:      "Log events dropped because a newer stream superseded them.",
		}),
		logStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_stream_active",
			Help:      "1 while a log stream is running.",
		}),
	}
	m.registry.MustRegister(m.builds, m.buildDuration, m.logLines, m.staleEvents, m.logStreams)
	return m
}

// ObserveBuild records a finished build.
func (m *Metrics) ObserveBuild(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues(outcome).Inc()
	m.buildDuration.Observe(d.Seconds())
}

// LogLine counts a forwarded log line.
func (m *Metrics) LogLine(source string) {
	if m == nil {
		return
	}
	m.logLines.WithLabelValues(source).Inc()
}

// StaleEvent counts a dropped event from a superseded stream.
func (m *Metrics) StaleEvent() {
	if m == nil {
		return
	}
	m.staleEvents.Inc()
}

// SetStreaming records whether a log stream is active.
func (m *Metrics) SetStreaming(active bool) {
	if m == nil {
		return
	}
	if active {
		m.logStreams.Set(1)
	} else {
		m.logStreams.Set(0)
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
