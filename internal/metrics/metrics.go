// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ptydeck"

// Metrics holds all collectors. Each instance owns its registry.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsCreated *prometheus.CounterVec
	SessionsClosed  prometheus.Counter
	StaleFallbacks  prometheus.Counter
	CapacityDenied  prometheus.Counter

	// Process metrics
	RegistryEntries  prometheus.Gauge
	OrphansRecovered *prometheus.CounterVec
	OutputBytes      prometheus.Counter

	// Dispatch metrics
	Dispatches       *prometheus.CounterVec
	DispatchDuration prometheus.Histogram

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	WSConnections   prometheus.Gauge
}

// New registers every collector, plus the Go and process collectors, on
// a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions with a live child",
		}),
		SessionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions launched, by launch mode",
		}, []string{"mode"}),
		SessionsClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions closed explicitly or by child exit",
		}),
		StaleFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_fallbacks_total",
			Help:      "Resumes that fell back to a fresh launch",
		}),
		CapacityDenied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_denied_total",
			Help:      "Create requests refused because the session limit was reached",
		}),

		RegistryEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_entries",
			Help:      "Process groups currently in the registry ledger",
		}),
		OrphansRecovered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_recovered_total",
			Help:      "Ledger entries handled at startup, by outcome",
		}, []string{"outcome"}),
		OutputBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pty_output_bytes_total",
			Help:      "Bytes read from all PTY children",
		}),

		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Prompt dispatches, by result",
		}, []string{"result"}),
		DispatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time from dispatch start to submit settle",
			Buckets:   []float64{.05, .1, .2, .25, .5, 1, 2.5, 5},
		}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method, route and status",
		}, []string{"method", "route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open terminal WebSocket connections",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDispatch records one dispatch outcome.
func (m *Metrics) ObserveDispatch(result string, elapsed time.Duration) {
	m.Dispatches.WithLabelValues(result).Inc()
	if result == "ok" {
		m.DispatchDuration.Observe(elapsed.Seconds())
	}
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
