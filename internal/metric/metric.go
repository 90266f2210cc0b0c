// Package metric exposes the server's Prometheus instrumentation on a
// dedicated registry, so tests can create isolated instances without global
// collector collisions.
package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's core instruments.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	DocumentOps       *prometheus.CounterVec
	EventsPublished   prometheus.Counter
	EventsDropped     prometheus.Counter
	RealtimeClients   prometheus.Gauge
	MigrationsApplied prometheus.Counter
}

// New creates a metrics set on its own registry, with Go runtime and process
// collectors attached.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "krapi",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "krapi",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		DocumentOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "krapi",
			Subsystem: "store",
			Name:      "document_operations_total",
			Help:      "Document store operations by type and outcome.",
		}, []string{"operation", "outcome"}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "krapi",
			Subsystem: "realtime",
			Name:      "events_published_total",
			Help:      "Change events fanned out to subscribers.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "krapi",
			Subsystem: "realtime",
			Name:      "events_dropped_total",
			Help:      "Change events dropped on slow subscriber buffers.",
		}),
		RealtimeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "krapi",
			Subsystem: "realtime",
			Name:      "clients",
			Help:      "Connected realtime subscribers.",
		}),
		MigrationsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "krapi",
			Subsystem: "schema",
			Name:      "migrations_applied_total",
			Help:      "Collection schema migrations applied.",
		}),
	}
	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.DocumentOps,
		m.EventsPublished,
		m.EventsDropped,
		m.RealtimeClients,
		m.MigrationsApplied,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, statusLabel(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func statusLabel(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
