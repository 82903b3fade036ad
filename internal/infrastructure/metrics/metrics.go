package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every NOC Core metric.
const Namespace = "noccore"

// Metrics holds the process-wide Prometheus collectors.
//
// A Metrics owns its registry so tests can create as many as they like
// without clashing on the global default registerer.
type Metrics struct {
	registry *prometheus.Registry

	// EventsReceived counts status events by source and outcome.
	EventsReceived *prometheus.CounterVec

	// IncidentsCreated and IncidentsClosed count incidents by source.
	IncidentsCreated *prometheus.CounterVec
	IncidentsClosed  *prometheus.CounterVec

	// StatusChanges counts device state flips by new state.
	StatusChanges *prometheus.CounterVec

	// SyncRuns counts device sync runs by result (ok, error).
	SyncRuns *prometheus.CounterVec

	// RelayDrops counts notifications dropped by sink.
	RelayDrops *prometheus.CounterVec

	// HTTPRequests counts API requests by method and status code.
	HTTPRequests *prometheus.CounterVec
}

// New creates the collectors and registers them, with the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_received_total",
			Help:      "Device status events received, by source and outcome.",
		}, []string{"source", "outcome"}),
		IncidentsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "incidents_created_total",
			Help:      "Incidents opened, by source.",
		}, []string{"source"}),
		IncidentsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "incidents_closed_total",
			Help:      "Incidents closed, by source.",
		}, []string{"source"}),
		StatusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "device_status_changes_total",
			Help:      "Device status transitions, by new state.",
		}, []string{"state"}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "device_sync_runs_total",
			Help:      "Device sync runs, by result.",
		}, []string{"result"}),
		RelayDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "relay_dropped_total",
			Help:      "Notifications dropped before delivery, by sink.",
		}, []string{"sink"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "API requests, by method and status code.",
		}, []string{"method", "code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EventsReceived,
		m.IncidentsCreated,
		m.IncidentsClosed,
		m.StatusChanges,
		m.SyncRuns,
		m.RelayDrops,
		m.HTTPRequests,
	)
	return m
}

// Gauge registers a gauge whose value is read from fn at scrape time.
// It panics if name is already registered.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
