package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "bazaar"

// Metrics owns the process registry and implements the observer interfaces of the
// auth, presence, gateway and room packages.
type Metrics struct {
	reg *prometheus.Registry

	httpRequests   *prometheus.HistogramVec
	sessions       *prometheus.CounterVec
	logins         *prometheus.CounterVec
	presence       *prometheus.CounterVec
	storeErrors    *prometheus.CounterVec
	upgrades       *prometheus.CounterVec
	capabilities   *prometheus.CounterVec
	roomConns      prometheus.Gauge
	roomRejections *prometheus.CounterVec
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and status class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "class"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_verifications_total",
			Help:      "Session cookie verifications by outcome.",
		}, []string{"outcome"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "logins_total",
			Help:      "Login attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		presence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "presence_lookups_total",
			Help:      "Presence answers by source.",
		}, []string{"source"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "store_errors_total",
			Help:      "Store failures by store and operation.",
		}, []string{"store", "op"}),
		upgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ws_upgrades_total",
			Help:      "Realtime upgrade requests at the edge by outcome.",
		}, []string{"outcome"}),
		capabilities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "capabilities_minted_total",
			Help:      "Capability tokens minted by caller role.",
		}, []string{"role"}),
		roomConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "room_connections",
			Help:      "Open room WebSocket connections.",
		}),
		roomRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "room_rejections_total",
			Help:      "Room connection rejections by reason.",
		}, []string{"reason"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.sessions,
		m.logins,
		m.presence,
		m.storeErrors,
		m.upgrades,
		m.capabilities,
		m.roomConns,
		m.roomRejections,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, class string, took time.Duration) {
	m.httpRequests.WithLabelValues(method, class).Observe(took.Seconds())
}

// SessionVerified implements authapi.Observer.
func (m *Metrics) SessionVerified(outcome string) { m.sessions.WithLabelValues(outcome).Inc() }

// Login implements authapi.Observer.
func (m *Metrics) Login(kind, outcome string) { m.logins.WithLabelValues(kind, outcome).Inc() }

// PresenceLookup implements presence.Observer.
func (m *Metrics) PresenceLookup(source string) { m.presence.WithLabelValues(source).Inc() }

// StoreError implements presence.Observer.
func (m *Metrics) StoreError(store, op string) { m.storeErrors.WithLabelValues(store, op).Inc() }

// Upgrade implements realtime.Observer.
func (m *Metrics) Upgrade(outcome string) { m.upgrades.WithLabelValues(outcome).Inc() }

// CapabilityMinted implements realtime.Observer.
func (m *Metrics) CapabilityMinted(role string) { m.capabilities.WithLabelValues(role).Inc() }

// ConnOpened implements room.Observer.
func (m *Metrics) ConnOpened() { m.roomConns.Inc() }

// ConnClosed implements room.Observer.
func (m *Metrics) ConnClosed() { m.roomConns.Dec() }

// Rejected implements room.Observer.
func (m *Metrics) Rejected(reason string) { m.roomRejections.WithLabelValues(reason).Inc() }
