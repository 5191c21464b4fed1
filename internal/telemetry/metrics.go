package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for gatekeeper decisions.
// Initialize once at server startup and share the pointer with every component.
//
// All methods are safe to call on a nil *Metrics, which keeps unit tests free
// of registry plumbing.
type Metrics struct {
	decisions       *prometheus.CounterVec // pipeline outcomes by stage and kind
	originEvents    *prometheus.CounterVec // origin guard events by type
	jwksRefreshes   *prometheus.CounterVec // key set fetches by result
	permissionCache *prometheus.CounterVec // resolver cache lookups by result
	auditDeliveries *prometheus.CounterVec // audit sink attempts by result
	auditDropped    prometheus.Counter     // events evicted from a full audit queue
	auditQueueDepth prometheus.Gauge       // events waiting for delivery
}

// NewMetrics creates the collectors and registers them on reg.
// Pass prometheus.NewRegistry() in tests to avoid duplicate registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "decisions_total",
			Help:      "Pipeline outcomes by terminal stage and error kind.",
		}, []string{"stage", "kind"}),
		originEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "origin_events_total",
			Help:      "Origin guard events by type.",
		}, []string{"type"}),
		jwksRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "jwks_refreshes_total",
			Help:      "JWKS fetches by result.",
		}, []string{"result"}),
		permissionCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "permission_cache_lookups_total",
			Help:      "Permission resolver cache lookups by result.",
		}, []string{"result"}),
		auditDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "audit_delivery_attempts_total",
			Help:      "Audit sink delivery attempts by result.",
		}, []string{"result"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "audit_events_dropped_total",
			Help:      "Audit events dropped because the delivery queue was full.",
		}),
		auditQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatekeeper",
			Name:      "audit_queue_depth",
			Help:      "Audit events waiting for delivery.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.decisions,
			m.originEvents,
			m.jwksRefreshes,
			m.permissionCache,
			m.auditDeliveries,
			m.auditDropped,
			m.auditQueueDepth,
		)
	}
	return m
}

// Decision records a terminal pipeline outcome.
func (m *Metrics) Decision(stage, kind string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(stage, kind).Inc()
}

// OriginEvent records an origin guard event.
func (m *Metrics) OriginEvent(eventType string) {
	if m == nil {
		return
	}
	m.originEvents.WithLabelValues(eventType).Inc()
}

// JWKSRefresh records a key set fetch ("ok", "error", "throttled").
func (m *Metrics) JWKSRefresh(result string) {
	if m == nil {
		return
	}
	m.jwksRefreshes.WithLabelValues(result).Inc()
}

// PermissionCacheLookup records a resolver cache hit or miss.
func (m *Metrics) PermissionCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.permissionCache.WithLabelValues(result).Inc()
}

// AuditDelivery records an audit sink attempt ("ok" or "error").
func (m *Metrics) AuditDelivery(result string) {
	if m == nil {
		return
	}
	m.auditDeliveries.WithLabelValues(result).Inc()
}

// AuditDropped records an event evicted from a full queue.
func (m *Metrics) AuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

// AuditQueueDepth reports the current queue length.
func (m *Metrics) AuditQueueDepth(n int) {
	if m == nil {
		return
	}
	m.auditQueueDepth.Set(float64(n))
}
