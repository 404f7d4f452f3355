package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Permission engine metrics
	PermissionChecksTotal   *prometheus.CounterVec // kind (view|feature), decision (allow|deny)
	PermissionCheckDuration *prometheus.HistogramVec
	GraphMutationsTotal     *prometheus.CounterVec // operation

	// Decision cache metrics
	CacheHitsTotal        *prometheus.CounterVec // backend
	CacheMissesTotal      *prometheus.CounterVec
	CacheInvalidatesTotal *prometheus.CounterVec
	CacheSweptTotal       prometheus.Counter

	// Navigation metrics
	NavigationBuildsTotal    prometheus.Counter
	NavigationNotModifiedTotal prometheus.Counter

	// Audit metrics
	AuditEventsTotal  *prometheus.CounterVec // action
	AuditEvictedTotal prometheus.Counter

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all metrics on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keystone_http_requests_total",
			Help: "Total HTTP requests by method, path and status code",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keystone_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),

		PermissionChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keystone_permission_checks_total",
			Help: "Effective permission checks by kind and decision",
		}, []string{"kind", "decision"}),

		PermissionCheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keystone_permission_check_duration_seconds",
			Help:    "Permission check latency including cache lookups",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"kind"}),

		GraphMutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keystone_graph_mutations_total",
			Help: "Mutations to the permission graph by operation",
		}, []string{"operation"}),

		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keystone_decision_cache_hits_total",
			Help: "Decision cache hits by backend",
		}, []string{"backend"}),

		CacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keystone_decision_cache_misses_total",
			Help: "Decision cache misses by backend",
		}, []string{"backend"}),

		CacheInvalidatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keystone_decision_cache_invalidations_total",
			Help: "Wholesale (user, company) cache invalidations by backend",
		}, []string{"backend"}),

		CacheSweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keystone_decision_cache_swept_rows_total",
			Help: "Expired cache rows removed by the background sweeper",
		}),

		NavigationBuildsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keystone_navigation_builds_total",
			Help: "Navigation projections computed (cache misses)",
		}),

		NavigationNotModifiedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keystone_navigation_not_modified_total",
			Help: "Navigation requests answered with 304 Not Modified",
		}),

		AuditEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keystone_audit_events_total",
			Help: "Audit entries written by action",
		}, []string{"action"}),

		AuditEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keystone_audit_evicted_entries_total",
			Help: "Audit entries dropped by the global capacity policy",
		}),

		DBConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keystone_db_connections_active",
			Help: "Active database connections",
		}),

		DBConnectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keystone_db_connections_idle",
			Help: "Idle database connections",
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PermissionChecksTotal,
		m.PermissionCheckDuration,
		m.GraphMutationsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheInvalidatesTotal,
		m.CacheSweptTotal,
		m.NavigationBuildsTotal,
		m.NavigationNotModifiedTotal,
		m.AuditEventsTotal,
		m.AuditEvictedTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// Handler returns the HTTP handler serving the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePermissionCheck records a single resolved check
func (m *Metrics) ObservePermissionCheck(kind string, allowed bool, elapsed time.Duration) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.PermissionChecksTotal.WithLabelValues(kind, decision).Inc()
	m.PermissionCheckDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}
