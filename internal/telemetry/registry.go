// Package telemetry owns the gateway metric surface. The registry is built
// around a private prometheus.Registry so parallel tests can run their own
// instances; nothing here touches the library's global default registry.
package telemetry

import (
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DurationBuckets are the fixed histogram buckets for request latency, in
// milliseconds.
var DurationBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Registry holds every gateway metric. Construct one per process at boot and
// inject it; the metric set is fixed at construction.
type Registry struct {
	reg       *prometheus.Registry
	startedAt time.Time

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpErrors      *prometheus.CounterVec
	authFailures    *prometheus.CounterVec
	tenantConflicts prometheus.Counter
	rateLimited     *prometheus.CounterVec
	activeInstances prometheus.Gauge
	tenantsTotal    prometheus.Gauge
	uptimeSeconds   prometheus.Gauge
	memoryBytes     *prometheus.GaugeVec
}

// NewRegistry builds the full metric set.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg:       reg,
		startedAt: time.Now(),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "libervia_http_requests_total",
			Help: "HTTP requests handled, by method, route template, status and tenant",
		}, []string{"method", "route", "status_code", "tenant_id"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "libervia_http_request_duration_ms",
			Help:    "Request duration in milliseconds",
			Buckets: DurationBuckets,
		}, []string{"method", "route", "tenant_id"}),

		httpErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "libervia_http_errors_total",
			Help: "HTTP error responses by status category",
		}, []string{"error_code", "tenant_id"}),

		authFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "libervia_auth_failures_total",
			Help: "Authentication and authorization failures",
		}, []string{"tenant_id"}),

		tenantConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "libervia_tenant_conflicts_total",
			Help: "Requests refused because tenant sources disagreed",
		}),

		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "libervia_rate_limited_total",
			Help: "Requests refused by the per-tenant rate limiter",
		}, []string{"tenant_id"}),

		activeInstances: factory.NewGauge(prometheus.GaugeOpts{
			Name: "libervia_active_instances",
			Help: "Live core instances in the runtime cache",
		}),

		tenantsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "libervia_tenants_total",
			Help: "Registered, non-deleted tenants",
		}),

		uptimeSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "libervia_process_uptime_seconds",
			Help: "Seconds since the gateway process started",
		}),

		memoryBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "libervia_process_memory_bytes",
			Help: "Process memory usage by kind",
		}, []string{"type"}),
	}
}

// RecordHTTPRequest emits the request counter, the latency histogram, and
// for error responses the category counter.
func (r *Registry) RecordHTTPRequest(method, route string, status int, tenantID string, durationMs float64) {
	code := strconv.Itoa(status)
	r.httpRequests.WithLabelValues(method, route, code, tenantID).Inc()
	r.httpDuration.WithLabelValues(method, route, tenantID).Observe(durationMs)
	if status >= 400 {
		category := strconv.Itoa(status/100) + "xx"
		r.httpErrors.WithLabelValues(category, tenantID).Inc()
	}
}

// RecordAuthFailure counts a failed authentication or role check.
func (r *Registry) RecordAuthFailure(tenantID string) {
	r.authFailures.WithLabelValues(tenantID).Inc()
}

// RecordTenantConflict counts a refused multi-source tenant mismatch.
func (r *Registry) RecordTenantConflict() {
	r.tenantConflicts.Inc()
}

// RecordRateLimited counts a 429.
func (r *Registry) RecordRateLimited(tenantID string) {
	r.rateLimited.WithLabelValues(tenantID).Inc()
}

// SetActiveInstances updates the runtime cache gauge.
func (r *Registry) SetActiveInstances(n int) {
	r.activeInstances.Set(float64(n))
}

// SetTenantsTotal updates the registered-tenant gauge.
func (r *Registry) SetTenantsTotal(n int) {
	r.tenantsTotal.Set(float64(n))
}

// UpdateRuntimeMetrics refreshes the uptime and memory gauges.
func (r *Registry) UpdateRuntimeMetrics() {
	r.uptimeSeconds.Set(time.Since(r.startedAt).Seconds())

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	r.memoryBytes.WithLabelValues("heap_used").Set(float64(m.HeapAlloc))
	r.memoryBytes.WithLabelValues("heap_total").Set(float64(m.HeapSys))
	r.memoryBytes.WithLabelValues("rss").Set(float64(m.Sys))
	r.memoryBytes.WithLabelValues("external").Set(float64(m.StackSys))
}

// UptimeSeconds reports process uptime without mutating any gauge.
func (r *Registry) UptimeSeconds() float64 {
	return time.Since(r.startedAt).Seconds()
}
