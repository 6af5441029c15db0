package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so several API instances (tests) can coexist.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	sessionsSwept       *prometheus.CounterVec
	auditFailures       prometheus.Counter
	auditDropped        prometheus.Counter
	rateLimited         *prometheus.CounterVec
	buildInfo           *prometheus.GaugeVec
}

// NewMetrics registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		sessionsSwept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessions_swept_total",
			Help: "Sessions deactivated by the background sweeper.",
		}, []string{"reason"}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Audit entries that could not be persisted.",
		}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_sink_dropped_total",
			Help: "Audit entries not mirrored because the sink queue was full.",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"scope"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information.",
		}, []string{"version"}),
	}
	m.registry.MustRegister(
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
		m.sessionsSwept, m.auditFailures, m.auditDropped, m.rateLimited, m.buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetBuildInfo publishes build_info{version} 1.
func (m *Metrics) SetBuildInfo(version string) {
	m.buildInfo.WithLabelValues(version).Set(1)
}

// RequestStarted increments the in-flight gauge.
func (m *Metrics) RequestStarted() { m.httpInFlight.Inc() }

// RequestFinished records one completed request against its route template.
func (m *Metrics) RequestFinished(method, route string, status int, d time.Duration) {
	code := strconv.Itoa(status)
	m.httpInFlight.Dec()
	m.httpRequestDuration.WithLabelValues(method, route, code).Observe(d.Seconds())
	m.httpRequestsTotal.WithLabelValues(method, route, code).Inc()
}

// SessionsSwept counts sessions deactivated by a sweep pass.
func (m *Metrics) SessionsSwept(reason string, n int64) {
	if n > 0 {
		m.sessionsSwept.WithLabelValues(reason).Add(float64(n))
	}
}

// AuditFailure counts a dropped audit write.
func (m *Metrics) AuditFailure() { m.auditFailures.Inc() }

// AuditDropped counts an entry the mirror sink had no room for.
func (m *Metrics) AuditDropped() { m.auditDropped.Inc() }

// RateLimited counts a rejected request for the given limiter scope.
func (m *Metrics) RateLimited(scope string) { m.rateLimited.WithLabelValues(scope).Inc() }
