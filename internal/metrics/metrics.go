// Package metrics holds the service's prometheus collectors.
// All methods are safe on a nil *Metrics so components may run without them.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "medconsent"

// Metrics is a set of collectors registered on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	grantRequests  *prometheus.CounterVec
	grantsRevoked  prometheus.Counter
	grantsSwept    prometheus.Counter
	authzChecks    *prometheus.CounterVec
	ingestOutcomes *prometheus.CounterVec
	adapterLatency *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New creates and registers all collectors, including Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		grantRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "grants", Name: "requests_total",
			Help: "Grant requests by outcome (created, existing, not_found, rate_limited, error).",
		}, []string{"outcome"}),
		grantsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "grants", Name: "revoked_total",
			Help: "Grants revoked by their doctor.",
		}),
		grantsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "grants", Name: "swept_total",
			Help: "Expired grants removed by the sweeper.",
		}),
		authzChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "grants", Name: "authorization_checks_total",
			Help: "IsAuthorized results.",
		}, []string{"allowed"}),
		ingestOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "records_total",
			Help: "Records resolved by the ingestion pipeline, by final state.",
		}, []string{"state"}),
		adapterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "adapter_duration_seconds",
			Help:    "Extraction and digest call latency.",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 45, 90},
		}, []string{"op", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.grantRequests, m.grantsRevoked, m.grantsSwept, m.authzChecks,
		m.ingestOutcomes, m.adapterLatency, m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// GrantRequest counts a RequestGrant outcome.
func (m *Metrics) GrantRequest(outcome string) {
	if m == nil {
		return
	}
	m.grantRequests.WithLabelValues(outcome).Inc()
}

// GrantRevoked counts a revocation.
func (m *Metrics) GrantRevoked() {
	if m == nil {
		return
	}
	m.grantsRevoked.Inc()
}

// GrantsSwept adds n removed grants.
func (m *Metrics) GrantsSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.grantsSwept.Add(float64(n))
}

// AuthorizationCheck counts an IsAuthorized result.
func (m *Metrics) AuthorizationCheck(allowed bool) {
	if m == nil {
		return
	}
	m.authzChecks.WithLabelValues(strconv.FormatBool(allowed)).Inc()
}

// IngestOutcome counts a record reaching state.
func (m *Metrics) IngestOutcome(state string) {
	if m == nil {
		return
	}
	m.ingestOutcomes.WithLabelValues(state).Inc()
}

// ObserveAdapter records one adapter call. Its signature matches adapters.Observer.
func (m *Metrics) ObserveAdapter(op string, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.adapterLatency.WithLabelValues(op, result).Observe(took.Seconds())
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, code int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}
