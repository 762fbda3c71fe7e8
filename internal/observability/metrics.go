package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics exposes Prometheus collectors for the HTTP surface and the Redmine client.
type Metrics struct {
	registry        *prometheus.Registry
	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errorCount      *prometheus.CounterVec
	redmineCalls    *prometheus.CounterVec
	redmineDuration *prometheus.HistogramVec
	outcomes        *prometheus.CounterVec
}

// NewMetrics registers collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_http_requests_total",
			Help: "HTTP requests served by the bridge.",
		}, []string{"path", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method"}),
		errorCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_http_errors_total",
			Help: "HTTP requests that ended in an error response.",
		}, []string{"path", "method", "code"}),
		redmineCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redmine_requests_total",
			Help: "Requests sent to Redmine, by response status (0 for transport failures).",
		}, []string{"method", "status"}),
		redmineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redmine_request_duration_seconds",
			Help:    "Redmine round trip latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_outcomes_total",
			Help: "Bridge level outcomes such as fallbacks, retries and idempotency hits.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestCount,
		m.requestDuration,
		m.errorCount,
		m.redmineCalls,
		m.redmineDuration,
		m.outcomes,
	)
	return m
}

// Registry returns the registry backing /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestCount.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(path, method).Observe(duration.Seconds())
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	m.errorCount.WithLabelValues(path, method, code).Inc()
}

// RecordRedmineCall records one attempt against Redmine.
func (m *Metrics) RecordRedmineCall(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.redmineCalls.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.redmineDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordOutcome counts a named bridge outcome.
func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}
