package web

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JonMunkholm/csvw/internal/core"
)

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	runs       *prometheus.CounterVec
	violations *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg, together
// with a gauge reporting the limiter's active runs.
func NewMetrics(reg prometheus.Registerer, limiter *core.Limiter) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csvw_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "csvw_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csvw_runs_total",
			Help: "Validation and conversion runs by operation and outcome.",
		}, []string{"operation", "outcome"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csvw_violations_total",
			Help: "Row violations reported, by error kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.requests, m.latency, m.runs, m.violations,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "csvw_active_runs",
			Help: "Runs currently holding a concurrency slot.",
		}, func() float64 { return float64(limiter.ActiveCount()) }),
	)
	return m
}

// ObserveRequest records a finished HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	m.requests.With(prometheus.Labels{"method": method, "route": route, "status": strconv.Itoa(status)}).Inc()
	m.latency.With(prometheus.Labels{"method": method, "route": route}).Observe(d.Seconds())
}

func (m *Metrics) observeRun(operation string, vs core.Violations, err error) {
	outcome := "valid"
	switch {
	case err != nil:
		outcome = "error"
	case len(vs) > 0:
		outcome = "invalid"
	}
	m.runs.With(prometheus.Labels{"operation": operation, "outcome": outcome}).Inc()
	for _, v := range vs {
		m.violations.With(prometheus.Labels{"kind": violationKind(v)}).Inc()
	}
}

// violationKind is the code family, e.g. "TYPE" or "KEY".
func violationKind(v core.Violation) string {
	return strings.TrimRight(core.MapError(v.Err).Code, "0123456789")
}
