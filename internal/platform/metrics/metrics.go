// Package metrics exposes the lifecycle engine's Prometheus collectors and
// the HTTP request middleware. All methods are safe on a nil *Metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type Metrics struct {
	SequenceAllocations *prometheus.CounterVec
	Transitions         *prometheus.CounterVec
	Reconciliations     *prometheus.CounterVec
	Dispatches          *prometheus.CounterVec
	DispatchLatency     prometheus.Histogram
	HTTPDuration        *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers every collector with reg. Pass prometheus.NewRegistry() in
// tests to avoid duplicate registration on the default registry.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SequenceAllocations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lims_sequence_allocations_total",
			Help: "Sequence numbers handed out by prefix and scope",
		}, []string{"prefix", "scope"}), // scope: "global", "tenant"

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lims_assignment_transitions_total",
			Help: "Assignment state machine events by outcome",
		}, []string{"event", "outcome"}), // outcome: "ok", "invalid", "conflict"

		Reconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lims_reconciliations_total",
			Help: "Instrument result reconciliation outcomes",
		}, []string{"source", "outcome"}),

		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lims_dispatches_total",
			Help: "Instrument dispatch attempts by outcome",
		}, []string{"outcome"}),

		DispatchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lims_dispatch_duration_seconds",
			Help:    "Duration of instrument dispatch calls",
			Buckets: defaultDurationBuckets,
		}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lims_http_request_duration_seconds",
			Help:    "HTTP request duration by method, route and status",
			Buckets: defaultDurationBuckets,
		}, []string{"method", "route", "status"}),

		ActiveRequests: f.NewGauge(prometheus.GaugeOpts{
			Name: "lims_http_active_requests",
			Help: "In-flight HTTP requests",
		}),

		gatherer: reg,
	}
}

func (m *Metrics) IncSequence(prefix string, global bool) {
	if m == nil {
		return
	}
	scope := "tenant"
	if global {
		scope = "global"
	}
	m.SequenceAllocations.WithLabelValues(prefix, scope).Inc()
}

func (m *Metrics) IncTransition(event, outcome string) {
	if m != nil {
		m.Transitions.WithLabelValues(event, outcome).Inc()
	}
}

func (m *Metrics) IncReconciliation(source, outcome string) {
	if m != nil {
		m.Reconciliations.WithLabelValues(source, outcome).Inc()
	}
}

// ObserveDispatch records one dispatch attempt.
func (m *Metrics) ObserveDispatch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(outcome).Inc()
	m.DispatchLatency.Observe(d.Seconds())
}

// Middleware records request duration labelled by the matched route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.ActiveRequests.Inc()
			defer m.ActiveRequests.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := strconv.Itoa(c.Response().Status)
			m.HTTPDuration.WithLabelValues(c.Request().Method, route, status).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}
