// Package metrics exposes Prometheus instruments for the ledger, settlement
// and sweep paths.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pactengine"

// Metrics groups every collector the engine records into. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	LedgerOps      *prometheus.CounterVec
	DiamondsMoved  *prometheus.CounterVec
	Settlements    *prometheus.CounterVec
	SweepDuration  *prometheus.HistogramVec
	SweepProcessed *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
	HTTPLatency    *prometheus.HistogramVec
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LedgerOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by kind and result",
		}, []string{"kind", "result"}),
		DiamondsMoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "diamonds_total",
			Help:      "Diamonds moved by transaction kind",
		}, []string{"kind"}),
		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "challenge",
			Name:      "settlements_total",
			Help:      "Challenge settlements by scheme and outcome",
		}, []string{"scheme", "outcome"}),
		SweepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Duration of periodic sweeps",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"job"}),
		SweepProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "processed_total",
			Help:      "Challenges processed by sweeps",
		}, []string{"job", "result"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// LedgerOp counts one ledger operation.
func (m *Metrics) LedgerOp(kind, result string) {
	if m == nil {
		return
	}
	m.LedgerOps.WithLabelValues(kind, result).Inc()
}

// Moved adds amount diamonds to the per-kind counter.
func (m *Metrics) Moved(kind string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.DiamondsMoved.WithLabelValues(kind).Add(float64(amount))
}

// Settled counts a settlement outcome.
func (m *Metrics) Settled(scheme, outcome string) {
	if m == nil {
		return
	}
	m.Settlements.WithLabelValues(scheme, outcome).Inc()
}

// ObserveSweep records how long a sweep took.
func (m *Metrics) ObserveSweep(job string, started time.Time) {
	if m == nil {
		return
	}
	m.SweepDuration.WithLabelValues(job).Observe(time.Since(started).Seconds())
}

// SweepItem counts one challenge handled by a sweep.
func (m *Metrics) SweepItem(job, result string) {
	if m == nil {
		return
	}
	m.SweepProcessed.WithLabelValues(job, result).Inc()
}

// ObserveHTTP records a served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.HTTPLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
