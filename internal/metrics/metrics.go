// Package metrics exposes reload and invocation counters to prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	resultOK     = "ok"
	resultFailed = "failed"
)

// reloadBuckets covers sub-millisecond scans up to multi-second evals of
// large units.
var reloadBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Metrics holds the prometheus collectors.
type Metrics struct {
	reloads        *prometheus.CounterVec
	reloadDuration prometheus.Histogram
	invocations    *prometheus.CounterVec
	units          prometheus.Gauge
	gatherer       prometheus.Gatherer
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	return NewWith(prometheus.NewRegistry())
}

// NewWith registers the collectors on reg.
func NewWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "minireload_reloads_total",
			Help: "Unit reload attempts by result.",
		}, []string{"result"}),
		reloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "minireload_reload_duration_seconds",
			Help:    "Time spent scanning, compiling and executing a unit.",
			Buckets: reloadBuckets,
		}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "minireload_invocations_total",
			Help: "Guarded invocations by result (ok, user-call, reload).",
		}, []string{"result"}),
		units: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "minireload_units",
			Help: "Registered code units.",
		}),
	}
	reg.MustRegister(m.reloads, m.reloadDuration, m.invocations, m.units)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// ObserveReload records one reload attempt.
func (m *Metrics) ObserveReload(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := resultOK
	if err != nil {
		result = resultFailed
	}
	m.reloads.WithLabelValues(result).Inc()
	m.reloadDuration.Observe(d.Seconds())
}

// ObserveInvocation records one guarded call. failure is the failure
// category, or empty on success.
func (m *Metrics) ObserveInvocation(failure string) {
	if m == nil {
		return
	}
	if failure == "" {
		failure = resultOK
	}
	m.invocations.WithLabelValues(failure).Inc()
}

// SetUnits records the number of registered units.
func (m *Metrics) SetUnits(n int) {
	if m == nil {
		return
	}
	m.units.Set(float64(n))
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
