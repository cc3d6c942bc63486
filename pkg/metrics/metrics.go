// Package metrics exposes the mirror's Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "holding_mirror"

// Metrics is a registry-scoped set of collectors. Each session owns one so
// tests and multiple sessions never collide on the default registry.
type Metrics struct {
	registry *prometheus.Registry

	EventsApplied  *prometheus.CounterVec
	EventsSkipped  *prometheus.CounterVec
	DecodeFailures *prometheus.CounterVec
	PagesFetched   prometheus.Counter
	PriceFailures  *prometheus.CounterVec
	SinkFailures   *prometheus.CounterVec
	ActiveStakes   prometheus.Gauge
	ReplayDuration prometheus.Histogram
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Events that changed the holding state.",
		}, []string{"kind"}),
		EventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_skipped_total",
			Help:      "Events that were duplicates or had no effect.",
		}, []string{"kind"}),
		DecodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Logs that could not be decoded.",
		}, []string{"source"}),
		PagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_pages_fetched_total",
			Help:      "Log pages fetched from the mirror node.",
		}),
		PriceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_failures_total",
			Help:      "Failed price refreshes.",
		}, []string{"feed"}),
		SinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_failures_total",
			Help:      "Records an output sink failed to write.",
		}, []string{"sink"}),
		ActiveStakes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_stakes",
			Help:      "Active stakes of the tracked account.",
		}),
		ReplayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replay_duration_seconds",
			Help:      "Time taken to fetch and replay the event history.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
	}
	m.registry.MustRegister(
		m.EventsApplied,
		m.EventsSkipped,
		m.DecodeFailures,
		m.PagesFetched,
		m.PriceFailures,
		m.SinkFailures,
		m.ActiveStakes,
		m.ReplayDuration,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Event records the outcome of one store application.
func (m *Metrics) Event(kind string, changed bool) {
	if m == nil {
		return
	}
	if changed {
		m.EventsApplied.WithLabelValues(kind).Inc()
		return
	}
	m.EventsSkipped.WithLabelValues(kind).Inc()
}

// DecodeFailure counts one undecodable log from source ("history" or "live").
func (m *Metrics) DecodeFailure(source string) {
	if m == nil {
		return
	}
	m.DecodeFailures.WithLabelValues(source).Inc()
}

// Page counts one fetched mirror page.
func (m *Metrics) Page() {
	if m == nil {
		return
	}
	m.PagesFetched.Inc()
}

// PriceFailure counts one failed refresh of feed.
func (m *Metrics) PriceFailure(feed string) {
	if m == nil {
		return
	}
	m.PriceFailures.WithLabelValues(feed).Inc()
}

// SinkFailure counts one record a sink failed to write.
func (m *Metrics) SinkFailure(sink string) {
	if m == nil {
		return
	}
	m.SinkFailures.WithLabelValues(sink).Inc()
}

// SetActiveStakes sets the active stake gauge.
func (m *Metrics) SetActiveStakes(n int) {
	if m == nil {
		return
	}
	m.ActiveStakes.Set(float64(n))
}

// ObserveReplay records how long a history replay took.
func (m *Metrics) ObserveReplay(seconds float64) {
	if m == nil {
		return
	}
	m.ReplayDuration.Observe(seconds)
}
