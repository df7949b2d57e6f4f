package coord

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the coordination instrumentation.
type Metrics struct {
	Connections  prometheus.Gauge
	Elections    *prometheus.CounterVec
	StateUpdates *prometheus.CounterVec
	Recoveries   *prometheus.CounterVec
	Fanout       prometheus.Histogram
}

// NewMetrics registers the coordination collectors on reg. A nil
// registerer yields unregistered (but usable) collectors, which keeps
// tests independent of the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorum",
			Name:      "connections",
			Help:      "Currently attached connections.",
		}),
		Elections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorum",
			Name:      "elections_total",
			Help:      "Leader election outcomes.",
		}, []string{"outcome"}),
		StateUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorum",
			Name:      "state_updates_total",
			Help:      "Shared state update outcomes.",
		}, []string{"outcome"}),
		Recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorum",
			Name:      "recoveries_total",
			Help:      "Connection recovery outcomes.",
		}, []string{"outcome"}),
		Fanout: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quorum",
			Name:      "fanout_deliveries",
			Help:      "Connections reached per broadcast.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),
	}
}
