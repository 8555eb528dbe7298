package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type engineMetrics struct {
	ticks     prometheus.Counter
	duration  prometheus.Observer
	runs      *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	delivered prometheus.Counter
	widgets   prometheus.Gauge
}

var (
	engineMetricsOnce sync.Once
	engineMetricsInst *engineMetrics
)

func globalEngineMetrics() *engineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetricsInst = newEngineMetrics()
	})
	return engineMetricsInst
}

func newEngineMetrics() *engineMetrics {
	return &engineMetrics{
		ticks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "ludo",
			Subsystem: "engine",
			Name:      "ticks_total",
			Help:      "Completed ticks",
		}),
		duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ludo",
			Subsystem: "engine",
			Name:      "tick_duration_seconds",
			Help:      "Wall time spent in one tick",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .016, .033, .05, .1, .25},
		}),
		runs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ludo",
			Subsystem: "engine",
			Name:      "plugin_runs_total",
			Help:      "Plugin run invocations by outcome",
		}, []string{"plugin", "outcome"}),
		rejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ludo",
			Subsystem: "engine",
			Name:      "rejected_emissions_total",
			Help:      "Emissions refused by the router, by reason",
		}, []string{"plugin", "reason"}),
		delivered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "ludo",
			Subsystem: "engine",
			Name:      "delivered_events_total",
			Help:      "Plugin events delivered at flush",
		}),
		widgets: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "ludo",
			Subsystem: "engine",
			Name:      "widgets",
			Help:      "Live widgets",
		}),
	}
}

func (m *engineMetrics) observeTick(d time.Duration, delivered, widgets int) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.duration.Observe(d.Seconds())
	m.delivered.Add(float64(delivered))
	m.widgets.Set(float64(widgets))
}

func (m *engineMetrics) recordRun(plugin, outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(plugin, outcome).Inc()
}

func (m *engineMetrics) recordReject(plugin, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(plugin, reason).Inc()
}
