package plugin

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type pluginMetrics struct {
	calls    *prometheus.CounterVec
	traps    *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	loaded   prometheus.Gauge
}

var (
	pluginMetricsOnce sync.Once
	pluginMetricsInst *pluginMetrics
)

func globalPluginMetrics() *pluginMetrics {
	pluginMetricsOnce.Do(func() {
		pluginMetricsInst = newPluginMetrics()
	})
	return pluginMetricsInst
}

func newPluginMetrics() *pluginMetrics {
	return &pluginMetrics{
		calls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ludo",
			Subsystem: "plugin",
			Name:      "calls_total",
			Help:      "Guest calls, labeled by plugin and entry point",
		}, []string{"plugin", "call"}),
		traps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ludo",
			Subsystem: "plugin",
			Name:      "traps_total",
			Help:      "Guest calls that faulted, labeled by plugin and entry point",
		}, []string{"plugin", "call"}),
		dropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ludo",
			Subsystem: "plugin",
			Name:      "dropped_emissions_total",
			Help:      "Buffered emissions discarded because their call trapped",
		}, []string{"plugin"}),
		duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ludo",
			Subsystem: "plugin",
			Name:      "call_duration_seconds",
			Help:      "Duration of guest calls",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}, []string{"plugin"}),
		loaded: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "ludo",
			Subsystem: "plugin",
			Name:      "loaded",
			Help:      "Plugins currently loaded",
		}),
	}
}

func (m *pluginMetrics) recordCall(plugin, call string) func() {
	if m == nil {
		return func() {}
	}
	m.calls.WithLabelValues(plugin, call).Inc()
	start := time.Now()
	return func() {
		m.duration.WithLabelValues(plugin).Observe(time.Since(start).Seconds())
	}
}

func (m *pluginMetrics) recordTrap(plugin, call string, dropped int) {
	if m == nil {
		return
	}
	m.traps.WithLabelValues(plugin, call).Inc()
	if dropped > 0 {
		m.dropped.WithLabelValues(plugin).Add(float64(dropped))
	}
}

func (m *pluginMetrics) setLoaded(n int) {
	if m == nil {
		return
	}
	m.loaded.Set(float64(n))
}
