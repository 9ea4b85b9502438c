package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for one swarm engine. Hot and
// cold failover latencies live in separate buckets so the instant-vs-cold
// distinction stays observable.
type Metrics struct {
	registry *prometheus.Registry

	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	TasksRetried   prometheus.Counter

	LockContention     prometheus.Counter
	WatchdogRecoveries prometheus.Counter

	HotFailoverLatency  prometheus.Histogram
	ColdFailoverLatency prometheus.Histogram

	StandbyPoolSize prometheus.Gauge
	ActiveWorkers   prometheus.Gauge
}

// NewMetrics creates and registers the swarm metrics on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarm_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarm_tasks_failed_total",
			Help: "Total number of tasks recorded as terminal failures",
		}),
		TasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarm_tasks_retried_total",
			Help: "Total number of task retry re-enqueues",
		}),
		LockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarm_lock_contention_total",
			Help: "Total number of failed slot lock acquisitions",
		}),
		WatchdogRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarm_watchdog_recoveries_total",
			Help: "Total number of stale locks force-released by the watchdog",
		}),
		HotFailoverLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "swarm_failover_hot_seconds",
			Help:    "Failover latency when served from the hot-standby pool",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}),
		ColdFailoverLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "swarm_failover_cold_seconds",
			Help:    "Failover latency when served by a cold deploy",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		StandbyPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_standby_pool_size",
			Help: "Current number of ready standby workers",
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_active_workers",
			Help: "Current number of active workers",
		}),
	}

	registry.MustRegister(
		m.TasksCompleted,
		m.TasksFailed,
		m.TasksRetried,
		m.LockContention,
		m.WatchdogRecoveries,
		m.HotFailoverLatency,
		m.ColdFailoverLatency,
		m.StandbyPoolSize,
		m.ActiveWorkers,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics in Prometheus text
// format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
