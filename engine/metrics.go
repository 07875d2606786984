package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes engine activity as Prometheus collectors:
//
//   - buildforge_inflight_tasks: tasks currently executing
//   - buildforge_task_duration_seconds: task execution latency by kind/status
//   - buildforge_task_retries_total: retry attempts by kind
//   - buildforge_phases_total: phase outcomes by status
//   - buildforge_cost_usd_total: cumulative cost by category
//   - buildforge_budget_alerts_total: budget threshold crossings
//   - buildforge_snapshots_total: snapshots created
type Metrics struct {
	inflightTasks prometheus.Gauge
	taskDuration  *prometheus.HistogramVec
	taskRetries   *prometheus.CounterVec
	phases        *prometheus.CounterVec
	cost          *prometheus.CounterVec
	budgetAlerts  prometheus.Counter
	snapshots     prometheus.Counter
}

// NewMetrics registers the engine collectors with the given registry.
// Passing nil uses the default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		inflightTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "buildforge_inflight_tasks",
			Help: "Number of tasks currently executing.",
		}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "buildforge_task_duration_seconds",
			Help:    "Task execution duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"kind", "status"}),
		taskRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "buildforge_task_retries_total",
			Help: "Total task retry attempts.",
		}, []string{"kind"}),
		phases: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "buildforge_phases_total",
			Help: "Phase outcomes by final status.",
		}, []string{"status"}),
		cost: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "buildforge_cost_usd_total",
			Help: "Cumulative tracked cost in USD by category.",
		}, []string{"category"}),
		budgetAlerts: factory.NewCounter(prometheus.CounterOpts{
			Name: "buildforge_budget_alerts_total",
			Help: "Budget alert thresholds crossed.",
		}),
		snapshots: factory.NewCounter(prometheus.CounterOpts{
			Name: "buildforge_snapshots_total",
			Help: "State snapshots created.",
		}),
	}
}

func (m *Metrics) taskStarted() {
	if m == nil {
		return
	}
	m.inflightTasks.Inc()
}

func (m *Metrics) taskFinished(kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.inflightTasks.Dec()
	m.taskDuration.WithLabelValues(kind, status).Observe(d.Seconds())
}

func (m *Metrics) taskRetried(kind string) {
	if m == nil {
		return
	}
	m.taskRetries.WithLabelValues(kind).Inc()
}

func (m *Metrics) phaseFinished(status string) {
	if m == nil {
		return
	}
	m.phases.WithLabelValues(status).Inc()
}

func (m *Metrics) costAdded(category string, amount float64) {
	if m == nil {
		return
	}
	m.cost.WithLabelValues(category).Add(amount)
}

func (m *Metrics) budgetAlerted() {
	if m == nil {
		return
	}
	m.budgetAlerts.Inc()
}

func (m *Metrics) snapshotCreated() {
	if m == nil {
		return
	}
	m.snapshots.Inc()
}
