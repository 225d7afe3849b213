package threads

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors of the thread service.
type Metrics struct {
	TasksTotal    *prometheus.CounterVec
	AgentDuration prometheus.Histogram
	QueuedTasks   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "asynclang",
			Name:      "tasks_total",
			Help:      "Prompt tasks by final state.",
		}, []string{"state"}),
		AgentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "asynclang",
			Name:      "agent_duration_seconds",
			Help:      "Latency of agent invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		QueuedTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "asynclang",
			Name:      "queued_tasks",
			Help:      "Tasks accepted but not yet finished.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.TasksTotal, m.AgentDuration, m.QueuedTasks)
	}
	return m
}
