package taskqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the queue's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	added     *prometheus.CounterVec
	cancelled *prometheus.CounterVec
	outcomes  *prometheus.CounterVec
	armed     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		added: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recurq",
			Subsystem: "taskqueue",
			Name:      "tasks_added_total",
			Help:      "Task records added, by queue and task type.",
		}, []string{"queue", "type"}),
		cancelled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recurq",
			Subsystem: "taskqueue",
			Name:      "tasks_cancelled_total",
			Help:      "Task records cancelled, by queue and task type.",
		}, []string{"queue", "type"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recurq",
			Subsystem: "taskqueue",
			Name:      "task_outcomes_total",
			Help:      "Activated tasks by final result (done, failed, cancelled, rejected).",
		}, []string{"queue", "type", "result"}),
		armed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "recurq",
			Subsystem: "taskqueue",
			Name:      "armed_timers",
			Help:      "Pending records with a live activation timer.",
		}),
	}
}

func (m *Metrics) incAdded(id identity) {
	if m != nil {
		m.added.WithLabelValues(id.queue, id.taskType).Inc()
	}
}

func (m *Metrics) addCancelled(id identity, n int) {
	if m != nil && n > 0 {
		m.cancelled.WithLabelValues(id.queue, id.taskType).Add(float64(n))
	}
}

func (m *Metrics) incOutcome(id identity, result string) {
	if m != nil {
		m.outcomes.WithLabelValues(id.queue, id.taskType, result).Inc()
	}
}

func (m *Metrics) setArmed(n int) {
	if m != nil {
		m.armed.Set(float64(n))
	}
}
