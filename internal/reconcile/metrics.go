package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the reconciler's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	passes   *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	active   prometheus.Gauge
	lastPass prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		passes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recurq",
			Subsystem: "reconcile",
			Name:      "passes_total",
			Help:      "Reconciliation passes, by trigger (startup or reload).",
		}, []string{"trigger"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recurq",
			Subsystem: "reconcile",
			Name:      "declarations_total",
			Help:      "Discovered declarations by outcome.",
		}, []string{"outcome"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "recurq",
			Subsystem: "reconcile",
			Name:      "active_schedules",
			Help:      "Registry size after the last pass.",
		}),
		lastPass: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "recurq",
			Subsystem: "reconcile",
			Name:      "last_pass_timestamp_seconds",
			Help:      "Unix time of the last completed pass.",
		}),
	}
}

func (m *Metrics) observe(s Summary) {
	if m == nil {
		return
	}
	trigger := "reload"
	if s.Startup {
		trigger = "startup"
	}
	m.passes.WithLabelValues(trigger).Inc()
	m.outcomes.WithLabelValues("scheduled").Add(float64(s.Scheduled))
	m.outcomes.WithLabelValues("unregistered").Add(float64(s.Unregistered))
	m.outcomes.WithLabelValues("duplicate").Add(float64(s.Duplicates))
	m.outcomes.WithLabelValues("empty").Add(float64(s.Empty))
	m.outcomes.WithLabelValues("failed").Add(float64(s.Failed))
	m.active.Set(float64(s.Scheduled))
	m.lastPass.Set(float64(s.At.Unix()))
}
