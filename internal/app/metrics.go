package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	logx "recurq/pkg/logx"
)

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

type appMetrics struct {
	logMessages *prometheus.CounterVec
	reloads     *prometheus.CounterVec
}

func newAppMetrics(reg prometheus.Registerer) *appMetrics {
	f := promauto.With(reg)
	return &appMetrics{
		logMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recurq",
			Name:      "log_messages_total",
			Help:      "Log records forwarded to the log hook, by level.",
		}, []string{"level"}),
		reloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recurq",
			Name:      "config_reloads_total",
			Help:      "Applied configuration reloads, by result.",
		}, []string{"result"}),
	}
}

// logHook is installed as the logx hook sink.
func (m *appMetrics) logHook(level logx.Level, _ string) {
	m.logMessages.WithLabelValues(level.String()).Inc()
}
