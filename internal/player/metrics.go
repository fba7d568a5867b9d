package player

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "liveatc"

var (
	reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "player",
		Name:      "reconnects_total",
		Help:      "Committed make-before-break swaps.",
	})
	setupFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "player",
		Name:      "setup_failures_total",
		Help:      "Failed source setups by reason and role.",
	}, []string{"reason", "role"})
	swapDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "player",
		Name:      "swap_duration_seconds",
		Help:      "Time from scheduler fire to committed swap.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
	bufferingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "player",
		Name:      "buffering",
		Help:      "1 while the active session is buffering.",
	})
)

// RegisterMetrics registers the player collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(reconnectsTotal, setupFailuresTotal, swapDuration, bufferingGauge)
}

func observeSetupFailure(err error, role Role) {
	setupFailuresTotal.WithLabelValues(failureReason(err), role.String()).Inc()
}
