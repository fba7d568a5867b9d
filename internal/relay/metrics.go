package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveatc",
		Subsystem: "relay",
		Name:      "requests_total",
		Help:      "Audio relay requests by response code.",
	}, []string{"code"})
	upstreamFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "liveatc",
		Subsystem: "relay",
		Name:      "upstream_failures_total",
		Help:      "Failed attempts to open an upstream stream.",
	})
	activeStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "liveatc",
		Subsystem: "relay",
		Name:      "active_streams",
		Help:      "Streams currently being relayed.",
	})
	bytesRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "liveatc",
		Subsystem: "relay",
		Name:      "bytes_total",
		Help:      "Audio bytes copied to clients.",
	})
)

// RegisterMetrics registers the relay collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(requestsTotal, upstreamFailuresTotal, activeStreams, bytesRelayed)
}
