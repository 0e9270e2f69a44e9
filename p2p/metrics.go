package p2p

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the devp2p layer: connected peer count, inbound
// messages handed off to a sub-protocol handler, and requests resolved by
// timeout rather than a matching response. Scraped the usual way via
// promhttp.Handler() registered against prometheus.DefaultRegisterer.
var (
	metricPeerCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "p2p",
		Name:      "peers",
		Help:      "Number of currently connected peers.",
	})

	metricMessagesDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "p2p",
		Name:      "messages_dispatched_total",
		Help:      "Inbound messages routed by the dispatcher to a sub-protocol's handler.",
	}, []string{"protocol"})

	metricRequestTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "p2p",
		Name:      "request_timeouts_total",
		Help:      "Outstanding requests resolved by their timeout rather than a correlated response.",
	})
)

func init() {
	prometheus.MustRegister(metricPeerCount, metricMessagesDispatched, metricRequestTimeouts)
}
