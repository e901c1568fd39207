// Package metrics provides Prometheus metrics for evssh connections.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names use the evssh_ prefix
const (
	Namespace = "evssh"
)

// Directions used as label values
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

var (
	PacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "packets_total",
		Help:      "SSH packets processed, by direction.",
	}, []string{"direction"})

	BytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "bytes_total",
		Help:      "Bytes carried by SSH packets, by direction.",
	}, []string{"direction"})

	KeyExchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "key_exchanges_total",
		Help:      "Completed or failed key exchanges, by algorithm and result.",
	}, []string{"algorithm", "result"})

	AuthAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "auth_attempts_total",
		Help:      "User authentication attempts, by method and result.",
	}, []string{"method", "result"})

	StateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "connection_state_transitions_total",
		Help:      "Connection lifecycle transitions, by target state.",
	}, []string{"state"})

	OpenChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "open_channels",
		Help:      "Channels currently open across all sessions.",
	})

	WaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "shell_waits_total",
		Help:      "Shell wait operations, by result.",
	}, []string{"result"})
)

// ObservePacket records one packet of n bytes
func ObservePacket(direction string, n int) {
	PacketsTotal.WithLabelValues(direction).Inc()
	BytesTotal.WithLabelValues(direction).Add(float64(n))
}
