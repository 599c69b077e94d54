package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the hub layer.
type Metrics struct {
	Connections *prometheus.GaugeVec
	Calls       *prometheus.CounterVec
}

// NewMetrics creates and registers the hub metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Connections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hub_connections",
				Help: "Live WebSocket connections per hub",
			},
			[]string{"hub"},
		),
		Calls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_calls_total",
				Help: "Hub method calls by hub and outcome",
			},
			[]string{"hub", "outcome"},
		),
	}
}

func (m *Metrics) connOpened(hub string) {
	if m != nil {
		m.Connections.WithLabelValues(hub).Inc()
	}
}

func (m *Metrics) connClosed(hub string) {
	if m != nil {
		m.Connections.WithLabelValues(hub).Dec()
	}
}

func (m *Metrics) callFinished(hub, outcome string) {
	if m != nil {
		m.Calls.WithLabelValues(hub, outcome).Inc()
	}
}
