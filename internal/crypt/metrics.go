package crypt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the encryption service.
type Metrics struct {
	KeyExchanges       prometheus.Counter
	MessagesSealed     prometheus.Counter
	MessagesOpened     prometheus.Counter
	RotationsInitiated prometheus.Counter
	RotationsCompleted prometheus.Counter
	DecryptFailures    *prometheus.CounterVec
	ExpiredKeyCleanups prometheus.Counter
}

// NewMetrics creates and registers the encryption metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		KeyExchanges: promauto.NewCounter(prometheus.CounterOpts{
			Name: "encryption_key_exchanges_total",
			Help: "Completed ECDH key exchanges",
		}),
		MessagesSealed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "encryption_messages_sealed_total",
			Help: "Envelopes sealed for outbound messages",
		}),
		MessagesOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "encryption_messages_opened_total",
			Help: "Envelopes opened from inbound messages",
		}),
		RotationsInitiated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "encryption_rotations_initiated_total",
			Help: "Key rotations started by the server",
		}),
		RotationsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "encryption_rotations_completed_total",
			Help: "Key rotations acknowledged by clients",
		}),
		DecryptFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "encryption_decrypt_failures_total",
			Help: "Envelope open failures by reason class",
		}, []string{"reason"}),
		ExpiredKeyCleanups: promauto.NewCounter(prometheus.CounterOpts{
			Name: "encryption_expired_key_cleanups_total",
			Help: "Previous-key slots purged after their grace lapsed",
		}),
	}
}

func (m *Metrics) incExchanges() {
	if m != nil {
		m.KeyExchanges.Inc()
	}
}

func (m *Metrics) incSealed() {
	if m != nil {
		m.MessagesSealed.Inc()
	}
}

func (m *Metrics) incOpened() {
	if m != nil {
		m.MessagesOpened.Inc()
	}
}

func (m *Metrics) incRotationInitiated() {
	if m != nil {
		m.RotationsInitiated.Inc()
	}
}

func (m *Metrics) incRotationCompleted() {
	if m != nil {
		m.RotationsCompleted.Inc()
	}
}

func (m *Metrics) incDecryptFailure(reason string) {
	if m != nil {
		m.DecryptFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) incCleanups(n int) {
	if m != nil && n > 0 {
		m.ExpiredKeyCleanups.Add(float64(n))
	}
}
