package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the rate limiter.
type Metrics struct {
	Admissions  *prometheus.CounterVec
	TimeoutsSet *prometheus.CounterVec
}

// NewMetrics creates and registers the limiter metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Admissions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_admissions_total",
				Help: "Rate limit admission decisions by policy and outcome",
			},
			[]string{"policy", "outcome"},
		),
		TimeoutsSet: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_timeouts_set_total",
				Help: "Timeout records created after a bucket crossed its limit",
			},
			[]string{"policy"},
		),
	}
}

func (m *Metrics) observe(policy string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.Admissions.WithLabelValues(policy, outcome).Inc()
}

func (m *Metrics) timeoutSet(policy string) {
	if m == nil {
		return
	}
	m.TimeoutsSet.WithLabelValues(policy).Inc()
}
