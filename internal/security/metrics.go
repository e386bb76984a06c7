package security

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts guard outcomes per check.
type Metrics struct {
	Blocked  *prometheus.CounterVec
	Accepted prometheus.Counter
}

// NewMetrics registers the guard counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "formguard",
			Name:      "blocked_total",
			Help:      "Submissions rejected by the defense layer, per check.",
		}, []string{"check"}),
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "formguard",
			Name:      "accepted_total",
			Help:      "Submissions that cleared every check.",
		}),
	}
	reg.MustRegister(m.Blocked, m.Accepted)
	return m
}

// NewNopMetrics returns unregistered counters for tests.
func NewNopMetrics() *Metrics {
	return &Metrics{
		Blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formguard_blocked_total",
		}, []string{"check"}),
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formguard_accepted_total",
		}),
	}
}
