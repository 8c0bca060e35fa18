package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the relay's Prometheus collectors.
type Metrics struct {
	Pushes          *prometheus.CounterVec
	PushedRecords   prometheus.Counter
	Pulls           prometheus.Counter
	PulledRecords   prometheus.Counter
	Revocations     prometheus.Counter
	EpochsPublished prometheus.Counter
	Invitations     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "betterbase",
			Subsystem: "relay",
			Name:      "pushes_total",
			Help:      "Push batches by outcome.",
		}, []string{"outcome"}),
		PushedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "betterbase",
			Subsystem: "relay",
			Name:      "pushed_records_total",
			Help:      "Records appended to change logs.",
		}),
		Pulls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "betterbase",
			Subsystem: "relay",
			Name:      "pulls_total",
			Help:      "Pull pages served.",
		}),
		PulledRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "betterbase",
			Subsystem: "relay",
			Name:      "pulled_records_total",
			Help:      "Records served by pulls.",
		}),
		Revocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "betterbase",
			Subsystem: "relay",
			Name:      "revoked_capabilities_total",
			Help:      "Sync capabilities revoked by member removal.",
		}),
		EpochsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "betterbase",
			Subsystem: "relay",
			Name:      "epochs_published_total",
			Help:      "Key epochs published after rotation.",
		}),
		Invitations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "betterbase",
			Subsystem: "relay",
			Name:      "invitations_total",
			Help:      "Invitation transitions by kind.",
		}, []string{"transition"}),
	}
	if reg != nil {
		reg.MustRegister(m.Pushes, m.PushedRecords, m.Pulls, m.PulledRecords,
			m.Revocations, m.EpochsPublished, m.Invitations)
	}
	return m
}
