package tablease

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// telemetryBundle carries the coordinator's Prometheus collectors.
// Collectors are always created; they are only registered when the
// caller supplies a registerer, so sibling instances never collide.
type telemetryBundle struct {
	transitions         *prometheus.CounterVec
	heartbeats          prometheus.Counter
	heartbeatFailures   prometheus.Counter
	gcRuns              prometheus.Counter
	gcClientsDeleted    prometheus.Counter
	leaseLost           prometheus.Counter
	exclusiveRejections prometheus.Counter
}

func newTelemetryBundle(reg prometheus.Registerer) *telemetryBundle {
	b := &telemetryBundle{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tablease",
			Name:      "primary_transitions_total",
			Help:      "Local primary-state transitions, labeled by resulting state.",
		}, []string{"state"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tablease",
			Name:      "heartbeats_total",
			Help:      "Successful client metadata heartbeats.",
		}),
		heartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tablease",
			Name:      "heartbeat_failures_total",
			Help:      "Heartbeat attempts that failed and were dropped.",
		}),
		gcRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tablease",
			Name:      "gc_runs_total",
			Help:      "Completed multi-client state garbage collections.",
		}),
		gcClientsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tablease",
			Name:      "gc_clients_deleted_total",
			Help:      "Inactive client metadata records reclaimed by GC.",
		}),
		leaseLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tablease",
			Name:      "lease_lost_total",
			Help:      "Primary-required transactions rejected for a lost lease.",
		}),
		exclusiveRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tablease",
			Name:      "exclusive_rejections_total",
			Help:      "Operations rejected by an exclusive leaseholder.",
		}),
	}
	if reg != nil {
		for _, collector := range []prometheus.Collector{
			b.transitions, b.heartbeats, b.heartbeatFailures,
			b.gcRuns, b.gcClientsDeleted, b.leaseLost, b.exclusiveRejections,
		} {
			if err := reg.Register(collector); err != nil {
				var already prometheus.AlreadyRegisteredError
				if !errors.As(err, &already) {
					panic(err)
				}
			}
		}
	}
	return b
}
