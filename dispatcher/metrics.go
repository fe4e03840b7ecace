package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects dispatcher counters. Create one per process with
// NewMetrics and share it via Options.
type Metrics struct {
	IntentsTotal          *prometheus.CounterVec
	TurnsTotal            *prometheus.CounterVec
	BatchesRegistered     prometheus.Counter
	Reactivations         prometheus.Counter
	PersistenceRetries    prometheus.Counter
	DegradedConversations prometheus.Counter
}

// NewMetrics registers the dispatcher metrics with reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IntentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convoke",
			Name:      "intents_total",
			Help:      "Inbound intents routed, by kind.",
		}, []string{"kind"}),
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convoke",
			Name:      "turns_total",
			Help:      "Agent turns executed, by terminal state.",
		}, []string{"state"}),
		BatchesRegistered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "convoke",
			Name:      "delegation_batches_registered_total",
			Help:      "Delegation batches registered.",
		}),
		Reactivations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "convoke",
			Name:      "reactivations_total",
			Help:      "Suspended agents reactivated by batch completion or timeout.",
		}),
		PersistenceRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "convoke",
			Name:      "persistence_retries_total",
			Help:      "Persistence operations retried after transient failure.",
		}),
		DegradedConversations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "convoke",
			Name:      "degraded_conversations_total",
			Help:      "Conversations flagged degraded after exhausted persistence retries.",
		}),
	}
}
