package timeline

import "github.com/prometheus/client_golang/prometheus"

var (
	// deltasPublished counts deltas handed to the fan-out, by kind.
	deltasPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canon",
			Subsystem: "timeline",
			Name:      "deltas_published_total",
			Help:      "Deltas published by canonical timeline stores.",
		},
		[]string{"kind"},
	)

	// deltasDropped counts deltas discarded from full subscriber queues.
	deltasDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "canon",
			Subsystem: "timeline",
			Name:      "deltas_dropped_total",
			Help:      "Deltas discarded because a subscriber queue was full.",
		},
	)

	editsBuffered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "canon",
			Subsystem: "timeline",
			Name:      "edits_buffered_total",
			Help:      "Edits buffered because their parent was not yet known.",
		},
	)

	redactionsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "canon",
			Subsystem: "timeline",
			Name:      "redactions_dropped_total",
			Help:      "Redactions dropped because their target was not known.",
		},
	)

	// eventsProcessed counts pipeline outcomes. adapter is "none" when no
	// adapter claimed the event; an adapter that declines a shape it owns
	// (malformed message content) also records itself as declined.
	eventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canon",
			Subsystem: "timeline",
			Name:      "events_total",
			Help:      "Raw events dispatched through the adapter pipeline.",
		},
		[]string{"adapter", "result"},
	)
)

// Collectors returns the package's Prometheus collectors for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		deltasPublished,
		deltasDropped,
		editsBuffered,
		redactionsDropped,
		eventsProcessed,
	}
}
