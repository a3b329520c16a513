package realtime

import "github.com/prometheus/client_golang/prometheus"

var (
	roomsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "canon",
			Subsystem: "realtime",
			Name:      "rooms_active",
			Help:      "Rooms currently held in memory by the hub.",
		},
	)

	// ingestTotal counts room ingests by result: handled, declined, invalid,
	// journal_error.
	ingestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canon",
			Subsystem: "realtime",
			Name:      "ingest_total",
			Help:      "Raw events submitted to rooms, by outcome.",
		},
		[]string{"result"},
	)

	editsReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "canon",
			Subsystem: "realtime",
			Name:      "edits_replayed_total",
			Help:      "Buffered edits re-dispatched after their parent arrived.",
		},
	)

	hydrateSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "canon",
			Subsystem: "realtime",
			Name:      "hydrate_seconds",
			Help:      "Time spent rebuilding a room from its journal.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	wsSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "canon",
			Subsystem: "realtime",
			Name:      "ws_sessions",
			Help:      "Open WebSocket sessions.",
		},
	)

	// wsResyncs counts snapshots sent to sessions, by reason.
	wsResyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canon",
			Subsystem: "realtime",
			Name:      "ws_resyncs_total",
			Help:      "Timeline snapshots sent to WebSocket sessions, by reason.",
		},
		[]string{"reason"},
	)
)

// Collectors returns the package's Prometheus collectors for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		roomsActive,
		ingestTotal,
		editsReplayed,
		hydrateSeconds,
		wsSessions,
		wsResyncs,
	}
}
