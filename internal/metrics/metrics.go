package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Store writes by table, operation (upsert/update) and status (success/failure)
	StoreWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ue1live_store_writes_total",
			Help: "Total number of row writes",
		},
		[]string{"table", "op", "status"},
	)

	// Time spent in the single-writer queue plus the statement itself
	StoreWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ue1live_store_write_duration_seconds",
			Help:    "Time spent processing row writes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	ChangeEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ue1live_change_events_published_total",
			Help: "Total number of change events published to the hub",
		},
		[]string{"table", "type"},
	)

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ue1live_subscriptions_current",
			Help: "Current number of live change subscriptions",
		},
	)

	// Subscribers dropped because their delivery queue overflowed
	DroppedSubscribers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ue1live_dropped_subscribers_total",
			Help: "Total number of subscribers dropped for falling behind",
		},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ue1live_websocket_connections_current",
			Help: "Current number of change-feed websocket connections",
		},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ue1live_rate_limited_total",
			Help: "Total number of write requests rejected by the rate limiter",
		},
	)

	LifecycleEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ue1live_lifecycle_events_total",
			Help: "Total number of session lifecycle events emitted",
		},
		[]string{"event", "status"},
	)
)

// Status label for an error result.
func Status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
