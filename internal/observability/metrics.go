// Package observability owns the Prometheus collectors and the OpenTelemetry
// tracer shared by the store, the changefeed and the websocket layer.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrors counts Redis errors by command.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "socialfeed_redis_errors_total",
		Help: "Total number of Redis errors by command",
	}, []string{"command"})

	// StoreQueryLatency records document store latency by operation and collection.
	StoreQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "socialfeed_store_query_latency_seconds",
		Help:    "Document store operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "collection"})

	// StoreWrites counts write attempts by operation, collection and outcome.
	StoreWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "socialfeed_store_writes_total",
		Help: "Total document store writes",
	}, []string{"operation", "collection", "outcome"})

	// SnapshotCache counts snapshot cache lookups by result.
	SnapshotCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "socialfeed_snapshot_cache_total",
		Help: "Snapshot cache lookups by result",
	}, []string{"collection", "result"})

	// LiveSubscriptions is the gauge of open live queries per collection.
	LiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "socialfeed_live_subscriptions",
		Help: "Number of open live queries",
	}, []string{"collection"})

	// SnapshotsDelivered counts snapshots pushed to live query handlers.
	SnapshotsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "socialfeed_snapshots_delivered_total",
		Help: "Snapshots delivered to live query handlers",
	}, []string{"collection"})

	// ChangeEvents counts change events by bus driver and direction.
	ChangeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "socialfeed_change_events_total",
		Help: "Change events published or received",
	}, []string{"driver", "direction"})

	// ActiveWebSockets is the gauge of open websocket connections.
	ActiveWebSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "socialfeed_websocket_connections",
		Help: "Number of active WebSocket connections",
	})

	// WebSocketEventsTotal counts inbound websocket commands by type.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "socialfeed_websocket_events_total",
		Help: "Total WebSocket events by type",
	}, []string{"event_type"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "socialfeed_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// BackfillFailures counts swallowed profile back-fill errors.
	BackfillFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socialfeed_profile_backfill_failures_total",
		Help: "Profile back-fill writes that failed and were ignored",
	})
)

// Outcome labels a write result.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
