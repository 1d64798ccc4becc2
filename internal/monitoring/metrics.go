package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics, one set per process. Shard-labelled counters let a
// Grafana panel spot an unbalanced router or a stuck worker at a glance.
var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listwave_events_published_total",
		Help: "Events handed to the broker, by shard routing key",
	}, []string{"shard"})

	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listwave_publish_failures_total",
		Help: "Events that could not be handed to the broker",
	})

	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listwave_events_consumed_total",
		Help: "Events drained from a shard queue and forwarded to fanout",
	}, []string{"shard"})

	EventsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listwave_events_discarded_total",
		Help: "Malformed events acknowledged and dropped without requeue",
	})

	EventsRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listwave_events_requeued_total",
		Help: "Events returned to their shard queue after a fanout failure",
	})

	FanoutPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listwave_fanout_published_total",
		Help: "Events published onto a room channel",
	})

	FanoutDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listwave_fanout_deliveries_total",
		Help: "Callback deliveries performed by room listeners",
	})

	FanoutDeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listwave_fanout_delivery_failures_total",
		Help: "Callback deliveries that returned an error or timed out",
	})

	ListenerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listwave_fanout_listener_failures_total",
		Help: "Room listeners that exited because their subscription broke",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "listwave_active_rooms",
		Help: "Rooms with at least one live fanout subscriber",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "listwave_active_connections",
		Help: "Live websocket connections across all rooms",
	})

	ConnectionsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listwave_connections_pruned_total",
		Help: "Connections removed after a failed delivery",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listwave_connections_rejected_total",
		Help: "Websocket upgrades rejected before joining a room",
	}, []string{"reason"})
)

// Rejection reasons for ConnectionsRejected.
const (
	RejectReasonRateLimit    = "rate_limit"
	RejectReasonOverloaded   = "overloaded"
	RejectReasonShuttingDown = "shutting_down"
	RejectReasonUnauthorized = "unauthorized"
)
