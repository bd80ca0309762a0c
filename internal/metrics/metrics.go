// Package metrics exposes Prometheus collectors for the ingestion
// dispatcher, the enrichment workers, and the broadcast gateway.
// Scraped from /metrics on each binary.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Subscriber-dispatcher metrics
	RawMessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "os_raw_messages_received_total",
		Help: "Raw bus messages received by the dispatcher, by channel",
	}, []string{"channel"})

	RawMessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "os_raw_messages_dropped_total",
		Help: "Raw messages dropped by the dispatcher, by channel and reason",
	}, []string{"channel", "reason"})

	TasksEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "os_tasks_enqueued_total",
		Help: "Tasks enqueued onto the enrichment queue, by task name",
	}, []string{"task"})

	// Worker metrics
	TasksProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "os_tasks_processed_total",
		Help: "Tasks processed by the worker pool, by task name and outcome",
	}, []string{"task", "outcome"})

	TaskRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "os_task_retries_total",
		Help: "Task retry attempts scheduled, by task name",
	}, []string{"task"})

	TasksDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "os_tasks_dead_lettered_total",
		Help: "Tasks appended to the dead-letter queue after exhausting retries",
	}, []string{"task"})

	IdempotentSkips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "os_idempotent_skips_total",
		Help: "Tasks short-circuited by the idempotency gate, by task name",
	}, []string{"task"})

	TaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "os_task_duration_seconds",
		Help:    "Task execution time, by task name",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"task"})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "os_task_queue_depth",
		Help: "Current length of the enrichment task queue",
	})

	EnrichedPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "os_enriched_published_total",
		Help: "Enriched events published to the bus, by channel",
	}, []string{"channel"})

	// Gateway metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "os_gateway_connections_total",
		Help: "WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "os_gateway_connections_active",
		Help: "Currently connected WebSocket clients",
	})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "os_gateway_disconnects_total",
		Help: "Client disconnections, by reason and who initiated",
	}, []string{"reason", "initiated_by"})

	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "os_gateway_events_delivered_total",
		Help: "Events written to client send buffers, by event name",
	}, []string{"event"})

	SlowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "os_gateway_slow_clients_disconnected_total",
		Help: "Clients disconnected after overflowing their send buffer",
	})

	RateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "os_gateway_rate_limited_messages_total",
		Help: "Inbound client messages dropped by the per-client rate limiter",
	})

	RoomMembers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "os_gateway_room_members",
		Help: "Current members per room kind",
	}, []string{"kind"})

	BusReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "os_bus_reconnects_total",
		Help: "Reconnections to the message bus",
	})
)

func init() {
	prometheus.MustRegister(
		RawMessagesReceived,
		RawMessagesDropped,
		TasksEnqueued,
		TasksProcessed,
		TaskRetries,
		TasksDeadLettered,
		IdempotentSkips,
		TaskDuration,
		QueueDepth,
		EnrichedPublished,
		ConnectionsTotal,
		ConnectionsActive,
		DisconnectsTotal,
		EventsDelivered,
		SlowClientsDisconnected,
		RateLimitedMessages,
		RoomMembers,
		BusReconnects,
	)
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
