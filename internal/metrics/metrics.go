// Package metrics provides Prometheus instrumentation for the chat server. It
// exposes gauges for connections and room subscriptions, counters for message
// and join outcomes, and histograms for send and store latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeDelivered = "delivered"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeCreated   = "created"
	OutcomeExisting  = "existing"
)

var (
	// ConnectionsTotal tracks the current number of authenticated WebSocket
	// connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of authenticated WebSocket connections",
	})

	// RoomSubscriptions tracks the current number of (connection, room)
	// subscriptions held by the presence registry.
	RoomSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_room_subscriptions",
		Help: "Current number of live room subscriptions",
	})

	// MessagesTotal counts send attempts by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of send operations by outcome",
	}, []string{"outcome"}) // outcome = "delivered", "rejected", "failed"

	// JoinsTotal counts join operations by outcome.
	JoinsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_joins_total",
		Help: "Total number of join operations by outcome",
	}, []string{"outcome"}) // outcome = "created", "existing", "rejected", "failed"

	// AuthFailures counts rejected credentials by wire code.
	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_auth_failures_total",
		Help: "Total number of rejected credentials",
	}, []string{"reason"})

	// SendLatency records persist+broadcast latency in seconds.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_send_latency_seconds",
		Help:    "Message persist and broadcast latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// StoreLatency records persistence gateway call latency by operation.
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_store_latency_seconds",
		Help:    "Persistence gateway call latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"})

	// BreakerState is 0 when the store circuit is closed, 1 half-open, 2 open.
	BreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_store_breaker_state",
		Help: "Persistence circuit breaker state (0 closed, 1 half-open, 2 open)",
	})

	// BroadcastErrors counts failed publishes to the broadcast fabric.
	BroadcastErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_broadcast_errors_total",
		Help: "Total number of failed broadcast publishes",
	})

	// SlowConsumers counts connections evicted because their outbound queue
	// filled up.
	SlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_slow_consumers_total",
		Help: "Total number of connections evicted for a full send queue",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RoomSubscriptions,
		MessagesTotal,
		JoinsTotal,
		AuthFailures,
		SendLatency,
		StoreLatency,
		BreakerState,
		BroadcastErrors,
		SlowConsumers,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
