package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the room orchestration runtime.
//
// Naming convention: namespace_subsystem_name
// - namespace: bonfire (application-level grouping)
// - subsystem: websocket, room, storage, ratelimit (feature-level grouping)
// - name: specific metric (connections_active, deletions_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, players)
// - Counter: Cumulative events (messages processed, deletions, errors)
// - Histogram: Latency distributions (message dispatch, storage ops)

var (
	// ActiveConnections tracks the current number of active WebSocket connections
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bonfire",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live rooms in the catalog
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bonfire",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomPlayers tracks the current player count per room.
	// Gauge rather than histogram because we want the live count, not the
	// distribution of historical counts.
	RoomPlayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bonfire",
		Subsystem: "room",
		Name:      "players_count",
		Help:      "Number of players in each room",
	}, []string{"room_id"})

	// Messages counts protocol messages dispatched, labelled by outcome
	Messages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bonfire",
		Subsystem: "websocket",
		Name:      "messages_total",
		Help:      "Total protocol messages processed",
	}, []string{"type", "status"})

	// MessageDuration tracks time spent dispatching a protocol message
	MessageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bonfire",
		Subsystem: "websocket",
		Name:      "message_duration_seconds",
		Help:      "Time spent processing protocol messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})

	// RoomDeletions counts room teardowns by trigger
	RoomDeletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bonfire",
		Subsystem: "room",
		Name:      "deletions_total",
		Help:      "Total rooms deleted, by reason",
	}, []string{"reason"})

	// StorageOpDuration tracks persistence latency per operation and backend
	StorageOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bonfire",
		Subsystem: "storage",
		Name:      "operation_duration_seconds",
		Help:      "Time spent in storage operations",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"op", "backend"})

	// StorageErrors counts failed storage operations
	StorageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bonfire",
		Subsystem: "storage",
		Name:      "errors_total",
		Help:      "Total storage operation failures",
	}, []string{"op", "backend"})

	// RateLimitExceeded counts rejected requests per limiter scope
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bonfire",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by rate limiting",
	}, []string{"scope"})

	// CircuitBreakerState reflects the breaker state per backing service (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bonfire",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts requests rejected by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bonfire",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total requests rejected while a circuit breaker was open",
	}, []string{"service"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
