package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the matchmaking core.
//
// Naming convention: namespace_subsystem_name
// - namespace: arena (application-level grouping)
// - subsystem: matchmaker, room, presence, websocket (feature-level grouping)
// - name: specific metric (requests_total, rooms_active, etc.)
//
// Metric Types:
// - Gauge: Current state (rooms, connections, reserved seats)
// - Counter: Cumulative events (matchmake requests, remote calls)
// - Histogram: Latency distributions (remote call round trips)

var (
	// MatchmakeRequests counts matchmake operations by method and outcome.
	MatchmakeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Subsystem: "matchmaker",
		Name:      "requests_total",
		Help:      "Total matchmake operations processed",
	}, []string{"method", "status"})

	// SeatReservationRetries counts retries caused by lost seat races.
	SeatReservationRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arena",
		Subsystem: "matchmaker",
		Name:      "seat_reservation_retries_total",
		Help:      "Total seat reservation attempts retried after a race",
	})

	// ActiveRooms tracks the current number of locally hosted rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arena",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms hosted by this process",
	})

	// ReservedSeats tracks outstanding (unexpired, unconsumed) reservations.
	ReservedSeats = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arena",
		Subsystem: "room",
		Name:      "seats_reserved",
		Help:      "Current number of outstanding seat reservations",
	})

	// RoomClients tracks the number of connected clients per room.
	RoomClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "arena",
		Subsystem: "room",
		Name:      "clients_count",
		Help:      "Number of connected clients in each room",
	}, []string{"room_id"})

	// RemoteCallDuration tracks presence RPC round-trip time.
	RemoteCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "arena",
		Subsystem: "presence",
		Name:      "remote_call_seconds",
		Help:      "Round-trip time of remote room calls",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"status"})

	// CircuitBreakerState tracks the redis circuit breaker (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "arena",
		Subsystem: "presence",
		Name:      "circuit_breaker_state",
		Help:      "State of the redis circuit breaker (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts operations rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Subsystem: "presence",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations rejected because the circuit breaker was open",
	}, []string{"backend"})

	// ActiveWebSocketConnections tracks the current number of active WebSocket connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arena",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
