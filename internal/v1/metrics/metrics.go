package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the collaborative editing service.
//
// Naming convention: namespace_subsystem_name
// - namespace: collab (application-level grouping)
// - subsystem: websocket, room, admin, storage (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, rooms)
// - Counter: Cumulative events (frames processed, write-backs, errors)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// WireMessages counts decoded wire frames by kind and outcome
	WireMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "websocket",
		Name:      "messages_total",
		Help:      "Total wire protocol frames processed",
	}, []string{"kind", "status"})

	// AdminFetches counts GETs against the admin service by status class
	AdminFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "admin",
		Name:      "fetches_total",
		Help:      "Total document fetches from the admin service",
	}, []string{"status"})

	// AdminWritebacks counts PUTs against the admin service by status class
	AdminWritebacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "admin",
		Name:      "writebacks_total",
		Help:      "Total document write-backs to the admin service",
	}, []string{"status"})

	// StorageWrites counts durable snapshot writes, labeled by layout
	StorageWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "storage",
		Name:      "writes_total",
		Help:      "Total durable state snapshots written",
	}, []string{"layout"}) // "single" or "chunked"
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
