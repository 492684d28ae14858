package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_ws_connections_active",
			Help: "Number of live connections held by this node",
		},
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ws_connections_total",
			Help: "Total number of connection lifecycle events",
		},
		[]string{"event"}, // registered, deregistered, rejected
	)

	// Delivery metrics
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ws_deliveries_total",
			Help: "Total number of per-connection event deliveries",
		},
		[]string{"event", "result"}, // result: delivered, failed, relayed
	)

	SendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_ws_send_duration_seconds",
			Help:    "Duration of a single connection send in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Relay metrics
	RelayErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ws_relay_errors_total",
			Help: "Total number of failed cross-node relay operations",
		},
		[]string{"op"}, // deliver, broadcast, decode
	)

	RegistryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ws_registry_errors_total",
			Help: "Total number of connection registry failures",
		},
		[]string{"op"},
	)
)
