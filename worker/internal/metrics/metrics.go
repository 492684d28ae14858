package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Presence routing metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_worker_notifications_total",
			Help: "Total number of routing decisions",
		},
		[]string{"trigger", "decision"}, // decision: offline, pushed, presence_error
	)

	EventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_worker_events_sent_total",
			Help: "Total number of real-time events handed to the gateway",
		},
		[]string{"event", "result"}, // result: ok, error
	)

	CountErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_worker_count_errors_total",
			Help: "Total number of failed unseen/unread count fetches",
		},
		[]string{"counter"},
	)

	// Step intake metrics
	StepsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_worker_steps_processed_total",
			Help: "Total number of render step jobs processed",
		},
		[]string{"status"}, // rendered, skipped, failed
	)

	MessagesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_worker_messages_stored_total",
			Help: "Total number of in-app messages persisted",
		},
	)

	StateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_worker_state_changes_total",
			Help: "Total number of message state changes applied",
		},
		[]string{"change"},
	)
)
