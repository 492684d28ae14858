package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inboxrelay/relay/common/middleware"
	"github.com/inboxrelay/relay/ws/internal/handlers"
)

// NewRouter constructs a ServeMux with the gateway routes registered.
// The /api/v1 routes are service-to-service and require internalKey.
func NewRouter(h *handlers.Handler, internalKey string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Client transport
	mux.HandleFunc("GET /ws", h.Connect)

	// Internal API
	internal := middleware.RequireInternalKey(internalKey)
	mux.Handle("POST /api/v1/events", internal(http.HandlerFunc(h.SendEvent)))
	mux.Handle("POST /api/v1/broadcast", internal(http.HandlerFunc(h.Broadcast)))
	mux.Handle("GET /api/v1/environments/{env}/users/{id}/online", internal(http.HandlerFunc(h.Online)))

	// Health endpoints
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /readyz", h.Ready)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.RequestID(middleware.AccessLog(logger)(mux))
}
