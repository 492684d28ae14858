package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inboxrelay/relay/common/middleware"
	"github.com/inboxrelay/relay/worker/internal/handlers"
)

// NewRouter constructs a ServeMux with the worker routes registered.
// Everything under /api/v1 requires internalKey.
func NewRouter(h *handlers.Handler, internalKey string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	internal := middleware.RequireInternalKey(internalKey)
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, internal(fn))
	}

	// Rendering
	handle("POST /api/v1/preview", h.Preview)
	handle("POST /api/v1/jobs", h.ProcessJob)

	// Subscriber feed
	const sub = "/api/v1/environments/{env}/subscribers/{sub}"
	handle("GET "+sub, h.GetSubscriber)
	handle("GET "+sub+"/messages", h.ListMessages)
	handle("GET "+sub+"/counts", h.Counts)
	handle("POST "+sub+"/messages/{action}", h.ChangeAllMessages)
	handle("POST "+sub+"/messages/{id}/{action}", h.ChangeMessage)

	// Translations
	handle("PUT /api/v1/translations/{resourceType}/{resourceId}/{locale}", h.PutTranslation)

	// Health endpoints
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /readyz", h.Ready)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.RequestID(middleware.AccessLog(logger)(mux))
}
