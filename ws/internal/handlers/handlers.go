package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inboxrelay/relay/common/httputil"
	"github.com/inboxrelay/relay/common/logging"
	"github.com/inboxrelay/relay/common/middleware"
	"github.com/inboxrelay/relay/common/models"
	"github.com/inboxrelay/relay/common/tokens"
	"github.com/inboxrelay/relay/ws/internal/gateway"
	"github.com/inboxrelay/relay/ws/internal/metrics"
)

// TokenValidator verifies the subscriber token presented on connect.
type TokenValidator interface {
	Validate(token string) (*tokens.Claims, error)
}

// ReadyCheck reports whether a dependency is usable.
type ReadyCheck func(ctx context.Context) error

// Handler serves the client websocket endpoint and the internal API.
type Handler struct {
	gw        *gateway.Gateway
	tokens    TokenValidator
	upgrader  websocket.Upgrader
	keepalive gateway.Keepalive
	checks    map[string]ReadyCheck
	logger    *slog.Logger
}

// Options configures a Handler.
type Options struct {
	AllowedOrigins []string
	Keepalive      gateway.Keepalive
	Logger         *slog.Logger
}

func New(gw *gateway.Gateway, tv TokenValidator, opts Options) *Handler {
	allowed := opts.AllowedOrigins
	return &Handler{
		gw:     gw,
		tokens: tv,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return middleware.OriginAllowed(allowed, r.Header.Get("Origin"))
			},
		},
		keepalive: opts.Keepalive,
		checks:    make(map[string]ReadyCheck),
		logger:    logging.OrDefault(opts.Logger),
	}
}

// WithReadyCheck adds a dependency to the readiness check.
func (h *Handler) WithReadyCheck(name string, check ReadyCheck) *Handler {
	h.checks[name] = check
	return h
}

// Connect authenticates the subscriber token, upgrades the request and keeps
// the connection registered until the peer goes away.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		httputil.WriteError(w, http.StatusUnauthorized, "missing token")
		return
	}

	claims, err := h.tokens.Validate(token)
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		status := http.StatusUnauthorized
		msg := "invalid token"
		if errors.Is(err, tokens.ErrExpiredToken) {
			msg = "token expired"
		}
		httputil.WriteError(w, status, msg)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		h.logger.Debug("websocket upgrade failed", logging.SubscriberID(claims.SubscriberID), logging.Error(err))
		return
	}

	conn := gateway.NewWebsocketConn(ws, h.keepalive)
	tenantID := claims.OrganizationID
	if tenantID == "" {
		tenantID = claims.EnvironmentID
	}

	handle, err := h.gw.Register(r.Context(), conn, claims.EnvironmentID, claims.SubscriberID, tenantID)
	if err != nil {
		h.logger.Warn("failed to register connection",
			logging.SubscriberID(claims.SubscriberID), logging.EnvironmentID(claims.EnvironmentID),
			logging.TenantID(tenantID), logging.Error(err))
		_ = conn.Close()
		return
	}

	conn.Serve(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.gw.Deregister(ctx, handle)
	})
}

// SendEvent is the internal trigger: push one event to a user's connections.
func (h *Handler) SendEvent(w http.ResponseWriter, r *http.Request) {
	var req models.SendRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := h.gw.SendToUser(r.Context(), req.EnvironmentID, req.UserID, req.Event, req.Payload)
	if err != nil {
		h.writeGatewayError(w, err)
		return
	}

	h.logger.Debug("event sent",
		logging.SubscriberID(req.UserID), logging.EnvironmentID(req.EnvironmentID),
		logging.Event(string(req.Event)), slog.Int("delivered", n))
	httputil.WriteJSON(w, http.StatusOK, models.SendResponse{Delivered: n})
}

// Broadcast pushes one event to every connection of a tenant.
func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req models.BroadcastRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := h.gw.BroadcastToTenant(r.Context(), req.TenantID, req.Event, req.Payload)
	if err != nil {
		h.writeGatewayError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, models.SendResponse{Delivered: n})
}

// Online reports whether a subscriber of an environment holds a live
// connection on any node.
func (h *Handler) Online(w http.ResponseWriter, r *http.Request) {
	envID, userID := r.PathValue("env"), r.PathValue("id")
	if envID == "" || userID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "environment id and user id are required")
		return
	}

	online, err := h.gw.IsOnline(r.Context(), envID, userID)
	if err != nil {
		h.logger.Error("presence lookup failed",
			logging.SubscriberID(userID), logging.EnvironmentID(envID), logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "presence registry unavailable")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.OnlineResponse{UserID: userID, EnvironmentID: envID, Online: online})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not ready"
	}
	httputil.WriteJSON(w, status, map[string]any{
		"status":       state,
		"node_id":      h.gw.NodeID(),
		"connections":  h.gw.LocalConnections(),
		"dependencies": deps,
	})
}

func (h *Handler) writeGatewayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrClosed):
		httputil.WriteError(w, http.StatusServiceUnavailable, "gateway is shutting down")
	case errors.Is(err, gateway.ErrMissingUserID), errors.Is(err, gateway.ErrMissingEnv):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("gateway error", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
