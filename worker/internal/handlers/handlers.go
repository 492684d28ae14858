package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/inboxrelay/relay/common/httputil"
	"github.com/inboxrelay/relay/common/logging"
	"github.com/inboxrelay/relay/common/models"
	"github.com/inboxrelay/relay/common/render"
	"github.com/inboxrelay/relay/worker/internal/repository"
	"github.com/inboxrelay/relay/worker/internal/service"
)

// ReadyCheck reports whether a dependency is usable.
type ReadyCheck func(ctx context.Context) error

// Handler serves the worker's internal API.
type Handler struct {
	svc    *service.Service
	checks map[string]ReadyCheck
	logger *slog.Logger
}

func New(svc *service.Service, logger *slog.Logger) *Handler {
	return &Handler{
		svc:    svc,
		checks: make(map[string]ReadyCheck),
		logger: logging.OrDefault(logger),
	}
}

// WithReadyCheck adds a dependency to the readiness check.
func (h *Handler) WithReadyCheck(name string, check ReadyCheck) *Handler {
	h.checks[name] = check
	return h
}

// Preview renders one step without storing or delivering it.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	var req render.Request
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.svc.Preview(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

// ProcessJob renders and delivers a job synchronously. It is the HTTP
// counterpart of the relay.steps.render subject.
func (h *Handler) ProcessJob(w http.ResponseWriter, r *http.Request) {
	var job service.StepJob
	if err := httputil.DecodeJSON(w, r, &job); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.svc.ProcessJob(r.Context(), job)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := h.svc.ListMessages(r.Context(), r.PathValue("env"), r.PathValue("sub"), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"data": msgs, "limit": limit, "offset": offset})
}

func (h *Handler) Counts(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Counts(r.Context(), r.PathValue("env"), r.PathValue("sub"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, c)
}

func (h *Handler) GetSubscriber(w http.ResponseWriter, r *http.Request) {
	sub, err := h.svc.GetSubscriber(r.Context(), r.PathValue("env"), r.PathValue("sub"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sub)
}

// ChangeMessage applies read, unread, seen, unseen or removed to one message.
func (h *Handler) ChangeMessage(w http.ResponseWriter, r *http.Request) {
	h.changeState(w, r, service.StateChangeRequest{
		EnvironmentID: r.PathValue("env"),
		SubscriberID:  r.PathValue("sub"),
		MessageID:     r.PathValue("id"),
		Change:        models.ChangeKind(r.PathValue("action")),
	})
}

// ChangeAllMessages applies read_all or seen_all.
func (h *Handler) ChangeAllMessages(w http.ResponseWriter, r *http.Request) {
	change := models.ChangeKind(r.PathValue("action"))
	if change != models.ChangeReadAll && change != models.ChangeSeenAll {
		httputil.WriteError(w, http.StatusNotFound, "unknown bulk action")
		return
	}
	h.changeState(w, r, service.StateChangeRequest{
		EnvironmentID: r.PathValue("env"),
		SubscriberID:  r.PathValue("sub"),
		Change:        change,
	})
}

func (h *Handler) changeState(w http.ResponseWriter, r *http.Request, req service.StateChangeRequest) {
	n, err := h.svc.ChangeMessageState(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int64{"changed": n})
}

// PutTranslation replaces the content of one resource and locale.
func (h *Handler) PutTranslation(w http.ResponseWriter, r *http.Request) {
	var content map[string]any
	if err := httputil.DecodeJSON(w, r, &content); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := h.svc.PutTranslation(r.Context(),
		r.PathValue("resourceId"), r.PathValue("resourceType"), r.PathValue("locale"), content)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
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
	httputil.WriteJSON(w, status, map[string]any{"status": state, "dependencies": deps})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var contract *render.ContractError
	switch {
	case errors.As(err, &contract):
		httputil.WriteCodedError(w, http.StatusUnprocessableEntity, "contract_error", contract.Error(),
			map[string]string{"channel": string(contract.Channel), "field": contract.Field})
	case errors.Is(err, render.ErrInvalidChannel), errors.Is(err, service.ErrInvalidJob):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrMessageNotFound), errors.Is(err, repository.ErrSubscriberNotFound):
		httputil.WriteError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("request failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}
