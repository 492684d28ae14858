package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inboxrelay/relay/common/logging"
	"github.com/inboxrelay/relay/common/messaging"
	natsclient "github.com/inboxrelay/relay/common/messaging/nats"
	"github.com/inboxrelay/relay/common/middleware"
	"github.com/inboxrelay/relay/common/models"
	"github.com/inboxrelay/relay/worker/internal/repository"
	"github.com/inboxrelay/relay/worker/internal/service"
)

// StepSource delivers step jobs from a durable stream instead of a plain
// queue subscription. A handler error asks for redelivery.
type StepSource interface {
	ConsumeSteps(ctx context.Context, handler messaging.MessageHandler) (stop func(), err error)
}

// Handler processes incoming bus messages for the worker.
type Handler struct {
	client    messaging.Subscriber
	svc       *service.Service
	publisher *Publisher
	steps     StepSource
	logger    *slog.Logger
	subs      []messaging.Subscription
	stopSteps func()
	now       func() time.Time
}

// NewHandler creates a new message handler. When steps is nil, step jobs
// are taken from a queue subscription on client.
func NewHandler(client messaging.Subscriber, svc *service.Service, publisher *Publisher, steps StepSource, logger *slog.Logger) *Handler {
	return &Handler{
		client:    client,
		svc:       svc,
		publisher: publisher,
		steps:     steps,
		logger:    logging.OrDefault(logger),
		now:       time.Now,
	}
}

// Start begins listening for step jobs, state changes and presence changes.
func (h *Handler) Start(ctx context.Context) error {
	if h.steps != nil {
		stop, err := h.steps.ConsumeSteps(ctx, h.handleStepJob)
		if err != nil {
			return fmt.Errorf("failed to consume step jobs: %w", err)
		}
		h.stopSteps = stop
	} else if err := h.queueSubscribe(messaging.SubjectStepsRender, h.handleStepJob); err != nil {
		return err
	}

	if err := h.queueSubscribe(messaging.SubjectMessageState, h.handleStateChange); err != nil {
		h.Stop()
		return err
	}
	if err := h.queueSubscribe(messaging.SubjectSubscriberPresence, h.handlePresence); err != nil {
		h.Stop()
		return err
	}

	h.logger.Info("bus handler started",
		slog.Bool("durable_steps", h.steps != nil),
		slog.Int("subscriptions", len(h.subs)))
	return nil
}

func (h *Handler) queueSubscribe(subject string, fn messaging.MessageHandler) error {
	sub, err := h.client.QueueSubscribe(subject, messaging.QueueRelayWorkers, fn)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	h.subs = append(h.subs, sub)
	return nil
}

// Stop unsubscribes from all subjects.
func (h *Handler) Stop() {
	if h.stopSteps != nil {
		h.stopSteps()
		h.stopSteps = nil
	}
	for _, sub := range h.subs {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("failed to unsubscribe", slog.String("subject", sub.Subject()), logging.Error(err))
		}
	}
	h.subs = nil
	h.logger.Info("bus handler stopped")
}

func withRequestID(ctx context.Context, msg *messaging.Message) context.Context {
	if id := msg.Metadata[messaging.HeaderRequestID]; id != "" {
		return middleware.WithRequestID(ctx, id)
	}
	return ctx
}

// handleStepJob renders a job and publishes its result. Malformed jobs are
// answered with a failed response and never redelivered.
func (h *Handler) handleStepJob(ctx context.Context, msg *messaging.Message) error {
	ctx = withRequestID(ctx, msg)

	var job service.StepJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		h.logger.Warn("discarding malformed step job", logging.Error(err))
		h.respond(ctx, &StepJobResponse{Error: fmt.Sprintf("decode job: %v", err)})
		return nil
	}

	result, err := h.svc.ProcessJob(ctx, job)
	if err != nil {
		h.logger.Warn("step job rejected", slog.String("job_id", job.JobID), logging.Error(err))
		h.respond(ctx, &StepJobResponse{JobID: job.JobID, Error: err.Error()})
		return nil
	}
	h.respond(ctx, &StepJobResponse{JobID: job.JobID, Success: true, Result: result})
	return nil
}

func (h *Handler) respond(ctx context.Context, resp *StepJobResponse) {
	if h.publisher == nil {
		return
	}
	resp.CompletedAt = h.now().UTC()
	if err := h.publisher.PublishStepResults(ctx, resp); err != nil {
		h.logger.Warn("failed to publish step results", slog.String("job_id", resp.JobID), logging.Error(err))
	}
}

func (h *Handler) handleStateChange(ctx context.Context, msg *messaging.Message) error {
	ctx = withRequestID(ctx, msg)

	var ev StateChangeEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		h.logger.Warn("discarding malformed state change", logging.Error(err))
		return nil
	}
	n, err := h.svc.ChangeMessageState(ctx, ev)
	switch {
	case errors.Is(err, service.ErrInvalidJob), errors.Is(err, repository.ErrMessageNotFound):
		h.logger.Info("state change ignored",
			logging.SubscriberID(ev.SubscriberID), logging.MessageID(ev.MessageID), logging.Error(err))
		return nil
	case err != nil:
		return err
	}
	h.logger.Debug("state change applied",
		logging.SubscriberID(ev.SubscriberID), slog.String("change", string(ev.Change)), slog.Int64("changed", n))
	return nil
}

func (h *Handler) handlePresence(ctx context.Context, msg *messaging.Message) error {
	var change models.PresenceChange
	if err := json.Unmarshal(msg.Data, &change); err != nil {
		h.logger.Warn("discarding malformed presence change", logging.Error(err))
		return nil
	}
	if err := h.svc.RecordPresence(ctx, change); err != nil {
		if errors.Is(err, service.ErrInvalidJob) {
			return nil
		}
		h.logger.Warn("failed to record presence", logging.SubscriberID(change.SubscriberID), logging.Error(err))
		return err
	}
	return nil
}

// JetStreamSteps reads step jobs from the durable steps stream.
type JetStreamSteps struct {
	client *natsclient.JetStreamClient
}

func NewJetStreamSteps(client *natsclient.JetStreamClient) *JetStreamSteps {
	return &JetStreamSteps{client: client}
}

func (s *JetStreamSteps) ConsumeSteps(ctx context.Context, handler messaging.MessageHandler) (func(), error) {
	if _, err := s.client.CreateOrUpdateStream(ctx, natsclient.StepsStream); err != nil {
		return nil, err
	}
	consumer, err := s.client.CreateOrUpdateConsumer(ctx, messaging.StreamSteps,
		natsclient.DefaultConsumerConfig(messaging.ConsumerRenderer, messaging.SubjectStepsRender))
	if err != nil {
		return nil, err
	}
	return s.client.Consume(ctx, consumer, handler)
}
