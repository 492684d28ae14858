package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inboxrelay/relay/common/logging"
	"github.com/inboxrelay/relay/common/models"
	"github.com/inboxrelay/relay/common/render"
	"github.com/inboxrelay/relay/worker/internal/metrics"
	"github.com/inboxrelay/relay/worker/internal/presence"
	"github.com/inboxrelay/relay/worker/internal/repository"
)

// ErrInvalidJob is returned for jobs missing required fields.
var ErrInvalidJob = errors.New("invalid job")

// Step statuses reported in a JobResult.
const (
	StatusRendered = "rendered"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
)

// Notifier pushes real-time events after messages change.
type Notifier interface {
	NotifyMessageReceived(ctx context.Context, subscriberID, environmentID string, msg *models.Message) presence.Outcome
	NotifyMessageStateChanged(ctx context.Context, subscriberID, environmentID string, change models.ChangeKind) presence.Outcome
}

// StepJob asks the worker to render the steps of one workflow run for one
// subscriber.
type StepJob struct {
	JobID          string           `json:"jobId"`
	SubscriberID   string           `json:"subscriberId"`
	EnvironmentID  string           `json:"environmentId"`
	OrganizationID string           `json:"organizationId"`
	Steps          []render.Request `json:"steps"`
}

func (j *StepJob) Validate() error {
	switch {
	case j.SubscriberID == "":
		return fmt.Errorf("%w: subscriberId is required", ErrInvalidJob)
	case j.EnvironmentID == "":
		return fmt.Errorf("%w: environmentId is required", ErrInvalidJob)
	case len(j.Steps) == 0:
		return fmt.Errorf("%w: at least one step is required", ErrInvalidJob)
	}
	return nil
}

// StepResult is the outcome of one step of a job.
type StepResult struct {
	StepID    string         `json:"stepId,omitempty"`
	Channel   models.Channel `json:"channel"`
	Status    string         `json:"status"`
	MessageID string         `json:"messageId,omitempty"`
	Output    render.Output  `json:"outputs,omitempty"`
	Issues    []render.Issue `json:"issues,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// JobResult is published once every step of a job was processed.
type JobResult struct {
	JobID         string       `json:"jobId"`
	SubscriberID  string       `json:"subscriberId"`
	EnvironmentID string       `json:"environmentId"`
	Steps         []StepResult `json:"steps"`
	ProcessedAt   time.Time    `json:"processedAt"`
}

// StateChangeRequest mutates one message, or all of a subscriber's messages
// for read_all and seen_all.
type StateChangeRequest struct {
	EnvironmentID string            `json:"environmentId"`
	SubscriberID  string            `json:"subscriberId"`
	MessageID     string            `json:"messageId,omitempty"`
	Change        models.ChangeKind `json:"change"`
}

// Counts is the pull-based view of a subscriber's counters.
type Counts struct {
	UnseenCount int  `json:"unseenCount"`
	UnreadCount int  `json:"unreadCount"`
	HasMore     bool `json:"hasMore"`
}

// Service provides business logic for the worker
type Service struct {
	repo     repository.Repository
	pipeline *render.Pipeline
	notifier Notifier
	countCap int
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new Service instance
func NewService(repo repository.Repository, pipeline *render.Pipeline, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		pipeline: pipeline,
		notifier: notifier,
		countCap: presence.DefaultCountCap,
		logger:   logging.OrDefault(logger),
		now:      time.Now,
	}
}

// WithCountCap sets the cap used by Counts.
func (s *Service) WithCountCap(n int) *Service {
	if n > 0 {
		s.countCap = n
	}
	return s
}

// ProcessJob renders every step, stores in-app output as messages and
// notifies connected subscribers. A failing step does not stop the others.
func (s *Service) ProcessJob(ctx context.Context, job StepJob) (*JobResult, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	log := s.logger.With(
		slog.String("job_id", job.JobID),
		logging.SubscriberID(job.SubscriberID),
		logging.EnvironmentID(job.EnvironmentID),
	)

	reqs := make([]render.Request, len(job.Steps))
	for i, step := range job.Steps {
		if step.EnvironmentID == "" {
			step.EnvironmentID = job.EnvironmentID
		}
		if step.OrganizationID == "" {
			step.OrganizationID = job.OrganizationID
		}
		reqs[i] = step
	}

	rendered := s.pipeline.RenderBatch(ctx, reqs)
	out := &JobResult{
		JobID:         job.JobID,
		SubscriberID:  job.SubscriberID,
		EnvironmentID: job.EnvironmentID,
		Steps:         make([]StepResult, len(reqs)),
	}

	for i, br := range rendered {
		req := reqs[i]
		sr := StepResult{StepID: req.StepID, Channel: req.Channel}

		switch {
		case br.Err != nil:
			sr.Status = StatusFailed
			sr.Error = br.Err.Error()
		case br.Result.Skipped:
			sr.Status = StatusSkipped
		default:
			sr.Status = StatusRendered
			sr.Output = br.Result.Output
			sr.Issues = br.Result.Issues
			if req.Channel == models.ChannelInApp {
				msg, err := s.storeMessage(ctx, job, req, br.Result)
				if err != nil {
					log.Error("failed to store message", logging.StepID(req.StepID), logging.Error(err))
					sr.Status = StatusFailed
					sr.Error = err.Error()
					break
				}
				sr.MessageID = msg.ID
				s.notifier.NotifyMessageReceived(ctx, job.SubscriberID, msg.EnvironmentID, msg)
			}
		}

		metrics.StepsProcessed.WithLabelValues(sr.Status).Inc()
		out.Steps[i] = sr
	}

	out.ProcessedAt = s.now().UTC()
	log.Info("job processed", slog.Int("steps", len(out.Steps)))
	return out, nil
}

func (s *Service) storeMessage(ctx context.Context, job StepJob, req render.Request, res *render.Result) (*models.Message, error) {
	content, err := render.ContentMap(res.Output)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	msg := &models.Message{
		ID:             id.String(),
		EnvironmentID:  req.EnvironmentID,
		OrganizationID: req.OrganizationID,
		SubscriberID:   job.SubscriberID,
		Channel:        req.Channel,
		WorkflowID:     req.WorkflowID,
		StepID:         req.StepID,
		Content:        content,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.repo.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	metrics.MessagesStored.Inc()
	return msg, nil
}

// Preview renders one step without storing anything. Requests without a
// mode are rendered in validate mode so every unresolved variable shows up.
func (s *Service) Preview(ctx context.Context, req render.Request) (*render.Result, error) {
	if req.Mode == "" {
		req.Mode = render.ModeValidate
	}
	return s.pipeline.Render(ctx, req)
}

// ChangeMessageState applies a state change and pushes the counters it
// moved. It returns how many messages changed.
func (s *Service) ChangeMessageState(ctx context.Context, req StateChangeRequest) (int64, error) {
	if req.EnvironmentID == "" || req.SubscriberID == "" {
		return 0, fmt.Errorf("%w: environmentId and subscriberId are required", ErrInvalidJob)
	}
	if _, err := models.ParseChangeKind(string(req.Change)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	bulk := req.Change == models.ChangeReadAll || req.Change == models.ChangeSeenAll
	if !bulk && req.MessageID == "" {
		return 0, fmt.Errorf("%w: messageId is required for %s", ErrInvalidJob, req.Change)
	}

	n, err := s.repo.ApplyChange(ctx, repository.StateChange{
		EnvironmentID: req.EnvironmentID,
		SubscriberID:  req.SubscriberID,
		MessageID:     req.MessageID,
		Kind:          req.Change,
		At:            s.now().UTC(),
	})
	if err != nil {
		return 0, err
	}
	metrics.StateChanges.WithLabelValues(string(req.Change)).Inc()

	if n > 0 {
		s.notifier.NotifyMessageStateChanged(ctx, req.SubscriberID, req.EnvironmentID, req.Change)
	}
	return n, nil
}

// RecordPresence stores a subscriber's online state as reported by the gateway.
func (s *Service) RecordPresence(ctx context.Context, change models.PresenceChange) error {
	if change.SubscriberID == "" {
		return fmt.Errorf("%w: subscriberId is required", ErrInvalidJob)
	}
	if change.At.IsZero() {
		change.At = s.now()
	}
	return s.repo.RecordPresence(ctx, change)
}

func (s *Service) GetSubscriber(ctx context.Context, environmentID, subscriberID string) (*models.Subscriber, error) {
	return s.repo.GetSubscriber(ctx, environmentID, subscriberID)
}

// ListMessages returns a page of the subscriber's feed, newest first.
func (s *Service) ListMessages(ctx context.Context, environmentID, subscriberID string, limit, offset int) ([]*models.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListMessages(ctx, environmentID, subscriberID, limit, offset)
}

// Counts returns the capped unseen and unread counters.
func (s *Service) Counts(ctx context.Context, environmentID, subscriberID string) (*Counts, error) {
	unseen, err := s.repo.CountUnseen(ctx, environmentID, subscriberID, s.countCap+1)
	if err != nil {
		return nil, err
	}
	unread, err := s.repo.CountUnread(ctx, environmentID, subscriberID, s.countCap+1)
	if err != nil {
		return nil, err
	}

	c := &Counts{UnseenCount: unseen, UnreadCount: unread}
	if unseen > s.countCap {
		c.UnseenCount, c.HasMore = s.countCap, true
	}
	if unread > s.countCap {
		c.UnreadCount, c.HasMore = s.countCap, true
	}
	return c, nil
}

func (s *Service) PutTranslation(ctx context.Context, resourceID, resourceType, locale string, content map[string]any) error {
	if resourceID == "" || resourceType == "" || locale == "" {
		return fmt.Errorf("%w: resource id, type and locale are required", ErrInvalidJob)
	}
	return s.repo.UpsertTranslation(ctx, resourceID, resourceType, locale, content)
}
