package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxrelay/relay/common/models"
	"github.com/inboxrelay/relay/common/render"
	"github.com/inboxrelay/relay/common/render/translation"
	"github.com/inboxrelay/relay/worker/internal/presence"
	"github.com/inboxrelay/relay/worker/internal/repository"
)

type notified struct {
	subscriberID string
	messageID    string
	change       models.ChangeKind
}

type fakeNotifier struct {
	mu       sync.Mutex
	received []notified
	changed  []notified
}

func (f *fakeNotifier) NotifyMessageReceived(_ context.Context, subscriberID, _ string, msg *models.Message) presence.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, notified{subscriberID: subscriberID, messageID: msg.ID})
	return presence.Outcome{Online: true}
}

func (f *fakeNotifier) NotifyMessageStateChanged(_ context.Context, subscriberID, _ string, change models.ChangeKind) presence.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changed = append(f.changed, notified{subscriberID: subscriberID, change: change})
	return presence.Outcome{Online: true}
}

func newTestService(t *testing.T) (*Service, *repository.InMemoryRepository, *fakeNotifier) {
	t.Helper()
	repo := repository.NewInMemoryRepository()
	tr := translation.NewTranslator(translation.StoreFunc(repo.TranslationContent), "en", nil)
	pipeline := render.New(render.WithTranslator(tr))
	n := &fakeNotifier{}
	svc := NewService(repo, pipeline, n, nil)
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc, repo, n
}

func inAppStep(body string) render.Request {
	return render.Request{
		StepID:        "in-app-1",
		Channel:       models.ChannelInApp,
		ControlValues: map[string]any{"body": body},
		Variables:     map[string]any{"subscriber": map[string]any{"firstName": "Ada"}},
		WorkflowID:    "wf-1",
	}
}

func TestProcessJobValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	tests := []struct {
		name string
		job  StepJob
	}{
		{"no subscriber", StepJob{EnvironmentID: "env", Steps: []render.Request{inAppStep("x")}}},
		{"no environment", StepJob{SubscriberID: "sub", Steps: []render.Request{inAppStep("x")}}},
		{"no steps", StepJob{SubscriberID: "sub", EnvironmentID: "env"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ProcessJob(context.Background(), tt.job)
			assert.ErrorIs(t, err, ErrInvalidJob)
		})
	}
}

func TestProcessJobStoresInAppMessage(t *testing.T) {
	svc, repo, n := newTestService(t)
	ctx := context.Background()

	res, err := svc.ProcessJob(ctx, StepJob{
		JobID:          "job-1",
		SubscriberID:   "sub-1",
		EnvironmentID:  "env-1",
		OrganizationID: "org-1",
		Steps:          []render.Request{inAppStep("Hi {{subscriber.firstName}}")},
	})
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)

	step := res.Steps[0]
	assert.Equal(t, StatusRendered, step.Status)
	require.NotEmpty(t, step.MessageID)
	assert.Equal(t, "Hi Ada", step.Output.(*render.InAppOutput).Body)

	msg, err := repo.GetMessage(ctx, "env-1", step.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", msg.SubscriberID)
	assert.Equal(t, "org-1", msg.OrganizationID)
	assert.Equal(t, "wf-1", msg.WorkflowID)
	assert.Equal(t, "Hi Ada", msg.Content["body"])
	assert.False(t, msg.Seen)

	require.Len(t, n.received, 1)
	assert.Equal(t, notified{subscriberID: "sub-1", messageID: step.MessageID}, n.received[0])
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), res.ProcessedAt)
}

func TestProcessJobMixedSteps(t *testing.T) {
	svc, repo, n := newTestService(t)
	ctx := context.Background()

	res, err := svc.ProcessJob(ctx, StepJob{
		SubscriberID:  "sub-1",
		EnvironmentID: "env-1",
		Steps: []render.Request{
			{StepID: "email", Channel: models.ChannelEmail, ControlValues: map[string]any{
				"subject": "Hello", "body": "<p>Hi</p>",
			}},
			{StepID: "broken", Channel: models.ChannelEmail, ControlValues: map[string]any{"body": "no subject"}},
			{StepID: "skipped", Channel: models.ChannelSMS, ControlValues: map[string]any{"skip": true, "content": "x"}},
			inAppStep("second"),
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Steps, 4)

	assert.Equal(t, StatusRendered, res.Steps[0].Status)
	assert.Empty(t, res.Steps[0].MessageID)
	assert.Equal(t, StatusFailed, res.Steps[1].Status)
	assert.NotEmpty(t, res.Steps[1].Error)
	assert.Equal(t, StatusSkipped, res.Steps[2].Status)
	assert.Equal(t, StatusRendered, res.Steps[3].Status)

	// Only the in-app step produced a stored message.
	msgs, err := repo.ListMessages(ctx, "env-1", "sub-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Len(t, n.received, 1)
}

func TestProcessJobTranslatesFromRepository(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, repo.UpsertTranslation(ctx, "wf-1", translation.ResourceTypeWorkflow, "de",
		map[string]any{"greeting": "Hallo"}))
	require.NoError(t, repo.UpsertTranslation(ctx, "wf-1", translation.ResourceTypeWorkflow, "en",
		map[string]any{"greeting": "Hello", "farewell": "Bye"}))

	step := inAppStep("{t.greeting} {{subscriber.firstName}}, {t.farewell}")
	step.Locale = "de"
	step.TranslationEnabled = true

	res, err := svc.ProcessJob(ctx, StepJob{SubscriberID: "sub-1", EnvironmentID: "env-1", Steps: []render.Request{step}})
	require.NoError(t, err)
	assert.Equal(t, "Hallo Ada, Bye", res.Steps[0].Output.(*render.InAppOutput).Body)
}

func TestPreviewDefaultsToValidate(t *testing.T) {
	svc, repo, n := newTestService(t)
	ctx := context.Background()

	res, err := svc.Preview(ctx, render.Request{
		Channel:       models.ChannelSMS,
		ControlValues: map[string]any{"content": "Code {{otp}}"},
		EnvironmentID: "env-1",
	})
	require.NoError(t, err)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, "otp", res.Issues[0].Variable)

	msgs, err := repo.ListMessages(ctx, "env-1", "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, n.received)
}

func TestChangeMessageState(t *testing.T) {
	svc, _, n := newTestService(t)
	ctx := context.Background()

	res, err := svc.ProcessJob(ctx, StepJob{SubscriberID: "sub-1", EnvironmentID: "env-1",
		Steps: []render.Request{inAppStep("one")}})
	require.NoError(t, err)
	id := res.Steps[0].MessageID

	changed, err := svc.ChangeMessageState(ctx, StateChangeRequest{
		EnvironmentID: "env-1", SubscriberID: "sub-1", MessageID: id, Change: models.ChangeSeen,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), changed)
	require.Len(t, n.changed, 1)
	assert.Equal(t, models.ChangeSeen, n.changed[0].change)

	// A repeat is a no-op and pushes nothing.
	changed, err = svc.ChangeMessageState(ctx, StateChangeRequest{
		EnvironmentID: "env-1", SubscriberID: "sub-1", MessageID: id, Change: models.ChangeSeen,
	})
	require.NoError(t, err)
	assert.Zero(t, changed)
	assert.Len(t, n.changed, 1)

	_, err = svc.ChangeMessageState(ctx, StateChangeRequest{
		EnvironmentID: "env-1", SubscriberID: "intruder", MessageID: id, Change: models.ChangeRead,
	})
	assert.ErrorIs(t, err, repository.ErrMessageNotFound)
}

func TestChangeMessageStateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	tests := []struct {
		name string
		req  StateChangeRequest
	}{
		{"missing subscriber", StateChangeRequest{EnvironmentID: "env", Change: models.ChangeRead, MessageID: "m"}},
		{"unknown change", StateChangeRequest{EnvironmentID: "env", SubscriberID: "s", Change: "archive", MessageID: "m"}},
		{"missing message", StateChangeRequest{EnvironmentID: "env", SubscriberID: "s", Change: models.ChangeRead}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ChangeMessageState(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidJob)
		})
	}

	_, err := svc.ChangeMessageState(context.Background(), StateChangeRequest{
		EnvironmentID: "env", SubscriberID: "s", Change: models.ChangeReadAll,
	})
	assert.NoError(t, err)
}

func TestCountsAreCapped(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.WithCountCap(2)
	ctx := context.Background()

	steps := []render.Request{inAppStep("a"), inAppStep("b"), inAppStep("c")}
	_, err := svc.ProcessJob(ctx, StepJob{SubscriberID: "sub-1", EnvironmentID: "env-1", Steps: steps})
	require.NoError(t, err)

	c, err := svc.Counts(ctx, "env-1", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, &Counts{UnseenCount: 2, UnreadCount: 2, HasMore: true}, c)

	_, err = svc.ChangeMessageState(ctx, StateChangeRequest{
		EnvironmentID: "env-1", SubscriberID: "sub-1", Change: models.ChangeReadAll,
	})
	require.NoError(t, err)

	c, err = svc.Counts(ctx, "env-1", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, &Counts{}, c)
}

func TestRecordPresence(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.RecordPresence(ctx, models.PresenceChange{}), ErrInvalidJob)

	require.NoError(t, svc.RecordPresence(ctx, models.PresenceChange{
		SubscriberID: "sub-1", EnvironmentID: "env-1", Online: true,
	}))
	sub, err := svc.GetSubscriber(ctx, "env-1", "sub-1")
	require.NoError(t, err)
	assert.True(t, sub.Online)
}

func TestPutTranslation(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.PutTranslation(ctx, "", "workflow", "en", nil), ErrInvalidJob)
	require.NoError(t, svc.PutTranslation(ctx, "wf-1", "workflow", "en", map[string]any{"k": "v"}))

	content, err := repo.TranslationContent(ctx, "wf-1", "workflow", "en")
	require.NoError(t, err)
	assert.Equal(t, "v", content["k"])
}
