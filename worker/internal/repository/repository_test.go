package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxrelay/relay/common/models"
)

func newMessage(env, sub string, createdAt time.Time) *models.Message {
	id, _ := uuid.NewV7()
	return &models.Message{
		ID:             id.String(),
		EnvironmentID:  env,
		OrganizationID: "org-1",
		SubscriberID:   sub,
		Channel:        models.ChannelInApp,
		WorkflowID:     "wf-" + gofakeit.LetterN(6),
		StepID:         "in-app",
		Content:        map[string]any{"body": gofakeit.Sentence(6)},
		CreatedAt:      createdAt.UTC().Truncate(time.Microsecond),
	}
}

// runContract exercises the behaviour every Repository implementation must share.
func runContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("create and get", func(t *testing.T) {
		repo := newRepo(t)
		msg := newMessage("env-1", "sub-1", now)
		require.NoError(t, repo.CreateMessage(ctx, msg))
		assert.ErrorIs(t, repo.CreateMessage(ctx, msg), ErrDuplicateMessage)

		got, err := repo.GetMessage(ctx, "env-1", msg.ID)
		require.NoError(t, err)
		assert.Equal(t, msg.SubscriberID, got.SubscriberID)
		assert.Equal(t, msg.Channel, got.Channel)
		assert.Equal(t, msg.Content, got.Content)
		assert.True(t, msg.CreatedAt.Equal(got.CreatedAt))

		_, err = repo.GetMessage(ctx, "env-other", msg.ID)
		assert.ErrorIs(t, err, ErrMessageNotFound)
	})

	t.Run("list newest first", func(t *testing.T) {
		repo := newRepo(t)
		var ids []string
		for i := range 3 {
			msg := newMessage("env-1", "sub-list", now.Add(time.Duration(i)*time.Second))
			require.NoError(t, repo.CreateMessage(ctx, msg))
			ids = append(ids, msg.ID)
		}
		require.NoError(t, repo.CreateMessage(ctx, newMessage("env-1", "someone-else", now)))

		page, err := repo.ListMessages(ctx, "env-1", "sub-list", 2, 0)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, ids[2], page[0].ID)
		assert.Equal(t, ids[1], page[1].ID)

		page, err = repo.ListMessages(ctx, "env-1", "sub-list", 2, 2)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, ids[0], page[0].ID)
	})

	t.Run("counts and state changes", func(t *testing.T) {
		repo := newRepo(t)
		var msgs []*models.Message
		for i := range 5 {
			msg := newMessage("env-1", "sub-c", now.Add(time.Duration(i)*time.Millisecond))
			require.NoError(t, repo.CreateMessage(ctx, msg))
			msgs = append(msgs, msg)
		}

		counts := func() (int, int) {
			unseen, err := repo.CountUnseen(ctx, "env-1", "sub-c", 100)
			require.NoError(t, err)
			unread, err := repo.CountUnread(ctx, "env-1", "sub-c", 100)
			require.NoError(t, err)
			return unseen, unread
		}
		unseen, unread := counts()
		assert.Equal(t, 5, unseen)
		assert.Equal(t, 5, unread)

		capped, err := repo.CountUnseen(ctx, "env-1", "sub-c", 3)
		require.NoError(t, err)
		assert.Equal(t, 3, capped)

		apply := func(kind models.ChangeKind, id string) int64 {
			n, err := repo.ApplyChange(ctx, StateChange{
				EnvironmentID: "env-1", SubscriberID: "sub-c", MessageID: id, Kind: kind, At: now,
			})
			require.NoError(t, err)
			return n
		}

		assert.EqualValues(t, 1, apply(models.ChangeSeen, msgs[0].ID))
		assert.EqualValues(t, 0, apply(models.ChangeSeen, msgs[0].ID), "already seen")
		assert.EqualValues(t, 1, apply(models.ChangeRead, msgs[1].ID))
		unseen, unread = counts()
		assert.Equal(t, 4, unseen)
		assert.Equal(t, 4, unread)

		assert.EqualValues(t, 1, apply(models.ChangeUnseen, msgs[0].ID))
		assert.EqualValues(t, 1, apply(models.ChangeUnread, msgs[1].ID))
		unseen, unread = counts()
		assert.Equal(t, 5, unseen)
		assert.Equal(t, 5, unread)

		assert.EqualValues(t, 1, apply(models.ChangeRemoved, msgs[4].ID))
		unseen, unread = counts()
		assert.Equal(t, 4, unseen)
		assert.Equal(t, 4, unread)
		_, err = repo.GetMessage(ctx, "env-1", msgs[4].ID)
		assert.ErrorIs(t, err, ErrMessageNotFound)

		assert.EqualValues(t, 4, apply(models.ChangeSeenAll, ""))
		unseen, unread = counts()
		assert.Equal(t, 0, unseen)
		assert.Equal(t, 4, unread)

		assert.EqualValues(t, 4, apply(models.ChangeReadAll, ""))
		unseen, unread = counts()
		assert.Equal(t, 0, unseen)
		assert.Equal(t, 0, unread)

		got, err := repo.GetMessage(ctx, "env-1", msgs[2].ID)
		require.NoError(t, err)
		assert.True(t, got.Read)
		require.NotNil(t, got.ReadAt)
	})

	t.Run("change on unknown or foreign message", func(t *testing.T) {
		repo := newRepo(t)
		msg := newMessage("env-1", "owner", now)
		require.NoError(t, repo.CreateMessage(ctx, msg))

		_, err := repo.ApplyChange(ctx, StateChange{
			EnvironmentID: "env-1", SubscriberID: "owner", MessageID: "missing", Kind: models.ChangeRead, At: now,
		})
		assert.ErrorIs(t, err, ErrMessageNotFound)

		_, err = repo.ApplyChange(ctx, StateChange{
			EnvironmentID: "env-1", SubscriberID: "intruder", MessageID: msg.ID, Kind: models.ChangeRead, At: now,
		})
		assert.ErrorIs(t, err, ErrMessageNotFound)
	})

	t.Run("translations", func(t *testing.T) {
		repo := newRepo(t)
		content, err := repo.TranslationContent(ctx, "wf-1", "workflow", "en_US")
		require.NoError(t, err)
		assert.Nil(t, content)

		want := map[string]any{"welcome": map[string]any{"title": "Welcome!"}}
		require.NoError(t, repo.UpsertTranslation(ctx, "wf-1", "workflow", "en_US", want))
		content, err = repo.TranslationContent(ctx, "wf-1", "workflow", "en_US")
		require.NoError(t, err)
		assert.Equal(t, want, content)

		updated := map[string]any{"welcome": map[string]any{"title": "Hello!"}}
		require.NoError(t, repo.UpsertTranslation(ctx, "wf-1", "workflow", "en_US", updated))
		content, err = repo.TranslationContent(ctx, "wf-1", "workflow", "en_US")
		require.NoError(t, err)
		assert.Equal(t, updated, content)
	})

	t.Run("presence", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetSubscriber(ctx, "env-1", "sub-p")
		assert.ErrorIs(t, err, ErrSubscriberNotFound)

		record := func(online bool, at time.Time) {
			require.NoError(t, repo.RecordPresence(ctx, models.PresenceChange{
				SubscriberID: "sub-p", EnvironmentID: "env-1", OrganizationID: "org-1",
				Online: online, At: at, NodeID: "node-a",
			}))
		}

		record(true, now)
		s, err := repo.GetSubscriber(ctx, "env-1", "sub-p")
		require.NoError(t, err)
		assert.True(t, s.Online)
		assert.Equal(t, "org-1", s.OrganizationID)

		record(false, now.Add(time.Minute))
		s, err = repo.GetSubscriber(ctx, "env-1", "sub-p")
		require.NoError(t, err)
		assert.False(t, s.Online)
		require.NotNil(t, s.LastOnlineAt)
		assert.True(t, now.Add(time.Minute).Equal(*s.LastOnlineAt))

		// A late, older event does not override the newer state.
		record(true, now.Add(30*time.Second))
		s, err = repo.GetSubscriber(ctx, "env-1", "sub-p")
		require.NoError(t, err)
		assert.False(t, s.Online)
	})
}

func TestInMemoryRepository(t *testing.T) {
	runContract(t, func(t *testing.T) Repository {
		return NewInMemoryRepository()
	})
}

func TestInMemoryRepositoryListBeyondEnd(t *testing.T) {
	repo := NewInMemoryRepository()
	require.NoError(t, repo.CreateMessage(context.Background(), newMessage("e", "s", time.Now())))

	page, err := repo.ListMessages(context.Background(), "e", "s", 10, 5)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func ExampleInMemoryRepository_CountUnseen() {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	for range 3 {
		_ = repo.CreateMessage(ctx, newMessage("env", "sub", time.Now()))
	}
	n, _ := repo.CountUnseen(ctx, "env", "sub", 2)
	fmt.Println(n)
	// Output: 2
}
