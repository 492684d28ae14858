package repository

import (
	"context"
	"errors"
	"time"

	"github.com/inboxrelay/relay/common/models"
)

var (
	ErrMessageNotFound    = errors.New("message not found")
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrDuplicateMessage   = errors.New("message already exists")
)

// StateChange mutates one message, or every message of the subscriber for
// the bulk kinds read_all and seen_all.
type StateChange struct {
	EnvironmentID string
	SubscriberID  string
	MessageID     string
	Kind          models.ChangeKind
	At            time.Time
}

// Repository defines the storage used by the worker.
type Repository interface {
	// Health check
	Ping(ctx context.Context) error
	Close()

	// Messages
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, environmentID, id string) (*models.Message, error)
	ListMessages(ctx context.Context, environmentID, subscriberID string, limit, offset int) ([]*models.Message, error)
	// ApplyChange returns the number of messages whose state changed.
	ApplyChange(ctx context.Context, change StateChange) (int64, error)

	// Counters stop at limit.
	CountUnseen(ctx context.Context, environmentID, subscriberID string, limit int) (int, error)
	CountUnread(ctx context.Context, environmentID, subscriberID string, limit int) (int, error)

	// Translations return nil content when nothing is stored.
	TranslationContent(ctx context.Context, resourceID, resourceType, locale string) (map[string]any, error)
	UpsertTranslation(ctx context.Context, resourceID, resourceType, locale string, content map[string]any) error

	// Subscribers
	RecordPresence(ctx context.Context, change models.PresenceChange) error
	GetSubscriber(ctx context.Context, environmentID, subscriberID string) (*models.Subscriber, error)
}
