package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/inboxrelay/relay/common/models"
)

type translationKey struct {
	resourceID   string
	resourceType string
	locale       string
}

type subscriberKey struct {
	environmentID string
	subscriberID  string
}

// InMemoryRepository keeps everything in process memory. It backs tests and
// single-node development setups without PostgreSQL.
type InMemoryRepository struct {
	messages     map[string]*models.Message
	translations map[translationKey]map[string]any
	subscribers  map[subscriberKey]*models.Subscriber
	mu           sync.RWMutex
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		messages:     make(map[string]*models.Message),
		translations: make(map[translationKey]map[string]any),
		subscribers:  make(map[subscriberKey]*models.Subscriber),
	}
}

func (r *InMemoryRepository) Ping(context.Context) error { return nil }

func (r *InMemoryRepository) Close() {}

func (r *InMemoryRepository) CreateMessage(_ context.Context, msg *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.messages[msg.ID]; exists {
		return ErrDuplicateMessage
	}
	cp := *msg
	r.messages[msg.ID] = &cp
	return nil
}

func (r *InMemoryRepository) GetMessage(_ context.Context, environmentID, id string) (*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, exists := r.messages[id]
	if !exists || msg.EnvironmentID != environmentID {
		return nil, ErrMessageNotFound
	}
	cp := *msg
	return &cp, nil
}

func (r *InMemoryRepository) ListMessages(_ context.Context, environmentID, subscriberID string, limit, offset int) ([]*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Message
	for _, msg := range r.subscriberMessages(environmentID, subscriberID) {
		cp := *msg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// subscriberMessages must be called with r.mu held.
func (r *InMemoryRepository) subscriberMessages(environmentID, subscriberID string) []*models.Message {
	var out []*models.Message
	for _, msg := range r.messages {
		if msg.EnvironmentID == environmentID && msg.SubscriberID == subscriberID {
			out = append(out, msg)
		}
	}
	return out
}

func (r *InMemoryRepository) ApplyChange(_ context.Context, change StateChange) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	at := change.At
	var targets []*models.Message
	switch change.Kind {
	case models.ChangeReadAll, models.ChangeSeenAll:
		targets = r.subscriberMessages(change.EnvironmentID, change.SubscriberID)
	case models.ChangeRead, models.ChangeUnread, models.ChangeSeen, models.ChangeUnseen, models.ChangeRemoved:
		msg, exists := r.messages[change.MessageID]
		if !exists || msg.EnvironmentID != change.EnvironmentID || msg.SubscriberID != change.SubscriberID {
			return 0, ErrMessageNotFound
		}
		targets = []*models.Message{msg}
	default:
		return 0, fmt.Errorf("unsupported change %q", change.Kind)
	}

	var changed int64
	for _, msg := range targets {
		switch change.Kind {
		case models.ChangeRead:
			if !msg.Read {
				msg.Read, msg.ReadAt = true, &at
				changed++
			}
		case models.ChangeUnread:
			if msg.Read {
				msg.Read, msg.ReadAt = false, nil
				changed++
			}
		case models.ChangeSeen, models.ChangeSeenAll:
			if !msg.Seen {
				msg.Seen, msg.SeenAt = true, &at
				changed++
			}
		case models.ChangeUnseen:
			if msg.Seen {
				msg.Seen, msg.SeenAt = false, nil
				changed++
			}
		case models.ChangeReadAll:
			if !msg.Read || !msg.Seen {
				if !msg.Read {
					msg.Read, msg.ReadAt = true, &at
				}
				if !msg.Seen {
					msg.Seen, msg.SeenAt = true, &at
				}
				changed++
			}
		case models.ChangeRemoved:
			delete(r.messages, msg.ID)
			changed++
		}
	}
	return changed, nil
}

func (r *InMemoryRepository) CountUnseen(_ context.Context, environmentID, subscriberID string, limit int) (int, error) {
	return r.count(environmentID, subscriberID, limit, func(m *models.Message) bool { return !m.Seen }), nil
}

func (r *InMemoryRepository) CountUnread(_ context.Context, environmentID, subscriberID string, limit int) (int, error) {
	return r.count(environmentID, subscriberID, limit, func(m *models.Message) bool { return !m.Read }), nil
}

func (r *InMemoryRepository) count(environmentID, subscriberID string, limit int, match func(*models.Message) bool) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, msg := range r.subscriberMessages(environmentID, subscriberID) {
		if match(msg) {
			n++
			if limit > 0 && n >= limit {
				break
			}
		}
	}
	return n
}

func (r *InMemoryRepository) TranslationContent(_ context.Context, resourceID, resourceType, locale string) (map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.translations[translationKey{resourceID, resourceType, locale}], nil
}

func (r *InMemoryRepository) UpsertTranslation(_ context.Context, resourceID, resourceType, locale string, content map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.translations[translationKey{resourceID, resourceType, locale}] = content
	return nil
}

func (r *InMemoryRepository) RecordPresence(_ context.Context, change models.PresenceChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := subscriberKey{change.EnvironmentID, change.SubscriberID}
	at := change.At.UTC()
	s, exists := r.subscribers[key]
	if !exists {
		s = &models.Subscriber{
			ID:             change.SubscriberID,
			EnvironmentID:  change.EnvironmentID,
			OrganizationID: change.OrganizationID,
			CreatedAt:      at,
		}
		r.subscribers[key] = s
	} else if s.UpdatedAt.After(at) {
		return nil
	}

	s.Online = change.Online
	s.LastOnlineAt = &at
	s.UpdatedAt = at
	if change.OrganizationID != "" {
		s.OrganizationID = change.OrganizationID
	}
	return nil
}

func (r *InMemoryRepository) GetSubscriber(_ context.Context, environmentID, subscriberID string) (*models.Subscriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.subscribers[subscriberKey{environmentID, subscriberID}]
	if !exists {
		return nil, ErrSubscriberNotFound
	}
	cp := *s
	return &cp, nil
}
