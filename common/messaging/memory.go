package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned when publishing on a closed MemoryBus.
var ErrClosed = errors.New("messaging: bus closed")

// MemoryBus is an in-process Client. Handlers run synchronously on the
// publishing goroutine. It serves single-node deployments and tests.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []*memorySub
	next   map[string]int
	closed bool
}

// NewMemoryBus returns an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{next: make(map[string]int)}
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	queue   string
	handler MessageHandler
	mu      sync.Mutex
	valid   bool
}

func (s *memorySub) Unsubscribe() error {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
	s.bus.remove(s)
	return nil
}

func (s *memorySub) Subject() string { return s.subject }

func (s *memorySub) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

// Publish delivers data to every matching subscription.
func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	return b.PublishMsg(ctx, &Message{Subject: subject, Data: data})
}

// PublishMsg delivers msg to every matching plain subscription and to one
// member of each matching queue group.
func (b *MemoryBus) PublishMsg(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	targets, err := b.targets(msg.Subject)
	if err != nil {
		return err
	}

	m := *msg
	m.Timestamp = time.Now()
	var errs []error
	for _, s := range targets {
		if err := s.handler(ctx, &m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Request delivers data to the first matching subscriber that replies.
func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inbox := "_INBOX." + subject
	reply := make(chan *Message, 1)
	sub, err := b.Subscribe(inbox, func(_ context.Context, m *Message) error {
		select {
		case reply <- m:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	go func() { _ = b.PublishMsg(ctx, &Message{Subject: subject, Data: data, Reply: inbox}) }()

	select {
	case m := <-reply:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers a fan-out handler.
func (b *MemoryBus) Subscribe(subject string, handler MessageHandler) (Subscription, error) {
	return b.add(subject, "", handler)
}

// QueueSubscribe registers a handler in a round-robin queue group.
func (b *MemoryBus) QueueSubscribe(subject, queue string, handler MessageHandler) (Subscription, error) {
	return b.add(subject, queue, handler)
}

// Drain closes the bus.
func (b *MemoryBus) Drain() error { return b.Close() }

// IsConnected reports whether the bus is open.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Close drops every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.mu.Lock()
		s.valid = false
		s.mu.Unlock()
	}
	b.subs = nil
	b.closed = true
	return nil
}

func (b *MemoryBus) add(subject, queue string, handler MessageHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &memorySub{bus: b, subject: subject, queue: queue, handler: handler, valid: true}
	b.subs = append(b.subs, s)
	return s, nil
}

func (b *MemoryBus) remove(target *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *MemoryBus) targets(subject string) ([]*memorySub, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	var out []*memorySub
	groups := make(map[string][]*memorySub)
	var order []string
	for _, s := range b.subs {
		if !SubjectMatches(s.subject, subject) {
			continue
		}
		if s.queue == "" {
			out = append(out, s)
			continue
		}
		if _, ok := groups[s.queue]; !ok {
			order = append(order, s.queue)
		}
		groups[s.queue] = append(groups[s.queue], s)
	}
	for _, q := range order {
		members := groups[q]
		i := b.next[q] % len(members)
		b.next[q] = i + 1
		out = append(out, members[i])
	}
	return out, nil
}

// SubjectMatches reports whether subject matches pattern using NATS
// wildcard rules: "*" matches one token, a trailing ">" matches the rest.
func SubjectMatches(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")
	for i, tok := range p {
		if tok == ">" {
			return i == len(p)-1 && len(s) > i
		}
		if i >= len(s) {
			return false
		}
		if tok != "*" && tok != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}
