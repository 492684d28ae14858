// Package presence decides which real-time events a message change produces
// and pushes them to the gateway when the subscriber is connected.
package presence

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/inboxrelay/relay/common/logging"
	"github.com/inboxrelay/relay/common/models"
	"github.com/inboxrelay/relay/worker/internal/metrics"
)

// DefaultCountCap is the largest counter value pushed to clients. Larger
// counts are reported as the cap with hasMore set.
const DefaultCountCap = 100

// Gateway is the real-time transport as seen from the worker.
type Gateway interface {
	IsOnline(ctx context.Context, environmentID, subscriberID string) (bool, error)
	Send(ctx context.Context, req models.SendRequest) (int, error)
}

// Counter reads a subscriber's message counters. Implementations stop
// counting at limit.
type Counter interface {
	CountUnseen(ctx context.Context, environmentID, subscriberID string, limit int) (int, error)
	CountUnread(ctx context.Context, environmentID, subscriberID string, limit int) (int, error)
}

// Outcome reports what a notify call did.
type Outcome struct {
	Online bool
	// Sent lists the events the gateway accepted, in send order.
	Sent []models.EventKind
}

type Router struct {
	gw       Gateway
	counter  Counter
	countCap int
	logger   *slog.Logger
}

type Option func(*Router)

func WithCountCap(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.countCap = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

func NewRouter(gw Gateway, counter Counter, opts ...Option) *Router {
	r := &Router{gw: gw, counter: counter, countCap: DefaultCountCap}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDefault(r.logger)
	return r
}

type count struct {
	value   int
	hasMore bool
	ok      bool
}

// NotifyMessageReceived pushes received, then unseen, then unread to an
// online subscriber. Offline subscribers cost one presence lookup and
// nothing else. Counter failures only drop the counter events.
func (r *Router) NotifyMessageReceived(ctx context.Context, subscriberID, environmentID string, msg *models.Message) Outcome {
	const trigger = "received"
	log := r.logger.With(logging.SubscriberID(subscriberID), logging.EnvironmentID(environmentID))

	online, err := r.gw.IsOnline(ctx, environmentID, subscriberID)
	if err != nil {
		// Presence unknown: the received push alone is cheap and harmless
		// when nobody is listening.
		log.Warn("presence lookup failed", logging.Error(err))
		metrics.NotificationsTotal.WithLabelValues(trigger, "presence_error").Inc()
		out := Outcome{}
		if r.send(ctx, log, subscriberID, environmentID, models.EventReceived, models.ReceivedData(msg)) {
			out.Sent = append(out.Sent, models.EventReceived)
		}
		return out
	}
	if !online {
		metrics.NotificationsTotal.WithLabelValues(trigger, "offline").Inc()
		return Outcome{}
	}
	metrics.NotificationsTotal.WithLabelValues(trigger, "pushed").Inc()

	// Counts are fetched while the received event is in flight.
	var unseen, unread count
	var g errgroup.Group
	g.Go(func() error {
		unseen = r.fetch(ctx, log, "unseen", r.counter.CountUnseen, subscriberID, environmentID)
		return nil
	})
	g.Go(func() error {
		unread = r.fetch(ctx, log, "unread", r.counter.CountUnread, subscriberID, environmentID)
		return nil
	})

	out := Outcome{Online: true}
	if r.send(ctx, log, subscriberID, environmentID, models.EventReceived, models.ReceivedData(msg)) {
		out.Sent = append(out.Sent, models.EventReceived)
	}
	_ = g.Wait()

	out.Sent = append(out.Sent, r.sendCounts(ctx, log, subscriberID, environmentID, &unseen, &unread)...)
	return out
}

// NotifyMessageStateChanged pushes the counters a state change can move.
func (r *Router) NotifyMessageStateChanged(ctx context.Context, subscriberID, environmentID string, change models.ChangeKind) Outcome {
	trigger := string(change)
	log := r.logger.With(logging.SubscriberID(subscriberID), logging.EnvironmentID(environmentID))

	if !change.AffectsUnseen() && !change.AffectsUnread() {
		return Outcome{}
	}

	online, err := r.gw.IsOnline(ctx, environmentID, subscriberID)
	if err != nil {
		log.Warn("presence lookup failed", logging.Error(err))
		metrics.NotificationsTotal.WithLabelValues(trigger, "presence_error").Inc()
		return Outcome{}
	}
	if !online {
		metrics.NotificationsTotal.WithLabelValues(trigger, "offline").Inc()
		return Outcome{}
	}
	metrics.NotificationsTotal.WithLabelValues(trigger, "pushed").Inc()

	var unseen, unread *count
	var g errgroup.Group
	if change.AffectsUnseen() {
		unseen = &count{}
		g.Go(func() error {
			*unseen = r.fetch(ctx, log, "unseen", r.counter.CountUnseen, subscriberID, environmentID)
			return nil
		})
	}
	if change.AffectsUnread() {
		unread = &count{}
		g.Go(func() error {
			*unread = r.fetch(ctx, log, "unread", r.counter.CountUnread, subscriberID, environmentID)
			return nil
		})
	}
	_ = g.Wait()

	return Outcome{Online: true, Sent: r.sendCounts(ctx, log, subscriberID, environmentID, unseen, unread)}
}

// sendCounts sends unseen before unread. A nil or failed count is skipped.
func (r *Router) sendCounts(ctx context.Context, log *slog.Logger, subscriberID, environmentID string, unseen, unread *count) []models.EventKind {
	var sent []models.EventKind
	if unseen != nil && unseen.ok &&
		r.send(ctx, log, subscriberID, environmentID, models.EventUnseen, models.UnseenData(unseen.value, unseen.hasMore)) {
		sent = append(sent, models.EventUnseen)
	}
	if unread != nil && unread.ok &&
		r.send(ctx, log, subscriberID, environmentID, models.EventUnread, models.UnreadData(unread.value, unread.hasMore)) {
		sent = append(sent, models.EventUnread)
	}
	return sent
}

type countFunc func(ctx context.Context, environmentID, subscriberID string, limit int) (int, error)

func (r *Router) fetch(ctx context.Context, log *slog.Logger, name string, fn countFunc, subscriberID, environmentID string) count {
	n, err := fn(ctx, environmentID, subscriberID, r.countCap+1)
	if err != nil {
		metrics.CountErrors.WithLabelValues(name).Inc()
		log.Warn("failed to count messages", slog.String("counter", name), logging.Error(err))
		return count{}
	}
	if n > r.countCap {
		return count{value: r.countCap, hasMore: true, ok: true}
	}
	return count{value: n, ok: true}
}

func (r *Router) send(ctx context.Context, log *slog.Logger, subscriberID, environmentID string, kind models.EventKind, data models.EventData) bool {
	n, err := r.gw.Send(ctx, models.SendRequest{
		Event:         kind,
		UserID:        subscriberID,
		EnvironmentID: environmentID,
		Payload:       data,
	})
	if err != nil {
		metrics.EventsSent.WithLabelValues(string(kind), "error").Inc()
		log.Warn("failed to push event", logging.Event(string(kind)), logging.Error(err))
		return false
	}
	metrics.EventsSent.WithLabelValues(string(kind), "ok").Inc()
	log.Debug("event pushed", logging.Event(string(kind)), slog.Int("delivered", n))
	return true
}
