package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/inboxrelay/relay/common/logging"
	"github.com/inboxrelay/relay/common/messaging"
	"github.com/inboxrelay/relay/common/models"
	"github.com/inboxrelay/relay/ws/internal/metrics"
)

// Delivery is an envelope addressed to connections held by another node.
// UserID with EnvironmentID targets one subscriber's connections (all of
// them when ConnectionIDs is empty); TenantID without UserID targets a whole
// tenant.
type Delivery struct {
	UserID        string          `json:"userId,omitempty"`
	EnvironmentID string          `json:"environmentId,omitempty"`
	TenantID      string          `json:"tenantId,omitempty"`
	ConnectionIDs []string        `json:"connectionIds,omitempty"`
	Envelope      models.Envelope `json:"envelope"`
	Origin        string          `json:"origin"`
}

// Sink receives deliveries addressed to this node.
type Sink interface {
	DeliverLocal(ctx context.Context, d Delivery) int
}

// Relay carries deliveries between gateway nodes.
type Relay interface {
	// Deliver hands d to nodeID. A nil error means the node's subject
	// accepted it.
	Deliver(ctx context.Context, nodeID string, d Delivery) error

	// Broadcast hands d to every node.
	Broadcast(ctx context.Context, d Delivery) error

	// Listen starts feeding deliveries for this node into sink.
	Listen(sink Sink) error

	Close() error
}

// BusRelay implements Relay over the message bus. Each node listens on its
// own delivery subject plus the shared broadcast subject.
type BusRelay struct {
	client messaging.Client
	nodeID string
	logger *slog.Logger

	mu   sync.Mutex
	subs []messaging.Subscription
}

// NewBusRelay returns a relay for nodeID over client.
func NewBusRelay(client messaging.Client, nodeID string, logger *slog.Logger) *BusRelay {
	return &BusRelay{
		client: client,
		nodeID: nodeID,
		logger: logging.OrDefault(logger).With("component", "relay"),
	}
}

func (r *BusRelay) Deliver(ctx context.Context, nodeID string, d Delivery) error {
	return r.publish(ctx, messaging.NodeDeliverSubject(nodeID), d)
}

func (r *BusRelay) Broadcast(ctx context.Context, d Delivery) error {
	return r.publish(ctx, messaging.SubjectWSBroadcast, d)
}

func (r *BusRelay) publish(ctx context.Context, subject string, d Delivery) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	msg := &messaging.Message{
		Subject:  subject,
		Data:     b,
		Metadata: map[string]string{messaging.HeaderOriginNode: r.nodeID},
	}
	return r.client.PublishMsg(ctx, msg)
}

func (r *BusRelay) Listen(sink Sink) error {
	handler := func(ctx context.Context, msg *messaging.Message) error {
		var d Delivery
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			metrics.RelayErrors.WithLabelValues("decode").Inc()
			return fmt.Errorf("decode delivery: %w", err)
		}
		n := sink.DeliverLocal(ctx, d)
		r.logger.Debug("relayed delivery",
			slog.String("subject", msg.Subject),
			logging.Event(string(d.Envelope.Event)),
			slog.Int("delivered", n))
		return nil
	}

	for _, subject := range []string{messaging.NodeDeliverSubject(r.nodeID), messaging.SubjectWSBroadcast} {
		sub, err := r.client.Subscribe(subject, handler)
		if err != nil {
			_ = r.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()
	}
	return nil
}

// Close unsubscribes; the underlying client is owned by the caller.
func (r *BusRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Warn("failed to unsubscribe", slog.String("subject", sub.Subject()), logging.Error(err))
		}
	}
	r.subs = nil
	return nil
}
