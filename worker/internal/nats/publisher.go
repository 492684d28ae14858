package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/inboxrelay/relay/common/messaging"
	"github.com/inboxrelay/relay/common/middleware"
)

// Publisher publishes worker output to the bus.
type Publisher struct {
	client messaging.Publisher
}

// NewPublisher creates a new publisher.
func NewPublisher(client messaging.Publisher) *Publisher {
	return &Publisher{client: client}
}

// PublishStepResults publishes the outcome of a step job.
func (p *Publisher) PublishStepResults(ctx context.Context, resp *StepJobResponse) error {
	return p.publish(ctx, messaging.SubjectStepsResults, resp)
}

// publish marshals data to JSON and publishes to the specified subject,
// carrying the request ID when ctx has one.
func (p *Publisher) publish(ctx context.Context, subject string, data any) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	msg := &messaging.Message{Subject: subject, Data: bytes}
	if id := middleware.GetRequestID(ctx); id != "" {
		msg.Metadata = map[string]string{messaging.HeaderRequestID: id}
	}
	return p.client.PublishMsg(ctx, msg)
}
