package render

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/inboxrelay/relay/common/models"
)

// Output is the channel-specific payload of a render.
type Output interface {
	Channel() models.Channel
}

type EmailOutput struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (EmailOutput) Channel() models.Channel { return models.ChannelEmail }

type SMSOutput struct {
	Content string `json:"content"`
}

func (SMSOutput) Channel() models.Channel { return models.ChannelSMS }

type ChatOutput struct {
	Content string `json:"content"`
}

func (ChatOutput) Channel() models.Channel { return models.ChannelChat }

type PushOutput struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

func (PushOutput) Channel() models.Channel { return models.ChannelPush }

// Redirect is where a client navigates when a notification or action is
// clicked.
type Redirect struct {
	URL    string `json:"url"`
	Target string `json:"target,omitempty"`
}

type Action struct {
	Label    string    `json:"label"`
	Redirect *Redirect `json:"redirect,omitempty"`
}

type InAppOutput struct {
	Subject         string    `json:"subject,omitempty"`
	Body            string    `json:"body,omitempty"`
	Avatar          string    `json:"avatar,omitempty"`
	PrimaryAction   *Action   `json:"primaryAction,omitempty"`
	SecondaryAction *Action   `json:"secondaryAction,omitempty"`
	Redirect        *Redirect `json:"redirect,omitempty"`
	// Data is copied from the control values untouched.
	Data any `json:"data,omitempty"`
}

func (InAppOutput) Channel() models.Channel { return models.ChannelInApp }

// newOutput returns an empty output for ch.
func newOutput(ch models.Channel) (Output, error) {
	switch ch {
	case models.ChannelEmail:
		return &EmailOutput{}, nil
	case models.ChannelSMS:
		return &SMSOutput{}, nil
	case models.ChannelChat:
		return &ChatOutput{}, nil
	case models.ChannelPush:
		return &PushOutput{}, nil
	case models.ChannelInApp:
		return &InAppOutput{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, ch)
}

// decodeOutput fills out from the rendered control values. Keys the channel
// does not know are ignored.
func decodeOutput(values map[string]any, out Output) error {
	b, err := json.Marshal(values)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return &ContractError{Field: typeErr.Field, Reason: fmt.Sprintf("must be %s", typeErr.Type)}
		}
		return &ContractError{Reason: err.Error()}
	}
	return nil
}

// ContentMap converts an output to the generic map persisted with a message.
func ContentMap(out Output) (map[string]any, error) {
	if out == nil {
		return nil, nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
