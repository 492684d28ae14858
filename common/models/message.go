package models

import (
	"fmt"
	"time"
)

// Channel is a delivery channel of a workflow step.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelChat  Channel = "chat"
	ChannelInApp Channel = "in_app"
)

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(s); c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelChat, ChannelInApp:
		return c, nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// Message is one delivered notification for one channel of one step.
type Message struct {
	ID             string         `json:"id"`
	EnvironmentID  string         `json:"environmentId"`
	OrganizationID string         `json:"organizationId"`
	SubscriberID   string         `json:"subscriberId"`
	Channel        Channel        `json:"channel"`
	WorkflowID     string         `json:"workflowId,omitempty"`
	StepID         string         `json:"stepId,omitempty"`
	Content        map[string]any `json:"content"`
	Seen           bool           `json:"seen"`
	Read           bool           `json:"read"`
	CreatedAt      time.Time      `json:"createdAt"`
	SeenAt         *time.Time     `json:"seenAt,omitempty"`
	ReadAt         *time.Time     `json:"readAt,omitempty"`
}

// ChangeKind is a state mutation applied to a subscriber's messages.
type ChangeKind string

const (
	ChangeRead    ChangeKind = "read"
	ChangeUnread  ChangeKind = "unread"
	ChangeSeen    ChangeKind = "seen"
	ChangeUnseen  ChangeKind = "unseen"
	ChangeRemoved ChangeKind = "removed"
	ChangeReadAll ChangeKind = "read_all"
	ChangeSeenAll ChangeKind = "seen_all"
)

// ParseChangeKind validates a change kind name.
func ParseChangeKind(s string) (ChangeKind, error) {
	switch k := ChangeKind(s); k {
	case ChangeRead, ChangeUnread, ChangeSeen, ChangeUnseen, ChangeRemoved, ChangeReadAll, ChangeSeenAll:
		return k, nil
	}
	return "", fmt.Errorf("unknown change %q", s)
}

// AffectsUnseen reports whether k can change the unseen counter.
// ReadAll marks every message seen as well as read.
func (k ChangeKind) AffectsUnseen() bool {
	switch k {
	case ChangeSeen, ChangeUnseen, ChangeRemoved, ChangeSeenAll, ChangeReadAll:
		return true
	}
	return false
}

// AffectsUnread reports whether k can change the unread counter.
func (k ChangeKind) AffectsUnread() bool {
	switch k {
	case ChangeRead, ChangeUnread, ChangeRemoved, ChangeReadAll:
		return true
	}
	return false
}
