// Package models holds the wire types shared by the gateway, the worker and the CLI.
package models

import "fmt"

// EventKind names a real-time event pushed to connected clients.
type EventKind string

const (
	EventReceived EventKind = "received"
	EventUnseen   EventKind = "unseen"
	EventUnread   EventKind = "unread"
)

// Valid reports whether k is one of the known event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventReceived, EventUnseen, EventUnread:
		return true
	}
	return false
}

// EventData is the payload of an Envelope. Only the fields relevant to the
// event kind are set.
type EventData struct {
	Message     *Message `json:"message,omitempty"`
	UnseenCount *int     `json:"unseenCount,omitempty"`
	UnreadCount *int     `json:"unreadCount,omitempty"`
	HasMore     *bool    `json:"hasMore,omitempty"`
}

// Envelope is the frame written to a client connection.
type Envelope struct {
	Event EventKind `json:"event"`
	Data  EventData `json:"data"`
}

// ReceivedData builds the payload of a received event.
func ReceivedData(msg *Message) EventData {
	return EventData{Message: msg}
}

// UnseenData builds the payload of an unseen-count event.
func UnseenData(count int, hasMore bool) EventData {
	return EventData{UnseenCount: &count, HasMore: &hasMore}
}

// UnreadData builds the payload of an unread-count event.
func UnreadData(count int, hasMore bool) EventData {
	return EventData{UnreadCount: &count, HasMore: &hasMore}
}

// SendRequest is the body of the internal trigger that asks the gateway to
// push an event to a subscriber's live connections. Subscriber ids are
// unique per environment, so both are required.
type SendRequest struct {
	Event         EventKind `json:"event"`
	UserID        string    `json:"userId"`
	EnvironmentID string    `json:"environmentId"`
	Payload       EventData `json:"payload"`
}

// Validate checks the required fields of r.
func (r *SendRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	if r.EnvironmentID == "" {
		return fmt.Errorf("environmentId is required")
	}
	if !r.Event.Valid() {
		return fmt.Errorf("unknown event %q", r.Event)
	}
	return nil
}

// SendResponse reports how many connections an event reached.
type SendResponse struct {
	Delivered int `json:"delivered"`
}

// OnlineResponse reports whether a subscriber has at least one live
// connection.
type OnlineResponse struct {
	UserID        string `json:"userId"`
	EnvironmentID string `json:"environmentId"`
	Online        bool   `json:"online"`
}

// BroadcastRequest is the body of the internal trigger that pushes an event
// to every live connection of a tenant.
type BroadcastRequest struct {
	Event    EventKind `json:"event"`
	TenantID string    `json:"tenantId"`
	Payload  EventData `json:"payload"`
}

// Validate checks the required fields of r.
func (r *BroadcastRequest) Validate() error {
	if r.TenantID == "" {
		return fmt.Errorf("tenantId is required")
	}
	if !r.Event.Valid() {
		return fmt.Errorf("unknown event %q", r.Event)
	}
	return nil
}
