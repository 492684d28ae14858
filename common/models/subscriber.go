package models

import "time"

// Subscriber is the end recipient of notifications within an environment.
type Subscriber struct {
	ID             string     `json:"subscriberId"`
	EnvironmentID  string     `json:"environmentId"`
	OrganizationID string     `json:"organizationId,omitempty"`
	Online         bool       `json:"isOnline"`
	LastOnlineAt   *time.Time `json:"lastOnlineAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// PresenceChange is published by the gateway when a subscriber gains its
// first live connection or loses its last one.
type PresenceChange struct {
	SubscriberID   string    `json:"subscriberId"`
	EnvironmentID  string    `json:"environmentId,omitempty"`
	OrganizationID string    `json:"organizationId,omitempty"`
	Online         bool      `json:"online"`
	At             time.Time `json:"at"`
	NodeID         string    `json:"nodeId"`
}
