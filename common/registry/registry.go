// Package registry tracks which subscribers hold live connections and on
// which gateway node each connection lives.
package registry

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidConnection is returned when a connection lacks an id, user or
// environment.
var ErrInvalidConnection = errors.New("registry: connection id, user id and environment id are required")

// Key identifies a subscriber. Subscriber ids are only unique inside an
// environment, so both parts are needed.
type Key struct {
	EnvironmentID string
	UserID        string
}

// Connection is one live client connection owned by a gateway node.
type Connection struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	EnvironmentID string    `json:"environmentId"`
	TenantID      string    `json:"tenantId,omitempty"`
	NodeID        string    `json:"nodeId"`
	ConnectedAt   time.Time `json:"connectedAt"`
}

// Key returns the subscriber the connection belongs to.
func (c Connection) Key() Key {
	return Key{EnvironmentID: c.EnvironmentID, UserID: c.UserID}
}

func (c Connection) validate() error {
	if c.ID == "" || c.UserID == "" || c.EnvironmentID == "" {
		return ErrInvalidConnection
	}
	return nil
}

// Registry maps subscribers to their live connections.
//
// Register and Deregister may race for the same subscriber from different
// nodes; implementations keep each connection entry independent so that
// neither call can lose the other's write.
type Registry interface {
	// Register records conn as live and returns how many live connections
	// the subscriber holds including conn. The count is taken atomically
	// with the write, so of several concurrent first connections exactly
	// one sees 1.
	Register(ctx context.Context, conn Connection) (int, error)

	// Deregister removes the connection. It reports whether an entry was
	// removed; removing an unknown connection is not an error.
	Deregister(ctx context.Context, key Key, connID string) (bool, error)

	// Connections lists the live connections of the subscriber.
	Connections(ctx context.Context, key Key) ([]Connection, error)

	// IsOnline reports whether the subscriber has at least one live
	// connection.
	IsOnline(ctx context.Context, key Key) (bool, error)

	Close() error
}
