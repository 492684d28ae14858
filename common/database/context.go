// Package database holds helpers shared by the Postgres-backed stores.
package database

import (
	"context"
	"time"
)

const (
	// ReadTimeout bounds feed, count and lookup queries.
	ReadTimeout = 5 * time.Second
	// WriteTimeout bounds inserts and state changes.
	WriteTimeout = 10 * time.Second
)

// ReadContext derives a context bounded by ReadTimeout. An earlier parent
// deadline wins.
func ReadContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, ReadTimeout)
}

// WriteContext derives a context bounded by WriteTimeout.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, WriteTimeout)
}
