// Package retry waits for dependencies that may not be reachable yet when a
// service starts.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/inboxrelay/relay/common/logging"
)

// Policy bounds a retry loop.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultPolicy suits startup connections.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsed:      2 * time.Minute,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsed
	return backoff.WithContext(b, ctx)
}

// Connect calls dial until it succeeds, the policy gives up or ctx ends.
// Each failed attempt is logged at warn with the wait before the next one.
func Connect[T any](ctx context.Context, name string, p Policy, logger *slog.Logger, dial func(context.Context) (T, error)) (T, error) {
	logger = logging.OrDefault(logger)
	op := func() (T, error) {
		return dial(ctx)
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("dependency not ready, retrying",
			slog.String("dependency", name),
			slog.Duration("retry_in", wait),
			logging.Error(err))
	}
	return backoff.RetryNotifyWithData(op, p.backOff(ctx), notify)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
