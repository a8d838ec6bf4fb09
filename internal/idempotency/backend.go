package idempotency

import (
	"context"
	"time"
)

// Backend stores keys with an absolute expiry. Implementations must be safe
// for concurrent use.
type Backend interface {
	// Get reports the expiry of a live key. Expired keys are absent.
	Get(ctx context.Context, key string, now time.Time) (until time.Time, ok bool, err error)
	Put(ctx context.Context, key string, until time.Time) error
	// PutIfAbsent stores key only when no live entry exists at now.
	PutIfAbsent(ctx context.Context, key string, until, now time.Time) (bool, error)
	Delete(ctx context.Context, key string) error
	// Sweep physically removes entries expired at now.
	Sweep(ctx context.Context, now time.Time) (int, error)
	Close() error
}
