package relay

import (
	"context"
	"errors"
	"time"

	logx "driverelay/pkg/logx"
)

// Retry runs an operation up to MaxAttempts times with a fixed Delay,
// retrying only errors Classify accepts.
type Retry struct {
	MaxAttempts int
	Delay       time.Duration
	// Classify reports whether err is transient. Nil means IsTransient.
	Classify func(err error) bool
	Log      logx.Logger
}

// DefaultRetry retries once, one second later, on upstream 5xx.
func DefaultRetry() Retry {
	return Retry{MaxAttempts: 2, Delay: time.Second, Classify: IsTransient}
}

// IsTransient accepts upstream server errors (HTTP 5xx) that were not
// marked NoRetry.
func IsTransient(err error) bool {
	if err == nil || IsNoRetry(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var hs httpStatuser
	if !errors.As(err, &hs) {
		return false
	}
	s := hs.HTTPStatus()
	return s >= 500 && s <= 599
}

func (r Retry) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	classify := r.Classify
	if classify == nil {
		classify = IsTransient
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil || attempt >= attempts || !classify(err) {
			return err
		}
		r.Log.Warn("transient failure; retrying",
			logx.Int("attempt", attempt),
			logx.Duration("delay", r.Delay),
			logx.Err(err),
		)
		if werr := sleepContext(ctx, r.Delay); werr != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
