package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	logx "driverelay/pkg/logx"
)

const DefaultRetention = 5 * time.Minute

// Tracker answers "was this already relayed?" on both axes. It never holds
// a lock while the relay runs; with reservations enabled the change axis is
// claimed atomically before relaying and committed or released afterwards.
type Tracker struct {
	backend   Backend
	retention time.Duration
	now       func() time.Time
	log       logx.Logger
}

type Option func(*Tracker)

func WithRetention(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.retention = d
		}
	}
}

// WithClock replaces time.Now. Tests use it to step past the retention
// window.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

func NewTracker(b Backend, opts ...Option) *Tracker {
	t := &Tracker{backend: b, retention: DefaultRetention, now: time.Now, log: logx.Nop()}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tracker) Retention() time.Duration { return t.retention }

func (t *Tracker) SeenDelivery(ctx context.Context, k DeliveryKey) (bool, error) {
	_, ok, err := t.backend.Get(ctx, k.storageKey(), t.now())
	return ok, err
}

func (t *Tracker) SeenChange(ctx context.Context, k ChangeKey) (bool, error) {
	_, ok, err := t.backend.Get(ctx, k.storageKey(), t.now())
	return ok, err
}

// ReserveChange claims k for the duration of one relay. It reports false
// when k is already processed or claimed by a concurrent relay.
func (t *Tracker) ReserveChange(ctx context.Context, k ChangeKey) (bool, error) {
	now := t.now()
	return t.backend.PutIfAbsent(ctx, k.storageKey(), now.Add(t.retention), now)
}

// ReleaseChange drops a reservation after a relay that did not deliver.
func (t *Tracker) ReleaseChange(ctx context.Context, k ChangeKey) error {
	return t.backend.Delete(ctx, k.storageKey())
}

// MarkProcessed records the delivery and every delivered change; all of
// them expire one retention window from now.
func (t *Tracker) MarkProcessed(ctx context.Context, d DeliveryKey, changes ...ChangeKey) error {
	until := t.now().Add(t.retention)
	errs := []error{t.backend.Put(ctx, d.storageKey(), until)}
	for _, c := range changes {
		errs = append(errs, t.backend.Put(ctx, c.storageKey(), until))
	}
	return errors.Join(errs...)
}

// MarkChanges records changes without the delivery, for a batch where a
// later entry failed: a redelivery must pass the delivery check but skip
// what already went out.
func (t *Tracker) MarkChanges(ctx context.Context, changes ...ChangeKey) error {
	until := t.now().Add(t.retention)
	var errs []error
	for _, c := range changes {
		errs = append(errs, t.backend.Put(ctx, c.storageKey(), until))
	}
	return errors.Join(errs...)
}

// Sweep removes expired entries from the backend.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	return t.backend.Sweep(ctx, t.now())
}

// RunSweeper sweeps on the cron spec until ctx is done.
func (t *Tracker) RunSweeper(ctx context.Context, spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		n, err := t.Sweep(sctx)
		if err != nil {
			t.log.Warn("dedup sweep failed", logx.Err(err))
			return
		}
		if n > 0 {
			t.log.Debug("dedup sweep", logx.Int("removed", n))
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (t *Tracker) Close() error { return t.backend.Close() }
