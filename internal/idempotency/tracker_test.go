package idempotency

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"driverelay/internal/storage"
	logx "driverelay/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

var (
	delivery = DeliveryKey{RequestID: "req-1", RequestTimestamp: "2024-01-01T00:00:00Z"}
	change   = ChangeKey{Resource: "/drives/b!abc/root", SubscriptionID: "sub-1"}
)

func exerciseTracker(t *testing.T, b Backend, clock *fakeClock) {
	t.Helper()
	ctx := context.Background()
	tr := NewTracker(b, WithClock(clock.Now), WithRetention(5*time.Minute))

	if seen, err := tr.SeenDelivery(ctx, delivery); err != nil || seen {
		t.Fatalf("fresh delivery seen=%v err=%v", seen, err)
	}
	if seen, err := tr.SeenChange(ctx, change); err != nil || seen {
		t.Fatalf("fresh change seen=%v err=%v", seen, err)
	}

	if err := tr.MarkProcessed(ctx, delivery, change); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if seen, _ := tr.SeenDelivery(ctx, delivery); !seen {
		t.Fatalf("delivery not seen after mark")
	}
	if seen, _ := tr.SeenChange(ctx, change); !seen {
		t.Fatalf("change not seen after mark")
	}

	// Axes are independent.
	other := DeliveryKey{RequestID: "req-2", RequestTimestamp: delivery.RequestTimestamp}
	if seen, _ := tr.SeenDelivery(ctx, other); seen {
		t.Fatalf("unrelated delivery reported seen")
	}

	clock.Advance(4*time.Minute + 59*time.Second)
	if seen, _ := tr.SeenChange(ctx, change); !seen {
		t.Fatalf("change expired early")
	}
	clock.Advance(2 * time.Second)
	if seen, _ := tr.SeenChange(ctx, change); seen {
		t.Fatalf("change still seen after retention")
	}
	if seen, _ := tr.SeenDelivery(ctx, delivery); seen {
		t.Fatalf("delivery still seen after retention")
	}

	// Reserve, conflict, release, reserve again.
	ok, err := tr.ReserveChange(ctx, change)
	if err != nil || !ok {
		t.Fatalf("first reserve ok=%v err=%v", ok, err)
	}
	ok, err = tr.ReserveChange(ctx, change)
	if err != nil || ok {
		t.Fatalf("second reserve ok=%v err=%v", ok, err)
	}
	if seen, _ := tr.SeenChange(ctx, change); !seen {
		t.Fatalf("reservation not visible to SeenChange")
	}
	if err := tr.ReleaseChange(ctx, change); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = tr.ReserveChange(ctx, change)
	if err != nil || !ok {
		t.Fatalf("reserve after release ok=%v err=%v", ok, err)
	}
}

func TestMemoryTracker(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	clock := newClock()
	exerciseTracker(t, m, clock)

	tr := NewTracker(m, WithClock(clock.Now))
	_ = tr.MarkChanges(context.Background(), ChangeKey{Resource: "r", SubscriptionID: "s"})
	before := m.Len()
	clock.Advance(10 * time.Minute)
	n, err := tr.Sweep(context.Background())
	if err != nil || n != before {
		t.Fatalf("sweep removed %d of %d, err=%v", n, before, err)
	}
	if m.Len() != 0 {
		t.Fatalf("entries left after sweep: %d", m.Len())
	}
}

func TestMemoryLookupDoesNotRemove(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	clock := newClock()
	tr := NewTracker(m, WithClock(clock.Now))
	_ = tr.MarkProcessed(context.Background(), delivery, change)
	clock.Advance(time.Hour)
	if seen, _ := tr.SeenChange(context.Background(), change); seen {
		t.Fatalf("expired entry reported seen")
	}
	if m.Len() != 2 {
		t.Fatalf("lookup removed entries; len=%d", m.Len())
	}
}

func TestReserveIsAtomic(t *testing.T) {
	t.Parallel()

	tr := NewTracker(NewMemory())
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := tr.ReserveChange(context.Background(), change); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("wins=%d, want exactly 1", wins.Load())
	}
}

func TestRedisTracker(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	r, err := NewRedis(context.Background(), RedisConfig{Addr: mr.Addr(), Prefix: "test:"})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer r.Close()

	// Redis TTLs are computed from the wall clock, so the fake clock starts
	// at the real time.
	exerciseTracker(t, r, &fakeClock{now: time.Now()})

	if len(mr.Keys()) == 0 {
		t.Fatalf("expected keys in redis")
	}
	for _, k := range mr.Keys() {
		if len(k) < len("test:") || k[:5] != "test:" {
			t.Fatalf("key %q missing prefix", k)
		}
		if mr.TTL(k) <= 0 {
			t.Fatalf("key %q has no ttl", k)
		}
	}
}

func TestStorageBackedTracker(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "dedup.sqlite")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	clock := &fakeClock{now: time.Now()}
	exerciseTracker(t, NewStore(st), clock)
}

func TestStorageKeysAreNamespacedDigests(t *testing.T) {
	t.Parallel()

	d := DeliveryKey{RequestID: "x", RequestTimestamp: "y"}.storageKey()
	c := ChangeKey{Resource: "x", SubscriptionID: "y"}.storageKey()
	if d == c {
		t.Fatalf("delivery and change keys collide")
	}
	if d[:2] != "d:" || c[:2] != "c:" || len(d) != 34 {
		t.Fatalf("unexpected keys %q %q", d, c)
	}
	empty := DeliveryKey{}.String()
	if empty != "-" {
		t.Fatalf("empty delivery key=%q", empty)
	}
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	t.Parallel()

	tr := NewTracker(NewMemory())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.RunSweeper(ctx, "@every 1s") }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunSweeper: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not stop")
	}
	if err := tr.RunSweeper(context.Background(), "not a spec"); err == nil {
		t.Fatalf("expected bad spec error")
	}
}
