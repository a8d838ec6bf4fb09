package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Relay outcome event types. Data is a RelayEvent.
const (
	TypeDelivered = "relay.delivered"
	TypeSkipped   = "relay.skipped"
	TypeFailed    = "relay.failed"
	TypeRejected  = "relay.rejected"
	TypeDuplicate = "relay.duplicate"
)

// Event is an in-memory signal. Publish never blocks; a slow subscriber
// loses events once its buffer is full.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// RelayEvent describes what happened to one notification entry.
type RelayEvent struct {
	RequestID      string
	Tenant         string
	SubscriptionID string
	Resource       string
	ItemID         string
	FileName       string
	Size           int64
	Reason         string
	Err            string
	Status         int
	Took           time.Duration
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock; Unsubscribe takes the write lock
	// before closing, so a send can never hit a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
