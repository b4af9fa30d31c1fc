package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event types published by the sink pipeline.
const (
	TypeEventDropped   = "sink.dropped" // record lost to channel backpressure
	TypeBatchDelivered = "batch.delivered"
	TypeBatchRetrying  = "batch.retrying"
	TypeBatchAbandoned = "batch.abandoned"
	TypeDigestSent     = "digest.sent"
)

// Event is a lightweight, in-memory signal describing one pipeline
// transition. Hosts subscribe to observe the sink without coupling to its
// internals.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// DeliveryEvent is the Data payload for batch lifecycle events.
type DeliveryEvent struct {
	BatchID string        `json:"batch_id"`
	Records int           `json:"records"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Close detaches and closes every subscriber channel.
	Close()
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
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
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
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
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			_, live := b.subs[id]
			delete(b.subs, id)
			b.mu.Unlock()
			// Close may have already detached and closed the channel.
			// Closing is safe because Publish recovers from send panics.
			if live {
				close(ch)
			}
		})
	}
	return ch, unsub
}

func (b *memBus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = map[uint64]chan Event{}
	b.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}
