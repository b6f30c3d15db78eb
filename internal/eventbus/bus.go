// Package eventbus is a small in-memory fanout used to decouple the core
// from user-facing collaborators (the confirmation UI listens here).
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Slow subscribers may drop events (bounded backpressure).
//   - Data should be small and JSON-serializable.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types emitted by the core. The Data field carries an
// action.Request snapshot unless noted otherwise.
const (
	TypeActionPending   = "action.pending"   // entered PendingConfirmation; UI should render a preview
	TypeActionConfirmed = "action.confirmed" // schedulable
	TypeActionCancelled = "action.cancelled" // user cancel or confirmation expiry
	TypeActionSent      = "action.sent"
	TypeActionFailed    = "action.failed"
	TypeDispatchFatal   = "dispatch.fatal" // Data is an error string; store is unusable
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus with no background goroutines.
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
	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; a concurrently-unsubscribed channel may be
		// closed, so recover from the send panic.
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
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
