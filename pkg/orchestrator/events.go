package orchestrator

import (
	"sync"

	"github.com/provenact/provenact/pkg/contracts"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber
// that falls this far behind loses events rather than stalling the
// engine.
const subscriberBuffer = 64

// Bus fans StateChange events out to subscribers.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan contracts.StateChange
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan contracts.StateChange)}
}

// Subscribe returns an event channel and its cancel function. Cancel
// closes the channel.
func (b *Bus) Subscribe() (<-chan contracts.StateChange, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan contracts.StateChange, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(ev contracts.StateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close drops all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
