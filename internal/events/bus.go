package events

import (
	"sync"
	"time"

	"mcpfed/pkg/logging"
)

const defaultSubscriberBuffer = 64

// Bus is an in-process publish/subscribe fan-out for Events.
//
// Publish never blocks: subscribers with full buffers miss events. That is
// the intended contract for status observers, which must not slow down the
// registry or session manager.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The unsubscribe function closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, defaultSubscriberBuffer)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// Publish delivers the event to all subscribers without blocking. Events
// dropped on a full subscriber buffer are logged at debug level only.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			logging.Debug("Events", "Dropping %s event for %s: subscriber buffer full",
				event.Reason, event.ServerID)
		}
	}
}
