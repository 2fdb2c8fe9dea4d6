package engine

import (
	"sync"

	"papertrade/internal/domain"
)

// EventBus fans engine events out to subscribers. Delivery is best effort:
// a subscriber whose buffer is full misses the event.
type EventBus struct {
	mu        sync.Mutex
	nextSubID int
	subs      map[int]chan domain.Event
}

// NewEventBus returns an EventBus with no subscribers.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan domain.Event)}
}

// Subscribe returns a channel that receives events. bufSize controls the
// channel buffer; slow consumers will have events dropped.
func (b *EventBus) Subscribe(bufSize int) (int, <-chan domain.Event) {
	ch := make(chan domain.Event, bufSize)
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers non-blocking (drop on full).
func (b *EventBus) Publish(e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Slow consumer, drop event.
		}
	}
}
