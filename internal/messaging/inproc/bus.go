package inproc

import (
	"errors"
	"sync"

	"research_agent/internal/domain"
)

var ErrSubscriberQueueFull = errors.New("subscriber queue is full")

// Bus fans progress events out to every subscriber. Publishing never blocks.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Event
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.Event),
		buffer: buffer,
	}
}

func (b *Bus) Subscribe(subscriberID string) <-chan domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[subscriberID]; ok {
		return ch
	}
	ch := make(chan domain.Event, b.buffer)
	b.subs[subscriberID] = ch
	return ch
}

func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[subscriberID]
	if !ok {
		return
	}
	delete(b.subs, subscriberID)
	close(ch)
}

// Publish delivers ev to every subscriber with room in its queue.
// It reports ErrSubscriberQueueFull if at least one subscriber missed the event.
func (b *Bus) Publish(ev domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var err error
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			err = ErrSubscriberQueueFull
		}
	}
	return err
}
