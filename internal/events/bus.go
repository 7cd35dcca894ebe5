package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

const subscriberBuffer = 64

// Bus fans order and position events out to in-process subscribers. Delivery
// is at-least-once from the consumer's point of view: consumers must tolerate
// duplicate notifications. Publish never blocks the publisher; when a
// subscriber's buffer is full its oldest pending event is dropped to make
// room, so slow consumers lose history rather than stalling the gateway.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe registers interest in a topic and returns the delivery channel.
func (b *Bus) Subscribe(topic string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Publish delivers the event to every subscriber of its topic.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[event.Topic()] {
		select {
		case ch <- event:
		default:
			// Full buffer: evict the oldest pending event, then deliver.
			select {
			case dropped := <-ch:
				log.Warn().
					Str("topic", dropped.Topic()).
					Msg("slow event subscriber, dropping oldest event")
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
}
