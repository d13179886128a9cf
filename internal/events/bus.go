// Package events carries scheduler and session-lock lifecycle events to
// observers (status feeds, logs, dashboards). Delivery is best effort: the
// bus never blocks a publisher and nothing in the scheduler depends on it.
package events

import (
	"sync"
	"sync/atomic"
)

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(topic string, event Event)
}

// Bus is a channel-based pub-sub event bus with topic subscriptions and a
// cross-topic SubscribeAll.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event
	allSubs []chan Event
	closed  bool

	dropped atomic.Int64
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]chan Event),
	}
}

// Subscribe returns a channel receiving events published to topic.
// bufSize defaults to 256 if <= 0.
func (b *Bus) Subscribe(topic string, bufSize int) <-chan Event {
	ch := make(chan Event, bufferSize(bufSize))

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	ch := make(chan Event, bufferSize(bufSize))

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.allSubs = append(b.allSubs, ch)
	return ch
}

// Publish sends event to the topic's subscribers and to all SubscribeAll
// channels. A full subscriber buffer drops the event for that subscriber.
func (b *Bus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs[topic] {
		b.send(ch, event)
	}
	for _, ch := range b.allSubs {
		b.send(ch, event)
	}
}

func (b *Bus) send(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were dropped on full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the bus and every subscriber channel. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}

func bufferSize(n int) int {
	if n <= 0 {
		return 256
	}
	return n
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(string, Event) {}
