package events

import (
	"context"
	"sync"

	"roadside/internal/metrics"
)

// Broker delivers events to subscribers of a channel.
type Broker interface {
	Subscribe(channel string) chan Event
	Unsubscribe(channel string, ch chan Event)
	Publish(ctx context.Context, channel string, evt Event) error
}

// SubscriberBuffer is the per-subscriber queue length. A subscriber that
// falls further behind loses events.
const SubscriberBuffer = 16

// MemoryBroker is the single-process broker.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // channel -> set of subscribers
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: map[string]map[chan Event]struct{}{}}
}

func (b *MemoryBroker) Subscribe(channel string) chan Event {
	ch := make(chan Event, SubscriberBuffer)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = map[chan Event]struct{}{}
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *MemoryBroker) Unsubscribe(channel string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[channel]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, channel)
	}
	close(ch)
}

func (b *MemoryBroker) Publish(_ context.Context, channel string, evt Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[channel] {
		select {
		case ch <- evt:
		default:
			metrics.EventsDropped.Inc()
		}
	}
	return nil
}

// Subscribers reports how many local subscribers a channel has.
func (b *MemoryBroker) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}
