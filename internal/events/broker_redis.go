package events

import (
	"context"
	"encoding/json"
	"sync"

	redis "github.com/redis/go-redis/v9"

	"roadside/internal/metrics"
)

// RedisBroker implements Broker over Redis Pub/Sub so every API process sees
// every event.
type RedisBroker struct {
	rdb    redis.UniversalClient
	prefix string

	mu   sync.Mutex
	subs map[chan Event]*redis.PubSub
}

func NewRedisBroker(rdb redis.UniversalClient) *RedisBroker {
	return &RedisBroker{rdb: rdb, prefix: "roadside:events:", subs: map[chan Event]*redis.PubSub{}}
}

func (b *RedisBroker) Subscribe(channel string) chan Event {
	ch := make(chan Event, SubscriberBuffer)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(channel))
	// initial consume to ensure subscription
	_, _ = ps.Receive(ctx)
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			select {
			case ch <- evt:
			default:
				metrics.EventsDropped.Inc()
			}
		}
	}()
	return ch
}

// Unsubscribe closes the underlying PubSub; the reader goroutine then closes ch.
func (b *RedisBroker) Unsubscribe(_ string, ch chan Event) {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.chanName(channel), data).Err()
}

func (b *RedisBroker) chanName(channel string) string { return b.prefix + channel }
