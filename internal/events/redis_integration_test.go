//go:build redis_integration

package events

import (
	"context"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func TestRedisBrokerRoundTrip(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set; skipping integration test")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	b := NewRedisBroker(rdb)
	ch := b.Subscribe(UserChannel("u1"))
	if err := b.Publish(context.Background(), UserChannel("u1"), Event{Type: TypeAccepted, RequestID: "r1", Version: 2}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-ch:
		if got.Type != TypeAccepted || got.Version != 2 {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	b.Unsubscribe(UserChannel("u1"), ch)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}
