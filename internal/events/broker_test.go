package events

import (
	"context"
	"testing"
	"time"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewMemoryBroker()
	ch := b.Subscribe(RequestChannel("r1"))

	evt := Event{Type: TypeStatusUpdate, RequestID: "r1", Data: map[string]any{"x": 1}}
	if err := b.Publish(context.Background(), RequestChannel("r1"), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.Type != evt.Type {
			t.Fatalf("got type %s, want %s", got.Type, evt.Type)
		}
		if got.Data["x"].(int) != 1 {
			t.Fatalf("bad payload: %+v", got.Data)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Unsubscribe(RequestChannel("r1"), ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// a second unsubscribe must not panic on double close
	b.Unsubscribe(RequestChannel("r1"), ch)
	if n := b.Subscribers(RequestChannel("r1")); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewMemoryBroker()
	ch := b.Subscribe(AvailableMechanics)
	defer b.Unsubscribe(AvailableMechanics, ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < SubscriberBuffer*3; i++ {
			_ = b.Publish(context.Background(), AvailableMechanics, Event{Type: TypeTaken})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(ch) != SubscriberBuffer {
		t.Fatalf("expected buffer to be full, got %d", len(ch))
	}
}

func TestParseChannel(t *testing.T) {
	cases := []struct {
		in       string
		kind, id string
		ok       bool
	}{
		{"user:u1", KindUser, "u1", true},
		{"mechanic:m-9", KindMechanic, "m-9", true},
		{"request:abc", KindRequest, "abc", true},
		{AvailableMechanics, KindPool, "", true},
		{"route:1", "", "", false},
		{"user:", "", "", false},
		{"nonsense", "", "", false},
	}
	for _, c := range cases {
		k, id, ok := ParseChannel(c.in)
		if k != c.kind || id != c.id || ok != c.ok {
			t.Errorf("ParseChannel(%q) = %q, %q, %v", c.in, k, id, ok)
		}
	}
}
