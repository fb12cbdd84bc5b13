package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"

	"roadside/internal/model"
	"roadside/internal/store"
)

type recordStore struct {
	*store.Memory
	mu    sync.Mutex
	marks []MarkRec
	fails []FailRec
}
type MarkRec struct {
	ID      string
	Success bool
	Next    *time.Time
	LastErr string
}
type FailRec struct {
	ID      string
	LastErr string
}

func (r *recordStore) MarkDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string) error {
	r.mu.Lock()
	r.marks = append(r.marks, MarkRec{ID: id, Success: success, Next: nextAttemptAt, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.MarkDelivery(ctx, id, success, nextAttemptAt, lastError)
}
func (r *recordStore) FailDelivery(ctx context.Context, id string, lastError string) error {
	r.mu.Lock()
	r.fails = append(r.fails, FailRec{ID: id, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.FailDelivery(ctx, id, lastError)
}

func enqueue(t *testing.T, s store.DeliveryStore, sink string) {
	t.Helper()
	n := model.Notification{ID: "n1", Kind: KindRequestAccepted, Target: "user:c1", Payload: map[string]any{"requestId": "r1"}}
	if err := (OutboxQueue{Store: s}).Enqueue(context.Background(), sink, n); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
}

func TestWorkerProcessOnce_SuccessAndSignature(t *testing.T) {
	var gotSig, gotKind string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotKind = r.Header.Get("X-Notification-Kind")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	hook := &WebhookSink{URL: srv.URL, Secret: "secret", HTTP: srv.Client()}
	w := NewWorker(rs, []Sink{hook}, 3, nil)
	enqueue(t, rs, "webhook")

	w.processOnce()

	if gotSig == "" || gotKind != KindRequestAccepted {
		t.Fatalf("missing signature/kind headers: sig=%q kind=%q", gotSig, gotKind)
	}
	if !Verify("secret", body, gotSig, time.Now()) {
		t.Fatalf("signature does not verify")
	}
	if len(rs.marks) == 0 || !rs.marks[0].Success {
		t.Fatalf("expected mark success, got: %+v", rs.marks)
	}
}

func TestWorkerProcessOnce_RetryThenFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()
	rs := &recordStore{Memory: store.NewMemory()}
	w := NewWorker(rs, []Sink{&WebhookSink{URL: srv.URL, HTTP: srv.Client()}}, 2, nil)
	enqueue(t, rs, "webhook")

	w.processOnce()
	if len(rs.marks) != 1 || rs.marks[0].Success || rs.marks[0].Next == nil {
		t.Fatalf("expected a retry to be scheduled: %+v", rs.marks)
	}
	if d := time.Until(*rs.marks[0].Next); d < 500*time.Millisecond || d > 2*time.Second {
		t.Fatalf("first backoff should be ~1s, got %v", d)
	}

	// Make the delivery due again. The direct mark also counts an attempt,
	// so the next failure is attempt 3 of 3.
	items, _, _ := rs.ListDeliveries(context.Background(), store.DeliveryPending, "", 10)
	past := time.Now().Add(-time.Second)
	_ = rs.Memory.MarkDelivery(context.Background(), items[0].ID, false, &past, "forced")
	w.MaxAttempts = 3
	w.processOnce()
	if len(rs.fails) != 1 {
		t.Fatalf("expected fail recorded, got %+v", rs.fails)
	}
}

func TestWorkerUnknownSinkFails(t *testing.T) {
	rs := &recordStore{Memory: store.NewMemory()}
	w := NewWorker(rs, nil, 3, nil)
	enqueue(t, rs, "pager")
	w.processOnce()
	if len(rs.fails) != 1 {
		t.Fatalf("expected unknown sink to fail the delivery")
	}
}

func TestNextBackoff(t *testing.T) {
	cases := map[int]time.Duration{-1: time.Second, 0: time.Second, 1: 2 * time.Second, 5: 32 * time.Second, 12: time.Hour, 40: time.Hour}
	for in, want := range cases {
		if got := nextBackoff(in); got != want {
			t.Errorf("nextBackoff(%d) = %v, want %v", in, got, want)
		}
	}
}

type fakeMessenger struct {
	sent []string
	err  error
}

func (f *fakeMessenger) Send(_ context.Context, m *messaging.Message) (string, error) {
	f.sent = append(f.sent, m.Token)
	return "id", f.err
}

func TestFCMSink(t *testing.T) {
	s := store.NewMemory()
	_ = s.SetPushToken(context.Background(), "mechanic:m1", "tok")
	fm := &fakeMessenger{}
	sink := &FCMSink{Client: fm, Devices: s}

	n := model.Notification{Kind: KindEmergencyAlert, Target: "mechanic:m1", Payload: map[string]any{"requestId": "r1", "distanceKm": 2.5}}
	if err := sink.Send(context.Background(), n); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(fm.sent) != 1 || fm.sent[0] != "tok" {
		t.Fatalf("expected push to tok, got %v", fm.sent)
	}

	// unregistered targets are skipped, not retried
	if err := sink.Send(context.Background(), model.Notification{Target: "user:nobody"}); err != nil {
		t.Fatalf("expected nil for missing device, got %v", err)
	}

	fm.err = errors.New("unavailable")
	if err := sink.Send(context.Background(), n); err == nil {
		t.Fatalf("expected send error to surface")
	}
}

func TestPushDataStringifies(t *testing.T) {
	d := pushData(model.Notification{ID: "n", Kind: "k", Payload: map[string]any{"s": "x", "f": 2.5, "nil": nil}})
	if d["s"] != "x" || d["f"] != "2.5" || d["kind"] != "k" {
		t.Fatalf("unexpected data %v", d)
	}
	if _, ok := d["nil"]; ok {
		t.Fatalf("nil values should be dropped")
	}
}
