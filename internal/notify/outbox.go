package notify

import (
	"context"
	"encoding/json"
	"time"

	"roadside/internal/logger"
	"roadside/internal/metrics"
	"roadside/internal/model"
	"roadside/internal/store"
)

// OutboxQueue writes deliveries to the store; a Worker sends them.
type OutboxQueue struct {
	Store store.DeliveryStore
}

func (q OutboxQueue) Enqueue(ctx context.Context, sink string, n model.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = q.Store.EnqueueDelivery(ctx, store.Delivery{Kind: n.Kind, Target: n.Target, Sink: sink, Payload: body})
	return err
}

// Worker polls the outbox and retries failed deliveries with backoff.
type Worker struct {
	Store       store.DeliveryStore
	Sinks       map[string]Sink
	Stop        chan struct{}
	MaxAttempts int
	Interval    time.Duration
	Log         logger.Logger
}

func NewWorker(s store.DeliveryStore, sinks []Sink, maxAttempts int, log logger.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	m := make(map[string]Sink, len(sinks))
	for _, s := range sinks {
		m[s.Name()] = s
	}
	return &Worker{Store: s, Sinks: m, Stop: make(chan struct{}), MaxAttempts: maxAttempts, Interval: time.Second, Log: log}
}

func (w *Worker) Start() {
	go func() {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.Stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

func (w *Worker) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueDeliveries(ctx, 50)
	if err != nil {
		w.Log.Warnf("fetch due deliveries: %v", err)
		return
	}
	for _, it := range items {
		w.deliver(ctx, it)
	}
}

func (w *Worker) deliver(ctx context.Context, it store.Delivery) {
	sink, ok := w.Sinks[it.Sink]
	if !ok {
		_ = w.Store.FailDelivery(ctx, it.ID, "unknown sink "+it.Sink)
		return
	}
	var n model.Notification
	if err := json.Unmarshal(it.Payload, &n); err != nil {
		_ = w.Store.FailDelivery(ctx, it.ID, "bad payload: "+err.Error())
		return
	}
	start := time.Now()
	err := sink.Send(ctx, n)
	status := "delivered"
	if err != nil {
		status = "error"
	}
	metrics.NotificationDeliveries.WithLabelValues(it.Kind, it.Sink, status).Inc()
	metrics.NotificationLatency.WithLabelValues(it.Sink, status).Observe(float64(time.Since(start).Milliseconds()))
	if err == nil {
		_ = w.Store.MarkDelivery(ctx, it.ID, true, nil, "")
		return
	}
	if it.Attempts+1 >= w.MaxAttempts {
		w.Log.Warnf("giving up on %s delivery %s to %s after %d attempts: %v", it.Sink, it.ID, it.Target, it.Attempts+1, err)
		_ = w.Store.FailDelivery(ctx, it.ID, err.Error())
		return
	}
	next := time.Now().Add(nextBackoff(it.Attempts))
	_ = w.Store.MarkDelivery(ctx, it.ID, false, &next, err.Error())
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 12 {
		attempts = 12
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
