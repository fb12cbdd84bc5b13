// Package notify delivers out-of-band notifications (webhook, push, log).
// Callers never wait on delivery: Notify only accepts into a buffer.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"roadside/internal/logger"
	"roadside/internal/metrics"
	"roadside/internal/model"
)

// Notification kinds.
const (
	KindNewRequest       = "new-request"
	KindRequestAccepted  = "request-accepted"
	KindRequestRejected  = "request-rejected"
	KindStatusUpdate     = "status-update"
	KindRequestCancelled = "request-cancelled"
	KindEmergencyAlert   = "emergency-alert"
	KindNoEstimate       = "no-estimate"
)

// ErrBufferFull is returned when the intake buffer is saturated.
var ErrBufferFull = errors.New("notification buffer full")

// Sink delivers one notification through one medium.
type Sink interface {
	Name() string
	Send(ctx context.Context, n model.Notification) error
}

// Queue persists a notification for later delivery through a named sink.
type Queue interface {
	Enqueue(ctx context.Context, sink string, n model.Notification) error
}

// Notifier accepts notifications and hands one delivery per sink to the queue.
type Notifier struct {
	queue Queue
	sinks []string
	log   logger.Logger
	buf   chan model.Notification

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func New(q Queue, sinks []string, buffer int, log logger.Logger) *Notifier {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Notifier{
		queue: q,
		sinks: sinks,
		log:   log,
		buf:   make(chan model.Notification, buffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Notify accepts a notification without blocking.
func (n *Notifier) Notify(ctx context.Context, kind, target string, payload map[string]any) error {
	msg := model.Notification{
		ID:      uuid.NewString(),
		Kind:    kind,
		Target:  target,
		Payload: payload,
		Created: time.Now().UTC(),
	}
	select {
	case n.buf <- msg:
		return nil
	default:
		metrics.NotificationsDropped.Inc()
		return ErrBufferFull
	}
}

// Start runs the intake loop until Stop.
func (n *Notifier) Start() {
	go func() {
		defer close(n.done)
		for {
			select {
			case <-n.stop:
				n.drain()
				return
			case msg := <-n.buf:
				n.enqueue(msg)
			}
		}
	}()
}

// Stop drains what is buffered and waits for the loop to exit.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() { close(n.stop) })
	<-n.done
}

func (n *Notifier) drain() {
	for {
		select {
		case msg := <-n.buf:
			n.enqueue(msg)
		default:
			return
		}
	}
}

func (n *Notifier) enqueue(msg model.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, sink := range n.sinks {
		if err := n.queue.Enqueue(ctx, sink, msg); err != nil {
			n.log.Errorf("enqueue %s notification %s for %s via %s: %v", msg.Kind, msg.ID, msg.Target, sink, err)
		}
	}
}
