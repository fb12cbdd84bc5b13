package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"roadside/internal/logger"
	"roadside/internal/metrics"
	"roadside/internal/model"
)

// TaskPrefix prefixes asynq task types; the sink name follows.
const TaskPrefix = "notify:"

// QueueName is the asynq queue notifications run on.
const QueueName = "notifications"

// AsynqQueue enqueues deliveries as Redis-backed asynq tasks.
type AsynqQueue struct {
	Client   *asynq.Client
	MaxRetry int
}

func NewAsynqQueue(opt asynq.RedisConnOpt, maxRetry int) *AsynqQueue {
	return &AsynqQueue{Client: asynq.NewClient(opt), MaxRetry: maxRetry}
}

func (q *AsynqQueue) Enqueue(ctx context.Context, sink string, n model.Notification) error {
	task, opts, err := NewDeliveryTask(sink, n, q.MaxRetry)
	if err != nil {
		return err
	}
	_, err = q.Client.EnqueueContext(ctx, task, opts...)
	return err
}

func (q *AsynqQueue) Close() error { return q.Client.Close() }

// NewDeliveryTask builds the task for one sink delivery.
func NewDeliveryTask(sink string, n model.Notification, maxRetry int) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return nil, nil, err
	}
	task := asynq.NewTask(TaskPrefix+sink, b)
	opts := []asynq.Option{asynq.Queue(QueueName), asynq.Timeout(30 * time.Second)}
	if maxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(maxRetry))
	}
	return task, opts, nil
}

// NewAsynqMux routes delivery tasks to their sinks.
func NewAsynqMux(sinks []Sink, log logger.Logger) *asynq.ServeMux {
	if log == nil {
		log = logger.NopLogger{}
	}
	mux := asynq.NewServeMux()
	for _, s := range sinks {
		mux.HandleFunc(TaskPrefix+s.Name(), handleDelivery(s, log))
	}
	return mux
}

func handleDelivery(s Sink, log logger.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var n model.Notification
		if err := json.Unmarshal(task.Payload(), &n); err != nil {
			log.Errorf("invalid %s payload: %v", task.Type(), err)
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		start := time.Now()
		err := s.Send(ctx, n)
		status := "delivered"
		if err != nil {
			status = "error"
			log.Warnf("%s delivery %s to %s failed: %v", s.Name(), n.ID, n.Target, err)
		}
		metrics.NotificationDeliveries.WithLabelValues(n.Kind, s.Name(), status).Inc()
		metrics.NotificationLatency.WithLabelValues(s.Name(), status).Observe(float64(time.Since(start).Milliseconds()))
		return err
	}
}

// NewAsynqServer returns a server consuming the notification queue.
func NewAsynqServer(opt asynq.RedisConnOpt, concurrency int) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 10
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueName: 1},
	})
}
