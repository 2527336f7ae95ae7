package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/yanyu/chat-core/internal/metrics"
)

const (
	// TaskPush is the asynq task type carrying one Notification.
	TaskPush = "notify:push"

	// Queue is the asynq queue push tasks are enqueued on.
	Queue = "notifications"
)

// QueueDispatcher hands notifications to an asynq worker so the send path
// never waits on the push backend. Tasks are never retried.
type QueueDispatcher struct {
	client *asynq.Client
}

// NewQueueDispatcher creates a dispatcher enqueueing on the Redis at opt.
func NewQueueDispatcher(opt asynq.RedisConnOpt) *QueueDispatcher {
	return &QueueDispatcher{client: asynq.NewClient(opt)}
}

// NewPushTask wraps a notification in an asynq task.
func NewPushTask(n Notification) (*asynq.Task, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("notify: marshal task: %w", err)
	}
	return asynq.NewTask(TaskPush, payload, asynq.MaxRetry(0), asynq.Queue(Queue)), nil
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, n Notification) error {
	task, err := NewPushTask(n)
	if err != nil {
		return err
	}
	if _, err := d.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("%w: enqueue: %v", ErrNotificationFailed, err)
	}
	metrics.NotificationsTotal.WithLabelValues("queued").Inc()
	return nil
}

// Close releases the queue connection.
func (d *QueueDispatcher) Close() error {
	return d.client.Close()
}

// HandlePushTask returns the worker handler that delivers queued
// notifications through d.
func HandlePushTask(d Dispatcher) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var n Notification
		if err := json.Unmarshal(t.Payload(), &n); err != nil {
			return fmt.Errorf("notify: bad payload: %v: %w", err, asynq.SkipRetry)
		}
		if err := d.Dispatch(ctx, n); err != nil {
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			log.Printf("[notify] push %q failed: %v", n.Title, err)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
		return nil
	}
}

// RegisterWorker binds the push task handler to mux.
func RegisterWorker(mux *asynq.ServeMux, d Dispatcher) {
	mux.HandleFunc(TaskPush, HandlePushTask(d))
}
