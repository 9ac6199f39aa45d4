// Package queue carries preview tasks from the master to the workers. It
// is polymorphic over three drivers: an in-process channel queue, a Redis
// Streams work queue with explicit acknowledgment, and a fire-and-forget
// direct dispatcher for single-node deployments. Delivery is
// at-least-once; handlers must be idempotent.
package queue

import (
	"context"

	"go.uber.org/zap"

	"github.com/previewlabs/previewd/pkg/metrics"
	"github.com/previewlabs/previewd/pkg/preview"
)

// Name labels the preview work queue in metrics and broker keys.
const Name = "preview"

// Handler processes one preview task.
type Handler interface {
	HandlePreviewTask(ctx context.Context, task preview.Task) error
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc func(ctx context.Context, task preview.Task) error

func (f HandlerFunc) HandlePreviewTask(ctx context.Context, task preview.Task) error {
	return f(ctx, task)
}

// TaskQueue is the producer capability.
type TaskQueue interface {
	Enqueue(ctx context.Context, task preview.Task) error
	Depth(ctx context.Context) (int64, error)
}

// Consumer drives a handler against the queue until ctx is cancelled.
type Consumer interface {
	Run(ctx context.Context, handler Handler) error
}

// DirectQueue executes the handler in a fresh goroutine per enqueue.
// Single-node only: no persistence, no redelivery.
type DirectQueue struct {
	handler Handler
	logger  *zap.Logger
}

// NewDirect builds a direct dispatcher.
func NewDirect(handler Handler, logger *zap.Logger) *DirectQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectQueue{handler: handler, logger: logger}
}

func (q *DirectQueue) Enqueue(ctx context.Context, task preview.Task) error {
	_ = ctx
	metrics.RecordQueueEnqueue(Name)
	go func() {
		if err := q.handler.HandlePreviewTask(context.Background(), task); err != nil {
			q.logger.Error("direct preview task failed",
				zap.String("preview_id", task.PreviewID),
				zap.Error(err))
			metrics.RecordQueueDequeue(Name, false)
			return
		}
		metrics.RecordQueueDequeue(Name, true)
	}()
	return nil
}

func (q *DirectQueue) Depth(ctx context.Context) (int64, error) {
	_ = ctx
	return 0, nil
}
