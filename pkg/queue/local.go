package queue

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/previewlabs/previewd/pkg/metrics"
	"github.com/previewlabs/previewd/pkg/preview"
)

// LocalQueue is the in-memory bounded queue: one consumer goroutine drives
// the handler, depth is tracked for metrics and the dynamic worker
// manager.
type LocalQueue struct {
	ch      chan preview.Task
	pending atomic.Int64
	logger  *zap.Logger
}

// NewLocal builds and starts a local queue with the given channel
// capacity. The consumer goroutine exits when ctx is cancelled.
func NewLocal(ctx context.Context, handler Handler, capacity int, logger *zap.Logger) *LocalQueue {
	if capacity < 16 {
		capacity = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &LocalQueue{
		ch:     make(chan preview.Task, capacity),
		logger: logger,
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case task := <-q.ch:
				err := handler.HandlePreviewTask(ctx, task)
				depth := q.pending.Add(-1)
				metrics.RecordQueueDepth(Name, float64(depth))
				metrics.RecordQueueDequeue(Name, err == nil)
				if err != nil {
					q.logger.Error("local preview task failed",
						zap.String("preview_id", task.PreviewID),
						zap.Error(err))
				}
			}
		}
	}()

	metrics.RecordQueueDepth(Name, 0)
	return q
}

// Enqueue blocks when the channel is full, exerting backpressure on the
// producer.
func (q *LocalQueue) Enqueue(ctx context.Context, task preview.Task) error {
	depth := q.pending.Add(1)
	metrics.RecordQueueDepth(Name, float64(depth))
	metrics.RecordQueueEnqueue(Name)

	select {
	case q.ch <- task:
		return nil
	case <-ctx.Done():
		depth = q.pending.Add(-1)
		metrics.RecordQueueDepth(Name, float64(depth))
		return fmt.Errorf("enqueue preview task: %w", ctx.Err())
	}
}

func (q *LocalQueue) Depth(ctx context.Context) (int64, error) {
	_ = ctx
	return q.pending.Load(), nil
}
