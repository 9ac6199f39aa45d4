package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/previewlabs/previewd/pkg/preview"
)

func sampleTask(id string) preview.Task {
	return preview.Task{
		PreviewID:           id,
		ThirdPartyRequestID: "req-" + id,
		PreviewBody: preview.Body{
			UserID: "user-1",
			Preview: preview.Request{
				MatterID:  "matter-1",
				RequestID: "req-" + id,
			},
		},
	}
}

func TestLocalQueueDrivesHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := make(chan preview.Task, 4)
	q := NewLocal(ctx, HandlerFunc(func(ctx context.Context, task preview.Task) error {
		handled <- task
		return nil
	}), 16, nil)

	require.NoError(t, q.Enqueue(ctx, sampleTask("p1")))
	require.NoError(t, q.Enqueue(ctx, sampleTask("p2")))

	for _, want := range []string{"p1", "p2"} {
		select {
		case task := <-handled:
			assert.Equal(t, want, task.PreviewID)
		case <-time.After(2 * time.Second):
			t.Fatalf("task %s was not handled", want)
		}
	}

	assert.Eventually(t, func() bool {
		depth, err := q.Depth(ctx)
		return err == nil && depth == 0
	}, time.Second, 10*time.Millisecond)
}

func TestLocalQueueDepthTracksBacklog(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	q := NewLocal(ctx, HandlerFunc(func(ctx context.Context, task preview.Task) error {
		<-release
		return nil
	}), 16, nil)

	require.NoError(t, q.Enqueue(ctx, sampleTask("p1")))
	require.NoError(t, q.Enqueue(ctx, sampleTask("p2")))
	require.NoError(t, q.Enqueue(ctx, sampleTask("p3")))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)

	close(release)
	assert.Eventually(t, func() bool {
		depth, err := q.Depth(ctx)
		return err == nil && depth == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDirectQueueSpawnsHandler(t *testing.T) {
	var handled atomic.Int32
	q := NewDirect(HandlerFunc(func(ctx context.Context, task preview.Task) error {
		handled.Add(1)
		return nil
	}), nil)

	require.NoError(t, q.Enqueue(context.Background(), sampleTask("p1")))

	assert.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, 10*time.Millisecond)

	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}
