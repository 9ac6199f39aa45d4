package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/previewlabs/previewd/pkg/heartbeat"
	"github.com/previewlabs/previewd/pkg/ocr"
	"github.com/previewlabs/previewd/pkg/sysinfo"
)

const (
	heartbeatFailureThreshold = 5
	heartbeatMaxBackoff       = 60 * time.Second
)

// HeartbeatLoop posts telemetry to the master every interval. Failures
// back off exponentially up to 60 s and retry forever; after five
// consecutive failures one alert is logged, and recovery is logged once.
type HeartbeatLoop struct {
	client   *Client
	pool     *ocr.Pool
	activity *Activity
	probe    sysinfo.Prober
	interval time.Duration
	depth    func(ctx context.Context) (int64, error)
	logger   *zap.Logger
}

// NewHeartbeatLoop wires a heartbeat loop. depth optionally reports the
// worker's local queue backlog; probe defaults to live host telemetry.
func NewHeartbeatLoop(client *Client, pool *ocr.Pool, activity *Activity,
	interval time.Duration, depth func(ctx context.Context) (int64, error), logger *zap.Logger) *HeartbeatLoop {
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeartbeatLoop{
		client:   client,
		pool:     pool,
		activity: activity,
		probe:    sysinfo.Collect,
		interval: interval,
		depth:    depth,
		logger:   logger,
	}
}

// Run sends heartbeats until ctx is cancelled.
func (l *HeartbeatLoop) Run(ctx context.Context) {
	var (
		consecutiveFailures int
		alertEmitted        bool
		nextDelay           time.Duration
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(nextDelay):
		}

		ack, err := l.client.SendHeartbeat(ctx, l.buildRequest(ctx))
		if err != nil {
			consecutiveFailures++
			nextDelay = l.backoff(consecutiveFailures)
			l.logger.Warn("heartbeat failed, backing off",
				zap.Int("failure_count", consecutiveFailures),
				zap.Duration("backoff", nextDelay),
				zap.Error(err))
			if consecutiveFailures >= heartbeatFailureThreshold && !alertEmitted {
				l.logger.Error("heartbeat failures reached threshold, continuing to retry",
					zap.Int("failure_count", consecutiveFailures))
				alertEmitted = true
			}
			continue
		}

		if consecutiveFailures > 0 {
			l.logger.Info("heartbeat recovered",
				zap.Int("after_failures", consecutiveFailures))
		}
		consecutiveFailures = 0
		alertEmitted = false

		nextDelay = l.interval
		if ack != nil && ack.IntervalSecs > 0 {
			nextDelay = time.Duration(ack.IntervalSecs) * time.Second
		}
	}
}

func (l *HeartbeatLoop) buildRequest(ctx context.Context) heartbeat.Request {
	snap, _ := l.probe()
	poolStats := l.pool.Stats()

	req := heartbeat.Request{
		WorkerID:     l.client.WorkerID(),
		IntervalSecs: int(l.interval.Seconds()),
		Metrics: &heartbeat.Metrics{
			CPUPercent:    snap.CPUPercent,
			MemoryMB:      snap.MemoryUsedMB,
			MemoryPercent: snap.MemoryPercent,
			DiskPercent:   snap.DiskPercent,
			Load1:         snap.Load1,
			Load5:         snap.Load5,
			Load15:        snap.Load15,
			OCRPool:       poolStats,
		},
	}

	tasks, started, finished := l.activity.snapshot()
	req.RunningTasks = tasks
	if !started.IsZero() {
		req.LastJobStartedAt = started.UTC().Format(time.RFC3339)
	}
	if !finished.IsZero() {
		req.LastJobFinishedAt = finished.UTC().Format(time.RFC3339)
	}

	if l.depth != nil {
		if depth, err := l.depth(ctx); err == nil {
			req.QueueDepth = &depth
		}
	}

	return req
}

func (l *HeartbeatLoop) backoff(failures int) time.Duration {
	shift := failures
	if shift > 5 {
		shift = 5
	}
	delay := l.interval * time.Duration(1<<(shift-1))
	if delay > heartbeatMaxBackoff {
		delay = heartbeatMaxBackoff
	}
	if delay < l.interval {
		delay = l.interval
	}
	return delay
}
