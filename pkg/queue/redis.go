package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/previewlabs/previewd/pkg/metrics"
	"github.com/previewlabs/previewd/pkg/preview"
	sharederrors "github.com/previewlabs/previewd/pkg/shared/errors"
)

// RedisConfig tunes the Redis Streams work queue.
type RedisConfig struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	Stream     string        `yaml:"stream"`
	Group      string        `yaml:"group"`
	Consumer   string        `yaml:"consumer"`
	AckWait    time.Duration `yaml:"ack_wait"`
	MaxDeliver int           `yaml:"max_deliver"`
	MaxBatch   int           `yaml:"max_batch"`
	PullWait   time.Duration `yaml:"pull_wait"`
}

func (c *RedisConfig) applyDefaults() {
	if c.Stream == "" {
		c.Stream = "previewd:tasks"
	}
	if c.Group == "" {
		c.Group = "previewd-workers"
	}
	if c.Consumer == "" {
		c.Consumer = "consumer-1"
	}
	if c.AckWait <= 0 {
		c.AckWait = 5 * time.Minute
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 8
	}
	if c.PullWait <= 0 {
		c.PullWait = 5 * time.Second
	}
}

const payloadField = "task"

// RedisQueue publishes preview tasks onto a durable stream consumed by a
// consumer group with explicit acknowledgment.
type RedisQueue struct {
	cfg     RedisConfig
	client  *redis.Client
	logger  *zap.Logger
	healthy atomic.Bool
}

// NewRedis connects the producer side, creating the stream and group when
// absent. Connection attempts retry with exponential backoff before
// giving up.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisQueue, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  cfg.PullWait + 10*time.Second,
		WriteTimeout: 10 * time.Second,
	})

	const maxRetries = 3
	delay := time.Second
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		metrics.RecordBrokerFailure("connect")
		logger.Warn("task broker connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxRetries),
			zap.Error(err))
		if attempt < maxRetries {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("connect task broker at %s after %d attempts: %w", cfg.Addr, maxRetries, lastErr)
	}

	q := &RedisQueue{cfg: cfg, client: client, logger: logger}
	q.healthy.Store(true)

	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", q.cfg.Group, err)
	}
	return nil
}

// Enqueue publishes the task onto the stream.
func (q *RedisQueue) Enqueue(ctx context.Context, task preview.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return sharederrors.Fatal("serialize preview task", err)
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{payloadField: payload},
	}).Err()
	if err != nil {
		metrics.RecordBrokerFailure("publish")
		return sharederrors.TransientIO("publish preview task", err)
	}
	metrics.RecordQueueEnqueue(Name)
	return nil
}

// Depth reports the number of entries still on the stream. Acked entries
// are deleted, so stream length approximates the backlog.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.client.XLen(ctx, q.cfg.Stream).Result()
	if err != nil {
		return 0, sharederrors.TransientIO("read queue depth", err)
	}
	metrics.RecordQueueDepth(Name, float64(depth))
	return depth, nil
}

// Healthy reports the last health probe outcome.
func (q *RedisQueue) Healthy() bool {
	return q.healthy.Load()
}

// StartHealthMonitor probes the broker every 30 s until ctx is done.
func (q *RedisQueue) StartHealthMonitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := q.client.Ping(probeCtx).Err()
				cancel()
				if err != nil {
					if q.healthy.Swap(false) {
						q.logger.Warn("task broker health check failed", zap.Error(err))
					}
					metrics.RecordBrokerFailure("health")
				} else if !q.healthy.Swap(true) {
					q.logger.Info("task broker connection recovered")
				}
			}
		}
	}()
}

// NewConsumer builds the consumer side for this queue's stream and group.
func (q *RedisQueue) NewConsumer(consumerName string) *RedisConsumer {
	cfg := q.cfg
	if consumerName != "" {
		cfg.Consumer = consumerName
	}
	return &RedisConsumer{cfg: cfg, client: q.client, logger: q.logger}
}

// RedisConsumer pulls tasks for one consumer-group member. Failed tasks
// stay pending and are reclaimed after AckWait, up to MaxDeliver
// deliveries; beyond that they are dead-lettered (acked and logged).
// Unparsable messages are terminated immediately.
type RedisConsumer struct {
	cfg      RedisConfig
	client   *redis.Client
	logger   *zap.Logger
	inflight atomic.Int64
}

// Run consumes until ctx is cancelled. Once the consumer group exists, pull
// errors back off and retry forever; a failure to create the group at start
// is returned.
func (c *RedisConsumer) Run(ctx context.Context, handler Handler) error {
	c.logger.Info("task queue consumer starting",
		zap.String("stream", c.cfg.Stream),
		zap.String("group", c.cfg.Group),
		zap.String("consumer", c.cfg.Consumer),
		zap.Int("max_batch", c.cfg.MaxBatch),
		zap.Duration("ack_wait", c.cfg.AckWait))

	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", c.cfg.Group, err)
	}

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.reclaimStale(ctx, handler)

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{c.cfg.Stream, ">"},
			Count:    int64(c.cfg.MaxBatch),
			Block:    c.cfg.PullWait,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
				backoff = time.Second
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.RecordBrokerFailure("pull")
			c.logger.Warn("task pull failed, backing off",
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff *= 2; backoff > time.Minute {
				backoff = time.Minute
			}
			continue
		}
		backoff = time.Second

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.handleMessage(ctx, handler, msg, 1)
			}
		}
	}
}

// reclaimStale takes over messages whose consumer stopped acking, honoring
// the max delivery budget.
func (c *RedisConsumer) reclaimStale(ctx context.Context, handler Handler) {
	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.AckWait,
		Start:    "0-0",
		Count:    int64(c.cfg.MaxBatch),
	}).Result()
	if err != nil || len(msgs) == 0 {
		return
	}

	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  int64(len(msgs) * 2),
	}).Result()
	deliveries := make(map[string]int64, len(pending))
	if err == nil {
		for _, p := range pending {
			deliveries[p.ID] = p.RetryCount
		}
	}

	for _, msg := range msgs {
		metrics.RecordQueueRetry(Name)
		c.handleMessage(ctx, handler, msg, deliveries[msg.ID])
	}
}

func (c *RedisConsumer) handleMessage(ctx context.Context, handler Handler, msg redis.XMessage, delivered int64) {
	inflight := c.inflight.Add(1)
	metrics.RecordWorkerInflight(c.cfg.Consumer, float64(inflight))
	defer func() {
		metrics.RecordWorkerInflight(c.cfg.Consumer, float64(c.inflight.Add(-1)))
	}()

	raw, _ := msg.Values[payloadField].(string)
	var task preview.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		c.logger.Error("terminating unparsable task message",
			zap.String("message_id", msg.ID),
			zap.Error(err))
		c.ack(ctx, msg.ID)
		metrics.RecordQueueDequeue(Name, false)
		return
	}

	if delivered > int64(c.cfg.MaxDeliver) {
		c.logger.Error("task exceeded max deliveries, dead-lettering",
			zap.String("preview_id", task.PreviewID),
			zap.Int64("delivered", delivered),
			zap.Int("max_deliver", c.cfg.MaxDeliver))
		c.ack(ctx, msg.ID)
		metrics.RecordQueueDequeue(Name, false)
		return
	}

	c.logger.Info("preview task dequeued",
		zap.String("preview_id", task.PreviewID),
		zap.String("consumer", c.cfg.Consumer),
		zap.Int64("delivered", delivered))

	if err := handler.HandlePreviewTask(ctx, task); err != nil {
		// Leave the message pending; it is redelivered after AckWait.
		c.logger.Error("preview task failed, leaving for redelivery",
			zap.String("preview_id", task.PreviewID),
			zap.Error(err))
		metrics.RecordQueueDequeue(Name, false)
		return
	}

	c.ack(ctx, msg.ID)
	metrics.RecordQueueDequeue(Name, true)
}

func (c *RedisConsumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		c.logger.Warn("task ack failed", zap.String("message_id", id), zap.Error(err))
		return
	}
	// Acked entries are deleted so stream length tracks the backlog.
	if err := c.client.XDel(ctx, c.cfg.Stream, id).Err(); err != nil {
		c.logger.Debug("task delete failed", zap.String("message_id", id), zap.Error(err))
	}
}
