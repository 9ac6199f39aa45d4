// Package dynamicworker supervises the master's embedded worker: under
// sustained queue pressure with spare master capacity it starts consuming
// the task queue in-process, and backs off again once the backlog drains
// or the master runs hot.
package dynamicworker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/previewlabs/previewd/pkg/metrics"
	"github.com/previewlabs/previewd/pkg/preview"
	"github.com/previewlabs/previewd/pkg/queue"
	sharederrors "github.com/previewlabs/previewd/pkg/shared/errors"
	"github.com/previewlabs/previewd/pkg/sysinfo"
)

const slotAcquireTimeout = 600 * time.Second

// Config tunes the supervisor's thresholds and debouncing.
type Config struct {
	Enabled                bool          `yaml:"enabled"`
	EnableThreshold        int64         `yaml:"enable_threshold"`
	DisableThreshold       int64         `yaml:"disable_threshold"`
	CheckInterval          time.Duration `yaml:"check_interval"`
	SustainedDuration      time.Duration `yaml:"sustained_duration"`
	MaxConcurrentTasks     int           `yaml:"max_concurrent_tasks"`
	CPUThresholdPercent    float64       `yaml:"cpu_threshold_percent"`
	MemoryThresholdPercent float64       `yaml:"memory_threshold_percent"`
	Cooldown               time.Duration `yaml:"cooldown"`
}

// DefaultConfig keeps roughly 30% of master capacity for the control
// plane.
func DefaultConfig() Config {
	return Config{
		Enabled:                false,
		EnableThreshold:        15,
		DisableThreshold:       5,
		CheckInterval:          10 * time.Second,
		SustainedDuration:      30 * time.Second,
		MaxConcurrentTasks:     6,
		CPUThresholdPercent:    70,
		MemoryThresholdPercent: 70,
		Cooldown:               60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.EnableThreshold <= 0 {
		c.EnableThreshold = def.EnableThreshold
	}
	if c.DisableThreshold <= 0 {
		c.DisableThreshold = def.DisableThreshold
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = def.CheckInterval
	}
	if c.SustainedDuration < c.CheckInterval {
		c.SustainedDuration = c.CheckInterval
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if c.CPUThresholdPercent <= 0 {
		c.CPUThresholdPercent = def.CPUThresholdPercent
	}
	if c.MemoryThresholdPercent <= 0 {
		c.MemoryThresholdPercent = def.MemoryThresholdPercent
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
}

// depthHistory is the debounce window: transitions only fire when at least
// half the samples in the window agree.
type depthHistory struct {
	records []depthSample
	max     int
}

type depthSample struct {
	at    time.Time
	depth int64
}

func newDepthHistory(max int) *depthHistory {
	return &depthHistory{max: max}
}

func (h *depthHistory) push(depth int64, now time.Time) {
	h.records = append(h.records, depthSample{at: now, depth: depth})
	for len(h.records) > h.max {
		h.records = h.records[1:]
	}
}

func (h *depthHistory) sustainedAbove(threshold int64, window time.Duration, now time.Time) bool {
	return h.sustained(window, now, func(depth int64) bool { return depth >= threshold })
}

func (h *depthHistory) sustainedBelow(threshold int64, window time.Duration, now time.Time) bool {
	return h.sustained(window, now, func(depth int64) bool { return depth < threshold })
}

func (h *depthHistory) sustained(window time.Duration, now time.Time, match func(int64) bool) bool {
	cutoff := now.Add(-window)
	total, matched := 0, 0
	for _, rec := range h.records {
		if rec.at.Before(cutoff) {
			continue
		}
		total++
		if match(rec.depth) {
			matched++
		}
	}
	return total > 0 && matched*2 >= total
}

// boundedHandler caps the embedded worker's in-flight tasks. Slot
// acquisition is bounded; exceeding the bound fails the task with a
// capacity timeout.
type boundedHandler struct {
	inner queue.Handler
	slots *semaphore.Weighted
}

func newBoundedHandler(inner queue.Handler, maxConcurrent int) *boundedHandler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &boundedHandler{
		inner: inner,
		slots: semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func (h *boundedHandler) HandlePreviewTask(ctx context.Context, task preview.Task) error {
	acquireCtx, cancel := context.WithTimeout(ctx, slotAcquireTimeout)
	defer cancel()

	if err := h.slots.Acquire(acquireCtx, 1); err != nil {
		if acquireCtx.Err() != nil && ctx.Err() == nil {
			return sharederrors.CapacityTimeout("embedded worker slot acquisition")
		}
		return err
	}
	defer h.slots.Release(1)

	return h.inner.HandlePreviewTask(ctx, task)
}

// ConsumerFactory builds a fresh queue consumer for each embedded worker
// start.
type ConsumerFactory func() (queue.Consumer, error)

// Status is the monitoring snapshot.
type Status struct {
	Enabled                  bool    `json:"enabled"`
	Running                  bool    `json:"is_running"`
	QueueDepth               int64   `json:"queue_depth"`
	CPUPercent               float64 `json:"cpu_percent"`
	MemoryPercent            float64 `json:"memory_percent"`
	UptimeSeconds            *int64  `json:"uptime_seconds,omitempty"`
	CooldownRemainingSeconds *int64  `json:"cooldown_remaining_seconds,omitempty"`
	Config                   Config  `json:"config"`
}

// Manager is the Off/On state machine around the embedded worker.
type Manager struct {
	cfg     Config
	depth   func(ctx context.Context) (int64, error)
	probe   sysinfo.Prober
	handler queue.Handler
	factory ConsumerFactory
	logger  *zap.Logger
	now     func() time.Time

	mu           sync.Mutex
	history      *depthHistory
	running      bool
	startedAt    time.Time
	stopWorker   context.CancelFunc
	lastStopTime time.Time
}

// NewManager wires a dynamic worker supervisor.
func NewManager(cfg Config, depth func(ctx context.Context) (int64, error), probe sysinfo.Prober,
	handler queue.Handler, factory ConsumerFactory, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if probe == nil {
		probe = sysinfo.Collect
	}
	historySize := int((cfg.SustainedDuration+cfg.CheckInterval-1)/cfg.CheckInterval) + 5
	if historySize < 1 {
		historySize = 1
	}
	return &Manager{
		cfg:     cfg,
		depth:   depth,
		probe:   probe,
		handler: handler,
		factory: factory,
		logger:  logger,
		now:     time.Now,
		history: newDepthHistory(historySize),
	}
}

// Run monitors queue pressure until ctx is cancelled. Returns immediately
// when the feature is disabled.
func (m *Manager) Run(ctx context.Context) {
	if !m.cfg.Enabled {
		m.logger.Info("dynamic worker disabled")
		return
	}

	m.logger.Info("dynamic worker monitoring started",
		zap.Int64("enable_threshold", m.cfg.EnableThreshold),
		zap.Int64("disable_threshold", m.cfg.DisableThreshold),
		zap.Duration("check_interval", m.cfg.CheckInterval),
		zap.Int("max_concurrent_tasks", m.cfg.MaxConcurrentTasks))

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopEmbedded()
			return
		case <-ticker.C:
			if err := m.checkAndAdjust(ctx); err != nil {
				m.logger.Error("dynamic worker check failed", zap.Error(err))
			}
		}
	}
}

// CheckOnce runs one supervision round; exposed for tests.
func (m *Manager) CheckOnce(ctx context.Context) error {
	return m.checkAndAdjust(ctx)
}

func (m *Manager) checkAndAdjust(ctx context.Context) error {
	depth, err := m.depth(ctx)
	if err != nil {
		return err
	}

	now := m.now()
	m.mu.Lock()
	m.history.push(depth, now)
	running := m.running
	m.mu.Unlock()

	snap, err := m.probe()
	if err != nil {
		return err
	}

	if running {
		if m.shouldStop(depth, snap, now) {
			m.logger.Info("stopping embedded worker",
				zap.Int64("queue_depth", depth),
				zap.Float64("cpu_percent", snap.CPUPercent),
				zap.Float64("memory_percent", snap.MemoryPercent))
			m.stopEmbedded()
		}
		return nil
	}

	if m.shouldStart(snap, now) {
		m.logger.Info("starting embedded worker",
			zap.Int64("queue_depth", depth),
			zap.Float64("cpu_percent", snap.CPUPercent),
			zap.Float64("memory_percent", snap.MemoryPercent))
		return m.startEmbedded(ctx)
	}
	return nil
}

func (m *Manager) shouldStart(snap sysinfo.Snapshot, now time.Time) bool {
	m.mu.Lock()
	pressure := m.history.sustainedAbove(m.cfg.EnableThreshold, m.cfg.SustainedDuration, now)
	lastStop := m.lastStopTime
	m.mu.Unlock()

	if !pressure {
		return false
	}
	if snap.CPUPercent >= m.cfg.CPUThresholdPercent {
		m.logger.Warn("master cpu too high for embedded worker",
			zap.Float64("cpu_percent", snap.CPUPercent))
		return false
	}
	if snap.MemoryPercent >= m.cfg.MemoryThresholdPercent {
		m.logger.Warn("master memory too high for embedded worker",
			zap.Float64("memory_percent", snap.MemoryPercent))
		return false
	}
	if !lastStop.IsZero() {
		if elapsed := now.Sub(lastStop); elapsed < m.cfg.Cooldown {
			m.logger.Warn("embedded worker in cooldown",
				zap.Duration("remaining", m.cfg.Cooldown-elapsed))
			return false
		}
	}
	return true
}

func (m *Manager) shouldStop(depth int64, snap sysinfo.Snapshot, now time.Time) bool {
	m.mu.Lock()
	drained := m.history.sustainedBelow(m.cfg.DisableThreshold, m.cfg.SustainedDuration, now)
	m.mu.Unlock()

	switch {
	case drained:
		m.logger.Info("queue backlog drained", zap.Int64("queue_depth", depth))
		return true
	case snap.CPUPercent > m.cfg.CPUThresholdPercent:
		m.logger.Warn("master cpu breach, stopping embedded worker",
			zap.Float64("cpu_percent", snap.CPUPercent))
		return true
	case snap.MemoryPercent > m.cfg.MemoryThresholdPercent:
		m.logger.Warn("master memory breach, stopping embedded worker",
			zap.Float64("memory_percent", snap.MemoryPercent))
		return true
	}
	return false
}

func (m *Manager) startEmbedded(parent context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	consumer, err := m.factory()
	if err != nil {
		return sharederrors.FailedTo("create embedded worker consumer", err)
	}

	workerCtx, cancel := context.WithCancel(parent)
	bounded := newBoundedHandler(m.handler, m.cfg.MaxConcurrentTasks)

	go func() {
		if err := consumer.Run(workerCtx, bounded); err != nil && workerCtx.Err() == nil {
			m.logger.Error("embedded worker exited with error", zap.Error(err))
		}
	}()

	m.running = true
	m.startedAt = m.now()
	m.stopWorker = cancel
	metrics.RecordDynamicWorkerRunning(true)
	m.logger.Info("embedded worker started")
	return nil
}

func (m *Manager) stopEmbedded() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	uptime := m.now().Sub(m.startedAt)
	m.stopWorker()
	m.stopWorker = nil
	m.running = false
	m.lastStopTime = m.now()
	metrics.RecordDynamicWorkerRunning(false)
	m.logger.Info("embedded worker stopped", zap.Duration("uptime", uptime))
}

// Status snapshots the supervisor for the monitoring API.
func (m *Manager) Status(ctx context.Context) Status {
	depth, _ := m.depth(ctx)
	snap, _ := m.probe()

	m.mu.Lock()
	defer m.mu.Unlock()

	status := Status{
		Enabled:       m.cfg.Enabled,
		Running:       m.running,
		QueueDepth:    depth,
		CPUPercent:    snap.CPUPercent,
		MemoryPercent: snap.MemoryPercent,
		Config:        m.cfg,
	}
	if m.running {
		uptime := int64(m.now().Sub(m.startedAt).Seconds())
		status.UptimeSeconds = &uptime
	}
	if !m.lastStopTime.IsZero() {
		if remaining := m.cfg.Cooldown - m.now().Sub(m.lastStopTime); remaining > 0 {
			secs := int64(remaining.Seconds())
			status.CooldownRemainingSeconds = &secs
		}
	}
	return status
}
