// Package heartbeat keeps the master-side view of worker liveness and
// decides, per job start, whether a worker may accept work right now.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/previewlabs/previewd/pkg/metrics"
	"github.com/previewlabs/previewd/pkg/ocr"
	sharederrors "github.com/previewlabs/previewd/pkg/shared/errors"
)

// Admission thresholds.
const (
	CheckInterval          = 10 * time.Second
	TimeoutFactor          = 3
	MinTimeout             = 30 * time.Second
	WorkerCPULimit         = 95.0
	WorkerMemLimit         = 92.0
	RecentActivityWindow   = 5 * time.Minute
	RestartBurstThreshold  = 3
	FailureBurstThreshold  = 10
	RestartCooldownPeriod  = 180 * time.Second
	DefaultIntervalSeconds = 30
	SuccessLogInterval     = 5 * time.Minute
)

// Metrics is the telemetry snapshot a worker ships with each heartbeat.
type Metrics struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryMB      uint64    `json:"memory_mb"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	Load1         float64   `json:"load_1min"`
	Load5         float64   `json:"load_5min"`
	Load15        float64   `json:"load_15min"`
	OCRPool       ocr.Stats `json:"ocr_pool"`
}

// Request is one inbound heartbeat.
type Request struct {
	WorkerID          string   `json:"worker_id"`
	QueueDepth        *int64   `json:"queue_depth,omitempty"`
	RunningTasks      []string `json:"running_tasks"`
	Metrics           *Metrics `json:"metrics,omitempty"`
	IntervalSecs      int      `json:"interval_secs,omitempty"`
	LastJobStartedAt  string   `json:"last_job_started_at,omitempty"`
	LastJobFinishedAt string   `json:"last_job_finished_at,omitempty"`
}

// state is the per-worker registry entry. One writer (the heartbeat
// handler), many readers (admission, watchdog, monitoring).
type state struct {
	lastSeen             time.Time
	queueDepth           *int64
	runningTasks         []string
	metrics              *Metrics
	intervalSecs         int
	wasTimedOut          bool
	restartCooldownUntil time.Time
	lastAssignment       time.Time
}

// Snapshot is the monitoring view of one worker.
type Snapshot struct {
	WorkerID             string     `json:"worker_id"`
	LastSeen             time.Time  `json:"last_seen"`
	SecondsSince         int64      `json:"seconds_since"`
	IntervalSecs         int        `json:"interval_secs"`
	QueueDepth           *int64     `json:"queue_depth,omitempty"`
	RunningTasks         []string   `json:"running_tasks"`
	Metrics              *Metrics   `json:"metrics,omitempty"`
	TimedOut             bool       `json:"timed_out"`
	RestartCooldownUntil *time.Time `json:"restart_cooldown_until,omitempty"`
}

// ClusterSummary counts workers by health bucket.
type ClusterSummary struct {
	OK      int `json:"ok"`
	Timeout int `json:"timeout"`
	Missing int `json:"missing"`
}

// logSummary rolls successful heartbeats into one log line per emit
// window, so a stable fleet does not flood the master's log at heartbeat
// rate.
type logSummary struct {
	windowStart      time.Time
	lastEmit         time.Time
	successCount     uint64
	lastIntervalSecs int
	lastQueueDepth   *int64
	lastRunningTasks int
}

// Registry tracks worker heartbeat state and runs the watchdog.
type Registry struct {
	logger          *zap.Logger
	expectedWorkers []string
	now             func() time.Time

	mu        sync.RWMutex
	workers   map[string]*state
	missing   map[string]bool
	summaries map[string]*logSummary
}

// NewRegistry builds a registry. expectedWorkers are the configured,
// enabled worker ids the watchdog warns about until first seen.
func NewRegistry(expectedWorkers []string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:          logger,
		expectedWorkers: expectedWorkers,
		now:             time.Now,
		workers:         make(map[string]*state),
		missing:         make(map[string]bool),
		summaries:       make(map[string]*logSummary),
	}
}

// Record ingests a heartbeat and returns the interval the worker should
// use. It also runs restart-burst detection against the previous
// heartbeat's OCR counters.
func (r *Registry) Record(req Request) int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.workers[req.WorkerID]
	prevTimedOut := prev != nil && prev.wasTimedOut

	interval := req.IntervalSecs
	if interval <= 0 {
		if prev != nil {
			interval = prev.intervalSecs
		} else {
			interval = DefaultIntervalSeconds
		}
	}

	st := &state{
		lastSeen:     now,
		queueDepth:   req.QueueDepth,
		runningTasks: req.RunningTasks,
		metrics:      req.Metrics,
		intervalSecs: interval,
	}
	if prev != nil {
		st.restartCooldownUntil = prev.restartCooldownUntil
		st.lastAssignment = prev.lastAssignment

		if prev.wasTimedOut {
			r.logger.Info("worker heartbeat recovered", zap.String("worker_id", req.WorkerID))
		}

		if prev.metrics != nil && req.Metrics != nil {
			if trigger, delta := detectRestartBurst(&prev.metrics.OCRPool, &req.Metrics.OCRPool); trigger != "" {
				deadline := now.Add(RestartCooldownPeriod)
				if deadline.After(st.restartCooldownUntil) {
					st.restartCooldownUntil = deadline
				}
				r.logger.Warn("worker ocr burst detected, entering cooldown",
					zap.String("worker_id", req.WorkerID),
					zap.String("trigger", trigger),
					zap.Int64("delta", delta),
					zap.Duration("cooldown", RestartCooldownPeriod))
			}
		}
	}
	r.workers[req.WorkerID] = st

	if req.QueueDepth != nil {
		metrics.RecordQueueDepth("worker:"+req.WorkerID, float64(*req.QueueDepth))
	}
	metrics.RecordHeartbeat(req.WorkerID, true)

	r.recordSuccessLogLocked(req.WorkerID, interval, req.QueueDepth, len(req.RunningTasks), prevTimedOut, now)

	return interval
}

// recordSuccessLogLocked folds one successful heartbeat into the worker's
// rolling summary and emits a single "heartbeat stable" line per emit
// window. A recovery from timeout restarts the window. Callers hold r.mu.
func (r *Registry) recordSuccessLogLocked(workerID string, intervalSecs int, queueDepth *int64, runningTasks int, wasTimedOut bool, now time.Time) {
	entry, ok := r.summaries[workerID]
	if !ok {
		entry = &logSummary{windowStart: now, lastEmit: now}
		r.summaries[workerID] = entry
	}

	if wasTimedOut {
		entry.windowStart = now
		entry.lastEmit = now
		entry.successCount = 0
	}

	entry.successCount++
	entry.lastIntervalSecs = intervalSecs
	entry.lastQueueDepth = queueDepth
	entry.lastRunningTasks = runningTasks

	if now.Sub(entry.lastEmit) < SuccessLogInterval {
		return
	}

	windowSecs := int64(now.Sub(entry.windowStart).Seconds())
	if windowSecs < 1 {
		windowSecs = 1
	}

	fields := []zap.Field{
		zap.String("worker_id", workerID),
		zap.Int64("window_secs", windowSecs),
		zap.Uint64("success_count", entry.successCount),
		zap.Int("interval_secs", entry.lastIntervalSecs),
		zap.Int("running_tasks", entry.lastRunningTasks),
	}
	if entry.lastQueueDepth != nil {
		fields = append(fields, zap.Int64("queue_depth", *entry.lastQueueDepth))
	}
	r.logger.Info("worker heartbeat stable", fields...)

	entry.windowStart = now
	entry.lastEmit = now
	entry.successCount = 0
}

func detectRestartBurst(prev, curr *ocr.Stats) (string, int64) {
	if delta := curr.TotalRestarted - prev.TotalRestarted; delta >= RestartBurstThreshold {
		return "restart", delta
	}
	if delta := curr.TotalFailures - prev.TotalFailures; delta >= FailureBurstThreshold {
		return "failure", delta
	}
	return "", 0
}

// RecordAssignment notes that the master just handed work to a worker;
// recent assignments keep a briefly-stale worker eligible.
func (r *Registry) RecordAssignment(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.workers[workerID]; ok {
		st.lastAssignment = r.now()
	}
}

// Admit evaluates the admission gate for a worker. A denial carries the
// reason and maps to HTTP 503 at the transport.
func (r *Registry) Admit(workerID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.workers[workerID]
	if !ok {
		return sharederrors.AdmissionDenied("worker has not reported a heartbeat yet")
	}

	now := r.now()
	elapsed := now.Sub(st.lastSeen)
	staleBudget := time.Duration(maxInt(st.intervalSecs, 5)) * time.Second * TimeoutFactor
	recentlyActive := !st.lastAssignment.IsZero() && now.Sub(st.lastAssignment) <= RecentActivityWindow

	if elapsed > staleBudget && !recentlyActive {
		return sharederrors.AdmissionDenied(fmt.Sprintf(
			"worker heartbeat is stale (%.0fs > %.0fs)", elapsed.Seconds(), staleBudget.Seconds()))
	}

	if st.restartCooldownUntil.After(now) {
		return sharederrors.AdmissionDenied("worker ocr engine is in restart cooldown")
	}

	if m := st.metrics; m != nil {
		if m.OCRPool.CircuitOpen {
			return sharederrors.AdmissionDenied("worker ocr pool circuit is open")
		}
		if m.OCRPool.Capacity > 0 && m.OCRPool.Available == 0 {
			return sharederrors.AdmissionDenied("worker ocr pool has no free slots")
		}
		if m.CPUPercent > WorkerCPULimit {
			return sharederrors.AdmissionDenied(fmt.Sprintf("worker cpu overloaded (%.1f%%)", m.CPUPercent))
		}
		if m.MemoryPercent > WorkerMemLimit {
			return sharederrors.AdmissionDenied(fmt.Sprintf("worker memory overloaded (%.1f%%)", m.MemoryPercent))
		}
	}

	return nil
}

// RunWatchdog marks workers timed out when their heartbeat exceeds
// max(interval×3, 30s), logs recovery, and warns once about configured
// workers never seen. Runs until ctx is cancelled.
func (r *Registry) RunWatchdog(ctx context.Context) {
	ticker := time.NewTicker(CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkOnce()
		}
	}
}

func (r *Registry) checkOnce() {
	now := r.now()

	r.mu.Lock()
	active := make(map[string]bool, len(r.workers))
	for workerID, st := range r.workers {
		active[workerID] = true

		interval := time.Duration(maxInt(st.intervalSecs, 5)) * time.Second
		timeout := interval * TimeoutFactor
		if timeout < MinTimeout {
			timeout = MinTimeout
		}
		elapsed := now.Sub(st.lastSeen)

		if elapsed > timeout {
			if !st.wasTimedOut {
				st.wasTimedOut = true
				r.logger.Warn("worker heartbeat timed out",
					zap.String("worker_id", workerID),
					zap.Time("last_seen", st.lastSeen),
					zap.Duration("elapsed", elapsed),
					zap.Duration("timeout", timeout))
				metrics.RecordHeartbeatTimeout(workerID)
			}
		} else if st.wasTimedOut {
			st.wasTimedOut = false
			r.logger.Info("worker heartbeat recovered",
				zap.String("worker_id", workerID),
				zap.Duration("elapsed", elapsed))
		}
	}
	r.mu.Unlock()

	r.mu.Lock()
	for _, workerID := range r.expectedWorkers {
		if active[workerID] {
			delete(r.missing, workerID)
		} else if !r.missing[workerID] {
			r.logger.Warn("expected worker has not reported a heartbeat",
				zap.String("worker_id", workerID))
			r.missing[workerID] = true
		}
	}
	r.mu.Unlock()
}

// Snapshots returns the monitoring view of every known worker.
func (r *Registry) Snapshots() []Snapshot {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(r.workers))
	for workerID, st := range r.workers {
		snap := Snapshot{
			WorkerID:     workerID,
			LastSeen:     st.lastSeen,
			SecondsSince: int64(now.Sub(st.lastSeen).Seconds()),
			IntervalSecs: st.intervalSecs,
			QueueDepth:   st.queueDepth,
			RunningTasks: st.runningTasks,
			Metrics:      st.metrics,
			TimedOut:     st.wasTimedOut,
		}
		if !st.restartCooldownUntil.IsZero() {
			until := st.restartCooldownUntil
			snap.RestartCooldownUntil = &until
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots
}

// Summary buckets the fleet into ok/timeout/missing.
func (r *Registry) Summary() ClusterSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var summary ClusterSummary
	for _, st := range r.workers {
		if st.wasTimedOut {
			summary.Timeout++
		} else {
			summary.OK++
		}
	}
	for _, workerID := range r.expectedWorkers {
		if _, ok := r.workers[workerID]; !ok {
			summary.Missing++
		}
	}
	return summary
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
