// Package pipeline provides the multi-stage concurrency controller and the
// task resource predictor that together govern the per-material processing
// pipeline (download → pdf-convert → ocr → storage).
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/previewlabs/previewd/pkg/metrics"
	"github.com/previewlabs/previewd/pkg/sysinfo"
)

// Stage names used in status reports and metrics labels.
const (
	StageDownload   = "download"
	StagePDFConvert = "pdf_convert"
	StageOCRProcess = "ocr_process"
	StageStorage    = "storage"
)

// Config bounds each stage. Zero values fall back to the defaults.
type Config struct {
	DownloadMaxConcurrent   int     `yaml:"download_max_concurrent"`
	PDFConvertMaxConcurrent int     `yaml:"pdf_convert_max_concurrent"`
	PDFConvertMinConcurrent int     `yaml:"pdf_convert_min_concurrent"`
	PDFMinFreeMemMB         uint64  `yaml:"pdf_min_free_mem_mb"`
	PDFMaxLoadOne           float64 `yaml:"pdf_max_load_one"`
	OCRProcessMaxConcurrent int     `yaml:"ocr_process_max_concurrent"`
	StorageMaxConcurrent    int     `yaml:"storage_max_concurrent"`
	MemoryHighWatermarkPct  float64 `yaml:"memory_high_watermark_pct"`
	MemoryLowWatermarkPct   float64 `yaml:"memory_low_watermark_pct"`
	ResourceMonitoring      bool    `yaml:"resource_monitoring_enabled"`
}

// DefaultConfig mirrors the nominal stage capacities: download is
// network-bound, pdf conversion is CPU and memory heavy, ocr aligns with
// the engine pool, storage is network IO.
func DefaultConfig() Config {
	return Config{
		DownloadMaxConcurrent:   12,
		PDFConvertMaxConcurrent: 4,
		PDFConvertMinConcurrent: 1,
		PDFMinFreeMemMB:         2048,
		PDFMaxLoadOne:           1.5,
		OCRProcessMaxConcurrent: 6,
		StorageMaxConcurrent:    10,
		MemoryHighWatermarkPct:  90,
		MemoryLowWatermarkPct:   60,
		ResourceMonitoring:      true,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.DownloadMaxConcurrent <= 0 {
		c.DownloadMaxConcurrent = def.DownloadMaxConcurrent
	}
	if c.PDFConvertMaxConcurrent <= 0 {
		c.PDFConvertMaxConcurrent = def.PDFConvertMaxConcurrent
	}
	if c.PDFConvertMinConcurrent <= 0 {
		c.PDFConvertMinConcurrent = 1
	}
	if c.PDFConvertMinConcurrent > c.PDFConvertMaxConcurrent {
		c.PDFConvertMinConcurrent = c.PDFConvertMaxConcurrent
	}
	if c.PDFMinFreeMemMB == 0 {
		c.PDFMinFreeMemMB = def.PDFMinFreeMemMB
	}
	if c.PDFMaxLoadOne == 0 {
		c.PDFMaxLoadOne = def.PDFMaxLoadOne
	}
	if c.OCRProcessMaxConcurrent <= 0 {
		c.OCRProcessMaxConcurrent = def.OCRProcessMaxConcurrent
	}
	if c.StorageMaxConcurrent <= 0 {
		c.StorageMaxConcurrent = def.StorageMaxConcurrent
	}
	if c.MemoryHighWatermarkPct == 0 {
		c.MemoryHighWatermarkPct = def.MemoryHighWatermarkPct
	}
	if c.MemoryLowWatermarkPct == 0 {
		c.MemoryLowWatermarkPct = def.MemoryLowWatermarkPct
	}
}

// stageGate is a counting semaphore with visibility into in-flight permits.
type stageGate struct {
	name     string
	capacity int64
	sem      *semaphore.Weighted
	inUse    atomic.Int64
}

func newStageGate(name string, capacity int) *stageGate {
	return &stageGate{
		name:     name,
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
	}
}

func (g *stageGate) acquire(ctx context.Context, n int64) error {
	if err := g.sem.Acquire(ctx, n); err != nil {
		return err
	}
	g.inUse.Add(n)
	return nil
}

func (g *stageGate) tryAcquire(n int64) bool {
	if !g.sem.TryAcquire(n) {
		return false
	}
	g.inUse.Add(n)
	return true
}

func (g *stageGate) release(n int64) {
	g.inUse.Add(-n)
	g.sem.Release(n)
}

func (g *stageGate) available() int {
	avail := g.capacity - g.inUse.Load()
	if avail < 0 {
		avail = 0
	}
	return int(avail)
}

// Permit releases a stage slot when done. Release is idempotent.
type Permit struct {
	once sync.Once
	gate *stageGate
	n    int64
}

// Release returns the permit's slots to the stage.
func (p *Permit) Release() {
	p.once.Do(func() { p.gate.release(p.n) })
}

// ErrWouldBlock is returned by TryAcquireDownloadPermit when the stage is
// saturated.
var ErrWouldBlock = fmt.Errorf("stage at capacity")

// StageController holds the four independent stage gates and the adaptive
// throttling state. Throttling parks permits instead of resizing the
// gates, so effective capacity shrinks and grows without disturbing
// holders.
type StageController struct {
	cfg    Config
	logger *zap.Logger
	probe  sysinfo.Prober

	download   *stageGate
	pdfConvert *stageGate
	ocrProcess *stageGate
	storage    *stageGate

	mu          sync.Mutex
	pdfParked   int
	ocrParked   int
	memoryParks int
}

// NewStageController builds a controller. probe supplies host telemetry for
// the PDF dynamic bounds; nil disables resource-driven adjustment.
func NewStageController(cfg Config, probe sysinfo.Prober, logger *zap.Logger) *StageController {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	logger.Info("multi-stage controller initialized",
		zap.Int("download_concurrency", cfg.DownloadMaxConcurrent),
		zap.Int("pdf_concurrency", cfg.PDFConvertMaxConcurrent),
		zap.Int("ocr_concurrency", cfg.OCRProcessMaxConcurrent),
		zap.Int("storage_concurrency", cfg.StorageMaxConcurrent))

	return &StageController{
		cfg:        cfg,
		logger:     logger,
		probe:      probe,
		download:   newStageGate(StageDownload, cfg.DownloadMaxConcurrent),
		pdfConvert: newStageGate(StagePDFConvert, cfg.PDFConvertMaxConcurrent),
		ocrProcess: newStageGate(StageOCRProcess, cfg.OCRProcessMaxConcurrent),
		storage:    newStageGate(StageStorage, cfg.StorageMaxConcurrent),
	}
}

// AcquireDownloadPermit blocks until a download slot frees or ctx is done.
func (c *StageController) AcquireDownloadPermit(ctx context.Context) (*Permit, error) {
	if err := c.download.acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &Permit{gate: c.download, n: 1}, nil
}

// TryAcquireDownloadPermit returns ErrWouldBlock when the download stage is
// saturated.
func (c *StageController) TryAcquireDownloadPermit() (*Permit, error) {
	if !c.download.tryAcquire(1) {
		return nil, ErrWouldBlock
	}
	return &Permit{gate: c.download, n: 1}, nil
}

// AcquirePDFConvertPermit first adjusts the PDF stage to current host
// resources, then blocks for a slot.
func (c *StageController) AcquirePDFConvertPermit(ctx context.Context) (*Permit, error) {
	c.AdjustPDFConcurrency(ctx)
	if err := c.pdfConvert.acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &Permit{gate: c.pdfConvert, n: 1}, nil
}

// AcquireOCRPermit blocks for one OCR slot.
func (c *StageController) AcquireOCRPermit(ctx context.Context) (*Permit, error) {
	if err := c.ocrProcess.acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &Permit{gate: c.ocrProcess, n: 1}, nil
}

// AcquireOCRWeighted holds units OCR slots at once for large jobs. Units
// are clamped to [1, capacity].
func (c *StageController) AcquireOCRWeighted(ctx context.Context, units int) (*Permit, error) {
	n := int64(units)
	if n < 1 {
		n = 1
	}
	if n > c.ocrProcess.capacity {
		n = c.ocrProcess.capacity
	}
	if err := c.ocrProcess.acquire(ctx, n); err != nil {
		return nil, err
	}
	return &Permit{gate: c.ocrProcess, n: n}, nil
}

// AcquireStoragePermit blocks for one storage slot.
func (c *StageController) AcquireStoragePermit(ctx context.Context) (*Permit, error) {
	if err := c.storage.acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &Permit{gate: c.storage, n: 1}, nil
}

// AdaptiveTuneOnce shrinks or grows the effective OCR and PDF capacity in
// response to memory pressure: above the high watermark one extra permit is
// parked on each, below the low watermark one parked permit is released.
func (c *StageController) AdaptiveTuneOnce(memoryUsagePct float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case memoryUsagePct > c.cfg.MemoryHighWatermarkPct:
		// Effective capacity never drops below one slot per stage.
		if int(c.ocrProcess.capacity)-c.ocrParked > 1 && c.ocrProcess.tryAcquire(1) {
			c.ocrParked++
			c.memoryParks++
			c.logger.Warn("adaptive downscale ocr",
				zap.Float64("memory_usage_pct", memoryUsagePct),
				zap.Int("available", c.ocrProcess.available()))
		}
		if int(c.pdfConvert.capacity)-c.pdfParked > 1 && c.pdfConvert.tryAcquire(1) {
			c.pdfParked++
			c.logger.Warn("adaptive downscale pdf",
				zap.Float64("memory_usage_pct", memoryUsagePct),
				zap.Int("available", c.pdfConvert.available()))
		}
	case memoryUsagePct < c.cfg.MemoryLowWatermarkPct:
		if c.ocrParked > 0 {
			c.ocrParked--
			if c.memoryParks > 0 {
				c.memoryParks--
			}
			c.ocrProcess.release(1)
			c.logger.Debug("adaptive release ocr",
				zap.Float64("memory_usage_pct", memoryUsagePct),
				zap.Int("available", c.ocrProcess.available()))
		}
		if c.pdfParked > 0 {
			c.pdfParked--
			c.pdfConvert.release(1)
			c.logger.Debug("adaptive release pdf",
				zap.Float64("memory_usage_pct", memoryUsagePct),
				zap.Int("available", c.pdfConvert.available()))
		}
	}
}

// AdjustPDFConcurrency moves the PDF stage's effective capacity between its
// configured min and max based on free memory and the 1-minute load
// average.
func (c *StageController) AdjustPDFConcurrency(ctx context.Context) {
	if !c.cfg.ResourceMonitoring || c.probe == nil {
		return
	}

	snap, err := c.probe()
	if err != nil {
		return
	}

	target := c.cfg.PDFConvertMinConcurrent
	if snap.AvailableMemoryMB >= c.cfg.PDFMinFreeMemMB && snap.Load1 <= c.cfg.PDFMaxLoadOne {
		target = c.cfg.PDFConvertMaxConcurrent
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	effective := c.cfg.PDFConvertMaxConcurrent - c.pdfParked
	switch {
	case target < effective:
		for effective > target {
			if !c.pdfConvert.tryAcquire(1) {
				break
			}
			c.pdfParked++
			effective--
		}
		c.logger.Debug("pdf concurrency downscale",
			zap.Uint64("free_mb", snap.AvailableMemoryMB),
			zap.Float64("load_one", snap.Load1),
			zap.Int("target", target),
			zap.Int("effective", effective))
	case target > effective:
		release := target - effective
		if release > c.pdfParked {
			release = c.pdfParked
		}
		for i := 0; i < release; i++ {
			c.pdfParked--
			c.pdfConvert.release(1)
		}
		c.logger.Debug("pdf concurrency upscale",
			zap.Uint64("free_mb", snap.AvailableMemoryMB),
			zap.Float64("load_one", snap.Load1),
			zap.Int("target", target),
			zap.Int("effective", effective+release))
	}
	_ = ctx
}

// AdaptiveLoop runs AdaptiveTuneOnce on a timer until ctx is cancelled.
func (c *StageController) AdaptiveLoop(ctx context.Context, interval time.Duration, probe sysinfo.Prober) {
	if probe == nil {
		probe = c.probe
	}
	if probe == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if snap, err := probe(); err == nil {
				c.AdaptiveTuneOnce(snap.MemoryPercent)
			}
		}
	}
}

// StageStatus reports available/total per stage.
type StageStatus struct {
	DownloadAvailable   int `json:"download_available"`
	DownloadTotal       int `json:"download_total"`
	PDFConvertAvailable int `json:"pdf_convert_available"`
	PDFConvertTotal     int `json:"pdf_convert_total"`
	OCRProcessAvailable int `json:"ocr_process_available"`
	OCRProcessTotal     int `json:"ocr_process_total"`
	StorageAvailable    int `json:"storage_available"`
	StorageTotal        int `json:"storage_total"`
}

// GetStageStatus snapshots every gate.
func (c *StageController) GetStageStatus() StageStatus {
	return StageStatus{
		DownloadAvailable:   c.download.available(),
		DownloadTotal:       int(c.download.capacity),
		PDFConvertAvailable: c.pdfConvert.available(),
		PDFConvertTotal:     int(c.pdfConvert.capacity),
		OCRProcessAvailable: c.ocrProcess.available(),
		OCRProcessTotal:     int(c.ocrProcess.capacity),
		StorageAvailable:    c.storage.available(),
		StorageTotal:        int(c.storage.capacity),
	}
}

// SystemLoadInfo aggregates the stage gates into a coarse utilization view.
type SystemLoadInfo struct {
	TotalActiveTasks         int     `json:"total_active_tasks"`
	TotalCapacity            int     `json:"total_capacity"`
	SystemUtilizationPercent float64 `json:"system_utilization_percent"`
	BottleneckStage          string  `json:"bottleneck_stage"`
	EstimatedMemoryUsageMB   int     `json:"estimated_memory_usage_mb"`
	CanAcceptNewTasks        bool    `json:"can_accept_new_tasks"`
}

// Per-task memory estimates by stage, in MB.
const (
	downloadTaskMemMB = 100
	pdfTaskMemMB      = 4096
	ocrTaskMemMB      = 800
	storageTaskMemMB  = 50
)

// GetSystemLoadInfo derives aggregate utilization, the bottleneck stage and
// a crude in-flight memory estimate from the stage status.
func (c *StageController) GetSystemLoadInfo() SystemLoadInfo {
	status := c.GetStageStatus()

	active := (status.DownloadTotal - status.DownloadAvailable) +
		(status.PDFConvertTotal - status.PDFConvertAvailable) +
		(status.OCRProcessTotal - status.OCRProcessAvailable) +
		(status.StorageTotal - status.StorageAvailable)
	capacity := status.DownloadTotal + status.PDFConvertTotal +
		status.OCRProcessTotal + status.StorageTotal

	utilization := 0.0
	if capacity > 0 {
		utilization = float64(active) / float64(capacity) * 100
	}

	memory := (status.DownloadTotal-status.DownloadAvailable)*downloadTaskMemMB +
		(status.PDFConvertTotal-status.PDFConvertAvailable)*pdfTaskMemMB +
		(status.OCRProcessTotal-status.OCRProcessAvailable)*ocrTaskMemMB +
		(status.StorageTotal-status.StorageAvailable)*storageTaskMemMB

	return SystemLoadInfo{
		TotalActiveTasks:         active,
		TotalCapacity:            capacity,
		SystemUtilizationPercent: float64(int(utilization + 0.5)),
		BottleneckStage:          bottleneckStage(status),
		EstimatedMemoryUsageMB:   memory,
		CanAcceptNewTasks:        status.PDFConvertAvailable > 0 || status.OCRProcessAvailable > 0,
	}
}

func bottleneckStage(status StageStatus) string {
	util := func(total, available int) float64 {
		if total == 0 {
			return 0
		}
		return float64(total-available) / float64(total)
	}
	downloadUtil := util(status.DownloadTotal, status.DownloadAvailable)
	pdfUtil := util(status.PDFConvertTotal, status.PDFConvertAvailable)
	ocrUtil := util(status.OCRProcessTotal, status.OCRProcessAvailable)
	storageUtil := util(status.StorageTotal, status.StorageAvailable)

	switch {
	case pdfUtil >= downloadUtil && pdfUtil >= ocrUtil && pdfUtil >= storageUtil:
		return StagePDFConvert
	case ocrUtil >= downloadUtil && ocrUtil >= storageUtil:
		return StageOCRProcess
	case downloadUtil >= storageUtil:
		return StageDownload
	default:
		return StageStorage
	}
}

// ObserveStage records a stage execution for metrics.
func ObserveStage(stage string, success bool, duration time.Duration) {
	metrics.RecordPipelineStage(stage, success, duration)
}
