package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/previewlabs/previewd/pkg/sysinfo"
)

func testConfig() Config {
	return Config{
		DownloadMaxConcurrent:   2,
		PDFConvertMaxConcurrent: 1,
		PDFConvertMinConcurrent: 1,
		PDFMinFreeMemMB:         2048,
		PDFMaxLoadOne:           1.5,
		OCRProcessMaxConcurrent: 2,
		StorageMaxConcurrent:    3,
		MemoryHighWatermarkPct:  90,
		MemoryLowWatermarkPct:   60,
	}
}

func TestStageControllerBasic(t *testing.T) {
	c := NewStageController(testConfig(), nil, nil)
	ctx := context.Background()

	downloadPermit, err := c.AcquireDownloadPermit(ctx)
	require.NoError(t, err)
	pdfPermit, err := c.AcquirePDFConvertPermit(ctx)
	require.NoError(t, err)
	ocrPermit, err := c.AcquireOCRPermit(ctx)
	require.NoError(t, err)
	storagePermit, err := c.AcquireStoragePermit(ctx)
	require.NoError(t, err)

	status := c.GetStageStatus()
	assert.Equal(t, 1, status.DownloadAvailable)
	assert.Equal(t, 0, status.PDFConvertAvailable)
	assert.Equal(t, 1, status.OCRProcessAvailable)
	assert.Equal(t, 2, status.StorageAvailable)

	downloadPermit.Release()
	pdfPermit.Release()
	ocrPermit.Release()
	storagePermit.Release()

	status = c.GetStageStatus()
	assert.Equal(t, 2, status.DownloadAvailable)
	assert.Equal(t, 1, status.PDFConvertAvailable)
	assert.Equal(t, 2, status.OCRProcessAvailable)
	assert.Equal(t, 3, status.StorageAvailable)
}

func TestPermitReleaseIdempotent(t *testing.T) {
	c := NewStageController(testConfig(), nil, nil)
	permit, err := c.AcquireDownloadPermit(context.Background())
	require.NoError(t, err)

	permit.Release()
	permit.Release()

	assert.Equal(t, 2, c.GetStageStatus().DownloadAvailable)
}

func TestTryAcquireDownloadPermit(t *testing.T) {
	c := NewStageController(testConfig(), nil, nil)
	ctx := context.Background()

	p1, err := c.AcquireDownloadPermit(ctx)
	require.NoError(t, err)
	p2, err := c.AcquireDownloadPermit(ctx)
	require.NoError(t, err)

	_, err = c.TryAcquireDownloadPermit()
	assert.ErrorIs(t, err, ErrWouldBlock)

	p1.Release()
	p3, err := c.TryAcquireDownloadPermit()
	require.NoError(t, err)

	p2.Release()
	p3.Release()
}

func TestAcquireOCRWeighted(t *testing.T) {
	c := NewStageController(testConfig(), nil, nil)
	ctx := context.Background()

	// Units beyond capacity are clamped so a large job cannot deadlock.
	permit, err := c.AcquireOCRWeighted(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, c.GetStageStatus().OCRProcessAvailable)

	permit.Release()
	assert.Equal(t, 2, c.GetStageStatus().OCRProcessAvailable)
}

func TestAdaptiveTuneOnce(t *testing.T) {
	cfg := testConfig()
	cfg.PDFConvertMaxConcurrent = 2
	c := NewStageController(cfg, nil, nil)

	// Above the high watermark, one permit is parked on ocr and pdf.
	c.AdaptiveTuneOnce(95)
	status := c.GetStageStatus()
	assert.Equal(t, 1, status.OCRProcessAvailable)
	assert.Equal(t, 1, status.PDFConvertAvailable)

	// Between the watermarks, nothing changes.
	c.AdaptiveTuneOnce(75)
	status = c.GetStageStatus()
	assert.Equal(t, 1, status.OCRProcessAvailable)
	assert.Equal(t, 1, status.PDFConvertAvailable)

	// Below the low watermark, parked permits release.
	c.AdaptiveTuneOnce(40)
	status = c.GetStageStatus()
	assert.Equal(t, 2, status.OCRProcessAvailable)
	assert.Equal(t, 2, status.PDFConvertAvailable)
}

func TestAdaptiveNeverBelowOne(t *testing.T) {
	c := NewStageController(testConfig(), nil, nil)

	for i := 0; i < 5; i++ {
		c.AdaptiveTuneOnce(95)
	}

	// OCR has capacity 2 so one permit may park; the effective floor of
	// one slot holds. PDF has capacity 1 and never parks at all.
	status := c.GetStageStatus()
	assert.GreaterOrEqual(t, status.OCRProcessAvailable, 1)
	assert.Equal(t, 1, status.PDFConvertAvailable)

	for i := 0; i < 10; i++ {
		c.AdaptiveTuneOnce(40)
	}
	status = c.GetStageStatus()
	assert.Equal(t, status.OCRProcessTotal, status.OCRProcessAvailable)
	assert.Equal(t, status.PDFConvertTotal, status.PDFConvertAvailable)
}

func TestAdjustPDFConcurrency(t *testing.T) {
	cfg := testConfig()
	cfg.PDFConvertMaxConcurrent = 4
	cfg.PDFConvertMinConcurrent = 1
	cfg.ResourceMonitoring = true

	// Constrained host: below the free-memory floor.
	probe := sysinfo.Static(sysinfo.Snapshot{AvailableMemoryMB: 512, Load1: 0.5})
	c := NewStageController(cfg, probe, nil)

	c.AdjustPDFConcurrency(context.Background())
	assert.Equal(t, 1, c.GetStageStatus().PDFConvertAvailable)

	// Healthy host: back to max.
	c.probe = sysinfo.Static(sysinfo.Snapshot{AvailableMemoryMB: 8192, Load1: 0.5})
	c.AdjustPDFConcurrency(context.Background())
	assert.Equal(t, 4, c.GetStageStatus().PDFConvertAvailable)

	// Overloaded host: load above the ceiling drops back to min.
	c.probe = sysinfo.Static(sysinfo.Snapshot{AvailableMemoryMB: 8192, Load1: 3.0})
	c.AdjustPDFConcurrency(context.Background())
	assert.Equal(t, 1, c.GetStageStatus().PDFConvertAvailable)
}

func TestSystemLoadInfo(t *testing.T) {
	c := NewStageController(DefaultConfig(), nil, nil)
	info := c.GetSystemLoadInfo()

	assert.GreaterOrEqual(t, info.SystemUtilizationPercent, 0.0)
	assert.LessOrEqual(t, info.SystemUtilizationPercent, 100.0)
	assert.True(t, info.CanAcceptNewTasks)
	assert.Equal(t, 32, info.TotalCapacity)
}

func TestBottleneckStage(t *testing.T) {
	c := NewStageController(testConfig(), nil, nil)
	ctx := context.Background()

	permit, err := c.AcquirePDFConvertPermit(ctx)
	require.NoError(t, err)
	defer permit.Release()

	info := c.GetSystemLoadInfo()
	assert.Equal(t, StagePDFConvert, info.BottleneckStage)
}
