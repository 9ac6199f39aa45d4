package pipeline

import (
	"math"
	"strings"

	"github.com/previewlabs/previewd/pkg/sysinfo"
)

// RiskLevel buckets a task's predicted peak memory footprint.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"      // < 2 GB peak
	RiskMedium   RiskLevel = "medium"   // 2-4 GB peak
	RiskHigh     RiskLevel = "high"     // 4-6 GB peak
	RiskCritical RiskLevel = "critical" // > 6 GB peak
)

// Recommendation is the predictor's advice for scheduling a task.
type Recommendation string

const (
	RecommendExecute            Recommendation = "execute"
	RecommendExecuteWithCaution Recommendation = "execute_with_caution"
	RecommendDefer              Recommendation = "defer"
	RecommendSplit              Recommendation = "split"
	RecommendReject             Recommendation = "reject"
)

// StageResourceNeed predicts one stage's footprint for a task.
type StageResourceNeed struct {
	Stage                     string `json:"stage"`
	MemoryMB                  int    `json:"memory_mb"`
	DurationSeconds           int    `json:"duration_seconds"`
	CPUIntensive              bool   `json:"cpu_intensive"`
	IOIntensive               bool   `json:"io_intensive"`
	ConcurrencyRecommendation int    `json:"concurrency_recommendation"`
}

// TaskResourceProfile is the full prediction for one attachment.
type TaskResourceProfile struct {
	FileSizeMB            float64             `json:"file_size_mb"`
	FileType              string              `json:"file_type"`
	EstimatedPages        int                 `json:"estimated_pages"`
	PredictedStages       []StageResourceNeed `json:"predicted_stages"`
	TotalDurationSeconds  int                 `json:"total_estimated_duration_seconds"`
	PeakMemoryMB          int                 `json:"peak_memory_mb"`
	RiskLevel             RiskLevel           `json:"risk_level"`
	ExecutionRecommendation Recommendation    `json:"execution_recommendation"`
}

// Executability is the answer to "can this host run the task right now".
type Executability struct {
	CanExecute          bool           `json:"can_execute"`
	AvailableMemoryGB   int            `json:"available_memory_gb"`
	RequiredMemoryGB    int            `json:"required_memory_gb"`
	SafetyMarginGB      int            `json:"safety_margin_gb"`
	Recommendation      Recommendation `json:"recommendation"`
	EstimatedWaitTimeSeconds int       `json:"estimated_wait_time_seconds"`
	BottleneckStage     string         `json:"bottleneck_stage,omitempty"`
}

const (
	maxEstimatedPages = 1000
	safetyBufferGB    = 4
)

// PredictTaskResources maps (size, type) to a resource profile. It is a
// pure function of its inputs.
func PredictTaskResources(fileSizeBytes int64, fileType string) TaskResourceProfile {
	fileSizeMB := float64(fileSizeBytes) / (1024 * 1024)
	pages := estimatePages(fileSizeMB, fileType)
	stages := predictStages(fileSizeMB, fileType, pages)

	peak := 500
	total := 0
	for _, stage := range stages {
		if stage.MemoryMB > peak {
			peak = stage.MemoryMB
		}
		total += stage.DurationSeconds
	}

	risk := assessRiskLevel(peak, pages)

	return TaskResourceProfile{
		FileSizeMB:              fileSizeMB,
		FileType:                strings.ToUpper(fileType),
		EstimatedPages:          pages,
		PredictedStages:         stages,
		TotalDurationSeconds:    total,
		PeakMemoryMB:            peak,
		RiskLevel:               risk,
		ExecutionRecommendation: recommend(risk, pages),
	}
}

func isImageType(fileType string) bool {
	switch strings.ToUpper(fileType) {
	case "JPG", "JPEG", "PNG", "BMP", "TIFF":
		return true
	}
	return false
}

// estimatePages models PDFs at roughly 100 KB per page, clamped to
// [1, maxEstimatedPages]. Images are a single page.
func estimatePages(fileSizeMB float64, fileType string) int {
	if strings.ToUpper(fileType) != "PDF" {
		return 1
	}
	pages := int(math.Ceil(fileSizeMB * 1024 / 100))
	if pages < 1 {
		pages = 1
	}
	if pages > maxEstimatedPages {
		pages = maxEstimatedPages
	}
	return pages
}

func predictStages(fileSizeMB float64, fileType string, pages int) []StageResourceNeed {
	switch {
	case strings.ToUpper(fileType) == "PDF":
		return []StageResourceNeed{
			{
				Stage:                     StageDownload,
				MemoryMB:                  int(fileSizeMB * 1.5),
				DurationSeconds:           estimateDownloadTime(fileSizeMB),
				IOIntensive:               true,
				ConcurrencyRecommendation: 20,
			},
			{
				Stage:                     StagePDFConvert,
				MemoryMB:                  estimatePDFConvertMemory(pages),
				DurationSeconds:           estimatePDFConvertTime(pages),
				CPUIntensive:              true,
				ConcurrencyRecommendation: recommendPDFConvertConcurrency(pages),
			},
			{
				Stage:                     StageOCRProcess,
				MemoryMB:                  estimateOCRMemory(pages),
				DurationSeconds:           estimateOCRTime(pages),
				CPUIntensive:              true,
				ConcurrencyRecommendation: 8,
			},
			{
				Stage:                     StageStorage,
				MemoryMB:                  100,
				DurationSeconds:           15,
				IOIntensive:               true,
				ConcurrencyRecommendation: 15,
			},
		}
	case isImageType(fileType):
		return []StageResourceNeed{
			{
				Stage:                     StageDownload,
				MemoryMB:                  int(fileSizeMB * 1.2),
				DurationSeconds:           estimateDownloadTime(fileSizeMB),
				IOIntensive:               true,
				ConcurrencyRecommendation: 20,
			},
			{
				Stage:                     StageOCRProcess,
				MemoryMB:                  600,
				DurationSeconds:           20,
				CPUIntensive:              true,
				ConcurrencyRecommendation: 8,
			},
			{
				Stage:                     StageStorage,
				MemoryMB:                  50,
				DurationSeconds:           8,
				IOIntensive:               true,
				ConcurrencyRecommendation: 15,
			},
		}
	default:
		// Conservative estimates for unrecognized media.
		return []StageResourceNeed{
			{
				Stage:                     StageDownload,
				MemoryMB:                  int(fileSizeMB * 2),
				DurationSeconds:           estimateDownloadTime(fileSizeMB) * 2,
				IOIntensive:               true,
				ConcurrencyRecommendation: 10,
			},
			{
				Stage:                     StageOCRProcess,
				MemoryMB:                  1000,
				DurationSeconds:           60,
				CPUIntensive:              true,
				ConcurrencyRecommendation: 4,
			},
		}
	}
}

// estimatePDFConvertMemory: base 1536 MB plus a per-page cost that shrinks
// with document size, capped at 8 GB.
func estimatePDFConvertMemory(pages int) int {
	perPage := 60
	switch {
	case pages <= 10:
		perPage = 150
	case pages <= 50:
		perPage = 100
	case pages <= 100:
		perPage = 80
	}
	mem := 1536 + pages*perPage
	if mem > 8192 {
		mem = 8192
	}
	return mem
}

func estimatePDFConvertTime(pages int) int {
	perPage := 2
	switch {
	case pages <= 20:
		perPage = 5
	case pages <= 50:
		perPage = 4
	case pages <= 100:
		perPage = 3
	}
	return 10 + pages*perPage
}

// estimateOCRMemory: base plus per-batch cost, at most 8 concurrent batches
// of 3 pages.
func estimateOCRMemory(pages int) int {
	batches := (pages + 2) / 3
	if batches > 8 {
		batches = 8
	}
	return 400 + batches*200
}

func estimateOCRTime(pages int) int {
	const (
		batchSize         = 3
		concurrentBatches = 8
		perPageTime       = 2
	)
	batches := (pages + batchSize - 1) / batchSize
	parallel := (batches + concurrentBatches - 1) / concurrentBatches
	return parallel * perPageTime * batchSize
}

func recommendPDFConvertConcurrency(pages int) int {
	switch {
	case pages <= 10:
		return 3
	case pages <= 30:
		return 2
	default:
		return 1
	}
}

// estimateDownloadTime assumes roughly 2 MB/s plus fixed latency.
func estimateDownloadTime(fileSizeMB float64) int {
	return 5 + int(math.Ceil(fileSizeMB/2))
}

func assessRiskLevel(peakMemoryMB, pages int) RiskLevel {
	switch {
	case peakMemoryMB < 2048:
		return RiskLow
	case peakMemoryMB < 4096:
		if pages <= 50 {
			return RiskMedium
		}
		return RiskHigh
	case peakMemoryMB < 6144:
		return RiskHigh
	default:
		return RiskCritical
	}
}

func recommend(risk RiskLevel, pages int) Recommendation {
	switch risk {
	case RiskLow, RiskMedium:
		return RecommendExecute
	case RiskHigh:
		if pages > 200 {
			return RecommendSplit
		}
		return RecommendExecuteWithCaution
	default:
		switch {
		case pages > 500:
			return RecommendReject
		case pages > 200:
			return RecommendSplit
		default:
			return RecommendDefer
		}
	}
}

// CanSystemHandleTask compares the profile against the host, keeping a
// 4 GB safety buffer in reserve.
func CanSystemHandleTask(profile TaskResourceProfile, snap sysinfo.Snapshot) Executability {
	availableGB := int(snap.AvailableMemoryMB / 1024)
	requiredGB := int(math.Ceil(float64(profile.PeakMemoryMB) / 1024))
	canExecute := availableGB > requiredGB+safetyBufferGB

	margin := availableGB - requiredGB
	if margin < 0 {
		margin = 0
	}

	var rec Recommendation
	if canExecute {
		switch profile.RiskLevel {
		case RiskLow, RiskMedium:
			rec = RecommendExecute
		case RiskHigh:
			rec = RecommendExecuteWithCaution
		default:
			rec = RecommendDefer
		}
	} else if profile.EstimatedPages > 100 {
		rec = RecommendSplit
	} else {
		rec = RecommendDefer
	}

	wait := 0
	if !canExecute {
		deficit := availableGB - (requiredGB + safetyBufferGB)
		switch {
		case deficit <= 2:
			wait = 600
		case deficit <= 4:
			wait = 300
		default:
			wait = 120
		}
	}

	bottleneck := ""
	maxMem := -1
	for _, stage := range profile.PredictedStages {
		if stage.MemoryMB > maxMem {
			maxMem = stage.MemoryMB
			bottleneck = stage.Stage
		}
	}

	return Executability{
		CanExecute:               canExecute,
		AvailableMemoryGB:        availableGB,
		RequiredMemoryGB:         requiredGB,
		SafetyMarginGB:           margin,
		Recommendation:           rec,
		EstimatedWaitTimeSeconds: wait,
		BottleneckStage:          bottleneck,
	}
}

// ThrottleArgument maps predicted peak memory to the adaptive tuning
// argument: (peak / baseline × 100) clamped to [25, 200].
func ThrottleArgument(peakMemoryMB int, baselineMB int) float64 {
	if baselineMB <= 0 {
		baselineMB = 4096
	}
	arg := float64(peakMemoryMB) / float64(baselineMB) * 100
	if arg < 25 {
		arg = 25
	}
	if arg > 200 {
		arg = 200
	}
	return arg
}
