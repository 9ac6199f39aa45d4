package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/previewlabs/previewd/pkg/sysinfo"
)

func TestPredictPDFResources(t *testing.T) {
	profile := PredictTaskResources(10*1024*1024, "PDF")

	assert.Equal(t, "PDF", profile.FileType)
	// 10 MB at ~100 KB/page.
	assert.Equal(t, 103, profile.EstimatedPages)
	assert.Len(t, profile.PredictedStages, 4)
	assert.Greater(t, profile.PeakMemoryMB, 1000)
}

func TestPredictImageResources(t *testing.T) {
	profile := PredictTaskResources(2*1024*1024, "JPG")

	assert.Equal(t, "JPG", profile.FileType)
	assert.Equal(t, 1, profile.EstimatedPages)
	assert.Less(t, profile.PeakMemoryMB, 1000)
	assert.Len(t, profile.PredictedStages, 3)
	assert.Equal(t, RiskLow, profile.RiskLevel)
	assert.Equal(t, RecommendExecute, profile.ExecutionRecommendation)
}

func TestEstimatePagesClamped(t *testing.T) {
	tiny := PredictTaskResources(10, "PDF")
	assert.Equal(t, 1, tiny.EstimatedPages)

	huge := PredictTaskResources(2*1024*1024*1024, "PDF")
	assert.Equal(t, maxEstimatedPages, huge.EstimatedPages)
}

func TestPDFConvertMemoryModel(t *testing.T) {
	tests := []struct {
		pages    int
		expected int
	}{
		{5, 1536 + 5*150},
		{30, 1536 + 30*100},
		{80, 1536 + 80*80},
		{200, 8192}, // 1536 + 200*60 = 13536 capped to 8192
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, estimatePDFConvertMemory(tt.pages), "pages=%d", tt.pages)
	}
}

func TestOCRTimeModel(t *testing.T) {
	// ceil(ceil(pages/3)/8) * 2 * 3
	assert.Equal(t, 6, estimateOCRTime(3))
	assert.Equal(t, 6, estimateOCRTime(24))
	assert.Equal(t, 12, estimateOCRTime(25))
}

func TestRiskAssessment(t *testing.T) {
	small := PredictTaskResources(1024*1024, "PDF")
	assert.Contains(t, []RiskLevel{RiskLow, RiskMedium}, small.RiskLevel)

	large := PredictTaskResources(100*1024*1024, "PDF")
	assert.Contains(t, []RiskLevel{RiskHigh, RiskCritical}, large.RiskLevel)
}

func TestRecommendations(t *testing.T) {
	assert.Equal(t, RecommendExecute, recommend(RiskLow, 5))
	assert.Equal(t, RecommendExecuteWithCaution, recommend(RiskHigh, 100))
	assert.Equal(t, RecommendSplit, recommend(RiskHigh, 300))
	assert.Equal(t, RecommendDefer, recommend(RiskCritical, 100))
	assert.Equal(t, RecommendSplit, recommend(RiskCritical, 300))
	assert.Equal(t, RecommendReject, recommend(RiskCritical, 600))
}

func TestCanSystemHandleTask(t *testing.T) {
	profile := PredictTaskResources(10*1024*1024, "PDF")

	roomy := sysinfo.Snapshot{AvailableMemoryMB: 64 * 1024}
	result := CanSystemHandleTask(profile, roomy)
	assert.True(t, result.CanExecute)
	assert.Zero(t, result.EstimatedWaitTimeSeconds)
	assert.Equal(t, StagePDFConvert, result.BottleneckStage)

	tight := sysinfo.Snapshot{AvailableMemoryMB: 4 * 1024}
	result = CanSystemHandleTask(profile, tight)
	assert.False(t, result.CanExecute)
	assert.Greater(t, result.EstimatedWaitTimeSeconds, 0)
}

func TestThrottleArgument(t *testing.T) {
	assert.Equal(t, 25.0, ThrottleArgument(100, 4096))
	assert.Equal(t, 100.0, ThrottleArgument(4096, 4096))
	assert.Equal(t, 200.0, ThrottleArgument(16384, 4096))
}
