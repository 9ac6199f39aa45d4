package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/previewlabs/previewd/pkg/cache"
	"github.com/previewlabs/previewd/pkg/ocr"
	"github.com/previewlabs/previewd/pkg/pipeline"
	"github.com/previewlabs/previewd/pkg/preview"
	"github.com/previewlabs/previewd/pkg/rules"
	sharederrors "github.com/previewlabs/previewd/pkg/shared/errors"
)

type recordingSink struct {
	startErr  error
	started   []string
	attempts  []string
	submitted []preview.WorkerResult
}

func (s *recordingSink) JobStarted(ctx context.Context, previewID, attemptID string) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started = append(s.started, previewID)
	s.attempts = append(s.attempts, attemptID)
	return nil
}

func (s *recordingSink) SubmitResult(ctx context.Context, previewID string, result preview.WorkerResult) error {
	s.submitted = append(s.submitted, result)
	return nil
}

func newTestProcessor(t *testing.T, sink ResultSink) (*Processor, *cache.MaterialCache) {
	t.Helper()
	materialCache, err := cache.New(t.TempDir(), nil)
	require.NoError(t, err)

	ruleEngine, err := rules.NewEngine(t.TempDir(), nil)
	require.NoError(t, err)

	pool := ocr.NewPool(ocr.PoolConfig{Capacity: 2}, nil)
	t.Cleanup(pool.Shutdown)

	stages := pipeline.NewStageController(pipeline.Config{
		DownloadMaxConcurrent:   2,
		PDFConvertMaxConcurrent: 1,
		OCRProcessMaxConcurrent: 2,
		StorageMaxConcurrent:    2,
	}, nil, nil)

	processor := NewProcessor(Config{}, "w1", sink,
		&CacheFetcher{Cache: materialCache}, stages, pool, ruleEngine, nil)
	return processor, materialCache
}

func taskWithAttachment(url string) preview.Task {
	return preview.NewTask(preview.Body{
		UserID: "u1",
		Preview: preview.Request{
			MatterID:  "m1",
			RequestID: "req-1",
			MaterialData: []preview.Material{
				{Code: "license", Name: "Business License", AttachmentList: []preview.Attachment{
					{AttachName: "scan.png", AttachURL: url},
				}},
			},
		},
	}, "p1", "req-1")
}

func TestProcessorAdmissionDeniedPropagates(t *testing.T) {
	sink := &recordingSink{startErr: sharederrors.AdmissionDenied("heartbeat stale")}
	processor, _ := newTestProcessor(t, sink)

	err := processor.HandlePreviewTask(context.Background(), taskWithAttachment("worker-cache://tok"))
	require.Error(t, err)
	assert.Equal(t, sharederrors.KindAdmissionDenied, sharederrors.KindOf(err))
	// The task never produced a result: the queue redelivers it.
	assert.Empty(t, sink.submitted)
}

func TestProcessorCompletesWithAttachmentWarnings(t *testing.T) {
	sink := &recordingSink{}
	processor, _ := newTestProcessor(t, sink)

	// The attachment URL carries no cache token, so OCR never runs and the
	// material records a processing failure while the job still completes.
	err := processor.HandlePreviewTask(context.Background(), taskWithAttachment("https://files.example.com/scan.png"))
	require.NoError(t, err)

	require.Len(t, sink.submitted, 1)
	result := sink.submitted[0]
	assert.Equal(t, preview.JobCompleted, result.Status)
	require.NotNil(t, result.EvaluationResult)
	require.NotEmpty(t, result.AttemptID)

	material := result.EvaluationResult.MaterialResults[0]
	assert.Equal(t, "license", material.MaterialCode)
	assert.Equal(t, preview.ProcessingFailed, material.ProcessingStatus.State)
	assert.False(t, material.Attachments[0].OCRSuccess)

	// Attempt id announced at start matches the one on the result.
	assert.Equal(t, sink.attempts[0], result.AttemptID)
}

func TestProcessorActivityClearedAfterJob(t *testing.T) {
	sink := &recordingSink{}
	processor, _ := newTestProcessor(t, sink)

	err := processor.HandlePreviewTask(context.Background(), taskWithAttachment("https://x/scan.png"))
	require.NoError(t, err)

	tasks, started, finished := processor.Activity().snapshot()
	assert.Empty(t, tasks)
	assert.False(t, started.IsZero())
	assert.False(t, finished.IsZero())
}
