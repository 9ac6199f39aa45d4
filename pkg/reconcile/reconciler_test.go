package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/previewlabs/previewd/pkg/cache"
	"github.com/previewlabs/previewd/pkg/preview"
	"github.com/previewlabs/previewd/pkg/queue"
	"github.com/previewlabs/previewd/pkg/report"
)

// fakeStore is an in-memory reconcile.Store.
type fakeStore struct {
	mu                  sync.Mutex
	rec                 *preview.Record
	materialFiles       []preview.MaterialFileRecord
	taskPayload         string
	deleteTaskCalls     int
	deleteCachedCalls   int
	replaceResultCalls  int
	artifactViewURL     string
	artifactDownloadURL string
}

func (s *fakeStore) GetPreview(ctx context.Context, previewID string) (*preview.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := *s.rec
	return &rec, nil
}

func (s *fakeStore) MarkCompleted(ctx context.Context, previewID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.Status == preview.StatusCompleted {
		return false, nil
	}
	s.rec.Status = preview.StatusCompleted
	return true, nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, previewID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.Status == preview.StatusFailed {
		return false, nil
	}
	s.rec.Status = preview.StatusFailed
	return true, nil
}

func (s *fakeStore) UpdateEvaluationResult(ctx context.Context, previewID, resultJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.EvaluationResult = sql.NullString{String: resultJSON, Valid: true}
	return nil
}

func (s *fakeStore) UpdateFailureContext(ctx context.Context, update preview.FailureUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	apply := func(dst *sql.NullString, field **string) {
		if field == nil {
			return
		}
		if *field == nil {
			*dst = sql.NullString{}
		} else {
			*dst = sql.NullString{String: **field, Valid: true}
		}
	}
	apply(&s.rec.FailureReason, update.FailureReason)
	apply(&s.rec.FailureContext, update.FailureContext)
	apply(&s.rec.LastErrorCode, update.LastErrorCode)
	return nil
}

func (s *fakeStore) UpdateArtifacts(ctx context.Context, previewID, viewURL, downloadURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifactViewURL = viewURL
	s.artifactDownloadURL = downloadURL
	return nil
}

func (s *fakeStore) ListMaterialFiles(ctx context.Context, filter preview.MaterialFileFilter) ([]preview.MaterialFileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]preview.MaterialFileRecord(nil), s.materialFiles...), nil
}

func (s *fakeStore) SaveMaterialFile(ctx context.Context, rec *preview.MaterialFileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.materialFiles = append(s.materialFiles, *rec)
	return nil
}

func (s *fakeStore) ReplaceMaterialResults(ctx context.Context, previewID string, records []preview.MaterialResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceResultCalls++
	return nil
}

func (s *fakeStore) ReplaceRuleResults(ctx context.Context, previewID string, records []preview.RuleResultRecord) error {
	return nil
}

func (s *fakeStore) LoadTaskPayload(ctx context.Context, previewID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskPayload, nil
}

func (s *fakeStore) DeleteTaskPayload(ctx context.Context, previewID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteTaskCalls++
	return nil
}

func (s *fakeStore) DeleteCachedMaterials(ctx context.Context, previewID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCachedCalls++
	return nil
}

func (s *fakeStore) FetchPendingWorkerResults(ctx context.Context, limit int) ([]preview.PendingResult, error) {
	return nil, nil
}

// memStorage is an in-memory object store.
type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{objects: map[string][]byte{}}
}

func (m *memStorage) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memStorage) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, nil
	}
	return data, nil
}

func (m *memStorage) GetPublicURL(ctx context.Context, key string) (string, error) {
	return "http://master.test/api/storage/files/" + key, nil
}

func (m *memStorage) GetPresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return m.GetPublicURL(ctx, key)
}

type noopReporter struct{}

func (noopReporter) GenerateAndPersist(ctx context.Context, previewID string) ([]report.File, error) {
	return []report.File{
		{FileType: "html", ViewURL: "http://master.test/api/storage/files/reports%2Fp%2Freport.html", DownloadURL: "http://master.test/api/storage/files/reports%2Fp%2Freport.html"},
		{FileType: "pdf", DownloadURL: "http://master.test/api/storage/files/reports%2Fp%2Freport.pdf"},
	}, nil
}

func newTestReconciler(t *testing.T, store *fakeStore, fallback FallbackConfig) (*Reconciler, *cache.MaterialCache, *memStorage) {
	t.Helper()
	materialCache, err := cache.New(t.TempDir(), nil)
	require.NoError(t, err)
	objects := newMemStorage()
	r := NewReconciler(fallback, store, objects, materialCache, noopReporter{}, nil,
		"http://master.test", nil)
	return r, materialCache, objects
}

func processingRecord(attemptID string) *preview.Record {
	return &preview.Record{
		ID:            "p1",
		MatterID:      "m1",
		Status:        preview.StatusProcessing,
		LastAttemptID: sql.NullString{String: attemptID, Valid: attemptID != ""},
	}
}

func completedResult(fileURL string, extra map[string]any) *preview.EvaluationResult {
	result := preview.NewEvaluationResult(preview.BasicInfo{
		MatterID:  "m1",
		RequestID: "req-1",
	})
	result.AddMaterialResult(preview.MaterialResult{
		MaterialCode: "license",
		MaterialName: "Business License",
		Attachments: []preview.AttachmentInfo{
			{FileName: "scan.jpg", FileURL: fileURL, MimeType: "image/jpeg", OCRSuccess: true, Extra: extra},
		},
		OCRContent: "registered",
		RuleEvaluation: preview.RuleEvaluation{
			StatusCode: preview.StatusCodePass,
			Message:    "material Business License passed",
		},
		ProcessingStatus: preview.ProcessingStatus{State: preview.ProcessingSuccess},
	})
	return result
}

func TestStaleAttemptIgnored(t *testing.T) {
	store := &fakeStore{rec: processingRecord("attempt-B")}
	r, _, _ := newTestReconciler(t, store, FallbackConfig{})

	err := r.ProcessResult(context.Background(), "p1", preview.WorkerResult{
		Status:           preview.JobCompleted,
		EvaluationResult: completedResult("http://durable/url", nil),
		AttemptID:        "attempt-A",
	}, "w1")
	require.NoError(t, err)

	// The stale delivery never mutates preview state.
	assert.Equal(t, preview.StatusProcessing, store.rec.Status)
	assert.False(t, store.rec.EvaluationResult.Valid)
	assert.Zero(t, store.deleteTaskCalls)
}

func TestCompletedRequiresEvaluation(t *testing.T) {
	store := &fakeStore{rec: processingRecord("a1")}
	r, _, _ := newTestReconciler(t, store, FallbackConfig{})

	err := r.ProcessResult(context.Background(), "p1", preview.WorkerResult{
		Status:    preview.JobCompleted,
		AttemptID: "a1",
	}, "w1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires evaluation_result")
}

func TestCompletedHappyPath(t *testing.T) {
	store := &fakeStore{rec: processingRecord("a1")}
	r, materialCache, objects := newTestReconciler(t, store, FallbackConfig{})

	// A small JPEG-ish blob sits in the worker cache.
	token, err := materialCache.Store("p1", "license", "scan.jpg", []byte("jpeg-bytes"), "image/jpeg")
	require.NoError(t, err)

	result := completedResult(cache.URLFromToken(token), map[string]any{"workerCacheToken": token})

	err = r.ProcessResult(context.Background(), "p1", preview.WorkerResult{
		Status:           preview.JobCompleted,
		EvaluationResult: result,
		AttemptID:        "a1",
	}, "w1")
	require.NoError(t, err)

	assert.Equal(t, preview.StatusCompleted, store.rec.Status)
	require.True(t, store.rec.EvaluationResult.Valid)

	var stored preview.EvaluationResult
	require.NoError(t, json.Unmarshal([]byte(store.rec.EvaluationResult.String), &stored))
	att := stored.MaterialResults[0].Attachments[0]
	assert.False(t, strings.HasPrefix(att.FileURL, cache.Scheme))
	assert.Contains(t, att.FileURL, "/api/storage/files/")

	// The original bytes were persisted to the object store.
	found := false
	for key := range objects.objects {
		if strings.Contains(key, "previews/p1/materials/license") {
			found = true
		}
	}
	assert.True(t, found, "attachment should be uploaded to storage")

	// Artifacts recorded, PDF preferred for download.
	assert.Contains(t, store.artifactViewURL, "report.html")
	assert.Contains(t, store.artifactDownloadURL, "report.pdf")

	// Terminal cleanup ran exactly once.
	assert.Equal(t, 1, store.deleteTaskCalls)
	assert.Equal(t, 1, store.deleteCachedCalls)

	// A material file record now exists with a durable key.
	require.NotEmpty(t, store.materialFiles)
	assert.NotEmpty(t, store.materialFiles[0].StoredOriginalKey)
	assert.Equal(t, preview.FileStatusMasterSynced, store.materialFiles[0].Status)
}

func TestDuplicateResultIsIdempotent(t *testing.T) {
	store := &fakeStore{rec: processingRecord("a1")}
	r, materialCache, _ := newTestReconciler(t, store, FallbackConfig{})

	token, err := materialCache.Store("p1", "license", "scan.jpg", []byte("jpeg-bytes"), "image/jpeg")
	require.NoError(t, err)

	submit := func() error {
		return r.ProcessResult(context.Background(), "p1", preview.WorkerResult{
			Status:           preview.JobCompleted,
			EvaluationResult: completedResult(cache.URLFromToken(token), map[string]any{"workerCacheToken": token}),
			AttemptID:        "a1",
		}, "w1")
	}

	require.NoError(t, submit())
	require.NoError(t, submit())

	assert.Equal(t, preview.StatusCompleted, store.rec.Status)
	// Cleanup only runs on the first terminal entry.
	assert.Equal(t, 1, store.deleteTaskCalls)
	assert.Equal(t, 1, store.deleteCachedCalls)
}

func TestEnrichmentFailsOnLostCache(t *testing.T) {
	store := &fakeStore{rec: processingRecord("a1")}
	r, _, _ := newTestReconciler(t, store, FallbackConfig{})

	err := r.ProcessResult(context.Background(), "p1", preview.WorkerResult{
		Status:           preview.JobCompleted,
		EvaluationResult: completedResult("worker-cache://gone-token", nil),
		AttemptID:        "a1",
	}, "w1")
	require.Error(t, err)
	assert.Equal(t, preview.StatusProcessing, store.rec.Status)
}

func TestFailedResultMarksPreviewFailed(t *testing.T) {
	store := &fakeStore{rec: processingRecord("a1")}
	r, _, _ := newTestReconciler(t, store, FallbackConfig{})

	err := r.ProcessResult(context.Background(), "p1", preview.WorkerResult{
		Status:        preview.JobFailed,
		FailureReason: "download timeout",
		AttemptID:     "a1",
	}, "w1")
	require.NoError(t, err)

	assert.Equal(t, preview.StatusFailed, store.rec.Status)
	assert.Equal(t, "download timeout", store.rec.FailureReason.String)
	assert.Equal(t, 1, store.deleteTaskCalls)
}

func TestMasterFallbackOnOCRFailure(t *testing.T) {
	taskJSON, err := json.Marshal(preview.NewTask(preview.Body{}, "p1", "req-1"))
	require.NoError(t, err)

	store := &fakeStore{rec: processingRecord("a1"), taskPayload: string(taskJSON)}
	r, _, _ := newTestReconciler(t, store, FallbackConfig{Enabled: true, MaxAttempts: 2})

	var fallbackRuns int
	r.SetFallbackHandler(queue.HandlerFunc(func(ctx context.Context, task preview.Task) error {
		fallbackRuns++
		assert.Equal(t, "p1", task.PreviewID)
		return nil
	}))

	err = r.ProcessResult(context.Background(), "p1", preview.WorkerResult{
		Status:        preview.JobFailed,
		FailureReason: "OCR engine pool circuit open",
		AttemptID:     "a1",
	}, "w1")
	require.NoError(t, err)

	assert.Equal(t, 1, fallbackRuns)
	assert.Equal(t, preview.ErrCodeMasterFallbackSuccess, store.rec.LastErrorCode.String)
	assert.False(t, store.rec.FailureReason.Valid)
	assert.Equal(t, 1, store.deleteTaskCalls)
	assert.Equal(t, 1, store.deleteCachedCalls)
}

func TestMasterFallbackNotTriggeredForNonOCR(t *testing.T) {
	store := &fakeStore{rec: processingRecord("a1"), taskPayload: "{}"}
	r, _, _ := newTestReconciler(t, store, FallbackConfig{Enabled: true, MaxAttempts: 2})

	var fallbackRuns int
	r.SetFallbackHandler(queue.HandlerFunc(func(ctx context.Context, task preview.Task) error {
		fallbackRuns++
		return nil
	}))

	err := r.ProcessResult(context.Background(), "p1", preview.WorkerResult{
		Status:        preview.JobFailed,
		FailureReason: "network unreachable",
		AttemptID:     "a1",
	}, "w1")
	require.NoError(t, err)

	assert.Zero(t, fallbackRuns)
	assert.Equal(t, preview.StatusFailed, store.rec.Status)
}

func TestMasterFallbackFailureMarksCode(t *testing.T) {
	taskJSON, _ := json.Marshal(preview.NewTask(preview.Body{}, "p1", "req-1"))
	store := &fakeStore{rec: processingRecord("a1"), taskPayload: string(taskJSON)}
	r, _, _ := newTestReconciler(t, store, FallbackConfig{Enabled: true, MaxAttempts: 2})

	r.SetFallbackHandler(queue.HandlerFunc(func(ctx context.Context, task preview.Task) error {
		return assert.AnError
	}))

	err := r.ProcessResult(context.Background(), "p1", preview.WorkerResult{
		Status:        preview.JobFailed,
		FailureReason: "OCR circuit open",
		AttemptID:     "a1",
	}, "w1")
	require.NoError(t, err)

	assert.Equal(t, preview.ErrCodeMasterFallbackFailed, store.rec.LastErrorCode.String)
	assert.Equal(t, preview.StatusFailed, store.rec.Status)
}

func TestRepairPreviewMaterials(t *testing.T) {
	store := &fakeStore{rec: processingRecord("a1")}
	r, materialCache, _ := newTestReconciler(t, store, FallbackConfig{})

	t1, err := materialCache.Store("p1", "license", "front.jpg", []byte("front"), "image/jpeg")
	require.NoError(t, err)
	t2, err := materialCache.Store("p1", "license", "back.jpg", []byte("back"), "image/jpeg")
	require.NoError(t, err)

	result := preview.NewEvaluationResult(preview.BasicInfo{MatterID: "m1"})
	result.AddMaterialResult(preview.MaterialResult{
		MaterialCode: "license",
		Attachments: []preview.AttachmentInfo{
			{FileName: "front.jpg", FileURL: cache.URLFromToken(t1), MimeType: "image/jpeg"},
			{FileName: "back.jpg", FileURL: cache.URLFromToken(t2), MimeType: "image/jpeg"},
		},
		RuleEvaluation:   preview.RuleEvaluation{StatusCode: preview.StatusCodePass, Message: "ok"},
		ProcessingStatus: preview.ProcessingStatus{State: preview.ProcessingSuccess},
	})
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	store.rec.EvaluationResult = sql.NullString{String: string(raw), Valid: true}

	repair, err := r.RepairPreviewMaterials(context.Background(), "p1")
	require.NoError(t, err)

	assert.True(t, repair.Repaired)
	assert.Equal(t, 2, repair.AttachmentsBefore)
	assert.Equal(t, 0, repair.AttachmentsAfter)
	assert.Equal(t, 2, repair.Persisted)

	var repaired preview.EvaluationResult
	require.NoError(t, json.Unmarshal([]byte(store.rec.EvaluationResult.String), &repaired))
	for _, att := range repaired.MaterialResults[0].Attachments {
		assert.False(t, strings.HasPrefix(att.FileURL, cache.Scheme))
	}
}

func TestRepairIsNoOpOnEnrichedResult(t *testing.T) {
	store := &fakeStore{rec: processingRecord("a1")}
	store.materialFiles = []preview.MaterialFileRecord{
		{
			ID:                "mf1",
			PreviewID:         "p1",
			MaterialCode:      "license",
			AttachmentName:    sql.NullString{String: "scan.jpg", Valid: true},
			StoredOriginalKey: "previews/p1/materials/license/scan.jpg",
			Status:            preview.FileStatusMasterSynced,
		},
	}
	r, _, objects := newTestReconciler(t, store, FallbackConfig{})
	require.NoError(t, objects.Put(context.Background(), "previews/p1/materials/license/scan.jpg", []byte("bytes")))

	result := preview.NewEvaluationResult(preview.BasicInfo{MatterID: "m1"})
	result.AddMaterialResult(preview.MaterialResult{
		MaterialCode: "license",
		Attachments: []preview.AttachmentInfo{
			{FileName: "scan.jpg", FileURL: "http://master.test/api/storage/files/previews%2Fp1%2Fmaterials%2Flicense%2Fscan.jpg"},
		},
		RuleEvaluation:   preview.RuleEvaluation{StatusCode: preview.StatusCodePass, Message: "ok"},
		ProcessingStatus: preview.ProcessingStatus{State: preview.ProcessingSuccess},
	})
	raw, _ := json.Marshal(result)
	store.rec.EvaluationResult = sql.NullString{String: string(raw), Valid: true}

	before := len(store.materialFiles)
	repair, err := r.RepairPreviewMaterials(context.Background(), "p1")
	require.NoError(t, err)

	assert.True(t, repair.Repaired)
	assert.Zero(t, repair.AttachmentsBefore)
	assert.Equal(t, before, len(store.materialFiles), "no new records on an already-enriched result")
}

func TestHumanizeRuleMessages(t *testing.T) {
	result := preview.NewEvaluationResult(preview.BasicInfo{})
	result.AddMaterialResult(preview.MaterialResult{
		MaterialCode: "license",
		RuleEvaluation: preview.RuleEvaluation{
			StatusCode:  preview.StatusCodeFail,
			Message:     "expiryDate missing on businessLicense",
			Description: "legalRep certificate not found",
			Suggestions: []string{"provide agentName"},
		},
	})

	HumanizeRuleMessages(result)

	eval := result.MaterialResults[0].RuleEvaluation
	assert.Equal(t, "certificate validity period missing on business license", eval.Message)
	assert.Contains(t, eval.Description, "legal representative")
	assert.Equal(t, []string{"provide agent name"}, eval.Suggestions)
}
