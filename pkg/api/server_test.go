package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/previewlabs/previewd/pkg/cache"
	"github.com/previewlabs/previewd/pkg/heartbeat"
	"github.com/previewlabs/previewd/pkg/preview"
	sharederrors "github.com/previewlabs/previewd/pkg/shared/errors"
)

type fakeStore struct {
	previews       map[string]*preview.Record
	pendingResults []string
	downloads      []string
	markCalls      []string
	taskPayloads   map[string]string
	downloadRows   map[string]bool
	resetDownloads []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		previews:     map[string]*preview.Record{},
		taskPayloads: map[string]string{},
		downloadRows: map[string]bool{},
	}
}

func (s *fakeStore) CreatePreview(ctx context.Context, rec *preview.Record) error {
	s.previews[rec.ID] = rec
	return nil
}

func (s *fakeStore) GetPreview(ctx context.Context, previewID string) (*preview.Record, error) {
	rec, ok := s.previews[previewID]
	if !ok {
		return nil, sharederrors.ErrNotFound
	}
	return rec, nil
}

func (s *fakeStore) MarkProcessing(ctx context.Context, previewID, workerID, attemptID string) error {
	rec, ok := s.previews[previewID]
	if !ok || rec.Status != preview.StatusPending {
		return sharederrors.ErrStateConflict
	}
	rec.Status = preview.StatusProcessing
	rec.LastAttemptID = sql.NullString{String: attemptID, Valid: true}
	s.markCalls = append(s.markCalls, previewID)
	return nil
}

func (s *fakeStore) RetryPreview(ctx context.Context, previewID string) (string, error) {
	rec, ok := s.previews[previewID]
	if !ok || rec.Status != preview.StatusFailed {
		return "", sharederrors.ErrStateConflict
	}
	rec.Status = preview.StatusPending
	rec.RetryCount++
	return "new-attempt", nil
}

func (s *fakeStore) EnqueueWorkerResult(ctx context.Context, previewID, workerID, payloadJSON string) error {
	s.pendingResults = append(s.pendingResults, previewID)
	return nil
}

func (s *fakeStore) EnqueueDownload(ctx context.Context, previewID, payloadJSON string) (string, error) {
	s.downloads = append(s.downloads, previewID)
	return "dl-1", nil
}

func (s *fakeStore) LoadTaskPayload(ctx context.Context, previewID string) (string, error) {
	return s.taskPayloads[previewID], nil
}

func (s *fakeStore) ResetDownloadForPreview(ctx context.Context, previewID string) (bool, error) {
	if !s.downloadRows[previewID] {
		return false, nil
	}
	s.resetDownloads = append(s.resetDownloads, previewID)
	return true, nil
}

func (s *fakeStore) ListMaterialFiles(ctx context.Context, filter preview.MaterialFileFilter) ([]preview.MaterialFileRecord, error) {
	return nil, nil
}

// fakeQueue records enqueued tasks.
type fakeQueue struct {
	tasks []preview.Task
}

func (q *fakeQueue) Enqueue(ctx context.Context, task preview.Task) error {
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *fakeQueue) Depth(ctx context.Context) (int64, error) {
	return int64(len(q.tasks)), nil
}

func newTestServer(t *testing.T, store *fakeStore) (*Server, *fakeQueue, *cache.MaterialCache) {
	t.Helper()
	materialCache, err := cache.New(t.TempDir(), nil)
	require.NoError(t, err)
	registry := heartbeat.NewRegistry(nil, nil)
	taskQueue := &fakeQueue{}

	server := NewServer(Config{
		BaseURL:            "http://master.test",
		DistributedEnabled: true,
		Workers: []WorkerCredential{
			{WorkerID: "w1", Secret: "s1", Enabled: true},
			{WorkerID: "w2", Secret: "s2", Enabled: false},
		},
	}, store, nil, materialCache, registry, nil, nil, nil, nil, taskQueue, nil)
	return server, taskQueue, materialCache
}

func doRequest(t *testing.T, server *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	return rec
}

func workerHeaders() map[string]string {
	return map[string]string{"X-Worker-Id": "w1", "X-Worker-Key": "s1"}
}

func healthyHeartbeat(workerID string) heartbeat.Request {
	return heartbeat.Request{
		WorkerID:     workerID,
		IntervalSecs: 30,
		Metrics:      &heartbeat.Metrics{CPUPercent: 20, MemoryPercent: 30},
	}
}

func TestWorkerAuthRejections(t *testing.T) {
	server, _, _ := newTestServer(t, newFakeStore())

	rec := doRequest(t, server, http.MethodPost, "/internal/worker/heartbeat", healthyHeartbeat("w1"), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, server, http.MethodPost, "/internal/worker/heartbeat", healthyHeartbeat("w1"),
		map[string]string{"X-Worker-Id": "w1", "X-Worker-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Disabled credentials are rejected.
	rec = doRequest(t, server, http.MethodPost, "/internal/worker/heartbeat", healthyHeartbeat("w2"),
		map[string]string{"X-Worker-Id": "w2", "X-Worker-Key": "s2"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHeartbeatAck(t *testing.T) {
	server, _, _ := newTestServer(t, newFakeStore())

	rec := doRequest(t, server, http.MethodPost, "/internal/worker/heartbeat", healthyHeartbeat("w1"), workerHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	var ack preview.HeartbeatAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.True(t, ack.Ack)
	assert.Equal(t, 30, ack.IntervalSecs)
}

func TestHeartbeatWorkerIDMismatch(t *testing.T) {
	server, _, _ := newTestServer(t, newFakeStore())

	rec := doRequest(t, server, http.MethodPost, "/internal/worker/heartbeat", healthyHeartbeat("other"), workerHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkerStartAdmission(t *testing.T) {
	store := newFakeStore()
	store.previews["p1"] = &preview.Record{ID: "p1", Status: preview.StatusPending}
	server, _, _ := newTestServer(t, store)

	// No heartbeat yet: denied with 503 so the dispatcher requeues.
	rec := doRequest(t, server, http.MethodPost, "/internal/worker/previews/p1/start",
		map[string]string{"attempt_id": "a1"}, workerHeaders())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, store.markCalls)

	// After a healthy heartbeat the start succeeds.
	doRequest(t, server, http.MethodPost, "/internal/worker/heartbeat", healthyHeartbeat("w1"), workerHeaders())
	rec = doRequest(t, server, http.MethodPost, "/internal/worker/previews/p1/start",
		map[string]string{"attempt_id": "a1"}, workerHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"p1"}, store.markCalls)
	assert.Equal(t, preview.StatusProcessing, store.previews["p1"].Status)
}

func TestWorkerStartStateConflict(t *testing.T) {
	store := newFakeStore()
	store.previews["p1"] = &preview.Record{ID: "p1", Status: preview.StatusCompleted}
	server, _, _ := newTestServer(t, store)

	doRequest(t, server, http.MethodPost, "/internal/worker/heartbeat", healthyHeartbeat("w1"), workerHeaders())
	rec := doRequest(t, server, http.MethodPost, "/internal/worker/previews/p1/start",
		map[string]string{"attempt_id": "a1"}, workerHeaders())
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWorkerResultQueued(t *testing.T) {
	store := newFakeStore()
	store.previews["p1"] = &preview.Record{
		ID:            "p1",
		Status:        preview.StatusProcessing,
		LastAttemptID: sql.NullString{String: "a1", Valid: true},
	}
	server, _, _ := newTestServer(t, store)

	result := preview.WorkerResult{
		Status:           preview.JobCompleted,
		EvaluationResult: preview.NewEvaluationResult(preview.BasicInfo{}),
		AttemptID:        "a1",
	}
	rec := doRequest(t, server, http.MethodPut, "/internal/worker/previews/p1/result", result, workerHeaders())
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"p1"}, store.pendingResults)
}

func TestWorkerResultStaleAttemptIgnored(t *testing.T) {
	store := newFakeStore()
	store.previews["p1"] = &preview.Record{
		ID:            "p1",
		Status:        preview.StatusProcessing,
		LastAttemptID: sql.NullString{String: "attempt-B", Valid: true},
	}
	server, _, _ := newTestServer(t, store)

	result := preview.WorkerResult{
		Status:           preview.JobCompleted,
		EvaluationResult: preview.NewEvaluationResult(preview.BasicInfo{}),
		AttemptID:        "attempt-A",
	}
	rec := doRequest(t, server, http.MethodPut, "/internal/worker/previews/p1/result", result, workerHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ignored", body["status"])
	assert.Equal(t, "attempt_id_mismatch", body["reason"])
	assert.Empty(t, store.pendingResults, "stale results never reach reconciliation")
}

func TestWorkerResultCompletedRequiresEvaluation(t *testing.T) {
	store := newFakeStore()
	store.previews["p1"] = &preview.Record{ID: "p1", Status: preview.StatusProcessing}
	server, _, _ := newTestServer(t, store)

	result := preview.WorkerResult{Status: preview.JobCompleted, AttemptID: "a1"}
	rec := doRequest(t, server, http.MethodPut, "/internal/worker/previews/p1/result", result, workerHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkerResultUnknownPreview(t *testing.T) {
	server, _, _ := newTestServer(t, newFakeStore())

	result := preview.WorkerResult{Status: preview.JobFailed, FailureReason: "x", AttemptID: "a1"}
	rec := doRequest(t, server, http.MethodPut, "/internal/worker/previews/nope/result", result, workerHeaders())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFetchMaterialFromCache(t *testing.T) {
	store := newFakeStore()
	server, _, materialCache := newTestServer(t, store)

	token, err := materialCache.Store("p1", "license", "scan.png", []byte("png-bytes"), "image/png")
	require.NoError(t, err)

	rec := doRequest(t, server, http.MethodPost, "/internal/worker/materials/fetch",
		map[string]string{"token": token}, workerHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "scan.png")
	assert.Equal(t, []byte("png-bytes"), rec.Body.Bytes())
}

func TestFetchMaterialNotFound(t *testing.T) {
	server, _, _ := newTestServer(t, newFakeStore())

	rec := doRequest(t, server, http.MethodPost, "/internal/worker/materials/fetch",
		map[string]string{"token": "missing"}, workerHeaders())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreatePreviewAcceptsAndQueuesDownload(t *testing.T) {
	store := newFakeStore()
	server, _, _ := newTestServer(t, store)

	body := preview.Body{
		UserID: "u1",
		Preview: preview.Request{
			MatterID:   "matter-1",
			MatterName: "Test Matter",
			RequestID:  "req-1",
			MaterialData: []preview.Material{
				{Code: "license", Name: "Business License", AttachmentList: []preview.Attachment{
					{AttachName: "scan.jpg", AttachURL: "https://files.example.com/scan.jpg"},
				}},
			},
		},
	}
	rec := doRequest(t, server, http.MethodPost, "/api/previews", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	previewID, _ := resp["preview_id"].(string)
	require.NotEmpty(t, previewID)

	assert.Contains(t, store.previews, previewID)
	assert.Equal(t, []string{previewID}, store.downloads)
}

func TestRetryReenqueuesRetainedTaskPayload(t *testing.T) {
	store := newFakeStore()
	store.previews["p1"] = &preview.Record{ID: "p1", Status: preview.StatusFailed}
	taskJSON, err := json.Marshal(preview.NewTask(preview.Body{
		Preview: preview.Request{MatterID: "m1", RequestID: "req-1"},
	}, "p1", "req-1"))
	require.NoError(t, err)
	store.taskPayloads["p1"] = string(taskJSON)

	server, taskQueue, _ := newTestServer(t, store)

	rec := doRequest(t, server, http.MethodPost, "/api/previews/p1/retry", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "task_queue", resp["requeued"])

	assert.Equal(t, preview.StatusPending, store.previews["p1"].Status)
	// The retained payload went straight back onto the task queue.
	require.Len(t, taskQueue.tasks, 1)
	assert.Equal(t, "p1", taskQueue.tasks[0].PreviewID)
	assert.Empty(t, store.resetDownloads)
}

func TestRetryResetsDownloadWhenNoPayload(t *testing.T) {
	store := newFakeStore()
	store.previews["p1"] = &preview.Record{ID: "p1", Status: preview.StatusFailed}
	store.downloadRows["p1"] = true

	server, taskQueue, _ := newTestServer(t, store)

	rec := doRequest(t, server, http.MethodPost, "/api/previews/p1/retry", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "download_queue", resp["requeued"])

	assert.Equal(t, []string{"p1"}, store.resetDownloads)
	assert.Empty(t, taskQueue.tasks)
}

func TestRetryWithNothingToRequeueIsRejected(t *testing.T) {
	store := newFakeStore()
	store.previews["p1"] = &preview.Record{ID: "p1", Status: preview.StatusFailed}

	server, taskQueue, _ := newTestServer(t, store)

	rec := doRequest(t, server, http.MethodPost, "/api/previews/p1/retry", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, taskQueue.tasks)
}

func TestRetryNonFailedPreviewConflicts(t *testing.T) {
	store := newFakeStore()
	store.previews["p1"] = &preview.Record{ID: "p1", Status: preview.StatusProcessing}

	server, _, _ := newTestServer(t, store)

	rec := doRequest(t, server, http.MethodPost, "/api/previews/p1/retry", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, preview.StatusProcessing, store.previews["p1"].Status)
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t, newFakeStore())
	rec := doRequest(t, server, http.MethodGet, "/api/resources/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestDistributedDisabledBlocksWorkerEndpoints(t *testing.T) {
	materialCache, err := cache.New(t.TempDir(), nil)
	require.NoError(t, err)
	server := NewServer(Config{DistributedEnabled: false}, newFakeStore(), nil, materialCache,
		heartbeat.NewRegistry(nil, nil), nil, nil, nil, nil, nil, nil)

	rec := doRequest(t, server, http.MethodPost, "/internal/worker/heartbeat", healthyHeartbeat("w1"), workerHeaders())
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
