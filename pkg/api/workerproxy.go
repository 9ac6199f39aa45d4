package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/previewlabs/previewd/pkg/heartbeat"
	"github.com/previewlabs/previewd/pkg/preview"
	sharederrors "github.com/previewlabs/previewd/pkg/shared/errors"
)

type fetchMaterialRequest struct {
	Token        string `json:"token"`
	PreviewID    string `json:"preview_id,omitempty"`
	MaterialCode string `json:"material_code,omitempty"`
}

// handleFetchMaterial serves cached material bytes to workers, falling
// back to the object store via the material file records when the cache
// entry is gone.
func (s *Server) handleFetchMaterial(w http.ResponseWriter, r *http.Request) {
	workerID := workerIDFrom(r)

	var req fetchMaterialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "token must not be empty")
		return
	}

	data, err := s.cache.Read(req.Token)
	if err == nil {
		filename, mime, _ := s.cache.Metadata(req.Token)
		serveBlob(w, data, filename, mime)
		return
	}

	s.logger.Warn("worker material cache miss, trying storage fallback",
		zap.String("worker_id", workerID),
		zap.String("token", req.Token),
		zap.Error(err))

	if req.PreviewID != "" {
		records, lerr := s.store.ListMaterialFiles(r.Context(), preview.MaterialFileFilter{
			PreviewID:    req.PreviewID,
			MaterialCode: req.MaterialCode,
		})
		if lerr == nil {
			for _, record := range records {
				if strings.TrimSpace(record.StoredOriginalKey) == "" {
					continue
				}
				data, gerr := s.objects.Get(r.Context(), record.StoredOriginalKey)
				if gerr != nil || data == nil {
					continue
				}
				filename := ""
				if record.AttachmentName.Valid {
					filename = record.AttachmentName.String
				}
				mime := ""
				if record.MimeType.Valid {
					mime = record.MimeType.String
				}
				serveBlob(w, data, filename, mime)
				return
			}
		}
	}

	writeError(w, http.StatusNotFound, fmt.Sprintf("material not found: %v", err))
}

func serveBlob(w http.ResponseWriter, data []byte, filename, mime string) {
	if mime == "" {
		mime = "application/octet-stream"
	}
	if filename == "" {
		filename = "attachment.bin"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type presignRequest struct {
	OSSKey     string `json:"oss_key"`
	Operation  string `json:"operation"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request) {
	var req presignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Operation != "" && !strings.EqualFold(req.Operation, "get") {
		writeError(w, http.StatusBadRequest, "only GET presigning is supported")
		return
	}
	if strings.TrimSpace(req.OSSKey) == "" {
		writeError(w, http.StatusBadRequest, "oss_key must not be empty")
		return
	}

	ttl := req.TTLSeconds
	if ttl < 60 {
		ttl = 60
	}
	if ttl > 3600 {
		ttl = 3600
	}

	url, err := s.objects.GetPresignedURL(r.Context(), req.OSSKey, time.Duration(ttl)*time.Second)
	if err != nil {
		s.logger.Warn("presign failed",
			zap.String("worker_id", workerIDFrom(r)),
			zap.String("key", req.OSSKey),
			zap.Error(err))
		writeError(w, http.StatusBadGateway, fmt.Sprintf("cannot presign url: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"url": url, "expires_in": ttl})
}

type workerStartRequest struct {
	AttemptID string `json:"attempt_id"`
}

// handleWorkerStart applies the admission gate, then performs the
// pending→processing transition for the attempt.
func (s *Server) handleWorkerStart(w http.ResponseWriter, r *http.Request) {
	workerID := workerIDFrom(r)
	previewID := chi.URLParam(r, "previewID")
	if strings.TrimSpace(previewID) == "" {
		writeError(w, http.StatusBadRequest, "preview_id must not be empty")
		return
	}

	var req workerStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	attemptID := strings.TrimSpace(req.AttemptID)
	if attemptID == "" {
		writeError(w, http.StatusBadRequest, "attempt_id must not be empty")
		return
	}

	if err := s.registry.Admit(workerID); err != nil {
		s.logger.Warn("admission denied",
			zap.String("worker_id", workerID),
			zap.String("preview_id", previewID),
			zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	if err := s.store.MarkProcessing(r.Context(), previewID, workerID, attemptID); err != nil {
		if errors.Is(err, sharederrors.ErrStateConflict) {
			writeError(w, http.StatusConflict, "preview is not dispatchable in its current state")
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("mark processing failed: %v", err))
		return
	}

	s.registry.RecordAssignment(workerID)

	writeJSON(w, http.StatusOK, map[string]any{
		"preview_id": previewID,
		"worker_id":  workerID,
		"attempt_id": attemptID,
		"status":     "processing",
	})
}

// handleWorkerResult queues the result for asynchronous reconciliation,
// falling back to synchronous processing when queueing fails.
func (s *Server) handleWorkerResult(w http.ResponseWriter, r *http.Request) {
	workerID := workerIDFrom(r)
	previewID := chi.URLParam(r, "previewID")
	if strings.TrimSpace(previewID) == "" {
		writeError(w, http.StatusBadRequest, "preview_id must not be empty")
		return
	}

	var payload preview.WorkerResult
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.store.GetPreview(r.Context(), previewID)
	if errors.Is(err, sharederrors.ErrNotFound) {
		writeError(w, http.StatusNotFound, "preview not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("load preview failed: %v", err))
		return
	}

	// Reject stale attempts before they enter the async queue.
	if rec.LastAttemptID.Valid && payload.AttemptID != "" && payload.AttemptID != rec.LastAttemptID.String {
		s.logger.Warn("attempt_id_mismatch, ignoring worker result",
			zap.String("worker_id", workerID),
			zap.String("preview_id", previewID),
			zap.String("expected_attempt", rec.LastAttemptID.String),
			zap.String("request_attempt", payload.AttemptID))
		writeJSON(w, http.StatusOK, map[string]any{
			"success":    false,
			"preview_id": previewID,
			"status":     "ignored",
			"reason":     "attempt_id_mismatch",
		})
		return
	}

	if payload.Status == preview.JobCompleted && payload.EvaluationResult == nil {
		writeError(w, http.StatusBadRequest, "status=completed requires evaluation_result")
		return
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("serialize result failed: %v", err))
		return
	}

	if err := s.store.EnqueueWorkerResult(r.Context(), previewID, workerID, string(payloadJSON)); err == nil {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"preview_id": previewID,
			"status":     string(payload.Status),
			"worker_id":  workerID,
			"attempt_id": payload.AttemptID,
			"queued":     true,
		})
		return
	}

	s.logger.Warn("result queueing failed, processing synchronously",
		zap.String("worker_id", workerID),
		zap.String("preview_id", previewID))

	if err := s.reconciler.ProcessResult(r.Context(), previewID, payload, workerID); err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "requires evaluation_result") {
			status = http.StatusBadRequest
		}
		s.logger.Error("synchronous result processing failed",
			zap.String("worker_id", workerID),
			zap.String("preview_id", previewID),
			zap.Error(err))
		writeError(w, status, fmt.Sprintf("process worker result failed: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"preview_id": previewID,
		"status":     "completed",
		"worker_id":  workerID,
	})
}

// handleHeartbeat ingests a worker heartbeat and acks with the interval.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := workerIDFrom(r)

	var req heartbeat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkerID != workerID {
		writeError(w, http.StatusBadRequest, "worker_id does not match credentials")
		return
	}

	interval := s.registry.Record(req)

	writeJSON(w, http.StatusOK, preview.HeartbeatAck{
		Ack:          true,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		IntervalSecs: interval,
	})
}
