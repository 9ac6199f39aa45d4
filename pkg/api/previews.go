package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/previewlabs/previewd/pkg/preview"
	sharederrors "github.com/previewlabs/previewd/pkg/shared/errors"
)

// handleCreatePreview accepts an external preview request: it creates the
// pending preview row and enqueues the material download task.
func (s *Server) handleCreatePreview(w http.ResponseWriter, r *http.Request) {
	var body preview.Body
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Preview.MatterID) == "" {
		writeError(w, http.StatusBadRequest, "matterId must not be empty")
		return
	}

	previewID := uuid.NewString()
	rec := &preview.Record{
		ID:            previewID,
		MatterID:      body.Preview.MatterID,
		MatterName:    body.Preview.MatterName,
		ApplicantName: body.Preview.SubjectInfo.Name,
		ApplicantID:   body.Preview.SubjectInfo.UserID,
		AgentName:     body.Preview.AgentInfo.Name,
		AgentID:       body.Preview.AgentInfo.UserID,
		Status:        preview.StatusPending,
		ThirdPartyRequestID: nullableString(body.Preview.RequestID),
	}
	if err := s.store.CreatePreview(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("create preview failed: %v", err))
		return
	}

	payloadJSON, err := json.Marshal(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("serialize preview failed: %v", err))
		return
	}
	if _, err := s.store.EnqueueDownload(r.Context(), previewID, string(payloadJSON)); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("enqueue download failed: %v", err))
		return
	}

	s.logger.Info("preview accepted",
		zap.String("preview_id", previewID),
		zap.String("matter_id", body.Preview.MatterID),
		zap.Int("materials", len(body.Preview.MaterialData)))

	writeJSON(w, http.StatusAccepted, map[string]any{
		"preview_id": previewID,
		"status":     string(preview.StatusPending),
	})
}

func (s *Server) handleGetPreview(w http.ResponseWriter, r *http.Request) {
	previewID := chi.URLParam(r, "previewID")
	rec, err := s.store.GetPreview(r.Context(), previewID)
	if errors.Is(err, sharederrors.ErrNotFound) {
		writeError(w, http.StatusNotFound, "preview not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("load preview failed: %v", err))
		return
	}

	response := map[string]any{
		"preview_id":  rec.ID,
		"matter_id":   rec.MatterID,
		"status":      string(rec.Status),
		"retry_count": rec.RetryCount,
		"created_at":  rec.CreatedAt,
		"updated_at":  rec.UpdatedAt,
	}
	if rec.FailureReason.Valid {
		response["failure_reason"] = rec.FailureReason.String
	}
	if rec.LastErrorCode.Valid {
		response["last_error_code"] = rec.LastErrorCode.String
	}
	if rec.ReportViewURL.Valid {
		response["report_view_url"] = rec.ReportViewURL.String
	}
	if rec.ReportDownloadURL.Valid {
		response["report_download_url"] = rec.ReportDownloadURL.String
	}
	if rec.EvaluationResult.Valid {
		response["evaluation_result"] = json.RawMessage(rec.EvaluationResult.String)
	}
	writeJSON(w, http.StatusOK, response)
}

// handleRetryPreview moves a failed preview back to pending and re-drives
// the work: the retained task payload goes straight back onto the task
// queue, and previews whose downloads never finished get their download
// task reset instead.
func (s *Server) handleRetryPreview(w http.ResponseWriter, r *http.Request) {
	previewID := chi.URLParam(r, "previewID")

	attemptID, err := s.store.RetryPreview(r.Context(), previewID)
	if errors.Is(err, sharederrors.ErrStateConflict) {
		writeError(w, http.StatusConflict, "only failed previews can be retried")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("retry failed: %v", err))
		return
	}

	requeued, via, err := s.redriveRetriedPreview(r.Context(), previewID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("retry re-queue failed: %v", err))
		return
	}
	if !requeued {
		// Without a payload or download row nothing would ever pick the
		// preview up again; refuse rather than strand it in pending.
		writeError(w, http.StatusConflict, "preview has no retained payload to retry from")
		return
	}

	s.logger.Info("preview retry queued",
		zap.String("preview_id", previewID),
		zap.String("attempt_id", attemptID),
		zap.String("via", via))

	writeJSON(w, http.StatusOK, map[string]any{
		"preview_id": previewID,
		"status":     string(preview.StatusPending),
		"attempt_id": attemptID,
		"requeued":   via,
	})
}

// redriveRetriedPreview re-enqueues a retried preview. The normalized
// task payload is preferred; a preview that failed before normalization
// completed has only its download-queue row to reset.
func (s *Server) redriveRetriedPreview(ctx context.Context, previewID string) (bool, string, error) {
	payloadJSON, err := s.store.LoadTaskPayload(ctx, previewID)
	if err != nil {
		return false, "", err
	}
	if payloadJSON != "" && s.taskQueue != nil {
		var task preview.Task
		if err := json.Unmarshal([]byte(payloadJSON), &task); err != nil {
			return false, "", fmt.Errorf("decode retained task payload: %w", err)
		}
		if err := s.taskQueue.Enqueue(ctx, task); err != nil {
			return false, "", err
		}
		return true, "task_queue", nil
	}

	reset, err := s.store.ResetDownloadForPreview(ctx, previewID)
	if err != nil {
		return false, "", err
	}
	if reset {
		return true, "download_queue", nil
	}
	return false, "", nil
}

// handleRepairPreview re-runs attachment enrichment over the stored
// evaluation result.
func (s *Server) handleRepairPreview(w http.ResponseWriter, r *http.Request) {
	previewID := chi.URLParam(r, "previewID")

	result, err := s.reconciler.RepairPreviewMaterials(r.Context(), previewID)
	if errors.Is(err, sharederrors.ErrNotFound) {
		writeError(w, http.StatusNotFound, "preview or evaluation result not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("repair failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleStorageFile is the public storage proxy: objects are served only
// through this endpoint, never as raw bucket URLs.
func (s *Server) handleStorageFile(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if key == "" {
		writeError(w, http.StatusBadRequest, "storage key must not be empty")
		return
	}

	data, err := s.objects.Get(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("read object failed: %v", err))
		return
	}
	if data == nil {
		writeError(w, http.StatusNotFound, "object not found")
		return
	}

	mime := mimeForKey(key)
	w.Header().Set("Content-Type", mime)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func mimeForKey(key string) string {
	switch {
	case strings.HasSuffix(key, ".html"):
		return "text/html; charset=utf-8"
	case strings.HasSuffix(key, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(key, ".jpg"), strings.HasSuffix(key, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
