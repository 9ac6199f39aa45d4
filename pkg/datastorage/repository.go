// Package datastorage implements the Postgres repository behind the
// preview lifecycle, material file records, the download queue and the
// pending-result queue.
package datastorage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/previewlabs/previewd/pkg/preview"
	sharederrors "github.com/previewlabs/previewd/pkg/shared/errors"
)

// Repository wraps the Postgres handle. State transitions use conditional
// updates on the current status; plain attribute writes are last-writer-
// wins.
type Repository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewRepository builds a repository.
func NewRepository(db *sqlx.DB, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{db: db, logger: logger}
}

// --- preview lifecycle ---

// CreatePreview inserts a new preview in pending state.
func (r *Repository) CreatePreview(ctx context.Context, rec *preview.Record) error {
	if rec.Status == "" {
		rec.Status = preview.StatusPending
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO previews (
			id, matter_id, matter_name, applicant_name, applicant_id,
			agent_name, agent_id, status, third_party_request_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`,
		rec.ID, rec.MatterID, rec.MatterName, rec.ApplicantName, rec.ApplicantID,
		rec.AgentName, rec.AgentID, rec.Status, rec.ThirdPartyRequestID)
	if err != nil {
		return sharederrors.DatabaseError("insert preview", err)
	}
	return nil
}

// GetPreview loads a preview row, or ErrNotFound.
func (r *Repository) GetPreview(ctx context.Context, previewID string) (*preview.Record, error) {
	var rec preview.Record
	err := r.db.GetContext(ctx, &rec, `SELECT * FROM previews WHERE id = $1`, previewID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("preview %s: %w", previewID, sharederrors.ErrNotFound)
	}
	if err != nil {
		return nil, sharederrors.DatabaseError("load preview", err)
	}
	return &rec, nil
}

// MarkProcessing performs the pending→processing transition, recording the
// assigned worker and attempt id. Re-marking the same attempt is
// idempotent; any other state mismatch returns ErrStateConflict.
func (r *Repository) MarkProcessing(ctx context.Context, previewID, workerID, attemptID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE previews
		SET status = $2, assigned_worker_id = $3, last_attempt_id = $4,
		    processing_started_at = NOW(), updated_at = NOW()
		WHERE id = $1
		  AND (status = $5 OR (status = $2 AND last_attempt_id = $4))`,
		previewID, preview.StatusProcessing, workerID, attemptID, preview.StatusPending)
	if err != nil {
		return sharederrors.DatabaseError("mark preview processing", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("mark processing %s: %w", previewID, sharederrors.ErrStateConflict)
	}
	return nil
}

// TakeOverProcessing moves a pending or processing preview onto a new
// attempt. The master's in-process pipeline uses it to take over a
// preview whose worker attempt failed.
func (r *Repository) TakeOverProcessing(ctx context.Context, previewID, workerID, attemptID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE previews
		SET status = $2, assigned_worker_id = $3, last_attempt_id = $4,
		    processing_started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ($5, $2)`,
		previewID, preview.StatusProcessing, workerID, attemptID, preview.StatusPending)
	if err != nil {
		return sharederrors.DatabaseError("take over preview processing", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("take over %s: %w", previewID, sharederrors.ErrStateConflict)
	}
	return nil
}

// MarkCompleted performs the processing→completed terminal transition.
// Completing an already completed preview is a no-op; the returned bool is
// true only on the first entry into the terminal state, which gates
// exactly-once cleanup. Completion without an evaluation result is a state
// conflict.
func (r *Repository) MarkCompleted(ctx context.Context, previewID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE previews SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3 AND evaluation_result IS NOT NULL`,
		previewID, preview.StatusCompleted, preview.StatusProcessing)
	if err != nil {
		return false, sharederrors.DatabaseError("mark preview completed", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return true, nil
	}

	rec, err := r.GetPreview(ctx, previewID)
	if err != nil {
		return false, err
	}
	if rec.Status == preview.StatusCompleted {
		return false, nil
	}
	return false, fmt.Errorf("complete %s from %s: %w", previewID, rec.Status, sharederrors.ErrStateConflict)
}

// MarkFailed performs the processing→failed terminal transition with the
// same idempotence contract as MarkCompleted.
func (r *Repository) MarkFailed(ctx context.Context, previewID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE previews SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3`,
		previewID, preview.StatusFailed, preview.StatusProcessing)
	if err != nil {
		return false, sharederrors.DatabaseError("mark preview failed", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return true, nil
	}

	rec, err := r.GetPreview(ctx, previewID)
	if err != nil {
		return false, err
	}
	if rec.Status == preview.StatusFailed {
		return false, nil
	}
	return false, fmt.Errorf("fail %s from %s: %w", previewID, rec.Status, sharederrors.ErrStateConflict)
}

// RetryPreview performs failed→pending, bumping the retry counter and
// minting a fresh attempt id.
func (r *Repository) RetryPreview(ctx context.Context, previewID string) (string, error) {
	attemptID := preview.NewAttemptID()
	res, err := r.db.ExecContext(ctx, `
		UPDATE previews
		SET status = $2, retry_count = retry_count + 1, last_attempt_id = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		previewID, preview.StatusPending, attemptID, preview.StatusFailed)
	if err != nil {
		return "", sharederrors.DatabaseError("retry preview", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return "", fmt.Errorf("retry %s: %w", previewID, sharederrors.ErrStateConflict)
	}
	return attemptID, nil
}

// UpdateEvaluationResult stores the serialized evaluation result.
func (r *Repository) UpdateEvaluationResult(ctx context.Context, previewID, resultJSON string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE previews SET evaluation_result = $2, updated_at = NOW() WHERE id = $1`,
		previewID, resultJSON)
	if err != nil {
		return sharederrors.DatabaseError("update evaluation result", err)
	}
	return nil
}

// UpdateArtifacts records the report URLs on the preview.
func (r *Repository) UpdateArtifacts(ctx context.Context, previewID, viewURL, downloadURL string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE previews SET report_view_url = $2, report_download_url = $3, updated_at = NOW()
		WHERE id = $1`,
		previewID, nullable(viewURL), nullable(downloadURL))
	if err != nil {
		return sharederrors.DatabaseError("update preview artifacts", err)
	}
	return nil
}

// UpdateFailureContext patches failure columns; only fields set in the
// update are touched.
func (r *Repository) UpdateFailureContext(ctx context.Context, update preview.FailureUpdate) error {
	set := "updated_at = NOW()"
	args := []any{update.PreviewID}
	idx := 2
	appendField := func(column string, field **string) {
		if field == nil {
			return
		}
		set += fmt.Sprintf(", %s = $%d", column, idx)
		if *field == nil {
			args = append(args, nil)
		} else {
			args = append(args, **field)
		}
		idx++
	}
	appendField("failure_reason", update.FailureReason)
	appendField("failure_context", update.FailureContext)
	appendField("last_error_code", update.LastErrorCode)

	query := fmt.Sprintf("UPDATE previews SET %s WHERE id = $1", set)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return sharederrors.DatabaseError("update failure context", err)
	}
	return nil
}

// --- material file records ---

// ListMaterialFiles returns records matching the filter, newest first.
func (r *Repository) ListMaterialFiles(ctx context.Context, filter preview.MaterialFileFilter) ([]preview.MaterialFileRecord, error) {
	query := `SELECT * FROM material_files WHERE preview_id = $1`
	args := []any{filter.PreviewID}
	if filter.MaterialCode != "" {
		query += ` AND material_code = $2`
		args = append(args, filter.MaterialCode)
	}
	query += ` ORDER BY created_at DESC`

	var records []preview.MaterialFileRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, sharederrors.DatabaseError("list material files", err)
	}
	return records, nil
}

// SaveMaterialFile upserts a material file record by id.
func (r *Repository) SaveMaterialFile(ctx context.Context, rec *preview.MaterialFileRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO material_files (
			id, preview_id, material_code, attachment_name, source_url,
			stored_original_key, stored_processed_keys, mime_type, size_bytes,
			checksum_sha256, ocr_text_key, ocr_text_length, status, error_message,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NOW(),NOW())
		ON CONFLICT (id) DO UPDATE SET
			stored_original_key = EXCLUDED.stored_original_key,
			stored_processed_keys = EXCLUDED.stored_processed_keys,
			mime_type = EXCLUDED.mime_type,
			size_bytes = EXCLUDED.size_bytes,
			checksum_sha256 = EXCLUDED.checksum_sha256,
			ocr_text_key = EXCLUDED.ocr_text_key,
			ocr_text_length = EXCLUDED.ocr_text_length,
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			updated_at = NOW()`,
		rec.ID, rec.PreviewID, rec.MaterialCode, rec.AttachmentName, rec.SourceURL,
		rec.StoredOriginalKey, rec.StoredProcessedKeys, rec.MimeType, rec.SizeBytes,
		rec.ChecksumSHA256, rec.OCRTextKey, rec.OCRTextLength, rec.Status, rec.ErrorMessage)
	if err != nil {
		return sharederrors.DatabaseError("save material file record", err)
	}
	return nil
}

// --- evaluation breakdown (replace-set per preview) ---

// ReplaceMaterialResults swaps the per-material breakdown rows for a
// preview in one transaction.
func (r *Repository) ReplaceMaterialResults(ctx context.Context, previewID string, records []preview.MaterialResultRecord) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM preview_material_results WHERE preview_id = $1`, previewID); err != nil {
			return err
		}
		for _, rec := range records {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO preview_material_results (
					id, preview_id, material_code, material_name, status, status_code,
					processing_status, issues_count, warnings_count, attachments_json,
					summary_json, created_at, updated_at
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW(),NOW())`,
				rec.ID, rec.PreviewID, rec.MaterialCode, rec.MaterialName, rec.Status,
				rec.StatusCode, rec.ProcessingStatus, rec.IssuesCount, rec.WarningsCount,
				rec.AttachmentsJSON, rec.SummaryJSON); err != nil {
				return err
			}
		}
		return nil
	}, "replace material results")
}

// ReplaceRuleResults swaps the per-rule breakdown rows for a preview.
func (r *Repository) ReplaceRuleResults(ctx context.Context, previewID string, records []preview.RuleResultRecord) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM preview_rule_results WHERE preview_id = $1`, previewID); err != nil {
			return err
		}
		for _, rec := range records {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO preview_rule_results (
					id, preview_id, material_result_id, material_code, rule_name, engine,
					severity, status, message, suggestions_json, evidence_json,
					created_at, updated_at
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW(),NOW())`,
				rec.ID, rec.PreviewID, rec.MaterialResultID, rec.MaterialCode, rec.RuleName,
				rec.Engine, rec.Severity, rec.Status, rec.Message, rec.SuggestionsJSON,
				rec.EvidenceJSON); err != nil {
				return err
			}
		}
		return nil
	}, "replace rule results")
}

// --- task payloads ---

// SaveTaskPayload upserts the queued task payload for a preview, enabling
// master fallback re-execution.
func (r *Repository) SaveTaskPayload(ctx context.Context, previewID, payloadJSON string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO task_payloads (preview_id, payload, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (preview_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`,
		previewID, payloadJSON)
	if err != nil {
		return sharederrors.DatabaseError("save task payload", err)
	}
	return nil
}

// LoadTaskPayload returns the payload, or "" when absent.
func (r *Repository) LoadTaskPayload(ctx context.Context, previewID string) (string, error) {
	var payload string
	err := r.db.GetContext(ctx, &payload, `SELECT payload FROM task_payloads WHERE preview_id = $1`, previewID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", sharederrors.DatabaseError("load task payload", err)
	}
	return payload, nil
}

// DeleteTaskPayload removes the payload once the preview is terminal.
func (r *Repository) DeleteTaskPayload(ctx context.Context, previewID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM task_payloads WHERE preview_id = $1`, previewID); err != nil {
		return sharederrors.DatabaseError("delete task payload", err)
	}
	return nil
}

// --- download queue ---

// EnqueueDownload inserts a download task for a preview payload.
func (r *Repository) EnqueueDownload(ctx context.Context, previewID, payloadJSON string) (string, error) {
	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO material_download_queue (id, preview_id, payload, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())`,
		id, previewID, payloadJSON)
	if err != nil {
		return "", sharederrors.DatabaseError("enqueue material download", err)
	}
	return id, nil
}

// FetchPendingDownloads claims up to limit pending download tasks,
// skipping rows locked by concurrent pollers.
func (r *Repository) FetchPendingDownloads(ctx context.Context, limit int) ([]preview.DownloadTask, error) {
	var tasks []preview.DownloadTask
	err := r.db.SelectContext(ctx, &tasks, `
		UPDATE material_download_queue
		SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM material_download_queue
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`, limit)
	if err != nil {
		return nil, sharederrors.DatabaseError("fetch pending downloads", err)
	}
	return tasks, nil
}

// UpdateDownloadStatus finalizes a download task, bumping the attempt
// counter on failure.
func (r *Repository) UpdateDownloadStatus(ctx context.Context, taskID, status string, errorMessage string) error {
	attemptBump := 0
	if status == "failed" {
		attemptBump = 1
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE material_download_queue
		SET status = $2, error = $3, attempts = attempts + $4, updated_at = NOW()
		WHERE id = $1`,
		taskID, status, nullable(errorMessage), attemptBump)
	if err != nil {
		return sharederrors.DatabaseError("update download status", err)
	}
	return nil
}

// RequeueDownload returns a claimed task to pending for a later attempt.
func (r *Repository) RequeueDownload(ctx context.Context, taskID string, errorMessage string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE material_download_queue
		SET status = 'pending', error = $2, attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1`,
		taskID, nullable(errorMessage))
	if err != nil {
		return sharederrors.DatabaseError("requeue download", err)
	}
	return nil
}

// ResetDownloadForPreview returns a preview's download task to pending
// with a fresh attempt budget, so a retried preview whose normalization
// never finished is picked up again. Reports whether a row existed.
func (r *Repository) ResetDownloadForPreview(ctx context.Context, previewID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE material_download_queue
		SET status = 'pending', attempts = 0, error = NULL, updated_at = NOW()
		WHERE id = (
			SELECT id FROM material_download_queue
			WHERE preview_id = $1
			ORDER BY created_at DESC
			LIMIT 1
		)`, previewID)
	if err != nil {
		return false, sharederrors.DatabaseError("reset download for preview", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// UpdateDownloadPayload persists partial progress (rewritten attachment
// URLs) so the next attempt resumes instead of refetching.
func (r *Repository) UpdateDownloadPayload(ctx context.Context, taskID, payloadJSON string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE material_download_queue SET payload = $2, updated_at = NOW() WHERE id = $1`,
		taskID, payloadJSON)
	if err != nil {
		return sharederrors.DatabaseError("update download payload", err)
	}
	return nil
}

// --- download dedup cache ---

// GetDownloadCacheToken returns a live cache token for a source URL.
func (r *Repository) GetDownloadCacheToken(ctx context.Context, sourceURL string) (*preview.DownloadCacheEntry, error) {
	var entry preview.DownloadCacheEntry
	err := r.db.GetContext(ctx, &entry, `
		SELECT * FROM download_cache WHERE source_url = $1 AND expires_at > NOW()`, sourceURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sharederrors.DatabaseError("get download cache token", err)
	}
	return &entry, nil
}

// UpsertDownloadCacheToken records a dedup token with a TTL.
func (r *Repository) UpsertDownloadCacheToken(ctx context.Context, sourceURL, token string, ttl time.Duration) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO download_cache (source_url, token, expires_at)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 second')
		ON CONFLICT (source_url) DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at`,
		sourceURL, token, int64(ttl.Seconds()))
	if err != nil {
		return sharederrors.DatabaseError("upsert download cache token", err)
	}
	return nil
}

// --- cached material rows ---

// SaveCachedMaterial records a cache token owned by a preview.
func (r *Repository) SaveCachedMaterial(ctx context.Context, previewID, materialCode, token string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cached_materials (preview_id, material_code, token, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT DO NOTHING`,
		previewID, materialCode, token)
	if err != nil {
		return sharederrors.DatabaseError("save cached material", err)
	}
	return nil
}

// DeleteCachedMaterials removes the cache bookkeeping rows for a preview.
func (r *Repository) DeleteCachedMaterials(ctx context.Context, previewID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM cached_materials WHERE preview_id = $1`, previewID); err != nil {
		return sharederrors.DatabaseError("delete cached materials", err)
	}
	return nil
}

// --- pending worker results ---

// EnqueueWorkerResult queues a worker result payload for asynchronous
// reconciliation.
func (r *Repository) EnqueueWorkerResult(ctx context.Context, previewID, workerID, payloadJSON string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_worker_results (preview_id, worker_id, payload, created_at)
		VALUES ($1, $2, $3, NOW())`,
		previewID, workerID, payloadJSON)
	if err != nil {
		return sharederrors.DatabaseError("enqueue worker result", err)
	}
	return nil
}

// FetchPendingWorkerResults claims up to limit queued results in arrival
// order.
func (r *Repository) FetchPendingWorkerResults(ctx context.Context, limit int) ([]preview.PendingResult, error) {
	var results []preview.PendingResult
	err := r.db.SelectContext(ctx, &results, `
		DELETE FROM pending_worker_results
		WHERE id IN (
			SELECT id FROM pending_worker_results
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`, limit)
	if err != nil {
		return nil, sharederrors.DatabaseError("fetch pending worker results", err)
	}
	return results, nil
}

// --- helpers ---

func (r *Repository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error, op string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return sharederrors.DatabaseError("begin "+op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return sharederrors.DatabaseError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return sharederrors.DatabaseError("commit "+op, err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
