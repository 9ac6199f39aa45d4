// Package reconcile ingests worker results on the master: stale-attempt
// filtering, master fallback on OCR failures, attachment enrichment,
// breakdown persistence, report generation and the terminal state
// transition.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/previewlabs/previewd/pkg/cache"
	"github.com/previewlabs/previewd/pkg/preview"
	"github.com/previewlabs/previewd/pkg/queue"
	"github.com/previewlabs/previewd/pkg/report"
	"github.com/previewlabs/previewd/pkg/rules"
	sharederrors "github.com/previewlabs/previewd/pkg/shared/errors"
	"github.com/previewlabs/previewd/pkg/storage"
)

// Store is the repository surface the reconciler drives.
type Store interface {
	GetPreview(ctx context.Context, previewID string) (*preview.Record, error)
	MarkCompleted(ctx context.Context, previewID string) (bool, error)
	MarkFailed(ctx context.Context, previewID string) (bool, error)
	UpdateEvaluationResult(ctx context.Context, previewID, resultJSON string) error
	UpdateFailureContext(ctx context.Context, update preview.FailureUpdate) error
	UpdateArtifacts(ctx context.Context, previewID, viewURL, downloadURL string) error
	ListMaterialFiles(ctx context.Context, filter preview.MaterialFileFilter) ([]preview.MaterialFileRecord, error)
	SaveMaterialFile(ctx context.Context, rec *preview.MaterialFileRecord) error
	ReplaceMaterialResults(ctx context.Context, previewID string, records []preview.MaterialResultRecord) error
	ReplaceRuleResults(ctx context.Context, previewID string, records []preview.RuleResultRecord) error
	LoadTaskPayload(ctx context.Context, previewID string) (string, error)
	DeleteTaskPayload(ctx context.Context, previewID string) error
	DeleteCachedMaterials(ctx context.Context, previewID string) error
	FetchPendingWorkerResults(ctx context.Context, limit int) ([]preview.PendingResult, error)
}

// Notifier pushes terminal status to the external system, best-effort
// idempotent by third-party request id.
type Notifier interface {
	NotifyStatus(ctx context.Context, thirdPartyRequestID, previewID string, status preview.Status) error
}

// FallbackConfig governs master fallback on worker OCR failures.
type FallbackConfig struct {
	Enabled         bool     `yaml:"enabled"`
	TriggerKeywords []string `yaml:"trigger_keywords"`
	MaxAttempts     int      `yaml:"max_attempts"`
}

func (c *FallbackConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
}

// Reporter generates and persists the report artifacts.
type Reporter interface {
	GenerateAndPersist(ctx context.Context, previewID string) ([]report.File, error)
}

// Reconciler processes worker results for the master.
type Reconciler struct {
	fallback FallbackConfig
	store    Store
	objects  storage.Storage
	cache    *cache.MaterialCache
	reports  Reporter
	notifier Notifier
	baseURL  string
	logger   *zap.Logger

	// fallbackHandler runs the preview pipeline in-process; wired by the
	// composition root after the embedded worker exists.
	fallbackHandler queue.Handler
}

// NewReconciler wires the reconciliation plane. notifier may be nil.
func NewReconciler(fallback FallbackConfig, store Store, objects storage.Storage,
	materialCache *cache.MaterialCache, reports Reporter, notifier Notifier,
	baseURL string, logger *zap.Logger) *Reconciler {
	fallback.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		fallback: fallback,
		store:    store,
		objects:  objects,
		cache:    materialCache,
		reports:  reports,
		notifier: notifier,
		baseURL:  baseURL,
		logger:   logger,
	}
}

// SetFallbackHandler installs the in-process pipeline used for master
// fallback.
func (r *Reconciler) SetFallbackHandler(handler queue.Handler) {
	r.fallbackHandler = handler
}

// ProcessResult applies one worker result to the preview it belongs to.
// Stale attempts are ignored; the caller gets nil so the delivery is
// acked.
func (r *Reconciler) ProcessResult(ctx context.Context, previewID string, payload preview.WorkerResult, workerID string) error {
	rec, err := r.store.GetPreview(ctx, previewID)
	if errors.Is(err, sharederrors.ErrNotFound) {
		r.logger.Warn("worker result for unknown preview, dropping",
			zap.String("preview_id", previewID),
			zap.String("worker_id", workerID))
		return nil
	}
	if err != nil {
		return err
	}

	if stale, expected := r.isStaleAttempt(rec, payload.AttemptID); stale {
		r.logger.Warn("attempt_id_mismatch, ignoring worker result",
			zap.String("preview_id", previewID),
			zap.String("worker_id", workerID),
			zap.String("expected_attempt", expected),
			zap.String("request_attempt", payload.AttemptID))
		return nil
	}

	success := payload.Status == preview.JobCompleted
	if success && payload.EvaluationResult == nil {
		return sharederrors.Fatal("status=completed requires evaluation_result", nil)
	}

	var failureCodeOverride, failureContextNote string
	if !success {
		handled, codeOverride, contextNote := r.maybeMasterFallback(ctx, rec, payload, workerID)
		if handled {
			return nil
		}
		failureCodeOverride = codeOverride
		failureContextNote = contextNote
	}

	if payload.EvaluationResult != nil {
		if err := r.EnrichAttachments(ctx, previewID, payload.EvaluationResult); err != nil {
			return err
		}
		HumanizeRuleMessages(payload.EvaluationResult)

		resultJSON, err := json.Marshal(payload.EvaluationResult)
		if err != nil {
			return sharederrors.Fatal("serialize evaluation result", err)
		}

		// One retry; losing the result would complete the preview with
		// nothing to report on.
		var written bool
		for attempt := 1; attempt <= 2; attempt++ {
			if err := r.store.UpdateEvaluationResult(ctx, previewID, string(resultJSON)); err != nil {
				r.logger.Warn("evaluation result write failed",
					zap.String("preview_id", previewID),
					zap.Int("attempt", attempt),
					zap.Error(err))
				continue
			}
			written = true
			break
		}
		if !written {
			return sharederrors.Fatal(fmt.Sprintf("persist evaluation result for preview %s", previewID), nil)
		}

		if err := r.persistBreakdown(ctx, previewID, payload.EvaluationResult); err != nil {
			r.logger.Warn("evaluation breakdown persistence failed",
				zap.String("preview_id", previewID),
				zap.Error(err))
		}
	}

	if success {
		return r.finishCompleted(ctx, rec, previewID)
	}
	return r.finishFailed(ctx, rec, previewID, payload, failureCodeOverride, failureContextNote)
}

func (r *Reconciler) isStaleAttempt(rec *preview.Record, attemptID string) (bool, string) {
	if !rec.LastAttemptID.Valid || rec.LastAttemptID.String == "" {
		return false, ""
	}
	if attemptID == "" {
		// Legacy workers without attempt tracking are processed as-is.
		return false, rec.LastAttemptID.String
	}
	return attemptID != rec.LastAttemptID.String, rec.LastAttemptID.String
}

// maybeMasterFallback runs the preview pipeline in-process when a worker
// failure matches the OCR trigger keywords. Returns handled=true when the
// fallback fully resolved the preview.
func (r *Reconciler) maybeMasterFallback(ctx context.Context, rec *preview.Record, payload preview.WorkerResult, workerID string) (handled bool, codeOverride, contextNote string) {
	if !r.fallback.Enabled || r.fallbackHandler == nil {
		return false, "", ""
	}

	if !rules.ReasonMatches(payload.FailureReason, r.fallback.TriggerKeywords) {
		return false, "", ""
	}
	if rec.RetryCount >= r.fallback.MaxAttempts {
		return false, "", ""
	}
	if rec.LastErrorCode.Valid {
		switch rec.LastErrorCode.String {
		case preview.ErrCodeMasterFallbackFailed, preview.ErrCodeMasterFallbackInProgress:
			return false, "", ""
		}
	}

	r.logger.Warn("worker ocr failure, attempting master fallback",
		zap.String("preview_id", rec.ID),
		zap.String("worker_id", workerID),
		zap.String("reason", payload.FailureReason))

	if err := r.store.UpdateFailureContext(ctx, preview.FailureUpdate{
		PreviewID:     rec.ID,
		LastErrorCode: preview.Set(preview.ErrCodeMasterFallbackInProgress),
	}); err != nil {
		r.logger.Warn("recording fallback-in-progress failed",
			zap.String("preview_id", rec.ID),
			zap.Error(err))
	}

	if err := r.runFallback(ctx, rec.ID); err != nil {
		r.logger.Error("master fallback failed",
			zap.String("preview_id", rec.ID),
			zap.Error(err))
		return false, preview.ErrCodeMasterFallbackFailed,
			fmt.Sprintf("worker_id=%s attempt_id=%s fallback=failed", workerID, payload.AttemptID)
	}

	r.logger.Info("master fallback succeeded", zap.String("preview_id", rec.ID))

	if err := r.store.UpdateFailureContext(ctx, preview.FailureUpdate{
		PreviewID:      rec.ID,
		FailureReason:  preview.Clear(),
		FailureContext: preview.Clear(),
		LastErrorCode:  preview.Set(preview.ErrCodeMasterFallbackSuccess),
	}); err != nil {
		r.logger.Warn("clearing fallback failure context failed",
			zap.String("preview_id", rec.ID),
			zap.Error(err))
	}

	r.cleanupAfterTerminal(ctx, rec.ID)
	return true, "", ""
}

func (r *Reconciler) runFallback(ctx context.Context, previewID string) error {
	payloadJSON, err := r.store.LoadTaskPayload(ctx, previewID)
	if err != nil {
		return err
	}
	if payloadJSON == "" {
		return fmt.Errorf("task payload missing, cannot run master fallback for %s", previewID)
	}
	var task preview.Task
	if err := json.Unmarshal([]byte(payloadJSON), &task); err != nil {
		return sharederrors.Fatal("decode task payload", err)
	}
	return r.fallbackHandler.HandlePreviewTask(ctx, task)
}

func (r *Reconciler) finishCompleted(ctx context.Context, rec *preview.Record, previewID string) error {
	if r.reports != nil {
		files, err := r.reports.GenerateAndPersist(ctx, previewID)
		if err != nil {
			r.logger.Warn("report generation failed",
				zap.String("preview_id", previewID),
				zap.Error(err))
		} else {
			var viewURL, downloadURL string
			for _, file := range files {
				if file.FileType == "html" {
					viewURL = file.ViewURL
					if downloadURL == "" {
						downloadURL = file.DownloadURL
					}
				}
				if file.FileType == "pdf" {
					downloadURL = file.DownloadURL
				}
			}
			if err := r.store.UpdateArtifacts(ctx, previewID, viewURL, downloadURL); err != nil {
				r.logger.Warn("artifact url update failed",
					zap.String("preview_id", previewID),
					zap.Error(err))
			}
		}
	}

	transitioned, err := r.store.MarkCompleted(ctx, previewID)
	if err != nil {
		if errors.Is(err, sharederrors.ErrStateConflict) {
			r.logger.Warn("completed transition conflicted, ignoring",
				zap.String("preview_id", previewID),
				zap.Error(err))
			return nil
		}
		return err
	}

	r.notify(ctx, rec, previewID, preview.StatusCompleted)

	if transitioned {
		r.cleanupAfterTerminal(ctx, previewID)
	}
	return nil
}

func (r *Reconciler) finishFailed(ctx context.Context, rec *preview.Record, previewID string, payload preview.WorkerResult, codeOverride, contextNote string) error {
	reason := payload.FailureReason
	if reason == "" {
		reason = "Unknown worker failure"
	}

	update := preview.FailureUpdate{
		PreviewID:     previewID,
		FailureReason: preview.Set(reason),
	}
	if codeOverride != "" {
		update.LastErrorCode = preview.Set(codeOverride)
	}
	if contextNote != "" {
		update.FailureContext = preview.Set(contextNote)
	}
	if err := r.store.UpdateFailureContext(ctx, update); err != nil {
		r.logger.Warn("failure context update failed",
			zap.String("preview_id", previewID),
			zap.Error(err))
	}

	transitioned, err := r.store.MarkFailed(ctx, previewID)
	if err != nil {
		if errors.Is(err, sharederrors.ErrStateConflict) {
			r.logger.Warn("failed transition conflicted, ignoring",
				zap.String("preview_id", previewID),
				zap.Error(err))
			return nil
		}
		return err
	}

	r.notify(ctx, rec, previewID, preview.StatusFailed)

	if transitioned {
		r.cleanupAfterTerminal(ctx, previewID)
	}
	return nil
}

func (r *Reconciler) notify(ctx context.Context, rec *preview.Record, previewID string, status preview.Status) {
	if r.notifier == nil || !rec.ThirdPartyRequestID.Valid {
		return
	}
	if err := r.notifier.NotifyStatus(ctx, rec.ThirdPartyRequestID.String, previewID, status); err != nil {
		r.logger.Warn("third-party status notification failed",
			zap.String("preview_id", previewID),
			zap.Error(err))
	}
}

// cleanupAfterTerminal releases the task payload, the material cache and
// the cache bookkeeping rows. Runs only on first terminal entry.
func (r *Reconciler) cleanupAfterTerminal(ctx context.Context, previewID string) {
	if err := r.store.DeleteTaskPayload(ctx, previewID); err != nil {
		r.logger.Warn("task payload cleanup failed",
			zap.String("preview_id", previewID), zap.Error(err))
	}
	if r.cache != nil {
		if err := r.cache.CleanupPreview(previewID); err != nil {
			r.logger.Warn("material cache cleanup failed",
				zap.String("preview_id", previewID), zap.Error(err))
		}
	}
	if err := r.store.DeleteCachedMaterials(ctx, previewID); err != nil {
		r.logger.Warn("cached material rows cleanup failed",
			zap.String("preview_id", previewID), zap.Error(err))
	}
}

// RunPendingResultsLoop drains the async result queue until ctx is done.
// Worker results are enqueued by the HTTP handler and processed here.
func (r *Reconciler) RunPendingResultsLoop(ctx context.Context, interval time.Duration, batch int) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batch <= 0 {
		batch = 8
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := r.store.FetchPendingWorkerResults(ctx, batch)
			if err != nil {
				r.logger.Warn("fetching pending worker results failed", zap.Error(err))
				continue
			}
			for _, item := range pending {
				var payload preview.WorkerResult
				if err := json.Unmarshal([]byte(item.Payload), &payload); err != nil {
					r.logger.Error("dropping unparsable pending result",
						zap.String("preview_id", item.PreviewID),
						zap.Error(err))
					continue
				}
				if err := r.ProcessResult(ctx, item.PreviewID, payload, item.WorkerID); err != nil {
					r.logger.Error("pending result processing failed",
						zap.String("preview_id", item.PreviewID),
						zap.Error(err))
				}
			}
		}
	}
}

// persistBreakdown writes the per-material and per-rule rows with
// replace-set semantics.
func (r *Reconciler) persistBreakdown(ctx context.Context, previewID string, result *preview.EvaluationResult) error {
	now := time.Now().UTC()
	materialRecords := make([]preview.MaterialResultRecord, 0, len(result.MaterialResults))
	ruleRecords := make([]preview.RuleResultRecord, 0, len(result.MaterialResults))

	for _, material := range result.MaterialResults {
		statusStr := statusString(material.RuleEvaluation.StatusCode)

		issues := 0
		if statusStr != "passed" {
			issues = len(material.RuleEvaluation.Suggestions)
		}

		attachmentsJSON, _ := json.Marshal(material.Attachments)
		summaryJSON, _ := json.Marshal(map[string]any{
			"status_code":        material.RuleEvaluation.StatusCode,
			"message":            material.RuleEvaluation.Message,
			"description":        material.RuleEvaluation.Description,
			"suggestions":        material.RuleEvaluation.Suggestions,
			"processing_status":  material.ProcessingStatus.State,
			"ocr_content_length": len(material.OCRContent),
		})

		materialRecord := preview.MaterialResultRecord{
			ID:               preview.NewAttemptID(),
			PreviewID:        previewID,
			MaterialCode:     material.MaterialCode,
			MaterialName:     nullString(material.MaterialName),
			Status:           statusStr,
			StatusCode:       material.RuleEvaluation.StatusCode,
			ProcessingStatus: nullString(material.ProcessingStatus.State),
			IssuesCount:      issues,
			WarningsCount:    len(material.ProcessingStatus.Warnings),
			AttachmentsJSON:  nullString(string(attachmentsJSON)),
			SummaryJSON:      nullString(string(summaryJSON)),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		materialRecords = append(materialRecords, materialRecord)

		suggestionsJSON, _ := json.Marshal(material.RuleEvaluation.Suggestions)
		var evidenceJSON string
		if material.RuleEvaluation.RuleDetails != nil {
			raw, _ := json.Marshal(material.RuleEvaluation.RuleDetails)
			evidenceJSON = string(raw)
		}

		ruleRecords = append(ruleRecords, preview.RuleResultRecord{
			ID:               preview.NewAttemptID(),
			PreviewID:        previewID,
			MaterialResultID: nullString(materialRecord.ID),
			MaterialCode:     nullString(material.MaterialCode),
			RuleName:         nullString(material.MaterialName),
			Engine:           nullString("summary"),
			Severity:         nullString(severityFor(statusStr)),
			Status:           nullString(statusStr),
			Message:          nullString(material.RuleEvaluation.Message),
			SuggestionsJSON:  nullString(string(suggestionsJSON)),
			EvidenceJSON:     nullString(evidenceJSON),
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}

	if err := r.store.ReplaceMaterialResults(ctx, previewID, materialRecords); err != nil {
		return err
	}
	return r.store.ReplaceRuleResults(ctx, previewID, ruleRecords)
}

func statusString(code int) string {
	switch {
	case code == preview.StatusCodePass:
		return "passed"
	case code >= 200 && code < 300:
		return "warning"
	case code >= 300 && code < 500:
		return "warning"
	default:
		return "failed"
	}
}

func severityFor(status string) string {
	switch status {
	case "failed":
		return "error"
	case "warning":
		return "warning"
	default:
		return "info"
	}
}
