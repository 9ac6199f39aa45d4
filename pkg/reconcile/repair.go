package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/previewlabs/previewd/pkg/preview"
	sharederrors "github.com/previewlabs/previewd/pkg/shared/errors"
)

// RepairResult reports what a repair pass changed.
type RepairResult struct {
	PreviewID         string `json:"preview_id"`
	Repaired          bool   `json:"repaired"`
	AttachmentsBefore int    `json:"attachments_before"`
	AttachmentsAfter  int    `json:"attachments_after"`
	Persisted         int    `json:"persisted"`
}

// RepairPreviewMaterials re-runs attachment enrichment over a previously
// stored evaluation result, then writes the repaired result and breakdown
// back. Useful after schema changes or partial storage outages.
func (r *Reconciler) RepairPreviewMaterials(ctx context.Context, previewID string) (*RepairResult, error) {
	rec, err := r.store.GetPreview(ctx, previewID)
	if err != nil {
		return nil, err
	}
	if !rec.EvaluationResult.Valid || rec.EvaluationResult.String == "" {
		return nil, fmt.Errorf("preview %s has no stored evaluation result: %w", previewID, sharederrors.ErrNotFound)
	}

	var result preview.EvaluationResult
	if err := json.Unmarshal([]byte(rec.EvaluationResult.String), &result); err != nil {
		return nil, sharederrors.Fatal("decode stored evaluation result", err)
	}

	before := CountUnstableAttachments(&result)

	if err := r.EnrichAttachments(ctx, previewID, &result); err != nil {
		return nil, err
	}

	after := CountUnstableAttachments(&result)

	serialized, err := json.Marshal(&result)
	if err != nil {
		return nil, sharederrors.Fatal("serialize repaired evaluation result", err)
	}
	if err := r.store.UpdateEvaluationResult(ctx, previewID, string(serialized)); err != nil {
		return nil, err
	}

	if err := r.persistBreakdown(ctx, previewID, &result); err != nil {
		r.logger.Warn("breakdown persistence after repair failed",
			zap.String("preview_id", previewID),
			zap.Error(err))
	}

	persisted := before - after
	if persisted < 0 {
		persisted = 0
	}
	return &RepairResult{
		PreviewID:         previewID,
		Repaired:          after == 0,
		AttachmentsBefore: before,
		AttachmentsAfter:  after,
		Persisted:         persisted,
	}, nil
}
