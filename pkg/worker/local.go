package worker

import (
	"context"
	"fmt"

	"github.com/previewlabs/previewd/pkg/preview"
)

// LocalStore is the repository slice the in-process sink needs.
type LocalStore interface {
	TakeOverProcessing(ctx context.Context, previewID, workerID, attemptID string) error
}

// ResultProcessor is the reconciliation entry point the in-process sink
// feeds.
type ResultProcessor interface {
	ProcessResult(ctx context.Context, previewID string, result preview.WorkerResult, workerID string) error
}

// LocalSink routes the worker pipeline's lifecycle straight into the
// master: transitions hit the repository, results hit reconciliation.
// Used by the embedded dynamic worker and by master fallback.
//
// With FailFast set, a failed pipeline outcome is returned as an error
// instead of being reconciled, which lets the fallback path register the
// failure itself.
type LocalSink struct {
	WorkerID string
	Store    LocalStore
	Results  ResultProcessor
	FailFast bool
}

func (s *LocalSink) JobStarted(ctx context.Context, previewID, attemptID string) error {
	return s.Store.TakeOverProcessing(ctx, previewID, s.WorkerID, attemptID)
}

func (s *LocalSink) SubmitResult(ctx context.Context, previewID string, result preview.WorkerResult) error {
	if s.FailFast && result.Status == preview.JobFailed {
		return fmt.Errorf("in-process pipeline failed: %s", result.FailureReason)
	}
	return s.Results.ProcessResult(ctx, previewID, result, s.WorkerID)
}
