package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies pipeline failures into the retry/terminal taxonomy used by
// the dispatcher, the workers and result reconciliation.
type Kind string

const (
	// KindAdmissionDenied marks a job rejected by the worker admission gate;
	// the task is requeued after a short delay.
	KindAdmissionDenied Kind = "admission_denied"
	// KindCapacityTimeout marks a dynamic-worker slot acquisition that
	// exceeded its bound; the task fails and is reported as a failure.
	KindCapacityTimeout Kind = "capacity_timeout"
	// KindCircuitOpen marks an OCR pool whose circuit breaker has tripped;
	// the job fails and is eligible for master fallback.
	KindCircuitOpen Kind = "circuit_open"
	// KindUnsupportedMedia marks an attachment that cannot be decoded as an
	// image or PDF. Non-retryable.
	KindUnsupportedMedia Kind = "unsupported_media"
	// KindConvertFail marks a document conversion failure. Non-retryable.
	KindConvertFail Kind = "convert_fail"
	// KindTransientIO marks HTTP/broker/storage transients retried with
	// exponential backoff up to a bound.
	KindTransientIO Kind = "transient_io"
	// KindStateConflict marks a conditional state update that found an
	// unexpected current state. Logged and ignored.
	KindStateConflict Kind = "state_conflict"
	// KindStaleAttempt marks a result carrying an attempt id that no longer
	// matches the preview. Ignored.
	KindStaleAttempt Kind = "stale_attempt"
	// KindFatal marks serialization or invariant violations that bubble to
	// the top and mark the preview failed.
	KindFatal Kind = "fatal"
)

// Data-error codes surfaced in failure reasons so operators and the retry
// policy can tell them apart from transient failures.
const (
	CodeUnsupportedMedia = "UNSUPPORTED_MEDIA"
	CodeConvertFail      = "CONVERT_FAIL"
)

// PipelineError attaches a Kind to an operation failure.
type PipelineError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipeline builds a classified pipeline error.
func NewPipeline(kind Kind, op string, err error) error {
	return &PipelineError{Kind: kind, Op: op, Err: err}
}

// AdmissionDenied builds an admission-gate rejection with the given reason.
func AdmissionDenied(reason string) error {
	return &PipelineError{Kind: KindAdmissionDenied, Op: reason}
}

// CapacityTimeout builds a dynamic-worker slot acquisition timeout.
func CapacityTimeout(op string) error {
	return &PipelineError{Kind: KindCapacityTimeout, Op: op}
}

// CircuitOpen builds an OCR circuit-breaker rejection.
func CircuitOpen(op string) error {
	return &PipelineError{Kind: KindCircuitOpen, Op: op}
}

// UnsupportedMedia tags an attachment that is neither an image nor a PDF.
func UnsupportedMedia(op string, err error) error {
	return &PipelineError{Kind: KindUnsupportedMedia, Op: fmt.Sprintf("[DATA_ERR:%s] %s", CodeUnsupportedMedia, op), Err: err}
}

// ConvertFail tags a document conversion failure.
func ConvertFail(op string, err error) error {
	return &PipelineError{Kind: KindConvertFail, Op: fmt.Sprintf("[DATA_ERR:%s] %s", CodeConvertFail, op), Err: err}
}

// TransientIO tags a retryable IO failure.
func TransientIO(op string, err error) error {
	return &PipelineError{Kind: KindTransientIO, Op: op, Err: err}
}

// Fatal tags an invariant violation.
func Fatal(op string, err error) error {
	return &PipelineError{Kind: KindFatal, Op: op, Err: err}
}

// Sentinel conditions checked with errors.Is.
var (
	// ErrStaleAttempt is returned when a result's attempt id no longer
	// matches the preview's last attempt.
	ErrStaleAttempt = stderrors.New("stale attempt id")
	// ErrStateConflict is returned by conditional state transitions that
	// found a different current state.
	ErrStateConflict = stderrors.New("preview state conflict")
	// ErrNotFound is returned by lookups that matched nothing.
	ErrNotFound = stderrors.New("not found")
)

// KindOf extracts the taxonomy kind from err, or "" when unclassified.
func KindOf(err error) Kind {
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe.Kind
	}
	if stderrors.Is(err, ErrStaleAttempt) {
		return KindStaleAttempt
	}
	if stderrors.Is(err, ErrStateConflict) {
		return KindStateConflict
	}
	return ""
}

// IsDataError reports whether err is a non-retryable data error
// (unsupported media or conversion failure).
func IsDataError(err error) bool {
	switch KindOf(err) {
	case KindUnsupportedMedia, KindConvertFail:
		return true
	}
	return false
}
