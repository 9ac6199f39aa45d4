package preview

import (
	"database/sql"
	"time"
)

// Status is the preview lifecycle state. Valid transitions are
// pending→processing→{completed,failed} and the retry failed→pending;
// terminal transitions are idempotent.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Error codes recorded on the preview row by the master fallback path.
const (
	ErrCodeMasterFallbackInProgress = "MASTER_FALLBACK_IN_PROGRESS"
	ErrCodeMasterFallbackSuccess    = "MASTER_FALLBACK_SUCCESS"
	ErrCodeMasterFallbackFailed     = "MASTER_FALLBACK_FAILED"
)

// Record is the durable preview row.
type Record struct {
	ID                  string         `db:"id"`
	MatterID            string         `db:"matter_id"`
	MatterName          string         `db:"matter_name"`
	ApplicantName       string         `db:"applicant_name"`
	ApplicantID         string         `db:"applicant_id"`
	AgentName           string         `db:"agent_name"`
	AgentID             string         `db:"agent_id"`
	Status              Status         `db:"status"`
	AssignedWorkerID    sql.NullString `db:"assigned_worker_id"`
	LastAttemptID       sql.NullString `db:"last_attempt_id"`
	RetryCount          int            `db:"retry_count"`
	LastErrorCode       sql.NullString `db:"last_error_code"`
	FailureReason       sql.NullString `db:"failure_reason"`
	FailureContext      sql.NullString `db:"failure_context"`
	ThirdPartyRequestID sql.NullString `db:"third_party_request_id"`
	EvaluationResult    sql.NullString `db:"evaluation_result"`
	ReportViewURL       sql.NullString `db:"report_view_url"`
	ReportDownloadURL   sql.NullString `db:"report_download_url"`
	ProcessingStartedAt sql.NullTime   `db:"processing_started_at"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

// FailureUpdate patches the preview's failure context. A nil field leaves
// the column untouched; a non-nil field pointing at nil clears it.
type FailureUpdate struct {
	PreviewID      string
	FailureReason  **string
	FailureContext **string
	LastErrorCode  **string
}

// Set returns a pointer-to-pointer holding value, for FailureUpdate fields.
func Set(value string) **string {
	p := &value
	return &p
}

// Clear returns a pointer-to-pointer holding nil, clearing the column.
func Clear() **string {
	var p *string
	return &p
}

// Material file record statuses.
const (
	FileStatusDownloaded   = "downloaded"
	FileStatusConverted    = "converted"
	FileStatusOCRCompleted = "ocr_completed"
	FileStatusMasterSynced = "master_synced"
	FileStatusReused       = "reused"
	FileStatusFailed       = "failed"
)

// MaterialFileRecord is the durable per-attachment row. A non-empty
// StoredOriginalKey is the canonical signal that the attachment is durable
// rather than worker-cache resident.
type MaterialFileRecord struct {
	ID                  string         `db:"id"`
	PreviewID           string         `db:"preview_id"`
	MaterialCode        string         `db:"material_code"`
	AttachmentName      sql.NullString `db:"attachment_name"`
	SourceURL           sql.NullString `db:"source_url"`
	StoredOriginalKey   string         `db:"stored_original_key"`
	StoredProcessedKeys sql.NullString `db:"stored_processed_keys"`
	MimeType            sql.NullString `db:"mime_type"`
	SizeBytes           sql.NullInt64  `db:"size_bytes"`
	ChecksumSHA256      sql.NullString `db:"checksum_sha256"`
	OCRTextKey          sql.NullString `db:"ocr_text_key"`
	OCRTextLength       sql.NullInt64  `db:"ocr_text_length"`
	Status              string         `db:"status"`
	ErrorMessage        sql.NullString `db:"error_message"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

// MaterialFileFilter narrows material file lookups.
type MaterialFileFilter struct {
	PreviewID    string
	MaterialCode string
}

// MaterialResultRecord is one row of the per-material evaluation breakdown.
// Rows are replace-set per preview.
type MaterialResultRecord struct {
	ID               string         `db:"id"`
	PreviewID        string         `db:"preview_id"`
	MaterialCode     string         `db:"material_code"`
	MaterialName     sql.NullString `db:"material_name"`
	Status           string         `db:"status"`
	StatusCode       int            `db:"status_code"`
	ProcessingStatus sql.NullString `db:"processing_status"`
	IssuesCount      int            `db:"issues_count"`
	WarningsCount    int            `db:"warnings_count"`
	AttachmentsJSON  sql.NullString `db:"attachments_json"`
	SummaryJSON      sql.NullString `db:"summary_json"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

// RuleResultRecord is one row of the per-rule evaluation breakdown.
type RuleResultRecord struct {
	ID               string         `db:"id"`
	PreviewID        string         `db:"preview_id"`
	MaterialResultID sql.NullString `db:"material_result_id"`
	MaterialCode     sql.NullString `db:"material_code"`
	RuleName         sql.NullString `db:"rule_name"`
	Engine           sql.NullString `db:"engine"`
	Severity         sql.NullString `db:"severity"`
	Status           sql.NullString `db:"status"`
	Message          sql.NullString `db:"message"`
	SuggestionsJSON  sql.NullString `db:"suggestions_json"`
	EvidenceJSON     sql.NullString `db:"evidence_json"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

// DownloadTask is one row of the material download queue, owned by the
// download/normalize service.
type DownloadTask struct {
	ID        string         `db:"id"`
	PreviewID string         `db:"preview_id"`
	Payload   string         `db:"payload"`
	Attempts  int            `db:"attempts"`
	Status    string         `db:"status"`
	Error     sql.NullString `db:"error"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// DownloadCacheEntry maps a source URL to a cache token for download
// de-duplication.
type DownloadCacheEntry struct {
	SourceURL string    `db:"source_url"`
	Token     string    `db:"token"`
	ExpiresAt time.Time `db:"expires_at"`
}

// PendingResult is a worker result queued for asynchronous reconciliation.
type PendingResult struct {
	ID        int64     `db:"id"`
	PreviewID string    `db:"preview_id"`
	WorkerID  string    `db:"worker_id"`
	Payload   string    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}
