package preview

import (
	"time"
)

// EvaluationResult is the complete outcome of evaluating one preview:
// per-material results plus an aggregate summary. It is serialized verbatim
// into the preview's evaluation_result column.
type EvaluationResult struct {
	BasicInfo       BasicInfo         `json:"basic_info"`
	MaterialResults []MaterialResult  `json:"material_results"`
	Summary         EvaluationSummary `json:"evaluation_summary"`
	EvaluationTime  time.Time         `json:"evaluation_time"`
}

// BasicInfo echoes the applicant, agent and matter identity into the result.
type BasicInfo struct {
	ApplicantName string `json:"applicant_name"`
	ApplicantID   string `json:"applicant_id"`
	AgentName     string `json:"agent_name"`
	AgentID       string `json:"agent_id"`
	MatterName    string `json:"matter_name"`
	MatterID      string `json:"matter_id"`
	MatterType    string `json:"matter_type"`
	RequestID     string `json:"request_id"`
	SequenceNo    string `json:"sequence_no"`
	ThemeID       string `json:"theme_id,omitempty"`
}

// MaterialResult is the evaluation of one material.
type MaterialResult struct {
	MaterialCode     string           `json:"material_code"`
	MaterialName     string           `json:"material_name"`
	Attachments      []AttachmentInfo `json:"attachments"`
	OCRContent       string           `json:"ocr_content"`
	RuleEvaluation   RuleEvaluation   `json:"rule_evaluation"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
}

// AttachmentInfo is the per-attachment view carried inside a result. After
// reconciliation every attachment holds a durable storage URL, a data URI or
// a locally persisted preview path, never a worker-cache token.
type AttachmentInfo struct {
	FileName     string         `json:"file_name"`
	FileURL      string         `json:"file_url"`
	MimeType     string         `json:"mime_type,omitempty"`
	FileSize     int64          `json:"file_size,omitempty"`
	PageCount    int            `json:"page_count,omitempty"`
	PreviewURL   string         `json:"preview_url,omitempty"`
	ThumbnailURL string         `json:"thumbnail_url,omitempty"`
	OCRSuccess   bool           `json:"ocr_success"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Material-level status codes.
const (
	StatusCodePass    = 200
	StatusCodeWarning = 206
	StatusCodeFail    = 500
)

// RuleEvaluation is the rule engine's verdict for one material.
type RuleEvaluation struct {
	StatusCode  int            `json:"status_code"`
	Message     string         `json:"message"`
	Description string         `json:"description"`
	Suggestions []string       `json:"suggestions"`
	RuleDetails map[string]any `json:"rule_details,omitempty"`
}

// ProcessingStatus captures how cleanly the material pipeline ran,
// independent of the rule verdict.
type ProcessingStatus struct {
	State    string   `json:"state"`
	Warnings []string `json:"warnings,omitempty"`
	Error    string   `json:"error,omitempty"`
}

const (
	ProcessingSuccess        = "success"
	ProcessingPartialSuccess = "partial_success"
	ProcessingFailed         = "failed"
)

// OverallResult aggregates the per-material verdicts.
type OverallResult string

const (
	OverallPassed                OverallResult = "passed"
	OverallPassedWithSuggestions OverallResult = "passed_with_suggestions"
	OverallFailed                OverallResult = "failed"
)

// EvaluationSummary counts the material verdicts.
type EvaluationSummary struct {
	TotalMaterials     int           `json:"total_materials"`
	PassedMaterials    int           `json:"passed_materials"`
	FailedMaterials    int           `json:"failed_materials"`
	WarningMaterials   int           `json:"warning_materials"`
	OverallResult      OverallResult `json:"overall_result"`
	OverallSuggestions []string      `json:"overall_suggestions,omitempty"`
}

// NewEvaluationResult starts an empty result for the given identities.
func NewEvaluationResult(info BasicInfo) *EvaluationResult {
	return &EvaluationResult{
		BasicInfo:      info,
		EvaluationTime: time.Now().UTC(),
		Summary:        EvaluationSummary{OverallResult: OverallPassed},
	}
}

// AddMaterialResult appends a material verdict and refreshes the summary.
func (r *EvaluationResult) AddMaterialResult(result MaterialResult) {
	r.MaterialResults = append(r.MaterialResults, result)
	r.RefreshSummary()
}

// RefreshSummary recomputes the aggregate counters from the material
// results.
func (r *EvaluationResult) RefreshSummary() {
	summary := EvaluationSummary{
		TotalMaterials:     len(r.MaterialResults),
		OverallSuggestions: r.Summary.OverallSuggestions,
	}
	for _, m := range r.MaterialResults {
		switch {
		case m.RuleEvaluation.StatusCode == StatusCodePass:
			summary.PassedMaterials++
		case m.RuleEvaluation.StatusCode == StatusCodeWarning:
			summary.WarningMaterials++
		default:
			summary.FailedMaterials++
		}
	}
	switch {
	case summary.FailedMaterials > 0:
		summary.OverallResult = OverallFailed
	case summary.WarningMaterials > 0:
		summary.OverallResult = OverallPassedWithSuggestions
	default:
		summary.OverallResult = OverallPassed
	}
	r.Summary = summary
}
