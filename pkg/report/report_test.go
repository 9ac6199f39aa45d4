package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/previewlabs/previewd/pkg/preview"
)

func sampleResult() *preview.EvaluationResult {
	result := preview.NewEvaluationResult(preview.BasicInfo{
		MatterName:    "Business Registration",
		MatterID:      "matter-1",
		RequestID:     "req-1",
		ApplicantName: "Acme Ltd",
		AgentName:     "Jane Doe",
	})
	result.AddMaterialResult(preview.MaterialResult{
		MaterialCode: "license",
		MaterialName: "Business License",
		RuleEvaluation: preview.RuleEvaluation{
			StatusCode: preview.StatusCodePass,
			Message:    "material Business License passed",
		},
		ProcessingStatus: preview.ProcessingStatus{State: preview.ProcessingSuccess},
	})
	result.AddMaterialResult(preview.MaterialResult{
		MaterialCode: "idcard",
		MaterialName: "ID Card",
		RuleEvaluation: preview.RuleEvaluation{
			StatusCode:  preview.StatusCodeFail,
			Message:     "no seal detected",
			Suggestions: []string{"resubmit with the official seal"},
		},
		ProcessingStatus: preview.ProcessingStatus{State: preview.ProcessingFailed, Error: "seal missing"},
	})
	return result
}

func TestRenderHTML(t *testing.T) {
	html, err := RenderHTML(sampleResult())
	require.NoError(t, err)

	out := string(html)
	assert.Contains(t, out, "Business Registration")
	assert.Contains(t, out, "Business License")
	assert.Contains(t, out, "no seal detected")
	assert.Contains(t, out, "resubmit with the official seal")
	assert.Contains(t, out, "status-pass")
	assert.Contains(t, out, "status-fail")
	assert.Contains(t, out, "1 passed")
}

func TestRenderHTMLEscapesContent(t *testing.T) {
	result := sampleResult()
	result.MaterialResults[0].RuleEvaluation.Message = `<script>alert("x")</script>`

	html, err := RenderHTML(result)
	require.NoError(t, err)
	assert.NotContains(t, string(html), "<script>alert")
}
