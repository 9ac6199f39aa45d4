package preview

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func materialWithStatus(code string, statusCode int) MaterialResult {
	return MaterialResult{
		MaterialCode:     code,
		MaterialName:     code,
		RuleEvaluation:   RuleEvaluation{StatusCode: statusCode, Message: "m"},
		ProcessingStatus: ProcessingStatus{State: ProcessingSuccess},
	}
}

func TestSummaryRefresh(t *testing.T) {
	result := NewEvaluationResult(BasicInfo{MatterID: "m1"})
	assert.Equal(t, OverallPassed, result.Summary.OverallResult)

	result.AddMaterialResult(materialWithStatus("a", StatusCodePass))
	assert.Equal(t, OverallPassed, result.Summary.OverallResult)
	assert.Equal(t, 1, result.Summary.PassedMaterials)

	result.AddMaterialResult(materialWithStatus("b", StatusCodeWarning))
	assert.Equal(t, OverallPassedWithSuggestions, result.Summary.OverallResult)
	assert.Equal(t, 1, result.Summary.WarningMaterials)

	result.AddMaterialResult(materialWithStatus("c", StatusCodeFail))
	assert.Equal(t, OverallFailed, result.Summary.OverallResult)
	assert.Equal(t, 1, result.Summary.FailedMaterials)
	assert.Equal(t, 3, result.Summary.TotalMaterials)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestTaskWireFormat(t *testing.T) {
	task := NewTask(Body{
		UserID: "u1",
		Preview: Request{
			MatterID:  "m1",
			RequestID: "req-1",
			MaterialData: []Material{
				{Code: "license", AttachmentList: []Attachment{
					{AttachName: "scan.jpg", AttachURL: "worker-cache://tok"},
				}},
			},
		},
	}, "p1", "req-1")

	raw, err := json.Marshal(task)
	require.NoError(t, err)

	// Wire field names are stable: workers and the master exchange these.
	assert.Contains(t, string(raw), `"preview_body"`)
	assert.Contains(t, string(raw), `"preview_id":"p1"`)
	assert.Contains(t, string(raw), `"third_party_request_id":"req-1"`)
	assert.Contains(t, string(raw), `"attachUrl":"worker-cache://tok"`)

	var decoded Task
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, task.PreviewID, decoded.PreviewID)
	assert.Equal(t, "scan.jpg", decoded.PreviewBody.Preview.MaterialData[0].AttachmentList[0].AttachName)
}

func TestAttemptIDsAreMonotonic(t *testing.T) {
	prev := NewAttemptID()
	for i := 0; i < 100; i++ {
		next := NewAttemptID()
		assert.Greater(t, next, prev, "uuidv7 attempt ids sort by creation time")
		prev = next
	}
}
