package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/previewlabs/previewd/pkg/preview"
)

func writeRuleFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestEngineLoadsRuleSets(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "matter-100.json", `{
		"matter_id": "matter-100",
		"mode": "full-check",
		"materials": [
			{"code": "license", "name": "Business License", "required": true, "min_files": 1}
		]
	}`)
	writeRuleFile(t, dir, "default.json", `{
		"matter_id": "default",
		"mode": "present-only",
		"materials": []
	}`)
	writeRuleFile(t, dir, "broken.json", `{not json`)
	writeRuleFile(t, dir, "notes.txt", `ignored`)

	engine, err := NewEngine(dir, nil)
	require.NoError(t, err)

	set, ok := engine.ForMatter("matter-100")
	require.True(t, ok)
	assert.Equal(t, ModeFullCheck, set.Mode)
	assert.NotEmpty(t, set.Checksum)

	// Unknown matters fall back to the default set.
	set, ok = engine.ForMatter("matter-999")
	require.True(t, ok)
	assert.Equal(t, "default", set.MatterID)
}

func TestEngineReload(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "m1.json", `{"matter_id": "m1", "materials": []}`)

	engine, err := NewEngine(dir, nil)
	require.NoError(t, err)

	_, ok := engine.ForMatter("m2")
	assert.False(t, ok)

	writeRuleFile(t, dir, "m2.json", `{"matter_id": "m2", "materials": []}`)
	require.NoError(t, engine.Reload())

	_, ok = engine.ForMatter("m2")
	assert.True(t, ok)
}

func attachments(names ...string) []preview.AttachmentInfo {
	var out []preview.AttachmentInfo
	for _, name := range names {
		out = append(out, preview.AttachmentInfo{FileName: name, OCRSuccess: true})
	}
	return out
}

func TestEvaluatePresentOnly(t *testing.T) {
	set := &RuleSet{
		MatterID: "m1",
		Mode:     ModePresentOnly,
		Materials: []MaterialRule{
			{Code: "license", Name: "Business License", Required: true},
		},
	}

	// Missing required material fails.
	eval := set.EvaluateMaterial(MaterialEvidence{Code: "license", Name: "Business License"})
	assert.Equal(t, preview.StatusCodeFail, eval.StatusCode)
	assert.NotEmpty(t, eval.Suggestions)

	// Present required material passes.
	eval = set.EvaluateMaterial(MaterialEvidence{
		Code:        "license",
		Name:        "Business License",
		Attachments: attachments("license.pdf"),
	})
	assert.Equal(t, preview.StatusCodePass, eval.StatusCode)
}

func TestEvaluateFullCheck(t *testing.T) {
	set := &RuleSet{
		MatterID: "m1",
		Mode:     ModeFullCheck,
		Materials: []MaterialRule{
			{
				Code:         "license",
				Name:         "Business License",
				Required:     true,
				AllowedTypes: []string{"pdf", "png"},
				MinFiles:     1,
				MaxFiles:     2,
				CheckSeal:    true,
				Keywords:     []string{"registered"},
			},
		},
	}

	// Everything in order passes.
	eval := set.EvaluateMaterial(MaterialEvidence{
		Code:        "license",
		Attachments: attachments("license.pdf"),
		OCRText:     "Company registered 2023, official seal applied",
	})
	assert.Equal(t, preview.StatusCodePass, eval.StatusCode)

	// Missing keyword and seal fails with suggestions.
	eval = set.EvaluateMaterial(MaterialEvidence{
		Code:        "license",
		Attachments: attachments("license.pdf"),
		OCRText:     "some unrelated text",
	})
	assert.Equal(t, preview.StatusCodeFail, eval.StatusCode)

	// Disallowed type fails.
	eval = set.EvaluateMaterial(MaterialEvidence{
		Code:        "license",
		Attachments: attachments("license.docx"),
		OCRText:     "registered, seal",
	})
	assert.Equal(t, preview.StatusCodeFail, eval.StatusCode)

	// Too many files fails.
	eval = set.EvaluateMaterial(MaterialEvidence{
		Code:        "license",
		Attachments: attachments("a.pdf", "b.pdf", "c.pdf"),
		OCRText:     "registered, seal",
	})
	assert.Equal(t, preview.StatusCodeFail, eval.StatusCode)
}

func TestEvaluateWarnings(t *testing.T) {
	set := &RuleSet{MatterID: "m1", Mode: ModePresentOnly}

	eval := set.EvaluateMaterial(MaterialEvidence{
		Code:        "extra",
		Name:        "Extra Material",
		Attachments: attachments("scan.png"),
		OCRWarnings: []string{"page 3 ocr failed"},
	})
	assert.Equal(t, preview.StatusCodeWarning, eval.StatusCode)
}

func TestEvaluatePairing(t *testing.T) {
	set := &RuleSet{
		MatterID: "m1",
		Mode:     ModeFullCheck,
		Materials: []MaterialRule{
			{Code: "idcard", Name: "ID Card", RequirePairing: true},
		},
	}

	eval := set.EvaluateMaterial(MaterialEvidence{
		Code:        "idcard",
		Attachments: attachments("front.png"),
	})
	assert.Equal(t, preview.StatusCodeFail, eval.StatusCode)

	eval = set.EvaluateMaterial(MaterialEvidence{
		Code:        "idcard",
		Attachments: attachments("front.png", "back.png"),
	})
	assert.Equal(t, preview.StatusCodePass, eval.StatusCode)
}

func TestMatchesOCRFailure(t *testing.T) {
	assert.True(t, MatchesOCRFailure("OCR engine pool exhausted"))
	assert.True(t, MatchesOCRFailure("circuit_open: acquire ocr engine"))
	assert.True(t, MatchesOCRFailure("failed to recognize page 3"))
	assert.False(t, MatchesOCRFailure("download timeout"))
}

func TestReasonMatches(t *testing.T) {
	assert.True(t, ReasonMatches("engine crashed", []string{"crashed"}))
	assert.False(t, ReasonMatches("engine crashed", []string{"oom"}))
	// Empty keyword list falls back to the OCR heuristics.
	assert.True(t, ReasonMatches("OCR timeout", nil))
}
