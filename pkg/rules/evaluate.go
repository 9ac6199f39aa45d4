package rules

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/previewlabs/previewd/pkg/preview"
)

// MaterialEvidence is what the worker pipeline gathered for one material.
type MaterialEvidence struct {
	Code        string
	Name        string
	Attachments []preview.AttachmentInfo
	OCRText     string
	OCRWarnings []string
}

// EvaluateMaterial applies the matter rule for one material, producing the
// 200/206/500 verdict carried into the evaluation result. A material with
// no matching rule passes by presence.
func (s *RuleSet) EvaluateMaterial(evidence MaterialEvidence) preview.RuleEvaluation {
	rule, hasRule := s.FindMaterial(evidence.Code)
	if !hasRule {
		rule = MaterialRule{Code: evidence.Code, Name: evidence.Name, Required: false}
	}

	var problems, suggestions []string

	count := len(evidence.Attachments)
	if rule.Required && count == 0 {
		problems = append(problems, fmt.Sprintf("material %s is required but has no attachments", displayName(rule, evidence)))
		suggestions = append(suggestions, fmt.Sprintf("upload at least one file for %s", displayName(rule, evidence)))
	}

	if s.Mode == ModeFullCheck && count > 0 {
		problems, suggestions = s.fullCheck(rule, evidence, problems, suggestions)
	}

	var warnings []string
	if len(evidence.OCRWarnings) > 0 {
		warnings = append(warnings, evidence.OCRWarnings...)
	}

	switch {
	case len(problems) > 0:
		return preview.RuleEvaluation{
			StatusCode:  preview.StatusCodeFail,
			Message:     problems[0],
			Description: strings.Join(problems, "; "),
			Suggestions: suggestions,
		}
	case len(warnings) > 0:
		return preview.RuleEvaluation{
			StatusCode:  preview.StatusCodeWarning,
			Message:     fmt.Sprintf("material %s passed with warnings", displayName(rule, evidence)),
			Description: strings.Join(warnings, "; "),
			Suggestions: suggestions,
		}
	default:
		return preview.RuleEvaluation{
			StatusCode:  preview.StatusCodePass,
			Message:     fmt.Sprintf("material %s passed", displayName(rule, evidence)),
			Description: fmt.Sprintf("%d attachment(s) checked", count),
			Suggestions: nil,
		}
	}
}

func (s *RuleSet) fullCheck(rule MaterialRule, evidence MaterialEvidence, problems, suggestions []string) ([]string, []string) {
	count := len(evidence.Attachments)
	name := displayName(rule, evidence)

	if rule.MinFiles > 0 && count < rule.MinFiles {
		problems = append(problems, fmt.Sprintf("material %s needs at least %d files, got %d", name, rule.MinFiles, count))
	}
	if rule.MaxFiles > 0 && count > rule.MaxFiles {
		problems = append(problems, fmt.Sprintf("material %s allows at most %d files, got %d", name, rule.MaxFiles, count))
	}

	if len(rule.AllowedTypes) > 0 {
		for _, att := range evidence.Attachments {
			if !typeAllowed(att, rule.AllowedTypes) {
				problems = append(problems, fmt.Sprintf("attachment %s has a disallowed type", att.FileName))
				suggestions = append(suggestions, fmt.Sprintf("resubmit %s as one of: %s", att.FileName, strings.Join(rule.AllowedTypes, ", ")))
			}
		}
	}

	lowered := strings.ToLower(evidence.OCRText)

	if rule.CheckValidity && lowered != "" {
		if !containsAny(lowered, []string{"valid", "expiry", "expiration", "有效期"}) {
			suggestions = append(suggestions, fmt.Sprintf("verify the validity period on %s", name))
		}
	}

	if rule.CheckSeal && lowered != "" {
		if !containsAny(lowered, []string{"seal", "stamp", "盖章", "公章"}) {
			problems = append(problems, fmt.Sprintf("no seal or signature detected on %s", name))
			suggestions = append(suggestions, fmt.Sprintf("make sure %s carries the required seal", name))
		}
	}

	for _, keyword := range rule.Keywords {
		if keyword == "" {
			continue
		}
		if !strings.Contains(lowered, strings.ToLower(keyword)) {
			problems = append(problems, fmt.Sprintf("expected content %q not found in %s", keyword, name))
		}
	}

	if rule.RequirePairing && count%2 != 0 {
		problems = append(problems, fmt.Sprintf("material %s requires paired files (front/back), got %d", name, count))
	}

	return problems, suggestions
}

func displayName(rule MaterialRule, evidence MaterialEvidence) string {
	if rule.Name != "" {
		return rule.Name
	}
	if evidence.Name != "" {
		return evidence.Name
	}
	return evidence.Code
}

func typeAllowed(att preview.AttachmentInfo, allowed []string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(att.FileName)), ".")
	mime := strings.ToLower(att.MimeType)
	for _, t := range allowed {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if t == ext || t == mime || strings.HasSuffix(mime, "/"+t) {
			return true
		}
	}
	return false
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}
