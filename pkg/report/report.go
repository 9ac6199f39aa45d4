// Package report renders preview evaluation results into HTML and PDF
// artifacts and persists them to the object store. Templating is a pure
// function from evaluation result to bytes.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/previewlabs/previewd/pkg/preview"
	"github.com/previewlabs/previewd/pkg/storage"
)

// File is one generated artifact.
type File struct {
	FileType    string `json:"file_type"`
	StorageKey  string `json:"storage_key"`
	ViewURL     string `json:"view_url"`
	DownloadURL string `json:"download_url"`
}

// Store is the slice of the repository the generator reads.
type Store interface {
	GetPreview(ctx context.Context, previewID string) (*preview.Record, error)
}

// Config selects the PDF converter binary; empty selects wkhtmltopdf.
type Config struct {
	PDFBinary string `yaml:"pdf_binary"`
}

// Generator renders and persists report artifacts.
type Generator struct {
	cfg     Config
	store   Store
	objects storage.Storage
	baseURL string
	logger  *zap.Logger
}

// NewGenerator wires a report generator.
func NewGenerator(cfg Config, store Store, objects storage.Storage, baseURL string, logger *zap.Logger) *Generator {
	if cfg.PDFBinary == "" {
		cfg.PDFBinary = "wkhtmltopdf"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{cfg: cfg, store: store, objects: objects, baseURL: baseURL, logger: logger}
}

// GenerateAndPersist renders the HTML and PDF reports for a completed
// evaluation and uploads them. The HTML report always succeeds given a
// valid evaluation; a PDF conversion failure degrades to HTML-only.
func (g *Generator) GenerateAndPersist(ctx context.Context, previewID string) ([]File, error) {
	rec, err := g.store.GetPreview(ctx, previewID)
	if err != nil {
		return nil, err
	}
	if !rec.EvaluationResult.Valid || rec.EvaluationResult.String == "" {
		return nil, fmt.Errorf("preview %s has no evaluation result to report on", previewID)
	}

	var result preview.EvaluationResult
	if err := json.Unmarshal([]byte(rec.EvaluationResult.String), &result); err != nil {
		return nil, fmt.Errorf("decode evaluation result: %w", err)
	}

	html, err := RenderHTML(&result)
	if err != nil {
		return nil, err
	}

	var files []File

	htmlKey := fmt.Sprintf("reports/%s/report.html", previewID)
	if err := g.objects.Put(ctx, htmlKey, html); err != nil {
		return nil, fmt.Errorf("store html report: %w", err)
	}
	htmlURL := storage.ProxyURL(g.baseURL, htmlKey)
	files = append(files, File{
		FileType:    "html",
		StorageKey:  htmlKey,
		ViewURL:     htmlURL,
		DownloadURL: htmlURL,
	})

	pdf, err := g.htmlToPDF(ctx, html)
	if err != nil {
		g.logger.Warn("pdf report conversion failed, keeping html only",
			zap.String("preview_id", previewID),
			zap.Error(err))
		return files, nil
	}

	pdfKey := fmt.Sprintf("reports/%s/report.pdf", previewID)
	if err := g.objects.Put(ctx, pdfKey, pdf); err != nil {
		g.logger.Warn("pdf report upload failed",
			zap.String("preview_id", previewID),
			zap.Error(err))
		return files, nil
	}
	pdfURL := storage.ProxyURL(g.baseURL, pdfKey)
	files = append(files, File{
		FileType:    "pdf",
		StorageKey:  pdfKey,
		ViewURL:     pdfURL,
		DownloadURL: pdfURL,
	})

	return files, nil
}

func (g *Generator) htmlToPDF(ctx context.Context, html []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "report-pdf-")
	if err != nil {
		return nil, fmt.Errorf("create report scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "report.html")
	output := filepath.Join(dir, "report.pdf")
	if err := os.WriteFile(input, html, 0o600); err != nil {
		return nil, fmt.Errorf("write report input: %w", err)
	}

	cmd := exec.CommandContext(ctx, g.cfg.PDFBinary, "--quiet", input, output)
	if combined, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("convert report to pdf: %w: %s", err, bytes.TrimSpace(combined))
	}

	pdf, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("read converted pdf: %w", err)
	}
	return pdf, nil
}

const reportTemplateText = `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>Preview Report - {{.BasicInfo.MatterName}}</title>
<style>
body { font-family: "Helvetica Neue", Arial, sans-serif; margin: 24px; color: #1f2430; }
h1 { font-size: 22px; border-bottom: 2px solid #2f5aa8; padding-bottom: 8px; }
.summary { margin: 16px 0; padding: 12px; background: #f4f6fb; border-radius: 6px; }
.material { margin: 14px 0; padding: 12px; border: 1px solid #d8dce6; border-radius: 6px; }
.material h3 { margin: 0 0 8px; font-size: 16px; }
.status-pass { color: #1d7a3a; }
.status-warn { color: #b07909; }
.status-fail { color: #b02419; }
.suggestions li { margin: 2px 0; }
.meta { color: #5a6172; font-size: 13px; }
</style>
</head>
<body>
<h1>Preview Report: {{.BasicInfo.MatterName}}</h1>
<p class="meta">Request {{.BasicInfo.RequestID}} · Applicant {{.BasicInfo.ApplicantName}} · Agent {{.BasicInfo.AgentName}} · Generated {{.GeneratedAt}}</p>
<div class="summary">
<strong>Overall: {{.Result.Summary.OverallResult}}</strong><br>
{{.Result.Summary.PassedMaterials}} passed,
{{.Result.Summary.WarningMaterials}} with warnings,
{{.Result.Summary.FailedMaterials}} failed
(of {{.Result.Summary.TotalMaterials}})
</div>
{{range .Result.MaterialResults}}
<div class="material">
<h3 class="{{statusClass .RuleEvaluation.StatusCode}}">{{.MaterialName}} ({{.MaterialCode}})</h3>
<p>{{.RuleEvaluation.Message}}</p>
{{if .RuleEvaluation.Suggestions}}
<ul class="suggestions">
{{range .RuleEvaluation.Suggestions}}<li>{{.}}</li>{{end}}
</ul>
{{end}}
<p class="meta">{{len .Attachments}} attachment(s) · status code {{.RuleEvaluation.StatusCode}}</p>
</div>
{{end}}
</body>
</html>`

type reportContext struct {
	Result      *preview.EvaluationResult
	BasicInfo   preview.BasicInfo
	GeneratedAt string
}

// RenderHTML renders the evaluation result as a standalone HTML document.
func RenderHTML(result *preview.EvaluationResult) ([]byte, error) {
	tmpl, err := template.New("report").Funcs(template.FuncMap{
		"statusClass": func(code int) string {
			switch code {
			case preview.StatusCodePass:
				return "status-pass"
			case preview.StatusCodeWarning:
				return "status-warn"
			default:
				return "status-fail"
			}
		},
	}).Parse(reportTemplateText)
	if err != nil {
		return nil, fmt.Errorf("parse report template: %w", err)
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, reportContext{
		Result:      result,
		BasicInfo:   result.BasicInfo,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("render report template: %w", err)
	}
	return buf.Bytes(), nil
}
