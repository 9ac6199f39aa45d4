package downloader

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/previewlabs/previewd/pkg/metrics"
	"github.com/previewlabs/previewd/pkg/pipeline"
)

// Converter turns DOCX documents into PDF via a headless LibreOffice
// subprocess. Conversions are serialized process-wide: concurrent
// LibreOffice instances trash each other's profile directories.
type Converter struct {
	binaries []string
	slot     *semaphore.Weighted
}

// NewConverter builds the converter. Binaries are tried in order;
// defaults cover both common LibreOffice entry points.
func NewConverter(binaries ...string) *Converter {
	if len(binaries) == 0 {
		binaries = []string{"libreoffice", "soffice"}
	}
	return &Converter{
		binaries: binaries,
		slot:     semaphore.NewWeighted(1),
	}
}

// DocxToPDF converts a DOCX payload to PDF bytes.
func (c *Converter) DocxToPDF(ctx context.Context, docx []byte) ([]byte, error) {
	if err := c.slot.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire converter slot: %w", err)
	}
	defer c.slot.Release(1)

	started := time.Now()
	pdf, err := c.convert(ctx, docx)
	pipeline.ObserveStage("docx_convert", err == nil, time.Since(started))
	if err != nil {
		metrics.RecordDownload("docx_convert", false)
		return nil, err
	}
	metrics.RecordDownload("docx_convert", true)
	return pdf, nil
}

func (c *Converter) convert(ctx context.Context, docx []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "docx-convert-")
	if err != nil {
		return nil, fmt.Errorf("create converter scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input.docx")
	if err := os.WriteFile(input, docx, 0o600); err != nil {
		return nil, fmt.Errorf("write converter input: %w", err)
	}

	var lastErr error
	for _, binary := range c.binaries {
		cmd := exec.CommandContext(ctx, binary,
			"--headless", "--nologo", "--nolockcheck", "--invisible",
			"--convert-to", "pdf:writer_pdf_Export",
			"--outdir", dir,
			input)
		output, err := cmd.CombinedOutput()
		if err != nil {
			lastErr = fmt.Errorf("%s failed: %w: %s", binary, err, strings.TrimSpace(string(output)))
			continue
		}
		return readConvertedPDF(dir)
	}
	return nil, lastErr
}

// readConvertedPDF finds the converter's output; LibreOffice writes the
// input's basename with a .pdf extension, but naming varies by version.
func readConvertedPDF(dir string) ([]byte, error) {
	direct := filepath.Join(dir, "input.pdf")
	if data, err := os.ReadFile(direct); err == nil {
		return data, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan converter output: %w", err)
	}
	for _, entry := range entries {
		if strings.EqualFold(filepath.Ext(entry.Name()), ".pdf") {
			return os.ReadFile(filepath.Join(dir, entry.Name()))
		}
	}
	return nil, fmt.Errorf("converted pdf not found in output directory")
}
