package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
)

// IsPDF sniffs PDF content by magic bytes.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF"))
}

// EstimatePDFPages counts page objects in the first 4 MB of a PDF. It is a
// cheap admission-time estimate; the renderer re-validates page bounds.
func EstimatePDFPages(data []byte) int {
	const scanLimit = 4 * 1024 * 1024
	if len(data) > scanLimit {
		data = data[:scanLimit]
	}
	count := bytes.Count(data, []byte("/Type /Page"))
	// "/Type /Pages" nodes match the prefix too; subtract them.
	count -= bytes.Count(data, []byte("/Type /Pages"))
	if count < 0 {
		count = 0
	}
	return count
}

// RenderOptions tunes PDF page rasterization.
type RenderOptions struct {
	Binary      string `yaml:"binary"`
	DPI         int    `yaml:"dpi"`
	JPEGQuality int    `yaml:"jpeg_quality"`
}

func (o *RenderOptions) applyDefaults() {
	if o.Binary == "" {
		o.Binary = "pdftoppm"
	}
	if o.DPI <= 0 {
		o.DPI = 150
	}
	if o.JPEGQuality <= 0 {
		o.JPEGQuality = 85
	}
}

// RenderPDFPages rasterizes pages [firstPage, lastPage] of a PDF into JPEG
// images, one per page, via the poppler renderer subprocess. Pages come
// back in page order.
func RenderPDFPages(ctx context.Context, pdf []byte, firstPage, lastPage int, opts RenderOptions) ([][]byte, error) {
	opts.applyDefaults()
	if firstPage < 1 {
		firstPage = 1
	}
	if lastPage < firstPage {
		return nil, fmt.Errorf("invalid page range %d-%d", firstPage, lastPage)
	}

	dir, err := os.MkdirTemp("", "pdf-render-")
	if err != nil {
		return nil, fmt.Errorf("create render scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(input, pdf, 0o600); err != nil {
		return nil, fmt.Errorf("write render input: %w", err)
	}

	outPrefix := filepath.Join(dir, "page")
	cmd := exec.CommandContext(ctx, opts.Binary,
		"-jpeg",
		"-jpegopt", "quality="+strconv.Itoa(opts.JPEGQuality),
		"-r", strconv.Itoa(opts.DPI),
		"-f", strconv.Itoa(firstPage),
		"-l", strconv.Itoa(lastPage),
		input, outPrefix)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("render pdf pages %d-%d: %w: %s", firstPage, lastPage, err, truncate(output, 400))
	}

	matches, err := filepath.Glob(outPrefix + "-*.jpg")
	if err != nil {
		return nil, fmt.Errorf("collect rendered pages: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("renderer produced no pages for range %d-%d", firstPage, lastPage)
	}
	sort.Strings(matches)

	pages := make([][]byte, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rendered page: %w", err)
		}
		pages = append(pages, data)
	}
	return pages, nil
}

func truncate(data []byte, max int) string {
	if len(data) > max {
		data = data[:max]
	}
	return string(data)
}
