package downloader

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/previewlabs/previewd/pkg/ocr"
	"github.com/previewlabs/previewd/pkg/preview"
	sharederrors "github.com/previewlabs/previewd/pkg/shared/errors"
)

type normalizedAttachment struct {
	data []byte
	name string
	mime string
}

// normalizeAttachment converts an attachment into the pipeline's canonical
// forms: DOCX becomes PDF, PDFs pass through, everything else must decode
// as an image and is re-encoded to PNG.
func (s *Service) normalizeAttachment(ctx context.Context, materialCode string, attachment *preview.Attachment, data []byte) (*normalizedAttachment, error) {
	name := attachment.AttachName
	lowered := strings.ToLower(name)

	if strings.HasSuffix(lowered, ".docx") || strings.HasSuffix(lowered, ".doc") {
		pdf, err := s.converter.DocxToPDF(ctx, data)
		if err != nil {
			return nil, sharederrors.ConvertFail(
				fmt.Sprintf("docx to pdf (material=%s)", materialCode), err)
		}
		return &normalizedAttachment{
			data: pdf,
			name: withExtension(name, "pdf"),
			mime: "application/pdf",
		}, nil
	}

	if strings.HasSuffix(lowered, ".pdf") || ocr.IsPDF(data) {
		return &normalizedAttachment{
			data: data,
			name: withExtension(name, "pdf"),
			mime: "application/pdf",
		}, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, sharederrors.UnsupportedMedia(
			fmt.Sprintf("attachment is neither image nor pdf (material=%s)", materialCode), err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, sharederrors.ConvertFail(
			fmt.Sprintf("image re-encode (material=%s)", materialCode), err)
	}

	return &normalizedAttachment{
		data: buf.Bytes(),
		name: withExtension(name, "png"),
		mime: "image/png",
	}, nil
}

func withExtension(filename, ext string) string {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	if base == "" {
		base = filename
	}
	if base == "" {
		base = "attachment"
	}
	return base + "." + strings.TrimPrefix(ext, ".")
}
