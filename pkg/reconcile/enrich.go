package reconcile

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/gif"
	_ "image/png"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"github.com/previewlabs/previewd/pkg/cache"
	"github.com/previewlabs/previewd/pkg/preview"
	"github.com/previewlabs/previewd/pkg/storage"
)

const (
	// maxInlineBytes bounds data-URI embedding of previews.
	maxInlineBytes = 1_000_000
	// previewMaxSide bounds the long edge of generated preview variants.
	previewMaxSide = 1600
	// previewJPEGQuality is the preview variant encoding quality.
	previewJPEGQuality = 75
)

// EnrichAttachments rewrites every attachment in the result to durable
// links: storage proxy URLs, data URIs for small files, and freshly
// persisted objects for anything still living in the worker cache.
// Post-condition: no attachment carries a worker-cache URL; a violation
// fails the reconciliation.
func (r *Reconciler) EnrichAttachments(ctx context.Context, previewID string, result *preview.EvaluationResult) error {
	records, err := r.store.ListMaterialFiles(ctx, preview.MaterialFileFilter{PreviewID: previewID})
	if err != nil {
		r.logger.Warn("material file lookup failed, continuing with existing links",
			zap.String("preview_id", previewID),
			zap.Error(err))
		records = nil
	}

	urlCache := map[string]string{}
	dataURICache := map[string]*string{}

	for mi := range result.MaterialResults {
		material := &result.MaterialResults[mi]
		for ai := range material.Attachments {
			attachment := &material.Attachments[ai]
			if attachment.Extra == nil {
				attachment.Extra = map[string]any{}
			}

			record := selectMaterialRecord(records, material.MaterialCode, attachment)

			if record != nil {
				if attachment.FileSize == 0 && record.SizeBytes.Valid && record.SizeBytes.Int64 >= 0 {
					attachment.FileSize = record.SizeBytes.Int64
				}
				if attachment.MimeType == "" && record.MimeType.Valid {
					attachment.MimeType = record.MimeType.String
				}
				r.applyRecordLinks(ctx, attachment, record, urlCache, dataURICache)
			}

			if needsPersist(attachment, record) {
				newRecord, err := r.persistFromWorkerCache(ctx, previewID, material.MaterialCode, attachment)
				if err != nil {
					return err
				}
				records = append(records, *newRecord)
				r.applyRecordLinks(ctx, attachment, newRecord, urlCache, dataURICache)
			}

			if hasWorkerCacheLink(attachment) {
				return fmt.Errorf(
					"attachment not persisted to durable storage: preview_id=%s material=%s attachment=%s",
					previewID, material.MaterialCode, attachment.FileName)
			}
		}
	}

	return nil
}

// selectMaterialRecord picks the record for an attachment: by original
// source URL, then by normalized filename, then the first record of the
// material.
func selectMaterialRecord(records []preview.MaterialFileRecord, materialCode string, attachment *preview.AttachmentInfo) *preview.MaterialFileRecord {
	var materialRecords []*preview.MaterialFileRecord
	for i := range records {
		if records[i].MaterialCode == materialCode {
			materialRecords = append(materialRecords, &records[i])
		}
	}

	if originalURL, ok := attachment.Extra["originalUrl"].(string); ok && originalURL != "" {
		for i := range records {
			if records[i].SourceURL.Valid && records[i].SourceURL.String == originalURL {
				return &records[i]
			}
		}
	}

	normalized := normalizeAttachmentName(attachment.FileName)
	if normalized != "" {
		for _, rec := range materialRecords {
			if rec.AttachmentName.Valid && strings.EqualFold(rec.AttachmentName.String, normalized) {
				return rec
			}
		}
		for _, rec := range materialRecords {
			if rec.AttachmentName.Valid && strings.EqualFold(rec.AttachmentName.String, attachment.FileName) {
				return rec
			}
		}
	}

	if len(materialRecords) > 0 {
		return materialRecords[0]
	}
	return nil
}

func recordHasStableKeys(record *preview.MaterialFileRecord) bool {
	if record == nil {
		return false
	}
	if strings.TrimSpace(record.StoredOriginalKey) != "" {
		return true
	}
	if record.StoredProcessedKeys.Valid {
		var keys []string
		if err := json.Unmarshal([]byte(record.StoredProcessedKeys.String), &keys); err == nil {
			for _, key := range keys {
				if strings.TrimSpace(key) != "" {
					return true
				}
			}
		}
	}
	return false
}

func hasWorkerCacheLink(attachment *preview.AttachmentInfo) bool {
	isCache := func(url string) bool { return strings.HasPrefix(url, cache.Scheme) }
	return isCache(attachment.FileURL) || isCache(attachment.PreviewURL) || isCache(attachment.ThumbnailURL)
}

func needsPersist(attachment *preview.AttachmentInfo, record *preview.MaterialFileRecord) bool {
	if recordHasStableKeys(record) {
		return false
	}
	return hasWorkerCacheLink(attachment) || strings.TrimSpace(attachment.FileURL) == "" || record == nil
}

// applyRecordLinks rewrites the attachment URLs from a durable record and
// embeds small previews inline.
func (r *Reconciler) applyRecordLinks(ctx context.Context, attachment *preview.AttachmentInfo,
	record *preview.MaterialFileRecord, urlCache map[string]string, dataURICache map[string]*string) {

	if record.StoredOriginalKey != "" {
		originalURL := r.publicURL(record.StoredOriginalKey, urlCache)
		attachment.Extra["ossOriginalKey"] = record.StoredOriginalKey
		attachment.Extra["ossOriginalUrl"] = originalURL

		if attachment.FileURL == "" || strings.HasPrefix(attachment.FileURL, cache.Scheme) {
			attachment.FileURL = originalURL
		}
		if strings.HasPrefix(attachment.PreviewURL, cache.Scheme) {
			attachment.PreviewURL = originalURL
		}
		if strings.HasPrefix(attachment.ThumbnailURL, cache.Scheme) {
			attachment.ThumbnailURL = originalURL
		}
	}

	if record.StoredProcessedKeys.Valid {
		var keys []string
		if err := json.Unmarshal([]byte(record.StoredProcessedKeys.String), &keys); err == nil {
			for _, key := range keys {
				if key == "" {
					continue
				}
				previewURL := r.publicURL(key, urlCache)
				attachment.Extra["ossPreviewKey"] = key
				attachment.Extra["ossPreviewUrl"] = previewURL

				replacePreview := attachment.PreviewURL == "" ||
					strings.HasPrefix(attachment.PreviewURL, "/") ||
					strings.HasPrefix(attachment.PreviewURL, cache.Scheme)
				if replacePreview {
					attachment.PreviewURL = previewURL
				}
				if attachment.ThumbnailURL == "" {
					attachment.ThumbnailURL = previewURL
				}

				if dataURI := r.fetchDataURI(ctx, key, attachment.MimeType, dataURICache); dataURI != "" {
					attachment.PreviewURL = dataURI
					attachment.ThumbnailURL = dataURI
					attachment.Extra["embeddedPreview"] = true
				}
				break
			}
		}
	}
}

func (r *Reconciler) publicURL(key string, urlCache map[string]string) string {
	if cached, ok := urlCache[key]; ok {
		return cached
	}
	url := storage.ProxyURL(r.baseURL, key)
	urlCache[key] = url
	return url
}

// fetchDataURI inlines a stored object as a data URI when it fits the
// embed budget.
func (r *Reconciler) fetchDataURI(ctx context.Context, key, mimeHint string, cacheMap map[string]*string) string {
	if cached, ok := cacheMap[key]; ok {
		if cached == nil {
			return ""
		}
		return *cached
	}

	data, err := r.objects.Get(ctx, key)
	if err != nil || data == nil {
		cacheMap[key] = nil
		return ""
	}
	if len(data) > maxInlineBytes {
		cacheMap[key] = nil
		return ""
	}

	mime := mimeHint
	if mime == "" {
		mime = guessMimeFromName(key)
	}
	if mime == "" {
		mime = "image/jpeg"
	}

	uri := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
	cacheMap[key] = &uri
	return uri
}

// persistFromWorkerCache uploads a still-cached attachment to the object
// store, generating a compressed preview variant for images, and records
// the new material file row.
func (r *Reconciler) persistFromWorkerCache(ctx context.Context, previewID, materialCode string, attachment *preview.AttachmentInfo) (*preview.MaterialFileRecord, error) {
	data, sourceURL, err := r.loadWorkerCacheBytes(attachment)
	if err != nil {
		return nil, fmt.Errorf(
			"worker cache expired, cannot extract attachment: preview_id=%s material=%s: %w",
			previewID, materialCode, err)
	}

	mime := attachment.MimeType
	if mime == "" {
		mime = guessMimeFromName(attachment.FileName)
	}
	if mime == "" {
		mime = "application/octet-stream"
	}

	normalizedName := normalizeAttachmentName(attachment.FileName)
	if normalizedName == "" {
		normalizedName = fmt.Sprintf("attachment-%d", time.Now().UnixMilli())
	}
	fileName := normalizedName
	if !strings.Contains(fileName, ".") {
		fileName += "." + extensionForMime(mime)
	}

	storageKey := fmt.Sprintf("previews/%s/materials/%s/%s",
		sanitizeForKey(previewID), sanitizeForKey(materialCode), fileName)

	if err := r.objects.Put(ctx, storageKey, data); err != nil {
		return nil, fmt.Errorf("upload attachment to storage: %w", err)
	}

	var processedKeys []string
	if previewKey, previewURL, ok := r.generatePreviewVariant(ctx, previewID, materialCode, normalizedName, data, mime); ok {
		processedKeys = append(processedKeys, previewKey)
		attachment.Extra["ossPreviewKey"] = previewKey
		attachment.Extra["ossPreviewUrl"] = previewURL
		attachment.PreviewURL = previewURL
		attachment.ThumbnailURL = previewURL
	}
	processedKeys = append(processedKeys, storageKey)

	publicURL := storage.ProxyURL(r.baseURL, storageKey)
	if attachment.PreviewURL == "" || strings.HasPrefix(attachment.PreviewURL, cache.Scheme) {
		attachment.PreviewURL = publicURL
	}
	if attachment.ThumbnailURL == "" || strings.HasPrefix(attachment.ThumbnailURL, cache.Scheme) {
		attachment.ThumbnailURL = publicURL
	}
	attachment.FileURL = publicURL
	if attachment.MimeType == "" {
		attachment.MimeType = mime
	}
	attachment.Extra["ossStoredKey"] = storageKey
	attachment.Extra["publicPreviewUrl"] = publicURL

	processedJSON, _ := json.Marshal(processedKeys)
	checksum := sha256.Sum256(data)
	now := time.Now().UTC()

	record := &preview.MaterialFileRecord{
		ID:                  preview.NewAttemptID(),
		PreviewID:           previewID,
		MaterialCode:        materialCode,
		AttachmentName:      nullString(attachment.FileName),
		SourceURL:           nullString(sourceURL),
		StoredOriginalKey:   storageKey,
		StoredProcessedKeys: nullString(string(processedJSON)),
		MimeType:            nullString(mime),
		SizeBytes:           sql.NullInt64{Int64: int64(len(data)), Valid: true},
		ChecksumSHA256:      nullString(hex.EncodeToString(checksum[:])),
		Status:              preview.FileStatusMasterSynced,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := r.store.SaveMaterialFile(ctx, record); err != nil {
		return nil, fmt.Errorf("save material file record: %w", err)
	}
	return record, nil
}

// loadWorkerCacheBytes resolves the attachment's bytes from the cache
// token, a stored data URI, or the worker-cache link itself.
func (r *Reconciler) loadWorkerCacheBytes(attachment *preview.AttachmentInfo) ([]byte, string, error) {
	var sourceURL string

	if token, ok := attachment.Extra["workerCacheToken"].(string); ok && token != "" {
		sourceURL = cache.URLFromToken(token)
		if r.cache != nil {
			if data, err := r.cache.Read(token); err == nil {
				return data, sourceURL, nil
			}
		}
	}

	for _, candidate := range []string{attachment.FileURL, attachment.PreviewURL, attachment.ThumbnailURL} {
		if token, ok := cache.TokenFromURL(candidate); ok {
			sourceURL = candidate
			if r.cache != nil {
				if data, err := r.cache.Read(token); err == nil {
					return data, sourceURL, nil
				}
			}
		}
	}

	for _, candidate := range []string{attachment.PreviewURL, attachment.FileURL} {
		if data := decodeDataURI(candidate); data != nil {
			return data, sourceURL, nil
		}
	}

	return nil, "", fmt.Errorf("no recoverable source for attachment %s", attachment.FileName)
}

// generatePreviewVariant downsizes an image to the preview budget and
// stores it as JPEG.
func (r *Reconciler) generatePreviewVariant(ctx context.Context, previewID, materialCode, normalizedName string, data []byte, mime string) (string, string, bool) {
	if !isImageMime(mime) {
		return "", "", false
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", "", false
	}

	resized := resizeForPreview(src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: previewJPEGQuality}); err != nil {
		return "", "", false
	}

	previewKey := fmt.Sprintf("previews/%s/materials/%s/preview/%s-preview.jpg",
		sanitizeForKey(previewID), sanitizeForKey(materialCode), normalizedName)
	if err := r.objects.Put(ctx, previewKey, buf.Bytes()); err != nil {
		return "", "", false
	}

	return previewKey, storage.ProxyURL(r.baseURL, previewKey), true
}

func resizeForPreview(src image.Image) image.Image {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= previewMaxSide && h <= previewMaxSide {
		return src
	}

	ratio := float64(previewMaxSide) / float64(w)
	if hr := float64(previewMaxSide) / float64(h); hr < ratio {
		ratio = hr
	}
	newW := int(float64(w)*ratio + 0.5)
	newH := int(float64(h)*ratio + 0.5)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	return dst
}

// HumanizeRuleMessages substitutes well-known field identifiers with
// reader-facing names in the rule output.
func HumanizeRuleMessages(result *preview.EvaluationResult) {
	for mi := range result.MaterialResults {
		material := &result.MaterialResults[mi]
		material.RuleEvaluation.Message = humanizeRuleText(material.RuleEvaluation.Message)
		material.RuleEvaluation.Description = humanizeRuleText(material.RuleEvaluation.Description)
		for si := range material.RuleEvaluation.Suggestions {
			material.RuleEvaluation.Suggestions[si] = humanizeRuleText(material.RuleEvaluation.Suggestions[si])
		}
	}
}

var ruleTextReplacements = []struct{ from, to string }{
	{"expiryDate", "certificate validity period"},
	{"legalRepId", "legal representative id"},
	{"legalRepName", "legal representative name"},
	{"legalRepCert", "legal representative certificate"},
	{"legalRep", "legal representative"},
	{"agentId", "agent id"},
	{"agentName", "agent name"},
	{"agentCert", "agent certificate"},
	{"businessLicense", "business license"},
}

func humanizeRuleText(text string) string {
	if text == "" {
		return ""
	}
	normalized := strings.ReplaceAll(text, "_", " ")
	for _, rep := range ruleTextReplacements {
		normalized = strings.ReplaceAll(normalized, rep.from, rep.to)
	}
	return normalized
}

// CountUnstableAttachments counts attachments still pointing at the
// worker cache or missing a file URL.
func CountUnstableAttachments(result *preview.EvaluationResult) int {
	count := 0
	for _, material := range result.MaterialResults {
		for i := range material.Attachments {
			att := &material.Attachments[i]
			if strings.TrimSpace(att.FileURL) == "" || hasWorkerCacheLink(att) {
				count++
			}
		}
	}
	return count
}

func normalizeAttachmentName(name string) string {
	var b strings.Builder
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9',
			ch == '_', ch == '-', ch == '.':
			b.WriteRune(ch)
		case ch == ' ', ch == '\t':
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), ".")
}

func sanitizeForKey(input string) string {
	var b strings.Builder
	for _, ch := range input {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9',
			ch == '-', ch == '_':
			b.WriteRune(ch)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func guessMimeFromName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".bmp":
		return "image/bmp"
	case ".pdf":
		return "application/pdf"
	case ".html":
		return "text/html"
	default:
		return ""
	}
}

func extensionForMime(mime string) string {
	switch strings.ToLower(mime) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "application/pdf":
		return "pdf"
	default:
		return "bin"
	}
}

func isImageMime(mime string) bool {
	switch strings.ToLower(mime) {
	case "image/jpeg", "image/jpg", "image/png", "image/webp", "image/bmp", "image/gif":
		return true
	}
	return false
}

func decodeDataURI(uri string) []byte {
	const marker = ";base64,"
	idx := strings.Index(uri, marker)
	if idx < 0 || !strings.HasPrefix(uri, "data:") {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(uri[idx+len(marker):])
	if err != nil {
		return nil
	}
	return data
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
