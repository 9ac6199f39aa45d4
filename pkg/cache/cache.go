// Package cache implements the master-local material cache: a disk-backed,
// content-addressed blob store for normalized attachments, keyed by opaque
// URL-safe tokens.
package cache

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	sharederrors "github.com/previewlabs/previewd/pkg/shared/errors"
)

// Scheme prefixes cache tokens when they travel inside attachment URLs.
// It is recognized by the worker and by result enrichment and must never
// appear in a persisted evaluation result.
const Scheme = "worker-cache://"

// TokenFromURL extracts the cache token from a worker-cache URL.
func TokenFromURL(url string) (string, bool) {
	if !strings.HasPrefix(url, Scheme) {
		return "", false
	}
	token := strings.TrimPrefix(url, Scheme)
	return token, token != ""
}

// URLFromToken renders a token as a worker-cache URL.
func URLFromToken(token string) string {
	return Scheme + token
}

type metadata struct {
	PreviewID string `json:"preview_id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type,omitempty"`
}

// MaterialCache stores blobs under dir/blobs/<token> with JSON metadata
// sidecars under dir/meta/<token>.json. Tokens are derived from
// (preview_id, material_code, filename, content), so identical inputs
// always yield the same token.
type MaterialCache struct {
	dir    string
	logger *zap.Logger

	mu    sync.RWMutex
	index map[string]metadata
}

// New opens (and creates if needed) a material cache rooted at dir.
func New(dir string, logger *zap.Logger) (*MaterialCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, sub := range []string{"blobs", "meta"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	return &MaterialCache{
		dir:    dir,
		logger: logger,
		index:  make(map[string]metadata),
	}, nil
}

// Token computes the content-addressed token for the given identity and
// bytes.
func Token(previewID, materialCode, filename string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(previewID))
	h.Write([]byte{0})
	h.Write([]byte(materialCode))
	h.Write([]byte{0})
	h.Write([]byte(filename))
	h.Write([]byte{0})
	h.Write(data)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Store writes data under its content-addressed token and returns the
// token. Storing the same inputs again is a no-op returning the same token.
func (c *MaterialCache) Store(previewID, materialCode, filename string, data []byte, mimeType string) (string, error) {
	token := Token(previewID, materialCode, filename, data)
	if err := c.write(token, previewID, filename, mimeType, data); err != nil {
		return "", err
	}
	return token, nil
}

// StoreWithToken writes data under a caller-supplied token, returning the
// blob path. Rewriting an existing token with different bytes overwrites
// the previous content; the last writer wins.
func (c *MaterialCache) StoreWithToken(token, previewID, materialCode, filename string, data []byte, mimeType string) (string, error) {
	_ = materialCode
	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("cache token must not be empty")
	}
	if err := c.write(token, previewID, filename, mimeType, data); err != nil {
		return "", err
	}
	return c.blobPath(token), nil
}

func (c *MaterialCache) write(token, previewID, filename, mimeType string, data []byte) error {
	blobPath := c.blobPath(token)
	tmp := blobPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache blob: %w", err)
	}
	if err := os.Rename(tmp, blobPath); err != nil {
		return fmt.Errorf("publish cache blob: %w", err)
	}

	meta := metadata{PreviewID: previewID, Filename: filename, MimeType: mimeType}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode cache metadata: %w", err)
	}
	if err := os.WriteFile(c.metaPath(token), raw, 0o644); err != nil {
		return fmt.Errorf("write cache metadata: %w", err)
	}

	c.mu.Lock()
	c.index[token] = meta
	c.mu.Unlock()
	return nil
}

// Read returns the blob bytes for token, or ErrNotFound.
func (c *MaterialCache) Read(token string) ([]byte, error) {
	data, err := os.ReadFile(c.blobPath(token))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("cache token %s: %w", shortToken(token), sharederrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read cache blob: %w", err)
	}
	return data, nil
}

// Metadata returns the stored filename and MIME type for token.
func (c *MaterialCache) Metadata(token string) (filename, mimeType string, ok bool) {
	meta, found := c.lookup(token)
	if !found {
		return "", "", false
	}
	return meta.Filename, meta.MimeType, true
}

// Path returns the on-disk blob path for token when the blob exists.
func (c *MaterialCache) Path(token string) (string, bool) {
	p := c.blobPath(token)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// CleanupPreview removes every blob owned by previewID.
func (c *MaterialCache) CleanupPreview(previewID string) error {
	entries, err := os.ReadDir(filepath.Join(c.dir, "meta"))
	if err != nil {
		return fmt.Errorf("scan cache metadata: %w", err)
	}

	var firstErr error
	removed := 0
	for _, entry := range entries {
		token := strings.TrimSuffix(entry.Name(), ".json")
		meta, found := c.lookup(token)
		if !found || meta.PreviewID != previewID {
			continue
		}
		if err := os.Remove(c.blobPath(token)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
		if err := os.Remove(c.metaPath(token)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
		c.mu.Lock()
		delete(c.index, token)
		c.mu.Unlock()
		removed++
	}

	if removed > 0 {
		c.logger.Info("material cache cleaned up",
			zap.String("preview_id", previewID),
			zap.Int("entries", removed))
	}
	return firstErr
}

func (c *MaterialCache) lookup(token string) (metadata, bool) {
	c.mu.RLock()
	meta, ok := c.index[token]
	c.mu.RUnlock()
	if ok {
		return meta, true
	}

	raw, err := os.ReadFile(c.metaPath(token))
	if err != nil {
		return metadata{}, false
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return metadata{}, false
	}
	c.mu.Lock()
	c.index[token] = meta
	c.mu.Unlock()
	return meta, true
}

func (c *MaterialCache) blobPath(token string) string {
	return filepath.Join(c.dir, "blobs", sanitize(token))
}

func (c *MaterialCache) metaPath(token string) string {
	return filepath.Join(c.dir, "meta", sanitize(token)+".json")
}

func sanitize(input string) string {
	var b strings.Builder
	for _, ch := range input {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
			b.WriteRune(ch)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func shortToken(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
