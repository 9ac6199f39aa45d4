// Package storage defines the narrow object-store capability the pipeline
// persists attachments and reports through, with S3 and local-directory
// drivers.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Storage is the object-store capability. Get returns (nil, nil) for a
// missing key. Public URLs are always rewritten through the master's
// storage proxy, never exposed as raw bucket URLs.
type Storage interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	GetPublicURL(ctx context.Context, key string) (string, error)
	GetPresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ProxyURL renders the public proxy URL for a storage key:
// {base_url}/api/storage/files/{key}.
func ProxyURL(baseURL, key string) string {
	return fmt.Sprintf("%s/api/storage/files/%s",
		strings.TrimRight(baseURL, "/"),
		url.PathEscape(strings.TrimLeft(key, "/")))
}
