package cache

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sharederrors "github.com/previewlabs/previewd/pkg/shared/errors"
)

func newTestCache(t *testing.T) *MaterialCache {
	t.Helper()
	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return c
}

func TestStoreAndRead(t *testing.T) {
	c := newTestCache(t)

	token, err := c.Store("preview-1", "mat-a", "scan.png", []byte("image-bytes"), "image/png")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	data, err := c.Read(token)
	require.NoError(t, err)
	assert.Equal(t, []byte("image-bytes"), data)

	filename, mime, ok := c.Metadata(token)
	require.True(t, ok)
	assert.Equal(t, "scan.png", filename)
	assert.Equal(t, "image/png", mime)

	path, ok := c.Path(token)
	require.True(t, ok)
	assert.NotEmpty(t, path)
}

func TestTokensAreContentAddressed(t *testing.T) {
	c := newTestCache(t)

	t1, err := c.Store("preview-1", "mat-a", "scan.png", []byte("same"), "")
	require.NoError(t, err)
	t2, err := c.Store("preview-1", "mat-a", "scan.png", []byte("same"), "")
	require.NoError(t, err)
	assert.Equal(t, t1, t2)

	t3, err := c.Store("preview-1", "mat-a", "scan.png", []byte("different"), "")
	require.NoError(t, err)
	assert.NotEqual(t, t1, t3)

	t4, err := c.Store("preview-2", "mat-a", "scan.png", []byte("same"), "")
	require.NoError(t, err)
	assert.NotEqual(t, t1, t4)
}

func TestReadMissingToken(t *testing.T) {
	c := newTestCache(t)
	_, err := c.Read("no-such-token")
	assert.True(t, errors.Is(err, sharederrors.ErrNotFound))
}

func TestStoreWithTokenOverwrites(t *testing.T) {
	c := newTestCache(t)

	_, err := c.StoreWithToken("tok-1", "preview-1", "mat-a", "a.bin", []byte("first"), "")
	require.NoError(t, err)
	_, err = c.StoreWithToken("tok-1", "preview-1", "mat-a", "a.bin", []byte("second"), "")
	require.NoError(t, err)

	data, err := c.Read("tok-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)
}

func TestStoreWithTokenRejectsEmpty(t *testing.T) {
	c := newTestCache(t)
	_, err := c.StoreWithToken("  ", "p", "m", "f", []byte("x"), "")
	assert.Error(t, err)
}

func TestCleanupPreview(t *testing.T) {
	c := newTestCache(t)

	mine, err := c.Store("preview-1", "mat-a", "a.png", []byte("aaa"), "")
	require.NoError(t, err)
	other, err := c.Store("preview-2", "mat-b", "b.png", []byte("bbb"), "")
	require.NoError(t, err)

	require.NoError(t, c.CleanupPreview("preview-1"))

	_, err = c.Read(mine)
	assert.True(t, errors.Is(err, sharederrors.ErrNotFound))

	data, err := c.Read(other)
	require.NoError(t, err)
	assert.Equal(t, []byte("bbb"), data)
}

func TestTokenURLRoundTrip(t *testing.T) {
	url := URLFromToken("abc123")
	assert.Equal(t, "worker-cache://abc123", url)

	token, ok := TokenFromURL(url)
	require.True(t, ok)
	assert.Equal(t, "abc123", token)

	_, ok = TokenFromURL("https://example.com/file.pdf")
	assert.False(t, ok)

	_, ok = TokenFromURL("worker-cache://")
	assert.False(t, ok)
}

func TestMetadataSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	c1, err := New(dir, nil)
	require.NoError(t, err)
	token, err := c1.Store("preview-1", "mat-a", "scan.png", []byte("persisted"), "image/png")
	require.NoError(t, err)

	c2, err := New(dir, nil)
	require.NoError(t, err)

	data, err := c2.Read(token)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), data)

	filename, _, ok := c2.Metadata(token)
	require.True(t, ok)
	assert.Equal(t, "scan.png", filename)
}
