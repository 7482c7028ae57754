package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestNormalizeImageContentType(t *testing.T) {
	ct, err := NormalizeImageContentType("image/JPG; charset=binary", nil)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", ct)

	ct, err = NormalizeImageContentType("application/octet-stream", pngHeader)
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)

	_, err = NormalizeImageContentType("text/plain", []byte("hello"))
	assert.ErrorIs(t, err, ErrNotImage)
}

func TestNewUploaderValidates(t *testing.T) {
	_, err := NewUploader(Config{Region: "auto"})
	assert.Error(t, err)
	_, err = NewUploader(Config{Bucket: "b", Region: "auto", AccessKey: "a"})
	assert.Error(t, err)
}

func TestObjectKey(t *testing.T) {
	u, err := NewUploader(Config{
		Bucket:        "b",
		Region:        "auto",
		AccessKey:     "a",
		SecretKey:     "s",
		PublicBaseURL: "https://cdn.example",
	})
	require.NoError(t, err)
	u.now = func() time.Time { return time.Date(2026, 10, 18, 1, 0, 0, 0, time.UTC) }

	key := u.objectKey("1101", "image/png")
	assert.True(t, strings.HasPrefix(key, "attachments/1101/2026/10/18/"), key)
	assert.True(t, strings.HasSuffix(key, ".png"), key)

	key = u.objectKey("../x", "image/webp")
	assert.True(t, strings.HasPrefix(key, "attachments/_x/"), key)
}
