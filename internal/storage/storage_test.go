package storage

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/imagecredit/internal/config"
)

func TestObjectKeyLayout(t *testing.T) {
	now := time.Date(2025, 3, 7, 23, 0, 0, 0, time.UTC)
	key := objectKey("/images/", kindPreview, "image/jpeg", now)

	assert.True(t, strings.HasPrefix(key, "images/previews/2025/03/07/"), key)
	assert.True(t, strings.HasSuffix(key, ".jpg"), key)
}

func TestExtensionFromContentType(t *testing.T) {
	assert.Equal(t, ".png", extensionFromContentType("IMAGE/PNG"))
	assert.Equal(t, ".webp", extensionFromContentType("image/webp"))
	assert.Equal(t, ".bin", extensionFromContentType("application/octet-stream"))
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("https://cdn.example.com/")

	privKey, err := store.PutPrivate(ctx, []byte("original"), "image/png")
	require.NoError(t, err)
	pubKey, url, err := store.PutPublic(ctx, []byte("preview"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/"+pubKey, url)

	_, public := store.Has(privKey)
	assert.False(t, public)
	_, public = store.Has(pubKey)
	assert.True(t, public)

	body, contentType, err := store.Get(ctx, privKey)
	require.NoError(t, err)
	defer body.Close()
	data, _ := io.ReadAll(body)
	assert.Equal(t, "original", string(data))
	assert.Equal(t, "image/png", contentType)

	require.NoError(t, store.Delete(ctx, privKey))
	_, _, err = store.Get(ctx, privKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewS3StoreValidatesConfig(t *testing.T) {
	_, err := NewS3Store(config.Config{S3Region: "us-east-1"})
	require.Error(t, err)

	store, err := NewS3Store(config.Config{
		S3Bucket:        "bucket",
		S3Region:        "us-east-1",
		S3AccessKey:     "ak",
		S3SecretKey:     "sk",
		S3PublicBaseURL: "https://cdn.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "images", store.prefix)
}
