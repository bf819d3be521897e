package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("object not found")

// ObjectStore holds generated images. Originals are private; previews are world readable.
type ObjectStore interface {
	PutPrivate(ctx context.Context, data []byte, contentType string) (key string, err error)
	PutPublic(ctx context.Context, data []byte, contentType string) (key, url string, err error)
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, key string) error
}

const (
	kindOriginal = "originals"
	kindPreview  = "previews"
)

func objectKey(prefix, kind, contentType string, now time.Time) string {
	now = now.UTC()
	return path.Join(
		strings.Trim(prefix, "/"),
		kind,
		fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()),
		uuid.NewString()+extensionFromContentType(contentType),
	)
}

func publicURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}

func extensionFromContentType(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}
