// Package imaging validates uploaded images and renders the derived versions
// the service stores: the optimized upload and the watermarked public preview.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var (
	ErrEmpty       = errors.New("image data is empty")
	ErrUnsupported = errors.New("unsupported image format")
	ErrTooLarge    = errors.New("image is too large")
)

const (
	MaxUploadBytes = 10 << 20

	optimizeMaxHeight = 768
	optimizeQuality   = 65

	previewMaxSide = 512
	previewQuality = 70
)

var allowedFormats = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
}

// DecodeDataURI accepts either a data URI ("data:image/png;base64,...") or bare
// base64 and returns the raw bytes and their sniffed mime type. The declared type
// in the URI is ignored in favor of what the bytes actually decode as.
func DecodeDataURI(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, "", ErrEmpty
	}
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, "", fmt.Errorf("%w: malformed data uri", ErrUnsupported)
		}
		header := s[len("data:"):comma]
		if !strings.HasSuffix(header, ";base64") {
			return nil, "", fmt.Errorf("%w: data uri is not base64", ErrUnsupported)
		}
		s = s[comma+1:]
	}
	if base64.StdEncoding.DecodedLen(len(s)) > MaxUploadBytes {
		return nil, "", ErrTooLarge
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if err != nil {
			return nil, "", fmt.Errorf("%w: invalid base64", ErrUnsupported)
		}
	}
	mime, err := Sniff(raw)
	if err != nil {
		return nil, "", err
	}
	return raw, mime, nil
}

// Sniff reports the mime type of data if it is one of the accepted formats.
func Sniff(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	mime, ok := allowedFormats[format]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, format)
	}
	return mime, nil
}

// Optimize shrinks an upload to at most 768px tall and re-encodes it as JPEG q65.
func Optimize(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if h > optimizeMaxHeight {
		w = max(1, w*optimizeMaxHeight/h)
		h = optimizeMaxHeight
	}
	return encodeJPEG(resize(src, w, h), optimizeQuality)
}

// Preview renders the public version of a generated image: at most 512px on the
// long side, covered by the diagonal watermark pattern, JPEG q70.
func Preview(data []byte, text string) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode generated image: %w", err)
	}

	w, h := fit(src.Bounds().Dx(), src.Bounds().Dy(), previewMaxSide)
	dst := resize(src, w, h)
	if err := Watermark(dst, text); err != nil {
		return nil, err
	}
	return encodeJPEG(dst, previewQuality)
}

func fit(w, h, maxSide int) (int, int) {
	long := max(w, h)
	if long <= maxSide {
		return w, h
	}
	return max(1, w*maxSide/long), max(1, h*maxSide/long)
}

// resize scales src onto an opaque white canvas so transparent inputs do not
// turn black once encoded as JPEG.
func resize(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
