package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/digkill/imagecredit/internal/config"
	"github.com/digkill/imagecredit/internal/metrics"
)

type Client struct {
	apiKey     string
	baseURL    string
	uploadURL  string
	model      string
	httpClient *http.Client
	gate       *Gate
	log        *zap.Logger
	metrics    *metrics.Metrics

	maxRetries      int
	retryDelay      time.Duration
	startTimeout    time.Duration
	uploadTimeout   time.Duration
	generateTimeout time.Duration
}

func NewClient(cfg config.Config, gate *Gate, m *metrics.Metrics, log *zap.Logger) *Client {
	return &Client{
		apiKey:    cfg.GeminiAPIKey,
		baseURL:   strings.TrimRight(cfg.GeminiBaseURL, "/"),
		uploadURL: cfg.GeminiUploadURL,
		model:     cfg.GeminiModel,
		// Per-call deadlines come from the contexts below.
		httpClient:      &http.Client{},
		gate:            gate,
		log:             log.Named("gemini"),
		metrics:         m,
		maxRetries:      cfg.GeminiMaxRetries,
		retryDelay:      cfg.GeminiRetryDelay,
		startTimeout:    orDefault(cfg.GeminiStartTimeout, 30*time.Second),
		uploadTimeout:   orDefault(cfg.GeminiUploadTimeout, 120*time.Second),
		generateTimeout: orDefault(cfg.GeminiTimeout, 120*time.Second),
	}
}

// UploadFile pushes data through the two-phase resumable upload and returns the
// remote reference generation calls can point at.
func (c *Client) UploadFile(ctx context.Context, data []byte, mimeType, displayName string) (*FileRef, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("no data to upload")
	}
	uploadURL, err := c.startUpload(ctx, len(data), mimeType, displayName)
	if err != nil {
		c.observe("upload", err)
		return nil, fmt.Errorf("start upload: %w", err)
	}
	ref, err := c.finalizeUpload(ctx, uploadURL, data)
	c.observe("upload", err)
	if err != nil {
		return nil, fmt.Errorf("finalize upload: %w", err)
	}
	if ref.MimeType == "" {
		ref.MimeType = mimeType
	}
	c.log.Info("file uploaded", zap.String("uri", ref.URI), zap.String("mime", ref.MimeType))
	return ref, nil
}

func (c *Client) startUpload(ctx context.Context, size int, mimeType, displayName string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.startTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"file": map[string]string{"display_name": displayName},
	})
	if err != nil {
		return "", fmt.Errorf("marshal start body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Upload-Protocol", "resumable")
	req.Header.Set("X-Goog-Upload-Command", "start")
	req.Header.Set("X-Goog-Upload-Header-Content-Length", strconv.Itoa(size))
	req.Header.Set("X-Goog-Upload-Header-Content-Type", mimeType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post upload start: %w", err)
	}
	defer resp.Body.Close()

	rawBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", &APIError{Op: "upload start", Status: resp.StatusCode, Body: truncateBody(rawBody)}
	}

	uploadURL := resp.Header.Get("X-Goog-Upload-URL")
	if uploadURL == "" {
		return "", fmt.Errorf("upload start returned no upload url")
	}
	return uploadURL, nil
}

func (c *Client) finalizeUpload(ctx context.Context, uploadURL string, data []byte) (*FileRef, error) {
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("x-goog-api-key", c.apiKey)
	req.Header.Set("X-Goog-Upload-Offset", "0")
	req.Header.Set("X-Goog-Upload-Command", "upload, finalize")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post upload bytes: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{Op: "upload finalize", Status: resp.StatusCode, Body: truncateBody(rawBody)}
	}

	var parsed uploadResponse
	if err := json.Unmarshal(rawBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode upload response: %w (body=%s)", err, truncateBody(rawBody))
	}
	if parsed.File.URI == "" {
		return nil, fmt.Errorf("upload response missing file uri")
	}
	return &FileRef{URI: parsed.File.URI, MimeType: parsed.File.MimeType}, nil
}

// Generate runs one image generation. It holds a gate slot for the whole call,
// retries transient upstream failures, and returns ErrBusy when no slot frees in time.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*Image, error) {
	body, err := buildGenerateBody(req)
	if err != nil {
		return nil, err
	}

	release, err := c.gate.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			c.log.Warn("generation gate full", zap.Int64("inflight", c.gate.InFlight()))
		}
		return nil, err
	}
	defer release()

	for attempt := 0; ; attempt++ {
		img, err := c.generateOnce(ctx, body)
		c.observe("generate", err)
		if err == nil {
			if attempt > 0 {
				c.log.Info("generation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return img, nil
		}
		if attempt >= c.maxRetries || !isTransient(err) {
			return nil, err
		}

		c.log.Warn("transient upstream error, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", c.maxRetries),
			zap.Error(err),
		)
		if c.metrics != nil {
			c.metrics.UpstreamRetries.Inc()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
}

func (c *Client) generateOnce(ctx context.Context, body []byte) (*Image, error) {
	ctx, cancel := context.WithTimeout(ctx, c.generateTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post generate: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		c.log.Error("generate failed", zap.Int("status", resp.StatusCode), zap.String("body", truncateBody(rawBody)))
		return nil, &APIError{Op: "generate", Status: resp.StatusCode, Body: truncateBody(rawBody)}
	}

	var parsed generateResponse
	if err := json.Unmarshal(rawBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode generate response: %w (body=%s)", err, truncateBody(rawBody))
	}
	return extractImage(&parsed)
}

func buildGenerateBody(req GenerateRequest) ([]byte, error) {
	var media part
	switch {
	case req.File != nil && req.File.URI != "":
		mime := req.File.MimeType
		if mime == "" {
			mime = "image/jpeg"
		}
		media.FileData = &fileData{MimeType: mime, FileURI: req.File.URI}
	case len(req.Inline) > 0:
		mime := req.InlineMime
		if mime == "" {
			mime = "image/jpeg"
		}
		media.InlineData = &inlineData{MimeType: mime, Data: base64.StdEncoding.EncodeToString(req.Inline)}
	default:
		return nil, fmt.Errorf("generate request needs a file reference or inline image")
	}

	body := generateBody{
		Contents: []content{{
			Role:  "user",
			Parts: []part{media, {Text: req.Prompt}},
		}},
		GenerationConfig: generationConfig{ResponseModalities: []string{"IMAGE"}},
	}
	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal generate body: %w", err)
	}
	return out, nil
}

func extractImage(resp *generateResponse) (*Image, error) {
	if resp.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("%w: prompt blocked (%s)", ErrNoImage, resp.PromptFeedback.BlockReason)
	}
	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			data := p.InlineData
			if data == nil {
				data = p.InlineDataSnake
			}
			if data == nil || data.Data == "" {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(data.Data)
			if err != nil {
				return nil, fmt.Errorf("decode image data: %w", err)
			}
			mime := data.MimeType
			if mime == "" {
				mime = "image/png"
			}
			return &Image{Data: raw, MimeType: mime}, nil
		}
	}
	return nil, ErrNoImage
}

// isTransient matches the upstream's internal-error responses, the only ones worth retrying.
func isTransient(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Status < 500 {
		return false
	}
	return strings.Contains(apiErr.Body, "INTERNAL") ||
		strings.Contains(apiErr.Body, "An internal error has occurred")
}

func (c *Client) observe(op string, err error) {
	if c.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.UpstreamRequests.WithLabelValues(op, outcome).Inc()
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
