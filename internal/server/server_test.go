package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/digkill/imagecredit/internal/bank"
	"github.com/digkill/imagecredit/internal/clock"
	"github.com/digkill/imagecredit/internal/config"
	"github.com/digkill/imagecredit/internal/database/dbtest"
	"github.com/digkill/imagecredit/internal/gemini"
	"github.com/digkill/imagecredit/internal/metrics"
	"github.com/digkill/imagecredit/internal/notify"
	"github.com/digkill/imagecredit/internal/otp"
	"github.com/digkill/imagecredit/internal/ratelimit"
	"github.com/digkill/imagecredit/internal/repository"
	"github.com/digkill/imagecredit/internal/service"
	"github.com/digkill/imagecredit/internal/storage"
	"github.com/digkill/imagecredit/internal/tokens"
	"github.com/digkill/imagecredit/internal/vietqr"
)

const (
	adminUser     = "admin"
	adminPassword = "s3cret"
)

type fakeModel struct {
	output []byte
}

func (f *fakeModel) UploadFile(_ context.Context, _ []byte, mimeType, _ string) (*gemini.FileRef, error) {
	return &gemini.FileRef{URI: "files/abc", MimeType: mimeType}, nil
}

func (f *fakeModel) Generate(context.Context, gemini.GenerateRequest) (*gemini.Image, error) {
	return &gemini.Image{Data: f.output, MimeType: "image/png"}, nil
}

type noBank struct{}

func (noBank) Configured() bool { return false }
func (noBank) Account() string  { return "" }
func (noBank) History(context.Context) ([]bank.Transaction, error) {
	return nil, errors.New("not configured")
}

type testEnv struct {
	cfg    config.Config
	clock  *clock.FakeClock
	users  *tokens.Issuer
	model  *fakeModel
	server *Server
}

func newTestEnv(t *testing.T, tweak ...func(*config.Config)) *testEnv {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := config.Config{
		PublicURL:            "https://api.example.com",
		PreviewCost:          1,
		UnlockCost:           1,
		UserTrialLimit:       1,
		GuestTrialLimit:      1,
		PreviewRateLimit:     10,
		PreviewRateWindow:    15 * time.Minute,
		ImageTTL:             24 * time.Hour,
		WatermarkText:        "AI Gemini Preview",
		UserTokenSecret:      "user-secret",
		DownloadSecret:       "download-secret",
		DownloadTokenTTL:     15 * time.Minute,
		MissionSecret:        "mission-secret",
		MissionWindowMinutes: 15,
		VietQRBankID:         "MB",
		VietQRAccountNumber:  "0123456789",
		VietQRAccountName:    "IMAGECREDIT",
		OrderTTL:             30 * time.Minute,
		WebhookSecret:        "hook-secret",
		AdminUsername:        adminUser,
		AdminPasswordHash:    string(hash),
	}
	for _, fn := range tweak {
		fn(&cfg)
	}

	log := zap.NewNop()
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	ids, err := snowflake.NewNode(2)
	require.NoError(t, err)
	m := metrics.New()
	model := &fakeModel{output: pngBytes(t, 80, 60)}

	credits := service.NewCreditService(cfg, log, repository.NewCreditRepository(db, ids, clk), m)
	styles := service.NewStyleService(log, repository.NewStyleRepository(db))
	require.NoError(t, styles.SeedDefaults(context.Background()))
	missions := service.NewMissionService(cfg, log, repository.NewMissionRepository(db), credits, clk)
	images := service.NewGenerationService(cfg, log, repository.NewImageRepository(db), credits, styles, model,
		storage.NewMemoryStore("https://cdn.example.com"),
		tokens.NewIssuer(cfg.DownloadSecret, cfg.DownloadTokenTTL, clk), tokens.NewMemoryLedger(clk), ids, clk, m)
	orders, err := service.NewOrderService(cfg, log, repository.NewOrderRepository(db), credits, noBank{}, notify.Nop{}, ids, clk, m)
	require.NoError(t, err)

	users := tokens.NewIssuer(cfg.UserTokenSecret, 0, clk)
	srv := New(Deps{
		Config:   cfg,
		Log:      log,
		DB:       db,
		Metrics:  m,
		Limiter:  ratelimit.NewMemoryLimiter(clk),
		Users:    users,
		Credits:  credits,
		Styles:   styles,
		Missions: missions,
		Images:   images,
		Orders:   orders,
	})
	return &testEnv{cfg: cfg, clock: clk, users: users, model: model, server: srv}
}

type call struct {
	method  string
	path    string
	body    any
	headers map[string]string
	admin   bool
	user    int64
}

func (e *testEnv) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	switch b := c.body.(type) {
	case nil:
		body = bytes.NewReader(nil)
	case []byte:
		body = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	req.RemoteAddr = "198.51.100.20:41000"
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if c.admin {
		req.SetBasicAuth(adminUser, adminPassword)
	}
	if c.user != 0 {
		token, err := e.users.IssueUser(c.user)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(3 * x), G: uint8(2 * y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func previewBody(t *testing.T) map[string]any {
	return map[string]any{
		"image": "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t, 40, 40)),
		"style": "anime",
	}
}

func TestGuestTrialThenPaymentRequired(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, call{method: http.MethodGet, path: "/api/credit"})
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode(t, rec)
	assert.EqualValues(t, 0, summary["credits"])
	assert.EqualValues(t, 0, summary["trial_count"])
	assert.EqualValues(t, 1, summary["trial_limit"])
	assert.Equal(t, true, summary["trial_available"])
	assert.Equal(t, true, summary["is_guest"])

	rec = e.do(t, call{method: http.MethodPost, path: "/api/preview", body: previewBody(t)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decode(t, rec)
	assert.NotEmpty(t, preview["image_id"])
	assert.Equal(t, preview["image_id"], preview["image_session_id"])
	assert.True(t, strings.HasPrefix(preview["preview_url"].(string), "https://cdn.example.com/"))
	assert.Equal(t, false, preview["can_unlock"])

	summary = decode(t, e.do(t, call{method: http.MethodGet, path: "/api/credit"}))
	assert.EqualValues(t, 1, summary["trial_count"])
	assert.Equal(t, false, summary["trial_available"])

	rec = e.do(t, call{method: http.MethodPost, path: "/api/preview", body: previewBody(t)})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "insufficient_credits", decode(t, rec)["error"])
}

func TestPreviewRateLimit(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.PreviewRateLimit = 2 })

	for i := 0; i < 2; i++ {
		rec := e.do(t, call{method: http.MethodPost, path: "/api/preview", body: map[string]any{}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
	rec := e.do(t, call{method: http.MethodPost, path: "/api/preview", body: map[string]any{}})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decode(t, rec)["error"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Another address has its own window.
	rec = e.do(t, call{method: http.MethodPost, path: "/api/preview", body: map[string]any{},
		headers: map[string]string{"X-Real-IP": "203.0.113.50"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBearerIdentity(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, call{method: http.MethodGet, path: "/api/credit", user: 42})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["is_guest"])

	rec = e.do(t, call{method: http.MethodGet, path: "/api/credit", headers: map[string]string{"Authorization": "Bearer nope"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode(t, rec)["error"])
}

func TestUnlockAndDownload(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, call{method: http.MethodPost, path: "/admin/credits/adjust", admin: true,
		body: map[string]any{"identity_key": "user:42", "amount": 3, "note": "welcome"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 3, decode(t, rec)["credits"])

	rec = e.do(t, call{method: http.MethodPost, path: "/api/preview", user: 42, body: previewBody(t)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decode(t, rec)
	imageID := preview["image_id"].(string)
	assert.EqualValues(t, 2, preview["credits_remaining"])

	rec = e.do(t, call{method: http.MethodPost, path: "/api/unlock", user: 7, body: map[string]any{"image_id": imageID}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, call{method: http.MethodPost, path: "/api/unlock", user: 42, body: map[string]any{"image_id": imageID}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	unlocked := decode(t, rec)
	assert.EqualValues(t, 1, unlocked["credits_remaining"])

	u, err := url.Parse(unlocked["download_url"].(string))
	require.NoError(t, err)
	assert.Equal(t, "/api/download", u.Path)

	rec = e.do(t, call{method: http.MethodGet, path: u.RequestURI(), user: 42})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment;")
	assert.Equal(t, e.model.output, rec.Body.Bytes())

	rec = e.do(t, call{method: http.MethodGet, path: u.RequestURI(), user: 42})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "token_used", decode(t, rec)["error"])
}

func TestOrderAndWebhook(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, call{method: http.MethodGet, path: "/api/credit/packages"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["packages"], 4)

	rec = e.do(t, call{method: http.MethodPost, path: "/api/credit/order", body: map[string]any{"package_id": "bogus"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, call{method: http.MethodPost, path: "/api/credit/order", body: map[string]any{"package_id": "basic"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decode(t, rec)
	code := created["order_code"].(string)
	descriptor := created["payment_descriptor"].(map[string]any)
	assert.Equal(t, "AIGC "+code, descriptor["transfer_content"])

	rec = e.do(t, call{method: http.MethodGet, path: "/api/credit/order/" + code})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store, no-cache, must-revalidate", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "pending", decode(t, rec)["status"])

	payload := []byte(fmt.Sprintf(`{"amount":20000,"description":"AIGC %s","transactionNumber":"FT1"}`, code))
	rec = e.do(t, call{method: http.MethodPost, path: "/api/payment/webhook", body: payload,
		headers: map[string]string{"X-Webhook-Signature": "0000"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_signature", decode(t, rec)["error"])

	rec = e.do(t, call{method: http.MethodPost, path: "/api/payment/webhook", body: payload,
		headers: map[string]string{"X-Webhook-Signature": vietqr.Sign("hook-secret", payload)}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "success", decode(t, rec)["status"])

	assert.Equal(t, "completed", decode(t, e.do(t, call{method: http.MethodGet, path: "/api/credit/order/" + code}))["status"])
	assert.EqualValues(t, 10, decode(t, e.do(t, call{method: http.MethodGet, path: "/api/credit"}))["credits"])

	rec = e.do(t, call{method: http.MethodGet, path: "/api/credit/order/AG00000000"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminOrderCompletion(t *testing.T) {
	e := newTestEnv(t)
	created := decode(t, e.do(t, call{method: http.MethodPost, path: "/api/credit/order", user: 5,
		body: map[string]any{"package_id": "standard"}}))
	code := created["order_code"].(string)

	rec := e.do(t, call{method: http.MethodPost, path: "/admin/orders/" + code + "/complete", admin: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "completed", decode(t, rec)["status"])

	rec = e.do(t, call{method: http.MethodGet, path: "/admin/orders?status=completed", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["orders"], 1)

	assert.EqualValues(t, 30, decode(t, e.do(t, call{method: http.MethodGet, path: "/api/credit", user: 5}))["credits"])

	history := decode(t, e.do(t, call{method: http.MethodGet, path: "/api/credit/history", user: 5}))
	assert.Len(t, history["transactions"], 1)

	rec = e.do(t, call{method: http.MethodDelete, path: "/admin/accounts/user:5", admin: true})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.EqualValues(t, 0, decode(t, e.do(t, call{method: http.MethodGet, path: "/api/credit", user: 5}))["credits"])
}

func TestAdminRequiresCredentials(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, call{method: http.MethodGet, path: "/admin/orders"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/admin/orders", nil)
	req.SetBasicAuth(adminUser, "wrong")
	out := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(out, req)
	assert.Equal(t, http.StatusUnauthorized, out.Code)
}

func TestMissionOverHTTP(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, call{method: http.MethodGet, path: "/api/mission/get"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no_mission", decode(t, rec)["error"])

	rec = e.do(t, call{method: http.MethodPost, path: "/admin/missions", admin: true,
		body: map[string]any{"title": "Read the blog", "reward": 2}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	mission := decode(t, e.do(t, call{method: http.MethodGet, path: "/api/mission/get"}))
	missionID := mission["id"]

	code := otp.Generate(e.cfg.MissionSecret, otp.Slice(e.clock.Now()))
	rec = e.do(t, call{method: http.MethodPost, path: "/api/mission/verify", body: map[string]any{"code": code, "mission_id": missionID}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, decode(t, rec)["credits"])

	rec = e.do(t, call{method: http.MethodPost, path: "/api/mission/verify", body: map[string]any{"code": code, "mission_id": missionID}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "code_used", decode(t, rec)["error"])
}

func TestStylesEndpoints(t *testing.T) {
	e := newTestEnv(t)

	styles := decode(t, e.do(t, call{method: http.MethodGet, path: "/api/styles"}))["styles"].([]any)
	require.Len(t, styles, 5)
	_, hasPrompt := styles[0].(map[string]any)["prompt_text"]
	assert.False(t, hasPrompt)

	rec := e.do(t, call{method: http.MethodPost, path: "/admin/styles", admin: true,
		body: map[string]any{"title": "Anime", "prompt_text": "dup"}})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, call{method: http.MethodGet, path: "/healthz"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, call{method: http.MethodGet, path: "/metrics"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "imagecredit_http_requests_total")
}

func TestWriteErrorMapping(t *testing.T) {
	s := &Server{log: zap.NewNop()}
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("wrapped: %w", service.ErrInsufficientCredits), http.StatusPaymentRequired, "insufficient_credits"},
		{service.ErrOrderNotPending, http.StatusConflict, "order_not_pending"},
		{gemini.ErrBusy, http.StatusServiceUnavailable, "server_busy"},
		{service.ErrNotConfigured, http.StatusServiceUnavailable, "not_configured"},
		{fmt.Errorf("%w: boom", service.ErrGeneration), http.StatusInternalServerError, "generation_failed"},
		{service.ErrLocked, http.StatusForbidden, "locked"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		s.writeError(rec, httptest.NewRequest(http.MethodGet, "/x", nil), tc.err)
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
		assert.Equal(t, tc.code, decode(t, rec)["error"])
	}
}
