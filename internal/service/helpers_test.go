package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/digkill/imagecredit/internal/bank"
	"github.com/digkill/imagecredit/internal/clock"
	"github.com/digkill/imagecredit/internal/config"
	"github.com/digkill/imagecredit/internal/database/dbtest"
	"github.com/digkill/imagecredit/internal/gemini"
	"github.com/digkill/imagecredit/internal/metrics"
	"github.com/digkill/imagecredit/internal/models"
	"github.com/digkill/imagecredit/internal/notify"
	"github.com/digkill/imagecredit/internal/repository"
	"github.com/digkill/imagecredit/internal/storage"
	"github.com/digkill/imagecredit/internal/tokens"
)

var (
	alice = models.UserIdentity(7)
	bob   = models.UserIdentity(8)
	guest = models.GuestIdentity("203.0.113.9")
)

type harness struct {
	cfg      config.Config
	db       *gorm.DB
	clock    *clock.FakeClock
	metrics  *metrics.Metrics
	store    *storage.MemoryStore
	model    *fakeModel
	bank     *fakeBank
	notifier *fakeNotifier
	issuer   *tokens.Issuer

	credits  *CreditService
	styles   *StyleService
	missions *MissionService
	gen      *GenerationService
	orders   *OrderService
}

func testConfig() config.Config {
	return config.Config{
		PublicURL:            "https://api.example.com",
		PreviewCost:          1,
		UnlockCost:           1,
		UserTrialLimit:       1,
		GuestTrialLimit:      1,
		ImageTTL:             24 * time.Hour,
		WatermarkText:        "AI Gemini Preview",
		DownloadSecret:       "download-secret",
		DownloadTokenTTL:     15 * time.Minute,
		MissionSecret:        "mission-secret",
		MissionWindowMinutes: 15,
		VietQRBankID:         "MB",
		VietQRAccountNumber:  "0123456789",
		VietQRAccountName:    "IMAGECREDIT",
		VietQRTemplate:       "compact2",
		OrderTTL:             30 * time.Minute,
		WebhookSecret:        "hook-secret",
	}
}

func newHarness(t *testing.T, tweak ...func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, fn := range tweak {
		fn(&cfg)
	}

	log := zap.NewNop()
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	ids, err := snowflake.NewNode(1)
	require.NoError(t, err)
	m := metrics.New()

	h := &harness{
		cfg:      cfg,
		db:       db,
		clock:    clk,
		metrics:  m,
		store:    storage.NewMemoryStore("https://cdn.example.com"),
		model:    newFakeModel(t),
		bank:     &fakeBank{account: cfg.VietQRAccountNumber},
		notifier: &fakeNotifier{},
		issuer:   tokens.NewIssuer(cfg.DownloadSecret, cfg.DownloadTokenTTL, clk),
	}

	h.credits = NewCreditService(cfg, log, repository.NewCreditRepository(db, ids, clk), m)
	h.styles = NewStyleService(log, repository.NewStyleRepository(db))
	require.NoError(t, h.styles.SeedDefaults(context.Background()))
	h.missions = NewMissionService(cfg, log, repository.NewMissionRepository(db), h.credits, clk)
	h.gen = NewGenerationService(cfg, log, repository.NewImageRepository(db), h.credits, h.styles,
		h.model, h.store, h.issuer, tokens.NewMemoryLedger(clk), ids, clk, m)
	h.orders, err = NewOrderService(cfg, log, repository.NewOrderRepository(db), h.credits, h.bank, h.notifier, ids, clk, m)
	require.NoError(t, err)
	return h
}

func (h *harness) fund(t *testing.T, id models.Identity, credits int) {
	t.Helper()
	_, err := h.credits.ApplyDelta(context.Background(), id, credits, models.TxAdminAdjustment, "test funding", "")
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, id models.Identity) int {
	t.Helper()
	b, err := h.credits.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (h *harness) countTx(t *testing.T, id models.Identity, txType models.TransactionType) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&models.CreditTransaction{}).
		Where("identity_key = ? AND type = ?", id.Key(), txType).Count(&n).Error)
	return n
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func dataURI(t *testing.T) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t, 32, 32))
}

type fakeModel struct {
	mu        sync.Mutex
	output    []byte
	uploadErr error
	genErr    error
	uploads   int
	requests  []gemini.GenerateRequest
}

func newFakeModel(t *testing.T) *fakeModel {
	return &fakeModel{output: pngBytes(t, 96, 64)}
}

func (f *fakeModel) UploadFile(_ context.Context, data []byte, mimeType, _ string) (*gemini.FileRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return &gemini.FileRef{URI: "files/upload-1", MimeType: mimeType}, nil
}

func (f *fakeModel) Generate(_ context.Context, req gemini.GenerateRequest) (*gemini.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.genErr != nil {
		return nil, f.genErr
	}
	return &gemini.Image{Data: f.output, MimeType: "image/png"}, nil
}

func (f *fakeModel) lastRequest() gemini.GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeBank struct {
	account string
	txs     []bank.Transaction
	err     error
	calls   int
}

func (f *fakeBank) Configured() bool { return true }
func (f *fakeBank) Account() string  { return f.account }
func (f *fakeBank) History(context.Context) ([]bank.Transaction, error) {
	f.calls++
	return f.txs, f.err
}

type fakeNotifier struct {
	mu     sync.Mutex
	orders []string
}

func (f *fakeNotifier) OrderCompleted(_ context.Context, order *models.Order, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, order.OrderCode)
}

var _ notify.Notifier = (*fakeNotifier)(nil)
