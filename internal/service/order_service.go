package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/digkill/imagecredit/internal/bank"
	"github.com/digkill/imagecredit/internal/clock"
	"github.com/digkill/imagecredit/internal/config"
	"github.com/digkill/imagecredit/internal/database"
	"github.com/digkill/imagecredit/internal/metrics"
	"github.com/digkill/imagecredit/internal/models"
	"github.com/digkill/imagecredit/internal/notify"
	"github.com/digkill/imagecredit/internal/repository"
	"github.com/digkill/imagecredit/internal/vietqr"
)

const (
	orderCodeAttempts   = 5
	pendingOrderPurge   = 7 * 24 * time.Hour
	defaultOrderTTL     = 30 * time.Minute
	completionByWebhook = "webhook"
	completionBySweep   = "reconcile"
	completionByAdmin   = "admin"
)

// BankHistory lists recent incoming transfers.
type BankHistory interface {
	Configured() bool
	Account() string
	History(ctx context.Context) ([]bank.Transaction, error)
}

type CreatedOrder struct {
	OrderCode         string            `json:"order_code"`
	PaymentDescriptor vietqr.Descriptor `json:"payment_descriptor"`
}

type OrderStatusView struct {
	OrderCode   string             `json:"order_code"`
	Status      models.OrderStatus `json:"status"`
	PackageID   string             `json:"package_id"`
	Amount      int64              `json:"amount"`
	Credits     int                `json:"credits"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

type WebhookResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type OrderService struct {
	cfg      config.Config
	log      *zap.Logger
	orders   *repository.OrderRepository
	credits  *CreditService
	bank     BankHistory
	notifier notify.Notifier
	packages []vietqr.Package
	qr       vietqr.Config
	ids      *snowflake.Node
	clock    clock.Clock
	metrics  *metrics.Metrics
}

func NewOrderService(
	cfg config.Config,
	log *zap.Logger,
	orders *repository.OrderRepository,
	credits *CreditService,
	bankClient BankHistory,
	notifier notify.Notifier,
	ids *snowflake.Node,
	clk clock.Clock,
	m *metrics.Metrics,
) (*OrderService, error) {
	pkgs, err := vietqr.ParsePackages(cfg.PackagesSpec)
	if err != nil {
		return nil, fmt.Errorf("parse credit packages: %w", err)
	}
	ttl := cfg.OrderTTL
	if ttl <= 0 {
		ttl = defaultOrderTTL
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &OrderService{
		cfg:      cfg,
		log:      log.Named("orders"),
		orders:   orders,
		credits:  credits,
		bank:     bankClient,
		notifier: notifier,
		packages: pkgs,
		qr: vietqr.Config{
			BankID:        cfg.VietQRBankID,
			AccountNumber: cfg.VietQRAccountNumber,
			AccountName:   cfg.VietQRAccountName,
			Template:      cfg.VietQRTemplate,
			TTL:           ttl,
		},
		ids:     ids,
		clock:   clk,
		metrics: m,
	}, nil
}

func (s *OrderService) Packages() []vietqr.Package {
	return s.packages
}

func (s *OrderService) CreateOrder(ctx context.Context, id models.Identity, packageID string) (*CreatedOrder, error) {
	pkg, ok := vietqr.FindPackage(s.packages, strings.ToLower(strings.TrimSpace(packageID)))
	if !ok {
		return nil, ErrUnknownPackage
	}

	for attempt := 0; attempt < orderCodeAttempts; attempt++ {
		code, err := vietqr.NewOrderCode()
		if err != nil {
			return nil, err
		}
		order := &models.Order{
			ID:            s.ids.Generate().Int64(),
			OrderCode:     code,
			Owner:         models.OwnerOf(id),
			PackageID:     pkg.ID,
			Amount:        pkg.Price,
			Credits:       pkg.Credits,
			Status:        models.OrderPending,
			PaymentMethod: vietqr.PaymentMethod,
			CreatedAt:     s.clock.Now().UTC(),
		}
		if err := s.orders.Create(ctx, order); err != nil {
			if database.IsDuplicateKeyErr(err) {
				continue
			}
			return nil, err
		}
		s.log.Info("order created",
			zap.String("order_code", code),
			zap.String("identity", id.Key()),
			zap.String("package", pkg.ID),
			zap.Int64("amount", pkg.Price),
		)
		return &CreatedOrder{OrderCode: code, PaymentDescriptor: s.qr.Describe(code, pkg.Price)}, nil
	}
	return nil, fmt.Errorf("could not allocate a unique order code")
}

func (s *OrderService) CheckOrder(ctx context.Context, code string) (*OrderStatusView, error) {
	order, err := s.orders.FindByCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return &OrderStatusView{
		OrderCode:   order.OrderCode,
		Status:      order.Status,
		PackageID:   order.PackageID,
		Amount:      order.Amount,
		Credits:     order.Credits,
		CreatedAt:   order.CreatedAt,
		CompletedAt: order.CompletedAt,
	}, nil
}

func (s *OrderService) List(ctx context.Context, status models.OrderStatus, limit int) ([]models.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.orders.List(ctx, status, limit)
}

// CompleteOrder credits a pending order's package to the identity that placed it.
// Completing an already completed order is a no-op.
func (s *OrderService) CompleteOrder(ctx context.Context, code, txnRef string) error {
	return s.completeOrder(ctx, strings.ToUpper(strings.TrimSpace(code)), txnRef, completionByAdmin)
}

func (s *OrderService) completeOrder(ctx context.Context, code, txnRef, source string) error {
	order, err := s.orders.FindByCode(ctx, code)
	if err != nil {
		return err
	}
	if order == nil {
		return ErrOrderNotFound
	}
	if order.Status == models.OrderCompleted {
		return nil
	}

	now := s.clock.Now().UTC()
	applied := false
	err = s.orders.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		won, err := s.orders.ClaimCompletion(ctx, tx, order.OrderCode, txnRef, now)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		_, err = s.credits.applyDeltaTx(ctx, tx, order.Owner.Identity(), order.Credits, models.TxPurchase,
			fmt.Sprintf("Purchase %s (%s)", order.PackageID, order.OrderCode), order.OrderCode)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}

	if !applied {
		current, err := s.orders.FindByCode(ctx, order.OrderCode)
		if err != nil {
			return err
		}
		if current != nil && current.Status == models.OrderCompleted {
			return nil
		}
		return ErrOrderNotPending
	}

	order.Status = models.OrderCompleted
	order.TransactionRef = txnRef
	order.CompletedAt = &now
	if s.metrics != nil {
		s.metrics.OrdersCompleted.WithLabelValues(source).Inc()
	}
	s.log.Info("order completed",
		zap.String("order_code", order.OrderCode),
		zap.String("identity", order.IdentityKey),
		zap.Int("credits", order.Credits),
		zap.String("source", source),
		zap.String("txn_ref", txnRef),
	)
	s.notifier.OrderCompleted(context.WithoutCancel(ctx), order, source)
	return nil
}

// Reconcile cancels expired orders and matches the remaining pending ones against
// the bank history. Problems are logged, never surfaced to buyers.
func (s *OrderService) Reconcile(ctx context.Context) error {
	now := s.clock.Now().UTC()
	cutoff := now.Add(-s.qr.TTL)

	if n, err := s.orders.CancelStale(ctx, cutoff); err != nil {
		s.log.Error("cancel stale orders", zap.Error(err))
	} else if n > 0 {
		s.log.Info("stale orders canceled", zap.Int64("count", n))
	}

	pending, err := s.orders.ListPendingSince(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	if s.bank == nil || !s.bank.Configured() {
		s.log.Debug("bank history not configured, skipping reconciliation")
		return nil
	}

	txs, err := s.bank.History(ctx)
	if err != nil {
		return fmt.Errorf("fetch bank history: %w", err)
	}

	account := s.bank.Account()
	for _, order := range pending {
		for _, t := range txs {
			if !t.Matches(account, order.Amount, order.OrderCode) {
				continue
			}
			ref := t.TransactionNumber.String()
			if ref == "" {
				ref = "N/A"
			}
			if err := s.completeOrder(ctx, order.OrderCode, ref, completionBySweep); err != nil {
				s.log.Error("complete reconciled order", zap.String("order_code", order.OrderCode), zap.Error(err))
			} else if s.metrics != nil {
				s.metrics.ReconcileMatches.Inc()
			}
			break
		}
	}
	return nil
}

type webhookPayload struct {
	Amount            decimal.Decimal `json:"amount"`
	Description       string          `json:"description"`
	Content           string          `json:"content"`
	TransactionNumber json.RawMessage `json:"transactionNumber"`
	Reference         json.RawMessage `json:"reference"`
	TransactionID     json.RawMessage `json:"transaction_id"`
}

// HandleWebhook completes the order named in a signed bank notification.
func (s *OrderService) HandleWebhook(ctx context.Context, body []byte, signature string) (*WebhookResult, error) {
	if s.cfg.WebhookSecret == "" {
		return nil, ErrNotConfigured
	}
	if !vietqr.VerifySignature(s.cfg.WebhookSecret, body, signature) {
		return nil, ErrInvalidSignature
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	description := p.Description
	if description == "" {
		description = p.Content
	}

	code, ok := vietqr.ExtractOrderCode(description)
	if !ok {
		s.log.Warn("webhook without order code", zap.String("description", description))
		return &WebhookResult{Status: "ignored", Message: "no order code found"}, nil
	}

	order, err := s.orders.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if order == nil || order.Status != models.OrderPending {
		return &WebhookResult{Status: "ignored", Message: "order not found or already processed"}, nil
	}
	if !p.Amount.Equal(decimal.NewFromInt(order.Amount)) {
		s.log.Warn("webhook amount mismatch",
			zap.String("order_code", code),
			zap.Int64("expected", order.Amount),
			zap.String("received", p.Amount.String()),
		)
		return nil, ErrAmountMismatch
	}

	ref := firstNonEmpty(rawString(p.TransactionNumber), rawString(p.Reference), rawString(p.TransactionID))
	if err := s.completeOrder(ctx, code, ref, completionByWebhook); err != nil {
		return nil, err
	}
	return &WebhookResult{Status: "success", Message: "order completed"}, nil
}

// PurgeAbandoned deletes pending orders older than a week.
func (s *OrderService) PurgeAbandoned(ctx context.Context) (int64, error) {
	return s.orders.DeletePendingBefore(ctx, s.clock.Now().UTC().Add(-pendingOrderPurge))
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ BankHistory = (*bank.Client)(nil)

