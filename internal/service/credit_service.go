package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/digkill/imagecredit/internal/config"
	"github.com/digkill/imagecredit/internal/metrics"
	"github.com/digkill/imagecredit/internal/models"
	"github.com/digkill/imagecredit/internal/repository"
)

// CreditSummary is the caller-facing view of an account.
type CreditSummary struct {
	Credits        int  `json:"credits"`
	TrialCount     int  `json:"trial_count"`
	TrialLimit     int  `json:"trial_limit"`
	TrialAvailable bool `json:"trial_available"`
	PreviewCost    int  `json:"preview_cost"`
	UnlockCost     int  `json:"unlock_cost"`
	IsGuest        bool `json:"is_guest"`
}

type CreditService struct {
	cfg     config.Config
	log     *zap.Logger
	credits *repository.CreditRepository
	metrics *metrics.Metrics
}

func NewCreditService(cfg config.Config, log *zap.Logger, credits *repository.CreditRepository, m *metrics.Metrics) *CreditService {
	return &CreditService{cfg: cfg, log: log.Named("credits"), credits: credits, metrics: m}
}

func (s *CreditService) GetBalance(ctx context.Context, id models.Identity) (int, error) {
	balance, err := s.credits.Balance(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// Account returns the stored account, or an empty one for identities that never transacted.
func (s *CreditService) Account(ctx context.Context, id models.Identity) (*models.CreditAccount, error) {
	acc, err := s.credits.FindByIdentity(ctx, id)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		owner := models.OwnerOf(id)
		acc = &models.CreditAccount{IdentityKey: owner.IdentityKey, UserID: owner.UserID, GuestIP: owner.GuestIP}
	}
	return acc, nil
}

func (s *CreditService) Summary(ctx context.Context, id models.Identity) (*CreditSummary, error) {
	acc, err := s.Account(ctx, id)
	if err != nil {
		return nil, err
	}
	limit := s.cfg.TrialLimit(id.IsGuest())
	return &CreditSummary{
		Credits:        acc.Credits,
		TrialCount:     acc.TrialCount,
		TrialLimit:     limit,
		TrialAvailable: acc.TrialCount < limit,
		PreviewCost:    s.cfg.PreviewCost,
		UnlockCost:     s.cfg.UnlockCost,
		IsGuest:        id.IsGuest(),
	}, nil
}

// ApplyDelta moves the balance by amount, clamping at zero. It never fails for
// lack of funds and always records a transaction.
func (s *CreditService) ApplyDelta(ctx context.Context, id models.Identity, amount int, txType models.TransactionType, description, ref string) (int, error) {
	return s.applyDelta(ctx, s.credits, id, amount, txType, description, ref)
}

// Debit spends amount only when the balance covers it; otherwise it returns
// ErrInsufficientCredits and changes nothing.
func (s *CreditService) Debit(ctx context.Context, id models.Identity, amount int, description, ref string) (int, error) {
	return s.debit(ctx, s.credits, id, amount, description, ref)
}

func (s *CreditService) applyDeltaTx(ctx context.Context, tx *gorm.DB, id models.Identity, amount int, txType models.TransactionType, description, ref string) (int, error) {
	return s.applyDelta(ctx, s.credits.WithTx(tx), id, amount, txType, description, ref)
}

func (s *CreditService) debitTx(ctx context.Context, tx *gorm.DB, id models.Identity, amount int, description, ref string) (int, error) {
	return s.debit(ctx, s.credits.WithTx(tx), id, amount, description, ref)
}

func (s *CreditService) applyDelta(ctx context.Context, repo *repository.CreditRepository, id models.Identity, amount int, txType models.TransactionType, description, ref string) (int, error) {
	if id.IsZero() {
		return 0, fmt.Errorf("%w: empty identity", ErrInvalidRequest)
	}
	if amount == 0 {
		return 0, fmt.Errorf("%w: amount must be non-zero", ErrInvalidRequest)
	}
	balance, err := repo.Adjust(ctx, id, amount, repository.LedgerEntry{Type: txType, Description: description, ReferenceID: ref})
	if err != nil {
		return 0, fmt.Errorf("apply credit delta: %w", err)
	}
	s.observe(txType, amount)
	s.log.Info("credits adjusted",
		zap.String("identity", id.Key()),
		zap.Int("amount", amount),
		zap.String("type", string(txType)),
		zap.Int("balance", balance),
	)
	return balance, nil
}

func (s *CreditService) debit(ctx context.Context, repo *repository.CreditRepository, id models.Identity, amount int, description, ref string) (int, error) {
	if id.IsZero() || amount <= 0 {
		return 0, fmt.Errorf("%w: debit needs an identity and a positive amount", ErrInvalidRequest)
	}
	balance, ok, err := repo.Debit(ctx, id, amount, repository.LedgerEntry{Type: models.TxDeduction, Description: description, ReferenceID: ref})
	if err != nil {
		return 0, fmt.Errorf("debit credits: %w", err)
	}
	if !ok {
		return 0, ErrInsufficientCredits
	}
	s.observe(models.TxDeduction, amount)
	return balance, nil
}

func (s *CreditService) GetTrialCount(ctx context.Context, id models.Identity) (int, error) {
	acc, err := s.credits.FindByIdentity(ctx, id)
	if err != nil || acc == nil {
		return 0, err
	}
	return acc.TrialCount, nil
}

func (s *CreditService) IncrementTrial(ctx context.Context, id models.Identity) error {
	return s.credits.IncrementTrial(ctx, id)
}

func (s *CreditService) MarkTrialUsed(ctx context.Context, id models.Identity) error {
	return s.credits.MarkTrialUsed(ctx, id)
}

// ConsumeTrial atomically takes one trial slot when fewer than limit are used.
func (s *CreditService) ConsumeTrial(ctx context.Context, id models.Identity, limit int) (bool, error) {
	ok, err := s.credits.ConsumeTrial(ctx, id, limit)
	if err != nil {
		return false, fmt.Errorf("consume trial: %w", err)
	}
	return ok, nil
}

func (s *CreditService) History(ctx context.Context, id models.Identity, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.credits.ListTransactions(ctx, id, limit)
}

// Erase deletes an identity's account and ledger.
func (s *CreditService) Erase(ctx context.Context, id models.Identity) error {
	if err := s.credits.Erase(ctx, id); err != nil {
		return err
	}
	s.log.Info("identity erased", zap.String("identity", id.Key()))
	return nil
}

// CleanupGuests removes empty guest accounts idle for longer than idle.
func (s *CreditService) CleanupGuests(ctx context.Context, now time.Time, idle time.Duration) (int64, error) {
	return s.credits.DeleteIdleGuests(ctx, now.Add(-idle))
}

func (s *CreditService) observe(txType models.TransactionType, amount int) {
	if s.metrics == nil {
		return
	}
	if amount < 0 {
		amount = -amount
	}
	s.metrics.CreditMovements.WithLabelValues(string(txType)).Add(float64(amount))
}
