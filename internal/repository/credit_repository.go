package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/digkill/imagecredit/internal/clock"
	"github.com/digkill/imagecredit/internal/models"
)

// LedgerEntry describes the transaction row written next to a balance change.
type LedgerEntry struct {
	Type        models.TransactionType
	Description string
	ReferenceID string
}

type CreditRepository struct {
	db    *gorm.DB
	ids   *snowflake.Node
	clock clock.Clock
}

func NewCreditRepository(db *gorm.DB, ids *snowflake.Node, clk clock.Clock) *CreditRepository {
	return &CreditRepository{db: db, ids: ids, clock: clk}
}

// WithTx returns a copy bound to an outer transaction.
func (r *CreditRepository) WithTx(tx *gorm.DB) *CreditRepository {
	return &CreditRepository{db: tx, ids: r.ids, clock: r.clock}
}

func (r *CreditRepository) FindByIdentity(ctx context.Context, id models.Identity) (*models.CreditAccount, error) {
	var acc models.CreditAccount
	err := r.db.WithContext(ctx).Where("identity_key = ?", id.Key()).Take(&acc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find credit account: %w", err)
	}
	return &acc, nil
}

func (r *CreditRepository) Balance(ctx context.Context, id models.Identity) (int, error) {
	acc, err := r.FindByIdentity(ctx, id)
	if err != nil || acc == nil {
		return 0, err
	}
	return acc.Credits, nil
}

// Debit subtracts amount only when the balance covers it. ok is false when it does not,
// in which case nothing is written.
func (r *CreditRepository) Debit(ctx context.Context, id models.Identity, amount int, entry LedgerEntry) (balance int, ok bool, err error) {
	if amount <= 0 {
		return 0, false, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.clock.Now()
		if err := ensureAccount(tx, id, now); err != nil {
			return err
		}
		res := tx.Exec(`
UPDATE credit_accounts SET credits = credits - ?, updated_at = ?
WHERE identity_key = ? AND credits >= ?`, amount, now, id.Key(), amount)
		if res.Error != nil {
			return fmt.Errorf("debit credits: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errNotApplied
		}
		balance, err = r.appendEntry(tx, id, -amount, entry)
		return err
	})
	if errors.Is(err, errNotApplied) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return balance, true, nil
}

// Adjust applies a signed delta, clamping the balance at zero. It always succeeds
// for a valid identity. The ledger row carries the delta actually applied.
func (r *CreditRepository) Adjust(ctx context.Context, id models.Identity, delta int, entry LedgerEntry) (int, error) {
	var balance int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.clock.Now()
		if err := ensureAccount(tx, id, now); err != nil {
			return err
		}
		var before int
		err := tx.Model(&models.CreditAccount{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("identity_key = ?", id.Key()).
			Select("credits").
			Scan(&before).Error
		if err != nil {
			return fmt.Errorf("lock balance: %w", err)
		}
		after := max(before+delta, 0)

		res := tx.Exec(`UPDATE credit_accounts SET credits = ?, updated_at = ? WHERE identity_key = ?`, after, now, id.Key())
		if res.Error != nil {
			return fmt.Errorf("adjust credits: %w", res.Error)
		}
		balance, err = r.appendEntry(tx, id, after-before, entry)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// ConsumeTrial takes one trial slot if fewer than limit have been used.
func (r *CreditRepository) ConsumeTrial(ctx context.Context, id models.Identity, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	var ok bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.clock.Now()
		if err := ensureAccount(tx, id, now); err != nil {
			return err
		}
		res := tx.Exec(`
UPDATE credit_accounts SET trial_count = trial_count + 1, used_trial = ?, updated_at = ?
WHERE identity_key = ? AND trial_count < ?`, true, now, id.Key(), limit)
		if res.Error != nil {
			return fmt.Errorf("consume trial: %w", res.Error)
		}
		ok = res.RowsAffected > 0
		return nil
	})
	return ok, err
}

func (r *CreditRepository) IncrementTrial(ctx context.Context, id models.Identity) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.clock.Now()
		if err := ensureAccount(tx, id, now); err != nil {
			return err
		}
		if err := tx.Exec(`UPDATE credit_accounts SET trial_count = trial_count + 1, updated_at = ? WHERE identity_key = ?`, now, id.Key()).Error; err != nil {
			return fmt.Errorf("increment trial: %w", err)
		}
		return nil
	})
}

func (r *CreditRepository) MarkTrialUsed(ctx context.Context, id models.Identity) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.clock.Now()
		if err := ensureAccount(tx, id, now); err != nil {
			return err
		}
		if err := tx.Exec(`UPDATE credit_accounts SET used_trial = ?, updated_at = ? WHERE identity_key = ?`, true, now, id.Key()).Error; err != nil {
			return fmt.Errorf("mark trial used: %w", err)
		}
		return nil
	})
}

func (r *CreditRepository) ListTransactions(ctx context.Context, id models.Identity, limit int) ([]models.CreditTransaction, error) {
	var txs []models.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("identity_key = ?", id.Key()).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txs, nil
}

func (r *CreditRepository) CountTransactions(ctx context.Context, id models.Identity, txType models.TransactionType) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.CreditTransaction{}).
		Where("identity_key = ? AND type = ?", id.Key(), txType).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}

// Erase removes the account and its ledger history.
func (r *CreditRepository) Erase(ctx context.Context, id models.Identity) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("identity_key = ?", id.Key()).Delete(&models.CreditTransaction{}).Error; err != nil {
			return fmt.Errorf("erase transactions: %w", err)
		}
		if err := tx.Where("identity_key = ?", id.Key()).Delete(&models.CreditAccount{}).Error; err != nil {
			return fmt.Errorf("erase account: %w", err)
		}
		return nil
	})
}

// DeleteIdleGuests drops empty guest accounts untouched since before.
func (r *CreditRepository) DeleteIdleGuests(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("user_id IS NULL AND credits = 0 AND updated_at < ?", before).
		Delete(&models.CreditAccount{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete idle guests: %w", res.Error)
	}
	return res.RowsAffected, nil
}

var errNotApplied = errors.New("not applied")

func ensureAccount(tx *gorm.DB, id models.Identity, now time.Time) error {
	if id.IsZero() {
		return fmt.Errorf("empty identity")
	}
	owner := models.OwnerOf(id)
	acc := models.CreditAccount{
		IdentityKey: owner.IdentityKey,
		UserID:      owner.UserID,
		GuestIP:     owner.GuestIP,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity_key"}},
		DoNothing: true,
	}).Create(&acc).Error
	if err != nil {
		return fmt.Errorf("ensure credit account: %w", err)
	}
	return nil
}

func (r *CreditRepository) appendEntry(tx *gorm.DB, id models.Identity, amount int, entry LedgerEntry) (int, error) {
	var balance int
	if err := tx.Raw(`SELECT credits FROM credit_accounts WHERE identity_key = ?`, id.Key()).Scan(&balance).Error; err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	row := models.CreditTransaction{
		ID:           r.ids.Generate().Int64(),
		Owner:        models.OwnerOf(id),
		Type:         entry.Type,
		Amount:       amount,
		BalanceAfter: balance,
		Description:  entry.Description,
		ReferenceID:  entry.ReferenceID,
		CreatedAt:    r.clock.Now(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	return balance, nil
}
