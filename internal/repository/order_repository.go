package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/digkill/imagecredit/internal/models"
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) DB() *gorm.DB {
	return r.db
}

func (r *OrderRepository) Create(ctx context.Context, order *models.Order) error {
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *OrderRepository) FindByCode(ctx context.Context, code string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).Where("order_code = ?", code).Take(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find order: %w", err)
	}
	return &order, nil
}

// ClaimCompletion flips a pending order to completed. Only one caller can win;
// the rest see false.
func (r *OrderRepository) ClaimCompletion(ctx context.Context, tx *gorm.DB, code, txnRef string, now time.Time) (bool, error) {
	res := tx.WithContext(ctx).Exec(`
UPDATE orders SET status = ?, completed_at = ?, transaction_ref = ?
WHERE order_code = ? AND status = ?`,
		models.OrderCompleted, now, txnRef, code, models.OrderPending)
	if res.Error != nil {
		return false, fmt.Errorf("claim order: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *OrderRepository) ListPendingSince(ctx context.Context, since time.Time) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at >= ?", models.OrderPending, since).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}
	return orders, nil
}

func (r *OrderRepository) List(ctx context.Context, status models.OrderStatus, limit int) ([]models.Order, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var orders []models.Order
	if err := q.Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// CancelStale cancels pending orders created before cutoff.
func (r *OrderRepository) CancelStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Exec(`
UPDATE orders SET status = ? WHERE status = ? AND created_at < ?`,
		models.OrderCanceled, models.OrderPending, cutoff)
	if res.Error != nil {
		return 0, fmt.Errorf("cancel stale orders: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeletePendingBefore removes abandoned pending orders entirely.
func (r *OrderRepository) DeletePendingBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.OrderPending, cutoff).
		Delete(&models.Order{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete old pending orders: %w", res.Error)
	}
	return res.RowsAffected, nil
}
