package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/digkill/imagecredit/internal/models"
)

type ImageRepository struct {
	db *gorm.DB
}

func NewImageRepository(db *gorm.DB) *ImageRepository {
	return &ImageRepository{db: db}
}

func (r *ImageRepository) DB() *gorm.DB {
	return r.db
}

func (r *ImageRepository) Create(ctx context.Context, img *models.GeneratedImage) error {
	if err := r.db.WithContext(ctx).Create(img).Error; err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

func (r *ImageRepository) GetByID(ctx context.Context, id int64) (*models.GeneratedImage, error) {
	var img models.GeneratedImage
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&img).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get image: %w", err)
	}
	return &img, nil
}

// ClaimUnlock marks a locked image unlocked and adds the fee to credits_used.
// It reports false when the image was already unlocked.
func (r *ImageRepository) ClaimUnlock(ctx context.Context, tx *gorm.DB, id int64, fee int) (bool, error) {
	res := tx.WithContext(ctx).Exec(`
UPDATE generated_images SET is_unlocked = ?, credits_used = credits_used + ?
WHERE id = ? AND is_unlocked = ?`, true, fee, id, false)
	if res.Error != nil {
		return false, fmt.Errorf("claim unlock: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *ImageRepository) ListExpiredLocked(ctx context.Context, now time.Time, limit int) ([]models.GeneratedImage, error) {
	var imgs []models.GeneratedImage
	err := r.db.WithContext(ctx).
		Where("is_unlocked = ? AND expires_at < ?", false, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&imgs).Error
	if err != nil {
		return nil, fmt.Errorf("list expired images: %w", err)
	}
	return imgs, nil
}

// DeleteIfLocked removes the row unless it was unlocked in the meantime.
func (r *ImageRepository) DeleteIfLocked(ctx context.Context, id int64) (bool, error) {
	res := r.db.WithContext(ctx).Where("id = ? AND is_unlocked = ?", id, false).Delete(&models.GeneratedImage{})
	if res.Error != nil {
		return false, fmt.Errorf("delete image: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}
