package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/digkill/imagecredit/internal/models"
)

type StyleRepository struct {
	db *gorm.DB
}

func NewStyleRepository(db *gorm.DB) *StyleRepository {
	return &StyleRepository{db: db}
}

func (r *StyleRepository) GetBySlug(ctx context.Context, slug string) (*models.Style, error) {
	var s models.Style
	err := r.db.WithContext(ctx).Where("slug = ?", slug).Take(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get style: %w", err)
	}
	return &s, nil
}

func (r *StyleRepository) GetByID(ctx context.Context, id int64) (*models.Style, error) {
	var s models.Style
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get style by id: %w", err)
	}
	return &s, nil
}

func (r *StyleRepository) List(ctx context.Context, activeOnly bool) ([]models.Style, error) {
	q := r.db.WithContext(ctx).Order("id ASC")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var styles []models.Style
	if err := q.Find(&styles).Error; err != nil {
		return nil, fmt.Errorf("list styles: %w", err)
	}
	return styles, nil
}

func (r *StyleRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.Style{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count styles: %w", err)
	}
	return n, nil
}

func (r *StyleRepository) Create(ctx context.Context, s *models.Style) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("create style: %w", err)
	}
	return nil
}

func (r *StyleRepository) Update(ctx context.Context, s *models.Style) error {
	err := r.db.WithContext(ctx).Model(&models.Style{}).Where("id = ?", s.ID).Updates(map[string]any{
		"slug":        s.Slug,
		"title":       s.Title,
		"prompt_text": s.PromptText,
		"is_active":   s.IsActive,
		"updated_at":  s.UpdatedAt,
	}).Error
	if err != nil {
		return fmt.Errorf("update style: %w", err)
	}
	return nil
}

func (r *StyleRepository) Delete(ctx context.Context, id int64) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Style{}).Error; err != nil {
		return fmt.Errorf("delete style: %w", err)
	}
	return nil
}
