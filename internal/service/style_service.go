package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"go.uber.org/zap"

	"github.com/digkill/imagecredit/internal/database"
	"github.com/digkill/imagecredit/internal/models"
	"github.com/digkill/imagecredit/internal/repository"
)

type StyleInput struct {
	Slug       string `json:"slug"`
	Title      string `json:"title"`
	PromptText string `json:"prompt_text"`
	IsActive   *bool  `json:"is_active"`
}

type StyleService struct {
	log    *zap.Logger
	styles *repository.StyleRepository
}

func NewStyleService(log *zap.Logger, styles *repository.StyleRepository) *StyleService {
	return &StyleService{log: log.Named("styles"), styles: styles}
}

// Resolve returns the active style for slug, or ErrInvalidStyle.
func (s *StyleService) Resolve(ctx context.Context, key string) (*models.Style, error) {
	style, err := s.styles.GetBySlug(ctx, slug.Make(key))
	if err != nil {
		return nil, err
	}
	if style == nil || !style.IsActive {
		return nil, ErrInvalidStyle
	}
	return style, nil
}

func (s *StyleService) List(ctx context.Context, activeOnly bool) ([]models.Style, error) {
	return s.styles.List(ctx, activeOnly)
}

func (s *StyleService) Create(ctx context.Context, in StyleInput) (*models.Style, error) {
	style := &models.Style{IsActive: true}
	if err := applyStyleInput(style, in); err != nil {
		return nil, err
	}
	if err := s.styles.Create(ctx, style); err != nil {
		if database.IsDuplicateKeyErr(err) {
			return nil, fmt.Errorf("%w: style %q", ErrDuplicate, style.Slug)
		}
		return nil, err
	}
	return style, nil
}

func (s *StyleService) Update(ctx context.Context, id int64, in StyleInput) (*models.Style, error) {
	style, err := s.styles.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if style == nil {
		return nil, ErrNotFound
	}
	if err := applyStyleInput(style, in); err != nil {
		return nil, err
	}
	style.UpdatedAt = time.Now().UTC()
	if err := s.styles.Update(ctx, style); err != nil {
		if database.IsDuplicateKeyErr(err) {
			return nil, fmt.Errorf("%w: style %q", ErrDuplicate, style.Slug)
		}
		return nil, err
	}
	return style, nil
}

func (s *StyleService) Delete(ctx context.Context, id int64) error {
	return s.styles.Delete(ctx, id)
}

// SeedDefaults installs the stock styles into an empty table.
func (s *StyleService) SeedDefaults(ctx context.Context) error {
	n, err := s.styles.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	for _, in := range defaultStyles {
		if _, err := s.Create(ctx, in); err != nil {
			return fmt.Errorf("seed style %q: %w", in.Title, err)
		}
	}
	s.log.Info("default styles seeded", zap.Int("count", len(defaultStyles)))
	return nil
}

func applyStyleInput(style *models.Style, in StyleInput) error {
	if t := strings.TrimSpace(in.Title); t != "" {
		style.Title = t
	}
	if p := strings.TrimSpace(in.PromptText); p != "" {
		style.PromptText = p
	}
	switch {
	case strings.TrimSpace(in.Slug) != "":
		style.Slug = slug.Make(in.Slug)
	case style.Slug == "":
		style.Slug = slug.Make(style.Title)
	}
	if in.IsActive != nil {
		style.IsActive = *in.IsActive
	}
	if style.Title == "" || style.PromptText == "" || style.Slug == "" {
		return fmt.Errorf("%w: style needs a title and prompt text", ErrInvalidRequest)
	}
	return nil
}

var defaultStyles = []StyleInput{
	{Title: "Anime", PromptText: "Convert this image into a clean modern anime illustration with expressive eyes, cel shading and vibrant colors. Keep the subject's pose and identity."},
	{Title: "Watercolor", PromptText: "Repaint this image as a soft watercolor painting with visible paper texture, gentle color bleeds and loose brush strokes."},
	{Title: "Cyberpunk", PromptText: "Transform this image into a neon-lit cyberpunk scene at night with magenta and cyan lighting, rain reflections and futuristic details."},
	{Title: "Oil Painting", PromptText: "Render this image as a classical oil painting with rich impasto brushwork, warm tones and dramatic chiaroscuro lighting."},
	{Title: "3D Cartoon", PromptText: "Turn this image into a polished 3D cartoon render with soft global illumination, rounded shapes and playful proportions."},
}
