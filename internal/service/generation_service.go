package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/digkill/imagecredit/internal/clock"
	"github.com/digkill/imagecredit/internal/config"
	"github.com/digkill/imagecredit/internal/gemini"
	"github.com/digkill/imagecredit/internal/imaging"
	"github.com/digkill/imagecredit/internal/metrics"
	"github.com/digkill/imagecredit/internal/models"
	"github.com/digkill/imagecredit/internal/repository"
	"github.com/digkill/imagecredit/internal/storage"
	"github.com/digkill/imagecredit/internal/tokens"
)

const (
	userInstructionPrefix = "\nAdditional User Instruction: "
	technicalInstruction  = "\nTechnical Instruction: Render at native 1K resolution with crisp edges, clear micro-details, and high local contrast. Avoid blur, ringing, or oversharpening artifacts."

	uploadDisplayName = "imagecredit upload"
	sweepBatch        = 100
)

// ImageModel is the generation backend.
type ImageModel interface {
	UploadFile(ctx context.Context, data []byte, mimeType, displayName string) (*gemini.FileRef, error)
	Generate(ctx context.Context, req gemini.GenerateRequest) (*gemini.Image, error)
}

type PreviewRequest struct {
	ImageData string
	SessionID int64
	Style     string
	Prompt    string
}

type PreviewResult struct {
	ImageID          int64  `json:"image_id,string"`
	ImageSessionID   int64  `json:"image_session_id,string"`
	PreviewURL       string `json:"preview_url"`
	CreditsRemaining int    `json:"credits_remaining"`
	UnlockCost       int    `json:"unlock_cost"`
	CanUnlock        bool   `json:"can_unlock"`
}

type UnlockResult struct {
	DownloadURL      string `json:"download_url"`
	CreditsRemaining int    `json:"credits_remaining"`
}

type Download struct {
	Body        io.ReadCloser
	ContentType string
	Filename    string
}

type GenerationService struct {
	cfg     config.Config
	log     *zap.Logger
	images  *repository.ImageRepository
	credits *CreditService
	styles  *StyleService
	model   ImageModel
	store   storage.ObjectStore
	issuer  *tokens.Issuer
	ledger  tokens.Ledger
	ids     *snowflake.Node
	clock   clock.Clock
	metrics *metrics.Metrics
}

func NewGenerationService(
	cfg config.Config,
	log *zap.Logger,
	images *repository.ImageRepository,
	credits *CreditService,
	styles *StyleService,
	model ImageModel,
	store storage.ObjectStore,
	issuer *tokens.Issuer,
	ledger tokens.Ledger,
	ids *snowflake.Node,
	clk clock.Clock,
	m *metrics.Metrics,
) *GenerationService {
	return &GenerationService{
		cfg:     cfg,
		log:     log.Named("generation"),
		images:  images,
		credits: credits,
		styles:  styles,
		model:   model,
		store:   store,
		issuer:  issuer,
		ledger:  ledger,
		ids:     ids,
		clock:   clk,
		metrics: m,
	}
}

// imageInput is the model-side reference to the caller's source image.
type imageInput struct {
	file   *gemini.FileRef
	inline []byte
	mime   string
}

// Preview charges the caller, generates an edited image and stores its original
// and watermarked preview. A credit debit is refunded when any later step fails.
func (s *GenerationService) Preview(ctx context.Context, id models.Identity, req PreviewRequest) (*PreviewResult, error) {
	prompt, styleSlug, err := s.composePrompt(ctx, req.Style, req.Prompt)
	if err != nil {
		return nil, err
	}

	imageID := s.ids.Generate().Int64()
	fee, err := s.charge(ctx, id, imageID)
	if err != nil {
		s.countOutcome("rejected")
		return nil, err
	}

	res, err := s.generate(ctx, id, imageID, req, prompt, styleSlug, fee)
	if err != nil {
		s.refund(ctx, id, fee, imageID, err)
		switch {
		case errors.Is(err, gemini.ErrBusy):
			s.countOutcome("busy")
		default:
			s.countOutcome("failed")
		}
		return nil, err
	}
	s.countOutcome("ok")
	return res, nil
}

func (s *GenerationService) composePrompt(ctx context.Context, styleKey, userPrompt string) (string, string, error) {
	var b strings.Builder
	styleKey = strings.TrimSpace(styleKey)
	styleSlug := ""
	if styleKey != "" {
		style, err := s.styles.Resolve(ctx, styleKey)
		if err != nil {
			return "", "", err
		}
		b.WriteString(style.PromptText)
		styleSlug = style.Slug
	}
	if p := strings.TrimSpace(userPrompt); p != "" {
		b.WriteString(userInstructionPrefix)
		b.WriteString(p)
	}
	if b.Len() == 0 {
		return "", "", fmt.Errorf("%w: a style or a prompt is required", ErrInvalidRequest)
	}
	b.WriteString(technicalInstruction)
	return b.String(), styleSlug, nil
}

// charge returns the credits debited for this preview. Zero means the preview
// is free or ran on a trial slot.
func (s *GenerationService) charge(ctx context.Context, id models.Identity, imageID int64) (int, error) {
	fee := s.cfg.PreviewCost
	if fee <= 0 {
		return 0, nil
	}

	_, err := s.credits.Debit(ctx, id, fee, "Preview generation", strconv.FormatInt(imageID, 10))
	if err == nil {
		return fee, nil
	}
	if !errors.Is(err, ErrInsufficientCredits) {
		return 0, err
	}

	ok, err := s.credits.ConsumeTrial(ctx, id, s.cfg.TrialLimit(id.IsGuest()))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrInsufficientCredits
	}
	s.log.Info("preview on trial", zap.String("identity", id.Key()))
	return 0, nil
}

func (s *GenerationService) refund(ctx context.Context, id models.Identity, fee int, imageID int64, cause error) {
	if fee <= 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if _, err := s.credits.ApplyDelta(ctx, id, fee, models.TxRefund, "Preview failed: refund", strconv.FormatInt(imageID, 10)); err != nil {
		s.log.Error("refund preview fee", zap.String("identity", id.Key()), zap.Int("fee", fee), zap.Error(err))
		return
	}
	s.log.Warn("preview failed, fee refunded", zap.String("identity", id.Key()), zap.Int("fee", fee), zap.Error(cause))
}

func (s *GenerationService) generate(ctx context.Context, id models.Identity, imageID int64, req PreviewRequest, prompt, styleSlug string, fee int) (*PreviewResult, error) {
	input, err := s.obtainImage(ctx, id, req)
	if err != nil {
		return nil, err
	}

	genReq := gemini.GenerateRequest{Prompt: prompt, File: input.file, Inline: input.inline, InlineMime: input.mime}
	img, err := s.model.Generate(ctx, genReq)
	if err != nil {
		if errors.Is(err, gemini.ErrBusy) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	row := &models.GeneratedImage{
		ID:          imageID,
		Owner:       models.OwnerOf(id),
		Prompt:      prompt,
		Style:       styleSlug,
		CreditsUsed: fee,
	}
	if input.file != nil {
		row.RemoteFileURI = input.file.URI
		row.RemoteMimeType = input.file.MimeType
	}
	if err := s.storeVersions(ctx, row, img); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	row.CreatedAt = now
	row.ExpiresAt = now.Add(s.cfg.ImageTTL)
	if err := s.images.Create(ctx, row); err != nil {
		s.deleteObjects(context.WithoutCancel(ctx), row)
		return nil, err
	}

	balance, err := s.credits.GetBalance(ctx, id)
	if err != nil {
		return nil, err
	}
	session := req.SessionID
	if session <= 0 {
		session = imageID
	}
	return &PreviewResult{
		ImageID:          imageID,
		ImageSessionID:   session,
		PreviewURL:       row.PreviewURL,
		CreditsRemaining: balance,
		UnlockCost:       s.cfg.UnlockCost,
		CanUnlock:        balance >= s.cfg.UnlockCost,
	}, nil
}

// obtainImage reuses the session parent's uploaded file when possible, otherwise
// validates and uploads the supplied image. Upload failures fall back to inline bytes.
func (s *GenerationService) obtainImage(ctx context.Context, id models.Identity, req PreviewRequest) (*imageInput, error) {
	var parent *models.GeneratedImage
	if req.SessionID > 0 {
		var err error
		parent, err = s.images.GetByID(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if parent != nil && parent.IdentityKey != id.Key() {
			return nil, ErrForbidden
		}
		if parent != nil && parent.RemoteFileURI != "" {
			mime := parent.RemoteMimeType
			if mime == "" {
				mime = "image/jpeg"
			}
			return &imageInput{file: &gemini.FileRef{URI: parent.RemoteFileURI, MimeType: mime}}, nil
		}
	}

	if strings.TrimSpace(req.ImageData) == "" {
		if parent != nil {
			return s.inlineFromStore(ctx, parent)
		}
		return nil, ErrMissingImage
	}

	raw, _, err := imaging.DecodeDataURI(req.ImageData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	optimized, err := imaging.Optimize(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	ref, err := s.model.UploadFile(ctx, optimized, "image/jpeg", uploadDisplayName)
	if err != nil {
		s.log.Warn("file upload failed, sending image inline", zap.Error(err))
		return &imageInput{inline: optimized, mime: "image/jpeg"}, nil
	}
	return &imageInput{file: ref}, nil
}

func (s *GenerationService) inlineFromStore(ctx context.Context, parent *models.GeneratedImage) (*imageInput, error) {
	body, contentType, err := s.store.Get(ctx, parent.OriginalKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrMissingImage
		}
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, imaging.MaxUploadBytes))
	if err != nil {
		return nil, fmt.Errorf("read session image: %w", err)
	}
	if contentType == "" {
		contentType = "image/png"
	}
	return &imageInput{inline: data, mime: contentType}, nil
}

func (s *GenerationService) storeVersions(ctx context.Context, row *models.GeneratedImage, img *gemini.Image) error {
	preview, err := imaging.Preview(img.Data, s.cfg.WatermarkText)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	originalKey, err := s.store.PutPrivate(ctx, img.Data, img.MimeType)
	if err != nil {
		return fmt.Errorf("store original: %w", err)
	}
	row.OriginalKey = originalKey

	previewKey, previewURL, err := s.store.PutPublic(ctx, preview, "image/jpeg")
	if err != nil {
		s.deleteObjects(context.WithoutCancel(ctx), row)
		return fmt.Errorf("store preview: %w", err)
	}
	row.PreviewKey = previewKey
	row.PreviewURL = previewURL
	return nil
}

func (s *GenerationService) deleteObjects(ctx context.Context, row *models.GeneratedImage) {
	for _, key := range []string{row.OriginalKey, row.PreviewKey} {
		if key == "" {
			continue
		}
		if err := s.store.Delete(ctx, key); err != nil {
			s.log.Warn("delete image object", zap.String("key", key), zap.Error(err))
		}
	}
}

// Unlock charges UnlockCost once per image and mints a download capability.
// Repeated unlocks of an unlocked image are free.
func (s *GenerationService) Unlock(ctx context.Context, id models.Identity, imageID int64) (*UnlockResult, error) {
	img, err := s.ownedImage(ctx, id, imageID)
	if err != nil {
		return nil, err
	}

	fee := max(s.cfg.UnlockCost, 0)
	ref := strconv.FormatInt(img.ID, 10)
	err = s.images.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		won, err := s.images.ClaimUnlock(ctx, tx, img.ID, fee)
		if err != nil || !won || fee == 0 {
			return err
		}
		_, err = s.credits.debitTx(ctx, tx, id, fee, "Unlock image", ref)
		return err
	})
	if err != nil {
		return nil, err
	}

	token, _, err := s.issuer.IssueDownload(id.Key(), img.ID)
	if err != nil {
		return nil, err
	}
	balance, err := s.credits.GetBalance(ctx, id)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("image_id", ref)
	q.Set("token", token)
	return &UnlockResult{
		DownloadURL:      s.cfg.PublicURL + "/api/download?" + q.Encode(),
		CreditsRemaining: balance,
	}, nil
}

// Download validates a capability and opens the original for streaming. Each
// token works once.
func (s *GenerationService) Download(ctx context.Context, id models.Identity, imageID int64, token string) (*Download, error) {
	claims, err := s.issuer.ParseDownload(token, imageID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject != id.Key() {
		return nil, ErrForbidden
	}

	img, err := s.ownedImage(ctx, id, imageID)
	if err != nil {
		return nil, err
	}
	if !img.IsUnlocked {
		return nil, ErrLocked
	}

	// The token is spent only once the object is readable, so a storage
	// failure leaves it usable for a retry.
	body, contentType, err := s.store.Get(ctx, img.OriginalKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrImageNotFound
		}
		return nil, err
	}

	ttl := s.issuer.TTL()
	if claims.ExpiresAt != nil {
		ttl = claims.ExpiresAt.Sub(s.clock.Now()) + s.issuer.TTL()
	}
	fresh, err := s.ledger.Consume(ctx, claims.ID, ttl)
	if err != nil || !fresh {
		_ = body.Close()
		if err != nil {
			return nil, err
		}
		return nil, ErrTokenUsed
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &Download{
		Body:        body,
		ContentType: contentType,
		Filename:    fmt.Sprintf("image-%d%s", img.ID, extensionFor(contentType)),
	}, nil
}

func (s *GenerationService) ownedImage(ctx context.Context, id models.Identity, imageID int64) (*models.GeneratedImage, error) {
	img, err := s.images.GetByID(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, ErrImageNotFound
	}
	if img.IdentityKey != id.Key() {
		return nil, ErrForbidden
	}
	return img, nil
}

// SweepExpired deletes locked images past their expiry together with their objects.
func (s *GenerationService) SweepExpired(ctx context.Context) (int, error) {
	expired, err := s.images.ListExpiredLocked(ctx, s.clock.Now().UTC(), sweepBatch)
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := range expired {
		img := &expired[i]
		deleted, err := s.images.DeleteIfLocked(ctx, img.ID)
		if err != nil {
			return removed, err
		}
		if !deleted {
			continue
		}
		s.deleteObjects(ctx, img)
		removed++
	}
	if removed > 0 {
		s.log.Info("expired images removed", zap.Int("count", removed))
	}
	return removed, nil
}

func (s *GenerationService) countOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.Generations.WithLabelValues(outcome).Inc()
	}
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ""
	}
}
