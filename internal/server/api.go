package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/digkill/imagecredit/internal/service"
)

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	summary, err := s.credits.Summary(r.Context(), identityFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handlePackages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"packages": s.orders.Packages()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txs, err := s.credits.History(r.Context(), identityFrom(r.Context()), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

type orderRequest struct {
	PackageID string `json:"package_id"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.orders.CreateOrder(r.Context(), identityFrom(r.Context()), req.PackageID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	view, err := s.orders.CheckOrder(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStyles(w http.ResponseWriter, r *http.Request) {
	styles, err := s.styles.List(r.Context(), true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	type publicStyle struct {
		Slug  string `json:"slug"`
		Title string `json:"title"`
	}
	out := make([]publicStyle, 0, len(styles))
	for _, st := range styles {
		out = append(out, publicStyle{Slug: st.Slug, Title: st.Title})
	}
	writeJSON(w, http.StatusOK, map[string]any{"styles": out})
}

type previewRequest struct {
	Image          string `json:"image"`
	ImageSessionID flexID `json:"image_session_id"`
	Style          string `json:"style"`
	Prompt         string `json:"prompt"`
}

// previewLimit caps previews per client IP in a fixed window. Limiter
// failures let the request through.
func (s *Server) previewLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || s.cfg.PreviewRateLimit <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		res, err := s.limiter.Allow(r.Context(), "preview:"+clientIPFrom(r.Context()), s.cfg.PreviewRateLimit, s.cfg.PreviewRateWindow)
		if err != nil {
			s.log.Warn("rate limiter unavailable", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			retry := int(res.RetryAfter.Round(time.Second) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
			writeErrorCode(w, http.StatusTooManyRequests, "rate_limited", "too many previews, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decodeJSON(w, r, maxPreviewBody, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.images.Preview(r.Context(), identityFrom(r.Context()), service.PreviewRequest{
		ImageData: req.Image,
		SessionID: int64(req.ImageSessionID),
		Style:     req.Style,
		Prompt:    req.Prompt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type unlockRequest struct {
	ImageID flexID `json:"image_id"`
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ImageID <= 0 {
		s.writeError(w, r, fmt.Errorf("%w: image_id is required", service.ErrInvalidRequest))
		return
	}
	res, err := s.images.Unlock(r.Context(), identityFrom(r.Context()), int64(req.ImageID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	imageID, err := parseID(q.Get("image_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	token := q.Get("token")
	if token == "" {
		s.writeError(w, r, service.ErrInvalidToken)
		return
	}

	dl, err := s.images.Download(r.Context(), identityFrom(r.Context()), imageID, token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer dl.Body.Close()

	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, dl.Filename))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, dl.Body); err != nil {
		s.log.Warn("stream download", zap.Int64("image_id", imageID), zap.Error(err))
	}
}

func (s *Server) handleMission(w http.ResponseWriter, r *http.Request) {
	m, err := s.missions.Get(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type missionVerifyRequest struct {
	Code      string `json:"code"`
	MissionID flexID `json:"mission_id"`
}

func (s *Server) handleMissionVerify(w http.ResponseWriter, r *http.Request) {
	var req missionVerifyRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Code == "" || req.MissionID <= 0 {
		s.writeError(w, r, fmt.Errorf("%w: code and mission_id are required", service.ErrInvalidRequest))
		return
	}
	reward, err := s.missions.Verify(r.Context(), identityFrom(r.Context()), int64(req.MissionID), req.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reward)
}

// handleWebhook is the public bank notification endpoint, authenticated by an
// HMAC of the raw body.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: read body: %v", service.ErrInvalidRequest, err))
		return
	}
	res, err := s.orders.HandleWebhook(r.Context(), body, r.Header.Get("X-Webhook-Signature"))
	if err != nil {
		if errors.Is(err, service.ErrInvalidSignature) {
			s.log.Warn("webhook rejected: bad signature")
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
