package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/digkill/imagecredit/internal/models"
	"github.com/digkill/imagecredit/internal/service"
)

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !s.adminCredentialsMatch(user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="imagecredit-admin"`)
			writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "admin credentials required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) adminCredentialsMatch(user, pass string) bool {
	if s.cfg.AdminPasswordHash == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.AdminUsername)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminPasswordHash), []byte(pass)) == nil
	return userOK && passOK
}

type adjustRequest struct {
	IdentityKey string `json:"identity_key"`
	Amount      int    `json:"amount"`
	Note        string `json:"note"`
}

func (s *Server) handleAdjustCredits(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := models.ParseIdentityKey(strings.TrimSpace(req.IdentityKey))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", service.ErrInvalidRequest, err))
		return
	}
	note := strings.TrimSpace(req.Note)
	if note == "" {
		note = "Admin adjustment"
	}
	balance, err := s.credits.ApplyDelta(r.Context(), id, req.Amount, models.TxAdminAdjustment, note, "admin")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity_key": id.Key(), "credits": balance})
}

func (s *Server) handleEraseAccount(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", service.ErrInvalidRequest, err))
		return
	}
	id, err := models.ParseIdentityKey(raw)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", service.ErrInvalidRequest, err))
		return
	}
	if err := s.credits.Erase(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	status := models.OrderStatus(strings.ToLower(r.URL.Query().Get("status")))
	switch status {
	case "", models.OrderPending, models.OrderCompleted, models.OrderCanceled:
	default:
		s.writeError(w, r, fmt.Errorf("%w: unknown status %q", service.ErrInvalidRequest, status))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	orders, err := s.orders.List(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

type completeRequest struct {
	TransactionRef string `json:"transaction_ref"`
}

func (s *Server) handleCompleteOrder(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	ref := strings.TrimSpace(req.TransactionRef)
	if ref == "" {
		ref = "manual"
	}
	code := chi.URLParam(r, "code")
	if err := s.orders.CompleteOrder(r.Context(), code, ref); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("order completed by admin", zap.String("order_code", code))
	view, err := s.orders.CheckOrder(r.Context(), code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListMissions(w http.ResponseWriter, r *http.Request) {
	missions, err := s.missions.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"missions": missions})
}

func (s *Server) handleMissionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.missions.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *Server) handleCreateMission(w http.ResponseWriter, r *http.Request) {
	var in service.MissionInput
	if err := decodeJSON(w, r, maxJSONBody, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.missions.Create(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleUpdateMission(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in service.MissionInput
	if err := decodeJSON(w, r, maxJSONBody, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.missions.Update(r.Context(), id, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMission(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.missions.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAllStyles(w http.ResponseWriter, r *http.Request) {
	styles, err := s.styles.List(r.Context(), false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"styles": styles})
}

func (s *Server) handleCreateStyle(w http.ResponseWriter, r *http.Request) {
	var in service.StyleInput
	if err := decodeJSON(w, r, maxJSONBody, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.styles.Create(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleUpdateStyle(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in service.StyleInput
	if err := decodeJSON(w, r, maxJSONBody, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.styles.Update(r.Context(), id, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDeleteStyle(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.styles.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
