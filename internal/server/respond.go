package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/digkill/imagecredit/internal/gemini"
	"github.com/digkill/imagecredit/internal/service"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// Order matters: the first match wins.
var errorMappings = []errorMapping{
	{service.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{service.ErrUnknownPackage, http.StatusBadRequest, "invalid_request"},
	{service.ErrInvalidImage, http.StatusBadRequest, "invalid_image"},
	{service.ErrMissingImage, http.StatusBadRequest, "missing_image"},
	{service.ErrInvalidStyle, http.StatusBadRequest, "invalid_style"},
	{service.ErrInvalidMission, http.StatusBadRequest, "invalid_mission"},
	{service.ErrCodeUsed, http.StatusBadRequest, "code_used"},
	{service.ErrInvalidOTP, http.StatusBadRequest, "invalid_otp"},
	{service.ErrMissionLimit, http.StatusBadRequest, "mission_limit"},
	{service.ErrAmountMismatch, http.StatusBadRequest, "amount_mismatch"},
	{service.ErrInvalidSignature, http.StatusUnauthorized, "invalid_signature"},
	{service.ErrInsufficientCredits, http.StatusPaymentRequired, "insufficient_credits"},
	{service.ErrForbidden, http.StatusForbidden, "forbidden"},
	{service.ErrInvalidToken, http.StatusForbidden, "invalid_token"},
	{service.ErrTokenUsed, http.StatusForbidden, "token_used"},
	{service.ErrLocked, http.StatusForbidden, "locked"},
	{service.ErrImageNotFound, http.StatusNotFound, "not_found"},
	{service.ErrOrderNotFound, http.StatusNotFound, "not_found"},
	{service.ErrNotFound, http.StatusNotFound, "not_found"},
	{service.ErrNoMission, http.StatusNotFound, "no_mission"},
	{service.ErrOrderNotPending, http.StatusConflict, "order_not_pending"},
	{service.ErrDuplicate, http.StatusConflict, "conflict"},
	{gemini.ErrBusy, http.StatusServiceUnavailable, "server_busy"},
	{service.ErrNotConfigured, http.StatusServiceUnavailable, "not_configured"},
	{service.ErrGeneration, http.StatusInternalServerError, "generation_failed"},
	{gemini.ErrUpstream, http.StatusInternalServerError, "generation_failed"},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// writeError maps a domain error to its status and code. Anything unmapped is
// logged and reported as internal_error without details.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			if m.status >= http.StatusInternalServerError {
				s.log.Warn("request failed", zap.String("path", r.URL.Path), zap.Error(err))
			}
			writeErrorCode(w, m.status, m.code, err.Error())
			return
		}
	}
	s.log.Error("internal error", zap.String("path", r.URL.Path), zap.Error(err))
	writeErrorCode(w, http.StatusInternalServerError, "internal_error", "internal error")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	body := http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", service.ErrInvalidRequest)
		}
		return fmt.Errorf("%w: %v", service.ErrInvalidRequest, err)
	}
	return nil
}

// flexID accepts an id sent either as a JSON number or as a string.
type flexID int64

func (f *flexID) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if raw == "" || raw == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", raw)
	}
	*f = flexID(v)
	return nil
}

func parseID(value string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", service.ErrInvalidRequest, value)
	}
	return id, nil
}
