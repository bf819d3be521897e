package server

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/digkill/imagecredit/internal/models"
)

type ctxKey int

const (
	identityKey ctxKey = iota
	clientIPKey
)

// identify attaches the caller's identity: a user from a bearer token, else a
// guest keyed by client IP.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, ok := clientIP(r)
		if !ok {
			writeErrorCode(w, http.StatusBadRequest, "invalid_request", "cannot determine client address")
			return
		}

		id := models.GuestIdentity(ip)
		if raw, present := bearerToken(r); present {
			if s.users == nil {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "user tokens are not accepted")
				return
			}
			userID, err := s.users.ParseUser(raw)
			if err != nil {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
				return
			}
			id = models.UserIdentity(userID)
		}

		ctx := context.WithValue(r.Context(), identityKey, id)
		ctx = context.WithValue(ctx, clientIPKey, ip)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(ctx context.Context) models.Identity {
	id, _ := ctx.Value(identityKey).(models.Identity)
	return id
}

func clientIPFrom(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// clientIP returns the first valid address among CF-Connecting-IP, X-Real-IP,
// the first X-Forwarded-For entry and the peer address.
func clientIP(r *http.Request) (string, bool) {
	candidates := []string{
		r.Header.Get("CF-Connecting-IP"),
		r.Header.Get("X-Real-IP"),
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		candidates = append(candidates, first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		candidates = append(candidates, host)
	} else {
		candidates = append(candidates, r.RemoteAddr)
	}

	for _, c := range candidates {
		addr, err := netip.ParseAddr(strings.TrimSpace(c))
		if err != nil {
			continue
		}
		return addr.Unmap().WithZone("").String(), true
	}
	return "", false
}
