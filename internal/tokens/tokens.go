package tokens

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/digkill/imagecredit/internal/clock"
)

var (
	ErrInvalid = errors.New("invalid token")
	ErrExpired = errors.New("token expired")
)

const purposeDownload = "download"

// DownloadClaims is the capability granting one download of one unlocked image.
type DownloadClaims struct {
	Purpose string `json:"purpose"`
	ImageID string `json:"img"`
	jwt.RegisteredClaims
}

// Issuer mints and checks HS256 download capabilities.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

func NewIssuer(secret string, ttl time.Duration, clk clock.Clock) *Issuer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, clock: clk}
}

func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

func (i *Issuer) IssueDownload(identityKey string, imageID int64) (string, *DownloadClaims, error) {
	now := i.clock.Now()
	claims := &DownloadClaims{
		Purpose: purposeDownload,
		ImageID: strconv.FormatInt(imageID, 10),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identityKey,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign download token: %w", err)
	}
	return signed, claims, nil
}

// ParseDownload validates signature, expiry, purpose and the bound image.
func (i *Issuer) ParseDownload(raw string, imageID int64) (*DownloadClaims, error) {
	claims := &DownloadClaims{}
	if err := i.parse(raw, claims); err != nil {
		return nil, err
	}
	if claims.Purpose != purposeDownload || claims.ImageID != strconv.FormatInt(imageID, 10) {
		return nil, ErrInvalid
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}

// IssueUser signs a session token for a registered user. The identity
// provider that fronts this service uses the same shared secret.
func (i *Issuer) IssueUser(userID int64) (string, error) {
	now := i.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// ParseUser returns the numeric user id carried in sub.
func (i *Issuer) ParseUser(raw string) (int64, error) {
	claims := &jwt.RegisteredClaims{}
	if err := i.parse(raw, claims); err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalid
	}
	return id, nil
}

func (i *Issuer) parse(raw string, claims jwt.Claims) error {
	if raw == "" || len(i.secret) == 0 {
		return ErrInvalid
	}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpired
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
