package service

import "errors"

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrNotConfigured       = errors.New("service not configured")

	ErrInvalidMission = errors.New("mission not found or inactive")
	ErrCodeUsed       = errors.New("code already used")
	ErrInvalidOTP     = errors.New("invalid or expired code")
	ErrMissionLimit   = errors.New("mission daily limit reached")
	ErrNoMission      = errors.New("no mission available")

	ErrInvalidImage  = errors.New("invalid image")
	ErrMissingImage  = errors.New("image required")
	ErrInvalidStyle  = errors.New("unknown style")
	ErrImageNotFound = errors.New("image not found")
	ErrForbidden     = errors.New("forbidden")
	ErrLocked        = errors.New("image is locked")
	ErrInvalidToken  = errors.New("invalid download token")
	ErrTokenUsed     = errors.New("download token already used")
	ErrGeneration    = errors.New("generation failed")

	ErrUnknownPackage   = errors.New("unknown package")
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderNotPending  = errors.New("order is not pending")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrAmountMismatch   = errors.New("amount mismatch")

	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)
