// Package otp implements the time-sliced one-time codes used to prove mission completion.
package otp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// Step is the length of one time slice.
	Step   = 30 * time.Second
	digits = 6
	modulo = 1_000_000
)

// Slice returns floor(unix/30) for t.
func Slice(t time.Time) int64 {
	return t.Unix() / int64(Step/time.Second)
}

// Generate returns the 6-digit code for a time slice: HMAC-SHA1 over the big-endian
// counter, then RFC 4226 dynamic truncation.
func Generate(secret string, slice int64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(slice))

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := (uint32(sum[offset])&0x7f)<<24 |
		uint32(sum[offset+1])<<16 |
		uint32(sum[offset+2])<<8 |
		uint32(sum[offset+3])

	return fmt.Sprintf("%0*d", digits, code%modulo)
}

// WindowSlices converts a validity window in minutes to a number of slices.
func WindowSlices(minutes int) int64 {
	if minutes < 0 {
		minutes = 0
	}
	return int64(minutes) * 60 / int64(Step/time.Second)
}

// Verify accepts code if it matches any slice in [current-window, current].
func Verify(secret, code string, now time.Time, windowMinutes int) bool {
	if secret == "" || len(code) != digits {
		return false
	}
	current := Slice(now)
	window := WindowSlices(windowMinutes)
	valid := false
	for i := int64(0); i <= window; i++ {
		candidate := Generate(secret, current-i)
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(code)) == 1 {
			valid = true
		}
	}
	return valid
}
