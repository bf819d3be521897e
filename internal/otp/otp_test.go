package otp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// RFC 4226 appendix D vectors use the same truncation over an 8-byte counter.
func TestGenerateMatchesRFC4226Vectors(t *testing.T) {
	secret := "12345678901234567890"
	want := []string{"755224", "287082", "359152", "969429", "338314", "254676", "287922", "162583", "399871", "520489"}
	for counter, code := range want {
		assert.Equal(t, code, Generate(secret, int64(counter)), "counter %d", counter)
	}
}

func TestSlice(t *testing.T) {
	assert.EqualValues(t, 0, Slice(time.Unix(29, 0)))
	assert.EqualValues(t, 1, Slice(time.Unix(30, 0)))
	assert.EqualValues(t, 2, Slice(time.Unix(89, 0)))
}

func TestWindowSlices(t *testing.T) {
	assert.EqualValues(t, 30, WindowSlices(15))
	assert.EqualValues(t, 2, WindowSlices(1))
	assert.EqualValues(t, 0, WindowSlices(0))
	assert.EqualValues(t, 0, WindowSlices(-5))
}

func TestVerifyWindowBoundaries(t *testing.T) {
	const secret = "mission-secret"
	const minutes = 15 // 30 slices
	issued := time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC)
	code := Generate(secret, Slice(issued))

	// Valid for the issuing slice and every slice up to 30 later.
	assert.True(t, Verify(secret, code, issued, minutes))
	assert.True(t, Verify(secret, code, issued.Add(29*time.Second), minutes))
	assert.True(t, Verify(secret, code, issued.Add(30*Step), minutes))

	// One slice too late.
	assert.False(t, Verify(secret, code, issued.Add(31*Step), minutes))
	// Codes from the future are not accepted.
	assert.False(t, Verify(secret, code, issued.Add(-Step), minutes))
}

func TestVerifyRejectsMalformed(t *testing.T) {
	now := time.Now()
	code := Generate("s", Slice(now))
	assert.False(t, Verify("", code, now, 15))
	assert.False(t, Verify("s", "12345", now, 15))
	assert.False(t, Verify("s", code+"0", now, 15))
	assert.False(t, Verify("s", "abcdef", now, 15))
}
