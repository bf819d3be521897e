package tokens

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/imagecredit/internal/clock"
)

func newIssuer() (*Issuer, *clock.FakeClock) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	return NewIssuer("download-secret", 15*time.Minute, clk), clk
}

func TestDownloadTokenRoundTrip(t *testing.T) {
	issuer, _ := newIssuer()

	raw, issued, err := issuer.IssueDownload("user:7", 42)
	require.NoError(t, err)
	assert.NotEmpty(t, issued.ID)

	claims, err := issuer.ParseDownload(raw, 42)
	require.NoError(t, err)
	assert.Equal(t, "user:7", claims.Subject)
	assert.Equal(t, issued.ID, claims.ID)
}

func TestDownloadTokenBoundToImage(t *testing.T) {
	issuer, _ := newIssuer()
	raw, _, err := issuer.IssueDownload("user:7", 42)
	require.NoError(t, err)

	_, err = issuer.ParseDownload(raw, 43)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDownloadTokenExpires(t *testing.T) {
	issuer, clk := newIssuer()
	raw, _, err := issuer.IssueDownload("ip:10.0.0.1", 1)
	require.NoError(t, err)

	clk.Advance(16 * time.Minute)
	_, err = issuer.ParseDownload(raw, 1)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestDownloadTokenWrongSecret(t *testing.T) {
	issuer, clk := newIssuer()
	raw, _, err := issuer.IssueDownload("user:1", 1)
	require.NoError(t, err)

	other := NewIssuer("another-secret", time.Minute, clk)
	_, err = other.ParseDownload(raw, 1)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestUserTokenIsNotADownloadCapability(t *testing.T) {
	issuer, _ := newIssuer()
	raw, err := issuer.IssueUser(9)
	require.NoError(t, err)

	id, err := issuer.ParseUser(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 9, id)

	_, err = issuer.ParseDownload(raw, 9)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParseUserRejectsGarbage(t *testing.T) {
	issuer, _ := newIssuer()
	_, err := issuer.ParseUser("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = issuer.ParseUser("")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMemoryLedgerSingleUse(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1_700_000_000, 0))
	ledger := NewMemoryLedger(clk)
	ctx := context.Background()

	ok, err := ledger.Consume(ctx, "jti-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ledger.Consume(ctx, "jti-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Advance(2 * time.Minute)
	ok, err = ledger.Consume(ctx, "jti-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "entry is forgotten once the token could no longer be valid")
}
