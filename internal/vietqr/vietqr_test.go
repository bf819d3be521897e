package vietqr

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOrderCodeFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^AG[0-9A-F]{8}$`)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := NewOrderCode()
		require.NoError(t, err)
		assert.Regexp(t, pattern, code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 45)
}

func TestDescribe(t *testing.T) {
	cfg := Config{BankID: "MB", AccountNumber: "0123456789", AccountName: "NGUYEN VAN A", Template: "compact2", TTL: 30 * time.Minute}
	d := cfg.Describe("AG1A2B3C4D", 50000)

	assert.Equal(t, "AIGC AG1A2B3C4D", d.TransferContent)
	assert.Equal(t, 1800, d.ExpiresIn)
	assert.Equal(t,
		"https://img.vietqr.io/image/MB-0123456789-compact2.png?amount=50000&addInfo=AIGC%20AG1A2B3C4D&accountName=NGUYEN%20VAN%20A",
		d.QRURL)
}

func TestDescribeWithoutBankAccount(t *testing.T) {
	d := Config{}.Describe("AG00000000", 20000)
	assert.Empty(t, d.QRURL)
	assert.Equal(t, "AIGC AG00000000", d.TransferContent)
}

func TestExtractOrderCode(t *testing.T) {
	cases := map[string]string{
		"AIGC AG67918C7F":                   "AG67918C7F",
		"ck aigc ag80d9e2d4 gd 123":         "AG80D9E2D4",
		"MBVCB.123.AIGCAG1234ABCD.CT tu":    "AG1234ABCD",
		"chuyen tien AG9F8E7D6C thanh toan": "AG9F8E7D6C",
	}
	for in, want := range cases {
		got, ok := ExtractOrderCode(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := ExtractOrderCode("tien an trua")
	assert.False(t, ok)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"amount":50000,"description":"AIGC AG1A2B3C4D"}`)
	sig := Sign("hook-secret", body)

	assert.True(t, VerifySignature("hook-secret", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("hook-secret", append(body, ' '), sig))
	assert.False(t, VerifySignature("", body, sig))
	assert.False(t, VerifySignature("hook-secret", body, ""))
}

func TestParsePackages(t *testing.T) {
	pkgs, err := ParsePackages("")
	require.NoError(t, err)
	assert.Len(t, pkgs, 4)

	pkgs, err = ParsePackages("starter=5:10000, mega=500:550000")
	require.NoError(t, err)
	require.Len(t, pkgs, 2)
	assert.Equal(t, Package{ID: "starter", Name: "Starter", Credits: 5, Price: 10000}, pkgs[0])

	p, ok := FindPackage(pkgs, "mega")
	assert.True(t, ok)
	assert.EqualValues(t, 550000, p.Price)

	_, err = ParsePackages("broken")
	assert.Error(t, err)
	_, err = ParsePackages("a=1:1,a=2:2")
	assert.Error(t, err)
	_, err = ParsePackages("a=0:100")
	assert.Error(t, err)
}
