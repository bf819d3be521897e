// Package vietqr builds VietQR bank-transfer instructions and recognizes the
// transfers that pay for them.
package vietqr

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	PaymentMethod  = "vietqr"
	transferPrefix = "AIGC"
	codePrefix     = "AG"
)

type Config struct {
	BankID        string
	AccountNumber string
	AccountName   string
	Template      string
	TTL           time.Duration
}

// Descriptor is what the buyer needs to make the transfer.
type Descriptor struct {
	Amount          int64  `json:"amount"`
	BankID          string `json:"bank_id"`
	AccountNumber   string `json:"account_number"`
	AccountName     string `json:"account_name"`
	TransferContent string `json:"transfer_content"`
	QRURL           string `json:"qr_url"`
	ExpiresIn       int    `json:"expires_in"`
}

// NewOrderCode returns "AG" followed by 8 upper-case hex digits.
func NewOrderCode() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("order code entropy: %w", err)
	}
	return codePrefix + strings.ToUpper(hex.EncodeToString(b[:])), nil
}

func TransferContent(orderCode string) string {
	return transferPrefix + " " + orderCode
}

func (c Config) Configured() bool {
	return c.BankID != "" && c.AccountNumber != ""
}

func (c Config) Describe(orderCode string, amount int64) Descriptor {
	content := TransferContent(orderCode)
	template := c.Template
	if template == "" {
		template = "compact2"
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	d := Descriptor{
		Amount:          amount,
		BankID:          c.BankID,
		AccountNumber:   c.AccountNumber,
		AccountName:     c.AccountName,
		TransferContent: content,
		ExpiresIn:       int(ttl.Seconds()),
	}
	if c.Configured() {
		d.QRURL = fmt.Sprintf("https://img.vietqr.io/image/%s-%s-%s.png?amount=%d&addInfo=%s&accountName=%s",
			url.PathEscape(c.BankID),
			url.PathEscape(c.AccountNumber),
			url.PathEscape(template),
			amount,
			rawURLEncode(content),
			rawURLEncode(c.AccountName),
		)
	}
	return d
}

// rawURLEncode escapes spaces as %20 rather than '+'.
func rawURLEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

var (
	prefixedCode = regexp.MustCompile(`(?i)AIGC\s*([A-Z0-9]{8,12})`)
	bareCode     = regexp.MustCompile(`(?i)AG[0-9A-Z]{8,10}`)
)

// ExtractOrderCode finds the order code inside a free-form bank transfer description.
func ExtractOrderCode(description string) (string, bool) {
	if m := prefixedCode.FindStringSubmatch(description); m != nil {
		return strings.ToUpper(m[1]), true
	}
	if m := bareCode.FindString(description); m != "" {
		return strings.ToUpper(m), true
	}
	return "", false
}

func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 of body in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}
