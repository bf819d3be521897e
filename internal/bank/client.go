// Package bank reads recent incoming transfers from the bank-history service.
package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Transaction struct {
	Amount            decimal.Decimal `json:"amount"`
	Description       string          `json:"description"`
	TransactionNumber flexString      `json:"transactionNumber"`
	Account           flexString      `json:"account"`
}

type historyResponse struct {
	Success bool `json:"success"`
	Raw     struct {
		Data []Transaction `json:"data"`
	} `json:"raw"`
}

type Client struct {
	url        string
	secret     string
	account    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewClient(url, secret, account string, log *zap.Logger) *Client {
	return &Client{
		url:     url,
		secret:  secret,
		account: account,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log.Named("bank"),
	}
}

func (c *Client) Configured() bool {
	return c.url != "" && c.account != ""
}

func (c *Client) Account() string {
	return c.account
}

// History returns the transactions the history service currently reports for the account.
func (c *Client) History(ctx context.Context) ([]Transaction, error) {
	body, err := json.Marshal(map[string]string{"account": c.account})
	if err != nil {
		return nil, fmt.Errorf("marshal history request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Internal-Secret", c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post history: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read history body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history service status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}

	var parsed historyResponse
	if err := json.Unmarshal(rawBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode history: %w (body=%s)", err, truncateBody(rawBody))
	}
	if !parsed.Success {
		return nil, fmt.Errorf("history service reported failure (body=%s)", truncateBody(rawBody))
	}
	c.log.Debug("bank history fetched", zap.Int("transactions", len(parsed.Raw.Data)))
	return parsed.Raw.Data, nil
}

// Matches reports whether t pays amount for orderCode into account. A transaction
// without an account is attributed to the configured one.
func (t Transaction) Matches(account string, amount int64, orderCode string) bool {
	if acct := t.Account.String(); acct != "" && acct != account {
		return false
	}
	if !t.Amount.Equal(decimal.NewFromInt(amount)) {
		return false
	}
	return strings.Contains(strings.ToUpper(t.Description), strings.ToUpper(orderCode))
}

// flexString accepts both JSON strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var out string
		if err := json.Unmarshal(b, &out); err != nil {
			return err
		}
		*f = flexString(out)
		return nil
	}
	*f = flexString(s)
	return nil
}

func (f flexString) String() string {
	return string(f)
}

func truncateBody(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
