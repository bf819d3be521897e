package bank

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "s3cret", r.Header.Get("X-Internal-Secret"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "0123456789", req["account"])

		_, _ = io.WriteString(w, `{"success":true,"raw":{"data":[
			{"amount":"50000","description":"AIGC AG1A2B3C4D","transactionNumber":"FT001","account":"0123456789"},
			{"amount":20000.00,"description":"lunch","transactionNumber":12345}
		]}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cret", "0123456789", zap.NewNop())
	txs, err := c.History(context.Background())
	require.NoError(t, err)
	require.Len(t, txs, 2)

	assert.Equal(t, "FT001", txs[0].TransactionNumber.String())
	assert.True(t, txs[0].Matches("0123456789", 50000, "AG1A2B3C4D"))
	assert.False(t, txs[0].Matches("0123456789", 50001, "AG1A2B3C4D"))
	assert.False(t, txs[0].Matches("999", 50000, "AG1A2B3C4D"))

	assert.Equal(t, "12345", txs[1].TransactionNumber.String())
	assert.True(t, txs[1].Amount.Equal(txs[1].Amount.Truncate(0)))
}

func TestHistoryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":false}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "x", "1", zap.NewNop())
	_, err := c.History(context.Background())
	require.Error(t, err)
}

func TestHistoryHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "x", "1", zap.NewNop())
	_, err := c.History(context.Background())
	require.Error(t, err)
}

func TestMatchesEmptyAccountAndCase(t *testing.T) {
	var tx Transaction
	require.NoError(t, json.Unmarshal([]byte(`{"amount":150000,"description":"ck aigc ag80d9e2d4"}`), &tx))
	assert.True(t, tx.Matches("0123456789", 150000, "AG80D9E2D4"))
}
