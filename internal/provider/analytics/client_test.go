package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCreations_ParsesPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Variables map[string]interface{} `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sei-evm", req.Variables["network"])

		fmt.Fprint(w, `{"data": {"filterTokens": {"results": [
			{"token": {"address": "0xAbC", "symbol": "FOO", "name": "Foo Token", "decimals": 18, "networkId": "sei-evm", "createdAt": 1700000000}}
		]}}}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "key", slog.Default())
	tokens, err := c.TokenCreations(context.Background(), "sei-evm", time.Unix(0, 0), time.Unix(2_000_000_000, 0), 200, 0)
	require.NoError(t, err)

	require.Len(t, tokens, 1)
	assert.Equal(t, "0xabc", tokens[0].Address)
	assert.Equal(t, "FOO", tokens[0].Symbol)
	assert.Equal(t, int32(18), tokens[0].Decimals)
	assert.Equal(t, int64(1_700_000_000), tokens[0].CreatedAt.Unix())
}

func TestTokenCreations_OffsetCapRejectedLocally(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	c := NewClient(server.URL, "", slog.Default())
	_, err := c.TokenCreations(context.Background(), "sei-evm", time.Unix(0, 0), time.Unix(1, 0), 200, OffsetCap-100)
	assert.ErrorIs(t, err, ErrPaginationCap)
	assert.False(t, called, "cap violation must not reach the provider")
}

func TestTokenCreations_ProviderOffsetErrorMapsToCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errors": [{"message": "offset may not exceed 9800"}]}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", slog.Default())
	_, err := c.TokenCreations(context.Background(), "sei-evm", time.Unix(0, 0), time.Unix(1, 0), 200, 0)
	assert.ErrorIs(t, err, ErrPaginationCap)
}

func TestBars_ParsesSeries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": {"getBars": {"t": [1700000000, 1700003600], "c": ["1.5", "0"]}}}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", slog.Default())
	bars, err := c.Bars(context.Background(), "0xabc:sei-evm", time.Unix(1_700_000_000, 0), time.Unix(1_700_007_200, 0), 60)
	require.NoError(t, err)

	// Zero closes are dropped.
	require.Len(t, bars, 1)
	assert.True(t, bars[0].Close.Equal(decimal.RequireFromString("1.5")))
}

func TestBars_SplitsWideRanges(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"data": {"getBars": {"t": [], "c": []}}}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", slog.Default())
	from := time.Unix(0, 0)
	// Two full point budgets plus one extra bar at 1-minute resolution.
	to := from.Add(time.Duration(2*MaxBarsPerCall+1) * time.Minute)
	_, err := c.Bars(context.Background(), "0xabc:sei-evm", from, to, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestBars_LengthMismatchFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": {"getBars": {"t": [1700000000], "c": []}}}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", slog.Default())
	_, err := c.Bars(context.Background(), "0xabc:sei-evm", time.Unix(0, 0), time.Unix(3600, 0), 60)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "length mismatch")
}
