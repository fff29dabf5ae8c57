// Package chainprice implements the chain-specific price provider used as the
// second tier of quote resolution. Only a subset of chains is wired; Supports
// reports whether a chain has a provider-side network.
package chainprice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dexmeter/price-indexer/internal/circuitbreaker"
	"github.com/dexmeter/price-indexer/internal/domain/model"
	"github.com/dexmeter/price-indexer/internal/metrics"
	"github.com/dexmeter/price-indexer/internal/provider/ratelimit"
)

const providerName = "chain-provider"

// networkByChain lists the chains the provider serves and their provider-side
// network slugs.
var networkByChain = map[model.Chain]string{
	model.ChainSei:    "sei-evm",
	model.ChainCelo:   "celo",
	model.ChainBlast:  "blast",
	model.ChainMantle: "mantle",
}

// Quote is one provider price answer.
type Quote struct {
	Address   string
	USD       decimal.Decimal
	Timestamp time.Time
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
	limiter    *ratelimit.Limiter
	breaker    *circuitbreaker.Breaker
}

type Option func(*Client)

func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

func NewClient(baseURL, apiKey string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		logger:     logger.With("component", "chain_price"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Supports reports whether the provider serves prices for the chain.
func (c *Client) Supports(chain model.Chain) bool {
	_, ok := networkByChain[chain]
	return ok
}

// TokenPrice returns the provider's current USD price for one token, or nil
// when the provider does not know the token.
func (c *Client) TokenPrice(ctx context.Context, chain model.Chain, address string) (*Quote, error) {
	network, ok := networkByChain[chain]
	if !ok {
		return nil, nil
	}

	var quote *Quote
	err := c.guarded(ctx, "token_price", func(ctx context.Context) error {
		endpoint := fmt.Sprintf("%s/v2/price/%s/%s", c.baseURL, url.PathEscape(network), url.PathEscape(strings.ToLower(address)))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("x-api-key", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("chain provider: http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var payload struct {
			Address   string          `json:"address"`
			USD       decimal.Decimal `json:"usd"`
			Timestamp int64           `json:"timestamp"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		if payload.USD.IsZero() {
			return nil
		}
		quote = &Quote{
			Address:   strings.ToLower(payload.Address),
			USD:       payload.USD,
			Timestamp: time.Unix(payload.Timestamp, 0).UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return quote, nil
}

func (c *Client) guarded(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	start := time.Now()
	call := fn
	if c.breaker != nil {
		call = func(ctx context.Context) error { return c.breaker.Execute(ctx, fn) }
	}
	err := call(ctx)

	metrics.ProviderCallLatency.WithLabelValues(providerName, method).Observe(time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ProviderCallsTotal.WithLabelValues(providerName, method, status).Inc()
	return err
}
