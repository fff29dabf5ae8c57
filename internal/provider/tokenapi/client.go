// Package tokenapi implements the generic multi-chain token price API used as
// the third tier of quote resolution. The provider accepts at most 150
// contract addresses per call; Prices chunks transparently.
package tokenapi

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
	"github.com/dexmeter/price-indexer/internal/metrics"
	"github.com/dexmeter/price-indexer/internal/provider/ratelimit"
)

const providerName = "token-api"

// MaxAddressesPerCall is the provider's hard limit on batch size.
const MaxAddressesPerCall = 150

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
		logger:     logger.With("component", "token_api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Prices returns USD prices keyed by lowercase contract address. Addresses
// the provider does not know are absent from the result, not an error.
func (c *Client) Prices(ctx context.Context, chainSlug string, addresses []string) (map[string]decimal.Decimal, error) {
	result := make(map[string]decimal.Decimal, len(addresses))
	for start := 0; start < len(addresses); start += MaxAddressesPerCall {
		end := start + MaxAddressesPerCall
		if end > len(addresses) {
			end = len(addresses)
		}
		chunk, err := c.pricesChunk(ctx, chainSlug, addresses[start:end])
		if err != nil {
			return nil, err
		}
		for addr, price := range chunk {
			result[addr] = price
		}
	}
	return result, nil
}

func (c *Client) pricesChunk(ctx context.Context, chainSlug string, addresses []string) (map[string]decimal.Decimal, error) {
	var out map[string]decimal.Decimal
	err := c.guarded(ctx, "prices", func(ctx context.Context) error {
		q := url.Values{}
		q.Set("contract_addresses", strings.Join(addresses, ","))
		q.Set("vs_currencies", "usd")
		endpoint := fmt.Sprintf("%s/simple/token_price/%s?%s", c.baseURL, url.PathEscape(chainSlug), q.Encode())

		body, err := c.get(ctx, endpoint)
		if err != nil {
			return err
		}

		var payload map[string]struct {
			USD decimal.Decimal `json:"usd"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}

		out = make(map[string]decimal.Decimal, len(payload))
		for addr, entry := range payload {
			if entry.USD.IsZero() {
				continue
			}
			out[strings.ToLower(addr)] = entry.USD
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
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

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token api: http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
