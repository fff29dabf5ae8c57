// Package analytics implements the GraphQL-style analytics provider that
// serves newly-created token metadata and historical OHLC bars.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dexmeter/price-indexer/internal/circuitbreaker"
	"github.com/dexmeter/price-indexer/internal/metrics"
	"github.com/dexmeter/price-indexer/internal/provider/ratelimit"
)

const providerName = "analytics"

const (
	// MaxPageSize is the largest page the provider returns per call.
	MaxPageSize = 200
	// OffsetCap is the provider's hard limit on offset-based pagination
	// inside one filtered query.
	OffsetCap = 9800
	// MaxBarsPerCall bounds how many OHLC points one bars query may return.
	MaxBarsPerCall = 1499
)

// ErrPaginationCap signals that a query's offset pagination ran past
// OffsetCap. Callers recover by narrowing the time filter, not by retrying.
var ErrPaginationCap = errors.New("analytics: pagination offset cap exceeded")

// TokenCreation is one newly-created token reported by the provider.
type TokenCreation struct {
	Address   string
	Network   string
	Symbol    string
	Name      string
	Decimals  int32
	CreatedAt time.Time
}

// Bar is one OHLC point; only the close is consumed here.
type Bar struct {
	Timestamp time.Time
	Close     decimal.Decimal
}

type Client struct {
	httpClient *http.Client
	endpoint   string
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

func NewClient(endpoint, apiKey string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		endpoint:   endpoint,
		apiKey:     apiKey,
		logger:     logger.With("component", "analytics"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

const tokenCreationsQuery = `
query TokenCreations($network: String!, $from: Int!, $to: Int!, $limit: Int!, $offset: Int!) {
  filterTokens(
    filters: { network: $network, createdAt: { gte: $from, lte: $to } }
    rankings: { attribute: createdAt, direction: ASC }
    limit: $limit
    offset: $offset
  ) {
    results {
      token { address symbol name decimals networkId createdAt }
    }
  }
}`

// TokenCreations returns tokens created within [from, to] on the network,
// ordered by creation time, one page at a time. A request whose offset would
// run past OffsetCap fails with ErrPaginationCap without calling out.
func (c *Client) TokenCreations(ctx context.Context, network string, from, to time.Time, limit, offset int) ([]TokenCreation, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset+limit > OffsetCap {
		return nil, ErrPaginationCap
	}

	var payload struct {
		FilterTokens struct {
			Results []struct {
				Token struct {
					Address   string `json:"address"`
					Symbol    string `json:"symbol"`
					Name      string `json:"name"`
					Decimals  int32  `json:"decimals"`
					NetworkID string `json:"networkId"`
					CreatedAt int64  `json:"createdAt"`
				} `json:"token"`
			} `json:"results"`
		} `json:"filterTokens"`
	}

	err := c.query(ctx, "token_creations", tokenCreationsQuery, map[string]interface{}{
		"network": network,
		"from":    from.Unix(),
		"to":      to.Unix(),
		"limit":   limit,
		"offset":  offset,
	}, &payload)
	if err != nil {
		return nil, err
	}

	tokens := make([]TokenCreation, 0, len(payload.FilterTokens.Results))
	for _, r := range payload.FilterTokens.Results {
		tokens = append(tokens, TokenCreation{
			Address:   strings.ToLower(r.Token.Address),
			Network:   network,
			Symbol:    r.Token.Symbol,
			Name:      r.Token.Name,
			Decimals:  r.Token.Decimals,
			CreatedAt: time.Unix(r.Token.CreatedAt, 0).UTC(),
		})
	}
	return tokens, nil
}

const barsQuery = `
query Bars($symbol: String!, $from: Int!, $to: Int!, $resolution: String!) {
  getBars(symbol: $symbol, from: $from, to: $to, resolution: $resolution, quoteToken: token1) {
    t
    c
  }
}`

// Bars returns close prices for the symbol over [from, to] at the given
// resolution in minutes. Ranges wider than one call's point budget are split
// into sequential calls and merged in time order.
func (c *Client) Bars(ctx context.Context, symbol string, from, to time.Time, resolutionMinutes int) ([]Bar, error) {
	if resolutionMinutes <= 0 {
		resolutionMinutes = 60
	}
	span := time.Duration(resolutionMinutes) * time.Minute * MaxBarsPerCall

	var bars []Bar
	for start := from; start.Before(to); start = start.Add(span) {
		end := start.Add(span)
		if end.After(to) {
			end = to
		}
		chunk, err := c.barsChunk(ctx, symbol, start, end, resolutionMinutes)
		if err != nil {
			return nil, err
		}
		bars = append(bars, chunk...)
	}
	return bars, nil
}

func (c *Client) barsChunk(ctx context.Context, symbol string, from, to time.Time, resolutionMinutes int) ([]Bar, error) {
	var payload struct {
		GetBars struct {
			T []int64           `json:"t"`
			C []decimal.Decimal `json:"c"`
		} `json:"getBars"`
	}

	err := c.query(ctx, "bars", barsQuery, map[string]interface{}{
		"symbol":     symbol,
		"from":       from.Unix(),
		"to":         to.Unix(),
		"resolution": fmt.Sprintf("%d", resolutionMinutes),
	}, &payload)
	if err != nil {
		return nil, err
	}

	if len(payload.GetBars.T) != len(payload.GetBars.C) {
		return nil, fmt.Errorf("analytics: bars series length mismatch: %d timestamps, %d closes",
			len(payload.GetBars.T), len(payload.GetBars.C))
	}

	bars := make([]Bar, 0, len(payload.GetBars.T))
	for i, ts := range payload.GetBars.T {
		if payload.GetBars.C[i].IsZero() {
			continue
		}
		bars = append(bars, Bar{
			Timestamp: time.Unix(ts, 0).UTC(),
			Close:     payload.GetBars.C[i],
		})
	}
	return bars, nil
}

func (c *Client) query(ctx context.Context, method, query string, variables map[string]interface{}, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	start := time.Now()
	fn := func(ctx context.Context) error {
		return c.post(ctx, query, variables, out)
	}
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

func (c *Client) post(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(map[string]interface{}{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("analytics: http status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if len(envelope.Errors) > 0 {
		msg := envelope.Errors[0].Message
		if strings.Contains(strings.ToLower(msg), "offset") {
			return ErrPaginationCap
		}
		return fmt.Errorf("analytics: graphql error: %s", msg)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
