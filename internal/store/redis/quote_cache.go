package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dexmeter/price-indexer/internal/domain/model"
)

// QuoteCache is a best-effort read-through cache in front of the
// latest_quotes table. Misses and cache errors both fall through to postgres.
type QuoteCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewQuoteCache(url string, ttl time.Duration, logger *slog.Logger) (*QuoteCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &QuoteCache{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "quote_cache"),
	}, nil
}

func (c *QuoteCache) Close() error {
	return c.client.Close()
}

func quoteKey(chain model.Chain, tokenAddress string) string {
	return fmt.Sprintf("quote:%s:%s", chain, tokenAddress)
}

func (c *QuoteCache) Get(ctx context.Context, chain model.Chain, tokenAddress string) (*model.LatestQuote, bool) {
	raw, err := c.client.Get(ctx, quoteKey(chain, tokenAddress)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("cache get failed", "chain", chain, "token", tokenAddress, "error", err)
		return nil, false
	}

	var q model.LatestQuote
	if err := json.Unmarshal(raw, &q); err != nil {
		c.logger.Warn("cache decode failed", "chain", chain, "token", tokenAddress, "error", err)
		return nil, false
	}
	return &q, true
}

func (c *QuoteCache) Set(ctx context.Context, q *model.LatestQuote) {
	raw, err := json.Marshal(q)
	if err != nil {
		c.logger.Warn("cache encode failed", "chain", q.Chain, "token", q.TokenAddress, "error", err)
		return
	}
	if err := c.client.Set(ctx, quoteKey(q.Chain, q.TokenAddress), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", "chain", q.Chain, "token", q.TokenAddress, "error", err)
	}
}
