// Package quote serves "current price" queries through a strict fallback
// chain: recent stored quote, chain-specific provider, generic multi-chain
// API, then the token's Ethereum-mainnet equivalent.
package quote

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/dexmeter/price-indexer/internal/domain/model"
	"github.com/dexmeter/price-indexer/internal/metrics"
	"github.com/dexmeter/price-indexer/internal/pipeline/retry"
	"github.com/dexmeter/price-indexer/internal/provider/analytics"
	"github.com/dexmeter/price-indexer/internal/provider/chainprice"
	"github.com/dexmeter/price-indexer/internal/store"
)

const (
	defaultMaxAge         = 15 * time.Minute
	defaultBarsResolution = 60
	// backfillConcurrency bounds in-flight bars requests across tokens.
	backfillConcurrency = 5
)

// ChainPriceProvider is the chain-specific second tier.
type ChainPriceProvider interface {
	Supports(chain model.Chain) bool
	TokenPrice(ctx context.Context, chain model.Chain, address string) (*chainprice.Quote, error)
}

// TokenPriceProvider is the generic multi-chain third tier.
type TokenPriceProvider interface {
	Prices(ctx context.Context, chainSlug string, addresses []string) (map[string]decimal.Decimal, error)
}

// BarsProvider serves historical close prices for backfill.
type BarsProvider interface {
	Bars(ctx context.Context, symbol string, from, to time.Time, resolutionMinutes int) ([]analytics.Bar, error)
}

// Cache is the optional hot-path cache in front of the latest-quote store.
type Cache interface {
	Get(ctx context.Context, chain model.Chain, tokenAddress string) (*model.LatestQuote, bool)
	Set(ctx context.Context, q *model.LatestQuote)
}

type Config struct {
	// MaxAge is how recent a stored quote must be to short-circuit the
	// external tiers.
	MaxAge                time.Duration
	BarsResolutionMinutes int
	Retry                 retry.Policy
}

type Resolver struct {
	quotes      store.LatestQuoteRepository
	history     store.PriceHistoryRepository
	cache       Cache
	chainPrice  ChainPriceProvider
	tokenAPI    TokenPriceProvider
	bars        BarsProvider
	deployments map[model.Chain]model.DeploymentContext
	maxAge      time.Duration
	barsRes     int
	retryPolicy retry.Policy
	logger      *slog.Logger
	nowFn       func() time.Time
}

func NewResolver(
	quotes store.LatestQuoteRepository,
	history store.PriceHistoryRepository,
	cache Cache,
	chainPrice ChainPriceProvider,
	tokenAPI TokenPriceProvider,
	bars BarsProvider,
	deployments []model.DeploymentContext,
	cfg Config,
	logger *slog.Logger,
) *Resolver {
	byChain := make(map[model.Chain]model.DeploymentContext, len(deployments))
	for _, dep := range deployments {
		byChain[dep.Chain] = dep
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	barsRes := cfg.BarsResolutionMinutes
	if barsRes <= 0 {
		barsRes = defaultBarsResolution
	}
	return &Resolver{
		quotes:      quotes,
		history:     history,
		cache:       cache,
		chainPrice:  chainPrice,
		tokenAPI:    tokenAPI,
		bars:        bars,
		deployments: byChain,
		maxAge:      maxAge,
		barsRes:     barsRes,
		retryPolicy: cfg.Retry,
		logger:      logger.With("component", "quote_resolver"),
		nowFn:       time.Now,
	}
}

// Latest resolves the current USD quote for a token, or (nil, nil) when no
// tier can answer. The returned quote carries the provenance of whichever
// tier produced it; callers never need to know which one.
func (r *Resolver) Latest(ctx context.Context, chain model.Chain, tokenAddress string) (*model.LatestQuote, error) {
	return r.resolve(ctx, chain, strings.ToLower(tokenAddress), 0)
}

func (r *Resolver) resolve(ctx context.Context, chain model.Chain, token string, depth int) (*model.LatestQuote, error) {
	// Tier 1: a sufficiently recent stored quote short-circuits all
	// external calls.
	if r.cache != nil {
		if q, ok := r.cache.Get(ctx, chain, token); ok && r.fresh(q) {
			metrics.QuoteResolutions.WithLabelValues(chain.String(), "cache").Inc()
			return q, nil
		}
	}
	stored, err := r.quotes.Get(ctx, chain, token)
	if err != nil {
		return nil, fmt.Errorf("stored quote: %w", err)
	}
	if stored != nil && r.fresh(stored) {
		if r.cache != nil {
			r.cache.Set(ctx, stored)
		}
		metrics.QuoteResolutions.WithLabelValues(chain.String(), "store").Inc()
		return stored, nil
	}

	// Tier 2: chain-specific provider, wired for a subset of chains only.
	// Provider failures fall through to the next tier.
	if r.chainPrice != nil && r.chainPrice.Supports(chain) {
		cq, err := r.chainPrice.TokenPrice(ctx, chain, token)
		if err != nil {
			r.logger.Warn("chain provider lookup failed", "chain", chain, "token", token, "error", err)
		} else if cq != nil {
			return r.persist(ctx, chain, token, cq.USD, model.ProvenanceChainProvider, cq.Timestamp, "chain_provider")
		}
	}

	// Tier 3: generic multi-chain price API.
	if r.tokenAPI != nil {
		prices, err := r.tokenAPI.Prices(ctx, chain.String(), []string{token})
		if err != nil {
			r.logger.Warn("token api lookup failed", "chain", chain, "token", token, "error", err)
		} else if usd, ok := prices[token]; ok {
			return r.persist(ctx, chain, token, usd, model.ProvenanceTokenAPI, r.nowFn().UTC(), "token_api")
		}
	}

	// Tier 4: fall back to the Ethereum-mainnet equivalent, one level deep.
	if depth == 0 {
		if dep, ok := r.deployments[chain]; ok {
			if mapped, ok := dep.MainnetEquivalent(token); ok {
				mq, err := r.resolve(ctx, model.ChainEthereum, mapped, depth+1)
				if err != nil {
					return nil, err
				}
				if mq != nil {
					metrics.QuoteResolutions.WithLabelValues(chain.String(), "mainnet_equivalent").Inc()
					return mq, nil
				}
			}
		}
	}

	metrics.QuoteResolutionMisses.WithLabelValues(chain.String()).Inc()
	return nil, nil
}

func (r *Resolver) fresh(q *model.LatestQuote) bool {
	return r.nowFn().Sub(q.Timestamp) <= r.maxAge
}

func (r *Resolver) persist(ctx context.Context, chain model.Chain, token string, usd decimal.Decimal, provenance model.Provenance, ts time.Time, tier string) (*model.LatestQuote, error) {
	q := &model.LatestQuote{
		Chain:        chain,
		TokenAddress: token,
		PriceUSD:     usd,
		Provenance:   provenance,
		Timestamp:    ts,
	}

	// Serving the quote matters more than recording it; persistence here is
	// best-effort, unlike in the inference pipeline.
	if err := r.quotes.Upsert(ctx, q); err != nil {
		r.logger.Warn("persist latest quote failed", "chain", chain, "token", token, "error", err)
	}
	if err := r.history.Append(ctx, &model.PricePoint{
		Chain:        chain,
		TokenAddress: token,
		PriceUSD:     usd,
		Provenance:   provenance,
		Timestamp:    ts,
	}); err != nil {
		r.logger.Warn("persist price point failed", "chain", chain, "token", token, "error", err)
	}
	if r.cache != nil {
		r.cache.Set(ctx, q)
	}

	metrics.QuoteResolutions.WithLabelValues(chain.String(), tier).Inc()
	return q, nil
}

// Backfill fills price history for multiple tokens from the analytics bars
// API, overlapping provider latency with a bounded number of in-flight
// requests. Rows land with conflict-ignore, so overlapping ranges are safe.
func (r *Resolver) Backfill(ctx context.Context, chain model.Chain, tokenAddresses []string, from, to time.Time) error {
	if r.bars == nil {
		return fmt.Errorf("backfill: no bars provider configured")
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(backfillConcurrency)
	for _, addr := range tokenAddresses {
		token := strings.ToLower(addr)
		g.Go(func() error {
			symbol := fmt.Sprintf("%s:%s", token, chain)

			var bars []analytics.Bar
			err := retry.Do(gCtx, r.logger, r.retryPolicy, "fetch bars "+symbol, func(ctx context.Context) error {
				var err error
				bars, err = r.bars.Bars(ctx, symbol, from, to, r.barsRes)
				return err
			})
			if err != nil {
				return fmt.Errorf("backfill %s: %w", symbol, err)
			}

			for _, bar := range bars {
				if err := r.history.Append(gCtx, &model.PricePoint{
					Chain:        chain,
					TokenAddress: token,
					PriceUSD:     bar.Close,
					Provenance:   model.ProvenanceBars,
					Timestamp:    bar.Timestamp,
				}); err != nil {
					return fmt.Errorf("backfill %s: append: %w", symbol, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}
