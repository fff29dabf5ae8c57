// Package inference turns trade events into USD prices for tokens no
// external provider knows, anchored on the known side of each trade.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/dexmeter/price-indexer/internal/cache"
	"github.com/dexmeter/price-indexer/internal/domain/model"
	"github.com/dexmeter/price-indexer/internal/metrics"
	"github.com/dexmeter/price-indexer/internal/pipeline/batcher"
	"github.com/dexmeter/price-indexer/internal/pricing"
	"github.com/dexmeter/price-indexer/internal/store"
)

const (
	defaultWorkers   = 4
	defaultAnchorTTL = time.Minute
)

// TradeEventSource is the upstream event harvester.
type TradeEventSource interface {
	Events(ctx context.Context, fromBlock, toBlock int64, dep model.DeploymentContext) ([]model.TradeEvent, error)
}

// Result summarizes one inference run.
type Result struct {
	StartBlock    int64
	EndBlock      int64
	Processed     int
	PricesUpdated int
}

type Config struct {
	// Workers bounds how many distinct unknown tokens are priced
	// concurrently within a batch. Events sharing a token always run
	// sequentially in event order.
	Workers   int
	AnchorTTL time.Duration
}

type Service struct {
	source      TradeEventSource
	history     store.PriceHistoryRepository
	quotes      store.LatestQuoteRepository
	checkpoints store.CheckpointRepository
	batches     *batcher.Runner
	anchors     *cache.TTL[string, decimal.Decimal]
	workers     int
	logger      *slog.Logger
}

func NewService(
	source TradeEventSource,
	history store.PriceHistoryRepository,
	quotes store.LatestQuoteRepository,
	checkpoints store.CheckpointRepository,
	cfg Config,
	logger *slog.Logger,
) *Service {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	anchorTTL := cfg.AnchorTTL
	if anchorTTL <= 0 {
		anchorTTL = defaultAnchorTTL
	}
	return &Service{
		source:      source,
		history:     history,
		quotes:      quotes,
		checkpoints: checkpoints,
		batches:     batcher.New(checkpoints, logger),
		anchors:     cache.NewTTL[string, decimal.Decimal](anchorTTL),
		workers:     workers,
		logger:      logger.With("component", "inference"),
	}
}

// Run processes all trade events between the deployment's checkpoint and
// targetBlock, inferring and persisting prices for unknown tokens.
func (s *Service) Run(ctx context.Context, targetBlock int64, dep model.DeploymentContext) (Result, error) {
	key := model.PriceInferenceKey(dep.Chain, dep.Exchange)
	logger := s.logger.With("chain", dep.Chain, "exchange", dep.Exchange)
	chainLabel, exchangeLabel := dep.Chain.String(), dep.Exchange.String()

	if len(dep.KnownTokens) == 0 {
		// A deployment without a known-token map has genuinely nothing to
		// infer. Advancing past the range keeps the scheduler loop moving
		// instead of re-requesting the same blocks forever.
		logger.Warn("deployment has no known-token map, skipping range", "target_block", targetBlock)
		if err := s.checkpoints.Advance(ctx, key, targetBlock); err != nil {
			return Result{}, fmt.Errorf("advance checkpoint %s: %w", key, err)
		}
		metrics.CheckpointHeight.WithLabelValues(key).Set(float64(targetBlock))
		return Result{StartBlock: targetBlock, EndBlock: targetBlock}, nil
	}

	var processed, updated int
	start := time.Now()

	startBlock, endBlock, err := s.batches.Run(ctx, key, dep.GenesisBlock, targetBlock, dep.BatchSize, func(ctx context.Context, from, to int64) error {
		events, err := s.source.Events(ctx, from, to, dep)
		if err != nil {
			return fmt.Errorf("fetch events: %w", err)
		}
		wrote, err := s.processBatch(ctx, logger, dep, events)
		processed += len(events)
		updated += wrote
		if err != nil {
			return err
		}
		metrics.InferenceBatchesProcessed.WithLabelValues(chainLabel, exchangeLabel).Inc()
		return nil
	})

	metrics.InferenceBatchLatency.WithLabelValues(chainLabel, exchangeLabel).Observe(time.Since(start).Seconds())
	metrics.InferenceEventsProcessed.WithLabelValues(chainLabel, exchangeLabel).Add(float64(processed))
	metrics.InferencePricesUpdated.WithLabelValues(chainLabel, exchangeLabel).Add(float64(updated))

	if err != nil {
		metrics.InferenceErrors.WithLabelValues(chainLabel, exchangeLabel).Inc()
		return Result{}, err
	}

	logger.Info("inference run completed",
		"start_block", startBlock,
		"end_block", endBlock,
		"processed", processed,
		"prices_updated", updated,
	)
	return Result{
		StartBlock:    startBlock,
		EndBlock:      endBlock,
		Processed:     processed,
		PricesUpdated: updated,
	}, nil
}

type workItem struct {
	ev   model.TradeEvent
	pair pricing.Pair
}

// processBatch partitions a batch's events by unknown-token address and
// prices each partition sequentially in event order. Partitions run
// concurrently: the dedup check compares against "last stored", which is only
// well-defined when writes to one token are ordered.
func (s *Service) processBatch(ctx context.Context, logger *slog.Logger, dep model.DeploymentContext, events []model.TradeEvent) (int, error) {
	chainLabel, exchangeLabel := dep.Chain.String(), dep.Exchange.String()

	var order []string
	groups := make(map[string][]workItem)
	for _, ev := range events {
		source := pricing.NormalizeAddress(ev.SourceToken.Address, dep)
		target := pricing.NormalizeAddress(ev.TargetToken.Address, dep)

		pair := pricing.IdentifyPair(source, target, dep.KnownTokens)
		if pair == nil {
			metrics.InferenceEventsSkipped.WithLabelValues(chainLabel, exchangeLabel, "no_pair").Inc()
			continue
		}
		if _, seen := groups[pair.UnknownAddress]; !seen {
			order = append(order, pair.UnknownAddress)
		}
		groups[pair.UnknownAddress] = append(groups[pair.UnknownAddress], workItem{ev: ev, pair: *pair})
	}

	var updated atomic.Int64
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, token := range order {
		items := groups[token]
		g.Go(func() error {
			for _, item := range items {
				wrote, err := s.processEvent(gCtx, logger, dep, item)
				if err != nil {
					return err
				}
				updated.Add(int64(wrote))
			}
			return nil
		})
	}
	err := g.Wait()
	return int(updated.Load()), err
}

func (s *Service) processEvent(ctx context.Context, logger *slog.Logger, dep model.DeploymentContext, item workItem) (int, error) {
	chainLabel, exchangeLabel := dep.Chain.String(), dep.Exchange.String()

	anchor, ok, err := s.anchorPrice(ctx, item.pair.MappedKnownAddress)
	if err != nil {
		return 0, err
	}
	if !ok {
		// The mainnet anchor may simply not exist yet; nothing to retry.
		metrics.InferenceEventsSkipped.WithLabelValues(chainLabel, exchangeLabel, "no_anchor").Inc()
		return 0, nil
	}

	price, err := pricing.CalculatePrice(anchor, item.ev, item.pair)
	if err != nil {
		if errors.Is(err, pricing.ErrZeroAmount) {
			metrics.InferenceEventsSkipped.WithLabelValues(chainLabel, exchangeLabel, "zero_amount").Inc()
			return 0, nil
		}
		logger.Warn("unpriceable trade event, skipping",
			"tx_hash", item.ev.TxHash,
			"block", item.ev.BlockNumber,
			"error", err,
		)
		metrics.InferenceEventsSkipped.WithLabelValues(chainLabel, exchangeLabel, "bad_amount").Inc()
		return 0, nil
	}

	last, err := s.history.Last(ctx, dep.Chain, item.pair.UnknownAddress)
	if err != nil {
		return 0, err
	}
	if last != nil && last.PriceUSD.Equal(price) {
		metrics.InferenceEventsSkipped.WithLabelValues(chainLabel, exchangeLabel, "duplicate").Inc()
		return 0, nil
	}

	if err := s.writePrice(ctx, dep.Chain, item.pair.UnknownAddress, price, item.ev.Timestamp); err != nil {
		return 0, err
	}
	wrote := 1

	// Both addressing conventions carry the native token's price: the wrapped
	// alias the DEX trades, and the pseudo-address callers query with.
	if dep.NativeAlias != "" && item.pair.UnknownAddress == dep.NativeAlias {
		if err := s.writePrice(ctx, dep.Chain, model.NativePseudoAddress, price, item.ev.Timestamp); err != nil {
			return 0, err
		}
		wrote++
	}
	return wrote, nil
}

func (s *Service) anchorPrice(ctx context.Context, mainnetAddress string) (decimal.Decimal, bool, error) {
	if price, ok := s.anchors.Get(mainnetAddress); ok {
		return price, true, nil
	}
	last, err := s.history.Last(ctx, model.ChainEthereum, mainnetAddress)
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("anchor price for %s: %w", mainnetAddress, err)
	}
	if last == nil {
		return decimal.Decimal{}, false, nil
	}
	s.anchors.Set(mainnetAddress, last.PriceUSD)
	return last.PriceUSD, true, nil
}

func (s *Service) writePrice(ctx context.Context, chain model.Chain, tokenAddress string, price decimal.Decimal, ts time.Time) error {
	if err := s.history.Append(ctx, &model.PricePoint{
		Chain:        chain,
		TokenAddress: tokenAddress,
		PriceUSD:     price,
		Provenance:   model.ProvenanceInference,
		Timestamp:    ts,
	}); err != nil {
		return fmt.Errorf("append price for %s: %w", tokenAddress, err)
	}
	if err := s.quotes.Upsert(ctx, &model.LatestQuote{
		Chain:        chain,
		TokenAddress: tokenAddress,
		PriceUSD:     price,
		Provenance:   model.ProvenanceInference,
		Timestamp:    ts,
	}); err != nil {
		return fmt.Errorf("upsert latest quote for %s: %w", tokenAddress, err)
	}
	return nil
}
