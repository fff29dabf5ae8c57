// Package discovery ingests newly-created token metadata from the analytics
// provider into the local token registry. It walks forward from a per-network
// watermark in time windows, shrinking the window whenever the provider's
// offset-pagination cap is hit so a burst of token creations cannot wedge the
// ingestor.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dexmeter/price-indexer/internal/domain/model"
	"github.com/dexmeter/price-indexer/internal/metrics"
	"github.com/dexmeter/price-indexer/internal/pipeline/retry"
	"github.com/dexmeter/price-indexer/internal/provider/analytics"
	"github.com/dexmeter/price-indexer/internal/store"
)

const (
	initialWindow = 30 * 24 * time.Hour
	// minWindow is the smallest time window the cap recovery will shrink to.
	minWindow = 24 * time.Hour
	// watermarkLag re-reads the last day on every run to absorb provider
	// write lag around the stored high-water mark.
	watermarkLag = 24 * time.Hour
	pageSize     = analytics.MaxPageSize
)

// defaultStart is where ingestion begins for a network with no stored tokens.
var defaultStart = time.Date(2015, 7, 30, 0, 0, 0, 0, time.UTC)

// TokenSource is the provider-side slice of the analytics client used here.
type TokenSource interface {
	TokenCreations(ctx context.Context, network string, from, to time.Time, limit, offset int) ([]analytics.TokenCreation, error)
}

type Ingestor struct {
	source      TokenSource
	tokens      store.DiscoveredTokenRepository
	checkpoints store.CheckpointRepository
	retryPolicy retry.Policy
	logger      *slog.Logger
	nowFn       func() time.Time
}

func NewIngestor(source TokenSource, tokens store.DiscoveredTokenRepository, checkpoints store.CheckpointRepository, retryPolicy retry.Policy, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		source:      source,
		tokens:      tokens,
		checkpoints: checkpoints,
		retryPolicy: retryPolicy,
		logger:      logger.With("component", "discovery"),
		nowFn:       time.Now,
	}
}

// Run ingests all token creations on the network from the watermark up to
// now. Windows that trip the provider's pagination cap are retried with half
// the span from the same start, never shrinking below minWindow; once a
// window succeeds the span grows back toward the initial 30 days.
func (i *Ingestor) Run(ctx context.Context, network string) error {
	started := time.Now()
	logger := i.logger.With("network", network)

	start, err := i.watermark(ctx, network)
	if err != nil {
		metrics.DiscoveryRunErrors.WithLabelValues(network).Inc()
		return err
	}

	now := i.nowFn().UTC()
	window := initialWindow
	total := 0
	for start.Before(now) {
		end := start.Add(window)
		if end.After(now) {
			end = now
		}

		ingested, err := i.ingestWindow(ctx, network, start, end)
		total += ingested
		switch {
		case errors.Is(err, analytics.ErrPaginationCap):
			if window > minWindow {
				window /= 2
				if window < minWindow {
					window = minWindow
				}
				metrics.DiscoveryWindowHalvings.WithLabelValues(network).Inc()
				logger.Debug("pagination cap hit, narrowing window",
					"from", start, "window", window.String())
				continue
			}
			// Even a day-sized window overflows the cap. Advancing past it
			// with whatever the first pages held beats stalling the network
			// forever; the dropped tail surfaces here.
			logger.Warn("pagination cap hit at minimum window, advancing past partial window",
				"from", start, "to", end)
		case err != nil:
			metrics.DiscoveryRunErrors.WithLabelValues(network).Inc()
			return fmt.Errorf("discovery %s [%s, %s]: %w", network, start.Format(time.RFC3339), end.Format(time.RFC3339), err)
		}

		start = end
		if err := i.checkpoints.Advance(ctx, model.DiscoveryKey(network), end.Unix()); err != nil {
			metrics.DiscoveryRunErrors.WithLabelValues(network).Inc()
			return fmt.Errorf("advance discovery checkpoint: %w", err)
		}
		metrics.CheckpointHeight.WithLabelValues(model.DiscoveryKey(network)).Set(float64(end.Unix()))

		if window < initialWindow {
			window *= 2
			if window > initialWindow {
				window = initialWindow
			}
		}
	}

	metrics.DiscoveryRunLatency.WithLabelValues(network).Observe(time.Since(started).Seconds())
	logger.Info("discovery run complete", "tokens_ingested", total, "duration", time.Since(started).String())
	return nil
}

// watermark computes the resume point: one day behind the newest stored
// creation timestamp, or the fixed default for an empty network.
func (i *Ingestor) watermark(ctx context.Context, network string) (time.Time, error) {
	latest, err := i.tokens.LatestCreatedAt(ctx, network)
	if err != nil {
		return time.Time{}, fmt.Errorf("discovery watermark: %w", err)
	}
	if latest == nil {
		return defaultStart, nil
	}
	return latest.Add(-watermarkLag).UTC(), nil
}

// ingestWindow paginates one [from, to] window until a short page, storing
// each page as it arrives. Re-ingesting pages already stored by a previous
// attempt of the same window is a no-op by the registry's conflict-ignore.
func (i *Ingestor) ingestWindow(ctx context.Context, network string, from, to time.Time) (int, error) {
	total := 0
	for offset := 0; ; offset += pageSize {
		var page []analytics.TokenCreation
		op := fmt.Sprintf("discovery page %s offset=%d", network, offset)
		err := retry.Do(ctx, i.logger, i.retryPolicy, op, func(ctx context.Context) error {
			var err error
			page, err = i.source.TokenCreations(ctx, network, from, to, pageSize, offset)
			if errors.Is(err, analytics.ErrPaginationCap) {
				// Recovered by narrowing the window, never by retrying.
				return retry.Terminal(err)
			}
			return err
		})
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			return total, nil
		}

		tokens := make([]*model.DiscoveredToken, 0, len(page))
		for _, tc := range page {
			tokens = append(tokens, &model.DiscoveredToken{
				Address:   tc.Address,
				Network:   tc.Network,
				Symbol:    tc.Symbol,
				Name:      tc.Name,
				Decimals:  tc.Decimals,
				CreatedAt: tc.CreatedAt,
			})
		}
		inserted, err := i.tokens.BulkUpsert(ctx, tokens)
		if err != nil {
			return total, err
		}
		total += inserted
		metrics.DiscoveryTokensIngested.WithLabelValues(network).Add(float64(inserted))

		if len(page) < pageSize {
			return total, nil
		}
	}
}
