package store

import (
	"context"
	"time"

	"github.com/dexmeter/price-indexer/internal/domain/model"
)

// PriceHistoryRepository provides access to the append-only price history.
type PriceHistoryRepository interface {
	// Append inserts one history row. Re-inserting the same
	// (chain, token, timestamp) is a no-op, keeping batch replays idempotent.
	Append(ctx context.Context, p *model.PricePoint) error
	// Last returns the most recent history row for a token, or nil.
	Last(ctx context.Context, chain model.Chain, tokenAddress string) (*model.PricePoint, error)
	// Range returns history rows within [from, to] in ascending timestamp order.
	Range(ctx context.Context, chain model.Chain, tokenAddress string, from, to time.Time) ([]model.PricePoint, error)
}

// LatestQuoteRepository provides access to the per-token latest-price pointer.
type LatestQuoteRepository interface {
	Get(ctx context.Context, chain model.Chain, tokenAddress string) (*model.LatestQuote, error)
	Upsert(ctx context.Context, q *model.LatestQuote) error
}

// CheckpointRepository provides access to incremental task resume points.
type CheckpointRepository interface {
	// Get returns the checkpoint for key, or nil when the task has never run.
	Get(ctx context.Context, key string) (*model.Checkpoint, error)
	Advance(ctx context.Context, key string, height int64) error
}

// DiscoveredTokenRepository provides access to discovered token metadata.
type DiscoveredTokenRepository interface {
	// BulkUpsert inserts tokens with conflict-ignore semantics on
	// (address, network, created_at) and reports how many were new.
	BulkUpsert(ctx context.Context, tokens []*model.DiscoveredToken) (int, error)
	// LatestCreatedAt returns the newest stored creation timestamp for a
	// network, or nil when nothing has been discovered yet.
	LatestCreatedAt(ctx context.Context, network string) (*time.Time, error)
}
