// Package batcher drives incremental range processing: it splits the span
// between the last checkpoint and a target height into bounded sub-ranges and
// advances the checkpoint only after a sub-range is fully processed. A crash
// mid-batch reprocesses at most one batch, so batch bodies must be idempotent.
package batcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dexmeter/price-indexer/internal/metrics"
	"github.com/dexmeter/price-indexer/internal/store"
)

type Runner struct {
	checkpoints store.CheckpointRepository
	logger      *slog.Logger
}

func New(checkpoints store.CheckpointRepository, logger *slog.Logger) *Runner {
	return &Runner{
		checkpoints: checkpoints,
		logger:      logger.With("component", "batcher"),
	}
}

// BatchFn processes one inclusive block range. Returning an error aborts the
// run before the checkpoint advances past the failed range.
type BatchFn func(ctx context.Context, fromBlock, toBlock int64) error

// Run processes [checkpoint+1, target] (or [genesis, target] on first run) in
// sub-ranges of at most batchSize blocks. It returns the first and last block
// of the span it attempted; when the checkpoint is already at or past target,
// both reflect the empty span and fn is never called.
func (r *Runner) Run(ctx context.Context, key string, genesis, target, batchSize int64, fn BatchFn) (startBlock, endBlock int64, err error) {
	if batchSize <= 0 {
		return 0, 0, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	cp, err := r.checkpoints.Get(ctx, key)
	if err != nil {
		return 0, 0, fmt.Errorf("read checkpoint %s: %w", key, err)
	}

	start := genesis
	if cp != nil {
		start = cp.Height + 1
	}
	if start > target {
		return start, target, nil
	}

	for cursor := start; cursor <= target; {
		if err := ctx.Err(); err != nil {
			return start, cursor - 1, err
		}

		batchEnd := cursor + batchSize - 1
		if batchEnd > target {
			batchEnd = target
		}

		if err := fn(ctx, cursor, batchEnd); err != nil {
			return start, batchEnd, fmt.Errorf("process range [%d, %d]: %w", cursor, batchEnd, err)
		}
		if err := r.checkpoints.Advance(ctx, key, batchEnd); err != nil {
			return start, batchEnd, fmt.Errorf("advance checkpoint %s to %d: %w", key, batchEnd, err)
		}
		metrics.CheckpointHeight.WithLabelValues(key).Set(float64(batchEnd))
		r.logger.Debug("batch checkpointed", "task", key, "from", cursor, "to", batchEnd)

		cursor = batchEnd + 1
	}
	return start, target, nil
}
