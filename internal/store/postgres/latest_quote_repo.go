package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dexmeter/price-indexer/internal/domain/model"
)

type LatestQuoteRepo struct {
	db *DB
}

func NewLatestQuoteRepo(db *DB) *LatestQuoteRepo {
	return &LatestQuoteRepo{db: db}
}

func (r *LatestQuoteRepo) Get(ctx context.Context, chain model.Chain, tokenAddress string) (*model.LatestQuote, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var q model.LatestQuote
	err := r.db.QueryRowContext(ctx, `
		SELECT chain, token_address, price_usd, provenance, ts, updated_at
		FROM latest_quotes
		WHERE chain = $1 AND token_address = $2
	`, chain, tokenAddress).Scan(
		&q.Chain, &q.TokenAddress, &q.PriceUSD, &q.Provenance, &q.Timestamp, &q.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest quote: %w", err)
	}
	return &q, nil
}

// Upsert overwrites the latest-quote pointer for (chain, token); the row is a
// pointer, not a history.
func (r *LatestQuoteRepo) Upsert(ctx context.Context, q *model.LatestQuote) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO latest_quotes (chain, token_address, price_usd, provenance, ts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chain, token_address) DO UPDATE SET
			price_usd = EXCLUDED.price_usd,
			provenance = EXCLUDED.provenance,
			ts = EXCLUDED.ts,
			updated_at = now()
	`, q.Chain, q.TokenAddress, q.PriceUSD, q.Provenance, q.Timestamp)
	if err != nil {
		return fmt.Errorf("upsert latest quote: %w", err)
	}
	return nil
}
