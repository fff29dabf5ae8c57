package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dexmeter/price-indexer/internal/domain/model"
)

type PriceHistoryRepo struct {
	db *DB
}

func NewPriceHistoryRepo(db *DB) *PriceHistoryRepo {
	return &PriceHistoryRepo{db: db}
}

// Append inserts one price history row. The unique constraint on
// (chain, token_address, ts) makes batch replays after a crash no-ops.
func (r *PriceHistoryRepo) Append(ctx context.Context, p *model.PricePoint) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO price_points (chain, token_address, price_usd, provenance, ts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chain, token_address, ts) DO NOTHING
	`, p.Chain, p.TokenAddress, p.PriceUSD, p.Provenance, p.Timestamp)
	if err != nil {
		return fmt.Errorf("append price point: %w", err)
	}
	return nil
}

func (r *PriceHistoryRepo) Last(ctx context.Context, chain model.Chain, tokenAddress string) (*model.PricePoint, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var p model.PricePoint
	err := r.db.QueryRowContext(ctx, `
		SELECT id, chain, token_address, price_usd, provenance, ts, created_at
		FROM price_points
		WHERE chain = $1 AND token_address = $2
		ORDER BY ts DESC
		LIMIT 1
	`, chain, tokenAddress).Scan(
		&p.ID, &p.Chain, &p.TokenAddress, &p.PriceUSD, &p.Provenance, &p.Timestamp, &p.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last price point: %w", err)
	}
	return &p, nil
}

func (r *PriceHistoryRepo) Range(ctx context.Context, chain model.Chain, tokenAddress string, from, to time.Time) ([]model.PricePoint, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, chain, token_address, price_usd, provenance, ts, created_at
		FROM price_points
		WHERE chain = $1 AND token_address = $2 AND ts >= $3 AND ts <= $4
		ORDER BY ts ASC
	`, chain, tokenAddress, from, to)
	if err != nil {
		return nil, fmt.Errorf("range price points: %w", err)
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var p model.PricePoint
		if err := rows.Scan(&p.ID, &p.Chain, &p.TokenAddress, &p.PriceUSD, &p.Provenance, &p.Timestamp, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan price point: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price points: %w", err)
	}
	return points, nil
}
