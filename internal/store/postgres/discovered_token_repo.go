package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dexmeter/price-indexer/internal/domain/model"
)

type DiscoveredTokenRepo struct {
	db *DB
}

func NewDiscoveredTokenRepo(db *DB) *DiscoveredTokenRepo {
	return &DiscoveredTokenRepo{db: db}
}

// BulkUpsert inserts tokens in a single multi-VALUES INSERT with
// conflict-ignore on (address, network, created_at), so re-ingesting an
// already-seen token is a no-op. Returns the number of newly inserted rows.
func (r *DiscoveredTokenRepo) BulkUpsert(ctx context.Context, tokens []*model.DiscoveredToken) (int, error) {
	if len(tokens) == 0 {
		return 0, nil
	}

	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	const cols = 6
	args := make([]interface{}, 0, len(tokens)*cols)
	valuesClauses := make([]string, 0, len(tokens))

	for i, t := range tokens {
		base := i * cols
		valuesClauses = append(valuesClauses, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args,
			strings.ToLower(t.Address), t.Network, t.Symbol, t.Name, t.Decimals, t.CreatedAt,
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO discovered_tokens (address, network, symbol, name, decimals, created_at)
		VALUES %s
		ON CONFLICT (address, network, created_at) DO NOTHING
	`, strings.Join(valuesClauses, ", "))

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("bulk upsert discovered tokens: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(inserted), nil
}

func (r *DiscoveredTokenRepo) LatestCreatedAt(ctx context.Context, network string) (*time.Time, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	// max() over zero rows yields NULL rather than ErrNoRows.
	var ts sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT max(created_at)
		FROM discovered_tokens
		WHERE network = $1
	`, network).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("latest discovered created_at: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	return &ts.Time, nil
}
