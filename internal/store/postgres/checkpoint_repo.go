package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dexmeter/price-indexer/internal/domain/model"
)

type CheckpointRepo struct {
	db *DB
}

func NewCheckpointRepo(db *DB) *CheckpointRepo {
	return &CheckpointRepo{db: db}
}

func (r *CheckpointRepo) Get(ctx context.Context, key string) (*model.Checkpoint, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var c model.Checkpoint
	err := r.db.QueryRowContext(ctx, `
		SELECT task_key, height, updated_at
		FROM checkpoints
		WHERE task_key = $1
	`, key).Scan(&c.TaskKey, &c.Height, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &c, nil
}

func (r *CheckpointRepo) Advance(ctx context.Context, key string, height int64) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO checkpoints (task_key, height)
		VALUES ($1, $2)
		ON CONFLICT (task_key) DO UPDATE SET
			height = EXCLUDED.height,
			updated_at = now()
	`, key, height)
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return nil
}
