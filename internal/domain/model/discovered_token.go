package model

import (
	"time"

	"github.com/google/uuid"
)

// DiscoveredToken is a tradable token reported by the analytics provider.
// Rows are append-only with conflict-ignore on (address, network, created_at).
type DiscoveredToken struct {
	ID         uuid.UUID `db:"id"`
	Address    string    `db:"address"`
	Network    string    `db:"network"`
	Symbol     string    `db:"symbol"`
	Name       string    `db:"name"`
	Decimals   int32     `db:"decimals"`
	CreatedAt  time.Time `db:"created_at"`
	IngestedAt time.Time `db:"ingested_at"`
}
