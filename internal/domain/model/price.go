package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Provenance identifies which pricing source produced a quote.
type Provenance string

const (
	// ProvenanceInference marks prices derived from trade events by the
	// inference pipeline, as opposed to externally sourced quotes.
	ProvenanceInference Provenance = "carbon-price-inference"

	ProvenanceChainProvider Provenance = "chain-provider"
	ProvenanceTokenAPI      Provenance = "token-api"
	ProvenanceBars          Provenance = "analytics-bars"
)

// PricePoint is one append-only price history row.
type PricePoint struct {
	ID           uuid.UUID       `db:"id"`
	Chain        Chain           `db:"chain"`
	TokenAddress string          `db:"token_address"`
	PriceUSD     decimal.Decimal `db:"price_usd"`
	Provenance   Provenance      `db:"provenance"`
	Timestamp    time.Time       `db:"ts"`
	CreatedAt    time.Time       `db:"created_at"`
}

// LatestQuote is the mutable "current price" pointer, one row per
// (chain, token). It is overwritten in place, never appended.
type LatestQuote struct {
	Chain        Chain           `db:"chain"`
	TokenAddress string          `db:"token_address"`
	PriceUSD     decimal.Decimal `db:"price_usd"`
	Provenance   Provenance      `db:"provenance"`
	Timestamp    time.Time       `db:"ts"`
	UpdatedAt    time.Time       `db:"updated_at"`
}
