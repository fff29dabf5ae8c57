package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dexmeter/price-indexer/internal/domain/model"
)

// pricePrecision bounds the decimal places kept when dividing. On-chain
// amounts exceed 53-bit float precision, so all arithmetic stays in
// arbitrary-precision decimals; a fixed division precision keeps results
// reproducible across replays, which the dedup check depends on.
const pricePrecision = 64

// ErrZeroAmount is returned when a trade amount on the divisor side is zero.
var ErrZeroAmount = errors.New("pricing: trade amount is zero")

// CalculatePrice derives the unknown token's USD price from a trade against a
// known token. Both amounts are normalized by their own token's decimals
// before the trade rate is formed.
func CalculatePrice(knownUSD decimal.Decimal, ev model.TradeEvent, pair Pair) (decimal.Decimal, error) {
	source, err := decimal.NewFromString(ev.SourceAmount)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse source amount %q: %w", ev.SourceAmount, err)
	}
	target, err := decimal.NewFromString(ev.TargetAmount)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse target amount %q: %w", ev.TargetAmount, err)
	}

	normSource := source.Shift(-ev.SourceToken.Decimals)
	normTarget := target.Shift(-ev.TargetToken.Decimals)

	if normTarget.IsZero() {
		return decimal.Decimal{}, ErrZeroAmount
	}
	rate := normSource.DivRound(normTarget, pricePrecision)

	if pair.SourceKnown {
		return knownUSD.Mul(rate), nil
	}
	if rate.IsZero() {
		return decimal.Decimal{}, ErrZeroAmount
	}
	return knownUSD.DivRound(rate, pricePrecision), nil
}
