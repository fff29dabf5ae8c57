package model

import "time"

// TokenRef identifies one side of a trade.
type TokenRef struct {
	Address  string
	Decimals int32
}

// TradeEvent is a single on-chain swap produced by the event harvester.
// Amounts are raw integer strings in each token's native decimal base.
type TradeEvent struct {
	SourceToken  TokenRef
	TargetToken  TokenRef
	SourceAmount string
	TargetAmount string
	BlockNumber  int64
	Timestamp    time.Time
	TxHash       string
}
