package model

import (
	"fmt"
	"time"
)

// Checkpoint records the last fully processed position of a named
// incremental task. It is the sole source of resumability.
type Checkpoint struct {
	TaskKey   string    `db:"task_key"`
	Height    int64     `db:"height"`
	UpdatedAt time.Time `db:"updated_at"`
}

// PriceInferenceKey names the inference checkpoint for one deployment.
func PriceInferenceKey(chain Chain, exchange Exchange) string {
	return fmt.Sprintf("price-inference-%s-%s", chain, exchange)
}

// DiscoveryKey names the token discovery checkpoint for one network.
func DiscoveryKey(network string) string {
	return fmt.Sprintf("discovery-%s", network)
}
