package pricing

import (
	"strings"

	"github.com/dexmeter/price-indexer/internal/domain/model"
)

// NormalizeAddress lowercases addr and, when the deployment configures a
// native-token alias, substitutes it for the chain's native pseudo-address.
// Every address comparison in the pipeline happens on normalized addresses.
func NormalizeAddress(addr string, dep model.DeploymentContext) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == model.NativePseudoAddress && dep.NativeAlias != "" {
		return dep.NativeAlias
	}
	return addr
}
