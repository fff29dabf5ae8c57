package pricing

// Pair is the outcome of resolving a trade's two sides against a deployment's
// known-token map when exactly one side is known.
type Pair struct {
	// UnknownAddress is the side whose USD price will be inferred.
	UnknownAddress string
	// MappedKnownAddress is the Ethereum-mainnet equivalent of the known side.
	MappedKnownAddress string
	// SourceKnown reports whether the known side is the trade's source token.
	SourceKnown bool
}

// IdentifyPair looks up both normalized addresses in the known-token map.
// It returns nil unless exactly one side is known: with both sides known
// there is nothing to infer, with neither there is nothing to infer from.
func IdentifyPair(source, target string, known map[string]string) *Pair {
	mappedSource, sourceKnown := known[source]
	mappedTarget, targetKnown := known[target]

	if sourceKnown == targetKnown {
		return nil
	}
	if sourceKnown {
		return &Pair{
			UnknownAddress:     target,
			MappedKnownAddress: mappedSource,
			SourceKnown:        true,
		}
	}
	return &Pair{
		UnknownAddress:     source,
		MappedKnownAddress: mappedTarget,
		SourceKnown:        false,
	}
}
