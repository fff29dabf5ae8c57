package model

import "strings"

// DeploymentContext describes one (chain, exchange) deployment of the DEX.
// It is loaded once at process start and never mutated afterwards.
type DeploymentContext struct {
	Chain    Chain
	Exchange Exchange

	// NativeAlias is the real contract address the deployment's DEX uses in
	// place of NativePseudoAddress, or empty when the chain has none.
	NativeAlias string

	// KnownTokens maps local-chain token addresses to their Ethereum-mainnet
	// equivalents. Both sides are lowercase; NewDeploymentContext enforces
	// this once so lookup sites never re-normalize.
	KnownTokens map[string]string

	// GenesisBlock is where price inference starts when no checkpoint exists.
	GenesisBlock int64

	// BatchSize bounds how many blocks a single inference batch spans.
	BatchSize int64
}

// NewDeploymentContext builds an immutable deployment context with all
// addresses lowercased.
func NewDeploymentContext(chain Chain, exchange Exchange, nativeAlias string, knownTokens map[string]string, genesisBlock, batchSize int64) DeploymentContext {
	known := make(map[string]string, len(knownTokens))
	for local, mainnet := range knownTokens {
		known[strings.ToLower(local)] = strings.ToLower(mainnet)
	}
	return DeploymentContext{
		Chain:        chain,
		Exchange:     exchange,
		NativeAlias:  strings.ToLower(nativeAlias),
		KnownTokens:  known,
		GenesisBlock: genesisBlock,
		BatchSize:    batchSize,
	}
}

// MainnetEquivalent returns the Ethereum-mainnet address mapped to the given
// (already normalized) local address, if any.
func (d DeploymentContext) MainnetEquivalent(address string) (string, bool) {
	mainnet, ok := d.KnownTokens[address]
	return mainnet, ok
}
