package model

import "fmt"

type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainSei      Chain = "sei"
	ChainCelo     Chain = "celo"
	ChainBase     Chain = "base"
	ChainBlast    Chain = "blast"
	ChainMantle   Chain = "mantle"
)

func (c Chain) String() string {
	return string(c)
}

// ParseChain validates a chain identifier from configuration.
func ParseChain(s string) (Chain, error) {
	switch c := Chain(s); c {
	case ChainEthereum, ChainSei, ChainCelo, ChainBase, ChainBlast, ChainMantle:
		return c, nil
	default:
		return "", fmt.Errorf("unknown chain %q", s)
	}
}

type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

func (n Network) String() string {
	return string(n)
}

type Exchange string

const (
	ExchangeCarbon   Exchange = "carbon"
	ExchangeBancorV3 Exchange = "bancor-v3"
)

func (e Exchange) String() string {
	return string(e)
}

// ParseExchange validates an exchange identifier from configuration.
func ParseExchange(s string) (Exchange, error) {
	switch e := Exchange(s); e {
	case ExchangeCarbon, ExchangeBancorV3:
		return e, nil
	default:
		return "", fmt.Errorf("unknown exchange %q", s)
	}
}

// NativePseudoAddress is the placeholder address DEXes use for the chain's
// native gas token. It never appears as a real contract on any chain.
const NativePseudoAddress = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
