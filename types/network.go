package types

// Network represents supported blockchain networks.
// One chain per payment request, no bridging.
type Network string

const (
	NetworkEthereum Network = "ethereum"
	NetworkSepolia  Network = "sepolia" // testnet
	NetworkBase     Network = "base"
)

func (n Network) IsTestnet() bool {
	return n == NetworkSepolia
}

func (n Network) IsSupported() bool {
	return n == NetworkEthereum || n == NetworkSepolia || n == NetworkBase
}

func (n Network) String() string {
	return string(n)
}

// ChainID returns the EVM chain id for the network.
func (n Network) ChainID() int64 {
	switch n {
	case NetworkEthereum:
		return 1
	case NetworkSepolia:
		return 11155111
	case NetworkBase:
		return 8453
	default:
		return 0
	}
}
