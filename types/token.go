package types

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Token describes an asset a payment request can be denominated in.
// Contract is empty for the native asset.
type Token struct {
	Symbol    string `json:"symbol" validate:"required"`
	Contract  string `json:"contract,omitempty"`
	Decimals  int32  `json:"decimals" validate:"gte=0,lte=30"`
	Native    bool   `json:"native,omitempty"`
	USDPegged bool   `json:"usdPegged,omitempty"`
}

// Well-known token symbols.
const (
	SymbolUSDC = "USDC"
	SymbolUSDT = "USDT"
	SymbolETH  = "ETH"
	SymbolLCX  = "LCX"
)

// tokenRegistry maps network → symbol → token metadata for the
// built-in asset set. Arbitrary ERC-20 contracts go through CustomToken.
var tokenRegistry = map[Network]map[string]Token{
	NetworkEthereum: {
		SymbolUSDC: {Symbol: SymbolUSDC, Contract: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6, USDPegged: true},
		SymbolUSDT: {Symbol: SymbolUSDT, Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6, USDPegged: true},
		SymbolLCX:  {Symbol: SymbolLCX, Contract: "0x037A54AaB062628C9Bbae1FDB1583c195585fe41", Decimals: 18},
		SymbolETH:  {Symbol: SymbolETH, Decimals: 18, Native: true},
	},
	NetworkSepolia: {
		SymbolUSDC: {Symbol: SymbolUSDC, Contract: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", Decimals: 6, USDPegged: true},
		SymbolUSDT: {Symbol: SymbolUSDT, Contract: "0x7169D38820dfd117C3FA1f22a697dBA58d90BA06", Decimals: 6, USDPegged: true},
		SymbolLCX:  {Symbol: SymbolLCX, Contract: "0x2aa6FB79EfE19A3fcE71c46AE48EFc16372ED6dD", Decimals: 18},
		SymbolETH:  {Symbol: SymbolETH, Decimals: 18, Native: true},
	},
	NetworkBase: {
		SymbolUSDC: {Symbol: SymbolUSDC, Contract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6, USDPegged: true},
		SymbolETH:  {Symbol: SymbolETH, Decimals: 18, Native: true},
	},
}

// TokenBySymbol resolves a built-in token on a network.
func TokenBySymbol(network Network, symbol string) (Token, error) {
	byNet, ok := tokenRegistry[network]
	if !ok {
		return Token{}, &PayError{
			Code:    ErrInvalidNetwork,
			Message: fmt.Sprintf("unsupported network: %s", network),
		}
	}

	tok, ok := byNet[strings.ToUpper(symbol)]
	if !ok {
		return Token{}, &PayError{
			Code:    ErrTokenMismatch,
			Message: fmt.Sprintf("token %s is not registered on %s", symbol, network),
		}
	}
	return tok, nil
}

// CustomToken builds a token descriptor for an arbitrary ERC-20 contract.
func CustomToken(symbol, contract string, decimals int32) Token {
	return Token{Symbol: strings.ToUpper(symbol), Contract: contract, Decimals: decimals}
}

// SameAsset reports whether two tokens refer to the same on-chain asset.
// Contract comparison is case-insensitive; native assets match by flag.
func (t Token) SameAsset(other Token) bool {
	if t.Native || other.Native {
		return t.Native == other.Native
	}
	return strings.EqualFold(t.Contract, other.Contract)
}

// AtomicUnits converts a human-readable decimal amount into on-chain
// atomic units (e.g. 1.5 USDC → 1500000).
func (t Token) AtomicUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(t.Decimals).Truncate(0).BigInt()
}

// FromAtomicUnits converts on-chain atomic units back to a decimal amount.
func (t Token) FromAtomicUnits(units *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(units, 0).Shift(-t.Decimals)
}
