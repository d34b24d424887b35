package oracle

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// SourceFunc adapts a plain function to the PriceSource interface.
type SourceFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

func (f SourceFunc) FetchUSDPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f(ctx, symbol)
}

// StaticSource serves fixed prices from a map. Symbols not present
// fail, which exercises the oracle's fallback path.
type StaticSource map[string]decimal.Decimal

func (s StaticSource) FetchUSDPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	price, ok := s[symbol]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}
