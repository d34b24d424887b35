// Package fees decides the fee token for a pay attempt and computes
// the exact platform/creator split.
package fees

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/linkpay/paycore/logger"
	"github.com/linkpay/paycore/oracle"
	"github.com/linkpay/paycore/types"
)

// BalanceReader reads a payer's on-chain token balance in atomic
// units. Satisfied by clients.Client.
type BalanceReader interface {
	TokenBalance(ctx context.Context, owner string, token types.Token) (*big.Int, error)
}

// Calculator computes fee quotes. Quote is pure with respect to state:
// it reads the chain and the price oracle but mutates nothing, so
// identical inputs re-quote identically.
type Calculator struct {
	oracle *oracle.Oracle
	log    logger.Logger
	clock  func() time.Time
}

func NewCalculator(priceOracle *oracle.Oracle, log logger.Logger) *Calculator {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Calculator{
		oracle: priceOracle,
		log:    log,
		clock:  time.Now,
	}
}

// WithClock overrides the time source. Intended for tests.
func (c *Calculator) WithClock(clock func() time.Time) *Calculator {
	c.clock = clock
	return c
}

// Quote decides the fee token and amounts for one pay attempt.
//
// The reward-token threshold is strictly binary: a payer holding even
// one atomic unit less than RewardFeeAmount takes the fallback path in
// the payment token. A failed balance read surfaces as
// balance_unavailable; silently falling back would change what the
// payer owes without their knowledge.
func (c *Calculator) Quote(
	ctx context.Context,
	chain BalanceReader,
	payer string,
	request *types.PaymentRequest,
	cfg *types.FeeConfig,
) (*types.FeeQuote, error) {
	balance, err := chain.TokenBalance(ctx, payer, cfg.RewardToken)
	if err != nil {
		if types.CodeOf(err) == types.ErrTimeout {
			return nil, err
		}
		return nil, &types.PayError{
			Code:    types.ErrBalanceUnavailable,
			Message: fmt.Sprintf("reward token balance read failed for %s: %v", payer, err),
		}
	}

	threshold := cfg.RewardToken.AtomicUnits(cfg.RewardFeeAmount)

	if balance.Cmp(threshold) >= 0 {
		return c.rewardQuote(ctx, cfg), nil
	}
	return c.fallbackQuote(ctx, request, cfg), nil
}

// rewardQuote charges the flat fee in the reward token itself. The
// reference price is still recorded for fee-change-over-time auditing,
// from cache when possible.
func (c *Calculator) rewardQuote(ctx context.Context, cfg *types.FeeConfig) *types.FeeQuote {
	price, ok := c.oracle.CachedPrice(cfg.RewardToken.Symbol)
	if !ok {
		price = c.oracle.GetUSDPrice(ctx, cfg.RewardToken.Symbol)
	}

	platform, creator := Split(cfg.RewardFeeAmount, cfg.CreatorRewardFraction, cfg.RewardToken.Decimals)
	return &types.FeeQuote{
		FeeToken:          cfg.RewardToken,
		FeeTotal:          cfg.RewardFeeAmount,
		PlatformShare:     platform,
		CreatorReward:     creator,
		ReferencePriceUSD: price.Value,
		QuotedAt:          c.clock().UTC(),
	}
}

// fallbackQuote converts the reward-denominated fee into the payment
// token. Non-USD-pegged payment tokens need a second price lookup.
func (c *Calculator) fallbackQuote(ctx context.Context, request *types.PaymentRequest, cfg *types.FeeConfig) *types.FeeQuote {
	rewardPrice := c.oracle.GetUSDPrice(ctx, cfg.RewardToken.Symbol)
	feeUSD := cfg.RewardFeeAmount.Mul(rewardPrice.Value)

	feeTotal := feeUSD
	if !request.Token.USDPegged {
		payPrice := c.oracle.GetUSDPrice(ctx, request.Token.Symbol)
		feeTotal = feeUSD.Div(payPrice.Value)
	}
	feeTotal = feeTotal.Truncate(request.Token.Decimals)

	platform, creator := Split(feeTotal, cfg.CreatorRewardFraction, request.Token.Decimals)
	return &types.FeeQuote{
		FeeToken:          request.Token,
		FeeTotal:          feeTotal,
		PlatformShare:     platform,
		CreatorReward:     creator,
		ReferencePriceUSD: rewardPrice.Value,
		QuotedAt:          c.clock().UTC(),
	}
}

// Split divides a fee total between platform and creator at the fee
// token's precision. The creator reward rounds down; whatever remains
// goes to the platform, so platformShare + creatorReward == feeTotal
// exactly and repeated identical inputs split identically.
func Split(feeTotal, creatorFraction decimal.Decimal, decimals int32) (platform, creator decimal.Decimal) {
	creator = feeTotal.Mul(creatorFraction).Truncate(decimals)
	platform = feeTotal.Sub(creator)
	return platform, creator
}
