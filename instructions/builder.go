// Package instructions turns a payment request and a fee quote into
// the ordered transfer list a payer must execute.
package instructions

import (
	"fmt"

	"github.com/linkpay/paycore/types"
)

// Build produces the instruction set for a request/quote pair. It is
// pure and deterministic: the same inputs always yield byte-identical
// output, and nothing is reserved or mutated here (the fee transaction
// record is the caller's responsibility).
//
// The three line items stay distinct even when addresses coincide
// (e.g. a self-payment where receiver == treasury), so verification
// treats every request uniformly.
func Build(request *types.PaymentRequest, quote *types.FeeQuote, cfg *types.FeeConfig) *types.InstructionSet {
	return &types.InstructionSet{
		RequestID: request.ID,
		Transfers: []types.Transfer{
			{
				Description: fmt.Sprintf("Payment of %s %s to creator", request.Amount.String(), request.Token.Symbol),
				Token:       request.Token,
				Amount:      request.Amount,
				To:          request.Receiver,
			},
			{
				Description: fmt.Sprintf("Platform fee of %s %s", quote.PlatformShare.String(), quote.FeeToken.Symbol),
				Token:       quote.FeeToken,
				Amount:      quote.PlatformShare,
				To:          cfg.TreasuryWallet,
			},
			{
				Description: fmt.Sprintf("Creator reward of %s %s", quote.CreatorReward.String(), quote.FeeToken.Symbol),
				Token:       quote.FeeToken,
				Amount:      quote.CreatorReward,
				To:          request.Receiver,
			},
		},
	}
}
