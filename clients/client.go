// Package clients provides the blockchain read-side used by the fee
// calculator and the settlement verifier. The core never broadcasts
// transactions; it only reads balances, receipts and transfer logs.
package clients

import (
	"context"
	"math/big"
	"time"

	"github.com/linkpay/paycore/types"
)

// TransferEvent is a decoded ERC-20 Transfer log.
type TransferEvent struct {
	Token  string
	From   string
	To     string
	Amount *big.Int
}

// TxResult is the decoded outcome of a mined transaction: execution
// status, the block timestamp it was mined at, the native value moved,
// and every ERC-20 Transfer event found in its logs.
type TxResult struct {
	Succeeded      bool
	BlockNumber    uint64
	BlockTimestamp time.Time
	From           string
	To             string
	Value          *big.Int
	Transfers      []TransferEvent
}

// Client is the read-only chain access contract.
type Client interface {
	// TokenBalance returns the owner's balance of the token in atomic
	// units. Native tokens read the account balance.
	TokenBalance(ctx context.Context, owner string, token types.Token) (*big.Int, error)

	// TransactionResult fetches and decodes a mined transaction.
	// Returns a PayError with code transaction_not_found if the hash
	// is unknown or not yet mined.
	TransactionResult(ctx context.Context, txHash string) (*TxResult, error)

	Network() types.Network
	Close()
}
