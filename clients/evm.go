package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/linkpay/paycore/types"
)

var _ Client = (*EVMClient)(nil)

const erc20ABI = `
[
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{ "name": "owner", "type": "address" }],
    "outputs": [{ "name": "", "type": "uint256" }]
  }
]
`

// transferTopic is keccak256("Transfer(address,address,uint256)"),
// topic0 of every ERC-20 Transfer event.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EVMClient reads balances and transaction results over JSON-RPC.
type EVMClient struct {
	network  types.Network
	rpcURL   string
	client   *ethclient.Client
	tokenABI abi.ABI
}

func NewEVMClient(network types.Network, rpcURL string) (*EVMClient, error) {
	if !network.IsSupported() {
		return nil, &types.PayError{
			Code:    types.ErrInvalidNetwork,
			Message: fmt.Sprintf("unsupported network: %s", network),
		}
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC for %s: %w", network, err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC-20 ABI: %w", err)
	}

	return &EVMClient{
		network:  network,
		rpcURL:   rpcURL,
		client:   client,
		tokenABI: parsed,
	}, nil
}

func (e *EVMClient) Network() types.Network {
	return e.network
}

func (e *EVMClient) Close() {
	e.client.Close()
}

// TokenBalance implements Client.
func (e *EVMClient) TokenBalance(ctx context.Context, owner string, token types.Token) (*big.Int, error) {
	addr := common.HexToAddress(owner)

	if token.Native {
		bal, err := e.client.BalanceAt(ctx, addr, nil)
		if err != nil {
			return nil, rpcError(err, "balance read failed")
		}
		return bal, nil
	}

	callData, err := e.tokenABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	contract := common.HexToAddress(token.Contract)
	res, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: callData}, nil)
	if err != nil {
		return nil, rpcError(err, "balanceOf call failed")
	}

	out, err := e.tokenABI.Unpack("balanceOf", res)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack balanceOf result: %w", err)
	}

	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", out[0])
	}
	return bal, nil
}

// TransactionResult implements Client.
func (e *EVMClient) TransactionResult(ctx context.Context, txHash string) (*TxResult, error) {
	hash := common.HexToHash(txHash)

	receipt, err := e.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, &types.PayError{
				Code:    types.ErrTransactionNotFound,
				Message: fmt.Sprintf("transaction %s not found on %s", txHash, e.network),
			}
		}
		return nil, rpcError(err, "receipt fetch failed")
	}

	tx, pending, err := e.client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, &types.PayError{
				Code:    types.ErrTransactionNotFound,
				Message: fmt.Sprintf("transaction %s not found on %s", txHash, e.network),
			}
		}
		return nil, rpcError(err, "transaction fetch failed")
	}
	if pending {
		return nil, &types.PayError{
			Code:    types.ErrTransactionNotFound,
			Message: fmt.Sprintf("transaction %s is not mined yet", txHash),
		}
	}

	header, err := e.client.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, rpcError(err, "block header fetch failed")
	}

	signer := gethtypes.LatestSignerForChainID(big.NewInt(e.network.ChainID()))
	from, err := gethtypes.Sender(signer, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover sender of %s: %w", txHash, err)
	}

	result := &TxResult{
		Succeeded:      receipt.Status == gethtypes.ReceiptStatusSuccessful,
		BlockNumber:    receipt.BlockNumber.Uint64(),
		BlockTimestamp: time.Unix(int64(header.Time), 0).UTC(),
		From:           from.Hex(),
		Value:          tx.Value(),
	}
	if to := tx.To(); to != nil {
		result.To = to.Hex()
	}

	for _, lg := range receipt.Logs {
		if len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		result.Transfers = append(result.Transfers, TransferEvent{
			Token:  lg.Address.Hex(),
			From:   common.BytesToAddress(lg.Topics[1].Bytes()[12:]).Hex(),
			To:     common.BytesToAddress(lg.Topics[2].Bytes()[12:]).Hex(),
			Amount: new(big.Int).SetBytes(lg.Data),
		})
	}

	return result, nil
}

// rpcError maps transport failures onto the core error taxonomy.
// Deadline expiry becomes a retryable rpc_timeout.
func rpcError(err error, msg string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &types.PayError{Code: types.ErrTimeout, Message: fmt.Sprintf("%s: %v", msg, err)}
	}
	return fmt.Errorf("%s: %w", msg, err)
}
