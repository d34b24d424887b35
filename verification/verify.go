// Package verification renders PAID/REJECTED verdicts for settlement
// claims. It validates raw on-chain transaction data against the quote
// locked at instruction time, and drives the at-most-once ledger
// transition on success.
package verification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/linkpay/paycore/clients"
	"github.com/linkpay/paycore/instructions"
	"github.com/linkpay/paycore/ledger"
	"github.com/linkpay/paycore/logger"
	"github.com/linkpay/paycore/metrics"
	"github.com/linkpay/paycore/notify"
	"github.com/linkpay/paycore/types"
)

// ConfigProvider returns the current fee config (treasury wallet for
// expected-transfer matching). Amounts always come from the locked
// quote, never from here.
type ConfigProvider func() *types.FeeConfig

// Verifier checks settlement claims against chain data.
type Verifier struct {
	ledger   *ledger.Ledger
	clients  map[types.Network]clients.Client
	config   ConfigProvider
	notifier notify.Notifier
	log      logger.Logger
	metrics  metrics.Recorder
	timeout  time.Duration
}

func NewVerifier(lgr *ledger.Ledger, config ConfigProvider, notifier notify.Notifier, log logger.Logger, recorder metrics.Recorder, timeout time.Duration) *Verifier {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Verifier{
		ledger:   lgr,
		clients:  make(map[types.Network]clients.Client),
		config:   config,
		notifier: notifier,
		log:      log,
		metrics:  recorder,
		timeout:  timeout,
	}
}

// AddClient registers the chain client for a network.
func (v *Verifier) AddClient(network types.Network, client clients.Client) error {
	if !network.IsSupported() {
		return &types.PayError{
			Code:    types.ErrInvalidNetwork,
			Message: fmt.Sprintf("unsupported network: %s", network),
		}
	}
	v.clients[network] = client
	return nil
}

// expectedLeg pairs one instruction line item with the transaction
// hash claimed to satisfy it.
type expectedLeg struct {
	name     string
	transfer types.Transfer
	txHash   string
}

// Verify checks a settlement claim for a request. The verdict is
// REJECTED unless all three transfers are confirmed exactly; a
// rejection never mutates the ledger, so the request stays payable.
// Infrastructure failures (RPC timeout, store errors) return a non-nil
// error instead of a verdict and leave no side effects.
func (v *Verifier) Verify(ctx context.Context, requestID, txHash, feeTxHash, rewardTxHash string) (*types.VerificationResult, error) {
	started := time.Now()
	verifyCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := v.ledger.Get(verifyCtx, requestID)
	if err != nil {
		if types.CodeOf(err) == types.ErrNotFound {
			return types.Rejected(types.ErrNotFound, map[string]any{"requestId": requestID}), nil
		}
		return nil, err
	}

	// Status gate before any chain access: idempotence at the API
	// boundary, not just at the ledger.
	switch req.Status {
	case types.StatusPaid:
		return types.Rejected(types.ErrAlreadySettled, map[string]any{"requestId": requestID}), nil
	case types.StatusCancelled:
		return types.Rejected(types.ErrCancelled, map[string]any{"requestId": requestID}), nil
	case types.StatusExpired:
		return types.Rejected(types.ErrExpired, map[string]any{"requestId": requestID}), nil
	}

	feeTx, err := v.ledger.LockedQuote(verifyCtx, requestID)
	if err != nil {
		if types.CodeOf(err) == types.ErrQuoteNotFound {
			// A racing settlement can collect the reservation between
			// the status read above and here; re-check before reporting
			// the request as un-reserved.
			if current, getErr := v.ledger.Get(verifyCtx, requestID); getErr == nil && current.Status == types.StatusPaid {
				return types.Rejected(types.ErrAlreadySettled, map[string]any{"requestId": requestID}), nil
			}
			return types.Rejected(types.ErrQuoteNotFound, map[string]any{"requestId": requestID}), nil
		}
		return nil, err
	}

	client, ok := v.clients[req.Network]
	if !ok {
		return nil, &types.PayError{
			Code:    types.ErrInvalidNetwork,
			Message: fmt.Sprintf("no chain client configured for network %s", req.Network),
		}
	}

	expected := instructions.Build(req, &feeTx.Quote, v.config())
	legs := []expectedLeg{
		{name: "payment", transfer: expected.Transfers[0], txHash: txHash},
		{name: "platform_fee", transfer: expected.Transfers[1], txHash: feeTxHash},
		{name: "creator_reward", transfer: expected.Transfers[2], txHash: rewardTxHash},
	}

	// The same transaction may settle several legs (batched transfer);
	// fetch each hash once and never match the same log event twice.
	results := make(map[string]*clients.TxResult)
	usedEvents := make(map[string]map[int]bool)

	var paymentMinedAt time.Time
	for _, leg := range legs {
		if leg.transfer.Amount.IsZero() && leg.txHash == "" {
			continue // nothing owed on this leg
		}
		if leg.txHash == "" {
			return types.Rejected(types.ErrTransactionNotFound, map[string]any{
				"leg":    leg.name,
				"reason": "missing transaction hash",
			}), nil
		}

		result, ok := results[leg.txHash]
		if !ok {
			result, err = client.TransactionResult(verifyCtx, leg.txHash)
			if err != nil {
				if types.CodeOf(err) == types.ErrTransactionNotFound {
					return types.Rejected(types.ErrTransactionNotFound, map[string]any{
						"leg":    leg.name,
						"txHash": leg.txHash,
					}), nil
				}
				return nil, err
			}
			results[leg.txHash] = result
			usedEvents[leg.txHash] = make(map[int]bool)
		}

		if !result.Succeeded {
			return types.Rejected(types.ErrTransactionFailed, map[string]any{
				"leg":    leg.name,
				"txHash": leg.txHash,
			}), nil
		}

		if rejected := matchLeg(leg, feeTx.Payer, result, usedEvents[leg.txHash]); rejected != nil {
			return rejected, nil
		}

		if leg.name == "payment" {
			paymentMinedAt = result.BlockTimestamp
		}
	}

	// Expiry is judged against the block timestamp of the settling
	// payment transaction, not the wall clock of this call.
	if req.ExpiresAt != nil && paymentMinedAt.After(*req.ExpiresAt) {
		if err := v.ledger.FailFeeTransaction(ctx, feeTx); err != nil {
			v.log.Warn("failed to mark fee transaction failed", map[string]any{
				"feeTxId": feeTx.ID, "error": err.Error(),
			})
		}
		return types.Rejected(types.ErrExpired, map[string]any{
			"expiresAt": req.ExpiresAt,
			"minedAt":   paymentMinedAt,
		}), nil
	}

	// Full instruction set confirmed. Transition the ledger exactly
	// once; the loser of a race sees already_settled.
	minedAt := paymentMinedAt.UTC()
	if err := v.ledger.MarkPaid(ctx, requestID, minedAt, txHash, feeTxHash, rewardTxHash); err != nil {
		if types.CodeOf(err) == types.ErrAlreadySettled {
			return types.Rejected(types.ErrAlreadySettled, map[string]any{"requestId": requestID}), nil
		}
		return nil, err
	}

	if err := v.ledger.CollectFeeTransaction(ctx, feeTx, txHash, feeTxHash, rewardTxHash); err != nil {
		v.log.Error("settled but failed to mark fee transaction collected", map[string]any{
			"requestId": requestID, "feeTxId": feeTx.ID, "error": err.Error(),
		})
	}

	v.notifier.Notify(ctx, notify.EventPaymentPaid, map[string]any{
		"requestId":           requestID,
		"payer":               feeTx.Payer,
		"receiver":            req.Receiver,
		"amount":              req.Amount.String(),
		"token":               req.Token.Symbol,
		"network":             req.Network.String(),
		"txHash":              txHash,
		"feeTxHash":           feeTxHash,
		"creatorRewardTxHash": rewardTxHash,
		"paidAt":              minedAt,
	})

	labels := map[string]string{"network": req.Network.String()}
	v.metrics.IncCounter("settlement_verified", labels)
	v.metrics.ObserveLatency("verify", time.Since(started), labels)

	return &types.VerificationResult{
		Status:         types.VerdictPaid,
		PaymentTxHash:  txHash,
		PlatformTxHash: feeTxHash,
		RewardTxHash:   rewardTxHash,
	}, nil
}

// matchLeg checks one expected transfer against a transaction result.
// Returns a REJECTED verdict on mismatch, nil when the leg is
// satisfied. Matched ERC-20 events are consumed so two legs never
// share one log entry.
func matchLeg(leg expectedLeg, payer string, result *clients.TxResult, used map[int]bool) *types.VerificationResult {
	t := leg.transfer
	wantUnits := t.Token.AtomicUnits(t.Amount)

	if t.Token.Native {
		if payer != "" && !strings.EqualFold(result.From, payer) {
			return types.Rejected(types.ErrSenderMismatch, map[string]any{
				"leg": leg.name, "expected": payer, "actual": result.From,
			})
		}
		if !strings.EqualFold(result.To, t.To) {
			return types.Rejected(types.ErrRecipientMismatch, map[string]any{
				"leg": leg.name, "expected": t.To, "actual": result.To,
			})
		}
		if result.Value == nil || result.Value.Cmp(wantUnits) != 0 {
			actual := "0"
			if result.Value != nil {
				actual = result.Value.String()
			}
			return types.Rejected(types.ErrAmountMismatch, map[string]any{
				"leg": leg.name, "expected": wantUnits.String(), "actual": actual,
			})
		}
		return nil
	}

	// ERC-20 leg: exact token contract, recipient, sender and amount.
	// Amount equality is exact; one atomic unit short is a rejection.
	sawToken, sawRecipient, sawSender := false, false, false
	actualAmount := ""
	for i, ev := range result.Transfers {
		if used[i] || !strings.EqualFold(ev.Token, t.Token.Contract) {
			continue
		}
		sawToken = true
		if !strings.EqualFold(ev.To, t.To) {
			continue
		}
		sawRecipient = true
		if payer != "" && !strings.EqualFold(ev.From, payer) {
			continue
		}
		sawSender = true
		if ev.Amount.Cmp(wantUnits) != 0 {
			actualAmount = ev.Amount.String()
			continue
		}
		used[i] = true
		return nil
	}

	switch {
	case !sawToken:
		return types.Rejected(types.ErrTokenMismatch, map[string]any{
			"leg": leg.name, "expected": t.Token.Contract, "txHash": leg.txHash,
		})
	case !sawRecipient:
		return types.Rejected(types.ErrRecipientMismatch, map[string]any{
			"leg": leg.name, "expected": t.To, "txHash": leg.txHash,
		})
	case !sawSender:
		return types.Rejected(types.ErrSenderMismatch, map[string]any{
			"leg": leg.name, "expected": payer, "txHash": leg.txHash,
		})
	default:
		return types.Rejected(types.ErrAmountMismatch, map[string]any{
			"leg": leg.name, "expected": wantUnits.String(), "actual": actualAmount, "txHash": leg.txHash,
		})
	}
}
