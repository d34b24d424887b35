package verification_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkpay/paycore/clients"
	"github.com/linkpay/paycore/ledger"
	"github.com/linkpay/paycore/logger"
	"github.com/linkpay/paycore/store"
	"github.com/linkpay/paycore/types"
	"github.com/linkpay/paycore/verification"
)

const (
	payer    = "0x3333333333333333333333333333333333333333"
	receiver = "0x2222222222222222222222222222222222222222"
	treasury = "0x1111111111111111111111111111111111111111"

	usdcSepolia = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
	lcxSepolia  = "0x2aa6FB79EfE19A3fcE71c46AE48EFc16372ED6dD"

	payHash    = "0xaaa1000000000000000000000000000000000000000000000000000000000001"
	feeHash    = "0xaaa1000000000000000000000000000000000000000000000000000000000002"
	rewardHash = "0xaaa1000000000000000000000000000000000000000000000000000000000003"
)

type fakeChain struct {
	results map[string]*clients.TxResult
	errs    map[string]error
}

func (f *fakeChain) TokenBalance(context.Context, string, types.Token) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChain) TransactionResult(_ context.Context, txHash string) (*clients.TxResult, error) {
	if err, ok := f.errs[txHash]; ok {
		return nil, err
	}
	if result, ok := f.results[txHash]; ok {
		return result, nil
	}
	return nil, &types.PayError{Code: types.ErrTransactionNotFound, Message: "not found"}
}

func (f *fakeChain) Network() types.Network { return types.NetworkSepolia }
func (f *fakeChain) Close()                 {}

type capturingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *capturingNotifier) Notify(_ context.Context, event string, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *capturingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type fixture struct {
	verifier *verification.Verifier
	ledger   *ledger.Ledger
	store    *store.Memory
	chain    *fakeChain
	notifier *capturingNotifier
	request  *types.PaymentRequest
	feeTx    *types.FeeTransaction
}

// newFixture wires a PENDING request for 10 USDC with a locked 4 LCX
// fee quote split 2/2 between platform and creator.
func newFixture(t *testing.T, expiresAt *time.Time) *fixture {
	t.Helper()
	ctx := context.Background()

	mem := store.NewMemory()
	l := ledger.New(mem, logger.NoopLogger{})

	usdc, err := types.TokenBySymbol(types.NetworkSepolia, types.SymbolUSDC)
	require.NoError(t, err)
	lcx, err := types.TokenBySymbol(types.NetworkSepolia, types.SymbolLCX)
	require.NoError(t, err)

	cfg := &types.FeeConfig{
		RewardFeeAmount:       decimal.NewFromInt(4),
		PlatformShareFraction: decimal.RequireFromString("0.5"),
		CreatorRewardFraction: decimal.RequireFromString("0.5"),
		RewardToken:           lcx,
		TreasuryWallet:        treasury,
		FallbackPriceUSD:      decimal.RequireFromString("0.2"),
	}

	req := &types.PaymentRequest{
		Amount:    decimal.NewFromInt(10),
		Token:     usdc,
		Network:   types.NetworkSepolia,
		Receiver:  receiver,
		ExpiresAt: expiresAt,
	}
	require.NoError(t, l.CreateRequest(ctx, req))

	quote := &types.FeeQuote{
		FeeToken:          lcx,
		FeeTotal:          decimal.NewFromInt(4),
		PlatformShare:     decimal.NewFromInt(2),
		CreatorReward:     decimal.NewFromInt(2),
		ReferencePriceUSD: decimal.RequireFromString("0.15"),
	}
	feeTx, err := l.ReserveFeeTransaction(ctx, req, payer, quote)
	require.NoError(t, err)

	chain := &fakeChain{results: map[string]*clients.TxResult{}, errs: map[string]error{}}
	notifier := &capturingNotifier{}

	v := verification.NewVerifier(l, func() *types.FeeConfig { return cfg }, notifier, logger.NoopLogger{}, nil, 5*time.Second)
	require.NoError(t, v.AddClient(types.NetworkSepolia, chain))

	return &fixture{
		verifier: v,
		ledger:   l,
		store:    mem,
		chain:    chain,
		notifier: notifier,
		request:  req,
		feeTx:    feeTx,
	}
}

func lcxUnits(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func minedAt(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}
	return ts
}

// seedHappyPath loads three successful transactions matching the
// locked instruction set exactly.
func (f *fixture) seedHappyPath(ts time.Time) {
	ts = minedAt(ts)
	f.chain.results[payHash] = &clients.TxResult{
		Succeeded:      true,
		BlockTimestamp: ts,
		From:           payer,
		Value:          big.NewInt(0),
		Transfers: []clients.TransferEvent{
			{Token: usdcSepolia, From: payer, To: receiver, Amount: big.NewInt(10_000_000)},
		},
	}
	f.chain.results[feeHash] = &clients.TxResult{
		Succeeded:      true,
		BlockTimestamp: ts,
		From:           payer,
		Value:          big.NewInt(0),
		Transfers: []clients.TransferEvent{
			{Token: lcxSepolia, From: payer, To: treasury, Amount: lcxUnits(2)},
		},
	}
	f.chain.results[rewardHash] = &clients.TxResult{
		Succeeded:      true,
		BlockTimestamp: ts,
		From:           payer,
		Value:          big.NewInt(0),
		Transfers: []clients.TransferEvent{
			{Token: lcxSepolia, From: payer, To: receiver, Amount: lcxUnits(2)},
		},
	}
}

func TestVerifyHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	f.seedHappyPath(time.Time{})
	ctx := context.Background()

	result, err := f.verifier.Verify(ctx, f.request.ID, payHash, feeHash, rewardHash)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictPaid, result.Status)

	got, err := f.ledger.Get(ctx, f.request.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaid, got.Status)
	require.NotNil(t, got.PaidAt)
	assert.Equal(t, minedAt(time.Time{}), *got.PaidAt, "paidAt comes from the block timestamp")
	assert.Equal(t, payHash, *got.TxHash)

	feeTxs := f.store.FeeTransactions()
	require.Len(t, feeTxs, 1)
	assert.Equal(t, types.FeeTxCollected, feeTxs[0].Status)
	assert.Equal(t, payHash, feeTxs[0].PaymentTxHash)

	assert.Equal(t, 1, f.notifier.count())
}

func TestVerifySecondCallIsAlreadySettled(t *testing.T) {
	f := newFixture(t, nil)
	f.seedHappyPath(time.Time{})
	ctx := context.Background()

	first, err := f.verifier.Verify(ctx, f.request.ID, payHash, feeHash, rewardHash)
	require.NoError(t, err)
	require.Equal(t, types.VerdictPaid, first.Status)

	second, err := f.verifier.Verify(ctx, f.request.ID, payHash, feeHash, rewardHash)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRejected, second.Status)
	assert.Equal(t, types.ErrAlreadySettled, second.Reason)
	assert.Equal(t, 1, f.notifier.count(), "only one settlement notification")
}

func TestVerifyConcurrentAttemptsSettleOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.seedHappyPath(time.Time{})

	const attempts = 8
	results := make([]*types.VerificationResult, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.verifier.Verify(context.Background(), f.request.ID, payHash, feeHash, rewardHash)
		}(i)
	}
	wg.Wait()

	paid, rejected := 0, 0
	for i, result := range results {
		require.NoError(t, errs[i])
		switch result.Status {
		case types.VerdictPaid:
			paid++
		case types.VerdictRejected:
			assert.Equal(t, types.ErrAlreadySettled, result.Reason)
			rejected++
		}
	}
	assert.Equal(t, 1, paid, "exactly one PAID verdict")
	assert.Equal(t, attempts-1, rejected)
	assert.Equal(t, 1, f.notifier.count())
}

func TestVerifyUnknownRequest(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.verifier.Verify(context.Background(), "req_missing", payHash, feeHash, rewardHash)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRejected, result.Status)
	assert.Equal(t, types.ErrNotFound, result.Reason)
}

func TestVerifyAmountOneUnitShortIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.seedHappyPath(time.Time{})
	// 1 atomic unit short of 10 USDC. Never "close enough".
	f.chain.results[payHash].Transfers[0].Amount = big.NewInt(9_999_999)
	ctx := context.Background()

	result, err := f.verifier.Verify(ctx, f.request.ID, payHash, feeHash, rewardHash)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRejected, result.Status)
	assert.Equal(t, types.ErrAmountMismatch, result.Reason)
	assert.Equal(t, "10000000", result.Detail["expected"])

	got, err := f.ledger.Get(ctx, f.request.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status, "a rejection never mutates the ledger")
	assert.Equal(t, 0, f.notifier.count())
}

func TestVerifyRevertedTransactionIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.seedHappyPath(time.Time{})
	f.chain.results[payHash].Succeeded = false
	ctx := context.Background()

	result, err := f.verifier.Verify(ctx, f.request.ID, payHash, feeHash, rewardHash)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRejected, result.Status)
	assert.Equal(t, types.ErrTransactionFailed, result.Reason)

	got, err := f.ledger.Get(ctx, f.request.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
}

func TestVerifyWrongRecipientIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.seedHappyPath(time.Time{})
	f.chain.results[payHash].Transfers[0].To = "0x9999999999999999999999999999999999999999"

	result, err := f.verifier.Verify(context.Background(), f.request.ID, payHash, feeHash, rewardHash)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRejected, result.Status)
	assert.Equal(t, types.ErrRecipientMismatch, result.Reason)
}

func TestVerifyWrongTokenIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.seedHappyPath(time.Time{})
	f.chain.results[payHash].Transfers[0].Token = lcxSepolia

	result, err := f.verifier.Verify(context.Background(), f.request.ID, payHash, feeHash, rewardHash)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRejected, result.Status)
	assert.Equal(t, types.ErrTokenMismatch, result.Reason)
}

func TestVerifyWrongSenderIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.seedHappyPath(time.Time{})
	f.chain.results[payHash].Transfers[0].From = "0x9999999999999999999999999999999999999999"

	result, err := f.verifier.Verify(context.Background(), f.request.ID, payHash, feeHash, rewardHash)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRejected, result.Status)
	assert.Equal(t, types.ErrSenderMismatch, result.Reason)
}

func TestVerifyMissingTransactionIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.seedHappyPath(time.Time{})
	delete(f.chain.results, feeHash)
	ctx := context.Background()

	result, err := f.verifier.Verify(ctx, f.request.ID, payHash, feeHash, rewardHash)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRejected, result.Status)
	assert.Equal(t, types.ErrTransactionNotFound, result.Reason)
	assert.Equal(t, "platform_fee", result.Detail["leg"])

	got, err := f.ledger.Get(ctx, f.request.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status, "partial settlement stays PENDING and retryable")
}

func TestVerifyMissingFeeHashIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.seedHappyPath(time.Time{})

	result, err := f.verifier.Verify(context.Background(), f.request.ID, payHash, "", "")
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRejected, result.Status)
	assert.Equal(t, types.ErrTransactionNotFound, result.Reason)
}

func TestVerifyExpiryUsesBlockTime(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour).UTC()
	f := newFixture(t, &expiresAt)
	// The request is still live by wall clock, but the settling payment
	// claims a mined time one second past the deadline.
	f.seedHappyPath(expiresAt.Add(time.Second))
	ctx := context.Background()

	result, err := f.verifier.Verify(ctx, f.request.ID, payHash, feeHash, rewardHash)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRejected, result.Status)
	assert.Equal(t, types.ErrExpired, result.Reason)

	feeTxs := f.store.FeeTransactions()
	require.Len(t, feeTxs, 1)
	assert.Equal(t, types.FeeTxFailed, feeTxs[0].Status, "terminal rejection releases the reservation")
}

func TestVerifyBeforeExpiryByBlockTimeSucceeds(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour).UTC()
	f := newFixture(t, &expiresAt)
	f.seedHappyPath(expiresAt.Add(-time.Second))

	result, err := f.verifier.Verify(context.Background(), f.request.ID, payHash, feeHash, rewardHash)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictPaid, result.Status)
}

func TestVerifyLapsedRequestRejectedBeforeChainRead(t *testing.T) {
	expiresAt := time.Now().Add(-time.Hour).UTC()
	f := newFixture(t, &expiresAt)
	// No transactions seeded: the status gate must reject a wall-clock
	// lapsed request without any chain access.

	result, err := f.verifier.Verify(context.Background(), f.request.ID, payHash, feeHash, rewardHash)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRejected, result.Status)
	assert.Equal(t, types.ErrExpired, result.Reason)
}

func TestVerifyCancelledRequestIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.seedHappyPath(time.Time{})
	ctx := context.Background()
	require.NoError(t, f.ledger.Cancel(ctx, f.request.ID))

	result, err := f.verifier.Verify(ctx, f.request.ID, payHash, feeHash, rewardHash)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRejected, result.Status)
	assert.Equal(t, types.ErrCancelled, result.Reason)
}

func TestVerifyRPCTimeoutHasNoSideEffects(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.errs[payHash] = &types.PayError{Code: types.ErrTimeout, Message: "receipt fetch timed out"}
	ctx := context.Background()

	_, err := f.verifier.Verify(ctx, f.request.ID, payHash, feeHash, rewardHash)
	require.Error(t, err)
	assert.Equal(t, types.ErrTimeout, types.CodeOf(err))
	assert.True(t, types.Retryable(err))

	got, err := f.ledger.Get(ctx, f.request.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, types.FeeTxPending, f.store.FeeTransactions()[0].Status)
}

// staleReadStore serves one stale request snapshot before delegating
// to the backing store, modeling a status read that lands just before
// a concurrent settlement's PENDING to PAID swap.
type staleReadStore struct {
	*store.Memory
	mu       sync.Mutex
	snapshot *types.PaymentRequest
}

func (s *staleReadStore) GetRequest(ctx context.Context, id string) (*types.PaymentRequest, error) {
	s.mu.Lock()
	if s.snapshot != nil && s.snapshot.ID == id {
		snap := *s.snapshot
		s.snapshot = nil
		s.mu.Unlock()
		return &snap, nil
	}
	s.mu.Unlock()
	return s.Memory.GetRequest(ctx, id)
}

// A loser whose status read raced ahead of the winner's swap, and whose
// reservation read landed after the winner collected it, must still see
// already_settled rather than a missing-quote rejection.
func TestVerifyLoserAfterCollectSeesAlreadySettled(t *testing.T) {
	ctx := context.Background()
	st := &staleReadStore{Memory: store.NewMemory()}
	l := ledger.New(st, logger.NoopLogger{})

	usdc, err := types.TokenBySymbol(types.NetworkSepolia, types.SymbolUSDC)
	require.NoError(t, err)
	lcx, err := types.TokenBySymbol(types.NetworkSepolia, types.SymbolLCX)
	require.NoError(t, err)

	req := &types.PaymentRequest{
		Amount:   decimal.NewFromInt(10),
		Token:    usdc,
		Network:  types.NetworkSepolia,
		Receiver: receiver,
	}
	require.NoError(t, l.CreateRequest(ctx, req))
	pendingSnapshot := *req

	quote := &types.FeeQuote{
		FeeToken:      lcx,
		FeeTotal:      decimal.NewFromInt(4),
		PlatformShare: decimal.NewFromInt(2),
		CreatorReward: decimal.NewFromInt(2),
	}
	feeTx, err := l.ReserveFeeTransaction(ctx, req, payer, quote)
	require.NoError(t, err)

	// The winning settlement already transitioned the request and
	// collected the reservation.
	require.NoError(t, l.MarkPaid(ctx, req.ID, time.Now().UTC(), payHash, feeHash, rewardHash))
	require.NoError(t, l.CollectFeeTransaction(ctx, feeTx, payHash, feeHash, rewardHash))

	cfg := &types.FeeConfig{
		RewardFeeAmount:       decimal.NewFromInt(4),
		PlatformShareFraction: decimal.RequireFromString("0.5"),
		CreatorRewardFraction: decimal.RequireFromString("0.5"),
		RewardToken:           lcx,
		TreasuryWallet:        treasury,
		FallbackPriceUSD:      decimal.RequireFromString("0.2"),
	}
	v := verification.NewVerifier(l, func() *types.FeeConfig { return cfg }, &capturingNotifier{}, logger.NoopLogger{}, nil, 5*time.Second)
	require.NoError(t, v.AddClient(types.NetworkSepolia, &fakeChain{results: map[string]*clients.TxResult{}, errs: map[string]error{}}))

	// The loser's status-gate read sees the pre-swap snapshot.
	st.snapshot = &pendingSnapshot

	result, err := v.Verify(ctx, req.ID, payHash, feeHash, rewardHash)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRejected, result.Status)
	assert.Equal(t, types.ErrAlreadySettled, result.Reason)
}

func TestVerifySingleBatchedTransaction(t *testing.T) {
	f := newFixture(t, nil)
	ts := minedAt(time.Time{})
	// One transaction carrying all three transfer events.
	f.chain.results[payHash] = &clients.TxResult{
		Succeeded:      true,
		BlockTimestamp: ts,
		From:           payer,
		Value:          big.NewInt(0),
		Transfers: []clients.TransferEvent{
			{Token: usdcSepolia, From: payer, To: receiver, Amount: big.NewInt(10_000_000)},
			{Token: lcxSepolia, From: payer, To: treasury, Amount: lcxUnits(2)},
			{Token: lcxSepolia, From: payer, To: receiver, Amount: lcxUnits(2)},
		},
	}

	result, err := f.verifier.Verify(context.Background(), f.request.ID, payHash, payHash, payHash)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictPaid, result.Status)
}

func TestVerifyBatchedTransactionEventNotDoubleCounted(t *testing.T) {
	f := newFixture(t, nil)
	ts := minedAt(time.Time{})
	// Only the payment and platform fee events are present; the
	// creator reward leg claims the same hash but has no event left.
	f.chain.results[payHash] = &clients.TxResult{
		Succeeded:      true,
		BlockTimestamp: ts,
		From:           payer,
		Value:          big.NewInt(0),
		Transfers: []clients.TransferEvent{
			{Token: usdcSepolia, From: payer, To: receiver, Amount: big.NewInt(10_000_000)},
			{Token: lcxSepolia, From: payer, To: treasury, Amount: lcxUnits(2)},
		},
	}

	result, err := f.verifier.Verify(context.Background(), f.request.ID, payHash, payHash, payHash)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRejected, result.Status)
}
