// Package ledger owns the payment request lifecycle. A request moves
// PENDING → {PAID, EXPIRED, CANCELLED}; all three are terminal. The
// PAID transition is a conditional write on the store, so two racing
// settlement attempts resolve to exactly one winner.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/linkpay/paycore/logger"
	"github.com/linkpay/paycore/types"
)

// Store is the persistence contract. Implementations must make
// CompareAndSwapStatus atomic (row-level conditional write); the rest
// are plain keyed reads and writes.
type Store interface {
	CreateRequest(ctx context.Context, req *types.PaymentRequest) error
	GetRequest(ctx context.Context, id string) (*types.PaymentRequest, error)
	ListRequestsByStatus(ctx context.Context, status types.RequestStatus) ([]*types.PaymentRequest, error)

	// CompareAndSwapStatus transitions the request's status only if it
	// currently equals from. Returns false (no error) when the request
	// exists but the status did not match.
	CompareAndSwapStatus(ctx context.Context, id string, from, to types.RequestStatus) (bool, error)

	// RecordSettlement stamps paidAt and the three transaction hashes.
	// Called exactly once, after a successful PENDING→PAID swap.
	RecordSettlement(ctx context.Context, id string, paidAt time.Time, txHash, feeTxHash, rewardTxHash string) error

	AppendFeeTransaction(ctx context.Context, feeTx *types.FeeTransaction) error
	UpdateFeeTransaction(ctx context.Context, feeTx *types.FeeTransaction) error

	// PendingFeeTransaction returns the most recent PENDING fee
	// transaction for a request, holding the locked quote that
	// settlement is verified against.
	PendingFeeTransaction(ctx context.Context, requestID string) (*types.FeeTransaction, error)
}

// Ledger is the request state machine over a Store.
type Ledger struct {
	store Store
	log   logger.Logger
	clock func() time.Time
}

func New(store Store, log logger.Logger) *Ledger {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Ledger{
		store: store,
		log:   log,
		clock: time.Now,
	}
}

// WithClock overrides the time source. Intended for tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// NewRequestID generates a format-stable request id.
func NewRequestID() string {
	return "req_" + uuid.NewString()
}

// NewFeeTxID generates a format-stable fee transaction id.
func NewFeeTxID() string {
	return "fee_" + uuid.NewString()
}

// CreateRequest validates and persists a new PENDING request.
func (l *Ledger) CreateRequest(ctx context.Context, req *types.PaymentRequest) error {
	if req.ID == "" {
		req.ID = NewRequestID()
	}
	req.Status = types.StatusPending
	req.CreatedAt = l.clock().UTC()

	if err := req.Validate(); err != nil {
		return err
	}
	return l.store.CreateRequest(ctx, req)
}

// Get returns a request with expiry applied lazily: a PENDING request
// whose ExpiresAt has passed reads as EXPIRED even before any sweep
// has marked it.
func (l *Ledger) Get(ctx context.Context, id string) (*types.PaymentRequest, error) {
	req, err := l.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Status == types.StatusPending && req.ExpiresAt != nil && l.clock().After(*req.ExpiresAt) {
		req.Status = types.StatusExpired
	}
	return req, nil
}

// Cancel transitions PENDING → CANCELLED. Legal only while PENDING.
func (l *Ledger) Cancel(ctx context.Context, id string) error {
	req, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.Status != types.StatusPending {
		return &types.PayError{
			Code:    types.ErrInvalidTransition,
			Message: fmt.Sprintf("cannot cancel request in status %s", req.Status),
			Data:    map[string]any{"status": req.Status},
		}
	}

	swapped, err := l.store.CompareAndSwapStatus(ctx, id, types.StatusPending, types.StatusCancelled)
	if err != nil {
		return err
	}
	if !swapped {
		return &types.PayError{
			Code:    types.ErrInvalidTransition,
			Message: "request left PENDING during cancellation",
		}
	}
	return nil
}

// MarkPaid performs the at-most-once PENDING → PAID transition and
// stamps the settlement details. A loser of a concurrent race gets
// already_settled; no side effect happens on the losing path.
func (l *Ledger) MarkPaid(ctx context.Context, id string, paidAt time.Time, txHash, feeTxHash, rewardTxHash string) error {
	swapped, err := l.store.CompareAndSwapStatus(ctx, id, types.StatusPending, types.StatusPaid)
	if err != nil {
		return err
	}
	if !swapped {
		req, getErr := l.store.GetRequest(ctx, id)
		if getErr != nil {
			return getErr
		}
		if req.Status == types.StatusPaid {
			return &types.PayError{
				Code:    types.ErrAlreadySettled,
				Message: fmt.Sprintf("request %s is already settled", id),
			}
		}
		return &types.PayError{
			Code:    types.ErrInvalidTransition,
			Message: fmt.Sprintf("request %s is %s, not PENDING", id, req.Status),
			Data:    map[string]any{"status": req.Status},
		}
	}

	if err := l.store.RecordSettlement(ctx, id, paidAt, txHash, feeTxHash, rewardTxHash); err != nil {
		return err
	}

	l.log.Info("request settled", map[string]any{
		"requestId": id,
		"txHash":    txHash,
		"paidAt":    paidAt,
	})
	return nil
}

// ReserveFeeTransaction records the locked quote for a pay attempt.
// Re-quoting with the same payer refreshes the existing PENDING
// reservation instead of stacking a new one.
func (l *Ledger) ReserveFeeTransaction(ctx context.Context, req *types.PaymentRequest, payer string, quote *types.FeeQuote) (*types.FeeTransaction, error) {
	now := l.clock().UTC()

	existing, err := l.store.PendingFeeTransaction(ctx, req.ID)
	if err == nil && existing.Payer == payer {
		existing.Quote = *quote
		existing.UpdatedAt = now
		if err := l.store.UpdateFeeTransaction(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	feeTx := &types.FeeTransaction{
		ID:        NewFeeTxID(),
		RequestID: req.ID,
		Payer:     payer,
		Creator:   req.Receiver,
		Quote:     *quote,
		Status:    types.FeeTxPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.AppendFeeTransaction(ctx, feeTx); err != nil {
		return nil, err
	}
	return feeTx, nil
}

// LockedQuote fetches the PENDING fee transaction verification must
// validate against. Quotes are locked at issue time, never re-priced.
func (l *Ledger) LockedQuote(ctx context.Context, requestID string) (*types.FeeTransaction, error) {
	return l.store.PendingFeeTransaction(ctx, requestID)
}

// CollectFeeTransaction marks the reservation COLLECTED with the three
// observed transaction hashes.
func (l *Ledger) CollectFeeTransaction(ctx context.Context, feeTx *types.FeeTransaction, txHash, feeTxHash, rewardTxHash string) error {
	feeTx.Status = types.FeeTxCollected
	feeTx.PaymentTxHash = txHash
	feeTx.PlatformTxHash = feeTxHash
	feeTx.RewardTxHash = rewardTxHash
	feeTx.UpdatedAt = l.clock().UTC()
	return l.store.UpdateFeeTransaction(ctx, feeTx)
}

// FailFeeTransaction marks the reservation FAILED (verification
// failure or timeout decided by the caller).
func (l *Ledger) FailFeeTransaction(ctx context.Context, feeTx *types.FeeTransaction) error {
	feeTx.Status = types.FeeTxFailed
	feeTx.UpdatedAt = l.clock().UTC()
	return l.store.UpdateFeeTransaction(ctx, feeTx)
}

// SweepExpired explicitly marks lapsed PENDING requests EXPIRED. Reads
// already treat them as expired; the sweep just makes it durable.
func (l *Ledger) SweepExpired(ctx context.Context) (int, error) {
	pending, err := l.store.ListRequestsByStatus(ctx, types.StatusPending)
	if err != nil {
		return 0, err
	}

	now := l.clock()
	marked := 0
	for _, req := range pending {
		if req.ExpiresAt == nil || !now.After(*req.ExpiresAt) {
			continue
		}
		swapped, err := l.store.CompareAndSwapStatus(ctx, req.ID, types.StatusPending, types.StatusExpired)
		if err != nil {
			return marked, err
		}
		if swapped {
			marked++
		}
	}
	return marked, nil
}
