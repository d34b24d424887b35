// Package store provides the default in-memory implementation of the
// ledger's persistence contract. Production deployments plug in their
// own store; this one backs tests and single-process embedding.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linkpay/paycore/ledger"
	"github.com/linkpay/paycore/types"
)

var _ ledger.Store = (*Memory)(nil)

// Memory keeps requests and fee transactions in process memory.
// CompareAndSwapStatus is atomic under the store mutex, which is the
// whole point: a single winner per status transition.
type Memory struct {
	mu       sync.RWMutex
	requests map[string]*types.PaymentRequest
	feeTxs   []*types.FeeTransaction
}

func NewMemory() *Memory {
	return &Memory{
		requests: make(map[string]*types.PaymentRequest),
	}
}

func (m *Memory) CreateRequest(_ context.Context, req *types.PaymentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requests[req.ID]; exists {
		return &types.PayError{
			Code:    types.ErrInvalidRequest,
			Message: fmt.Sprintf("request %s already exists", req.ID),
		}
	}

	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *Memory) GetRequest(_ context.Context, id string) (*types.PaymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, &types.PayError{
			Code:    types.ErrNotFound,
			Message: fmt.Sprintf("request %s not found", id),
		}
	}

	cp := *req
	return &cp, nil
}

func (m *Memory) ListRequestsByStatus(_ context.Context, status types.RequestStatus) ([]*types.PaymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.PaymentRequest
	for _, req := range m.requests {
		if req.Status == status {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) CompareAndSwapStatus(_ context.Context, id string, from, to types.RequestStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return false, &types.PayError{
			Code:    types.ErrNotFound,
			Message: fmt.Sprintf("request %s not found", id),
		}
	}
	if req.Status != from {
		return false, nil
	}
	req.Status = to
	return true, nil
}

func (m *Memory) RecordSettlement(_ context.Context, id string, paidAt time.Time, txHash, feeTxHash, rewardTxHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return &types.PayError{
			Code:    types.ErrNotFound,
			Message: fmt.Sprintf("request %s not found", id),
		}
	}

	req.PaidAt = &paidAt
	req.TxHash = &txHash
	req.FeeTxHash = &feeTxHash
	req.CreatorRewardTxHash = &rewardTxHash
	return nil
}

func (m *Memory) AppendFeeTransaction(_ context.Context, feeTx *types.FeeTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *feeTx
	m.feeTxs = append(m.feeTxs, &cp)
	return nil
}

func (m *Memory) UpdateFeeTransaction(_ context.Context, feeTx *types.FeeTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.feeTxs {
		if existing.ID == feeTx.ID {
			cp := *feeTx
			m.feeTxs[i] = &cp
			return nil
		}
	}
	return &types.PayError{
		Code:    types.ErrQuoteNotFound,
		Message: fmt.Sprintf("fee transaction %s not found", feeTx.ID),
	}
}

func (m *Memory) PendingFeeTransaction(_ context.Context, requestID string) (*types.FeeTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Newest first: reservations are appended in order.
	for i := len(m.feeTxs) - 1; i >= 0; i-- {
		if m.feeTxs[i].RequestID == requestID && m.feeTxs[i].Status == types.FeeTxPending {
			cp := *m.feeTxs[i]
			return &cp, nil
		}
	}
	return nil, &types.PayError{
		Code:    types.ErrQuoteNotFound,
		Message: fmt.Sprintf("no pending fee transaction for request %s", requestID),
	}
}

// FeeTransactions returns a snapshot of the append-only fee log.
func (m *Memory) FeeTransactions() []*types.FeeTransaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.FeeTransaction, 0, len(m.feeTxs))
	for _, feeTx := range m.feeTxs {
		cp := *feeTx
		out = append(out, &cp)
	}
	return out
}
