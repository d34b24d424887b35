// Package paycore is a non-custodial fee computation and settlement
// verification engine for on-chain payment links. It decides whether a
// payer's protocol fee is charged in the reward token or the payment
// token, computes the exact platform/creator split, issues the
// deterministic transfer instructions a payer must execute, and
// verifies from raw chain data that a claimed settlement satisfies a
// payment request, idempotently and at most once.
//
// Callers broadcast transactions themselves; this engine only reads
// the chain.
package paycore

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/linkpay/paycore/clients"
	"github.com/linkpay/paycore/fees"
	"github.com/linkpay/paycore/instructions"
	"github.com/linkpay/paycore/ledger"
	"github.com/linkpay/paycore/logger"
	"github.com/linkpay/paycore/metrics"
	"github.com/linkpay/paycore/notify"
	"github.com/linkpay/paycore/oracle"
	"github.com/linkpay/paycore/store"
	"github.com/linkpay/paycore/types"
	"github.com/linkpay/paycore/utils"
	"github.com/linkpay/paycore/verification"
)

// ConfigSource fetches the operator-controlled fee config record.
type ConfigSource interface {
	FetchFeeConfig(ctx context.Context) (*types.FeeConfig, error)
}

// ClientConfig configures chain access for one network.
type ClientConfig struct {
	RPCUrl string `json:"rpcUrl"`
}

type cachedConfig struct {
	cfg       *types.FeeConfig
	fetchedAt time.Time
}

// Engine wires the fee calculator, instruction builder, settlement
// verifier and request ledger behind one facade.
type Engine struct {
	clients      map[types.Network]clients.Client
	store        ledger.Store
	notifier     notify.Notifier
	log          logger.Logger
	metrics      metrics.Recorder
	timeout      time.Duration
	priceSource  oracle.PriceSource
	configSource ConfigSource
	clock        func() time.Time

	config    atomic.Pointer[cachedConfig]
	configTTL time.Duration

	ledger     *ledger.Ledger
	oracle     *oracle.Oracle
	calculator *fees.Calculator
	verifier   *verification.Verifier
}

const defaultTimeout = 10 * time.Second

// New builds an Engine around a validated fee config. The config is
// cached; with a ConfigSource it refreshes on a TTL, and quotes issued
// before a refresh are honored at their original values.
func New(cfg *types.FeeConfig, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		clients:  make(map[types.Network]clients.Client),
		notifier: notify.Noop{},
		log:      logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
		timeout:  defaultTimeout,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.store == nil {
		e.store = store.NewMemory()
	}
	if e.priceSource == nil {
		e.priceSource = oracle.StaticSource{}
	}

	e.configTTL = cfg.PriceCacheTTL
	if e.configTTL <= 0 {
		e.configTTL = oracle.DefaultTTL
	}
	e.config.Store(&cachedConfig{cfg: cfg, fetchedAt: e.clock()})

	e.oracle = oracle.New(e.priceSource, cfg.FallbackPriceUSD, cfg.PriceCacheTTL, cfg.FetchTimeout, e.log)
	e.ledger = ledger.New(e.store, e.log).WithClock(func() time.Time { return e.clock() })
	e.calculator = fees.NewCalculator(e.oracle, e.log).WithClock(func() time.Time { return e.clock() })
	e.verifier = verification.NewVerifier(e.ledger, e.currentConfig, e.notifier, e.log, e.metrics, e.timeout)

	for network, client := range e.clients {
		if err := e.verifier.AddClient(network, client); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// AddNetwork connects a chain client for a network.
func (e *Engine) AddNetwork(network types.Network, cfg ClientConfig) error {
	client, err := clients.NewEVMClient(network, cfg.RPCUrl)
	if err != nil {
		return fmt.Errorf("failed to create chain client for %s: %w", network, err)
	}

	e.clients[network] = client
	return e.verifier.AddClient(network, client)
}

// CreateRequestParams are the validated inputs for a payment link.
// The natural-language layer upstream is expected to have already
// produced structured parameters; the engine never parses free text.
type CreateRequestParams struct {
	Amount         string
	TokenSymbol    string
	CustomContract string // "Pro" mode: arbitrary ERC-20, overrides TokenSymbol lookup
	CustomDecimals int32
	Network        types.Network
	Receiver       string
	CreatorAgentID *string
	ExpiresAt      *time.Time
}

// CreateRequest registers a new PENDING payment request.
func (e *Engine) CreateRequest(ctx context.Context, params CreateRequestParams) (*types.PaymentRequest, error) {
	amount, err := utils.ValidateAmount(params.Amount)
	if err != nil {
		return nil, types.NewPayError(types.ErrInvalidRequest, err.Error())
	}

	var token types.Token
	if params.CustomContract != "" {
		if err := utils.ValidateAddress(params.CustomContract); err != nil {
			return nil, types.NewPayError(types.ErrInvalidRequest, err.Error())
		}
		token = types.CustomToken(params.TokenSymbol, params.CustomContract, params.CustomDecimals)
	} else {
		token, err = types.TokenBySymbol(params.Network, params.TokenSymbol)
		if err != nil {
			return nil, err
		}
	}

	req := &types.PaymentRequest{
		Amount:         amount,
		Token:          token,
		Network:        params.Network,
		Receiver:       params.Receiver,
		CreatorAgentID: params.CreatorAgentID,
		ExpiresAt:      params.ExpiresAt,
	}
	if err := e.ledger.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	e.metrics.IncCounter("request_created", map[string]string{"network": req.Network.String()})
	return req, nil
}

// GetRequest reads a request with lazy expiry applied.
func (e *Engine) GetRequest(ctx context.Context, id string) (*types.PaymentRequest, error) {
	return e.ledger.Get(ctx, id)
}

// CancelRequest cancels a PENDING request. Creator-only enforcement is
// the caller's responsibility (auth lives outside the core).
func (e *Engine) CancelRequest(ctx context.Context, id string) error {
	return e.ledger.Cancel(ctx, id)
}

// Quote computes the fee for a pay attempt and returns the payer-facing
// instruction set. Its only side effect is creating or refreshing the
// PENDING fee transaction that locks the quote for later verification.
func (e *Engine) Quote(ctx context.Context, requestID, payer string) (*types.FeeQuote, *types.InstructionSet, error) {
	if err := utils.ValidateAddress(payer); err != nil {
		return nil, nil, types.NewPayError(types.ErrInvalidRequest, err.Error())
	}

	req, err := e.ledger.Get(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	switch req.Status {
	case types.StatusPaid:
		return nil, nil, types.NewPayError(types.ErrAlreadySettled, fmt.Sprintf("request %s is already settled", requestID))
	case types.StatusCancelled:
		return nil, nil, types.NewPayError(types.ErrCancelled, fmt.Sprintf("request %s is cancelled", requestID))
	case types.StatusExpired:
		return nil, nil, types.NewPayError(types.ErrExpired, fmt.Sprintf("request %s has expired", requestID))
	}

	client, ok := e.clients[req.Network]
	if !ok {
		return nil, nil, &types.PayError{
			Code:    types.ErrInvalidNetwork,
			Message: fmt.Sprintf("no chain client configured for network %s", req.Network),
		}
	}

	quoteCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cfg := e.currentConfig()
	quote, err := e.calculator.Quote(quoteCtx, client, payer, req, cfg)
	if err != nil {
		return nil, nil, err
	}

	if _, err := e.ledger.ReserveFeeTransaction(ctx, req, payer, quote); err != nil {
		return nil, nil, err
	}

	e.metrics.IncCounter("quote_issued", map[string]string{"network": req.Network.String()})
	return quote, instructions.Build(req, quote, cfg), nil
}

// Verify checks a settlement claim. See verification.Verifier.Verify.
func (e *Engine) Verify(ctx context.Context, requestID, txHash, feeTxHash, rewardTxHash string) (*types.VerificationResult, error) {
	if err := utils.ValidateTxHash(txHash); err != nil {
		return nil, types.NewPayError(types.ErrInvalidRequest, err.Error())
	}
	// A fee leg may be settled by the payment hash or omitted when the
	// leg is zero, but a hash that is present must be well-formed.
	for _, hash := range []string{feeTxHash, rewardTxHash} {
		if hash == "" {
			continue
		}
		if err := utils.ValidateTxHash(hash); err != nil {
			return nil, types.NewPayError(types.ErrInvalidRequest, err.Error())
		}
	}
	return e.verifier.Verify(ctx, requestID, txHash, feeTxHash, rewardTxHash)
}

// SweepExpired durably marks lapsed PENDING requests EXPIRED. Hosts
// typically run this on a schedule; reads already treat lapsed
// requests as expired either way.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	return e.ledger.SweepExpired(ctx)
}

// RefreshFeeConfig refetches the fee config immediately, regardless of
// TTL. No-op without a ConfigSource.
func (e *Engine) RefreshFeeConfig(ctx context.Context) error {
	if e.configSource == nil {
		return nil
	}

	cfg, err := e.configSource.FetchFeeConfig(ctx)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.config.Store(&cachedConfig{cfg: cfg, fetchedAt: e.clock()})
	e.log.Info("fee config refreshed", map[string]any{
		"rewardFeeAmount": cfg.RewardFeeAmount.String(),
		"treasuryWallet":  cfg.TreasuryWallet,
	})
	return nil
}

// currentConfig serves the cached fee config, refreshing past the TTL
// when a source is configured. A failed refresh keeps the old value,
// so readers are never blocked and never see a partial config.
func (e *Engine) currentConfig() *types.FeeConfig {
	cached := e.config.Load()
	if e.configSource == nil || e.clock().Sub(cached.fetchedAt) < e.configTTL {
		return cached.cfg
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	if err := e.RefreshFeeConfig(ctx); err != nil {
		e.log.Warn("fee config refresh failed, keeping cached value", map[string]any{"error": err.Error()})
		return cached.cfg
	}
	return e.config.Load().cfg
}

// Close releases all chain client connections.
func (e *Engine) Close() {
	for _, client := range e.clients {
		client.Close()
	}
}
