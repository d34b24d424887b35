package types

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// RequestStatus is the lifecycle state of a payment request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "PENDING"
	StatusPaid      RequestStatus = "PAID"
	StatusExpired   RequestStatus = "EXPIRED"
	StatusCancelled RequestStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool {
	return s == StatusPaid || s == StatusExpired || s == StatusCancelled
}

// FeeTxStatus is the lifecycle state of a fee transaction record.
type FeeTxStatus string

const (
	FeeTxPending   FeeTxStatus = "PENDING"
	FeeTxCollected FeeTxStatus = "COLLECTED"
	FeeTxFailed    FeeTxStatus = "FAILED"
)

// PaymentRequest is a payment link awaiting settlement. Receiver is
// immutable after creation; the tx hash fields and PaidAt are populated
// exactly once, on successful verification.
type PaymentRequest struct {
	ID             string          `json:"id" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Token          Token           `json:"token"`
	Network        Network         `json:"network" validate:"required"`
	Receiver       string          `json:"receiver" validate:"required,eth_addr"`
	CreatorAgentID *string         `json:"creatorAgentId,omitempty"`
	Status         RequestStatus   `json:"status"`
	ExpiresAt      *time.Time      `json:"expiresAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`

	TxHash              *string    `json:"txHash,omitempty"`
	FeeTxHash           *string    `json:"feeTxHash,omitempty"`
	CreatorRewardTxHash *string    `json:"creatorRewardTxHash,omitempty"`
	PaidAt              *time.Time `json:"paidAt,omitempty"`
}

// Validate checks the request for structural validity.
func (r *PaymentRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return NewPayError(ErrInvalidRequest, err.Error())
	}
	if !r.Network.IsSupported() {
		return NewPayError(ErrInvalidNetwork, fmt.Sprintf("unsupported network: %s", r.Network))
	}
	if !r.Amount.IsPositive() {
		return NewPayError(ErrInvalidRequest, "amount must be strictly positive")
	}
	if r.Amount.Exponent() < -r.Token.Decimals {
		return NewPayError(ErrInvalidRequest,
			fmt.Sprintf("amount precision exceeds %d decimals of %s", r.Token.Decimals, r.Token.Symbol))
	}
	return nil
}

// FeeQuote is an ephemeral fee computation for one pay attempt. The
// invariant PlatformShare + CreatorReward == FeeTotal holds exactly;
// any division remainder lands on the platform share.
type FeeQuote struct {
	FeeToken          Token           `json:"feeToken"`
	FeeTotal          decimal.Decimal `json:"feeTotal"`
	PlatformShare     decimal.Decimal `json:"platformShare"`
	CreatorReward     decimal.Decimal `json:"creatorReward"`
	ReferencePriceUSD decimal.Decimal `json:"referencePriceUsd"`
	QuotedAt          time.Time       `json:"quotedAt"`
}

// FeeTransaction is the persisted, append-only record of a quote that
// was issued to a payer. It reserves the quote so verification later
// validates against the locked amounts, never a re-priced quote.
type FeeTransaction struct {
	ID        string      `json:"id"`
	RequestID string      `json:"requestId"`
	Payer     string      `json:"payer"`
	Creator   string      `json:"creator"`
	Quote     FeeQuote    `json:"quote"`
	Status    FeeTxStatus `json:"status"`

	PaymentTxHash  string `json:"paymentTxHash,omitempty"`
	PlatformTxHash string `json:"platformTxHash,omitempty"`
	RewardTxHash   string `json:"rewardTxHash,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FeeConfig is the operator-controlled fee policy. It is read-mostly
// and cached; a change applies only to quotes computed after refresh.
type FeeConfig struct {
	// RewardFeeAmount is the flat protocol fee denominated in the
	// reward token (e.g. 4 LCX).
	RewardFeeAmount decimal.Decimal `json:"rewardFeeAmount"`

	// PlatformShareFraction + CreatorRewardFraction must equal 1 exactly.
	PlatformShareFraction decimal.Decimal `json:"platformShareFraction"`
	CreatorRewardFraction decimal.Decimal `json:"creatorRewardFraction"`

	RewardToken    Token  `json:"rewardToken"`
	TreasuryWallet string `json:"treasuryWallet" validate:"required,eth_addr"`

	PriceCacheTTL    time.Duration   `json:"priceCacheTtlSeconds"`
	FetchTimeout     time.Duration   `json:"fetchTimeoutSeconds"`
	FallbackPriceUSD decimal.Decimal `json:"fallbackPriceUsd"`
}

// Validate checks the fee policy for internal consistency.
func (c *FeeConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return NewPayError(ErrInvalidConfig, err.Error())
	}
	if !c.RewardFeeAmount.IsPositive() {
		return NewPayError(ErrInvalidConfig, "rewardFeeAmount must be positive")
	}
	if c.PlatformShareFraction.IsNegative() || c.CreatorRewardFraction.IsNegative() {
		return NewPayError(ErrInvalidConfig, "share fractions must be non-negative")
	}
	if !c.PlatformShareFraction.Add(c.CreatorRewardFraction).Equal(decimal.NewFromInt(1)) {
		return NewPayError(ErrInvalidConfig, "platformShareFraction and creatorRewardFraction must sum to 1")
	}
	if !c.FallbackPriceUSD.IsPositive() {
		return NewPayError(ErrInvalidConfig, "fallbackPriceUsd must be positive")
	}
	return nil
}

// Transfer is one line item a payer must execute.
type Transfer struct {
	Description string          `json:"description"`
	Token       Token           `json:"token"`
	Amount      decimal.Decimal `json:"amount"`
	To          string          `json:"to"`
}

// InstructionSet is the ordered list of transfers that satisfies a
// payment request plus its fee. Always three items: payment, platform
// fee, creator reward, in that order.
type InstructionSet struct {
	RequestID string     `json:"requestId"`
	Transfers []Transfer `json:"transfers"`
}

// VerdictStatus is the outcome of a settlement verification.
type VerdictStatus string

const (
	VerdictPaid     VerdictStatus = "PAID"
	VerdictRejected VerdictStatus = "REJECTED"
)

// VerificationResult is the verdict rendered for a settlement claim.
// Reason is a PayError code when Status is REJECTED.
type VerificationResult struct {
	Status VerdictStatus  `json:"status"`
	Reason string         `json:"reason,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`

	PaymentTxHash  string `json:"paymentTxHash,omitempty"`
	PlatformTxHash string `json:"platformTxHash,omitempty"`
	RewardTxHash   string `json:"rewardTxHash,omitempty"`
}

// Rejected builds a REJECTED result from an error code and detail.
func Rejected(reason string, detail map[string]any) *VerificationResult {
	return &VerificationResult{Status: VerdictRejected, Reason: reason, Detail: detail}
}
