package types

// PayError is the structured error type surfaced by the core. Code is a
// stable machine-readable identifier; Data carries expected-vs-actual
// detail for rendering a precise caller-facing message.
type PayError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *PayError) Error() string {
	return e.Message
}

// Error codes.
const (
	ErrNotFound            = "request_not_found"
	ErrAlreadySettled      = "already_settled"
	ErrCancelled           = "request_cancelled"
	ErrExpired             = "payment_expired"
	ErrTransactionNotFound = "transaction_not_found"
	ErrTransactionFailed   = "transaction_failed"
	ErrAmountMismatch      = "amount_mismatch"
	ErrRecipientMismatch   = "recipient_mismatch"
	ErrSenderMismatch      = "sender_mismatch"
	ErrTokenMismatch       = "token_mismatch"
	ErrBalanceUnavailable  = "balance_unavailable"
	ErrPriceUnavailable    = "price_unavailable"
	ErrTimeout             = "rpc_timeout"
	ErrInvalidNetwork      = "invalid_network"
	ErrInvalidRequest      = "invalid_request"
	ErrInvalidConfig       = "invalid_config"
	ErrInvalidTransition   = "invalid_status_transition"
	ErrQuoteNotFound       = "quote_not_found"
)

// NewPayError builds a PayError with a code and message.
func NewPayError(code, message string) *PayError {
	return &PayError{Code: code, Message: message}
}

// WithData attaches structured detail to the error and returns it.
func (e *PayError) WithData(data map[string]any) *PayError {
	e.Data = data
	return e
}

// CodeOf extracts the PayError code from an error, or empty string.
func CodeOf(err error) string {
	if pe, ok := err.(*PayError); ok {
		return pe.Code
	}
	return ""
}

// Retryable reports whether the caller may safely retry the operation
// that produced this error.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrTimeout, ErrBalanceUnavailable, ErrTransactionNotFound:
		return true
	}
	return false
}
