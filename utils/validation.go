// Package utils holds small validation helpers shared by the engine's
// inbound surface.
package utils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var hexRe = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// ValidateAmount parses a positive decimal amount string.
func ValidateAmount(amount string) (decimal.Decimal, error) {
	if amount == "" {
		return decimal.Decimal{}, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid amount format: %w", err)
	}
	if !dec.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("amount must be strictly positive")
	}
	return dec, nil
}

// ValidateTxHash checks an EVM transaction hash (0x + 64 hex chars).
func ValidateTxHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}
	if !strings.HasPrefix(hash, "0x") {
		return fmt.Errorf("transaction hash must start with 0x")
	}
	if len(hash) != 66 {
		return fmt.Errorf("transaction hash must be 66 characters long")
	}
	if !hexRe.MatchString(hash[2:]) {
		return fmt.Errorf("transaction hash must be valid hex")
	}
	return nil
}

// ValidateAddress checks an EVM address (0x + 40 hex chars).
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !strings.HasPrefix(addr, "0x") {
		return fmt.Errorf("address must start with 0x")
	}
	if len(addr) != 42 {
		return fmt.Errorf("address must be 42 characters long")
	}
	if !hexRe.MatchString(addr[2:]) {
		return fmt.Errorf("address must be valid hex")
	}
	return nil
}
