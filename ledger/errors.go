package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount is returned for non-positive amounts or amounts with
	// more than two fractional digits.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrDuplicatePosting is returned when an entry with the same idempotency
	// key already exists. Expected on retries.
	ErrDuplicatePosting = errors.New("duplicate idempotency key")

	// ErrAccountNotFound is returned when the wallet owner does not exist.
	ErrAccountNotFound = errors.New("account not found")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	Account   Account
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in %s: available %s, requested %s",
		e.Account, e.Available.StringFixed(Scale), e.Requested.StringFixed(Scale))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }
