/*
Package ledger provides wallet accounting for facilities and professionals.

PURPOSE:
  Every actor that can hold money (a facility funding shifts, a professional
  receiving payouts) owns exactly one wallet. The wallet balance is stored
  with the owner (wallet_balance) and every change to it is recorded as an
  immutable Entry, so "why is my balance X?" is always answerable.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: fixed-point money (2 fractional digits) with a currency
  - Account: which wallet (facility or professional) a posting hits
  - Entry: an immutable record of one balance change
  - Posting: caller-supplied metadata for a debit or credit

INVARIANTS:
  1. Non-negative: a debit that would take the balance below zero is
     rejected (never clamped). See InsufficientFundsError.
  2. Precision: decimal.Decimal everywhere, never float64.
  3. Append-only: entries are never updated or deleted; corrections are
     new entries with the opposite sign.
  4. Idempotent: a posting whose idempotency key already exists is rejected
     with ErrDuplicatePosting, which is how payouts avoid double credit.

SEE ALSO:
  - ledger.go: Debit/Credit operations
  - errors.go: error taxonomy
  - store/memory, store/sqlite: Store implementations
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Fixed-point money
// =============================================================================

// Scale is the number of fractional digits carried by every Amount.
const Scale = 2

type Currency string

const CurrencyNGN Currency = "NGN"

// Amount is a quantity of money. Value never carries more than Scale
// fractional digits once it has passed validation.
type Amount struct {
	Value    decimal.Decimal
	Currency Currency
}

func NewAmount(value decimal.Decimal, currency Currency) Amount {
	return Amount{Value: value, Currency: currency}
}

// MustParse parses a decimal string, panicking on malformed input.
// Intended for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("ledger: bad decimal %q: %v", s, err))
	}
	return d
}

// Round2 rounds half away from zero to Scale digits.
func Round2(d decimal.Decimal) decimal.Decimal { return d.Round(Scale) }

// HasValidScale reports whether d has at most Scale fractional digits.
func HasValidScale(d decimal.Decimal) bool { return d.Equal(d.Round(Scale)) }

// ToMinor converts to integer minor units (kobo, cents). d must have a valid scale.
func ToMinor(d decimal.Decimal) int64 { return d.Shift(Scale).IntPart() }

// FromMinor converts integer minor units back to a decimal.
func FromMinor(minor int64) decimal.Decimal { return decimal.New(minor, -Scale) }

func (a Amount) String() string { return a.Value.StringFixed(Scale) + " " + string(a.Currency) }

func (a Amount) IsPositive() bool { return a.Value.IsPositive() }
func (a Amount) IsNegative() bool { return a.Value.IsNegative() }
func (a Amount) Neg() Amount      { return Amount{Value: a.Value.Neg(), Currency: a.Currency} }

// =============================================================================
// ACCOUNTS
// =============================================================================

type OwnerKind string

const (
	OwnerFacility     OwnerKind = "facility"
	OwnerProfessional OwnerKind = "professional"
)

// Account identifies a wallet by owner.
type Account struct {
	Kind    OwnerKind
	OwnerID string
}

func FacilityAccount(id string) Account     { return Account{Kind: OwnerFacility, OwnerID: id} }
func ProfessionalAccount(id string) Account { return Account{Kind: OwnerProfessional, OwnerID: id} }

func (a Account) String() string { return string(a.Kind) + ":" + a.OwnerID }

// =============================================================================
// ENTRY - Immutable record of a balance change
// =============================================================================

type EntryID string

type EntryType string

const (
	EntryShiftFunding EntryType = "shift_funding" // facility debit at shift creation (escrow)
	EntryPayout       EntryType = "payout"        // professional credit after a completed shift
	EntryRefund       EntryType = "refund"        // facility credit from released escrow
	EntryWithdrawal   EntryType = "withdrawal"    // cash-out debit
	EntryDeposit      EntryType = "deposit"       // admin top-up
)

type Entry struct {
	ID      EntryID
	Account Account
	// Delta is signed: negative for debits, positive for credits.
	Delta          Amount
	BalanceAfter   decimal.Decimal
	Type           EntryType
	ReferenceID    string
	Reason         string
	IdempotencyKey string

	CreatedBy string
	CreatedAt time.Time
}

// IsDebit reports whether the entry reduced the balance.
func (e Entry) IsDebit() bool { return e.Delta.IsNegative() }

// Posting carries the descriptive half of a debit or credit.
type Posting struct {
	Type           EntryType
	ReferenceID    string
	Reason         string
	IdempotencyKey string
	Actor          string
}
