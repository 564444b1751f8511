package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Persistence contract for wallets
// =============================================================================

// Store persists wallet balances and their entries.
//
// ApplyEntry is the only write. It must be atomic per account: the balance
// read, the non-negative check and the write happen as one unit (a held
// lock or a conditional UPDATE), never as read-then-write in separate steps.
type Store interface {
	// ApplyEntry adds entry.Delta to the account balance and appends the
	// entry with BalanceAfter filled in. Returns *InsufficientFundsError if
	// the balance would go negative, ErrDuplicatePosting if the idempotency
	// key exists, ErrAccountNotFound if the owner does not exist.
	ApplyEntry(ctx context.Context, entry Entry) (Entry, error)

	// Balance returns the current wallet balance.
	Balance(ctx context.Context, account Account) (decimal.Decimal, error)

	// Entries returns the account's entries, oldest first.
	Entries(ctx context.Context, account Account) ([]Entry, error)
}

// =============================================================================
// LEDGER - Debit/Credit with validation
// =============================================================================

type Ledger struct {
	Store    Store
	Currency Currency
	Now      func() time.Time
}

// New returns a ledger over store. Inside a transaction, pass the
// transactional view so postings commit or roll back with the caller.
func New(store Store, currency Currency) *Ledger {
	if currency == "" {
		currency = CurrencyNGN
	}
	return &Ledger{Store: store, Currency: currency, Now: time.Now}
}

// Debit removes amount from the account. The balance is left unchanged and
// an *InsufficientFundsError returned when it cannot cover the amount.
func (l *Ledger) Debit(ctx context.Context, account Account, amount decimal.Decimal, p Posting) (Entry, error) {
	if err := ValidateAmount(amount); err != nil {
		return Entry{}, err
	}
	return l.apply(ctx, account, amount.Neg(), p)
}

// Credit adds amount to the account.
func (l *Ledger) Credit(ctx context.Context, account Account, amount decimal.Decimal, p Posting) (Entry, error) {
	if err := ValidateAmount(amount); err != nil {
		return Entry{}, err
	}
	return l.apply(ctx, account, amount, p)
}

func (l *Ledger) Balance(ctx context.Context, account Account) (Amount, error) {
	b, err := l.Store.Balance(ctx, account)
	if err != nil {
		return Amount{}, err
	}
	return NewAmount(b, l.Currency), nil
}

func (l *Ledger) History(ctx context.Context, account Account) ([]Entry, error) {
	return l.Store.Entries(ctx, account)
}

func (l *Ledger) apply(ctx context.Context, account Account, delta decimal.Decimal, p Posting) (Entry, error) {
	entry := Entry{
		ID:             EntryID(uuid.NewString()),
		Account:        account,
		Delta:          NewAmount(delta, l.Currency),
		Type:           p.Type,
		ReferenceID:    p.ReferenceID,
		Reason:         p.Reason,
		IdempotencyKey: p.IdempotencyKey,
		CreatedBy:      p.Actor,
		CreatedAt:      l.Now().UTC(),
	}
	applied, err := l.Store.ApplyEntry(ctx, entry)
	if err != nil {
		return Entry{}, fmt.Errorf("%s %s on %s: %w", p.Type, entry.Delta, account, err)
	}
	return applied, nil
}

// ValidateAmount rejects zero, negative and sub-kobo amounts.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, amount)
	}
	if !HasValidScale(amount) {
		return fmt.Errorf("%w: %s has more than %d fractional digits", ErrInvalidAmount, amount, Scale)
	}
	return nil
}
