package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shifta/marketplace-engine/ledger"
	"github.com/shifta/marketplace-engine/notify"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SHIFT LISTINGS
// =============================================================================

// ListOpenShifts returns OPEN shifts, optionally of one specialty, soonest
// first.
func (e *Engine) ListOpenShifts(ctx context.Context, specialty string) ([]Shift, error) {
	return e.Store.ListShifts(ctx, ShiftFilter{
		Specialty: strings.TrimSpace(specialty),
		Statuses:  []ShiftStatus{ShiftOpen},
	})
}

// FacilityShift is a shift with its applications, as the owner sees it.
type FacilityShift struct {
	Shift        Shift
	Applications []Application
}

func (e *Engine) ListFacilityShifts(ctx context.Context, actor Actor) ([]FacilityShift, error) {
	if err := requireRole(actor, RoleFacility); err != nil {
		return nil, err
	}
	shifts, err := e.Store.ListShifts(ctx, ShiftFilter{FacilityID: actor.ID})
	if err != nil {
		return nil, err
	}
	out := make([]FacilityShift, 0, len(shifts))
	for _, s := range shifts {
		apps, err := e.Store.ListApplications(ctx, ApplicationFilter{ShiftID: s.ID})
		if err != nil {
			return nil, err
		}
		out = append(out, FacilityShift{Shift: s, Applications: apps})
	}
	return out, nil
}

// ProfessionalShift is one of the professional's applications with its shift.
type ProfessionalShift struct {
	Application Application
	Shift       Shift
}

func (e *Engine) ListProfessionalShifts(ctx context.Context, actor Actor) ([]ProfessionalShift, error) {
	if err := requireRole(actor, RoleProfessional); err != nil {
		return nil, err
	}
	apps, err := e.Store.ListApplications(ctx, ApplicationFilter{ProfessionalID: actor.ID})
	if err != nil {
		return nil, err
	}
	out := make([]ProfessionalShift, 0, len(apps))
	for _, a := range apps {
		s, err := e.Store.GetShift(ctx, a.ShiftID)
		if err != nil {
			return nil, err
		}
		out = append(out, ProfessionalShift{Application: a, Shift: *s})
	}
	return out, nil
}

// =============================================================================
// WALLET
// =============================================================================

func accountOf(actor Actor) (ledger.Account, error) {
	switch actor.Role {
	case RoleFacility:
		return ledger.FacilityAccount(actor.ID), nil
	case RoleProfessional:
		return ledger.ProfessionalAccount(actor.ID), nil
	default:
		return ledger.Account{}, fmt.Errorf("%w: %s has no wallet", ErrPermissionDenied, actor.Role)
	}
}

func (e *Engine) WalletBalance(ctx context.Context, actor Actor) (ledger.Amount, error) {
	account, err := accountOf(actor)
	if err != nil {
		return ledger.Amount{}, err
	}
	return e.ledgerFor(e.Store).Balance(ctx, account)
}

// ListTransactions returns the actor's wallet entries, oldest first.
func (e *Engine) ListTransactions(ctx context.Context, actor Actor) ([]ledger.Entry, error) {
	account, err := accountOf(actor)
	if err != nil {
		return nil, err
	}
	return e.ledgerFor(e.Store).History(ctx, account)
}

// Withdraw debits the actor's own wallet. Payment rails are outside the
// engine; the entry id is the withdrawal reference.
func (e *Engine) Withdraw(ctx context.Context, actor Actor, amount decimal.Decimal) (*ledger.Entry, error) {
	account, err := accountOf(actor)
	if err != nil {
		return nil, err
	}
	var entry ledger.Entry
	err = e.run(ctx, func(tx Tx, out *outbox) error {
		var err error
		entry, err = e.ledgerFor(tx).Debit(ctx, account, amount, ledger.Posting{
			Type:        ledger.EntryWithdrawal,
			ReferenceID: uuid.NewString(),
			Reason:      "wallet withdrawal",
			Actor:       actor.String(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.Logger.Info().Str("account", account.String()).Str("amount", amount.StringFixed(2)).Msg("withdrawal")
	return &entry, nil
}

// Deposit credits a wallet. Admin only; reference is the external payment
// id and doubles as the idempotency key when given.
func (e *Engine) Deposit(ctx context.Context, actor Actor, account ledger.Account, amount decimal.Decimal, reference string) (*ledger.Entry, error) {
	if err := requireRole(actor, RoleAdmin); err != nil {
		return nil, err
	}
	key := ""
	if reference != "" {
		key = "deposit:" + reference
	}
	var entry ledger.Entry
	err := e.run(ctx, func(tx Tx, out *outbox) error {
		var err error
		entry, err = e.ledgerFor(tx).Credit(ctx, account, amount, ledger.Posting{
			Type:           ledger.EntryDeposit,
			ReferenceID:    reference,
			Reason:         "wallet top-up",
			IdempotencyKey: key,
			Actor:          actor.String(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// AdjustCreditLimit sets a facility's credit limit. The limit is reported
// alongside the balance and never allows the balance below zero.
func (e *Engine) AdjustCreditLimit(ctx context.Context, actor Actor, facilityID string, limit decimal.Decimal) (*Facility, error) {
	if err := requireRole(actor, RoleAdmin); err != nil {
		return nil, err
	}
	if limit.IsNegative() || !ledger.HasValidScale(limit) {
		return nil, fmt.Errorf("%w: credit limit %s", ErrInvalidAmount, limit)
	}
	var f *Facility
	err := e.run(ctx, func(tx Tx, out *outbox) error {
		var err error
		f, err = tx.GetFacility(ctx, facilityID)
		if err != nil {
			return err
		}
		f.CreditLimit = limit
		return tx.SaveFacility(ctx, *f)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// =============================================================================
// ONBOARDING
// =============================================================================

// SaveFacility creates or updates a facility profile. Admin only.
func (e *Engine) SaveFacility(ctx context.Context, actor Actor, f Facility) (*Facility, error) {
	if err := requireRole(actor, RoleAdmin); err != nil {
		return nil, err
	}
	if strings.TrimSpace(f.Name) == "" {
		return nil, invalidInput("facility name is required")
	}
	if f.Location != nil {
		if err := f.Location.Validate(); err != nil {
			return nil, err
		}
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Currency == "" {
		f.Currency = e.Config.Currency
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = e.now()
	}
	var saved *Facility
	err := e.run(ctx, func(tx Tx, out *outbox) error {
		if err := tx.SaveFacility(ctx, f); err != nil {
			return err
		}
		var err error
		saved, err = tx.GetFacility(ctx, f.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// SaveProfessional creates or updates a professional profile. Admin only.
func (e *Engine) SaveProfessional(ctx context.Context, actor Actor, p Professional) (*Professional, error) {
	if err := requireRole(actor, RoleAdmin); err != nil {
		return nil, err
	}
	if p.Location != nil {
		if err := p.Location.Validate(); err != nil {
			return nil, err
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Currency == "" {
		p.Currency = e.Config.Currency
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = e.now()
	}
	var saved *Professional
	err := e.run(ctx, func(tx Tx, out *outbox) error {
		if err := tx.SaveProfessional(ctx, p); err != nil {
			return err
		}
		var err error
		saved, err = tx.GetProfessional(ctx, p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// =============================================================================
// FACILITY TOOLS
// =============================================================================

type Dashboard struct {
	ActiveShifts        int
	StaffOnDuty         int
	PendingApplications int
	TotalSpent          decimal.Decimal
	WalletBalance       decimal.Decimal
	CreditLimit         decimal.Decimal
	IsVerified          bool
}

// FacilityDashboard summarises the facility's activity. TotalSpent is
// funding minus refunds, i.e. what has actually left the wallet for shifts.
func (e *Engine) FacilityDashboard(ctx context.Context, actor Actor) (*Dashboard, error) {
	if err := requireRole(actor, RoleFacility); err != nil {
		return nil, err
	}
	f, err := e.Store.GetFacility(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	d := &Dashboard{
		TotalSpent:    decimal.Zero,
		WalletBalance: f.WalletBalance,
		CreditLimit:   f.CreditLimit,
		IsVerified:    f.IsVerified,
	}

	shifts, err := e.Store.ListShifts(ctx, ShiftFilter{FacilityID: f.ID})
	if err != nil {
		return nil, err
	}
	for _, s := range shifts {
		if s.Status == ShiftOpen || s.Status == ShiftFilled {
			d.ActiveShifts++
		}
		apps, err := e.Store.ListApplications(ctx, ApplicationFilter{ShiftID: s.ID})
		if err != nil {
			return nil, err
		}
		for _, a := range apps {
			switch {
			case a.Status == AppPending:
				d.PendingApplications++
			case a.Status.HasStarted() && !a.IsClockedOut():
				d.StaffOnDuty++
			}
		}
	}

	entries, err := e.Store.Entries(ctx, f.Account())
	if err != nil {
		return nil, err
	}
	for _, en := range entries {
		switch en.Type {
		case ledger.EntryShiftFunding, ledger.EntryRefund:
			d.TotalSpent = d.TotalSpent.Sub(en.Delta.Value)
		}
	}
	return d, nil
}

// FacilityQRCode returns the payload encoded in the facility's attendance
// QR code. Clock-in and clock-out compare the scanned value to it.
func (e *Engine) FacilityQRCode(ctx context.Context, actor Actor) (string, error) {
	if err := requireRole(actor, RoleFacility); err != nil {
		return "", err
	}
	f, err := e.Store.GetFacility(ctx, actor.ID)
	if err != nil {
		return "", err
	}
	return f.ID, nil
}

// BroadcastToShift sends message to every professional booked on the shift
// and returns how many were addressed.
func (e *Engine) BroadcastToShift(ctx context.Context, actor Actor, shiftID, message string) (int, error) {
	if err := requireRole(actor, RoleFacility, RoleAdmin); err != nil {
		return 0, err
	}
	if strings.TrimSpace(message) == "" {
		return 0, invalidInput("message is required")
	}
	shift, err := e.Store.GetShift(ctx, shiftID)
	if err != nil {
		return 0, err
	}
	if err := requireShiftOwner(actor, *shift); err != nil {
		return 0, err
	}
	apps, err := e.Store.ListApplications(ctx, ApplicationFilter{ShiftID: shift.ID, Statuses: BlockingStatuses})
	if err != nil {
		return 0, err
	}

	ns := make([]notify.Notification, 0, len(apps))
	for _, a := range apps {
		ns = append(ns, notify.Notification{
			RecipientID: a.ProfessionalID,
			Type:        notify.TypeBroadcast,
			Title:       fmt.Sprintf("Message about your %s shift", shift.Role),
			Body:        message,
			RefID:       shift.ID,
		})
	}
	notify.Dispatch(ctx, e.Sink, e.Logger, ns...)
	return len(ns), nil
}
