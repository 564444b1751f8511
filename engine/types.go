/*
Package engine implements the shift lifecycle of the marketplace.

PURPOSE:
  Facilities (demand) post time-boxed shifts and fund them from their
  wallet. Professionals (supply) apply, get confirmed, prove presence at
  clock-in and clock-out, and are paid from the shift's escrow after a
  delay. This package owns the state machines, the money movements and the
  scheduling rules; persistence, HTTP and notification delivery are
  plugged in through interfaces.

KEY CONCEPTS IN THIS FILE (types.go):
  - Actor: who is calling (facility, professional, admin, system)
  - Facility / Professional: the two sides, each owning a wallet
  - Shift: a funded slot (or several) of work at a facility
  - Application: one professional's claim on one shift
  - Commitment: an application that blocks the professional's calendar

MONEY FLOW:
  create shift      facility wallet  --total_cost-->  shift escrow
  payout            shift escrow     --slot_cost--->  professional wallet
  cancel / complete shift escrow     --remainder--->  facility wallet

  slot_cost  = round2(rate x duration_hours)
  total_cost = slot_cost x quantity_needed

INVARIANTS:
  1. 0 <= quantity_filled <= quantity_needed
  2. 0 <= escrow_balance <= total_cost
  3. Wallet balances never go negative (enforced by the ledger store)
  4. A professional never holds two committed applications whose shifts
     overlap (start_a < end_b AND end_a > start_b)
  5. One application per (shift, professional), never deleted

SEE ALSO:
  - lifecycle.go: create / apply / confirm / clock-in / clock-out
  - cancel.go: cancellation rules and refunds
  - payout.go: deferred settlement
  - statemachine.go: the transition tables
*/
package engine

import (
	"strings"
	"time"

	"github.com/shifta/marketplace-engine/geo"
	"github.com/shifta/marketplace-engine/ledger"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ACTORS
// =============================================================================

type Role string

const (
	RoleFacility     Role = "facility"
	RoleProfessional Role = "professional"
	RoleAdmin        Role = "admin"
	RoleSystem       Role = "system"
)

// Actor is the authenticated caller, resolved once at the boundary. For
// facility and professional roles, ID is the facility or professional id.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor is used by background jobs acting on nobody's behalf.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

func (a Actor) IsFacility() bool     { return a.Role == RoleFacility }
func (a Actor) IsProfessional() bool { return a.Role == RoleProfessional }
func (a Actor) IsAdmin() bool        { return a.Role == RoleAdmin }

func (a Actor) String() string { return string(a.Role) + ":" + a.ID }

// =============================================================================
// PARTIES
// =============================================================================

type Facility struct {
	ID            string
	UserID        string
	Name          string
	Address       string
	IsVerified    bool
	Location      *geo.Point
	WalletBalance decimal.Decimal
	CreditLimit   decimal.Decimal
	Currency      ledger.Currency
	CreatedAt     time.Time
}

func (f Facility) Account() ledger.Account { return ledger.FacilityAccount(f.ID) }

type Professional struct {
	ID            string
	UserID        string
	Email         string
	FullName      string
	Specialties   []string
	IsVerified    bool
	Location      *geo.Point
	WalletBalance decimal.Decimal
	Currency      ledger.Currency
	CreatedAt     time.Time
}

func (p Professional) Account() ledger.Account { return ledger.ProfessionalAccount(p.ID) }

// HasSpecialty matches case-insensitively.
func (p Professional) HasSpecialty(specialty string) bool {
	for _, s := range p.Specialties {
		if strings.EqualFold(s, specialty) {
			return true
		}
	}
	return false
}

// =============================================================================
// SHIFTS
// =============================================================================

type ShiftStatus string

const (
	ShiftOpen      ShiftStatus = "OPEN"
	ShiftFilled    ShiftStatus = "FILLED"
	ShiftCompleted ShiftStatus = "COMPLETED"
	ShiftCancelled ShiftStatus = "CANCELLED"
)

type Shift struct {
	ID             string
	FacilityID     string
	Role           string
	Specialty      string
	QuantityNeeded int
	QuantityFilled int
	StartTime      time.Time
	EndTime        time.Time
	Rate           decimal.Decimal
	IsNegotiable   bool
	MinRate        *decimal.Decimal
	Address        string
	Location       *geo.Point
	Status         ShiftStatus
	EscrowBalance  decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (s Shift) Duration() time.Duration { return s.EndTime.Sub(s.StartTime) }

// SlotCost is the contracted pay for one professional on this shift.
func (s Shift) SlotCost() decimal.Decimal { return SlotCost(s.Rate, s.StartTime, s.EndTime) }

func (s Shift) TotalCost() decimal.Decimal {
	return s.SlotCost().Mul(decimal.NewFromInt(int64(s.QuantityNeeded)))
}

func (s Shift) HasCapacity() bool { return s.QuantityFilled < s.QuantityNeeded }

// Overlaps reports whether [start, end) intersects the shift.
func (s Shift) Overlaps(start, end time.Time) bool {
	return s.StartTime.Before(end) && s.EndTime.After(start)
}

// SlotCost computes round2(rate x hours) with hours at second precision.
func SlotCost(rate decimal.Decimal, start, end time.Time) decimal.Decimal {
	seconds := decimal.NewFromInt(int64(end.Sub(start) / time.Second))
	hours := seconds.Div(decimal.NewFromInt(3600))
	return ledger.Round2(rate.Mul(hours))
}

// =============================================================================
// APPLICATIONS
// =============================================================================

type ApplicationStatus string

const (
	AppPending           ApplicationStatus = "PENDING"
	AppConfirmed         ApplicationStatus = "CONFIRMED"
	AppRejected          ApplicationStatus = "REJECTED"
	AppAttendancePending ApplicationStatus = "ATTENDANCE_PENDING"
	AppInProgress        ApplicationStatus = "IN_PROGRESS"
	AppCompleted         ApplicationStatus = "COMPLETED"
	AppCancelled         ApplicationStatus = "CANCELLED"
)

// BlockingStatuses are the statuses that occupy the professional's calendar.
var BlockingStatuses = []ApplicationStatus{AppConfirmed, AppAttendancePending, AppInProgress}

func (s ApplicationStatus) IsBlocking() bool {
	for _, b := range BlockingStatuses {
		if s == b {
			return true
		}
	}
	return false
}

func (s ApplicationStatus) IsTerminal() bool {
	return s == AppRejected || s == AppCompleted || s == AppCancelled
}

// HasStarted is true once the professional has clocked in.
func (s ApplicationStatus) HasStarted() bool {
	return s == AppAttendancePending || s == AppInProgress
}

type Application struct {
	ID             string
	ShiftID        string
	ProfessionalID string
	Status         ApplicationStatus
	ClockInTime    *time.Time
	ClockOutTime   *time.Time
	ApprovedBy     string
	PaidAmount     decimal.Decimal
	SettledAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (a Application) IsSettled() bool    { return a.SettledAt != nil }
func (a Application) IsClockedOut() bool { return a.ClockOutTime != nil }

// Commitment is a blocking application joined with its shift window.
type Commitment struct {
	ApplicationID string
	ShiftID       string
	Status        ApplicationStatus
	Start         time.Time
	End           time.Time
}

// =============================================================================
// QUERY FILTERS
// =============================================================================

type ShiftFilter struct {
	FacilityID string
	Specialty  string
	Statuses   []ShiftStatus
}

func (f ShiftFilter) Matches(s Shift) bool {
	if f.FacilityID != "" && s.FacilityID != f.FacilityID {
		return false
	}
	if f.Specialty != "" && !strings.EqualFold(s.Specialty, f.Specialty) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if s.Status == st {
			return true
		}
	}
	return false
}

type ApplicationFilter struct {
	ShiftID        string
	ProfessionalID string
	Statuses       []ApplicationStatus
	// ClockedOutBefore, when set, keeps unsettled applications clocked out
	// strictly before it.
	ClockedOutBefore *time.Time
}

func (f ApplicationFilter) Matches(a Application) bool {
	if f.ShiftID != "" && a.ShiftID != f.ShiftID {
		return false
	}
	if f.ProfessionalID != "" && a.ProfessionalID != f.ProfessionalID {
		return false
	}
	if f.ClockedOutBefore != nil {
		if a.ClockOutTime == nil || a.SettledAt != nil || !a.ClockOutTime.Before(*f.ClockedOutBefore) {
			return false
		}
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if a.Status == st {
			return true
		}
	}
	return false
}
