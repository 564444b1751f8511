package engine

import (
	"errors"
	"fmt"

	"github.com/shifta/marketplace-engine/geo"
	"github.com/shifta/marketplace-engine/ledger"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrPermissionDenied       = errors.New("permission denied")
	ErrInvalidState           = errors.New("invalid state")
	ErrScheduleClash          = errors.New("schedule clash")
	ErrRateTooLow             = errors.New("rate below floor")
	ErrOutOfGeofence          = errors.New("out of geofence")
	ErrInvalidQRCode          = errors.New("invalid qr code")
	ErrNoConfirmedApplication = errors.New("no confirmed application")
	ErrNotFound               = errors.New("not found")
	ErrInvalidInput           = errors.New("invalid input")

	// Re-exported so callers only import engine.
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
	ErrInvalidAmount     = ledger.ErrInvalidAmount
)

// Refinements. errors.Is matches both the refinement and its parent.
var (
	ErrAlreadyApplied  = fmt.Errorf("%w: already applied to this shift", ErrInvalidState)
	ErrShiftFull       = fmt.Errorf("%w: shift is full", ErrInvalidState)
	ErrShiftNotOpen    = fmt.Errorf("%w: shift is not open", ErrInvalidState)
	ErrNotVerified     = fmt.Errorf("%w: facility is not verified", ErrPermissionDenied)
	ErrAlreadyClockOut = fmt.Errorf("%w: already clocked out", ErrInvalidState)
	ErrNotClockedIn    = fmt.Errorf("%w: not clocked in", ErrInvalidState)
	ErrShiftStarted    = fmt.Errorf("%w: attendance has started on this shift", ErrInvalidState)
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// TransitionError reports a move the state machine does not allow.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s %s %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidState }

// GeofenceError carries the measured distance for the client to display.
type GeofenceError struct {
	Target     string
	DistanceKm float64
	RadiusKm   float64
}

func (e *GeofenceError) Error() string {
	return fmt.Sprintf("out of geofence: %.3f km from %s, limit %.1f km", e.DistanceKm, e.Target, e.RadiusKm)
}

func (e *GeofenceError) Unwrap() error { return ErrOutOfGeofence }

type RateError struct {
	Rate  decimal.Decimal
	Floor decimal.Decimal
}

func (e *RateError) Error() string {
	return fmt.Sprintf("rate %s is below the floor of %s", e.Rate.StringFixed(2), e.Floor.StringFixed(2))
}

func (e *RateError) Unwrap() error { return ErrRateTooLow }

// =============================================================================
// KINDS - Stable names for the outer adapters
// =============================================================================

const (
	KindPermissionDenied       = "PermissionDenied"
	KindInvalidState           = "InvalidState"
	KindInvalidTransition      = "InvalidTransition"
	KindScheduleClash          = "ScheduleClash"
	KindInsufficientFunds      = "InsufficientFunds"
	KindInvalidAmount          = "InvalidAmount"
	KindRateTooLow             = "RateTooLow"
	KindOutOfGeofence          = "OutOfGeofence"
	KindInvalidQRCode          = "InvalidQRCode"
	KindNoConfirmedApplication = "NoConfirmedApplication"
	KindNotFound               = "NotFound"
	KindInvalidInput           = "InvalidInput"
	KindInternal               = "Internal"
)

// KindOf classifies err. Unknown errors are Internal.
func KindOf(err error) string {
	var te *TransitionError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		return KindInvalidTransition
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrScheduleClash):
		return KindScheduleClash
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ledger.ErrInvalidAmount):
		return KindInvalidAmount
	case errors.Is(err, ErrRateTooLow):
		return KindRateTooLow
	case errors.Is(err, ErrOutOfGeofence):
		return KindOutOfGeofence
	case errors.Is(err, ErrInvalidQRCode):
		return KindInvalidQRCode
	case errors.Is(err, ErrNoConfirmedApplication):
		return KindNoConfirmedApplication
	case errors.Is(err, ErrNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidState), errors.Is(err, ledger.ErrDuplicatePosting):
		return KindInvalidState
	case errors.Is(err, ErrInvalidInput), errors.Is(err, geo.ErrInvalidCoordinate):
		return KindInvalidInput
	default:
		return KindInternal
	}
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
