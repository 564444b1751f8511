package engine

import (
	"context"

	"github.com/shifta/marketplace-engine/jobs"
	"github.com/shifta/marketplace-engine/ledger"
)

// =============================================================================
// STORE INTERFACES
// =============================================================================

// Reader is the read side shared by the store and its transactional view.
// Single-record getters return an error wrapping ErrNotFound when absent.
type Reader interface {
	GetFacility(ctx context.Context, id string) (*Facility, error)
	GetProfessional(ctx context.Context, id string) (*Professional, error)
	GetShift(ctx context.Context, id string) (*Shift, error)
	GetApplication(ctx context.Context, id string) (*Application, error)
	FindApplication(ctx context.Context, shiftID, professionalID string) (*Application, error)

	// ListShifts returns matching shifts ordered by start time.
	ListShifts(ctx context.Context, filter ShiftFilter) ([]Shift, error)
	// ListApplications returns matching applications ordered by creation.
	ListApplications(ctx context.Context, filter ApplicationFilter) ([]Application, error)
	// ListMatchCandidates returns verified professionals with the specialty
	// and a known location.
	ListMatchCandidates(ctx context.Context, specialty string) ([]Professional, error)
	// ListCommitments returns the professional's blocking applications with
	// their shift windows.
	ListCommitments(ctx context.Context, professionalID string) ([]Commitment, error)
}

// Tx is the view handed to WithTx callbacks. Writes through it commit or
// roll back together.
type Tx interface {
	Reader
	ledger.Store
	jobs.Enqueuer

	// SaveFacility and SaveProfessional upsert profile fields. Wallet
	// balances are owned by the ledger and are not written.
	SaveFacility(ctx context.Context, f Facility) error
	SaveProfessional(ctx context.Context, p Professional) error

	InsertShift(ctx context.Context, s Shift) error
	UpdateShift(ctx context.Context, s Shift) error
	// InsertApplication returns ErrAlreadyApplied when the (shift,
	// professional) pair exists.
	InsertApplication(ctx context.Context, a Application) error
	UpdateApplication(ctx context.Context, a Application) error
}

// Store is the persistence the engine runs on.
type Store interface {
	Reader
	ledger.Store
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
