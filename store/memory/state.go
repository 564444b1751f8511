package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/shifta/marketplace-engine/engine"
	"github.com/shifta/marketplace-engine/jobs"
	"github.com/shifta/marketplace-engine/ledger"
	"github.com/shopspring/decimal"
)

// state holds every table. Its methods assume the caller holds the lock;
// a *state is also the engine.Tx handed to WithTx callbacks.
type state struct {
	facilities    map[string]engine.Facility
	professionals map[string]engine.Professional
	shifts        map[string]engine.Shift
	applications  map[string]engine.Application
	appByPair     map[pairKey]string
	appSeq        map[string]int64
	seq           int64
	entries       []ledger.Entry
	entryKeys     map[string]bool
	jobs          map[string]jobs.Job
	jobKeys       map[string]string
}

type pairKey struct {
	ShiftID        string
	ProfessionalID string
}

func newState() *state {
	return &state{
		facilities:    make(map[string]engine.Facility),
		professionals: make(map[string]engine.Professional),
		shifts:        make(map[string]engine.Shift),
		applications:  make(map[string]engine.Application),
		appByPair:     make(map[pairKey]string),
		appSeq:        make(map[string]int64),
		entryKeys:     make(map[string]bool),
		jobs:          make(map[string]jobs.Job),
		jobKeys:       make(map[string]string),
	}
}

func (s *state) clone() *state {
	c := &state{
		facilities:    make(map[string]engine.Facility, len(s.facilities)),
		professionals: make(map[string]engine.Professional, len(s.professionals)),
		shifts:        make(map[string]engine.Shift, len(s.shifts)),
		applications:  make(map[string]engine.Application, len(s.applications)),
		appByPair:     make(map[pairKey]string, len(s.appByPair)),
		appSeq:        make(map[string]int64, len(s.appSeq)),
		seq:           s.seq,
		entries:       append([]ledger.Entry(nil), s.entries...),
		entryKeys:     make(map[string]bool, len(s.entryKeys)),
		jobs:          make(map[string]jobs.Job, len(s.jobs)),
		jobKeys:       make(map[string]string, len(s.jobKeys)),
	}
	for k, v := range s.facilities {
		c.facilities[k] = v
	}
	for k, v := range s.professionals {
		c.professionals[k] = v
	}
	for k, v := range s.shifts {
		c.shifts[k] = v
	}
	for k, v := range s.applications {
		c.applications[k] = v
	}
	for k, v := range s.appByPair {
		c.appByPair[k] = v
	}
	for k, v := range s.appSeq {
		c.appSeq[k] = v
	}
	for k, v := range s.entryKeys {
		c.entryKeys[k] = v
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	for k, v := range s.jobKeys {
		c.jobKeys[k] = v
	}
	return c
}

// =============================================================================
// PARTIES
// =============================================================================

func (s *state) GetFacility(_ context.Context, id string) (*engine.Facility, error) {
	f, ok := s.facilities[id]
	if !ok {
		return nil, fmt.Errorf("facility %s: %w", id, engine.ErrNotFound)
	}
	return &f, nil
}

func (s *state) GetProfessional(_ context.Context, id string) (*engine.Professional, error) {
	p, ok := s.professionals[id]
	if !ok {
		return nil, fmt.Errorf("professional %s: %w", id, engine.ErrNotFound)
	}
	p.Specialties = append([]string(nil), p.Specialties...)
	return &p, nil
}

func (s *state) SaveFacility(_ context.Context, f engine.Facility) error {
	if existing, ok := s.facilities[f.ID]; ok {
		f.WalletBalance = existing.WalletBalance
		f.CreatedAt = existing.CreatedAt
	} else {
		f.WalletBalance = decimal.Zero
	}
	s.facilities[f.ID] = f
	return nil
}

func (s *state) SaveProfessional(_ context.Context, p engine.Professional) error {
	if existing, ok := s.professionals[p.ID]; ok {
		p.WalletBalance = existing.WalletBalance
		p.CreatedAt = existing.CreatedAt
	} else {
		p.WalletBalance = decimal.Zero
	}
	p.Specialties = append([]string(nil), p.Specialties...)
	s.professionals[p.ID] = p
	return nil
}

func (s *state) ListMatchCandidates(_ context.Context, specialty string) ([]engine.Professional, error) {
	var out []engine.Professional
	for _, p := range s.professionals {
		if p.IsVerified && p.Location != nil && p.HasSpecialty(specialty) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// =============================================================================
// SHIFTS AND APPLICATIONS
// =============================================================================

func (s *state) GetShift(_ context.Context, id string) (*engine.Shift, error) {
	sh, ok := s.shifts[id]
	if !ok {
		return nil, fmt.Errorf("shift %s: %w", id, engine.ErrNotFound)
	}
	return &sh, nil
}

func (s *state) InsertShift(_ context.Context, sh engine.Shift) error {
	if _, ok := s.shifts[sh.ID]; ok {
		return fmt.Errorf("shift %s already exists", sh.ID)
	}
	if _, ok := s.facilities[sh.FacilityID]; !ok {
		return fmt.Errorf("facility %s: %w", sh.FacilityID, engine.ErrNotFound)
	}
	s.shifts[sh.ID] = sh
	return nil
}

func (s *state) UpdateShift(_ context.Context, sh engine.Shift) error {
	if _, ok := s.shifts[sh.ID]; !ok {
		return fmt.Errorf("shift %s: %w", sh.ID, engine.ErrNotFound)
	}
	if sh.QuantityFilled < 0 || sh.QuantityFilled > sh.QuantityNeeded {
		return fmt.Errorf("shift %s: quantity_filled %d out of range", sh.ID, sh.QuantityFilled)
	}
	if sh.EscrowBalance.IsNegative() {
		return fmt.Errorf("shift %s: negative escrow", sh.ID)
	}
	s.shifts[sh.ID] = sh
	return nil
}

func (s *state) ListShifts(_ context.Context, f engine.ShiftFilter) ([]engine.Shift, error) {
	var out []engine.Shift
	for _, sh := range s.shifts {
		if f.Matches(sh) {
			out = append(out, sh)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].StartTime.Equal(out[b].StartTime) {
			return out[a].ID < out[b].ID
		}
		return out[a].StartTime.Before(out[b].StartTime)
	})
	return out, nil
}

func (s *state) GetApplication(_ context.Context, id string) (*engine.Application, error) {
	a, ok := s.applications[id]
	if !ok {
		return nil, fmt.Errorf("application %s: %w", id, engine.ErrNotFound)
	}
	return &a, nil
}

func (s *state) FindApplication(ctx context.Context, shiftID, professionalID string) (*engine.Application, error) {
	id, ok := s.appByPair[pairKey{shiftID, professionalID}]
	if !ok {
		return nil, fmt.Errorf("application for %s on shift %s: %w", professionalID, shiftID, engine.ErrNotFound)
	}
	return s.GetApplication(ctx, id)
}

func (s *state) InsertApplication(_ context.Context, a engine.Application) error {
	k := pairKey{a.ShiftID, a.ProfessionalID}
	if _, ok := s.appByPair[k]; ok {
		return engine.ErrAlreadyApplied
	}
	if _, ok := s.shifts[a.ShiftID]; !ok {
		return fmt.Errorf("shift %s: %w", a.ShiftID, engine.ErrNotFound)
	}
	if _, ok := s.professionals[a.ProfessionalID]; !ok {
		return fmt.Errorf("professional %s: %w", a.ProfessionalID, engine.ErrNotFound)
	}
	s.seq++
	s.applications[a.ID] = a
	s.appByPair[k] = a.ID
	s.appSeq[a.ID] = s.seq
	return nil
}

func (s *state) UpdateApplication(_ context.Context, a engine.Application) error {
	existing, ok := s.applications[a.ID]
	if !ok {
		return fmt.Errorf("application %s: %w", a.ID, engine.ErrNotFound)
	}
	a.ShiftID = existing.ShiftID
	a.ProfessionalID = existing.ProfessionalID
	s.applications[a.ID] = a
	return nil
}

func (s *state) ListApplications(_ context.Context, f engine.ApplicationFilter) ([]engine.Application, error) {
	var out []engine.Application
	for _, a := range s.applications {
		if f.Matches(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.appSeq[out[i].ID] < s.appSeq[out[j].ID] })
	return out, nil
}

func (s *state) ListCommitments(_ context.Context, professionalID string) ([]engine.Commitment, error) {
	var out []engine.Commitment
	for _, a := range s.applications {
		if a.ProfessionalID != professionalID || !a.Status.IsBlocking() {
			continue
		}
		sh := s.shifts[a.ShiftID]
		out = append(out, engine.Commitment{
			ApplicationID: a.ID,
			ShiftID:       sh.ID,
			Status:        a.Status,
			Start:         sh.StartTime,
			End:           sh.EndTime,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *state) Balance(_ context.Context, a ledger.Account) (decimal.Decimal, error) {
	return s.balance(a)
}

func (s *state) balance(a ledger.Account) (decimal.Decimal, error) {
	switch a.Kind {
	case ledger.OwnerFacility:
		if f, ok := s.facilities[a.OwnerID]; ok {
			return f.WalletBalance, nil
		}
	case ledger.OwnerProfessional:
		if p, ok := s.professionals[a.OwnerID]; ok {
			return p.WalletBalance, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%s: %w", a, ledger.ErrAccountNotFound)
}

func (s *state) setBalance(a ledger.Account, v decimal.Decimal) {
	switch a.Kind {
	case ledger.OwnerFacility:
		f := s.facilities[a.OwnerID]
		f.WalletBalance = v
		s.facilities[a.OwnerID] = f
	case ledger.OwnerProfessional:
		p := s.professionals[a.OwnerID]
		p.WalletBalance = v
		s.professionals[a.OwnerID] = p
	}
}

func (s *state) ApplyEntry(_ context.Context, e ledger.Entry) (ledger.Entry, error) {
	if e.IdempotencyKey != "" && s.entryKeys[e.IdempotencyKey] {
		return ledger.Entry{}, ledger.ErrDuplicatePosting
	}
	current, err := s.balance(e.Account)
	if err != nil {
		return ledger.Entry{}, err
	}
	next := current.Add(e.Delta.Value)
	if next.IsNegative() {
		return ledger.Entry{}, &ledger.InsufficientFundsError{
			Account:   e.Account,
			Available: current,
			Requested: e.Delta.Value.Neg(),
		}
	}
	s.setBalance(e.Account, next)
	e.BalanceAfter = next
	s.entries = append(s.entries, e)
	if e.IdempotencyKey != "" {
		s.entryKeys[e.IdempotencyKey] = true
	}
	return e, nil
}

func (s *state) Entries(_ context.Context, a ledger.Account) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for _, e := range s.entries {
		if e.Account == a {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// JOBS
// =============================================================================

func (s *state) EnqueueJob(_ context.Context, j jobs.Job) error {
	if j.IdempotencyKey != "" {
		if id, ok := s.jobKeys[j.IdempotencyKey]; ok {
			existing := s.jobs[id]
			if existing.Status == jobs.StatusFailed {
				existing.Status = jobs.StatusPending
				existing.RunAt = j.RunAt
				existing.Attempts = 0
				existing.LastError = ""
				existing.UpdatedAt = j.UpdatedAt
				s.jobs[id] = existing
			}
			return nil
		}
		s.jobKeys[j.IdempotencyKey] = j.ID
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *state) GetJobByKey(_ context.Context, key string) (*jobs.Job, error) {
	id, ok := s.jobKeys[key]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", key, engine.ErrNotFound)
	}
	j := s.jobs[id]
	return &j, nil
}
