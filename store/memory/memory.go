// Package memory provides an in-memory Store for tests and development.
//
// A single mutex serialises every transaction. WithTx snapshots the state,
// runs the callback against it, and restores the snapshot if the callback
// fails, so partial writes never survive an error.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shifta/marketplace-engine/engine"
	"github.com/shifta/marketplace-engine/jobs"
	"github.com/shifta/marketplace-engine/ledger"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Store struct {
	mu sync.RWMutex
	st *state
}

var (
	_ engine.Store = (*Store)(nil)
	_ jobs.Store   = (*Store)(nil)
	_ engine.Tx    = (*state)(nil)
)

func New() *Store {
	return &Store{st: newState()}
}

// WithTx runs fn with exclusive access. Writes are applied directly and
// rolled back from a snapshot if fn returns an error or panics.
func (m *Store) WithTx(ctx context.Context, fn func(engine.Tx) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	defer func() {
		if r := recover(); r != nil {
			m.st = snapshot
			panic(r)
		}
		if err != nil {
			m.st = snapshot
		}
	}()

	return fn(m.st)
}

func (m *Store) read() func() {
	m.mu.RLock()
	return m.mu.RUnlock
}

func (m *Store) GetFacility(ctx context.Context, id string) (*engine.Facility, error) {
	defer m.read()()
	return m.st.GetFacility(ctx, id)
}

func (m *Store) GetProfessional(ctx context.Context, id string) (*engine.Professional, error) {
	defer m.read()()
	return m.st.GetProfessional(ctx, id)
}

func (m *Store) GetShift(ctx context.Context, id string) (*engine.Shift, error) {
	defer m.read()()
	return m.st.GetShift(ctx, id)
}

func (m *Store) GetApplication(ctx context.Context, id string) (*engine.Application, error) {
	defer m.read()()
	return m.st.GetApplication(ctx, id)
}

func (m *Store) FindApplication(ctx context.Context, shiftID, professionalID string) (*engine.Application, error) {
	defer m.read()()
	return m.st.FindApplication(ctx, shiftID, professionalID)
}

func (m *Store) ListShifts(ctx context.Context, f engine.ShiftFilter) ([]engine.Shift, error) {
	defer m.read()()
	return m.st.ListShifts(ctx, f)
}

func (m *Store) ListApplications(ctx context.Context, f engine.ApplicationFilter) ([]engine.Application, error) {
	defer m.read()()
	return m.st.ListApplications(ctx, f)
}

func (m *Store) ListMatchCandidates(ctx context.Context, specialty string) ([]engine.Professional, error) {
	defer m.read()()
	return m.st.ListMatchCandidates(ctx, specialty)
}

func (m *Store) ListCommitments(ctx context.Context, professionalID string) ([]engine.Commitment, error) {
	defer m.read()()
	return m.st.ListCommitments(ctx, professionalID)
}

func (m *Store) Balance(ctx context.Context, a ledger.Account) (decimal.Decimal, error) {
	defer m.read()()
	return m.st.Balance(ctx, a)
}

func (m *Store) Entries(ctx context.Context, a ledger.Account) ([]ledger.Entry, error) {
	defer m.read()()
	return m.st.Entries(ctx, a)
}

func (m *Store) GetJobByKey(ctx context.Context, key string) (*jobs.Job, error) {
	defer m.read()()
	return m.st.GetJobByKey(ctx, key)
}

// ListJobs returns every job ordered by RunAt.
func (m *Store) ListJobs(_ context.Context) ([]jobs.Job, error) {
	defer m.read()()
	out := make([]jobs.Job, 0, len(m.st.jobs))
	for _, j := range m.st.jobs {
		out = append(out, j)
	}
	sortJobs(out)
	return out, nil
}

// Reset clears all data.
func (m *Store) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
	return nil
}

// ApplyEntry outside WithTx is its own transaction.
func (m *Store) ApplyEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ApplyEntry(ctx, e)
}

func (m *Store) SaveFacility(ctx context.Context, f engine.Facility) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveFacility(ctx, f)
}

func (m *Store) SaveProfessional(ctx context.Context, p engine.Professional) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveProfessional(ctx, p)
}

func (m *Store) EnqueueJob(ctx context.Context, j jobs.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.EnqueueJob(ctx, j)
}

func (m *Store) ClaimDueJobs(_ context.Context, now time.Time, lease time.Duration, limit int) ([]jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []jobs.Job
	for _, j := range m.st.jobs {
		switch {
		case j.Status == jobs.StatusPending && !j.RunAt.After(now):
			due = append(due, j)
		case j.Status == jobs.StatusRunning && j.UpdatedAt.Before(now.Add(-lease)):
			due = append(due, j)
		}
	}
	sortJobs(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = jobs.StatusRunning
		due[i].Attempts++
		due[i].UpdatedAt = now
		m.st.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (m *Store) CompleteJob(_ context.Context, id string) error {
	return m.updateJob(id, func(j *jobs.Job) {
		j.Status = jobs.StatusDone
		j.LastError = ""
	})
}

func (m *Store) RetryJob(_ context.Context, id string, runAt time.Time, lastError string) error {
	return m.updateJob(id, func(j *jobs.Job) {
		j.Status = jobs.StatusPending
		j.RunAt = runAt
		j.LastError = lastError
	})
}

func (m *Store) FailJob(_ context.Context, id string, lastError string) error {
	return m.updateJob(id, func(j *jobs.Job) {
		j.Status = jobs.StatusFailed
		j.LastError = lastError
	})
}

func (m *Store) updateJob(id string, fn func(*jobs.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.st.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, engine.ErrNotFound)
	}
	fn(&j)
	j.UpdatedAt = time.Now().UTC()
	m.st.jobs[id] = j
	return nil
}

func sortJobs(js []jobs.Job) {
	sort.Slice(js, func(a, b int) bool {
		if js[a].RunAt.Equal(js[b].RunAt) {
			return js[a].CreatedAt.Before(js[b].CreatedAt)
		}
		return js[a].RunAt.Before(js[b].RunAt)
	})
}
