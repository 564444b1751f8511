/*
Package jobs implements deferred, at-least-once job execution.

PURPOSE:
  Side effects that must not run inside a request (match notifications,
  the 24-hour payout, auto-approval of attendance) are written as Job rows
  in the same store transaction as the state change that caused them
  (an outbox). A Runner later claims due jobs and dispatches them by Type.

DELIVERY:
  At-least-once. A job is claimed (status running, attempts+1), handled,
  then marked done. A crash between claim and completion leaves the job
  running; once its lease expires it is claimed again. Handlers therefore
  MUST be idempotent.

IDEMPOTENCY KEYS:
  Enqueueing a job whose key already exists is a no-op, unless the
  existing job failed permanently, in which case it is re-armed. This lets
  sweeps re-enqueue possibly-lost work without creating duplicates.

SEE ALSO:
  - runner.go: polling loop and retry policy
  - engine/payout.go: payout handler and reconciliation sweep
*/
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeMatchShift       Type = "match_shift"
	TypePayout           Type = "payout"
	TypeAutoApproveStart Type = "auto_approve_start"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

type Job struct {
	ID             string
	Type           Type
	Payload        json.RawMessage
	IdempotencyKey string
	RunAt          time.Time
	Attempts       int
	Status         Status
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ShiftPayload is the payload of match_shift jobs.
type ShiftPayload struct {
	ShiftID string `json:"shift_id"`
}

// ApplicationPayload is the payload of payout and auto_approve_start jobs.
type ApplicationPayload struct {
	ApplicationID string `json:"application_id"`
}

// New builds a pending job with a JSON payload.
func New(t Type, payload any, idempotencyKey string, runAt time.Time) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	now := time.Now().UTC()
	return Job{
		ID:             uuid.NewString(),
		Type:           t,
		Payload:        raw,
		IdempotencyKey: idempotencyKey,
		RunAt:          runAt.UTC(),
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", j.Type, err))
	}
	return nil
}

// PayoutKey is the idempotency key shared by the payout job and the payout
// ledger credit of an application.
func PayoutKey(applicationID string) string { return "payout:" + applicationID }

func MatchKey(shiftID string) string             { return "match:" + shiftID }
func AutoApproveKey(applicationID string) string { return "auto-approve:" + applicationID }

// =============================================================================
// STORE
// =============================================================================

// Enqueuer is the write half used inside business transactions.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, job Job) error
}

// Store is the queue persistence used by the Runner.
type Store interface {
	Enqueuer

	// ClaimDueJobs marks up to limit jobs as running and returns them. A job
	// is due when pending with RunAt <= now, or running with a lease older
	// than now-lease.
	ClaimDueJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id string, runAt time.Time, lastError string) error
	FailJob(ctx context.Context, id string, lastError string) error
	GetJobByKey(ctx context.Context, idempotencyKey string) (*Job, error)
}

// =============================================================================
// PERMANENT ERRORS
// =============================================================================

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
