package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shifta/marketplace-engine/jobs"
	"github.com/shifta/marketplace-engine/ledger"
	"github.com/shifta/marketplace-engine/notify"
)

// Engine is the entry point for every marketplace operation. It is safe for
// concurrent use; consistency comes from Store.WithTx.
type Engine struct {
	Store  Store
	Sink   notify.Sink
	Config Config
	Logger zerolog.Logger
	// Now is the clock. Tests replace it.
	Now func() time.Time

	Matcher *Matcher
	Payouts *PayoutScheduler
}

func New(store Store, sink notify.Sink, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.Currency == "" {
		cfg.Currency = ledger.CurrencyNGN
	}
	e := &Engine{
		Store:  store,
		Sink:   sink,
		Config: cfg,
		Logger: logger,
		Now:    time.Now,
	}
	e.Matcher = &Matcher{
		Store:    store,
		Sink:     sink,
		RadiusKm: cfg.MatchRadiusKm,
		Logger:   logger.With().Str("component", "matcher").Logger(),
	}
	e.Payouts = &PayoutScheduler{
		Store:    store,
		Sink:     sink,
		Delay:    cfg.PayoutDelay,
		Grace:    cfg.ReconcileGrace,
		Currency: cfg.Currency,
		Logger:   logger.With().Str("component", "payout").Logger(),
		Now:      e.now,
	}
	return e
}

func (e *Engine) now() time.Time { return e.Now().UTC() }

func (e *Engine) ledgerFor(s ledger.Store) *ledger.Ledger {
	l := ledger.New(s, e.Config.Currency)
	l.Now = e.now
	return l
}

// RegisterJobs wires the engine's handlers and the payout sweep into r.
func (e *Engine) RegisterJobs(r *jobs.Runner, reconcileEvery time.Duration) {
	r.Handle(jobs.TypeMatchShift, e.handleMatchJob)
	r.Handle(jobs.TypePayout, e.Payouts.HandleJob)
	r.Handle(jobs.TypeAutoApproveStart, e.handleAutoApproveJob)
	if reconcileEvery > 0 {
		r.Every("payout-reconcile", reconcileEvery, func(ctx context.Context) error {
			_, err := e.Payouts.Reconcile(ctx)
			return err
		})
	}
}

// =============================================================================
// TRANSACTION HELPERS
// =============================================================================

// outbox collects notifications produced inside a transaction. They are
// sent only after commit, so a rolled-back operation notifies nobody.
type outbox struct {
	items []notify.Notification
}

func (o *outbox) add(recipientID string, t notify.Type, title, body, refID string) {
	o.items = append(o.items, notify.Notification{
		RecipientID: recipientID,
		Type:        t,
		Title:       title,
		Body:        body,
		RefID:       refID,
	})
}

func (e *Engine) run(ctx context.Context, fn func(tx Tx, out *outbox) error) error {
	out := &outbox{}
	if err := e.Store.WithTx(ctx, func(tx Tx) error { return fn(tx, out) }); err != nil {
		return err
	}
	notify.Dispatch(ctx, e.Sink, e.Logger, out.items...)
	return nil
}

func enqueue(ctx context.Context, tx jobs.Enqueuer, t jobs.Type, payload any, key string, runAt time.Time) (jobs.Job, error) {
	job, err := jobs.New(t, payload, key, runAt)
	if err != nil {
		return jobs.Job{}, err
	}
	if err := tx.EnqueueJob(ctx, job); err != nil {
		return jobs.Job{}, fmt.Errorf("enqueue %s: %w", t, err)
	}
	return job, nil
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

func requireRole(actor Actor, roles ...Role) error {
	for _, r := range roles {
		if actor.Role == r {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not perform this action", ErrPermissionDenied, actor.Role)
}

// requireShiftOwner allows the owning facility, admins and the system.
func requireShiftOwner(actor Actor, shift Shift) error {
	switch actor.Role {
	case RoleAdmin, RoleSystem:
		return nil
	case RoleFacility:
		if shift.FacilityID == actor.ID {
			return nil
		}
	}
	return fmt.Errorf("%w: shift %s belongs to another facility", ErrPermissionDenied, shift.ID)
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func invalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
