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
	"github.com/shopspring/decimal"
)

/*
PAYOUT SCHEDULER

  Clock-out enqueues a payout job (key payout:<application id>) due Delay
  later, in the clock-out transaction. When the job runs, Execute settles
  the application in one transaction:

    escrow -= slot_cost
    professional wallet += slot_cost    (ledger key payout:<application id>)
    application -> COMPLETED, paid_amount, settled_at
    shift -> COMPLETED when nothing is left to run, remaining escrow refunded

  Execute is idempotent: a settled, cancelled or rejected application is a
  logged no-op, and the ledger rejects a second credit with the same key.
  Reconcile re-enqueues payouts whose job was lost (same key, so a job that
  still exists is untouched). It also closes OPEN and FILLED shifts whose
  end time has passed: CONFIRMED applications that never clocked in are
  no-shows and become CANCELLED, then the shift completes through the same
  path as a payout once nothing is left running.
*/

type PayoutScheduler struct {
	Store    Store
	Sink     notify.Sink
	Delay    time.Duration
	Grace    time.Duration
	Currency ledger.Currency
	Logger   zerolog.Logger
	Now      func() time.Time
}

type PayoutResult struct {
	ApplicationID string
	Paid          bool
	Amount        decimal.Decimal
	// Skipped explains a no-op execution.
	Skipped        string
	ShiftCompleted bool
	Refund         decimal.Decimal
}

// Schedule enqueues the payout of app through tx, due Delay after from.
func (p *PayoutScheduler) Schedule(ctx context.Context, tx jobs.Enqueuer, app Application, from time.Time) (jobs.Job, error) {
	return enqueue(ctx, tx, jobs.TypePayout, jobs.ApplicationPayload{ApplicationID: app.ID},
		jobs.PayoutKey(app.ID), from.Add(p.Delay))
}

// Execute pays out one application. See the package comment above for the
// steps and the no-op cases.
func (p *PayoutScheduler) Execute(ctx context.Context, applicationID string) (*PayoutResult, error) {
	result := &PayoutResult{ApplicationID: applicationID, Amount: decimal.Zero, Refund: decimal.Zero}
	out := &outbox{}

	err := p.Store.WithTx(ctx, func(tx Tx) error {
		app, err := tx.GetApplication(ctx, applicationID)
		if err != nil {
			return err
		}
		switch {
		case app.Status == AppCancelled || app.Status == AppRejected:
			result.Skipped = "application " + string(app.Status)
			return nil
		case app.IsSettled():
			result.Skipped = "already settled"
			return nil
		case !app.IsClockedOut():
			result.Skipped = "not clocked out"
			return nil
		}

		shift, err := tx.GetShift(ctx, app.ShiftID)
		if err != nil {
			return err
		}
		amount := shift.SlotCost()
		if shift.EscrowBalance.LessThan(amount) {
			return fmt.Errorf("shift %s escrow %s cannot cover payout %s",
				shift.ID, shift.EscrowBalance.StringFixed(2), amount.StringFixed(2))
		}

		now := p.Now().UTC()
		l := ledger.New(tx, p.Currency)
		l.Now = p.Now
		_, err = l.Credit(ctx, ledger.ProfessionalAccount(app.ProfessionalID), amount, ledger.Posting{
			Type:           ledger.EntryPayout,
			ReferenceID:    app.ID,
			Reason:         fmt.Sprintf("payout for %s shift %s", shift.Role, shift.ID),
			IdempotencyKey: jobs.PayoutKey(app.ID),
			Actor:          SystemActor.String(),
		})
		if err != nil {
			return err
		}
		shift.EscrowBalance = shift.EscrowBalance.Sub(amount)

		if err := transitionApplication(app, AppCompleted); err != nil {
			return err
		}
		app.PaidAmount = amount
		app.SettledAt = &now
		app.UpdatedAt = now
		if err := tx.UpdateApplication(ctx, *app); err != nil {
			return err
		}

		refund, completed, err := p.completeShiftIfDone(ctx, tx, shift, now)
		if err != nil {
			return err
		}
		shift.UpdatedAt = now
		if err := tx.UpdateShift(ctx, *shift); err != nil {
			return err
		}

		result.Paid = true
		result.Amount = amount
		result.ShiftCompleted = completed
		result.Refund = refund
		out.add(app.ProfessionalID, notify.TypePayout, "Payment received",
			fmt.Sprintf("%s %s has been paid into your wallet", amount.StringFixed(2), p.Currency), app.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := p.Logger.With().Str("application_id", applicationID).Logger()
	if result.Skipped != "" {
		log.Info().Str("reason", result.Skipped).Msg("payout skipped")
	} else {
		log.Info().
			Str("amount", result.Amount.StringFixed(2)).
			Bool("shift_completed", result.ShiftCompleted).
			Msg("payout executed")
	}
	notify.Dispatch(ctx, p.Sink, p.Logger, out.items...)
	return result, nil
}

// completeShiftIfDone closes the shift once no application is still
// running and either every slot was filled or the shift has ended.
// Leftover PENDING applications are rejected and the remaining escrow is
// refunded to the facility.
func (p *PayoutScheduler) completeShiftIfDone(ctx context.Context, tx Tx, shift *Shift, now time.Time) (decimal.Decimal, bool, error) {
	if shift.Status != ShiftOpen && shift.Status != ShiftFilled {
		return decimal.Zero, false, nil
	}
	apps, err := tx.ListApplications(ctx, ApplicationFilter{ShiftID: shift.ID})
	if err != nil {
		return decimal.Zero, false, err
	}
	for _, a := range apps {
		if a.Status.IsBlocking() {
			return decimal.Zero, false, nil
		}
	}
	if shift.HasCapacity() && now.Before(shift.EndTime) {
		return decimal.Zero, false, nil
	}

	for i := range apps {
		a := &apps[i]
		if a.Status != AppPending {
			continue
		}
		if err := transitionApplication(a, AppRejected); err != nil {
			return decimal.Zero, false, err
		}
		a.UpdatedAt = now
		if err := tx.UpdateApplication(ctx, *a); err != nil {
			return decimal.Zero, false, err
		}
	}

	if err := transitionShift(shift, ShiftCompleted); err != nil {
		return decimal.Zero, false, err
	}
	refund := shift.EscrowBalance
	if refund.IsPositive() {
		l := ledger.New(tx, p.Currency)
		l.Now = p.Now
		_, err := l.Credit(ctx, ledger.FacilityAccount(shift.FacilityID), refund, ledger.Posting{
			Type:           ledger.EntryRefund,
			ReferenceID:    shift.ID,
			Reason:         "unused escrow released on completion",
			IdempotencyKey: "refund:" + shift.ID + ":complete",
			Actor:          SystemActor.String(),
		})
		if err != nil {
			return decimal.Zero, false, err
		}
		shift.EscrowBalance = decimal.Zero
	}
	return refund, true, nil
}

// HandleJob is the jobs.Handler for payout jobs.
func (p *PayoutScheduler) HandleJob(ctx context.Context, job jobs.Job) error {
	var payload jobs.ApplicationPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	_, err := p.Execute(ctx, payload.ApplicationID)
	if errors.Is(err, ErrNotFound) {
		return jobs.Permanent(err)
	}
	return err
}

type ReconcileResult struct {
	Requeued  int
	Completed int
}

// Reconcile re-enqueues payouts for applications clocked out more than
// Delay+Grace ago that are still unsettled, then completes ended shifts.
func (p *PayoutScheduler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult
	n, err := p.requeueOverdue(ctx)
	if err != nil {
		return result, err
	}
	result.Requeued = n

	n, err = p.CompleteEnded(ctx)
	if err != nil {
		return result, err
	}
	result.Completed = n
	return result, nil
}

func (p *PayoutScheduler) requeueOverdue(ctx context.Context) (int, error) {
	now := p.Now().UTC()
	cutoff := now.Add(-(p.Delay + p.Grace))

	overdue, err := p.Store.ListApplications(ctx, ApplicationFilter{
		Statuses:         []ApplicationStatus{AppInProgress},
		ClockedOutBefore: &cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("list overdue payouts: %w", err)
	}
	if len(overdue) == 0 {
		return 0, nil
	}

	err = p.Store.WithTx(ctx, func(tx Tx) error {
		for _, app := range overdue {
			if _, err := enqueue(ctx, tx, jobs.TypePayout, jobs.ApplicationPayload{ApplicationID: app.ID},
				jobs.PayoutKey(app.ID), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	p.Logger.Warn().Int("count", len(overdue)).Msg("re-enqueued overdue payouts")
	return len(overdue), nil
}

// CompleteEnded closes OPEN and FILLED shifts whose end time has passed and
// which have nothing left to pay out. Returns how many were completed.
func (p *PayoutScheduler) CompleteEnded(ctx context.Context) (int, error) {
	now := p.Now().UTC()
	shifts, err := p.Store.ListShifts(ctx, ShiftFilter{Statuses: []ShiftStatus{ShiftOpen, ShiftFilled}})
	if err != nil {
		return 0, fmt.Errorf("list unfinished shifts: %w", err)
	}

	completed := 0
	for _, s := range shifts {
		if now.Before(s.EndTime) {
			continue
		}
		out := &outbox{}
		var done bool
		err := p.Store.WithTx(ctx, func(tx Tx) error {
			shift, err := tx.GetShift(ctx, s.ID)
			if err != nil {
				return err
			}
			noShows, err := tx.ListApplications(ctx, ApplicationFilter{
				ShiftID:  shift.ID,
				Statuses: []ApplicationStatus{AppConfirmed},
			})
			if err != nil {
				return err
			}
			for i := range noShows {
				a := &noShows[i]
				if a.ClockInTime != nil {
					continue
				}
				if err := transitionApplication(a, AppCancelled); err != nil {
					return err
				}
				a.UpdatedAt = now
				if err := tx.UpdateApplication(ctx, *a); err != nil {
					return err
				}
				out.add(a.ProfessionalID, notify.TypeCancellation, "Booking closed",
					fmt.Sprintf("You did not clock in for the %s shift", shift.Role), a.ID)
			}

			refund, ok, err := p.completeShiftIfDone(ctx, tx, shift, now)
			if err != nil || !ok {
				return err
			}
			shift.UpdatedAt = now
			if err := tx.UpdateShift(ctx, *shift); err != nil {
				return err
			}
			done = true
			out.add(shift.FacilityID, notify.TypeShiftEnd, "Shift closed",
				fmt.Sprintf("The %s shift was closed and %s returned to your wallet", shift.Role, refund.StringFixed(2)), shift.ID)
			return nil
		})
		if err != nil {
			return completed, fmt.Errorf("complete shift %s: %w", s.ID, err)
		}
		notify.Dispatch(ctx, p.Sink, p.Logger, out.items...)
		if done {
			completed++
		}
	}

	if completed > 0 {
		p.Logger.Info().Int("count", completed).Msg("completed ended shifts")
	}
	return completed, nil
}

// =============================================================================
// RELEASE FUNDS
// =============================================================================

// ReleaseFunds settles a clocked-out application now instead of waiting
// for the scheduled job. The job, when it fires, finds it settled.
func (e *Engine) ReleaseFunds(ctx context.Context, actor Actor, applicationID string) (*PayoutResult, error) {
	if err := requireRole(actor, RoleFacility, RoleAdmin); err != nil {
		return nil, err
	}
	app, err := e.Store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	shift, err := e.Store.GetShift(ctx, app.ShiftID)
	if err != nil {
		return nil, err
	}
	if err := requireShiftOwner(actor, *shift); err != nil {
		return nil, err
	}
	if !app.IsClockedOut() && !app.IsSettled() {
		return nil, invalidState("application %s has not clocked out", app.ID)
	}
	return e.Payouts.Execute(ctx, applicationID)
}
