package engine

import (
	"context"
	"fmt"

	"github.com/shifta/marketplace-engine/ledger"
	"github.com/shifta/marketplace-engine/notify"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CANCELLATION RULES
// =============================================================================
//
//   Whole shift (owner facility or admin):
//     - COMPLETED / CANCELLED shifts cannot be cancelled (TransitionError)
//     - refused once any professional has clocked in (ErrShiftStarted)
//     - PENDING and CONFIRMED applications become CANCELLED
//     - the remaining escrow is refunded to the facility
//
//   One application (owner facility, the applicant, or admin):
//     - any non-terminal status -> CANCELLED, a terminal one is a TransitionError
//     - a confirmed slot is released (FILLED -> OPEN)
//     - no money moves: the slot stays funded and can be refilled
//     - a started slot (clocked in) stays occupied and its escrow stays on
//       the shift; its payout job becomes a no-op and the escrow goes back
//       to the facility when the shift completes, which may be right away
//
//   Ended shifts nobody completed are closed by Reconcile (see payout.go).

type CancelShiftResult struct {
	Shift     Shift
	Refund    decimal.Decimal
	Cancelled []string
}

func (e *Engine) CancelShift(ctx context.Context, actor Actor, shiftID string) (*CancelShiftResult, error) {
	if err := requireRole(actor, RoleFacility, RoleAdmin); err != nil {
		return nil, err
	}

	var result CancelShiftResult
	err := e.run(ctx, func(tx Tx, out *outbox) error {
		shift, err := tx.GetShift(ctx, shiftID)
		if err != nil {
			return err
		}
		if err := requireShiftOwner(actor, *shift); err != nil {
			return err
		}
		if !CanTransitionShift(shift.Status, ShiftCancelled) {
			return &TransitionError{Entity: "shift", ID: shift.ID, From: string(shift.Status), To: string(ShiftCancelled)}
		}

		apps, err := tx.ListApplications(ctx, ApplicationFilter{ShiftID: shift.ID})
		if err != nil {
			return err
		}
		for _, a := range apps {
			if a.Status.HasStarted() {
				return ErrShiftStarted
			}
		}

		now := e.now()
		for i := range apps {
			a := &apps[i]
			if a.Status != AppPending && a.Status != AppConfirmed {
				continue
			}
			if a.Status == AppConfirmed && shift.QuantityFilled > 0 {
				shift.QuantityFilled--
			}
			if err := transitionApplication(a, AppCancelled); err != nil {
				return err
			}
			a.UpdatedAt = now
			if err := tx.UpdateApplication(ctx, *a); err != nil {
				return err
			}
			result.Cancelled = append(result.Cancelled, a.ID)
			out.add(a.ProfessionalID, notify.TypeCancellation, "Shift cancelled",
				fmt.Sprintf("The %s shift on %s was cancelled by the facility", shift.Role, shift.StartTime.Format("Jan 2")), a.ID)
		}

		if err := transitionShift(shift, ShiftCancelled); err != nil {
			return err
		}
		refund, err := e.releaseEscrow(ctx, tx, shift, "cancel", actor)
		if err != nil {
			return err
		}
		shift.UpdatedAt = now
		if err := tx.UpdateShift(ctx, *shift); err != nil {
			return err
		}

		result.Shift = *shift
		result.Refund = refund
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info().
		Str("shift_id", shiftID).
		Str("refund", result.Refund.StringFixed(2)).
		Int("applications_cancelled", len(result.Cancelled)).
		Msg("shift cancelled")
	return &result, nil
}

// CancelApplication cancels one application. Facilities use it to drop a
// professional, professionals to withdraw their own application.
func (e *Engine) CancelApplication(ctx context.Context, actor Actor, applicationID string) (*ManageResult, error) {
	if err := requireRole(actor, RoleFacility, RoleProfessional, RoleAdmin); err != nil {
		return nil, err
	}

	var result ManageResult
	err := e.run(ctx, func(tx Tx, out *outbox) error {
		app, err := tx.GetApplication(ctx, applicationID)
		if err != nil {
			return err
		}
		shift, err := tx.GetShift(ctx, app.ShiftID)
		if err != nil {
			return err
		}
		if actor.IsProfessional() {
			if app.ProfessionalID != actor.ID {
				return fmt.Errorf("%w: application %s belongs to another professional", ErrPermissionDenied, app.ID)
			}
		} else if err := requireShiftOwner(actor, *shift); err != nil {
			return err
		}

		wasConfirmed := app.Status == AppConfirmed
		wasStarted := app.Status.HasStarted()
		if err := transitionApplication(app, AppCancelled); err != nil {
			return err
		}
		now := e.now()
		app.UpdatedAt = now
		if err := tx.UpdateApplication(ctx, *app); err != nil {
			return err
		}

		switch {
		case wasConfirmed && (shift.Status == ShiftOpen || shift.Status == ShiftFilled):
			if err := releaseSlot(shift); err != nil {
				return err
			}
			shift.UpdatedAt = now
			if err := tx.UpdateShift(ctx, *shift); err != nil {
				return err
			}
		case wasStarted:
			refund, completed, err := e.Payouts.completeShiftIfDone(ctx, tx, shift, now)
			if err != nil {
				return err
			}
			if completed {
				shift.UpdatedAt = now
				if err := tx.UpdateShift(ctx, *shift); err != nil {
					return err
				}
				out.add(shift.FacilityID, notify.TypeShiftEnd, "Shift closed",
					fmt.Sprintf("The %s shift was closed and %s returned to your wallet", shift.Role, refund.StringFixed(2)), shift.ID)
			}
		}

		if actor.IsProfessional() {
			out.add(shift.FacilityID, notify.TypeCancellation, "Application withdrawn",
				fmt.Sprintf("A professional withdrew from the %s shift", shift.Role), app.ID)
		} else {
			out.add(app.ProfessionalID, notify.TypeCancellation, "Booking cancelled",
				fmt.Sprintf("Your booking for the %s shift was cancelled", shift.Role), app.ID)
		}

		result = ManageResult{Application: *app, Shift: *shift}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// releaseEscrow refunds whatever escrow the shift still holds to its
// facility. The key makes a second release for the same reason a
// duplicate posting.
func (e *Engine) releaseEscrow(ctx context.Context, tx Tx, shift *Shift, reason string, actor Actor) (decimal.Decimal, error) {
	refund := shift.EscrowBalance
	if !refund.IsPositive() {
		return decimal.Zero, nil
	}
	_, err := e.ledgerFor(tx).Credit(ctx, ledger.FacilityAccount(shift.FacilityID), refund, ledger.Posting{
		Type:           ledger.EntryRefund,
		ReferenceID:    shift.ID,
		Reason:         "escrow released on " + reason,
		IdempotencyKey: "refund:" + shift.ID + ":" + reason,
		Actor:          actor.String(),
	})
	if err != nil {
		return decimal.Zero, err
	}
	shift.EscrowBalance = decimal.Zero
	return refund, nil
}
