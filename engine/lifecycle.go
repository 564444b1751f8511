package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shifta/marketplace-engine/geo"
	"github.com/shifta/marketplace-engine/jobs"
	"github.com/shifta/marketplace-engine/ledger"
	"github.com/shifta/marketplace-engine/notify"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CREATE SHIFT
// =============================================================================

type CreateShiftRequest struct {
	Role           string
	Specialty      string
	QuantityNeeded int
	StartTime      time.Time
	EndTime        time.Time
	Rate           decimal.Decimal
	IsNegotiable   bool
	MinRate        *decimal.Decimal
	Address        string
	Location       *geo.Point
}

type CreateShiftResult struct {
	Shift   Shift
	Funding ledger.Entry
}

func (e *Engine) validateCreateShift(req CreateShiftRequest) error {
	if strings.TrimSpace(req.Role) == "" {
		return invalidInput("role is required")
	}
	if strings.TrimSpace(req.Specialty) == "" {
		return invalidInput("specialty is required")
	}
	if req.QuantityNeeded < 1 {
		return invalidInput("quantity_needed must be at least 1, got %d", req.QuantityNeeded)
	}
	if !req.EndTime.After(req.StartTime) {
		return invalidInput("end_time must be after start_time")
	}
	if !req.Rate.IsPositive() || !ledger.HasValidScale(req.Rate) {
		return fmt.Errorf("%w: rate %s", ErrInvalidAmount, req.Rate)
	}
	if req.Rate.LessThan(e.Config.RateFloor) {
		return &RateError{Rate: req.Rate, Floor: e.Config.RateFloor}
	}
	if req.MinRate != nil {
		if req.MinRate.IsNegative() || !ledger.HasValidScale(*req.MinRate) {
			return fmt.Errorf("%w: min_rate %s", ErrInvalidAmount, req.MinRate)
		}
		if req.MinRate.GreaterThan(req.Rate) {
			return invalidInput("min_rate %s exceeds rate %s", req.MinRate.StringFixed(2), req.Rate.StringFixed(2))
		}
	}
	if req.Location != nil {
		if err := req.Location.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// CreateShift funds and opens a shift. The facility debit, the shift row
// and the match job commit together or not at all.
func (e *Engine) CreateShift(ctx context.Context, actor Actor, req CreateShiftRequest) (*CreateShiftResult, error) {
	if err := requireRole(actor, RoleFacility); err != nil {
		return nil, err
	}
	if err := e.validateCreateShift(req); err != nil {
		return nil, err
	}

	var result CreateShiftResult
	err := e.run(ctx, func(tx Tx, out *outbox) error {
		facility, err := tx.GetFacility(ctx, actor.ID)
		if err != nil {
			return err
		}
		if !facility.IsVerified {
			return ErrNotVerified
		}

		now := e.now()
		shift := Shift{
			ID:             uuid.NewString(),
			FacilityID:     facility.ID,
			Role:           strings.TrimSpace(req.Role),
			Specialty:      strings.TrimSpace(req.Specialty),
			QuantityNeeded: req.QuantityNeeded,
			StartTime:      req.StartTime.UTC(),
			EndTime:        req.EndTime.UTC(),
			Rate:           req.Rate,
			IsNegotiable:   req.IsNegotiable,
			MinRate:        req.MinRate,
			Address:        req.Address,
			Location:       req.Location,
			Status:         ShiftOpen,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		cost := shift.TotalCost()
		shift.EscrowBalance = cost

		entry, err := e.ledgerFor(tx).Debit(ctx, facility.Account(), cost, ledger.Posting{
			Type:           ledger.EntryShiftFunding,
			ReferenceID:    shift.ID,
			Reason:         fmt.Sprintf("escrow for %d x %s shift", shift.QuantityNeeded, shift.Role),
			IdempotencyKey: "fund:" + shift.ID,
			Actor:          actor.String(),
		})
		if err != nil {
			return err
		}
		if err := tx.InsertShift(ctx, shift); err != nil {
			return fmt.Errorf("insert shift: %w", err)
		}
		if _, err := enqueue(ctx, tx, jobs.TypeMatchShift, jobs.ShiftPayload{ShiftID: shift.ID}, jobs.MatchKey(shift.ID), now); err != nil {
			return err
		}

		result = CreateShiftResult{Shift: shift, Funding: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info().
		Str("shift_id", result.Shift.ID).
		Str("facility_id", actor.ID).
		Str("cost", result.Shift.EscrowBalance.StringFixed(2)).
		Msg("shift created")
	return &result, nil
}

// =============================================================================
// APPLY
// =============================================================================

type ApplyRequest struct {
	ShiftID string
}

// Apply records a PENDING application. The clash check runs in the same
// transaction as the insert.
func (e *Engine) Apply(ctx context.Context, actor Actor, req ApplyRequest) (*Application, error) {
	if err := requireRole(actor, RoleProfessional); err != nil {
		return nil, err
	}

	var app Application
	err := e.run(ctx, func(tx Tx, out *outbox) error {
		pro, err := tx.GetProfessional(ctx, actor.ID)
		if err != nil {
			return err
		}
		shift, err := tx.GetShift(ctx, req.ShiftID)
		if err != nil {
			return err
		}
		if shift.Status != ShiftOpen {
			return ErrShiftNotOpen
		}
		if _, err := tx.FindApplication(ctx, shift.ID, pro.ID); err == nil {
			return ErrAlreadyApplied
		} else if !isNotFound(err) {
			return err
		}
		if err := checkClash(ctx, tx, pro.ID, *shift, ""); err != nil {
			return err
		}

		now := e.now()
		app = Application{
			ID:             uuid.NewString(),
			ShiftID:        shift.ID,
			ProfessionalID: pro.ID,
			Status:         AppPending,
			PaidAmount:     decimal.Zero,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertApplication(ctx, app); err != nil {
			return err
		}

		out.add(shift.FacilityID, notify.TypeApplication, "New application",
			fmt.Sprintf("%s applied for your %s shift", displayName(*pro), shift.Role), app.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// =============================================================================
// MANAGE (CONFIRM / REJECT)
// =============================================================================

type ManageAction string

const (
	ActionConfirm ManageAction = "CONFIRM"
	ActionReject  ManageAction = "REJECT"
)

type ManageRequest struct {
	ApplicationID string
	Action        ManageAction
}

type ManageResult struct {
	Application Application
	Shift       Shift
}

// ManageApplication confirms or rejects an application on the facility's
// shift. Confirmation re-checks capacity and clashes inside the
// transaction, so two concurrent confirms cannot overfill a shift.
func (e *Engine) ManageApplication(ctx context.Context, actor Actor, req ManageRequest) (*ManageResult, error) {
	if err := requireRole(actor, RoleFacility, RoleAdmin); err != nil {
		return nil, err
	}
	if req.Action != ActionConfirm && req.Action != ActionReject {
		return nil, invalidInput("action must be CONFIRM or REJECT, got %q", req.Action)
	}

	var result ManageResult
	err := e.run(ctx, func(tx Tx, out *outbox) error {
		app, err := tx.GetApplication(ctx, req.ApplicationID)
		if err != nil {
			return err
		}
		shift, err := tx.GetShift(ctx, app.ShiftID)
		if err != nil {
			return err
		}
		if err := requireShiftOwner(actor, *shift); err != nil {
			return err
		}
		if shift.Status != ShiftOpen && shift.Status != ShiftFilled {
			return ErrShiftNotOpen
		}

		switch req.Action {
		case ActionConfirm:
			if err := transitionApplication(app, AppConfirmed); err != nil {
				return err
			}
			if err := occupySlot(shift); err != nil {
				return err
			}
			if err := checkClash(ctx, tx, app.ProfessionalID, *shift, app.ID); err != nil {
				return err
			}
			out.add(app.ProfessionalID, notify.TypeApplication, "Application confirmed",
				fmt.Sprintf("You are booked for the %s shift starting %s", shift.Role, shift.StartTime.Format(time.RFC1123)), app.ID)

		case ActionReject:
			wasConfirmed := app.Status == AppConfirmed
			if err := transitionApplication(app, AppRejected); err != nil {
				return err
			}
			if wasConfirmed {
				if err := releaseSlot(shift); err != nil {
					return err
				}
			}
			out.add(app.ProfessionalID, notify.TypeApplication, "Application declined",
				fmt.Sprintf("Your application for the %s shift was not accepted", shift.Role), app.ID)
		}

		now := e.now()
		app.UpdatedAt = now
		shift.UpdatedAt = now
		if err := tx.UpdateApplication(ctx, *app); err != nil {
			return err
		}
		if err := tx.UpdateShift(ctx, *shift); err != nil {
			return err
		}
		result = ManageResult{Application: *app, Shift: *shift}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// =============================================================================
// ATTENDANCE
// =============================================================================

// ClockRequest is the body of clock-in and clock-out. QRCode is the payload
// scanned at the facility.
type ClockRequest struct {
	ShiftID  string
	QRCode   string
	Location *geo.Point
}

type ClockInResult struct {
	Application Application
	// DistanceKm is nil when no reference coordinates were known.
	DistanceKm *float64
}

// ClockIn verifies the QR code and, when the shift or facility has
// coordinates, that the professional is within ClockInRadiusKm of them.
func (e *Engine) ClockIn(ctx context.Context, actor Actor, req ClockRequest) (*ClockInResult, error) {
	if err := requireRole(actor, RoleProfessional); err != nil {
		return nil, err
	}

	var result ClockInResult
	err := e.run(ctx, func(tx Tx, out *outbox) error {
		shift, err := tx.GetShift(ctx, req.ShiftID)
		if err != nil {
			return err
		}
		app, err := tx.FindApplication(ctx, shift.ID, actor.ID)
		if isNotFound(err) || (err == nil && app.Status != AppConfirmed) {
			return ErrNoConfirmedApplication
		}
		if err != nil {
			return err
		}
		facility, err := tx.GetFacility(ctx, shift.FacilityID)
		if err != nil {
			return err
		}
		if req.QRCode != facility.ID {
			return ErrInvalidQRCode
		}

		target, label := shift.Location, "shift location"
		if target == nil {
			target, label = facility.Location, "facility"
		}
		if target != nil {
			dist, err := checkGeofence(*target, req.Location, e.Config.ClockInRadiusKm, label)
			if err != nil {
				return err
			}
			result.DistanceKm = &dist
		}

		now := e.now()
		if err := transitionApplication(app, AppAttendancePending); err != nil {
			return err
		}
		app.ClockInTime = &now
		app.UpdatedAt = now
		if err := tx.UpdateApplication(ctx, *app); err != nil {
			return err
		}

		if e.Config.AutoApproveStartAfter > 0 {
			_, err := enqueue(ctx, tx, jobs.TypeAutoApproveStart, jobs.ApplicationPayload{ApplicationID: app.ID},
				jobs.AutoApproveKey(app.ID), now.Add(e.Config.AutoApproveStartAfter))
			if err != nil {
				return err
			}
		}

		pro, err := tx.GetProfessional(ctx, app.ProfessionalID)
		if err != nil {
			return err
		}
		out.add(facility.ID, notify.TypeShiftStart, "Professional arrived",
			fmt.Sprintf("%s has clocked in for the %s shift. Approve to start.", displayName(*pro), shift.Role), app.ID)

		result.Application = *app
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

type ApproveStartRequest struct {
	ApplicationID string
}

// ApproveStart moves an attended application to IN_PROGRESS.
func (e *Engine) ApproveStart(ctx context.Context, actor Actor, req ApproveStartRequest) (*Application, error) {
	if err := requireRole(actor, RoleFacility, RoleAdmin, RoleSystem); err != nil {
		return nil, err
	}

	var app *Application
	err := e.run(ctx, func(tx Tx, out *outbox) error {
		var err error
		app, err = tx.GetApplication(ctx, req.ApplicationID)
		if err != nil {
			return err
		}
		shift, err := tx.GetShift(ctx, app.ShiftID)
		if err != nil {
			return err
		}
		if err := requireShiftOwner(actor, *shift); err != nil {
			return err
		}
		if err := transitionApplication(app, AppInProgress); err != nil {
			return err
		}
		app.ApprovedBy = actor.String()
		app.UpdatedAt = e.now()
		if err := tx.UpdateApplication(ctx, *app); err != nil {
			return err
		}
		out.add(app.ProfessionalID, notify.TypeShiftStarted, "Shift started",
			fmt.Sprintf("Your %s shift has started", shift.Role), app.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

type ClockOutResult struct {
	Application Application
	PayoutJob   jobs.Job
	DistanceKm  *float64
}

// ClockOut records the end of attendance and schedules the payout
// PayoutDelay later, in the same transaction. Only IN_PROGRESS
// applications clock out, and only the facility coordinates are checked.
func (e *Engine) ClockOut(ctx context.Context, actor Actor, req ClockRequest) (*ClockOutResult, error) {
	if err := requireRole(actor, RoleProfessional); err != nil {
		return nil, err
	}

	var result ClockOutResult
	err := e.run(ctx, func(tx Tx, out *outbox) error {
		shift, err := tx.GetShift(ctx, req.ShiftID)
		if err != nil {
			return err
		}
		app, err := tx.FindApplication(ctx, shift.ID, actor.ID)
		if isNotFound(err) {
			return ErrNoConfirmedApplication
		}
		if err != nil {
			return err
		}
		if app.ClockOutTime != nil {
			return ErrAlreadyClockOut
		}
		if app.Status == AppConfirmed {
			return ErrNotClockedIn
		}
		if app.Status != AppInProgress {
			return invalidState("cannot clock out of a %s application", app.Status)
		}

		facility, err := tx.GetFacility(ctx, shift.FacilityID)
		if err != nil {
			return err
		}
		if req.QRCode != facility.ID {
			return ErrInvalidQRCode
		}
		if facility.Location != nil {
			dist, err := checkGeofence(*facility.Location, req.Location, e.Config.ClockOutRadiusKm, "facility")
			if err != nil {
				return err
			}
			result.DistanceKm = &dist
		}

		now := e.now()
		if app.ClockInTime != nil && now.Before(*app.ClockInTime) {
			now = *app.ClockInTime
		}
		app.ClockOutTime = &now
		app.UpdatedAt = now
		if err := tx.UpdateApplication(ctx, *app); err != nil {
			return err
		}

		job, err := e.Payouts.Schedule(ctx, tx, *app, now)
		if err != nil {
			return err
		}

		out.add(facility.ID, notify.TypeShiftEnd, "Shift ended",
			fmt.Sprintf("Clock-out recorded for the %s shift. Payout is due %s.", shift.Role, job.RunAt.Format(time.RFC1123)), app.ID)

		result.Application = *app
		result.PayoutJob = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func checkGeofence(target geo.Point, at *geo.Point, radiusKm float64, label string) (float64, error) {
	if at == nil {
		return 0, invalidInput("location is required at the %s", label)
	}
	ok, dist, err := geo.Within(target, *at, radiusKm)
	if err != nil {
		return 0, err
	}
	if !ok {
		return dist, &GeofenceError{Target: label, DistanceKm: dist, RadiusKm: radiusKm}
	}
	return dist, nil
}

func displayName(p Professional) string {
	if p.FullName != "" {
		return p.FullName
	}
	if p.Email != "" {
		return p.Email
	}
	return "A professional"
}

// =============================================================================
// JOB HANDLERS
// =============================================================================

func (e *Engine) handleMatchJob(ctx context.Context, job jobs.Job) error {
	var p jobs.ShiftPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	_, err := e.Matcher.FindAndNotify(ctx, p.ShiftID)
	if isNotFound(err) {
		return jobs.Permanent(err)
	}
	return err
}

// handleAutoApproveJob approves attendance on the facility's behalf if it
// is still waiting. Anything else means a human already acted.
func (e *Engine) handleAutoApproveJob(ctx context.Context, job jobs.Job) error {
	var p jobs.ApplicationPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	app, err := e.Store.GetApplication(ctx, p.ApplicationID)
	if err != nil {
		if isNotFound(err) {
			return jobs.Permanent(err)
		}
		return err
	}
	if app.Status != AppAttendancePending {
		return nil
	}
	_, err = e.ApproveStart(ctx, SystemActor, ApproveStartRequest{ApplicationID: app.ID})
	if KindOf(err) == KindInvalidTransition {
		return nil
	}
	return err
}
