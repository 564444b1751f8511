package engine_test

import (
	"testing"
	"time"

	"github.com/shifta/marketplace-engine/engine"
	"github.com/shifta/marketplace-engine/ledger"
	"github.com/shifta/marketplace-engine/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelShift_RefundsEscrowAndCancelsApplications(t *testing.T) {
	h := newHarness(t)
	fac := h.facility("fac-1", "100000.00", nil)
	pro := h.professional("pro-1", nil)
	pro2 := h.professional("pro-2", nil)

	req := shiftRequest(0, 8)
	req.QuantityNeeded = 2
	shift := h.createShift(fac, req)
	confirmed := h.book(fac, pro, shift.ID)
	pending := h.apply(pro2, shift.ID)
	require.True(t, h.balance(ledger.FacilityAccount("fac-1")).Equal(ngn("60000.00")))

	res, err := h.eng.CancelShift(h.ctx, fac, shift.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.ShiftCancelled, res.Shift.Status)
	assert.True(t, res.Refund.Equal(ngn("40000.00")))
	assert.ElementsMatch(t, []string{confirmed.ID, pending.ID}, res.Cancelled)

	assert.True(t, h.balance(ledger.FacilityAccount("fac-1")).Equal(ngn("100000.00")))
	assert.Equal(t, engine.AppCancelled, h.application(confirmed.ID).Status)
	assert.Equal(t, engine.AppCancelled, h.application(pending.ID).Status)
	assert.True(t, h.shift(shift.ID).EscrowBalance.IsZero())
	assert.True(t, hasType(h.rec.For("pro-1"), notify.TypeCancellation))

	_, err = h.eng.CancelShift(h.ctx, fac, shift.ID)
	assert.Equal(t, engine.KindInvalidTransition, engine.KindOf(err))
	assert.True(t, h.balance(ledger.FacilityAccount("fac-1")).Equal(ngn("100000.00")), "no second refund")
}

func TestCancelShift_RefusedAfterClockIn(t *testing.T) {
	h := newHarness(t)
	fac := h.facility("fac-1", "100000.00", nil)
	pro := h.professional("pro-1", nil)
	shift := h.createShift(fac, shiftRequest(0, 8))
	h.book(fac, pro, shift.ID)

	_, err := h.eng.ClockIn(h.ctx, pro, engine.ClockRequest{ShiftID: shift.ID, QRCode: "fac-1"})
	require.NoError(t, err)

	_, err = h.eng.CancelShift(h.ctx, fac, shift.ID)
	assert.ErrorIs(t, err, engine.ErrShiftStarted)
	assert.Equal(t, engine.ShiftFilled, h.shift(shift.ID).Status)
	assert.True(t, h.balance(ledger.FacilityAccount("fac-1")).Equal(ngn("80000.00")))
}

func TestCancelShift_CompletedShiftIsInvalidTransition(t *testing.T) {
	h := newHarness(t)
	fac := h.facility("fac-1", "100000.00", at(facilitySite))
	pro := h.professional("pro-1", nil)
	shift := h.createShift(fac, shiftRequest(0, 8))
	out := h.work(fac, pro, shift)
	_, err := h.eng.ReleaseFunds(h.ctx, fac, out.Application.ID)
	require.NoError(t, err)
	require.Equal(t, engine.ShiftCompleted, h.shift(shift.ID).Status)

	_, err = h.eng.CancelShift(h.ctx, fac, shift.ID)
	var te *engine.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "COMPLETED", te.From)
}

func TestCancelShift_OtherFacilityDenied(t *testing.T) {
	h := newHarness(t)
	fac := h.facility("fac-1", "100000.00", nil)
	other := h.facility("fac-2", "", nil)
	shift := h.createShift(fac, shiftRequest(0, 8))

	_, err := h.eng.CancelShift(h.ctx, other, shift.ID)
	assert.ErrorIs(t, err, engine.ErrPermissionDenied)

	res, err := h.eng.CancelShift(h.ctx, admin, shift.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.ShiftCancelled, res.Shift.Status)
}

func TestCancelApplication_ReleasesSlotWithoutMovingMoney(t *testing.T) {
	// GIVEN: A filled one-slot shift
	// WHEN: The facility cancels the booking
	// THEN: The shift reopens, escrow stays put, and a new booking is possible

	h := newHarness(t)
	fac := h.facility("fac-1", "100000.00", nil)
	pro := h.professional("pro-1", nil)
	pro2 := h.professional("pro-2", nil)
	shift := h.createShift(fac, shiftRequest(0, 8))
	app := h.book(fac, pro, shift.ID)

	res, err := h.eng.CancelApplication(h.ctx, fac, app.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.AppCancelled, res.Application.Status)
	assert.Equal(t, engine.ShiftOpen, res.Shift.Status)
	assert.Equal(t, 0, res.Shift.QuantityFilled)
	assert.True(t, res.Shift.EscrowBalance.Equal(ngn("20000.00")))
	assert.True(t, h.balance(ledger.FacilityAccount("fac-1")).Equal(ngn("80000.00")))
	assert.True(t, h.balance(ledger.ProfessionalAccount("pro-1")).IsZero())

	h.book(fac, pro2, shift.ID)
	assert.Equal(t, engine.ShiftFilled, h.shift(shift.ID).Status)

	// A filled shift takes no further applications.
	_, err = h.eng.Apply(h.ctx, pro, engine.ApplyRequest{ShiftID: shift.ID})
	assert.ErrorIs(t, err, engine.ErrShiftNotOpen)
}

func TestWithdrawApplication_OwnOnly(t *testing.T) {
	h := newHarness(t)
	fac := h.facility("fac-1", "100000.00", nil)
	pro := h.professional("pro-1", nil)
	pro2 := h.professional("pro-2", nil)
	shift := h.createShift(fac, shiftRequest(0, 8))
	app := h.book(fac, pro, shift.ID)

	_, err := h.eng.CancelApplication(h.ctx, pro2, app.ID)
	assert.ErrorIs(t, err, engine.ErrPermissionDenied)

	res, err := h.eng.CancelApplication(h.ctx, pro, app.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.AppCancelled, res.Application.Status)
	assert.Equal(t, engine.ShiftOpen, res.Shift.Status)
	assert.True(t, hasType(h.rec.For("fac-1"), notify.TypeCancellation))

	_, err = h.eng.CancelApplication(h.ctx, pro, app.ID)
	assert.Equal(t, engine.KindInvalidTransition, engine.KindOf(err))
}

func TestCancelApplication_AfterClockOutVoidsPayout(t *testing.T) {
	// GIVEN: A one-slot shift worked through clock-out
	// WHEN: The facility cancels the booking and the payout job later runs
	// THEN: The professional is never paid and the escrow returns to the
	//       facility as the shift closes

	h := newHarness(t)
	fac := h.facility("fac-1", "100000.00", at(facilitySite))
	pro := h.professional("pro-1", nil)
	shift := h.createShift(fac, shiftRequest(0, 8))
	out := h.work(fac, pro, shift)
	require.Equal(t, engine.AppInProgress, out.Application.Status)
	require.True(t, h.balance(ledger.FacilityAccount("fac-1")).Equal(ngn("80000.00")))

	res, err := h.eng.CancelApplication(h.ctx, fac, out.Application.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.AppCancelled, res.Application.Status)
	assert.Equal(t, engine.ShiftCompleted, res.Shift.Status)
	assert.True(t, res.Shift.EscrowBalance.IsZero())
	assert.True(t, h.balance(ledger.FacilityAccount("fac-1")).Equal(ngn("100000.00")))

	h.advance(48 * time.Hour)
	h.runJobs()

	assert.True(t, h.balance(ledger.ProfessionalAccount("pro-1")).IsZero())
	assert.Equal(t, engine.AppCancelled, h.application(out.Application.ID).Status)
	assert.True(t, h.balance(ledger.FacilityAccount("fac-1")).Equal(ngn("100000.00")))

	_, err = h.eng.ReleaseFunds(h.ctx, fac, out.Application.ID)
	require.NoError(t, err)
	assert.True(t, h.balance(ledger.ProfessionalAccount("pro-1")).IsZero(), "release of a cancelled application pays nothing")
}

func TestCancelApplication_AttendancePendingHoldsEscrowUntilEnd(t *testing.T) {
	h := newHarness(t)
	fac := h.facility("fac-1", "100000.00", at(facilitySite))
	pro := h.professional("pro-1", nil)
	req := shiftRequest(0, 8)
	req.QuantityNeeded = 2
	shift := h.createShift(fac, req)
	app := h.book(fac, pro, shift.ID)

	h.setClock(shift.StartTime)
	_, err := h.eng.ClockIn(h.ctx, pro, engine.ClockRequest{ShiftID: shift.ID, QRCode: "fac-1", Location: at(facilitySite)})
	require.NoError(t, err)
	require.Equal(t, engine.AppAttendancePending, h.application(app.ID).Status)

	res, err := h.eng.CancelApplication(h.ctx, pro, app.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.AppCancelled, res.Application.Status)
	assert.Equal(t, engine.ShiftOpen, res.Shift.Status)
	assert.Equal(t, 1, res.Shift.QuantityFilled, "a started slot is not handed out again")
	assert.True(t, res.Shift.EscrowBalance.Equal(ngn("40000.00")))

	_, err = h.eng.ApproveStart(h.ctx, fac, engine.ApproveStartRequest{ApplicationID: app.ID})
	assert.Equal(t, engine.KindInvalidTransition, engine.KindOf(err))

	h.setClock(shift.EndTime)
	rec, err := h.eng.Payouts.Reconcile(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Completed)
	assert.Equal(t, engine.ShiftCompleted, h.shift(shift.ID).Status)
	assert.True(t, h.balance(ledger.FacilityAccount("fac-1")).Equal(ngn("100000.00")))
}

func TestCancelApplication_CompletedIsInvalidTransition(t *testing.T) {
	h := newHarness(t)
	fac := h.facility("fac-1", "100000.00", at(facilitySite))
	pro := h.professional("pro-1", nil)
	shift := h.createShift(fac, shiftRequest(0, 8))
	out := h.work(fac, pro, shift)

	_, err := h.eng.ReleaseFunds(h.ctx, fac, out.Application.ID)
	require.NoError(t, err)

	_, err = h.eng.CancelApplication(h.ctx, pro, out.Application.ID)
	var te *engine.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "COMPLETED", te.From)
	assert.True(t, h.balance(ledger.ProfessionalAccount("pro-1")).Equal(ngn("20000.00")))
}
