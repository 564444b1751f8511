package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shifta/marketplace-engine/engine"
	"github.com/shifta/marketplace-engine/geo"
	"github.com/shifta/marketplace-engine/jobs"
	"github.com/shifta/marketplace-engine/ledger"
	"github.com/shifta/marketplace-engine/notify"
	"github.com/shifta/marketplace-engine/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	base         = time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)
	facilitySite = geo.Point{Lat: 6.4281, Lng: 3.4219}
	admin        = engine.Actor{ID: "admin-1", Role: engine.RoleAdmin}

	geoOutOfRange = geo.Point{Lat: 95, Lng: 0}
)

func ngn(s string) decimal.Decimal { return ledger.MustParse(s) }

// north returns a point km kilometres north of p.
func north(p geo.Point, km float64) *geo.Point {
	return &geo.Point{Lat: p.Lat + km/111.195, Lng: p.Lng}
}

func at(p geo.Point) *geo.Point { return &p }

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *memory.Store
	rec    *notify.Recorder
	eng    *engine.Engine
	runner *jobs.Runner
	now    time.Time
}

func newHarness(t *testing.T, opts ...func(*engine.Config)) *harness {
	t.Helper()
	cfg := engine.DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		store: memory.New(),
		rec:   &notify.Recorder{},
		now:   base,
	}
	h.eng = engine.New(h.store, h.rec, cfg, zerolog.Nop())
	h.eng.Now = h.clock
	h.runner = jobs.NewRunner(h.store, zerolog.Nop())
	h.runner.Now = h.clock
	h.eng.RegisterJobs(h.runner, 0)
	return h
}

func (h *harness) clock() time.Time { return h.now }

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) setClock(t time.Time) { h.now = t }

func (h *harness) runJobs() int {
	h.t.Helper()
	n, err := h.runner.RunNow(h.ctx)
	require.NoError(h.t, err)
	return n
}

func (h *harness) facilityActor(id string) engine.Actor {
	return engine.Actor{ID: id, Role: engine.RoleFacility}
}

func (h *harness) facility(id, balance string, loc *geo.Point) engine.Actor {
	h.t.Helper()
	_, err := h.eng.SaveFacility(h.ctx, admin, engine.Facility{
		ID: id, Name: "Facility " + id, IsVerified: true, Location: loc,
	})
	require.NoError(h.t, err)
	if balance != "" {
		_, err = h.eng.Deposit(h.ctx, admin, ledger.FacilityAccount(id), ngn(balance), "seed-"+id)
		require.NoError(h.t, err)
	}
	return h.facilityActor(id)
}

func (h *harness) professional(id string, loc *geo.Point, specialties ...string) engine.Actor {
	h.t.Helper()
	if len(specialties) == 0 {
		specialties = []string{"ICU"}
	}
	_, err := h.eng.SaveProfessional(h.ctx, admin, engine.Professional{
		ID: id, FullName: "Nurse " + id, Specialties: specialties, IsVerified: true, Location: loc,
	})
	require.NoError(h.t, err)
	return engine.Actor{ID: id, Role: engine.RoleProfessional}
}

// shiftRequest is an 8-hour ICU shift at 2,500/h (20,000 per slot) starting
// offset after 08:00 the next day.
func shiftRequest(offset time.Duration, hours int) engine.CreateShiftRequest {
	start := base.Add(24*time.Hour + offset)
	return engine.CreateShiftRequest{
		Role:           "ICU Nurse",
		Specialty:      "ICU",
		QuantityNeeded: 1,
		StartTime:      start,
		EndTime:        start.Add(time.Duration(hours) * time.Hour),
		Rate:           ngn("2500.00"),
	}
}

func (h *harness) createShift(fac engine.Actor, req engine.CreateShiftRequest) engine.Shift {
	h.t.Helper()
	res, err := h.eng.CreateShift(h.ctx, fac, req)
	require.NoError(h.t, err)
	return res.Shift
}

func (h *harness) apply(pro engine.Actor, shiftID string) engine.Application {
	h.t.Helper()
	app, err := h.eng.Apply(h.ctx, pro, engine.ApplyRequest{ShiftID: shiftID})
	require.NoError(h.t, err)
	return *app
}

// book applies and confirms.
func (h *harness) book(fac, pro engine.Actor, shiftID string) engine.Application {
	h.t.Helper()
	app := h.apply(pro, shiftID)
	res, err := h.eng.ManageApplication(h.ctx, fac, engine.ManageRequest{ApplicationID: app.ID, Action: engine.ActionConfirm})
	require.NoError(h.t, err)
	return res.Application
}

// work books the professional and runs the shift through clock-out at the
// facility site.
func (h *harness) work(fac, pro engine.Actor, shift engine.Shift) *engine.ClockOutResult {
	h.t.Helper()
	app := h.book(fac, pro, shift.ID)

	h.setClock(shift.StartTime)
	_, err := h.eng.ClockIn(h.ctx, pro, engine.ClockRequest{ShiftID: shift.ID, QRCode: fac.ID, Location: at(facilitySite)})
	require.NoError(h.t, err)
	_, err = h.eng.ApproveStart(h.ctx, fac, engine.ApproveStartRequest{ApplicationID: app.ID})
	require.NoError(h.t, err)

	h.setClock(shift.EndTime)
	out, err := h.eng.ClockOut(h.ctx, pro, engine.ClockRequest{ShiftID: shift.ID, QRCode: fac.ID, Location: at(facilitySite)})
	require.NoError(h.t, err)
	return out
}

func (h *harness) balance(acct ledger.Account) decimal.Decimal {
	h.t.Helper()
	b, err := h.store.Balance(h.ctx, acct)
	require.NoError(h.t, err)
	return b
}

func (h *harness) shift(id string) engine.Shift {
	h.t.Helper()
	s, err := h.store.GetShift(h.ctx, id)
	require.NoError(h.t, err)
	return *s
}

func (h *harness) application(id string) engine.Application {
	h.t.Helper()
	a, err := h.store.GetApplication(h.ctx, id)
	require.NoError(h.t, err)
	return *a
}

func hasType(ns []notify.Notification, t notify.Type) bool {
	for _, n := range ns {
		if n.Type == t {
			return true
		}
	}
	return false
}

// =============================================================================
// END-TO-END
// =============================================================================

func TestScenario_ShiftFundedWorkedAndPaid(t *testing.T) {
	// GIVEN: A verified facility with 100,000 NGN and a nearby ICU nurse
	// WHEN: An 8h shift at 2,500/h is created, booked, attended and settled
	// THEN: Facility ends at 80,000, the nurse at 20,000, everything COMPLETED

	h := newHarness(t)
	fac := h.facility("fac-1", "100000.00", at(facilitySite))
	pro := h.professional("pro-1", north(facilitySite, 3))

	res, err := h.eng.CreateShift(h.ctx, fac, shiftRequest(0, 8))
	require.NoError(t, err)
	shift := res.Shift
	assert.Equal(t, engine.ShiftOpen, shift.Status)
	assert.True(t, shift.EscrowBalance.Equal(ngn("20000.00")))
	assert.True(t, res.Funding.BalanceAfter.Equal(ngn("80000.00")))
	assert.True(t, h.balance(ledger.FacilityAccount("fac-1")).Equal(ngn("80000.00")))

	// Match job runs after commit and reaches the nurse.
	assert.Equal(t, 1, h.runJobs())
	assert.True(t, hasType(h.rec.For("pro-1"), notify.TypeShiftMatch))

	out := h.work(fac, pro, shift)
	assert.Equal(t, engine.AppInProgress, out.Application.Status)
	assert.Equal(t, shift.EndTime.Add(24*time.Hour), out.PayoutJob.RunAt)
	assert.True(t, hasType(h.rec.For("fac-1"), notify.TypeShiftStart))

	// Nothing is due before the delay elapses.
	h.advance(23 * time.Hour)
	assert.Equal(t, 0, h.runJobs())
	assert.True(t, h.balance(ledger.ProfessionalAccount("pro-1")).IsZero())

	h.advance(time.Hour)
	assert.Equal(t, 1, h.runJobs())

	assert.True(t, h.balance(ledger.ProfessionalAccount("pro-1")).Equal(ngn("20000.00")))
	assert.True(t, h.balance(ledger.FacilityAccount("fac-1")).Equal(ngn("80000.00")))

	app := h.application(out.Application.ID)
	assert.Equal(t, engine.AppCompleted, app.Status)
	assert.True(t, app.PaidAmount.Equal(ngn("20000.00")))
	require.NotNil(t, app.SettledAt)

	final := h.shift(shift.ID)
	assert.Equal(t, engine.ShiftCompleted, final.Status)
	assert.True(t, final.EscrowBalance.IsZero())
	assert.True(t, hasType(h.rec.For("pro-1"), notify.TypePayout))

	job, err := h.store.GetJobByKey(h.ctx, jobs.PayoutKey(app.ID))
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDone, job.Status)
}

func TestScenario_RateBelowFloorRejected(t *testing.T) {
	// GIVEN: The default floor of 2,000.00
	// WHEN: A shift offers 1,999.99
	// THEN: RateTooLow, no debit, no shift

	h := newHarness(t)
	fac := h.facility("fac-1", "100000.00", nil)

	req := shiftRequest(0, 8)
	req.Rate = ngn("1999.99")
	_, err := h.eng.CreateShift(h.ctx, fac, req)
	require.ErrorIs(t, err, engine.ErrRateTooLow)
	assert.Equal(t, engine.KindRateTooLow, engine.KindOf(err))

	var re *engine.RateError
	require.ErrorAs(t, err, &re)
	assert.True(t, re.Floor.Equal(ngn("2000.00")))

	assert.True(t, h.balance(ledger.FacilityAccount("fac-1")).Equal(ngn("100000.00")))
	shifts, err := h.eng.ListOpenShifts(h.ctx, "")
	require.NoError(t, err)
	assert.Empty(t, shifts)

	// Exactly the floor is accepted.
	req.Rate = ngn("2000.00")
	_, err = h.eng.CreateShift(h.ctx, fac, req)
	assert.NoError(t, err)
}
