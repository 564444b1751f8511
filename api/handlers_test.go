/*
handlers_test.go - HTTP tests for the API layer

Tests for:
- Authentication (missing, forged, expired and system tokens)
- Shift flow through the router (create, apply, confirm)
- Error envelope and status mapping
- Admin-only routes
- Dev scenario loader
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shifta/marketplace-engine/engine"
	"github.com/shifta/marketplace-engine/ledger"
	"github.com/shifta/marketplace-engine/notify"
	"github.com/shifta/marketplace-engine/store/memory"
)

const testSecret = "test-secret"

var (
	adminActor = engine.Actor{ID: "admin-1", Role: engine.RoleAdmin}
	facActor   = engine.Actor{ID: "fac-1", Role: engine.RoleFacility}
	proActor   = engine.Actor{ID: "pro-1", Role: engine.RoleProfessional}
)

type testServer struct {
	t      *testing.T
	router http.Handler
	auth   *Authenticator
	h      *Handler
	store  *memory.Store
}

func newTestServer(t *testing.T, devMode bool) *testServer {
	t.Helper()
	store := memory.New()
	inbox := &notify.Recorder{}
	eng := engine.New(store, inbox, engine.DefaultConfig(), zerolog.Nop())

	h := NewHandler(eng, store, zerolog.Nop())
	h.Inbox = inbox
	h.DevMode = devMode
	auth := NewAuthenticator(testSecret)

	return &testServer{
		t:      t,
		router: NewRouter(h, auth, []string{"http://localhost:5173"}),
		auth:   auth,
		h:      h,
		store:  store,
	}
}

func (s *testServer) token(actor engine.Actor) string {
	s.t.Helper()
	tok, err := s.auth.IssueToken(actor)
	require.NoError(s.t, err)
	return tok
}

// do sends a request as actor. A zero actor sends no Authorization header.
func (s *testServer) do(method, path string, actor engine.Actor, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor.ID != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(actor))
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, kind string) ErrorBody {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	body := decodeBody[ErrorBody](t, rec)
	assert.Equal(t, kind, body.Error.Kind)
	assert.NotEmpty(t, body.Error.Message)
	return body
}

// onboard creates fac-1 with balance and a verified ICU professional pro-1.
func (s *testServer) onboard(balance string) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/admin/facilities", adminActor, SaveFacilityRequest{
		ID: facActor.ID, Name: "Reddington Hospital", IsVerified: true,
		Location: &LocationDTO{Lat: 6.4281, Lng: 3.4219},
	})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())

	if balance != "" {
		rec = s.do(http.MethodPost, "/api/admin/deposits", adminActor, DepositRequest{
			OwnerKind: "facility", OwnerID: facActor.ID, Amount: balance, Reference: "pay-001",
		})
		require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec = s.do(http.MethodPost, "/api/admin/professionals", adminActor, SaveProfessionalRequest{
		ID: proActor.ID, FullName: "Ada Okafor", Specialties: []string{"ICU"}, IsVerified: true,
		Location: &LocationDTO{Lat: 6.43, Lng: 3.42},
	})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

// icuShift is one 8-hour slot at 2,500/h two days out.
func icuShift() CreateShiftRequest {
	start := time.Now().UTC().Truncate(time.Hour).Add(48 * time.Hour)
	return CreateShiftRequest{
		Role:           "ICU Nurse",
		Specialty:      "ICU",
		QuantityNeeded: 1,
		StartTime:      start,
		EndTime:        start.Add(8 * time.Hour),
		Rate:           "2500.00",
	}
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestAuth_MissingToken(t *testing.T) {
	// GIVEN: A server
	s := newTestServer(t, false)

	// WHEN: A protected route is called without a token
	rec := s.do(http.MethodGet, "/api/shifts", engine.Actor{}, nil)

	// THEN: 401 with the Unauthenticated envelope
	requireError(t, rec, http.StatusUnauthorized, kindUnauthenticated)
}

func TestAuth_ForgedToken(t *testing.T) {
	// GIVEN: A token signed with another secret
	s := newTestServer(t, false)
	forged, err := NewAuthenticator("other-secret").IssueToken(facActor)
	require.NoError(t, err)

	// WHEN: It is presented
	req := httptest.NewRequest(http.MethodGet, "/api/shifts", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	// THEN: Rejected
	requireError(t, rec, http.StatusUnauthorized, kindUnauthenticated)
}

func TestAuth_Parse(t *testing.T) {
	now := time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)
	a := NewAuthenticator(testSecret)
	a.Now = func() time.Time { return now }

	t.Run("round trip", func(t *testing.T) {
		tok, err := a.IssueToken(proActor)
		require.NoError(t, err)

		got, err := a.Parse(tok)
		require.NoError(t, err)
		assert.Equal(t, proActor, got)
	})

	t.Run("expired", func(t *testing.T) {
		tok, err := a.IssueToken(proActor)
		require.NoError(t, err)

		later := NewAuthenticator(testSecret)
		later.Now = func() time.Time { return now.Add(13 * time.Hour) }
		_, err = later.Parse(tok)
		assert.Error(t, err)
	})

	t.Run("system role is never accepted", func(t *testing.T) {
		tok, err := a.IssueToken(engine.SystemActor)
		require.NoError(t, err)

		_, err = a.Parse(tok)
		assert.ErrorContains(t, err, "unknown role")
	})

	t.Run("subject required", func(t *testing.T) {
		tok, err := a.IssueToken(engine.Actor{Role: engine.RoleFacility})
		require.NoError(t, err)

		_, err = a.Parse(tok)
		assert.Error(t, err)
	})
}

// =============================================================================
// SHIFT FLOW
// =============================================================================

func TestShiftFlow_CreateApplyConfirm(t *testing.T) {
	// GIVEN: A funded facility and a verified professional
	s := newTestServer(t, false)
	s.onboard("50000.00")

	// WHEN: The facility posts a shift
	rec := s.do(http.MethodPost, "/api/shifts", facActor, icuShift())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[CreateShiftResponse](t, rec)

	// THEN: The slot cost is escrowed and debited
	assert.True(t, created.Shift.SlotCost.Equal(decimal.RequireFromString("20000")))
	assert.True(t, created.Shift.EscrowBalance.Equal(decimal.RequireFromString("20000")))
	assert.True(t, created.Funding.Amount.Equal(decimal.RequireFromString("-20000")))
	assert.Equal(t, "OPEN", created.Shift.Status)

	rec = s.do(http.MethodGet, "/api/billing/balance", facActor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decodeBody[BalanceDTO](t, rec)
	assert.True(t, bal.Balance.Equal(decimal.RequireFromString("30000")), bal.Balance.String())

	// WHEN: The professional applies
	rec = s.do(http.MethodPost, "/api/shifts/"+created.Shift.ID+"/apply", proActor, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	app := decodeBody[ApplicationDTO](t, rec)
	assert.Equal(t, "PENDING", app.Status)

	// AND: The facility confirms
	rec = s.do(http.MethodPost, "/api/applications/"+app.ID+"/manage", facActor, ManageApplicationRequest{Action: "CONFIRM"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	managed := decodeBody[ManageResponse](t, rec)

	// THEN: The shift is filled
	assert.Equal(t, "CONFIRMED", managed.Application.Status)
	assert.Equal(t, 1, managed.Shift.QuantityFilled)
	assert.Equal(t, "FILLED", managed.Shift.Status)

	// AND: Both sides see it in their lists
	rec = s.do(http.MethodGet, "/api/shifts/professional", proActor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decodeBody[[]ProfessionalShiftDTO](t, rec)
	require.Len(t, mine, 1)
	assert.Equal(t, created.Shift.ID, mine[0].Shift.ID)

	rec = s.do(http.MethodGet, "/api/shifts/facility", facActor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	theirs := decodeBody[[]FacilityShiftDTO](t, rec)
	require.Len(t, theirs, 1)
	assert.Len(t, theirs[0].Applications, 1)

	// AND: The professional was told
	rec = s.do(http.MethodGet, "/api/notifications", proActor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody[[]NotificationDTO](t, rec))
}

func TestCreateShift_ValidationError(t *testing.T) {
	// GIVEN: A facility
	s := newTestServer(t, false)
	s.onboard("50000.00")

	// WHEN: The body misses the rate
	req := icuShift()
	req.Rate = ""
	rec := s.do(http.MethodPost, "/api/shifts", facActor, req)

	// THEN: 400 InvalidInput naming the field
	body := requireError(t, rec, http.StatusBadRequest, engine.KindInvalidInput)
	assert.Contains(t, body.Error.Message, "rate")
}

func TestCreateShift_UnknownFieldRejected(t *testing.T) {
	s := newTestServer(t, false)
	s.onboard("50000.00")

	rec := s.do(http.MethodPost, "/api/shifts", facActor, map[string]any{"role": "ICU Nurse", "hourly": 10})

	requireError(t, rec, http.StatusBadRequest, engine.KindInvalidInput)
}

func TestCreateShift_RateBelowFloor(t *testing.T) {
	s := newTestServer(t, false)
	s.onboard("50000.00")

	req := icuShift()
	req.Rate = "1500.00"
	rec := s.do(http.MethodPost, "/api/shifts", facActor, req)

	requireError(t, rec, http.StatusUnprocessableEntity, engine.KindRateTooLow)
}

func TestCreateShift_InsufficientFunds(t *testing.T) {
	// GIVEN: A facility holding less than one slot
	s := newTestServer(t, false)
	s.onboard("1000.00")

	// WHEN: It posts a 20,000 shift
	rec := s.do(http.MethodPost, "/api/shifts", facActor, icuShift())

	// THEN: 402 and no shift exists
	requireError(t, rec, http.StatusPaymentRequired, engine.KindInsufficientFunds)

	rec = s.do(http.MethodGet, "/api/shifts", proActor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]ShiftDTO](t, rec))
}

func TestApply_WrongRoleDenied(t *testing.T) {
	// GIVEN: An open shift
	s := newTestServer(t, false)
	s.onboard("50000.00")
	rec := s.do(http.MethodPost, "/api/shifts", facActor, icuShift())
	require.Equal(t, http.StatusCreated, rec.Code)
	shift := decodeBody[CreateShiftResponse](t, rec).Shift

	// WHEN: A facility tries to apply
	rec = s.do(http.MethodPost, "/api/shifts/"+shift.ID+"/apply", facActor, nil)

	// THEN: 403
	requireError(t, rec, http.StatusForbidden, engine.KindPermissionDenied)
}

func TestManage_InvalidAction(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(http.MethodPost, "/api/applications/app-1/manage", facActor, ManageApplicationRequest{Action: "MAYBE"})

	body := requireError(t, rec, http.StatusBadRequest, engine.KindInvalidInput)
	assert.Contains(t, body.Error.Message, "action")
}

func TestApply_UnknownShift(t *testing.T) {
	s := newTestServer(t, false)
	s.onboard("")

	rec := s.do(http.MethodPost, "/api/shifts/nope/apply", proActor, nil)

	requireError(t, rec, http.StatusNotFound, engine.KindNotFound)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdminRoutes_RequireAdmin(t *testing.T) {
	s := newTestServer(t, false)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"jobs", http.MethodGet, "/api/admin/jobs", nil},
		{"reconcile", http.MethodPost, "/api/admin/reconcile", nil},
		{"deposit", http.MethodPost, "/api/admin/deposits", DepositRequest{
			OwnerKind: "facility", OwnerID: "fac-1", Amount: "100.00", Reference: "x",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, facActor, tt.body)
			requireError(t, rec, http.StatusForbidden, engine.KindPermissionDenied)
		})
	}
}

func TestAdminJobs_ListsMatchJob(t *testing.T) {
	// GIVEN: A posted shift, which enqueues its match job
	s := newTestServer(t, false)
	s.onboard("50000.00")
	rec := s.do(http.MethodPost, "/api/shifts", facActor, icuShift())
	require.Equal(t, http.StatusCreated, rec.Code)
	shift := decodeBody[CreateShiftResponse](t, rec).Shift

	// WHEN: The admin lists the queue
	rec = s.do(http.MethodGet, "/api/admin/jobs", adminActor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	js := decodeBody[[]JobDTO](t, rec)

	// THEN: The match job is pending
	require.NotEmpty(t, js)
	var keys []string
	for _, j := range js {
		keys = append(keys, j.IdempotencyKey)
	}
	assert.Contains(t, keys, "match:"+shift.ID)
}

func TestDeposit_DuplicateReference(t *testing.T) {
	// GIVEN: A deposit already recorded
	s := newTestServer(t, false)
	s.onboard("50000.00")

	// WHEN: The same payment reference is deposited again
	rec := s.do(http.MethodPost, "/api/admin/deposits", adminActor, DepositRequest{
		OwnerKind: "facility", OwnerID: facActor.ID, Amount: "50000.00", Reference: "pay-001",
	})

	// THEN: Refused and the balance is unchanged
	requireError(t, rec, http.StatusConflict, engine.KindInvalidState)

	bal, err := s.store.Balance(context.Background(), ledger.FacilityAccount(facActor.ID))
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("50000")), bal.String())
}

// =============================================================================
// HEALTH AND SCENARIOS
// =============================================================================

func TestHealth_IsPublic(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(http.MethodGet, "/health", engine.Actor{}, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestScenarios_NotMountedOutsideDevMode(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(http.MethodPost, "/api/scenarios/load", engine.Actor{}, LoadScenarioRequest{ScenarioID: "marketplace"})

	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestScenarios_LoadBooked(t *testing.T) {
	// GIVEN: A dev server with leftover data
	s := newTestServer(t, true)
	s.onboard("50000.00")

	// WHEN: The booked scenario is loaded
	rec := s.do(http.MethodPost, "/api/scenarios/load", engine.Actor{}, LoadScenarioRequest{ScenarioID: "booked"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[SeedResult](t, rec)

	// THEN: The store holds only the scenario
	assert.Len(t, res.Shifts, 3)
	assert.Len(t, res.Applications, 2)
	_, err := s.store.GetFacility(context.Background(), facActor.ID)
	assert.ErrorIs(t, err, engine.ErrNotFound)

	// AND: Ada's confirmed booking is visible to her
	ada := engine.Actor{ID: "pro-ada", Role: engine.RoleProfessional}
	rec = s.do(http.MethodGet, "/api/shifts/professional", ada, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decodeBody[[]ProfessionalShiftDTO](t, rec)
	require.Len(t, mine, 1)
	assert.Equal(t, "CONFIRMED", mine[0].Application.Status)

	// AND: Reddington paid escrow for its two shifts
	red := engine.Actor{ID: "fac-reddington", Role: engine.RoleFacility}
	rec = s.do(http.MethodGet, "/api/facility/dashboard", red, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dash := decodeBody[DashboardDTO](t, rec)
	// 500,000 - 2 x 20,000 - 36,000
	assert.True(t, dash.WalletBalance.Equal(decimal.RequireFromString("424000")), dash.WalletBalance.String())
	assert.Equal(t, 2, dash.ActiveShifts)
}

func TestScenarios_Unknown(t *testing.T) {
	s := newTestServer(t, true)

	rec := s.do(http.MethodPost, "/api/scenarios/load", engine.Actor{}, LoadScenarioRequest{ScenarioID: "nope"})

	requireError(t, rec, http.StatusBadRequest, engine.KindInvalidInput)
}

func TestScenarios_List(t *testing.T) {
	s := newTestServer(t, true)

	rec := s.do(http.MethodGet, "/api/scenarios", engine.Actor{}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ScenarioDTO](t, rec), len(scenarios))
}
