/*
scenarios.go - Dev seed loaders

PURPOSE:
  Populates the store with realistic marketplace data for local testing and
  demos. Every scenario goes through the engine, so wallets, escrow and the
  job queue are consistent with what real traffic would produce.

AVAILABLE SCENARIOS:
  marketplace:  Two funded facilities, three professionals, open shifts
  booked:       marketplace plus one confirmed and one pending application

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Onboard facilities and professionals as the seed admin
 3. Deposit opening balances
 4. Post shifts (escrow is debited as usual)
 5. Optionally apply and confirm

USAGE VIA API (dev mode only):
  POST /api/scenarios/load
  {"scenario_id": "booked"}

NOTE:
  Scenarios reset the store. The route is only mounted in dev mode.
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shifta/marketplace-engine/engine"
	"github.com/shifta/marketplace-engine/geo"
	"github.com/shifta/marketplace-engine/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "marketplace",
		Name:        "Marketplace",
		Description: "Two funded Lagos facilities, three professionals and open shifts",
	},
	{
		ID:          "booked",
		Name:        "Booked",
		Description: "Marketplace with one confirmed and one pending application",
	},
}

var seedAdmin = engine.Actor{ID: "seed", Role: engine.RoleAdmin}

var (
	reddington = geo.Point{Lat: 6.4281, Lng: 3.4219}
	lagoon     = geo.Point{Lat: 6.4474, Lng: 3.4553}
	yaba       = geo.Point{Lat: 6.5095, Lng: 3.3711}
)

// SeedResult names what a scenario created.
type SeedResult struct {
	Scenario      string   `json:"scenario"`
	Facilities    []string `json:"facilities"`
	Professionals []string `json:"professionals"`
	Shifts        []string `json:"shifts"`
	Applications  []string `json:"applications,omitempty"`
}

// ListScenarios returns all available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario resets the store and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.Seed(r.Context(), req.ScenarioID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Seed resets the store and loads the named scenario.
func (h *Handler) Seed(ctx context.Context, scenarioID string) (*SeedResult, error) {
	var load func(context.Context, *SeedResult) error
	switch scenarioID {
	case "marketplace":
		load = h.loadMarketplace
	case "booked":
		load = h.loadBooked
	default:
		return nil, fmt.Errorf("%w: unknown scenario %q", engine.ErrInvalidInput, scenarioID)
	}

	if err := h.Store.Reset(ctx); err != nil {
		return nil, fmt.Errorf("failed to reset store: %w", err)
	}
	if h.Inbox != nil {
		h.Inbox.Reset()
	}

	res := &SeedResult{Scenario: scenarioID}
	if err := load(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to load scenario %s: %w", scenarioID, err)
	}
	h.Logger.Info().Str("scenario", scenarioID).Int("shifts", len(res.Shifts)).Msg("scenario loaded")
	return res, nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadMarketplace(ctx context.Context, res *SeedResult) error {
	facilities := []struct {
		f       engine.Facility
		opening string
	}{
		{engine.Facility{ID: "fac-reddington", Name: "Reddington Hospital", Address: "12 Idowu Martins St, Victoria Island", IsVerified: true, Location: &reddington}, "500000.00"},
		{engine.Facility{ID: "fac-lagoon", Name: "Lagoon Clinic", Address: "17b Bourdillon Rd, Ikoyi", IsVerified: true, Location: &lagoon}, "200000.00"},
	}
	for _, item := range facilities {
		if _, err := h.Engine.SaveFacility(ctx, seedAdmin, item.f); err != nil {
			return err
		}
		_, err := h.Engine.Deposit(ctx, seedAdmin, ledger.FacilityAccount(item.f.ID), ledger.MustParse(item.opening), "opening-"+item.f.ID)
		if err != nil {
			return err
		}
		res.Facilities = append(res.Facilities, item.f.ID)
	}

	pros := []engine.Professional{
		{ID: "pro-ada", FullName: "Ada Okafor", Email: "ada@example.com", Specialties: []string{"ICU", "Emergency"}, IsVerified: true, Location: &yaba},
		{ID: "pro-tunde", FullName: "Tunde Bello", Email: "tunde@example.com", Specialties: []string{"Emergency"}, IsVerified: true, Location: &lagoon},
		{ID: "pro-chioma", FullName: "Chioma Eze", Email: "chioma@example.com", Specialties: []string{"ICU"}, IsVerified: false, Location: &reddington},
	}
	for _, p := range pros {
		if _, err := h.Engine.SaveProfessional(ctx, seedAdmin, p); err != nil {
			return err
		}
		res.Professionals = append(res.Professionals, p.ID)
	}

	tomorrow := h.Engine.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	shifts := []struct {
		facility string
		req      engine.CreateShiftRequest
	}{
		{"fac-reddington", engine.CreateShiftRequest{
			Role: "ICU Nurse", Specialty: "ICU", QuantityNeeded: 2,
			StartTime: tomorrow.Add(8 * time.Hour), EndTime: tomorrow.Add(16 * time.Hour),
			Rate: ledger.MustParse("2500.00"),
		}},
		{"fac-reddington", engine.CreateShiftRequest{
			Role: "ER Nurse", Specialty: "Emergency", QuantityNeeded: 1,
			StartTime: tomorrow.Add(20 * time.Hour), EndTime: tomorrow.Add(32 * time.Hour),
			Rate: ledger.MustParse("3000.00"), IsNegotiable: true,
		}},
		{"fac-lagoon", engine.CreateShiftRequest{
			Role: "Triage Nurse", Specialty: "Emergency", QuantityNeeded: 1,
			StartTime: tomorrow.Add(9 * time.Hour), EndTime: tomorrow.Add(15 * time.Hour),
			Rate: ledger.MustParse("2200.00"), Address: "17b Bourdillon Rd, Ikoyi",
		}},
	}
	for _, s := range shifts {
		created, err := h.Engine.CreateShift(ctx, engine.Actor{ID: s.facility, Role: engine.RoleFacility}, s.req)
		if err != nil {
			return err
		}
		res.Shifts = append(res.Shifts, created.Shift.ID)
	}
	return nil
}

func (h *Handler) loadBooked(ctx context.Context, res *SeedResult) error {
	if err := h.loadMarketplace(ctx, res); err != nil {
		return err
	}

	ada := engine.Actor{ID: "pro-ada", Role: engine.RoleProfessional}
	tunde := engine.Actor{ID: "pro-tunde", Role: engine.RoleProfessional}
	reddingtonActor := engine.Actor{ID: "fac-reddington", Role: engine.RoleFacility}

	// Ada is confirmed on the ICU shift
	app, err := h.Engine.Apply(ctx, ada, engine.ApplyRequest{ShiftID: res.Shifts[0]})
	if err != nil {
		return err
	}
	_, err = h.Engine.ManageApplication(ctx, reddingtonActor, engine.ManageRequest{ApplicationID: app.ID, Action: engine.ActionConfirm})
	if err != nil {
		return err
	}
	res.Applications = append(res.Applications, app.ID)

	// Tunde is waiting on the Lagoon triage shift
	pending, err := h.Engine.Apply(ctx, tunde, engine.ApplyRequest{ShiftID: res.Shifts[2]})
	if err != nil {
		return err
	}
	res.Applications = append(res.Applications, pending.ID)
	return nil
}
