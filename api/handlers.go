/*
handlers.go - HTTP API handlers for the shift marketplace

PURPOSE:
  Exposes the engine via REST API. Handles HTTP request/response, JSON
  serialization and validation, and delegates every rule to engine.Engine.

ENDPOINTS:
  Shifts:
    GET    /api/shifts?specialty=       Open shifts (optionally by specialty)
    POST   /api/shifts                  Create and fund a shift (facility)
    GET    /api/shifts/facility         The facility's shifts with applications
    GET    /api/shifts/professional     The professional's applications
    POST   /api/shifts/{id}/apply       Apply (professional)
    POST   /api/shifts/{id}/clock-in    Clock in with QR code and location
    POST   /api/shifts/{id}/clock-out   Clock out; schedules the payout
    POST   /api/shifts/{id}/cancel      Cancel and refund escrow
    POST   /api/shifts/{id}/broadcast   Message every booked professional

  Applications:
    POST   /api/applications/{id}/manage         CONFIRM or REJECT
    POST   /api/applications/{id}/cancel         Withdraw or cancel a booking
    POST   /api/applications/{id}/approve-start  Attendance -> in progress
    POST   /api/applications/{id}/release-funds  Pay out now

  Billing:
    GET    /api/billing/balance         Wallet balance
    GET    /api/billing/transactions    Wallet history
    POST   /api/billing/withdraw        Cash out

  Facility:
    GET    /api/facility/qrcode         Attendance QR payload
    GET    /api/facility/dashboard      Activity summary

  Admin:
    POST   /api/admin/facilities        Onboard or update a facility
    POST   /api/admin/professionals     Onboard or update a professional
    POST   /api/admin/deposits          Top up a wallet
    POST   /api/admin/credit-limits     Set a facility credit limit
    POST   /api/admin/reconcile         Re-enqueue overdue payouts
    GET    /api/admin/jobs              Job queue

ERROR HANDLING:
  Errors are classified with engine.KindOf and returned as
  {"error": {"kind", "message"}}. See errors.go for the status mapping.

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Bearer token to engine.Actor
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/shifta/marketplace-engine/engine"
	"github.com/shifta/marketplace-engine/jobs"
	"github.com/shifta/marketplace-engine/ledger"
	"github.com/shifta/marketplace-engine/notify"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the handlers need beyond the engine: dev seeding and the
// job queue view.
type Store interface {
	engine.Store
	Reset(ctx context.Context) error
	ListJobs(ctx context.Context) ([]jobs.Job, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *engine.Engine
	Store  Store
	Logger zerolog.Logger

	// Inbox, when set, backs GET /api/notifications.
	Inbox *notify.Recorder
	// DevMode mounts the scenario loader.
	DevMode bool
	// Limiter caps RequestsPerMinute per actor on authenticated routes.
	Limiter           Limiter
	RequestsPerMinute int

	validate *validator.Validate
}

// NewHandler creates a handler over eng and store.
func NewHandler(eng *engine.Engine, store Store, logger zerolog.Logger) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return &Handler{
		Engine:   eng,
		Store:    store,
		Logger:   logger.With().Str("component", "api").Logger(),
		validate: v,
	}
}

// =============================================================================
// SHIFT HANDLERS
// =============================================================================

// ListOpenShifts returns OPEN shifts, optionally filtered by specialty.
func (h *Handler) ListOpenShifts(w http.ResponseWriter, r *http.Request) {
	shifts, err := h.Engine.ListOpenShifts(r.Context(), r.URL.Query().Get("specialty"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toShiftDTOs(shifts))
}

// CreateShift funds and posts a shift.
func (h *Handler) CreateShift(w http.ResponseWriter, r *http.Request) {
	var req CreateShiftRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	rate, err := parseAmount("rate", req.Rate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var minRate *decimal.Decimal
	if req.MinRate != "" {
		mr, err := parseAmount("min_rate", req.MinRate)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		minRate = &mr
	}

	res, err := h.Engine.CreateShift(r.Context(), actor(r), engine.CreateShiftRequest{
		Role:           req.Role,
		Specialty:      req.Specialty,
		QuantityNeeded: req.QuantityNeeded,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		Rate:           rate,
		IsNegotiable:   req.IsNegotiable,
		MinRate:        minRate,
		Address:        req.Address,
		Location:       req.Location.point(),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateShiftResponse{
		Shift:   toShiftDTO(res.Shift),
		Funding: toEntryDTO(res.Funding),
	})
}

func (h *Handler) ListFacilityShifts(w http.ResponseWriter, r *http.Request) {
	shifts, err := h.Engine.ListFacilityShifts(r.Context(), actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]FacilityShiftDTO, 0, len(shifts))
	for _, fs := range shifts {
		out = append(out, FacilityShiftDTO{
			ShiftDTO:     toShiftDTO(fs.Shift),
			Applications: toApplicationDTOs(fs.Applications),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListProfessionalShifts(w http.ResponseWriter, r *http.Request) {
	items, err := h.Engine.ListProfessionalShifts(r.Context(), actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]ProfessionalShiftDTO, 0, len(items))
	for _, it := range items {
		out = append(out, ProfessionalShiftDTO{
			Application: toApplicationDTO(it.Application),
			Shift:       toShiftDTO(it.Shift),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Apply(w http.ResponseWriter, r *http.Request) {
	app, err := h.Engine.Apply(r.Context(), actor(r), engine.ApplyRequest{ShiftID: chi.URLParam(r, "id")})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toApplicationDTO(*app))
}

func (h *Handler) ClockIn(w http.ResponseWriter, r *http.Request) {
	var req ClockRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Engine.ClockIn(r.Context(), actor(r), engine.ClockRequest{
		ShiftID:  chi.URLParam(r, "id"),
		QRCode:   req.QRCode,
		Location: req.Location.point(),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ClockInResponse{
		Application: toApplicationDTO(res.Application),
		DistanceKm:  res.DistanceKm,
	})
}

func (h *Handler) ClockOut(w http.ResponseWriter, r *http.Request) {
	var req ClockRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Engine.ClockOut(r.Context(), actor(r), engine.ClockRequest{
		ShiftID:  chi.URLParam(r, "id"),
		QRCode:   req.QRCode,
		Location: req.Location.point(),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ClockOutResponse{
		Application: toApplicationDTO(res.Application),
		PayoutDueAt: res.PayoutJob.RunAt,
		DistanceKm:  res.DistanceKm,
	})
}

func (h *Handler) CancelShift(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.CancelShift(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	cancelled := res.Cancelled
	if cancelled == nil {
		cancelled = []string{}
	}
	writeJSON(w, http.StatusOK, CancelShiftResponse{
		Shift:                 toShiftDTO(res.Shift),
		Refund:                res.Refund,
		CancelledApplications: cancelled,
	})
}

func (h *Handler) BroadcastToShift(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	n, err := h.Engine.BroadcastToShift(r.Context(), actor(r), chi.URLParam(r, "id"), req.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"recipients": n})
}

// =============================================================================
// APPLICATION HANDLERS
// =============================================================================

func (h *Handler) ManageApplication(w http.ResponseWriter, r *http.Request) {
	var req ManageApplicationRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Engine.ManageApplication(r.Context(), actor(r), engine.ManageRequest{
		ApplicationID: chi.URLParam(r, "id"),
		Action:        engine.ManageAction(req.Action),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ManageResponse{
		Application: toApplicationDTO(res.Application),
		Shift:       toShiftDTO(res.Shift),
	})
}

func (h *Handler) CancelApplication(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.CancelApplication(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ManageResponse{
		Application: toApplicationDTO(res.Application),
		Shift:       toShiftDTO(res.Shift),
	})
}

func (h *Handler) ApproveStart(w http.ResponseWriter, r *http.Request) {
	app, err := h.Engine.ApproveStart(r.Context(), actor(r), engine.ApproveStartRequest{
		ApplicationID: chi.URLParam(r, "id"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationDTO(*app))
}

func (h *Handler) ReleaseFunds(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.ReleaseFunds(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTO(*res))
}

// =============================================================================
// BILLING HANDLERS
// =============================================================================

func (h *Handler) WalletBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.Engine.WalletBalance(r.Context(), actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{Balance: bal.Value, Currency: string(bal.Currency)})
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.ListTransactions(r.Context(), actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]EntryDTO, 0, len(entries))
	// Newest first
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, toEntryDTO(entries[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entry, err := h.Engine.Withdraw(r.Context(), actor(r), amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(*entry))
}

// =============================================================================
// FACILITY HANDLERS
// =============================================================================

func (h *Handler) FacilityQRCode(w http.ResponseWriter, r *http.Request) {
	code, err := h.Engine.FacilityQRCode(r.Context(), actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"qr_code": code})
}

func (h *Handler) FacilityDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.Engine.FacilityDashboard(r.Context(), actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DashboardDTO{
		ActiveShifts:        d.ActiveShifts,
		StaffOnDuty:         d.StaffOnDuty,
		PendingApplications: d.PendingApplications,
		TotalSpent:          d.TotalSpent,
		WalletBalance:       d.WalletBalance,
		CreditLimit:         d.CreditLimit,
		IsVerified:          d.IsVerified,
	})
}

// ListNotifications returns the caller's notifications from the dev inbox.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	out := []NotificationDTO{}
	if h.Inbox != nil {
		for _, n := range h.Inbox.For(actor(r).ID) {
			out = append(out, toNotificationDTO(n))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) SaveFacility(w http.ResponseWriter, r *http.Request) {
	var req SaveFacilityRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	limit := decimal.Zero
	if req.CreditLimit != "" {
		var err error
		if limit, err = parseAmount("credit_limit", req.CreditLimit); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	f, err := h.Engine.SaveFacility(r.Context(), actor(r), engine.Facility{
		ID:          req.ID,
		UserID:      req.UserID,
		Name:        req.Name,
		Address:     req.Address,
		IsVerified:  req.IsVerified,
		Location:    req.Location.point(),
		CreditLimit: limit,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFacilityDTO(*f))
}

func (h *Handler) SaveProfessional(w http.ResponseWriter, r *http.Request) {
	var req SaveProfessionalRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.Engine.SaveProfessional(r.Context(), actor(r), engine.Professional{
		ID:          req.ID,
		UserID:      req.UserID,
		Email:       req.Email,
		FullName:    req.FullName,
		Specialties: req.Specialties,
		IsVerified:  req.IsVerified,
		Location:    req.Location.point(),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfessionalDTO(*p))
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	account := ledger.Account{Kind: ledger.OwnerKind(req.OwnerKind), OwnerID: req.OwnerID}
	entry, err := h.Engine.Deposit(r.Context(), actor(r), account, amount, req.Reference)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

func (h *Handler) AdjustCreditLimit(w http.ResponseWriter, r *http.Request) {
	var req CreditLimitRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := parseAmount("limit", req.Limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	f, err := h.Engine.AdjustCreditLimit(r.Context(), actor(r), req.FacilityID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFacilityDTO(*f))
}

// Reconcile runs the payout and shift-completion sweep now.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if !actor(r).IsAdmin() {
		h.writeError(w, r, fmt.Errorf("%w: reconcile requires admin", engine.ErrPermissionDenied))
		return
	}
	res, err := h.Engine.Payouts.Reconcile(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": res.Requeued, "completed": res.Completed})
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if !actor(r).IsAdmin() {
		h.writeError(w, r, fmt.Errorf("%w: job queue requires admin", engine.ErrPermissionDenied))
		return
	}
	js, err := h.Store.ListJobs(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]JobDTO, 0, len(js))
	for _, j := range js {
		out = append(out, JobDTO{
			ID:             j.ID,
			Type:           string(j.Type),
			IdempotencyKey: j.IdempotencyKey,
			RunAt:          j.RunAt,
			Attempts:       j.Attempts,
			Status:         string(j.Status),
			LastError:      j.LastError,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decode reads a JSON body into dst and validates it. An empty body decodes
// as an empty object so "required" rules report the missing fields.
func (h *Handler) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed JSON body: %v", engine.ErrInvalidInput, err)
	}
	return h.validate.Struct(dst)
}

func parseAmount(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q is not a number", engine.ErrInvalidInput, field, s)
	}
	return d, nil
}

// actor is always set on routes behind the auth middleware.
func actor(r *http.Request) engine.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}
