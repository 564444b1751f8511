/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts travel as decimal strings ("20000.00"), never floats. Request
  amounts are validated as numeric strings and parsed with shopspring/decimal.

VALIDATION:
  Request types carry go-playground/validator struct tags; handlers call
  h.decode, which rejects unknown fields and runs the validator. Business
  rules (rate floor, capacity, clashes) stay in the engine.

SEE ALSO:
  - handlers.go: Uses these types
  - errors.go: Error envelope
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/shifta/marketplace-engine/engine"
	"github.com/shifta/marketplace-engine/geo"
	"github.com/shifta/marketplace-engine/ledger"
	"github.com/shifta/marketplace-engine/notify"
)

// =============================================================================
// REQUESTS
// =============================================================================

type LocationDTO struct {
	Lat float64 `json:"lat" validate:"min=-90,max=90"`
	Lng float64 `json:"lng" validate:"min=-180,max=180"`
}

func (l *LocationDTO) point() *geo.Point {
	if l == nil {
		return nil
	}
	return &geo.Point{Lat: l.Lat, Lng: l.Lng}
}

type CreateShiftRequest struct {
	Role           string       `json:"role" validate:"required,max=120"`
	Specialty      string       `json:"specialty" validate:"required,max=120"`
	QuantityNeeded int          `json:"quantity_needed" validate:"required,min=1,max=100"`
	StartTime      time.Time    `json:"start_time" validate:"required"`
	EndTime        time.Time    `json:"end_time" validate:"required,gtfield=StartTime"`
	Rate           string       `json:"rate" validate:"required,numeric"`
	IsNegotiable   bool         `json:"is_negotiable"`
	MinRate        string       `json:"min_rate,omitempty" validate:"omitempty,numeric"`
	Address        string       `json:"address" validate:"max=255"`
	Location       *LocationDTO `json:"location,omitempty" validate:"omitempty"`
}

type ClockRequest struct {
	QRCode   string       `json:"qr_code" validate:"required"`
	Location *LocationDTO `json:"location" validate:"required"`
}

type ManageApplicationRequest struct {
	Action string `json:"action" validate:"required,oneof=CONFIRM REJECT"`
}

type BroadcastRequest struct {
	Message string `json:"message" validate:"required,max=1000"`
}

type WithdrawRequest struct {
	Amount string `json:"amount" validate:"required,numeric"`
}

type DepositRequest struct {
	OwnerKind string `json:"owner_kind" validate:"required,oneof=facility professional"`
	OwnerID   string `json:"owner_id" validate:"required"`
	Amount    string `json:"amount" validate:"required,numeric"`
	Reference string `json:"reference" validate:"required,max=120"`
}

type CreditLimitRequest struct {
	FacilityID string `json:"facility_id" validate:"required"`
	Limit      string `json:"limit" validate:"required,numeric"`
}

type SaveFacilityRequest struct {
	ID          string       `json:"id" validate:"required,max=64"`
	UserID      string       `json:"user_id"`
	Name        string       `json:"name" validate:"required,max=200"`
	Address     string       `json:"address" validate:"max=255"`
	IsVerified  bool         `json:"is_verified"`
	Location    *LocationDTO `json:"location,omitempty" validate:"omitempty"`
	CreditLimit string       `json:"credit_limit,omitempty" validate:"omitempty,numeric"`
}

type SaveProfessionalRequest struct {
	ID          string       `json:"id" validate:"required,max=64"`
	UserID      string       `json:"user_id"`
	Email       string       `json:"email" validate:"omitempty,email"`
	FullName    string       `json:"full_name" validate:"required,max=200"`
	Specialties []string     `json:"specialties" validate:"dive,required,max=120"`
	IsVerified  bool         `json:"is_verified"`
	Location    *LocationDTO `json:"location,omitempty" validate:"omitempty"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type ShiftDTO struct {
	ID             string           `json:"id"`
	FacilityID     string           `json:"facility_id"`
	Role           string           `json:"role"`
	Specialty      string           `json:"specialty"`
	QuantityNeeded int              `json:"quantity_needed"`
	QuantityFilled int              `json:"quantity_filled"`
	StartTime      time.Time        `json:"start_time"`
	EndTime        time.Time        `json:"end_time"`
	Rate           decimal.Decimal  `json:"rate"`
	IsNegotiable   bool             `json:"is_negotiable"`
	MinRate        *decimal.Decimal `json:"min_rate,omitempty"`
	Address        string           `json:"address,omitempty"`
	Location       *geo.Point       `json:"location,omitempty"`
	Status         string           `json:"status"`
	SlotCost       decimal.Decimal  `json:"slot_cost"`
	EscrowBalance  decimal.Decimal  `json:"escrow_balance"`
	CreatedAt      time.Time        `json:"created_at"`
}

func toShiftDTO(s engine.Shift) ShiftDTO {
	return ShiftDTO{
		ID:             s.ID,
		FacilityID:     s.FacilityID,
		Role:           s.Role,
		Specialty:      s.Specialty,
		QuantityNeeded: s.QuantityNeeded,
		QuantityFilled: s.QuantityFilled,
		StartTime:      s.StartTime,
		EndTime:        s.EndTime,
		Rate:           s.Rate,
		IsNegotiable:   s.IsNegotiable,
		MinRate:        s.MinRate,
		Address:        s.Address,
		Location:       s.Location,
		Status:         string(s.Status),
		SlotCost:       s.SlotCost(),
		EscrowBalance:  s.EscrowBalance,
		CreatedAt:      s.CreatedAt,
	}
}

func toShiftDTOs(shifts []engine.Shift) []ShiftDTO {
	out := make([]ShiftDTO, 0, len(shifts))
	for _, s := range shifts {
		out = append(out, toShiftDTO(s))
	}
	return out
}

type ApplicationDTO struct {
	ID             string          `json:"id"`
	ShiftID        string          `json:"shift_id"`
	ProfessionalID string          `json:"professional_id"`
	Status         string          `json:"status"`
	ClockInTime    *time.Time      `json:"clock_in_time,omitempty"`
	ClockOutTime   *time.Time      `json:"clock_out_time,omitempty"`
	ApprovedBy     string          `json:"approved_by,omitempty"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	SettledAt      *time.Time      `json:"settled_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func toApplicationDTO(a engine.Application) ApplicationDTO {
	return ApplicationDTO{
		ID:             a.ID,
		ShiftID:        a.ShiftID,
		ProfessionalID: a.ProfessionalID,
		Status:         string(a.Status),
		ClockInTime:    a.ClockInTime,
		ClockOutTime:   a.ClockOutTime,
		ApprovedBy:     a.ApprovedBy,
		PaidAmount:     a.PaidAmount,
		SettledAt:      a.SettledAt,
		CreatedAt:      a.CreatedAt,
	}
}

func toApplicationDTOs(apps []engine.Application) []ApplicationDTO {
	out := make([]ApplicationDTO, 0, len(apps))
	for _, a := range apps {
		out = append(out, toApplicationDTO(a))
	}
	return out
}

type FacilityShiftDTO struct {
	ShiftDTO
	Applications []ApplicationDTO `json:"applications"`
}

type ProfessionalShiftDTO struct {
	Application ApplicationDTO `json:"application"`
	Shift       ShiftDTO       `json:"shift"`
}

type CreateShiftResponse struct {
	Shift   ShiftDTO `json:"shift"`
	Funding EntryDTO `json:"funding"`
}

type ManageResponse struct {
	Application ApplicationDTO `json:"application"`
	Shift       ShiftDTO       `json:"shift"`
}

type ClockInResponse struct {
	Application ApplicationDTO `json:"application"`
	DistanceKm  *float64       `json:"distance_km,omitempty"`
}

type ClockOutResponse struct {
	Application ApplicationDTO `json:"application"`
	PayoutDueAt time.Time      `json:"payout_due_at"`
	DistanceKm  *float64       `json:"distance_km,omitempty"`
}

type CancelShiftResponse struct {
	Shift                 ShiftDTO        `json:"shift"`
	Refund                decimal.Decimal `json:"refund"`
	CancelledApplications []string        `json:"cancelled_applications"`
}

type PayoutDTO struct {
	ApplicationID  string          `json:"application_id"`
	Paid           bool            `json:"paid"`
	Amount         decimal.Decimal `json:"amount"`
	Skipped        string          `json:"skipped,omitempty"`
	ShiftCompleted bool            `json:"shift_completed"`
	Refund         decimal.Decimal `json:"refund"`
}

func toPayoutDTO(p engine.PayoutResult) PayoutDTO {
	return PayoutDTO{
		ApplicationID:  p.ApplicationID,
		Paid:           p.Paid,
		Amount:         p.Amount,
		Skipped:        p.Skipped,
		ShiftCompleted: p.ShiftCompleted,
		Refund:         p.Refund,
	}
}

type EntryDTO struct {
	ID           string          `json:"id"`
	Account      string          `json:"account"`
	Type         string          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	ReferenceID  string          `json:"reference_id,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:           string(e.ID),
		Account:      e.Account.String(),
		Type:         string(e.Type),
		Amount:       e.Delta.Value,
		Currency:     string(e.Delta.Currency),
		BalanceAfter: e.BalanceAfter,
		ReferenceID:  e.ReferenceID,
		Reason:       e.Reason,
		CreatedAt:    e.CreatedAt,
	}
}

type BalanceDTO struct {
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}

type DashboardDTO struct {
	ActiveShifts        int             `json:"active_shifts"`
	StaffOnDuty         int             `json:"staff_on_duty"`
	PendingApplications int             `json:"pending_applications"`
	TotalSpent          decimal.Decimal `json:"total_spent"`
	WalletBalance       decimal.Decimal `json:"wallet_balance"`
	CreditLimit         decimal.Decimal `json:"credit_limit"`
	IsVerified          bool            `json:"is_verified"`
}

type FacilityDTO struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Address       string          `json:"address,omitempty"`
	IsVerified    bool            `json:"is_verified"`
	Location      *geo.Point      `json:"location,omitempty"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
	CreditLimit   decimal.Decimal `json:"credit_limit"`
}

func toFacilityDTO(f engine.Facility) FacilityDTO {
	return FacilityDTO{
		ID:            f.ID,
		Name:          f.Name,
		Address:       f.Address,
		IsVerified:    f.IsVerified,
		Location:      f.Location,
		WalletBalance: f.WalletBalance,
		CreditLimit:   f.CreditLimit,
	}
}

type ProfessionalDTO struct {
	ID            string          `json:"id"`
	FullName      string          `json:"full_name"`
	Email         string          `json:"email,omitempty"`
	Specialties   []string        `json:"specialties"`
	IsVerified    bool            `json:"is_verified"`
	Location      *geo.Point      `json:"location,omitempty"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
}

func toProfessionalDTO(p engine.Professional) ProfessionalDTO {
	return ProfessionalDTO{
		ID:            p.ID,
		FullName:      p.FullName,
		Email:         p.Email,
		Specialties:   p.Specialties,
		IsVerified:    p.IsVerified,
		Location:      p.Location,
		WalletBalance: p.WalletBalance,
	}
}

type JobDTO struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	RunAt          time.Time `json:"run_at"`
	Attempts       int       `json:"attempts"`
	Status         string    `json:"status"`
	LastError      string    `json:"last_error,omitempty"`
}

type NotificationDTO struct {
	RecipientID string    `json:"recipient_id"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	RefID       string    `json:"ref_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func toNotificationDTO(n notify.Notification) NotificationDTO {
	return NotificationDTO{
		RecipientID: n.RecipientID,
		Type:        string(n.Type),
		Title:       n.Title,
		Body:        n.Body,
		RefID:       n.RefID,
		CreatedAt:   n.CreatedAt,
	}
}

// ScenarioDTO describes a dev seed.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}
