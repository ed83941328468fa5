/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Residents:   ResidentDTO, ResidentRequest, PeriodStatusDTO
  Payments:    PaymentDTO, AllocateRequest, AllocationResultDTO, UpdatePaymentRequest
  Credentials: CredentialDTO, CreateCredentialRequest, SaleDTO, SalesTotalDTO
  Auth:        LoginRequest, TokenDTO
  Admin:       SyncSummaryDTO, SchedulerRunDTO, ScenarioDTO

MONEY:
  Amounts go out as strings with two decimals ("280.00"). Amounts coming in
  accept either a JSON number or a string.

VALIDATION:
  Shape checks live in `validate` struct tags (go-playground/validator).
  Domain rules (positive amounts, month limits, known residents) are checked
  by the dues package and come back as dues.ValidationError.

SEE ALSO:
  - handlers.go: Uses these types
  - dues/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/store/sqlite"
)

// =============================================================================
// RESIDENTS
// =============================================================================

// ResidentDTO represents a resident in API responses.
type ResidentDTO struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Street      string `json:"street"`
	HouseNumber int    `json:"house_number"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// ResidentRequest creates or updates a resident.
type ResidentRequest struct {
	Name        string `json:"name" validate:"required,max=255"`
	Street      string `json:"street" validate:"required,max=255"`
	HouseNumber int    `json:"house_number" validate:"required,gt=0"`
}

// PeriodStatusDTO summarizes one resident's month.
type PeriodStatusDTO struct {
	Resident    ResidentDTO     `json:"resident"`
	Period      string          `json:"period"`
	Fee         string          `json:"fee"`
	TotalPaid   string          `json:"total_paid"`
	Remaining   string          `json:"remaining"`
	FullyPaid   bool            `json:"fully_paid"`
	Payments    []PaymentDTO    `json:"payments"`
	Credentials []CredentialDTO `json:"credentials,omitempty"`
}

// GuestResultDTO is one resident found by the guest search.
type GuestResultDTO struct {
	Resident ResidentDTO  `json:"resident"`
	Payments []PaymentDTO `json:"payments"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentDTO represents a payment row in API responses.
type PaymentDTO struct {
	ID               int64  `json:"id"`
	ResidentID       int64  `json:"resident_id"`
	ResidentName     string `json:"resident_name,omitempty"`
	Street           string `json:"street,omitempty"`
	HouseNumber      int    `json:"house_number,omitempty"`
	Period           string `json:"period"`
	Amount           string `json:"amount"`
	Category         string `json:"category"`
	RemainingBalance string `json:"remaining_balance"`
	CollectionDate   string `json:"collection_date"`
	CreatedAt        string `json:"created_at"`
}

// AllocateRequest distributes a payment from start_period forward.
type AllocateRequest struct {
	ResidentID     int64           `json:"resident_id" validate:"required,gt=0"`
	StartPeriod    string          `json:"start_period" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Category       string          `json:"category" validate:"required,oneof=ordinario extraordinario"`
	CollectionDate string          `json:"collection_date,omitempty"`
}

// PeriodAllocationDTO is the money one month received.
type PeriodAllocationDTO struct {
	Period    string `json:"period"`
	Amount    string `json:"amount"`
	PaymentID int64  `json:"payment_id"`
	Created   bool   `json:"created"`
}

// AllocationResultDTO is the response to an allocation.
type AllocationResultDTO struct {
	ResidentID  int64                 `json:"resident_id"`
	Allocations []PeriodAllocationDTO `json:"allocations"`
	Skipped     []string              `json:"skipped"`
}

// UpdatePaymentRequest edits a payment. Omitted fields are unchanged.
type UpdatePaymentRequest struct {
	ResidentID     *int64           `json:"resident_id,omitempty" validate:"omitempty,gt=0"`
	Period         *string          `json:"period,omitempty"`
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	Category       *string          `json:"category,omitempty" validate:"omitempty,oneof=ordinario extraordinario"`
	CollectionDate *string          `json:"collection_date,omitempty"`
}

// =============================================================================
// CREDENTIALS
// =============================================================================

// CredentialDTO represents an access tag.
type CredentialDTO struct {
	ID          int64   `json:"id"`
	Code        string  `json:"code"`
	Active      bool    `json:"active"`
	ResidentIDs []int64 `json:"resident_ids,omitempty"`
	Sold        bool    `json:"sold"`
	CreatedAt   string  `json:"created_at,omitempty"`
}

// CreateCredentialRequest registers a new tag.
type CreateCredentialRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

// SaleDTO represents a sold tag.
type SaleDTO struct {
	ID           int64  `json:"id"`
	CredentialID int64  `json:"credential_id"`
	Code         string `json:"code,omitempty"`
	Price        string `json:"price"`
	SoldAt       string `json:"sold_at"`
}

// SalesTotalDTO sums every sale.
type SalesTotalDTO struct {
	Total string `json:"total"`
	Count int    `json:"count"`
}

// StockDTO counts unsold tags.
type StockDTO struct {
	Available int `json:"available"`
}

// =============================================================================
// AUTH
// =============================================================================

// LoginRequest is the admin login body.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// TokenDTO is returned on successful login.
type TokenDTO struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at"`
}

// =============================================================================
// ADMIN
// =============================================================================

// SyncSummaryDTO totals a credential sync run.
type SyncSummaryDTO struct {
	Period    string `json:"period"`
	Residents int    `json:"residents"`
	Activated int    `json:"activated"`
	Disabled  int    `json:"disabled"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// SchedulerRunDTO describes the last scheduled sync.
type SchedulerRunDTO struct {
	StartedAt  string         `json:"started_at"`
	FinishedAt string         `json:"finished_at"`
	Summary    SyncSummaryDTO `json:"summary"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// ValidationDetail names one rejected field.
type ValidationDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// RetryKeyDTO is a (resident, period) whose cascade must be retried.
type RetryKeyDTO struct {
	ResidentID int64  `json:"resident_id"`
	Period     string `json:"period"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toResidentDTO(r dues.Resident) ResidentDTO {
	return ResidentDTO{
		ID:          int64(r.ID),
		Name:        r.Name,
		Street:      r.Street,
		HouseNumber: r.HouseNumber,
		CreatedAt:   formatTime(r.CreatedAt),
	}
}

func toPaymentDTO(p dues.Payment) PaymentDTO {
	return PaymentDTO{
		ID:               int64(p.ID),
		ResidentID:       int64(p.ResidentID),
		Period:           p.Period.String(),
		Amount:           money(p.Amount),
		Category:         string(p.Category),
		RemainingBalance: money(p.RemainingBalance),
		CollectionDate:   p.CollectionDate.String(),
		CreatedAt:        formatTime(p.CreatedAt),
	}
}

func toPaymentViewDTOs(views []dues.PaymentView) []PaymentDTO {
	dtos := make([]PaymentDTO, len(views))
	for i, v := range views {
		dto := toPaymentDTO(v.Payment)
		dto.ResidentName = v.ResidentName
		dto.Street = v.Street
		dto.HouseNumber = v.HouseNumber
		dtos[i] = dto
	}
	return dtos
}

func toAllocationResultDTO(res dues.AllocationResult) AllocationResultDTO {
	dto := AllocationResultDTO{
		ResidentID:  int64(res.ResidentID),
		Allocations: make([]PeriodAllocationDTO, len(res.Allocations)),
		Skipped:     make([]string, len(res.Skipped)),
	}
	for i, a := range res.Allocations {
		dto.Allocations[i] = PeriodAllocationDTO{
			Period:    a.Period.String(),
			Amount:    money(a.Amount),
			PaymentID: int64(a.PaymentID),
			Created:   a.Created,
		}
	}
	for i, p := range res.Skipped {
		dto.Skipped[i] = p.String()
	}
	return dto
}

func toPeriodStatusDTO(st *dues.PeriodStatus, fee decimal.Decimal, withCredentials bool) PeriodStatusDTO {
	dto := PeriodStatusDTO{
		Resident:  toResidentDTO(st.Resident),
		Period:    st.Period.String(),
		Fee:       money(fee),
		TotalPaid: money(st.TotalPaid),
		Remaining: money(st.Remaining),
		FullyPaid: st.FullyPaid,
		Payments:  make([]PaymentDTO, len(st.Payments)),
	}
	for i, p := range st.Payments {
		dto.Payments[i] = toPaymentDTO(p)
	}
	if withCredentials {
		dto.Credentials = make([]CredentialDTO, len(st.Credentials))
		for i, c := range st.Credentials {
			dto.Credentials[i] = toCredentialDTO(c)
		}
	}
	return dto
}

func toCredentialDTO(c dues.Credential) CredentialDTO {
	return CredentialDTO{
		ID:        int64(c.ID),
		Code:      c.Code,
		Active:    c.Active,
		CreatedAt: formatTime(c.CreatedAt),
	}
}

func toCredentialRecordDTO(rec sqlite.CredentialRecord) CredentialDTO {
	dto := toCredentialDTO(rec.Credential)
	dto.Sold = rec.Sold
	dto.ResidentIDs = make([]int64, len(rec.ResidentIDs))
	for i, id := range rec.ResidentIDs {
		dto.ResidentIDs[i] = int64(id)
	}
	return dto
}

func toSaleDTO(s dues.TagSale, code string) SaleDTO {
	return SaleDTO{
		ID:           s.ID,
		CredentialID: int64(s.CredentialID),
		Code:         code,
		Price:        money(s.Price),
		SoldAt:       formatTime(s.SoldAt),
	}
}

func toSyncSummaryDTO(s dues.SyncSummary, err error) SyncSummaryDTO {
	dto := SyncSummaryDTO{
		Period:    s.Period.String(),
		Residents: s.Residents,
		Activated: s.Activated,
		Disabled:  s.Disabled,
		Failed:    s.Failed,
	}
	if err != nil {
		dto.Error = err.Error()
	}
	return dto
}
