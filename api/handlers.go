/*
handlers.go - HTTP API handlers for the community dues engine

PURPOSE:
  Exposes the dues engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the dues Ledger and Query service.

ENDPOINTS:
  Public:
    GET    /healthz                              Liveness + database ping
    POST   /api/login                            Admin login (JWT)
    GET    /api/guest/search?q=                  Residents by name, with payments
    GET    /api/guest/residents/{id}/status      Month status (no tag details)

  Residents (admin):
    GET    /api/residents                        List residents
    POST   /api/residents                        Create resident
    GET    /api/residents/{id}                   Get resident
    PUT    /api/residents/{id}                   Update resident
    DELETE /api/residents/{id}                   Delete resident, payments, links
    GET    /api/residents/{id}/status?period=    Month status with tags
    POST   /api/residents/{id}/resync?periods=   Re-run recalculation + tag sync
    POST   /api/residents/{id}/credentials/{cid} Link a tag
    DELETE /api/residents/{id}/credentials/{cid} Unlink a tag

  Payments (admin):
    GET    /api/payments                         Index (year, month, street, resident, category)
    GET    /api/payments/history                 History (period, resident_id, advance, ...)
    POST   /api/payments                         Allocate a payment across months
    GET    /api/payments/{id}                    Get payment
    PUT    /api/payments/{id}                    Edit payment (cascades)
    DELETE /api/payments/{id}                    Delete payment (cascades)

  Credentials (admin): see credentials.go
  Admin / scenarios (admin): see scenarios.go and SyncCredentials below

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Database access for plain records (residents, tags, sales)
  - Ledger: Every payment write and its cascade
  - Auth: Token issuing for /api/login

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, with the offending fields in details
  - 401/403: Missing or non-admin token
  - 404: Resource not found
  - 409: Duplicate tag code, link or sale; payment edited concurrently
  - 422: Allocation exceeds the month limit
  - 500: Cascade failures (details list the keys to resync) and internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: JWT issuing and RequireAdmin middleware
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/store/sqlite"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Ledger    *dues.Ledger
	Auth      *Authenticator
	Scheduler *CredentialSyncScheduler
	Logger    *zap.Logger

	// TagPrice is charged when a tag is sold.
	TagPrice decimal.Decimal

	// SyncConcurrency bounds manual sync-all runs when no scheduler is set.
	SyncConcurrency int

	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(store *sqlite.Store, ledger *dues.Ledger, auth *Authenticator, logger *zap.Logger) *Handler {
	return &Handler{
		Store:           store,
		Ledger:          ledger,
		Auth:            auth,
		Logger:          logger,
		TagPrice:        decimal.NewFromInt(150),
		SyncConcurrency: 4,
		validate:        newValidator(),
	}
}

// newValidator reports JSON field names in validation errors.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// HEALTH / AUTH
// =============================================================================

// Healthz pings the database.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Login exchanges admin credentials for a bearer token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	token, err := h.Auth.Login(req.Username, req.Password)
	switch {
	case errors.Is(err, ErrLoginDisabled):
		writeError(w, http.StatusServiceUnavailable, "Admin login is not configured", nil)
		return
	case err != nil:
		h.Logger.Warn("auth: failed login",
			zap.String("username", req.Username),
			zap.String("remote_addr", r.RemoteAddr),
		)
		writeError(w, http.StatusUnauthorized, "Invalid username or password", nil)
		return
	}

	writeJSON(w, http.StatusOK, TokenDTO{
		AccessToken: token.AccessToken,
		TokenType:   "Bearer",
		ExpiresAt:   formatTime(token.ExpiresAt),
	})
}

// =============================================================================
// GUEST HANDLERS
// =============================================================================

// GuestSearch finds residents by name and returns their payment history.
func (h *Handler) GuestSearch(w http.ResponseWriter, r *http.Request) {
	results, err := h.Ledger.Query().SearchResidents(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to search residents", err)
		return
	}

	dtos := make([]GuestResultDTO, len(results))
	for i, res := range results {
		dtos[i] = GuestResultDTO{
			Resident: toResidentDTO(res.Resident),
			Payments: toPaymentViewDTOs(res.Payments),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GuestStatus returns a resident's month status without tag details.
func (h *Handler) GuestStatus(w http.ResponseWriter, r *http.Request) {
	h.periodStatus(w, r, false)
}

// =============================================================================
// RESIDENT HANDLERS
// =============================================================================

// ListResidents returns all residents.
func (h *Handler) ListResidents(w http.ResponseWriter, r *http.Request) {
	residents, err := h.Store.ListResidents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list residents", err)
		return
	}

	dtos := make([]ResidentDTO, len(residents))
	for i, res := range residents {
		dtos[i] = toResidentDTO(res)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetResident returns a single resident.
func (h *Handler) GetResident(w http.ResponseWriter, r *http.Request) {
	id, ok := h.residentID(w, r)
	if !ok {
		return
	}

	resident, err := h.Store.GetResident(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get resident", err)
		return
	}
	if resident == nil {
		writeError(w, http.StatusNotFound, "Resident not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toResidentDTO(*resident))
}

// CreateResident creates a new resident.
func (h *Handler) CreateResident(w http.ResponseWriter, r *http.Request) {
	var req ResidentRequest
	if !h.decode(w, r, &req) {
		return
	}

	resident := dues.Resident{
		Name:        strings.TrimSpace(req.Name),
		Street:      strings.TrimSpace(req.Street),
		HouseNumber: req.HouseNumber,
	}
	if err := h.Store.CreateResident(r.Context(), &resident); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create resident", err)
		return
	}
	writeJSON(w, http.StatusCreated, toResidentDTO(resident))
}

// UpdateResident overwrites a resident's name and address.
func (h *Handler) UpdateResident(w http.ResponseWriter, r *http.Request) {
	id, ok := h.residentID(w, r)
	if !ok {
		return
	}
	var req ResidentRequest
	if !h.decode(w, r, &req) {
		return
	}

	resident := dues.Resident{
		ID:          id,
		Name:        strings.TrimSpace(req.Name),
		Street:      strings.TrimSpace(req.Street),
		HouseNumber: req.HouseNumber,
	}
	if err := h.Store.UpdateResident(r.Context(), resident); err != nil {
		h.writeDomainError(w, r, "Failed to update resident", err)
		return
	}

	updated, err := h.Store.GetResident(r.Context(), id)
	if err != nil || updated == nil {
		writeError(w, http.StatusInternalServerError, "Failed to reload resident", err)
		return
	}
	writeJSON(w, http.StatusOK, toResidentDTO(*updated))
}

// DeleteResident removes a resident with their payments and tag links.
func (h *Handler) DeleteResident(w http.ResponseWriter, r *http.Request) {
	id, ok := h.residentID(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeleteResident(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "Failed to delete resident", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GetResidentStatus returns a resident's month status including tags.
func (h *Handler) GetResidentStatus(w http.ResponseWriter, r *http.Request) {
	h.periodStatus(w, r, true)
}

func (h *Handler) periodStatus(w http.ResponseWriter, r *http.Request, withCredentials bool) {
	id, ok := h.residentID(w, r)
	if !ok {
		return
	}
	period, err := periodParam(r, "period")
	if err != nil {
		h.writeDomainError(w, r, "Invalid period", err)
		return
	}

	status, err := h.Ledger.Query().PeriodStatus(r.Context(), id, period)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get status", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodStatusDTO(status, h.Ledger.Policy().MonthlyFee, withCredentials))
}

// ResyncResident re-runs recalculation and tag sync for the given months
// (comma separated), or the current month. This is the retry path after a
// cascade failure.
func (h *Handler) ResyncResident(w http.ResponseWriter, r *http.Request) {
	id, ok := h.residentID(w, r)
	if !ok {
		return
	}

	var periods []dues.Period
	if raw := r.URL.Query().Get("periods"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			p, err := dues.ParsePeriod(strings.TrimSpace(part))
			if err != nil {
				h.writeDomainError(w, r, "Invalid period", &dues.ValidationError{Field: "periods", Message: err.Error()})
				return
			}
			periods = append(periods, p)
		}
	} else {
		periods = []dues.Period{h.Ledger.Clock().CurrentPeriod()}
	}

	if err := h.Ledger.Resync(r.Context(), id, periods...); err != nil {
		h.writeDomainError(w, r, "Failed to resync resident", err)
		return
	}

	names := make([]string, len(periods))
	for i, p := range periods {
		names[i] = p.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "periods": names})
}

// LinkCredential attaches a tag to a resident and syncs it against the
// current month.
func (h *Handler) LinkCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := h.residentID(w, r)
	if !ok {
		return
	}
	credID, ok := h.credentialID(w, r, "credentialID")
	if !ok {
		return
	}

	if err := h.Store.LinkCredential(r.Context(), id, credID); err != nil {
		h.writeDomainError(w, r, "Failed to link credential", err)
		return
	}
	if err := h.Ledger.Resync(r.Context(), id, h.Ledger.Clock().CurrentPeriod()); err != nil {
		h.writeDomainError(w, r, "Credential linked but sync failed", err)
		return
	}
	h.writeResidentCredentials(w, r, id, http.StatusCreated)
}

// UnlinkCredential detaches a tag. The tag keeps its last active flag.
func (h *Handler) UnlinkCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := h.residentID(w, r)
	if !ok {
		return
	}
	credID, ok := h.credentialID(w, r, "credentialID")
	if !ok {
		return
	}

	if err := h.Store.UnlinkCredential(r.Context(), id, credID); err != nil {
		h.writeDomainError(w, r, "Failed to unlink credential", err)
		return
	}
	h.writeResidentCredentials(w, r, id, http.StatusOK)
}

func (h *Handler) writeResidentCredentials(w http.ResponseWriter, r *http.Request, id dues.ResidentID, status int) {
	creds, err := h.Store.CredentialsForResident(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list credentials", err)
		return
	}
	dtos := make([]CredentialDTO, len(creds))
	for i, c := range creds {
		dtos[i] = toCredentialDTO(c)
	}
	writeJSON(w, status, dtos)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ListPayments is the payment index: filters by collection year/month,
// street, resident name and category; newest period first.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := dues.PaymentFilter{
		ResidentName: q.Get("resident"),
		Street:       q.Get("street"),
		Category:     dues.Category(q.Get("category")),
		Order:        dues.OrderHistory,
	}

	var err error
	if filter.Year, err = intParam(r, "year"); err != nil {
		h.writeDomainError(w, r, "Invalid year", err)
		return
	}
	if filter.Month, err = intParam(r, "month"); err != nil {
		h.writeDomainError(w, r, "Invalid month", err)
		return
	}
	if filter.Limit, err = intParam(r, "limit"); err != nil {
		h.writeDomainError(w, r, "Invalid limit", err)
		return
	}

	h.writePayments(w, r, filter)
}

// PaymentHistory filters by billing month, resident, advance payments,
// street, category and collection date.
func (h *Handler) PaymentHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := dues.PaymentFilter{
		Street:   q.Get("street"),
		Category: dues.Category(q.Get("category")),
		Order:    dues.OrderHistory,
	}

	period, err := periodParam(r, "period")
	if err != nil {
		h.writeDomainError(w, r, "Invalid period", err)
		return
	}
	if !period.IsZero() {
		filter.Period = &period
	}

	residentID, err := intParam(r, "resident_id")
	if err != nil {
		h.writeDomainError(w, r, "Invalid resident_id", err)
		return
	}
	filter.ResidentID = dues.ResidentID(residentID)

	if raw := q.Get("collection_date"); raw != "" {
		d, err := dues.ParseDate(raw)
		if err != nil {
			h.writeDomainError(w, r, "Invalid collection_date", &dues.ValidationError{Field: "collection_date", Message: err.Error()})
			return
		}
		filter.CollectionDate = &d
	}

	if raw := q.Get("advance"); raw != "" {
		advance, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeDomainError(w, r, "Invalid advance", &dues.ValidationError{Field: "advance", Message: "must be a boolean"})
			return
		}
		filter.AdvanceOnly = advance
	}

	if filter.Limit, err = intParam(r, "limit"); err != nil {
		h.writeDomainError(w, r, "Invalid limit", err)
		return
	}

	h.writePayments(w, r, filter)
}

func (h *Handler) writePayments(w http.ResponseWriter, r *http.Request, filter dues.PaymentFilter) {
	views, err := h.Ledger.Query().Payments(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list payments", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentViewDTOs(views))
}

// AllocatePayment distributes an amount over consecutive months starting at
// start_period.
func (h *Handler) AllocatePayment(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if !h.decode(w, r, &req) {
		return
	}

	start, err := dues.ParsePeriod(req.StartPeriod)
	if err != nil {
		h.writeDomainError(w, r, "Invalid start_period", &dues.ValidationError{Field: "start_period", Message: err.Error()})
		return
	}

	alloc := dues.AllocationRequest{
		ResidentID:  dues.ResidentID(req.ResidentID),
		StartPeriod: start,
		Amount:      req.Amount,
		Category:    dues.Category(req.Category),
	}
	if req.CollectionDate != "" {
		d, err := dues.ParseDate(req.CollectionDate)
		if err != nil {
			h.writeDomainError(w, r, "Invalid collection_date", &dues.ValidationError{Field: "collection_date", Message: err.Error()})
			return
		}
		alloc.CollectionDate = &d
	}

	res, err := h.Ledger.Allocate(r.Context(), alloc)
	if err != nil {
		h.writeDomainError(w, r, "Failed to allocate payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAllocationResultDTO(res))
}

// GetPayment returns a single payment row.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.paymentID(w, r)
	if !ok {
		return
	}

	p, err := h.Store.GetPayment(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get payment", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "Payment not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*p))
}

// UpdatePayment edits a payment and recalculates both the old and the new
// month.
func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.paymentID(w, r)
	if !ok {
		return
	}
	var req UpdatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	var edit dues.PaymentEdit
	if req.ResidentID != nil {
		rid := dues.ResidentID(*req.ResidentID)
		edit.ResidentID = &rid
	}
	if req.Period != nil {
		p, err := dues.ParsePeriod(*req.Period)
		if err != nil {
			h.writeDomainError(w, r, "Invalid period", &dues.ValidationError{Field: "period", Message: err.Error()})
			return
		}
		edit.Period = &p
	}
	if req.Amount != nil {
		edit.Amount = req.Amount
	}
	if req.Category != nil {
		c := dues.Category(*req.Category)
		edit.Category = &c
	}
	if req.CollectionDate != nil {
		d, err := dues.ParseDate(*req.CollectionDate)
		if err != nil {
			h.writeDomainError(w, r, "Invalid collection_date", &dues.ValidationError{Field: "collection_date", Message: err.Error()})
			return
		}
		edit.CollectionDate = &d
	}

	updated, err := h.Ledger.EditPayment(r.Context(), id, edit)
	if err != nil {
		h.writeDomainError(w, r, "Failed to update payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*updated))
}

// DeletePayment removes a payment and recalculates its month.
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.paymentID(w, r)
	if !ok {
		return
	}
	if err := h.Ledger.DeletePayment(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "Failed to delete payment", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// SyncCredentials syncs every resident's tags against ?period= (default:
// current month).
func (h *Handler) SyncCredentials(w http.ResponseWriter, r *http.Request) {
	period, err := periodParam(r, "period")
	if err != nil {
		h.writeDomainError(w, r, "Invalid period", err)
		return
	}
	if period.IsZero() {
		period = h.Ledger.Clock().CurrentPeriod()
	}

	var summary dues.SyncSummary
	if h.Scheduler != nil {
		run := h.Scheduler.SyncNow(r.Context(), period)
		summary, err = run.Summary, run.Err
	} else {
		summary, err = h.Ledger.SyncAll(r.Context(), period, h.SyncConcurrency)
	}

	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, toSyncSummaryDTO(summary, err))
}

// GetSyncStatus returns the last scheduled or manual sync run.
func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	run := h.Scheduler.LastRun()
	if run == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, SchedulerRunDTO{
		StartedAt:  formatTime(run.StartedAt),
		FinishedAt: formatTime(run.FinishedAt),
		Summary:    toSyncSummaryDTO(run.Summary, run.Err),
	})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

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

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps dues errors to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	var (
		vErr     *dues.ValidationError
		nfErr    *dues.NotFoundError
		limitErr *dues.AllocationLimitError
		cErr     *dues.CascadeError
	)

	// CascadeError first: the write committed even if the cause is a client error.
	switch {
	case errors.As(err, &cErr):
		code := "cascade_failed"
		if errors.Is(err, dues.ErrInvariantViolation) {
			code = "invariant_violation"
		}
		retry := make([]RetryKeyDTO, len(cErr.Keys))
		for i, k := range cErr.Keys {
			retry[i] = RetryKeyDTO{ResidentID: int64(k.ResidentID), Period: k.Period.String()}
		}
		h.Logger.Error(message,
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("code", code),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   message,
			Code:    code,
			Details: map[string]any{"retry": retry, "cause": cErr.Err.Error()},
		})
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   message,
			Code:    "validation_error",
			Details: []ValidationDetail{{Field: vErr.Field, Message: vErr.Message}},
		})
	case errors.As(err, &nfErr):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: message, Code: "not_found", Details: nfErr.Error()})
	case errors.Is(err, dues.ErrDuplicate):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: message, Code: "duplicate", Details: err.Error()})
	case errors.Is(err, dues.ErrConflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: message, Code: "conflict", Details: err.Error()})
	case errors.As(err, &limitErr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: message,
			Code:  "allocation_limit",
			Details: map[string]any{
				"start_period": limitErr.Start.String(),
				"max_months":   limitErr.Months,
				"unallocated":  money(limitErr.Unallocated),
			},
		})
	case errors.Is(err, dues.ErrInvariantViolation):
		h.Logger.Error(message, zap.String("code", "invariant_violation"), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: message, Code: "invariant_violation", Details: err.Error()})
	default:
		h.Logger.Error(message,
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

// decode reads a JSON body into dst and validates its tags. On failure it
// writes the 400 response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			writeError(w, http.StatusBadRequest, "Request validation failed", err)
			return false
		}
		details := make([]ValidationDetail, len(fieldErrs))
		for i, fe := range fieldErrs {
			details[i] = ValidationDetail{Field: fe.Field(), Message: validationMessage(fe)}
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Request validation failed",
			Code:    "validation_error",
			Details: details,
		})
		return false
	}
	return true
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "max":
		if fe.Type().Kind() == reflect.String {
			return "Must be at most " + fe.Param() + " characters"
		}
		return "Must be at most " + fe.Param()
	case "gt":
		return "Must be greater than " + fe.Param()
	case "oneof":
		return "Must be one of: " + fe.Param()
	default:
		return "Invalid value"
	}
}

func (h *Handler) residentID(w http.ResponseWriter, r *http.Request) (dues.ResidentID, bool) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeDomainError(w, r, "Invalid resident id", err)
		return 0, false
	}
	return dues.ResidentID(id), true
}

func (h *Handler) paymentID(w http.ResponseWriter, r *http.Request) (dues.PaymentID, bool) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeDomainError(w, r, "Invalid payment id", err)
		return 0, false
	}
	return dues.PaymentID(id), true
}

func (h *Handler) credentialID(w http.ResponseWriter, r *http.Request, param string) (dues.CredentialID, bool) {
	id, err := pathID(r, param)
	if err != nil {
		h.writeDomainError(w, r, "Invalid credential id", err)
		return 0, false
	}
	return dues.CredentialID(id), true
}

func pathID(r *http.Request, param string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		return 0, &dues.ValidationError{Field: param, Message: "must be a positive integer"}
	}
	return id, nil
}

// intParam returns 0 when the query parameter is absent.
func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &dues.ValidationError{Field: name, Message: "must be a non-negative integer"}
	}
	return n, nil
}

// periodParam returns the zero Period when the query parameter is absent.
func periodParam(r *http.Request, name string) (dues.Period, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return dues.Period{}, nil
	}
	p, err := dues.ParsePeriod(raw)
	if err != nil {
		return dues.Period{}, &dues.ValidationError{Field: name, Message: err.Error()}
	}
	return p, nil
}

func (h *Handler) scenarioLoaded(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentScenario = id
}

func (h *Handler) loadedScenario() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentScenario
}
