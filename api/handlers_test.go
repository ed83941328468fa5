/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Allocation, edit and delete through HTTP, with tag state checks
- Error mapping (400/404/409/422/500 with retry keys)
- Resident, credential and tag sale endpoints
- Payment index and history filters
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/observability"
	"github.com/warp/dues-engine/store/sqlite"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

var testNow = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

type testServer struct {
	t       *testing.T
	store   *sqlite.Store
	ledger  *dues.Ledger
	handler *Handler
	router  http.Handler
	token   string
}

func newTestServer(t *testing.T, policy ...dues.Policy) *testServer {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	p := dues.DefaultPolicy()
	if len(policy) > 0 {
		p = policy[0]
	}
	logger := zaptest.NewLogger(t)
	ledger := dues.NewLedger(store, p, logger, dues.WithClock(dues.FixedClock(testNow)))

	auth, err := NewAuthenticator(AuthOptions{
		Secret:        "test-secret",
		TokenTTL:      time.Hour,
		AdminUser:     "admin",
		AdminPassword: "s3cret",
		BcryptCost:    bcrypt.MinCost,
	})
	require.NoError(t, err)

	h := NewHandler(store, ledger, auth, logger)
	token, err := auth.Issue("admin", RoleAdmin)
	require.NoError(t, err)

	return &testServer{
		t:       t,
		store:   store,
		ledger:  ledger,
		handler: h,
		router:  NewRouter(h, RouterOptions{Metrics: observability.NewMetrics()}),
		token:   token.AccessToken,
	}
}

// do sends an authenticated request and decodes the response into out
// when out is non-nil.
func (ts *testServer) do(method, path string, body any, out any) *httptest.ResponseRecorder {
	ts.t.Helper()
	return ts.doAs(ts.token, method, path, body, out)
}

func (ts *testServer) doAs(token, method, path string, body any, out any) *httptest.ResponseRecorder {
	ts.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	if out != nil {
		require.NoError(ts.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

func (ts *testServer) createResident(name string) int64 {
	ts.t.Helper()
	var res ResidentDTO
	rec := ts.do(http.MethodPost, "/api/residents", ResidentRequest{Name: name, Street: "Calle Roble", HouseNumber: 12}, &res)
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	return res.ID
}

func (ts *testServer) createLinkedTag(residentID int64, code string) int64 {
	ts.t.Helper()
	var cred CredentialDTO
	rec := ts.do(http.MethodPost, "/api/credentials", CreateCredentialRequest{Code: code}, &cred)
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodPost, fmt.Sprintf("/api/residents/%d/credentials/%d", residentID, cred.ID), nil, nil)
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	return cred.ID
}

func (ts *testServer) allocate(residentID int64, period, amount string) AllocationResultDTO {
	ts.t.Helper()
	var res AllocationResultDTO
	rec := ts.do(http.MethodPost, "/api/payments", map[string]any{
		"resident_id":     residentID,
		"start_period":    period,
		"amount":          amount,
		"category":        "ordinario",
		"collection_date": "2025-03-10",
	}, &res)
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	return res
}

func (ts *testServer) status(residentID int64, period string) PeriodStatusDTO {
	ts.t.Helper()
	var st PeriodStatusDTO
	rec := ts.do(http.MethodGet, fmt.Sprintf("/api/residents/%d/status?period=%s", residentID, period), nil, &st)
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
	return st
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestAllocatePayment_SpreadsAndActivatesTags(t *testing.T) {
	// GIVEN: A resident with one linked tag and nothing paid
	ts := newTestServer(t)
	rid := ts.createResident("Laura Méndez")
	ts.createLinkedTag(rid, "TAG-0001")

	st := ts.status(rid, "2025-03")
	require.Len(t, st.Credentials, 1)
	assert.False(t, st.Credentials[0].Active, "linking syncs against an unpaid month")

	// WHEN: 840 is paid from March
	res := ts.allocate(rid, "2025-03", "840")

	// THEN: Three months receive the fee each
	require.Len(t, res.Allocations, 3)
	for i, want := range []string{"2025-03", "2025-04", "2025-05"} {
		assert.Equal(t, want, res.Allocations[i].Period)
		assert.Equal(t, "280.00", res.Allocations[i].Amount)
		assert.True(t, res.Allocations[i].Created)
	}

	// AND: March is fully paid and the tag is active
	st = ts.status(rid, "2025-03")
	assert.True(t, st.FullyPaid)
	assert.Equal(t, "0.00", st.Remaining)
	assert.Equal(t, "280.00", st.Fee)
	require.Len(t, st.Payments, 1)
	assert.Equal(t, "0.00", st.Payments[0].RemainingBalance)
	assert.True(t, st.Credentials[0].Active)
}

func TestAllocatePayment_Validation(t *testing.T) {
	ts := newTestServer(t)
	rid := ts.createResident("Jorge Salinas")

	tests := []struct {
		name  string
		body  map[string]any
		field string
	}{
		{
			name:  "zero amount",
			body:  map[string]any{"resident_id": rid, "start_period": "2025-03", "amount": "0", "category": "ordinario"},
			field: "amount",
		},
		{
			name:  "unknown category",
			body:  map[string]any{"resident_id": rid, "start_period": "2025-03", "amount": "280", "category": "especial"},
			field: "category",
		},
		{
			name:  "malformed period",
			body:  map[string]any{"resident_id": rid, "start_period": "marzo", "amount": "280", "category": "ordinario"},
			field: "start_period",
		},
		{
			name:  "missing resident",
			body:  map[string]any{"start_period": "2025-03", "amount": "280", "category": "ordinario"},
			field: "resident_id",
		},
		{
			name:  "unknown resident",
			body:  map[string]any{"resident_id": 999, "start_period": "2025-03", "amount": "280", "category": "ordinario"},
			field: "resident_id",
		},
		{
			name:  "fractional cents",
			body:  map[string]any{"resident_id": rid, "start_period": "2025-03", "amount": "279.999", "category": "ordinario"},
			field: "amount",
		},
		{
			name:  "runs past the last month",
			body:  map[string]any{"resident_id": rid, "start_period": "9999-12", "amount": "560", "category": "ordinario"},
			field: "amount",
		},
		{
			name:  "malformed collection date",
			body:  map[string]any{"resident_id": rid, "start_period": "2025-03", "amount": "280", "category": "ordinario", "collection_date": "10/03/2025"},
			field: "collection_date",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var resp struct {
				Error   string             `json:"error"`
				Code    string             `json:"code"`
				Details []ValidationDetail `json:"details"`
			}
			rec := ts.do(http.MethodPost, "/api/payments", tc.body, &resp)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "validation_error", resp.Code)
			require.NotEmpty(t, resp.Details)
			assert.Equal(t, tc.field, resp.Details[0].Field)
		})
	}

	// AND: Nothing was written
	views, err := ts.ledger.Query().Payments(context.Background(), dues.PaymentFilter{})
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestAllocatePayment_MonthLimit(t *testing.T) {
	// GIVEN: A policy that allows at most two months per allocation
	policy := dues.DefaultPolicy()
	policy.MaxMonths = 2
	ts := newTestServer(t, policy)
	rid := ts.createResident("Ana Torres")

	// WHEN: Three months worth is paid
	var resp ErrorResponse
	rec := ts.do(http.MethodPost, "/api/payments", map[string]any{
		"resident_id": rid, "start_period": "2025-03", "amount": 840, "category": "ordinario",
	}, &resp)

	// THEN: 422 and no rows
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "allocation_limit", resp.Code)
	details, ok := resp.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "280.00", details["unallocated"])

	st := ts.status(rid, "2025-03")
	assert.Empty(t, st.Payments)
}

func TestUpdatePayment_ReassignPeriodRecalculatesBoth(t *testing.T) {
	// GIVEN: Two payments in March (280 + 100)
	ts := newTestServer(t)
	rid := ts.createResident("Roberto Cruz")
	ts.createLinkedTag(rid, "TAG-0101")
	ts.allocate(rid, "2025-03", "280")
	second := ts.allocate(rid, "2025-03", "100")

	// The second allocation skips the paid March and lands in April.
	require.Len(t, second.Allocations, 1)
	require.Equal(t, "2025-04", second.Allocations[0].Period)
	aprilID := second.Allocations[0].PaymentID

	// WHEN: The April row is moved to May and raised to 280
	var updated PaymentDTO
	rec := ts.do(http.MethodPut, fmt.Sprintf("/api/payments/%d", aprilID), map[string]any{
		"period": "2025-05",
		"amount": "280",
	}, &updated)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: The row moved and its remaining balance was recomputed
	assert.Equal(t, "2025-05", updated.Period)
	assert.Equal(t, "280.00", updated.Amount)
	assert.Equal(t, "0.00", updated.RemainingBalance)

	// AND: April is empty, May is paid
	assert.Empty(t, ts.status(rid, "2025-04").Payments)
	may := ts.status(rid, "2025-05")
	assert.True(t, may.FullyPaid)
	assert.True(t, may.Credentials[0].Active, "last cascaded month decides the flag")
}

func TestUpdatePayment_Errors(t *testing.T) {
	ts := newTestServer(t)
	rid := ts.createResident("Marisol Vega")
	res := ts.allocate(rid, "2025-03", "280")
	id := res.Allocations[0].PaymentID

	t.Run("unknown payment", func(t *testing.T) {
		rec := ts.do(http.MethodPut, "/api/payments/9999", map[string]any{"amount": "100"}, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("negative amount", func(t *testing.T) {
		rec := ts.do(http.MethodPut, fmt.Sprintf("/api/payments/%d", id), map[string]any{"amount": "-5"}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("fractional cents", func(t *testing.T) {
		rec := ts.do(http.MethodPut, fmt.Sprintf("/api/payments/%d", id), map[string]any{"amount": "100.005"}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown target resident", func(t *testing.T) {
		rec := ts.do(http.MethodPut, fmt.Sprintf("/api/payments/%d", id), map[string]any{"resident_id": 999}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad id", func(t *testing.T) {
		rec := ts.do(http.MethodPut, "/api/payments/abc", map[string]any{"amount": "100"}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	// AND: The row is untouched
	var p PaymentDTO
	rec := ts.do(http.MethodGet, fmt.Sprintf("/api/payments/%d", id), nil, &p)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "280.00", p.Amount)
	assert.Equal(t, int64(rid), p.ResidentID)
}

func TestDeletePayment_DisablesTags(t *testing.T) {
	// GIVEN: A paid March with an active tag
	ts := newTestServer(t)
	rid := ts.createResident("Laura Méndez")
	ts.createLinkedTag(rid, "TAG-0001")
	res := ts.allocate(rid, "2025-03", "280")
	require.True(t, ts.status(rid, "2025-03").Credentials[0].Active)

	// WHEN: The payment is deleted
	rec := ts.do(http.MethodDelete, fmt.Sprintf("/api/payments/%d", res.Allocations[0].PaymentID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: The month is unpaid and the tag is off
	st := ts.status(rid, "2025-03")
	assert.Empty(t, st.Payments)
	assert.Equal(t, "280.00", st.Remaining)
	assert.False(t, st.Credentials[0].Active)

	// AND: Deleting again is a 404
	rec = ts.do(http.MethodDelete, fmt.Sprintf("/api/payments/%d", res.Allocations[0].PaymentID), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPaymentFilters(t *testing.T) {
	// GIVEN: Two residents on different streets with current and advance payments
	ts := newTestServer(t)
	laura := ts.createResident("Laura Méndez")
	var jorge ResidentDTO
	ts.do(http.MethodPost, "/api/residents", ResidentRequest{Name: "Jorge Salinas", Street: "Av. Pinos", HouseNumber: 3}, &jorge)

	ts.allocate(laura, "2025-03", "560") // March + April (advance)
	var res AllocationResultDTO
	ts.do(http.MethodPost, "/api/payments", map[string]any{
		"resident_id": jorge.ID, "start_period": "2025-02", "amount": "500",
		"category": "extraordinario", "collection_date": "2025-02-20",
	}, &res)

	count := func(path string) int {
		var dtos []PaymentDTO
		rec := ts.do(http.MethodGet, path, nil, &dtos)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return len(dtos)
	}

	assert.Equal(t, 4, count("/api/payments"))
	assert.Equal(t, 2, count("/api/payments?year=2025&month=3"))
	assert.Equal(t, 2, count("/api/payments?street=Av.%20Pinos"))
	assert.Equal(t, 2, count("/api/payments?resident=Laura%20M%C3%A9ndez"))
	assert.Equal(t, 2, count("/api/payments?category=extraordinario"))
	assert.Equal(t, 1, count("/api/payments?limit=1"))

	assert.Equal(t, 1, count("/api/payments/history?period=2025-04"))
	assert.Equal(t, 2, count(fmt.Sprintf("/api/payments/history?resident_id=%d", laura)))
	assert.Equal(t, 1, count("/api/payments/history?advance=true"))
	assert.Equal(t, 2, count("/api/payments/history?collection_date=2025-02-20"))

	// History is newest period first
	var dtos []PaymentDTO
	ts.do(http.MethodGet, "/api/payments/history", nil, &dtos)
	require.Len(t, dtos, 4)
	assert.Equal(t, "2025-04", dtos[0].Period)
	assert.Equal(t, "2025-02", dtos[3].Period)
	assert.Equal(t, "Jorge Salinas", dtos[3].ResidentName)

	// Bad filters
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/payments?month=13", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/payments?category=otro", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/payments/history?advance=quizas", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/payments/history?period=2025-13", nil, nil).Code)
}

// =============================================================================
// RESIDENTS
// =============================================================================

func TestResidents_CRUD(t *testing.T) {
	ts := newTestServer(t)

	// Create
	rid := ts.createResident("Ana Torres")

	// Validation
	var resp struct {
		Details []ValidationDetail `json:"details"`
	}
	rec := ts.do(http.MethodPost, "/api/residents", map[string]any{"name": "", "street": "x", "house_number": 0}, &resp)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	fields := []string{}
	for _, d := range resp.Details {
		fields = append(fields, d.Field)
	}
	assert.ElementsMatch(t, []string{"name", "house_number"}, fields)

	// Update
	var updated ResidentDTO
	rec = ts.do(http.MethodPut, fmt.Sprintf("/api/residents/%d", rid),
		ResidentRequest{Name: "Ana Torres Ruiz", Street: "Calle Cedro", HouseNumber: 4}, &updated)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ana Torres Ruiz", updated.Name)
	assert.Equal(t, "Calle Cedro", updated.Street)

	// List
	var list []ResidentDTO
	ts.do(http.MethodGet, "/api/residents", nil, &list)
	require.Len(t, list, 1)

	// Delete, then 404s
	ts.allocate(rid, "2025-03", "280")
	rec = ts.do(http.MethodDelete, fmt.Sprintf("/api/residents/%d", rid), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, fmt.Sprintf("/api/residents/%d", rid), nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, fmt.Sprintf("/api/residents/%d/status", rid), nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodDelete, fmt.Sprintf("/api/residents/%d", rid), nil, nil).Code)

	var payments []PaymentDTO
	ts.do(http.MethodGet, "/api/payments", nil, &payments)
	assert.Empty(t, payments)
}

func TestResidentStatus_DefaultsToCurrentMonth(t *testing.T) {
	ts := newTestServer(t)
	rid := ts.createResident("Laura Méndez")
	ts.allocate(rid, "2025-03", "100")

	var st PeriodStatusDTO
	rec := ts.do(http.MethodGet, fmt.Sprintf("/api/residents/%d/status", rid), nil, &st)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "2025-03", st.Period)
	assert.Equal(t, "100.00", st.TotalPaid)
	assert.Equal(t, "180.00", st.Remaining)
	assert.False(t, st.FullyPaid)
}

func TestResyncResident(t *testing.T) {
	// GIVEN: A paid month whose tag was switched off by hand
	ts := newTestServer(t)
	rid := ts.createResident("Jorge Salinas")
	tag := ts.createLinkedTag(rid, "TAG-0003")
	ts.allocate(rid, "2025-03", "280")

	rec := ts.do(http.MethodPatch, fmt.Sprintf("/api/credentials/%d/toggle", tag), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, ts.status(rid, "2025-03").Credentials[0].Active)

	// WHEN: The resident is resynced for March
	var body struct {
		Periods []string `json:"periods"`
	}
	rec = ts.do(http.MethodPost, fmt.Sprintf("/api/residents/%d/resync?periods=2025-03", rid), nil, &body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: The derived state wins again
	assert.Equal(t, []string{"2025-03"}, body.Periods)
	assert.True(t, ts.status(rid, "2025-03").Credentials[0].Active)

	assert.Equal(t, http.StatusBadRequest,
		ts.do(http.MethodPost, fmt.Sprintf("/api/residents/%d/resync?periods=2025-03,nope", rid), nil, nil).Code)
}

// =============================================================================
// CREDENTIALS AND SALES
// =============================================================================

func TestCredentials(t *testing.T) {
	ts := newTestServer(t)
	rid := ts.createResident("Laura Méndez")
	tag := ts.createLinkedTag(rid, "TAG-0001")

	t.Run("duplicate code is a conflict", func(t *testing.T) {
		var resp ErrorResponse
		rec := ts.do(http.MethodPost, "/api/credentials", CreateCredentialRequest{Code: "TAG-0001"}, &resp)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "duplicate", resp.Code)
	})

	t.Run("duplicate link is a conflict", func(t *testing.T) {
		rec := ts.do(http.MethodPost, fmt.Sprintf("/api/residents/%d/credentials/%d", rid, tag), nil, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("link to unknown tag is 404", func(t *testing.T) {
		rec := ts.do(http.MethodPost, fmt.Sprintf("/api/residents/%d/credentials/999", rid), nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("get lists linked residents", func(t *testing.T) {
		var cred CredentialDTO
		rec := ts.do(http.MethodGet, fmt.Sprintf("/api/credentials/%d", tag), nil, &cred)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "TAG-0001", cred.Code)
		assert.Equal(t, []int64{rid}, cred.ResidentIDs)
		assert.False(t, cred.Sold)
	})

	t.Run("toggle flips the flag", func(t *testing.T) {
		var cred CredentialDTO
		rec := ts.do(http.MethodPatch, fmt.Sprintf("/api/credentials/%d/toggle", tag), nil, &cred)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, cred.Active)

		assert.Equal(t, http.StatusNotFound, ts.do(http.MethodPatch, "/api/credentials/999/toggle", nil, nil).Code)
	})

	t.Run("unlink", func(t *testing.T) {
		var creds []CredentialDTO
		rec := ts.do(http.MethodDelete, fmt.Sprintf("/api/residents/%d/credentials/%d", rid, tag), nil, &creds)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, creds)

		rec = ts.do(http.MethodDelete, fmt.Sprintf("/api/residents/%d/credentials/%d", rid, tag), nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rec := ts.do(http.MethodDelete, fmt.Sprintf("/api/credentials/%d", tag), nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, fmt.Sprintf("/api/credentials/%d", tag), nil, nil).Code)
	})
}

func TestTagSales(t *testing.T) {
	ts := newTestServer(t)

	ids := make([]int64, 3)
	for i := range ids {
		var cred CredentialDTO
		ts.do(http.MethodPost, "/api/credentials", CreateCredentialRequest{Code: fmt.Sprintf("TAG-%04d", i+1)}, &cred)
		ids[i] = cred.ID
	}

	var stock StockDTO
	ts.do(http.MethodGet, "/api/credentials/stock", nil, &stock)
	assert.Equal(t, 3, stock.Available)

	// Sell two
	for _, id := range ids[:2] {
		var sale SaleDTO
		rec := ts.do(http.MethodPost, fmt.Sprintf("/api/credentials/%d/sell", id), nil, &sale)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Equal(t, "150.00", sale.Price)
		assert.NotEmpty(t, sale.Code)
	}

	// Selling twice conflicts, unknown tag is 404
	assert.Equal(t, http.StatusConflict, ts.do(http.MethodPost, fmt.Sprintf("/api/credentials/%d/sell", ids[0]), nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodPost, "/api/credentials/999/sell", nil, nil).Code)

	ts.do(http.MethodGet, "/api/credentials/stock", nil, &stock)
	assert.Equal(t, 1, stock.Available)

	var total SalesTotalDTO
	ts.do(http.MethodGet, "/api/credentials/sales/total", nil, &total)
	assert.Equal(t, "300.00", total.Total)
	assert.Equal(t, 2, total.Count)

	var sales []SaleDTO
	ts.do(http.MethodGet, "/api/credentials/sales", nil, &sales)
	assert.Len(t, sales, 2)

	// Reset returns the tags to stock
	var reset map[string]int
	rec := ts.do(http.MethodDelete, "/api/credentials/sales", nil, &reset)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, reset["deleted"])
	ts.do(http.MethodGet, "/api/credentials/stock", nil, &stock)
	assert.Equal(t, 3, stock.Available)
}

// =============================================================================
// GUEST, ADMIN, HEALTH
// =============================================================================

func TestGuestEndpoints_ArePublic(t *testing.T) {
	ts := newTestServer(t)
	rid := ts.createResident("Laura Méndez")
	ts.createResident("Jorge Salinas")
	ts.createLinkedTag(rid, "TAG-0001")
	ts.allocate(rid, "2025-03", "280")

	var results []GuestResultDTO
	rec := ts.doAs("", http.MethodGet, "/api/guest/search?q=laura", nil, &results)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, results, 1)
	assert.Equal(t, "Laura Méndez", results[0].Resident.Name)
	require.Len(t, results[0].Payments, 1)

	// Empty search returns nothing rather than everyone
	rec = ts.doAs("", http.MethodGet, "/api/guest/search?q=", nil, &results)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, results)

	var st PeriodStatusDTO
	rec = ts.doAs("", http.MethodGet, fmt.Sprintf("/api/guest/residents/%d/status", rid), nil, &st)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, st.FullyPaid)
	assert.Nil(t, st.Credentials, "guests do not see tag details")
}

func TestSyncCredentials(t *testing.T) {
	// GIVEN: One resident paid for March, one not, both with tags
	ts := newTestServer(t)
	paid := ts.createResident("Laura Méndez")
	unpaid := ts.createResident("Jorge Salinas")
	ts.createLinkedTag(paid, "TAG-0001")
	ts.createLinkedTag(unpaid, "TAG-0002")
	ts.allocate(paid, "2025-03", "280")

	// WHEN: Everyone is synced against April
	var summary SyncSummaryDTO
	rec := ts.do(http.MethodPost, "/api/admin/sync?period=2025-04", nil, &summary)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: Both tags are off for April
	assert.Equal(t, "2025-04", summary.Period)
	assert.Equal(t, 2, summary.Residents)
	assert.Equal(t, 0, summary.Activated)
	assert.Equal(t, 2, summary.Disabled)
	assert.False(t, ts.status(paid, "2025-04").Credentials[0].Active)

	// WHEN: Synced against the current month (March)
	rec = ts.do(http.MethodPost, "/api/admin/sync", nil, &summary)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2025-03", summary.Period)
	assert.Equal(t, 1, summary.Activated)
	assert.True(t, ts.status(paid, "2025-03").Credentials[0].Active)
}

func TestHealthzAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.doAs("", http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.doAs("", http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dues_http_requests_total")

	rec = ts.doAs("", http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestWriteDomainError(t *testing.T) {
	ts := newTestServer(t)

	keys := []dues.PeriodKey{{ResidentID: 7, Period: dues.MustParsePeriod("2025-03")}}
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &dues.ValidationError{Field: "amount", Message: "must be positive"}, http.StatusBadRequest, "validation_error"},
		{"not found", &dues.NotFoundError{Resource: "payment", ID: 3}, http.StatusNotFound, "not_found"},
		{"wrapped not found", fmt.Errorf("edit: %w", &dues.NotFoundError{Resource: "payment", ID: 3}), http.StatusNotFound, "not_found"},
		{"duplicate", fmt.Errorf("%w: tag", dues.ErrDuplicate), http.StatusConflict, "duplicate"},
		{"allocation limit", &dues.AllocationLimitError{Start: keys[0].Period, Months: 2, Unallocated: dues.MustParseDecimal("10")}, http.StatusUnprocessableEntity, "allocation_limit"},
		{"cascade", &dues.CascadeError{Keys: keys, Err: errors.New("disk full")}, http.StatusInternalServerError, "cascade_failed"},
		{"invariant in cascade", &dues.CascadeError{Keys: keys, Err: &dues.InvariantViolation{ResidentID: 7, Period: keys[0].Period, Detail: "sum"}}, http.StatusInternalServerError, "invariant_violation"},
		{"conflict", fmt.Errorf("payment 3: %w", dues.ErrConflict), http.StatusConflict, "conflict"},
		{"validation in cascade", &dues.CascadeError{Keys: keys, Err: &dues.ValidationError{Field: "period", Message: "invalid month"}}, http.StatusInternalServerError, "cascade_failed"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ts.handler.writeDomainError(rec, httptest.NewRequest(http.MethodGet, "/", nil), "failed", tc.err)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, resp.Code)
		})
	}

	t.Run("cascade lists keys to retry", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ts.handler.writeDomainError(rec, httptest.NewRequest(http.MethodGet, "/", nil), "failed",
			&dues.CascadeError{Keys: keys, Err: errors.New("disk full")})

		var resp struct {
			Details struct {
				Retry []RetryKeyDTO `json:"retry"`
				Cause string        `json:"cause"`
			} `json:"details"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, []RetryKeyDTO{{ResidentID: 7, Period: "2025-03"}}, resp.Details.Retry)
		assert.Equal(t, "disk full", resp.Details.Cause)
	})
}
