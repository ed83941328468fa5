/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates residents and tags,
	links them, and runs payments through the Ledger so every balance and
	tag flag is produced by the real allocation and sync code.

AVAILABLE SCENARIOS:

	street-basics:   Three households: paid up, partial, nothing paid
	advance-payers:  Payments covering future months, one extraordinary fee
	tag-shop:        Unlinked tags in stock, some sold

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create residents and tags
 3. Link tags to residents
 4. Allocate payments relative to the current month
 5. Sync every resident against the current month

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "street-basics"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase handler
  - dues/ledger.go: Allocate, SyncAll
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/dues-engine/dues"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "street-basics",
		Name:        "Street Basics",
		Description: "Three households on one street: paid up, partially paid, and nothing paid this month",
	},
	{
		ID:          "advance-payers",
		Name:        "Advance Payers",
		Description: "Households paying several months ahead, plus an extraordinary fee",
	},
	{
		ID:          "tag-shop",
		Name:        "Tag Shop",
		Description: "Unlinked tags in stock with a few already sold",
	},
}

var scenarioLoaders = map[string]func(h *Handler, ctx context.Context) error{
	"street-basics":  (*Handler).loadStreetBasicsScenario,
	"advance-payers": (*Handler).loadAdvancePayersScenario,
	"tag-shop":       (*Handler).loadTagShopScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	current := h.loadedScenario()
	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.scenarioLoaded("")

	if err := load(h, ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.scenarioLoaded(req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

type seedResident struct {
	name   string
	street string
	number int
	tags   []string
}

type seedPayment struct {
	resident    int // index into the seeded residents
	monthOffset int // relative to the current month
	amount      string
	category    dues.Category
}

func (h *Handler) loadStreetBasicsScenario(ctx context.Context) error {
	fee := h.Ledger.Policy().MonthlyFee
	return h.seed(ctx,
		[]seedResident{
			{name: "Laura Méndez", street: "Calle Roble", number: 12, tags: []string{"TAG-0001", "TAG-0002"}},
			{name: "Jorge Salinas", street: "Calle Roble", number: 14, tags: []string{"TAG-0003"}},
			{name: "Ana Torres", street: "Calle Roble", number: 16, tags: []string{"TAG-0004"}},
		},
		[]seedPayment{
			{resident: 0, monthOffset: -1, amount: fee.String(), category: dues.CategoryOrdinary},
			{resident: 0, monthOffset: 0, amount: fee.String(), category: dues.CategoryOrdinary},
			{resident: 1, monthOffset: -1, amount: fee.String(), category: dues.CategoryOrdinary},
			{resident: 1, monthOffset: 0, amount: "100", category: dues.CategoryOrdinary},
			{resident: 2, monthOffset: -2, amount: fee.String(), category: dues.CategoryOrdinary},
		},
	)
}

func (h *Handler) loadAdvancePayersScenario(ctx context.Context) error {
	fee := h.Ledger.Policy().MonthlyFee
	return h.seed(ctx,
		[]seedResident{
			{name: "Roberto Cruz", street: "Av. Pinos", number: 3, tags: []string{"TAG-0101"}},
			{name: "Marisol Vega", street: "Av. Pinos", number: 5, tags: []string{"TAG-0102", "TAG-0103"}},
		},
		[]seedPayment{
			{resident: 0, monthOffset: 0, amount: fee.Mul(decimal.NewFromInt(6)).String(), category: dues.CategoryOrdinary},
			{resident: 1, monthOffset: 0, amount: fee.Mul(decimal.NewFromInt(2)).Add(decimal.NewFromInt(50)).String(), category: dues.CategoryOrdinary},
			{resident: 1, monthOffset: 0, amount: "500", category: dues.CategoryExtraordinary},
		},
	)
}

func (h *Handler) loadTagShopScenario(ctx context.Context) error {
	for i := 1; i <= 6; i++ {
		cred := dues.Credential{Code: fmt.Sprintf("TAG-%04d", 200+i)}
		if err := h.Store.CreateCredential(ctx, &cred); err != nil {
			return err
		}
		if i <= 2 {
			if _, err := h.Store.SellCredential(ctx, cred.ID, h.TagPrice); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Handler) seed(ctx context.Context, residents []seedResident, payments []seedPayment) error {
	ids := make([]dues.ResidentID, len(residents))
	for i, sr := range residents {
		res := dues.Resident{Name: sr.name, Street: sr.street, HouseNumber: sr.number}
		if err := h.Store.CreateResident(ctx, &res); err != nil {
			return err
		}
		ids[i] = res.ID

		for _, code := range sr.tags {
			cred := dues.Credential{Code: code}
			if err := h.Store.CreateCredential(ctx, &cred); err != nil {
				return err
			}
			if err := h.Store.LinkCredential(ctx, res.ID, cred.ID); err != nil {
				return err
			}
		}
	}

	current := h.Ledger.Clock().CurrentPeriod()
	for _, sp := range payments {
		_, err := h.Ledger.Allocate(ctx, dues.AllocationRequest{
			ResidentID:  ids[sp.resident],
			StartPeriod: current.AddMonths(sp.monthOffset),
			Amount:      dues.MustParseDecimal(sp.amount),
			Category:    sp.category,
		})
		if err != nil {
			return fmt.Errorf("seed payment for %s: %w", residents[sp.resident].name, err)
		}
	}

	// Allocations sync the months they touch; the current month decides the
	// flag the demo should show.
	_, err := h.Ledger.SyncAll(ctx, current, h.SyncConcurrency)
	return err
}
