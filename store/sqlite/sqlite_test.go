package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createResident(t *testing.T, store *sqlite.Store, name, street string) dues.ResidentID {
	t.Helper()
	r := dues.Resident{Name: name, Street: street, HouseNumber: 7}
	require.NoError(t, store.CreateResident(context.Background(), &r))
	require.NotZero(t, r.ID)
	return r.ID
}

func createTag(t *testing.T, store *sqlite.Store, code string) dues.CredentialID {
	t.Helper()
	c := dues.Credential{Code: code}
	require.NoError(t, store.CreateCredential(context.Background(), &c))
	return c.ID
}

func payment(resident dues.ResidentID, period, amount, collected string) *dues.Payment {
	return &dues.Payment{
		ResidentID:       resident,
		Period:           dues.MustParsePeriod(period),
		Amount:           decimal.RequireFromString(amount),
		Category:         dues.CategoryOrdinary,
		RemainingBalance: decimal.Zero,
		CollectionDate:   dues.MustParseDate(collected),
	}
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestStore_PaymentRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	resident := createResident(t, store, "Ana Torres", "Roble")

	p := payment(resident, "2025-01", "123.45", "2025-01-03")
	p.RemainingBalance = decimal.RequireFromString("156.55")
	require.NoError(t, store.CreatePayment(ctx, p))
	require.NotZero(t, p.ID)

	got, err := store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "2025-01", got.Period.String())
	assert.True(t, p.Amount.Equal(got.Amount))
	assert.True(t, p.RemainingBalance.Equal(got.RemainingBalance))
	assert.Equal(t, "2025-01-03", got.CollectionDate.String())
	assert.Equal(t, dues.CategoryOrdinary, got.Category)
	assert.False(t, got.CreatedAt.IsZero())

	missing, err := store.GetPayment(ctx, 9999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_PaymentsForPeriod_Ordering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	resident := createResident(t, store, "Ana Torres", "Roble")

	late := payment(resident, "2025-02", "10", "2025-02-20")
	early := payment(resident, "2025-02", "10", "2025-02-01")
	sameDay := payment(resident, "2025-02", "10", "2025-02-01")
	other := payment(resident, "2025-03", "10", "2025-02-01")
	for _, p := range []*dues.Payment{late, early, sameDay, other} {
		require.NoError(t, store.CreatePayment(ctx, p))
	}

	rows, err := store.PaymentsForPeriod(ctx, resident, dues.MustParsePeriod("2025-02"))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []dues.PaymentID{early.ID, sameDay.ID, late.ID},
		[]dues.PaymentID{rows[0].ID, rows[1].ID, rows[2].ID})
}

func TestStore_UpdateAndDeletePayment(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	resident := createResident(t, store, "Ana Torres", "Roble")

	p := payment(resident, "2025-01", "100", "2025-01-03")
	require.NoError(t, store.CreatePayment(ctx, p))

	p.Amount = decimal.RequireFromString("150")
	p.Period = dues.MustParsePeriod("2025-04")
	require.NoError(t, store.UpdatePayment(ctx, *p))

	got, err := store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "150", got.Amount.String())
	assert.Equal(t, "2025-04", got.Period.String())

	ghost := *p
	ghost.ID = 777
	err = store.UpdatePayment(ctx, ghost)
	assert.True(t, dues.IsNotFound(err))

	require.NoError(t, store.DeletePayment(ctx, p.ID))
	got, err = store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_PaymentForUnknownResident(t *testing.T) {
	store := newTestStore(t)
	err := store.CreatePayment(context.Background(), payment(42, "2025-01", "10", "2025-01-01"))
	assert.ErrorIs(t, err, dues.ErrValidation)
}

func TestStore_QueryPayments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ana := createResident(t, store, "Ana Torres", "Roble")
	luis := createResident(t, store, "Luis Pérez", "Encino")

	require.NoError(t, store.CreatePayment(ctx, payment(ana, "2025-01", "280", "2025-01-05")))
	require.NoError(t, store.CreatePayment(ctx, payment(ana, "2025-02", "280", "2025-01-05")))
	extra := payment(luis, "2025-01", "50", "2024-12-30")
	extra.Category = dues.CategoryExtraordinary
	require.NoError(t, store.CreatePayment(ctx, extra))

	jan := dues.MustParsePeriod("2025-01")
	tests := []struct {
		name   string
		filter dues.PaymentFilter
		want   int
	}{
		{"all", dues.PaymentFilter{}, 3},
		{"by period", dues.PaymentFilter{Period: &jan}, 2},
		{"by resident name", dues.PaymentFilter{ResidentName: "Luis Pérez"}, 1},
		{"by street", dues.PaymentFilter{Street: "Roble"}, 2},
		{"by category", dues.PaymentFilter{Category: dues.CategoryExtraordinary}, 1},
		{"by collection year", dues.PaymentFilter{Year: 2025}, 2},
		{"by collection month", dues.PaymentFilter{Year: 2024, Month: 12}, 1},
		{"advance only", dues.PaymentFilter{AdvanceOnly: true, CurrentPeriod: jan}, 1},
		{"limit", dues.PaymentFilter{Limit: 2}, 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rows, err := store.QueryPayments(ctx, tc.filter)
			require.NoError(t, err)
			assert.Len(t, rows, tc.want)
		})
	}

	rows, err := store.QueryPayments(ctx, dues.PaymentFilter{ResidentID: ana})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2025-02", rows[0].Period.String(), "history order is newest period first")
	assert.Equal(t, "Ana Torres", rows[0].ResidentName)
	assert.Equal(t, "Roble", rows[0].Street)
	assert.Equal(t, 7, rows[0].HouseNumber)

	rows, err = store.QueryPayments(ctx, dues.PaymentFilter{Order: dues.OrderChronological})
	require.NoError(t, err)
	assert.Equal(t, luis, rows[0].ResidentID)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	resident := createResident(t, store, "Ana Torres", "Roble")

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(s dues.Store) error {
		if err := s.CreatePayment(ctx, payment(resident, "2025-01", "100", "2025-01-01")); err != nil {
			return err
		}
		// Reads inside the transaction see the uncommitted row
		rows, err := s.PaymentsForPeriod(ctx, resident, dues.MustParsePeriod("2025-01"))
		if err != nil {
			return err
		}
		if len(rows) != 1 {
			return errors.New("row not visible inside tx")
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	rows, err := store.PaymentsForPeriod(ctx, resident, dues.MustParsePeriod("2025-01"))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestStore_LedgerEndToEnd(t *testing.T) {
	// GIVEN: A resident with a tag on the SQLite store
	// WHEN: Allocating 840 from January
	// THEN: Three fully paid months and an active tag

	store := newTestStore(t)
	ctx := context.Background()
	resident := createResident(t, store, "Ana Torres", "Roble")
	tag := createTag(t, store, "TAG-001")
	require.NoError(t, store.LinkCredential(ctx, resident, tag))

	clock := dues.FixedClock(time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC))
	ledger := dues.NewLedger(store, dues.DefaultPolicy(), nil, dues.WithClock(clock))

	res, err := ledger.Allocate(ctx, dues.AllocationRequest{
		ResidentID:  resident,
		StartPeriod: dues.MustParsePeriod("2025-01"),
		Amount:      decimal.NewFromInt(840),
		Category:    dues.CategoryOrdinary,
	})
	require.NoError(t, err)
	require.Len(t, res.Allocations, 3)

	for _, period := range []string{"2025-01", "2025-02", "2025-03"} {
		rows, err := store.PaymentsForPeriod(ctx, resident, dues.MustParsePeriod(period))
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.True(t, rows[0].RemainingBalance.IsZero())
	}

	cred, err := store.GetCredential(ctx, tag)
	require.NoError(t, err)
	assert.True(t, cred.Active)

	// Partial edit flips the tag off
	amount := decimal.RequireFromString("279.99")
	_, err = ledger.EditPayment(ctx, res.Allocations[2].PaymentID, dues.PaymentEdit{Amount: &amount})
	require.NoError(t, err)
	cred, err = store.GetCredential(ctx, tag)
	require.NoError(t, err)
	assert.False(t, cred.Active)
}

func newTestLedger(store *sqlite.Store) *dues.Ledger {
	clock := dues.FixedClock(time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC))
	return dues.NewLedger(store, dues.DefaultPolicy(), nil, dues.WithClock(clock))
}

func allocate(t *testing.T, ledger *dues.Ledger, resident dues.ResidentID, period, amount string) dues.AllocationResult {
	t.Helper()
	res, err := ledger.Allocate(context.Background(), dues.AllocationRequest{
		ResidentID:  resident,
		StartPeriod: dues.MustParsePeriod(period),
		Amount:      decimal.RequireFromString(amount),
		Category:    dues.CategoryOrdinary,
	})
	require.NoError(t, err)
	return res
}

func tagActive(t *testing.T, store *sqlite.Store, id dues.CredentialID) bool {
	t.Helper()
	cred, err := store.GetCredential(context.Background(), id)
	require.NoError(t, err)
	return cred.Active
}

func TestStore_LedgerSkipsPaidMonths(t *testing.T) {
	// GIVEN: February already paid in full
	// WHEN: 560 is allocated from January
	// THEN: January and March receive 280 each, February is untouched

	store := newTestStore(t)
	ctx := context.Background()
	resident := createResident(t, store, "Jorge Salinas", "Pinos")
	ledger := newTestLedger(store)

	allocate(t, ledger, resident, "2025-02", "280")
	res := allocate(t, ledger, resident, "2025-01", "560")

	assert.Equal(t, []dues.Period{dues.MustParsePeriod("2025-01"), dues.MustParsePeriod("2025-03")}, res.AffectedPeriods())
	assert.Equal(t, []dues.Period{dues.MustParsePeriod("2025-02")}, res.Skipped)

	feb, err := store.PaymentsForPeriod(ctx, resident, dues.MustParsePeriod("2025-02"))
	require.NoError(t, err)
	require.Len(t, feb, 1)
	assert.True(t, decimal.NewFromInt(280).Equal(feb[0].Amount))
}

func TestStore_LedgerReassignment(t *testing.T) {
	// GIVEN: Ana paid January in full, Luis paid nothing
	// WHEN: The payment is moved to Luis in February
	// THEN: Both months are recalculated and both tags follow

	store := newTestStore(t)
	ctx := context.Background()
	ana := createResident(t, store, "Ana Torres", "Roble")
	luis := createResident(t, store, "Luis Pérez", "Encino")
	anaTag := createTag(t, store, "TAG-A")
	luisTag := createTag(t, store, "TAG-L")
	require.NoError(t, store.LinkCredential(ctx, ana, anaTag))
	require.NoError(t, store.LinkCredential(ctx, luis, luisTag))
	ledger := newTestLedger(store)

	extra := dues.AllocationRequest{
		ResidentID:  ana,
		StartPeriod: dues.MustParsePeriod("2025-01"),
		Amount:      decimal.NewFromInt(100),
		Category:    dues.CategoryExtraordinary,
	}
	_, err := ledger.Allocate(ctx, extra)
	require.NoError(t, err)
	moved := allocate(t, ledger, ana, "2025-01", "180").Allocations[0].PaymentID
	require.True(t, tagActive(t, store, anaTag))

	feb := dues.MustParsePeriod("2025-02")
	_, err = ledger.EditPayment(ctx, moved, dues.PaymentEdit{ResidentID: &luis, Period: &feb})
	require.NoError(t, err)

	jan, err := store.PaymentsForPeriod(ctx, ana, dues.MustParsePeriod("2025-01"))
	require.NoError(t, err)
	require.Len(t, jan, 1)
	assert.True(t, decimal.NewFromInt(180).Equal(jan[0].RemainingBalance))
	assert.False(t, tagActive(t, store, anaTag))

	luisFeb, err := store.PaymentsForPeriod(ctx, luis, feb)
	require.NoError(t, err)
	require.Len(t, luisFeb, 1)
	assert.True(t, decimal.NewFromInt(100).Equal(luisFeb[0].RemainingBalance))
	assert.False(t, tagActive(t, store, luisTag))
}

func TestStore_LedgerRejectsAllocationPastLastMonth(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	resident := createResident(t, store, "Ana Torres", "Roble")
	ledger := newTestLedger(store)

	_, err := ledger.Allocate(ctx, dues.AllocationRequest{
		ResidentID:  resident,
		StartPeriod: dues.MustParsePeriod("9999-12"),
		Amount:      decimal.NewFromInt(560),
		Category:    dues.CategoryOrdinary,
	})
	assert.ErrorIs(t, err, dues.ErrValidation)

	// The resident's history stays readable
	views, err := store.QueryPayments(ctx, dues.PaymentFilter{ResidentID: resident})
	require.NoError(t, err)
	assert.Empty(t, views)
}

// =============================================================================
// RESIDENTS
// =============================================================================

func TestStore_Residents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := createResident(t, store, "Ana Torres", "Roble")
	createResident(t, store, "Luis Pérez", "Encino")

	list, err := store.ListResidents(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, store.UpdateResident(ctx, dues.Resident{ID: id, Name: "Ana T.", Street: "Cedro", HouseNumber: 3}))
	r, err := store.GetResident(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Ana T.", r.Name)
	assert.Equal(t, "Cedro", r.Street)
	assert.Equal(t, 3, r.HouseNumber)

	assert.True(t, dues.IsNotFound(store.UpdateResident(ctx, dues.Resident{ID: 99, Name: "x"})))
}

func TestStore_DeleteResidentCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := createResident(t, store, "Ana Torres", "Roble")
	tag := createTag(t, store, "TAG-1")
	require.NoError(t, store.LinkCredential(ctx, id, tag))
	p := payment(id, "2025-01", "10", "2025-01-01")
	require.NoError(t, store.CreatePayment(ctx, p))

	require.NoError(t, store.DeleteResident(ctx, id))

	got, err := store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	cred, err := store.GetCredential(ctx, tag)
	require.NoError(t, err)
	require.NotNil(t, cred, "the tag itself is kept")
	assert.Empty(t, cred.ResidentIDs)

	assert.True(t, dues.IsNotFound(store.DeleteResident(ctx, id)))
}

// =============================================================================
// CREDENTIALS AND SALES
// =============================================================================

func TestStore_Credentials(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	resident := createResident(t, store, "Ana Torres", "Roble")
	tag := createTag(t, store, "TAG-001")

	t.Run("duplicate code", func(t *testing.T) {
		err := store.CreateCredential(ctx, &dues.Credential{Code: "TAG-001"})
		assert.ErrorIs(t, err, dues.ErrDuplicate)
	})

	t.Run("link twice", func(t *testing.T) {
		require.NoError(t, store.LinkCredential(ctx, resident, tag))
		assert.ErrorIs(t, store.LinkCredential(ctx, resident, tag), dues.ErrDuplicate)
	})

	t.Run("link unknown", func(t *testing.T) {
		assert.True(t, dues.IsNotFound(store.LinkCredential(ctx, resident, 404)))
	})

	t.Run("bulk active update", func(t *testing.T) {
		n, err := store.SetResidentCredentialsActive(ctx, resident, true)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		creds, err := store.CredentialsForResident(ctx, resident)
		require.NoError(t, err)
		require.Len(t, creds, 1)
		assert.True(t, creds[0].Active)
	})

	t.Run("toggle", func(t *testing.T) {
		c, err := store.ToggleCredential(ctx, tag)
		require.NoError(t, err)
		assert.False(t, c.Active)

		_, err = store.ToggleCredential(ctx, 404)
		assert.True(t, dues.IsNotFound(err))
	})

	t.Run("list with links", func(t *testing.T) {
		list, err := store.ListCredentials(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, []dues.ResidentID{resident}, list[0].ResidentIDs)
		assert.False(t, list[0].Sold)
	})

	t.Run("unlink", func(t *testing.T) {
		require.NoError(t, store.UnlinkCredential(ctx, resident, tag))
		assert.True(t, dues.IsNotFound(store.UnlinkCredential(ctx, resident, tag)))

		n, err := store.SetResidentCredentialsActive(ctx, resident, true)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.DeleteCredential(ctx, tag))
		assert.True(t, dues.IsNotFound(store.DeleteCredential(ctx, tag)))
	})
}

func TestStore_TagSales(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a := createTag(t, store, "TAG-A")
	b := createTag(t, store, "TAG-B")
	createTag(t, store, "TAG-C")

	stock, err := store.CredentialStock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stock)

	price := decimal.NewFromInt(150)
	_, err = store.SellCredential(ctx, a, price)
	require.NoError(t, err)
	_, err = store.SellCredential(ctx, b, decimal.RequireFromString("175.50"))
	require.NoError(t, err)

	_, err = store.SellCredential(ctx, a, price)
	assert.ErrorIs(t, err, dues.ErrDuplicate)
	_, err = store.SellCredential(ctx, 404, price)
	assert.True(t, dues.IsNotFound(err))

	total, count, err := store.TotalSales(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, "325.5", total.String())

	stock, err = store.CredentialStock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stock)

	sales, err := store.ListSales(ctx)
	require.NoError(t, err)
	require.Len(t, sales, 2)
	assert.ElementsMatch(t, []string{"TAG-A", "TAG-B"}, []string{sales[0].Code, sales[1].Code})

	cred, err := store.GetCredential(ctx, a)
	require.NoError(t, err)
	assert.True(t, cred.Sold)

	n, err := store.ResetSales(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	stock, err = store.CredentialStock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stock)
}

func TestStore_Reset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createResident(t, store, "Ana Torres", "Roble")
	createTag(t, store, "TAG-A")

	require.NoError(t, store.Reset(ctx))

	list, err := store.ListResidents(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	// IDs restart after a reset
	id := createResident(t, store, "Luis Pérez", "Encino")
	assert.Equal(t, dues.ResidentID(1), id)
}
