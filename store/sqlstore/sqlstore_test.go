package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleInvoice(id string, tenant billing.TenantID, month time.Month) billing.Invoice {
	return billing.Invoice{
		ID:       billing.InvoiceID(id),
		TenantID: tenant,
		ScopeID:  "mgr-1",
		Year:     2025,
		Month:    month,
		Rent:     d("800"),
		Opex:     d("120"),
		Heating:  d("80"),
		VATRates: billing.VATRates{Rent: d("10"), Opex: d("10"), Heating: d("20")},
		RentVAT:  d("72.73"), OpexVAT: d("10.91"), HeatingVAT: d("13.33"), VATTotal: d("96.97"),
		CarryForward: billing.CarryForward{Opex: d("30")},
		Total:         d("1030"),
		DueDate:       billing.NewDate(2025, month, 5),
		Paid:          decimal.Zero,
		Status:        billing.StatusOpen,
		CreatedAt:     time.Date(2025, month, 1, 6, 0, 0, 0, time.UTC),
	}
}

func TestTenants_SaveGetList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	deleted := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveTenant(ctx, billing.Tenant{
		ID: "t1", ScopeID: "mgr-1", Unit: &billing.Unit{ID: "u1", UsageType: billing.UsageBusiness},
		Name: "Anna", Email: "anna@example.com", Status: billing.LeaseActive,
		LeaseStart: billing.NewDate(2020, time.March, 1), Rent: d("812.34"), IndexBaseline: d("100"),
	}))
	require.NoError(t, s.SaveTenant(ctx, billing.Tenant{ID: "t2", ScopeID: "mgr-1", Status: billing.LeaseEnded}))
	require.NoError(t, s.SaveTenant(ctx, billing.Tenant{ID: "t3", ScopeID: "mgr-1", Status: billing.LeaseActive, DeletedAt: &deleted}))
	require.NoError(t, s.SaveTenant(ctx, billing.Tenant{ID: "t4", ScopeID: "mgr-2", Status: billing.LeaseActive}))

	tn, err := s.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, d("812.34").Equal(tn.Rent))
	require.NotNil(t, tn.Unit)
	assert.Equal(t, billing.UsageBusiness, tn.Unit.UsageType)
	assert.Equal(t, "2020-03-01", tn.LeaseStart.String())
	assert.Nil(t, tn.LeaseEnd)

	active, err := s.ListActiveTenants(ctx, "mgr-1")
	require.NoError(t, err)
	require.Len(t, active, 1, "ended and soft-deleted tenants excluded")
	assert.Equal(t, billing.TenantID("t1"), active[0].ID)

	_, err = s.GetTenant(ctx, "missing")
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestTenants_Update(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveTenant(ctx, billing.Tenant{ID: "t1", ScopeID: "mgr-1", Status: billing.LeaseActive, Rent: d("800")}))

	now := time.Date(2025, time.March, 20, 10, 0, 0, 0, time.UTC)
	rent, baseline := d("840"), d("105")
	require.NoError(t, s.UpdateTenant(ctx, "t1", billing.TenantPatch{Rent: &rent, IndexBaseline: &baseline, LastIndexAdjustment: &now}))

	tn, err := s.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, rent.Equal(tn.Rent))
	assert.True(t, baseline.Equal(tn.IndexBaseline))
	require.NotNil(t, tn.LastIndexAdjustment)
	assert.True(t, now.Equal(*tn.LastIndexAdjustment))

	err = s.UpdateTenant(ctx, "missing", billing.TenantPatch{Rent: &rent})
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestInvoices_RoundTripAndFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertInvoices(ctx, []billing.Invoice{
		sampleInvoice("inv-2", "t1", time.February),
		sampleInvoice("inv-1", "t1", time.January),
		sampleInvoice("inv-3", "t2", time.January),
	}))

	all, err := s.ListInvoices(ctx, billing.InvoiceFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, billing.InvoiceID("inv-1"), all[0].ID, "ordered by due date then id")
	assert.Equal(t, billing.InvoiceID("inv-3"), all[1].ID)

	got := all[0]
	assert.Equal(t, time.January, got.Month)
	assert.True(t, d("72.73").Equal(got.RentVAT))
	assert.True(t, d("30").Equal(got.CarryForward.Opex))
	assert.True(t, d("1030").Equal(got.Total))
	assert.Equal(t, "2025-01-05", got.DueDate.String())
	assert.Nil(t, got.LastDunningAt)

	tenant := billing.TenantID("t1")
	month := time.February
	filtered, err := s.ListInvoices(ctx, billing.InvoiceFilter{TenantID: &tenant, Month: &month})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, billing.InvoiceID("inv-2"), filtered[0].ID)

	byStatus, err := s.ListInvoices(ctx, billing.InvoiceFilter{
		TenantIDs: []billing.TenantID{"t2"},
		Statuses:  billing.UnpaidStatuses,
	})
	require.NoError(t, err)
	assert.Len(t, byStatus, 1)
}

func TestInvoices_DuplicatePeriodIsAtomic(t *testing.T) {
	// GIVEN: An invoice for t1 / January
	// WHEN: A batch with a new invoice and a January duplicate is inserted
	// THEN: ErrDuplicateInvoice and nothing from the batch is stored

	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertInvoices(ctx, []billing.Invoice{sampleInvoice("inv-1", "t1", time.January)}))

	err := s.UpsertInvoices(ctx, []billing.Invoice{
		sampleInvoice("inv-9", "t2", time.January),
		sampleInvoice("inv-dup", "t1", time.January),
	})
	assert.ErrorIs(t, err, billing.ErrDuplicateInvoice)
	assert.ErrorIs(t, err, billing.ErrInvariantViolation)

	all, err := s.ListInvoices(ctx, billing.InvoiceFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestInvoices_Update(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertInvoices(ctx, []billing.Invoice{sampleInvoice("inv-1", "t1", time.January)}))

	paid := d("500")
	status := billing.StatusPartiallyPaid
	level := billing.LevelReminder
	at := time.Date(2025, time.January, 20, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateInvoice(ctx, "inv-1", billing.InvoicePatch{
		Paid: &paid, Status: &status, DunningLevel: &level, LastReminderAt: &at,
	}))

	inv, err := billing.FindInvoice(ctx, s, "t1", "inv-1")
	require.NoError(t, err)
	assert.True(t, paid.Equal(inv.Paid))
	assert.Equal(t, status, inv.Status)
	assert.Equal(t, level, inv.DunningLevel)
	require.NotNil(t, inv.LastReminderAt)
	assert.True(t, at.Equal(*inv.LastReminderAt))

	err = s.UpdateInvoice(ctx, "missing", billing.InvoicePatch{Paid: &paid})
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestPayments_Range(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ref := billing.InvoiceID("inv-1")
	for _, p := range []billing.Payment{
		{ID: "p1", TenantID: "t1", Amount: d("100"), BookingDate: billing.NewDate(2024, time.December, 31)},
		{ID: "p2", TenantID: "t1", Amount: d("200"), BookingDate: billing.NewDate(2025, time.January, 1), InvoiceID: &ref},
		{ID: "p3", TenantID: "t1", Amount: d("300"), BookingDate: billing.NewDate(2025, time.December, 31)},
		{ID: "p4", TenantID: "t2", Amount: d("400"), BookingDate: billing.NewDate(2025, time.June, 1)},
	} {
		require.NoError(t, s.CreatePayment(ctx, p))
	}

	year := billing.YearPeriod(2025)
	payments, err := s.ListPaymentsInRange(ctx, "t1", year.Start, year.End)
	require.NoError(t, err)
	require.Len(t, payments, 2, "inclusive bounds")
	assert.Equal(t, billing.PaymentID("p2"), payments[0].ID)
	require.NotNil(t, payments[0].InvoiceID)
	assert.Equal(t, ref, *payments[0].InvoiceID)
	assert.True(t, d("300").Equal(payments[1].Amount))
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveTenant(ctx, billing.Tenant{ID: "t1", ScopeID: "mgr-1", Status: billing.LeaseActive, Rent: d("800")}))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx billing.Gateway) error {
		rent := d("900")
		if err := tx.UpdateTenant(ctx, "t1", billing.TenantPatch{Rent: &rent}); err != nil {
			return err
		}
		if err := tx.CreateAuditRecord(ctx, &billing.RentHistoryEntry{ID: "h1", TenantID: "t1", OldRent: d("800"), NewRent: rent}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	tn, err := s.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, d("800").Equal(tn.Rent), "rent unchanged")

	history, err := s.ListRentHistory(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestAuditRecords(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Date(2025, time.March, 20, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.WithTx(ctx, func(tx billing.Gateway) error {
		if err := tx.CreateAuditRecord(ctx, &billing.VpiAdjustment{
			ID: "adj-1", TenantID: "t1", BaseIndex: d("100"), CurrentIndex: d("106"),
			OldRent: d("812.34"), NewRent: d("861.08"), PctChange: d("0.06"),
			EffectiveDate: billing.NewDate(2025, time.April, 1), Status: billing.AdjustmentApplied, CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.CreateAuditRecord(ctx, &billing.RentHistoryEntry{
			ID: "h1", TenantID: "t1", OldRent: d("812.34"), NewRent: d("861.08"),
			EffectiveDate: billing.NewDate(2025, time.April, 1), Reason: "VPI", AdjustmentID: "adj-1", CreatedAt: now,
		})
	}))

	history, err := s.ListRentHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "adj-1", history[0].AdjustmentID)
	assert.True(t, d("861.08").Equal(history[0].NewRent))
	assert.Equal(t, "2025-04-01", history[0].EffectiveDate.String())
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = ? AND b = ?", dialectSQLite.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = $1 AND b IN ($2, $3)", dialectPostgres.rebind("a = ? AND b IN (?, ?)"))
}
