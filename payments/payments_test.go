package payments_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
	"github.com/warp/billing-engine/payments"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertMoney(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "%s: want %s, got %s", field, want, got)
}

func invoice(id string, month time.Month, rent, opex, heating string) billing.Invoice {
	inv := billing.Invoice{
		ID:       billing.InvoiceID(id),
		TenantID: "t1",
		ScopeID:  "mgr-1",
		Year:     2025,
		Month:    month,
		Rent:     d(rent),
		Opex:     d(opex),
		Heating:  d(heating),
		VATRates: billing.DefaultVATTable().Rates(billing.UsageResidential),
		DueDate:  billing.NewDate(2025, month, 5),
		Paid:     decimal.Zero,
		Status:   billing.StatusOpen,
	}
	inv.Total = inv.Rent.Add(inv.Opex).Add(inv.Heating)
	return inv
}

func newService(t *testing.T, invoices ...billing.Invoice) (*payments.Service, *store.Memory) {
	t.Helper()
	gw := store.NewMemory()
	gw.PutTenant(billing.Tenant{ID: "t1", ScopeID: "mgr-1", Status: billing.LeaseActive})
	require.NoError(t, gw.UpsertInvoices(context.Background(), invoices))
	svc := payments.NewService(gw, nil)
	svc.Clock = billing.FixedClock(time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC))
	return svc, gw
}

func pay(amount string) payments.PaymentRequest {
	return payments.PaymentRequest{
		TenantID:    "t1",
		Amount:      d(amount),
		BookingDate: billing.NewDate(2025, time.March, 10),
		Reference:   "SEPA 4711",
	}
}

// =============================================================================
// ALLOCATOR
// =============================================================================

func TestAllocate_WaterfallIsDeterministic(t *testing.T) {
	// GIVEN: Remaining opex 120, heating 80, rent 650
	// WHEN: Allocating 300, repeatedly
	// THEN: Always opex 120, heating 80, rent 100, no overpayment

	remaining := payments.Components{Opex: d("120"), Heating: d("80"), Rent: d("650"), Other: decimal.Zero}
	rates := billing.DefaultVATTable().Rates(billing.UsageResidential)

	for i := 0; i < 5; i++ {
		a := payments.Allocate(d("300"), remaining, remaining.Total(), rates)
		assertMoney(t, "120", a.Applied.Opex, "opex")
		assertMoney(t, "80", a.Applied.Heating, "heating")
		assertMoney(t, "100", a.Applied.Rent, "rent")
		assertMoney(t, "0", a.Applied.Other, "other")
		assertMoney(t, "300", a.Consumed, "consumed")
		assertMoney(t, "0", a.Overpayment, "overpayment")
	}
}

func TestAllocate_VATIsPropertyOfAllocation(t *testing.T) {
	remaining := payments.Components{Opex: d("110"), Heating: d("120"), Rent: d("550")}
	rates := billing.DefaultVATTable().Rates(billing.UsageResidential)

	a := payments.Allocate(d("1000"), remaining, remaining.Total(), rates)

	assertMoney(t, "10", a.VAT.Opex, "opex vat at 10%")
	assertMoney(t, "20", a.VAT.Heating, "heating vat at 20%")
	assertMoney(t, "50", a.VAT.Rent, "rent vat at 10%")
	assertMoney(t, "780", a.Consumed, "consumed")
	assertMoney(t, "220", a.Overpayment, "overpayment")
}

func TestRemainingComponents_ReplaysPaid(t *testing.T) {
	// GIVEN: Invoice opex 120, heating 80, rent 650 with 150 paid
	// WHEN: Reconstructing remaining components
	// THEN: Opex settled first, then heating

	inv := invoice("i1", time.March, "650", "120", "80")
	inv.Paid = d("150")

	r := payments.RemainingComponents(inv)
	assertMoney(t, "0", r.Opex, "opex")
	assertMoney(t, "50", r.Heating, "heating")
	assertMoney(t, "650", r.Rent, "rent")
}

func TestRemainingComponents_CarryForward(t *testing.T) {
	inv := invoice("i1", time.January, "500", "100", "50")
	inv.CarryForward = billing.CarryForward{Rent: d("-600"), Heating: d("30"), Other: d("12.50")}
	inv.Total = d("92.50")

	r := payments.RemainingComponents(inv)
	assertMoney(t, "100", r.Opex, "opex")
	assertMoney(t, "80", r.Heating, "heating incl. carry-forward")
	assertMoney(t, "0", r.Rent, "credit larger than rent clamps to zero")
	assertMoney(t, "12.50", r.Other, "other")
}

func TestNextStatus(t *testing.T) {
	inv := invoice("i1", time.March, "650", "120", "80") // total 850

	assert.Equal(t, billing.StatusPaid, payments.NextStatus(inv, d("849.99")), "within epsilon")
	assert.Equal(t, billing.StatusPartiallyPaid, payments.NextStatus(inv, d("849.98")))
	assert.Equal(t, billing.StatusOpen, payments.NextStatus(inv, decimal.Zero))
}

// =============================================================================
// SERVICE
// =============================================================================

func TestApply_OverpaymentFlowsToNextInvoice(t *testing.T) {
	// GIVEN: February (850) and March (850) open invoices
	// WHEN: Paying 1000
	// THEN: February is paid, March gets 150, nothing unapplied

	ctx := context.Background()
	svc, gw := newService(t,
		invoice("mar", time.March, "650", "120", "80"),
		invoice("feb", time.February, "650", "120", "80"),
	)

	result, err := svc.Apply(ctx, pay("1000"))
	require.NoError(t, err)

	require.Len(t, result.Allocations, 2)
	assert.Equal(t, billing.InvoiceID("feb"), result.Allocations[0].InvoiceID)
	assert.Equal(t, billing.StatusPaid, result.Allocations[0].Status)
	assertMoney(t, "150", result.Allocations[1].Consumed, "march consumed")
	assert.Equal(t, billing.StatusPartiallyPaid, result.Allocations[1].Status)
	assertMoney(t, "0", result.Unapplied, "unapplied")

	stored, err := gw.ListInvoices(ctx, billing.InvoiceFilter{})
	require.NoError(t, err)
	assertMoney(t, "850", stored[0].Paid, "feb paid")
	assertMoney(t, "150", stored[1].Paid, "mar paid")
	assert.Len(t, gw.Payments(), 1)
}

func TestApply_ExplicitInvoiceFirst(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t,
		invoice("feb", time.February, "650", "120", "80"),
		invoice("mar", time.March, "650", "120", "80"),
	)
	req := pay("300")
	target := billing.InvoiceID("mar")
	req.InvoiceID = &target

	result, err := svc.Apply(ctx, req)
	require.NoError(t, err)

	require.Len(t, result.Allocations, 1)
	assert.Equal(t, target, result.Allocations[0].InvoiceID)
	assertMoney(t, "100", result.Allocations[0].Applied.Rent, "rent")
}

func TestApply_UnappliedWhenEverythingPaid(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, invoice("mar", time.March, "650", "120", "80"))

	result, err := svc.Apply(ctx, pay("900"))
	require.NoError(t, err)

	assertMoney(t, "50", result.Unapplied, "unapplied")
}

func TestApply_SequenceMatchesSinglePayment(t *testing.T) {
	// GIVEN: Two identical invoices
	// WHEN: One receives 100+200, the other 300 at once
	// THEN: Both end with the same component breakdown

	ctx := context.Background()
	svcA, gwA := newService(t, invoice("a", time.March, "650", "120", "80"))
	svcB, gwB := newService(t, invoice("a", time.March, "650", "120", "80"))

	_, err := svcA.Apply(ctx, pay("100"))
	require.NoError(t, err)
	_, err = svcA.Apply(ctx, pay("200"))
	require.NoError(t, err)
	_, err = svcB.Apply(ctx, pay("300"))
	require.NoError(t, err)

	invA, _ := gwA.ListInvoices(ctx, billing.InvoiceFilter{})
	invB, _ := gwB.ListInvoices(ctx, billing.InvoiceFilter{})
	ra, rb := payments.RemainingComponents(invA[0]), payments.RemainingComponents(invB[0])
	assertMoney(t, rb.Opex.String(), ra.Opex, "opex")
	assertMoney(t, rb.Heating.String(), ra.Heating, "heating")
	assertMoney(t, rb.Rent.String(), ra.Rent, "rent")
	assertMoney(t, "550", payments.RemainingComponents(invA[0]).Rent, "rent remaining")
}

func TestApply_RetryWithSameReferenceIsRejected(t *testing.T) {
	// GIVEN: A payment of 300 recorded under "SEPA 4711"
	// WHEN: The same request arrives again
	// THEN: It is rejected and nothing is booked twice

	ctx := context.Background()
	svc, gw := newService(t, invoice("mar", time.March, "650", "120", "80"))

	_, err := svc.Apply(ctx, pay("300"))
	require.NoError(t, err)

	_, err = svc.Apply(ctx, pay("300"))
	assert.ErrorIs(t, err, billing.ErrDuplicatePayment)
	assert.Equal(t, billing.KindInvariantViolation, billing.Classify(err))

	_, err = svc.Preview(ctx, pay("300"))
	assert.ErrorIs(t, err, billing.ErrDuplicatePayment)

	assert.Len(t, gw.Payments(), 1)
	stored, _ := gw.ListInvoices(ctx, billing.InvoiceFilter{})
	assertMoney(t, "300", stored[0].Paid, "paid once")
}

func TestApply_SameReferenceDifferentTransfer(t *testing.T) {
	ctx := context.Background()
	svc, gw := newService(t, invoice("mar", time.March, "650", "120", "80"))

	_, err := svc.Apply(ctx, pay("300"))
	require.NoError(t, err)

	other := pay("300")
	other.BookingDate = billing.NewDate(2025, time.March, 11)
	_, err = svc.Apply(ctx, other)
	require.NoError(t, err)

	noRef := pay("300")
	noRef.Reference = ""
	_, err = svc.Apply(ctx, noRef)
	require.NoError(t, err)

	assert.Len(t, gw.Payments(), 3)
}

func TestPreview_DoesNotWrite(t *testing.T) {
	ctx := context.Background()
	svc, gw := newService(t, invoice("mar", time.March, "650", "120", "80"))

	result, err := svc.Preview(ctx, pay("300"))
	require.NoError(t, err)
	require.Len(t, result.Allocations, 1)
	assertMoney(t, "300", result.Allocations[0].PaidToDate, "previewed paid")

	stored, _ := gw.ListInvoices(ctx, billing.InvoiceFilter{})
	assertMoney(t, "0", stored[0].Paid, "stored paid")
	assert.Empty(t, gw.Payments())
}

func TestApply_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, err := svc.Apply(ctx, pay("0"))
	assert.ErrorIs(t, err, billing.ErrValidation)

	req := pay("10")
	req.TenantID = "ghost"
	_, err = svc.Apply(ctx, req)
	assert.ErrorIs(t, err, billing.ErrNotFound)

	req = pay("10")
	missing := billing.InvoiceID("nope")
	req.InvoiceID = &missing
	_, err = svc.Apply(ctx, req)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}
