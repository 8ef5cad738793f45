/*
Package invoicing generates monthly tenant invoices.

PURPOSE:
  Produces one invoice per active tenant per billing period and, on
  January runs, rolls the prior year's unpaid amounts into the new
  invoice as carry-forward arrears.

KEY CONCEPTS IN THIS FILE (carryforward.go):
  Owed:      sum of the prior year's billed rent, opex and heating
  Paid:      sum of payments booked Jan 1 - Dec 31 of the prior year
  Shortfall: owed - paid

SIGN CONVENTION:
  shortfall < 0  → credit, recorded entirely on the rent component
                   (negative). Invoice totals add carry-forward
                   components, so the credit reduces the total.
  shortfall == 0 → all components zero
  shortfall > 0  → paid is waterfalled over opex, heating, rent and
                   each component carries max(0, owed - applied)

  "Other" is always zero here; it is reserved for manual adjustments.

EXAMPLE:
  owed opex 100, heating 80, rent 650; paid 150
  → opex 0, heating 30, rent 650, other 0

SEE ALSO:
  - generator.go: calls Calculate on January runs
  - billing/money.go: Waterfall, ComponentOrder
*/
package invoicing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// CARRY-FORWARD CALCULATOR
// =============================================================================

// YearTotals are the prior-year figures the carry-forward is derived from.
type YearTotals struct {
	OwedRent    decimal.Decimal
	OwedOpex    decimal.Decimal
	OwedHeating decimal.Decimal
	Paid        decimal.Decimal
}

func (y YearTotals) OwedTotal() decimal.Decimal {
	return y.OwedRent.Add(y.OwedOpex).Add(y.OwedHeating)
}

// ComputeCarryForward derives the arrears for the new year. Pure.
func ComputeCarryForward(y YearTotals) billing.CarryForward {
	shortfall := y.OwedTotal().Sub(y.Paid)

	switch {
	case shortfall.IsNegative():
		return billing.CarryForward{Rent: billing.RoundCents(shortfall)}
	case shortfall.IsZero():
		return billing.CarryForward{}
	}

	// Same order as billing.ComponentOrder: opex, heating, rent.
	owed := []decimal.Decimal{y.OwedOpex, y.OwedHeating, y.OwedRent}
	applied, _ := billing.Waterfall(y.Paid, owed)

	unpaid := func(i int) decimal.Decimal {
		return billing.RoundCents(billing.NonNegative(owed[i].Sub(applied[i])))
	}
	return billing.CarryForward{
		Opex:    unpaid(0),
		Heating: unpaid(1),
		Rent:    unpaid(2),
	}
}

// Calculator reads the prior year's invoices and payments through the
// gateway and derives the carry-forward for a tenant.
type Calculator struct {
	Gateway billing.Gateway
}

// Calculate returns the carry-forward a tenant's invoices for year start
// with, based on year-1.
func (c *Calculator) Calculate(ctx context.Context, tenantID billing.TenantID, year int) (billing.CarryForward, error) {
	totals, err := c.PriorYearTotals(ctx, tenantID, year)
	if err != nil {
		return billing.CarryForward{}, err
	}
	return ComputeCarryForward(totals), nil
}

// PriorYearTotals sums year-1's billed components and booked payments.
func (c *Calculator) PriorYearTotals(ctx context.Context, tenantID billing.TenantID, year int) (YearTotals, error) {
	prior := year - 1
	totals := YearTotals{
		OwedRent:    decimal.Zero,
		OwedOpex:    decimal.Zero,
		OwedHeating: decimal.Zero,
		Paid:        decimal.Zero,
	}

	invoices, err := c.Gateway.ListInvoices(ctx, billing.InvoiceFilter{TenantID: &tenantID, Year: &prior})
	if err != nil {
		return YearTotals{}, fmt.Errorf("list %d invoices for %s: %w", prior, tenantID, err)
	}
	for _, inv := range invoices {
		totals.OwedRent = totals.OwedRent.Add(inv.Rent)
		totals.OwedOpex = totals.OwedOpex.Add(inv.Opex)
		totals.OwedHeating = totals.OwedHeating.Add(inv.Heating)
	}

	span := billing.YearPeriod(prior)
	payments, err := c.Gateway.ListPaymentsInRange(ctx, tenantID, span.Start, span.End)
	if err != nil {
		return YearTotals{}, fmt.Errorf("list %d payments for %s: %w", prior, tenantID, err)
	}
	for _, p := range payments {
		totals.Paid = totals.Paid.Add(p.Amount)
	}
	return totals, nil
}
