/*
Package payments allocates incoming payments across open invoices.

PURPOSE:
  Splits a payment over the components of one or more invoices in the
  fixed waterfall order and derives the VAT contained in each applied
  amount for reporting.

WATERFALL:
  Within one invoice, money goes to
    1. opex     (billed opex + carried-forward opex)
    2. heating  (billed heating + carried-forward heating)
    3. rent     (billed rent + carried-forward rent, credits reduce it)
    4. other    (manual carry-forward adjustments)
  Each bucket is capped at its remaining amount. Whatever exceeds the
  invoice's outstanding balance is an overpayment and moves on to the
  next open invoice, oldest due date first.

VAT:
  VAT is a property of an applied amount, never a bucket competing for
  money: vat(bucket) = VATFromGross(applied, rate), rounded.

DETERMINISM:
  An invoice only stores its cumulative Paid amount. The remaining
  amount per component is reconstructed by replaying Paid through the
  same waterfall, so the same payment sequence always yields the same
  component breakdown.

SEE ALSO:
  - service.go: persistence and multi-invoice orchestration
  - billing/money.go: Waterfall
*/
package payments

import (
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// COMPONENTS
// =============================================================================

// Components is a per-bucket breakdown in waterfall order.
type Components struct {
	Opex    decimal.Decimal `json:"opex"`
	Heating decimal.Decimal `json:"heating"`
	Rent    decimal.Decimal `json:"rent"`
	Other   decimal.Decimal `json:"other"`
}

func (c Components) Total() decimal.Decimal {
	return billing.Sum(c.Opex, c.Heating, c.Rent, c.Other)
}

func (c Components) slice() []decimal.Decimal {
	return []decimal.Decimal{c.Opex, c.Heating, c.Rent, c.Other}
}

func fromSlice(s []decimal.Decimal) Components {
	return Components{Opex: s[0], Heating: s[1], Rent: s[2], Other: s[3]}
}

// OwedComponents returns what the invoice bills per bucket, carry-forward
// included. Negative buckets (a rent credit larger than the rent) are zero.
func OwedComponents(inv billing.Invoice) Components {
	cf := inv.CarryForward
	return Components{
		Opex:    billing.NonNegative(inv.Opex.Add(cf.Opex)),
		Heating: billing.NonNegative(inv.Heating.Add(cf.Heating)),
		Rent:    billing.NonNegative(inv.Rent.Add(cf.Rent)),
		Other:   billing.NonNegative(cf.Other),
	}
}

// RemainingComponents replays inv.Paid through the waterfall and returns
// what is still unpaid per bucket.
func RemainingComponents(inv billing.Invoice) Components {
	owed := OwedComponents(inv).slice()
	applied, _ := billing.Waterfall(inv.Paid, owed)
	remaining := make([]decimal.Decimal, len(owed))
	for i := range owed {
		remaining[i] = owed[i].Sub(applied[i])
	}
	return fromSlice(remaining)
}

// =============================================================================
// ALLOCATION
// =============================================================================

// Allocation is the share of one payment consumed by one invoice.
type Allocation struct {
	InvoiceID   billing.InvoiceID `json:"invoice_id"`
	Applied     Components        `json:"applied"`
	VAT         Components        `json:"vat"`
	Consumed    decimal.Decimal   `json:"consumed"`
	Overpayment decimal.Decimal   `json:"overpayment"`

	// State after application.
	PaidToDate decimal.Decimal       `json:"paid_to_date"`
	Status     billing.InvoiceStatus `json:"status"`
}

// Allocate splits amount across the remaining buckets. At most
// outstanding is consumed; the rest is overpayment.
func Allocate(amount decimal.Decimal, remaining Components, outstanding decimal.Decimal, rates billing.VATRates) Allocation {
	amount = billing.NonNegative(amount)
	limit := decimal.Min(amount, billing.NonNegative(outstanding))

	applied, leftover := billing.Waterfall(limit, remaining.slice())
	consumed := limit.Sub(leftover)

	a := Allocation{
		Applied:     fromSlice(applied),
		Consumed:    consumed,
		Overpayment: amount.Sub(consumed),
	}
	a.VAT = Components{
		Opex:    billing.RoundCents(billing.VATFromGross(a.Applied.Opex, rates.RateFor(billing.ComponentOpex))),
		Heating: billing.RoundCents(billing.VATFromGross(a.Applied.Heating, rates.RateFor(billing.ComponentHeating))),
		Rent:    billing.RoundCents(billing.VATFromGross(a.Applied.Rent, rates.RateFor(billing.ComponentRent))),
		Other:   decimal.Zero,
	}
	return a
}

// AllocateToInvoice allocates amount against inv's current state.
func AllocateToInvoice(amount decimal.Decimal, inv billing.Invoice) Allocation {
	a := Allocate(amount, RemainingComponents(inv), inv.Outstanding(), inv.VATRates)
	a.InvoiceID = inv.ID
	return a
}

// ApplyToInvoice returns the patch that books a onto inv.
//
// Status rules:
//   - Paid >= Total - 0.01  → paid
//   - 0 < Paid < Total      → partially_paid
//   - otherwise             → unchanged
func ApplyToInvoice(inv billing.Invoice, a Allocation) billing.InvoicePatch {
	paid := billing.RoundCents(inv.Paid.Add(a.Consumed))
	status := NextStatus(inv, paid)
	return billing.InvoicePatch{Paid: &paid, Status: &status}
}

// NextStatus derives the invoice status for a new paid-to-date amount.
func NextStatus(inv billing.Invoice, paid decimal.Decimal) billing.InvoiceStatus {
	switch {
	case billing.ApproxGTE(paid, inv.Total):
		return billing.StatusPaid
	case paid.IsPositive() && paid.LessThan(inv.Total):
		return billing.StatusPartiallyPaid
	default:
		return inv.Status
	}
}
