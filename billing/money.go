package billing

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Rounding and comparison helpers
// =============================================================================
//
// Every persisted monetary value passes through RoundCents. Intermediate
// values (VAT extraction, interest) stay unrounded until the point of
// persistence so components sum to totals exactly.

var (
	hundred = decimal.NewFromInt(100)
	half    = decimal.NewFromFloat(0.5)

	// Epsilon is the tolerance used when comparing paid amounts to totals.
	Epsilon = decimal.New(1, -2)
)

// RoundCents rounds half-up (toward +infinity on ties) to 2 decimals.
// -0.005 rounds to 0.00, 0.005 to 0.01.
func RoundCents(d decimal.Decimal) decimal.Decimal {
	return d.Shift(2).Add(half).Floor().Shift(-2)
}

// Cents parses a literal amount; invalid input yields zero.
func Cents(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Sum adds amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// NonNegative clamps d at zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// ApproxGTE reports a >= b - Epsilon.
func ApproxGTE(a, b decimal.Decimal) bool {
	return a.GreaterThanOrEqual(b.Sub(Epsilon))
}

// =============================================================================
// WATERFALL - Apply one amount against ordered obligations
// =============================================================================

// Component names an invoice charge component.
type Component string

const (
	ComponentOpex    Component = "opex"
	ComponentHeating Component = "heating"
	ComponentRent    Component = "rent"
	ComponentOther   Component = "other"
)

// ComponentOrder is the fixed priority in which money is applied:
// operating costs first, then heating, then rent. Which component a
// partial payment is deemed to satisfy decides which arrears figure shows
// up later, so this order must not change.
var ComponentOrder = []Component{ComponentOpex, ComponentHeating, ComponentRent}

// Waterfall applies amount to owed in order, capping each application at
// the owed value (negative owed values count as zero). It returns the
// amount applied to each bucket and the unapplied leftover.
func Waterfall(amount decimal.Decimal, owed []decimal.Decimal) (applied []decimal.Decimal, leftover decimal.Decimal) {
	applied = make([]decimal.Decimal, len(owed))
	remaining := NonNegative(amount)
	for i, o := range owed {
		take := decimal.Min(remaining, NonNegative(o))
		applied[i] = take
		remaining = remaining.Sub(take)
	}
	return applied, remaining
}
