package billing

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// VAT EXTRACTION
// =============================================================================
//
// Charge amounts are stored gross. VAT is the portion extracted from the
// gross amount for disclosure; it is never added on top.

// VATFromGross returns gross - gross/(1+rate/100). Zero for a zero rate.
// The result is not rounded.
func VATFromGross(gross, ratePercent decimal.Decimal) decimal.Decimal {
	if ratePercent.IsZero() {
		return decimal.Zero
	}
	divisor := decimal.NewFromInt(1).Add(ratePercent.Div(hundred))
	return gross.Sub(gross.Div(divisor))
}

// NetFromGross returns the non-VAT part of a gross amount.
func NetFromGross(gross, ratePercent decimal.Decimal) decimal.Decimal {
	return gross.Sub(VATFromGross(gross, ratePercent))
}

// =============================================================================
// VAT TABLE - Rates keyed by unit usage type
// =============================================================================

// VATRates are the percentages applied to the three charge components.
type VATRates struct {
	Rent    decimal.Decimal
	Opex    decimal.Decimal
	Heating decimal.Decimal
}

// VATTable is an immutable lookup table from unit usage type to rates.
// Inject a different table for another jurisdiction.
type VATTable struct {
	Commercial      map[UsageType]bool
	CommercialRate  decimal.Decimal // rent and opex on commercial units
	ResidentialRate decimal.Decimal // rent and opex on every other unit
	HeatingRate     decimal.Decimal // heating, regardless of usage
}

// DefaultVATTable is the Austrian domestic rule: 20% rent/opex on
// business, garage, parking and storage units, 10% otherwise, heating
// always 20%.
func DefaultVATTable() VATTable {
	return VATTable{
		Commercial: map[UsageType]bool{
			UsageBusiness: true,
			UsageGarage:   true,
			UsageParking:  true,
			UsageStorage:  true,
		},
		CommercialRate:  decimal.NewFromInt(20),
		ResidentialRate: decimal.NewFromInt(10),
		HeatingRate:     decimal.NewFromInt(20),
	}
}

// Rates looks up the rates for a usage type. Unknown and empty usage
// types are residential.
func (t VATTable) Rates(usage UsageType) VATRates {
	rate := t.ResidentialRate
	if t.Commercial[usage] {
		rate = t.CommercialRate
	}
	return VATRates{Rent: rate, Opex: rate, Heating: t.HeatingRate}
}

// RateFor returns the rate applying to a component. Carry-forward "other"
// amounts carry no VAT.
func (r VATRates) RateFor(c Component) decimal.Decimal {
	switch c {
	case ComponentRent:
		return r.Rent
	case ComponentOpex:
		return r.Opex
	case ComponentHeating:
		return r.Heating
	default:
		return decimal.Zero
	}
}
