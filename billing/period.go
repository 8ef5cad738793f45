package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - Closed date range [Start, End]
// =============================================================================

// Period is an inclusive date range. Billing years, billing months and
// index publication periods are all Periods.
type Period struct {
	Start Date
	End   Date
}

// Contains returns true if d is within [Start, End].
func (p Period) Contains(d Date) bool {
	return d.AfterOrEqual(p.Start) && d.BeforeOrEqual(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// YearPeriod is Jan 1 - Dec 31 of year.
func YearPeriod(year int) Period {
	return Period{Start: StartOfYear(year), End: EndOfYear(year)}
}

// MonthPeriod is the first through last day of the month.
func MonthPeriod(year int, month time.Month) Period {
	return Period{Start: StartOfMonth(year, month), End: EndOfMonth(year, month)}
}

// =============================================================================
// BILLING PERIOD - (year, month) key of a monthly invoice run
// =============================================================================

type BillingPeriod struct {
	Year  int
	Month time.Month
}

func (bp BillingPeriod) Validate() error {
	if bp.Year < 1 {
		return &ValidationError{Field: "year", Message: fmt.Sprintf("invalid year %d", bp.Year)}
	}
	if bp.Month < time.January || bp.Month > time.December {
		return &ValidationError{Field: "month", Message: fmt.Sprintf("invalid month %d", int(bp.Month))}
	}
	return nil
}

// IsJanuary marks the run that carries prior-year arrears forward.
func (bp BillingPeriod) IsJanuary() bool { return bp.Month == time.January }

// DueDate is the 5th calendar day of the billing month.
func (bp BillingPeriod) DueDate() Date { return NewDate(bp.Year, bp.Month, 5) }

func (bp BillingPeriod) String() string { return fmt.Sprintf("%04d-%02d", bp.Year, int(bp.Month)) }

// =============================================================================
// PUBLICATION CADENCE - How often the price index is published
// =============================================================================

type Cadence string

const (
	CadenceMonthly Cadence = "monthly"
	CadenceYearly  Cadence = "yearly"
)

// PeriodFor returns the publication period containing d.
func (c Cadence) PeriodFor(d Date) Period {
	switch c {
	case CadenceYearly:
		return YearPeriod(d.Year())
	default:
		return MonthPeriod(d.Year(), d.Month())
	}
}
