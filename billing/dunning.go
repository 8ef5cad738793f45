package billing

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DUNNING LEVELS - Ordered escalation table
// =============================================================================

const (
	LevelOpen        = 0
	LevelReminder    = 1
	LevelFirstNotice = 2
	LevelFinalNotice = 3
)

// LevelName returns the display name of a dunning level.
func LevelName(level int) string {
	switch level {
	case LevelOpen:
		return "open"
	case LevelReminder:
		return "reminder"
	case LevelFirstNotice:
		return "first_notice"
	case LevelFinalNotice:
		return "final_notice"
	default:
		return "unknown"
	}
}

// DunningLevel is one row of the escalation table.
type DunningLevel struct {
	Level         int
	ThresholdDays int
	Fee           decimal.Decimal
	InterestRate  decimal.Decimal // annual, fraction (0.04 = 4%)
}

// DunningSchedule is the immutable table consulted by the dunning engine.
type DunningSchedule struct {
	Levels []DunningLevel

	// InterestGraceDays: no interest accrues while days overdue <= this
	// value, whatever level is reached.
	InterestGraceDays int
}

// DefaultDunningSchedule is the Austrian table: reminder at 14 days,
// first notice at 30, final notice at 45, 4% statutory interest (ABGB
// §1000) from the first notice on.
func DefaultDunningSchedule() DunningSchedule {
	statutory := decimal.NewFromFloat(0.04)
	return DunningSchedule{
		Levels: []DunningLevel{
			{Level: LevelOpen, ThresholdDays: 0, Fee: decimal.Zero, InterestRate: decimal.Zero},
			{Level: LevelReminder, ThresholdDays: 14, Fee: decimal.Zero, InterestRate: decimal.Zero},
			{Level: LevelFirstNotice, ThresholdDays: 30, Fee: Cents("5.00"), InterestRate: statutory},
			{Level: LevelFinalNotice, ThresholdDays: 45, Fee: Cents("10.00"), InterestRate: statutory},
		},
		InterestGraceDays: 14,
	}
}

// sorted returns the levels ordered by threshold.
func (s DunningSchedule) sorted() []DunningLevel {
	levels := append([]DunningLevel(nil), s.Levels...)
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].ThresholdDays < levels[j].ThresholdDays
	})
	return levels
}

// TargetLevel returns the highest level whose threshold is satisfied by
// daysOverdue. The zero level is returned when none is.
func (s DunningSchedule) TargetLevel(daysOverdue int) DunningLevel {
	var target DunningLevel
	for _, l := range s.sorted() {
		if daysOverdue >= l.ThresholdDays && l.Level >= target.Level {
			target = l
		}
	}
	return target
}

// Interest returns principal x rate x days/365, rounded to cents, or zero
// inside the grace window.
func (s DunningSchedule) Interest(principal decimal.Decimal, level DunningLevel, daysOverdue int) decimal.Decimal {
	if daysOverdue <= s.InterestGraceDays || level.InterestRate.IsZero() {
		return decimal.Zero
	}
	prorated := decimal.NewFromInt(int64(daysOverdue)).Div(decimal.NewFromInt(365))
	return RoundCents(principal.Mul(level.InterestRate).Mul(prorated))
}
