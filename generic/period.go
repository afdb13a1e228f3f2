package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - An inclusive date range
// =============================================================================

// Period is an inclusive [Start, End] range of dates. Leave requests,
// accrual months and leave years are all periods.
//
// Examples:
//   - Leave year 2025: Jan 1 - Dec 31
//   - Accrual month March 2025: Mar 1 - Mar 31
//   - A three-day request: Mon - Wed
type Period struct {
	Start TimePoint
	End   TimePoint
}

// Validate rejects periods whose end precedes their start.
func (p Period) Validate() error {
	if p.Start.IsZero() || p.End.IsZero() {
		return fmt.Errorf("%w: period start and end are required", ErrValidation)
	}
	if p.End.Before(p.Start) {
		return fmt.Errorf("%w: period end %s before start %s", ErrValidation, p.End, p.Start)
	}
	return nil
}

// Contains returns true if the time point is within the period [Start, End]
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.BeforeOrEqual(p.End)
}

// Overlaps reports whether two inclusive periods share at least one day.
func (p Period) Overlaps(other Period) bool {
	return p.Start.BeforeOrEqual(other.End) && other.Start.BeforeOrEqual(p.End)
}

// Days returns all days in the period as a slice of TimePoints.
func (p Period) Days() []TimePoint {
	var days []TimePoint
	current := p.Start
	for current.BeforeOrEqual(p.End) {
		days = append(days, current)
		current = current.AddDays(1)
	}
	return days
}

// WorkingDays returns the days of the period that are neither weekends nor
// holidays of the region.
func (p Period) WorkingDays(calendar HolidayCalendar, region Region) []TimePoint {
	var days []TimePoint
	for _, d := range p.Days() {
		if d.IsWorkdayWithHolidays(calendar, region) {
			days = append(days, d)
		}
	}
	return days
}

// String returns a string representation of the period.
func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// YearPeriod is the calendar leave year.
func YearPeriod(year int) Period {
	return Period{Start: StartOfYear(year), End: EndOfYear(year)}
}

// MonthPeriod is a calendar month.
func MonthPeriod(year int, month time.Month) Period {
	return Period{Start: StartOfMonth(year, month), End: EndOfMonth(year, month)}
}

// =============================================================================
// ACCRUAL PERIOD KEYS - Idempotency keys for accrual runs
// =============================================================================

// MonthKey is the period component of a monthly accrual key ("2025-03").
func MonthKey(year int, month time.Month) string {
	return fmt.Sprintf("%04d-%02d", year, int(month))
}

// YearKey is the period component of an annual accrual key ("2025").
func YearKey(year int) string {
	return fmt.Sprintf("%04d", year)
}

// ParseMonthKey parses "YYYY-MM".
func ParseMonthKey(s string) (int, time.Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid month %q", ErrValidation, s)
	}
	return t.Year(), t.Month(), nil
}
