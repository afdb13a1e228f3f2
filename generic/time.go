package generic

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// TIME POINT - Calendar dates (leave is always counted in whole or half days)
// =============================================================================

type TimePoint struct {
	Time        time.Time
	Granularity Granularity
}

type Granularity int

const (
	GranularityDay Granularity = iota
	GranularityHour
	GranularityMinute
)

const DateLayout = "2006-01-02"

// Constructors
func NewTimePoint(year int, month time.Month, day int) TimePoint {
	return TimePoint{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC), Granularity: GranularityDay}
}

// DateOf truncates an instant to its UTC calendar date.
func DateOf(t time.Time) TimePoint {
	u := t.UTC()
	return NewTimePoint(u.Year(), u.Month(), u.Day())
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (TimePoint, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return TimePoint{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return NewTimePoint(t.Year(), t.Month(), t.Day()), nil
}

// Comparison
func (tp TimePoint) Before(other TimePoint) bool        { return tp.normalize().Before(other.normalize()) }
func (tp TimePoint) Equal(other TimePoint) bool         { return tp.normalize().Equal(other.normalize()) }
func (tp TimePoint) After(other TimePoint) bool         { return tp.normalize().After(other.normalize()) }
func (tp TimePoint) BeforeOrEqual(other TimePoint) bool { return tp.Before(other) || tp.Equal(other) }
func (tp TimePoint) AfterOrEqual(other TimePoint) bool  { return tp.After(other) || tp.Equal(other) }

func (tp TimePoint) normalize() time.Time {
	switch tp.Granularity {
	case GranularityDay:
		return time.Date(tp.Time.Year(), tp.Time.Month(), tp.Time.Day(), 0, 0, 0, 0, time.UTC)
	case GranularityHour:
		return time.Date(tp.Time.Year(), tp.Time.Month(), tp.Time.Day(), tp.Time.Hour(), 0, 0, 0, time.UTC)
	default:
		return tp.Time
	}
}

// Arithmetic
func (tp TimePoint) AddDays(n int) TimePoint {
	return TimePoint{Time: tp.Time.AddDate(0, 0, n), Granularity: tp.Granularity}
}
func (tp TimePoint) AddYears(n int) TimePoint {
	return TimePoint{Time: tp.Time.AddDate(n, 0, 0), Granularity: tp.Granularity}
}

// AddMonths adds calendar months, clamping to the last day of the target month
// (Jan 31 + 1 month = Feb 28/29) rather than overflowing like time.AddDate.
func (tp TimePoint) AddMonths(n int) TimePoint {
	first := time.Date(tp.Time.Year(), tp.Time.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, n, 0)
	last := EndOfMonth(first.Year(), first.Month()).Day()
	day := tp.Time.Day()
	if day > last {
		day = last
	}
	return TimePoint{
		Time:        time.Date(first.Year(), first.Month(), day, tp.Time.Hour(), tp.Time.Minute(), 0, 0, time.UTC),
		Granularity: tp.Granularity,
	}
}

// Properties
func (tp TimePoint) Year() int             { return tp.Time.Year() }
func (tp TimePoint) Month() time.Month     { return tp.Time.Month() }
func (tp TimePoint) Day() int              { return tp.Time.Day() }
func (tp TimePoint) Weekday() time.Weekday { return tp.Time.Weekday() }
func (tp TimePoint) IsWeekend() bool {
	wd := tp.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
func (tp TimePoint) IsWorkday() bool { return !tp.IsWeekend() }
func (tp TimePoint) IsZero() bool    { return tp.Time.IsZero() }

func (tp TimePoint) String() string {
	switch tp.Granularity {
	case GranularityDay:
		return tp.Time.Format(DateLayout)
	case GranularityHour:
		return tp.Time.Format("2006-01-02 15:00")
	default:
		return tp.Time.Format(time.RFC3339)
	}
}

// MarshalJSON encodes day-granularity points as "YYYY-MM-DD".
func (tp TimePoint) MarshalJSON() ([]byte, error) {
	if tp.IsZero() {
		return []byte(`""`), nil
	}
	if tp.Granularity == GranularityDay {
		return json.Marshal(tp.Time.Format(DateLayout))
	}
	return json.Marshal(tp.Time.Format(time.RFC3339))
}

func (tp *TimePoint) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*tp = TimePoint{}
		return nil
	}
	if d, err := ParseDate(s); err == nil {
		*tp = d
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("invalid time %q: %w", s, err)
	}
	*tp = TimePoint{Time: t.UTC(), Granularity: GranularityMinute}
	return nil
}

// =============================================================================
// CLOCK - Injected time source; the engine never reads the wall clock itself
// =============================================================================

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock is a settable clock for tests and replays.
type FixedClock struct {
	T time.Time
}

func (c *FixedClock) Now() time.Time          { return c.T }
func (c *FixedClock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// =============================================================================
// HOLIDAY CALENDAR - Region-specific holidays
// =============================================================================

// Holiday represents a public holiday that should not count against leave.
type Holiday struct {
	ID        string
	Region    Region    // Empty = applies to every region
	Date      TimePoint // The holiday date
	Name      string    // e.g., "Diwali", "Independence Day"
	Recurring bool      // true = same month/day every year
}

// Matches reports whether the holiday falls on date.
func (h Holiday) Matches(date TimePoint) bool {
	if h.Recurring {
		return h.Date.Month() == date.Month() && h.Date.Day() == date.Day()
	}
	return h.Date.Equal(date)
}

// HolidayCalendar provides holiday lookup functionality.
type HolidayCalendar interface {
	// IsHoliday checks if a date is a holiday for the given region.
	// Checks region-specific holidays first, then global holidays.
	IsHoliday(region Region, date TimePoint) bool

	// GetHolidays returns all holidays for a region in a given year.
	GetHolidays(region Region, year int) []Holiday
}

// DefaultHolidayCalendar is a no-op calendar for when holidays are disabled.
type DefaultHolidayCalendar struct{}

func (d *DefaultHolidayCalendar) IsHoliday(Region, TimePoint) bool  { return false }
func (d *DefaultHolidayCalendar) GetHolidays(Region, int) []Holiday { return nil }

// StaticHolidayCalendar is an immutable in-memory calendar.
type StaticHolidayCalendar struct {
	Holidays []Holiday
}

func (c *StaticHolidayCalendar) IsHoliday(region Region, date TimePoint) bool {
	for _, h := range c.Holidays {
		if (h.Region == "" || h.Region == region) && h.Matches(date) {
			return true
		}
	}
	return false
}

func (c *StaticHolidayCalendar) GetHolidays(region Region, year int) []Holiday {
	var out []Holiday
	for _, h := range c.Holidays {
		if h.Region != "" && h.Region != region {
			continue
		}
		if h.Recurring || h.Date.Year() == year {
			out = append(out, h)
		}
	}
	return out
}

// IsWorkdayWithHolidays checks if a date is a working day, considering holidays.
func (tp TimePoint) IsWorkdayWithHolidays(calendar HolidayCalendar, region Region) bool {
	if tp.IsWeekend() {
		return false
	}
	if calendar != nil && calendar.IsHoliday(region, tp) {
		return false
	}
	return true
}

// =============================================================================
// TIME UTILITIES
// =============================================================================
// Note: Period type is defined in period.go to avoid duplication

func DaysBetween(from, to TimePoint) int {
	return int(to.normalize().Sub(from.normalize()).Hours() / 24)
}
func StartOfYear(year int) TimePoint                    { return NewTimePoint(year, time.January, 1) }
func EndOfYear(year int) TimePoint                      { return NewTimePoint(year, time.December, 31) }
func StartOfMonth(year int, month time.Month) TimePoint { return NewTimePoint(year, month, 1) }
func EndOfMonth(year int, month time.Month) TimePoint {
	t := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	return TimePoint{Time: t, Granularity: GranularityDay}
}

// MonthsBetween counts whole calendar months from `from` to `to`
// (Jan 15 -> Apr 14 is 2, Jan 15 -> Apr 15 is 3).
func MonthsBetween(from, to TimePoint) int {
	months := (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
	if to.Day() < from.Day() {
		months--
	}
	return months
}
