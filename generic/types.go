/*
Package generic provides the domain-agnostic primitives of the leave engine.

PURPOSE:
  This package contains the small value types every other package builds on:
  day amounts, calendar dates, periods, the error taxonomy, events, audit
  entries and batch job results. It knows nothing about leave policies or
  approval chains.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A quantity of leave days backed by decimal.Decimal
  - Rounding: Policy-driven rounding to a precision (e.g. nearest 0.5)
  - Identifiers: Type-safe employee/request/leave type IDs

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Type Safety: Strong typing for IDs prevents mixing employee/request IDs
  3. Immutability: Amount methods return new values

USAGE:
  half := generic.NewAmount(0.5, generic.UnitDays)
  total := half.Add(generic.Days(1))

SEE ALSO:
  - time.go: TimePoint and holiday calendars
  - errors.go: Error taxonomy
  - events.go: Events published by the engine
*/
package generic

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity with unit (always days for this system)
// =============================================================================

type Amount struct {
	Value decimal.Decimal `json:"value"`
	Unit  Unit            `json:"unit"`
}

type Unit string

const (
	UnitDays  Unit = "days"
	UnitHours Unit = "hours"
)

func NewAmount(value float64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Unit: unit}
}

func NewAmountFromDecimal(value decimal.Decimal, unit Unit) Amount {
	return Amount{Value: value, Unit: unit}
}

// Days is shorthand for an amount of leave days.
func Days(value float64) Amount { return NewAmount(value, UnitDays) }

// ZeroDays is an amount of zero days.
func ZeroDays() Amount { return Amount{Value: decimal.Zero, Unit: UnitDays} }

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a Amount) Zero() Amount                 { return Amount{Value: decimal.Zero, Unit: a.Unit} }
func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Unit: a.unit(b)} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value), Unit: a.unit(b)} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Unit: a.Unit} }
func (a Amount) Div(s decimal.Decimal) Amount { return Amount{Value: a.Value.Div(s), Unit: a.Unit} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg(), Unit: a.Unit} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) String() string               { return a.Value.String() + " " + string(a.unitOrDays()) }

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

func (a Amount) Max(b Amount) Amount {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// ClampZero returns the amount, or zero when it is negative.
func (a Amount) ClampZero() Amount {
	if a.IsNegative() {
		return a.Zero()
	}
	return a
}

// IsMultipleOf reports whether the amount is an exact multiple of step.
func (a Amount) IsMultipleOf(step decimal.Decimal) bool {
	if step.IsZero() {
		return true
	}
	return a.Value.Mod(step).IsZero()
}

// unit keeps the receiver's unit, falling back to the operand's for zero values.
func (a Amount) unit(b Amount) Unit {
	if a.Unit == "" {
		return b.Unit
	}
	return a.Unit
}

func (a Amount) unitOrDays() Unit {
	if a.Unit == "" {
		return UnitDays
	}
	return a.Unit
}

// =============================================================================
// ROUNDING - Policy-driven rounding of prorated entitlements
// =============================================================================

type RoundingMode string

const (
	RoundUp      RoundingMode = "UP"
	RoundDown    RoundingMode = "DOWN"
	RoundNearest RoundingMode = "NEAREST"
)

// DefaultPrecision is the rounding step used when a policy does not set one.
var DefaultPrecision = decimal.NewFromFloat(0.5)

// Rounding rounds a value to a multiple of Precision.
type Rounding struct {
	Mode      RoundingMode    `json:"mode" yaml:"mode"`
	Precision decimal.Decimal `json:"precision" yaml:"precision"`
}

// Apply rounds the amount. Zero precision falls back to DefaultPrecision and an
// empty mode to NEAREST.
func (r Rounding) Apply(a Amount) Amount {
	precision := r.Precision
	if precision.IsZero() || precision.IsNegative() {
		precision = DefaultPrecision
	}
	steps := a.Value.Div(precision)
	switch r.Mode {
	case RoundUp:
		steps = steps.Ceil()
	case RoundDown:
		steps = steps.Floor()
	default:
		steps = steps.Round(0)
	}
	return Amount{Value: steps.Mul(precision), Unit: a.Unit}
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EmployeeID string
type RequestID string
type LeaveTypeCode string
type Region string

const (
	RegionIndia  Region = "IN"
	RegionUSA    Region = "US"
	RegionGlobal Region = "GLOBAL"
)

// BalanceKey identifies one balance row: an employee's leave type in a year.
type BalanceKey struct {
	EmployeeID EmployeeID
	LeaveType  LeaveTypeCode
	Year       int
}

func (k BalanceKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.EmployeeID, k.LeaveType, k.Year)
}
