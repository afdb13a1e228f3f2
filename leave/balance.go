package leave

import (
	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// LEAVE BALANCE - One row per (employee, leave type, year)
// =============================================================================

type ReservationState string

const (
	ReservationReserved  ReservationState = "RESERVED"
	ReservationCommitted ReservationState = "COMMITTED"
	ReservationReleased  ReservationState = "RELEASED"
	ReservationRestored  ReservationState = "RESTORED"
)

// Reservation tracks one request's days on the row so that every transition
// happens at most once per request.
type Reservation struct {
	Days  decimal.Decimal  `json:"days"`
	State ReservationState `json:"state"`
	// Expired marks days freed after the row was archived.
	Expired bool `json:"expired,omitempty"`
}

// LeaveBalance is the mutable balance row. Reservation and idempotency
// markers live on the row so they commit atomically with the amounts.
//
// Available = TotalEntitlement + CarryForwardIn - Used - Pending - Expired - Encashed
//
// A row closed at year end also subtracts what it carried into the next year,
// so an archived row never reports days that moved on.
type LeaveBalance struct {
	Key              generic.BalanceKey `json:"key"`
	TotalEntitlement decimal.Decimal    `json:"totalEntitlement"`
	Accrued          decimal.Decimal    `json:"accrued"`
	Used             decimal.Decimal    `json:"used"`
	Pending          decimal.Decimal    `json:"pending"`
	CarryForwardIn   decimal.Decimal    `json:"carryForwardIn"`
	Expired          decimal.Decimal    `json:"expired"`
	Encashed         decimal.Decimal    `json:"encashed"`

	// CarriedForward is what left this row into the next year at year end.
	CarriedForward   decimal.Decimal `json:"carriedForward"`
	Archived         bool            `json:"archived"`
	YearEndProcessed bool            `json:"yearEndProcessed"`

	Reservations map[generic.RequestID]Reservation `json:"reservations,omitempty"`
	// AppliedKeys maps accrual/seed idempotency keys to the delta they applied.
	AppliedKeys map[string]decimal.Decimal `json:"appliedKeys,omitempty"`
	Version     int64                      `json:"version"`
}

// NewBalance returns an empty row for key.
func NewBalance(key generic.BalanceKey) LeaveBalance {
	return LeaveBalance{
		Key:          key,
		Reservations: map[generic.RequestID]Reservation{},
		AppliedKeys:  map[string]decimal.Decimal{},
	}
}

// Available applies the balance invariant. CarriedForward is zero on every
// open row, so there it is exactly the six-term formula; on an archived row
// it also takes out the days that moved to the next year.
func (b LeaveBalance) Available() decimal.Decimal {
	return b.TotalEntitlement.
		Add(b.CarryForwardIn).
		Sub(b.Used).
		Sub(b.Pending).
		Sub(b.Expired).
		Sub(b.Encashed).
		Sub(b.CarriedForward)
}

// AvailableAmount is Available as a day amount.
func (b LeaveBalance) AvailableAmount() generic.Amount {
	return generic.NewAmountFromDecimal(b.Available(), generic.UnitDays)
}

// Clone returns a deep copy.
func (b LeaveBalance) Clone() LeaveBalance {
	out := b
	out.Reservations = make(map[generic.RequestID]Reservation, len(b.Reservations))
	for k, v := range b.Reservations {
		out.Reservations[k] = v
	}
	out.AppliedKeys = make(map[string]decimal.Decimal, len(b.AppliedKeys))
	for k, v := range b.AppliedKeys {
		out.AppliedKeys[k] = v
	}
	return out
}

// HasApplied reports whether an idempotency key was already applied.
func (b LeaveBalance) HasApplied(key string) bool {
	_, ok := b.AppliedKeys[key]
	return ok
}

// BalanceView is the read model returned to callers.
type BalanceView struct {
	LeaveType        generic.LeaveTypeCode `json:"leaveType"`
	Year             int                   `json:"year"`
	TotalEntitlement decimal.Decimal       `json:"totalEntitlement"`
	Accrued          decimal.Decimal       `json:"accrued"`
	Used             decimal.Decimal       `json:"used"`
	Pending          decimal.Decimal       `json:"pending"`
	CarryForwardIn   decimal.Decimal       `json:"carryForwardIn"`
	Expired          decimal.Decimal       `json:"expired"`
	Encashed         decimal.Decimal       `json:"encashed"`
	// CarriedForward is set on archived rows only. Available subtracts it.
	CarriedForward decimal.Decimal `json:"carriedForward"`
	Available      decimal.Decimal `json:"available"`
	Archived       bool            `json:"archived"`
	Version        int64           `json:"version"`
}

// View projects the row for display.
func (b LeaveBalance) View() BalanceView {
	return BalanceView{
		LeaveType:        b.Key.LeaveType,
		Year:             b.Key.Year,
		TotalEntitlement: b.TotalEntitlement,
		Accrued:          b.Accrued,
		Used:             b.Used,
		Pending:          b.Pending,
		CarryForwardIn:   b.CarryForwardIn,
		Expired:          b.Expired,
		Encashed:         b.Encashed,
		CarriedForward:   b.CarriedForward,
		Available:        b.Available(),
		Archived:         b.Archived,
		Version:          b.Version,
	}
}
