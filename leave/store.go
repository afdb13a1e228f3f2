/*
store.go - Repository interfaces consumed by the leave engine

PURPOSE:
  The engine does not own persistence. Every read and write goes through
  the interfaces below; store/memory and store/sqlite implement all of them.

OPTIMISTIC VERSIONING:
  Balance rows, requests, comp-off accounts and leave calendars carry a
  Version. A Save call passes the version the caller read; the store
  writes version+1 only if the stored version still matches, otherwise it
  returns generic.ErrVersionMismatch and the caller re-reads and retries.
  Version 0 means "the row must not exist yet".

SEE ALSO:
  - store/memory/memory.go: In-memory implementation
  - store/sqlite/sqlite.go: SQLite implementation
*/
package leave

import (
	"context"

	"github.com/warp/leave-engine/generic"
)

// BalanceStore persists balance rows.
type BalanceStore interface {
	// LoadBalance returns generic.ErrNotFound when the row doesn't exist.
	LoadBalance(ctx context.Context, key generic.BalanceKey) (LeaveBalance, error)
	// SaveBalance writes b if the stored version equals expectedVersion and
	// sets b.Version to expectedVersion+1 in the store.
	SaveBalance(ctx context.Context, b LeaveBalance, expectedVersion int64) error
	// ListBalances returns every row of an employee for a year.
	ListBalances(ctx context.Context, employeeID generic.EmployeeID, year int) ([]LeaveBalance, error)
}

// RequestFilter narrows ListRequests. Zero fields match everything.
type RequestFilter struct {
	EmployeeID generic.EmployeeID
	LeaveType  generic.LeaveTypeCode
	Statuses   []RequestStatus
	// Unsettled selects terminal requests whose ledger side effect hasn't run.
	Unsettled bool
	// Overlapping selects requests intersecting this period.
	Overlapping *generic.Period
}

// Matches applies the filter to one request.
func (f RequestFilter) Matches(r LeaveRequest) bool {
	if f.EmployeeID != "" && r.EmployeeID != f.EmployeeID {
		return false
	}
	if f.LeaveType != "" && r.LeaveType != f.LeaveType {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if r.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Unsettled && (r.Settled || !r.Status.Terminal()) {
		return false
	}
	if f.Overlapping != nil && !r.Period().Overlaps(*f.Overlapping) {
		return false
	}
	return true
}

// RequestStore persists leave requests.
type RequestStore interface {
	LoadRequest(ctx context.Context, id generic.RequestID) (LeaveRequest, error)
	// SaveRequest follows the same version contract as SaveBalance.
	SaveRequest(ctx context.Context, r LeaveRequest, expectedVersion int64) error
	ListRequests(ctx context.Context, filter RequestFilter) ([]LeaveRequest, error)
}

// CompOffStore persists one comp-off account per employee.
type CompOffStore interface {
	LoadCompOffAccount(ctx context.Context, employeeID generic.EmployeeID) (CompOffAccount, error)
	SaveCompOffAccount(ctx context.Context, a CompOffAccount, expectedVersion int64) error
	ListCompOffEmployees(ctx context.Context) ([]generic.EmployeeID, error)
}

// LeaveCalendarStore persists one leave calendar per employee.
type LeaveCalendarStore interface {
	LoadLeaveCalendar(ctx context.Context, employeeID generic.EmployeeID) (LeaveCalendar, error)
	SaveLeaveCalendar(ctx context.Context, c LeaveCalendar, expectedVersion int64) error
}

// HolidaySource loads a region's holidays, global ones included, in one read.
// When the orchestrator's holiday calendar implements it, a request's days
// are counted against that snapshot and a failed read fails the submit.
type HolidaySource interface {
	GetAllHolidays(ctx context.Context, region generic.Region) ([]generic.Holiday, error)
}

// ExpiryStore records expired days. Appending an existing ID is a no-op.
type ExpiryStore interface {
	AppendExpiry(ctx context.Context, rec ExpiryRecord) error
	ListExpiries(ctx context.Context, employeeID generic.EmployeeID, year int) ([]ExpiryRecord, error)
}

// EmployeeDirectory is the read-only view of the HR system.
type EmployeeDirectory interface {
	GetEmployee(ctx context.Context, id generic.EmployeeID) (EmployeeProfile, error)
	ListEmployees(ctx context.Context) ([]EmployeeProfile, error)
}

// Repository is everything the orchestrator and jobs need from storage.
type Repository interface {
	BalanceStore
	RequestStore
	CompOffStore
	LeaveCalendarStore
	ExpiryStore
	EmployeeDirectory
	generic.AuditLog
}
