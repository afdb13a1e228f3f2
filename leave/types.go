// Package leave implements leave balances, accrual, carry-forward, comp-off
// and the request orchestrator on top of the generic primitives and the
// workflow engine.
package leave

import (
	"time"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/workflow"
)

// =============================================================================
// LEAVE TYPES
// =============================================================================

// Leave type codes shipped with the region presets.
const (
	TypeCasual    generic.LeaveTypeCode = "CL"
	TypePrivilege generic.LeaveTypeCode = "PL"
	TypeEarned    generic.LeaveTypeCode = "EL"
	TypeSick      generic.LeaveTypeCode = "SL"
	TypePTO       generic.LeaveTypeCode = "PTO"
	TypeMaternity generic.LeaveTypeCode = "ML"
	TypePaternity generic.LeaveTypeCode = "PATL"
	TypeMarriage  generic.LeaveTypeCode = "MRL"
	TypeCompOff   generic.LeaveTypeCode = "COMP_OFF"
)

// =============================================================================
// EMPLOYEE PROFILE - External, read-only
// =============================================================================

type Gender string

const (
	GenderMale   Gender = "MALE"
	GenderFemale Gender = "FEMALE"
	GenderOther  Gender = "OTHER"
)

type MaritalStatus string

const (
	MaritalSingle   MaritalStatus = "SINGLE"
	MaritalMarried  MaritalStatus = "MARRIED"
	MaritalDivorced MaritalStatus = "DIVORCED"
	MaritalWidowed  MaritalStatus = "WIDOWED"
)

// EmployeeProfile is owned by the HR system; the engine only reads it.
type EmployeeProfile struct {
	ID               generic.EmployeeID `json:"id"`
	Name             string             `json:"name,omitempty"`
	Region           generic.Region     `json:"region"`
	Gender           Gender             `json:"gender,omitempty"`
	MaritalStatus    MaritalStatus      `json:"maritalStatus,omitempty"`
	Designation      string             `json:"designation,omitempty"`
	JoiningDate      generic.TimePoint  `json:"joiningDate"`
	ProbationEndDate generic.TimePoint  `json:"probationEndDate,omitempty"`
	ManagerID        generic.EmployeeID `json:"managerId,omitempty"`
	AccrualSuspended bool               `json:"accrualSuspended,omitempty"`
	ExitDate         generic.TimePoint  `json:"exitDate,omitempty"`
}

// EmployedDuring reports whether the employee was on the payroll for at
// least one day of the period.
func (e EmployeeProfile) EmployedDuring(p generic.Period) bool {
	if !e.JoiningDate.IsZero() && e.JoiningDate.After(p.End) {
		return false
	}
	if !e.ExitDate.IsZero() && e.ExitDate.Before(p.Start) {
		return false
	}
	return true
}

// OnProbation reports whether the employee is still on probation at asOf.
func (e EmployeeProfile) OnProbation(asOf generic.TimePoint) bool {
	return !e.ProbationEndDate.IsZero() && asOf.Before(e.ProbationEndDate)
}

// ServiceMonths counts whole months of service at asOf.
func (e EmployeeProfile) ServiceMonths(asOf generic.TimePoint) int {
	if e.JoiningDate.IsZero() || asOf.Before(e.JoiningDate) {
		return 0
	}
	return generic.MonthsBetween(e.JoiningDate, asOf)
}

// =============================================================================
// LEAVE REQUEST
// =============================================================================

type RequestStatus string

const (
	StatusDraft     RequestStatus = "DRAFT"
	StatusPending   RequestStatus = "PENDING"
	StatusApproved  RequestStatus = "APPROVED"
	StatusRejected  RequestStatus = "REJECTED"
	StatusCancelled RequestStatus = "CANCELLED"
)

// Open reports whether the request still holds or uses days.
func (s RequestStatus) Open() bool { return s == StatusPending || s == StatusApproved }

// Terminal reports whether the request reached its final state.
func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

type HalfDaySession string

const (
	FirstHalf  HalfDaySession = "FIRST_HALF"
	SecondHalf HalfDaySession = "SECOND_HALF"
)

// LeaveRequest is the aggregate the orchestrator drives. ApprovalChain is a
// snapshot taken at submit time.
type LeaveRequest struct {
	ID             generic.RequestID     `json:"id"`
	EmployeeID     generic.EmployeeID    `json:"employeeId"`
	LeaveType      generic.LeaveTypeCode `json:"leaveType"`
	Region         generic.Region        `json:"region"`
	PolicyVersion  int                   `json:"policyVersion"`
	StartDate      generic.TimePoint     `json:"startDate"`
	EndDate        generic.TimePoint     `json:"endDate"`
	IsHalfDay      bool                  `json:"isHalfDay"`
	HalfDaySession HalfDaySession        `json:"halfDaySession,omitempty"`
	TotalDays      generic.Amount        `json:"totalDays"`
	Reason         string                `json:"reason,omitempty"`
	Status         RequestStatus         `json:"status"`
	ApprovalChain  workflow.Chain        `json:"approvalChain"`
	Warnings       []string              `json:"warnings,omitempty"`
	// Settled is set once the ledger side effect of the terminal state ran.
	Settled     bool       `json:"settled"`
	Version     int64      `json:"version"`
	SubmittedAt time.Time  `json:"submittedAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	CancelledBy string     `json:"cancelledBy,omitempty"`
	// CancelledFrom is the status the request had when it was cancelled.
	CancelledFrom RequestStatus `json:"cancelledFrom,omitempty"`

	// Copied from the policy version in force at submit.
	CompOffBacked             bool `json:"compOffBacked,omitempty"`
	CancelApprovedBeforeStart bool `json:"cancelApprovedBeforeStart,omitempty"`
}

// Period is the inclusive date range of the request.
func (r LeaveRequest) Period() generic.Period {
	return generic.Period{Start: r.StartDate, End: r.EndDate}
}

// Year is the leave year the request draws from.
func (r LeaveRequest) Year() int { return r.StartDate.Year() }

// BalanceKey is the balance row the request reserves against.
func (r LeaveRequest) BalanceKey() generic.BalanceKey {
	return generic.BalanceKey{EmployeeID: r.EmployeeID, LeaveType: r.LeaveType, Year: r.Year()}
}

// Clone returns a deep copy.
func (r LeaveRequest) Clone() LeaveRequest {
	out := r
	out.ApprovalChain = r.ApprovalChain.Clone()
	out.Warnings = append([]string(nil), r.Warnings...)
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

// =============================================================================
// EXPIRY RECORD - Days lost at year end
// =============================================================================

type ExpiryRecord struct {
	ID         string                `json:"id"`
	EmployeeID generic.EmployeeID    `json:"employeeId"`
	LeaveType  generic.LeaveTypeCode `json:"leaveType"`
	Year       int                   `json:"year"`
	Days       generic.Amount        `json:"days"`
	Reason     string                `json:"reason"`
	CreatedAt  time.Time             `json:"createdAt"`
}
