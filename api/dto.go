/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures the HTTP surface accepts and returns where
  they differ from the domain types. Commands (submit, act, cancel) and
  read models (LeaveRequest, BalanceView, CompOffAccount) already carry
  JSON tags and are used as-is.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers and in the engine, not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - leave/request.go: SubmitCommand, ActCommand, CancelCommand
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/workflow"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ActRequest is the body of POST /api/requests/{id}/actions.
type ActRequest struct {
	ActorID  string            `json:"actorId"`
	StepID   string            `json:"stepId,omitempty"`
	Decision workflow.Decision `json:"decision"`
	Comment  string            `json:"comment,omitempty"`
}

// CancelRequest is the body of POST /api/requests/{id}/cancel.
type CancelRequest struct {
	ActorID string `json:"actorId"`
	Reason  string `json:"reason,omitempty"`
}

// AdjustmentRequest is a manual entitlement change.
type AdjustmentRequest struct {
	LeaveType      generic.LeaveTypeCode `json:"leaveType"`
	Year           int                   `json:"year"`
	Days           decimal.Decimal       `json:"days"`
	IdempotencyKey string                `json:"idempotencyKey"`
	ActorID        string                `json:"actorId"`
	Reason         string                `json:"reason"`
}

// EncashmentRequest converts available days to money.
type EncashmentRequest struct {
	LeaveType      generic.LeaveTypeCode `json:"leaveType"`
	Year           int                   `json:"year"`
	Days           decimal.Decimal       `json:"days"`
	IdempotencyKey string                `json:"idempotencyKey"`
	ActorID        string                `json:"actorId"`
}

// AccrualRunRequest triggers an accrual batch. Month is ignored for annual
// runs; zero fields default to the previous month (monthly) or the current
// year (annual).
type AccrualRunRequest struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// YearEndRunRequest triggers carry-forward for FromYear -> FromYear+1.
type YearEndRunRequest struct {
	FromYear int `json:"fromYear"`
}

// SweepRequest triggers the comp-off expiry sweep as of a date (default today).
type SweepRequest struct {
	AsOf string `json:"asOf,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// HolidayDTO represents a holiday in requests and responses.
type HolidayDTO struct {
	ID        string `json:"id,omitempty"`
	Region    string `json:"region,omitempty"`
	Date      string `json:"date"`
	Name      string `json:"name"`
	Recurring bool   `json:"recurring"`
}

func toHolidayDTO(h generic.Holiday) HolidayDTO {
	return HolidayDTO{
		ID:        h.ID,
		Region:    string(h.Region),
		Date:      h.Date.String(),
		Name:      h.Name,
		Recurring: h.Recurring,
	}
}

// PolicyDTO summarizes a policy version.
type PolicyDTO struct {
	LeaveType        generic.LeaveTypeCode  `json:"leaveType"`
	Name             string                 `json:"name"`
	Region           generic.Region         `json:"region"`
	Version          int                    `json:"version"`
	EffectiveFrom    generic.TimePoint      `json:"effectiveFrom"`
	EntitlementDays  decimal.Decimal        `json:"entitlementDays"`
	AccrualFrequency leave.AccrualFrequency `json:"accrualFrequency"`
	CarryForwardRule leave.CarryForwardRule `json:"carryForwardRule"`
	ApprovalLevels   int                    `json:"approvalLevels"`
	HalfDayAllowed   bool                   `json:"halfDayAllowed"`
	CompOffBacked    bool                   `json:"compOffBacked,omitempty"`
}

func toPolicyDTO(p leave.LeavePolicy) PolicyDTO {
	return PolicyDTO{
		LeaveType:        p.LeaveType,
		Name:             p.Name,
		Region:           p.Region,
		Version:          p.Version,
		EffectiveFrom:    p.EffectiveFrom,
		EntitlementDays:  p.EntitlementDays,
		AccrualFrequency: p.AccrualFrequency,
		CarryForwardRule: p.CarryForwardRule,
		ApprovalLevels:   p.ApprovalLevels,
		HalfDayAllowed:   p.HalfDayAllowed,
		CompOffBacked:    p.CompOffBacked,
	}
}

// BalancesResponse lists an employee's balances for a year.
type BalancesResponse struct {
	EmployeeID generic.EmployeeID  `json:"employeeId"`
	Year       int                 `json:"year"`
	Balances   []leave.BalanceView `json:"balances"`
}

// CompOffDTO is an employee's comp-off position.
type CompOffDTO struct {
	EmployeeID generic.EmployeeID   `json:"employeeId"`
	AsOf       generic.TimePoint    `json:"asOf"`
	Available  decimal.Decimal      `json:"available"`
	Grants     []leave.CompOffGrant `json:"grants"`
}

// ReloadResponse reports the active catalog after a reload.
type ReloadResponse struct {
	Policies  int `json:"policies"`
	Workflows int `json:"workflows"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details string   `json:"details,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}
