/*
audit.go - Append-only audit trail

PURPOSE:
  Every balance movement and request transition is recorded as an
  AuditEntry: who did what, when, to which balance or request. The audit
  log is separate from the balance rows; it explains how a balance got to
  its current state.

APPEND-ONLY CONTRACT:
  AuditLog has Append and Query. There is no Update or Delete.

IMPLEMENTATIONS:
  - store/memory: slice-backed
  - store/sqlite: audit_log table
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// AUDIT LOG - Tracks who did what when
// =============================================================================

// AuditEntry records who did what when.
type AuditEntry struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	ActorID    string         `json:"actorId"` // who performed the action; "system" for jobs and timers
	Action     AuditAction    `json:"action"`
	EmployeeID EmployeeID     `json:"employeeId,omitempty"`
	LeaveType  LeaveTypeCode  `json:"leaveType,omitempty"`
	RequestID  RequestID      `json:"requestId,omitempty"`
	Delta      Amount         `json:"delta"`             // balance change, zero for pure state transitions
	Payload    map[string]any `json:"payload,omitempty"` // action-specific data
}

type AuditAction string

const (
	AuditRequestSubmitted AuditAction = "request_submitted"
	AuditRequestApproved  AuditAction = "request_approved"
	AuditRequestRejected  AuditAction = "request_rejected"
	AuditRequestCancelled AuditAction = "request_cancelled"
	AuditStepDecided      AuditAction = "step_decided"
	AuditStepAutoApproved AuditAction = "step_auto_approved"
	AuditStepEscalated    AuditAction = "step_escalated"
	AuditBalanceReserved  AuditAction = "balance_reserved"
	AuditBalanceCommitted AuditAction = "balance_committed"
	AuditBalanceReleased  AuditAction = "balance_released"
	AuditBalanceRestored  AuditAction = "balance_restored"
	AuditAccrual          AuditAction = "accrual"
	AuditCarryForward     AuditAction = "carry_forward"
	AuditExpiry           AuditAction = "expiry"
	AuditEncashment       AuditAction = "encashment"
	AuditManualAdjust     AuditAction = "manual_adjustment"
	AuditCompOffGranted   AuditAction = "compoff_granted"
	AuditCompOffConsumed  AuditAction = "compoff_consumed"
	AuditCompOffExpired   AuditAction = "compoff_expired"
	AuditOverlapOverride  AuditAction = "overlap_override"
	AuditCatalogReloaded  AuditAction = "catalog_reloaded"
)

// SystemActor is the actor recorded for scheduled jobs and timers.
const SystemActor = "system"

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	EmployeeID *EmployeeID
	RequestID  *RequestID
	LeaveType  *LeaveTypeCode
	ActorID    *string
	Actions    []AuditAction
	From       *time.Time
	To         *time.Time
}

// Matches reports whether the entry passes every set filter field.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.EmployeeID != nil && e.EmployeeID != *f.EmployeeID {
		return false
	}
	if f.RequestID != nil && e.RequestID != *f.RequestID {
		return false
	}
	if f.LeaveType != nil && e.LeaveType != *f.LeaveType {
		return false
	}
	if f.ActorID != nil && e.ActorID != *f.ActorID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// NopAuditLog discards entries.
type NopAuditLog struct{}

func (NopAuditLog) Append(context.Context, AuditEntry) error { return nil }
func (NopAuditLog) Query(context.Context, AuditFilter) ([]AuditEntry, error) {
	return nil, nil
}
