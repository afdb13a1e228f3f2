/*
errors.go - Centralized error taxonomy for the leave engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure the engine reports belongs to exactly one class below;
  callers branch on the class with errors.Is and read the details with
  errors.As.

ERROR CATEGORIES:
  1. Client errors - Validation, eligibility, balance, overlap, authorization
  2. Idempotency outcomes - AlreadyAccrued, AlreadyProcessed (not failures)
  3. State errors - Invalid workflow or reservation transitions
  4. Store errors - Not found, version mismatch, concurrency conflict

USAGE:
    if errors.Is(err, generic.ErrInsufficientBalance) {
        var ibe *generic.InsufficientBalanceError
        errors.As(err, &ibe)
        ...
    }

SEE ALSO:
  - leave/ledger.go: Raises balance and concurrency errors
  - workflow/engine.go: Raises transition errors
  - api/handlers.go: Maps error classes to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when a command is malformed.
	ErrValidation = errors.New("validation failed")

	// ErrEligibility is returned when the employee may not take this leave type.
	ErrEligibility = errors.New("not eligible")

	// ErrInsufficientBalance is returned when a reservation exceeds available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrOverlapConflict is returned when a request intersects an open request.
	ErrOverlapConflict = errors.New("overlapping leave request")

	// ErrAlreadyAccrued is returned when an accrual key was already applied.
	// This is expected behavior for job retries.
	ErrAlreadyAccrued = errors.New("already accrued")

	// ErrAlreadyProcessed is returned when year-end processing already ran.
	ErrAlreadyProcessed = errors.New("already processed")

	// ErrUnauthorizedActor is returned when the actor holds no actionable step.
	ErrUnauthorizedActor = errors.New("unauthorized actor")

	// ErrInvalidTransition is returned for a state change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConcurrencyConflict is returned when optimistic retries are exhausted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrPolicyNotFound is returned when no policy matches type, region and date.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrNotFound is returned by stores when an entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionMismatch is returned by stores when an optimistic write loses.
	// The engine retries it; it never reaches API callers.
	ErrVersionMismatch = errors.New("version mismatch")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError lists every problem found in a command.
type ValidationError struct {
	Reasons []string
}

func NewValidationError(reasons ...string) *ValidationError {
	return &ValidationError{Reasons: reasons}
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Reasons, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// EligibilityError lists every eligibility rule the employee fails.
type EligibilityError struct {
	EmployeeID EmployeeID
	LeaveType  LeaveTypeCode
	Reasons    []string
}

func (e *EligibilityError) Error() string {
	return fmt.Sprintf("employee %s not eligible for %s: %s",
		e.EmployeeID, e.LeaveType, strings.Join(e.Reasons, "; "))
}

func (e *EligibilityError) Unwrap() error { return ErrEligibility }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	Key       BalanceKey
	Available Amount
	Requested Amount
	Shortfall Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %v, requested %v, shortfall %v",
		e.Key, e.Available.Value, e.Requested.Value, e.Shortfall.Value)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// OverlapConflictError names the open requests a candidate intersects.
type OverlapConflictError struct {
	ConflictingIDs []RequestID
}

func (e *OverlapConflictError) Error() string {
	ids := make([]string, len(e.ConflictingIDs))
	for i, id := range e.ConflictingIDs {
		ids[i] = string(id)
	}
	return "overlaps existing requests: " + strings.Join(ids, ", ")
}

func (e *OverlapConflictError) Unwrap() error { return ErrOverlapConflict }

// AlreadyAccruedError reports a repeated accrual key.
type AlreadyAccruedError struct {
	Key    BalanceKey
	Period string
}

func (e *AlreadyAccruedError) Error() string {
	return fmt.Sprintf("accrual %s already applied to %s", e.Period, e.Key)
}

func (e *AlreadyAccruedError) Unwrap() error { return ErrAlreadyAccrued }

// AlreadyProcessedError reports a repeated year-end run.
type AlreadyProcessedError struct {
	Key BalanceKey
}

func (e *AlreadyProcessedError) Error() string {
	return fmt.Sprintf("year-end already processed for %s", e.Key)
}

func (e *AlreadyProcessedError) Unwrap() error { return ErrAlreadyProcessed }

// UnauthorizedActorError is returned when an actor acts on a request they
// hold no actionable step for, or cancels someone else's request.
type UnauthorizedActorError struct {
	ActorID   string
	RequestID RequestID
	Reason    string
}

func (e *UnauthorizedActorError) Error() string {
	return fmt.Sprintf("actor %s may not act on request %s: %s", e.ActorID, e.RequestID, e.Reason)
}

func (e *UnauthorizedActorError) Unwrap() error { return ErrUnauthorizedActor }

// InvalidTransitionError reports a forbidden state change.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Entity, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// ConcurrencyConflictError is returned when optimistic retries run out.
type ConcurrencyConflictError struct {
	Key      string
	Attempts int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrent modification of %s: gave up after %d attempts", e.Key, e.Attempts)
}

func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrencyConflict }

// PolicyNotFoundError reports a failed catalog lookup.
type PolicyNotFoundError struct {
	LeaveType LeaveTypeCode
	Region    Region
	AsOf      TimePoint
}

func (e *PolicyNotFoundError) Error() string {
	return fmt.Sprintf("no %s policy for region %s effective %s", e.LeaveType, e.Region, e.AsOf)
}

func (e *PolicyNotFoundError) Unwrap() error { return ErrPolicyNotFound }

// InsufficientHoursError is returned when a comp-off work log is too short to earn credit.
type InsufficientHoursError struct {
	Hours    float64
	Required float64
}

func (e *InsufficientHoursError) Error() string {
	return fmt.Sprintf("worked %.2f hours, at least %.2f required for comp-off", e.Hours, e.Required)
}

func (e *InsufficientHoursError) Unwrap() error { return ErrValidation }

// DuplicateWorkLogError is returned when a work date was already credited.
type DuplicateWorkLogError struct {
	EmployeeID EmployeeID
	WorkDate   TimePoint
}

func (e *DuplicateWorkLogError) Error() string {
	return fmt.Sprintf("work on %s already logged for %s", e.WorkDate, e.EmployeeID)
}

func (e *DuplicateWorkLogError) Unwrap() error { return ErrValidation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrVersionMismatch)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrEligibility) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrOverlapConflict) ||
		errors.Is(err, ErrUnauthorizedActor) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPolicyNotFound) || errors.Is(err, ErrNotFound)
}

// IsIdempotentRepeat returns true for outcomes that mean "already done".
func IsIdempotentRepeat(err error) bool {
	return errors.Is(err, ErrAlreadyAccrued) || errors.Is(err, ErrAlreadyProcessed)
}
