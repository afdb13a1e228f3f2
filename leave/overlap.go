package leave

import (
	"sort"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/workflow"
)

// =============================================================================
// OVERLAP VALIDATOR
// =============================================================================

// OverlapValidator finds existing PENDING or APPROVED requests of the same
// employee whose dates intersect a candidate. Two half-day requests for
// opposite halves of the same date do not conflict; every other
// intersection does, whatever the leave types.
type OverlapValidator struct{}

// Check returns the IDs of conflicting requests, sorted.
func (OverlapValidator) Check(candidate LeaveRequest, existing []LeaveRequest) []generic.RequestID {
	var ids []generic.RequestID
	for _, r := range existing {
		if r.ID == candidate.ID || r.EmployeeID != candidate.EmployeeID || !r.Status.Open() {
			continue
		}
		if !r.Period().Overlaps(candidate.Period()) {
			continue
		}
		if complementaryHalves(candidate, r) {
			continue
		}
		ids = append(ids, r.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func complementaryHalves(a, b LeaveRequest) bool {
	return a.IsHalfDay && b.IsHalfDay &&
		a.StartDate.Equal(b.StartDate) &&
		a.HalfDaySession != "" && b.HalfDaySession != "" &&
		a.HalfDaySession != b.HalfDaySession
}

// OverlapDecision is the outcome of applying the blocking rule.
type OverlapDecision struct {
	Overridden bool
	Warning    string
}

// Decide applies the blocking rule: HR_ADMIN may override a conflict and
// gets a warning, every other role is blocked.
func (OverlapValidator) Decide(conflicts []generic.RequestID, role workflow.Role) (OverlapDecision, error) {
	if len(conflicts) == 0 {
		return OverlapDecision{}, nil
	}
	if role == workflow.RoleHRAdmin {
		return OverlapDecision{
			Overridden: true,
			Warning:    (&generic.OverlapConflictError{ConflictingIDs: conflicts}).Error() + " (overridden by HR_ADMIN)",
		}, nil
	}
	return OverlapDecision{}, &generic.OverlapConflictError{ConflictingIDs: conflicts}
}
