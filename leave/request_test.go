package leave_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/workflow"
)

// Monday 2025-03-03, 09:00 UTC.
var monday = at(2025, time.March, 3)

func casual(start, end int) leave.SubmitCommand {
	return leave.SubmitCommand{
		EmployeeID: "asha",
		LeaveType:  leave.TypeCasual,
		StartDate:  date(2025, time.March, start),
		EndDate:    date(2025, time.March, end),
	}
}

func approve(id generic.RequestID, actor string) leave.ActCommand {
	return leave.ActCommand{RequestID: id, ActorID: actor, Decision: workflow.DecisionApprove}
}

// =============================================================================
// SUBMIT AND DECIDE
// =============================================================================

func TestSubmit_ManagerApproves_BalanceCommitted(t *testing.T) {
	// GIVEN: Asha holds 3 casual days
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeCasual, 2025, 3)

	// WHEN: She asks for Wednesday and Thursday
	req, err := f.orch.Submit(f.ctx, casual(5, 6))
	require.NoError(t, err)

	// THEN: The request waits on her manager with 2 days pending
	assert.Equal(t, leave.StatusPending, req.Status)
	assert.Equal(t, "single-level", req.ApprovalChain.WorkflowType)
	assert.True(t, req.TotalDays.Value.Equal(dec(2)))
	b := f.balance("asha", leave.TypeCasual, 2025)
	assert.True(t, b.Pending.Equal(dec(2)))
	assert.True(t, b.Available().Equal(dec(1)))
	assert.Len(t, f.events.OfType(generic.EventRequestSubmitted), 1)
	assert.Len(t, f.events.OfType(generic.EventStepActionable), 1)

	// WHEN: The manager approves
	req, err = f.orch.Act(f.ctx, approve(req.ID, "mgr-1"))
	require.NoError(t, err)

	// THEN: The days move from pending to used
	assert.Equal(t, leave.StatusApproved, req.Status)
	assert.True(t, req.Settled)
	b = f.balance("asha", leave.TypeCasual, 2025)
	assert.True(t, b.Pending.IsZero())
	assert.True(t, b.Used.Equal(dec(2)))
	assert.Len(t, f.events.OfType(generic.EventRequestApproved), 1)
}

func TestSubmit_RejectReleasesDays(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeCasual, 2025, 3)
	req, err := f.orch.Submit(f.ctx, casual(5, 6))
	require.NoError(t, err)

	req, err = f.orch.Act(f.ctx, leave.ActCommand{RequestID: req.ID, ActorID: "mgr-1", Decision: workflow.DecisionReject, Comment: "release crunch"})
	require.NoError(t, err)

	assert.Equal(t, leave.StatusRejected, req.Status)
	assert.True(t, req.Settled)
	b := f.balance("asha", leave.TypeCasual, 2025)
	assert.True(t, b.Pending.IsZero())
	assert.True(t, b.Available().Equal(dec(3)))
}

func TestSubmit_InsufficientBalance_NothingFiled(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeCasual, 2025, 1)

	_, err := f.orch.Submit(f.ctx, casual(5, 6))

	var insufficient *generic.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Shortfall.Value.Equal(dec(1)))
	filed, _ := f.orch.List(f.ctx, leave.RequestFilter{EmployeeID: "asha"})
	assert.Empty(t, filed)
}

func TestSubmit_IneligibleEmployee(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha, ravi})

	_, err := f.orch.Submit(f.ctx, leave.SubmitCommand{
		EmployeeID: "asha", LeaveType: leave.TypePaternity,
		StartDate: date(2025, time.March, 10), EndDate: date(2025, time.March, 11),
	})
	var inelig *generic.EligibilityError
	require.ErrorAs(t, err, &inelig)
	assert.NotEmpty(t, inelig.Reasons)

	// probation blocks privilege leave
	_, err = f.orch.Submit(f.ctx, leave.SubmitCommand{
		EmployeeID: "ravi", LeaveType: leave.TypePrivilege,
		StartDate: date(2025, time.April, 14), EndDate: date(2025, time.April, 15),
	})
	assert.ErrorIs(t, err, generic.ErrEligibility)

	preview, err := f.orch.CheckEligibility(f.ctx, "ravi", leave.TypePrivilege, date(2025, time.April, 1))
	require.NoError(t, err)
	assert.False(t, preview.Eligible)
}

func TestSubmit_DocumentationWarning(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeSick, 2025, 12)

	req, err := f.orch.Submit(f.ctx, leave.SubmitCommand{
		EmployeeID: "asha", LeaveType: leave.TypeSick,
		StartDate: date(2025, time.March, 4), EndDate: date(2025, time.March, 6),
	})
	require.NoError(t, err)
	require.Len(t, req.Warnings, 1)
	assert.Contains(t, req.Warnings[0], "documentation")
}

// =============================================================================
// OVERLAP
// =============================================================================

func TestSubmit_OverlapBlocked(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeCasual, 2025, 5)
	first, err := f.orch.Submit(f.ctx, casual(5, 6))
	require.NoError(t, err)

	_, err = f.orch.Submit(f.ctx, casual(6, 6))

	var conflict *generic.OverlapConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []generic.RequestID{first.ID}, conflict.ConflictingIDs)
	assert.True(t, f.balance("asha", leave.TypeCasual, 2025).Pending.Equal(dec(2)))
}

func TestSubmit_ComplementaryHalfDays(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeCasual, 2025, 3)

	morning := casual(10, 10)
	morning.IsHalfDay, morning.HalfDaySession = true, leave.FirstHalf
	afternoon := casual(10, 10)
	afternoon.IsHalfDay, afternoon.HalfDaySession = true, leave.SecondHalf

	_, err := f.orch.Submit(f.ctx, morning)
	require.NoError(t, err)
	_, err = f.orch.Submit(f.ctx, afternoon)
	require.NoError(t, err)
	assert.True(t, f.balance("asha", leave.TypeCasual, 2025).Pending.Equal(dec(1)))

	_, err = f.orch.Submit(f.ctx, morning)
	assert.ErrorIs(t, err, generic.ErrOverlapConflict, "the same half twice still conflicts")
}

func TestSubmit_HRAdminOverridesOverlap(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeCasual, 2025, 5)
	_, err := f.orch.Submit(f.ctx, casual(5, 6))
	require.NoError(t, err)

	cmd := casual(6, 7)
	cmd.ActorID = "hradmin-1"
	req, err := f.orch.Submit(f.ctx, cmd)
	require.NoError(t, err)

	require.NotEmpty(t, req.Warnings)
	assert.Contains(t, req.Warnings[len(req.Warnings)-1], "HR_ADMIN")
	entries, err := f.store.Query(f.ctx, generic.AuditFilter{Actions: []generic.AuditAction{generic.AuditOverlapOverride}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hradmin-1", entries[0].ActorID)
}

// =============================================================================
// DAY COUNTING AND LIMITS
// =============================================================================

func TestSubmit_CountsWorkingDaysOnly(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeCasual, 2025, 5)

	// Friday to Monday skips the weekend
	req, err := f.orch.Submit(f.ctx, casual(7, 10))
	require.NoError(t, err)
	assert.True(t, req.TotalDays.Value.Equal(dec(2)))

	// a regional holiday is free too
	f.store.AddHoliday(generic.Holiday{Region: generic.RegionIndia, Date: date(2025, time.March, 14), Name: "Holi"})
	req, err = f.orch.Submit(f.ctx, casual(13, 14))
	require.NoError(t, err)
	assert.True(t, req.TotalDays.Value.Equal(dec(1)))

	_, err = f.orch.Submit(f.ctx, casual(15, 16))
	assert.ErrorIs(t, err, generic.ErrValidation, "a weekend-only request charges nothing")
}

func TestSubmit_PolicyLimits(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeCasual, 2025, 12)
	f.grant("asha", leave.TypePrivilege, 2025, 12)

	_, err := f.orch.Submit(f.ctx, casual(10, 13))
	assert.ErrorIs(t, err, generic.ErrValidation, "4 days exceeds the casual maximum of 3")

	_, err = f.orch.Submit(f.ctx, leave.SubmitCommand{
		EmployeeID: "asha", LeaveType: leave.TypePrivilege,
		StartDate: date(2025, time.March, 7), EndDate: date(2025, time.March, 7),
	})
	assert.ErrorIs(t, err, generic.ErrValidation, "privilege leave needs 7 days notice")

	_, err = f.orch.Submit(f.ctx, leave.SubmitCommand{
		EmployeeID: "asha", LeaveType: leave.TypeCasual,
		StartDate: date(2025, time.December, 31), EndDate: date(2026, time.January, 2),
	})
	assert.ErrorIs(t, err, generic.ErrValidation, "no request spans two leave years")

	bad := casual(10, 11)
	bad.HalfDaySession = leave.FirstHalf
	_, err = f.orch.Submit(f.ctx, bad)
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestSubmit_MaternitySeedsEntitlementOncePerYear(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})

	req, err := f.orch.Submit(f.ctx, leave.SubmitCommand{
		EmployeeID: "asha", LeaveType: leave.TypeMaternity,
		StartDate: date(2025, time.April, 1), EndDate: date(2025, time.April, 30),
	})
	require.NoError(t, err)

	assert.Equal(t, "parental", req.ApprovalChain.WorkflowType)
	assert.True(t, req.TotalDays.Value.Equal(dec(22)))
	b := f.balance("asha", leave.TypeMaternity, 2025)
	assert.True(t, b.TotalEntitlement.Equal(dec(182)))
	assert.True(t, b.Pending.Equal(dec(22)))

	// manager and HR decide in parallel, both are required
	req, err = f.orch.Act(f.ctx, approve(req.ID, "hr-1"))
	require.NoError(t, err)
	assert.Equal(t, leave.StatusPending, req.Status)
	req, err = f.orch.Act(f.ctx, approve(req.ID, "mgr-1"))
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, req.Status)

	_, err = f.orch.Submit(f.ctx, leave.SubmitCommand{
		EmployeeID: "asha", LeaveType: leave.TypeMaternity,
		StartDate: date(2025, time.June, 2), EndDate: date(2025, time.June, 3),
	})
	assert.ErrorIs(t, err, generic.ErrValidation)
	assert.True(t, f.balance("asha", leave.TypeMaternity, 2025).TotalEntitlement.Equal(dec(182)), "seeding is not repeated")
}

func TestSubmit_SameRequestIDIsIdempotent(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeCasual, 2025, 3)
	cmd := casual(5, 6)
	cmd.RequestID = "client-42"

	first, err := f.orch.Submit(f.ctx, cmd)
	require.NoError(t, err)
	second, err := f.orch.Submit(f.ctx, cmd)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, f.balance("asha", leave.TypeCasual, 2025).Pending.Equal(dec(2)))
}

func TestSubmit_OnBehalfNeedsHR(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeCasual, 2025, 3)

	cmd := casual(5, 5)
	cmd.ActorID = "mgr-1"
	_, err := f.orch.Submit(f.ctx, cmd)
	assert.ErrorIs(t, err, generic.ErrUnauthorizedActor)

	cmd.ActorID = "hr-1"
	_, err = f.orch.Submit(f.ctx, cmd)
	assert.NoError(t, err)
}

// =============================================================================
// ACTORS
// =============================================================================

func TestAct_UnauthorizedActors(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeCasual, 2025, 3)
	req, err := f.orch.Submit(f.ctx, casual(5, 6))
	require.NoError(t, err)

	_, err = f.orch.Act(f.ctx, approve(req.ID, "asha"))
	assert.ErrorIs(t, err, generic.ErrUnauthorizedActor, "no self approval")

	_, err = f.orch.Act(f.ctx, approve(req.ID, "hr-1"))
	assert.ErrorIs(t, err, generic.ErrUnauthorizedActor, "the step is addressed to the manager")

	_, err = f.orch.Act(f.ctx, leave.ActCommand{RequestID: req.ID, ActorID: "mgr-1", Decision: "MAYBE"})
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = f.orch.Act(f.ctx, approve(req.ID, "mgr-1"))
	require.NoError(t, err)
	_, err = f.orch.Act(f.ctx, approve(req.ID, "mgr-1"))
	assert.ErrorIs(t, err, generic.ErrInvalidTransition, "a resolved request takes no more decisions")
}

func TestPendingFor_ListsActionableRequests(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha, john})
	f.grant("asha", leave.TypeCasual, 2025, 3)
	req, err := f.orch.Submit(f.ctx, casual(5, 6))
	require.NoError(t, err)

	mine, err := f.orch.PendingFor(f.ctx, "mgr-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, req.ID, mine[0].ID)

	none, err := f.orch.PendingFor(f.ctx, "hr-1")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancel_PendingReleases(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeCasual, 2025, 3)
	req, err := f.orch.Submit(f.ctx, casual(5, 6))
	require.NoError(t, err)

	_, err = f.orch.Cancel(f.ctx, leave.CancelCommand{RequestID: req.ID, ActorID: "mgr-1"})
	assert.ErrorIs(t, err, generic.ErrUnauthorizedActor, "managers decide, they do not cancel")

	req, err = f.orch.Cancel(f.ctx, leave.CancelCommand{RequestID: req.ID, ActorID: "asha"})
	require.NoError(t, err)

	assert.Equal(t, leave.StatusCancelled, req.Status)
	assert.Equal(t, leave.StatusPending, req.CancelledFrom)
	assert.Equal(t, workflow.ChainAborted, req.ApprovalChain.Status)
	assert.True(t, f.balance("asha", leave.TypeCasual, 2025).Available().Equal(dec(3)))
}

func TestCancel_ApprovedBeforeStartRestores(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeCasual, 2025, 3)
	req, err := f.orch.Submit(f.ctx, casual(5, 6))
	require.NoError(t, err)
	_, err = f.orch.Act(f.ctx, approve(req.ID, "mgr-1"))
	require.NoError(t, err)

	req, err = f.orch.Cancel(f.ctx, leave.CancelCommand{RequestID: req.ID, ActorID: "hr-1", Reason: "plans changed"})
	require.NoError(t, err)

	assert.Equal(t, leave.StatusCancelled, req.Status)
	assert.True(t, req.Settled)
	b := f.balance("asha", leave.TypeCasual, 2025)
	assert.True(t, b.Used.IsZero())
	assert.True(t, b.Available().Equal(dec(3)))
}

func TestCancel_ApprovedAfterStartRefused(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeCasual, 2025, 3)
	req, err := f.orch.Submit(f.ctx, casual(5, 6))
	require.NoError(t, err)
	_, err = f.orch.Act(f.ctx, approve(req.ID, "mgr-1"))
	require.NoError(t, err)

	f.clock.T = at(2025, time.March, 5)
	_, err = f.orch.Cancel(f.ctx, leave.CancelCommand{RequestID: req.ID, ActorID: "asha"})

	assert.ErrorIs(t, err, generic.ErrValidation)
	assert.True(t, f.balance("asha", leave.TypeCasual, 2025).Used.Equal(dec(2)))
}

// =============================================================================
// TIMERS
// =============================================================================

func TestTimers_AutoApproveThenHR(t *testing.T) {
	// GIVEN: Manager auto-approves after 48h, then HR decides
	f := newFixture(t, monday, []leave.EmployeeProfile{asha}, withWorkflows(workflow.Definition{
		WorkflowType: "manager-then-hr",
		Default:      true,
		Steps: []workflow.StepTemplate{
			{Level: 1, ApproverRole: workflow.RoleManager, AutoApproveAfterHours: 48},
			{Level: 2, ApproverRole: workflow.RoleHR},
		},
	}))
	f.grant("asha", leave.TypePrivilege, 2025, 10)
	req, err := f.orch.Submit(f.ctx, leave.SubmitCommand{
		EmployeeID: "asha", LeaveType: leave.TypePrivilege,
		StartDate: date(2025, time.March, 17), EndDate: date(2025, time.March, 18),
	})
	require.NoError(t, err)

	// WHEN: The sweep runs before the deadline
	res, err := f.orch.ProcessTimers(f.ctx, monday.Add(47*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)

	// WHEN: The manager stays silent past 48h
	res, err = f.orch.ProcessTimers(f.ctx, monday.Add(49*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	// THEN: The manager step is approved by the system and HR is up
	req, err = f.orch.Get(f.ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusPending, req.Status)
	steps := req.ApprovalChain.Steps
	require.Len(t, steps, 2)
	assert.Equal(t, workflow.StepApproved, steps[0].Status)
	assert.Equal(t, generic.SystemActor, steps[0].ActedBy)
	require.True(t, steps[1].Actionable())
	assert.True(t, steps[1].ActionableAt.Equal(monday.Add(48*time.Hour)))

	// WHEN: HR approves
	req, err = f.orch.Act(f.ctx, approve(req.ID, "hr-1"))
	require.NoError(t, err)

	// THEN: Approved and committed
	assert.Equal(t, leave.StatusApproved, req.Status)
	assert.True(t, f.balance("asha", leave.TypePrivilege, 2025).Used.Equal(dec(2)))
	auto, _ := f.store.Query(f.ctx, generic.AuditFilter{Actions: []generic.AuditAction{generic.AuditStepAutoApproved}})
	assert.Len(t, auto, 1)
}

func TestTimers_SingleLevelAutoApproves(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeCasual, 2025, 3)
	req, err := f.orch.Submit(f.ctx, casual(10, 11))
	require.NoError(t, err)

	_, err = f.orch.ProcessTimers(f.ctx, monday.Add(73*time.Hour))
	require.NoError(t, err)

	req, err = f.orch.Get(f.ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, req.Status)
	assert.True(t, req.Settled)
	assert.True(t, f.balance("asha", leave.TypeCasual, 2025).Used.Equal(dec(2)))
}

func TestTimers_EscalatesToDepartmentHead(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypePrivilege, 2025, 10)
	req, err := f.orch.Submit(f.ctx, leave.SubmitCommand{
		EmployeeID: "asha", LeaveType: leave.TypePrivilege,
		StartDate: date(2025, time.March, 17), EndDate: date(2025, time.March, 18),
	})
	require.NoError(t, err)
	require.Equal(t, "two-level", req.ApprovalChain.WorkflowType)

	_, err = f.orch.ProcessTimers(f.ctx, monday.Add(49*time.Hour))
	require.NoError(t, err)

	req, err = f.orch.Get(f.ctx, req.ID)
	require.NoError(t, err)
	steps := req.ApprovalChain.Steps
	require.Len(t, steps, 3)
	assert.Equal(t, workflow.StepEscalated, steps[0].Status)
	assert.Equal(t, workflow.RoleDepartmentHead, steps[1].ApproverRole)
	assert.True(t, steps[1].Actionable())

	_, err = f.orch.Act(f.ctx, approve(req.ID, "mgr-1"))
	assert.ErrorIs(t, err, generic.ErrUnauthorizedActor, "the manager step was taken away")

	req, err = f.orch.Act(f.ctx, approve(req.ID, "head-1"))
	require.NoError(t, err)
	assert.Equal(t, leave.StatusPending, req.Status)
	req, err = f.orch.Act(f.ctx, approve(req.ID, "hr-1"))
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, req.Status)
}

func TestTimers_RetriesUnsettledRequests(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeCasual, 2025, 3)
	req, err := f.orch.Submit(f.ctx, casual(5, 6))
	require.NoError(t, err)

	// GIVEN: An approval whose ledger side effect never ran
	stuck := req.Clone()
	stuck.Status = leave.StatusApproved
	stuck.Settled = false
	require.NoError(t, f.store.SaveRequest(f.ctx, stuck, req.Version))

	// WHEN: The timer sweep runs
	res, err := f.orch.ProcessTimers(f.ctx, monday)
	require.NoError(t, err)

	// THEN: Settlement is completed exactly once
	assert.Equal(t, 1, res.Processed)
	got, _ := f.orch.Get(f.ctx, req.ID)
	assert.True(t, got.Settled)
	assert.True(t, f.balance("asha", leave.TypeCasual, 2025).Used.Equal(dec(2)))

	again, err := f.orch.ProcessTimers(f.ctx, monday)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Processed)
	assert.True(t, f.balance("asha", leave.TypeCasual, 2025).Used.Equal(dec(2)))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestSubmit_ConcurrentRequestsNeverOverdraw(t *testing.T) {
	// GIVEN: 3 casual days and a competing 2-day request landing while
	// the first one is reserving
	racing := &racingBalances{}
	f := newFixture(t, monday, []leave.EmployeeProfile{asha}, withBalanceWrapper(func(s leave.BalanceStore) leave.BalanceStore {
		racing.BalanceStore = s
		return racing
	}))
	f.grant("asha", leave.TypeCasual, 2025, 3)

	var (
		second    leave.LeaveRequest
		secondErr error
	)
	racing.arm(func() {
		second, secondErr = f.orch.Submit(f.ctx, casual(12, 13))
	})

	// WHEN: The first request reserves
	_, firstErr := f.orch.Submit(f.ctx, casual(5, 6))

	// THEN: The competitor wins, the first sees the fresh balance and fails
	require.NoError(t, secondErr)
	assert.Equal(t, leave.StatusPending, second.Status)
	assert.ErrorIs(t, firstErr, generic.ErrInsufficientBalance)
	b := f.balance("asha", leave.TypeCasual, 2025)
	assert.True(t, b.Pending.Equal(dec(2)))
	assert.False(t, b.Available().IsNegative())
	filed, _ := f.orch.List(f.ctx, leave.RequestFilter{EmployeeID: "asha"})
	assert.Len(t, filed, 1)
}

func TestSubmit_ConcurrentOverlappingRequestsClaimDatesOnce(t *testing.T) {
	// GIVEN: Two submits for the same dates that both read no open requests
	gated := &gatedRequests{}
	gated.gate.Add(2)
	f := newFixture(t, monday, []leave.EmployeeProfile{asha}, withRequestWrapper(func(s leave.RequestStore) leave.RequestStore {
		gated.RequestStore = s
		return gated
	}))
	f.grant("asha", leave.TypeCasual, 2025, 6)

	// WHEN: They race
	var (
		wg   sync.WaitGroup
		reqs [2]leave.LeaveRequest
		errs [2]error
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reqs[i], errs[i] = f.orch.Submit(f.ctx, casual(5, 6))
		}(i)
	}
	wg.Wait()

	// THEN: Exactly one claims the dates, the other sees the overlap
	winner, loser := 0, 1
	if errs[0] != nil {
		winner, loser = 1, 0
	}
	require.NoError(t, errs[winner])
	assert.ErrorIs(t, errs[loser], generic.ErrOverlapConflict)

	filed, err := f.orch.List(f.ctx, leave.RequestFilter{EmployeeID: "asha"})
	require.NoError(t, err)
	assert.Len(t, filed, 1)
	b := f.balance("asha", leave.TypeCasual, 2025)
	assert.True(t, b.Pending.Equal(dec(2)))

	cal, err := f.orch.Calendar(f.ctx, "asha")
	require.NoError(t, err)
	require.Len(t, cal.Claims, 1)
	assert.Equal(t, reqs[winner].ID, cal.Claims[0].RequestID)

	// AND: Only one approval can ever land on those dates
	approved, err := f.orch.Act(f.ctx, approve(reqs[winner].ID, "mgr-1"))
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, approved.Status)
	b = f.balance("asha", leave.TypeCasual, 2025)
	assert.True(t, b.Used.Equal(dec(2)))
}

func TestSubmit_ClaimFreedAfterRejectAndFailedReserve(t *testing.T) {
	// GIVEN: A request on Wednesday and Thursday that the manager rejects
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeCasual, 2025, 2)
	req, err := f.orch.Submit(f.ctx, casual(5, 6))
	require.NoError(t, err)
	_, err = f.orch.Act(f.ctx, leave.ActCommand{RequestID: req.ID, ActorID: "mgr-1", Decision: workflow.DecisionReject})
	require.NoError(t, err)

	cal, err := f.orch.Calendar(f.ctx, "asha")
	require.NoError(t, err)
	assert.Empty(t, cal.Claims, "settling the rejection frees the dates")

	// WHEN: A larger request fails on balance
	_, err = f.orch.Submit(f.ctx, casual(5, 7))
	require.ErrorIs(t, err, generic.ErrInsufficientBalance)

	// THEN: Its claim is dropped and the same dates can be filed again
	cal, err = f.orch.Calendar(f.ctx, "asha")
	require.NoError(t, err)
	assert.Empty(t, cal.Claims)
	again, err := f.orch.Submit(f.ctx, casual(5, 6))
	require.NoError(t, err)
	assert.Equal(t, leave.StatusPending, again.Status)
}

func TestSubmit_StaleClaimOfClosedRequestIsPruned(t *testing.T) {
	// GIVEN: A cancelled request whose claim outlived it
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeCasual, 2025, 3)
	req, err := f.orch.Submit(f.ctx, casual(5, 6))
	require.NoError(t, err)
	_, err = f.orch.Cancel(f.ctx, leave.CancelCommand{RequestID: req.ID, ActorID: "asha"})
	require.NoError(t, err)
	cal := leave.NewLeaveCalendar("asha")
	cal.Claims = []leave.DateClaim{{RequestID: req.ID, StartDate: date(2025, time.March, 5), EndDate: date(2025, time.March, 6)}}
	current, err := f.orch.Calendar(f.ctx, "asha")
	require.NoError(t, err)
	require.NoError(t, f.store.SaveLeaveCalendar(f.ctx, cal, current.Version))

	// WHEN: The same dates are requested again
	again, err := f.orch.Submit(f.ctx, casual(5, 6))

	// THEN: The stale claim doesn't block and is replaced
	require.NoError(t, err)
	current, err = f.orch.Calendar(f.ctx, "asha")
	require.NoError(t, err)
	require.Len(t, current.Claims, 1)
	assert.Equal(t, again.ID, current.Claims[0].RequestID)
}

func TestSettle_UsesPolicySnapshotAfterCatalogReload(t *testing.T) {
	// GIVEN: A pending casual request
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeCasual, 2025, 3)
	req, err := f.orch.Submit(f.ctx, casual(5, 6))
	require.NoError(t, err)
	assert.True(t, req.CancelApprovedBeforeStart)
	assert.False(t, req.CompOffBacked)

	// AND: A reload drops casual leave from the catalog
	var kept []leave.LeavePolicy
	for _, p := range leave.AllPresets(policiesFrom) {
		if p.LeaveType != leave.TypeCasual {
			kept = append(kept, p)
		}
	}
	require.NoError(t, f.catalog.Replace(kept))
	_, err = f.catalog.Lookup(leave.TypeCasual, generic.RegionIndia, date(2025, time.March, 5))
	require.ErrorIs(t, err, generic.ErrPolicyNotFound)

	// WHEN: The manager approves
	approved, err := f.orch.Act(f.ctx, approve(req.ID, "mgr-1"))
	require.NoError(t, err)

	// THEN: Settlement runs from the request alone
	assert.True(t, approved.Settled)
	b := f.balance("asha", leave.TypeCasual, 2025)
	assert.True(t, b.Used.Equal(dec(2)))
	assert.True(t, b.Pending.IsZero())
	res, err := f.orch.ProcessTimers(f.ctx, monday.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, res.Failed())

	// AND: Cancelling before the start date still restores the days
	cancelled, err := f.orch.Cancel(f.ctx, leave.CancelCommand{RequestID: req.ID, ActorID: "asha"})
	require.NoError(t, err)
	assert.True(t, cancelled.Settled)
	b = f.balance("asha", leave.TypeCasual, 2025)
	assert.True(t, b.Used.IsZero())
	assert.True(t, b.Available().Equal(dec(3)))
}

func TestSubmit_LoadsHolidaysOncePerRequest(t *testing.T) {
	// GIVEN: A holiday source that counts its reads
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeCasual, 2025, 3)
	hs := &countingHolidays{holidays: []generic.Holiday{{Region: generic.RegionIndia, Date: date(2025, time.March, 6), Name: "Festival"}}}
	orch := leave.NewOrchestrator(leave.OrchestratorDeps{
		Requests: f.store, Directory: f.store, Catalog: f.catalog, Workflows: f.registry,
		Ledger: f.ledger, CompOff: f.compoff, Roles: f.roles, Calendar: hs,
	}, leave.Options{Audit: f.store, Events: f.events, Clock: f.clock})

	// WHEN: A 3-day range is filed
	req, err := orch.Submit(f.ctx, casual(5, 7))

	// THEN: One read, per-day lookups never hit the source
	require.NoError(t, err)
	assert.True(t, req.TotalDays.Value.Equal(dec(2)))
	assert.Equal(t, 1, hs.loads)
	assert.Zero(t, hs.lookups)

	// AND: A failed read fails the submit instead of counting no holidays
	hs.err = errors.New("calendar offline")
	_, err = orch.Submit(f.ctx, casual(10, 10))
	assert.ErrorContains(t, err, "calendar offline")
}

// =============================================================================
// COMP-OFF REQUESTS
// =============================================================================

func TestSubmit_CompOffDrawsOnGrants(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	for _, d := range []int{1, 2} {
		_, err := f.compoff.RecordWorkLog(f.ctx, leave.WorkLog{EmployeeID: "asha", WorkDate: date(2025, time.March, d), Hours: 8, WorkType: leave.WorkWeekend})
		require.NoError(t, err)
	}

	req, err := f.orch.Submit(f.ctx, leave.SubmitCommand{
		EmployeeID: "asha", LeaveType: leave.TypeCompOff,
		StartDate: date(2025, time.March, 5), EndDate: date(2025, time.March, 5),
	})
	require.NoError(t, err)
	avail, _ := f.compoff.Available(f.ctx, "asha", date(2025, time.March, 5))
	assert.True(t, avail.Equal(dec(1)), "the hold is taken at submit")

	req, err = f.orch.Act(f.ctx, approve(req.ID, "mgr-1"))
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, req.Status)

	acct, err := f.compoff.Account(f.ctx, "asha")
	require.NoError(t, err)
	assert.Equal(t, leave.HoldConsumed, acct.Holds[req.ID].State)

	views, err := f.orch.Balances(f.ctx, "asha", 2025)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, leave.TypeCompOff, views[0].LeaveType)
	assert.True(t, views[0].Available.Equal(dec(1)))

	// cancelling before the start date gives the day back
	_, err = f.orch.Cancel(f.ctx, leave.CancelCommand{RequestID: req.ID, ActorID: "asha"})
	require.NoError(t, err)
	avail, _ = f.compoff.Available(f.ctx, "asha", date(2025, time.March, 5))
	assert.True(t, avail.Equal(dec(2)))
}

// =============================================================================
// AUDIT
// =============================================================================

func TestAudit_RequestTrail(t *testing.T) {
	f := newFixture(t, monday, []leave.EmployeeProfile{asha})
	f.grant("asha", leave.TypeCasual, 2025, 3)
	req, err := f.orch.Submit(f.ctx, casual(5, 6))
	require.NoError(t, err)
	_, err = f.orch.Act(f.ctx, approve(req.ID, "mgr-1"))
	require.NoError(t, err)

	id := req.ID
	entries, err := f.store.Query(f.ctx, generic.AuditFilter{RequestID: &id})
	require.NoError(t, err)

	var actions []generic.AuditAction
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, generic.AuditRequestSubmitted)
	assert.Contains(t, actions, generic.AuditStepDecided)
	assert.Contains(t, actions, generic.AuditRequestApproved)
}

// countingHolidays is a HolidaySource that records how it is read.
type countingHolidays struct {
	holidays []generic.Holiday
	err      error
	loads    int
	lookups  int
}

func (c *countingHolidays) IsHoliday(region generic.Region, date generic.TimePoint) bool {
	c.lookups++
	return (&generic.StaticHolidayCalendar{Holidays: c.holidays}).IsHoliday(region, date)
}

func (c *countingHolidays) GetHolidays(region generic.Region, year int) []generic.Holiday {
	return (&generic.StaticHolidayCalendar{Holidays: c.holidays}).GetHolidays(region, year)
}

func (c *countingHolidays) GetAllHolidays(_ context.Context, _ generic.Region) ([]generic.Holiday, error) {
	c.loads++
	return c.holidays, c.err
}
