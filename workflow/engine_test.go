package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/workflow"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

func hours(n int) time.Time { return t0.Add(time.Duration(n) * time.Hour) }

func step(level int, role workflow.Role) workflow.StepTemplate {
	return workflow.StepTemplate{Level: level, ApproverRole: role, Mode: workflow.ModeSequential}
}

func parallel(level int, role workflow.Role, optional bool) workflow.StepTemplate {
	return workflow.StepTemplate{Level: level, ApproverRole: role, Mode: workflow.ModeParallel, Optional: optional}
}

func statuses(c workflow.Chain) []workflow.StepStatus {
	out := make([]workflow.StepStatus, len(c.Steps))
	for i, s := range c.Steps {
		out[i] = s.Status
	}
	return out
}

// =============================================================================
// SEQUENTIAL CHAINS & TIMERS
// =============================================================================

func TestSequential_Level1AutoApprovesAfter48h_Level2StaysPending(t *testing.T) {
	// GIVEN: Manager (auto-approve 48h) then HR admin
	l1 := step(1, workflow.RoleManager)
	l1.AutoApproveAfterHours = 48
	def := workflow.Definition{WorkflowType: "two-level", Steps: []workflow.StepTemplate{l1, step(2, workflow.RoleHRAdmin)}}

	out, err := workflow.Instantiate(def, t0)
	require.NoError(t, err)
	require.Len(t, out.Activated, 1)
	assert.Equal(t, workflow.RoleManager, out.Activated[0].ApproverRole)

	// WHEN: 47 hours pass, nothing is due
	assert.Empty(t, workflow.DueTransitions(out.Chain, hours(47)))

	// WHEN: 48 hours pass, the sweep fires the auto-approval
	swept, fired := workflow.ApplyDue(out.Chain, hours(48))
	require.Len(t, fired, 1)
	assert.Equal(t, workflow.TransitionAutoApprove, fired[0].Kind)

	// THEN: level 2 is actionable and the request is still in progress
	assert.Equal(t, workflow.ChainInProgress, swept.Chain.Status)
	assert.False(t, swept.Resolved)
	assert.Equal(t, []workflow.StepStatus{workflow.StepApproved, workflow.StepPending}, statuses(swept.Chain))
	assert.Equal(t, generic.SystemActor, swept.Chain.Steps[0].ActedBy)
	actionable := swept.Chain.ActionableSteps()
	require.Len(t, actionable, 1)
	assert.Equal(t, workflow.RoleHRAdmin, actionable[0].ApproverRole)

	// AND: much later, level 2 has no timer so it still waits
	later, fired := workflow.ApplyDue(swept.Chain, hours(500))
	assert.Empty(t, fired)
	assert.Equal(t, workflow.ChainInProgress, later.Chain.Status)

	// WHEN: HR admin approves
	final, err := workflow.Decide(swept.Chain, actionable[0].ID, workflow.DecisionApprove, "hr-1", "ok", hours(50))
	require.NoError(t, err)
	assert.True(t, final.Resolved)
	assert.Equal(t, workflow.ChainApproved, final.Chain.Status)
}

func TestApplyDue_CascadesTimersFromDeadlines(t *testing.T) {
	// GIVEN: two auto-approving levels of 24h each
	l1 := step(1, workflow.RoleManager)
	l1.AutoApproveAfterHours = 24
	l2 := step(2, workflow.RoleDepartmentHead)
	l2.AutoApproveAfterHours = 24
	out, err := workflow.Instantiate(workflow.Definition{WorkflowType: "auto", Steps: []workflow.StepTemplate{l1, l2}}, t0)
	require.NoError(t, err)

	// WHEN: a sweep runs 60 hours later
	swept, fired := workflow.ApplyDue(out.Chain, hours(60))

	// THEN: both timers fired, level 2 at t0+48h
	require.Len(t, fired, 2)
	assert.Equal(t, hours(48), fired[1].DueAt)
	assert.Equal(t, workflow.ChainApproved, swept.Chain.Status)
	assert.True(t, swept.Resolved)
}

func TestDecide_NonActionableStepRejected(t *testing.T) {
	def := workflow.Definition{WorkflowType: "two", Steps: []workflow.StepTemplate{step(1, workflow.RoleManager), step(2, workflow.RoleHRAdmin)}}
	out, err := workflow.Instantiate(def, t0)
	require.NoError(t, err)

	// Level 2 is not actionable yet
	_, err = workflow.Decide(out.Chain, out.Chain.Steps[1].ID, workflow.DecisionApprove, "hr", "", t0)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)

	_, err = workflow.Decide(out.Chain, "missing", workflow.DecisionApprove, "hr", "", t0)
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestDecide_RejectionSkipsRemainingSteps(t *testing.T) {
	def := workflow.Definition{WorkflowType: "three", Steps: []workflow.StepTemplate{
		step(1, workflow.RoleManager), step(2, workflow.RoleDepartmentHead), step(3, workflow.RoleHRAdmin),
	}}
	out, err := workflow.Instantiate(def, t0)
	require.NoError(t, err)

	rejected, err := workflow.Decide(out.Chain, out.Chain.Steps[0].ID, workflow.DecisionReject, "mgr", "no cover", hours(1))
	require.NoError(t, err)

	assert.True(t, rejected.Resolved)
	assert.Equal(t, workflow.ChainRejected, rejected.Chain.Status)
	for _, s := range rejected.Chain.Steps[1:] {
		assert.Equal(t, workflow.StepSkipped, s.Status)
		assert.Equal(t, workflow.ReasonUpstreamRejection, s.Reason)
	}

	// A terminal chain accepts no more decisions
	_, err = workflow.Decide(rejected.Chain, rejected.Chain.Steps[1].ID, workflow.DecisionApprove, "x", "", hours(2))
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
}

// =============================================================================
// PARALLEL TIERS
// =============================================================================

func TestParallel_TierResolvesWhenRequiredMembersApprove(t *testing.T) {
	// GIVEN: level 1 = manager + optional HR in parallel, level 2 = HR admin
	def := workflow.Definition{WorkflowType: "parallel", Steps: []workflow.StepTemplate{
		parallel(1, workflow.RoleManager, false),
		parallel(1, workflow.RoleHR, true),
		step(2, workflow.RoleHRAdmin),
	}}
	out, err := workflow.Instantiate(def, t0)
	require.NoError(t, err)
	assert.Len(t, out.Activated, 2)

	// WHEN: the manager approves
	next, err := workflow.Decide(out.Chain, out.Chain.Steps[0].ID, workflow.DecisionApprove, "mgr", "", hours(1))
	require.NoError(t, err)

	// THEN: the optional member is skipped and level 2 activates
	assert.Equal(t, []workflow.StepStatus{workflow.StepApproved, workflow.StepSkipped, workflow.StepPending}, statuses(next.Chain))
	assert.Equal(t, workflow.ReasonTierResolved, next.Chain.Steps[1].Reason)
	require.Len(t, next.Activated, 1)
	assert.Equal(t, workflow.RoleHRAdmin, next.Activated[0].ApproverRole)
}

func TestParallel_AnyRequiredRejectionRejectsRequest(t *testing.T) {
	def := workflow.Definition{WorkflowType: "parallel", Steps: []workflow.StepTemplate{
		parallel(1, workflow.RoleManager, false),
		parallel(1, workflow.RoleDepartmentHead, false),
	}}
	out, err := workflow.Instantiate(def, t0)
	require.NoError(t, err)

	approved, err := workflow.Decide(out.Chain, out.Chain.Steps[0].ID, workflow.DecisionApprove, "mgr", "", hours(1))
	require.NoError(t, err)
	assert.Equal(t, workflow.ChainInProgress, approved.Chain.Status)

	rejected, err := workflow.Decide(approved.Chain, approved.Chain.Steps[1].ID, workflow.DecisionReject, "head", "", hours(2))
	require.NoError(t, err)
	assert.Equal(t, workflow.ChainRejected, rejected.Chain.Status)
}

func TestParallel_OptionalRejectionDoesNotBlock(t *testing.T) {
	def := workflow.Definition{WorkflowType: "parallel", Steps: []workflow.StepTemplate{
		parallel(1, workflow.RoleManager, false),
		parallel(1, workflow.RoleHR, true),
	}}
	out, err := workflow.Instantiate(def, t0)
	require.NoError(t, err)

	next, err := workflow.Decide(out.Chain, out.Chain.Steps[1].ID, workflow.DecisionReject, "hr", "fyi", hours(1))
	require.NoError(t, err)
	assert.Equal(t, workflow.ChainInProgress, next.Chain.Status)

	done, err := workflow.Decide(next.Chain, next.Chain.Steps[0].ID, workflow.DecisionApprove, "mgr", "", hours(2))
	require.NoError(t, err)
	assert.Equal(t, workflow.ChainApproved, done.Chain.Status)
}

// =============================================================================
// ESCALATION
// =============================================================================

func TestEscalation_InsertsStepForTargetRoleAtSamePosition(t *testing.T) {
	// GIVEN: manager escalates to department head after 24h; the department
	// head's own step auto-approves after 24h
	l1 := step(1, workflow.RoleManager)
	l1.EscalateAfterHours = 24
	l1.EscalateToRole = workflow.RoleDepartmentHead
	l2 := step(2, workflow.RoleDepartmentHead)
	l2.AutoApproveAfterHours = 24
	out, err := workflow.Instantiate(workflow.Definition{WorkflowType: "esc", Steps: []workflow.StepTemplate{l1, l2}}, t0)
	require.NoError(t, err)

	// WHEN: 24 hours pass
	swept, fired := workflow.ApplyDue(out.Chain, hours(24))
	require.Len(t, fired, 1)
	assert.Equal(t, workflow.TransitionEscalate, fired[0].Kind)

	// THEN: the manager step is ESCALATED and the replacement sits right after it
	require.Len(t, swept.Chain.Steps, 3)
	assert.Equal(t, workflow.StepEscalated, swept.Chain.Steps[0].Status)
	repl := swept.Chain.Steps[1]
	assert.Equal(t, workflow.RoleDepartmentHead, repl.ApproverRole)
	assert.Equal(t, 1, repl.Level)
	assert.Equal(t, swept.Chain.Steps[0].ID, repl.EscalatedFrom)
	assert.True(t, repl.Actionable())
	require.NotNil(t, repl.AutoApproveDeadline)
	assert.Equal(t, hours(48), *repl.AutoApproveDeadline)
	require.Len(t, swept.Activated, 1)

	// WHEN: the replacement's timer elapses
	again, _ := workflow.ApplyDue(swept.Chain, hours(48))

	// THEN: level 2 activates with its own timer from t0+48h
	assert.Equal(t, workflow.StepApproved, again.Chain.Steps[1].Status)
	assert.True(t, again.Chain.Steps[2].Actionable())
	assert.Equal(t, hours(72), *again.Chain.Steps[2].AutoApproveDeadline)
}

// =============================================================================
// TERMINATION
// =============================================================================

func TestChain_TerminatesWithinNDecisions(t *testing.T) {
	roles := []workflow.Role{workflow.RoleManager, workflow.RoleDepartmentHead, workflow.RoleHR, workflow.RoleHRAdmin}
	for n := 1; n <= len(roles); n++ {
		def := workflow.Linear("linear", roles[:n]...)
		out, err := workflow.Instantiate(def, t0)
		require.NoError(t, err)

		chain := out.Chain
		decisions := 0
		for !chain.Terminal() {
			actionable := chain.ActionableSteps()
			require.NotEmpty(t, actionable)
			next, err := workflow.Decide(chain, actionable[0].ID, workflow.DecisionApprove, "actor", "", hours(decisions))
			require.NoError(t, err)
			chain = next.Chain
			decisions++
			require.LessOrEqual(t, decisions, n)
		}
		assert.Equal(t, workflow.ChainApproved, chain.Status)
	}
}

func TestAbort_SkipsPendingSteps(t *testing.T) {
	out, err := workflow.Instantiate(workflow.Linear("two", workflow.RoleManager, workflow.RoleHRAdmin), t0)
	require.NoError(t, err)

	aborted, err := workflow.Abort(out.Chain, hours(1))
	require.NoError(t, err)
	assert.Equal(t, workflow.ChainAborted, aborted.Chain.Status)
	assert.Equal(t, []workflow.StepStatus{workflow.StepSkipped, workflow.StepSkipped}, statuses(aborted.Chain))

	_, err = workflow.Abort(aborted.Chain, hours(2))
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
}

// =============================================================================
// DEFINITION VALIDATION
// =============================================================================

func TestDefinition_ValidationRejectsUnsafeDefinitions(t *testing.T) {
	both := step(1, workflow.RoleManager)
	both.AutoApproveAfterHours = 24
	both.EscalateAfterHours = 24
	both.EscalateToRole = workflow.RoleHR

	noTarget := step(1, workflow.RoleManager)
	noTarget.EscalateAfterHours = 24

	backRef := step(2, workflow.RoleDepartmentHead)
	backRef.EscalateAfterHours = 24
	backRef.EscalateToRole = workflow.RoleManager

	cycleA := parallel(1, workflow.RoleManager, false)
	cycleA.EscalateAfterHours = 24
	cycleA.EscalateToRole = workflow.RoleHR
	cycleB := parallel(1, workflow.RoleHR, false)
	cycleB.EscalateAfterHours = 24
	cycleB.EscalateToRole = workflow.RoleManager

	tests := []struct {
		name  string
		steps []workflow.StepTemplate
		cond  *workflow.Predicate
	}{
		{"no steps", nil, nil},
		{"both timers", []workflow.StepTemplate{both}, nil},
		{"escalation without target", []workflow.StepTemplate{noTarget}, nil},
		{"mixed modes in level", []workflow.StepTemplate{step(1, workflow.RoleManager), parallel(1, workflow.RoleHR, false)}, nil},
		{"two sequential steps in one level", []workflow.StepTemplate{step(1, workflow.RoleManager), step(1, workflow.RoleHR)}, nil},
		{"escalation back to earlier level", []workflow.StepTemplate{step(1, workflow.RoleManager), backRef}, nil},
		{"escalation cycle", []workflow.StepTemplate{cycleA, cycleB}, nil},
		{"unknown predicate operator", []workflow.StepTemplate{step(1, workflow.RoleManager)}, &workflow.Predicate{Op: "xor"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := workflow.Definition{WorkflowType: "bad", Steps: tt.steps, Condition: tt.cond}
			_, err := def.Normalized()
			assert.Error(t, err)
		})
	}
}

func TestDefinition_ValidateRejectsDescendingLevels(t *testing.T) {
	def := workflow.Definition{WorkflowType: "desc", Steps: []workflow.StepTemplate{step(2, workflow.RoleHR), step(1, workflow.RoleManager)}}
	assert.Error(t, def.Validate())

	// Normalized orders steps by level first
	norm, err := def.Normalized()
	require.NoError(t, err)
	assert.Equal(t, workflow.RoleManager, norm.Steps[0].ApproverRole)
}

func TestChain_IsSnapshotOfDefinition(t *testing.T) {
	def := workflow.Linear("snap", workflow.RoleManager)
	out, err := workflow.Instantiate(def, t0)
	require.NoError(t, err)

	def.Steps[0].ApproverRole = workflow.RoleHRAdmin
	assert.Equal(t, workflow.RoleManager, out.Chain.Steps[0].ApproverRole)
	assert.Equal(t, workflow.RoleManager, out.Chain.Templates.Steps[0].ApproverRole)
}

// =============================================================================
// PREDICATES & REGISTRY
// =============================================================================

func TestPredicate_Matches(t *testing.T) {
	facts := workflow.Facts{"region": "IN", "totalDays": decimal.NewFromFloat(7.5), "isHalfDay": false, "designation": "VP"}
	tests := []struct {
		name string
		p    *workflow.Predicate
		want bool
	}{
		{"nil matches", nil, true},
		{"eq string", &workflow.Predicate{Op: workflow.OpEq, Field: "region", Value: "IN"}, true},
		{"gt decimal vs int", &workflow.Predicate{Op: workflow.OpGt, Field: "totalDays", Value: 5}, true},
		{"lte decimal vs float", &workflow.Predicate{Op: workflow.OpLte, Field: "totalDays", Value: 7.0}, false},
		{"in list", &workflow.Predicate{Op: workflow.OpIn, Field: "designation", Value: []any{"VP", "SVP"}}, true},
		{"eq bool", &workflow.Predicate{Op: workflow.OpEq, Field: "isHalfDay", Value: false}, true},
		{"missing field", &workflow.Predicate{Op: workflow.OpEq, Field: "gender", Value: "F"}, false},
		{"not", &workflow.Predicate{Op: workflow.OpNot, Args: []*workflow.Predicate{{Op: workflow.OpEq, Field: "region", Value: "US"}}}, true},
		{"and/or", &workflow.Predicate{Op: workflow.OpAnd, Args: []*workflow.Predicate{
			{Op: workflow.OpEq, Field: "region", Value: "IN"},
			{Op: workflow.OpOr, Args: []*workflow.Predicate{
				{Op: workflow.OpGte, Field: "totalDays", Value: 10},
				{Op: workflow.OpEq, Field: "designation", Value: "VP"},
			}},
		}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.p.Validate())
			assert.Equal(t, tt.want, tt.p.Matches(facts))
		})
	}
}

func TestRegistry_SelectsHighestPriorityMatchThenDefault(t *testing.T) {
	long := workflow.Linear("long-leave", workflow.RoleManager, workflow.RoleHRAdmin)
	long.Default = false
	long.Priority = 10
	long.Condition = &workflow.Predicate{Op: workflow.OpGt, Field: "totalDays", Value: 5}

	india := workflow.Linear("india", workflow.RoleManager)
	india.Default = false
	india.Priority = 5
	india.Condition = &workflow.Predicate{Op: workflow.OpEq, Field: "region", Value: "IN"}

	standard := workflow.Linear("standard", workflow.RoleManager)

	reg := workflow.NewRegistry(workflow.StaticSource{india, standard, long})
	require.NoError(t, reg.Reload(context.Background()))

	sel := func(f workflow.Facts) string {
		d, err := reg.Select(f)
		require.NoError(t, err)
		return d.WorkflowType
	}
	assert.Equal(t, "long-leave", sel(workflow.Facts{"region": "IN", "totalDays": 7}))
	assert.Equal(t, "india", sel(workflow.Facts{"region": "IN", "totalDays": 2}))
	assert.Equal(t, "standard", sel(workflow.Facts{"region": "US", "totalDays": 1}))

	// An invalid reload keeps the previous set
	bad := workflow.Definition{WorkflowType: "broken"}
	assert.Error(t, reg.Replace([]workflow.Definition{bad}))
	assert.Len(t, reg.Definitions(), 3)
}

func TestRegistry_NoMatchNoDefault(t *testing.T) {
	only := workflow.Linear("only", workflow.RoleManager)
	only.Default = false
	only.Condition = &workflow.Predicate{Op: workflow.OpEq, Field: "region", Value: "IN"}
	reg := workflow.NewRegistry(nil)
	require.NoError(t, reg.Replace([]workflow.Definition{only}))

	_, err := reg.Select(workflow.Facts{"region": "US"})
	assert.ErrorIs(t, err, generic.ErrNotFound)
}
