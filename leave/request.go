/*
request.go - LeaveRequestOrchestrator: submit, act, cancel, timers

PURPOSE:
  The orchestrator is the entry point for leave requests. It checks the
  hard rules in a fixed order, reserves the days, snapshots an approval
  chain, and settles the balance exactly once when the request resolves.

SUBMIT ORDER (fails fast on the first hard rule):
  1. shape      dates, half-day session, no year boundary, working days > 0
  2. eligibility  EligibilityEvaluator (gender, marital status, tenure, probation)
  3. overlap    OverlapValidator; HR_ADMIN may override with a warning
  4. limits     advance notice, max consecutive days, one-per-year
  5. claim      overlap re-checked against the LeaveCalendar and the dates
                claimed in one versioned write
  6. reserve    BalanceLedger.Reserve or CompOffLedger.Hold
  7. workflow   Registry.Select + workflow.Instantiate, request saved PENDING
  Soft findings (documentation needed, overridden overlap) become Warnings.

  Step 3 reads the request store and can race another submit; step 5 is
  the serialization point, so of two concurrent submits for the same dates
  only one claims them.

SETTLEMENT:
  A terminal request is saved first with Settled=false, then the ledger
  side effect runs, then Settled=true is saved:

    APPROVED             -> Commit       (comp-off: ConsumeHold)
    REJECTED             -> Release      (comp-off: ReleaseHold)
    CANCELLED from PENDING  -> Release
    CANCELLED from APPROVED -> Restore   (comp-off: RestoreConsumed)

  Every ledger step is idempotent by request ID, so ProcessTimers retries
  unsettled requests after a crash without double counting. Rejected and
  cancelled requests also free their calendar claim.

  Settlement reads only the request: whether it is comp-off backed and
  whether an approved request may be cancelled are copied from the policy
  at submit, so a catalog reload never strands a terminal request.

TIMERS:
  ProcessTimers(now) runs workflow.ApplyDue on every PENDING request.
  Auto-approvals and escalations go through the same save-then-settle path
  as human decisions.

SEE ALSO:
  - workflow/engine.go: Chain state machine
  - ledger.go: Reserve/Commit/Release/Restore
  - compoff.go: Hold/ConsumeHold/ReleaseHold
*/
package leave

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/workflow"
)

// =============================================================================
// COMMANDS
// =============================================================================

// SubmitCommand asks for leave. RequestID is optional; when set, a repeated
// submit with the same ID returns the existing request.
type SubmitCommand struct {
	RequestID      generic.RequestID     `json:"requestId,omitempty"`
	EmployeeID     generic.EmployeeID    `json:"employeeId"`
	LeaveType      generic.LeaveTypeCode `json:"leaveType"`
	StartDate      generic.TimePoint     `json:"startDate"`
	EndDate        generic.TimePoint     `json:"endDate"`
	IsHalfDay      bool                  `json:"isHalfDay,omitempty"`
	HalfDaySession HalfDaySession        `json:"halfDaySession,omitempty"`
	Reason         string                `json:"reason,omitempty"`
	// ActorID submits on the employee's behalf; empty means the employee.
	ActorID string `json:"actorId,omitempty"`
}

type ActCommand struct {
	RequestID generic.RequestID `json:"requestId"`
	// StepID is optional; empty picks the first actionable step the actor may decide.
	StepID   string            `json:"stepId,omitempty"`
	ActorID  string            `json:"actorId"`
	Decision workflow.Decision `json:"decision"`
	Comment  string            `json:"comment,omitempty"`
}

type CancelCommand struct {
	RequestID generic.RequestID `json:"requestId"`
	ActorID   string            `json:"actorId"`
	Reason    string            `json:"reason,omitempty"`
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// OrchestratorDeps are the collaborators of the Orchestrator.
type OrchestratorDeps struct {
	Requests    RequestStore
	Directory   EmployeeDirectory
	Catalog     *Catalog
	Workflows   *workflow.Registry
	Ledger      *BalanceLedger
	CompOff     *CompOffLedger
	Eligibility *EligibilityEvaluator
	Roles       RoleResolver
	Calendar    generic.HolidayCalendar
	// LeaveCalendars holds date claims; defaults to Requests when it
	// implements LeaveCalendarStore.
	LeaveCalendars LeaveCalendarStore
	MaxRetries     int
	Workers        int
}

type Orchestrator struct {
	deps    OrchestratorDeps
	overlap OverlapValidator
	opts    Options
}

func NewOrchestrator(deps OrchestratorDeps, opts Options) *Orchestrator {
	if deps.Eligibility == nil {
		deps.Eligibility = NewEligibilityEvaluator()
	}
	if deps.Calendar == nil {
		deps.Calendar = &generic.DefaultHolidayCalendar{}
	}
	if deps.Roles == nil {
		deps.Roles = NewStaticRoleResolver(nil)
	}
	if deps.LeaveCalendars == nil {
		if cals, ok := deps.Requests.(LeaveCalendarStore); ok {
			deps.LeaveCalendars = cals
		}
	}
	if deps.MaxRetries <= 0 {
		deps.MaxRetries = DefaultMaxRetries
	}
	if deps.Workers <= 0 {
		deps.Workers = DefaultJobWorkers
	}
	return &Orchestrator{deps: deps, opts: opts.withDefaults()}
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit validates and files a leave request.
func (o *Orchestrator) Submit(ctx context.Context, cmd SubmitCommand) (LeaveRequest, error) {
	if cmd.RequestID != "" {
		existing, err := o.deps.Requests.LoadRequest(ctx, cmd.RequestID)
		if err == nil {
			if existing.EmployeeID != cmd.EmployeeID {
				return LeaveRequest{}, generic.NewValidationError(fmt.Sprintf("request id %s is already used", cmd.RequestID))
			}
			return existing, nil
		}
		if !errors.Is(err, generic.ErrNotFound) {
			return LeaveRequest{}, fmt.Errorf("load request %s: %w", cmd.RequestID, err)
		}
	}
	if err := validateShape(cmd); err != nil {
		return LeaveRequest{}, err
	}

	emp, err := o.deps.Directory.GetEmployee(ctx, cmd.EmployeeID)
	if err != nil {
		return LeaveRequest{}, fmt.Errorf("load employee %s: %w", cmd.EmployeeID, err)
	}
	pol, err := o.deps.Catalog.Lookup(cmd.LeaveType, emp.Region, cmd.StartDate)
	if err != nil {
		return LeaveRequest{}, err
	}
	actor := cmd.ActorID
	if actor == "" {
		actor = string(emp.ID)
	}
	actorRoles, err := o.deps.Roles.RolesFor(ctx, actor, emp)
	if err != nil {
		return LeaveRequest{}, fmt.Errorf("resolve roles of %s: %w", actor, err)
	}
	if actor != string(emp.ID) && !hasRole(actorRoles, workflow.RoleHR, workflow.RoleHRAdmin) {
		return LeaveRequest{}, &generic.UnauthorizedActorError{ActorID: actor, Reason: "only HR may submit on behalf of an employee"}
	}

	days, err := o.countDays(ctx, cmd, pol, emp.Region)
	if err != nil {
		return LeaveRequest{}, err
	}
	today := o.opts.today()
	now := o.opts.Clock.Now()

	// eligibility
	elig := o.deps.Eligibility.Evaluate(EligibilityInput{Employee: emp, Policy: pol, AsOf: today, StartDate: cmd.StartDate, Days: days})
	if !elig.Eligible {
		return LeaveRequest{}, &generic.EligibilityError{EmployeeID: emp.ID, LeaveType: pol.LeaveType, Reasons: elig.Reasons}
	}
	warnings := append([]string(nil), elig.Warnings...)

	req := LeaveRequest{
		ID:             cmd.RequestID,
		EmployeeID:     emp.ID,
		LeaveType:      pol.LeaveType,
		Region:         emp.Region,
		PolicyVersion:  pol.Version,
		StartDate:      cmd.StartDate,
		EndDate:        cmd.EndDate,
		IsHalfDay:      cmd.IsHalfDay,
		HalfDaySession: cmd.HalfDaySession,
		TotalDays:      days,
		Reason:         cmd.Reason,
		Status:         StatusPending,
		SubmittedAt:    now,
		UpdatedAt:      now,

		CompOffBacked:             pol.CompOffBacked,
		CancelApprovedBeforeStart: pol.CancelApprovedBeforeStart,
	}
	if req.ID == "" {
		req.ID = generic.RequestID(o.opts.NewID())
	}

	// overlap
	period := req.Period()
	open, err := o.deps.Requests.ListRequests(ctx, RequestFilter{
		EmployeeID:  emp.ID,
		Statuses:    []RequestStatus{StatusPending, StatusApproved},
		Overlapping: &period,
	})
	if err != nil {
		return LeaveRequest{}, fmt.Errorf("list requests of %s: %w", emp.ID, err)
	}
	conflicts := o.overlap.Check(req, open)
	overlapRole := workflow.Role("")
	if hasRole(actorRoles, workflow.RoleHRAdmin) {
		overlapRole = workflow.RoleHRAdmin
	}
	decision, err := o.overlap.Decide(conflicts, overlapRole)
	if err != nil {
		return LeaveRequest{}, err
	}

	// limits
	if err := o.checkLimits(ctx, req, pol, today); err != nil {
		return LeaveRequest{}, err
	}

	// workflow selection happens before reserving so a missing definition
	// never leaves days pending
	def, err := o.selectWorkflow(req, pol, emp)
	if err != nil {
		return LeaveRequest{}, err
	}
	started, err := workflow.Instantiate(def, now)
	if err != nil {
		return LeaveRequest{}, fmt.Errorf("instantiate workflow %s: %w", def.WorkflowType, err)
	}

	// claim
	claimed, late, err := o.claimDates(ctx, req, overlapRole)
	if err != nil {
		return LeaveRequest{}, err
	}
	if !decision.Overridden {
		decision, conflicts = claimed, late
	}
	if decision.Overridden {
		warnings = append(warnings, decision.Warning)
		o.opts.audit(ctx, generic.AuditEntry{
			ActorID:    actor,
			Action:     generic.AuditOverlapOverride,
			EmployeeID: emp.ID,
			LeaveType:  pol.LeaveType,
			RequestID:  req.ID,
			Payload:    map[string]any{"conflicts": requestIDStrings(conflicts)},
		})
	}

	// reserve
	if err := o.reserve(ctx, req, pol); err != nil {
		o.abandonClaim(ctx, req)
		return LeaveRequest{}, err
	}

	req.ApprovalChain = started.Chain
	req.Warnings = warnings
	req.Version = 1
	if err := o.deps.Requests.SaveRequest(ctx, req, 0); err != nil {
		if errors.Is(err, generic.ErrVersionMismatch) {
			// a concurrent submit with the same request ID won; its reservation is ours
			return o.deps.Requests.LoadRequest(ctx, req.ID)
		}
		if rerr := o.unreserve(ctx, req); rerr != nil {
			o.opts.Logger.Error("release after failed submit",
				zap.String("request_id", string(req.ID)),
				zap.Error(rerr))
		}
		o.abandonClaim(ctx, req)
		return LeaveRequest{}, fmt.Errorf("save request %s: %w", req.ID, err)
	}

	o.opts.audit(ctx, generic.AuditEntry{
		ActorID:    actor,
		Action:     generic.AuditRequestSubmitted,
		EmployeeID: emp.ID,
		LeaveType:  pol.LeaveType,
		RequestID:  req.ID,
		Delta:      req.TotalDays.Neg(),
		Payload:    map[string]any{"workflow": def.WorkflowType, "warnings": warnings},
	})
	o.publishRequest(ctx, generic.EventRequestSubmitted, req, actor)
	o.publishActivated(ctx, req, started.Activated)
	o.opts.Logger.Info("leave request submitted",
		zap.String("request_id", string(req.ID)),
		zap.String("employee_id", string(emp.ID)),
		zap.String("leave_type", string(pol.LeaveType)),
		zap.String("days", req.TotalDays.Value.String()),
		zap.String("workflow", def.WorkflowType))
	return req, nil
}

func validateShape(cmd SubmitCommand) error {
	var reasons []string
	if cmd.EmployeeID == "" {
		reasons = append(reasons, "employee id is required")
	}
	if cmd.LeaveType == "" {
		reasons = append(reasons, "leave type is required")
	}
	if cmd.StartDate.IsZero() || cmd.EndDate.IsZero() {
		reasons = append(reasons, "start and end dates are required")
	} else {
		if err := (generic.Period{Start: cmd.StartDate, End: cmd.EndDate}).Validate(); err != nil {
			reasons = append(reasons, err.Error())
		}
		if cmd.StartDate.Year() != cmd.EndDate.Year() {
			reasons = append(reasons, "a request must not span two leave years")
		}
	}
	if cmd.IsHalfDay {
		if !cmd.StartDate.Equal(cmd.EndDate) {
			reasons = append(reasons, "a half-day request covers a single date")
		}
		if cmd.HalfDaySession != FirstHalf && cmd.HalfDaySession != SecondHalf {
			reasons = append(reasons, "half-day session must be FIRST_HALF or SECOND_HALF")
		}
	} else if cmd.HalfDaySession != "" {
		reasons = append(reasons, "half-day session given for a full-day request")
	}
	if len(reasons) > 0 {
		return generic.NewValidationError(reasons...)
	}
	return nil
}

// abandonClaim frees the dates of a submit that failed after claiming them.
func (o *Orchestrator) abandonClaim(ctx context.Context, req LeaveRequest) {
	if err := o.releaseDates(ctx, req.EmployeeID, req.ID); err != nil {
		o.opts.Logger.Error("release claim after failed submit",
			zap.String("request_id", string(req.ID)),
			zap.Error(err))
	}
}

// countDays charges working days only: weekends and region holidays are free.
func (o *Orchestrator) countDays(ctx context.Context, cmd SubmitCommand, pol LeavePolicy, region generic.Region) (generic.Amount, error) {
	cal, err := o.holidays(ctx, region)
	if err != nil {
		return generic.Amount{}, err
	}
	if cmd.IsHalfDay {
		if !pol.HalfDayAllowed {
			return generic.Amount{}, generic.NewValidationError(fmt.Sprintf("%s does not allow half days", pol.LeaveType))
		}
		if !cmd.StartDate.IsWorkdayWithHolidays(cal, region) {
			return generic.Amount{}, generic.NewValidationError(fmt.Sprintf("%s is not a working day", cmd.StartDate))
		}
		return generic.Days(0.5), nil
	}
	n := len(generic.Period{Start: cmd.StartDate, End: cmd.EndDate}.WorkingDays(cal, region))
	if n == 0 {
		return generic.Amount{}, generic.NewValidationError("the requested range contains no working days")
	}
	return generic.NewAmount(float64(n), generic.UnitDays), nil
}

// holidays snapshots the region calendar in one read when the configured
// calendar supports it.
func (o *Orchestrator) holidays(ctx context.Context, region generic.Region) (generic.HolidayCalendar, error) {
	src, ok := o.deps.Calendar.(HolidaySource)
	if !ok {
		return o.deps.Calendar, nil
	}
	hs, err := src.GetAllHolidays(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("load holidays of %s: %w", region, err)
	}
	return &generic.StaticHolidayCalendar{Holidays: hs}, nil
}

func (o *Orchestrator) checkLimits(ctx context.Context, req LeaveRequest, pol LeavePolicy, today generic.TimePoint) error {
	if pol.AdvanceNoticeDays > 0 {
		if notice := generic.DaysBetween(today, req.StartDate); notice < pol.AdvanceNoticeDays {
			return generic.NewValidationError(fmt.Sprintf("%s needs %d days notice, got %d", pol.LeaveType, pol.AdvanceNoticeDays, notice))
		}
	}
	if pol.MaxConsecutiveDays > 0 && req.TotalDays.Value.GreaterThan(decimal.NewFromInt(int64(pol.MaxConsecutiveDays))) {
		return generic.NewValidationError(fmt.Sprintf("%s allows at most %d consecutive days, requested %s", pol.LeaveType, pol.MaxConsecutiveDays, req.TotalDays.Value))
	}
	if !pol.AllowMultiplePerYear {
		existing, err := o.deps.Requests.ListRequests(ctx, RequestFilter{
			EmployeeID: req.EmployeeID,
			LeaveType:  req.LeaveType,
			Statuses:   []RequestStatus{StatusPending, StatusApproved},
		})
		if err != nil {
			return fmt.Errorf("list requests of %s: %w", req.EmployeeID, err)
		}
		for _, r := range existing {
			if r.ID != req.ID && r.Year() == req.Year() {
				return generic.NewValidationError(fmt.Sprintf("%s may be taken once per year; request %s is already open", pol.LeaveType, r.ID))
			}
		}
	}
	return nil
}

// Facts builds the predicate inputs for workflow selection.
func Facts(req LeaveRequest, pol LeavePolicy, emp EmployeeProfile) workflow.Facts {
	return workflow.Facts{
		"leaveType":      string(req.LeaveType),
		"region":         string(req.Region),
		"totalDays":      req.TotalDays.Value,
		"designation":    emp.Designation,
		"isHalfDay":      req.IsHalfDay,
		"approvalLevels": pol.ApprovalLevels,
	}
}

func (o *Orchestrator) selectWorkflow(req LeaveRequest, pol LeavePolicy, emp EmployeeProfile) (workflow.Definition, error) {
	if o.deps.Workflows != nil {
		def, err := o.deps.Workflows.Select(Facts(req, pol, emp))
		if err == nil {
			return def, nil
		}
		if !errors.Is(err, generic.ErrNotFound) {
			return workflow.Definition{}, err
		}
	}
	levels := pol.ApprovalLevels
	if levels < 1 {
		levels = 1
	}
	if levels > len(workflow.DefaultLevelRoles) {
		levels = len(workflow.DefaultLevelRoles)
	}
	return workflow.Linear(fmt.Sprintf("linear-%d", levels), workflow.DefaultLevelRoles[:levels]...), nil
}

// =============================================================================
// RESERVATION
// =============================================================================

func (o *Orchestrator) reserve(ctx context.Context, req LeaveRequest, pol LeavePolicy) error {
	if pol.CompOffBacked {
		if o.deps.CompOff == nil {
			return fmt.Errorf("%s is comp-off backed but no comp-off ledger is configured", pol.LeaveType)
		}
		_, err := o.deps.CompOff.Hold(ctx, req.EmployeeID, req.ID, req.TotalDays.Value, req.StartDate)
		return err
	}
	key := req.BalanceKey()
	if pol.AccrualFrequency == AccrualNone && pol.EntitlementDays.IsPositive() {
		if _, err := o.deps.Ledger.Seed(ctx, key, "entitlement", pol.EntitlementDays); err != nil {
			return err
		}
	}
	_, err := o.deps.Ledger.Reserve(ctx, key, req.ID, req.TotalDays.Value, pol.AllowNegativeBalance)
	return err
}

func (o *Orchestrator) unreserve(ctx context.Context, req LeaveRequest) error {
	if req.CompOffBacked {
		return o.deps.CompOff.ReleaseHold(ctx, req.EmployeeID, req.ID)
	}
	_, err := o.deps.Ledger.Release(ctx, req.BalanceKey(), req.ID)
	return err
}

// =============================================================================
// ACT
// =============================================================================

// Act records an approver's decision on an actionable step.
func (o *Orchestrator) Act(ctx context.Context, cmd ActCommand) (LeaveRequest, error) {
	if cmd.Decision != workflow.DecisionApprove && cmd.Decision != workflow.DecisionReject {
		return LeaveRequest{}, generic.NewValidationError(fmt.Sprintf("unknown decision %q", cmd.Decision))
	}
	current, err := o.Get(ctx, cmd.RequestID)
	if err != nil {
		return LeaveRequest{}, err
	}
	emp, err := o.deps.Directory.GetEmployee(ctx, current.EmployeeID)
	if err != nil {
		return LeaveRequest{}, fmt.Errorf("load employee %s: %w", current.EmployeeID, err)
	}
	if cmd.ActorID == "" || cmd.ActorID == string(emp.ID) {
		return LeaveRequest{}, &generic.UnauthorizedActorError{ActorID: cmd.ActorID, RequestID: cmd.RequestID, Reason: "employees cannot decide their own requests"}
	}
	roles, err := o.deps.Roles.RolesFor(ctx, cmd.ActorID, emp)
	if err != nil {
		return LeaveRequest{}, fmt.Errorf("resolve roles of %s: %w", cmd.ActorID, err)
	}

	now := o.opts.Clock.Now()
	var outcome workflow.Outcome
	var stepID string
	req, err := o.mutateRequest(ctx, cmd.RequestID, func(r *LeaveRequest) error {
		if r.Status != StatusPending {
			return &generic.InvalidTransitionError{Entity: "request " + string(r.ID), From: string(r.Status), To: string(cmd.Decision)}
		}
		step, err := pickStep(r.ApprovalChain, cmd, roles)
		if err != nil {
			return err
		}
		stepID = step.ID
		outcome, err = workflow.Decide(r.ApprovalChain, step.ID, cmd.Decision, cmd.ActorID, cmd.Comment, now)
		if err != nil {
			return err
		}
		applyOutcome(r, outcome, now)
		return nil
	})
	if err != nil {
		return LeaveRequest{}, err
	}

	o.opts.audit(ctx, generic.AuditEntry{
		ActorID:    cmd.ActorID,
		Action:     generic.AuditStepDecided,
		EmployeeID: req.EmployeeID,
		LeaveType:  req.LeaveType,
		RequestID:  req.ID,
		Payload:    map[string]any{"step": stepID, "decision": string(cmd.Decision), "comment": cmd.Comment},
	})
	o.publishActivated(ctx, req, outcome.Activated)
	if outcome.Resolved {
		return o.resolve(ctx, req, cmd.ActorID)
	}
	return req, nil
}

func pickStep(chain workflow.Chain, cmd ActCommand, roles []workflow.Role) (workflow.Step, error) {
	if cmd.StepID != "" {
		step, ok := chain.Step(cmd.StepID)
		if !ok {
			return workflow.Step{}, fmt.Errorf("step %s: %w", cmd.StepID, generic.ErrNotFound)
		}
		if !step.Actionable() {
			return workflow.Step{}, &generic.InvalidTransitionError{Entity: "step " + step.ID, From: string(step.Status), To: string(cmd.Decision)}
		}
		if !hasRole(roles, step.ApproverRole) {
			return workflow.Step{}, &generic.UnauthorizedActorError{ActorID: cmd.ActorID, RequestID: cmd.RequestID, Reason: fmt.Sprintf("step %s needs role %s", step.ID, step.ApproverRole)}
		}
		return step, nil
	}
	for _, step := range chain.ActionableSteps() {
		if hasRole(roles, step.ApproverRole) {
			return step, nil
		}
	}
	return workflow.Step{}, &generic.UnauthorizedActorError{ActorID: cmd.ActorID, RequestID: cmd.RequestID, Reason: "no actionable step for the actor's roles"}
}

// applyOutcome copies a chain transition onto the request.
func applyOutcome(r *LeaveRequest, out workflow.Outcome, now time.Time) {
	r.ApprovalChain = out.Chain
	if !out.Resolved {
		return
	}
	switch out.Chain.Status {
	case workflow.ChainApproved:
		r.Status = StatusApproved
	case workflow.ChainRejected:
		r.Status = StatusRejected
	case workflow.ChainAborted:
		r.Status = StatusCancelled
	}
	r.Settled = false
	r.ResolvedAt = &now
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel withdraws a PENDING request, or an APPROVED one whose start date is
// still ahead when the policy allows it.
func (o *Orchestrator) Cancel(ctx context.Context, cmd CancelCommand) (LeaveRequest, error) {
	current, err := o.Get(ctx, cmd.RequestID)
	if err != nil {
		return LeaveRequest{}, err
	}
	emp, err := o.deps.Directory.GetEmployee(ctx, current.EmployeeID)
	if err != nil {
		return LeaveRequest{}, fmt.Errorf("load employee %s: %w", current.EmployeeID, err)
	}
	if cmd.ActorID != string(emp.ID) {
		roles, err := o.deps.Roles.RolesFor(ctx, cmd.ActorID, emp)
		if err != nil {
			return LeaveRequest{}, fmt.Errorf("resolve roles of %s: %w", cmd.ActorID, err)
		}
		if !hasRole(roles, workflow.RoleHR, workflow.RoleHRAdmin) {
			return LeaveRequest{}, &generic.UnauthorizedActorError{ActorID: cmd.ActorID, RequestID: cmd.RequestID, Reason: "only the employee or HR may cancel"}
		}
	}
	now := o.opts.Clock.Now()
	today := o.opts.today()
	req, err := o.mutateRequest(ctx, cmd.RequestID, func(r *LeaveRequest) error {
		switch r.Status {
		case StatusPending:
			out, err := workflow.Abort(r.ApprovalChain, now)
			if err != nil {
				return err
			}
			r.ApprovalChain = out.Chain
		case StatusApproved:
			if !r.CancelApprovedBeforeStart {
				return &generic.InvalidTransitionError{Entity: "request " + string(r.ID), From: string(r.Status), To: string(StatusCancelled)}
			}
			if !today.Before(r.StartDate) {
				return generic.NewValidationError(fmt.Sprintf("request %s already started on %s", r.ID, r.StartDate))
			}
		default:
			return &generic.InvalidTransitionError{Entity: "request " + string(r.ID), From: string(r.Status), To: string(StatusCancelled)}
		}
		r.CancelledFrom = r.Status
		r.Status = StatusCancelled
		r.CancelledBy = cmd.ActorID
		r.Settled = false
		r.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return LeaveRequest{}, err
	}
	return o.resolve(ctx, req, cmd.ActorID)
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// resolve settles a freshly terminal request and announces it.
func (o *Orchestrator) resolve(ctx context.Context, req LeaveRequest, actor string) (LeaveRequest, error) {
	settled, err := o.settle(ctx, req)
	if err != nil {
		// the request is terminal and unsettled; ProcessTimers retries it
		o.opts.Logger.Warn("settlement deferred",
			zap.String("request_id", string(req.ID)),
			zap.String("status", string(req.Status)),
			zap.Error(err))
		settled = req
	}

	var (
		event  generic.EventType
		action generic.AuditAction
	)
	switch req.Status {
	case StatusApproved:
		event, action = generic.EventRequestApproved, generic.AuditRequestApproved
	case StatusRejected:
		event, action = generic.EventRequestRejected, generic.AuditRequestRejected
	case StatusCancelled:
		event, action = generic.EventRequestCancelled, generic.AuditRequestCancelled
	}
	o.opts.audit(ctx, generic.AuditEntry{
		ActorID:    actor,
		Action:     action,
		EmployeeID: req.EmployeeID,
		LeaveType:  req.LeaveType,
		RequestID:  req.ID,
		Payload:    map[string]any{"days": req.TotalDays.Value.String()},
	})
	o.publishRequest(ctx, event, req, actor)
	o.opts.Logger.Info("leave request resolved",
		zap.String("request_id", string(req.ID)),
		zap.String("status", string(req.Status)),
		zap.Bool("settled", settled.Settled))
	return settled, nil
}

// settle runs the ledger side effect of a terminal request and marks it
// settled. Safe to call repeatedly.
func (o *Orchestrator) settle(ctx context.Context, req LeaveRequest) (LeaveRequest, error) {
	if req.Settled || !req.Status.Terminal() {
		return req, nil
	}
	if err := o.applySettlement(ctx, req); err != nil {
		return req, fmt.Errorf("settle %s: %w", req.ID, err)
	}
	if req.Status != StatusApproved {
		if err := o.releaseDates(ctx, req.EmployeeID, req.ID); err != nil {
			return req, fmt.Errorf("settle %s: %w", req.ID, err)
		}
	}
	return o.mutateRequest(ctx, req.ID, func(r *LeaveRequest) error {
		if r.Settled {
			return errNoop
		}
		if r.Status != req.Status {
			// a newer transition (e.g. cancel after approve) owns settlement now
			return errNoop
		}
		r.Settled = true
		return nil
	})
}

func (o *Orchestrator) applySettlement(ctx context.Context, req LeaveRequest) error {
	key := req.BalanceKey()
	if req.CompOffBacked {
		c := o.deps.CompOff
		switch {
		case req.Status == StatusApproved:
			return c.ConsumeHold(ctx, req.EmployeeID, req.ID)
		case req.Status == StatusCancelled && req.CancelledFrom == StatusApproved:
			if err := c.ConsumeHold(ctx, req.EmployeeID, req.ID); err != nil {
				return err
			}
			return c.RestoreConsumed(ctx, req.EmployeeID, req.ID)
		default:
			return c.ReleaseHold(ctx, req.EmployeeID, req.ID)
		}
	}
	var err error
	switch {
	case req.Status == StatusApproved:
		_, err = o.deps.Ledger.Commit(ctx, key, req.ID)
	case req.Status == StatusCancelled && req.CancelledFrom == StatusApproved:
		if _, err = o.deps.Ledger.Commit(ctx, key, req.ID); err == nil {
			_, err = o.deps.Ledger.Restore(ctx, key, req.ID)
		}
	default:
		_, err = o.deps.Ledger.Release(ctx, key, req.ID)
	}
	return err
}

// =============================================================================
// TIMERS
// =============================================================================

// ProcessTimers fires elapsed auto-approve and escalation timers on every
// PENDING request, then retries settlement of terminal requests left
// unsettled.
func (o *Orchestrator) ProcessTimers(ctx context.Context, now time.Time) (generic.JobResult, error) {
	job := "timers:" + now.UTC().Format(time.RFC3339)
	pending, err := o.deps.Requests.ListRequests(ctx, RequestFilter{Statuses: []RequestStatus{StatusPending}})
	if err != nil {
		return generic.JobResult{Job: job}, fmt.Errorf("%s: list pending: %w", job, err)
	}
	collector := generic.NewJobCollector(job)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.deps.Workers)
	for _, r := range pending {
		r := r
		if len(workflow.DueTransitions(r.ApprovalChain, now)) == 0 {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			collector.Record(string(r.ID), o.fireTimers(gctx, r.ID, now))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return collector.Result(), fmt.Errorf("%s: %w", job, err)
	}

	unsettled, err := o.deps.Requests.ListRequests(ctx, RequestFilter{Unsettled: true})
	if err != nil {
		return collector.Result(), fmt.Errorf("%s: list unsettled: %w", job, err)
	}
	for _, r := range unsettled {
		_, err := o.settle(ctx, r)
		collector.Record(string(r.ID), err)
	}
	res := collector.Result()
	if res.Processed > 0 || res.Failed() {
		o.opts.Logger.Info("timer sweep finished",
			zap.Int("processed", res.Processed),
			zap.Int("failures", len(res.Failures)))
	}
	return res, nil
}

func (o *Orchestrator) fireTimers(ctx context.Context, id generic.RequestID, now time.Time) error {
	var (
		outcome workflow.Outcome
		fired   []workflow.DueTransition
	)
	req, err := o.mutateRequest(ctx, id, func(r *LeaveRequest) error {
		if r.Status != StatusPending {
			return errNoop
		}
		outcome, fired = workflow.ApplyDue(r.ApprovalChain, now)
		if len(fired) == 0 {
			return errNoop
		}
		resolvedAt := now
		if outcome.Chain.ResolvedAt != nil {
			resolvedAt = *outcome.Chain.ResolvedAt
		}
		applyOutcome(r, outcome, resolvedAt)
		return nil
	})
	if err != nil {
		return err
	}
	for _, t := range fired {
		action := generic.AuditStepAutoApproved
		if t.Kind == workflow.TransitionEscalate {
			action = generic.AuditStepEscalated
		}
		o.opts.audit(ctx, generic.AuditEntry{
			Timestamp:  t.DueAt,
			Action:     action,
			EmployeeID: req.EmployeeID,
			LeaveType:  req.LeaveType,
			RequestID:  req.ID,
			Payload:    map[string]any{"step": t.StepID},
		})
	}
	o.publishActivated(ctx, req, outcome.Activated)
	if outcome.Resolved {
		_, err = o.resolve(ctx, req, generic.SystemActor)
	}
	return err
}

// =============================================================================
// QUERIES
// =============================================================================

func (o *Orchestrator) Get(ctx context.Context, id generic.RequestID) (LeaveRequest, error) {
	r, err := o.deps.Requests.LoadRequest(ctx, id)
	if err != nil {
		return LeaveRequest{}, fmt.Errorf("load request %s: %w", id, err)
	}
	return r, nil
}

func (o *Orchestrator) List(ctx context.Context, filter RequestFilter) ([]LeaveRequest, error) {
	return o.deps.Requests.ListRequests(ctx, filter)
}

// PendingFor lists PENDING requests with a step the actor may decide now.
func (o *Orchestrator) PendingFor(ctx context.Context, actorID string) ([]LeaveRequest, error) {
	pending, err := o.deps.Requests.ListRequests(ctx, RequestFilter{Statuses: []RequestStatus{StatusPending}})
	if err != nil {
		return nil, err
	}
	var out []LeaveRequest
	for _, r := range pending {
		if string(r.EmployeeID) == actorID {
			continue
		}
		emp, err := o.deps.Directory.GetEmployee(ctx, r.EmployeeID)
		if err != nil {
			return nil, fmt.Errorf("load employee %s: %w", r.EmployeeID, err)
		}
		roles, err := o.deps.Roles.RolesFor(ctx, actorID, emp)
		if err != nil {
			return nil, err
		}
		if _, err := pickStep(r.ApprovalChain, ActCommand{ActorID: actorID}, roles); err == nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// Balances returns the employee's balance rows for a year, plus a
// comp-off line when a ledger is configured.
func (o *Orchestrator) Balances(ctx context.Context, emp generic.EmployeeID, year int) ([]BalanceView, error) {
	rows, err := o.deps.Ledger.List(ctx, emp, year)
	if err != nil {
		return nil, err
	}
	out := make([]BalanceView, 0, len(rows)+1)
	for _, b := range rows {
		out = append(out, b.View())
	}
	if o.deps.CompOff != nil {
		asOf := o.opts.today()
		if asOf.Year() != year {
			asOf = generic.EndOfYear(year)
		}
		avail, err := o.deps.CompOff.Available(ctx, emp, asOf)
		if err != nil {
			return nil, err
		}
		if avail.IsPositive() {
			out = append(out, BalanceView{LeaveType: TypeCompOff, Year: year, TotalEntitlement: avail, Available: avail})
		}
	}
	return out, nil
}

// CheckEligibility previews the eligibility rules without filing anything.
func (o *Orchestrator) CheckEligibility(ctx context.Context, empID generic.EmployeeID, leaveType generic.LeaveTypeCode, asOf generic.TimePoint) (EligibilityResult, error) {
	emp, err := o.deps.Directory.GetEmployee(ctx, empID)
	if err != nil {
		return EligibilityResult{}, fmt.Errorf("load employee %s: %w", empID, err)
	}
	pol, err := o.deps.Catalog.Lookup(leaveType, emp.Region, asOf)
	if err != nil {
		return EligibilityResult{}, err
	}
	return o.deps.Eligibility.Evaluate(EligibilityInput{Employee: emp, Policy: pol, AsOf: asOf}), nil
}

// =============================================================================
// HELPERS
// =============================================================================

// mutateRequest is the optimistic loop for requests.
func (o *Orchestrator) mutateRequest(ctx context.Context, id generic.RequestID, fn func(r *LeaveRequest) error) (LeaveRequest, error) {
	for attempt := 1; attempt <= o.deps.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return LeaveRequest{}, err
		}
		current, err := o.Get(ctx, id)
		if err != nil {
			return LeaveRequest{}, err
		}
		next := current.Clone()
		if err := fn(&next); err != nil {
			if errors.Is(err, errNoop) {
				return current, nil
			}
			return current, err
		}
		next.Version = current.Version + 1
		next.UpdatedAt = o.opts.Clock.Now()
		err = o.deps.Requests.SaveRequest(ctx, next, current.Version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, generic.ErrVersionMismatch) {
			return LeaveRequest{}, fmt.Errorf("save request %s: %w", id, err)
		}
		o.opts.Logger.Debug("request version conflict, retrying",
			zap.String("request_id", string(id)),
			zap.Int("attempt", attempt))
	}
	return LeaveRequest{}, &generic.ConcurrencyConflictError{Key: "request/" + string(id), Attempts: o.deps.MaxRetries}
}

func (o *Orchestrator) publishRequest(ctx context.Context, t generic.EventType, req LeaveRequest, actor string) {
	o.opts.publish(ctx, generic.Event{
		Type:       t,
		EmployeeID: req.EmployeeID,
		RequestID:  req.ID,
		Payload: map[string]any{
			"actor":     actor,
			"leaveType": string(req.LeaveType),
			"status":    string(req.Status),
		},
	})
}

func (o *Orchestrator) publishActivated(ctx context.Context, req LeaveRequest, steps []workflow.Step) {
	for _, s := range steps {
		o.opts.publish(ctx, generic.Event{
			Type:       generic.EventStepActionable,
			EmployeeID: req.EmployeeID,
			RequestID:  req.ID,
			Payload: map[string]any{
				"step":         s.ID,
				"level":        s.Level,
				"approverRole": string(s.ApproverRole),
			},
		})
	}
}

func requestIDStrings(ids []generic.RequestID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
