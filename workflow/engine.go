package workflow

import (
	"fmt"
	"sort"
	"time"

	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// CHAIN - A definition instantiated for one request
// =============================================================================

type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepApproved  StepStatus = "APPROVED"
	StepRejected  StepStatus = "REJECTED"
	StepSkipped   StepStatus = "SKIPPED"
	StepEscalated StepStatus = "ESCALATED"
)

type ChainStatus string

const (
	ChainInProgress ChainStatus = "IN_PROGRESS"
	ChainApproved   ChainStatus = "APPROVED"
	ChainRejected   ChainStatus = "REJECTED"
	ChainAborted    ChainStatus = "ABORTED"
)

// Skip reasons recorded on steps the chain closed without a decision.
const (
	ReasonUpstreamRejection = "upstream rejection"
	ReasonTierResolved      = "tier resolved"
	ReasonCancelled         = "request cancelled"
	ReasonAutoApproved      = "auto-approved after inactivity"
	ReasonEscalated         = "escalated after inactivity"
)

type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// Step is one approval step of a chain.
type Step struct {
	ID                  string     `json:"id"`
	Level               int        `json:"level"`
	ApproverRole        Role       `json:"approverRole"`
	Mode                Mode       `json:"mode"`
	Status              StepStatus `json:"status"`
	Optional            bool       `json:"optional,omitempty"`
	ActionableAt        *time.Time `json:"actionableAt,omitempty"`
	AutoApproveDeadline *time.Time `json:"autoApproveDeadline,omitempty"`
	EscalateDeadline    *time.Time `json:"escalateDeadline,omitempty"`
	EscalateToRole      Role       `json:"escalateToRole,omitempty"`
	EscalatedFrom       string     `json:"escalatedFrom,omitempty"`
	ActedBy             string     `json:"actedBy,omitempty"`
	ActedAt             *time.Time `json:"actedAt,omitempty"`
	Comment             string     `json:"comment,omitempty"`
	Reason              string     `json:"reason,omitempty"`

	// Timer configuration, turned into deadlines when the step activates.
	AutoApproveAfterHours int `json:"autoApproveAfterHours,omitempty"`
	EscalateAfterHours    int `json:"escalateAfterHours,omitempty"`
}

// Actionable reports whether the step is waiting for a decision now.
func (s Step) Actionable() bool {
	return s.Status == StepPending && s.ActionableAt != nil
}

// Chain is the request's snapshot of its workflow. Later edits to the
// definition never affect an existing chain.
type Chain struct {
	WorkflowType string      `json:"workflowType"`
	Status       ChainStatus `json:"status"`
	Steps        []Step      `json:"steps"`
	Templates    Definition  `json:"templates"`
	Seq          int         `json:"seq"`
	ResolvedAt   *time.Time  `json:"resolvedAt,omitempty"`
}

// Terminal reports whether the chain reached APPROVED, REJECTED or ABORTED.
func (c Chain) Terminal() bool { return c.Status != ChainInProgress && c.Status != "" }

// Clone returns a deep copy.
func (c Chain) Clone() Chain {
	clone := c
	clone.Templates = c.Templates.Clone()
	clone.Steps = make([]Step, len(c.Steps))
	for i, s := range c.Steps {
		clone.Steps[i] = s.clone()
	}
	clone.ResolvedAt = cloneTime(c.ResolvedAt)
	return clone
}

func (s Step) clone() Step {
	out := s
	out.ActionableAt = cloneTime(s.ActionableAt)
	out.AutoApproveDeadline = cloneTime(s.AutoApproveDeadline)
	out.EscalateDeadline = cloneTime(s.EscalateDeadline)
	out.ActedAt = cloneTime(s.ActedAt)
	return out
}

// ActionableSteps lists the steps currently waiting for a decision.
func (c Chain) ActionableSteps() []Step {
	var out []Step
	for _, s := range c.Steps {
		if s.Actionable() {
			out = append(out, s)
		}
	}
	return out
}

// Step returns the step with the given ID.
func (c Chain) Step(id string) (Step, bool) {
	for _, s := range c.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// =============================================================================
// OUTCOME - What a transition changed
// =============================================================================

// Outcome reports a transition's effect so callers can publish events.
type Outcome struct {
	Chain     Chain
	Activated []Step // steps that became actionable
	Resolved  bool   // chain reached a terminal state in this transition
}

// =============================================================================
// ENGINE - Pure state machine over Chain values
// =============================================================================

// Instantiate snapshots the definition and activates the first tier.
func Instantiate(def Definition, now time.Time) (Outcome, error) {
	norm, err := def.Normalized()
	if err != nil {
		return Outcome{}, err
	}
	chain := Chain{WorkflowType: norm.WorkflowType, Status: ChainInProgress, Templates: norm}
	for _, st := range norm.Steps {
		chain.Seq++
		chain.Steps = append(chain.Steps, Step{
			ID:                    fmt.Sprintf("step-%d", chain.Seq),
			Level:                 st.Level,
			ApproverRole:          st.ApproverRole,
			Mode:                  st.Mode,
			Status:                StepPending,
			Optional:              st.Optional,
			EscalateToRole:        st.EscalateToRole,
			AutoApproveAfterHours: st.AutoApproveAfterHours,
			EscalateAfterHours:    st.EscalateAfterHours,
		})
	}
	out := Outcome{Chain: chain}
	advance(&out, now)
	return out, nil
}

// Decide applies a human decision to an actionable step.
func Decide(chain Chain, stepID string, decision Decision, actorID, comment string, now time.Time) (Outcome, error) {
	c := chain.Clone()
	if c.Terminal() {
		return Outcome{}, &generic.InvalidTransitionError{Entity: "chain", From: string(c.Status), To: string(decision)}
	}
	idx := c.indexOf(stepID)
	if idx < 0 {
		return Outcome{}, fmt.Errorf("step %s: %w", stepID, generic.ErrNotFound)
	}
	step := &c.Steps[idx]
	if !step.Actionable() {
		return Outcome{}, &generic.InvalidTransitionError{Entity: "step " + stepID, From: string(step.Status), To: string(decision)}
	}
	switch decision {
	case DecisionApprove:
		step.Status = StepApproved
	case DecisionReject:
		step.Status = StepRejected
	default:
		return Outcome{}, generic.NewValidationError(fmt.Sprintf("unknown decision %q", decision))
	}
	step.ActedBy = actorID
	step.ActedAt = timePtr(now)
	step.Comment = comment

	out := Outcome{Chain: c}
	if decision == DecisionReject && !step.Optional {
		reject(&out, now)
		return out, nil
	}
	advance(&out, now)
	return out, nil
}

// Abort closes an in-progress chain on cancellation.
func Abort(chain Chain, now time.Time) (Outcome, error) {
	c := chain.Clone()
	if c.Terminal() {
		return Outcome{}, &generic.InvalidTransitionError{Entity: "chain", From: string(c.Status), To: string(ChainAborted)}
	}
	c.skipPending(ReasonCancelled)
	c.Status = ChainAborted
	c.ResolvedAt = timePtr(now)
	return Outcome{Chain: c, Resolved: true}, nil
}

// =============================================================================
// TIMERS - Pure due-transition computation
// =============================================================================

type TransitionKind string

const (
	TransitionAutoApprove TransitionKind = "AUTO_APPROVE"
	TransitionEscalate    TransitionKind = "ESCALATE"
)

// DueTransition is an elapsed timer on an actionable step.
type DueTransition struct {
	StepID string
	Kind   TransitionKind
	DueAt  time.Time
}

// DueTransitions lists the timers elapsed at now, earliest first. It has
// no side effects.
func DueTransitions(chain Chain, now time.Time) []DueTransition {
	if chain.Terminal() {
		return nil
	}
	var due []DueTransition
	for _, s := range chain.Steps {
		if !s.Actionable() {
			continue
		}
		if s.AutoApproveDeadline != nil && !s.AutoApproveDeadline.After(now) {
			due = append(due, DueTransition{StepID: s.ID, Kind: TransitionAutoApprove, DueAt: *s.AutoApproveDeadline})
		}
		if s.EscalateDeadline != nil && !s.EscalateDeadline.After(now) {
			due = append(due, DueTransition{StepID: s.ID, Kind: TransitionEscalate, DueAt: *s.EscalateDeadline})
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	return due
}

// ApplyDue fires every timer due at now in deadline order. A tier activated
// by a timer starts its own timers at the firing deadline, so cascades that
// elapsed entirely before now all fire in one sweep.
func ApplyDue(chain Chain, now time.Time) (Outcome, []DueTransition) {
	out := Outcome{Chain: chain.Clone()}
	var fired []DueTransition
	for {
		due := DueTransitions(out.Chain, now)
		if len(due) == 0 {
			return out, fired
		}
		t := due[0]
		idx := out.Chain.indexOf(t.StepID)
		step := &out.Chain.Steps[idx]
		switch t.Kind {
		case TransitionAutoApprove:
			step.Status = StepApproved
			step.ActedBy = generic.SystemActor
			step.ActedAt = timePtr(t.DueAt)
			step.Reason = ReasonAutoApproved
		case TransitionEscalate:
			out.Chain.escalate(idx, t.DueAt)
			out.Activated = append(out.Activated, out.Chain.Steps[idx+1])
		}
		fired = append(fired, t)
		advance(&out, t.DueAt)
		if out.Chain.Terminal() {
			return out, fired
		}
	}
}

// =============================================================================
// INTERNALS
// =============================================================================

func (c *Chain) indexOf(id string) int {
	for i := range c.Steps {
		if c.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// escalate marks step idx ESCALATED and inserts its replacement right after
// it, actionable at the escalation deadline.
func (c *Chain) escalate(idx int, at time.Time) {
	old := &c.Steps[idx]
	old.Status = StepEscalated
	old.ActedBy = generic.SystemActor
	old.ActedAt = timePtr(at)
	old.Reason = ReasonEscalated

	c.Seq++
	repl := Step{
		ID:            fmt.Sprintf("step-%d", c.Seq),
		Level:         old.Level,
		ApproverRole:  old.EscalateToRole,
		Mode:          old.Mode,
		Status:        StepPending,
		Optional:      old.Optional,
		EscalatedFrom: old.ID,
	}
	if tpl, ok := c.Templates.templateFor(old.EscalateToRole, old.Level); ok {
		repl.EscalateToRole = tpl.EscalateToRole
		repl.AutoApproveAfterHours = tpl.AutoApproveAfterHours
		repl.EscalateAfterHours = tpl.EscalateAfterHours
	}
	repl.activate(at)

	c.Steps = append(c.Steps, Step{})
	copy(c.Steps[idx+2:], c.Steps[idx+1:])
	c.Steps[idx+1] = repl
}

func (s *Step) activate(at time.Time) {
	s.ActionableAt = timePtr(at)
	if s.AutoApproveAfterHours > 0 {
		s.AutoApproveDeadline = timePtr(at.Add(time.Duration(s.AutoApproveAfterHours) * time.Hour))
	}
	if s.EscalateAfterHours > 0 {
		s.EscalateDeadline = timePtr(at.Add(time.Duration(s.EscalateAfterHours) * time.Hour))
	}
}

// tiers groups live steps (not ESCALATED) into activation units in order.
func (c *Chain) tiers() [][]int {
	var out [][]int
	for i, s := range c.Steps {
		if s.Status == StepEscalated {
			continue
		}
		if len(out) > 0 {
			last := c.Steps[out[len(out)-1][0]]
			if s.Mode == ModeParallel && last.Mode == ModeParallel && last.Level == s.Level {
				out[len(out)-1] = append(out[len(out)-1], i)
				continue
			}
		}
		out = append(out, []int{i})
	}
	return out
}

// tierResolved: every non-optional member approved or skipped; a tier of
// only optional members resolves once each member has acted.
func (c *Chain) tierResolved(tier []int) bool {
	hasRequired := false
	for _, i := range tier {
		if !c.Steps[i].Optional {
			hasRequired = true
			break
		}
	}
	for _, i := range tier {
		s := c.Steps[i]
		if hasRequired && s.Optional {
			continue
		}
		if s.Status == StepPending {
			return false
		}
	}
	return true
}

// advance resolves finished tiers, activates the next one, and closes the
// chain as APPROVED after the last tier.
func advance(out *Outcome, now time.Time) {
	c := &out.Chain
	for _, tier := range c.tiers() {
		if c.tierResolved(tier) {
			for _, i := range tier {
				if c.Steps[i].Status == StepPending {
					c.Steps[i].Status = StepSkipped
					c.Steps[i].Reason = ReasonTierResolved
				}
			}
			continue
		}
		for _, i := range tier {
			s := &c.Steps[i]
			if s.Status == StepPending && s.ActionableAt == nil {
				s.activate(now)
				out.Activated = append(out.Activated, *s)
			}
		}
		return
	}
	c.Status = ChainApproved
	c.ResolvedAt = timePtr(now)
	out.Resolved = true
}

func reject(out *Outcome, now time.Time) {
	out.Chain.skipPending(ReasonUpstreamRejection)
	out.Chain.Status = ChainRejected
	out.Chain.ResolvedAt = timePtr(now)
	out.Resolved = true
}

func (c *Chain) skipPending(reason string) {
	for i := range c.Steps {
		if c.Steps[i].Status == StepPending {
			c.Steps[i].Status = StepSkipped
			c.Steps[i].Reason = reason
		}
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
