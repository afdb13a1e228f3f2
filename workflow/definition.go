/*
Package workflow implements the approval chain state machine.

PURPOSE:
  A leave request is approved by a chain of steps. Each step is addressed
  to an approver role, may run alone (SEQUENTIAL) or together with the other
  steps of its level (PARALLEL), and may carry one timer: auto-approve or
  escalate after N hours of inactivity.

KEY CONCEPTS:
  Definition:    A named, prioritized template of steps plus a selection predicate
  Registry:      Selects the definition for a request (highest priority match, else default)
  Chain:         A snapshot of a definition instantiated for one request
  Tier:          The unit that becomes actionable at once (one SEQUENTIAL step,
                 or every step of a PARALLEL level)
  DueTransition: A timer that has elapsed, computed purely from (chain, now)

TERMINATION:
  Validation rejects escalation cycles and escalations back to an earlier
  level's role, so every chain reaches a terminal state after a bounded
  number of decisions and timer firings.

SEE ALSO:
  - engine.go: Instantiate, Decide, DueTransitions, ApplyDue, Abort
  - predicate.go: Selection predicate AST
  - leave/request.go: The orchestrator that drives chains
*/
package workflow

import (
	"fmt"
	"sort"
)

// Role is an approver role. Actors are mapped to roles by the orchestrator.
type Role string

const (
	RoleManager        Role = "MANAGER"
	RoleDepartmentHead Role = "DEPARTMENT_HEAD"
	RoleHR             Role = "HR"
	RoleHRAdmin        Role = "HR_ADMIN"
)

type Mode string

const (
	ModeSequential Mode = "SEQUENTIAL"
	ModeParallel   Mode = "PARALLEL"
)

// StepTemplate describes one approval step of a definition.
type StepTemplate struct {
	Level                 int  `json:"level" yaml:"level"`
	ApproverRole          Role `json:"approverRole" yaml:"approver_role"`
	Mode                  Mode `json:"mode,omitempty" yaml:"mode,omitempty"`
	AutoApproveAfterHours int  `json:"autoApproveAfterHours,omitempty" yaml:"auto_approve_after_hours,omitempty"`
	EscalateAfterHours    int  `json:"escalateAfterHours,omitempty" yaml:"escalate_after_hours,omitempty"`
	EscalateToRole        Role `json:"escalateToRole,omitempty" yaml:"escalate_to_role,omitempty"`
	Optional              bool `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Definition is a workflow template selected per request.
type Definition struct {
	WorkflowType string         `json:"workflowType" yaml:"workflow_type"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	Priority     int            `json:"priority" yaml:"priority"`
	Default      bool           `json:"default,omitempty" yaml:"default,omitempty"`
	Condition    *Predicate     `json:"condition,omitempty" yaml:"condition,omitempty"`
	Steps        []StepTemplate `json:"steps" yaml:"steps"`
}

// Clone returns a deep copy of the definition.
func (def Definition) Clone() Definition {
	clone := def
	clone.Condition = def.Condition.Clone()
	if len(def.Steps) > 0 {
		clone.Steps = make([]StepTemplate, len(def.Steps))
		copy(clone.Steps, def.Steps)
	}
	return clone
}

// Normalized clones the definition, fills default modes, orders steps by
// level (stable) and validates the result.
func (def Definition) Normalized() (Definition, error) {
	clone := def.Clone()
	for i := range clone.Steps {
		if clone.Steps[i].Mode == "" {
			clone.Steps[i].Mode = ModeSequential
		}
	}
	sort.SliceStable(clone.Steps, func(i, j int) bool {
		return clone.Steps[i].Level < clone.Steps[j].Level
	})
	if err := clone.Validate(); err != nil {
		return Definition{}, err
	}
	return clone, nil
}

// Validate ensures the definition is executable and terminates.
func (def Definition) Validate() error {
	if def.WorkflowType == "" {
		return fmt.Errorf("workflow: workflow type is required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow %s: at least one step is required", def.WorkflowType)
	}
	if err := def.Condition.Validate(); err != nil {
		return fmt.Errorf("workflow %s condition: %w", def.WorkflowType, err)
	}

	levelMode := map[int]Mode{}
	levelCount := map[int]int{}
	prevLevel := 0
	for idx, st := range def.Steps {
		if err := st.validate(); err != nil {
			return fmt.Errorf("workflow %s step[%d]: %w", def.WorkflowType, idx, err)
		}
		if st.Level < prevLevel {
			return fmt.Errorf("workflow %s step[%d]: level %d after level %d, levels must ascend",
				def.WorkflowType, idx, st.Level, prevLevel)
		}
		prevLevel = st.Level
		if mode, seen := levelMode[st.Level]; seen && mode != st.Mode {
			return fmt.Errorf("workflow %s: level %d mixes %s and %s steps",
				def.WorkflowType, st.Level, mode, st.Mode)
		}
		levelMode[st.Level] = st.Mode
		levelCount[st.Level]++
	}
	for level, count := range levelCount {
		if levelMode[level] == ModeSequential && count > 1 {
			return fmt.Errorf("workflow %s: level %d has %d SEQUENTIAL steps, use distinct levels or PARALLEL",
				def.WorkflowType, level, count)
		}
	}
	return def.validateEscalations()
}

func (st StepTemplate) validate() error {
	if st.Level < 1 {
		return fmt.Errorf("level must be >= 1")
	}
	if st.ApproverRole == "" {
		return fmt.Errorf("approver role is required")
	}
	if st.Mode != ModeSequential && st.Mode != ModeParallel {
		return fmt.Errorf("unknown mode %q", st.Mode)
	}
	if st.AutoApproveAfterHours < 0 || st.EscalateAfterHours < 0 {
		return fmt.Errorf("timer hours must be >= 0")
	}
	if st.AutoApproveAfterHours > 0 && st.EscalateAfterHours > 0 {
		return fmt.Errorf("step %s carries both auto-approve and escalate timers", st.ApproverRole)
	}
	if st.EscalateAfterHours > 0 && st.EscalateToRole == "" {
		return fmt.Errorf("step %s escalates without an escalate-to role", st.ApproverRole)
	}
	return nil
}

// validateEscalations rejects escalation edges that point back to a role
// approving at an earlier level, and cycles in the role escalation graph.
func (def Definition) validateEscalations() error {
	firstLevel := map[Role]int{}
	edges := map[Role][]Role{}
	for _, st := range def.Steps {
		if lvl, ok := firstLevel[st.ApproverRole]; !ok || st.Level < lvl {
			firstLevel[st.ApproverRole] = st.Level
		}
	}
	for _, st := range def.Steps {
		if st.EscalateAfterHours == 0 {
			continue
		}
		if lvl, ok := firstLevel[st.EscalateToRole]; ok && lvl < st.Level {
			return fmt.Errorf("workflow %s: level %d escalates back to %s from level %d",
				def.WorkflowType, st.Level, st.EscalateToRole, lvl)
		}
		edges[st.ApproverRole] = append(edges[st.ApproverRole], st.EscalateToRole)
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := map[Role]int{}
	var visit func(r Role, path []Role) error
	visit = func(r Role, path []Role) error {
		switch state[r] {
		case visiting:
			return fmt.Errorf("workflow %s: escalation cycle %v", def.WorkflowType, append(path, r))
		case done:
			return nil
		}
		state[r] = visiting
		for _, next := range edges[r] {
			if err := visit(next, append(path, r)); err != nil {
				return err
			}
		}
		state[r] = done
		return nil
	}
	roles := make([]Role, 0, len(edges))
	for r := range edges {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	for _, r := range roles {
		if err := visit(r, nil); err != nil {
			return err
		}
	}
	return nil
}

// templateFor returns the step template an escalation target inherits its
// timers from: the first step addressed to role at or after level.
func (def Definition) templateFor(role Role, level int) (StepTemplate, bool) {
	for _, st := range def.Steps {
		if st.ApproverRole == role && st.Level >= level {
			return st, true
		}
	}
	return StepTemplate{}, false
}

// Linear builds a SEQUENTIAL definition with one level per role, used when a
// policy asks for N approval levels and no configured definition matches.
func Linear(workflowType string, roles ...Role) Definition {
	def := Definition{WorkflowType: workflowType, Default: true}
	for i, r := range roles {
		def.Steps = append(def.Steps, StepTemplate{Level: i + 1, ApproverRole: r, Mode: ModeSequential})
	}
	return def
}

// DefaultLevelRoles is the role ladder used by Linear fallbacks.
var DefaultLevelRoles = []Role{RoleManager, RoleDepartmentHead, RoleHRAdmin}
