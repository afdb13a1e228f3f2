/*
presets.go - Region policy presets and default approval workflows

PURPOSE:
  Ready-to-use policy sets for the India and USA offices plus GLOBAL
  fallbacks. They are starting points; deployments normally load their
  own definitions through factory.FileSource.

INDIA (IN):
  CL    1/month, expires at year end, half days, max 3 in a row
  PL    1/month, carry up to 30, 7 days notice, two approval levels
  SL    12/year granted in January, expires, certificate above 2 days
  ML    182 days, women with 3+ months service, once per year
  PATL  5 days, married men, once per year
  MRL   3 days, single employees, once per year

USA (US):
  PTO   15/year (20 director, 25 VP), prorated in the joining year,
        carry 5 days, nothing for directors and VPs
  SL    5/year, expires

GLOBAL:
  SL        10/year fallback for regions without their own sick leave
  COMP_OFF  drawn on comp-off grants, no balance row

SEE ALSO:
  - policy.go: LeavePolicy fields
  - factory/policy.go: File-based definitions
*/
package leave

import (
	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/workflow"
)

// Designations used by the presets.
const (
	DesignationEngineer = "ENGINEER"
	DesignationManager  = "MANAGER"
	DesignationDirector = "DIRECTOR"
	DesignationVP       = "VP"
)

func wholeDays(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

var defaultRounding = generic.Rounding{Mode: generic.RoundNearest, Precision: generic.DefaultPrecision}

// =============================================================================
// INDIA
// =============================================================================

// IndiaPolicies returns the India policy set effective from the given date.
func IndiaPolicies(from generic.TimePoint) []LeavePolicy {
	return []LeavePolicy{
		{
			LeaveType: TypeCasual, Name: "Casual Leave", Region: generic.RegionIndia, Version: 1, EffectiveFrom: from,
			EntitlementDays: wholeDays(12), AccrualRate: wholeDays(1), AccrualFrequency: AccrualMonthly, Rounding: defaultRounding,
			AllowDuringProbation: true,
			MaxConsecutiveDays:   3, AdvanceNoticeDays: 1,
			AllowMultiplePerYear: true, HalfDayAllowed: true, CancelApprovedBeforeStart: true,
			ApprovalLevels:   1,
			CarryForwardRule: CarryExpireAll,
		},
		{
			LeaveType: TypePrivilege, Name: "Privilege Leave", Region: generic.RegionIndia, Version: 1, EffectiveFrom: from,
			EntitlementDays: wholeDays(12), AccrualRate: wholeDays(1), AccrualFrequency: AccrualMonthly, Rounding: defaultRounding,
			AdvanceNoticeDays:    7,
			AllowMultiplePerYear: true, HalfDayAllowed: true, CancelApprovedBeforeStart: true,
			ApprovalLevels:      2,
			CarryForwardRule:    CarryCapAtMax,
			CarryForwardMaxDays: wholeDays(30),
		},
		{
			LeaveType: TypeSick, Name: "Sick Leave", Region: generic.RegionIndia, Version: 1, EffectiveFrom: from,
			EntitlementDays: wholeDays(12), AccrualFrequency: AccrualAnnual, Rounding: defaultRounding,
			AllowDuringProbation:       true,
			DocumentationThresholdDays: wholeDays(3),
			AllowMultiplePerYear:       true, HalfDayAllowed: true,
			ApprovalLevels:   1,
			CarryForwardRule: CarryExpireAll,
		},
		{
			LeaveType: TypeMaternity, Name: "Maternity Leave", Region: generic.RegionIndia, Version: 1, EffectiveFrom: from,
			EntitlementDays: wholeDays(182), AccrualFrequency: AccrualNone, Rounding: defaultRounding,
			MinServiceMonths: 3, AllowDuringProbation: true,
			AllowedGenders:             []Gender{GenderFemale},
			DocumentationThresholdDays: wholeDays(1),
			ApprovalLevels:             2,
			CarryForwardRule:           CarryExpireAll,
		},
		{
			LeaveType: TypePaternity, Name: "Paternity Leave", Region: generic.RegionIndia, Version: 1, EffectiveFrom: from,
			EntitlementDays: wholeDays(5), AccrualFrequency: AccrualNone, Rounding: defaultRounding,
			AllowDuringProbation:   true,
			AllowedGenders:         []Gender{GenderMale},
			AllowedMaritalStatuses: []MaritalStatus{MaritalMarried},
			ApprovalLevels:         1,
			CarryForwardRule:       CarryExpireAll,
		},
		{
			LeaveType: TypeMarriage, Name: "Marriage Leave", Region: generic.RegionIndia, Version: 1, EffectiveFrom: from,
			EntitlementDays: wholeDays(3), AccrualFrequency: AccrualNone, Rounding: defaultRounding,
			AllowedMaritalStatuses: []MaritalStatus{MaritalSingle},
			AdvanceNoticeDays:      14,
			ApprovalLevels:         1,
			CarryForwardRule:       CarryExpireAll,
		},
	}
}

// =============================================================================
// USA
// =============================================================================

// USPolicies returns the USA policy set effective from the given date.
func USPolicies(from generic.TimePoint) []LeavePolicy {
	return []LeavePolicy{
		{
			LeaveType: TypePTO, Name: "Paid Time Off", Region: generic.RegionUSA, Version: 1, EffectiveFrom: from,
			EntitlementDays:  wholeDays(15),
			AccrualFrequency: AccrualAnnual,
			DesignationEntitlements: map[string]decimal.Decimal{
				DesignationDirector: wholeDays(20),
				DesignationVP:       wholeDays(25),
			},
			Rounding:             defaultRounding,
			AllowDuringProbation: true,
			AllowMultiplePerYear: true, HalfDayAllowed: true, CancelApprovedBeforeStart: true,
			ApprovalLevels:      1,
			CarryForwardRule:    CarryDesignationBased,
			CarryForwardMaxDays: wholeDays(5),
			CarryForwardByDesignation: map[string]decimal.Decimal{
				DesignationDirector: decimal.Zero,
				DesignationVP:       decimal.Zero,
			},
		},
		{
			LeaveType: TypeSick, Name: "Sick Leave", Region: generic.RegionUSA, Version: 1, EffectiveFrom: from,
			EntitlementDays: wholeDays(5), AccrualFrequency: AccrualAnnual, Rounding: defaultRounding,
			AllowDuringProbation: true,
			AllowMultiplePerYear: true, HalfDayAllowed: true,
			ApprovalLevels:   1,
			CarryForwardRule: CarryExpireAll,
		},
	}
}

// =============================================================================
// GLOBAL
// =============================================================================

// GlobalPolicies returns the fallbacks every region inherits.
func GlobalPolicies(from generic.TimePoint) []LeavePolicy {
	return []LeavePolicy{
		{
			LeaveType: TypeSick, Name: "Sick Leave", Region: generic.RegionGlobal, Version: 1, EffectiveFrom: from,
			EntitlementDays: wholeDays(10), AccrualFrequency: AccrualAnnual, Rounding: defaultRounding,
			AllowDuringProbation: true,
			AllowMultiplePerYear: true, HalfDayAllowed: true,
			ApprovalLevels:   1,
			CarryForwardRule: CarryExpireAll,
		},
		{
			LeaveType: TypeCompOff, Name: "Compensatory Off", Region: generic.RegionGlobal, Version: 1, EffectiveFrom: from,
			AccrualFrequency: AccrualNone, Rounding: defaultRounding,
			AllowDuringProbation: true,
			AllowMultiplePerYear: true, HalfDayAllowed: true, CancelApprovedBeforeStart: true,
			ApprovalLevels:   1,
			CarryForwardRule: CarryExpireAll,
			CompOffBacked:    true,
		},
	}
}

// AllPresets is every preset policy set.
func AllPresets(from generic.TimePoint) []LeavePolicy {
	var out []LeavePolicy
	out = append(out, IndiaPolicies(from)...)
	out = append(out, USPolicies(from)...)
	out = append(out, GlobalPolicies(from)...)
	return out
}

// =============================================================================
// DEFAULT WORKFLOWS
// =============================================================================

// DefaultWorkflows returns the stock approval definitions:
//
//	parental     ML/PATL: manager and HR in parallel
//	long-leave   more than 10 days: manager, then department head with HR optional, then HR admin
//	two-level    policies asking for 2+ levels: manager (escalates after 48h), then HR
//	single-level default: manager, auto-approved after 72h
func DefaultWorkflows() []workflow.Definition {
	return []workflow.Definition{
		{
			WorkflowType: "parental",
			Description:  "Parental leave needs the manager and HR",
			Priority:     30,
			Condition: &workflow.Predicate{Op: workflow.OpIn, Field: "leaveType", Value: []any{
				string(TypeMaternity), string(TypePaternity),
			}},
			Steps: []workflow.StepTemplate{
				{Level: 1, ApproverRole: workflow.RoleManager, Mode: workflow.ModeParallel},
				{Level: 1, ApproverRole: workflow.RoleHR, Mode: workflow.ModeParallel},
			},
		},
		{
			WorkflowType: "long-leave",
			Description:  "Absences longer than two weeks",
			Priority:     20,
			Condition:    &workflow.Predicate{Op: workflow.OpGt, Field: "totalDays", Value: 10},
			Steps: []workflow.StepTemplate{
				{Level: 1, ApproverRole: workflow.RoleManager},
				{Level: 2, ApproverRole: workflow.RoleDepartmentHead, Mode: workflow.ModeParallel},
				{Level: 2, ApproverRole: workflow.RoleHR, Mode: workflow.ModeParallel, Optional: true},
				{Level: 3, ApproverRole: workflow.RoleHRAdmin},
			},
		},
		{
			WorkflowType: "two-level",
			Description:  "Manager then HR",
			Priority:     10,
			Condition:    &workflow.Predicate{Op: workflow.OpGte, Field: "approvalLevels", Value: 2},
			Steps: []workflow.StepTemplate{
				{Level: 1, ApproverRole: workflow.RoleManager, EscalateAfterHours: 48, EscalateToRole: workflow.RoleDepartmentHead},
				{Level: 2, ApproverRole: workflow.RoleHR},
			},
		},
		{
			WorkflowType: "single-level",
			Description:  "Manager approval, auto-approved after three days",
			Default:      true,
			Steps: []workflow.StepTemplate{
				{Level: 1, ApproverRole: workflow.RoleManager, AutoApproveAfterHours: 72},
			},
		},
	}
}
