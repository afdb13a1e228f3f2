package leave

import (
	"fmt"
	"strings"

	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// ELIGIBILITY - Who may take a leave type
// =============================================================================

// EligibilityInput bundles what the evaluator looks at. StartDate and Days
// are optional; when set, request-dependent warnings are produced too.
type EligibilityInput struct {
	Employee  EmployeeProfile
	Policy    LeavePolicy
	AsOf      generic.TimePoint
	StartDate generic.TimePoint
	Days      generic.Amount
}

// EligibilityResult never carries an error: every failure is a reason.
type EligibilityResult struct {
	Eligible bool     `json:"eligible"`
	Reasons  []string `json:"reasons,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// EligibilityEvaluator applies the policy-configured eligibility rules.
// Restrictions come from the policy only; nothing is hardcoded per type.
type EligibilityEvaluator struct{}

func NewEligibilityEvaluator() *EligibilityEvaluator { return &EligibilityEvaluator{} }

// Evaluate checks the employee against the policy. Missing attributes that a
// rule needs make the employee ineligible.
func (ev *EligibilityEvaluator) Evaluate(in EligibilityInput) EligibilityResult {
	var reasons, warnings []string
	emp, pol := in.Employee, in.Policy

	if emp.ID == "" {
		reasons = append(reasons, "employee profile is missing")
	}

	if len(pol.AllowedGenders) > 0 {
		switch {
		case emp.Gender == "":
			reasons = append(reasons, "gender is required for "+string(pol.LeaveType))
		case !containsGender(pol.AllowedGenders, emp.Gender):
			reasons = append(reasons, fmt.Sprintf("%s is restricted to %s", pol.LeaveType, joinGenders(pol.AllowedGenders)))
		}
	}

	if len(pol.AllowedMaritalStatuses) > 0 {
		switch {
		case emp.MaritalStatus == "":
			reasons = append(reasons, "marital status is required for "+string(pol.LeaveType))
		case !containsMarital(pol.AllowedMaritalStatuses, emp.MaritalStatus):
			reasons = append(reasons, fmt.Sprintf("%s is restricted to marital status %s", pol.LeaveType, joinMarital(pol.AllowedMaritalStatuses)))
		}
	}

	if pol.MinServiceMonths > 0 {
		if emp.JoiningDate.IsZero() {
			reasons = append(reasons, "joining date is required to check tenure")
		} else if served := emp.ServiceMonths(in.AsOf); served < pol.MinServiceMonths {
			reasons = append(reasons, fmt.Sprintf("requires %d months of service, has %d", pol.MinServiceMonths, served))
		}
	}

	if !pol.AllowDuringProbation && emp.OnProbation(in.AsOf) {
		reasons = append(reasons, fmt.Sprintf("%s is not available during probation (ends %s)", pol.LeaveType, emp.ProbationEndDate))
	}

	if !in.Days.Value.IsZero() && pol.DocumentationThresholdDays.IsPositive() &&
		in.Days.Value.GreaterThanOrEqual(pol.DocumentationThresholdDays) {
		warnings = append(warnings, fmt.Sprintf("supporting documentation required for %s days or more", pol.DocumentationThresholdDays))
	}

	if !in.StartDate.IsZero() && pol.AdvanceNoticeDays > 0 {
		if notice := generic.DaysBetween(in.AsOf, in.StartDate); notice < pol.AdvanceNoticeDays {
			warnings = append(warnings, fmt.Sprintf("requested %d days ahead, policy asks for %d days notice", notice, pol.AdvanceNoticeDays))
		}
	}

	return EligibilityResult{Eligible: len(reasons) == 0, Reasons: reasons, Warnings: warnings}
}

func containsGender(list []Gender, g Gender) bool {
	for _, v := range list {
		if strings.EqualFold(string(v), string(g)) {
			return true
		}
	}
	return false
}

func containsMarital(list []MaritalStatus, m MaritalStatus) bool {
	for _, v := range list {
		if strings.EqualFold(string(v), string(m)) {
			return true
		}
	}
	return false
}

func joinGenders(list []Gender) string {
	parts := make([]string, len(list))
	for i, v := range list {
		parts[i] = string(v)
	}
	return strings.Join(parts, "/")
}

func joinMarital(list []MaritalStatus) string {
	parts := make([]string, len(list))
	for i, v := range list {
		parts[i] = string(v)
	}
	return strings.Join(parts, "/")
}
