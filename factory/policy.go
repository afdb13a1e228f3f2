/*
Package factory loads leave policies and approval workflows from files.

PURPOSE:
  Converts YAML or JSON policy documents into leave.LeavePolicy values and
  workflow.Definition templates. HR can change entitlements, eligibility
  rules and approval chains without a code change: point the server at a
  file and trigger a catalog reload.

FILE SCHEMA (YAML; JSON uses the camelCase keys):
  policies:
    - leave_type: CL
      name: Casual Leave
      region: IN
      version: 1
      effective_from: 2025-01-01
      entitlement_days: 12
      accrual:
        frequency: MONTHLY      # MONTHLY, ANNUAL or NONE
        rate: 1
      rounding: {mode: NEAREST, precision: 0.5}
      eligibility:
        allow_during_probation: true
      rules:
        max_consecutive_days: 3
        advance_notice_days: 1
        allow_multiple_per_year: true
        half_day_allowed: true
        approval_levels: 1
      carry_forward:
        rule: EXPIRE_ALL        # EXPIRE_ALL, CAP_AT_MAX or DESIGNATION_BASED
  workflows:
    - workflow_type: single-level
      default: true
      steps:
        - {level: 1, approver_role: MANAGER, auto_approve_after_hours: 72}

KEY FEATURES:
  - Format picked by file extension (.json, else YAML)
  - Decimals accepted as numbers; dates as YYYY-MM-DD
  - Every policy is validated before the catalog sees it
  - FileSource re-reads the file on each load, so Reload picks up edits

USAGE:
  src := factory.NewFileSource("policies.yaml")
  catalog := leave.NewCatalog(src)
  registry := workflow.NewRegistry(src)

SEE ALSO:
  - leave/policy.go: LeavePolicy and the catalog
  - leave/presets.go: Built-in region presets
  - workflow/registry.go: Definition selection
*/
package factory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/workflow"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// FILE SCHEMA TYPES
// =============================================================================

// PolicyFile is the top-level document.
type PolicyFile struct {
	Policies  []PolicyDoc           `json:"policies" yaml:"policies"`
	Workflows []workflow.Definition `json:"workflows,omitempty" yaml:"workflows,omitempty"`
}

// PolicyDoc is the file representation of one policy version.
type PolicyDoc struct {
	LeaveType       string             `json:"leaveType" yaml:"leave_type"`
	Name            string             `json:"name" yaml:"name"`
	Region          string             `json:"region" yaml:"region"`
	Version         int                `json:"version" yaml:"version"`
	EffectiveFrom   string             `json:"effectiveFrom" yaml:"effective_from"`
	EntitlementDays float64            `json:"entitlementDays" yaml:"entitlement_days"`
	ByDesignation   map[string]float64 `json:"entitlementByDesignation,omitempty" yaml:"entitlement_by_designation,omitempty"`
	CompOffBacked   bool               `json:"compOffBacked,omitempty" yaml:"comp_off_backed,omitempty"`
	Accrual         AccrualDoc         `json:"accrual" yaml:"accrual"`
	Rounding        *RoundingDoc       `json:"rounding,omitempty" yaml:"rounding,omitempty"`
	Eligibility     EligibilityDoc     `json:"eligibility" yaml:"eligibility"`
	Rules           RulesDoc           `json:"rules" yaml:"rules"`
	CarryForward    CarryForwardDoc    `json:"carryForward" yaml:"carry_forward"`
}

// AccrualDoc describes how days are earned.
type AccrualDoc struct {
	Frequency string  `json:"frequency" yaml:"frequency"`
	Rate      float64 `json:"rate,omitempty" yaml:"rate,omitempty"`
}

// RoundingDoc mirrors generic.Rounding with a float precision.
type RoundingDoc struct {
	Mode      string  `json:"mode" yaml:"mode"`
	Precision float64 `json:"precision" yaml:"precision"`
}

// EligibilityDoc holds the demographic and tenure rules.
type EligibilityDoc struct {
	MinServiceMonths       int      `json:"minServiceMonths,omitempty" yaml:"min_service_months,omitempty"`
	AllowDuringProbation   bool     `json:"allowDuringProbation,omitempty" yaml:"allow_during_probation,omitempty"`
	AllowedGenders         []string `json:"allowedGenders,omitempty" yaml:"allowed_genders,omitempty"`
	AllowedMaritalStatuses []string `json:"allowedMaritalStatuses,omitempty" yaml:"allowed_marital_statuses,omitempty"`
}

// RulesDoc holds the per-request rules.
type RulesDoc struct {
	MaxConsecutiveDays         int     `json:"maxConsecutiveDays,omitempty" yaml:"max_consecutive_days,omitempty"`
	AdvanceNoticeDays          int     `json:"advanceNoticeDays,omitempty" yaml:"advance_notice_days,omitempty"`
	DocumentationThresholdDays float64 `json:"documentationThresholdDays,omitempty" yaml:"documentation_threshold_days,omitempty"`
	AllowMultiplePerYear       bool    `json:"allowMultiplePerYear,omitempty" yaml:"allow_multiple_per_year,omitempty"`
	AllowNegativeBalance       bool    `json:"allowNegativeBalance,omitempty" yaml:"allow_negative_balance,omitempty"`
	HalfDayAllowed             bool    `json:"halfDayAllowed,omitempty" yaml:"half_day_allowed,omitempty"`
	CancelApprovedBeforeStart  bool    `json:"cancelApprovedBeforeStart,omitempty" yaml:"cancel_approved_before_start,omitempty"`
	ApprovalLevels             int     `json:"approvalLevels,omitempty" yaml:"approval_levels,omitempty"`
}

// CarryForwardDoc holds the year-end rule.
type CarryForwardDoc struct {
	Rule          string             `json:"rule" yaml:"rule"`
	MaxDays       float64            `json:"maxDays,omitempty" yaml:"max_days,omitempty"`
	ByDesignation map[string]float64 `json:"byDesignation,omitempty" yaml:"by_designation,omitempty"`
}

// Format selects the file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf picks the format from a file name.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts file documents to domain values.
type PolicyFactory struct{}

func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// Parse decodes a document and converts every policy in it.
func (f *PolicyFactory) Parse(data []byte, format Format) ([]leave.LeavePolicy, []workflow.Definition, error) {
	var file PolicyFile
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&file); err != nil {
			return nil, nil, fmt.Errorf("failed to parse policy JSON: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil {
			return nil, nil, fmt.Errorf("failed to parse policy YAML: %w", err)
		}
	}

	policies := make([]leave.LeavePolicy, 0, len(file.Policies))
	for i, doc := range file.Policies {
		p, err := f.FromDoc(doc)
		if err != nil {
			return nil, nil, fmt.Errorf("policy #%d: %w", i+1, err)
		}
		policies = append(policies, p)
	}
	for _, def := range file.Workflows {
		if _, err := def.Normalized(); err != nil {
			return nil, nil, err
		}
	}
	return policies, file.Workflows, nil
}

// FromDoc converts and validates one policy document.
func (f *PolicyFactory) FromDoc(doc PolicyDoc) (leave.LeavePolicy, error) {
	effective, err := generic.ParseDate(doc.EffectiveFrom)
	if err != nil {
		return leave.LeavePolicy{}, fmt.Errorf("invalid effective_from %q: %w", doc.EffectiveFrom, generic.ErrValidation)
	}

	p := leave.LeavePolicy{
		LeaveType:               generic.LeaveTypeCode(strings.ToUpper(doc.LeaveType)),
		Name:                    doc.Name,
		Region:                  parseRegion(doc.Region),
		Version:                 doc.Version,
		EffectiveFrom:           effective,
		EntitlementDays:         decimal.NewFromFloat(doc.EntitlementDays),
		AccrualRate:             decimal.NewFromFloat(doc.Accrual.Rate),
		AccrualFrequency:        leave.AccrualFrequency(strings.ToUpper(doc.Accrual.Frequency)),
		DesignationEntitlements: decimalMap(doc.ByDesignation),
		Rounding:                parseRounding(doc.Rounding),
		CompOffBacked:           doc.CompOffBacked,

		MinServiceMonths:     doc.Eligibility.MinServiceMonths,
		AllowDuringProbation: doc.Eligibility.AllowDuringProbation,

		MaxConsecutiveDays:         doc.Rules.MaxConsecutiveDays,
		AdvanceNoticeDays:          doc.Rules.AdvanceNoticeDays,
		DocumentationThresholdDays: decimal.NewFromFloat(doc.Rules.DocumentationThresholdDays),
		AllowMultiplePerYear:       doc.Rules.AllowMultiplePerYear,
		AllowNegativeBalance:       doc.Rules.AllowNegativeBalance,
		HalfDayAllowed:             doc.Rules.HalfDayAllowed,
		CancelApprovedBeforeStart:  doc.Rules.CancelApprovedBeforeStart,
		ApprovalLevels:             doc.Rules.ApprovalLevels,

		CarryForwardRule:          parseCarryForward(doc.CarryForward.Rule),
		CarryForwardMaxDays:       decimal.NewFromFloat(doc.CarryForward.MaxDays),
		CarryForwardByDesignation: decimalMap(doc.CarryForward.ByDesignation),
	}
	if p.Version == 0 {
		p.Version = 1
	}
	if p.AccrualFrequency == "" {
		p.AccrualFrequency = leave.AccrualNone
	}
	for _, g := range doc.Eligibility.AllowedGenders {
		p.AllowedGenders = append(p.AllowedGenders, leave.Gender(strings.ToUpper(g)))
	}
	for _, m := range doc.Eligibility.AllowedMaritalStatuses {
		p.AllowedMaritalStatuses = append(p.AllowedMaritalStatuses, leave.MaritalStatus(strings.ToUpper(m)))
	}

	if err := p.Validate(); err != nil {
		return leave.LeavePolicy{}, err
	}
	return p, nil
}

// ToDoc converts a policy back to its file representation.
func (f *PolicyFactory) ToDoc(p leave.LeavePolicy) PolicyDoc {
	doc := PolicyDoc{
		LeaveType:       string(p.LeaveType),
		Name:            p.Name,
		Region:          string(p.Region),
		Version:         p.Version,
		EffectiveFrom:   p.EffectiveFrom.String(),
		EntitlementDays: p.EntitlementDays.InexactFloat64(),
		ByDesignation:   floatMap(p.DesignationEntitlements),
		CompOffBacked:   p.CompOffBacked,
		Accrual: AccrualDoc{
			Frequency: string(p.AccrualFrequency),
			Rate:      p.AccrualRate.InexactFloat64(),
		},
		Eligibility: EligibilityDoc{
			MinServiceMonths:     p.MinServiceMonths,
			AllowDuringProbation: p.AllowDuringProbation,
		},
		Rules: RulesDoc{
			MaxConsecutiveDays:         p.MaxConsecutiveDays,
			AdvanceNoticeDays:          p.AdvanceNoticeDays,
			DocumentationThresholdDays: p.DocumentationThresholdDays.InexactFloat64(),
			AllowMultiplePerYear:       p.AllowMultiplePerYear,
			AllowNegativeBalance:       p.AllowNegativeBalance,
			HalfDayAllowed:             p.HalfDayAllowed,
			CancelApprovedBeforeStart:  p.CancelApprovedBeforeStart,
			ApprovalLevels:             p.ApprovalLevels,
		},
		CarryForward: CarryForwardDoc{
			Rule:          string(p.CarryForwardRule),
			MaxDays:       p.CarryForwardMaxDays.InexactFloat64(),
			ByDesignation: floatMap(p.CarryForwardByDesignation),
		},
	}
	if p.Rounding.Mode != "" || !p.Rounding.Precision.IsZero() {
		doc.Rounding = &RoundingDoc{Mode: string(p.Rounding.Mode), Precision: p.Rounding.Precision.InexactFloat64()}
	}
	for _, g := range p.AllowedGenders {
		doc.Eligibility.AllowedGenders = append(doc.Eligibility.AllowedGenders, string(g))
	}
	for _, m := range p.AllowedMaritalStatuses {
		doc.Eligibility.AllowedMaritalStatuses = append(doc.Eligibility.AllowedMaritalStatuses, string(m))
	}
	return doc
}

// Encode writes policies and workflows as one document.
func (f *PolicyFactory) Encode(policies []leave.LeavePolicy, defs []workflow.Definition, format Format) ([]byte, error) {
	file := PolicyFile{Workflows: defs}
	for _, p := range policies {
		file.Policies = append(file.Policies, f.ToDoc(p))
	}
	if format == FormatJSON {
		return json.MarshalIndent(file, "", "  ")
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(file); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// =============================================================================
// FILE SOURCE
// =============================================================================

// FileSource serves policies and workflow definitions from one file. It
// satisfies leave.PolicySource and workflow.DefinitionSource.
type FileSource struct {
	Path    string
	factory *PolicyFactory
}

var (
	_ leave.PolicySource        = (*FileSource)(nil)
	_ workflow.DefinitionSource = (*FileSource)(nil)
)

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path, factory: NewPolicyFactory()}
}

func (s *FileSource) load() ([]leave.LeavePolicy, []workflow.Definition, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", s.Path, err)
	}
	policies, defs, err := s.factory.Parse(data, FormatOf(s.Path))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", s.Path, err)
	}
	return policies, defs, nil
}

func (s *FileSource) LoadPolicies(context.Context) ([]leave.LeavePolicy, error) {
	policies, _, err := s.load()
	return policies, err
}

// LoadDefinitions returns the file's workflows, or the stock definitions
// when the file declares none.
func (s *FileSource) LoadDefinitions(context.Context) ([]workflow.Definition, error) {
	_, defs, err := s.load()
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return leave.DefaultWorkflows(), nil
	}
	return defs, nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseRegion(s string) generic.Region {
	if s == "" {
		return generic.RegionGlobal
	}
	return generic.Region(strings.ToUpper(s))
}

func parseCarryForward(s string) leave.CarryForwardRule {
	if s == "" {
		return leave.CarryExpireAll
	}
	return leave.CarryForwardRule(strings.ToUpper(s))
}

func parseRounding(rd *RoundingDoc) generic.Rounding {
	if rd == nil {
		return generic.Rounding{Mode: generic.RoundNearest, Precision: generic.DefaultPrecision}
	}
	r := generic.Rounding{Mode: generic.RoundingMode(strings.ToUpper(rd.Mode)), Precision: decimal.NewFromFloat(rd.Precision)}
	if r.Mode == "" {
		r.Mode = generic.RoundNearest
	}
	return r
}

func decimalMap(m map[string]float64) map[string]decimal.Decimal {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = decimal.NewFromFloat(v)
	}
	return out
}

func floatMap(m map[string]decimal.Decimal) map[string]float64 {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v.InexactFloat64()
	}
	return out
}
