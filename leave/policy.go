/*
policy.go - Leave policies and the policy catalog

PURPOSE:
  A LeavePolicy is the ruleset for one leave type in one region from a given
  effective date: how days are earned, who may take them, how many at once,
  what happens to unused days at year end, and how many approval levels a
  request needs.

KEY CONCEPTS:
  - AccrualFrequency: MONTHLY credits (India CL/PL), ANNUAL grants (USA PTO),
    NONE for event-driven types (maternity, comp-off)
  - CarryForwardRule: EXPIRE_ALL, CAP_AT_MAX or DESIGNATION_BASED
  - Region fallback: a region without its own variant uses the GLOBAL one
    (fallback, never merge)
  - Versioning: several versions may exist; Lookup returns the latest one
    effective on the requested date

CATALOG:
  The Catalog is a read-mostly snapshot. Lookups return deep copies so no
  caller can mutate shared policy state. Reload swaps the whole snapshot.

EXAMPLE:
  catalog := leave.NewCatalog(leave.StaticPolicies(leave.IndiaPolicies(from)...))
  _ = catalog.Reload(ctx)
  cl, err := catalog.Lookup(leave.TypeCasual, generic.RegionIndia, today)

SEE ALSO:
  - presets.go: Region presets
  - factory/policy.go: YAML/JSON policy definitions
*/
package leave

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// LEAVE POLICY
// =============================================================================

type AccrualFrequency string

const (
	AccrualMonthly AccrualFrequency = "MONTHLY"
	AccrualAnnual  AccrualFrequency = "ANNUAL"
	AccrualNone    AccrualFrequency = "NONE"
)

type CarryForwardRule string

const (
	CarryExpireAll        CarryForwardRule = "EXPIRE_ALL"
	CarryCapAtMax         CarryForwardRule = "CAP_AT_MAX"
	CarryDesignationBased CarryForwardRule = "DESIGNATION_BASED"
)

// LeavePolicy is an immutable policy version.
type LeavePolicy struct {
	LeaveType     generic.LeaveTypeCode
	Name          string
	Region        generic.Region
	Version       int
	EffectiveFrom generic.TimePoint

	// Entitlement
	EntitlementDays         decimal.Decimal
	AccrualRate             decimal.Decimal // per month for MONTHLY; 0 means 1.0
	AccrualFrequency        AccrualFrequency
	DesignationEntitlements map[string]decimal.Decimal
	Rounding                generic.Rounding

	// Eligibility
	MinServiceMonths       int
	AllowDuringProbation   bool
	AllowedGenders         []Gender
	AllowedMaritalStatuses []MaritalStatus

	// Request rules
	MaxConsecutiveDays         int // 0 = no limit
	AdvanceNoticeDays          int
	DocumentationThresholdDays decimal.Decimal // 0 = never required
	AllowMultiplePerYear       bool
	AllowNegativeBalance       bool
	HalfDayAllowed             bool
	CancelApprovedBeforeStart  bool
	ApprovalLevels             int

	// Year end
	CarryForwardRule          CarryForwardRule
	CarryForwardMaxDays       decimal.Decimal
	CarryForwardByDesignation map[string]decimal.Decimal

	// CompOffBacked types draw on comp-off grants instead of a balance row.
	CompOffBacked bool
}

// Clone returns a deep copy.
func (p LeavePolicy) Clone() LeavePolicy {
	out := p
	out.DesignationEntitlements = cloneDecimalMap(p.DesignationEntitlements)
	out.CarryForwardByDesignation = cloneDecimalMap(p.CarryForwardByDesignation)
	out.AllowedGenders = append([]Gender(nil), p.AllowedGenders...)
	out.AllowedMaritalStatuses = append([]MaritalStatus(nil), p.AllowedMaritalStatuses...)
	return out
}

// Validate rejects inconsistent policies at load time.
func (p LeavePolicy) Validate() error {
	var reasons []string
	if p.LeaveType == "" {
		reasons = append(reasons, "leave type is required")
	}
	if p.Region == "" {
		reasons = append(reasons, "region is required")
	}
	if p.EffectiveFrom.IsZero() {
		reasons = append(reasons, "effective-from date is required")
	}
	switch p.AccrualFrequency {
	case AccrualMonthly, AccrualAnnual, AccrualNone:
	default:
		reasons = append(reasons, fmt.Sprintf("unknown accrual frequency %q", p.AccrualFrequency))
	}
	switch p.CarryForwardRule {
	case CarryExpireAll, CarryCapAtMax, CarryDesignationBased:
	default:
		reasons = append(reasons, fmt.Sprintf("unknown carry-forward rule %q", p.CarryForwardRule))
	}
	if p.EntitlementDays.IsNegative() || p.AccrualRate.IsNegative() || p.CarryForwardMaxDays.IsNegative() {
		reasons = append(reasons, "day amounts must not be negative")
	}
	if p.MaxConsecutiveDays < 0 || p.AdvanceNoticeDays < 0 || p.MinServiceMonths < 0 || p.ApprovalLevels < 0 {
		reasons = append(reasons, "counts must not be negative")
	}
	if len(reasons) > 0 {
		return fmt.Errorf("policy %s/%s v%d: %w", p.LeaveType, p.Region, p.Version, generic.NewValidationError(reasons...))
	}
	return nil
}

// MonthlyRate is the per-month accrual credit.
func (p LeavePolicy) MonthlyRate() decimal.Decimal {
	if p.AccrualRate.IsZero() {
		return decimal.NewFromInt(1)
	}
	return p.AccrualRate
}

// AnnualBaseline is the yearly grant for a designation.
func (p LeavePolicy) AnnualBaseline(designation string) decimal.Decimal {
	if v, ok := p.DesignationEntitlements[designation]; ok {
		return v
	}
	return p.EntitlementDays
}

// CarryCap is the most days that may carry into the next year for a
// designation. DESIGNATION_BASED falls back to CarryForwardMaxDays.
func (p LeavePolicy) CarryCap(designation string) decimal.Decimal {
	switch p.CarryForwardRule {
	case CarryExpireAll:
		return decimal.Zero
	case CarryDesignationBased:
		if v, ok := p.CarryForwardByDesignation[designation]; ok {
			return v
		}
	}
	return p.CarryForwardMaxDays
}

func cloneDecimalMap(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	if m == nil {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// =============================================================================
// POLICY SOURCE
// =============================================================================

// PolicySource loads every known policy version.
type PolicySource interface {
	LoadPolicies(ctx context.Context) ([]LeavePolicy, error)
}

// StaticPolicies serves a fixed list of policies.
type StaticPolicies []LeavePolicy

func (s StaticPolicies) LoadPolicies(context.Context) ([]LeavePolicy, error) {
	out := make([]LeavePolicy, len(s))
	for i, p := range s {
		out[i] = p.Clone()
	}
	return out, nil
}

// =============================================================================
// CATALOG
// =============================================================================

type catalogKey struct {
	leaveType generic.LeaveTypeCode
	region    generic.Region
}

// Catalog resolves policies by (type, region, date).
type Catalog struct {
	mu       sync.RWMutex
	source   PolicySource
	versions map[catalogKey][]LeavePolicy // newest EffectiveFrom first
}

func NewCatalog(source PolicySource) *Catalog {
	return &Catalog{source: source, versions: map[catalogKey][]LeavePolicy{}}
}

// Reload replaces the snapshot from the source. On error the previous
// snapshot stays active.
func (c *Catalog) Reload(ctx context.Context) error {
	if c.source == nil {
		return nil
	}
	policies, err := c.source.LoadPolicies(ctx)
	if err != nil {
		return fmt.Errorf("catalog: load policies: %w", err)
	}
	return c.Replace(policies)
}

// Replace validates and installs a policy set.
func (c *Catalog) Replace(policies []LeavePolicy) error {
	versions := map[catalogKey][]LeavePolicy{}
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return err
		}
		k := catalogKey{p.LeaveType, p.Region}
		versions[k] = append(versions[k], p.Clone())
	}
	for k, list := range versions {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].EffectiveFrom.Equal(list[j].EffectiveFrom) {
				return list[i].Version > list[j].Version
			}
			return list[i].EffectiveFrom.After(list[j].EffectiveFrom)
		})
		versions[k] = list
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions = versions
	return nil
}

// Lookup returns the latest policy effective at asOf for the region, falling
// back to the GLOBAL variant.
func (c *Catalog) Lookup(leaveType generic.LeaveTypeCode, region generic.Region, asOf generic.TimePoint) (LeavePolicy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.lookupLocked(leaveType, region, asOf); ok {
		return p.Clone(), nil
	}
	if region != generic.RegionGlobal {
		if p, ok := c.lookupLocked(leaveType, generic.RegionGlobal, asOf); ok {
			return p.Clone(), nil
		}
	}
	return LeavePolicy{}, &generic.PolicyNotFoundError{LeaveType: leaveType, Region: region, AsOf: asOf}
}

func (c *Catalog) lookupLocked(leaveType generic.LeaveTypeCode, region generic.Region, asOf generic.TimePoint) (LeavePolicy, bool) {
	for _, p := range c.versions[catalogKey{leaveType, region}] {
		if p.EffectiveFrom.BeforeOrEqual(asOf) {
			return p, true
		}
	}
	return LeavePolicy{}, false
}

// ForRegion lists the policy effective at asOf for every leave type available
// to the region, region variants taking precedence over GLOBAL ones.
func (c *Catalog) ForRegion(region generic.Region, asOf generic.TimePoint) []LeavePolicy {
	c.mu.RLock()
	types := map[generic.LeaveTypeCode]struct{}{}
	for k := range c.versions {
		if k.region == region || k.region == generic.RegionGlobal {
			types[k.leaveType] = struct{}{}
		}
	}
	c.mu.RUnlock()

	codes := make([]generic.LeaveTypeCode, 0, len(types))
	for t := range types {
		codes = append(codes, t)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	var out []LeavePolicy
	for _, t := range codes {
		if p, err := c.Lookup(t, region, asOf); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// All returns every policy version in the snapshot.
func (c *Catalog) All() []LeavePolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []LeavePolicy
	for _, list := range c.versions {
		for _, p := range list {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Region != out[j].Region {
			return out[i].Region < out[j].Region
		}
		if out[i].LeaveType != out[j].LeaveType {
			return out[i].LeaveType < out[j].LeaveType
		}
		return out[i].Version < out[j].Version
	})
	return out
}
