/*
compoff.go - CompOffLedger: compensatory days off

PURPOSE:
  An employee who works a non-working day (weekend or region holiday) earns
  a comp-off grant: 1.0 day for a full day's hours, 0.5 for a half day.
  Grants expire ValidityMonths after the work date; unused capacity is lost.

ACCOUNT MODEL:
  Each employee has one CompOffAccount holding grants, the work dates
  already credited and request holds. The account is versioned like a
  balance row, so concurrent writers retry against fresh state.

CONSUMPTION:
  FIFO by EarnedDate over AVAILABLE grants still valid on the consumption
  date. A grant may be consumed partially (0.5 of 1.0); Remaining shrinks in
  place and the grant turns USED at zero.

HOLDS:
  A comp-off-backed leave request takes a hold at submit time: days are
  allocated FIFO and leave the grants immediately. Approval consumes the
  hold, rejection or cancellation releases it. Days released back onto a
  grant that expired meanwhile are lost.

EXPIRY:
  A grant is usable while asOf < ExpiryDate. SweepExpired moves grants
  with asOf >= ExpiryDate to EXPIRED and warns once about grants expiring
  within ExpiringSoonDays.

SEE ALSO:
  - request.go: Hold/ConsumeHold/ReleaseHold from the orchestrator
  - api/scheduler.go: Daily sweep
*/
package leave

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// TYPES
// =============================================================================

type CompOffStatus string

const (
	CompOffAvailable CompOffStatus = "AVAILABLE"
	CompOffUsed      CompOffStatus = "USED"
	CompOffExpired   CompOffStatus = "EXPIRED"
)

type WorkType string

const (
	WorkWeekend WorkType = "WEEKEND"
	WorkHoliday WorkType = "HOLIDAY"
	WorkOther   WorkType = "OTHER"
)

// WorkLog is a claim for work done on a non-working day.
type WorkLog struct {
	EmployeeID  generic.EmployeeID `json:"employeeId"`
	WorkDate    generic.TimePoint  `json:"workDate"`
	Hours       float64            `json:"hours"`
	WorkType    WorkType           `json:"workType"`
	Description string             `json:"description,omitempty"`
}

type CompOffGrant struct {
	ID            string             `json:"id"`
	EmployeeID    generic.EmployeeID `json:"employeeId"`
	EarnedDate    generic.TimePoint  `json:"earnedDate"`
	DayEquivalent decimal.Decimal    `json:"dayEquivalent"`
	Remaining     decimal.Decimal    `json:"remaining"`
	ExpiryDate    generic.TimePoint  `json:"expiryDate"`
	Status        CompOffStatus      `json:"status"`
	Forfeited     decimal.Decimal    `json:"forfeited"`
	WarnedExpiry  bool               `json:"warnedExpiry,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
}

// ValidOn reports whether the grant can be drawn on asOf.
func (g CompOffGrant) ValidOn(asOf generic.TimePoint) bool {
	return g.Status == CompOffAvailable && asOf.Before(g.ExpiryDate) && g.Remaining.IsPositive()
}

type HoldState string

const (
	HoldActive   HoldState = "HELD"
	HoldConsumed HoldState = "CONSUMED"
	HoldReleased HoldState = "RELEASED"
)

// GrantAllocation is the part of one grant a consumption drew.
type GrantAllocation struct {
	GrantID string          `json:"grantId"`
	Days    decimal.Decimal `json:"days"`
}

type CompOffHold struct {
	RequestID   generic.RequestID `json:"requestId"`
	Days        decimal.Decimal   `json:"days"`
	Allocations []GrantAllocation `json:"allocations"`
	State       HoldState         `json:"state"`
}

// CompOffAccount is the versioned per-employee comp-off aggregate.
type CompOffAccount struct {
	EmployeeID generic.EmployeeID                `json:"employeeId"`
	Grants     []CompOffGrant                    `json:"grants"`
	WorkDates  map[string]WorkLog                `json:"workDates"`
	Holds      map[generic.RequestID]CompOffHold `json:"holds"`
	Version    int64                             `json:"version"`
}

func NewCompOffAccount(emp generic.EmployeeID) CompOffAccount {
	return CompOffAccount{
		EmployeeID: emp,
		WorkDates:  map[string]WorkLog{},
		Holds:      map[generic.RequestID]CompOffHold{},
	}
}

func (a CompOffAccount) Clone() CompOffAccount {
	out := a
	out.Grants = append([]CompOffGrant(nil), a.Grants...)
	out.WorkDates = make(map[string]WorkLog, len(a.WorkDates))
	for k, v := range a.WorkDates {
		out.WorkDates[k] = v
	}
	out.Holds = make(map[generic.RequestID]CompOffHold, len(a.Holds))
	for k, v := range a.Holds {
		v.Allocations = append([]GrantAllocation(nil), v.Allocations...)
		out.Holds[k] = v
	}
	return out
}

// Available sums the remaining days of grants valid on asOf.
func (a CompOffAccount) Available(asOf generic.TimePoint) decimal.Decimal {
	total := decimal.Zero
	for _, g := range a.Grants {
		if g.ValidOn(asOf) {
			total = total.Add(g.Remaining)
		}
	}
	return total
}

// allocate draws days FIFO by EarnedDate from grants valid on asOf.
func (a *CompOffAccount) allocate(days decimal.Decimal, asOf generic.TimePoint) ([]GrantAllocation, error) {
	if avail := a.Available(asOf); avail.LessThan(days) {
		availAmt := generic.NewAmountFromDecimal(avail, generic.UnitDays)
		req := generic.NewAmountFromDecimal(days, generic.UnitDays)
		return nil, &generic.InsufficientBalanceError{
			Key:       generic.BalanceKey{EmployeeID: a.EmployeeID, LeaveType: TypeCompOff, Year: asOf.Year()},
			Available: availAmt,
			Requested: req,
			Shortfall: req.Sub(availAmt),
		}
	}
	order := make([]int, len(a.Grants))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return a.Grants[order[i]].EarnedDate.Before(a.Grants[order[j]].EarnedDate)
	})

	var out []GrantAllocation
	left := days
	for _, i := range order {
		if !left.IsPositive() {
			break
		}
		g := &a.Grants[i]
		if !g.ValidOn(asOf) {
			continue
		}
		take := decimal.Min(left, g.Remaining)
		g.Remaining = g.Remaining.Sub(take)
		if g.Remaining.IsZero() {
			g.Status = CompOffUsed
		}
		left = left.Sub(take)
		out = append(out, GrantAllocation{GrantID: g.ID, Days: take})
	}
	return out, nil
}

func (a *CompOffAccount) grant(id string) *CompOffGrant {
	for i := range a.Grants {
		if a.Grants[i].ID == id {
			return &a.Grants[i]
		}
	}
	return nil
}

// =============================================================================
// CONFIG
// =============================================================================

type CompOffConfig struct {
	FullDayHours         float64
	HalfDayHours         float64
	ValidityMonths       int
	ExpiringSoonDays     int
	RequireNonWorkingDay bool
	MaxRetries           int
}

func DefaultCompOffConfig() CompOffConfig {
	return CompOffConfig{
		FullDayHours:         8,
		HalfDayHours:         4,
		ValidityMonths:       3,
		ExpiringSoonDays:     7,
		RequireNonWorkingDay: true,
		MaxRetries:           DefaultMaxRetries,
	}
}

// =============================================================================
// LEDGER
// =============================================================================

type CompOffLedger struct {
	store     CompOffStore
	directory EmployeeDirectory
	calendar  generic.HolidayCalendar
	cfg       CompOffConfig
	workers   int
	opts      Options
}

func NewCompOffLedger(store CompOffStore, directory EmployeeDirectory, calendar generic.HolidayCalendar, cfg CompOffConfig, workers int, opts Options) *CompOffLedger {
	def := DefaultCompOffConfig()
	if cfg.FullDayHours <= 0 {
		cfg.FullDayHours = def.FullDayHours
	}
	if cfg.HalfDayHours <= 0 {
		cfg.HalfDayHours = def.HalfDayHours
	}
	if cfg.ValidityMonths <= 0 {
		cfg.ValidityMonths = def.ValidityMonths
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if calendar == nil {
		calendar = &generic.DefaultHolidayCalendar{}
	}
	if workers <= 0 {
		workers = DefaultJobWorkers
	}
	return &CompOffLedger{store: store, directory: directory, calendar: calendar, cfg: cfg, workers: workers, opts: opts.withDefaults()}
}

// Account returns the employee's account, empty if none exists yet.
func (c *CompOffLedger) Account(ctx context.Context, emp generic.EmployeeID) (CompOffAccount, error) {
	a, err := c.store.LoadCompOffAccount(ctx, emp)
	if errors.Is(err, generic.ErrNotFound) {
		return NewCompOffAccount(emp), nil
	}
	if err != nil {
		return CompOffAccount{}, fmt.Errorf("load comp-off account %s: %w", emp, err)
	}
	return a, nil
}

// Available is the usable comp-off balance on asOf.
func (c *CompOffLedger) Available(ctx context.Context, emp generic.EmployeeID, asOf generic.TimePoint) (decimal.Decimal, error) {
	a, err := c.Account(ctx, emp)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Available(asOf), nil
}

// RecordWorkLog credits a grant for work on a non-working day.
func (c *CompOffLedger) RecordWorkLog(ctx context.Context, log WorkLog) (CompOffGrant, error) {
	var reasons []string
	if log.EmployeeID == "" {
		reasons = append(reasons, "employee id is required")
	}
	if log.WorkDate.IsZero() {
		reasons = append(reasons, "work date is required")
	}
	if log.Hours <= 0 || log.Hours > 24 {
		reasons = append(reasons, fmt.Sprintf("hours must be within (0, 24], got %.2f", log.Hours))
	}
	if len(reasons) > 0 {
		return CompOffGrant{}, generic.NewValidationError(reasons...)
	}

	if c.cfg.RequireNonWorkingDay {
		emp, err := c.directory.GetEmployee(ctx, log.EmployeeID)
		if err != nil {
			return CompOffGrant{}, fmt.Errorf("load employee %s: %w", log.EmployeeID, err)
		}
		if log.WorkDate.IsWorkdayWithHolidays(c.calendar, emp.Region) {
			return CompOffGrant{}, generic.NewValidationError(fmt.Sprintf("%s is a working day in %s", log.WorkDate, emp.Region))
		}
	}

	var days decimal.Decimal
	switch {
	case log.Hours >= c.cfg.FullDayHours:
		days = decimal.NewFromInt(1)
	case log.Hours >= c.cfg.HalfDayHours:
		days = decimal.NewFromFloat(0.5)
	default:
		return CompOffGrant{}, &generic.InsufficientHoursError{Hours: log.Hours, Required: c.cfg.HalfDayHours}
	}
	if log.WorkType == "" {
		log.WorkType = WorkOther
	}

	grant := CompOffGrant{
		ID:            c.opts.NewID(),
		EmployeeID:    log.EmployeeID,
		EarnedDate:    log.WorkDate,
		DayEquivalent: days,
		Remaining:     days,
		ExpiryDate:    log.WorkDate.AddMonths(c.cfg.ValidityMonths),
		Status:        CompOffAvailable,
		CreatedAt:     c.opts.Clock.Now(),
	}
	_, err := c.mutate(ctx, log.EmployeeID, func(a *CompOffAccount) error {
		dateKey := log.WorkDate.String()
		if _, dup := a.WorkDates[dateKey]; dup {
			return &generic.DuplicateWorkLogError{EmployeeID: log.EmployeeID, WorkDate: log.WorkDate}
		}
		a.WorkDates[dateKey] = log
		a.Grants = append(a.Grants, grant)
		return nil
	})
	if err != nil {
		return CompOffGrant{}, err
	}
	c.opts.audit(ctx, generic.AuditEntry{
		Action:     generic.AuditCompOffGranted,
		EmployeeID: log.EmployeeID,
		LeaveType:  TypeCompOff,
		Delta:      generic.NewAmountFromDecimal(days, generic.UnitDays),
		Payload:    map[string]any{"grantId": grant.ID, "workDate": log.WorkDate.String(), "hours": log.Hours},
	})
	return grant, nil
}

// Consume debits days FIFO from grants valid on asOf.
func (c *CompOffLedger) Consume(ctx context.Context, emp generic.EmployeeID, days decimal.Decimal, asOf generic.TimePoint) ([]GrantAllocation, error) {
	if err := validateCompOffDays(days); err != nil {
		return nil, err
	}
	var allocs []GrantAllocation
	_, err := c.mutate(ctx, emp, func(a *CompOffAccount) error {
		var err error
		allocs, err = a.allocate(days, asOf)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.recordConsumed(ctx, emp, "", days, allocs)
	return allocs, nil
}

// Hold allocates days for a pending request. A repeat for the same request
// returns the existing hold.
func (c *CompOffLedger) Hold(ctx context.Context, emp generic.EmployeeID, requestID generic.RequestID, days decimal.Decimal, asOf generic.TimePoint) (CompOffHold, error) {
	if err := validateCompOffDays(days); err != nil {
		return CompOffHold{}, err
	}
	var hold CompOffHold
	_, err := c.mutate(ctx, emp, func(a *CompOffAccount) error {
		if h, ok := a.Holds[requestID]; ok {
			hold = h
			if h.State == HoldActive || h.State == HoldConsumed {
				return errNoop
			}
			return holdTransition(requestID, h.State, HoldActive)
		}
		allocs, err := a.allocate(days, asOf)
		if err != nil {
			return err
		}
		hold = CompOffHold{RequestID: requestID, Days: days, Allocations: allocs, State: HoldActive}
		a.Holds[requestID] = hold
		return nil
	})
	return hold, err
}

// ConsumeHold turns a hold into consumption on approval.
func (c *CompOffLedger) ConsumeHold(ctx context.Context, emp generic.EmployeeID, requestID generic.RequestID) error {
	var consumed *CompOffHold
	_, err := c.mutate(ctx, emp, func(a *CompOffAccount) error {
		consumed = nil
		h, ok := a.Holds[requestID]
		if !ok {
			return holdTransition(requestID, "", HoldConsumed)
		}
		switch h.State {
		case HoldConsumed:
			return errNoop
		case HoldActive:
		default:
			return holdTransition(requestID, h.State, HoldConsumed)
		}
		h.State = HoldConsumed
		a.Holds[requestID] = h
		consumed = &h
		return nil
	})
	if err == nil && consumed != nil {
		c.recordConsumed(ctx, emp, requestID, consumed.Days, consumed.Allocations)
	}
	return err
}

// ReleaseHold returns held days to their grants. Days whose grant expired
// in the meantime (swept or past its expiry date) are forfeited.
func (c *CompOffLedger) ReleaseHold(ctx context.Context, emp generic.EmployeeID, requestID generic.RequestID) error {
	return c.releaseHold(ctx, emp, requestID, HoldActive)
}

// RestoreConsumed reverses a consumed hold, for cancelling an approved
// comp-off request before it starts.
func (c *CompOffLedger) RestoreConsumed(ctx context.Context, emp generic.EmployeeID, requestID generic.RequestID) error {
	return c.releaseHold(ctx, emp, requestID, HoldConsumed)
}

func (c *CompOffLedger) releaseHold(ctx context.Context, emp generic.EmployeeID, requestID generic.RequestID, from HoldState) error {
	today := c.opts.today()
	_, err := c.mutate(ctx, emp, func(a *CompOffAccount) error {
		h, ok := a.Holds[requestID]
		if !ok {
			return holdTransition(requestID, "", HoldReleased)
		}
		if h.State == HoldReleased {
			return errNoop
		}
		if h.State != from {
			return holdTransition(requestID, h.State, HoldReleased)
		}
		for _, alloc := range h.Allocations {
			g := a.grant(alloc.GrantID)
			if g == nil {
				continue
			}
			if g.Status == CompOffExpired || !today.Before(g.ExpiryDate) {
				g.Forfeited = g.Forfeited.Add(alloc.Days)
				g.Status = CompOffExpired
				continue
			}
			g.Remaining = g.Remaining.Add(alloc.Days)
			g.Status = CompOffAvailable
		}
		h.State = HoldReleased
		a.Holds[requestID] = h
		return nil
	})
	return err
}

func holdTransition(id generic.RequestID, from, to HoldState) error {
	if from == "" {
		from = "NONE"
	}
	return &generic.InvalidTransitionError{Entity: "comp-off hold " + string(id), From: string(from), To: string(to)}
}

func validateCompOffDays(days decimal.Decimal) error {
	if !days.IsPositive() {
		return generic.NewValidationError(fmt.Sprintf("comp-off days must be positive, got %s", days))
	}
	if !generic.NewAmountFromDecimal(days, generic.UnitDays).IsMultipleOf(decimal.NewFromFloat(0.5)) {
		return generic.NewValidationError(fmt.Sprintf("comp-off days must be a multiple of 0.5, got %s", days))
	}
	return nil
}

func (c *CompOffLedger) recordConsumed(ctx context.Context, emp generic.EmployeeID, requestID generic.RequestID, days decimal.Decimal, allocs []GrantAllocation) {
	ids := make([]string, len(allocs))
	for i, a := range allocs {
		ids[i] = a.GrantID
	}
	c.opts.audit(ctx, generic.AuditEntry{
		Action:     generic.AuditCompOffConsumed,
		EmployeeID: emp,
		LeaveType:  TypeCompOff,
		RequestID:  requestID,
		Delta:      generic.NewAmountFromDecimal(days.Neg(), generic.UnitDays),
		Payload:    map[string]any{"grants": ids},
	})
}

// =============================================================================
// EXPIRY SWEEP
// =============================================================================

// SweepExpired expires grants with asOf >= ExpiryDate across all accounts
// and warns about grants expiring within ExpiringSoonDays.
func (c *CompOffLedger) SweepExpired(ctx context.Context, asOf generic.TimePoint) (generic.JobResult, error) {
	job := "compoff-expiry:" + asOf.String()
	employees, err := c.store.ListCompOffEmployees(ctx)
	if err != nil {
		return generic.JobResult{Job: job}, fmt.Errorf("%s: list accounts: %w", job, err)
	}
	collector := generic.NewJobCollector(job)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, emp := range employees {
		emp := emp
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			changed, err := c.sweepAccount(gctx, emp, asOf)
			if err == nil && !changed {
				collector.Skip()
				return nil
			}
			collector.Record(string(emp), err)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return collector.Result(), fmt.Errorf("%s: %w", job, err)
	}
	res := collector.Result()
	c.opts.Logger.Info("comp-off sweep finished",
		zap.String("job", job),
		zap.Int("processed", res.Processed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failures", len(res.Failures)))
	return res, nil
}

func (c *CompOffLedger) sweepAccount(ctx context.Context, emp generic.EmployeeID, asOf generic.TimePoint) (bool, error) {
	var expired, warned []CompOffGrant
	soon := asOf.AddDays(c.cfg.ExpiringSoonDays)
	_, err := c.mutate(ctx, emp, func(a *CompOffAccount) error {
		expired, warned = nil, nil
		for i := range a.Grants {
			g := &a.Grants[i]
			if g.Status != CompOffAvailable {
				continue
			}
			switch {
			case asOf.AfterOrEqual(g.ExpiryDate):
				g.Forfeited = g.Forfeited.Add(g.Remaining)
				g.Remaining = decimal.Zero
				g.Status = CompOffExpired
				expired = append(expired, *g)
			case c.cfg.ExpiringSoonDays > 0 && !g.WarnedExpiry && g.ExpiryDate.BeforeOrEqual(soon):
				g.WarnedExpiry = true
				warned = append(warned, *g)
			}
		}
		if len(expired) == 0 && len(warned) == 0 {
			return errNoop
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	for _, g := range expired {
		c.opts.audit(ctx, generic.AuditEntry{
			Action:     generic.AuditCompOffExpired,
			EmployeeID: emp,
			LeaveType:  TypeCompOff,
			Delta:      generic.NewAmountFromDecimal(g.Forfeited.Neg(), generic.UnitDays),
			Payload:    map[string]any{"grantId": g.ID, "expiryDate": g.ExpiryDate.String()},
		})
	}
	for _, g := range warned {
		c.opts.publish(ctx, generic.Event{
			Type:       generic.EventCompOffExpiringSoon,
			EmployeeID: emp,
			Payload: map[string]any{
				"grantId":    g.ID,
				"remaining":  g.Remaining.String(),
				"expiryDate": g.ExpiryDate.String(),
			},
		})
	}
	return len(expired)+len(warned) > 0, nil
}

// =============================================================================
// OPTIMISTIC LOOP
// =============================================================================

func (c *CompOffLedger) mutate(ctx context.Context, emp generic.EmployeeID, fn func(a *CompOffAccount) error) (CompOffAccount, error) {
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return CompOffAccount{}, err
		}
		current, err := c.store.LoadCompOffAccount(ctx, emp)
		if errors.Is(err, generic.ErrNotFound) {
			current = NewCompOffAccount(emp)
		} else if err != nil {
			return CompOffAccount{}, fmt.Errorf("load comp-off account %s: %w", emp, err)
		}

		next := current.Clone()
		if err := fn(&next); err != nil {
			if errors.Is(err, errNoop) {
				return current, nil
			}
			return current, err
		}
		next.Version = current.Version + 1

		err = c.store.SaveCompOffAccount(ctx, next, current.Version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, generic.ErrVersionMismatch) {
			return CompOffAccount{}, fmt.Errorf("save comp-off account %s: %w", emp, err)
		}
		c.opts.Logger.Debug("comp-off version conflict, retrying",
			zap.String("employee_id", string(emp)),
			zap.Int("attempt", attempt))
	}
	return CompOffAccount{}, &generic.ConcurrencyConflictError{Key: "compoff/" + string(emp), Attempts: c.cfg.MaxRetries}
}
