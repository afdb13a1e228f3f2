/*
carryforward.go - CarryForwardProcessor: year-end close of balance rows

PURPOSE:
  At year end every (employee, leave type) row is closed. Unused days either
  move into next year's row as CarryForwardIn or expire.

RULES:
  EXPIRE_ALL          everything expires (e.g. Casual Leave)
  CAP_AT_MAX          carry = min(available, CarryForwardMaxDays) (e.g. Earned Leave)
  DESIGNATION_BASED   cap by designation (e.g. USA PTO: 5 for ICs, 0 for VPs)

STEPS (each idempotent on its own):
  1. BalanceLedger.CloseYear   archive the old row, expire the excess
  2. ExpiryStore.AppendExpiry  deterministic ID, duplicates ignored
  3. BalanceLedger.OpenYear    seed CarryForwardIn on the next row

  A crash between steps is repaired by rerunning: finished steps report
  AlreadyProcessed and the missing ones complete. Only when every step was
  already done does ProcessYearEnd return AlreadyProcessedError.

SEE ALSO:
  - ledger.go: CloseYear / OpenYear
  - policy.go: CarryCap
*/
package leave

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/leave-engine/generic"
)

// YearEndResult describes what one year-end close did.
type YearEndResult struct {
	Key     generic.BalanceKey `json:"key"`
	ToYear  int                `json:"toYear"`
	Rule    CarryForwardRule   `json:"rule"`
	Carried decimal.Decimal    `json:"carried"`
	Expired decimal.Decimal    `json:"expired"`
	Expiry  *ExpiryRecord      `json:"expiry,omitempty"`
}

type CarryForwardProcessor struct {
	ledger    *BalanceLedger
	catalog   *Catalog
	directory EmployeeDirectory
	expiries  ExpiryStore
	workers   int
	opts      Options
}

func NewCarryForwardProcessor(ledger *BalanceLedger, catalog *Catalog, directory EmployeeDirectory, expiries ExpiryStore, workers int, opts Options) *CarryForwardProcessor {
	if workers <= 0 {
		workers = DefaultJobWorkers
	}
	return &CarryForwardProcessor{
		ledger:    ledger,
		catalog:   catalog,
		directory: directory,
		expiries:  expiries,
		workers:   workers,
		opts:      opts.withDefaults(),
	}
}

// ExpiryRecordID is deterministic so a rerun never writes a second record.
func ExpiryRecordID(emp generic.EmployeeID, lt generic.LeaveTypeCode, year int) string {
	return fmt.Sprintf("expiry:%s:%s:%d", emp, lt, year)
}

// ProcessYearEnd closes fromYear's row for one employee and leave type and
// seeds toYear's row.
func (p *CarryForwardProcessor) ProcessYearEnd(ctx context.Context, emp EmployeeProfile, leaveType generic.LeaveTypeCode, fromYear, toYear int) (YearEndResult, error) {
	if toYear != fromYear+1 {
		return YearEndResult{}, generic.NewValidationError(fmt.Sprintf("year end must move to the following year, got %d -> %d", fromYear, toYear))
	}
	pol, err := p.catalog.Lookup(leaveType, emp.Region, generic.EndOfYear(fromYear))
	if err != nil {
		return YearEndResult{}, err
	}
	key := generic.BalanceKey{EmployeeID: emp.ID, LeaveType: leaveType, Year: fromYear}
	res := YearEndResult{Key: key, ToYear: toYear, Rule: pol.CarryForwardRule}

	carryCap := pol.CarryCap(emp.Designation)
	closed, err := p.ledger.CloseYear(ctx, key, func(decimal.Decimal) decimal.Decimal { return carryCap })
	closedBefore := errors.Is(err, generic.ErrAlreadyProcessed)
	switch {
	case closedBefore:
		row, lerr := p.ledger.Balance(ctx, key)
		if lerr != nil {
			return res, lerr
		}
		res.Carried = row.CarriedForward
		res.Expired = row.AppliedKeys[YearEndExpiredKey]
	case err != nil:
		return res, fmt.Errorf("close %s: %w", key, err)
	default:
		res.Carried, res.Expired = closed.Carried, closed.Expired
	}

	if res.Expired.IsPositive() {
		rec := ExpiryRecord{
			ID:         ExpiryRecordID(emp.ID, leaveType, fromYear),
			EmployeeID: emp.ID,
			LeaveType:  leaveType,
			Year:       fromYear,
			Days:       generic.NewAmountFromDecimal(res.Expired, generic.UnitDays),
			Reason:     fmt.Sprintf("year end %s", pol.CarryForwardRule),
			CreatedAt:  p.opts.Clock.Now(),
		}
		if err := p.expiries.AppendExpiry(ctx, rec); err != nil {
			return res, fmt.Errorf("record expiry %s: %w", key, err)
		}
		res.Expiry = &rec
	}

	next := generic.BalanceKey{EmployeeID: emp.ID, LeaveType: leaveType, Year: toYear}
	_, err = p.ledger.OpenYear(ctx, next, fromYear, res.Carried)
	openedBefore := errors.Is(err, generic.ErrAlreadyProcessed)
	if err != nil && !openedBefore {
		return res, fmt.Errorf("open %s: %w", next, err)
	}
	if closedBefore && openedBefore {
		return res, &generic.AlreadyProcessedError{Key: key}
	}

	if !closedBefore {
		p.opts.audit(ctx, generic.AuditEntry{
			Action:     generic.AuditCarryForward,
			EmployeeID: emp.ID,
			LeaveType:  leaveType,
			Delta:      generic.NewAmountFromDecimal(res.Carried, generic.UnitDays),
			Payload:    map[string]any{"fromYear": fromYear, "toYear": toYear, "rule": string(pol.CarryForwardRule)},
		})
		if res.Expired.IsPositive() {
			p.opts.audit(ctx, generic.AuditEntry{
				Action:     generic.AuditExpiry,
				EmployeeID: emp.ID,
				LeaveType:  leaveType,
				Delta:      generic.NewAmountFromDecimal(res.Expired.Neg(), generic.UnitDays),
				Payload:    map[string]any{"year": fromYear},
			})
		}
	}
	p.opts.publish(ctx, generic.Event{
		Type:       generic.EventCarryForwardProcessed,
		EmployeeID: emp.ID,
		Payload: map[string]any{
			"leaveType": string(leaveType),
			"fromYear":  fromYear,
			"toYear":    toYear,
			"carried":   res.Carried.String(),
			"expired":   res.Expired.String(),
		},
	})
	return res, nil
}

// RunYearEnd closes fromYear for every employee and every balance-backed
// leave type of their region.
func (p *CarryForwardProcessor) RunYearEnd(ctx context.Context, fromYear int) (generic.JobResult, error) {
	job := "year-end:" + generic.YearKey(fromYear)
	employees, err := p.directory.ListEmployees(ctx)
	if err != nil {
		return generic.JobResult{Job: job}, fmt.Errorf("%s: list employees: %w", job, err)
	}
	asOf := generic.EndOfYear(fromYear)
	collector := generic.NewJobCollector(job)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, emp := range employees {
		emp := emp
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if !emp.EmployedDuring(generic.YearPeriod(fromYear)) {
				collector.Skip()
				return nil
			}
			for _, pol := range p.catalog.ForRegion(emp.Region, asOf) {
				if pol.CompOffBacked {
					continue
				}
				_, err := p.ProcessYearEnd(gctx, emp, pol.LeaveType, fromYear, fromYear+1)
				collector.Record(subject(emp.ID, pol.LeaveType), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return collector.Result(), fmt.Errorf("%s: %w", job, err)
	}
	res := collector.Result()
	p.opts.Logger.Info("year end run finished",
		zap.String("job", job),
		zap.Int("processed", res.Processed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failures", len(res.Failures)))
	return res, nil
}
