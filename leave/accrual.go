/*
accrual.go - AccrualEngine: periodic credit of leave days

PURPOSE:
  Credits leave days to balance rows on a schedule. Two modes exist:

  MONTHLY (e.g. India CL/PL):
    delta = AccrualRate (default 1.0) per month
    - joined in the accrual month after the 15th  -> half the rate
    - accrual suspended (e.g. on maternity)        -> 0, recorded explicitly
    - joined after the month                       -> no entry at all

  ANNUAL (e.g. USA PTO):
    delta = baseline for the designation (fallback EntitlementDays)
    - joined during the allocation year -> baseline * remainingMonths / 12,
      remainingMonths counting the joining month through December,
      rounded per policy (default NEAREST to 0.5)

IDEMPOTENCY:
  Each credit carries the key (employee, leave type, period). The ledger
  stores the key on the row; a repeat returns AlreadyAccruedError and the
  balance is unchanged. Batch runs count repeats as skipped, so a retried
  job is a no-op.

CONCURRENCY:
  RunMonthly/RunAnnual fan out across employees with a bounded errgroup.
  One employee's failure never aborts the batch; it is reported in the
  JobResult.

SEE ALSO:
  - ledger.go: Accrue and its idempotency marker
  - api/scheduler.go: Triggers the runs
*/
package leave

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/leave-engine/generic"
)

// DefaultJobWorkers bounds batch fan-out when no worker count is configured.
const DefaultJobWorkers = 8

var twelve = decimal.NewFromInt(12)

// AccrualDecision is the computed credit for one (employee, policy, period).
type AccrualDecision struct {
	Delta  decimal.Decimal
	Apply  bool   // false means no entry is made for this period
	Reason string // why the delta differs from the policy default
}

// =============================================================================
// PURE CALCULATIONS
// =============================================================================

// MonthlyAccrual computes the monthly credit.
func MonthlyAccrual(emp EmployeeProfile, pol LeavePolicy, year int, month time.Month) AccrualDecision {
	period := generic.MonthPeriod(year, month)
	if !emp.EmployedDuring(period) {
		return AccrualDecision{Apply: false, Reason: "not employed during period"}
	}
	if emp.AccrualSuspended {
		return AccrualDecision{Delta: decimal.Zero, Apply: true, Reason: "accrual suspended"}
	}
	rate := pol.MonthlyRate()
	if emp.JoiningDate.Year() == year && emp.JoiningDate.Month() == month && emp.JoiningDate.Day() > 15 {
		return AccrualDecision{Delta: rate.Div(decimal.NewFromInt(2)), Apply: true, Reason: "joined after the 15th"}
	}
	return AccrualDecision{Delta: rate, Apply: true}
}

// AnnualAccrual computes the yearly grant.
func AnnualAccrual(emp EmployeeProfile, pol LeavePolicy, year int) AccrualDecision {
	if !emp.EmployedDuring(generic.YearPeriod(year)) {
		return AccrualDecision{Apply: false, Reason: "not employed during period"}
	}
	if emp.AccrualSuspended {
		return AccrualDecision{Delta: decimal.Zero, Apply: true, Reason: "accrual suspended"}
	}
	baseline := pol.AnnualBaseline(emp.Designation)
	if emp.JoiningDate.Year() != year {
		return AccrualDecision{Delta: baseline, Apply: true}
	}
	remaining := decimal.NewFromInt(int64(13 - int(emp.JoiningDate.Month())))
	prorated := baseline.Mul(remaining).Div(twelve)
	rounded := pol.Rounding.Apply(generic.NewAmountFromDecimal(prorated, generic.UnitDays))
	return AccrualDecision{
		Delta:  rounded.Value,
		Apply:  true,
		Reason: fmt.Sprintf("prorated %s/12 months", remaining),
	}
}

// =============================================================================
// ENGINE
// =============================================================================

type AccrualEngine struct {
	ledger    *BalanceLedger
	catalog   *Catalog
	directory EmployeeDirectory
	workers   int
	opts      Options
}

func NewAccrualEngine(ledger *BalanceLedger, catalog *Catalog, directory EmployeeDirectory, workers int, opts Options) *AccrualEngine {
	if workers <= 0 {
		workers = DefaultJobWorkers
	}
	return &AccrualEngine{ledger: ledger, catalog: catalog, directory: directory, workers: workers, opts: opts.withDefaults()}
}

// AccrueMonthly credits one month for one employee and policy. It returns
// the decision taken; a decision with Apply=false wrote nothing.
func (e *AccrualEngine) AccrueMonthly(ctx context.Context, emp EmployeeProfile, pol LeavePolicy, year int, month time.Month) (AccrualDecision, error) {
	d := MonthlyAccrual(emp, pol, year, month)
	if !d.Apply {
		return d, nil
	}
	key := generic.BalanceKey{EmployeeID: emp.ID, LeaveType: pol.LeaveType, Year: year}
	if _, err := e.ledger.Accrue(ctx, key, generic.MonthKey(year, month), d.Delta); err != nil {
		return d, err
	}
	return d, nil
}

// AccrueAnnual credits the yearly grant for one employee and policy.
func (e *AccrualEngine) AccrueAnnual(ctx context.Context, emp EmployeeProfile, pol LeavePolicy, year int) (AccrualDecision, error) {
	d := AnnualAccrual(emp, pol, year)
	if !d.Apply {
		return d, nil
	}
	key := generic.BalanceKey{EmployeeID: emp.ID, LeaveType: pol.LeaveType, Year: year}
	if _, err := e.ledger.Accrue(ctx, key, generic.YearKey(year), d.Delta); err != nil {
		return d, err
	}
	return d, nil
}

// RunMonthly applies the month's accrual to every employee's MONTHLY policies.
func (e *AccrualEngine) RunMonthly(ctx context.Context, year int, month time.Month) (generic.JobResult, error) {
	asOf := generic.EndOfMonth(year, month)
	job := "accrual:" + generic.MonthKey(year, month)
	return e.run(ctx, job, func(ctx context.Context, emp EmployeeProfile, c *generic.JobCollector) {
		for _, pol := range e.catalog.ForRegion(emp.Region, asOf) {
			if pol.AccrualFrequency != AccrualMonthly || pol.CompOffBacked {
				continue
			}
			d, err := e.AccrueMonthly(ctx, emp, pol, year, month)
			if err == nil && !d.Apply {
				c.Skip()
				continue
			}
			c.Record(subject(emp.ID, pol.LeaveType), err)
		}
	})
}

// RunAnnual applies the year's grant to every employee's ANNUAL policies.
func (e *AccrualEngine) RunAnnual(ctx context.Context, year int) (generic.JobResult, error) {
	job := "accrual:" + generic.YearKey(year)
	return e.run(ctx, job, func(ctx context.Context, emp EmployeeProfile, c *generic.JobCollector) {
		asOf := generic.StartOfYear(year)
		if emp.JoiningDate.Year() == year && emp.JoiningDate.After(asOf) {
			asOf = emp.JoiningDate
		}
		for _, pol := range e.catalog.ForRegion(emp.Region, asOf) {
			if pol.AccrualFrequency != AccrualAnnual || pol.CompOffBacked {
				continue
			}
			d, err := e.AccrueAnnual(ctx, emp, pol, year)
			if err == nil && !d.Apply {
				c.Skip()
				continue
			}
			c.Record(subject(emp.ID, pol.LeaveType), err)
		}
	})
}

// run fans perEmployee out over the directory with bounded concurrency.
func (e *AccrualEngine) run(ctx context.Context, job string, perEmployee func(context.Context, EmployeeProfile, *generic.JobCollector)) (generic.JobResult, error) {
	employees, err := e.directory.ListEmployees(ctx)
	if err != nil {
		return generic.JobResult{Job: job}, fmt.Errorf("%s: list employees: %w", job, err)
	}
	collector := generic.NewJobCollector(job)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, emp := range employees {
		emp := emp
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perEmployee(gctx, emp, collector)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return collector.Result(), fmt.Errorf("%s: %w", job, err)
	}
	res := collector.Result()
	e.opts.Logger.Info("accrual run finished",
		zap.String("job", job),
		zap.Int("processed", res.Processed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failures", len(res.Failures)))
	return res, nil
}

func subject(emp generic.EmployeeID, lt generic.LeaveTypeCode) string {
	return string(emp) + "/" + string(lt)
}
