package leave_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/store/memory"
	"github.com/warp/leave-engine/workflow"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var policiesFrom = generic.NewTimePoint(2024, time.January, 1)

func date(y int, m time.Month, d int) generic.TimePoint {
	return generic.NewTimePoint(y, m, d)
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func at(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 0, 0, 0, time.UTC)
}

// Employees used across tests.
var (
	asha = leave.EmployeeProfile{
		ID: "asha", Name: "Asha", Region: generic.RegionIndia,
		Gender: leave.GenderFemale, MaritalStatus: leave.MaritalMarried,
		Designation: leave.DesignationEngineer, JoiningDate: date(2022, time.June, 1),
		ManagerID: "mgr-1",
	}
	ravi = leave.EmployeeProfile{
		ID: "ravi", Name: "Ravi", Region: generic.RegionIndia,
		Gender: leave.GenderMale, MaritalStatus: leave.MaritalSingle,
		Designation: leave.DesignationEngineer, JoiningDate: date(2025, time.March, 20),
		ProbationEndDate: date(2025, time.September, 20),
		ManagerID:        "mgr-1",
	}
	john = leave.EmployeeProfile{
		ID: "john", Name: "John", Region: generic.RegionUSA,
		Gender: leave.GenderMale, Designation: leave.DesignationVP,
		JoiningDate: date(2020, time.February, 1), ManagerID: "mgr-2",
	}
	mary = leave.EmployeeProfile{
		ID: "mary", Name: "Mary", Region: generic.RegionUSA,
		Gender: leave.GenderFemale, Designation: leave.DesignationEngineer,
		JoiningDate: date(2021, time.May, 3), ManagerID: "mgr-2",
	}
)

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *memory.Store
	clock    *generic.FixedClock
	events   *generic.Recorder
	roles    *leave.StaticRoleResolver
	catalog  *leave.Catalog
	registry *workflow.Registry
	ledger   *leave.BalanceLedger
	compoff  *leave.CompOffLedger
	accrual  *leave.AccrualEngine
	yearEnd  *leave.CarryForwardProcessor
	orch     *leave.Orchestrator
}

type fixtureConfig struct {
	wrapBalances func(leave.BalanceStore) leave.BalanceStore
	wrapRequests func(leave.RequestStore) leave.RequestStore
	defs         []workflow.Definition
}

type fixtureOption func(*fixtureConfig)

// withBalanceWrapper decorates the balance store the ledger writes through.
func withBalanceWrapper(wrap func(leave.BalanceStore) leave.BalanceStore) fixtureOption {
	return func(c *fixtureConfig) { c.wrapBalances = wrap }
}

// withRequestWrapper decorates the request store the orchestrator reads.
func withRequestWrapper(wrap func(leave.RequestStore) leave.RequestStore) fixtureOption {
	return func(c *fixtureConfig) { c.wrapRequests = wrap }
}

func withWorkflows(defs ...workflow.Definition) fixtureOption {
	return func(c *fixtureConfig) { c.defs = defs }
}

func newFixture(t *testing.T, now time.Time, employees []leave.EmployeeProfile, opts ...fixtureOption) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	cfg := fixtureConfig{defs: leave.DefaultWorkflows()}
	for _, o := range opts {
		o(&cfg)
	}
	var balances leave.BalanceStore = store
	if cfg.wrapBalances != nil {
		balances = cfg.wrapBalances(store)
	}
	var requests leave.RequestStore = store
	if cfg.wrapRequests != nil {
		requests = cfg.wrapRequests(store)
	}
	for _, e := range employees {
		store.PutEmployee(e)
	}
	store.SetPolicies(leave.AllPresets(policiesFrom))
	store.SetDefinitions(cfg.defs)

	f := &fixture{
		t:      t,
		ctx:    ctx,
		store:  store,
		clock:  &generic.FixedClock{T: now},
		events: generic.NewRecorder(),
		roles: leave.NewStaticRoleResolver(map[string][]workflow.Role{
			"hr-1":      {workflow.RoleHR},
			"hradmin-1": {workflow.RoleHRAdmin},
			"head-1":    {workflow.RoleDepartmentHead},
		}),
	}
	engineOpts := leave.Options{Audit: store, Events: f.events, Clock: f.clock}

	f.catalog = leave.NewCatalog(store)
	require.NoError(t, f.catalog.Reload(ctx))
	f.registry = workflow.NewRegistry(store)
	require.NoError(t, f.registry.Reload(ctx))

	f.ledger = leave.NewBalanceLedger(balances, leave.LedgerConfig{Expiries: store}, engineOpts)
	f.compoff = leave.NewCompOffLedger(store, store, store, leave.DefaultCompOffConfig(), 2, engineOpts)
	f.accrual = leave.NewAccrualEngine(f.ledger, f.catalog, store, 2, engineOpts)
	f.yearEnd = leave.NewCarryForwardProcessor(f.ledger, f.catalog, store, store, 2, engineOpts)
	f.orch = leave.NewOrchestrator(leave.OrchestratorDeps{
		Requests:       requests,
		Directory:      store,
		Catalog:        f.catalog,
		Workflows:      f.registry,
		Ledger:         f.ledger,
		CompOff:        f.compoff,
		Roles:          f.roles,
		Calendar:       store,
		LeaveCalendars: store,
		Workers:        2,
	}, engineOpts)
	return f
}

func (f *fixture) balance(emp generic.EmployeeID, lt generic.LeaveTypeCode, year int) leave.LeaveBalance {
	f.t.Helper()
	b, err := f.ledger.Balance(f.ctx, generic.BalanceKey{EmployeeID: emp, LeaveType: lt, Year: year})
	require.NoError(f.t, err)
	return b
}

// grant adds an opening entitlement through a manual adjustment.
func (f *fixture) grant(emp generic.EmployeeID, lt generic.LeaveTypeCode, year int, days float64) {
	f.t.Helper()
	key := generic.BalanceKey{EmployeeID: emp, LeaveType: lt, Year: year}
	_, err := f.ledger.Adjust(f.ctx, key, "opening", dec(days), "hr-1", "opening balance")
	require.NoError(f.t, err)
}

// racingBalances runs a competing write the first time a balance row is
// saved while armed, so the caller's save always loses its version check.
type racingBalances struct {
	leave.BalanceStore
	mu    sync.Mutex
	armed bool
	race  func()
}

func (r *racingBalances) arm(race func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed, r.race = true, race
}

func (r *racingBalances) SaveBalance(ctx context.Context, b leave.LeaveBalance, expectedVersion int64) error {
	r.mu.Lock()
	race := r.race
	fire := r.armed
	r.armed = false
	r.mu.Unlock()
	if fire && race != nil {
		race()
	}
	return r.BalanceStore.SaveBalance(ctx, b, expectedVersion)
}

// gatedRequests holds each overlap read until every expected submit has
// made one, so concurrent submits all see the same open requests.
type gatedRequests struct {
	leave.RequestStore
	gate sync.WaitGroup
}

func (g *gatedRequests) ListRequests(ctx context.Context, filter leave.RequestFilter) ([]leave.LeaveRequest, error) {
	out, err := g.RequestStore.ListRequests(ctx, filter)
	if filter.Overlapping != nil {
		g.gate.Done()
		g.gate.Wait()
	}
	return out, err
}
