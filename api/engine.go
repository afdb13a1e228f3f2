package api

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/store/sqlite"
	"github.com/warp/leave-engine/workflow"
)

// EngineSettings tunes the engine components.
type EngineSettings struct {
	MaxRetries          int
	LowBalanceThreshold decimal.Decimal
	Workers             int
	CompOff             leave.CompOffConfig
	// Policies and Workflows default to the store.
	Policies  leave.PolicySource
	Workflows workflow.DefinitionSource
	Roles     leave.RoleResolver
}

// Engine bundles the components the handlers and the scheduler drive.
type Engine struct {
	Orchestrator *leave.Orchestrator
	Ledger       *leave.BalanceLedger
	Accrual      *leave.AccrualEngine
	YearEnd      *leave.CarryForwardProcessor
	CompOff      *leave.CompOffLedger
	Catalog      *leave.Catalog
	Workflows    *workflow.Registry
	Clock        generic.Clock
}

// NewEngine wires every component over one SQLite store and loads the
// catalog and workflow registry.
func NewEngine(ctx context.Context, store *sqlite.Store, settings EngineSettings, opts leave.Options) (*Engine, error) {
	if opts.Audit == nil {
		opts.Audit = store
	}
	if opts.Clock == nil {
		opts.Clock = generic.SystemClock{}
	}
	if settings.Policies == nil {
		settings.Policies = store
	}
	if settings.Workflows == nil {
		settings.Workflows = store
	}

	e := &Engine{
		Catalog:   leave.NewCatalog(settings.Policies),
		Workflows: workflow.NewRegistry(settings.Workflows),
		Clock:     opts.Clock,
	}
	if err := e.Reload(ctx); err != nil {
		return nil, err
	}

	e.Ledger = leave.NewBalanceLedger(store, leave.LedgerConfig{
		MaxRetries:          settings.MaxRetries,
		LowBalanceThreshold: settings.LowBalanceThreshold,
		Expiries:            store,
	}, opts)
	compOffCfg := settings.CompOff
	compOffCfg.MaxRetries = settings.MaxRetries
	e.CompOff = leave.NewCompOffLedger(store, store, store, compOffCfg, settings.Workers, opts)
	e.Accrual = leave.NewAccrualEngine(e.Ledger, e.Catalog, store, settings.Workers, opts)
	e.YearEnd = leave.NewCarryForwardProcessor(e.Ledger, e.Catalog, store, store, settings.Workers, opts)
	e.Orchestrator = leave.NewOrchestrator(leave.OrchestratorDeps{
		Requests:       store,
		Directory:      store,
		Catalog:        e.Catalog,
		Workflows:      e.Workflows,
		Ledger:         e.Ledger,
		CompOff:        e.CompOff,
		Roles:          settings.Roles,
		Calendar:       store,
		LeaveCalendars: store,
		MaxRetries:     settings.MaxRetries,
		Workers:        settings.Workers,
	}, opts)
	return e, nil
}

// Reload refreshes the policy catalog and the workflow registry. Each keeps
// its previous snapshot when its source fails.
func (e *Engine) Reload(ctx context.Context) error {
	if err := e.Catalog.Reload(ctx); err != nil {
		return err
	}
	return e.Workflows.Reload(ctx)
}
