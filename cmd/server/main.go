/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the leave engine server. Handles configuration,
  dependency injection, background jobs and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (file, LEAVE_* environment, defaults)
  2. Build the zap logger
  3. Open the SQLite store, seed the region presets on first start
  4. Wire the engine (catalog, ledgers, jobs, orchestrator)
  5. Start the scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (default: ./config.yaml if present)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close database connection

EXAMPLES:
  # Run with defaults
  ./server

  # Run with in-memory database and console logs
  LEAVE_DATABASE_PATH=":memory:" LEAVE_LOGGER_FORMAT=console ./server

  # Serve policies from a file
  LEAVE_CATALOG_POLICY_FILE=./policies.yaml ./server

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/engine.go: Component wiring
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/api"
	"github.com/warp/leave-engine/config"
	"github.com/warp/leave-engine/factory"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/logging"
	"github.com/warp/leave-engine/store/sqlite"
	"github.com/warp/leave-engine/workflow"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		OutputPath: cfg.Logger.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger.Named("sqlite")))
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	settings := api.EngineSettings{
		MaxRetries:          cfg.Engine.MaxRetries,
		LowBalanceThreshold: decimal.NewFromFloat(cfg.Engine.LowBalanceThreshold),
		Workers:             cfg.Engine.JobWorkers,
		CompOff: leave.CompOffConfig{
			FullDayHours:         cfg.CompOff.FullDayHours,
			HalfDayHours:         cfg.CompOff.HalfDayHours,
			ValidityMonths:       cfg.CompOff.ValidityMonths,
			ExpiringSoonDays:     cfg.CompOff.ExpiringSoonDays,
			RequireNonWorkingDay: cfg.CompOff.RequireNonWorkingDay,
		},
		Roles: roleResolver(cfg.Roles),
	}

	if cfg.Catalog.PolicyFile != "" {
		src := factory.NewFileSource(cfg.Catalog.PolicyFile)
		settings.Policies, settings.Workflows = src, src
		logger.Info("serving policies from file", zap.String("path", cfg.Catalog.PolicyFile))
	} else if cfg.Catalog.SeedPresets {
		if err := seedPresets(ctx, store, cfg.Catalog.PresetsEffectiveFrom, logger); err != nil {
			return err
		}
	}

	opts := leave.Options{
		Audit:  store,
		Events: generic.MultiPublisher{logging.NewEventLogger(logger)},
		Clock:  generic.SystemClock{},
		Logger: logger,
	}
	engine, err := api.NewEngine(ctx, store, settings, opts)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	handler := api.NewHandler(store, engine, logger.Named("http"))
	router := api.NewRouter(handler, cfg.Server.AllowOrigins)

	var scheduler *api.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler = api.NewScheduler(engine, api.SchedulerConfig{
			TimerInterval: cfg.Scheduler.TimerInterval,
			DailyInterval: cfg.Scheduler.DailyInterval,
			Accruals:      cfg.Scheduler.Accruals,
			YearEnd:       cfg.Scheduler.YearEnd,
			CompOffSweep:  cfg.Scheduler.CompOffSweep,
		}, logger)
		scheduler.Start()
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// seedPresets writes the region presets and default workflows into an empty
// database. Existing policies are left alone.
func seedPresets(ctx context.Context, store *sqlite.Store, effectiveFrom string, logger *zap.Logger) error {
	existing, err := store.LoadPolicies(ctx)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}
	from, err := generic.ParseDate(effectiveFrom)
	if err != nil {
		return fmt.Errorf("catalog.presets_effective_from: %w", err)
	}
	presets := leave.AllPresets(from)
	if err := store.SavePolicies(ctx, presets); err != nil {
		return fmt.Errorf("seed policies: %w", err)
	}
	defs, err := store.LoadDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}
	if len(defs) == 0 {
		if err := store.SaveDefinitions(ctx, leave.DefaultWorkflows()); err != nil {
			return fmt.Errorf("seed workflows: %w", err)
		}
	}
	logger.Info("seeded region presets",
		zap.Int("policies", len(presets)),
		zap.String("effective_from", from.String()))
	return nil
}

// roleResolver turns the configured grants into a static resolver.
func roleResolver(grants map[string][]string) *leave.StaticRoleResolver {
	out := make(map[string][]workflow.Role, len(grants))
	for actor, roles := range grants {
		for _, r := range roles {
			out[actor] = append(out[actor], workflow.Role(strings.ToUpper(r)))
		}
	}
	return leave.NewStaticRoleResolver(out)
}
