/*
scheduler.go - Automated job scheduler

PURPOSE:
  Drives the engine's time-based work without an external cron:
  - every TimerInterval: fire elapsed approval timers and retry unsettled
    requests
  - every DailyInterval: monthly accrual for the previous month, annual
    grants for the current year, year-end for the previous year, and the
    comp-off expiry sweep

DESIGN:
  - One background goroutine, two tickers
  - Every job is idempotent by key (accrual period, closing year, grant
    status), so running it again on the next tick only skips
  - Per-subject failures are logged, never fatal to the loop

USAGE:
  scheduler := NewScheduler(engine, cfg, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Admin endpoints trigger the same jobs by hand
  - leave/request.go: ProcessTimers
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/leave-engine/generic"
)

// SchedulerConfig selects the intervals and daily jobs.
type SchedulerConfig struct {
	TimerInterval time.Duration
	DailyInterval time.Duration
	Accruals      bool
	YearEnd       bool
	CompOffSweep  bool
}

// Scheduler runs the engine's periodic jobs.
type Scheduler struct {
	Engine *Engine
	Config SchedulerConfig
	Logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(engine *Engine, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.TimerInterval <= 0 {
		cfg.TimerInterval = time.Minute
	}
	if cfg.DailyInterval <= 0 {
		cfg.DailyInterval = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{Engine: engine, Config: cfg, Logger: logger.Named("scheduler")}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)

	s.Logger.Info("started",
		zap.Duration("timer_interval", s.Config.TimerInterval),
		zap.Duration("daily_interval", s.Config.DailyInterval))
}

// Stop cancels in-flight jobs and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.Logger.Info("stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	timers := time.NewTicker(s.Config.TimerInterval)
	defer timers.Stop()
	daily := time.NewTicker(s.Config.DailyInterval)
	defer daily.Stop()

	// Run immediately on start
	s.RunTimers(ctx)
	s.RunDaily(ctx)

	for {
		select {
		case <-timers.C:
			s.RunTimers(ctx)
		case <-daily.C:
			s.RunDaily(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunTimers fires due approval timers once.
func (s *Scheduler) RunTimers(ctx context.Context) generic.JobResult {
	res, err := s.Engine.Orchestrator.ProcessTimers(ctx, s.Engine.Clock.Now())
	s.report(res, err)
	return res
}

// RunDaily runs the enabled daily jobs once and returns their results.
func (s *Scheduler) RunDaily(ctx context.Context) []generic.JobResult {
	today := generic.DateOf(s.Engine.Clock.Now())
	var jobs []func() (generic.JobResult, error)

	if s.Config.Accruals {
		prev := today.AddMonths(-1)
		jobs = append(jobs,
			func() (generic.JobResult, error) { return s.Engine.Accrual.RunMonthly(ctx, prev.Year(), prev.Month()) },
			func() (generic.JobResult, error) { return s.Engine.Accrual.RunAnnual(ctx, today.Year()) },
		)
	}
	if s.Config.YearEnd {
		jobs = append(jobs, func() (generic.JobResult, error) { return s.Engine.YearEnd.RunYearEnd(ctx, today.Year()-1) })
	}
	if s.Config.CompOffSweep {
		jobs = append(jobs, func() (generic.JobResult, error) { return s.Engine.CompOff.SweepExpired(ctx, today) })
	}

	results := make([]generic.JobResult, 0, len(jobs))
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		res, err := job()
		s.report(res, err)
		results = append(results, res)
	}
	return results
}

func (s *Scheduler) report(res generic.JobResult, err error) {
	if err != nil {
		s.Logger.Error("job failed", zap.String("job", res.Job), zap.Error(err))
		return
	}
	for _, f := range res.Failures {
		s.Logger.Warn("job subject failed",
			zap.String("job", res.Job),
			zap.String("subject", f.Subject),
			zap.String("error", f.Error))
	}
	if res.Processed > 0 || len(res.Failures) > 0 {
		s.Logger.Info("job completed",
			zap.String("job", res.Job),
			zap.Int("processed", res.Processed),
			zap.Int("skipped", res.Skipped),
			zap.Int("failures", len(res.Failures)))
	}
}
