// Package schedule runs the monthly fetch on a cron schedule, for
// deployments that prefer a resident process over an external cron entry.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sitepulse/internal/runner"
	"sitepulse/internal/timeframe"
)

// Scheduler triggers fetch runs for the month that just ended.
type Scheduler struct {
	runner *runner.Runner
	logger *slog.Logger
	spec   string
	cron   *cron.Cron
	now    func() time.Time

	// Mutex to prevent overlapping run executions
	processingMutex sync.Mutex
	isProcessing    bool
}

// NewScheduler creates a scheduler with a cron spec like "0 6 1 * *".
func NewScheduler(r *runner.Runner, logger *slog.Logger, spec string) *Scheduler {
	return &Scheduler{
		runner: r,
		logger: logger,
		spec:   spec,
		now:    time.Now,
	}
}

// Start registers the cron entry and begins scheduling.
func (s *Scheduler) Start() error {
	s.cron = cron.New()

	if _, err := s.cron.AddFunc(s.spec, s.runSafely); err != nil {
		return err
	}

	s.logger.Info("Starting monthly fetch schedule", slog.String("spec", s.spec))
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a running job to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	s.logger.Info("Stopping monthly fetch schedule...")
	<-s.cron.Stop().Done()
	s.logger.Info("Monthly fetch schedule stopped")
}

// runSafely executes one scheduled run unless another is still going.
func (s *Scheduler) runSafely() {
	s.processingMutex.Lock()
	if s.isProcessing {
		s.logger.Warn("Skipping scheduled run - previous run still in progress")
		s.processingMutex.Unlock()
		return
	}
	s.isProcessing = true
	s.processingMutex.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in scheduled run", slog.Any("panic", r))
		}

		s.processingMutex.Lock()
		s.isProcessing = false
		s.processingMutex.Unlock()
	}()

	// Scheduled runs always target the month that just ended
	month := timeframe.PreviousMonth(s.now())
	s.logger.Info("Starting scheduled fetch run", slog.String("month", month.Nice()))

	report, err := s.runner.Run(context.Background(), month)
	if err != nil {
		if errors.Is(err, runner.ErrMonthAlreadyComputed) {
			s.logger.Info("Scheduled run skipped, month already computed", slog.String("month", month.String()))
			return
		}
		s.logger.Error("Scheduled fetch run failed", slog.Any("error", err))
		return
	}

	s.logger.Info("Scheduled fetch run completed",
		slog.String("month", month.String()),
		slog.Int("computed", report.Computed),
		slog.Duration("elapsed", report.Elapsed()))
}
