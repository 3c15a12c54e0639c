// Package runner coordinates one monthly fetch run: precondition gate,
// per-site and per-metric evaluation loops, persistence, and the final
// report.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"sitepulse/internal/formula"
	"sitepulse/internal/goals"
	"sitepulse/internal/metrics"
	"sitepulse/internal/provider"
	"sitepulse/internal/results"
	"sitepulse/internal/settings"
	"sitepulse/internal/sites"
	"sitepulse/internal/timeframe"
)

// Precondition errors. All are detected before any fetch or write.
var (
	// ErrFutureMonth means the requested report month has not started yet.
	ErrFutureMonth = errors.New("report month is in the future")
	// ErrNoActiveSites means every site is ignored or none exist.
	ErrNoActiveSites = errors.New("no active sites are defined")
	// ErrMonthAlreadyComputed means computed values already exist for the
	// month, for any site. Re-running would corrupt the month's dataset.
	ErrMonthAlreadyComputed = errors.New("data already exists for the report month")
)

// Report is the outcome of a successful run: all of the month's rows in
// insertion order, plus timing and counters for the operator.
type Report struct {
	Month      timeframe.Month
	StartedAt  time.Time
	FinishedAt time.Time
	Rows       []results.ComputedValue
	Computed   int
	Skipped    int
}

// Elapsed returns the run duration.
func (r *Report) Elapsed() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Runner drives fetch runs against one tenant database.
type Runner struct {
	db      *gorm.DB
	fetcher provider.Fetcher
	goals   formula.GoalSource
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a runner. The goal resolver shares the runner's fetcher so
// goal fetches observe the same throttle.
func New(db *gorm.DB, fetcher provider.Fetcher, logger *slog.Logger) *Runner {
	return &Runner{
		db:      db,
		fetcher: fetcher,
		goals:   goals.NewResolver(db, fetcher, logger),
		logger:  logger,
		now:     time.Now,
	}
}

// SetNowFunc replaces the clock; intended for tests.
func (r *Runner) SetNowFunc(fn func() time.Time) {
	r.now = fn
}

// priorReader resolves priorValue lookups against rows persisted earlier in
// the same run.
type priorReader struct {
	db *gorm.DB
}

func (p priorReader) PriorValue(siteID uint, month timeframe.Month, metricID uint) (float64, error) {
	return results.Read(p.db, siteID, month, metricID)
}

// Run computes and persists all applicable metrics for the report month.
//
// Preconditions are checked before any side effect; any violation aborts
// with zero writes. After the first write, a failure aborts the run
// immediately and earlier writes are preserved. The month keeps its claim,
// so a re-run cannot half-overwrite it; the operator clears the month
// explicitly before retrying.
func (r *Runner) Run(ctx context.Context, month timeframe.Month) (*Report, error) {
	startedAt := r.now()

	if month.IsFuture(startedAt) {
		return nil, fmt.Errorf("%w: %s", ErrFutureMonth, month)
	}

	activeSites, err := sites.GetActiveSites(r.db)
	if err != nil {
		return nil, err
	}
	if len(activeSites) == 0 {
		return nil, ErrNoActiveSites
	}

	exists, err := results.ExistsAnyForMonth(r.db, month)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrMonthAlreadyComputed, month)
	}

	// Claim the month before the first fetch so a concurrent run for the
	// same month cannot pass the gate above and race on writes.
	if err := results.ClaimMonth(r.logger, r.db, month); err != nil {
		return nil, err
	}

	r.logger.Info("Starting fetch run",
		slog.String("month", month.Nice()),
		slog.Int("sites", len(activeSites)),
		slog.Time("startedAt", startedAt))

	report := &Report{Month: month, StartedAt: startedAt}

	for _, site := range activeSites {
		if err := r.runSite(ctx, site, month, report); err != nil {
			return nil, err
		}
	}

	report.FinishedAt = r.now()

	if err := r.recordLastRun(month, report.FinishedAt); err != nil {
		r.logger.Warn("Failed to record run bookkeeping", slog.Any("error", err))
	}

	report.Rows, err = results.ListForMonth(r.db, month)
	if err != nil {
		return nil, err
	}

	r.logger.Info("Fetch run finished",
		slog.String("month", month.Nice()),
		slog.Int("computed", report.Computed),
		slog.Int("skipped", report.Skipped),
		slog.Duration("elapsed", report.Elapsed()))

	return report, nil
}

func (r *Runner) runSite(ctx context.Context, site sites.Site, month timeframe.Month, report *Report) error {
	r.logger.Info("Preparing to fetch data",
		slog.String("site", site.Name),
		slog.Uint64("id", uint64(site.ID)),
		slog.String("month", month.Nice()))

	defs, err := metrics.ApplicableToSite(r.db, site)
	if err != nil {
		return err
	}

	ids := make([]uint, len(defs))
	for i, def := range defs {
		ids[i] = def.ID
	}
	r.logger.Debug("Operations to perform", slog.Any("metrics", ids))

	for _, def := range defs {
		r.logger.Debug("Operation", slog.Uint64("metric", uint64(def.ID)), slog.String("operation", def.Operation))

		// An empty operation means the metric is skipped, not an error
		if !def.HasOperation() {
			r.logger.Info("Operation skipped, no formula",
				slog.Uint64("site", uint64(site.ID)),
				slog.Uint64("metric", uint64(def.ID)))
			report.Skipped++
			continue
		}

		env := formula.Env{
			SiteID:   site.ID,
			ViewID:   site.ViewID,
			MetricID: def.ID,
			Month:    month,
			Fetcher:  r.fetcher,
			Goals:    r.goals,
			Prior:    priorReader{db: r.db},
		}

		value, err := formula.Evaluate(ctx, env, def.Operation)
		if err != nil {
			return fmt.Errorf("site %d, metric %d: %w", site.ID, def.ID, err)
		}

		if err := results.Write(r.logger, r.db, site.ID, month, def.ID, value); err != nil {
			return err
		}
		report.Computed++

		r.logger.Info("Computed value",
			slog.Uint64("site", uint64(site.ID)),
			slog.Uint64("metric", uint64(def.ID)),
			slog.Float64("value", value))
	}

	return nil
}

func (r *Runner) recordLastRun(month timeframe.Month, finishedAt time.Time) error {
	if err := settings.CreateOrUpdateSetting(r.logger, r.db, settings.KeyLastSuccessfulRun, finishedAt.UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return settings.CreateOrUpdateSetting(r.logger, r.db, settings.KeyLastSuccessfulMonth, month.String())
}
