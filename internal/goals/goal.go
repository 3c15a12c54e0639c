// Package goals binds abstract metrics to provider-specific goal slots per
// site, and resolves their completion counts.
package goals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"sitepulse/internal/provider"
	"sitepulse/internal/timeframe"
)

// Mapping binds one (site, metric) pair to the provider profile and goal
// slot tracking it. Zero or one row per pair; maintained externally and
// read-only to the fetch run.
type Mapping struct {
	ID       uint `gorm:"primaryKey;autoIncrement" json:"id"`
	SiteID   uint `gorm:"uniqueIndex:idx_goal_site_metric;not null" json:"site"`
	MetricID uint `gorm:"uniqueIndex:idx_goal_site_metric;not null" json:"metric"`
	// ProfileID may differ from the site's main view; goals can live on a
	// separate provider profile.
	ProfileID string `gorm:"not null" json:"profile_id"`
	// GoalSlot is the provider goal number, 1..provider.MaxGoalSlot.
	GoalSlot  int       `gorm:"not null" json:"goal_slot"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateMapping creates a goal mapping after validating the slot bound.
func CreateMapping(db *gorm.DB, mapping *Mapping) error {
	if _, err := provider.GoalMetricKey(mapping.GoalSlot); err != nil {
		return err
	}
	mapping.CreatedAt = time.Now().UTC()
	return db.Create(mapping).Error
}

// Resolver resolves goal completion counts for (site, metric) pairs.
type Resolver struct {
	db      *gorm.DB
	fetcher provider.Fetcher
	logger  *slog.Logger
}

// NewResolver creates a goal resolver
func NewResolver(db *gorm.DB, fetcher provider.Fetcher, logger *slog.Logger) *Resolver {
	return &Resolver{db: db, fetcher: fetcher, logger: logger}
}

// GoalCompletions returns the completion count for the goal bound to
// (site, metric) over the window. A site without a mapping for the metric
// does not track that goal: the result is 0 and no remote call is made.
func (r *Resolver) GoalCompletions(ctx context.Context, siteID, metricID uint, window timeframe.Window) (float64, error) {
	var mapping Mapping
	err := r.db.Where("site_id = ? AND metric_id = ?", siteID, metricID).First(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			r.logger.Debug("No goal mapping, defaulting to 0",
				slog.Uint64("site", uint64(siteID)),
				slog.Uint64("metric", uint64(metricID)))
			return 0, nil
		}
		return 0, fmt.Errorf("failed to look up goal mapping: %w", err)
	}

	metricKey, err := provider.GoalMetricKey(mapping.GoalSlot)
	if err != nil {
		return 0, fmt.Errorf("goal mapping %d is invalid: %w", mapping.ID, err)
	}

	report, err := r.fetcher.Fetch(ctx, provider.Request{
		ProfileID:  mapping.ProfileID,
		Dimensions: "country",
		Metrics:    metricKey,
		Window:     window,
	})
	if err != nil {
		return 0, fmt.Errorf("goal fetch failed for site %d, metric %d: %w", siteID, metricID, err)
	}

	value, err := report.GoalCompletions(mapping.GoalSlot)
	if err != nil {
		return 0, err
	}

	r.logger.Debug("Resolved goal completions",
		slog.Uint64("site", uint64(siteID)),
		slog.String("profile", mapping.ProfileID),
		slog.Int("slot", mapping.GoalSlot),
		slog.Float64("value", value))

	return value, nil
}
