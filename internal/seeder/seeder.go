// Package seeder populates a tenant database with a sample dataset of
// sites, metric definitions and goal mappings for local development.
package seeder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/karloscodes/cartridge"
	"gorm.io/gorm"

	"sitepulse/internal/goals"
	"sitepulse/internal/metrics"
	"sitepulse/internal/sites"
)

// Seeder handles the data seeding process
type Seeder struct {
	DBManager cartridge.DBManager
	Logger    *slog.Logger
}

// NewSeeder creates a new seeder instance
func NewSeeder(dbManager cartridge.DBManager, logger *slog.Logger) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{DBManager: dbManager, Logger: logger}
}

// Run seeds the sample dataset. Seeding an already-populated database is an
// error; the reference tables are maintained externally in real deployments.
func (s *Seeder) Run(ctx context.Context) error {
	db := s.DBManager.GetConnection()

	var siteCount int64
	if err := db.Model(&sites.Site{}).Count(&siteCount).Error; err != nil {
		return fmt.Errorf("failed to inspect sites table: %w", err)
	}
	if siteCount > 0 {
		return errors.New("database already contains sites, refusing to seed")
	}

	if err := s.seedSites(db); err != nil {
		return err
	}
	if err := s.seedMetrics(db); err != nil {
		return err
	}
	if err := s.seedGoals(db); err != nil {
		return err
	}

	s.Logger.Info("Seeding completed successfully")
	return nil
}

func (s *Seeder) seedSites(db *gorm.DB) error {
	sampleSites := []sites.Site{
		{Name: "Example", ViewID: "11111111", AdditionalMetrics: "6,7"},
		{Name: "Example Shop", ViewID: "22222222"},
		{Name: "Example Blog", ViewID: "33333333", Ignored: true},
	}

	for i := range sampleSites {
		if err := sites.CreateSite(db, &sampleSites[i]); err != nil {
			return fmt.Errorf("failed to seed site %s: %w", sampleSites[i].Name, err)
		}
		s.Logger.Info("Seeded site",
			slog.Uint64("id", uint64(sampleSites[i].ID)),
			slog.String("name", sampleSites[i].Name))
	}
	return nil
}

func (s *Seeder) seedMetrics(db *gorm.DB) error {
	defs := []metrics.Definition{
		{Name: "Sessions", IsGlobal: true,
			Operation: "fetchScalar(getSessions, date, sessions)"},
		{Name: "Users", IsGlobal: true,
			Operation: "fetchScalar(getUsers, date, users)"},
		{Name: "Pageviews", IsGlobal: true,
			Operation: "fetchScalar(getPageviews, date, pageviews)"},
		{Name: "Bounce rate", IsGlobal: true,
			Operation: "percentToFraction(fetchScalar(getBounceRate, date, bounceRate))"},
		{Name: "Bounce rate (fraction of sessions)", IsGlobal: true,
			Operation: "percentToFraction(priorValue(4))"},
		{Name: "US visits",
			Operation: "fetchCountryVisits('United States')"},
		{Name: "Newsletter signups",
			Operation: "fetchGoalCompletions()"},
		// Reserved for a future metric; empty operations are skipped by runs
		{Name: "Reserved", IsGlobal: true},
	}

	for i := range defs {
		if err := metrics.CreateDefinition(db, &defs[i]); err != nil {
			return fmt.Errorf("failed to seed metric %s: %w", defs[i].Name, err)
		}
		s.Logger.Info("Seeded metric",
			slog.Uint64("id", uint64(defs[i].ID)),
			slog.String("name", defs[i].Name))
	}
	return nil
}

func (s *Seeder) seedGoals(db *gorm.DB) error {
	mappings := []goals.Mapping{
		{SiteID: 1, MetricID: 7, ProfileID: "11111111", GoalSlot: 9},
	}

	for i := range mappings {
		if err := goals.CreateMapping(db, &mappings[i]); err != nil {
			return fmt.Errorf("failed to seed goal mapping: %w", err)
		}
		s.Logger.Info("Seeded goal mapping",
			slog.Uint64("site", uint64(mappings[i].SiteID)),
			slog.Uint64("metric", uint64(mappings[i].MetricID)),
			slog.Int("slot", mappings[i].GoalSlot))
	}
	return nil
}
