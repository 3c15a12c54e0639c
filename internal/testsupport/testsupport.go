// Package testsupport provides shared test fixtures: an in-memory tenant
// database, reference-data builders and a fake provider.
package testsupport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/karloscodes/cartridge"
	ctestsupport "github.com/karloscodes/cartridge/testsupport"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sitepulse/internal/goals"
	"sitepulse/internal/metrics"
	"sitepulse/internal/provider"
	"sitepulse/internal/results"
	"sitepulse/internal/settings"
	"sitepulse/internal/sites"
)

// testDBCache caches test databases by test name to allow multiple calls
// within the same test to share the same database
var testDBCache = make(map[string]*gorm.DB)
var testDBCacheMu sync.Mutex

// TestDBManager wraps cartridge's TestDBManager with sitepulse's interface
type TestDBManager struct {
	*ctestsupport.TestDBManager
}

// NewTestDBManager creates a TestDBManager that implements cartridge.DBManager
func NewTestDBManager(db *gorm.DB) *TestDBManager {
	return &TestDBManager{
		TestDBManager: ctestsupport.NewTestDBManager(db),
	}
}

// Ensure TestDBManager implements cartridge.DBManager
var _ cartridge.DBManager = (*TestDBManager)(nil)

// allModels returns all sitepulse models for migration
func allModels() []any {
	return []any{
		&sites.Site{},
		&metrics.Definition{},
		&goals.Mapping{},
		&results.ComputedValue{},
		&results.MonthClaim{},
		&settings.Setting{},
	}
}

// SetupTestDB creates a test database with all sitepulse models migrated.
// Uses a named in-memory database with cache=shared to allow multiple
// connections to share the same database within a test. Caches the database
// by test name so multiple calls within the same test return the same
// database.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	testName := t.Name()

	// Use root test name for caching to handle closure issues where
	// setup functions capture the outer t while t.Run has subtest t
	rootName := testName
	if idx := strings.Index(testName, "/"); idx > 0 {
		rootName = testName[:idx]
	}

	// Check cache first
	testDBCacheMu.Lock()
	if db, exists := testDBCache[rootName]; exists {
		testDBCacheMu.Unlock()
		return db
	}
	testDBCacheMu.Unlock()

	sanitizedName := strings.ReplaceAll(rootName, "/", "_")
	dsn := fmt.Sprintf("file:test_%s_%d?mode=memory&cache=shared", sanitizedName, time.Now().UnixNano())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("testsupport: failed to open test database: %v", err)
	}

	db.Exec("PRAGMA foreign_keys = ON")

	if err := db.AutoMigrate(allModels()...); err != nil {
		t.Fatalf("testsupport: failed to migrate models: %v", err)
	}

	testDBCacheMu.Lock()
	testDBCache[rootName] = db
	testDBCacheMu.Unlock()

	t.Cleanup(func() {
		testDBCacheMu.Lock()
		delete(testDBCache, rootName)
		testDBCacheMu.Unlock()
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})

	return db
}

// GetLogger returns a test logger
func GetLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}

// CreateTestSite creates a site in the test database
func CreateTestSite(t *testing.T, db *gorm.DB, name, viewID string, additionalMetrics string) sites.Site {
	t.Helper()

	site := sites.Site{Name: name, ViewID: viewID, AdditionalMetrics: additionalMetrics}
	if err := sites.CreateSite(db, &site); err != nil {
		t.Fatalf("testsupport: failed to create site %s: %v", name, err)
	}
	return site
}

// CreateIgnoredSite creates a site excluded from fetch runs
func CreateIgnoredSite(t *testing.T, db *gorm.DB, name, viewID string) sites.Site {
	t.Helper()

	site := sites.Site{Name: name, ViewID: viewID, Ignored: true}
	if err := sites.CreateSite(db, &site); err != nil {
		t.Fatalf("testsupport: failed to create site %s: %v", name, err)
	}
	return site
}

// CreateTestMetric creates a metric definition in the test database
func CreateTestMetric(t *testing.T, db *gorm.DB, name string, global bool, operation string) metrics.Definition {
	t.Helper()

	def := metrics.Definition{Name: name, IsGlobal: global, Operation: operation}
	if err := metrics.CreateDefinition(db, &def); err != nil {
		t.Fatalf("testsupport: failed to create metric %s: %v", name, err)
	}
	return def
}

// CreateTestGoalMapping creates a goal mapping in the test database
func CreateTestGoalMapping(t *testing.T, db *gorm.DB, siteID, metricID uint, profileID string, slot int) goals.Mapping {
	t.Helper()

	mapping := goals.Mapping{SiteID: siteID, MetricID: metricID, ProfileID: profileID, GoalSlot: slot}
	if err := goals.CreateMapping(db, &mapping); err != nil {
		t.Fatalf("testsupport: failed to create goal mapping: %v", err)
	}
	return mapping
}

// FakeFetcher is an in-memory provider.Fetcher recording every request.
type FakeFetcher struct {
	// Totals is returned for every fetch unless TotalsByProfile matches.
	Totals map[string]string
	// TotalsByProfile overrides Totals for specific profile ids.
	TotalsByProfile map[string]map[string]string
	// Err, when set, fails every fetch.
	Err error

	Requests []provider.Request
}

// Fetch implements provider.Fetcher
func (f *FakeFetcher) Fetch(_ context.Context, req provider.Request) (*provider.Report, error) {
	f.Requests = append(f.Requests, req)
	if f.Err != nil {
		return nil, f.Err
	}
	if totals, ok := f.TotalsByProfile[req.ProfileID]; ok {
		return provider.NewReport(totals), nil
	}
	return provider.NewReport(f.Totals), nil
}

// FetchCount returns the number of fetches performed
func (f *FakeFetcher) FetchCount() int {
	return len(f.Requests)
}
