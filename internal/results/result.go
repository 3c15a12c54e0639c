// Package results is the persistence gateway for computed metric values.
// Values are append-only: written once per (site, month, metric) and never
// updated or deleted by the fetch run.
package results

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"sitepulse/internal/timeframe"
)

// ErrDuplicateValue is returned when a write would overwrite an existing
// (site, month, metric) key. The normal run path never re-writes a key, so
// hitting this indicates a coordination bug.
var ErrDuplicateValue = errors.New("computed value already exists")

// ErrValueNotFound is returned when a prior-value read finds no row.
var ErrValueNotFound = errors.New("computed value not found")

// ErrMonthClaimed is returned when another run has already claimed the month.
var ErrMonthClaimed = errors.New("report month already claimed by another run")

// ComputedValue is the persisted numeric result for one (site, month, metric).
type ComputedValue struct {
	ID     uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SiteID uint      `gorm:"uniqueIndex:idx_site_month_metric;not null" json:"site"`
	Month  time.Time `gorm:"uniqueIndex:idx_site_month_metric;not null" json:"date"`
	// MetricID is the metric definition the value was computed for. The
	// original schema calls this column data_id; the report keeps that name.
	MetricID  uint      `gorm:"uniqueIndex:idx_site_month_metric;not null" json:"data_id"`
	Value     float64   `gorm:"not null" json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// MonthClaim marks a report month as owned by one run. The unique index is
// what makes the global idempotency gate safe against two runs launched
// concurrently for the same month.
type MonthClaim struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Month     time.Time `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time
}

// ExistsAnyForMonth reports whether any computed value exists for the month,
// for any site. This is a global gate: partial re-runs must not corrupt a
// month's dataset.
func ExistsAnyForMonth(db *gorm.DB, month timeframe.Month) (bool, error) {
	var count int64
	if err := db.Model(&ComputedValue{}).Where("month = ?", month.Date()).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check existing data for %s: %w", month, err)
	}
	return count > 0, nil
}

// Read returns the value already persisted for (site, month, metric), or
// ErrValueNotFound.
func Read(db *gorm.DB, siteID uint, month timeframe.Month, metricID uint) (float64, error) {
	var row ComputedValue
	err := db.Where("site_id = ? AND month = ? AND metric_id = ?", siteID, month.Date(), metricID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("no value for site %d, metric %d, month %s: %w",
				siteID, metricID, month, ErrValueNotFound)
		}
		return 0, fmt.Errorf("failed to read computed value: %w", err)
	}
	return row.Value, nil
}

// Write persists one computed value. A write on an existing key fails with
// ErrDuplicateValue rather than silently overwriting.
func Write(logger *slog.Logger, db *gorm.DB, siteID uint, month timeframe.Month, metricID uint, value float64) error {
	row := ComputedValue{
		SiteID:    siteID,
		Month:     month.Date(),
		MetricID:  metricID,
		Value:     value,
		CreatedAt: time.Now().UTC(),
	}

	err := sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		return tx.Create(&row).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("site %d, metric %d, month %s: %w", siteID, metricID, month, ErrDuplicateValue)
		}
		return fmt.Errorf("failed to write computed value: %w", err)
	}
	return nil
}

// ListForMonth returns all computed values for the month ordered by row id,
// the final-report ordering.
func ListForMonth(db *gorm.DB, month timeframe.Month) ([]ComputedValue, error) {
	var rows []ComputedValue
	if err := db.Where("month = ?", month.Date()).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list computed values for %s: %w", month, err)
	}
	return rows, nil
}

// ClaimMonth inserts the run-level claim for a month. Exactly one concurrent
// run can succeed; the rest get ErrMonthClaimed.
func ClaimMonth(logger *slog.Logger, db *gorm.DB, month timeframe.Month) error {
	claim := MonthClaim{Month: month.Date(), CreatedAt: time.Now().UTC()}

	err := sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		return tx.Create(&claim).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("month %s: %w", month, ErrMonthClaimed)
		}
		return fmt.Errorf("failed to claim month %s: %w", month, err)
	}
	return nil
}

// ReleaseClaim removes the claim for a month. Used by operators (via the CLI)
// when clearing a failed run, never by the run itself.
func ReleaseClaim(logger *slog.Logger, db *gorm.DB, month timeframe.Month) error {
	return sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		return tx.Where("month = ?", month.Date()).Delete(&MonthClaim{}).Error
	})
}

// isUniqueViolation detects SQLite unique-constraint failures. The driver
// reports them as plain errors, so string matching is the available signal.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
