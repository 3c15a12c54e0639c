// Package metrics holds the metric definitions: named, formula-driven
// computations producing one scalar per (site, month). Definitions are
// maintained externally and read-only to the fetch run.
package metrics

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"sitepulse/internal/sites"
)

// Definition represents one metric definition.
type Definition struct {
	ID   uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name string `json:"name"`
	// IsGlobal metrics apply to every site; the rest apply only to sites
	// listing them in their additional metrics.
	IsGlobal bool `gorm:"default:false" json:"is_global"`
	// Operation is the stored formula over the primitive registry. An empty
	// operation means the metric is skipped, not an error.
	Operation string    `json:"operation"`
	CreatedAt time.Time `json:"created_at"`
}

// HasOperation reports whether the definition has a formula to evaluate.
func (d Definition) HasOperation() bool {
	return d.Operation != ""
}

// ApplicableToSite resolves the metrics a fetch run evaluates for a site:
// the union of global metrics and the site's additional metrics, in
// metric-id ascending order. The ordering is load-bearing: it is the only
// ordering guarantee a formula referencing another metric's value in the
// same run can rely on.
func ApplicableToSite(db *gorm.DB, site sites.Site) ([]Definition, error) {
	additional, err := site.AdditionalMetricIDs()
	if err != nil {
		return nil, err
	}

	var defs []Definition
	query := db.Order("id ASC")
	if len(additional) > 0 {
		query = query.Where("is_global = ? OR id IN ?", true, additional)
	} else {
		query = query.Where("is_global = ?", true)
	}
	if err := query.Find(&defs).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve metrics for site %d: %w", site.ID, err)
	}
	return defs, nil
}

// CreateDefinition creates a new metric definition
func CreateDefinition(db *gorm.DB, def *Definition) error {
	def.CreatedAt = time.Now().UTC()
	return db.Create(def).Error
}
