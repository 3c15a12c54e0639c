// Package sites holds the registered site reference data. Sites are
// maintained externally and read-only to the fetch run.
package sites

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

// SiteNotFoundError represents an error when a site is not found
type SiteNotFoundError struct {
	ID uint
}

func (e *SiteNotFoundError) Error() string {
	return fmt.Sprintf("site not found: %d", e.ID)
}

// Site represents a tracked web property with an external analytics identifier.
type Site struct {
	ID   uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name string `gorm:"not null" json:"name"`
	// ViewID is the analytics provider's profile/view identifier for the site.
	ViewID string `gorm:"not null" json:"view_id"`
	// Ignored sites are skipped entirely by fetch runs.
	Ignored bool `gorm:"default:false" json:"ignored"`
	// AdditionalMetrics lists metric ids applied to this site on top of the
	// global ones, as a comma-separated string (e.g. "7,12,13").
	AdditionalMetrics string    `json:"additional_metrics"`
	CreatedAt         time.Time `json:"created_at"`
}

// GetActiveSites retrieves all sites that are not ignored, in site-id order.
func GetActiveSites(db *gorm.DB) ([]Site, error) {
	var result []Site
	if err := db.Where("ignored = ?", false).Order("id ASC").Find(&result).Error; err != nil {
		return nil, fmt.Errorf("failed to get active sites: %w", err)
	}
	return result, nil
}

// GetSiteByID retrieves a site by its ID
func GetSiteByID(db *gorm.DB, id uint) (Site, error) {
	var site Site
	if err := db.First(&site, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return Site{}, &SiteNotFoundError{ID: id}
		}
		return Site{}, err
	}
	return site, nil
}

// CreateSite creates a new site
func CreateSite(db *gorm.DB, site *Site) error {
	site.CreatedAt = time.Now().UTC()
	return db.Create(site).Error
}

// AdditionalMetricIDs parses the site's comma-separated additional metric
// list. Blank entries are skipped; a malformed id is an error since it means
// the reference data is corrupt.
func (s Site) AdditionalMetricIDs() ([]uint, error) {
	raw := strings.TrimSpace(s.AdditionalMetrics)
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ",")
	ids := make([]uint, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("site %d has malformed additional metric id %q: %w", s.ID, part, err)
		}
		ids = append(ids, uint(id))
	}
	return ids, nil
}
