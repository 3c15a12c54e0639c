package provider

import (
	"fmt"
	"sync"

	"github.com/pariz/gountries"
)

var (
	countryQueryOnce sync.Once
	countryQuery     *gountries.Query
)

// CanonicalCountryName validates a country name from a stored formula and
// returns the provider-facing common name ("united states" -> "United
// States"). Unknown names fail here rather than producing a silently empty
// report.
func CanonicalCountryName(name string) (string, error) {
	countryQueryOnce.Do(func() {
		countryQuery = gountries.New()
	})

	country, err := countryQuery.FindCountryByName(name)
	if err != nil {
		// Formulas may also use ISO codes ("US", "DE")
		country, err = countryQuery.FindCountryByAlpha(name)
		if err != nil {
			return "", fmt.Errorf("unknown country %q", name)
		}
	}
	return country.Name.Common, nil
}
