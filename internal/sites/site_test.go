package sites_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitepulse/internal/sites"
	"sitepulse/internal/testsupport"
)

func TestGetActiveSites(t *testing.T) {
	db := testsupport.SetupTestDB(t)

	testsupport.CreateTestSite(t, db, "Example", "11111111", "")
	testsupport.CreateIgnoredSite(t, db, "Example Blog", "22222222")
	testsupport.CreateTestSite(t, db, "Example Shop", "33333333", "")

	active, err := sites.GetActiveSites(db)
	require.NoError(t, err)
	require.Len(t, active, 2)

	// Ignored sites are excluded; the rest come back in id order
	assert.Equal(t, "Example", active[0].Name)
	assert.Equal(t, "Example Shop", active[1].Name)
	assert.Less(t, active[0].ID, active[1].ID)
}

func TestGetActiveSitesEmpty(t *testing.T) {
	db := testsupport.SetupTestDB(t)

	active, err := sites.GetActiveSites(db)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestGetSiteByID(t *testing.T) {
	db := testsupport.SetupTestDB(t)

	created := testsupport.CreateTestSite(t, db, "Example", "11111111", "")

	site, err := sites.GetSiteByID(db, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Example", site.Name)

	_, err = sites.GetSiteByID(db, 999)
	require.Error(t, err)
	var notFound *sites.SiteNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestAdditionalMetricIDs(t *testing.T) {
	t.Run("empty list", func(t *testing.T) {
		ids, err := sites.Site{}.AdditionalMetricIDs()
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("single id", func(t *testing.T) {
		ids, err := sites.Site{AdditionalMetrics: "7"}.AdditionalMetricIDs()
		require.NoError(t, err)
		assert.Equal(t, []uint{7}, ids)
	})

	t.Run("multiple ids with spacing", func(t *testing.T) {
		ids, err := sites.Site{AdditionalMetrics: "7, 12 ,13"}.AdditionalMetricIDs()
		require.NoError(t, err)
		assert.Equal(t, []uint{7, 12, 13}, ids)
	})

	t.Run("blank entries are skipped", func(t *testing.T) {
		ids, err := sites.Site{AdditionalMetrics: "7,,13,"}.AdditionalMetricIDs()
		require.NoError(t, err)
		assert.Equal(t, []uint{7, 13}, ids)
	})

	t.Run("malformed id is an error", func(t *testing.T) {
		_, err := sites.Site{AdditionalMetrics: "7,abc"}.AdditionalMetricIDs()
		assert.Error(t, err)

		_, err = sites.Site{AdditionalMetrics: "-3"}.AdditionalMetricIDs()
		assert.Error(t, err)
	})
}
