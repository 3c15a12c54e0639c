package goals_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitepulse/internal/goals"
	"sitepulse/internal/testsupport"
	"sitepulse/internal/timeframe"
)

func aprilWindow(t *testing.T) timeframe.Window {
	t.Helper()
	month, err := timeframe.ParseMonth("2016-04-01")
	require.NoError(t, err)
	return month.Window()
}

func TestGoalCompletionsWithoutMappingDefaultsToZero(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	fetcher := &testsupport.FakeFetcher{}

	resolver := goals.NewResolver(db, fetcher, testsupport.GetLogger())

	value, err := resolver.GoalCompletions(context.Background(), 1, 7, aprilWindow(t))
	require.NoError(t, err)
	assert.Zero(t, value)
	// An unmapped goal is not tracked; no remote request is spent on it
	assert.Zero(t, fetcher.FetchCount())
}

func TestGoalCompletionsFetchesMappedSlot(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CreateTestGoalMapping(t, db, 1, 7, "99999999", 9)

	fetcher := &testsupport.FakeFetcher{Totals: map[string]string{"ga:goal9Completions": "34"}}
	resolver := goals.NewResolver(db, fetcher, testsupport.GetLogger())

	value, err := resolver.GoalCompletions(context.Background(), 1, 7, aprilWindow(t))
	require.NoError(t, err)
	assert.Equal(t, 34.0, value)

	require.Equal(t, 1, fetcher.FetchCount())
	req := fetcher.Requests[0]
	// Goals may live on a profile other than the site's main view
	assert.Equal(t, "99999999", req.ProfileID)
	assert.Equal(t, "ga:goal9Completions", req.Metrics)
}

func TestGoalCompletionsMappingIsPerSiteAndMetric(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CreateTestGoalMapping(t, db, 1, 7, "99999999", 9)

	fetcher := &testsupport.FakeFetcher{Totals: map[string]string{"ga:goal9Completions": "34"}}
	resolver := goals.NewResolver(db, fetcher, testsupport.GetLogger())

	// Same metric on another site has no mapping
	value, err := resolver.GoalCompletions(context.Background(), 2, 7, aprilWindow(t))
	require.NoError(t, err)
	assert.Zero(t, value)
	assert.Zero(t, fetcher.FetchCount())
}

func TestCreateMappingValidatesSlot(t *testing.T) {
	db := testsupport.SetupTestDB(t)

	err := goals.CreateMapping(db, &goals.Mapping{SiteID: 1, MetricID: 7, ProfileID: "99999999", GoalSlot: 21})
	assert.Error(t, err)

	err = goals.CreateMapping(db, &goals.Mapping{SiteID: 1, MetricID: 7, ProfileID: "99999999", GoalSlot: 0})
	assert.Error(t, err)
}

func TestCreateMappingRejectsDuplicatePair(t *testing.T) {
	db := testsupport.SetupTestDB(t)

	require.NoError(t, goals.CreateMapping(db, &goals.Mapping{SiteID: 1, MetricID: 7, ProfileID: "99999999", GoalSlot: 1}))
	err := goals.CreateMapping(db, &goals.Mapping{SiteID: 1, MetricID: 7, ProfileID: "88888888", GoalSlot: 2})
	assert.Error(t, err)
}
