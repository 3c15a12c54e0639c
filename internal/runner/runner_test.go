package runner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"sitepulse/internal/results"
	"sitepulse/internal/runner"
	"sitepulse/internal/settings"
	"sitepulse/internal/testsupport"
	"sitepulse/internal/timeframe"
)

var fixedNow = time.Date(2016, 5, 15, 12, 0, 0, 0, time.UTC)

func newTestRunner(t *testing.T, db *gorm.DB, fetcher *testsupport.FakeFetcher) *runner.Runner {
	t.Helper()

	r := runner.New(db, fetcher, testsupport.GetLogger())
	r.SetNowFunc(func() time.Time { return fixedNow })
	return r
}

func april(t *testing.T) timeframe.Month {
	t.Helper()
	month, err := timeframe.ParseMonth("2016-04-01")
	require.NoError(t, err)
	return month
}

func TestRunComputesAndPersistsMetrics(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	site := testsupport.CreateTestSite(t, db, "Example", "11111111", "")
	sessions := testsupport.CreateTestMetric(t, db, "Sessions", true,
		"fetchScalar(getSessions, date, sessions)")
	fraction := testsupport.CreateTestMetric(t, db, "Bounce fraction", true,
		"percentToFraction(priorValue(1))")

	fetcher := &testsupport.FakeFetcher{Totals: map[string]string{"ga:sessions": "500"}}

	report, err := newTestRunner(t, db, fetcher).Run(context.Background(), april(t))
	require.NoError(t, err)

	assert.Equal(t, 2, report.Computed)
	assert.Zero(t, report.Skipped)
	require.Len(t, report.Rows, 2)

	assert.Equal(t, site.ID, report.Rows[0].SiteID)
	assert.Equal(t, sessions.ID, report.Rows[0].MetricID)
	assert.Equal(t, 500.0, report.Rows[0].Value)

	// The second metric reads the first metric's freshly persisted value
	assert.Equal(t, fraction.ID, report.Rows[1].MetricID)
	assert.Equal(t, 5.0, report.Rows[1].Value)

	// One provider request for the scalar metric, none for the derived one
	assert.Equal(t, 1, fetcher.FetchCount())

	lastMonth, err := settings.GetSetting(db, settings.KeyLastSuccessfulMonth)
	require.NoError(t, err)
	assert.Equal(t, "2016-04-01", lastMonth)
}

func TestRunSecondRunForSameMonthAborts(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CreateTestSite(t, db, "Example", "11111111", "")
	testsupport.CreateTestMetric(t, db, "Sessions", true,
		"fetchScalar(getSessions, date, sessions)")

	fetcher := &testsupport.FakeFetcher{Totals: map[string]string{"ga:sessions": "500"}}
	r := newTestRunner(t, db, fetcher)

	_, err := r.Run(context.Background(), april(t))
	require.NoError(t, err)
	fetchesAfterFirst := fetcher.FetchCount()

	_, err = r.Run(context.Background(), april(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, runner.ErrMonthAlreadyComputed)

	// The aborted run performs no fetches and writes no rows
	assert.Equal(t, fetchesAfterFirst, fetcher.FetchCount())
	rows, err := results.ListForMonth(db, april(t))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRunDifferentMonthsAreIndependent(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CreateTestSite(t, db, "Example", "11111111", "")
	testsupport.CreateTestMetric(t, db, "Sessions", true,
		"fetchScalar(getSessions, date, sessions)")

	fetcher := &testsupport.FakeFetcher{Totals: map[string]string{"ga:sessions": "500"}}
	r := newTestRunner(t, db, fetcher)

	_, err := r.Run(context.Background(), april(t))
	require.NoError(t, err)

	march, err := timeframe.ParseMonth("2016-03-01")
	require.NoError(t, err)
	report, err := r.Run(context.Background(), march)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Computed)
}

func TestRunFutureMonthAborts(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CreateTestSite(t, db, "Example", "11111111", "")
	testsupport.CreateTestMetric(t, db, "Sessions", true,
		"fetchScalar(getSessions, date, sessions)")

	fetcher := &testsupport.FakeFetcher{Totals: map[string]string{"ga:sessions": "500"}}

	june, err := timeframe.ParseMonth("2016-06-01")
	require.NoError(t, err)

	_, err = newTestRunner(t, db, fetcher).Run(context.Background(), june)
	require.Error(t, err)
	assert.ErrorIs(t, err, runner.ErrFutureMonth)

	assert.Zero(t, fetcher.FetchCount())
	rows, err := results.ListForMonth(db, june)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// The aborted run never claimed the month
	assert.NoError(t, results.ClaimMonth(testsupport.GetLogger(), db, june))
}

func TestRunCurrentIncompleteMonthIsAllowed(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CreateTestSite(t, db, "Example", "11111111", "")
	testsupport.CreateTestMetric(t, db, "Sessions", true,
		"fetchScalar(getSessions, date, sessions)")

	fetcher := &testsupport.FakeFetcher{Totals: map[string]string{"ga:sessions": "500"}}

	may, err := timeframe.ParseMonth("2016-05-01")
	require.NoError(t, err)

	report, err := newTestRunner(t, db, fetcher).Run(context.Background(), may)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Computed)
}

func TestRunWithoutActiveSitesAborts(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CreateIgnoredSite(t, db, "Example Blog", "22222222")
	testsupport.CreateTestMetric(t, db, "Sessions", true,
		"fetchScalar(getSessions, date, sessions)")

	fetcher := &testsupport.FakeFetcher{Totals: map[string]string{"ga:sessions": "500"}}

	_, err := newTestRunner(t, db, fetcher).Run(context.Background(), april(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, runner.ErrNoActiveSites)
	assert.Zero(t, fetcher.FetchCount())
}

func TestRunSkipsMetricsWithoutOperation(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CreateTestSite(t, db, "Example", "11111111", "")
	sessions := testsupport.CreateTestMetric(t, db, "Sessions", true,
		"fetchScalar(getSessions, date, sessions)")
	testsupport.CreateTestMetric(t, db, "Reserved", true, "")

	fetcher := &testsupport.FakeFetcher{Totals: map[string]string{"ga:sessions": "500"}}

	report, err := newTestRunner(t, db, fetcher).Run(context.Background(), april(t))
	require.NoError(t, err)

	assert.Equal(t, 1, report.Computed)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Rows, 1)
	assert.Equal(t, sessions.ID, report.Rows[0].MetricID)
}

func TestRunAbortPreservesEarlierWrites(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CreateTestSite(t, db, "Example", "11111111", "")
	sessions := testsupport.CreateTestMetric(t, db, "Sessions", true,
		"fetchScalar(getSessions, date, sessions)")
	testsupport.CreateTestMetric(t, db, "Broken", true, "priorValue(99)")

	fetcher := &testsupport.FakeFetcher{Totals: map[string]string{"ga:sessions": "500"}}
	r := newTestRunner(t, db, fetcher)

	_, err := r.Run(context.Background(), april(t))
	require.Error(t, err)

	// The value persisted before the failure survives the abort
	rows, err := results.ListForMonth(db, april(t))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, sessions.ID, rows[0].MetricID)

	// The month stays claimed and gated until the operator clears it
	err = results.ClaimMonth(testsupport.GetLogger(), db, april(t))
	assert.ErrorIs(t, err, results.ErrMonthClaimed)

	_, err = r.Run(context.Background(), april(t))
	assert.ErrorIs(t, err, runner.ErrMonthAlreadyComputed)
}

func TestRunGoalWithoutMappingDefaultsToZero(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	goalMetric := testsupport.CreateTestMetric(t, db, "Signups", false, "fetchGoalCompletions()")
	testsupport.CreateTestSite(t, db, "Example", "11111111", "1")

	fetcher := &testsupport.FakeFetcher{}

	report, err := newTestRunner(t, db, fetcher).Run(context.Background(), april(t))
	require.NoError(t, err)

	require.Len(t, report.Rows, 1)
	assert.Equal(t, goalMetric.ID, report.Rows[0].MetricID)
	assert.Zero(t, report.Rows[0].Value)
	// An unmapped goal produces its default without a provider request
	assert.Zero(t, fetcher.FetchCount())
}

func TestRunGoalWithMappingFetchesCompletions(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CreateTestMetric(t, db, "Signups", false, "fetchGoalCompletions()")
	site := testsupport.CreateTestSite(t, db, "Example", "11111111", "1")
	testsupport.CreateTestGoalMapping(t, db, site.ID, 1, "99999999", 9)

	fetcher := &testsupport.FakeFetcher{Totals: map[string]string{"ga:goal9Completions": "34"}}

	report, err := newTestRunner(t, db, fetcher).Run(context.Background(), april(t))
	require.NoError(t, err)

	require.Len(t, report.Rows, 1)
	assert.Equal(t, 34.0, report.Rows[0].Value)
	assert.Equal(t, 1, fetcher.FetchCount())
}

func TestRunIgnoredSitesAreExcluded(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	active := testsupport.CreateTestSite(t, db, "Example", "11111111", "")
	ignored := testsupport.CreateIgnoredSite(t, db, "Example Blog", "22222222")
	testsupport.CreateTestMetric(t, db, "Sessions", true,
		"fetchScalar(getSessions, date, sessions)")

	fetcher := &testsupport.FakeFetcher{Totals: map[string]string{"ga:sessions": "500"}}

	report, err := newTestRunner(t, db, fetcher).Run(context.Background(), april(t))
	require.NoError(t, err)

	require.Len(t, report.Rows, 1)
	assert.Equal(t, active.ID, report.Rows[0].SiteID)

	for _, req := range fetcher.Requests {
		assert.NotEqual(t, ignored.ViewID, req.ProfileID)
	}
}

func TestRunEvaluatesMetricsInIDOrder(t *testing.T) {
	db := testsupport.SetupTestDB(t)

	// A site-specific metric created first gets the lowest id and must be
	// evaluated before the globals
	extra := testsupport.CreateTestMetric(t, db, "US visits", false,
		"fetchCountryVisits('United States')")
	sessions := testsupport.CreateTestMetric(t, db, "Sessions", true,
		"fetchScalar(getSessions, date, sessions)")
	users := testsupport.CreateTestMetric(t, db, "Users", true,
		"fetchScalar(getUsers, date, users)")

	testsupport.CreateTestSite(t, db, "Example", "11111111", "1")

	fetcher := &testsupport.FakeFetcher{Totals: map[string]string{
		"ga:sessions": "500",
		"ga:users":    "300",
	}}

	report, err := newTestRunner(t, db, fetcher).Run(context.Background(), april(t))
	require.NoError(t, err)

	require.Len(t, report.Rows, 3)
	assert.Equal(t, extra.ID, report.Rows[0].MetricID)
	assert.Equal(t, sessions.ID, report.Rows[1].MetricID)
	assert.Equal(t, users.ID, report.Rows[2].MetricID)
}

func TestRunMultipleSitesInIDOrder(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	first := testsupport.CreateTestSite(t, db, "Example", "11111111", "")
	second := testsupport.CreateTestSite(t, db, "Example Shop", "22222222", "")
	testsupport.CreateTestMetric(t, db, "Sessions", true,
		"fetchScalar(getSessions, date, sessions)")
	testsupport.CreateTestMetric(t, db, "Users", true,
		"fetchScalar(getUsers, date, users)")

	fetcher := &testsupport.FakeFetcher{
		Totals: map[string]string{"ga:sessions": "500", "ga:users": "300"},
		TotalsByProfile: map[string]map[string]string{
			"22222222": {"ga:sessions": "120", "ga:users": "80"},
		},
	}

	report, err := newTestRunner(t, db, fetcher).Run(context.Background(), april(t))
	require.NoError(t, err)

	require.Len(t, report.Rows, 4)
	assert.Equal(t, first.ID, report.Rows[0].SiteID)
	assert.Equal(t, 500.0, report.Rows[0].Value)
	assert.Equal(t, second.ID, report.Rows[2].SiteID)
	assert.Equal(t, 120.0, report.Rows[2].Value)
}

func TestRunProviderFailureAborts(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CreateTestSite(t, db, "Example", "11111111", "")
	testsupport.CreateTestMetric(t, db, "Sessions", true,
		"fetchScalar(getSessions, date, sessions)")

	fetcher := &testsupport.FakeFetcher{Err: assert.AnError}

	_, err := newTestRunner(t, db, fetcher).Run(context.Background(), april(t))
	require.Error(t, err)

	rows, err := results.ListForMonth(db, april(t))
	require.NoError(t, err)
	assert.Empty(t, rows)
}
