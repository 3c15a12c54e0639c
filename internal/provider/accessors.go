package provider

import (
	"fmt"
	"sort"
)

// MaxGoalSlot is the provider's upper bound on goal slots per profile.
const MaxGoalSlot = 20

// accessorMetricKeys maps the accessor names stored formulas may use to the
// provider metric key whose aggregate total they read. Dispatch is a fixed
// table, never string concatenation over stored text.
var accessorMetricKeys = map[string]string{
	"getSessions":            "ga:sessions",
	"getUsers":               "ga:users",
	"getNewUsers":            "ga:newUsers",
	"getPageviews":           "ga:pageviews",
	"getBounceRate":          "ga:bounceRate",
	"getAvgSessionDuration":  "ga:avgSessionDuration",
	"getAvgTimeOnPage":       "ga:avgTimeOnPage",
	"getPageviewsPerSession": "ga:pageviewsPerSession",
	"getPercentNewSessions":  "ga:percentNewSessions",
	"getOrganicSearches":     "ga:organicSearches",
}

// goalMetricKeys maps each bounded goal slot to its completions metric key.
// Built once at package load so slot dispatch is table lookup, not name
// construction at evaluation time.
var goalMetricKeys = map[int]string{}

func init() {
	for slot := 1; slot <= MaxGoalSlot; slot++ {
		goalMetricKeys[slot] = fmt.Sprintf("ga:goal%dCompletions", slot)
	}
}

// MetricKeyForAccessor resolves an accessor name to its provider metric key.
func MetricKeyForAccessor(name string) (string, error) {
	key, ok := accessorMetricKeys[name]
	if !ok {
		return "", fmt.Errorf("unknown accessor %q (known: %v)", name, KnownAccessors())
	}
	return key, nil
}

// GoalMetricKey resolves a goal slot to its completions metric key. Slots
// outside 1..MaxGoalSlot are invalid provider data, not a missing goal.
func GoalMetricKey(slot int) (string, error) {
	key, ok := goalMetricKeys[slot]
	if !ok {
		return "", fmt.Errorf("goal slot %d out of range 1..%d", slot, MaxGoalSlot)
	}
	return key, nil
}

// KnownAccessors lists the valid accessor names, sorted for stable output.
func KnownAccessors() []string {
	names := make([]string, 0, len(accessorMetricKeys))
	for name := range accessorMetricKeys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
