// Package timeframe handles report-month parsing and the date window a
// fetch run covers.
package timeframe

import (
	"fmt"
	"time"
)

// DateFormat is the wire and storage format for report dates.
const DateFormat = "2006-01-02"

// Month identifies one report month. It is stored and compared using the
// first day of the month at midnight UTC.
type Month struct {
	start time.Time
}

// Window is the inclusive first-to-last-day date range of a report month,
// as consumed by the analytics provider.
type Window struct {
	Start time.Time
	End   time.Time
}

// ParseMonth parses an ISO calendar date and resolves it to its report
// month. The day of month must be present and well formed, but is ignored
// beyond validation.
func ParseMonth(value string) (Month, error) {
	parsed, err := time.Parse(DateFormat, value)
	if err != nil {
		return Month{}, fmt.Errorf("malformed report date %q: %w", value, err)
	}
	// Reject inputs the strict format silently normalized (e.g. 2016-04-31)
	if parsed.Format(DateFormat) != value {
		return Month{}, fmt.Errorf("malformed report date %q: not a calendar date", value)
	}

	return MonthOf(parsed), nil
}

// MonthOf returns the report month containing t.
func MonthOf(t time.Time) Month {
	u := t.UTC()
	return Month{start: time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)}
}

// PreviousMonth returns the report month before the one containing t.
// Scheduled runs fetch the month that just ended.
func PreviousMonth(t time.Time) Month {
	return MonthOf(MonthOf(t).start.AddDate(0, 0, -1))
}

// Date returns the first day of the month, the storage key for all of the
// month's computed values.
func (m Month) Date() time.Time {
	return m.start
}

// Window returns the first and last day of the month.
func (m Month) Window() Window {
	return Window{
		Start: m.start,
		End:   m.start.AddDate(0, 1, -1),
	}
}

// IsFuture reports whether the month starts after now.
func (m Month) IsFuture(now time.Time) bool {
	return m.start.After(now.UTC())
}

// IsZero reports whether the month is unset.
func (m Month) IsZero() bool {
	return m.start.IsZero()
}

// String returns the storage form, e.g. "2016-04-01".
func (m Month) String() string {
	return m.start.Format(DateFormat)
}

// Nice returns a human-readable form for progress output, e.g. "April 2016".
func (m Month) Nice() string {
	return m.start.Format("January 2006")
}
