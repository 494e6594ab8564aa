package fhir

import "time"

// Search prefixes for date parameters.
const (
	PrefixGE = "ge"
	PrefixLE = "le"
	PrefixLT = "lt"
)

// DateParam renders a prefixed dateTime search value in UTC, e.g.
// "le2025-09-15T10:00:00Z". Fractional seconds are kept.
func DateParam(prefix string, t time.Time) string {
	return prefix + t.UTC().Format(time.RFC3339Nano)
}

// DayBounds returns the [start, next-day-start) UTC bounds of the calendar
// day that contains t.
func DayBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}
