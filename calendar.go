package quotaledger

import "time"

// NextMonthBoundary returns 00:00 on day 1 of the month after from, as seen in loc.
// A nil loc means UTC.
func NextMonthBoundary(from time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := from.In(loc)
	// time.Date normalizes month 13 into January of the following year.
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
}

// IsDue reports whether rec must be reset before its balance is used.
func IsDue(rec Record, now time.Time) bool {
	return !now.Before(rec.ResetAt)
}
