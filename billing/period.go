package billing

import "time"

// =============================================================================
// PERIOD - Closed date interval for filter matching
// =============================================================================

// Period is a date interval closed on both ends. Event dates are
// truncated to day granularity before comparison, so an event at
// 23:59 on the end date still matches.
type Period struct {
	Start time.Time
	End   time.Time
}

// NewPeriod builds a period from two dates (times of day are ignored).
func NewPeriod(start, end time.Time) Period {
	return Period{Start: DayOf(start), End: DayOf(end)}
}

// CalendarYear returns the period covering the whole given year.
func CalendarYear(year int) Period {
	return Period{
		Start: time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC),
	}
}

// Contains reports whether the date falls within [Start, End].
func (p Period) Contains(t time.Time) bool {
	d := DayOf(t)
	return !d.Before(p.Start) && !d.After(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.Format("2006-01-02") + ", " + p.End.Format("2006-01-02") + "]"
}
