package rollup

import "time"

const (
	// MaxEventAge is how far back an event's occurred_at may lie before
	// aggregation ignores it.
	MaxEventAge = 180 * 24 * time.Hour

	// FutureTolerance mirrors the ingestion-time skew bound, so events
	// accepted at the edge are still counted.
	FutureTolerance = 5 * time.Minute
)

// Window is a half-open UTC interval [Start, End) aligned to day
// boundaries. End is tomorrow's midnight so that today's partial day is
// always included.
type Window struct {
	Start time.Time
	End   time.Time
}

// BuildWindow covers the trailing days days ending with today
// (inclusive), in UTC.
func BuildWindow(now time.Time, days int) Window {
	if days < 1 {
		days = 1
	}
	end := midnightUTC(now).AddDate(0, 0, 1)
	return Window{
		Start: end.AddDate(0, 0, -days),
		End:   end,
	}
}

// Days enumerates each day's midnight within the window, ascending.
func (w Window) Days() []time.Time {
	var days []time.Time
	for day := w.Start; day.Before(w.End); day = day.AddDate(0, 0, 1) {
		days = append(days, day)
	}
	return days
}

// ValidityBounds is the occurred_at range outside of which events are
// counted as ignored rather than aggregated.
func ValidityBounds(now time.Time) (oldest, newest time.Time) {
	return now.Add(-MaxEventAge), now.Add(FutureTolerance)
}

func midnightUTC(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}
