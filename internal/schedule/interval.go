package schedule

import (
	"time"
)

// Interval fires every Every after the reference time. It adapts plain
// durations found in configuration into a Recurrence.
type Interval struct {
	Every   time.Duration
	Startup *bool
}

// Every wraps d.
func Every(d time.Duration) Interval { return Interval{Every: d} }

func (i Interval) Next(after time.Time) (time.Time, bool) {
	if i.Every <= 0 {
		return time.Time{}, false
	}
	return effectiveAfter(after).Add(i.Every), true
}

func (i Interval) RunsOnStartup() bool { return boolValue(i.Startup) }

func (i Interval) String() string {
	if i.Every <= 0 {
		return ""
	}
	return withStartup("every "+i.Every.String(), i.RunsOnStartup())
}
