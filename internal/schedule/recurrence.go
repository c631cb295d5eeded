package schedule

import "time"

// Recurrence is implemented by every value that can act as a recurring schedule.
type Recurrence interface {
	// Next returns the first occurrence strictly after after.
	// A zero after means "now". ok is false when there is no further occurrence.
	Next(after time.Time) (next time.Time, ok bool)

	// RunsOnStartup reports whether the schedule also fires once when the host starts.
	RunsOnStartup() bool
}

// now is swapped in tests.
var now = time.Now

// NextExecution is the optional-argument form of Recurrence.Next: a nil after
// means the current instant.
func NextExecution(r Recurrence, after *time.Time) (time.Time, bool) {
	if r == nil {
		return time.Time{}, false
	}
	var ref time.Time
	if after != nil {
		ref = *after
	}
	return r.Next(ref)
}

func effectiveAfter(after time.Time) time.Time {
	if after.IsZero() {
		return now()
	}
	return after
}

func boolValue(p *bool) bool { return p != nil && *p }

// earliest keeps the smallest candidate strictly after ref.
type earliest struct {
	ref   time.Time
	best  time.Time
	found bool
}

func (e *earliest) offer(t time.Time) {
	if !t.After(e.ref) {
		return
	}
	if !e.found || t.Before(e.best) {
		e.best = t
		e.found = true
	}
}
