package schedule

import (
	"errors"
	"fmt"
	"time"
)

// DailyTrigger fires at each configured time of day.
type DailyTrigger struct {
	Times   []TimeOfDay `json:"times"`
	Startup *bool       `json:"run_on_startup,omitempty"`
}

// DailySource is implemented by configurations that can be read as a daily schedule.
type DailySource interface {
	Recurrence
	DailyConfig() DailyTrigger
}

// Daily is a convenience constructor.
func Daily(times ...TimeOfDay) DailyTrigger { return DailyTrigger{Times: times} }

func (d DailyTrigger) DailyConfig() DailyTrigger { return d }

func (d DailyTrigger) RunsOnStartup() bool { return boolValue(d.Startup) }

// Next returns the earliest configured time of day strictly after after,
// rolling over to the following day when today's times have passed.
func (d DailyTrigger) Next(after time.Time) (time.Time, bool) {
	if len(d.Times) == 0 {
		return time.Time{}, false
	}
	ref := effectiveAfter(after)
	loc := ref.Location()
	y, m, day := ref.Date()

	e := earliest{ref: ref}
	// A third day covers wall-clock gaps around DST transitions.
	for off := 0; off <= 2 && !e.found; off++ {
		for _, t := range d.Times {
			e.offer(t.on(y, m, day+off, loc))
		}
	}
	return e.best, e.found
}

func (d DailyTrigger) Validate() error { return validateTimes("daily", d.Times) }

func validateTimes(kind string, times []TimeOfDay) error {
	if len(times) == 0 {
		return errors.New(kind + ": at least one time is required")
	}
	for _, t := range times {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
	}
	return nil
}

func (d DailyTrigger) String() string {
	if len(d.Times) == 0 {
		return ""
	}
	return withStartup("daily at "+joinTimes(d.Times), d.RunsOnStartup())
}

func withStartup(s string, startup bool) string {
	if startup {
		return s + " (and at startup)"
	}
	return s
}
