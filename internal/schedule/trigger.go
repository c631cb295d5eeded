package schedule

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNilRecurrence      = errors.New("schedule: recurrence is nil")
	ErrUnsupportedTrigger = errors.New("schedule: unsupported trigger configuration")
)

// UnsupportedTriggerError reports the concrete type NewTrigger could not classify.
type UnsupportedTriggerError struct {
	Type string
}

func (e *UnsupportedTriggerError) Error() string {
	return fmt.Sprintf("%v: %s", ErrUnsupportedTrigger, e.Type)
}

func (e *UnsupportedTriggerError) Unwrap() error { return ErrUnsupportedTrigger }

// Trigger is a tagged union over the daily, weekly and monthly configurations.
//
// All three sub-configurations may be populated at once (an editor switching
// Type keeps the others around). Only the one selected by Type is used.
type Trigger struct {
	Type         Kind            `json:"type"`
	RunOnStartup *bool           `json:"run_on_startup,omitempty"`
	Daily        *DailyTrigger   `json:"daily,omitempty"`
	Weekly       *WeeklyTrigger  `json:"weekly,omitempty"`
	Monthly      *MonthlyTrigger `json:"monthly,omitempty"`
}

// DailyOf returns a daily Trigger.
func DailyOf(d DailyTrigger) Trigger {
	return Trigger{Type: KindDaily, RunOnStartup: d.Startup, Daily: &d}
}

// WeeklyOf returns a weekly Trigger.
func WeeklyOf(w WeeklyTrigger) Trigger {
	return Trigger{Type: KindWeekly, RunOnStartup: w.Startup, Weekly: &w}
}

// MonthlyOf returns a monthly Trigger.
func MonthlyOf(m MonthlyTrigger) Trigger {
	return Trigger{Type: KindMonthly, RunOnStartup: m.Startup, Monthly: &m}
}

// NewTrigger wraps an existing sub-configuration, inferring Type from what it
// can be read as. Monthly is checked before weekly before daily, since the
// richer kinds also satisfy the simpler ones.
func NewTrigger(r Recurrence) (Trigger, error) {
	if isNil(r) {
		return Trigger{}, ErrNilRecurrence
	}
	switch v := r.(type) {
	case MonthlySource:
		return MonthlyOf(v.MonthlyConfig()), nil
	case WeeklySource:
		return WeeklyOf(v.WeeklyConfig()), nil
	case DailySource:
		return DailyOf(v.DailyConfig()), nil
	default:
		return Trigger{}, &UnsupportedTriggerError{Type: fmt.Sprintf("%T", r)}
	}
}

// MustTrigger is NewTrigger for static configuration; it panics on error.
func MustTrigger(r Recurrence) Trigger {
	t, err := NewTrigger(r)
	if err != nil {
		panic(err)
	}
	return t
}

// active returns the sub-configuration selected by Type, or nil.
func (t Trigger) active() Recurrence {
	switch t.Type {
	case KindDaily:
		if t.Daily != nil {
			return *t.Daily
		}
	case KindWeekly:
		if t.Weekly != nil {
			return *t.Weekly
		}
	case KindMonthly:
		if t.Monthly != nil {
			return *t.Monthly
		}
	}
	return nil
}

// Next dispatches on Type. Unknown kinds and missing sub-configurations have no occurrence.
func (t Trigger) Next(after time.Time) (time.Time, bool) {
	r := t.active()
	if r == nil {
		return time.Time{}, false
	}
	return r.Next(after)
}

func (t Trigger) RunsOnStartup() bool { return boolValue(t.RunOnStartup) }

// String describes when the trigger runs; it is empty when nothing is configured.
// Trigger's own startup flag replaces the sub-configuration's.
func (t Trigger) String() string {
	switch t.Type {
	case KindDaily:
		if t.Daily != nil {
			d := *t.Daily
			d.Startup = t.RunOnStartup
			return d.String()
		}
	case KindWeekly:
		if t.Weekly != nil {
			w := *t.Weekly
			w.Startup = t.RunOnStartup
			return w.String()
		}
	case KindMonthly:
		if t.Monthly != nil {
			m := *t.Monthly
			m.Startup = t.RunOnStartup
			return m.String()
		}
	}
	return ""
}

// Validate checks the active sub-configuration. An unknown Type is valid and never fires.
func (t Trigger) Validate() error {
	switch t.Type {
	case KindUnknown:
		return nil
	case KindDaily:
		if t.Daily == nil {
			return errors.New("trigger: daily configuration missing")
		}
		return t.Daily.Validate()
	case KindWeekly:
		if t.Weekly == nil {
			return errors.New("trigger: weekly configuration missing")
		}
		return t.Weekly.Validate()
	case KindMonthly:
		if t.Monthly == nil {
			return errors.New("trigger: monthly configuration missing")
		}
		return t.Monthly.Validate()
	default:
		return fmt.Errorf("trigger: unknown type %d", int(t.Type))
	}
}
