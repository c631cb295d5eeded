package schedule

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock time without a date. JSON form is "HH:MM" or "HH:MM:SS".
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// At builds a TimeOfDay from hour and minute.
func At(hour, minute int) TimeOfDay { return TimeOfDay{Hour: hour, Minute: minute} }

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	sec := 0
	if len(parts) == 3 {
		sec, err = strconv.Atoi(parts[2])
		if err != nil || sec < 0 || sec > 59 {
			return TimeOfDay{}, fmt.Errorf("invalid second in %q", s)
		}
	}
	return TimeOfDay{Hour: h, Minute: m, Second: sec}, nil
}

// MustTimeOfDay is ParseTimeOfDay for literals; it panics on bad input.
func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) Validate() error {
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 || t.Second < 0 || t.Second > 59 {
		return fmt.Errorf("invalid time of day %02d:%02d:%02d", t.Hour, t.Minute, t.Second)
	}
	return nil
}

func (t TimeOfDay) String() string {
	if t.Second != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
	}
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// on returns the instant at t on the given calendar day in loc.
// Out-of-range days are normalized by time.Date.
func (t TimeOfDay) on(year int, month time.Month, day int, loc *time.Location) time.Time {
	return time.Date(year, month, day, t.Hour, t.Minute, t.Second, 0, loc)
}

func (t TimeOfDay) seconds() int { return t.Hour*3600 + t.Minute*60 + t.Second }

func (t TimeOfDay) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("time of day: %w", err)
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// sortedTimes returns a sorted, de-duplicated copy.
func sortedTimes(in []TimeOfDay) []TimeOfDay {
	out := append([]TimeOfDay(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].seconds() < out[j].seconds() })
	j := 0
	for i := range out {
		if i > 0 && out[i] == out[j-1] {
			continue
		}
		out[j] = out[i]
		j++
	}
	return out[:j]
}

func joinTimes(ts []TimeOfDay) string {
	parts := make([]string, 0, len(ts))
	for _, t := range sortedTimes(ts) {
		parts = append(parts, t.String())
	}
	return strings.Join(parts, ", ")
}
