package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// WeeklyTrigger fires at each configured time of day on each configured weekday.
type WeeklyTrigger struct {
	DailyTrigger
	Days Weekdays `json:"days"`
}

// WeeklySource is implemented by configurations that can be read as a weekly schedule.
type WeeklySource interface {
	Recurrence
	WeeklyConfig() WeeklyTrigger
}

// Weekly is a convenience constructor.
func Weekly(days []time.Weekday, times ...TimeOfDay) WeeklyTrigger {
	return WeeklyTrigger{DailyTrigger: DailyTrigger{Times: times}, Days: days}
}

func (w WeeklyTrigger) WeeklyConfig() WeeklyTrigger { return w }

// Next scans a cyclic seven day window, so the same weekday one week later is
// reached when every slot of the current day has passed.
func (w WeeklyTrigger) Next(after time.Time) (time.Time, bool) {
	if len(w.Times) == 0 || len(w.Days) == 0 {
		return time.Time{}, false
	}
	ref := effectiveAfter(after)
	loc := ref.Location()
	y, m, day := ref.Date()

	var set [7]bool
	for _, d := range w.Days {
		if d >= time.Sunday && d <= time.Saturday {
			set[d] = true
		}
	}

	e := earliest{ref: ref}
	for off := 0; off <= 7 && !e.found; off++ {
		wd := time.Date(y, m, day+off, 12, 0, 0, 0, loc).Weekday()
		if !set[wd] {
			continue
		}
		for _, t := range w.Times {
			e.offer(t.on(y, m, day+off, loc))
		}
	}
	return e.best, e.found
}

func (w WeeklyTrigger) Validate() error {
	if len(w.Days) == 0 {
		return errors.New("weekly: at least one day is required")
	}
	for _, d := range w.Days {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("weekly: invalid weekday %d", int(d))
		}
	}
	return validateTimes("weekly", w.Times)
}

func (w WeeklyTrigger) String() string {
	if len(w.Times) == 0 || len(w.Days) == 0 {
		return ""
	}
	return withStartup("weekly on "+w.Days.String()+" at "+joinTimes(w.Times), w.RunsOnStartup())
}

// Weekdays is a set of days with a name-based JSON form ("monday", "mon" or 0..6).
type Weekdays []time.Weekday

func (ws Weekdays) String() string {
	cp := append([]time.Weekday(nil), ws...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	parts := make([]string, 0, len(cp))
	for i, d := range cp {
		if i > 0 && d == cp[i-1] {
			continue
		}
		parts = append(parts, d.String())
	}
	return strings.Join(parts, ", ")
}

func (ws Weekdays) MarshalJSON() ([]byte, error) {
	out := make([]string, 0, len(ws))
	for _, d := range ws {
		out = append(out, strings.ToLower(d.String()))
	}
	return json.Marshal(out)
}

func (ws *Weekdays) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("weekdays: %w", err)
	}
	out := make(Weekdays, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err != nil {
			var n int
			if err2 := json.Unmarshal(r, &n); err2 != nil {
				return fmt.Errorf("weekdays: invalid entry %s", string(r))
			}
			s = strconv.Itoa(n)
		}
		d, err := ParseWeekday(s)
		if err != nil {
			return err
		}
		out = append(out, d)
	}
	*ws = out
	return nil
}

// ParseWeekday accepts English names, three-letter abbreviations or 0 (Sunday) .. 6.
func ParseWeekday(s string) (time.Weekday, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 || n > 6 {
			return 0, fmt.Errorf("invalid weekday %q", s)
		}
		return time.Weekday(n), nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if v == name || v == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}
