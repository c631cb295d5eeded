package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MonthlyTrigger fires at each configured time of day on each configured day of
// the month. Days past the end of a month resolve to its last day.
type MonthlyTrigger struct {
	DailyTrigger
	Days []int `json:"days"`
}

// MonthlySource is implemented by configurations that can be read as a monthly schedule.
type MonthlySource interface {
	Recurrence
	MonthlyConfig() MonthlyTrigger
}

// Monthly is a convenience constructor.
func Monthly(days []int, times ...TimeOfDay) MonthlyTrigger {
	return MonthlyTrigger{DailyTrigger: DailyTrigger{Times: times}, Days: days}
}

func (mt MonthlyTrigger) MonthlyConfig() MonthlyTrigger { return mt }

// Next searches forward month by month, clamping each configured day to the
// month length. Days outside 1..31 are ignored.
func (mt MonthlyTrigger) Next(after time.Time) (time.Time, bool) {
	if len(mt.Times) == 0 || len(mt.Days) == 0 {
		return time.Time{}, false
	}
	ref := effectiveAfter(after)
	loc := ref.Location()
	y, m, _ := ref.Date()

	e := earliest{ref: ref}
	for off := 0; off <= 12 && !e.found; off++ {
		first := time.Date(y, m+time.Month(off), 1, 0, 0, 0, 0, loc)
		last := daysIn(first.Year(), first.Month(), loc)
		for _, d := range mt.Days {
			if d < 1 || d > 31 {
				continue
			}
			if d > last {
				d = last
			}
			for _, t := range mt.Times {
				e.offer(t.on(first.Year(), first.Month(), d, loc))
			}
		}
	}
	return e.best, e.found
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

func (mt MonthlyTrigger) Validate() error {
	if len(mt.Days) == 0 {
		return errors.New("monthly: at least one day is required")
	}
	for _, d := range mt.Days {
		if d < 1 || d > 31 {
			return fmt.Errorf("monthly: invalid day of month %d", d)
		}
	}
	return validateTimes("monthly", mt.Times)
}

func (mt MonthlyTrigger) String() string {
	if len(mt.Times) == 0 || len(mt.Days) == 0 {
		return ""
	}
	days := append([]int(nil), mt.Days...)
	sort.Ints(days)
	parts := make([]string, 0, len(days))
	for i, d := range days {
		if i > 0 && d == days[i-1] {
			continue
		}
		parts = append(parts, strconv.Itoa(d))
	}
	return withStartup("monthly on day "+strings.Join(parts, ", ")+" at "+joinTimes(mt.Times), mt.RunsOnStartup())
}
