package schedule

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// SpecKind describes the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
	SpecDaily
)

// ParsedSpec is a schedule string resolved into a Recurrence.
type ParsedSpec struct {
	Kind       SpecKind
	Recurrence Recurrence
	Source     string // "cron" | "duration" | "hhmm"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSpec parses a schedule string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Daily times: "09:00", "daily:09:00,17:30"
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing; HH:MM is then a duration ("02:30" = 2h30m)
//   - "daily:" takes a comma-separated list of times of day
func ParseSpec(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return cronSpec(expr)
	case strings.HasPrefix(low, "interval:"):
		return intervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(s[len("every:"):])
	case strings.HasPrefix(low, "daily:"):
		return dailySpec(s[len("daily:"):])
	}

	// any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return cronSpec(s)
	}
	if reHHMM.MatchString(s) {
		return dailySpec(s)
	}
	d, err := time.ParseDuration(s)
	if err == nil {
		if d <= 0 {
			return ParsedSpec{}, fmt.Errorf("interval must be > 0")
		}
		return ParsedSpec{Kind: SpecInterval, Recurrence: Every(d), Source: "duration"}, nil
	}

	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', a time like '09:00', or duration like '55m')",
		raw,
	)
}

func cronSpec(expr string) (ParsedSpec, error) {
	c, err := ParseCron(expr)
	if err != nil {
		return ParsedSpec{}, err
	}
	return ParsedSpec{Kind: SpecCron, Recurrence: c, Source: "cron"}, nil
}

func intervalSpec(v string) (ParsedSpec, error) {
	d, src, err := parseInterval(v)
	if err != nil {
		return ParsedSpec{}, err
	}
	return ParsedSpec{Kind: SpecInterval, Recurrence: Every(d), Source: src}, nil
}

func dailySpec(v string) (ParsedSpec, error) {
	var times []TimeOfDay
	for _, part := range strings.Split(v, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		t, err := ParseTimeOfDay(part)
		if err != nil {
			return ParsedSpec{}, err
		}
		times = append(times, t)
	}
	if len(times) == 0 {
		return ParsedSpec{}, fmt.Errorf("daily schedule requires at least one time")
	}
	return ParsedSpec{Kind: SpecDaily, Recurrence: Daily(times...), Source: "hhmm"}, nil
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		return d, "hhmm", err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "duration", nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	// hours up to 999, minutes 0..59
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// Spec is a schedule string kept in its source form. It is parsed on use, so
// a Spec read from JSON has already been validated.
type Spec string

func (s Spec) parsed() Recurrence {
	ps, err := ParseSpec(string(s))
	if err != nil {
		return nil
	}
	return ps.Recurrence
}

func (s Spec) Next(after time.Time) (time.Time, bool) {
	r := s.parsed()
	if r == nil {
		return time.Time{}, false
	}
	return r.Next(after)
}

func (s Spec) RunsOnStartup() bool { return false }

func (s Spec) Validate() error {
	_, err := ParseSpec(string(s))
	return err
}

func (s Spec) String() string {
	r := s.parsed()
	if st, ok := r.(fmt.Stringer); ok {
		return st.String()
	}
	return ""
}

func (s *Spec) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if strings.TrimSpace(raw) != "" {
		if _, err := ParseSpec(raw); err != nil {
			return err
		}
	}
	*s = Spec(raw)
	return nil
}
