package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron fires on a cron expression ("*/5 * * * *", "0 30 9 * * MON", "@hourly", "@every 55m").
type Cron struct {
	Expr    string
	Startup *bool
}

// ParseCron validates expr up front.
func ParseCron(expr string) (Cron, error) {
	c := Cron{Expr: strings.TrimSpace(expr)}
	if err := c.Validate(); err != nil {
		return Cron{}, err
	}
	return c, nil
}

func (c Cron) Validate() error {
	if strings.TrimSpace(c.Expr) == "" {
		return fmt.Errorf("cron: expression required")
	}
	if _, err := cronParser.Parse(c.Expr); err != nil {
		return fmt.Errorf("cron: invalid %q: %w", c.Expr, err)
	}
	return nil
}

// Next evaluates the expression in the location of after. An invalid
// expression has no occurrence.
func (c Cron) Next(after time.Time) (time.Time, bool) {
	sched, err := cronParser.Parse(strings.TrimSpace(c.Expr))
	if err != nil {
		return time.Time{}, false
	}
	next := sched.Next(effectiveAfter(after))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

func (c Cron) RunsOnStartup() bool { return boolValue(c.Startup) }

func (c Cron) String() string {
	if strings.TrimSpace(c.Expr) == "" {
		return ""
	}
	return withStartup("cron "+strings.TrimSpace(c.Expr), c.RunsOnStartup())
}
