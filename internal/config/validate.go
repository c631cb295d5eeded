package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate checks bounds, durations, timezone and job definitions.
// All problems are returned together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if _, err := cfg.Location(); err != nil {
		add(err)
	}

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 {
			add(errors.New("task_engine.workers must be >= 0"))
		}
		if te.QueueSize < 0 {
			add(errors.New("task_engine.queue_size must be >= 0"))
		}
		if te.HistorySize < 0 {
			add(errors.New("task_engine.history_size must be >= 0"))
		}
		if te.RetryMax < 0 {
			add(errors.New("task_engine.retry_max must be >= 0"))
		}
		dur("task_engine.default_timeout", te.DefaultTimeout)
		dur("task_engine.max_queue_delay", te.MaxQueueDelay)
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			add(errors.New("task_engine.enabled cannot be false while scheduler.enabled is true"))
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "memory", "mem", "postgres", "postgresql", "pgx":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(fmt.Errorf("storage.path is required when storage.driver=%s", strings.TrimSpace(st.Driver)))
			}
		default:
			add(fmt.Errorf("unknown storage.driver: %s", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
		if st.MaxConns < 0 {
			add(errors.New("storage.max_conns must be >= 0"))
		}
	}

	dur("diag.read_timeout", cfg.Diag.ReadTimeout)
	dur("diag.write_timeout", cfg.Diag.WriteTimeout)
	dur("diag.idle_timeout", cfg.Diag.IdleTimeout)

	add(validateJobs(&cfg.Jobs))
	return errors.Join(errs...)
}

func validateJobs(j *JobsConfig) error {
	var errs []error
	if p := j.Maintenance.Prune; p != nil {
		if p.Schedule != nil {
			if err := p.Schedule.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("jobs.maintenance.prune.schedule: %w", err))
			}
		}
		if _, err := ParseDurationField("jobs.maintenance.prune.keep_for", p.KeepFor); err != nil {
			errs = append(errs, err)
		}
	}
	if s := j.Maintenance.Snapshot; s != nil {
		if _, err := ParseDurationField("jobs.maintenance.snapshot.every", s.Every); err != nil {
			errs = append(errs, err)
		}
	}

	if h := j.HTTPProbes; h != nil && strings.TrimSpace(string(h.Schedule)) != "" {
		if err := h.Schedule.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("jobs.http_probes.schedule: %w", err))
		}
	}

	names := map[string]struct{}{}
	for i, p := range j.Probes() {
		path := fmt.Sprintf("jobs.http_probes.targets[%d]", i)
		name := strings.TrimSpace(p.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", path))
		} else if _, dup := names[name]; dup {
			errs = append(errs, fmt.Errorf("%s.name %q is duplicated", path, name))
		}
		names[name] = struct{}{}

		u, err := url.Parse(strings.TrimSpace(p.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s.url must be an absolute http(s) URL", path))
		}
		if p.Expect != 0 && (p.Expect < 100 || p.Expect > 599) {
			errs = append(errs, fmt.Errorf("%s.expect must be a valid HTTP status", path))
		}
		if _, err := ParseDurationField(path+".timeout", p.Timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Location returns the scheduler timezone, or time.Local when unset.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}
