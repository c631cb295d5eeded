package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"recurq/internal/discovery"
	"recurq/internal/eventlog"
	"recurq/internal/schedule"
)

const sampleJSON = `{
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}, "hook": {"enabled": false, "min_level": "", "rate_per_sec": 0}},
  "scheduler": {"enabled": true, "timezone": "UTC"},
  "jobs": {
    "maintenance": {
      "prune": {"schedule": {"type": "daily", "daily": {"times": ["03:00"]}}, "keep_for": "48h"},
      "snapshot": {"every": "15m"}
    },
    "http_probes": {
      "schedule": "5m",
      "targets": [
        {"name": "api", "url": "https://example.com/healthz"},
        {"name": "web", "url": "https://example.com/", "expect": 200}
      ]
    }
  }
}`

const sampleYAML = `
logging:
  level: info
  console: true
scheduler:
  enabled: true
  timezone: UTC
jobs:
  maintenance:
    prune:
      schedule:
        type: daily
        daily:
          times: ["03:00"]
      keep_for: 48h
    snapshot:
      every: 15m
  http_probes:
    schedule: 5m
    targets:
      - name: api
        url: https://example.com/healthz
      - name: web
        url: https://example.com/
        expect: 200
`

const sampleTOML = `
[logging]
level = "info"
console = true

[scheduler]
enabled = true
timezone = "UTC"

[jobs.maintenance.prune]
keep_for = "48h"

[jobs.maintenance.prune.schedule]
type = "daily"

[jobs.maintenance.prune.schedule.daily]
times = ["03:00"]

[jobs.maintenance.snapshot]
every = "15m"

[jobs.http_probes]
schedule = "5m"

[[jobs.http_probes.targets]]
name = "api"
url = "https://example.com/healthz"

[[jobs.http_probes.targets]]
name = "web"
url = "https://example.com/"
expect = 200
`

func TestDecodeFormats(t *testing.T) {
	t.Parallel()
	cases := []struct {
		file string
		data string
	}{
		{"config.json", sampleJSON},
		{"config.yaml", sampleYAML},
		{"config.toml", sampleTOML},
	}
	for _, tc := range cases {
		t.Run(tc.file, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode(tc.file, []byte(tc.data))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !cfg.Scheduler.Enabled || cfg.Scheduler.Timezone != "UTC" {
				t.Fatalf("scheduler = %+v", cfg.Scheduler)
			}
			p := cfg.Jobs.Maintenance.Prune
			if p == nil || p.Schedule == nil || p.Schedule.Type != schedule.KindDaily {
				t.Fatalf("prune = %+v", p)
			}
			if got := p.KeepForDuration(); got != 48*time.Hour {
				t.Fatalf("keep_for = %v", got)
			}
			if got := cfg.Jobs.Maintenance.Snapshot.EveryDuration(); got != 15*time.Minute {
				t.Fatalf("snapshot.every = %v", got)
			}
			if h := cfg.Jobs.HTTPProbes; h == nil || h.Schedule != "5m" {
				t.Fatalf("http_probes = %+v", h)
			}
			if probes := cfg.Jobs.Probes(); len(probes) != 2 || probes[1].Expect != 200 {
				t.Fatalf("probes = %+v", probes)
			}
			if err := Validate(cfg); err != nil {
				t.Fatalf("validate: %v", err)
			}
		})
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"telegram": {}}`)); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
	if _, err := Decode("c.yaml", []byte("scheduler:\n  enabld: true\n")); err == nil {
		t.Fatalf("expected unknown yaml field error")
	}
	if _, err := Decode("c.json", []byte(`{"jobs": {"http_probes": {"schedule": "nope nope"}}}`)); err == nil {
		t.Fatalf("expected bad schedule error")
	}
}

func TestConfigDiscovery(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var events eventlog.Memory
	found := discovery.NewScanner(&events).Discover(cfg)

	want := []struct {
		path, queue, typ string
	}{
		{"jobs.maintenance.prune.schedule", QueueMaintenance, TaskPrune},
		{"jobs.maintenance.snapshot.every", QueueMaintenance, TaskSnapshot},
		{"jobs.http_probes.schedule", QueueProbes, TaskHTTPProbe},
	}
	if len(found) != len(want) {
		t.Fatalf("found %d declarations, want %d: %+v", len(found), len(want), found)
	}
	for i, w := range want {
		f := found[i]
		if f.Path != w.path || f.Declaration.QueueID != w.queue || f.Declaration.TaskType != w.typ {
			t.Fatalf("found[%d] = %s %s/%s, want %s %s/%s", i,
				f.Path, f.Declaration.QueueID, f.Declaration.TaskType, w.path, w.queue, w.typ)
		}
	}
	if n := len(events.Entries()); n != 0 {
		t.Fatalf("unexpected events: %+v", events.Entries())
	}

	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	next, ok := found[1].Recurrence.Next(at)
	if !ok || !next.Equal(at.Add(15*time.Minute)) {
		t.Fatalf("snapshot next = %v %v", next, ok)
	}
}

func TestConfigDiscoverySkipsAbsentSections(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.json", []byte(`{"scheduler": {"enabled": true}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if found := discovery.NewScanner(nil).Discover(cfg); len(found) != 0 {
		t.Fatalf("expected no declarations, got %+v", found)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	off := false
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"ok", Config{}, ""},
		{"timezone", Config{Scheduler: SchedulerConfig{Timezone: "Mars/Base"}}, "scheduler.timezone"},
		{"workers", Config{TaskEngine: &TaskEngineConfig{Workers: -1}}, "task_engine.workers"},
		{"engine off", Config{Scheduler: SchedulerConfig{Enabled: true}, TaskEngine: &TaskEngineConfig{Enabled: &off}}, "task_engine.enabled"},
		{"timeout", Config{TaskEngine: &TaskEngineConfig{DefaultTimeout: "soon"}}, "task_engine.default_timeout"},
		{"driver", Config{Storage: &StorageConfig{Driver: "mongo"}}, "unknown storage.driver"},
		{"sqlite path", Config{Storage: &StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"probe url", Config{Jobs: JobsConfig{HTTPProbes: &HTTPProbesConfig{Targets: []ProbeConfig{
			{Name: "a", URL: "ftp://x"},
		}}}}, "jobs.http_probes.targets[0].url"},
		{"probe dup", Config{Jobs: JobsConfig{HTTPProbes: &HTTPProbesConfig{Targets: []ProbeConfig{
			{Name: "a", URL: "http://x"}, {Name: "a", URL: "http://y"},
		}}}}, "duplicated"},
		{"probe schedule", Config{Jobs: JobsConfig{HTTPProbes: &HTTPProbesConfig{Schedule: "every tuesday"}}}, "jobs.http_probes.schedule"},
		{"prune trigger", Config{Jobs: JobsConfig{Maintenance: MaintenanceConfig{Prune: &PruneConfig{
			Schedule: &schedule.Trigger{Type: schedule.KindWeekly},
		}}}}, "jobs.maintenance.prune.schedule"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tc.cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write(`{"scheduler": {"enabled": true}}`)

	m := NewManager(path)
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if _, err := m.Reload(context.Background()); !errors.Is(err, ErrUnchanged) {
		t.Fatalf("reload unchanged: %v", err)
	}

	write(`{"scheduler": {"enabled": true, "timezone": "Nowhere/Land"}}`)
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatalf("expected rejected reload")
	}
	if m.Get().Scheduler.Timezone != "" {
		t.Fatalf("rejected config was committed")
	}

	write(`{"scheduler": {"enabled": false}}`)
	if _, err := m.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	select {
	case cfg := <-sub:
		if cfg.Scheduler.Enabled {
			t.Fatalf("published stale config")
		}
	default:
		t.Fatalf("no config published")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	first := &Config{Scheduler: SchedulerConfig{Timezone: "first"}}
	second := &Config{Scheduler: SchedulerConfig{Timezone: "second"}}
	m.publish(first)
	m.publish(second)
	if got := <-sub; got != second {
		t.Fatalf("got %+v, want newest", got.Scheduler)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg, err := Decode("config.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	newCfg, err := Decode("config.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if changed, _ := SummarizeConfigChange(oldCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}

	newCfg.Jobs.HTTPProbes.Targets = newCfg.Jobs.HTTPProbes.Targets[:1]
	newCfg.Diag.Token = "secret"
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "diag,jobs" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
}

func TestExampleConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join("..", "..", "config.example.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	cfg, err := Decode(path, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	var events eventlog.Memory
	found := discovery.NewScanner(&events).Discover(cfg)
	if len(found) != 3 || len(events.Entries()) != 0 {
		t.Fatalf("found %d schedules, events %+v", len(found), events.Entries())
	}
}
