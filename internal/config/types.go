package config

import (
	"time"

	"recurq/internal/discovery"
	"recurq/internal/schedule"
)

// Identities of the built-in jobs declared under the jobs section.
const (
	QueueMaintenance = "maintenance"
	TaskPrune        = "prune"
	TaskSnapshot     = "snapshot"

	QueueProbes   = "probes"
	TaskHTTPProbe = "http"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of activated tasks.
	// If omitted, the engine follows scheduler.enabled with default settings.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Diag    DiagConfig     `json:"diag,omitempty"`
	Jobs    JobsConfig     `json:"jobs"`
}

func (c *Config) WalkConfig(w *discovery.Walker) {
	discovery.Field(w, "jobs", &c.Jobs)
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout applies to processors without their own timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// StorageConfig controls the persistence layer behind the task queue.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./recurq.db" }
//
// For postgres the DSN may also come from RECURQ_DB_URL.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int    `json:"max_conns,omitempty"`    // postgres
}

// DiagConfig controls the optional diagnostics HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"` // mount /debug/pprof/

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Hook    LoggingHook `json:"hook"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingHook forwards records at or above MinLevel to the in-process hook
// (log level counters on /metrics).
type LoggingHook struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls schedule reconciliation.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone is the IANA name used as "now" for next-run computation.
	// Empty means the process local zone.
	Timezone string `json:"timezone,omitempty"`
}

// JobsConfig holds the built-in recurring jobs.
type JobsConfig struct {
	Maintenance MaintenanceConfig `json:"maintenance"`
	HTTPProbes  *HTTPProbesConfig `json:"http_probes,omitempty"`
}

func (j *JobsConfig) WalkConfig(w *discovery.Walker) {
	discovery.Field(w, "maintenance", &j.Maintenance)
	discovery.Field(w, "http_probes", j.HTTPProbes)
}

// Probes returns the configured probe targets, or nil when the section is
// absent.
func (j *JobsConfig) Probes() []ProbeConfig {
	if j == nil || j.HTTPProbes == nil {
		return nil
	}
	return j.HTTPProbes.Targets
}

type MaintenanceConfig struct {
	Prune    *PruneConfig    `json:"prune,omitempty"`
	Snapshot *SnapshotConfig `json:"snapshot,omitempty"`
}

func (m *MaintenanceConfig) WalkConfig(w *discovery.Walker) {
	discovery.Field(w, "prune", m.Prune)
	discovery.Field(w, "snapshot", m.Snapshot)
}

// PruneConfig removes finished task records older than KeepFor.
type PruneConfig struct {
	Schedule *schedule.Trigger `json:"schedule,omitempty"`
	KeepFor  string            `json:"keep_for,omitempty"` // default: 168h
}

func (p *PruneConfig) WalkConfig(w *discovery.Walker) {
	discovery.Field(w, "schedule", p.Schedule,
		discovery.Declare(QueueMaintenance, TaskPrune, discovery.TypeOf[*schedule.Trigger]()))
}

// KeepForDuration returns the retention window, defaulting to one week.
func (p *PruneConfig) KeepForDuration() time.Duration {
	if p == nil {
		return 7 * 24 * time.Hour
	}
	d, err := ParseDurationOrDefault("jobs.maintenance.prune.keep_for", p.KeepFor, 7*24*time.Hour)
	if err != nil {
		return 7 * 24 * time.Hour
	}
	return d
}

// SnapshotConfig logs a status snapshot of the queue and engine.
type SnapshotConfig struct {
	// Every is a Go duration string. It is exposed to discovery as a
	// time.Duration property.
	Every string `json:"every"`
}

func (s *SnapshotConfig) WalkConfig(w *discovery.Walker) {
	discovery.Property(w, "every", s.EveryDuration,
		discovery.Declare(QueueMaintenance, TaskSnapshot, discovery.TypeOf[time.Duration]()))
}

// EveryDuration returns the parsed interval; invalid or empty values yield 0.
func (s *SnapshotConfig) EveryDuration() time.Duration {
	d, err := ParseDurationField("jobs.maintenance.snapshot.every", s.Every)
	if err != nil {
		return 0
	}
	return d
}

// HTTPProbesConfig is the probes/http job: one schedule, every target
// checked per activation.
type HTTPProbesConfig struct {
	Schedule schedule.Spec `json:"schedule,omitempty"`
	Targets  []ProbeConfig `json:"targets,omitempty"`
}

func (h *HTTPProbesConfig) WalkConfig(w *discovery.Walker) {
	discovery.Field(w, "schedule", h.Schedule,
		discovery.Declare(QueueProbes, TaskHTTPProbe, discovery.TypeOf[schedule.Spec]()))
}

// ProbeConfig is one HTTP probe target.
type ProbeConfig struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Method  string `json:"method,omitempty"`  // default: GET
	Expect  int    `json:"expect,omitempty"`  // expected status; 0 means any 2xx
	Timeout string `json:"timeout,omitempty"` // default: 10s
}
