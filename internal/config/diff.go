package config

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	logx "recurq/pkg/logx"
)

// SummarizeConfigChange returns (1) a sorted list of changed sections and
// (2) safe structured attrs for logging. Secrets (diag token, storage DSN)
// are only reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.hook_enabled", newCfg.Logging.Hook.Enabled),
		)
	}

	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	oTE := derefTaskEngine(oldCfg.TaskEngine)
	nTE := derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		enabled := newCfg.Scheduler.Enabled
		if nTE.Enabled != nil {
			enabled = *nTE.Enabled
		}
		attrs = append(attrs,
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Bool("task_engine.enabled", enabled),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(nTE.MaxQueueDelay)),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	oS := derefStorage(oldCfg.Storage)
	nS := derefStorage(newCfg.Storage)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	if oldCfg.Diag != newCfg.Diag {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", newCfg.Diag.Enabled),
			logx.String("diag.addr", strings.TrimSpace(newCfg.Diag.Addr)),
			logx.Bool("diag.token_set", strings.TrimSpace(newCfg.Diag.Token) != ""),
			logx.Bool("diag.pprof", newCfg.Diag.Pprof),
		)
	}

	if hashJSON(oldCfg.Jobs) != hashJSON(newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Bool("jobs.prune_set", newCfg.Jobs.Maintenance.Prune != nil),
			logx.Bool("jobs.snapshot_set", newCfg.Jobs.Maintenance.Snapshot != nil),
			logx.Int("jobs.probe_count", len(newCfg.Jobs.Probes())),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

// hashJSON hashes the JSON form of v, so inert pointer identity never counts as a change.
func hashJSON(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
