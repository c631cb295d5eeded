package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"recurq/internal/config"
	"recurq/internal/diag"
	"recurq/internal/storage"
	"recurq/internal/task/engine"
	logx "recurq/pkg/logx"
)

// validateConfig is the reload gate: a config that fails here is never
// committed, and the previous one stays active.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	_, err := mapDiagConfig(cfg)
	return err
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Hook: logx.HookConfig{
			Enabled:    cfg.Logging.Hook.Enabled,
			MinLevel:   cfg.Logging.Hook.MinLevel,
			RatePerSec: cfg.Logging.Hook.RatePerSec,
		},
	}
}

// mapStorageConfig returns enabled=false for "none". An omitted section
// means the in-memory driver.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, true, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "none":
		return storage.Config{}, false, nil
	case "", "memory", "mem":
		return storage.Config{Driver: "memory"}, true, nil
	case "file":
		if path == "" {
			return storage.Config{}, false, errors.New("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	case "postgres", "postgresql", "pgx":
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN), MaxConns: int32(sc.MaxConns)}, true, nil
	default:
		return storage.Config{}, false, errors.New("unknown storage.driver: " + sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}

	enabled := cfg.Scheduler.Enabled
	workers, queueSize, historySize, retryMax := 2, 256, 200, 3
	var defTimeoutStr, maxQueueDelayStr string

	if te := cfg.TaskEngine; te != nil {
		if te.Enabled != nil {
			enabled = *te.Enabled
		}
		if te.Workers > 0 {
			workers = te.Workers
		}
		if te.QueueSize > 0 {
			queueSize = te.QueueSize
		}
		if te.HistorySize > 0 {
			historySize = te.HistorySize
		}
		if te.RetryMax > 0 {
			retryMax = te.RetryMax
		}
		defTimeoutStr = te.DefaultTimeout
		maxQueueDelayStr = te.MaxQueueDelay

		// Schedules would fire into a disabled engine.
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return engine.Config{}, errors.New("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
	}

	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", defTimeoutStr)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", maxQueueDelayStr)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Enabled:        enabled,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    historySize,
		RetryMax:       retryMax,
	}, nil
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	dc := cfg.Diag
	read, err := config.ParseDurationOrDefault("diag.read_timeout", dc.ReadTimeout, 10*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	// 0 keeps /debug/pprof/profile (30s+) working.
	write, err := config.ParseDurationField("diag.write_timeout", dc.WriteTimeout)
	if err != nil {
		return diag.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("diag.idle_timeout", dc.IdleTimeout, time.Minute)
	if err != nil {
		return diag.Config{}, err
	}
	return diag.Config{
		Enabled:              dc.Enabled,
		Addr:                 strings.TrimSpace(dc.Addr),
		Token:                strings.TrimSpace(dc.Token),
		AllowInsecure:        dc.AllowInsecure,
		Pprof:                dc.Pprof,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
		MemProfileRate:       dc.MemProfileRate,
	}, nil
}
