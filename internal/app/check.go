package app

import (
	"context"
	"time"

	"recurq/internal/config"
	"recurq/internal/eventlog"
	"recurq/internal/jobs"
	"recurq/internal/reconcile"
	"recurq/internal/storage"
	"recurq/internal/taskqueue"
	logx "recurq/pkg/logx"
)

// CheckResult is the outcome of a dry reconciliation pass.
type CheckResult struct {
	Summary reconcile.Summary
	Events  []eventlog.Entry
}

// Check loads path and runs one startup pass against a throwaway in-memory
// queue, as of at. Nothing executes.
func Check(ctx context.Context, path string, at time.Time, extra ...taskqueue.Processor) (CheckResult, error) {
	m := config.NewManager(path)
	m.SetValidator(validateConfig)
	cfg, err := m.Load(ctx)
	if err != nil {
		return CheckResult{}, err
	}
	if loc, err := cfg.Location(); err == nil {
		at = at.In(loc)
	}

	store := storage.NewMemory()
	defer store.Close()

	queue := taskqueue.New(store, nil, taskqueue.WithClock(func() time.Time { return at }))
	err = jobs.Register(queue, jobs.Deps{Config: m.Get, Log: logx.Nop()})
	if err != nil {
		return CheckResult{}, err
	}
	for _, p := range extra {
		if err := queue.Register(p); err != nil {
			return CheckResult{}, err
		}
	}

	var events eventlog.Memory
	rec := reconcile.New(queue, queue, &events, reconcile.WithClock(func() time.Time { return at }))
	sum := rec.PopulateFromConfiguration(ctx, cfg, true)
	return CheckResult{Summary: sum, Events: events.Entries()}, nil
}
