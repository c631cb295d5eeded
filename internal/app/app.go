// Package app wires configuration, storage, the task queue and the schedule
// reconciler into a running daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"recurq/internal/config"
	"recurq/internal/diag"
	"recurq/internal/eventbus"
	"recurq/internal/eventlog"
	"recurq/internal/jobs"
	"recurq/internal/reconcile"
	rtsup "recurq/internal/runtime/supervisor"
	"recurq/internal/storage"
	"recurq/internal/task/engine"
	"recurq/internal/taskqueue"
	logx "recurq/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *prometheus.Registry
	mets  *appMetrics

	engine *engine.Service
	queue  *taskqueue.Manager
	rec    *reconcile.Reconciler
	diag   *diag.Service

	// passMu serializes reconciliation passes with rescheduling after runs.
	passMu  sync.Mutex
	loc     atomic.Pointer[time.Location]
	schedOn atomic.Bool
}

type options struct {
	processors []taskqueue.Processor
}

type Option func(*options)

// WithProcessors registers additional task processors next to the built-in jobs.
func WithProcessors(ps ...taskqueue.Processor) Option {
	return func(o *options) { o.processors = append(o.processors, ps...) }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	a := &App{cfgm: cfgm, reg: newRegistry()}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a.loc.Store(loc)
	a.schedOn.Store(cfg.Scheduler.Enabled)

	a.mets = newAppMetrics(a.reg)
	a.logs, a.log = logx.New(mapLoggingConfig(cfg), a.mets.logHook)
	cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	log := a.log
	a.log = a.log.With(logx.String("comp", "app"))

	a.bus = eventbus.New()

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, a.closeStore(err)
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus)

	a.queue = taskqueue.New(a.store, a.engine,
		taskqueue.WithLogger(log),
		taskqueue.WithBus(a.bus),
		taskqueue.WithMetrics(taskqueue.NewMetrics(a.reg)),
	)
	events := eventlog.New(log.With(logx.String("comp", "eventlog")), a.store, "reconcile")
	a.rec = reconcile.New(a.queue, a.queue, events,
		reconcile.WithClock(a.now),
		reconcile.WithLogger(log),
		reconcile.WithBus(a.bus),
		reconcile.WithMetrics(reconcile.NewMetrics(a.reg)),
	)

	err = jobs.Register(a.queue, jobs.Deps{
		Store:      a.store,
		Config:     cfgm.Get,
		Status:     a.status,
		Registerer: a.reg,
		Log:        log.With(logx.String("comp", "jobs")),
	})
	if err != nil {
		return nil, a.closeStore(err)
	}
	for _, p := range o.processors {
		if err := a.queue.Register(p); err != nil {
			return nil, a.closeStore(err)
		}
	}
	a.queue.SetAfterRun(a.afterRun)

	dc, err := mapDiagConfig(cfg)
	if err != nil {
		return nil, a.closeStore(err)
	}
	a.diag = diag.New(dc, diag.Sources{
		Gatherer:  a.reg,
		Health:    a.health,
		Schedules: func() any { return a.rec.Entries() },
		Status:    func() any { return a.status() },
	}, log.With(logx.String("comp", "diag")))

	return a, nil
}

func (a *App) closeStore(err error) error {
	if a.store != nil {
		_ = a.store.Close()
	}
	return err
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }
func (a *App) Bus() eventbus.Bus { return a.bus }
func (a *App) Logger() logx.Logger { return a.log }
func (a *App) Entries() []reconcile.Entry { return a.rec.Entries() }
func (a *App) Queue() *taskqueue.Manager { return a.queue }
func (a *App) Registry() prometheus.Gatherer { return a.reg }
func (a *App) DiagAddr() string { return a.diag.Addr() }

// Reload re-reads the config file. Subscribers see the result only when it
// validates and differs from the active config.
func (a *App) Reload(ctx context.Context) error {
	_, err := a.cfgm.Reload(ctx)
	return err
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) now() time.Time {
	if loc := a.loc.Load(); loc != nil {
		return time.Now().In(loc)
	}
	return time.Now()
}

func (a *App) health() error {
	if err := a.Err(); err != nil {
		return err
	}
	if a.sup != nil && a.sup.Context().Err() != nil {
		return errors.New("stopping")
	}
	return nil
}

func (a *App) status() jobs.Status {
	return jobs.Status{
		At:         a.now(),
		Engine:     a.engine.Snapshot(),
		Queue:      a.queue.Snapshot(),
		Schedules:  len(a.rec.Entries()),
		BusDropped: a.bus.Dropped(),
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if a.engine.Enabled() {
		a.engine.Start(runCtx)
	}
	if err := a.queue.Start(runCtx); err != nil {
		return err
	}
	if dc, err := mapDiagConfig(a.cfgm.Get()); err == nil {
		a.diag.Apply(runCtx, dc)
	}

	a.reconcile(runCtx, a.cfgm.Get(), true)

	a.sup.Go("eventbus.log", func(c context.Context) error {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				next = coalesce(sub, next)
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("config", a.cfgm.Path()),
		logx.Int("schedules", len(a.rec.Entries())),
	)
	return nil
}

// coalesce drains queued configs and returns the newest.
func coalesce(sub chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Debug("config change summary", fields...)
	}
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(mapLoggingConfig(next))

	if loc, err := next.Location(); err == nil {
		a.loc.Store(loc)
	}

	if engCfg, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		prevOn := a.engine.Enabled()
		a.engine.Apply(ctx, engCfg)
		if !prevOn && engCfg.Enabled {
			a.log.Info("task engine enabled via config")
		} else if prevOn && !engCfg.Enabled {
			a.log.Info("task engine disabled via config")
		}
	}

	if dc, err := mapDiagConfig(next); err != nil {
		a.log.Warn("invalid diag config; keeping previous", logx.Err(err))
	} else {
		a.diag.Apply(ctx, dc)
	}

	a.reconcile(ctx, next, false)

	result := "applied"
	if len(sections) == 0 {
		result = "no_change"
	}
	a.mets.reloads.WithLabelValues(result).Inc()
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

// reconcile runs one pass for cfg. With the scheduler disabled, every
// previously registered schedule is cancelled and the registry emptied.
func (a *App) reconcile(ctx context.Context, cfg *config.Config, isStartup bool) reconcile.Summary {
	a.passMu.Lock()
	defer a.passMu.Unlock()

	if cfg == nil || !cfg.Scheduler.Enabled {
		if a.schedOn.Swap(false) || isStartup {
			for _, q := range a.queue.Queues() {
				for _, t := range a.queue.Processors(q) {
					if err := a.queue.CancelAllFutureExecutions(ctx, q, t, false); err != nil {
						a.log.Warn("cancel schedule failed", logx.String("task", q+"/"+t), logx.Err(err))
					}
				}
			}
			a.log.Info("scheduler disabled; schedules suspended")
		}
		return a.rec.PopulateFromConfiguration(ctx, nil, isStartup)
	}
	if !a.schedOn.Swap(true) {
		a.log.Info("scheduler enabled via config")
	}
	prev := a.rec.Entries()
	sum := a.rec.PopulateFromConfiguration(ctx, cfg, isStartup)
	a.cancelDropped(ctx, prev)
	return sum
}

// cancelDropped cancels pending runs of schedules that left the config.
func (a *App) cancelDropped(ctx context.Context, prev []reconcile.Entry) {
	for _, e := range prev {
		if _, ok := a.rec.Lookup(e.Queue, e.TaskType); ok {
			continue
		}
		if err := a.queue.CancelAllFutureExecutions(ctx, e.Queue, e.TaskType, false); err != nil {
			a.log.Warn("cancel dropped schedule failed", logx.String("task", e.Identity.String()), logx.Err(err))
			continue
		}
		a.log.Info("schedule removed", logx.String("task", e.Identity.String()), logx.String("path", e.Path))
	}
}

// afterRun queues the following run of a recurring task. A pass that already
// queued one wins.
func (a *App) afterRun(o taskqueue.Outcome) {
	if a.sup == nil || a.sup.Context().Err() != nil {
		return
	}
	ctx := a.sup.Context()

	a.passMu.Lock()
	defer a.passMu.Unlock()
	if !a.schedOn.Load() {
		return
	}
	if _, ok := a.rec.Lookup(o.Queue, o.Type); !ok {
		return
	}
	if len(a.queue.Pending(o.Queue, o.Type)) > 0 {
		return
	}
	next, ok := a.rec.ScheduleNext(ctx, o.Queue, o.Type, a.now())
	if !ok {
		a.log.Debug("schedule ended", logx.String("task", o.Queue+"/"+o.Type))
		return
	}
	a.log.Debug("next run scheduled",
		logx.String("task", o.Queue+"/"+o.Type),
		logx.Time("at", next),
		logx.Bool("failed", o.Err != nil),
	)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeStore(nil)
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if limit > 0 {
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, max(time.Until(dl), 0))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("diag", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	step("taskqueue", time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error { return a.closeStore(nil) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
