package reconcile

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"recurq/internal/discovery"
	"recurq/internal/eventbus"
	"recurq/internal/eventlog"
	"recurq/internal/schedule"
	logx "recurq/pkg/logx"
)

// Reconciler owns the schedule registry.
type Reconciler struct {
	queues  QueueResolver
	tasks   TaskManager
	events  eventlog.Reporter
	scanner *discovery.Scanner
	now     func() time.Time
	log     logx.Logger
	bus     eventbus.Bus
	metrics *Metrics

	mu       sync.RWMutex
	registry map[Identity]Entry
	order    []Identity
}

type Option func(*Reconciler)

// WithClock sets the pass instant source.
func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }
func WithLogger(log logx.Logger) Option { return func(r *Reconciler) { r.log = log } }
func WithBus(bus eventbus.Bus) Option { return func(r *Reconciler) { r.bus = bus } }
func WithMetrics(m *Metrics) Option { return func(r *Reconciler) { r.metrics = m } }
func WithScanner(s *discovery.Scanner) Option { return func(r *Reconciler) { r.scanner = s } }

// New builds a reconciler. Nil collaborators are allowed; passes then do nothing.
func New(queues QueueResolver, tasks TaskManager, events eventlog.Reporter, opts ...Option) *Reconciler {
	r := &Reconciler{
		queues:   queues,
		tasks:    tasks,
		events:   events,
		now:      time.Now,
		registry: map[Identity]Entry{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.scanner == nil {
		r.scanner = discovery.NewScanner(events)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	r.log = r.log.With(logx.String("comp", "reconcile"))
	return r
}

// PopulateFromConfiguration runs one pass over root. With isStartup set,
// schedules flagged to run on startup activate at the pass instant.
func (r *Reconciler) PopulateFromConfiguration(ctx context.Context, root any, isStartup bool) Summary {
	at := r.now()
	sum := Summary{At: at, Startup: isStartup}

	r.mu.Lock()
	clear(r.registry)
	r.order = r.order[:0]
	r.mu.Unlock()

	if isNil(root) || isNil(r.queues) || isNil(r.tasks) {
		return sum
	}
	found := r.scanner.Discover(root)
	sum.Found = len(found)
	if len(found) == 0 {
		r.finish(sum)
		return sum
	}

	registered := map[Identity]bool{}
	for _, q := range r.queues.Queues() {
		for _, t := range r.queues.Processors(q) {
			registered[Identity{Queue: q, TaskType: t}] = true
		}
	}

	for _, f := range found {
		id := Identity{Queue: f.Declaration.QueueID, TaskType: f.Declaration.TaskType}

		if !registered[id] {
			sum.Unregistered++
			r.report(fmt.Sprintf("Found configuration schedule for queue %s and type %s, but no task processors were registered with that combination.", id.Queue, id.TaskType), eventlog.Warning)
			continue
		}
		if r.claimed(id) {
			sum.Duplicates++
			r.report(fmt.Sprintf("Multiple configuration schedules found for queue %s and type %s. Only the first loaded will be used.", id.Queue, id.TaskType), eventlog.Error)
			continue
		}

		// Always cancel, so a schedule emptied in config clears its stale runs.
		if err := r.tasks.CancelAllFutureExecutions(ctx, id.Queue, id.TaskType, false); err != nil {
			sum.Failed++
			r.log.Error("cancel future executions failed", logx.String("task", id.String()), logx.Err(err))
		}

		next, ok := at, true
		if !isStartup || !f.Recurrence.RunsOnStartup() {
			next, ok = f.Recurrence.Next(at)
		}
		if !ok {
			sum.Empty++
			r.log.Debug("schedule has no next execution", logx.String("task", id.String()), logx.String("path", f.Path))
			continue
		}

		desc := describe(f.Recurrence)
		e := Entry{
			Identity:    id,
			Path:        f.Path,
			Recurrence:  f.Recurrence,
			Description: desc,
			DisplayName: displayName(f.Path, desc),
			NextRun:     next,
		}
		r.mu.Lock()
		r.registry[id] = e
		r.order = append(r.order, id)
		r.mu.Unlock()
		sum.Entries = append(sum.Entries, e)
		sum.Scheduled++

		if err := r.tasks.AddTask(ctx, id.Queue, id.TaskType, next, e.DisplayName); err != nil {
			sum.Failed++
			r.log.Error("add task failed", logx.String("task", id.String()), logx.Time("at", next), logx.Err(err))
			continue
		}
		r.log.Debug("schedule registered", logx.String("task", id.String()), logx.String("schedule", e.Description), logx.Time("next", next))
	}

	r.finish(sum)
	return sum
}

func (r *Reconciler) finish(sum Summary) {
	r.log.Info("reconciliation pass complete",
		logx.Bool("startup", sum.Startup),
		logx.Int("found", sum.Found),
		logx.Int("scheduled", sum.Scheduled),
		logx.Int("unregistered", sum.Unregistered),
		logx.Int("duplicates", sum.Duplicates),
		logx.Int("empty", sum.Empty),
	)
	r.metrics.observe(sum)
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleReconciled, Time: sum.At, Data: sum})
	}
}

func (r *Reconciler) claimed(id Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.registry[id]
	return ok
}

func (r *Reconciler) report(msg string, sev eventlog.Severity) {
	if r.events != nil {
		r.events.Report(msg, sev)
	}
}

// Lookup returns the active recurrence for the identity.
func (r *Reconciler) Lookup(queue, taskType string) (schedule.Recurrence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.registry[Identity{Queue: queue, TaskType: taskType}]
	return e.Recurrence, ok
}

// NextExecution computes the identity's next run after after (nil means now).
// It reports false for unknown identities and exhausted schedules.
func (r *Reconciler) NextExecution(queue, taskType string, after *time.Time) (time.Time, bool) {
	rec, ok := r.Lookup(queue, taskType)
	if !ok {
		return time.Time{}, false
	}
	if after == nil {
		return rec.Next(r.now())
	}
	return schedule.NextExecution(rec, after)
}

// ScheduleNext adds the run following after for a registered identity.
// It cancels nothing; callers use it once a recurring task has completed.
func (r *Reconciler) ScheduleNext(ctx context.Context, queue, taskType string, after time.Time) (time.Time, bool) {
	if isNil(r.tasks) {
		return time.Time{}, false
	}
	if now := r.now(); after.Before(now) {
		after = now
	}
	next, ok := r.NextExecution(queue, taskType, &after)
	if !ok {
		return time.Time{}, false
	}
	id := Identity{Queue: queue, TaskType: taskType}
	r.mu.RLock()
	name := r.registry[id].DisplayName
	r.mu.RUnlock()
	if err := r.tasks.AddTask(ctx, queue, taskType, next, name); err != nil {
		r.log.Error("add task failed", logx.String("task", id.String()), logx.Time("at", next), logx.Err(err))
		return time.Time{}, false
	}

	r.mu.Lock()
	if e, ok := r.registry[id]; ok {
		e.NextRun = next
		r.registry[id] = e
	}
	r.mu.Unlock()
	return next, true
}

// Entries returns the registry in discovery order.
func (r *Reconciler) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.registry[id])
	}
	return out
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
