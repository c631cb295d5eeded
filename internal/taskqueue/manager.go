package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"recurq/internal/eventbus"
	"recurq/internal/storage"
	"recurq/internal/task/engine"
	logx "recurq/pkg/logx"
)

const storeTimeout = 5 * time.Second

var errNoExecutor = errors.New("no task executor configured")

// Manager owns processor registration and the lifecycle of task records.
type Manager struct {
	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store
	exec    Submitter
	metrics *Metrics
	now     func() time.Time

	mu       sync.Mutex
	procs    map[identity]Processor
	order    map[string][]string
	armed    map[string]*armedTask   // by task id
	running  map[string]*runningTask // by task id, from activation until the outcome is recorded
	seq      uint64
	started  bool
	afterRun func(Outcome)
}

type armedTask struct {
	rec   storage.TaskRecord
	timer *time.Timer
	ver   uint64
}

type runningTask struct {
	rec       storage.TaskRecord
	cancel    context.CancelFunc
	cancelled bool
}

type Option func(*Manager)

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(m *Manager) { m.bus = bus } }
func WithMetrics(mt *Metrics) Option    { return func(m *Manager) { m.metrics = mt } }

// WithClock overrides the clock used for record timestamps and timer delays.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// New returns a manager persisting to store (memory when nil) and executing through exec.
func New(store storage.Store, exec Submitter, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		exec:    exec,
		now:     time.Now,
		procs:   map[identity]Processor{},
		order:   map[string][]string{},
		armed:   map[string]*armedTask{},
		running: map[string]*runningTask{},
	}
	for _, o := range opts {
		o(m)
	}
	if m.store == nil {
		m.store = storage.NewMemory()
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.With(logx.String("comp", "taskqueue"))
	return m
}

// Register adds a processor. Each (queue, type) may be registered once.
func (m *Manager) Register(p Processor) error {
	p.Queue = strings.TrimSpace(p.Queue)
	p.Type = strings.TrimSpace(p.Type)
	if p.Queue == "" || p.Type == "" || p.Run == nil {
		return fmt.Errorf("%w: queue, type and run are required", ErrInvalidProcessor)
	}
	id := identity{p.Queue, p.Type}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.procs[id]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateProcessor, id)
	}
	m.procs[id] = p
	m.order[p.Queue] = append(m.order[p.Queue], p.Type)
	return nil
}

// SetAfterRun installs the hook called after each activated task settles.
// Tasks cancelled through CancelAllFutureExecutions do not reach the hook.
func (m *Manager) SetAfterRun(fn func(Outcome)) {
	m.mu.Lock()
	m.afterRun = fn
	m.mu.Unlock()
}

// Queues returns the names of queues with at least one processor, sorted.
func (m *Manager) Queues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.order))
	for q := range m.order {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Processors returns the task types registered on queue, in registration order.
func (m *Manager) Processors(queue string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order[queue]...)
}

// AddTask persists a pending record activating at at. Past instants activate
// immediately. displayName labels the record on dashboards and may be empty.
func (m *Manager) AddTask(ctx context.Context, queue, taskType string, at time.Time, displayName string) error {
	id := identity{queue, taskType}
	m.mu.Lock()
	_, ok := m.procs[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProcessor, id)
	}

	now := m.now()
	rec := storage.TaskRecord{
		ID:          uuid.NewString(),
		Queue:       queue,
		TaskType:    taskType,
		DisplayName: strings.TrimSpace(displayName),
		ActivateAt:  at,
		State:       storage.TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.PutTask(ctx, rec); err != nil {
		return fmt.Errorf("persist task %s: %w", id, err)
	}
	m.metrics.incAdded(id)

	m.mu.Lock()
	if m.started {
		m.armLocked(rec)
	}
	m.mu.Unlock()

	m.publish(eventbus.TypeTaskScheduled, rec)
	m.log.Debug("task added",
		logx.String("task", id.String()),
		logx.String("id", rec.ID),
		logx.String("name", rec.DisplayName),
		logx.Time("activate_at", at))
	return nil
}

// CancelAllFutureExecutions cancels pending records of the identity and, with
// includeExecuting, signals running ones. An unknown identity is a no-op.
func (m *Manager) CancelAllFutureExecutions(ctx context.Context, queue, taskType string, includeExecuting bool) error {
	id := identity{queue, taskType}

	m.mu.Lock()
	for tid, a := range m.armed {
		if a.rec.Queue == queue && a.rec.TaskType == taskType {
			a.timer.Stop()
			delete(m.armed, tid)
		}
	}
	if includeExecuting {
		for _, rt := range m.running {
			if rt.rec.Queue == queue && rt.rec.TaskType == taskType {
				rt.cancelled = true
				if rt.cancel != nil {
					rt.cancel()
				}
			}
		}
	}
	m.metrics.setArmed(len(m.armed))
	m.mu.Unlock()

	ids, err := m.store.CancelTasks(ctx, queue, taskType, includeExecuting)
	if err != nil {
		return fmt.Errorf("cancel tasks %s: %w", id, err)
	}
	if len(ids) > 0 {
		m.metrics.addCancelled(id, len(ids))
		m.publish(eventbus.TypeTaskCancelled, map[string]any{"queue": queue, "type": taskType, "ids": ids})
		m.log.Debug("tasks cancelled", logx.String("task", id.String()), logx.Int("count", len(ids)))
	}
	return nil
}

// Pending lists pending records of the identity ordered by activation time.
func (m *Manager) Pending(queue, taskType string) []storage.TaskRecord {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	recs, err := m.store.ListTasks(ctx, storage.TaskFilter{
		Queue:    queue,
		TaskType: taskType,
		States:   []storage.TaskState{storage.TaskPending},
	})
	if err != nil {
		m.log.Warn("list pending tasks failed", logx.Err(err))
		return nil
	}
	return recs
}

// Start arms timers for stored pending records. Records left running by a
// previous process are marked failed.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	recs, err := m.store.ListTasks(ctx, storage.TaskFilter{States: []storage.TaskState{storage.TaskPending, storage.TaskRunning}})
	if err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}

	restored := 0
	for _, rec := range recs {
		if rec.State == storage.TaskRunning {
			rec.State = storage.TaskFailed
			rec.Error = "interrupted"
			rec.UpdatedAt = m.now()
			if err := m.store.PutTask(ctx, rec); err != nil {
				m.log.Warn("mark interrupted task failed", logx.String("id", rec.ID), logx.Err(err))
			}
			continue
		}
		m.mu.Lock()
		_, ok := m.procs[identity{rec.Queue, rec.TaskType}]
		if ok {
			m.armLocked(rec)
			restored++
		}
		m.mu.Unlock()
		if !ok {
			m.log.Warn("pending task has no processor", logx.String("task", taskName(rec.Queue, rec.TaskType)), logx.String("id", rec.ID))
		}
	}
	m.log.Info("task queue started", logx.Int("restored", restored))
	return nil
}

// Stop disarms all timers. Pending records stay in the store for the next Start.
func (m *Manager) Stop(ctx context.Context) {
	_ = ctx
	m.mu.Lock()
	m.started = false
	for tid, a := range m.armed {
		a.timer.Stop()
		delete(m.armed, tid)
	}
	m.metrics.setArmed(0)
	m.mu.Unlock()
	m.log.Info("task queue stopped")
}

// Snapshot is a diagnostics view.
type Snapshot struct {
	Processors []string     `json:"processors"`
	Armed      int          `json:"armed"`
	Running    int          `json:"running"`
	Upcoming   []ArmedEntry `json:"upcoming,omitempty"`
}

// ArmedEntry is one armed task as shown on /status.
type ArmedEntry struct {
	ID          string    `json:"id"`
	Task        string    `json:"task"`
	DisplayName string    `json:"display_name,omitempty"`
	ActivateAt  time.Time `json:"activate_at"`
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{Armed: len(m.armed), Running: len(m.running)}
	for id := range m.procs {
		snap.Processors = append(snap.Processors, id.String())
	}
	sort.Strings(snap.Processors)
	for _, a := range m.armed {
		snap.Upcoming = append(snap.Upcoming, ArmedEntry{
			ID:          a.rec.ID,
			Task:        taskName(a.rec.Queue, a.rec.TaskType),
			DisplayName: a.rec.DisplayName,
			ActivateAt:  a.rec.ActivateAt,
		})
	}
	sort.Slice(snap.Upcoming, func(i, j int) bool {
		if !snap.Upcoming[i].ActivateAt.Equal(snap.Upcoming[j].ActivateAt) {
			return snap.Upcoming[i].ActivateAt.Before(snap.Upcoming[j].ActivateAt)
		}
		return snap.Upcoming[i].ID < snap.Upcoming[j].ID
	})
	return snap
}

func (m *Manager) armLocked(rec storage.TaskRecord) {
	m.seq++
	ver := m.seq
	delay := max(rec.ActivateAt.Sub(m.now()), 0)
	id := rec.ID
	tmr := time.AfterFunc(delay, func() { m.fire(id, ver) })
	m.armed[id] = &armedTask{rec: rec, timer: tmr, ver: ver}
	m.metrics.setArmed(len(m.armed))
}

func (m *Manager) fire(id string, ver uint64) {
	m.mu.Lock()
	a := m.armed[id]
	// Cancelled, replaced or stopped since the timer was armed.
	if a == nil || a.ver != ver || !m.started {
		m.mu.Unlock()
		return
	}
	delete(m.armed, id)
	m.metrics.setArmed(len(m.armed))
	p := m.procs[identity{a.rec.Queue, a.rec.TaskType}]
	rec := a.rec
	rec.State = storage.TaskRunning
	rec.UpdatedAt = m.now()
	m.running[id] = &runningTask{rec: rec}
	// Persisted under mu so a concurrent cancel sees the record as running.
	m.putRecord(rec)
	m.mu.Unlock()

	task := taskOf(rec)
	if m.exec == nil || p.Run == nil {
		m.finish(id, engine.HistoryItem{Started: m.now()}, errNoExecutor, true)
		return
	}
	err := m.exec.Enqueue(engine.Task{
		ID:      rec.ID,
		Name:    p.name(),
		Timeout: p.Timeout,
		Opt:     p.Options,
		Run:     func(ctx context.Context) error { return m.run(ctx, p, task) },
		OnDone:  func(r engine.Result) { m.finish(id, r.HistoryItem, r.Err, false) },
	})
	if err != nil {
		m.finish(id, engine.HistoryItem{Started: m.now()}, err, true)
	}
}

func (m *Manager) run(ctx context.Context, p Processor, t Task) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	rt := m.running[t.ID]
	if rt == nil || rt.cancelled {
		m.mu.Unlock()
		return engine.NoRetry(context.Canceled)
	}
	rt.cancel = cancel
	m.mu.Unlock()

	err := p.Run(ctx, t)

	m.mu.Lock()
	rt.cancel = nil
	cancelled := rt.cancelled
	m.mu.Unlock()
	if err != nil && cancelled {
		return engine.NoRetry(err)
	}
	return err
}

func (m *Manager) finish(id string, item engine.HistoryItem, err error, rejected bool) {
	m.mu.Lock()
	rt := m.running[id]
	delete(m.running, id)
	after := m.afterRun
	m.mu.Unlock()
	if rt == nil {
		return
	}

	rec := rt.rec
	rec.Attempts = item.Attempts
	rec.UpdatedAt = m.now()
	result := "done"
	switch {
	case rt.cancelled:
		rec.State, result = storage.TaskCancelled, "cancelled"
	case err != nil && rejected:
		rec.State, result = storage.TaskFailed, "rejected"
	case err != nil:
		rec.State, result = storage.TaskFailed, "failed"
	default:
		rec.State = storage.TaskDone
	}
	if err != nil {
		rec.Error = err.Error()
	}
	m.putRecord(rec)

	qid := identity{rec.Queue, rec.TaskType}
	m.metrics.incOutcome(qid, result)
	if rejected && !errors.Is(err, engine.ErrOverlapSkip) {
		m.log.Warn("task not accepted for execution", logx.String("task", qid.String()), logx.String("id", id), logx.Err(err))
	}

	if rt.cancelled || after == nil {
		return
	}
	after(Outcome{
		Task:     taskOf(rec),
		Started:  item.Started,
		Duration: item.Duration,
		Attempts: item.Attempts,
		Err:      err,
	})
}

func (m *Manager) putRecord(rec storage.TaskRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.PutTask(ctx, rec); err != nil {
		m.log.Warn("persist task state failed", logx.String("id", rec.ID), logx.String("state", string(rec.State)), logx.Err(err))
	}
}

func (m *Manager) publish(typ string, data any) {
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: typ, Time: m.now(), Data: data})
	}
}
