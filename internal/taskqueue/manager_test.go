package taskqueue

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"recurq/internal/storage"
	"recurq/internal/task/engine"
	logx "recurq/pkg/logx"
)

// syncExec runs tasks inline on the timer goroutine.
type syncExec struct {
	mu     sync.Mutex
	reject error
	names  []string
}

func (e *syncExec) Enqueue(t engine.Task) error {
	e.mu.Lock()
	e.names = append(e.names, t.Name)
	reject := e.reject
	e.mu.Unlock()
	if reject != nil {
		return reject
	}
	err := t.Run(context.Background())
	t.OnDone(engine.Result{HistoryItem: engine.HistoryItem{ID: t.ID, Name: t.Name, Started: time.Now(), Attempts: 1}, Err: err})
	return nil
}

func noop(context.Context, Task) error { return nil }

func newManager(t *testing.T, exec Submitter) (*Manager, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	m := New(st, exec, WithLogger(logx.Nop()))
	t.Cleanup(func() { m.Stop(context.Background()) })
	return m, st
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for outcome")
		return Outcome{}
	}
}

func TestManager_RegisterAndList(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, nil)
	for _, p := range []Processor{
		{Queue: "probes", Type: "http", Run: noop},
		{Queue: "maintenance", Type: "snapshot", Run: noop},
		{Queue: "maintenance", Type: "prune", Run: noop},
	} {
		if err := m.Register(p); err != nil {
			t.Fatalf("register %s/%s: %v", p.Queue, p.Type, err)
		}
	}
	if err := m.Register(Processor{Queue: "maintenance", Type: "prune", Run: noop}); !errors.Is(err, ErrDuplicateProcessor) {
		t.Fatalf("duplicate err=%v", err)
	}
	if err := m.Register(Processor{Queue: "x", Type: "y"}); !errors.Is(err, ErrInvalidProcessor) {
		t.Fatalf("invalid err=%v", err)
	}

	if got, want := m.Queues(), []string{"maintenance", "probes"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("queues=%v want %v", got, want)
	}
	if got, want := m.Processors("maintenance"), []string{"snapshot", "prune"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("processors=%v want %v", got, want)
	}
	if got := m.Processors("nope"); len(got) != 0 {
		t.Fatalf("unknown queue processors=%v", got)
	}
}

func TestManager_AddUnknownIsError(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, nil)
	if err := m.AddTask(context.Background(), "q", "t", time.Now(), ""); !errors.Is(err, ErrUnknownProcessor) {
		t.Fatalf("err=%v, want ErrUnknownProcessor", err)
	}
}

func TestManager_CancelKeepsOtherIdentities(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, nil)
	_ = m.Register(Processor{Queue: "maintenance", Type: "prune", Run: noop})
	_ = m.Register(Processor{Queue: "maintenance", Type: "snapshot", Run: noop})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx := context.Background()
	later := time.Now().Add(time.Hour)
	_ = m.AddTask(ctx, "maintenance", "prune", later, "")
	_ = m.AddTask(ctx, "maintenance", "prune", later.Add(time.Hour), "")
	_ = m.AddTask(ctx, "maintenance", "snapshot", later, "every 15m")
	if got := m.Snapshot().Armed; got != 3 {
		t.Fatalf("armed=%d want 3", got)
	}

	if err := m.CancelAllFutureExecutions(ctx, "maintenance", "prune", false); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n := len(m.Pending("maintenance", "prune")); n != 0 {
		t.Fatalf("prune pending=%d want 0", n)
	}
	if n := len(m.Pending("maintenance", "snapshot")); n != 1 {
		t.Fatalf("snapshot pending=%d want 1", n)
	}
	snap := m.Snapshot()
	if snap.Armed != 1 || len(snap.Upcoming) != 1 {
		t.Fatalf("snapshot=%+v want one armed", snap)
	}
	if u := snap.Upcoming[0]; u.Task != "maintenance/snapshot" || u.DisplayName != "every 15m" || !u.ActivateAt.Equal(later) {
		t.Fatalf("upcoming=%+v", u)
	}

	// Unknown identity is a no-op.
	if err := m.CancelAllFutureExecutions(ctx, "ghost", "none", true); err != nil {
		t.Fatalf("cancel unknown: %v", err)
	}
}

func TestManager_PastInstantRunsImmediately(t *testing.T) {
	t.Parallel()

	exec := &syncExec{}
	m, st := newManager(t, exec)
	ran := make(chan Task, 1)
	_ = m.Register(Processor{Queue: "maintenance", Type: "prune", Run: func(ctx context.Context, tk Task) error {
		ran <- tk
		return nil
	}})
	outcomes := make(chan Outcome, 1)
	m.SetAfterRun(func(o Outcome) { outcomes <- o })
	_ = m.Start(context.Background())

	at := time.Now().Add(-time.Minute)
	const name = "jobs.maintenance.prune.schedule"
	if err := m.AddTask(context.Background(), "maintenance", "prune", at, name); err != nil {
		t.Fatalf("add: %v", err)
	}
	o := waitOutcome(t, outcomes)
	if o.Err != nil || o.Queue != "maintenance" || o.Type != "prune" || !o.ActivateAt.Equal(at) || o.DisplayName != name {
		t.Fatalf("unexpected outcome: %+v", o)
	}
	if tk := <-ran; tk.ID != o.ID || tk.DisplayName != name {
		t.Fatalf("processor saw %+v, outcome id %q", tk, o.ID)
	}

	recs, _ := st.ListTasks(context.Background(), storage.TaskFilter{States: []storage.TaskState{storage.TaskDone}})
	if len(recs) != 1 || recs[0].ID != o.ID || recs[0].Attempts != 1 || recs[0].DisplayName != name {
		t.Fatalf("done records=%+v", recs)
	}
}

func TestManager_RejectedStillReachesHook(t *testing.T) {
	t.Parallel()

	exec := &syncExec{reject: engine.ErrQueueFull}
	m, st := newManager(t, exec)
	_ = m.Register(Processor{Queue: "probes", Type: "http", Run: noop})
	outcomes := make(chan Outcome, 1)
	m.SetAfterRun(func(o Outcome) { outcomes <- o })
	_ = m.Start(context.Background())

	_ = m.AddTask(context.Background(), "probes", "http", time.Now(), "")
	if o := waitOutcome(t, outcomes); !errors.Is(o.Err, engine.ErrQueueFull) {
		t.Fatalf("outcome err=%v", o.Err)
	}
	recs, _ := st.ListTasks(context.Background(), storage.TaskFilter{States: []storage.TaskState{storage.TaskFailed}})
	if len(recs) != 1 || recs[0].Error == "" {
		t.Fatalf("failed records=%+v", recs)
	}
}

func TestManager_CancelExecuting(t *testing.T) {
	t.Parallel()

	exec := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	exec.Start(context.Background())
	t.Cleanup(func() { exec.Stop(context.Background()) })

	m, st := newManager(t, exec)
	started := make(chan struct{})
	stopped := make(chan error, 1)
	_ = m.Register(Processor{Queue: "probes", Type: "http", Run: func(ctx context.Context, _ Task) error {
		close(started)
		<-ctx.Done()
		stopped <- ctx.Err()
		return ctx.Err()
	}})
	hooked := make(chan Outcome, 1)
	m.SetAfterRun(func(o Outcome) { hooked <- o })
	_ = m.Start(context.Background())

	_ = m.AddTask(context.Background(), "probes", "http", time.Now(), "")
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatalf("task never started")
	}

	// Without includeExecuting the running task is left alone.
	_ = m.CancelAllFutureExecutions(context.Background(), "probes", "http", false)
	select {
	case <-stopped:
		t.Fatalf("running task cancelled without includeExecuting")
	case <-time.After(50 * time.Millisecond):
	}

	if err := m.CancelAllFutureExecutions(context.Background(), "probes", "http", true); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case err := <-stopped:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("ctx err=%v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("running task not cancelled")
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		recs, _ := st.ListTasks(context.Background(), storage.TaskFilter{States: []storage.TaskState{storage.TaskCancelled}})
		if len(recs) == 1 && m.Snapshot().Running == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("record not cancelled: %+v", recs)
		}
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case o := <-hooked:
		t.Fatalf("cancelled task reached hook: %+v", o)
	default:
	}
}

func TestManager_RestoresPendingOnStart(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	ctx := context.Background()
	now := time.Now()
	_ = st.PutTask(ctx, storage.TaskRecord{ID: "p1", Queue: "maintenance", TaskType: "prune", ActivateAt: now.Add(time.Hour), State: storage.TaskPending})
	_ = st.PutTask(ctx, storage.TaskRecord{ID: "r1", Queue: "maintenance", TaskType: "prune", ActivateAt: now, State: storage.TaskRunning})
	_ = st.PutTask(ctx, storage.TaskRecord{ID: "o1", Queue: "orphan", TaskType: "x", ActivateAt: now.Add(time.Hour), State: storage.TaskPending})

	m := New(st, nil)
	defer m.Stop(ctx)
	_ = m.Register(Processor{Queue: "maintenance", Type: "prune", Run: noop})
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := m.Snapshot().Armed; got != 1 {
		t.Fatalf("armed=%d want 1", got)
	}
	recs, _ := st.ListTasks(ctx, storage.TaskFilter{States: []storage.TaskState{storage.TaskFailed}})
	if len(recs) != 1 || recs[0].ID != "r1" || recs[0].Error != "interrupted" {
		t.Fatalf("interrupted records=%+v", recs)
	}
}

// gatedStore blocks the write that marks a record running until release is closed.
type gatedStore struct {
	storage.Store
	entered   chan struct{}
	release   chan struct{}
	once      sync.Once
	cancelled chan []string
}

func (s *gatedStore) PutTask(ctx context.Context, r storage.TaskRecord) error {
	if r.State == storage.TaskRunning {
		s.once.Do(func() { close(s.entered) })
		<-s.release
	}
	return s.Store.PutTask(ctx, r)
}

func (s *gatedStore) CancelTasks(ctx context.Context, queue, taskType string, includeRunning bool) ([]string, error) {
	ids, err := s.Store.CancelTasks(ctx, queue, taskType, includeRunning)
	s.cancelled <- ids
	return ids, err
}

func TestManager_CancelDuringActivationLeavesRunRecord(t *testing.T) {
	t.Parallel()

	st := &gatedStore{
		Store:     storage.NewMemory(),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
		cancelled: make(chan []string, 1),
	}
	m := New(st, &syncExec{}, WithLogger(logx.Nop()))
	t.Cleanup(func() { m.Stop(context.Background()) })
	if err := m.Register(Processor{Queue: "maintenance", Type: "prune", Run: noop}); err != nil {
		t.Fatalf("register: %v", err)
	}
	hooked := make(chan Outcome, 1)
	m.SetAfterRun(func(o Outcome) { hooked <- o })

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.AddTask(ctx, "maintenance", "prune", time.Now(), ""); err != nil {
		t.Fatalf("add: %v", err)
	}

	select {
	case <-st.entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("task never activated")
	}
	cancelDone := make(chan error, 1)
	go func() { cancelDone <- m.CancelAllFutureExecutions(ctx, "maintenance", "prune", false) }()
	time.Sleep(20 * time.Millisecond)
	close(st.release)

	if err := <-cancelDone; err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ids := <-st.cancelled; len(ids) != 0 {
		t.Fatalf("activated record was cancelled in the store: %v", ids)
	}
	if o := waitOutcome(t, hooked); o.Err != nil {
		t.Fatalf("outcome err=%v", o.Err)
	}
	recs, _ := st.ListTasks(ctx, storage.TaskFilter{States: []storage.TaskState{storage.TaskDone}})
	if len(recs) != 1 {
		t.Fatalf("done records=%d", len(recs))
	}
}
