package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"recurq/internal/discovery"
	"recurq/internal/eventbus"
	"recurq/internal/eventlog"
	"recurq/internal/schedule"
	logx "recurq/pkg/logx"
)

var passAt = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type fakeQueues map[string][]string

func (q fakeQueues) Queues() []string {
	out := make([]string, 0, len(q))
	for k := range q {
		out = append(out, k)
	}
	return out
}

func (q fakeQueues) Processors(queue string) []string { return q[queue] }

// fakeTasks keeps pending activations per identity and logs every call.
type fakeTasks struct {
	mu        sync.Mutex
	pending   map[Identity][]time.Time
	names     map[Identity][]string
	calls     []string
	addErr    error
	cancelErr error
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{pending: map[Identity][]time.Time{}, names: map[Identity][]string{}}
}

func (f *fakeTasks) CancelAllFutureExecutions(_ context.Context, queue, taskType string, includeExecuting bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("cancel %s/%s %v", queue, taskType, includeExecuting))
	if f.cancelErr != nil {
		return f.cancelErr
	}
	delete(f.pending, Identity{queue, taskType})
	return nil
}

func (f *fakeTasks) AddTask(_ context.Context, queue, taskType string, at time.Time, displayName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("add %s/%s %s", queue, taskType, at.Format(time.RFC3339)))
	if f.addErr != nil {
		return f.addErr
	}
	id := Identity{queue, taskType}
	f.pending[id] = append(f.pending[id], at)
	f.names[id] = append(f.names[id], displayName)
	return nil
}

func (f *fakeTasks) namesFor(queue, taskType string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names[Identity{queue, taskType}]...)
}

func (f *fakeTasks) pendingFor(queue, taskType string) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.pending[Identity{queue, taskType}]...)
}

type job struct {
	Queue    string
	Type     string
	Schedule *schedule.Trigger
}

func (j *job) WalkConfig(w *discovery.Walker) {
	discovery.Field(w, "schedule", j.Schedule, discovery.Declare(j.Queue, j.Type, discovery.TypeOf[*schedule.Trigger]()))
}

type conf struct {
	Jobs []*job
}

func (c *conf) WalkConfig(w *discovery.Walker) {
	discovery.Field(w, "jobs", c.Jobs)
}

func daily(h, m int, startup bool) *schedule.Trigger {
	tr := schedule.DailyOf(schedule.Daily(schedule.At(h, m)))
	if startup {
		tr.RunOnStartup = &startup
	}
	return &tr
}

func newReconciler(q QueueResolver, tasks TaskManager, events eventlog.Reporter, opts ...Option) *Reconciler {
	opts = append([]Option{WithClock(func() time.Time { return passAt }), WithLogger(logx.Nop())}, opts...)
	return New(q, tasks, events, opts...)
}

func TestPopulate_SchedulesNextRun(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	var events eventlog.Memory
	r := newReconciler(fakeQueues{"maintenance": {"prune"}}, tasks, &events)

	sum := r.PopulateFromConfiguration(context.Background(), &conf{Jobs: []*job{
		{Queue: "maintenance", Type: "prune", Schedule: daily(9, 0, false)},
	}}, false)

	want := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	if sum.Found != 1 || sum.Scheduled != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if got := tasks.pendingFor("maintenance", "prune"); len(got) != 1 || !got[0].Equal(want) {
		t.Fatalf("pending=%v want [%s]", got, want)
	}
	if got := strings.Join(tasks.calls, "; "); got != "cancel maintenance/prune false; add maintenance/prune 2024-05-01T09:00:00Z" {
		t.Fatalf("calls=%q", got)
	}
	rec, ok := r.Lookup("maintenance", "prune")
	if !ok || rec == nil {
		t.Fatalf("lookup failed")
	}
	if len(events.Entries()) != 0 {
		t.Fatalf("unexpected events: %+v", events.Entries())
	}
}

func TestPopulate_DuplicateFirstWins(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	var events eventlog.Memory
	r := newReconciler(fakeQueues{"maintenance": {"prune"}}, tasks, &events)

	sum := r.PopulateFromConfiguration(context.Background(), &conf{Jobs: []*job{
		{Queue: "maintenance", Type: "prune", Schedule: daily(9, 0, false)},
		{Queue: "maintenance", Type: "prune", Schedule: daily(10, 0, false)},
		{Queue: "maintenance", Type: "prune", Schedule: daily(11, 0, false)},
	}}, false)

	if sum.Duplicates != 2 || sum.Scheduled != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if n := events.Count(eventlog.Error); n != 2 {
		t.Fatalf("errors=%d want 2", n)
	}
	want := "Multiple configuration schedules found for queue maintenance and type prune. Only the first loaded will be used."
	if got := events.Entries()[0].Message; got != want {
		t.Fatalf("message=%q", got)
	}
	entries := r.Entries()
	if len(entries) != 1 || entries[0].Path != "jobs[0].schedule" {
		t.Fatalf("entries=%+v", entries)
	}
	if got := tasks.pendingFor("maintenance", "prune"); len(got) != 1 || got[0].Hour() != 9 {
		t.Fatalf("pending=%v", got)
	}
}

func TestPopulate_DuplicateReportedOncePerExtraDeclaration(t *testing.T) {
	t.Parallel()

	var events eventlog.Memory
	r := newReconciler(fakeQueues{"maintenance": {"prune"}}, newFakeTasks(), &events)
	r.PopulateFromConfiguration(context.Background(), &conf{Jobs: []*job{
		{Queue: "maintenance", Type: "prune", Schedule: daily(9, 0, false)},
		{Queue: "maintenance", Type: "prune", Schedule: daily(10, 0, false)},
	}}, false)
	if n := events.Count(eventlog.Error); n != 1 {
		t.Fatalf("errors=%d want exactly 1", n)
	}
}

func TestPopulate_UnregisteredSkipped(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	var events eventlog.Memory
	r := newReconciler(fakeQueues{"maintenance": {"prune"}}, tasks, &events)

	sum := r.PopulateFromConfiguration(context.Background(), &conf{Jobs: []*job{
		{Queue: "reports", Type: "weekly", Schedule: daily(9, 0, false)},
	}}, false)

	if sum.Unregistered != 1 || sum.Scheduled != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if n := events.Count(eventlog.Warning); n != 1 {
		t.Fatalf("warnings=%d want 1", n)
	}
	want := "Found configuration schedule for queue reports and type weekly, but no task processors were registered with that combination."
	if got := events.Entries()[0].Message; got != want {
		t.Fatalf("message=%q", got)
	}
	if _, ok := r.Lookup("reports", "weekly"); ok {
		t.Fatalf("unregistered identity in registry")
	}
	if len(tasks.calls) != 0 {
		t.Fatalf("task manager touched: %v", tasks.calls)
	}
}

func TestPopulate_StartupOverride(t *testing.T) {
	t.Parallel()

	cfg := &conf{Jobs: []*job{{Queue: "maintenance", Type: "prune", Schedule: daily(9, 0, true)}}}

	tasks := newFakeTasks()
	r := newReconciler(fakeQueues{"maintenance": {"prune"}}, tasks, nil)
	r.PopulateFromConfiguration(context.Background(), cfg, true)
	if got := tasks.pendingFor("maintenance", "prune"); len(got) != 1 || !got[0].Equal(passAt) {
		t.Fatalf("startup pending=%v want [%s]", got, passAt)
	}

	// The flag only matters at startup.
	r.PopulateFromConfiguration(context.Background(), cfg, false)
	if got := tasks.pendingFor("maintenance", "prune"); len(got) != 1 || got[0].Hour() != 9 {
		t.Fatalf("reload pending=%v", got)
	}
}

func TestPopulate_Idempotent(t *testing.T) {
	t.Parallel()

	cfg := &conf{Jobs: []*job{
		{Queue: "maintenance", Type: "prune", Schedule: daily(9, 0, false)},
		{Queue: "maintenance", Type: "snapshot", Schedule: daily(12, 30, false)},
	}}
	tasks := newFakeTasks()
	r := newReconciler(fakeQueues{"maintenance": {"prune", "snapshot"}}, tasks, nil)

	first := r.PopulateFromConfiguration(context.Background(), cfg, false)
	second := r.PopulateFromConfiguration(context.Background(), cfg, false)

	for _, tt := range []string{"prune", "snapshot"} {
		if got := tasks.pendingFor("maintenance", tt); len(got) != 1 {
			t.Fatalf("%s pending=%v want exactly one", tt, got)
		}
	}
	if len(first.Entries) != len(second.Entries) {
		t.Fatalf("entries differ: %+v vs %+v", first.Entries, second.Entries)
	}
	for i := range first.Entries {
		if first.Entries[i].Identity != second.Entries[i].Identity || !first.Entries[i].NextRun.Equal(second.Entries[i].NextRun) {
			t.Fatalf("entry %d differs: %+v vs %+v", i, first.Entries[i], second.Entries[i])
		}
	}
}

func TestPopulate_EmptiedTriggerStillCancels(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	r := newReconciler(fakeQueues{"maintenance": {"prune"}}, tasks, nil)

	r.PopulateFromConfiguration(context.Background(), &conf{Jobs: []*job{
		{Queue: "maintenance", Type: "prune", Schedule: daily(9, 0, false)},
	}}, false)
	if len(tasks.pendingFor("maintenance", "prune")) != 1 {
		t.Fatalf("expected a pending task after first pass")
	}

	// Same identity, trigger emptied out.
	sum := r.PopulateFromConfiguration(context.Background(), &conf{Jobs: []*job{
		{Queue: "maintenance", Type: "prune", Schedule: &schedule.Trigger{}},
	}}, false)
	if sum.Empty != 1 || sum.Scheduled != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if got := tasks.pendingFor("maintenance", "prune"); len(got) != 0 {
		t.Fatalf("stale task survived: %v", got)
	}
	if _, ok := r.Lookup("maintenance", "prune"); ok {
		t.Fatalf("empty schedule in registry")
	}
}

func TestPopulate_GuardsAreSilent(t *testing.T) {
	t.Parallel()

	var events eventlog.Memory
	tasks := newFakeTasks()
	cfg := &conf{Jobs: []*job{{Queue: "maintenance", Type: "prune", Schedule: daily(9, 0, false)}}}

	var nilConf *conf
	var nilTasks *fakeTasks
	cases := []struct {
		name string
		r    *Reconciler
		root any
	}{
		{"nil root", newReconciler(fakeQueues{"maintenance": {"prune"}}, tasks, &events), nil},
		{"typed nil root", newReconciler(fakeQueues{"maintenance": {"prune"}}, tasks, &events), nilConf},
		{"nil resolver", newReconciler(nil, tasks, &events), cfg},
		{"typed nil task manager", newReconciler(fakeQueues{"maintenance": {"prune"}}, nilTasks, &events), cfg},
	}
	for _, tc := range cases {
		sum := tc.r.PopulateFromConfiguration(context.Background(), tc.root, false)
		if sum.Found != 0 || sum.Scheduled != 0 {
			t.Fatalf("%s: unexpected summary %+v", tc.name, sum)
		}
	}
	if len(events.Entries()) != 0 || len(tasks.calls) != 0 {
		t.Fatalf("guards had effects: events=%v calls=%v", events.Entries(), tasks.calls)
	}
}

func TestPopulate_ClearsRegistryEachPass(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	r := newReconciler(fakeQueues{"maintenance": {"prune"}}, tasks, nil)
	r.PopulateFromConfiguration(context.Background(), &conf{Jobs: []*job{
		{Queue: "maintenance", Type: "prune", Schedule: daily(9, 0, false)},
	}}, false)
	r.PopulateFromConfiguration(context.Background(), nil, false)
	if len(r.Entries()) != 0 {
		t.Fatalf("registry not cleared: %+v", r.Entries())
	}
}

func TestPopulate_CollaboratorErrorsDoNotAbort(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	tasks.cancelErr = errors.New("store down")
	r := newReconciler(fakeQueues{"maintenance": {"prune", "snapshot"}}, tasks, nil)

	sum := r.PopulateFromConfiguration(context.Background(), &conf{Jobs: []*job{
		{Queue: "maintenance", Type: "prune", Schedule: daily(9, 0, false)},
		{Queue: "maintenance", Type: "snapshot", Schedule: daily(10, 0, false)},
	}}, false)
	if sum.Scheduled != 2 || sum.Failed != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestPopulate_PublishesSummary(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, eventbus.TypeScheduleReconciled)
	defer unsub()

	r := newReconciler(fakeQueues{"maintenance": {"prune"}}, newFakeTasks(), nil, WithBus(bus))
	r.PopulateFromConfiguration(context.Background(), &conf{Jobs: []*job{
		{Queue: "maintenance", Type: "prune", Schedule: daily(9, 0, false)},
	}}, true)

	select {
	case e := <-ch:
		sum, ok := e.Data.(Summary)
		if !ok || !sum.Startup || sum.Scheduled != 1 {
			t.Fatalf("unexpected event: %+v", e)
		}
	default:
		t.Fatalf("no summary published")
	}
}

func TestNextExecutionAndScheduleNext(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	r := newReconciler(fakeQueues{"maintenance": {"prune"}}, tasks, nil)
	r.PopulateFromConfiguration(context.Background(), &conf{Jobs: []*job{
		{Queue: "maintenance", Type: "prune", Schedule: daily(9, 0, false)},
	}}, false)

	nine := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	if got, ok := r.NextExecution("maintenance", "prune", nil); !ok || !got.Equal(nine) {
		t.Fatalf("next(nil)=%v,%v", got, ok)
	}
	if got, ok := r.NextExecution("maintenance", "prune", &nine); !ok || !got.Equal(nine.AddDate(0, 0, 1)) {
		t.Fatalf("next(09:00)=%v,%v", got, ok)
	}
	if _, ok := r.NextExecution("nope", "nope", nil); ok {
		t.Fatalf("unknown identity has a next execution")
	}

	next, ok := r.ScheduleNext(context.Background(), "maintenance", "prune", nine)
	if !ok || !next.Equal(nine.AddDate(0, 0, 1)) {
		t.Fatalf("schedule next=%v,%v", next, ok)
	}
	if got := tasks.pendingFor("maintenance", "prune"); len(got) != 2 {
		t.Fatalf("pending=%v want 2 (schedule next cancels nothing)", got)
	}
	if e := r.Entries()[0]; !e.NextRun.Equal(next) {
		t.Fatalf("entry next run=%v", e.NextRun)
	}
	if _, ok := r.ScheduleNext(context.Background(), "nope", "nope", nine); ok {
		t.Fatalf("schedule next for unknown identity")
	}
}

func TestTasksCarryDisplayName(t *testing.T) {
	t.Parallel()

	tasks := newFakeTasks()
	r := newReconciler(fakeQueues{"maintenance": {"prune"}}, tasks, nil)
	sum := r.PopulateFromConfiguration(context.Background(), &conf{Jobs: []*job{
		{Queue: "maintenance", Type: "prune", Schedule: daily(9, 0, false)},
	}}, false)
	if len(sum.Entries) != 1 {
		t.Fatalf("entries=%+v", sum.Entries)
	}
	e := sum.Entries[0]
	if e.Description == "" {
		t.Fatalf("entry has no description: %+v", e)
	}
	if want := "jobs[0].schedule (" + e.Description + ")"; e.DisplayName != want {
		t.Fatalf("display name=%q want %q", e.DisplayName, want)
	}

	nine := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	if _, ok := r.ScheduleNext(context.Background(), "maintenance", "prune", nine); !ok {
		t.Fatalf("schedule next failed")
	}
	names := tasks.namesFor("maintenance", "prune")
	if len(names) != 2 || names[0] != e.DisplayName || names[1] != e.DisplayName {
		t.Fatalf("names=%q want both %q", names, e.DisplayName)
	}
}

func TestDisplayName(t *testing.T) {
	t.Parallel()
	cases := []struct{ path, desc, want string }{
		{"jobs.a", "every 5m", "jobs.a (every 5m)"},
		{"jobs.a", "", "jobs.a"},
		{"", "every 5m", "every 5m"},
	}
	for _, tc := range cases {
		if got := displayName(tc.path, tc.desc); got != tc.want {
			t.Fatalf("displayName(%q, %q)=%q want %q", tc.path, tc.desc, got, tc.want)
		}
	}
}
