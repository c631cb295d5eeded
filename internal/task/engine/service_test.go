package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"recurq/internal/eventbus"
	logx "recurq/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for task result")
		return Result{}
	}
}

func TestEngine_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, RetryMax: 3})
	var calls atomic.Int32
	done := make(chan Result, 1)
	err := s.Enqueue(Task{
		Name: "maintenance/prune",
		Run: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
		Opt:    TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		OnDone: func(r Result) { done <- r },
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	r := waitResult(t, done)
	if r.Err != nil || r.Attempts != 3 {
		t.Fatalf("result=%+v, want success after 3 attempts", r)
	}
}

func TestEngine_NoRetryStopsImmediately(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, RetryMax: 5})
	done := make(chan Result, 1)
	_ = s.Enqueue(Task{
		Name:   "probes/http",
		Run:    func(ctx context.Context) error { return NoRetry(errors.New("bad url")) },
		Opt:    TaskOptions{RetryBase: time.Millisecond},
		OnDone: func(r Result) { done <- r },
	})
	r := waitResult(t, done)
	if r.Attempts != 1 || !IsNoRetry(r.Err) || r.Error != "bad url" {
		t.Fatalf("unexpected result: %+v", r)
	}
	if snap := s.Snapshot(); snap.Failed != 1 || len(snap.History) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestEngine_PanicIsFailure(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1})
	done := make(chan Result, 1)
	_ = s.Enqueue(Task{
		Name:   "boom",
		Run:    func(ctx context.Context) error { panic("nope") },
		Opt:    TaskOptions{RetryMax: -1},
		OnDone: func(r Result) { done <- r },
	})
	if r := waitResult(t, done); r.Err == nil || r.Error != "panic: nope" {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestEngine_SkipIfRunning(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan Result, 1)
	err := s.Enqueue(Task{
		Name: "maintenance/snapshot",
		Run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
		OnDone: func(r Result) { done <- r },
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started
	if err := s.Enqueue(Task{Name: "maintenance/snapshot", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue err=%v, want ErrOverlapSkip", err)
	}
	close(release)
	waitResult(t, done)

	// Released after completion.
	again := make(chan Result, 1)
	if err := s.Enqueue(Task{Name: "maintenance/snapshot", Run: func(context.Context) error { return nil }, OnDone: func(r Result) { again <- r }}); err != nil {
		t.Fatalf("enqueue after release: %v", err)
	}
	waitResult(t, again)
}

func TestEngine_DisabledAndStopped(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v, want ErrDisabled", err)
	}

	s = New(Config{Enabled: true}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v, want ErrStopped", err)
	}
	if err := s.Enqueue(Task{Name: " ", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0}
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{10, time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(opt, tc.retry, nil); got != tc.want {
			t.Fatalf("retry %d: got %s want %s", tc.retry, got, tc.want)
		}
	}
	hint := RetryAfter(errors.New("429"), 5*time.Second)
	if got := backoffDelayWithHint(opt, 1, hint, nil); got != time.Second {
		t.Fatalf("hint capped: got %s", got)
	}
}

func TestEngine_RestartSettlesQueuedTasks(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 4})
	started := make(chan struct{})
	blockerDone := make(chan Result, 1)
	err := s.Enqueue(Task{
		Name: "maintenance/snapshot",
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
		Opt:    TaskOptions{RetryMax: -1},
		OnDone: func(r Result) { blockerDone <- r },
	})
	if err != nil {
		t.Fatalf("enqueue blocker: %v", err)
	}
	<-started

	queuedDone := make(chan Result, 1)
	if err := s.Enqueue(Task{
		Name:   "maintenance/prune",
		Run:    func(context.Context) error { return nil },
		OnDone: func(r Result) { queuedDone <- r },
	}); err != nil {
		t.Fatalf("enqueue queued: %v", err)
	}

	// Pool shape change restarts the workers.
	s.Apply(context.Background(), Config{Enabled: true, Workers: 2, QueueSize: 4})

	waitResult(t, blockerDone)
	if r := waitResult(t, queuedDone); !errors.Is(r.Err, ErrStopping) {
		t.Fatalf("queued task result=%+v, want ErrStopping", r)
	}

	again := make(chan Result, 1)
	if err := s.Enqueue(Task{
		Name:   "maintenance/prune",
		Run:    func(context.Context) error { return nil },
		OnDone: func(r Result) { again <- r },
	}); err != nil {
		t.Fatalf("enqueue after restart: %v", err)
	}
	if r := waitResult(t, again); r.Err != nil {
		t.Fatalf("run after restart: %+v", r)
	}
}
