package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestGo_PanicBecomesError(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	s.Go("boom", func(ctx context.Context) error { panic("kaboom") })
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "boom: panic: kaboom") {
		t.Fatalf("unexpected err: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Goroutines) != 2 || snap.Goroutines[0].Name != "boom" || snap.Goroutines[0].Panics != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Active != 0 {
		t.Fatalf("active=%d after wait", snap.Active)
	}
}

func TestGoRestart_RestartsUntilSuccess(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs=%d want 3", runs.Load())
	}
	if st := s.Snapshot().Goroutines[0]; st.Restarts != 2 || st.LastErr == "" {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestGoRestart_GivesUp(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.GoRestart("broken", func(ctx context.Context) error {
		return errors.New("nope")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil || !strings.Contains(err.Error(), "broken: nope") {
		t.Fatalf("unexpected err: %v", err)
	}
}
