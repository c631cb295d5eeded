package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"recurq/internal/eventbus"
	logx "recurq/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask) {
	// Per-worker RNG keeps retry jitter off the global source.
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && queueDelay > maxDelay {
		qt.releaseState()
		s.onStaleDropped(start, qt.task, queueDelay)
		return
	}

	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay}
	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TypeTaskStarted, item)

	var err error
	maxAttempts := 1 + qt.opt.RetryMax
attempts:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		item.Attempts = attempt
		err = s.runAttempt(ctx, qt)
		if err == nil || IsNoRetry(err) || attempt == maxAttempts {
			break
		}

		delay := backoffDelayWithHint(qt.opt, attempt, err, rng)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attempts
		case <-stopCh:
			tmr.Stop()
			err = ErrStopping
			break attempts
		case <-tmr.C:
		}
	}

	item.Duration = time.Since(start)
	if err != nil {
		item.Error = err.Error()
		s.failed.Add(1)
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("dur", item.Duration), logx.Int("attempts", item.Attempts))
		s.publish(eventbus.TypeTaskFailed, item)
	} else {
		s.completed.Add(1)
		s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("dur", item.Duration), logx.Int("attempts", item.Attempts))
		s.publish(eventbus.TypeTaskFinished, item)
	}
	s.record(item)
	// Release before OnDone so a follow-up run scheduled from the hook is not skipped.
	qt.releaseState()

	if qt.task.OnDone != nil {
		qt.task.OnDone(Result{HistoryItem: item, Err: err})
	}
}

// runAttempt runs the task once under its timeout, converting a panic to an error.
func (s *Service) runAttempt(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return jitter(min(max(ra.RetryAfter(), 0), opt.RetryMaxDelay), opt, rng)
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	return jitter(min(d, opt.RetryMaxDelay), opt, rng)
}

func jitter(d time.Duration, opt TaskOptions, rng *rand.Rand) time.Duration {
	if opt.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
