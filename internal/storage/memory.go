package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

const memoryEventCap = 1000

type memoryStore struct {
	mu     sync.Mutex
	tasks  taskTable
	events []EventEntry
	closed bool
}

// NewMemory returns a process-local store. Events are capped to the most recent entries.
func NewMemory() Store {
	return &memoryStore{tasks: taskTable{}}
}

func (s *memoryStore) PutTask(ctx context.Context, r TaskRecord) error {
	_ = ctx
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("task id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.tasks.put(r)
	return nil
}

func (s *memoryStore) CancelTasks(ctx context.Context, queue, taskType string, includeRunning bool) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return ids(s.tasks.cancel(queue, taskType, includeRunning, time.Now())), nil
}

func (s *memoryStore) ListTasks(ctx context.Context, f TaskFilter) ([]TaskRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.tasks.list(f), nil
}

func (s *memoryStore) PruneTasks(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.tasks.prune(before), nil
}

func (s *memoryStore) AppendEvent(ctx context.Context, e EventEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.events = append(s.events, e)
	if len(s.events) > memoryEventCap {
		s.events = s.events[len(s.events)-memoryEventCap:]
	}
	return nil
}

// Events returns the retained events (memory driver only).
func (s *memoryStore) Events() []EventEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EventEntry(nil), s.events...)
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
