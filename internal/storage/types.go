package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// If Driver is empty, the memory driver is used. "none" disables storage.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means default
}

type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskDone      TaskState = "done"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Finished reports whether the state is terminal.
func (s TaskState) Finished() bool {
	return s == TaskDone || s == TaskFailed || s == TaskCancelled
}

// TaskRecord is one scheduled execution of a (queue, task type).
type TaskRecord struct {
	ID          string    `json:"id"`
	Queue       string    `json:"queue"`
	TaskType    string    `json:"task_type"`
	DisplayName string    `json:"display_name,omitempty"` // human label for dashboards; optional
	ActivateAt  time.Time `json:"activate_at"`
	State       TaskState `json:"state"`
	Attempts    int       `json:"attempts,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskFilter selects records. Zero fields match everything.
type TaskFilter struct {
	Queue    string
	TaskType string
	States   []TaskState
	Limit    int
}

func (f TaskFilter) matches(r TaskRecord) bool {
	if f.Queue != "" && f.Queue != r.Queue {
		return false
	}
	if f.TaskType != "" && f.TaskType != r.TaskType {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if s == r.State {
			return true
		}
	}
	return false
}

// EventEntry is one operator-facing event. Keep it compact and schema-stable.
type EventEntry struct {
	At       time.Time `json:"at"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	Source   string    `json:"source,omitempty"`
}

// Store is the persistence API used by the task queue and the event log.
type Store interface {
	// PutTask inserts or replaces the record with the same ID.
	PutTask(ctx context.Context, r TaskRecord) error
	// CancelTasks marks pending records (and running ones when includeRunning)
	// of the identity as cancelled and returns their IDs. No match is not an error.
	CancelTasks(ctx context.Context, queue, taskType string, includeRunning bool) ([]string, error)
	// ListTasks returns matching records ordered by activation time.
	ListTasks(ctx context.Context, f TaskFilter) ([]TaskRecord, error)
	// PruneTasks deletes finished records last updated before the cutoff.
	PruneTasks(ctx context.Context, before time.Time) (int, error)
	AppendEvent(ctx context.Context, e EventEntry) error
	Close() error
}
