package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"recurq/internal/storage"
	"recurq/internal/task/engine"
)

var (
	ErrUnknownProcessor   = errors.New("no task processor registered")
	ErrDuplicateProcessor = errors.New("task processor already registered")
	ErrInvalidProcessor   = errors.New("invalid task processor")
)

// Task is what a processor receives when its record activates.
type Task struct {
	ID          string
	Queue       string
	Type        string
	DisplayName string
	ActivateAt  time.Time
}

func taskOf(rec storage.TaskRecord) Task {
	return Task{ID: rec.ID, Queue: rec.Queue, Type: rec.TaskType, DisplayName: rec.DisplayName, ActivateAt: rec.ActivateAt}
}

// Processor executes tasks of one (queue, type) identity.
type Processor struct {
	Queue   string
	Type    string
	Timeout time.Duration
	Options engine.TaskOptions
	Run     func(ctx context.Context, t Task) error
}

func (p Processor) name() string { return taskName(p.Queue, p.Type) }

func taskName(queue, taskType string) string { return queue + "/" + taskType }

// Outcome is handed to the AfterRun hook once per activated task,
// including tasks the engine refused or dropped.
type Outcome struct {
	Task
	Started  time.Time
	Duration time.Duration
	Attempts int
	Err      error
}

// Submitter is the execution backend; *engine.Service satisfies it.
type Submitter interface {
	Enqueue(t engine.Task) error
}

type identity struct{ queue, taskType string }

func (id identity) String() string { return fmt.Sprintf("%s/%s", id.queue, id.taskType) }
