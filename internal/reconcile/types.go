package reconcile

import (
	"context"
	"fmt"
	"time"

	"recurq/internal/schedule"
)

// QueueResolver lists registered processors. Read once per pass.
type QueueResolver interface {
	Queues() []string
	Processors(queue string) []string
}

// TaskManager mutates the task queue. Cancelling unknown work is not an error.
type TaskManager interface {
	CancelAllFutureExecutions(ctx context.Context, queue, taskType string, includeExecuting bool) error
	AddTask(ctx context.Context, queue, taskType string, at time.Time, displayName string) error
}

// Identity is the registry key.
type Identity struct {
	Queue    string `json:"queue"`
	TaskType string `json:"task_type"`
}

func (id Identity) String() string { return id.Queue + "/" + id.TaskType }

// Entry is one active registry record.
type Entry struct {
	Identity
	Path        string              `json:"path"`
	Recurrence  schedule.Recurrence `json:"-"`
	Description string              `json:"description"`
	DisplayName string              `json:"display_name"`
	NextRun     time.Time           `json:"next_run"`
}

// Summary describes one reconciliation pass.
type Summary struct {
	At      time.Time `json:"at"`
	Startup bool      `json:"startup"`

	Found        int `json:"found"`
	Scheduled    int `json:"scheduled"`
	Unregistered int `json:"unregistered"`
	Duplicates   int `json:"duplicates"`
	Empty        int `json:"empty"`
	Failed       int `json:"failed"`

	Entries []Entry `json:"entries"`
}

// displayName labels the tasks of a declaration: its path, with the schedule
// description appended when there is one.
func displayName(path, desc string) string {
	switch {
	case desc == "":
		return path
	case path == "":
		return desc
	}
	return path + " (" + desc + ")"
}

func describe(r schedule.Recurrence) string {
	if s, ok := r.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", r)
}
