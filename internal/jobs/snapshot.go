package jobs

import (
	"context"
	"time"

	"recurq/internal/config"
	"recurq/internal/task/engine"
	"recurq/internal/taskqueue"
	logx "recurq/pkg/logx"
)

// Status is a runtime summary shared by the snapshot job and /status.
type Status struct {
	At         time.Time          `json:"at"`
	Engine     engine.Snapshot    `json:"engine"`
	Queue      taskqueue.Snapshot `json:"queue"`
	Schedules  int                `json:"schedules"`
	BusDropped uint64             `json:"bus_dropped"`
}

// NewSnapshot logs a one-line status summary.
func NewSnapshot(status func() Status, log logx.Logger) taskqueue.Processor {
	return taskqueue.Processor{
		Queue:   config.QueueMaintenance,
		Type:    config.TaskSnapshot,
		Timeout: 5 * time.Second,
		Options: engine.TaskOptions{RetryMax: -1},
		Run: func(ctx context.Context, t taskqueue.Task) error {
			if status == nil {
				return nil
			}
			st := status()
			log.Info("status snapshot",
				logx.Int("schedules", st.Schedules),
				logx.Int("armed", st.Queue.Armed),
				logx.Int("running", st.Queue.Running),
				logx.Bool("engine_enabled", st.Engine.Enabled),
				logx.Int("engine_queue_len", st.Engine.QueueLen),
				logx.Int("engine_in_flight", st.Engine.InFlight),
				logx.Uint64("engine_completed", st.Engine.Completed),
				logx.Uint64("engine_failed", st.Engine.Failed),
				logx.Uint64("bus_dropped", st.BusDropped),
			)
			return nil
		},
	}
}
