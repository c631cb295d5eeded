package jobs

import (
	"context"
	"errors"
	"time"

	"recurq/internal/config"
	"recurq/internal/storage"
	"recurq/internal/task/engine"
	"recurq/internal/taskqueue"
	logx "recurq/pkg/logx"
)

var errNoStore = errors.New("storage disabled")

// NewPrune deletes finished task records older than the configured keep_for.
func NewPrune(store storage.Store, cfg func() *config.PruneConfig, log logx.Logger) taskqueue.Processor {
	return taskqueue.Processor{
		Queue:   config.QueueMaintenance,
		Type:    config.TaskPrune,
		Timeout: time.Minute,
		Run: func(ctx context.Context, t taskqueue.Task) error {
			if store == nil {
				return engine.NoRetry(errNoStore)
			}
			var pc *config.PruneConfig
			if cfg != nil {
				pc = cfg()
			}
			keep := pc.KeepForDuration()
			before := time.Now().Add(-keep)
			n, err := store.PruneTasks(ctx, before)
			if err != nil {
				if errors.Is(err, storage.ErrClosed) {
					return engine.NoRetry(err)
				}
				return err
			}
			log.Info("pruned task records", logx.Int("removed", n), logx.Duration("keep_for", keep))
			return nil
		},
	}
}
