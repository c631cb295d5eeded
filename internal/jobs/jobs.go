// Package jobs holds the built-in task processors whose schedules are declared
// under the jobs config section.
package jobs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"recurq/internal/config"
	"recurq/internal/storage"
	"recurq/internal/taskqueue"
	logx "recurq/pkg/logx"
)

// Registrar is the part of the task queue the jobs need.
type Registrar interface {
	Register(p taskqueue.Processor) error
}

// Deps are shared by all built-in jobs. Config returns the committed config
// so jobs follow hot reloads.
type Deps struct {
	Store      storage.Store
	Config     func() *config.Config
	Status     func() Status
	Client     *http.Client
	Registerer prometheus.Registerer
	Log        logx.Logger
}

// Register adds every built-in processor.
func Register(r Registrar, d Deps) error {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	procs := []taskqueue.Processor{
		NewPrune(d.Store, d.pruneKeep, d.Log.With(logx.String("job", "prune"))),
		NewSnapshot(d.Status, d.Log.With(logx.String("job", "snapshot"))),
		NewProbe(d.probes, d.Client, d.Registerer, d.Log.With(logx.String("job", "probe"))),
	}
	for _, p := range procs {
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func (d Deps) current() *config.Config {
	if d.Config == nil {
		return nil
	}
	return d.Config()
}

func (d Deps) pruneKeep() *config.PruneConfig {
	if cfg := d.current(); cfg != nil {
		return cfg.Jobs.Maintenance.Prune
	}
	return nil
}

func (d Deps) probes() []config.ProbeConfig {
	if cfg := d.current(); cfg != nil {
		return cfg.Jobs.Probes()
	}
	return nil
}
