package orchestrator

import (
	"context"

	"github.com/opst/pipelab/pkg/loop/recurring"
)

// TickStats is a running total of TickTask.
type TickStats struct {
	Runs    int
	Changed int
}

// TickTask ticks all live experiments on each run.
//
// A run is "updated" when any experiment has changed its phase,
// since an experiment entering a new phase may go further at once.
func (o *Orchestrator) TickTask() recurring.Task[TickStats] {
	return func(ctx context.Context, s TickStats) (TickStats, bool, error) {
		changed, err := o.TickAll(ctx)
		s.Runs += 1
		s.Changed += changed
		return s, 0 < changed, err
	}
}
