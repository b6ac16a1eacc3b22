package main

import (
	"context"
	"time"

	pipelab "github.com/opst/pipelab/pkg"
	"github.com/opst/pipelab/pkg/loop"
	"github.com/opst/pipelab/pkg/loop/recurring"
	"github.com/opst/pipelab/pkg/orchestrator"
	"go.uber.org/zap"
)

// LoopManifest determines how the tick loop behaves.
type LoopManifest struct {
	Policy recurring.Policy

	// Timeout of each run. Zero means no timeout.
	Timeout time.Duration
}

// StartTickLoop ticks all live experiments of the plane repeatedly.
//
// It returns the stats of the loop when the policy breaks or ctx is done.
func StartTickLoop(
	ctx context.Context,
	logger *zap.SugaredLogger,
	plane *pipelab.Plane,
	manifest LoopManifest,
) (orchestrator.TickStats, error) {
	opts := []loop.LoopOption{loop.WithClock(plane.Clock())}
	if 0 < manifest.Timeout {
		opts = append(opts, loop.WithTimeout(manifest.Timeout))
	}
	return loop.Start(
		ctx, orchestrator.TickStats{},
		loop.Monitored(
			logger.Named("tick"),
			plane.Orchestrator().TickTask().Applied(manifest.Policy),
		),
		opts...,
	)
}
