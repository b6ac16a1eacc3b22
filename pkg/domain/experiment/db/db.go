package db

import (
	"context"
	"time"

	"github.com/opst/pipelab/pkg/domain"
)

type Interface interface {
	// Save inserts or updates an experiment.
	//
	// When e.Version is 0, the experiment is inserted.
	// Otherwise, it is updated only if the stored version equals e.Version.
	// On success, e.Version is set to the new version.
	//
	// Returns
	//
	// - error: dberrors.Conflict (wraps ErrInvalidTransition) when the version is stale,
	// dberrors.Missing (wraps ErrMissing) when updating unknown experiment.
	Save(ctx context.Context, e *domain.Experiment) error

	// Load an experiment.
	//
	// Returns
	//
	// - error: dberrors.Missing when not found.
	Load(ctx context.Context, id string) (*domain.Experiment, error)

	// List experiments matching the filter, ordered by creation (older first).
	List(ctx context.Context, filter domain.ExperimentFilter) ([]*domain.Experiment, error)

	// AppendEvent records an audit event.
	AppendEvent(
		ctx context.Context, experimentId string,
		typ domain.EventType, payload map[string]string, at time.Time,
	) (domain.Event, error)

	// Events returns events of the experiment, in order of appending.
	Events(ctx context.Context, experimentId string) ([]domain.Event, error)
}
