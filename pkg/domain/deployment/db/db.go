package db

import (
	"context"

	"github.com/opst/pipelab/pkg/domain"
)

type Interface interface {
	// Save inserts or updates a deployment.
	//
	// Versioning rule is same as experiment: 0 means insert, otherwise compare-and-swap.
	// On success, d.Version is set to the new version.
	//
	// Returns
	//
	// - error: dberrors.Conflict when the version is stale,
	// or there is another non-terminal deployment for the same (experiment, host, variant).
	Save(ctx context.Context, d *domain.Deployment) error

	// Load a deployment.
	//
	// Returns
	//
	// - error: dberrors.Missing when not found.
	Load(ctx context.Context, id string) (*domain.Deployment, error)

	// LoadByExperiment returns deployments of the experiment,
	// ordered by variant, host and creation.
	LoadByExperiment(ctx context.Context, experimentId string) ([]*domain.Deployment, error)
}
