package db

import (
	deployment "github.com/opst/pipelab/pkg/domain/deployment/db"
	experiment "github.com/opst/pipelab/pkg/domain/experiment/db"
	metric "github.com/opst/pipelab/pkg/domain/metric/db"
)

// Database is the persistence gateway of pipelab.
type Database interface {
	Experiment() experiment.Interface
	Deployment() deployment.Interface
	Metric() metric.Interface
	Close() error
}
