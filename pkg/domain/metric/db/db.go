package db

import (
	"context"

	"github.com/opst/pipelab/pkg/domain"
)

type Interface interface {
	// Ingest appends samples.
	//
	// Seq of each sample is assigned in order of arguments.
	//
	// Returns
	//
	// - []domain.MetricSample: ingested samples with Seq.
	Ingest(ctx context.Context, samples ...domain.MetricSample) ([]domain.MetricSample, error)

	// Query samples of the experiment and variant in the window (both ends inclusive).
	//
	// Result is a snapshot at the time of query, ordered by Seq.
	Query(
		ctx context.Context, experimentId string, variant domain.Variant, window domain.Window,
	) ([]domain.MetricSample, error)
}
