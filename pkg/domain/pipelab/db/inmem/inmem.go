// Package inmem is an in-process implementation of the persistence gateway.
//
// It is consistent (every read observes all preceding writes),
// but nothing survives the process.
package inmem

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/opst/pipelab/pkg/domain"
	deployment "github.com/opst/pipelab/pkg/domain/deployment/db"
	"github.com/opst/pipelab/pkg/domain/errors/dberrors"
	experiment "github.com/opst/pipelab/pkg/domain/experiment/db"
	metric "github.com/opst/pipelab/pkg/domain/metric/db"
	"github.com/opst/pipelab/pkg/domain/pipelab/db"
)

type store struct {
	mux sync.RWMutex

	experiments map[string]*domain.Experiment
	events      map[string][]domain.Event
	eventSeq    int64

	deployments map[string]*domain.Deployment

	samples   map[sampleKey][]domain.MetricSample
	sampleSeq int64
}

type sampleKey struct {
	experimentId string
	variant      domain.Variant
}

// New returns a fresh in-memory Database.
func New() db.Database {
	return &store{
		experiments: map[string]*domain.Experiment{},
		events:      map[string][]domain.Event{},
		deployments: map[string]*domain.Deployment{},
		samples:     map[sampleKey][]domain.MetricSample{},
	}
}

func (s *store) Experiment() experiment.Interface { return (*experimentStore)(s) }
func (s *store) Deployment() deployment.Interface { return (*deploymentStore)(s) }
func (s *store) Metric() metric.Interface         { return (*metricStore)(s) }
func (s *store) Close() error                     { return nil }

type experimentStore store

var _ experiment.Interface = &experimentStore{}

func (s *experimentStore) Save(ctx context.Context, e *domain.Experiment) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	current, ok := s.experiments[e.Id]
	switch {
	case e.Version == 0 && ok:
		return dberrors.Conflict{Table: "experiment", Identity: e.Id, Version: e.Version}
	case e.Version != 0 && !ok:
		return dberrors.Missing{Table: "experiment", Identity: e.Id}
	case ok && current.Version != e.Version:
		return dberrors.Conflict{Table: "experiment", Identity: e.Id, Version: e.Version}
	}

	e.Version += 1
	s.experiments[e.Id] = e.Clone()
	return nil
}

func (s *experimentStore) Load(ctx context.Context, id string) (*domain.Experiment, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	e, ok := s.experiments[id]
	if !ok {
		return nil, dberrors.Missing{Table: "experiment", Identity: id}
	}
	return e.Clone(), nil
}

func (s *experimentStore) List(ctx context.Context, filter domain.ExperimentFilter) ([]*domain.Experiment, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	ret := []*domain.Experiment{}
	for _, e := range s.experiments {
		if filter.Match(e) {
			ret = append(ret, e.Clone())
		}
	}
	slices.SortFunc(ret, func(a, b *domain.Experiment) int {
		if c := a.CreatedAt().Compare(b.CreatedAt()); c != 0 {
			return c
		}
		return cmp.Compare(a.Id, b.Id)
	})
	return ret, nil
}

func (s *experimentStore) AppendEvent(
	ctx context.Context, experimentId string,
	typ domain.EventType, payload map[string]string, at time.Time,
) (domain.Event, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if _, ok := s.experiments[experimentId]; !ok {
		return domain.Event{}, dberrors.Missing{Table: "experiment", Identity: experimentId}
	}

	s.eventSeq += 1
	ev := domain.Event{
		Seq:          s.eventSeq,
		ExperimentId: experimentId,
		Type:         typ,
		Payload:      maps.Clone(payload),
		At:           at,
	}
	s.events[experimentId] = append(s.events[experimentId], ev)
	return ev, nil
}

func (s *experimentStore) Events(ctx context.Context, experimentId string) ([]domain.Event, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	if _, ok := s.experiments[experimentId]; !ok {
		return nil, dberrors.Missing{Table: "experiment", Identity: experimentId}
	}
	return slices.Clone(s.events[experimentId]), nil
}

type deploymentStore store

var _ deployment.Interface = &deploymentStore{}

func (s *deploymentStore) Save(ctx context.Context, d *domain.Deployment) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	current, ok := s.deployments[d.Id]
	switch {
	case d.Version == 0 && ok:
		return dberrors.Conflict{Table: "deployment", Identity: d.Id, Version: d.Version}
	case d.Version != 0 && !ok:
		return dberrors.Missing{Table: "deployment", Identity: d.Id}
	case ok && current.Version != d.Version:
		return dberrors.Conflict{Table: "deployment", Identity: d.Id, Version: d.Version}
	}

	if !d.State.Terminal() {
		for _, other := range s.deployments {
			if other.Id == d.Id || other.State.Terminal() {
				continue
			}
			if other.ExperimentId == d.ExperimentId && other.Host == d.Host && other.Variant == d.Variant {
				return dberrors.Conflict{Table: "deployment", Identity: d.Id, Version: d.Version}
			}
		}
	}

	d.Version += 1
	s.deployments[d.Id] = d.Clone()
	return nil
}

func (s *deploymentStore) Load(ctx context.Context, id string) (*domain.Deployment, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	d, ok := s.deployments[id]
	if !ok {
		return nil, dberrors.Missing{Table: "deployment", Identity: id}
	}
	return d.Clone(), nil
}

func (s *deploymentStore) LoadByExperiment(ctx context.Context, experimentId string) ([]*domain.Deployment, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	ret := []*domain.Deployment{}
	for _, d := range s.deployments {
		if d.ExperimentId == experimentId {
			ret = append(ret, d.Clone())
		}
	}
	slices.SortFunc(ret, func(a, b *domain.Deployment) int {
		return cmp.Or(
			cmp.Compare(a.Variant, b.Variant),
			cmp.Compare(a.Host, b.Host),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.Id, b.Id),
		)
	})
	return ret, nil
}

type metricStore store

var _ metric.Interface = &metricStore{}

func (s *metricStore) Ingest(ctx context.Context, samples ...domain.MetricSample) ([]domain.MetricSample, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	ret := make([]domain.MetricSample, 0, len(samples))
	for _, ms := range samples {
		s.sampleSeq += 1
		ms.Seq = s.sampleSeq
		ms.Labels = maps.Clone(ms.Labels)

		k := sampleKey{experimentId: ms.ExperimentId, variant: ms.Variant}
		s.samples[k] = append(s.samples[k], ms)
		ret = append(ret, ms)
	}
	return ret, nil
}

func (s *metricStore) Query(
	ctx context.Context, experimentId string, variant domain.Variant, window domain.Window,
) ([]domain.MetricSample, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	ret := []domain.MetricSample{}
	for _, ms := range s.samples[sampleKey{experimentId: experimentId, variant: variant}] {
		if window.Contains(ms.Timestamp) {
			ms.Labels = maps.Clone(ms.Labels)
			ret = append(ret, ms)
		}
	}
	return ret, nil
}
