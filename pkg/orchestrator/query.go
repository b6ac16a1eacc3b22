package orchestrator

import (
	"context"
	"fmt"

	"github.com/opst/pipelab/pkg/coordinator"
	"github.com/opst/pipelab/pkg/domain"
	domerr "github.com/opst/pipelab/pkg/domain/errors"
	xe "github.com/opst/pipelab/pkg/errors"
)

// Status is a projection of an experiment and its deployments.
type Status struct {
	Experiment  *domain.Experiment
	Deployments []*domain.Deployment
	Summary     domain.DeploymentSummary
}

func (o *Orchestrator) Status(ctx context.Context, id string) (Status, error) {
	e, err := o.experiments.Load(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return o.status(ctx, e)
}

func (o *Orchestrator) status(ctx context.Context, e *domain.Experiment) (Status, error) {
	ds, err := o.coordinator.Deployments(ctx, e.Id)
	if err != nil {
		return Status{}, err
	}
	return Status{Experiment: e, Deployments: ds, Summary: domain.Summarize(ds)}, nil
}

// List returns statuses of experiments matching the filter, older first.
func (o *Orchestrator) List(ctx context.Context, filter domain.ExperimentFilter) ([]Status, error) {
	es, err := o.experiments.List(ctx, filter)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	ret := make([]Status, 0, len(es))
	for _, e := range es {
		s, err := o.status(ctx, e)
		if err != nil {
			return nil, err
		}
		ret = append(ret, s)
	}
	return ret, nil
}

// GetKPIs computes KPIs of the experiment.
//
// When window is nil, the default window of the experiment is used,
// and if the experiment has a KPI snapshot, the snapshot is returned.
//
// # Returns
//
// - error: wraps ErrInsufficientData when samples are too few. It never changes the phase.
func (o *Orchestrator) GetKPIs(ctx context.Context, id string, window *domain.Window) (domain.KPIResult, error) {
	e, err := o.experiments.Load(ctx, id)
	if err != nil {
		return domain.KPIResult{}, err
	}
	if window == nil {
		if e.KPI != nil {
			return *e.KPI, nil
		}
		w := e.DefaultWindow(o.clock.Now())
		window = &w
	}
	return o.kpi.Compute(ctx, e.Id, *window)
}

// Events returns the audit trail of the experiment.
func (o *Orchestrator) Events(ctx context.Context, id string) ([]domain.Event, error) {
	if _, err := o.experiments.Load(ctx, id); err != nil {
		return nil, err
	}
	evs, err := o.experiments.Events(ctx, id)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	return evs, nil
}

// ReportStatus applies a status report from an agent.
//
// When the experiment is already stopping (or finished) and the deployment is still deployed,
// it is rolled back at once.
func (o *Orchestrator) ReportStatus(ctx context.Context, deploymentId string, report coordinator.Report) (*domain.Deployment, error) {
	d, err := o.deployments.Load(ctx, deploymentId)
	if err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(d.ExperimentId)
	defer unlock()

	d, err = o.coordinator.ReportStatus(ctx, deploymentId, report)
	if err != nil {
		return nil, err
	}

	e, err := o.experiments.Load(ctx, d.ExperimentId)
	if err != nil {
		return nil, err
	}
	if (e.Phase == domain.Stopping || e.Phase.Terminal()) && !d.State.Terminal() && !d.State.RollbackIntended() {
		o.logger.Infow(
			"deployment is reported after stopping. rolling back",
			"experiment", e.Id, "deployment", d.Id, "state", d.State,
		)
		ds, err := o.coordinator.Rollback(ctx, e.Id, d.Variant)
		if err != nil {
			return nil, err
		}
		for _, rd := range ds {
			if rd.Id == d.Id {
				d = rd
			}
		}
	}
	return d, nil
}

// ReportMetric ingests samples from agents.
//
// # Returns
//
// - error: ErrMissing when any sample refers to an unknown experiment,
// ErrInvalidConfig when any sample is malformed. No samples are ingested then.
func (o *Orchestrator) ReportMetric(ctx context.Context, samples ...domain.MetricSample) ([]domain.MetricSample, error) {
	known := map[string]struct{}{}
	for _, s := range samples {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, ok := known[s.ExperimentId]; ok {
			continue
		}
		if _, err := o.experiments.Load(ctx, s.ExperimentId); err != nil {
			return nil, err
		}
		known[s.ExperimentId] = struct{}{}
	}
	return o.kpi.Ingest(ctx, samples...)
}

// RollbackDeployment rolls back deployments of the experiment (of the variant, if given).
//
// It is for deployments left after experiments end, for example, when hosts have been unreachable.
// Running experiments should be aborted instead.
//
// # Returns
//
// - error: ErrInvalidTransition when the experiment is Deploying, Running or Monitoring.
func (o *Orchestrator) RollbackDeployment(ctx context.Context, id string, variant domain.Variant) ([]*domain.Deployment, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	e, err := o.experiments.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch e.Phase {
	case domain.Deploying, domain.Running, domain.Monitoring:
		return nil, fmt.Errorf(
			"%w: experiment %s is %s: abort it instead",
			domerr.ErrInvalidTransition, id, e.Phase,
		)
	}
	return o.coordinator.Rollback(ctx, id, variant)
}
