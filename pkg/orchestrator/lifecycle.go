package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	apiexperiments "github.com/opst/pipelab/pkg/api/types/experiments"
	"github.com/opst/pipelab/pkg/domain"
	domerr "github.com/opst/pipelab/pkg/domain/errors"
	xe "github.com/opst/pipelab/pkg/errors"
)

// Create validates the config and records a new experiment in Pending.
//
// Target hosts are resolved here, and never change later.
//
// # Returns
//
// - error: wraps ErrInvalidConfig when the config is wrong. Nothing is recorded then.
func (o *Orchestrator) Create(ctx context.Context, cfg domain.ExperimentConfig) (*domain.Experiment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range domain.Variants() {
		if _, err := o.catalog.Render(cfg.Spec(v), v, "validation"); err != nil {
			return nil, fmt.Errorf("%s: %w", v, err)
		}
	}
	hosts, err := o.resolve(ctx, cfg.Targets)
	if err != nil {
		return nil, err
	}

	now := o.clock.Now()
	e := &domain.Experiment{
		Id:         o.newId(),
		Config:     cfg,
		Hosts:      hosts,
		Phase:      domain.Pending,
		PhaseTimes: map[domain.Phase]time.Time{domain.Pending: now},
		UpdatedAt:  now,
	}
	if err := o.experiments.Save(ctx, e); err != nil {
		return nil, xe.Wrap(err)
	}
	if _, err := o.experiments.AppendEvent(
		ctx, e.Id, domain.EventExperimentCreated,
		map[string]string{"name": cfg.Name, "hosts": strings.Join(hosts, ",")}, now,
	); err != nil {
		return nil, xe.Wrap(err)
	}
	o.logger.Infow("experiment is created", "experiment", e.Id, "name", cfg.Name, "hosts", hosts)
	o.notify(ctx, e)
	return e, nil
}

func (o *Orchestrator) resolve(ctx context.Context, targets domain.Targets) ([]string, error) {
	hosts := slices.Clone(targets.Hosts)
	if 0 < len(targets.Selector) {
		if o.inventory == nil {
			return nil, domerr.NewErrInvalidConfig("targets.selector", "label selectors are not supported by the agent")
		}
		selected, err := o.inventory.Resolve(ctx, targets.Selector)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, selected...)
	}
	slices.Sort(hosts)
	hosts = slices.Compact(hosts)
	if len(hosts) == 0 {
		return nil, domerr.NewErrInvalidConfig("targets", "no hosts are selected")
	}
	return hosts, nil
}

// Start deploys both variants of a Pending experiment.
//
// When any host accepts the deployment, the experiment becomes Deploying (and it is ticked at once).
// When no hosts accept, the experiment fails.
//
// # Returns
//
// - *domain.Experiment: the experiment after starting. It is returned also with ErrDeploymentFailed.
//
// - error: ErrInvalidTransition when the experiment is not Pending or vetoed by hooks,
// ErrDeploymentFailed when no hosts accept.
func (o *Orchestrator) Start(ctx context.Context, id string) (*domain.Experiment, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	e, err := o.experiments.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Phase != domain.Pending {
		return nil, domerr.NewErrInvalidTransition("experiment "+id, e.Phase, domain.Deploying)
	}
	if _, err := o.hook.Before(ctx, apiexperiments.ComposeDetail(e, domain.DeploymentSummary{})); err != nil {
		return nil, fmt.Errorf("%w: experiment %s: start is vetoed: %w", domerr.ErrInvalidTransition, id, err)
	}

	failures := []error{}
	for _, v := range domain.Variants() {
		_, err := o.coordinator.Deploy(ctx, e.Id, v, e.Config.Spec(v), e.Hosts)
		if err == nil {
			continue
		}
		if errors.Is(err, domerr.ErrDeploymentFailed) {
			failures = append(failures, err)
			continue
		}

		// nothing should be left on hosts.
		return o.fail(ctx, e, err.Error(), err)
	}

	if len(failures) == len(domain.Variants()) {
		err := errors.Join(failures...)
		return o.fail(ctx, e, err.Error(), err)
	}

	if err := o.transit(ctx, e, domain.Deploying, ""); err != nil {
		return nil, err
	}
	if err := o.advance(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// fail moves the experiment to Failed and rolls back its deployments.
//
// It returns the experiment and cause.
func (o *Orchestrator) fail(ctx context.Context, e *domain.Experiment, reason string, cause error) (*domain.Experiment, error) {
	e.LastError = reason
	if err := o.transit(ctx, e, domain.Failed, reason); err != nil {
		return nil, errors.Join(cause, err)
	}
	o.rollbackBestEffort(ctx, e)
	return e, cause
}

func (o *Orchestrator) rollbackBestEffort(ctx context.Context, e *domain.Experiment) {
	if _, err := o.coordinator.Rollback(ctx, e.Id, ""); err != nil {
		o.logger.Errorw("rollback is not completed", "experiment", e.Id, "error", err)
	}
}

// Tick advances the experiment as far as possible.
//
// Calling Tick again without any changes (reports, samples or elapsed time) changes nothing.
// Ticking terminal experiments is a no-op.
func (o *Orchestrator) Tick(ctx context.Context, id string) (*domain.Experiment, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	e, err := o.experiments.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.advance(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// TickAll ticks all experiments which are not terminal.
//
// Errors on each experiment do not stop ticking others.
//
// # Returns
//
// - int: count of experiments whose phase has changed.
//
// - error: errors of each experiment, joined.
func (o *Orchestrator) TickAll(ctx context.Context) (int, error) {
	live := []domain.Phase{}
	for _, p := range domain.Phases() {
		if !p.Terminal() && p != domain.Pending {
			live = append(live, p)
		}
	}
	es, err := o.experiments.List(ctx, domain.ExperimentFilter{Phases: live})
	if err != nil {
		return 0, xe.Wrap(err)
	}

	changed := 0
	errs := []error{}
	for _, e := range es {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		after, err := o.Tick(ctx, e.Id)
		if err != nil {
			o.logger.Warnw("tick failed", "experiment", e.Id, "error", err)
			errs = append(errs, fmt.Errorf("experiment %s: %w", e.Id, err))
			continue
		}
		if after.Phase != e.Phase {
			changed += 1
		}
	}
	return changed, errors.Join(errs...)
}

// advance applies steps until nothing changes.
func (o *Orchestrator) advance(ctx context.Context, e *domain.Experiment) error {
	for range len(domain.Phases()) {
		changed, err := o.step(ctx, e)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
	}
	return nil
}

// step makes at most one transition.
func (o *Orchestrator) step(ctx context.Context, e *domain.Experiment) (bool, error) {
	now := o.clock.Now()
	entered, _ := e.EnteredAt(e.Phase)

	switch e.Phase {
	case domain.Deploying:
		ds, err := o.coordinator.Deployments(ctx, e.Id)
		if err != nil {
			return false, err
		}
		if failed := failedDeployments(ds); 0 < len(failed) {
			reason := "deployment failed: " + strings.Join(failed, ", ")
			_, err := o.fail(ctx, e, reason, nil)
			return err == nil, err
		}

		converged, err := o.coordinator.Convergence(ctx, e.Id, domain.DeploymentActive)
		if err != nil {
			return false, err
		}
		if converged {
			return true, o.transit(ctx, e, domain.Running, "")
		}

		if timeout := o.lifecycle.DeployTimeout; 0 < timeout && !now.Before(entered.Add(timeout)) {
			reason := fmt.Sprintf("deployment timed out after %s", timeout)
			_, err := o.fail(ctx, e, reason, nil)
			return err == nil, err
		}
		return false, nil

	case domain.Running:
		ends, _ := e.RunEnds()
		if e.StopRequested || !now.Before(ends) {
			return true, o.transit(ctx, e, domain.Monitoring, "")
		}
		return false, nil

	case domain.Monitoring:
		result, err := o.kpi.Compute(ctx, e.Id, e.DefaultWindow(now))
		switch {
		case err == nil:
			e.KPI = &result
			if _, err := o.experiments.AppendEvent(
				ctx, e.Id, domain.EventKPIComputed, kpiPayload(result), now,
			); err != nil {
				return false, xe.Wrap(err)
			}
			return true, o.beginStopping(ctx, e, "kpi computed")
		case !errors.Is(err, domerr.ErrInsufficientData):
			return false, err
		case e.StopRequested || !now.Before(entered.Add(o.lifecycle.KPIGracePeriod)):
			e.LastError = err.Error()
			return true, o.beginStopping(ctx, e, "kpi is not available")
		}
		return false, nil

	case domain.Stopping:
		ds, err := o.coordinator.Rollback(ctx, e.Id, "")
		if err != nil {
			return false, err
		}
		if failed := rollbackFailures(ds); 0 < len(failed) && settled(ds) {
			e.LastError = "rollback failed: " + strings.Join(failed, ", ")
			return true, o.transit(ctx, e, domain.Failed, e.LastError)
		}
		converged, err := o.coordinator.Convergence(ctx, e.Id, domain.DeploymentRolledBack)
		if err != nil {
			return false, err
		}
		if converged {
			if e.Aborted {
				return true, o.transit(ctx, e, domain.RolledBack, e.StopReason)
			}
			return true, o.transit(ctx, e, domain.Completed, "")
		}
		if timeout := o.lifecycle.RollbackTimeout; 0 < timeout && !now.Before(entered.Add(timeout)) {
			e.LastError = fmt.Sprintf("rollback timed out after %s", timeout)
			return true, o.transit(ctx, e, domain.Failed, e.LastError)
		}
		return false, nil
	}

	return false, nil
}

// rollbackFailures lists deployments which have failed to roll back, as "host/variant (error)".
func rollbackFailures(ds []*domain.Deployment) []string {
	failed := []string{}
	for _, d := range ds {
		if d.RollbackFailed {
			failed = append(failed, describe(d))
		}
	}
	return failed
}

// settled tells no deployment is waiting for agents.
func settled(ds []*domain.Deployment) bool {
	for _, d := range ds {
		if !d.State.Terminal() {
			return false
		}
	}
	return true
}

func describe(d *domain.Deployment) string {
	f := d.Host + "/" + d.Variant.String()
	if d.LastError != "" {
		f += " (" + d.LastError + ")"
	}
	return f
}

func failedDeployments(ds []*domain.Deployment) []string {
	failed := []string{}
	for _, d := range ds {
		if d.State != domain.DeploymentFailed {
			continue
		}
		failed = append(failed, describe(d))
	}
	return failed
}

func kpiPayload(r domain.KPIResult) map[string]string {
	p := map[string]string{
		"window":            r.Window.String(),
		"baseline_samples":  fmt.Sprint(r.BaselineSamples),
		"candidate_samples": fmt.Sprint(r.CandidateSamples),
	}
	for name, c := range map[string]domain.Comparison{
		"cardinality": r.Cardinality, "cost": r.Cost, "cpu": r.CPU, "memory": r.Memory,
	} {
		if c.Available {
			p[name+"_reduction"] = fmt.Sprint(c.Reduction)
		} else {
			p[name+"_reduction"] = c.Reason
		}
	}
	return p
}

// beginStopping moves the experiment to Stopping and rolls back its deployments.
func (o *Orchestrator) beginStopping(ctx context.Context, e *domain.Experiment, reason string) error {
	if err := o.transit(ctx, e, domain.Stopping, reason); err != nil {
		return err
	}
	_, err := o.coordinator.Rollback(ctx, e.Id, "")
	return err
}

// Stop finishes a Running or Monitoring experiment gracefully.
//
// It takes a KPI snapshot if samples are enough, and rolls back deployments.
// The experiment will be Completed when the rollback converges.
//
// # Returns
//
// - error: ErrInvalidTransition when the experiment is not Running nor Monitoring.
func (o *Orchestrator) Stop(ctx context.Context, id string, reason string) (*domain.Experiment, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	e, err := o.experiments.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Phase != domain.Running && e.Phase != domain.Monitoring {
		return nil, domerr.NewErrInvalidTransition("experiment "+id, e.Phase, domain.Stopping)
	}
	if err := o.requestStop(ctx, e, reason, false); err != nil {
		return nil, err
	}
	if err := o.advance(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Abort stops a Deploying, Running or Monitoring experiment at once, without KPI.
//
// The experiment will be RolledBack when the rollback converges.
//
// # Returns
//
// - error: ErrInvalidTransition when the experiment is in other phases.
func (o *Orchestrator) Abort(ctx context.Context, id string, reason string) (*domain.Experiment, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	e, err := o.experiments.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch e.Phase {
	case domain.Deploying, domain.Running, domain.Monitoring:
	default:
		return nil, domerr.NewErrInvalidTransition("experiment "+id, e.Phase, domain.Stopping)
	}
	if err := o.requestStop(ctx, e, reason, true); err != nil {
		return nil, err
	}
	if err := o.beginStopping(ctx, e, "aborted"); err != nil {
		return nil, err
	}
	if err := o.advance(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (o *Orchestrator) requestStop(ctx context.Context, e *domain.Experiment, reason string, abort bool) error {
	now := o.clock.Now()
	e.StopRequested = true
	e.Aborted = abort
	e.StopReason = reason
	e.UpdatedAt = now
	if err := o.experiments.Save(ctx, e); err != nil {
		return xe.Wrap(err)
	}
	if _, err := o.experiments.AppendEvent(
		ctx, e.Id, domain.EventStopRequested,
		map[string]string{"reason": reason, "abort": fmt.Sprint(abort)}, now,
	); err != nil {
		return xe.Wrap(err)
	}
	o.logger.Infow("stop is requested", "experiment", e.Id, "reason", reason, "abort", abort)
	return nil
}

// transit changes phase of the experiment, and records it.
func (o *Orchestrator) transit(ctx context.Context, e *domain.Experiment, to domain.Phase, reason string) error {
	from := e.Phase
	if err := e.TransitTo(to, o.clock.Now()); err != nil {
		return err
	}
	if err := o.experiments.Save(ctx, e); err != nil {
		return xe.Wrap(err)
	}

	payload := map[string]string{"from": from.String(), "to": to.String()}
	if reason != "" {
		payload["reason"] = reason
	}
	if _, err := o.experiments.AppendEvent(ctx, e.Id, domain.EventPhaseChanged, payload, e.UpdatedAt); err != nil {
		return xe.Wrap(err)
	}
	o.metrics.PhaseChanged(from.String(), to.String())

	if to == domain.Failed {
		o.logger.Warnw("experiment failed", "experiment", e.Id, "from", from, "reason", reason)
	} else {
		o.logger.Infow("phase changed", "experiment", e.Id, "from", from, "to", to, "reason", reason)
	}
	o.notify(ctx, e)
	return nil
}

// notify calls after hooks. Failures are only logged.
func (o *Orchestrator) notify(ctx context.Context, e *domain.Experiment) {
	ds, err := o.coordinator.Deployments(ctx, e.Id)
	if err != nil {
		o.logger.Warnw("deployments are not loaded for hooks", "experiment", e.Id, "error", err)
	}
	if err := o.hook.After(ctx, apiexperiments.ComposeDetail(e, domain.Summarize(ds))); err != nil {
		o.logger.Warnw("after hook failed", "experiment", e.Id, "phase", e.Phase, "error", err)
	}
}
