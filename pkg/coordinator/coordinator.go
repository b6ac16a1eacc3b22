// Package coordinator tracks per-host deployments of experiments.
//
// For each (experiment, variant, host), the Coordinator issues commands to the agent on the host
// and follows its reports, until the deployment is rolled back or failed.
//
// Operations on deployments of one experiment are serialized.
// Operations on different experiments run in parallel.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/opst/pipelab/pkg/domain"
	"github.com/opst/pipelab/pkg/domain/agent"
	dbdeployment "github.com/opst/pipelab/pkg/domain/deployment/db"
	domerr "github.com/opst/pipelab/pkg/domain/errors"
	dbexperiment "github.com/opst/pipelab/pkg/domain/experiment/db"
	xe "github.com/opst/pipelab/pkg/errors"
	"github.com/opst/pipelab/pkg/metrics"
	"github.com/opst/pipelab/pkg/pipeline"
	"github.com/opst/pipelab/pkg/utils/keylock"
	"github.com/opst/pipelab/pkg/utils/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Coordinator struct {
	deployments dbdeployment.Interface
	events      dbexperiment.Interface
	agent       agent.Interface
	catalog     pipeline.Catalog
	policy      retry.Policy

	clock   clock.Clock
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	newId   func() string

	locks *keylock.KeyLock[string]
}

type Option func(*Coordinator)

func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithIdGenerator replaces the generator of deployment ids. Default is uuid.
func WithIdGenerator(newId func() string) Option {
	return func(c *Coordinator) { c.newId = newId }
}

// New creates a Coordinator.
//
// # Args
//
// - deployments: store of deployments.
//
// - events: store of experiments, used to record audit events.
//
// - ag: agents on hosts.
//
// - catalog: pipeline templates to be rendered into deploy commands.
//
// - policy: retry policy of sending commands. Only ErrUnreachable is retried,
// regardless of policy.RetryIf.
func New(
	deployments dbdeployment.Interface,
	events dbexperiment.Interface,
	ag agent.Interface,
	catalog pipeline.Catalog,
	policy retry.Policy,
	options ...Option,
) *Coordinator {
	c := &Coordinator{
		deployments: deployments,
		events:      events,
		agent:       ag,
		catalog:     catalog,
		clock:       clock.New(),
		logger:      zap.NewNop().Sugar(),
		metrics:     metrics.Discard(),
		newId:       uuid.NewString,
		locks:       keylock.New[string](),
	}
	for _, o := range options {
		o(c)
	}
	if policy.Clock == nil {
		policy.Clock = c.clock
	}
	policy.RetryIf = func(err error) bool { return errors.Is(err, domerr.ErrUnreachable) }
	c.policy = policy
	c.logger = c.logger.Named("coordinator")
	return c
}

// Deploy creates deployments of the variant on each host, and sends deploy commands to them.
//
// Hosts are dealt one by one: a host which has a non-terminal deployment for the variant already
// is left as it is, and its deployment is returned as it is.
// Otherwise a new deployment is created and a command is sent with retries.
// When retries are exhausted (or the host is invalid), the deployment becomes Failed.
//
// # Returns
//
// - []*domain.Deployment: deployments for each host, in order of hosts.
// They are returned also with DeploymentFailure error.
//
// - error: *DeploymentFailure (wraps ErrDeploymentFailed) when no host accepted the command,
// ErrInvalidConfig when arguments are wrong.
func (c *Coordinator) Deploy(
	ctx context.Context,
	experimentId string,
	variant domain.Variant,
	spec domain.VariantSpec,
	hosts []string,
) ([]*domain.Deployment, error) {
	if experimentId == "" {
		return nil, domerr.NewErrInvalidConfig("experiment", "should not be empty")
	}
	if _, err := domain.AsVariant(string(variant)); err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, domerr.NewErrInvalidConfig("hosts", "should not be empty")
	}
	rendered, err := c.catalog.Render(spec, variant, experimentId)
	if err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(experimentId)
	defer unlock()

	existing, err := c.deployments.LoadByExperiment(ctx, experimentId)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	live := map[string]*domain.Deployment{}
	for _, d := range existing {
		if d.Variant == variant && !d.State.Terminal() {
			live[d.Host] = d
		}
	}

	result := make([]*domain.Deployment, 0, len(hosts))
	fresh := []*domain.Deployment{}
	seen := map[string]struct{}{}
	for _, host := range hosts {
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}

		if d, ok := live[host]; ok {
			result = append(result, d)
			continue
		}

		now := c.clock.Now()
		d := &domain.Deployment{
			Id:           c.newId(),
			ExperimentId: experimentId,
			Variant:      variant,
			Host:         host,
			State:        domain.DeploymentPending,
			TemplateRef:  spec.TemplateRef,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := c.deployments.Save(ctx, d); err != nil {
			return nil, xe.Wrap(err)
		}
		if err := c.stateChanged(ctx, d, ""); err != nil {
			return nil, err
		}
		result = append(result, d)
		fresh = append(fresh, d)
	}

	outcomes := c.send(ctx, fresh, func(d *domain.Deployment) domain.Command {
		return domain.DeployCommand{
			CommandTarget: domain.CommandTarget{
				ExperimentId: experimentId, DeploymentId: d.Id, Variant: variant,
			},
			TemplateRef: spec.TemplateRef,
			Overrides:   spec.Overrides,
			Pipeline:    rendered,
		}
	})

	accepted := len(result) - len(fresh)
	unreachable := map[string]error{}
	for i, d := range fresh {
		o := outcomes[i]
		from := d.State
		d.Attempts += o.attempts
		if o.err == nil {
			accepted += 1
			d.State = domain.DeploymentDeploying
			d.LastError = ""
		} else {
			unreachable[d.Host] = o.err
			d.State = domain.DeploymentFailed
			d.LastError = o.err.Error()
			c.logger.Warnw(
				"deploy command is not delivered",
				"experiment", experimentId, "variant", variant, "host", d.Host,
				"attempts", o.attempts, "error", o.err,
			)
		}
		if err := c.commit(ctx, d, from, o); err != nil {
			return nil, err
		}
	}

	if accepted == 0 {
		return result, &domerr.DeploymentFailure{
			ExperimentID: experimentId,
			Variant:      variant.String(),
			Unreachable:  unreachable,
		}
	}
	return result, nil
}

// Report is a status report of a deployment from an agent.
type Report struct {
	// Observed state.
	State domain.DeploymentState

	// When the state is observed by the agent.
	At time.Time

	// Error message reported with the state. Optional.
	Error string
}

// ReportStatus applies a status report to the deployment.
//
// Reports are ordered by their timestamp, not by arrival.
// A report older than the latest applied one is discarded without errors,
// and a report with the same timestamp and state as the latest one changes nothing.
//
// While the deployment is going to be deployed, the reported Deploying, Active or Failed is taken as the new state.
// Once it has been asked to roll back, RolledBack or Failed settles the deployment,
// and other reports are recorded but keep it RollingBack.
// RolledBack deployments ignore any reports.
//
// # Returns
//
// - *domain.Deployment: the deployment after the report is applied (or discarded).
//
// - error: ErrMissing when the deployment is not found,
// ErrInvalidConfig when the report is malformed,
// ErrInvalidTransition when the reported state is not expected in the current state.
func (c *Coordinator) ReportStatus(ctx context.Context, deploymentId string, report Report) (*domain.Deployment, error) {
	if deploymentId == "" {
		return nil, domerr.NewErrInvalidConfig("deployment", "should not be empty")
	}
	if _, err := domain.AsDeploymentState(string(report.State)); err != nil {
		return nil, err
	}
	if report.At.IsZero() {
		return nil, domerr.NewErrInvalidConfig("report.timestamp", "should be given")
	}

	d, err := c.deployments.Load(ctx, deploymentId)
	if err != nil {
		return nil, err
	}
	unlock := c.locks.Lock(d.ExperimentId)
	defer unlock()

	// reload: it may be changed while waiting for the lock.
	if d, err = c.deployments.Load(ctx, deploymentId); err != nil {
		return nil, err
	}

	if d.State == domain.DeploymentRolledBack {
		c.metrics.Reported(metrics.ReportDiscarded)
		return d, nil
	}
	if !d.LastReportAt.IsZero() {
		if report.At.Before(d.LastReportAt) {
			c.logger.Debugw(
				"out-of-order report is discarded",
				"deployment", d.Id, "reported", report.State,
				"at", report.At, "latest", d.LastReportAt,
			)
			c.metrics.Reported(metrics.ReportDiscarded)
			return d, nil
		}
		if report.At.Equal(d.LastReportAt) && report.State == d.ReportedState {
			c.metrics.Reported(metrics.ReportDuplicate)
			return d, nil
		}
	}

	next, err := transit(d, report.State)
	if err != nil {
		c.metrics.Reported(metrics.ReportRejected)
		return nil, fmt.Errorf("deployment %s: %w", d.Id, err)
	}

	from := d.State
	switch {
	case from.RollbackIntended() && next == domain.DeploymentFailed:
		d.RollbackFailed = true
	case next == domain.DeploymentRolledBack:
		d.RollbackFailed = false
	}
	d.State = next
	d.LastReportAt = report.At
	d.ReportedState = report.State
	switch {
	case report.Error != "":
		d.LastError = report.Error
	case next == domain.DeploymentActive:
		d.LastError = ""
	}
	d.UpdatedAt = c.clock.Now()
	if err := c.deployments.Save(ctx, d); err != nil {
		return nil, xe.Wrap(err)
	}
	c.metrics.Reported(metrics.ReportAccepted)

	if from != next {
		c.logger.Infow(
			"deployment state changed by report",
			"deployment", d.Id, "host", d.Host, "variant", d.Variant,
			"from", from, "to", next,
		)
		if err := c.stateChanged(ctx, d, from); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// transit decides the next state of the deployment when the state is reported.
//
// A deployment whose rollback has failed can still be reported RolledBack.
func transit(d *domain.Deployment, reported domain.DeploymentState) (domain.DeploymentState, error) {
	current := d.State
	if current.RollbackIntended() || d.RollbackFailed {
		switch reported {
		case domain.DeploymentRolledBack, domain.DeploymentFailed:
			return reported, nil
		case domain.DeploymentDeploying, domain.DeploymentActive, domain.DeploymentRollingBack:
			return current, nil
		}
		return "", domerr.NewErrInvalidTransition("deployment", current, reported)
	}

	switch reported {
	case domain.DeploymentDeploying, domain.DeploymentActive, domain.DeploymentFailed:
		return reported, nil
	}
	return "", domerr.NewErrInvalidTransition("deployment", current, reported)
}

// Rollback asks hosts to restore their previous pipelines.
//
// For each non-terminal deployment of the experiment (of the variant, if it is not empty):
//
// - Pending deployments are RolledBack at once, since no host has accepted them.
//
// - Deploying deployments are sent a stop command, and Active ones are sent a rollback command.
// Then they become RollingBack.
//
// - RollingBack deployments whose command has not been delivered get the command again.
//
// Commands failed to be delivered are marked pending, and sent on the next call.
// Terminal deployments are untouched, so calling Rollback repeatedly is safe.
//
// # Returns
//
// - []*domain.Deployment: deployments of the experiment (and the variant), after rollback.
//
// - error: ErrInvalidConfig when the variant is wrong. Delivery failures are not errors.
func (c *Coordinator) Rollback(ctx context.Context, experimentId string, variant domain.Variant) ([]*domain.Deployment, error) {
	if variant != "" {
		if _, err := domain.AsVariant(string(variant)); err != nil {
			return nil, err
		}
	}

	unlock := c.locks.Lock(experimentId)
	defer unlock()

	ds, err := c.deployments.LoadByExperiment(ctx, experimentId)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	ds = slices.DeleteFunc(ds, func(d *domain.Deployment) bool {
		return variant != "" && d.Variant != variant
	})

	toSend := []*domain.Deployment{}
	for _, d := range ds {
		switch d.State {
		case domain.DeploymentPending:
			from := d.State
			d.State = domain.DeploymentRolledBack
			if err := c.commit(ctx, d, from, outcome{}); err != nil {
				return nil, err
			}
		case domain.DeploymentDeploying, domain.DeploymentActive:
			toSend = append(toSend, d)
		case domain.DeploymentRollingBack:
			if d.CommandPending {
				toSend = append(toSend, d)
			}
		}
	}

	outcomes := c.send(ctx, toSend, func(d *domain.Deployment) domain.Command {
		target := domain.CommandTarget{
			ExperimentId: d.ExperimentId, DeploymentId: d.Id, Variant: d.Variant,
		}
		if d.State == domain.DeploymentActive ||
			(d.State == domain.DeploymentRollingBack && d.ReportedState == domain.DeploymentActive) {
			return domain.RollbackCommand{CommandTarget: target}
		}
		return domain.StopCommand{CommandTarget: target}
	})

	for i, d := range toSend {
		o := outcomes[i]
		from := d.State
		d.State = domain.DeploymentRollingBack
		d.Attempts += o.attempts
		d.CommandPending = o.err != nil
		if o.err != nil {
			d.LastError = o.err.Error()
			c.logger.Warnw(
				"rollback command is not delivered. it will be sent again",
				"deployment", d.Id, "host", d.Host, "attempts", o.attempts, "error", o.err,
			)
		}
		if err := c.commit(ctx, d, from, o); err != nil {
			return nil, err
		}
	}

	return ds, nil
}

// Convergence tells whether all deployments of the experiment have reached the target.
//
// target should be Active (deployed) or RolledBack (torn down).
// For RolledBack, deployments failed before rollback are counted as converged,
// since they have never run on their host. Failures of rollback are not.
//
// An experiment without deployments never converges.
func (c *Coordinator) Convergence(ctx context.Context, experimentId string, target domain.DeploymentState) (bool, error) {
	var done func(*domain.Deployment) bool
	switch target {
	case domain.DeploymentActive:
		done = func(d *domain.Deployment) bool { return d.State == domain.DeploymentActive }
	case domain.DeploymentRolledBack:
		done = func(d *domain.Deployment) bool {
			return d.State == domain.DeploymentRolledBack ||
				(d.State == domain.DeploymentFailed && !d.RollbackFailed)
		}
	default:
		return false, domerr.NewErrInvalidConfig(
			"target", fmt.Sprintf("should be %s or %s", domain.DeploymentActive, domain.DeploymentRolledBack),
		)
	}

	ds, err := c.deployments.LoadByExperiment(ctx, experimentId)
	if err != nil {
		return false, xe.Wrap(err)
	}
	if len(ds) == 0 {
		return false, nil
	}
	for _, d := range ds {
		if !done(d) {
			return false, nil
		}
	}
	return true, nil
}

// Deployments returns deployments of the experiment.
func (c *Coordinator) Deployments(ctx context.Context, experimentId string) ([]*domain.Deployment, error) {
	ds, err := c.deployments.LoadByExperiment(ctx, experimentId)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	return ds, nil
}

type outcome struct {
	cmd      domain.Command
	attempts int
	err      error
}

// send delivers commands to hosts of deployments concurrently.
//
// Returned outcomes are in the same order as ds.
func (c *Coordinator) send(
	ctx context.Context,
	ds []*domain.Deployment,
	compose func(*domain.Deployment) domain.Command,
) []outcome {
	outcomes := make([]outcome, len(ds))

	var g errgroup.Group
	for i, d := range ds {
		cmd := compose(d)
		outcomes[i].cmd = cmd
		if d.Host == "" {
			outcomes[i].err = domerr.NewErrInvalidConfig("host", "should not be empty")
			continue
		}
		g.Go(func() error {
			n, err := c.policy.Do(ctx, func(ctx context.Context, _ int) error {
				return c.agent.SendCommand(ctx, d.Host, cmd)
			})
			c.metrics.CommandSent(cmd.Kind().String(), err)
			outcomes[i].attempts = n
			outcomes[i].err = err
			return nil
		})
	}
	g.Wait()

	return outcomes
}

// commit saves the deployment, and records events about it.
func (c *Coordinator) commit(ctx context.Context, d *domain.Deployment, from domain.DeploymentState, o outcome) error {
	d.UpdatedAt = c.clock.Now()
	if err := c.deployments.Save(ctx, d); err != nil {
		return xe.Wrap(err)
	}

	if o.cmd != nil {
		payload := map[string]string{
			"deployment": d.Id,
			"host":       d.Host,
			"variant":    d.Variant.String(),
			"command":    o.cmd.Kind().String(),
			"attempts":   strconv.Itoa(o.attempts),
		}
		typ := domain.EventCommandSent
		if o.err != nil {
			typ = domain.EventCommandFailed
			payload["error"] = o.err.Error()
		}
		if _, err := c.events.AppendEvent(ctx, d.ExperimentId, typ, payload, d.UpdatedAt); err != nil {
			return xe.Wrap(err)
		}
	}

	if from != d.State {
		return c.stateChanged(ctx, d, from)
	}
	return nil
}

func (c *Coordinator) stateChanged(ctx context.Context, d *domain.Deployment, from domain.DeploymentState) error {
	payload := map[string]string{
		"deployment": d.Id,
		"host":       d.Host,
		"variant":    d.Variant.String(),
		"from":       from.String(),
		"to":         d.State.String(),
	}
	if d.LastError != "" {
		payload["error"] = d.LastError
	}
	if _, err := c.events.AppendEvent(ctx, d.ExperimentId, domain.EventDeploymentChanged, payload, d.UpdatedAt); err != nil {
		return xe.Wrap(err)
	}
	return nil
}
