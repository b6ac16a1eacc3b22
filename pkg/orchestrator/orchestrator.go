// Package orchestrator drives experiments through their lifecycle.
//
//	Pending -> Deploying -> Running -> Monitoring -> Stopping -> Completed
//
// Any phase except Completed and RolledBack can fail, and aborted experiments end in RolledBack.
//
// The orchestrator never advances experiments on its own.
// Callers (API handlers and the tick loop) call Tick, and each Tick moves
// experiments as far as the current deployments, time and samples allow.
//
// All operations on one experiment are serialized.
package orchestrator

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	apiexperiments "github.com/opst/pipelab/pkg/api/types/experiments"
	"github.com/opst/pipelab/pkg/coordinator"
	"github.com/opst/pipelab/pkg/domain"
	"github.com/opst/pipelab/pkg/domain/agent"
	dbdeployment "github.com/opst/pipelab/pkg/domain/deployment/db"
	dbexperiment "github.com/opst/pipelab/pkg/domain/experiment/db"
	"github.com/opst/pipelab/pkg/hook"
	"github.com/opst/pipelab/pkg/metrics"
	"github.com/opst/pipelab/pkg/pipeline"
	"github.com/opst/pipelab/pkg/utils/keylock"
	"go.uber.org/zap"
)

// Coordinator deploys and rolls back pipelines on hosts.
type Coordinator interface {
	Deploy(
		ctx context.Context, experimentId string, variant domain.Variant,
		spec domain.VariantSpec, hosts []string,
	) ([]*domain.Deployment, error)
	ReportStatus(ctx context.Context, deploymentId string, report coordinator.Report) (*domain.Deployment, error)
	Rollback(ctx context.Context, experimentId string, variant domain.Variant) ([]*domain.Deployment, error)
	Convergence(ctx context.Context, experimentId string, target domain.DeploymentState) (bool, error)
	Deployments(ctx context.Context, experimentId string) ([]*domain.Deployment, error)
}

var _ Coordinator = &coordinator.Coordinator{}

// KPIEngine stores samples and computes KPIs.
type KPIEngine interface {
	Ingest(ctx context.Context, samples ...domain.MetricSample) ([]domain.MetricSample, error)
	Compute(ctx context.Context, experimentId string, window domain.Window) (domain.KPIResult, error)
}

// Lifecycle is timing of phases.
type Lifecycle struct {
	// Experiments staying Deploying longer than this fail. Zero means no limit.
	DeployTimeout time.Duration

	// Experiments staying Stopping longer than this fail. Zero means no limit.
	RollbackTimeout time.Duration

	// How long Monitoring waits for enough samples.
	// After that, the experiment is stopped without KPI.
	KPIGracePeriod time.Duration
}

func DefaultLifecycle() Lifecycle {
	return Lifecycle{
		DeployTimeout:   10 * time.Minute,
		RollbackTimeout: 10 * time.Minute,
		KPIGracePeriod:  5 * time.Minute,
	}
}

// Hook is notified on phase transitions with the experiment detail.
//
// Before is called on Start, and vetoes it by returning an error.
type Hook = hook.Hook[apiexperiments.Detail, struct{}]

type Orchestrator struct {
	experiments dbexperiment.Interface
	deployments dbdeployment.Interface
	coordinator Coordinator
	kpi         KPIEngine
	catalog     pipeline.Catalog
	inventory   agent.Inventory

	lifecycle Lifecycle
	hook      Hook
	clock     clock.Clock
	logger    *zap.SugaredLogger
	metrics   *metrics.Metrics
	newId     func() string

	locks *keylock.KeyLock[string]
}

type Option func(*Orchestrator)

func WithLifecycle(l Lifecycle) Option {
	return func(o *Orchestrator) { o.lifecycle = l }
}

// WithInventory enables label selectors in targets.
func WithInventory(inv agent.Inventory) Option {
	return func(o *Orchestrator) { o.inventory = inv }
}

func WithHook(h Hook) Option {
	return func(o *Orchestrator) { o.hook = h }
}

func WithClock(clk clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = clk }
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithIdGenerator replaces the generator of experiment ids. Default is uuid.
func WithIdGenerator(newId func() string) Option {
	return func(o *Orchestrator) { o.newId = newId }
}

func New(
	experiments dbexperiment.Interface,
	deployments dbdeployment.Interface,
	coord Coordinator,
	engine KPIEngine,
	catalog pipeline.Catalog,
	options ...Option,
) *Orchestrator {
	o := &Orchestrator{
		experiments: experiments,
		deployments: deployments,
		coordinator: coord,
		kpi:         engine,
		catalog:     catalog,
		lifecycle:   DefaultLifecycle(),
		hook:        hook.None[apiexperiments.Detail]{},
		clock:       clock.New(),
		logger:      zap.NewNop().Sugar(),
		metrics:     metrics.Discard(),
		newId:       uuid.NewString,
		locks:       keylock.New[string](),
	}
	for _, opt := range options {
		opt(o)
	}
	o.logger = o.logger.Named("orchestrator")
	return o
}
