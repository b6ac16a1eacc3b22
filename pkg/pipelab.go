// Package pipelab assembles the control plane from its configuration.
package pipelab

import (
	"context"

	"github.com/benbjohnson/clock"
	bconf "github.com/opst/pipelab/pkg/configs/backend"
	"github.com/opst/pipelab/pkg/coordinator"
	"github.com/opst/pipelab/pkg/domain/agent"
	"github.com/opst/pipelab/pkg/domain/agent/k8s"
	"github.com/opst/pipelab/pkg/domain/agent/web"
	"github.com/opst/pipelab/pkg/domain/pipelab/db"
	"github.com/opst/pipelab/pkg/domain/pipelab/db/inmem"
	"github.com/opst/pipelab/pkg/domain/pipelab/db/postgres"
	xe "github.com/opst/pipelab/pkg/errors"
	"github.com/opst/pipelab/pkg/kpi"
	"github.com/opst/pipelab/pkg/metrics"
	"github.com/opst/pipelab/pkg/orchestrator"
	"github.com/opst/pipelab/pkg/pipeline"
	"github.com/opst/pipelab/pkg/utils/kubeutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
)

type agentPort interface {
	agent.Interface
	agent.Inventory
}

// Plane is the control plane: an orchestrator and what it stands on.
type Plane struct {
	config       *bconf.BackendConfig
	database     db.Database
	orchestrator *orchestrator.Orchestrator
	registry     *prometheus.Registry
	clock        clock.Clock
}

type attachConfig struct {
	logger    *zap.SugaredLogger
	hook      orchestrator.Hook
	database  db.Database
	clientset kubernetes.Interface
	clock     clock.Clock
}

type Option func(*attachConfig)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(ac *attachConfig) { ac.logger = logger }
}

// WithHook sets lifecycle hooks of experiments.
func WithHook(h orchestrator.Hook) Option {
	return func(ac *attachConfig) { ac.hook = h }
}

// WithDatabase uses the database instead of what the config tells.
func WithDatabase(d db.Database) Option {
	return func(ac *attachConfig) { ac.database = d }
}

// WithKubernetes uses the clientset for the kubernetes agent,
// instead of detecting kubeconfig.
func WithKubernetes(clientset kubernetes.Interface) Option {
	return func(ac *attachConfig) { ac.clientset = clientset }
}

func WithClock(clk clock.Clock) Option {
	return func(ac *attachConfig) { ac.clock = clk }
}

// Attach builds the control plane.
//
// It connects to the database and loads pipeline templates.
// The caller should Close the Plane.
func Attach(ctx context.Context, conf *bconf.BackendConfig, options ...Option) (*Plane, error) {
	ac := &attachConfig{logger: zap.NewNop().Sugar(), clock: clock.New()}
	for _, o := range options {
		o(ac)
	}

	catalog, err := pipeline.Load(conf.Templates())
	if err != nil {
		return nil, err
	}

	ag, err := connectAgent(ac, conf.Agent())
	if err != nil {
		return nil, err
	}

	database := ac.database
	if database == nil {
		if database, err = connectDatabase(ctx, conf.Database()); err != nil {
			return nil, err
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	coord := coordinator.New(
		database.Deployment(), database.Experiment(), ag, catalog,
		conf.Retry().Policy(),
		coordinator.WithClock(ac.clock),
		coordinator.WithLogger(ac.logger),
		coordinator.WithMetrics(m),
	)

	kconf := conf.KPI()
	engine, err := kpi.NewEngine(
		database.Metric(), kconf.Options(),
		kpi.WithCache(kconf.CacheSize(), kconf.Settle()),
		kpi.WithClock(ac.clock),
		kpi.WithLogger(ac.logger),
		kpi.WithMetrics(m),
	)
	if err != nil {
		database.Close()
		return nil, err
	}

	lc := conf.Lifecycle()
	opts := []orchestrator.Option{
		orchestrator.WithLifecycle(orchestrator.Lifecycle{
			DeployTimeout:   lc.DeployTimeout(),
			RollbackTimeout: lc.RollbackTimeout(),
			KPIGracePeriod:  lc.KPIGracePeriod(),
		}),
		orchestrator.WithInventory(ag),
		orchestrator.WithClock(ac.clock),
		orchestrator.WithLogger(ac.logger),
		orchestrator.WithMetrics(m),
	}
	if ac.hook != nil {
		opts = append(opts, orchestrator.WithHook(ac.hook))
	}

	return &Plane{
		config:   conf,
		database: database,
		orchestrator: orchestrator.New(
			database.Experiment(), database.Deployment(), coord, engine, catalog, opts...,
		),
		registry: registry,
		clock:    ac.clock,
	}, nil
}

func connectDatabase(ctx context.Context, url string) (db.Database, error) {
	if url == bconf.DatabaseMemory {
		return inmem.New(), nil
	}
	return postgres.New(ctx, url, postgres.WithBootstrap())
}

func connectAgent(ac *attachConfig, conf *bconf.AgentConfig) (agentPort, error) {
	switch conf.Kind() {
	case bconf.AgentKubernetes:
		clientset := ac.clientset
		if clientset == nil {
			cs, err := kubeutil.Connect(conf.Kubernetes().Kubeconfig())
			if err != nil {
				return nil, err
			}
			clientset = cs
		}
		return k8s.New(clientset, conf.Kubernetes().Namespace()), nil
	default:
		wconf := conf.Web()
		hosts := make([]web.Host, 0, len(wconf.Hosts()))
		for _, h := range wconf.Hosts() {
			hosts = append(hosts, web.Host{Id: h.Id(), Labels: h.Labels()})
		}
		return web.New(wconf.Endpoint(), wconf.Timeout(), web.WithHosts(hosts...)), nil
	}
}

func (p *Plane) Config() *bconf.BackendConfig {
	return p.config
}

func (p *Plane) Database() db.Database {
	return p.database
}

func (p *Plane) Orchestrator() *orchestrator.Orchestrator {
	return p.orchestrator
}

// Clock is what the control plane regards as now.
func (p *Plane) Clock() clock.Clock {
	return p.clock
}

// Registry has collectors of the control plane, for /metrics.
func (p *Plane) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Plane) Close() error {
	if err := p.database.Close(); err != nil {
		return xe.Wrap(err)
	}
	return nil
}
