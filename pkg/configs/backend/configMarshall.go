package backend

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/opst/pipelab/pkg/domain/agent/web"
	"github.com/opst/pipelab/pkg/kpi"
)

type Marshalled[S any] interface {
	trySeal(string) S
}

// seal marshalled object.
//
// this function CAN CAUSE PANIC if misconfiguration is found.
//
// All types named `pkg/configs/backend.XxxMarshall` are `Marshalled[*Xxx]` .
func TrySeal[S any](conf Marshalled[S]) S {
	return conf.trySeal("(root)")
}

type BackendConfigMarshall struct {
	Port      int32                    `yaml:"port,omitempty"`
	Database  string                   `yaml:"database"`
	Templates string                   `yaml:"templates"`
	Agent     *AgentConfigMarshall     `yaml:"agent"`
	Retry     *RetryConfigMarshall     `yaml:"retry,omitempty"`
	Lifecycle *LifecycleConfigMarshall `yaml:"lifecycle,omitempty"`
	KPI       *KPIConfigMarshall       `yaml:"kpi,omitempty"`
}

var _ Marshalled[*BackendConfig] = &BackendConfigMarshall{}

func (b *BackendConfigMarshall) trySeal(path string) *BackendConfig {
	port := b.Port
	if port == 0 {
		port = 8080
	}
	if port < 0 || 65535 < port {
		panic(fmt.Sprintf("%s.port should be in 1-65535: %d", path, port))
	}

	database := required(b.Database, path+".database")
	if database != DatabaseMemory {
		if _, err := pgxpool.ParseConfig(database); err != nil {
			panic(fmt.Errorf("%s.database should be %s or postgres url: %w", path, DatabaseMemory, err))
		}
	}

	return &BackendConfig{
		port:      port,
		database:  database,
		templates: required(b.Templates, path+".templates"),
		agent:     nonnil(b.Agent, path+".agent").trySeal(path + ".agent"),
		retry:     orDefault(b.Retry).trySeal(path + ".retry"),
		lifecycle: orDefault(b.Lifecycle).trySeal(path + ".lifecycle"),
		kpi:       orDefault(b.KPI).trySeal(path + ".kpi"),
	}
}

type AgentConfigMarshall struct {
	Web        *WebAgentConfigMarshall        `yaml:"web,omitempty"`
	Kubernetes *KubernetesAgentConfigMarshall `yaml:"kubernetes,omitempty"`
}

func (a *AgentConfigMarshall) trySeal(path string) *AgentConfig {
	switch {
	case a.Web != nil && a.Kubernetes != nil:
		panic(path + " should have only one of web or kubernetes")
	case a.Web != nil:
		return &AgentConfig{kind: AgentWeb, web: a.Web.trySeal(path + ".web")}
	case a.Kubernetes != nil:
		return &AgentConfig{
			kind: AgentKubernetes, kubernetes: a.Kubernetes.trySeal(path + ".kubernetes"),
		}
	default:
		panic(path + " should have one of web or kubernetes")
	}
}

type WebAgentConfigMarshall struct {
	Endpoint string               `yaml:"endpoint"`
	Timeout  time.Duration        `yaml:"timeout,omitempty"`
	Hosts    []HostConfigMarshall `yaml:"hosts,omitempty"`
}

func (w *WebAgentConfigMarshall) trySeal(path string) *WebAgentConfig {
	endpoint := required(w.Endpoint, path+".endpoint")
	if !strings.Contains(endpoint, web.HostPlaceholder) {
		panic(fmt.Sprintf("%s.endpoint should contain %s: %s", path, web.HostPlaceholder, endpoint))
	}
	timeout := w.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	hosts := make([]HostConfig, 0, len(w.Hosts))
	for i, h := range w.Hosts {
		hosts = append(hosts, h.trySeal(fmt.Sprintf("%s.hosts[%d]", path, i)))
	}
	return &WebAgentConfig{
		endpoint: endpoint,
		timeout:  positive(timeout, path+".timeout"),
		hosts:    hosts,
	}
}

type HostConfigMarshall struct {
	Id     string            `yaml:"id"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

func (h HostConfigMarshall) trySeal(path string) HostConfig {
	return HostConfig{id: required(h.Id, path+".id"), labels: h.Labels}
}

type KubernetesAgentConfigMarshall struct {
	Namespace  string `yaml:"namespace"`
	Kubeconfig string `yaml:"kubeconfig,omitempty"`
}

func (k *KubernetesAgentConfigMarshall) trySeal(path string) *KubernetesAgentConfig {
	return &KubernetesAgentConfig{
		namespace:  required(k.Namespace, path+".namespace"),
		kubeconfig: k.Kubeconfig,
	}
}

type RetryConfigMarshall struct {
	MaxAttempts     int           `yaml:"maxAttempts,omitempty"`
	InitialInterval time.Duration `yaml:"initialInterval,omitempty"`
	Multiplier      float64       `yaml:"multiplier,omitempty"`
}

func (r *RetryConfigMarshall) trySeal(path string) *RetryConfig {
	ret := &RetryConfig{maxAttempts: 3, initialInterval: time.Second, multiplier: 2}
	if r.MaxAttempts != 0 {
		ret.maxAttempts = positive(r.MaxAttempts, path+".maxAttempts")
	}
	if r.InitialInterval != 0 {
		ret.initialInterval = positive(r.InitialInterval, path+".initialInterval")
	}
	if r.Multiplier != 0 {
		if r.Multiplier < 1 {
			panic(fmt.Sprintf("%s.multiplier should be 1 or more: %v", path, r.Multiplier))
		}
		ret.multiplier = r.Multiplier
	}
	return ret
}

type LifecycleConfigMarshall struct {
	DeployTimeout   time.Duration `yaml:"deployTimeout,omitempty"`
	RollbackTimeout time.Duration `yaml:"rollbackTimeout,omitempty"`
	KPIGracePeriod  time.Duration `yaml:"kpiGracePeriod,omitempty"`
	TickInterval    time.Duration `yaml:"tickInterval,omitempty"`
}

func (l *LifecycleConfigMarshall) trySeal(path string) *LifecycleConfig {
	or := func(d time.Duration, def time.Duration, path string) time.Duration {
		if d == 0 {
			return def
		}
		return positive(d, path)
	}
	return &LifecycleConfig{
		deployTimeout:   or(l.DeployTimeout, 10*time.Minute, path+".deployTimeout"),
		rollbackTimeout: or(l.RollbackTimeout, 10*time.Minute, path+".rollbackTimeout"),
		kpiGracePeriod:  or(l.KPIGracePeriod, 5*time.Minute, path+".kpiGracePeriod"),
		tickInterval:    or(l.TickInterval, 10*time.Second, path+".tickInterval"),
	}
}

type KPIConfigMarshall struct {
	MinSamples    int           `yaml:"minSamples,omitempty"`
	CostMetric    string        `yaml:"costMetric,omitempty"`
	CPUMetric     string        `yaml:"cpuMetric,omitempty"`
	MemoryMetric  string        `yaml:"memoryMetric,omitempty"`
	CardinalityBy string        `yaml:"cardinalityBy,omitempty"`
	CacheSize     int           `yaml:"cacheSize,omitempty"`
	Settle        time.Duration `yaml:"settle,omitempty"`
}

func (k *KPIConfigMarshall) trySeal(path string) *KPIConfig {
	opts := kpi.DefaultOptions()
	if k.MinSamples != 0 {
		opts.MinSamples = positive(k.MinSamples, path+".minSamples")
	}
	if k.CostMetric != "" {
		opts.CostMetric = k.CostMetric
	}
	if k.CPUMetric != "" {
		opts.CPUMetric = k.CPUMetric
	}
	if k.MemoryMetric != "" {
		opts.MemoryMetric = k.MemoryMetric
	}
	if k.CardinalityBy != "" {
		by, err := kpi.AsCardinalityBy(k.CardinalityBy)
		if err != nil {
			panic(fmt.Errorf("%s.cardinalityBy: %w", path, err))
		}
		opts.CardinalityBy = by
	}
	if err := opts.Validate(); err != nil {
		panic(fmt.Errorf("%s: %w", path, err))
	}

	ret := &KPIConfig{options: opts, cacheSize: 128, settle: time.Minute}
	if k.CacheSize != 0 {
		ret.cacheSize = positive(k.CacheSize, path+".cacheSize")
	}
	if k.Settle != 0 {
		ret.settle = positive(k.Settle, path+".settle")
	}
	return ret
}

func nonnil[T any](v *T, path string) *T {
	if v == nil {
		panic(path + " is required")
	}
	return v
}

// orDefault returns v, or zero value of T when v is nil.
func orDefault[T any](v *T) *T {
	if v == nil {
		return new(T)
	}
	return v
}

func required[T comparable](v T, path string) T {
	if v == *new(T) {
		panic(path + " is required")
	}
	return v
}

func positive[T int | int32 | time.Duration](v T, path string) T {
	if v <= 0 {
		panic(fmt.Sprintf("%s should be positive: %v", path, v))
	}
	return v
}
