package backend

import (
	"time"

	"github.com/opst/pipelab/pkg/kpi"
	"github.com/opst/pipelab/pkg/utils/retry"
)

// DatabaseMemory is a database "url" to keep everything in process.
const DatabaseMemory = "memory"

type AgentKind string

const (
	AgentWeb        AgentKind = "web"
	AgentKubernetes AgentKind = "kubernetes"
)

type BackendConfig struct {
	port      int32
	database  string
	templates string
	agent     *AgentConfig
	retry     *RetryConfig
	lifecycle *LifecycleConfig
	kpi       *KPIConfig
}

// Port of the API server.
func (c *BackendConfig) Port() int32 {
	return c.port
}

// Connection url for postgres, or "memory".
func (c *BackendConfig) Database() string {
	return c.database
}

// Directory of pipeline templates.
func (c *BackendConfig) Templates() string {
	return c.templates
}

func (c *BackendConfig) Agent() *AgentConfig {
	return c.agent
}

func (c *BackendConfig) Retry() *RetryConfig {
	return c.retry
}

func (c *BackendConfig) Lifecycle() *LifecycleConfig {
	return c.lifecycle
}

func (c *BackendConfig) KPI() *KPIConfig {
	return c.kpi
}

// How to talk with agents on hosts.
//
// Exactly one of Web() and Kubernetes() is not nil, as Kind() tells.
type AgentConfig struct {
	kind       AgentKind
	web        *WebAgentConfig
	kubernetes *KubernetesAgentConfig
}

func (a *AgentConfig) Kind() AgentKind {
	return a.kind
}

func (a *AgentConfig) Web() *WebAgentConfig {
	return a.web
}

func (a *AgentConfig) Kubernetes() *KubernetesAgentConfig {
	return a.kubernetes
}

type WebAgentConfig struct {
	endpoint string
	timeout  time.Duration
	hosts    []HostConfig
}

// URL pattern of agents. "{host}" is replaced with host id.
func (w *WebAgentConfig) Endpoint() string {
	return w.endpoint
}

// Timeout of each request to agents.
func (w *WebAgentConfig) Timeout() time.Duration {
	return w.timeout
}

// Hosts known to the inventory, for label selectors.
func (w *WebAgentConfig) Hosts() []HostConfig {
	return w.hosts
}

type HostConfig struct {
	id     string
	labels map[string]string
}

func (h HostConfig) Id() string {
	return h.id
}

func (h HostConfig) Labels() map[string]string {
	return h.labels
}

type KubernetesAgentConfig struct {
	namespace  string
	kubeconfig string
}

// Kubeconfig is the path to kubeconfig. Empty means to detect it.
func (k *KubernetesAgentConfig) Kubeconfig() string {
	return k.kubeconfig
}

// Namespace where ConfigMaps of pipelines are put.
func (k *KubernetesAgentConfig) Namespace() string {
	return k.namespace
}

type RetryConfig struct {
	maxAttempts     int
	initialInterval time.Duration
	multiplier      float64
}

func (r *RetryConfig) MaxAttempts() int {
	return r.maxAttempts
}

func (r *RetryConfig) InitialInterval() time.Duration {
	return r.initialInterval
}

func (r *RetryConfig) Multiplier() float64 {
	return r.multiplier
}

// Policy builds retry.Policy with exponential backoff.
func (r *RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: r.maxAttempts,
		Backoff:     retry.ExponentialBackoff(r.initialInterval, r.multiplier),
	}
}

type LifecycleConfig struct {
	deployTimeout   time.Duration
	rollbackTimeout time.Duration
	kpiGracePeriod  time.Duration
	tickInterval    time.Duration
}

func (l *LifecycleConfig) DeployTimeout() time.Duration {
	return l.deployTimeout
}

func (l *LifecycleConfig) RollbackTimeout() time.Duration {
	return l.rollbackTimeout
}

func (l *LifecycleConfig) KPIGracePeriod() time.Duration {
	return l.kpiGracePeriod
}

// Interval between ticking all experiments.
func (l *LifecycleConfig) TickInterval() time.Duration {
	return l.tickInterval
}

type KPIConfig struct {
	options   kpi.Options
	cacheSize int
	settle    time.Duration
}

func (k *KPIConfig) Options() kpi.Options {
	return k.options
}

// Count of KPI results to be cached.
func (k *KPIConfig) CacheSize() int {
	return k.cacheSize
}

// Windows ended before this long ago are cached.
func (k *KPIConfig) Settle() time.Duration {
	return k.settle
}
