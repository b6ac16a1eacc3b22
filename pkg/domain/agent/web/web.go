// Package web is an agent adapter which POSTs commands as JSON to an HTTP endpoint on each host.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/opst/pipelab/pkg/domain"
	"github.com/opst/pipelab/pkg/domain/agent"
	domerr "github.com/opst/pipelab/pkg/domain/errors"
)

// Placeholder in endpoint pattern, replaced with host id.
const HostPlaceholder = "{host}"

// Envelope is the JSON payload of a command.
type Envelope struct {
	Kind         string            `json:"kind"`
	ExperimentId string            `json:"experimentId"`
	DeploymentId string            `json:"deploymentId"`
	Variant      string            `json:"variant"`
	TemplateRef  string            `json:"templateRef,omitempty"`
	Overrides    map[string]string `json:"overrides,omitempty"`
	Pipeline     string            `json:"pipeline,omitempty"`
}

func ComposeEnvelope(cmd domain.Command) Envelope {
	t := cmd.Target()
	env := Envelope{
		Kind:         cmd.Kind().String(),
		ExperimentId: t.ExperimentId,
		DeploymentId: t.DeploymentId,
		Variant:      t.Variant.String(),
	}
	if d, ok := cmd.(domain.DeployCommand); ok {
		env.TemplateRef = d.TemplateRef
		env.Overrides = d.Overrides
		env.Pipeline = d.Pipeline
	}
	return env
}

type Host struct {
	Id     string
	Labels map[string]string
}

type Agent struct {
	// URL pattern of agent endpoint, like "http://{host}:8088/commands".
	endpoint string
	client   *http.Client
	hosts    []Host
}

var _ agent.Interface = &Agent{}
var _ agent.Inventory = &Agent{}

type Option func(*Agent)

// WithHTTPClient replaces the http client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Agent) {
		a.client = c
	}
}

// WithHosts sets hosts known to the inventory.
func WithHosts(hosts ...Host) Option {
	return func(a *Agent) {
		a.hosts = append(a.hosts, hosts...)
	}
}

func New(endpoint string, timeout time.Duration, options ...Option) *Agent {
	a := &Agent{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
	for _, o := range options {
		o(a)
	}
	return a
}

func (a *Agent) url(host string) string {
	return strings.ReplaceAll(a.endpoint, HostPlaceholder, host)
}

func (a *Agent) SendCommand(ctx context.Context, host string, cmd domain.Command) error {
	if host == "" {
		return domerr.NewErrInvalidConfig("host", "should not be empty")
	}
	if err := cmd.Validate(); err != nil {
		return err
	}

	buf, err := json.Marshal(ComposeEnvelope(cmd))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url(host), bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("%w: host %s: %w", domerr.ErrInvalidConfig, host, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: host %s: %w", domerr.ErrUnreachable, host, err)
	}
	defer resp.Body.Close()

	if 200 <= resp.StatusCode && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	kind := domerr.ErrUnreachable
	if 400 <= resp.StatusCode && resp.StatusCode < 500 {
		kind = domerr.ErrInvalidConfig
	}
	return fmt.Errorf(
		"%w: host %s: %s %d: %s",
		kind, host, a.url(host), resp.StatusCode, strings.TrimSpace(string(body)),
	)
}

// Resolve returns hosts having all labels in selector.
func (a *Agent) Resolve(ctx context.Context, selector map[string]string) ([]string, error) {
	ret := []string{}
	for _, h := range a.hosts {
		matched := true
		for k, v := range selector {
			if hv, ok := h.Labels[k]; !ok || hv != v {
				matched = false
				break
			}
		}
		if matched && !slices.Contains(ret, h.Id) {
			ret = append(ret, h.Id)
		}
	}
	slices.Sort(ret)
	return ret, nil
}
