// Package experiments defines JSON representations of experiments in the API.
//
// Reductions are presented in percent. Internally, they are fractions.
package experiments

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/opst/pipelab/pkg/domain"
	"github.com/opst/pipelab/pkg/utils/rfctime"
)

// Duration is a time.Duration expressed as a string like "30m" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

type Variant struct {
	TemplateRef string            `json:"templateRef"`
	Overrides   map[string]string `json:"overrides,omitempty"`
}

type Targets struct {
	Hosts    []string          `json:"hosts,omitempty"`
	Selector map[string]string `json:"selector,omitempty"`
}

// Config is a request to create an experiment, and a part of its detail.
type Config struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Baseline    Variant  `json:"baseline"`
	Candidate   Variant  `json:"candidate"`
	Targets     Targets  `json:"targets"`
	LoadProfile string   `json:"loadProfile,omitempty"`
	Duration    Duration `json:"duration"`
	WarmUp      Duration `json:"warmUp,omitempty"`
}

func (c Config) Domain() domain.ExperimentConfig {
	return domain.ExperimentConfig{
		Name:        c.Name,
		Description: c.Description,
		Baseline: domain.VariantSpec{
			TemplateRef: c.Baseline.TemplateRef, Overrides: maps.Clone(c.Baseline.Overrides),
		},
		Candidate: domain.VariantSpec{
			TemplateRef: c.Candidate.TemplateRef, Overrides: maps.Clone(c.Candidate.Overrides),
		},
		Targets: domain.Targets{
			Hosts:    slices.Clone(c.Targets.Hosts),
			Selector: maps.Clone(c.Targets.Selector),
		},
		LoadProfile: c.LoadProfile,
		Duration:    time.Duration(c.Duration),
		WarmUp:      time.Duration(c.WarmUp),
	}
}

func ComposeConfig(c domain.ExperimentConfig) Config {
	return Config{
		Name:        c.Name,
		Description: c.Description,
		Baseline:    Variant{TemplateRef: c.Baseline.TemplateRef, Overrides: c.Baseline.Overrides},
		Candidate:   Variant{TemplateRef: c.Candidate.TemplateRef, Overrides: c.Candidate.Overrides},
		Targets:     Targets{Hosts: c.Targets.Hosts, Selector: c.Targets.Selector},
		LoadProfile: c.LoadProfile,
		Duration:    Duration(c.Duration),
		WarmUp:      Duration(c.WarmUp),
	}
}

type Summary struct {
	ExperimentId string          `json:"experimentId"`
	Name         string          `json:"name"`
	Phase        string          `json:"phase"`
	CreatedAt    rfctime.RFC3339 `json:"createdAt"`
	UpdatedAt    rfctime.RFC3339 `json:"updatedAt"`
}

func ComposeSummary(e *domain.Experiment) Summary {
	return Summary{
		ExperimentId: e.Id,
		Name:         e.Config.Name,
		Phase:        e.Phase.String(),
		CreatedAt:    rfctime.RFC3339(e.CreatedAt()),
		UpdatedAt:    rfctime.RFC3339(e.UpdatedAt),
	}
}

type Detail struct {
	Summary
	Config        Config                     `json:"config"`
	Hosts         []string                   `json:"hosts"`
	PhaseTimes    map[string]rfctime.RFC3339 `json:"phaseTimes"`
	StopRequested bool                       `json:"stopRequested,omitempty"`
	Aborted       bool                       `json:"aborted,omitempty"`
	StopReason    string                     `json:"stopReason,omitempty"`
	LastError     string                     `json:"lastError,omitempty"`
	KPI           *KPI                       `json:"kpi,omitempty"`
	Deployments   DeploymentSummary          `json:"deployments"`
}

func ComposeDetail(e *domain.Experiment, summary domain.DeploymentSummary) Detail {
	times := map[string]rfctime.RFC3339{}
	for p, t := range e.PhaseTimes {
		times[p.String()] = rfctime.RFC3339(t)
	}
	var kpi *KPI
	if e.KPI != nil {
		k := ComposeKPI(*e.KPI)
		kpi = &k
	}
	return Detail{
		Summary:       ComposeSummary(e),
		Config:        ComposeConfig(e.Config),
		Hosts:         e.Hosts,
		PhaseTimes:    times,
		StopRequested: e.StopRequested,
		Aborted:       e.Aborted,
		StopReason:    e.StopReason,
		LastError:     e.LastError,
		KPI:           kpi,
		Deployments:   ComposeDeploymentSummary(summary),
	}
}

type HostState struct {
	Host      string `json:"host"`
	State     string `json:"state"`
	LastError string `json:"lastError,omitempty"`
}

type DeploymentSummary struct {
	Total   int                    `json:"total"`
	ByState map[string]int         `json:"byState"`
	Hosts   map[string][]HostState `json:"hosts"`
}

func ComposeDeploymentSummary(s domain.DeploymentSummary) DeploymentSummary {
	ret := DeploymentSummary{
		Total:   s.Total,
		ByState: map[string]int{},
		Hosts:   map[string][]HostState{},
	}
	for st, n := range s.ByState {
		ret.ByState[st.String()] = n
	}
	for v, hs := range s.Hosts {
		for _, h := range hs {
			ret.Hosts[v.String()] = append(ret.Hosts[v.String()], HostState{
				Host: h.Host, State: h.State.String(), LastError: h.LastError,
			})
		}
	}
	return ret
}

type Deployment struct {
	DeploymentId string          `json:"deploymentId"`
	ExperimentId string          `json:"experimentId"`
	Variant      string          `json:"variant"`
	Host         string          `json:"host"`
	State        string          `json:"state"`
	LastError    string          `json:"lastError,omitempty"`
	UpdatedAt    rfctime.RFC3339 `json:"updatedAt"`
}

func ComposeDeployment(d *domain.Deployment) Deployment {
	return Deployment{
		DeploymentId: d.Id,
		ExperimentId: d.ExperimentId,
		Variant:      d.Variant.String(),
		Host:         d.Host,
		State:        d.State.String(),
		LastError:    d.LastError,
		UpdatedAt:    rfctime.RFC3339(d.UpdatedAt),
	}
}

type Window struct {
	Start rfctime.RFC3339 `json:"start"`
	End   rfctime.RFC3339 `json:"end"`
}

type Comparison struct {
	Baseline  float64 `json:"baseline"`
	Candidate float64 `json:"candidate"`
	Delta     float64 `json:"delta"`

	// Reduction in percent. Absent when it is not available.
	ReductionPercent *float64 `json:"reductionPercent,omitempty"`

	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

func ComposeComparison(c domain.Comparison) Comparison {
	ret := Comparison{
		Baseline:  c.Baseline,
		Candidate: c.Candidate,
		Delta:     c.Delta,
		Available: c.Available,
		Reason:    c.Reason,
	}
	if c.Available {
		p := c.Reduction * 100
		ret.ReductionPercent = &p
	}
	return ret
}

type KPI struct {
	ExperimentId     string     `json:"experimentId"`
	Window           Window     `json:"window"`
	BaselineSamples  int        `json:"baselineSamples"`
	CandidateSamples int        `json:"candidateSamples"`
	Cardinality      Comparison `json:"cardinality"`
	Cost             Comparison `json:"cost"`
	CPU              Comparison `json:"cpu"`
	Memory           Comparison `json:"memory"`
}

func ComposeKPI(r domain.KPIResult) KPI {
	return KPI{
		ExperimentId: r.ExperimentId,
		Window: Window{
			Start: rfctime.RFC3339(r.Window.Start),
			End:   rfctime.RFC3339(r.Window.End),
		},
		BaselineSamples:  r.BaselineSamples,
		CandidateSamples: r.CandidateSamples,
		Cardinality:      ComposeComparison(r.Cardinality),
		Cost:             ComposeComparison(r.Cost),
		CPU:              ComposeComparison(r.CPU),
		Memory:           ComposeComparison(r.Memory),
	}
}

type Event struct {
	Seq     int64             `json:"seq"`
	Type    string            `json:"type"`
	Payload map[string]string `json:"payload,omitempty"`
	At      rfctime.RFC3339   `json:"at"`
}

func ComposeEvent(ev domain.Event) Event {
	return Event{Seq: ev.Seq, Type: ev.Type.String(), Payload: ev.Payload, At: rfctime.RFC3339(ev.At)}
}

// StopRequest is a body of stop and abort requests.
type StopRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Anomaly is a notification from an anomaly detector.
type Anomaly struct {
	ExperimentId string `json:"experimentId"`
	Reason       string `json:"reason"`
}

// StatusReport is a report of a deployment from an agent.
type StatusReport struct {
	State string `json:"state"`

	// When the state is observed. If missing, the time of receipt is used.
	Timestamp *rfctime.RFC3339 `json:"timestamp,omitempty"`

	Error string `json:"error,omitempty"`
}

// Sample is a metric sample from an agent.
type Sample struct {
	ExperimentId string            `json:"experimentId"`
	Variant      string            `json:"variant"`
	Host         string            `json:"host"`
	Name         string            `json:"name"`
	Value        float64           `json:"value"`
	Labels       map[string]string `json:"labels,omitempty"`
	Timestamp    *rfctime.RFC3339  `json:"timestamp,omitempty"`
}

func (s Sample) Domain() domain.MetricSample {
	ms := domain.MetricSample{
		ExperimentId: s.ExperimentId,
		Variant:      domain.Variant(s.Variant),
		Host:         s.Host,
		Name:         s.Name,
		Value:        s.Value,
		Labels:       s.Labels,
	}
	if s.Timestamp != nil {
		ms.Timestamp = s.Timestamp.Time()
	}
	return ms
}

// Ingested is a response to metric samples.
type Ingested struct {
	Accepted int `json:"accepted"`
}
