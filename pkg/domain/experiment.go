package domain

import (
	"fmt"
	"maps"
	"slices"
	"time"

	domerr "github.com/opst/pipelab/pkg/domain/errors"
)

type Phase string

const (
	// The experiment is created, and nothing is deployed yet.
	Pending Phase = "pending"

	// Deploy commands are issued. Waiting for agents to report.
	Deploying Phase = "deploying"

	// Both variants are active on all hosts.
	Running Phase = "running"

	// The run duration has elapsed (or a stop is requested). Waiting for KPIs.
	Monitoring Phase = "monitoring"

	// Rollback commands are issued. Waiting for agents to report.
	Stopping Phase = "stopping"

	// All deployments have been rolled back after KPIs were taken.
	Completed Phase = "completed"

	// Deploying or rolling back has failed.
	Failed Phase = "failed"

	// The experiment has been aborted and all deployments have been rolled back.
	RolledBack Phase = "rolled_back"
)

func (p Phase) String() string {
	return string(p)
}

// Phases returns all phases in lifecycle order.
func Phases() []Phase {
	return []Phase{
		Pending, Deploying, Running, Monitoring, Stopping,
		Completed, Failed, RolledBack,
	}
}

func AsPhase(s string) (Phase, error) {
	for _, p := range Phases() {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: '%s' is not a phase", domerr.ErrInvalidConfig, s)
}

// Terminal phases are immutable.
func (p Phase) Terminal() bool {
	switch p {
	case Completed, Failed, RolledBack:
		return true
	default:
		return false
	}
}

// CanTransitionTo tells whether the phase can be changed to `to`.
//
// Transitions are monotonic: no phase can be revisited.
func (p Phase) CanTransitionTo(to Phase) bool {
	switch p {
	case Pending:
		return to == Deploying || to == Failed
	case Deploying:
		return to == Running || to == Failed || to == Stopping
	case Running:
		return to == Monitoring || to == Stopping
	case Monitoring:
		return to == Stopping
	case Stopping:
		return to == Completed || to == RolledBack || to == Failed
	default:
		return false
	}
}

// VariantSpec is a pipeline configuration to be deployed as a variant.
type VariantSpec struct {
	// Reference of pipeline template, like "otel/filter:v2".
	TemplateRef string

	// Template variables.
	Overrides map[string]string
}

func (vs VariantSpec) Equal(o VariantSpec) bool {
	return vs.TemplateRef == o.TemplateRef && maps.Equal(vs.Overrides, o.Overrides)
}

// Targets selects hosts which an experiment is deployed to.
//
// Either (or both) of Hosts and Selector should be given.
type Targets struct {
	// Host ids.
	Hosts []string

	// Label selector. Hosts having all of these labels are selected.
	Selector map[string]string
}

func (t Targets) Empty() bool {
	return len(t.Hosts) == 0 && len(t.Selector) == 0
}

type ExperimentConfig struct {
	Name        string
	Description string

	Baseline  VariantSpec
	Candidate VariantSpec

	Targets Targets

	// Tag of load profile applied to hosts while running. Informative.
	LoadProfile string

	// Length of the run, excluding warm-up.
	Duration time.Duration

	// Samples in warm-up are not used for KPI.
	WarmUp time.Duration
}

// Validate checks config fields which can be checked without collaborators.
//
// Template references are checked by the pipeline catalog.
func (c ExperimentConfig) Validate() error {
	if c.Name == "" {
		return domerr.NewErrInvalidConfig("name", "should not be empty")
	}
	if c.Targets.Empty() {
		return domerr.NewErrInvalidConfig("targets", "should have hosts or selector")
	}
	for _, h := range c.Targets.Hosts {
		if h == "" {
			return domerr.NewErrInvalidConfig("targets.hosts", "host id should not be empty")
		}
	}
	if c.Baseline.TemplateRef == "" {
		return domerr.NewErrInvalidConfig("baseline.templateRef", "should not be empty")
	}
	if c.Candidate.TemplateRef == "" {
		return domerr.NewErrInvalidConfig("candidate.templateRef", "should not be empty")
	}
	if c.Duration <= 0 {
		return domerr.NewErrInvalidConfig("duration", "should be positive")
	}
	if c.WarmUp < 0 {
		return domerr.NewErrInvalidConfig("warmUp", "should not be negative")
	}
	return nil
}

// Spec returns VariantSpec for the variant.
func (c ExperimentConfig) Spec(v Variant) VariantSpec {
	if v == Candidate {
		return c.Candidate
	}
	return c.Baseline
}

type Experiment struct {
	Id     string
	Config ExperimentConfig

	// Resolved target hosts, sorted. Immutable after creation.
	Hosts []string

	Phase Phase

	// When the experiment has entered each phase.
	PhaseTimes map[Phase]time.Time

	// Stop is requested (by operator or anomaly detector).
	//
	// Once set, ticks never advance through Running or Monitoring.
	StopRequested bool

	// Stop is an abort. Experiment ends in RolledBack instead of Completed.
	Aborted bool

	StopReason string

	LastError string

	// KPI snapshot taken in Monitoring phase.
	KPI *KPIResult

	// Optimistic lock. 0 means the experiment has not been saved.
	Version int64

	UpdatedAt time.Time
}

func (e *Experiment) CreatedAt() time.Time {
	return e.PhaseTimes[Pending]
}

// EnteredAt returns when the experiment has entered the phase, if it has.
func (e *Experiment) EnteredAt(p Phase) (time.Time, bool) {
	t, ok := e.PhaseTimes[p]
	return t, ok
}

// TransitTo changes the phase and records when.
//
// It returns an error wraps ErrInvalidTransition if the transition is illegal.
func (e *Experiment) TransitTo(to Phase, now time.Time) error {
	if !e.Phase.CanTransitionTo(to) {
		return domerr.NewErrInvalidTransition("experiment "+e.Id, e.Phase, to)
	}
	if e.PhaseTimes == nil {
		e.PhaseTimes = map[Phase]time.Time{}
	}
	e.Phase = to
	e.PhaseTimes[to] = now
	e.UpdatedAt = now
	return nil
}

// RunEnds returns when the run duration (with warm-up) elapses.
//
// The second return value is false when the experiment has not been Running.
func (e *Experiment) RunEnds() (time.Time, bool) {
	r, ok := e.PhaseTimes[Running]
	if !ok {
		return time.Time{}, false
	}
	return r.Add(e.Config.WarmUp).Add(e.Config.Duration), true
}

// DefaultWindow is the window for KPIs when no window is requested.
//
// It starts after warm-up of running (or, creation if not running yet),
// and ends at entering Monitoring (or now, if not yet).
func (e *Experiment) DefaultWindow(now time.Time) Window {
	start := e.CreatedAt()
	if r, ok := e.PhaseTimes[Running]; ok {
		start = r.Add(e.Config.WarmUp)
	}
	end := now
	if m, ok := e.PhaseTimes[Monitoring]; ok {
		end = m
	}
	if end.Before(start) {
		end = start
	}
	return Window{Start: start, End: end}
}

func (e *Experiment) Clone() *Experiment {
	c := *e
	c.Hosts = slices.Clone(e.Hosts)
	c.Config.Targets.Hosts = slices.Clone(e.Config.Targets.Hosts)
	c.Config.Targets.Selector = maps.Clone(e.Config.Targets.Selector)
	c.Config.Baseline.Overrides = maps.Clone(e.Config.Baseline.Overrides)
	c.Config.Candidate.Overrides = maps.Clone(e.Config.Candidate.Overrides)
	c.PhaseTimes = maps.Clone(e.PhaseTimes)
	if e.KPI != nil {
		k := *e.KPI
		c.KPI = &k
	}
	return &c
}

type ExperimentFilter struct {
	// Experiments in any of these phases. Empty matches all.
	Phases []Phase

	// Experiments created at or after this. Zero matches all.
	CreatedSince time.Time

	// Experiments created before this. Zero matches all.
	CreatedUntil time.Time
}

func (f ExperimentFilter) Match(e *Experiment) bool {
	if 0 < len(f.Phases) && !slices.Contains(f.Phases, e.Phase) {
		return false
	}
	created := e.CreatedAt()
	if !f.CreatedSince.IsZero() && created.Before(f.CreatedSince) {
		return false
	}
	if !f.CreatedUntil.IsZero() && !created.Before(f.CreatedUntil) {
		return false
	}
	return true
}
