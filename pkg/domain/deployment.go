package domain

import (
	"fmt"
	"time"

	domerr "github.com/opst/pipelab/pkg/domain/errors"
)

type Variant string

const (
	Baseline  Variant = "baseline"
	Candidate Variant = "candidate"
)

func (v Variant) String() string {
	return string(v)
}

func Variants() []Variant {
	return []Variant{Baseline, Candidate}
}

func AsVariant(s string) (Variant, error) {
	switch s {
	case string(Baseline):
		return Baseline, nil
	case string(Candidate):
		return Candidate, nil
	default:
		return "", fmt.Errorf("%w: '%s' is not a variant", domerr.ErrInvalidConfig, s)
	}
}

type DeploymentState string

const (
	// The deployment is recorded, but no command is accepted by the host yet.
	DeploymentPending DeploymentState = "pending"

	// The deploy command is accepted by the host.
	DeploymentDeploying DeploymentState = "deploying"

	// The host reports that the pipeline is active.
	DeploymentActive DeploymentState = "active"

	// The rollback (or stop) command is issued.
	DeploymentRollingBack DeploymentState = "rolling_back"

	// The host reports that the pipeline is rolled back.
	DeploymentRolledBack DeploymentState = "rolled_back"

	// The host has been unreachable, or it reports an error.
	DeploymentFailed DeploymentState = "failed"
)

func (s DeploymentState) String() string {
	return string(s)
}

func DeploymentStates() []DeploymentState {
	return []DeploymentState{
		DeploymentPending, DeploymentDeploying, DeploymentActive,
		DeploymentRollingBack, DeploymentRolledBack, DeploymentFailed,
	}
}

func AsDeploymentState(s string) (DeploymentState, error) {
	for _, st := range DeploymentStates() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: '%s' is not a deployment state", domerr.ErrInvalidConfig, s)
}

func (s DeploymentState) Terminal() bool {
	return s == DeploymentRolledBack || s == DeploymentFailed
}

// RollbackIntended tells the control plane has asked the host to roll back.
func (s DeploymentState) RollbackIntended() bool {
	return s == DeploymentRollingBack || s == DeploymentRolledBack
}

type Deployment struct {
	Id           string
	ExperimentId string
	Variant      Variant
	Host         string

	State DeploymentState

	// Template reference deployed.
	TemplateRef string

	// Count of sending commands to the host.
	Attempts int

	// The last command is not delivered to the host yet.
	//
	// It will be sent again on next rollback.
	CommandPending bool

	// The host has reported Failed after rollback was asked.
	// The pipeline of the deployment may be left on the host.
	RollbackFailed bool

	LastError string

	// Timestamp of the latest accepted report. Zero if no reports.
	LastReportAt time.Time

	// State in the latest accepted report.
	ReportedState DeploymentState

	// Optimistic lock. 0 means the deployment has not been saved.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (d *Deployment) String() string {
	return fmt.Sprintf(
		"deployment{id: %s, experiment: %s, variant: %s, host: %s, state: %s}",
		d.Id, d.ExperimentId, d.Variant, d.Host, d.State,
	)
}

func (d *Deployment) Clone() *Deployment {
	c := *d
	return &c
}

// DeploymentSummary counts deployments by state.
type DeploymentSummary struct {
	Total   int
	ByState map[DeploymentState]int
	Hosts   map[Variant][]HostState
}

type HostState struct {
	Host      string
	State     DeploymentState
	LastError string
}

func Summarize(ds []*Deployment) DeploymentSummary {
	s := DeploymentSummary{
		ByState: map[DeploymentState]int{},
		Hosts:   map[Variant][]HostState{},
	}
	for _, d := range ds {
		s.Total += 1
		s.ByState[d.State] += 1
		s.Hosts[d.Variant] = append(s.Hosts[d.Variant], HostState{
			Host: d.Host, State: d.State, LastError: d.LastError,
		})
	}
	return s
}
