// Package errors defines the kinds of errors which operations on experiments can return.
//
// Each operation returns either nil or an error which wraps exactly one of
// the sentinels in this package. Check them with errors.Is.
package errors

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// Bad input. It is rejected before any state change.
	ErrInvalidConfig = errors.New("invalid config")

	// Unknown experiment or deployment.
	ErrMissing = errors.New("not found")

	// The operation is illegal in the current phase (or state).
	ErrInvalidTransition = errors.New("invalid transition")

	// Communication with an agent (host) has failed. Retryable.
	ErrUnreachable = errors.New("unreachable")

	// KPI computation lacks enough samples.
	ErrInsufficientData = errors.New("insufficient data")

	// Deployment has failed after retries are exhausted.
	ErrDeploymentFailed = errors.New("deployment failed")

	// Persistence or unexpected failure.
	ErrInternal = errors.New("internal error")
)

// ErrNotFound is an alias of ErrMissing.
var ErrNotFound = ErrMissing

// NewErrInvalidConfig returns an error wraps ErrInvalidConfig, describing which field is wrong.
func NewErrInvalidConfig(field string, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidConfig, field, reason)
}

// NewErrInvalidTransition returns an error wraps ErrInvalidTransition.
func NewErrInvalidTransition(subject string, from, to fmt.Stringer) error {
	return fmt.Errorf("%w: %s: %s -> %s", ErrInvalidTransition, subject, from, to)
}

// DeploymentFailure is an error that no host accepted the deploy command.
type DeploymentFailure struct {
	ExperimentID string

	// Variant which has been failed to deploy.
	Variant string

	// Host id -> reason.
	Unreachable map[string]error
}

func (df *DeploymentFailure) Error() string {
	hosts := df.Hosts()
	reasons := make([]string, 0, len(hosts))
	for _, h := range hosts {
		reasons = append(reasons, fmt.Sprintf("%s (%s)", h, df.Unreachable[h]))
	}
	return fmt.Sprintf(
		"%s: experiment %s, variant %s: unreachable hosts: %s",
		ErrDeploymentFailed, df.ExperimentID, df.Variant, strings.Join(reasons, ", "),
	)
}

func (df *DeploymentFailure) Unwrap() error {
	return ErrDeploymentFailed
}

// Hosts returns sorted ids of unreachable hosts.
func (df *DeploymentFailure) Hosts() []string {
	hosts := make([]string, 0, len(df.Unreachable))
	for h := range df.Unreachable {
		hosts = append(hosts, h)
	}
	slices.Sort(hosts)
	return hosts
}
