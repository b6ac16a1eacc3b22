// Package agent is the boundary to agents running on hosts.
//
// The control plane sends commands to agents through Interface.
// Agents report back (deployment status and metric samples) through the API server,
// not through this package.
package agent

import (
	"context"

	"github.com/opst/pipelab/pkg/domain"
)

type Interface interface {
	// SendCommand delivers a command to the agent on the host.
	//
	// It returns when the agent has accepted the command; it does not wait for the command to take effect.
	//
	// Returns
	//
	// - error: wraps ErrUnreachable when the host cannot be reached (retryable),
	// or ErrInvalidConfig when the command or host is rejected (not retryable).
	SendCommand(ctx context.Context, host string, cmd domain.Command) error
}

// Inventory knows hosts in the fleet.
type Inventory interface {
	// Resolve returns ids of hosts having all of the labels, sorted.
	Resolve(ctx context.Context, selector map[string]string) ([]string, error)
}
