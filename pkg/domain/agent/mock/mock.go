package mock

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/opst/pipelab/pkg/domain"
	"github.com/opst/pipelab/pkg/domain/agent"
)

type SendCommandCall struct {
	Host    string
	Command domain.Command
}

type Agent struct {
	t    *testing.T
	mux  sync.Mutex
	Impl struct {
		SendCommand func(ctx context.Context, host string, cmd domain.Command) error
	}
	Calls struct {
		SendCommand []SendCommandCall
	}
}

var _ agent.Interface = &Agent{}

func New(t *testing.T) *Agent {
	return &Agent{t: t}
}

func (m *Agent) SendCommand(ctx context.Context, host string, cmd domain.Command) error {
	m.t.Helper()

	m.mux.Lock()
	m.Calls.SendCommand = append(m.Calls.SendCommand, SendCommandCall{Host: host, Command: cmd})
	impl := m.Impl.SendCommand
	m.mux.Unlock()

	if impl == nil {
		m.t.Error("SendCommand is not implemented")
		return errors.New("not implemented")
	}
	return impl(ctx, host, cmd)
}

// Sent returns calls so far.
func (m *Agent) Sent() []SendCommandCall {
	m.mux.Lock()
	defer m.mux.Unlock()
	ret := make([]SendCommandCall, len(m.Calls.SendCommand))
	copy(ret, m.Calls.SendCommand)
	return ret
}

type Inventory struct {
	t    *testing.T
	Impl struct {
		Resolve func(ctx context.Context, selector map[string]string) ([]string, error)
	}
	Calls struct {
		Resolve []map[string]string
	}
}

var _ agent.Inventory = &Inventory{}

func NewInventory(t *testing.T) *Inventory {
	return &Inventory{t: t}
}

func (m *Inventory) Resolve(ctx context.Context, selector map[string]string) ([]string, error) {
	m.t.Helper()
	m.Calls.Resolve = append(m.Calls.Resolve, selector)
	if m.Impl.Resolve == nil {
		m.t.Fatal("Resolve is not implemented")
	}
	return m.Impl.Resolve(ctx, selector)
}
