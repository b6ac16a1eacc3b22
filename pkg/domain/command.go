package domain

import (
	"maps"

	domerr "github.com/opst/pipelab/pkg/domain/errors"
)

type CommandKind string

const (
	CommandDeploy   CommandKind = "deploy"
	CommandStop     CommandKind = "stop"
	CommandRollback CommandKind = "rollback"
)

func (k CommandKind) String() string {
	return string(k)
}

// Command is an instruction to an agent on a host.
//
// Implementations are DeployCommand, StopCommand and RollbackCommand.
type Command interface {
	Kind() CommandKind

	// Target deployment of the command.
	Target() CommandTarget

	// Validate checks required fields of the command.
	Validate() error

	sealed()
}

type CommandTarget struct {
	ExperimentId string
	DeploymentId string
	Variant      Variant
}

func (ct CommandTarget) validate() error {
	if ct.ExperimentId == "" {
		return domerr.NewErrInvalidConfig("command.experiment", "should not be empty")
	}
	if ct.DeploymentId == "" {
		return domerr.NewErrInvalidConfig("command.deployment", "should not be empty")
	}
	if _, err := AsVariant(string(ct.Variant)); err != nil {
		return err
	}
	return nil
}

// DeployCommand asks the agent to run the pipeline.
type DeployCommand struct {
	CommandTarget
	TemplateRef string
	Overrides   map[string]string

	// Rendered pipeline configuration.
	Pipeline string
}

var _ Command = DeployCommand{}

func (DeployCommand) Kind() CommandKind       { return CommandDeploy }
func (c DeployCommand) Target() CommandTarget { return c.CommandTarget }
func (DeployCommand) sealed()                 {}
func (c DeployCommand) Validate() error {
	if err := c.CommandTarget.validate(); err != nil {
		return err
	}
	if c.TemplateRef == "" {
		return domerr.NewErrInvalidConfig("command.templateRef", "should not be empty")
	}
	if c.Pipeline == "" {
		return domerr.NewErrInvalidConfig("command.pipeline", "should not be empty")
	}
	return nil
}

func (c DeployCommand) Equal(o DeployCommand) bool {
	return c.CommandTarget == o.CommandTarget &&
		c.TemplateRef == o.TemplateRef &&
		maps.Equal(c.Overrides, o.Overrides) &&
		c.Pipeline == o.Pipeline
}

// StopCommand asks the agent to cancel an in-progress deploy and restore its previous pipeline.
type StopCommand struct {
	CommandTarget
}

var _ Command = StopCommand{}

func (StopCommand) Kind() CommandKind       { return CommandStop }
func (c StopCommand) Target() CommandTarget { return c.CommandTarget }
func (StopCommand) sealed()                 {}
func (c StopCommand) Validate() error       { return c.CommandTarget.validate() }

// RollbackCommand asks the agent to remove an active pipeline and restore its previous one.
type RollbackCommand struct {
	CommandTarget
}

var _ Command = RollbackCommand{}

func (RollbackCommand) Kind() CommandKind       { return CommandRollback }
func (c RollbackCommand) Target() CommandTarget { return c.CommandTarget }
func (RollbackCommand) sealed()                 {}
func (c RollbackCommand) Validate() error       { return c.CommandTarget.validate() }
