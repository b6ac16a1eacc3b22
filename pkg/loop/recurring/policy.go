// Package recurring decides how a loop goes on, from what each run has done.
package recurring

import (
	"fmt"
	"strings"
	"time"

	"github.com/opst/pipelab/pkg/loop"
)

// ParsePolicy parses "forever[:COOLDOWN]" or "backlog".
func ParsePolicy(s string) (Policy, error) {
	typ, param, ok := strings.Cut(s, ":")
	switch typ {
	case "forever":
		if !ok || param == "" {
			return Forever(0), nil
		}

		period, err := time.ParseDuration(param)
		if err != nil {
			return nil, fmt.Errorf(`failed to parse: %s as "forever:COOLDOWN": %w`, s, err)
		}
		if period < 0 {
			return nil, fmt.Errorf("cooldown should not be negative: %s", s)
		}
		return Forever(period), nil
	case "backlog":
		if ok {
			return nil, fmt.Errorf("backlog policy does not take parameters: %s", s)
		}
		return Backlog(), nil
	}
	return nil, fmt.Errorf("unknown policy name: %s (should be one of -- forever|backlog)", typ)
}

// Policy decides the next step of a loop from whether the last run changed something.
type Policy interface {
	Next(updated bool, err error) loop.Next
	String() string
}

// Forever restarts immediately while there are things to do.
// Otherwise, it restarts after cooldown.
func Forever(cooldown time.Duration) Policy {
	return forever(cooldown)
}

type forever time.Duration

func (f forever) String() string {
	return fmt.Sprintf("forever:%s", time.Duration(f).String())
}

func (f forever) Next(updated bool, err error) loop.Next {
	if updated {
		return loop.Continue(0)
	}
	return loop.Continue(time.Duration(f))
}

// Backlog restarts immediately while there are things to do.
// Otherwise, Break(nil).
func Backlog() Policy {
	return backlog
}

type backlogPolicy struct{}

func (backlogPolicy) String() string {
	return "backlog"
}

func (backlogPolicy) Next(updated bool, err error) loop.Next {
	if updated {
		return loop.Continue(0)
	}
	return loop.Break(nil)
}

var backlog = backlogPolicy{}

// UntilError breaks with the error, if any. Otherwise, p decides.
func UntilError(p Policy) Policy {
	return untilError{base: p}
}

type untilError struct {
	base Policy
}

func (u untilError) String() string {
	return fmt.Sprintf("%s (until error)", u.base.String())
}

func (u untilError) Next(updated bool, err error) loop.Next {
	if err != nil {
		return loop.Break(err)
	}
	return u.base.Next(updated, err)
}
