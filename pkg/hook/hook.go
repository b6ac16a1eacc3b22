// Package hook notifies external collaborators of lifecycle events.
//
// Before hooks are called before a change, and they can veto it by failing.
// After hooks are called after a change; their failures never revert the change.
package hook

import (
	"context"
	"errors"
)

// Hook is an interface for before/after hooks.
type Hook[T any, R any] interface {
	// Before is called before the value T is processed.
	Before(context.Context, T) (R, error)

	// After is called after the value T is processed.
	After(context.Context, T) error
}

var ErrHookFailed = errors.New("hook failed")
