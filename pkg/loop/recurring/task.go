package recurring

import (
	"context"

	"github.com/opst/pipelab/pkg/loop"
)

// Task is a run of a recurring loop.
//
// Return:
//
// - T : same as T of loop.Task[T]
//
// - bool : true when this run has changed something, and more backlog can be.
//
// - error : error of this run. Whether it breaks the loop depends on Policy.
type Task[T any] func(context.Context, T) (T, bool, error)

// Applied makes a loop.Task which runs rt and then asks p for the next step.
func (rt Task[T]) Applied(p Policy) loop.Task[T] {
	return func(ctx context.Context, t T) (T, loop.Next) {
		new, ok, err := rt(ctx, t)
		return new, p.Next(ok, err)
	}
}
