// Package loop runs a task repeatedly, with intervals the task decides.
package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

type Next struct {
	// if not nil, breaks with error
	err error

	// if quit == true and err == nil, breaks without error
	quit bool

	// otherwise, continue loop with interval.
	interval time.Duration
}

func (n Next) String() string {
	if n.err != nil {
		return fmt.Sprintf("[break] with error: %v", n.err)
	}
	if n.quit {
		return "[break] without error"
	}

	return fmt.Sprintf("[continue] interval: %s", n.interval)
}

// Continue the loop after interval.
func Continue(interval time.Duration) Next {
	return Next{interval: interval}
}

// Break the loop. err may be nil.
func Break(err error) Next {
	return Next{quit: true, err: err}
}

// Task takes the last value and returns the next value and what to do next.
//
// Zero value of Next equals Continue(0).
type Task[T any] func(context.Context, T) (T, Next)

// Start runs task in loop.
//
// The task is called with init at first, and then with the value it returned last time.
// The loop ends when the task returns Break or ctx is done.
//
// Count 1 to 10:
//
//	Start(ctx, 1, func(_ context.Context, value int) (int, Next) {
//		value += 1
//		if 10 <= value {
//			return value, Break(nil)
//		}
//		return value, Continue(0)
//	})
//
// # Returns
//
// - T: the value task returned at last. It is returned even if error is not nil.
//
// - error: error in Break(error), or ctx.Err() when ctx is done.
func Start[T any](ctx context.Context, init T, task Task[T], options ...LoopOption) (T, error) {
	select {
	case <-ctx.Done():
		return init, ctx.Err()
	default:
	}

	lc := &loopConfig{clock: clock.New()}
	for _, opt := range options {
		opt(lc)
	}

	value := init
	for {
		v, n := func() (T, Next) {
			ctx := ctx
			if 0 < lc.timeout {
				c, cancel := lc.clock.WithTimeout(ctx, lc.timeout)
				defer cancel()
				ctx = c
			}
			return task(ctx, value)
		}()

		if n.err != nil {
			return v, n.err
		} else if n.quit {
			return v, nil
		}
		value = v

		timer := lc.clock.Timer(n.interval)
		select {
		case <-ctx.Done():
			// shutting down has priority over the timer.
			timer.Stop()
			return value, ctx.Err()
		case <-timer.C:
		}
	}
}

type loopConfig struct {
	clock   clock.Clock
	timeout time.Duration
}

type LoopOption func(*loopConfig)

// WithTimeout sets timeout on the context passed to each run of the task.
func WithTimeout(d time.Duration) LoopOption {
	return func(lc *loopConfig) {
		lc.timeout = d
	}
}

// WithClock makes the loop wait intervals and timeouts on clk.
func WithClock(clk clock.Clock) LoopOption {
	return func(lc *loopConfig) {
		lc.clock = clk
	}
}
