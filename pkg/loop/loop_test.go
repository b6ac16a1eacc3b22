package loop_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opst/pipelab/pkg/loop"
	"github.com/opst/pipelab/pkg/utils/try"
)

func TestStart(t *testing.T) {
	t.Run("it waits interval between tasks", func(t *testing.T) {
		clk := clock.NewMock()
		period := 10 * time.Second

		mu := sync.Mutex{}
		called := []time.Time{}

		done := make(chan struct{})
		go func() {
			defer close(done)
			loop.Start(
				context.Background(), 0, func(_ context.Context, v int) (int, loop.Next) {
					mu.Lock()
					defer mu.Unlock()
					called = append(called, clk.Now())
					if 3 <= v {
						return v, loop.Break(nil)
					}
					return v + 1, loop.Continue(period)
				},
				loop.WithClock(clk),
			)
		}()

	WAIT:
		for {
			select {
			case <-done:
				break WAIT
			case <-time.After(time.Millisecond):
				clk.Add(period)
			}
		}

		if len(called) != 4 {
			t.Fatalf("task is called: actual=%d times, expect=4 times", len(called))
		}
		for i := 1; i < len(called); i++ {
			if gap := called[i].Sub(called[i-1]); gap < period {
				t.Errorf("gap #%d: actual=%s, expect >= %s", i, gap, period)
			}
		}
	})

	t.Run("it stops when context is cancelled while waiting", func(t *testing.T) {
		clk := clock.NewMock()
		ctx, cancel := context.WithCancel(context.Background())

		actual, err := loop.Start(
			ctx, 1, func(_ context.Context, v int) (int, loop.Next) {
				cancel()
				return v + 1, loop.Continue(time.Hour)
			},
			loop.WithClock(clk),
		)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error: actual=%v, expect=%v", err, context.Canceled)
		}
		if actual != 2 {
			t.Errorf("value: actual=%d, expect=2", actual)
		}
	})

	t.Run("it passes deadlined context when WithTimeout is passed", func(t *testing.T) {
		clk := clock.NewMock()
		timeout := 30 * time.Second

		try.To(loop.Start(
			context.Background(), 1, func(ctx context.Context, v int) (int, loop.Next) {
				deadline, ok := ctx.Deadline()
				if !ok {
					t.Errorf("deadline is not set")
				} else if expected := clk.Now().Add(timeout); !deadline.Equal(expected) {
					t.Errorf("deadline: actual=%s, expect=%s", deadline, expected)
				}

				if 3 <= v {
					return v + 1, loop.Break(nil)
				}
				return v + 1, loop.Continue(0)
			},
			loop.WithTimeout(timeout),
			loop.WithClock(clk),
		)).OrFatal(t)
	})

	t.Run("it passes deadline-free context when WithTimeout is not passed", func(t *testing.T) {
		try.To(loop.Start(
			context.Background(), 1, func(ctx context.Context, v int) (int, loop.Next) {
				if deadline, ok := ctx.Deadline(); ok {
					t.Errorf("deadline is set: %s", deadline)
				}

				if 3 <= v {
					return v + 1, loop.Break(nil)
				}
				return v + 1, loop.Continue(0)
			},
		)).OrFatal(t)
	})

	t.Run("when context has been done before starting, it does nothing", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		actual, err := loop.Start(
			ctx, 1, func(ctx context.Context, v int) (int, loop.Next) {
				return v + 1, loop.Continue(0)
			},
		)

		if !errors.Is(err, context.Canceled) {
			t.Fatal(err)
		}
		if actual != 1 {
			t.Errorf("loop does not honour context")
		}
	})

	t.Run("it repeats task until it does Break", func(t *testing.T) {
		expected := 10
		actual, err := loop.Start(context.Background(), 1, func(ctx context.Context, v int) (int, loop.Next) {
			new := v + 1
			if expected <= new {
				return new, loop.Break(nil)
			}
			return new, loop.Continue(0)
		})

		if err != nil {
			t.Fatal(err)
		}
		if actual != expected {
			t.Errorf("repeats too much/less. (actual, expected) = (%d, %d)", actual, expected)
		}
	})

	t.Run("it repeats task until it does Break with error", func(t *testing.T) {
		expectedErr := errors.New("break!")

		expected := 10
		actual, err := loop.Start(context.Background(), 1, func(ctx context.Context, v int) (int, loop.Next) {
			new := v + 1
			if expected <= new {
				return new, loop.Break(expectedErr)
			}
			return new, loop.Continue(0)
		})

		if !errors.Is(err, expectedErr) {
			t.Errorf("error is unexpected one. (actual, expected) = (%v, %v) ", err, expectedErr)
		}
		if actual != expected {
			t.Errorf("repeats too much/less. (actual, expected) = (%d, %d)", actual, expected)
		}
	})
}
