package retry

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
)

// Backoff returns how long to wait before the n-th retry (n >= 1).
type Backoff func(n int) time.Duration

// StaticBackoff returns a Backoff function that waits for a fixed interval.
func StaticBackoff(interval time.Duration) Backoff {
	return ExponentialBackoff(interval, 1)
}

// ExponentialBackoff returns a Backoff function that waits with exponential backoff.
//
// # Args
//
// - initialInterval: interval before the first retry.
//
// - r: multiplier of interval.
//
// # Returns
//
// Backoff function. Before N-th retry, it waits for `initialInterval * r^(N-1)`.
func ExponentialBackoff(initialInterval time.Duration, r float64) Backoff {
	return func(n int) time.Duration {
		if n < 1 {
			n = 1
		}
		return time.Duration(float64(initialInterval) * math.Pow(r, float64(n-1)))
	}
}

// Policy is a bounded retry policy.
type Policy struct {
	// Max count of calls, including the first one. Values less than 1 are treated as 1.
	MaxAttempts int

	// Wait between attempts. nil means no wait.
	Backoff Backoff

	// Which errors are retried. nil means all errors.
	RetryIf func(error) bool

	// Clock to wait on. nil means the wall clock.
	Clock clock.Clock
}

// Do calls f until it returns nil, a non-retryable error, or attempts are exhausted.
//
// # Args
//
// - ctx: context. If it is done while waiting, Do returns ctx.Err().
//
// - f: function to be called. attempt starts from 1.
//
// # Returns
//
// - int: count of calls of f.
//
// - error: the last error returned by f, or ctx.Err().
func (p Policy) Do(ctx context.Context, f func(ctx context.Context, attempt int) error) (int, error) {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}

	attempt := 0
	for {
		attempt += 1
		err := f(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if max <= attempt {
			return attempt, err
		}
		if p.RetryIf != nil && !p.RetryIf(err) {
			return attempt, err
		}
		if err := p.wait(ctx, attempt); err != nil {
			return attempt, err
		}
	}
}

func (p Policy) wait(ctx context.Context, n int) error {
	if p.Backoff == nil {
		return ctx.Err()
	}
	d := p.Backoff(n)
	if d <= 0 {
		return ctx.Err()
	}

	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	timer := clk.Timer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
