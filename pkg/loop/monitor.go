package loop

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Monitored wraps task to log the start and end of each run.
func Monitored[T any](logger *zap.SugaredLogger, task Task[T]) Task[T] {
	var count uint64
	return func(ctx context.Context, t T) (ret T, next Next) {
		count += 1
		run := count
		begin := time.Now()
		logger.Debugw("task start", "run", run)

		defer func() {
			logger.Debugw(
				"task end",
				"run", run, "elapsed", time.Since(begin), "next", next.String(), "value", ret,
			)
		}()

		ret, next = task(ctx, t)
		return
	}
}
