package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ericreilly999/inventory-release/internal/environment"
	"github.com/ericreilly999/inventory-release/internal/platform"
)

var errStillRunning = errors.New("task still running")

// outcome is the terminal observation of a launched task.
type outcome struct {
	status     platform.TaskStatus
	sawRunning bool
	timedOut   bool
}

// launchedWithoutStart reports a task that stopped before its container
// ever ran, so nothing can have touched the schema.
func (o outcome) launchedWithoutStart() bool {
	return !o.timedOut && !o.sawRunning && o.status.ExitCode == nil
}

// await polls the task until it stops or timeout elapses. onRunning fires
// once, the first time the task is observed running.
func await(ctx context.Context, plat platform.Platform, env environment.Environment, handle platform.TaskHandle, interval, timeout time.Duration, onRunning func(), logger *slog.Logger) (outcome, error) {
	var out outcome
	backoff := retry.WithMaxDuration(timeout, retry.NewConstant(interval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		status, err := plat.DescribeTask(ctx, env, handle)
		if err != nil {
			// transient API failures count against the timeout
			logger.Warn("describe task failed", "task", handle.ID, "error", err)
			return retry.RetryableError(errStillRunning)
		}
		switch status.State {
		case platform.TaskStopped:
			out.status = status
			return nil
		case platform.TaskRunning:
			if !out.sawRunning {
				out.sawRunning = true
				if onRunning != nil {
					onRunning()
				}
			}
		}
		return retry.RetryableError(errStillRunning)
	})
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, errStillRunning):
		out.timedOut = true
		return out, nil
	default:
		return out, fmt.Errorf("await task %s: %w", handle.ID, err)
	}
}
