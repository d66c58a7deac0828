package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/ericreilly999/inventory-release/internal/domain"
	"github.com/ericreilly999/inventory-release/internal/environment"
	"github.com/ericreilly999/inventory-release/internal/platform"
)

// SeedRun reports one data seeding task.
type SeedRun struct {
	ReleaseID   string     `json:"release_id"`
	Environment string     `json:"environment"`
	Version     string     `json:"version"`
	TaskHandle  string     `json:"task_handle,omitempty"`
	LogRef      string     `json:"log_ref,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Seed runs the environment's seed command with the release's migration
// image on the same placement and credential path as migrations. Seeding is
// launched once; the operator re-invokes it on failure.
func (e *Executor) Seed(ctx context.Context, rel domain.Release, env environment.Environment) (SeedRun, error) {
	if len(env.SeedCommand) == 0 {
		return SeedRun{}, domain.Errorf(domain.CodeValidation, "%s has no seed command", env.Name)
	}
	key := string(env.Name) + "/seed"
	if !e.claim(key) {
		return SeedRun{}, domain.Errorf(domain.CodeSeedFailed, "seeding already running in %s", env.Name)
	}
	defer e.unclaim(key)

	log := e.logger.With("release_id", rel.ID, "environment", env.Name, "version", rel.Version, "stage", "seeding")
	run := SeedRun{ReleaseID: rel.ID, Environment: string(env.Name), Version: rel.Version, StartedAt: e.now()}

	spec, err := e.taskSpec(ctx, rel, env, "seed", env.SeedCommand)
	if err != nil {
		return run, err
	}
	plat, err := e.platforms.For(env)
	if err != nil {
		return run, domain.Wrap(err, domain.CodeSeedFailed, "resolve platform")
	}
	handle, err := plat.RunTask(ctx, spec)
	if err != nil {
		return run, domain.Wrap(err, domain.CodeSeedFailed, "launch seed task")
	}
	run.TaskHandle = handle.ID
	run.LogRef = handle.LogRef
	log.Info("seed task launched", "task", handle.ID, "log_ref", handle.LogRef)

	out, err := await(ctx, plat, env, handle, e.cfg.PollInterval, e.cfg.SeedTimeout, nil, log)
	run.EndedAt = e.stamp()
	if err != nil {
		return run, domain.Wrap(err, domain.CodeSeedFailed, "await seed task")
	}
	if out.timedOut {
		run.Reason = fmt.Sprintf("seeding did not finish within %s", e.cfg.SeedTimeout)
		return run, domain.Errorf(domain.CodeSeedFailed, "%s (logs %s)", run.Reason, run.LogRef)
	}
	run.ExitCode = out.status.ExitCode
	run.Reason = out.status.Reason
	if run.ExitCode == nil || *run.ExitCode != 0 {
		return run, domain.Errorf(domain.CodeSeedFailed, "seed task failed: %s (logs %s)", describeExit(out.status), run.LogRef)
	}
	log.Info("seed task succeeded", "task", handle.ID)
	return run, nil
}

func describeExit(status platform.TaskStatus) string {
	if status.ExitCode == nil {
		if status.Reason == "" {
			return "stopped without exit code"
		}
		return status.Reason
	}
	if status.Reason == "" {
		return fmt.Sprintf("exit code %d", *status.ExitCode)
	}
	return fmt.Sprintf("exit code %d: %s", *status.ExitCode, status.Reason)
}
