// Package migration runs schema migrations and data seeding as isolated
// tasks inside an environment's private network placement.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/ericreilly999/inventory-release/internal/domain"
	"github.com/ericreilly999/inventory-release/internal/environment"
	"github.com/ericreilly999/inventory-release/internal/platform"
	"github.com/ericreilly999/inventory-release/internal/repository"
	"github.com/ericreilly999/inventory-release/internal/secrets"
)

const (
	// DatabaseURLVar is the single credential injected into migration tasks.
	DatabaseURLVar = "DATABASE_URL"

	defaultPollInterval = 10 * time.Second
	defaultTimeout      = 15 * time.Minute
)

// Platforms resolves the runtime adapter for an environment.
type Platforms interface {
	For(env environment.Environment) (platform.Platform, error)
}

// Services looks up service definitions.
type Services interface {
	Service(name string) (environment.Service, bool)
}

// Config tunes the executor.
type Config struct {
	LaunchAttempts int
	PollInterval   time.Duration
	// SeedTimeout bounds seeding tasks; migrations use the environment's
	// migration timeout.
	SeedTimeout time.Duration
}

// Executor launches one migration task per release and blocks on its outcome.
type Executor struct {
	platforms Platforms
	guard     secrets.Guard
	runs      repository.MigrationRunRepository
	services  Services
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewExecutor constructs an Executor.
func NewExecutor(platforms Platforms, guard secrets.Guard, runs repository.MigrationRunRepository, services Services, cfg Config, logger *slog.Logger) *Executor {
	if cfg.LaunchAttempts < 1 {
		cfg.LaunchAttempts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.SeedTimeout <= 0 {
		cfg.SeedTimeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		platforms: platforms,
		guard:     guard,
		runs:      runs,
		services:  services,
		cfg:       cfg,
		logger:    logger.With("component", "migration"),
		now:       func() time.Time { return time.Now().UTC() },
		inflight:  make(map[string]struct{}),
	}
}

// Execute applies pending migrations for rel in env. It returns the final
// MigrationRun and, unless the run succeeded, a coded error. Launch
// failures are retried because nothing ran; a task that started is never
// retried.
func (e *Executor) Execute(ctx context.Context, rel domain.Release, env environment.Environment) (domain.MigrationRun, error) {
	key := string(env.Name) + "/" + rel.Version
	if !e.claim(key) {
		return domain.MigrationRun{}, domain.Errorf(domain.CodeMigrationInProgress, "migration for %s already running in this process", key)
	}
	defer e.unclaim(key)

	log := e.logger.With("release_id", rel.ID, "environment", env.Name, "version", rel.Version, "stage", domain.StatusMigrating)

	active, err := e.runs.ActiveMigrationRun(ctx, string(env.Name))
	switch {
	case err == nil:
		return domain.MigrationRun{}, domain.Errorf(domain.CodeMigrationInProgress, "migration %s for release %s is %s", active.ID, active.ReleaseID, active.State)
	case !errors.Is(err, repository.ErrNotFound):
		return domain.MigrationRun{}, fmt.Errorf("check active migrations: %w", err)
	}

	spec, err := e.taskSpec(ctx, rel, env, "migrate", env.Migration.Command)
	if err != nil {
		run := e.newRun(rel, env)
		run.State = domain.MigrationLaunchError
		run.Reason = domain.Reason(err)
		run.EndedAt = e.stamp()
		if cerr := e.runs.CreateMigrationRun(ctx, &run); cerr != nil {
			log.Error("record migration launch error", "error", cerr)
		}
		return run, err
	}

	timeout := env.Migration.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	plat, err := e.platforms.For(env)
	if err != nil {
		return domain.MigrationRun{}, domain.Wrap(err, domain.CodeMigrationLaunchFailed, "resolve platform")
	}

	var (
		run     domain.MigrationRun
		lastErr error
	)
	backoff := retry.WithMaxRetries(uint64(e.cfg.LaunchAttempts-1), retry.NewConstant(e.cfg.PollInterval))
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		run = e.newRun(rel, env)
		run.State = domain.MigrationLaunching
		if err := e.runs.CreateMigrationRun(ctx, &run); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return domain.Errorf(domain.CodeMigrationInProgress, "another migration is active in %s", env.Name)
			}
			return fmt.Errorf("record migration run: %w", err)
		}

		handle, err := plat.RunTask(ctx, spec)
		if err != nil {
			lastErr = err
			e.finish(ctx, &run, domain.MigrationLaunchError, nil, err.Error(), log)
			if platform.IsLaunchError(err) {
				log.Warn("migration task launch failed", "attempt", attempt, "error", err)
				return retry.RetryableError(err)
			}
			return domain.Wrap(err, domain.CodeMigrationLaunchFailed, "launch migration task")
		}
		run.TaskHandle = handle.ID
		run.LogRef = handle.LogRef
		e.save(ctx, &run, log)
		log.Info("migration task launched", "attempt", attempt, "task", handle.ID, "log_ref", handle.LogRef)

		out, err := await(ctx, plat, env, handle, e.cfg.PollInterval, timeout, func() {
			run.State = domain.MigrationRunning
			e.save(ctx, &run, log)
		}, log)
		if err != nil {
			reason := "lost track of migration task: " + err.Error()
			e.finish(context.WithoutCancel(ctx), &run, domain.MigrationFailed, nil, reason, log)
			return domain.Wrap(err, domain.CodeMigrationFailed, "await migration task")
		}
		if out.launchedWithoutStart() {
			reason := out.status.Reason
			if reason == "" {
				reason = "task stopped before starting"
			}
			lastErr = &platform.LaunchError{Reason: reason}
			e.finish(ctx, &run, domain.MigrationLaunchError, nil, reason, log)
			log.Warn("migration task never started", "attempt", attempt, "reason", reason)
			return retry.RetryableError(lastErr)
		}
		return e.conclude(ctx, plat, env, &run, out, timeout, log)
	})
	if err != nil && platform.IsLaunchError(err) {
		return run, domain.Wrap(lastErr, domain.CodeMigrationLaunchFailed, fmt.Sprintf("migration task failed to launch after %d attempts", attempt))
	}
	return run, err
}

// conclude records the terminal state of a task that was launched.
func (e *Executor) conclude(ctx context.Context, plat platform.Platform, env environment.Environment, run *domain.MigrationRun, out outcome, timeout time.Duration, log *slog.Logger) error {
	if out.timedOut {
		// the task keeps running on the platform, so the run stays active
		// and blocks further migrations until Reconcile sees it stop
		reason := fmt.Sprintf("migration did not finish within %s; task %s still running", timeout, run.TaskHandle)
		run.Reason = reason
		e.save(ctx, run, log)
		log.Warn("migration task timed out", "run_id", run.ID, "task", run.TaskHandle, "log_ref", run.LogRef)
		return domain.Errorf(domain.CodeMigrationTimeout, "%s (logs %s)", reason, run.LogRef)
	}

	code := out.status.ExitCode
	if code == nil || *code != 0 {
		reason := out.status.Reason
		if code != nil {
			reason = strings.TrimSpace(fmt.Sprintf("exit code %d %s", *code, reason))
		}
		e.finish(ctx, run, domain.MigrationFailed, code, reason, log)
		return domain.Errorf(domain.CodeMigrationFailed, "%s (logs %s)", reason, run.LogRef)
	}

	handle := platform.TaskHandle{ID: run.TaskHandle, LogRef: run.LogRef}
	lines, err := plat.TaskLogs(ctx, env, handle)
	if err != nil {
		log.Warn("read migration logs", "error", err)
	}
	if summary, ok := ParseSummary(lines); ok {
		applied := summary.Applied
		run.Applied = &applied
		log.Info("migration summary", "applied", summary.Applied, "schema_version", summary.Version)
	}
	e.finish(ctx, run, domain.MigrationSucceeded, code, "", log)
	return nil
}

// Reconcile settles an active run that no release is driving any more,
// such as one left behind by a timeout or a releaser restart. A run whose
// task is still running stays active. The returned bool reports whether
// the run is now terminal.
func (e *Executor) Reconcile(ctx context.Context, env environment.Environment, run domain.MigrationRun) (domain.MigrationRun, bool, error) {
	if !run.State.Active() {
		return run, true, nil
	}
	if e.claimed(string(env.Name) + "/" + run.Version) {
		return run, false, nil
	}
	log := e.logger.With("release_id", run.ReleaseID, "environment", env.Name, "version", run.Version, "run_id", run.ID)

	if run.TaskHandle == "" {
		e.finish(ctx, &run, domain.MigrationLaunchError, nil, "releaser stopped before the task was launched", log)
		return run, true, nil
	}
	plat, err := e.platforms.For(env)
	if err != nil {
		return run, false, err
	}
	handle := platform.TaskHandle{ID: run.TaskHandle, LogRef: run.LogRef}
	status, err := plat.DescribeTask(ctx, env, handle)
	if err != nil {
		return run, false, fmt.Errorf("describe task %s: %w", handle.ID, err)
	}
	if status.State != platform.TaskStopped {
		log.Info("migration task still running", "task", handle.ID, "state", status.State)
		return run, false, nil
	}

	out := outcome{status: status, sawRunning: run.State == domain.MigrationRunning}
	if out.launchedWithoutStart() {
		reason := status.Reason
		if reason == "" {
			reason = "task stopped before starting"
		}
		e.finish(ctx, &run, domain.MigrationLaunchError, nil, reason, log)
		return run, true, nil
	}
	if err := e.conclude(ctx, plat, env, &run, out, 0, log); err != nil {
		log.Warn("reconciled migration run failed", "error", err)
	}
	return run, true, nil
}

// taskSpec derives the isolated task from the live placement of the
// migration source service.
func (e *Executor) taskSpec(ctx context.Context, rel domain.Release, env environment.Environment, name string, command []string) (platform.TaskSpec, error) {
	source := env.Migration.SourceService
	svc, ok := e.services.Service(source)
	if !ok {
		return platform.TaskSpec{}, domain.Errorf(domain.CodeMigrationLaunchFailed, "unknown migration source service %q", source)
	}
	image, ok := rel.ImageFor(source)
	if !ok {
		return platform.TaskSpec{}, domain.Errorf(domain.CodeMigrationLaunchFailed, "release has no image for %s", source)
	}
	plat, err := e.platforms.For(env)
	if err != nil {
		return platform.TaskSpec{}, domain.Wrap(err, domain.CodeMigrationLaunchFailed, "resolve platform")
	}
	state, err := plat.DescribeService(ctx, env, source, svc.Container)
	if err != nil {
		return platform.TaskSpec{}, domain.Wrap(err, domain.CodeMigrationLaunchFailed, "discover placement from "+source)
	}
	placement := state.Placement
	if env.Private() {
		placement.AssignPublicIP = false
	}
	if env.Platform == environment.PlatformECS && len(placement.Subnets) == 0 {
		return platform.TaskSpec{}, domain.Errorf(domain.CodeMigrationLaunchFailed, "%s has no network placement", source)
	}
	if drift := undeclared(placement.Subnets, env.Network.Subnets); len(drift) > 0 {
		e.logger.Warn("service placement differs from declared network", "environment", env.Name, "service", source, "subnets", drift)
	}

	secretID, err := e.guard.Check(ctx, env)
	if err != nil {
		return platform.TaskSpec{}, err
	}
	return platform.TaskSpec{
		Environment: env,
		Name:        name,
		Container:   svc.Container,
		Image:       image.String(),
		Command:     command,
		Placement:   placement,
		Secrets:     map[string]string{DatabaseURLVar: secretID},
		Labels: map[string]string{
			"release-id":  rel.ID,
			"version":     rel.Version,
			"environment": string(env.Name),
		},
	}, nil
}

func (e *Executor) newRun(rel domain.Release, env environment.Environment) domain.MigrationRun {
	return domain.MigrationRun{
		ID:          uuid.NewString(),
		ReleaseID:   rel.ID,
		Environment: string(env.Name),
		Version:     rel.Version,
		State:       domain.MigrationNotStarted,
		StartedAt:   e.now(),
	}
}

func (e *Executor) finish(ctx context.Context, run *domain.MigrationRun, state domain.MigrationState, code *int, reason string, log *slog.Logger) {
	run.State = state
	run.ExitCode = code
	run.Reason = reason
	run.EndedAt = e.stamp()
	e.save(ctx, run, log)
	log.Info("migration run finished", "run_id", run.ID, "state", state, "reason", reason)
}

func (e *Executor) save(ctx context.Context, run *domain.MigrationRun, log *slog.Logger) {
	if err := e.runs.UpdateMigrationRun(context.WithoutCancel(ctx), run); err != nil {
		log.Error("persist migration run", "run_id", run.ID, "error", err)
	}
}

func (e *Executor) stamp() *time.Time {
	t := e.now()
	return &t
}

func (e *Executor) claim(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[key]; busy {
		return false
	}
	e.inflight[key] = struct{}{}
	return true
}

func (e *Executor) claimed(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, busy := e.inflight[key]
	return busy
}

func (e *Executor) unclaim(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, key)
}

func undeclared(observed, declared []string) []string {
	if len(declared) == 0 {
		return nil
	}
	known := make(map[string]bool, len(declared))
	for _, s := range declared {
		known[s] = true
	}
	var out []string
	for _, s := range observed {
		if !known[s] {
			out = append(out, s)
		}
	}
	return out
}
