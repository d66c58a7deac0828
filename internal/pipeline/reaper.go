package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ericreilly999/inventory-release/internal/domain"
	"github.com/ericreilly999/inventory-release/internal/environment"
	"github.com/ericreilly999/inventory-release/internal/repository"
)

const (
	defaultReapInterval = time.Minute
	reapTimeout         = 30 * time.Second
)

// Reaper marks releases whose pipeline process disappeared. A non-terminal
// release that is not running here and no longer owns its environment lock
// is Failed with INTERRUPTED, keeping the last stage it reached. Active
// migration runs left behind by such releases, or by a timeout, are
// settled once their task stops.
type Reaper struct {
	pipeline *Pipeline
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper constructs a Reaper over p.
func NewReaper(p *Pipeline, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = defaultReapInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{pipeline: p, interval: interval, logger: logger.With("component", "reaper")}
}

// Run reaps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.interval)
	r.Reap(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Reap(ctx)
		}
	}
}

// Reap runs one pass and returns the IDs it marked interrupted.
func (r *Reaper) Reap(parent context.Context) []string {
	timeout := reapTimeout
	if r.interval < timeout {
		timeout = r.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	p := r.pipeline
	active, err := p.store.ListActiveReleases(ctx)
	if err != nil {
		r.logger.Error("list active releases", "error", err)
		return nil
	}
	var reaped []string
	for _, rel := range active {
		if p.isRunning(rel.ID) {
			continue
		}
		env, err := p.registry.Resolve(rel.Environment)
		if err != nil {
			r.logger.Warn("active release in unknown environment", "release_id", rel.ID, "environment", rel.Environment)
			continue
		}
		owner, held, err := p.locker.Owner(ctx, env.StateKey)
		if err != nil {
			r.logger.Warn("read environment lock", "environment", env.Name, "error", err)
			continue
		}
		if held && owner == rel.ID {
			continue
		}
		ended := p.now()
		stage := rel.Status
		if err := p.store.UpdateReleaseStatus(ctx, domain.ReleaseStatusUpdate{
			ReleaseID:     rel.ID,
			Status:        domain.StatusFailed,
			Stage:         stage,
			FailureCode:   string(domain.CodeInterrupted),
			FailureReason: "releaser stopped while the release was " + string(stage),
			EndedAt:       &ended,
		}); err != nil {
			r.logger.Error("mark release interrupted", "release_id", rel.ID, "error", err)
			continue
		}
		p.metrics.ReleaseInterrupted(rel.Environment, string(rel.Kind))
		r.logger.Warn("release interrupted", "release_id", rel.ID, "environment", rel.Environment, "version", rel.Version, "stage", stage)
		reaped = append(reaped, rel.ID)
	}
	for _, env := range p.registry.Environments() {
		r.settleMigration(ctx, env)
	}
	return reaped
}

// settleMigration reconciles the active migration run of env when the
// release that launched it is no longer in flight.
func (r *Reaper) settleMigration(ctx context.Context, env environment.Environment) {
	p := r.pipeline
	run, err := p.store.ActiveMigrationRun(ctx, string(env.Name))
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			r.logger.Warn("read active migration", "environment", env.Name, "error", err)
		}
		return
	}
	if p.isRunning(run.ReleaseID) {
		return
	}
	rel, err := p.store.GetRelease(ctx, run.ReleaseID)
	if err != nil {
		r.logger.Warn("read migration release", "release_id", run.ReleaseID, "error", err)
		return
	}
	if !rel.Status.Terminal() {
		return
	}
	settled, done, err := p.migrator.Reconcile(ctx, env, *run)
	switch {
	case err != nil:
		r.logger.Warn("reconcile migration run", "run_id", run.ID, "environment", env.Name, "error", err)
	case done:
		r.logger.Info("migration run settled", "run_id", run.ID, "environment", env.Name, "state", settled.State, "release_id", run.ReleaseID)
	}
}
