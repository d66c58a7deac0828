// Package pipeline is the release state machine. It sequences testing,
// artifact publication, the migration gate, service rollout and health
// verification for one release at a time per environment.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ericreilly999/inventory-release/internal/archive"
	"github.com/ericreilly999/inventory-release/internal/artifact/source"
	"github.com/ericreilly999/inventory-release/internal/domain"
	"github.com/ericreilly999/inventory-release/internal/environment"
	"github.com/ericreilly999/inventory-release/internal/lock"
	"github.com/ericreilly999/inventory-release/internal/metrics"
	"github.com/ericreilly999/inventory-release/internal/migration"
	"github.com/ericreilly999/inventory-release/internal/platform"
	"github.com/ericreilly999/inventory-release/internal/repository"
	"github.com/ericreilly999/inventory-release/internal/version"
)

// Registry resolves environments and the ordered service catalogue.
type Registry interface {
	Resolve(name string) (environment.Environment, error)
	Environments() []environment.Environment
	Services() []environment.Service
}

// Artifacts checks out, tests and publishes a version.
type Artifacts interface {
	Checkout(ctx context.Context, rel domain.Release) (source.Checkout, error)
	Test(ctx context.Context, co source.Checkout) error
	PublishAll(ctx context.Context, co source.Checkout, ver string, env environment.Environment) ([]domain.ImageRef, error)
	Cleanup(co source.Checkout) error
}

// Migrator runs the isolated migration and seeding tasks.
type Migrator interface {
	Execute(ctx context.Context, rel domain.Release, env environment.Environment) (domain.MigrationRun, error)
	Seed(ctx context.Context, rel domain.Release, env environment.Environment) (migration.SeedRun, error)
	Reconcile(ctx context.Context, env environment.Environment, run domain.MigrationRun) (domain.MigrationRun, bool, error)
}

// RolloutController moves services to a release's images.
type RolloutController interface {
	RollOut(ctx context.Context, rel domain.Release, env environment.Environment) ([]domain.ServiceDeployment, error)
}

// HealthVerifier probes rolled-out services.
type HealthVerifier interface {
	Verify(ctx context.Context, env environment.Environment, deployments []domain.ServiceDeployment) domain.VerificationResult
}

// Platforms resolves the runtime adapter for an environment.
type Platforms interface {
	For(env environment.Environment) (platform.Platform, error)
}

// Archiver stores terminal release records.
type Archiver interface {
	Put(ctx context.Context, env environment.Environment, rec archive.Record) (string, error)
}

// Publisher receives release events.
type Publisher interface {
	Publish(ev domain.ReleaseEvent)
}

// Config tunes locking.
type Config struct {
	LockTTL time.Duration
}

// Deps bundles the collaborators of a Pipeline. Archive, Events and Metrics
// are optional.
type Deps struct {
	Registry  Registry
	Store     repository.Store
	Locker    lock.Locker
	Artifacts Artifacts
	Migrator  Migrator
	Rollout   RolloutController
	Verifier  HealthVerifier
	Platforms Platforms
	Archive   Archiver
	Events    Publisher
	Metrics   *metrics.Pipeline
}

// Pipeline drives releases through their stage table.
type Pipeline struct {
	registry  Registry
	store     repository.Store
	locker    lock.Locker
	artifacts Artifacts
	migrator  Migrator
	rollout   RolloutController
	verifier  HealthVerifier
	platforms Platforms
	archive   Archiver
	events    Publisher
	metrics   *metrics.Pipeline
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	running map[string]*run
	wg      sync.WaitGroup
}

// run is the in-process state of one executing release.
type run struct {
	rel          domain.Release
	env          environment.Environment
	checkout     *source.Checkout
	deployments  []domain.ServiceDeployment
	verification domain.VerificationResult
	cancelled    atomic.Bool
	lockLost     atomic.Bool
	log          *slog.Logger
}

// New constructs a Pipeline.
func New(deps Deps, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = lock.DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		registry:  deps.Registry,
		store:     deps.Store,
		locker:    deps.Locker,
		artifacts: deps.Artifacts,
		migrator:  deps.Migrator,
		rollout:   deps.Rollout,
		verifier:  deps.Verifier,
		platforms: deps.Platforms,
		archive:   deps.Archive,
		events:    deps.Events,
		metrics:   deps.Metrics,
		cfg:       cfg,
		logger:    logger.With("component", "pipeline"),
		now:       func() time.Time { return time.Now().UTC() },
		running:   make(map[string]*run),
	}
}

// Start validates the request, takes the environment and persists a Pending
// release, then runs the pipeline in the background. A second release
// against a busy environment fails fast with ENVIRONMENT_BUSY.
func (p *Pipeline) Start(ctx context.Context, envName, ver, triggeredBy string) (domain.Release, error) {
	r, err := p.prepare(ctx, envName, ver, triggeredBy, domain.KindRelease, nil)
	if err != nil {
		return domain.Release{}, err
	}
	p.launch(ctx, r)
	return r.rel, nil
}

// Run is the synchronous form of Start. It returns the terminal release and
// the error of the failing stage.
func (p *Pipeline) Run(ctx context.Context, envName, ver, triggeredBy string) (domain.Release, error) {
	r, err := p.prepare(ctx, envName, ver, triggeredBy, domain.KindRelease, nil)
	if err != nil {
		return domain.Release{}, err
	}
	return p.execute(ctx, r)
}

// Rollback starts a rollback release that re-applies the images of the last
// Released attempt of ver in envName. It never creates a migration run.
func (p *Pipeline) Rollback(ctx context.Context, envName, ver, triggeredBy string) (domain.Release, error) {
	r, err := p.prepareRollback(ctx, envName, ver, triggeredBy)
	if err != nil {
		return domain.Release{}, err
	}
	p.launch(ctx, r)
	return r.rel, nil
}

// RunRollback is the synchronous form of Rollback.
func (p *Pipeline) RunRollback(ctx context.Context, envName, ver, triggeredBy string) (domain.Release, error) {
	r, err := p.prepareRollback(ctx, envName, ver, triggeredBy)
	if err != nil {
		return domain.Release{}, err
	}
	return p.execute(ctx, r)
}

func (p *Pipeline) prepareRollback(ctx context.Context, envName, ver, triggeredBy string) (*run, error) {
	normalized, err := version.Normalize(ver)
	if err != nil {
		return nil, err
	}
	env, err := p.registry.Resolve(envName)
	if err != nil {
		return nil, err
	}
	target, err := p.store.LatestReleased(ctx, string(env.Name), normalized)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.Errorf(domain.CodeNotFound, "%s was never released to %s", normalized, env.Name)
		}
		return nil, fmt.Errorf("find release %s: %w", normalized, err)
	}
	if len(target.Images) == 0 {
		return nil, domain.Errorf(domain.CodeValidation, "release %s recorded no images to roll back to", target.ID)
	}
	return p.prepare(ctx, envName, normalized, triggeredBy, domain.KindRollback, target)
}

// Cancel asks a running release to stop at its next stage boundary. A stage
// already in progress, in particular a running migration, finishes first.
func (p *Pipeline) Cancel(ctx context.Context, releaseID string) error {
	p.mu.Lock()
	r, ok := p.running[releaseID]
	p.mu.Unlock()
	if ok {
		r.cancelled.Store(true)
		r.log.Info("cancellation requested")
		return nil
	}
	rel, err := p.store.GetRelease(ctx, releaseID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Errorf(domain.CodeNotFound, "release %s not found", releaseID)
		}
		return err
	}
	if rel.Status.Terminal() {
		return domain.Errorf(domain.CodeInvalidTransition, "release %s is already %s", releaseID, rel.Status)
	}
	return domain.Errorf(domain.CodeNotFound, "release %s is not running on this releaser", releaseID)
}

// Seed runs the environment's seeding task for a release that reached a
// successful terminal state. The environment lock is held while seeding.
func (p *Pipeline) Seed(ctx context.Context, releaseID, triggeredBy string) (migration.SeedRun, error) {
	rel, err := p.store.GetRelease(ctx, releaseID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return migration.SeedRun{}, domain.Errorf(domain.CodeNotFound, "release %s not found", releaseID)
		}
		return migration.SeedRun{}, err
	}
	if rel.Status != domain.StatusReleased && rel.Status != domain.StatusRolledBack {
		return migration.SeedRun{}, domain.Errorf(domain.CodeInvalidTransition, "release %s is %s; seeding requires released or rolled_back", rel.ID, rel.Status)
	}
	env, err := p.registry.Resolve(rel.Environment)
	if err != nil {
		return migration.SeedRun{}, err
	}
	owner := "seed/" + rel.ID
	if err := p.acquire(ctx, env, owner); err != nil {
		return migration.SeedRun{}, err
	}
	defer p.releaseLock(env, owner)

	p.logger.Info("seeding requested", "release_id", rel.ID, "environment", env.Name, "version", rel.Version, "triggered_by", triggeredBy)
	return p.migrator.Seed(context.WithoutCancel(ctx), *rel, env)
}

// Wait blocks until every background release has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Running reports the IDs of releases executing in this process.
func (p *Pipeline) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.running))
	for id := range p.running {
		out = append(out, id)
	}
	return out
}

func (p *Pipeline) isRunning(releaseID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[releaseID]
	return ok
}

func (p *Pipeline) prepare(ctx context.Context, envName, ver, triggeredBy string, kind domain.ReleaseKind, target *domain.Release) (*run, error) {
	normalized, err := version.Normalize(ver)
	if err != nil {
		return nil, err
	}
	env, err := p.registry.Resolve(envName)
	if err != nil {
		return nil, err
	}

	now := p.now()
	rel := domain.Release{
		ID:          uuid.NewString(),
		Version:     normalized,
		Environment: string(env.Name),
		Kind:        kind,
		Status:      domain.StatusPending,
		Stage:       domain.StatusPending,
		TriggeredBy: triggeredBy,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if target != nil {
		rel.RollbackOf = &target.ID
		rel.Images = append([]domain.ImageRef(nil), target.Images...)
	}

	if err := p.acquire(ctx, env, rel.ID); err != nil {
		return nil, err
	}
	rel.PreviousImages = p.currentImages(ctx, env)
	if err := p.store.CreateRelease(ctx, &rel); err != nil {
		p.releaseLock(env, rel.ID)
		return nil, fmt.Errorf("record release: %w", err)
	}

	r := &run{
		rel: rel,
		env: env,
		log: p.logger.With("release_id", rel.ID, "environment", env.Name, "version", rel.Version, "kind", kind),
	}
	p.mu.Lock()
	p.running[rel.ID] = r
	p.mu.Unlock()
	p.metrics.ReleaseStarted(string(env.Name))
	p.publish(r, "")
	r.log.Info("release accepted", "triggered_by", triggeredBy, "stage", domain.StatusPending)
	return r, nil
}

func (p *Pipeline) acquire(ctx context.Context, env environment.Environment, owner string) error {
	ok, err := p.locker.Acquire(ctx, env.StateKey, owner, p.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire environment lock: %w", err)
	}
	if !ok {
		p.metrics.EnvironmentBusy(string(env.Name))
		holder, _, _ := p.locker.Owner(ctx, env.StateKey)
		return domain.Errorf(domain.CodeEnvironmentBusy, "%s is busy with %s", env.Name, holder)
	}
	return nil
}

func (p *Pipeline) releaseLock(env environment.Environment, owner string) {
	if err := p.locker.Release(context.Background(), env.StateKey, owner); err != nil {
		p.logger.Error("release environment lock", "environment", env.Name, "owner", owner, "error", err)
	}
}

// currentImages records what each service runs before the release touches
// it so any release can be replayed. Services that are not deployed yet are
// skipped.
func (p *Pipeline) currentImages(ctx context.Context, env environment.Environment) []domain.ImageRef {
	plat, err := p.platforms.For(env)
	if err != nil {
		p.logger.Warn("capture previous images", "environment", env.Name, "error", err)
		return nil
	}
	var out []domain.ImageRef
	for _, svc := range p.registry.Services() {
		state, err := plat.DescribeService(ctx, env, svc.Name, svc.Container)
		if err != nil {
			p.logger.Debug("no previous image", "environment", env.Name, "service", svc.Name, "error", err)
			continue
		}
		if state.Image != "" {
			out = append(out, ParseImage(svc.Name, state.Image))
		}
	}
	return out
}

func (p *Pipeline) launch(ctx context.Context, r *run) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_, _ = p.execute(ctx, r)
	}()
}

// execute walks the stage table. Stage work is detached from the caller's
// cancellation; Cancel and a lost environment lock are honoured only
// between stages.
func (p *Pipeline) execute(ctx context.Context, r *run) (domain.Release, error) {
	ctx = context.WithoutCancel(ctx)
	stopRefresh := p.keepLock(ctx, r)
	defer stopRefresh()

	stages, success := stagesFor(r.rel.Kind)
	for _, st := range stages {
		if r.cancelled.Load() {
			return p.fail(ctx, r, r.rel.Status, domain.Errorf(domain.CodeCancelled, "cancelled by operator after %s", r.rel.Status))
		}
		if r.lockLost.Load() {
			return p.fail(ctx, r, r.rel.Status, domain.Errorf(domain.CodeInterrupted, "environment lock %s lost after %s", r.env.StateKey, r.rel.Status))
		}
		if err := p.transition(ctx, r, st.status); err != nil {
			return p.fail(ctx, r, st.status, err)
		}
		started := p.now()
		if err := st.run(p, ctx, r); err != nil {
			staged := domain.WithStage(err, st.status, st.fallback)
			p.metrics.StageObserved(string(r.env.Name), string(st.status), string(staged.Code), p.now().Sub(started))
			return p.fail(ctx, r, st.status, staged)
		}
		p.metrics.StageObserved(string(r.env.Name), string(st.status), "ok", p.now().Sub(started))
	}
	return p.succeed(ctx, r, success)
}

func (p *Pipeline) transition(ctx context.Context, r *run, next domain.ReleaseStatus) error {
	if !r.rel.Status.CanTransitionTo(next) {
		return domain.Errorf(domain.CodeInvalidTransition, "cannot move from %s to %s", r.rel.Status, next)
	}
	if err := p.store.UpdateReleaseStatus(ctx, domain.ReleaseStatusUpdate{
		ReleaseID: r.rel.ID,
		Status:    next,
		Stage:     next,
	}); err != nil {
		return fmt.Errorf("persist %s: %w", next, err)
	}
	r.rel.Status = next
	r.rel.Stage = next
	r.log.Info("stage started", "stage", next)
	p.publish(r, "")
	return nil
}

func (p *Pipeline) succeed(ctx context.Context, r *run, status domain.ReleaseStatus) (domain.Release, error) {
	ended := p.now()
	if err := p.store.UpdateReleaseStatus(ctx, domain.ReleaseStatusUpdate{
		ReleaseID: r.rel.ID,
		Status:    status,
		Stage:     r.rel.Stage,
		EndedAt:   &ended,
	}); err != nil {
		r.log.Error("persist terminal status", "status", status, "error", err)
	}
	r.rel.Status = status
	r.rel.EndedAt = &ended
	r.log.Info("release finished", "status", status, "stage", r.rel.Stage, "duration", ended.Sub(r.rel.StartedAt))
	p.finalize(ctx, r)
	return r.rel, nil
}

func (p *Pipeline) fail(ctx context.Context, r *run, stage domain.ReleaseStatus, err error) (domain.Release, error) {
	code := domain.CodeOf(err)
	if code == "" {
		code = domain.CodeInvalidTransition
	}
	reason := domain.Reason(err)
	ended := p.now()
	if uerr := p.store.UpdateReleaseStatus(ctx, domain.ReleaseStatusUpdate{
		ReleaseID:     r.rel.ID,
		Status:        domain.StatusFailed,
		Stage:         stage,
		FailureCode:   string(code),
		FailureReason: reason,
		EndedAt:       &ended,
	}); uerr != nil {
		r.log.Error("persist failure", "error", uerr)
	}
	r.rel.Status = domain.StatusFailed
	r.rel.Stage = stage
	r.rel.FailureCode = string(code)
	r.rel.FailureReason = reason
	r.rel.EndedAt = &ended
	r.log.Warn("release failed", "stage", stage, "code", code, "reason", reason, "services_touched", len(r.deployments))
	p.finalize(ctx, r)
	return r.rel, err
}

// finalize runs once per release on any terminal outcome.
func (p *Pipeline) finalize(ctx context.Context, r *run) {
	p.cleanup(r)
	p.releaseLock(r.env, r.rel.ID)
	p.mu.Lock()
	delete(p.running, r.rel.ID)
	p.mu.Unlock()
	p.metrics.ReleaseFinished(string(r.env.Name), string(r.rel.Kind), string(r.rel.Status))
	p.publish(r, r.rel.FailureReason)

	if p.archive == nil {
		return
	}
	report, err := p.Report(ctx, r.rel.ID)
	if err != nil {
		r.log.Error("load release for archive", "error", err)
		return
	}
	if _, err := p.archive.Put(ctx, r.env, archive.Record{
		Release:       report.Release,
		MigrationRuns: report.MigrationRuns,
		Deployments:   report.Deployments,
	}); err != nil {
		r.log.Error("archive release", "error", err)
	}
}

func (p *Pipeline) cleanup(r *run) {
	if r.checkout == nil {
		return
	}
	if err := p.artifacts.Cleanup(*r.checkout); err != nil {
		r.log.Warn("cleanup checkout", "dir", r.checkout.Dir, "error", err)
	}
	r.checkout = nil
}

// keepLock refreshes the environment lease until the returned stop func is
// called.
func (p *Pipeline) keepLock(ctx context.Context, r *run) func() {
	interval := p.cfg.LockTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ok, err := p.locker.Refresh(ctx, r.env.StateKey, r.rel.ID, p.cfg.LockTTL)
				switch {
				case err != nil:
					r.log.Warn("refresh environment lock", "error", err)
				case !ok:
					// another owner may now hold the environment
					r.lockLost.Store(true)
					r.log.Error("environment lock lost", "key", r.env.StateKey)
					return
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func (p *Pipeline) publish(r *run, message string) {
	if p.events == nil {
		return
	}
	p.events.Publish(domain.ReleaseEvent{
		ReleaseID:   r.rel.ID,
		Environment: r.rel.Environment,
		Version:     r.rel.Version,
		Kind:        r.rel.Kind,
		Status:      r.rel.Status,
		FailureCode: r.rel.FailureCode,
		Message:     message,
		At:          p.now(),
	})
}
