package pipeline

import (
	"context"
	"strings"

	"github.com/ericreilly999/inventory-release/internal/domain"
)

// stage is one row of a pipeline table. Stages run strictly in table order;
// a failing stage ends the release as Failed with its status recorded.
type stage struct {
	status   domain.ReleaseStatus
	fallback domain.ErrorCode
	run      func(p *Pipeline, ctx context.Context, r *run) error
}

var releaseStages = []stage{
	{status: domain.StatusTesting, fallback: domain.CodeTestFailed, run: (*Pipeline).test},
	{status: domain.StatusBuilding, fallback: domain.CodeBuildFailed, run: (*Pipeline).build},
	{status: domain.StatusMigrating, fallback: domain.CodeMigrationFailed, run: (*Pipeline).migrate},
	{status: domain.StatusRollingOut, fallback: domain.CodeRolloutFailed, run: (*Pipeline).rollOut},
	{status: domain.StatusVerifying, fallback: domain.CodeHealthCheckFailed, run: (*Pipeline).verify},
}

// rollbackStages replays the rollout with a prior release's images. No
// build and no migration.
var rollbackStages = []stage{
	{status: domain.StatusRollingOut, fallback: domain.CodeRolloutFailed, run: (*Pipeline).rollOut},
	{status: domain.StatusVerifying, fallback: domain.CodeHealthCheckFailed, run: (*Pipeline).verify},
}

func stagesFor(kind domain.ReleaseKind) ([]stage, domain.ReleaseStatus) {
	if kind == domain.KindRollback {
		return rollbackStages, domain.StatusRolledBack
	}
	return releaseStages, domain.StatusReleased
}

func (p *Pipeline) test(ctx context.Context, r *run) error {
	co, err := p.artifacts.Checkout(ctx, r.rel)
	if err != nil {
		return err
	}
	r.checkout = &co
	r.log.Info("source checked out", "commit", co.Commit, "dir", co.Dir)
	return p.artifacts.Test(ctx, co)
}

func (p *Pipeline) build(ctx context.Context, r *run) error {
	if r.checkout == nil {
		return domain.Errorf(domain.CodeBuildFailed, "no checkout for %s", r.rel.Version)
	}
	images, err := p.artifacts.PublishAll(ctx, *r.checkout, r.rel.Version, r.env)
	if err != nil {
		return err
	}
	r.rel.Images = images
	p.cleanup(r)
	return p.store.UpdateReleaseStatus(context.WithoutCancel(ctx), domain.ReleaseStatusUpdate{
		ReleaseID: r.rel.ID,
		Status:    r.rel.Status,
		Images:    images,
	})
}

func (p *Pipeline) migrate(ctx context.Context, r *run) error {
	result, err := p.migrator.Execute(ctx, r.rel, r.env)
	if result.State != "" {
		p.metrics.MigrationFinished(string(r.env.Name), string(result.State))
		r.log.Info("migration finished", "run_id", result.ID, "state", result.State, "log_ref", result.LogRef)
	}
	return err
}

func (p *Pipeline) rollOut(ctx context.Context, r *run) error {
	deployments, err := p.rollout.RollOut(ctx, r.rel, r.env)
	r.deployments = deployments
	for _, d := range deployments {
		p.metrics.ServiceDeployed(string(r.env.Name), string(d.Stability))
	}
	return err
}

func (p *Pipeline) verify(ctx context.Context, r *run) error {
	result := p.verifier.Verify(ctx, r.env, r.deployments)
	r.verification = result
	if failing := result.FailingServices(); len(failing) > 0 {
		return domain.Errorf(domain.CodeHealthCheckFailed, "unhealthy services: %s", strings.Join(failing, ", "))
	}
	return nil
}
