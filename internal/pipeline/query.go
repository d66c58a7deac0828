package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ericreilly999/inventory-release/internal/domain"
	"github.com/ericreilly999/inventory-release/internal/repository"
	"github.com/ericreilly999/inventory-release/internal/version"
)

// Report is a release with the records it owns.
type Report struct {
	Release       domain.Release             `json:"release"`
	MigrationRuns []domain.MigrationRun      `json:"migration_runs"`
	Deployments   []domain.ServiceDeployment `json:"service_deployments"`
}

// Report loads a release and its migration runs and service deployments.
func (p *Pipeline) Report(ctx context.Context, releaseID string) (Report, error) {
	rel, err := p.store.GetRelease(ctx, releaseID)
	if err != nil {
		return Report{}, notFound(err, "release %s", releaseID)
	}
	return p.report(ctx, rel)
}

// ReportByVersion loads the latest attempt of ver in envName. ver may be
// given in its release tag form.
func (p *Pipeline) ReportByVersion(ctx context.Context, envName, ver string) (Report, error) {
	if fromTag, ok := version.FromTag(ver); ok {
		ver = fromTag
	}
	normalized, err := version.Normalize(ver)
	if err != nil {
		return Report{}, err
	}
	env, err := p.registry.Resolve(envName)
	if err != nil {
		return Report{}, err
	}
	rel, err := p.store.GetReleaseByVersion(ctx, string(env.Name), normalized)
	if err != nil {
		return Report{}, notFound(err, "release %s in %s", normalized, env.Name)
	}
	return p.report(ctx, rel)
}

// History lists recent releases of envName, newest first.
func (p *Pipeline) History(ctx context.Context, envName string, limit int) ([]domain.Release, error) {
	env, err := p.registry.Resolve(envName)
	if err != nil {
		return nil, err
	}
	return p.store.ListReleasesByEnvironment(ctx, string(env.Name), limit)
}

func (p *Pipeline) report(ctx context.Context, rel *domain.Release) (Report, error) {
	runs, err := p.store.ListMigrationRuns(ctx, rel.ID)
	if err != nil {
		return Report{}, fmt.Errorf("list migration runs: %w", err)
	}
	deployments, err := p.store.ListServiceDeployments(ctx, rel.ID)
	if err != nil {
		return Report{}, fmt.Errorf("list service deployments: %w", err)
	}
	return Report{Release: *rel, MigrationRuns: runs, Deployments: deployments}, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Errorf(domain.CodeNotFound, format+" not found", args...)
	}
	return err
}
