package repository

import (
	"context"

	"github.com/ericreilly999/inventory-release/internal/domain"
)

// ReleaseRepository stores release history per environment.
type ReleaseRepository interface {
	CreateRelease(ctx context.Context, release *domain.Release) error
	UpdateReleaseStatus(ctx context.Context, update domain.ReleaseStatusUpdate) error
	GetRelease(ctx context.Context, releaseID string) (*domain.Release, error)
	// GetReleaseByVersion returns the most recent attempt of version in environment.
	GetReleaseByVersion(ctx context.Context, environment, version string) (*domain.Release, error)
	// LatestReleased returns the most recent Released attempt of version in environment.
	LatestReleased(ctx context.Context, environment, version string) (*domain.Release, error)
	ListReleasesByEnvironment(ctx context.Context, environment string, limit int) ([]domain.Release, error)
	// ListActiveReleases returns releases that have not reached a terminal status.
	ListActiveReleases(ctx context.Context) ([]domain.Release, error)
}

// MigrationRunRepository stores migration executor invocations.
type MigrationRunRepository interface {
	CreateMigrationRun(ctx context.Context, run *domain.MigrationRun) error
	UpdateMigrationRun(ctx context.Context, run *domain.MigrationRun) error
	ListMigrationRuns(ctx context.Context, releaseID string) ([]domain.MigrationRun, error)
	// ActiveMigrationRun returns a launching or running migration in environment.
	ActiveMigrationRun(ctx context.Context, environment string) (*domain.MigrationRun, error)
}

// ServiceDeploymentRepository stores per-service rollout progress.
type ServiceDeploymentRepository interface {
	UpsertServiceDeployment(ctx context.Context, deployment domain.ServiceDeployment) error
	ListServiceDeployments(ctx context.Context, releaseID string) ([]domain.ServiceDeployment, error)
}

// Store bundles every repository the release pipeline needs.
type Store interface {
	ReleaseRepository
	MigrationRunRepository
	ServiceDeploymentRepository
}
