// Package repotest provides contract tests for [repository.Store]
// implementations.
package repotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ericreilly999/inventory-release/internal/domain"
	"github.com/ericreilly999/inventory-release/internal/repository"
)

// Factory creates a fresh [repository.Store] for each test.
type Factory func(t *testing.T) repository.Store

// Run exercises the [repository.Store] contract.
func Run(t *testing.T, factory Factory) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sampleRelease := func(id, env, version string, offset time.Duration) *domain.Release {
		return &domain.Release{
			ID:          id,
			Version:     version,
			Environment: env,
			Kind:        domain.KindRelease,
			Status:      domain.StatusPending,
			Stage:       domain.StatusPending,
			TriggeredBy: "tag",
			StartedAt:   base.Add(offset),
			UpdatedAt:   base.Add(offset),
		}
	}

	t.Run("CreateAndGetRelease", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		rel := sampleRelease("r1", "staging", "1.2.0", 0)
		rel.Images = []domain.ImageRef{{Service: "api", Repository: "reg/api", Tag: "1.2.0", Digest: "sha256:aa"}}

		if err := store.CreateRelease(ctx, rel); err != nil {
			t.Fatalf("CreateRelease: %v", err)
		}
		got, err := store.GetRelease(ctx, "r1")
		if err != nil {
			t.Fatalf("GetRelease: %v", err)
		}
		if got.Version != "1.2.0" || got.Status != domain.StatusPending || got.Kind != domain.KindRelease {
			t.Errorf("unexpected release %+v", got)
		}
		if len(got.Images) != 1 || got.Images[0].Digest != "sha256:aa" {
			t.Errorf("Images = %+v", got.Images)
		}
		if got.EndedAt != nil || got.RollbackOf != nil {
			t.Errorf("expected nil optional fields, got %+v", got)
		}
	})

	t.Run("GetReleaseNotFound", func(t *testing.T) {
		store := factory(t)
		_, err := store.GetRelease(context.Background(), "missing")
		if !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("GetRelease: got %v, want ErrNotFound", err)
		}
	})

	t.Run("StatusUpdatesAndTerminalImmutability", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		if err := store.CreateRelease(ctx, sampleRelease("r1", "staging", "1.2.1", 0)); err != nil {
			t.Fatalf("CreateRelease: %v", err)
		}
		if err := store.UpdateReleaseStatus(ctx, domain.ReleaseStatusUpdate{ReleaseID: "r1", Status: domain.StatusMigrating, Stage: domain.StatusMigrating}); err != nil {
			t.Fatalf("UpdateReleaseStatus: %v", err)
		}
		ended := base.Add(time.Minute)
		if err := store.UpdateReleaseStatus(ctx, domain.ReleaseStatusUpdate{
			ReleaseID:     "r1",
			Status:        domain.StatusFailed,
			FailureCode:   string(domain.CodeMigrationFailed),
			FailureReason: "exit code 1",
			EndedAt:       &ended,
		}); err != nil {
			t.Fatalf("UpdateReleaseStatus: %v", err)
		}
		got, err := store.GetRelease(ctx, "r1")
		if err != nil {
			t.Fatalf("GetRelease: %v", err)
		}
		if got.Status != domain.StatusFailed || got.Stage != domain.StatusMigrating {
			t.Errorf("status/stage = %s/%s", got.Status, got.Stage)
		}
		if got.FailureCode != string(domain.CodeMigrationFailed) || got.EndedAt == nil {
			t.Errorf("unexpected failure fields %+v", got)
		}

		err = store.UpdateReleaseStatus(ctx, domain.ReleaseStatusUpdate{ReleaseID: "r1", Status: domain.StatusReleased})
		if !errors.Is(err, repository.ErrConflict) {
			t.Fatalf("update of terminal release: got %v, want ErrConflict", err)
		}
		err = store.UpdateReleaseStatus(ctx, domain.ReleaseStatusUpdate{ReleaseID: "missing", Status: domain.StatusTesting})
		if !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("update of missing release: got %v, want ErrNotFound", err)
		}
	})

	t.Run("VersionLookups", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		first := sampleRelease("r1", "staging", "1.2.0", 0)
		first.Status = domain.StatusReleased
		second := sampleRelease("r2", "staging", "1.2.0", time.Hour)
		second.Status = domain.StatusFailed
		other := sampleRelease("r3", "prod", "1.2.0", 2*time.Hour)
		for _, rel := range []*domain.Release{first, second, other} {
			if err := store.CreateRelease(ctx, rel); err != nil {
				t.Fatalf("CreateRelease %s: %v", rel.ID, err)
			}
		}

		latest, err := store.GetReleaseByVersion(ctx, "staging", "1.2.0")
		if err != nil || latest.ID != "r2" {
			t.Fatalf("GetReleaseByVersion = %v, %v; want r2", latest, err)
		}
		released, err := store.LatestReleased(ctx, "staging", "1.2.0")
		if err != nil || released.ID != "r1" {
			t.Fatalf("LatestReleased = %v, %v; want r1", released, err)
		}
		if _, err := store.LatestReleased(ctx, "dev", "1.2.0"); !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("LatestReleased in dev: got %v, want ErrNotFound", err)
		}

		history, err := store.ListReleasesByEnvironment(ctx, "staging", 10)
		if err != nil {
			t.Fatalf("ListReleasesByEnvironment: %v", err)
		}
		if len(history) != 2 || history[0].ID != "r2" || history[1].ID != "r1" {
			t.Fatalf("unexpected history %+v", history)
		}

		active, err := store.ListActiveReleases(ctx)
		if err != nil {
			t.Fatalf("ListActiveReleases: %v", err)
		}
		if len(active) != 1 || active[0].ID != "r3" {
			t.Fatalf("unexpected active releases %+v", active)
		}
	})

	t.Run("RollbackReferencesRelease", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		missing := "nope"
		rb := sampleRelease("rb", "staging", "1.2.0", 0)
		rb.Kind = domain.KindRollback
		rb.RollbackOf = &missing
		if err := store.CreateRelease(ctx, rb); !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("CreateRelease with dangling rollback: got %v, want ErrNotFound", err)
		}

		target := sampleRelease("r1", "staging", "1.2.0", 0)
		if err := store.CreateRelease(ctx, target); err != nil {
			t.Fatalf("CreateRelease: %v", err)
		}
		id := "r1"
		rb.RollbackOf = &id
		if err := store.CreateRelease(ctx, rb); err != nil {
			t.Fatalf("CreateRelease rollback: %v", err)
		}
		got, err := store.GetRelease(ctx, "rb")
		if err != nil || got.RollbackOf == nil || *got.RollbackOf != "r1" {
			t.Fatalf("unexpected rollback %+v, %v", got, err)
		}
	})

	t.Run("SingleActiveMigrationPerEnvironment", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		for _, rel := range []*domain.Release{sampleRelease("r1", "staging", "1.2.0", 0), sampleRelease("r2", "staging", "1.2.1", time.Minute)} {
			if err := store.CreateRelease(ctx, rel); err != nil {
				t.Fatalf("CreateRelease: %v", err)
			}
		}
		run := &domain.MigrationRun{ID: "m1", ReleaseID: "r1", Environment: "staging", Version: "1.2.0", State: domain.MigrationLaunching, StartedAt: base}
		if err := store.CreateMigrationRun(ctx, run); err != nil {
			t.Fatalf("CreateMigrationRun: %v", err)
		}
		second := &domain.MigrationRun{ID: "m2", ReleaseID: "r2", Environment: "staging", Version: "1.2.1", State: domain.MigrationLaunching, StartedAt: base}
		if err := store.CreateMigrationRun(ctx, second); !errors.Is(err, repository.ErrConflict) {
			t.Fatalf("second active run: got %v, want ErrConflict", err)
		}

		active, err := store.ActiveMigrationRun(ctx, "staging")
		if err != nil || active.ID != "m1" {
			t.Fatalf("ActiveMigrationRun = %v, %v", active, err)
		}

		exit := 0
		applied := 0
		ended := base.Add(time.Minute)
		run.State = domain.MigrationSucceeded
		run.TaskHandle = "task/1"
		run.ExitCode = &exit
		run.Applied = &applied
		run.EndedAt = &ended
		if err := store.UpdateMigrationRun(ctx, run); err != nil {
			t.Fatalf("UpdateMigrationRun: %v", err)
		}
		if _, err := store.ActiveMigrationRun(ctx, "staging"); !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("ActiveMigrationRun after success: got %v, want ErrNotFound", err)
		}
		if err := store.CreateMigrationRun(ctx, second); err != nil {
			t.Fatalf("CreateMigrationRun after success: %v", err)
		}

		runs, err := store.ListMigrationRuns(ctx, "r1")
		if err != nil || len(runs) != 1 {
			t.Fatalf("ListMigrationRuns = %v, %v", runs, err)
		}
		if runs[0].ExitCode == nil || *runs[0].ExitCode != 0 || runs[0].Applied == nil || runs[0].TaskHandle != "task/1" {
			t.Errorf("unexpected run %+v", runs[0])
		}
	})

	t.Run("ServiceDeploymentsKeepRolloutOrder", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		if err := store.CreateRelease(ctx, sampleRelease("r1", "staging", "1.2.0", 0)); err != nil {
			t.Fatalf("CreateRelease: %v", err)
		}
		for i, svc := range []string{"gateway", "auth", "inventory"} {
			d := domain.ServiceDeployment{ReleaseID: "r1", Service: svc, Position: i, Image: "reg/" + svc + ":1.2.0", Desired: 2, Stability: domain.StabilityConverging, StartedAt: base}
			if err := store.UpsertServiceDeployment(ctx, d); err != nil {
				t.Fatalf("UpsertServiceDeployment: %v", err)
			}
		}
		if err := store.UpsertServiceDeployment(ctx, domain.ServiceDeployment{ReleaseID: "r1", Service: "auth", Position: 1, Image: "reg/auth:1.2.0", Desired: 2, Running: 2, Healthy: 2, Stability: domain.StabilityStable}); err != nil {
			t.Fatalf("UpsertServiceDeployment: %v", err)
		}

		got, err := store.ListServiceDeployments(ctx, "r1")
		if err != nil {
			t.Fatalf("ListServiceDeployments: %v", err)
		}
		if len(got) != 3 || got[0].Service != "gateway" || got[1].Service != "auth" || got[2].Service != "inventory" {
			t.Fatalf("unexpected order %+v", got)
		}
		if got[1].Stability != domain.StabilityStable || got[1].Healthy != 2 {
			t.Errorf("auth not updated: %+v", got[1])
		}

		err = store.UpsertServiceDeployment(ctx, domain.ServiceDeployment{ReleaseID: "missing", Service: "x", Stability: domain.StabilityConverging})
		if !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("deployment for missing release: got %v, want ErrNotFound", err)
		}
	})
}
