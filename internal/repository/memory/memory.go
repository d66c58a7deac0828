// Package memory is an in-process repository used by tests and by releaserd
// when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ericreilly999/inventory-release/internal/domain"
	"github.com/ericreilly999/inventory-release/internal/repository"
)

// Store keeps release history in maps guarded by a single mutex.
type Store struct {
	mu          sync.RWMutex
	releases    map[string]domain.Release
	migrations  map[string]domain.MigrationRun
	deployments map[string]map[string]domain.ServiceDeployment
	now         func() time.Time
}

var _ repository.Store = (*Store)(nil)

// New constructs an empty store.
func New() *Store {
	return &Store{
		releases:    make(map[string]domain.Release),
		migrations:  make(map[string]domain.MigrationRun),
		deployments: make(map[string]map[string]domain.ServiceDeployment),
		now:         time.Now,
	}
}

func (s *Store) CreateRelease(_ context.Context, release *domain.Release) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.releases[release.ID]; exists {
		return repository.ErrConflict
	}
	if release.RollbackOf != nil {
		if _, ok := s.releases[*release.RollbackOf]; !ok {
			return repository.ErrNotFound
		}
	}
	s.releases[release.ID] = cloneRelease(*release)
	return nil
}

func (s *Store) UpdateReleaseStatus(_ context.Context, update domain.ReleaseStatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.releases[update.ReleaseID]
	if !ok {
		return repository.ErrNotFound
	}
	if rel.Status.Terminal() {
		return repository.ErrConflict
	}
	rel.Status = update.Status
	if update.Stage != "" {
		rel.Stage = update.Stage
	}
	if update.Images != nil {
		rel.Images = append([]domain.ImageRef(nil), update.Images...)
	}
	if update.PreviousImages != nil {
		rel.PreviousImages = append([]domain.ImageRef(nil), update.PreviousImages...)
	}
	if update.FailureCode != "" {
		rel.FailureCode = update.FailureCode
	}
	if update.FailureReason != "" {
		rel.FailureReason = update.FailureReason
	}
	if update.EndedAt != nil {
		ended := *update.EndedAt
		rel.EndedAt = &ended
	}
	rel.UpdatedAt = s.now()
	s.releases[rel.ID] = rel
	return nil
}

func (s *Store) GetRelease(_ context.Context, releaseID string) (*domain.Release, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rel, ok := s.releases[releaseID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneRelease(rel)
	return &out, nil
}

func (s *Store) GetReleaseByVersion(_ context.Context, environment, version string) (*domain.Release, error) {
	return s.latest(func(r domain.Release) bool {
		return r.Environment == environment && r.Version == version
	})
}

func (s *Store) LatestReleased(_ context.Context, environment, version string) (*domain.Release, error) {
	return s.latest(func(r domain.Release) bool {
		return r.Environment == environment && r.Version == version &&
			(r.Status == domain.StatusReleased || r.Status == domain.StatusRolledBack)
	})
}

func (s *Store) latest(match func(domain.Release) bool) (*domain.Release, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *domain.Release
	for _, rel := range s.releases {
		if !match(rel) {
			continue
		}
		if found == nil || rel.StartedAt.After(found.StartedAt) {
			cp := cloneRelease(rel)
			found = &cp
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

func (s *Store) ListReleasesByEnvironment(_ context.Context, environment string, limit int) ([]domain.Release, error) {
	if limit <= 0 {
		limit = 20
	}
	out := s.filter(func(r domain.Release) bool { return r.Environment == environment })
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListActiveReleases(_ context.Context) ([]domain.Release, error) {
	out := s.filter(func(r domain.Release) bool { return !r.Status.Terminal() })
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *Store) filter(match func(domain.Release) bool) []domain.Release {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Release
	for _, rel := range s.releases {
		if match(rel) {
			out = append(out, cloneRelease(rel))
		}
	}
	return out
}

func (s *Store) CreateMigrationRun(_ context.Context, run *domain.MigrationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.releases[run.ReleaseID]; !ok {
		return repository.ErrNotFound
	}
	if _, exists := s.migrations[run.ID]; exists {
		return repository.ErrConflict
	}
	if run.State.Active() {
		for _, other := range s.migrations {
			if other.Environment == run.Environment && other.State.Active() {
				return repository.ErrConflict
			}
		}
	}
	s.migrations[run.ID] = *run
	return nil
}

func (s *Store) UpdateMigrationRun(_ context.Context, run *domain.MigrationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.migrations[run.ID]
	if !ok {
		return repository.ErrNotFound
	}
	current.State = run.State
	current.TaskHandle = run.TaskHandle
	current.ExitCode = run.ExitCode
	current.LogRef = run.LogRef
	current.Applied = run.Applied
	current.Reason = run.Reason
	current.EndedAt = run.EndedAt
	s.migrations[run.ID] = current
	return nil
}

func (s *Store) ListMigrationRuns(_ context.Context, releaseID string) ([]domain.MigrationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []domain.MigrationRun
	for _, run := range s.migrations {
		if run.ReleaseID == releaseID {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs, nil
}

func (s *Store) ActiveMigrationRun(_ context.Context, environment string) (*domain.MigrationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, run := range s.migrations {
		if run.Environment == environment && run.State.Active() {
			out := run
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) UpsertServiceDeployment(_ context.Context, d domain.ServiceDeployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.releases[d.ReleaseID]; !ok {
		return repository.ErrNotFound
	}
	byService, ok := s.deployments[d.ReleaseID]
	if !ok {
		byService = make(map[string]domain.ServiceDeployment)
		s.deployments[d.ReleaseID] = byService
	}
	if existing, ok := byService[d.Service]; ok {
		d.StartedAt = existing.StartedAt
		d.Position = existing.Position
	} else if d.StartedAt.IsZero() {
		d.StartedAt = s.now()
	}
	d.UpdatedAt = s.now()
	byService[d.Service] = d
	return nil
}

func (s *Store) ListServiceDeployments(_ context.Context, releaseID string) ([]domain.ServiceDeployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ServiceDeployment, 0, len(s.deployments[releaseID]))
	for _, d := range s.deployments[releaseID] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func cloneRelease(r domain.Release) domain.Release {
	r.Images = append([]domain.ImageRef(nil), r.Images...)
	r.PreviousImages = append([]domain.ImageRef(nil), r.PreviousImages...)
	return r
}
