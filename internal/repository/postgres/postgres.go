package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ericreilly999/inventory-release/internal/domain"
	"github.com/ericreilly999/inventory-release/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ReleaseRepository           = (*Repository)(nil)
	_ repository.MigrationRunRepository      = (*Repository)(nil)
	_ repository.ServiceDeploymentRepository = (*Repository)(nil)
	_ repository.Store                       = (*Repository)(nil)
)

const releaseColumns = `id, version, environment, kind, rollback_of, images, previous_images, status, stage,
	failure_code, failure_reason, triggered_by, started_at, ended_at, updated_at`

// CreateRelease inserts a release record.
func (r *Repository) CreateRelease(ctx context.Context, release *domain.Release) error {
	const query = `INSERT INTO releases (` + releaseColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := r.pool.Exec(ctx, query,
		release.ID,
		release.Version,
		release.Environment,
		string(release.Kind),
		release.RollbackOf,
		domain.EncodeImages(release.Images),
		domain.EncodeImages(release.PreviousImages),
		string(release.Status),
		string(release.Stage),
		release.FailureCode,
		release.FailureReason,
		release.TriggeredBy,
		release.StartedAt.UTC(),
		timePtrToNil(release.EndedAt),
		release.UpdatedAt.UTC(),
	)
	return mapWriteError(err)
}

// UpdateReleaseStatus persists a status transition. Terminal releases are
// never modified; the update reports ErrConflict instead.
func (r *Repository) UpdateReleaseStatus(ctx context.Context, update domain.ReleaseStatusUpdate) error {
	const query = `UPDATE releases
		SET status = $2,
			stage = COALESCE($3, stage),
			images = COALESCE($4, images),
			previous_images = COALESCE($5, previous_images),
			failure_code = COALESCE($6, failure_code),
			failure_reason = COALESCE($7, failure_reason),
			ended_at = COALESCE($8, ended_at),
			updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('released', 'rolled_back', 'failed')`
	tag, err := r.pool.Exec(ctx, query,
		update.ReleaseID,
		string(update.Status),
		emptyToNil(string(update.Stage)),
		imagesToNil(update.Images),
		imagesToNil(update.PreviousImages),
		emptyToNil(update.FailureCode),
		emptyToNil(update.FailureReason),
		timePtrToNil(update.EndedAt),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetRelease(ctx, update.ReleaseID); err != nil {
			return err
		}
		return repository.ErrConflict
	}
	return nil
}

// GetRelease fetches a release by identifier.
func (r *Repository) GetRelease(ctx context.Context, releaseID string) (*domain.Release, error) {
	const query = `SELECT ` + releaseColumns + ` FROM releases WHERE id = $1`
	return scanRelease(r.pool.QueryRow(ctx, query, releaseID))
}

// GetReleaseByVersion fetches the latest attempt of version in environment.
func (r *Repository) GetReleaseByVersion(ctx context.Context, environment, version string) (*domain.Release, error) {
	const query = `SELECT ` + releaseColumns + ` FROM releases
		WHERE environment = $1 AND version = $2
		ORDER BY started_at DESC LIMIT 1`
	return scanRelease(r.pool.QueryRow(ctx, query, environment, version))
}

// LatestReleased fetches the latest successful attempt of version in environment.
func (r *Repository) LatestReleased(ctx context.Context, environment, version string) (*domain.Release, error) {
	const query = `SELECT ` + releaseColumns + ` FROM releases
		WHERE environment = $1 AND version = $2 AND status IN ('released', 'rolled_back')
		ORDER BY started_at DESC LIMIT 1`
	return scanRelease(r.pool.QueryRow(ctx, query, environment, version))
}

// ListReleasesByEnvironment fetches recent releases for an environment.
func (r *Repository) ListReleasesByEnvironment(ctx context.Context, environment string, limit int) ([]domain.Release, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT ` + releaseColumns + ` FROM releases
		WHERE environment = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, environment, limit)
	if err != nil {
		return nil, err
	}
	return collectReleases(rows)
}

// ListActiveReleases fetches releases that have not reached a terminal status.
func (r *Repository) ListActiveReleases(ctx context.Context) ([]domain.Release, error) {
	const query = `SELECT ` + releaseColumns + ` FROM releases
		WHERE status NOT IN ('released', 'rolled_back', 'failed') ORDER BY started_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return collectReleases(rows)
}

func collectReleases(rows pgx.Rows) ([]domain.Release, error) {
	defer rows.Close()
	var releases []domain.Release
	for rows.Next() {
		release, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		releases = append(releases, *release)
	}
	return releases, rows.Err()
}

func scanRelease(row pgx.Row) (*domain.Release, error) {
	var (
		rel                    domain.Release
		kind, status, stage    string
		images, previousImages []byte
	)
	if err := row.Scan(
		&rel.ID, &rel.Version, &rel.Environment, &kind, &rel.RollbackOf, &images, &previousImages,
		&status, &stage, &rel.FailureCode, &rel.FailureReason, &rel.TriggeredBy,
		&rel.StartedAt, &rel.EndedAt, &rel.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	rel.Kind = domain.ReleaseKind(kind)
	rel.Status = domain.ReleaseStatus(status)
	rel.Stage = domain.ReleaseStatus(stage)
	var err error
	if rel.Images, err = domain.DecodeImages(images); err != nil {
		return nil, err
	}
	if rel.PreviousImages, err = domain.DecodeImages(previousImages); err != nil {
		return nil, err
	}
	return &rel, nil
}

const migrationColumns = `id, release_id, environment, version, state, task_handle, exit_code, log_ref, applied,
	reason, started_at, ended_at`

// CreateMigrationRun inserts a migration run. A second active run for the
// same environment reports ErrConflict.
func (r *Repository) CreateMigrationRun(ctx context.Context, run *domain.MigrationRun) error {
	const query = `INSERT INTO migration_runs (` + migrationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.pool.Exec(ctx, query,
		run.ID,
		run.ReleaseID,
		run.Environment,
		run.Version,
		string(run.State),
		run.TaskHandle,
		intPtrToNil(run.ExitCode),
		run.LogRef,
		intPtrToNil(run.Applied),
		run.Reason,
		run.StartedAt.UTC(),
		timePtrToNil(run.EndedAt),
	)
	return mapWriteError(err)
}

// UpdateMigrationRun persists the mutable fields of a run.
func (r *Repository) UpdateMigrationRun(ctx context.Context, run *domain.MigrationRun) error {
	const query = `UPDATE migration_runs
		SET state = $2,
			task_handle = $3,
			exit_code = $4,
			log_ref = $5,
			applied = $6,
			reason = $7,
			ended_at = $8
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		run.ID,
		string(run.State),
		run.TaskHandle,
		intPtrToNil(run.ExitCode),
		run.LogRef,
		intPtrToNil(run.Applied),
		run.Reason,
		timePtrToNil(run.EndedAt),
	)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListMigrationRuns fetches every run of a release in launch order.
func (r *Repository) ListMigrationRuns(ctx context.Context, releaseID string) ([]domain.MigrationRun, error) {
	const query = `SELECT ` + migrationColumns + ` FROM migration_runs
		WHERE release_id = $1 ORDER BY started_at, id`
	rows, err := r.pool.Query(ctx, query, releaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.MigrationRun
	for rows.Next() {
		run, err := scanMigrationRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ActiveMigrationRun fetches the launching or running migration in environment.
func (r *Repository) ActiveMigrationRun(ctx context.Context, environment string) (*domain.MigrationRun, error) {
	const query = `SELECT ` + migrationColumns + ` FROM migration_runs
		WHERE environment = $1 AND state IN ('launching', 'running')
		ORDER BY started_at DESC LIMIT 1`
	return scanMigrationRun(r.pool.QueryRow(ctx, query, environment))
}

func scanMigrationRun(row pgx.Row) (*domain.MigrationRun, error) {
	var (
		run   domain.MigrationRun
		state string
	)
	if err := row.Scan(
		&run.ID, &run.ReleaseID, &run.Environment, &run.Version, &state, &run.TaskHandle,
		&run.ExitCode, &run.LogRef, &run.Applied, &run.Reason, &run.StartedAt, &run.EndedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	run.State = domain.MigrationState(state)
	return &run, nil
}

// UpsertServiceDeployment records the latest observation of one service rollout.
func (r *Repository) UpsertServiceDeployment(ctx context.Context, d domain.ServiceDeployment) error {
	const query = `INSERT INTO service_deployments (release_id, service, position, image, desired, running, healthy, stability, message, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (release_id, service) DO UPDATE
		SET image = EXCLUDED.image,
			desired = EXCLUDED.desired,
			running = EXCLUDED.running,
			healthy = EXCLUDED.healthy,
			stability = EXCLUDED.stability,
			message = EXCLUDED.message,
			updated_at = NOW()`
	started := d.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err := r.pool.Exec(ctx, query,
		d.ReleaseID,
		d.Service,
		d.Position,
		d.Image,
		d.Desired,
		d.Running,
		d.Healthy,
		string(d.Stability),
		d.Message,
		started.UTC(),
	)
	return mapWriteError(err)
}

// ListServiceDeployments fetches a release's deployments in rollout order.
func (r *Repository) ListServiceDeployments(ctx context.Context, releaseID string) ([]domain.ServiceDeployment, error) {
	const query = `SELECT release_id, service, position, image, desired, running, healthy, stability, message, started_at, updated_at
		FROM service_deployments WHERE release_id = $1 ORDER BY position`
	rows, err := r.pool.Query(ctx, query, releaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.ServiceDeployment
	for rows.Next() {
		var (
			d         domain.ServiceDeployment
			stability string
		)
		if err := rows.Scan(&d.ReleaseID, &d.Service, &d.Position, &d.Image, &d.Desired, &d.Running, &d.Healthy, &stability, &d.Message, &d.StartedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Stability = domain.Stability(stability)
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return repository.ErrConflict
		case "23503":
			return repository.ErrNotFound
		}
	}
	return err
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func intPtrToNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func imagesToNil(images []domain.ImageRef) any {
	if images == nil {
		return nil
	}
	return domain.EncodeImages(images)
}

func timePtrToNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
