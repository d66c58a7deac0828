// Package migrate applies goose migrations and reports what changed.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/ericreilly999/inventory-release/db"
)

// Summary describes the outcome of an Up run. Applied is zero when the
// schema was already current.
type Summary struct {
	Applied  int
	Version  int64
	Pending  int
	Duration time.Duration
}

// Runner wraps a goose provider bound to one database.
type Runner struct {
	db       *sql.DB
	provider *goose.Provider
	log      *slog.Logger
}

// Source resolves the migration files: dir on disk when set, otherwise the
// releaser's embedded schema.
func Source(dir string) (fs.FS, error) {
	if dir == "" {
		return fs.Sub(db.Migrations, "migrations")
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("locate migrations dir: %w", err)
	}
	return os.DirFS(dir), nil
}

// New opens dsn and prepares a goose provider over fsys. The goose version
// table is the persisted schema-version marker, so Up is a no-op when no
// migrations are pending.
func New(dsn string, fsys fs.FS, log *slog.Logger) (*Runner, error) {
	if dsn == "" {
		return nil, errors.New("empty database dsn")
	}
	if fsys == nil {
		return nil, errors.New("nil migrations source")
	}
	if log == nil {
		log = slog.Default()
	}

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, fsys)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("configure goose: %w", err)
	}
	return &Runner{db: sqlDB, provider: provider, log: log}, nil
}

// Ping ensures the database connection is alive.
func (r *Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Up applies pending migrations.
func (r *Runner) Up(ctx context.Context) (Summary, error) {
	started := time.Now()
	results, err := r.provider.Up(ctx)
	summary := Summary{Duration: time.Since(started)}
	for _, res := range results {
		if res.Error == nil {
			summary.Applied++
		}
	}
	if err != nil {
		var partial *goose.PartialError
		if errors.As(err, &partial) {
			summary.Applied = len(partial.Applied)
		}
		return summary, fmt.Errorf("apply migrations: %w", err)
	}
	version, err := r.provider.GetDBVersion(ctx)
	if err != nil {
		return summary, fmt.Errorf("read schema version: %w", err)
	}
	summary.Version = version
	r.log.Info("migrations applied", "applied", summary.Applied, "version", version)
	return summary, nil
}

// Status reports the current version and pending count.
func (r *Runner) Status(ctx context.Context) (Summary, error) {
	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("migration status: %w", err)
	}
	var summary Summary
	for _, st := range statuses {
		switch st.State {
		case goose.StatePending:
			summary.Pending++
		case goose.StateApplied:
			summary.Applied++
			r.log.Debug("migration applied", "version", st.Source.Version, "path", st.Source.Path, "applied_at", st.AppliedAt)
		}
	}
	version, err := r.provider.GetDBVersion(ctx)
	if err != nil {
		return summary, fmt.Errorf("read schema version: %w", err)
	}
	summary.Version = version
	return summary, nil
}

// Down rolls back either the latest migration or down to targetVersion.
func (r *Runner) Down(ctx context.Context, targetVersion int64) error {
	if targetVersion > 0 {
		r.log.Info("rolling back migrations", "target", targetVersion)
		if _, err := r.provider.DownTo(ctx, targetVersion); err != nil {
			return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
		}
		return nil
	}
	r.log.Info("rolling back latest migration")
	if _, err := r.provider.Down(ctx); err != nil {
		return fmt.Errorf("rollback latest migration: %w", err)
	}
	return nil
}

// Close releases underlying connections.
func (r *Runner) Close() error {
	return r.provider.Close()
}
