package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/ericreilly999/inventory-release/internal/app/migrate"
	"github.com/ericreilly999/inventory-release/internal/migration"
	"github.com/ericreilly999/inventory-release/pkg/config"
	"github.com/ericreilly999/inventory-release/pkg/logger"
)

func main() {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	dir := fs.String("dir", "", "migrations directory (overrides DB_MIGRATIONS_DIR; default embedded releaser schema)")
	target := fs.Int64("target", 0, "target version for down (default: latest migration only)")
	timeout := fs.Duration("timeout", 0, "command timeout (overrides MIGRATE_TIMEOUT)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: migrate [flags] [up|status|down]\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	command := "up"
	if fs.NArg() > 0 {
		command = fs.Arg(0)
	}

	cfg, err := config.LoadMigrateConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	level, levelErr := logger.ParseLevel(cfg.LogLevel)
	log := logger.New("migrate", level)
	if levelErr != nil {
		log.Warn("falling back to info logging", "error", levelErr)
	}
	if *dir != "" {
		cfg.MigrationsDir = *dir
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}

	if err := run(command, cfg, *target, log); err != nil {
		log.Error("migrate failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func run(command string, cfg config.MigrateConfig, target int64, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	fsys, err := migrate.Source(cfg.MigrationsDir)
	if err != nil {
		return err
	}
	runner, err := migrate.New(cfg.DatabaseURL, fsys, log)
	if err != nil {
		return fmt.Errorf("configure migration runner: %w", err)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		return err
	}

	switch command {
	case "up":
		summary, err := runner.Up(ctx)
		if err != nil {
			return err
		}
		// The release pipeline reads this record from the task log.
		log.Info(migration.SummaryMessage,
			"applied", summary.Applied,
			"version", summary.Version,
			"pending", 0,
			"duration_ms", summary.Duration.Milliseconds(),
		)
	case "status":
		summary, err := runner.Status(ctx)
		if err != nil {
			return err
		}
		log.Info("migration status", "applied", summary.Applied, "version", summary.Version, "pending", summary.Pending)
	case "down":
		if err := runner.Down(ctx, target); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported command %q", command)
	}
	log.Info("migration command completed", "command", command)
	return nil
}
