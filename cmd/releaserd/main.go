package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ericreilly999/inventory-release/internal/app/migrate"
	"github.com/ericreilly999/inventory-release/internal/archive"
	"github.com/ericreilly999/inventory-release/internal/artifact"
	"github.com/ericreilly999/inventory-release/internal/artifact/docker"
	"github.com/ericreilly999/inventory-release/internal/artifact/registry"
	"github.com/ericreilly999/inventory-release/internal/artifact/source"
	"github.com/ericreilly999/inventory-release/internal/artifact/workspace"
	"github.com/ericreilly999/inventory-release/internal/environment"
	"github.com/ericreilly999/inventory-release/internal/health"
	httpx "github.com/ericreilly999/inventory-release/internal/http"
	"github.com/ericreilly999/inventory-release/internal/lock"
	"github.com/ericreilly999/inventory-release/internal/metrics"
	"github.com/ericreilly999/inventory-release/internal/migration"
	"github.com/ericreilly999/inventory-release/internal/pipeline"
	"github.com/ericreilly999/inventory-release/internal/platform"
	"github.com/ericreilly999/inventory-release/internal/platform/ecs"
	"github.com/ericreilly999/inventory-release/internal/platform/kubernetes"
	"github.com/ericreilly999/inventory-release/internal/repository"
	"github.com/ericreilly999/inventory-release/internal/repository/memory"
	"github.com/ericreilly999/inventory-release/internal/repository/postgres"
	"github.com/ericreilly999/inventory-release/internal/rollout"
	"github.com/ericreilly999/inventory-release/internal/secrets"
	"github.com/ericreilly999/inventory-release/internal/ws"
	"github.com/ericreilly999/inventory-release/pkg/config"
	"github.com/ericreilly999/inventory-release/pkg/logger"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		_ = config.Usage(&config.ReleaserConfig{})
		return
	}
	cfg, err := config.LoadReleaserConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	log := logger.New("releaserd", level)
	if err != nil {
		log.Warn("falling back to info logging", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("releaserd failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ReleaserConfig, log *slog.Logger) error {
	envs, err := environment.LoadFile(cfg.EnvironmentsFile)
	if err != nil {
		return err
	}
	log.Info("environment catalogue loaded", "path", cfg.EnvironmentsFile, "environments", envs.Names())

	store, dbHealth, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var locker lock.Locker
	if addr := strings.TrimSpace(cfg.LockRedisAddr); addr != "" {
		locker, err = lock.NewRedisLocker(addr, cfg.LockRedisPassword, cfg.LockRedisDB, log)
		if err != nil {
			return fmt.Errorf("connect lock store: %w", err)
		}
	} else {
		log.Warn("environment locks are process-local; run a single releaserd instance")
		locker = lock.NewMemoryLocker()
	}
	defer locker.Close()

	platforms, guards, err := openPlatforms(ctx, cfg, envs, log)
	if err != nil {
		return err
	}

	artifacts, closeArtifacts, err := openArtifacts(ctx, cfg, envs, log)
	if err != nil {
		return err
	}
	defer closeArtifacts()

	hub := ws.NewHub(log)
	defer hub.Close()

	executor := migration.NewExecutor(platforms, guards, store, envs, migration.Config{
		LaunchAttempts: cfg.MigrationLaunchAttempts,
		PollInterval:   cfg.MigrationPollInterval,
		SeedTimeout:    cfg.SeedTimeout,
	}, log)
	controller := rollout.NewController(platforms, envs, pipeline.NewDeploymentRecorder(store, hub, log), rollout.Config{
		PollInterval: cfg.RolloutPollInterval,
		Timeout:      cfg.RolloutTimeout,
	}, log)
	verifier := health.NewVerifier(envs, health.Config{
		Retries:       cfg.HealthRetries,
		RetryInterval: cfg.HealthRetryInterval,
		ProbeTimeout:  cfg.HealthProbeTimeout,
	}, log)

	deps := pipeline.Deps{
		Registry:  envs,
		Store:     store,
		Locker:    locker,
		Artifacts: artifacts,
		Migrator:  executor,
		Rollout:   controller,
		Verifier:  verifier,
		Platforms: platforms,
		Events:    hub,
		Metrics:   metrics.New(prometheus.DefaultRegisterer),
	}
	if bucket := strings.TrimSpace(cfg.ArchiveBucket); bucket != "" {
		arch, err := archive.New(ctx, bucket, cfg.ArchiveRegion, log)
		if err != nil {
			return fmt.Errorf("configure archive: %w", err)
		}
		deps.Archive = arch
	}
	p := pipeline.New(deps, pipeline.Config{LockTTL: cfg.LockTTL}, log)

	go pipeline.NewReaper(p, cfg.ReaperInterval, log).Run(ctx)

	router := httpx.NewRouter(log, p, envs, hub, httpx.Options{
		JWTSecret:          cfg.JWTSecret,
		WebhookSecret:      cfg.WebhookSecret,
		WebhookEnvironment: cfg.WebhookEnv,
		HistoryLimit:       cfg.HistoryLimit,
		DBHealth:           dbHealth,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("releaserd starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if running := p.Running(); len(running) > 0 {
			log.Info("waiting for running releases", "releases", running)
		}
		p.Wait()
		log.Info("releaserd stopped")
		return nil
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// openStore migrates and connects the release history database, or keeps
// history in memory when no database is configured.
func openStore(ctx context.Context, cfg config.ReleaserConfig, log *slog.Logger) (repository.Store, func(context.Context) error, func(), error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Warn("DATABASE_URL not set; release history is kept in memory")
		return memory.New(), nil, func() {}, nil
	}

	fsys, err := migrate.Source(cfg.MigrationsDir)
	if err != nil {
		return nil, nil, nil, err
	}
	runner, err := migrate.New(cfg.DatabaseURL, fsys, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("configure migrations: %w", err)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		return nil, nil, nil, err
	}
	if _, err := runner.Up(ctx); err != nil {
		return nil, nil, nil, err
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return postgres.New(pool), pool.Ping, pool.Close, nil
}

// openPlatforms builds one adapter per platform kind the catalogue uses,
// with the matching credential guard.
func openPlatforms(ctx context.Context, cfg config.ReleaserConfig, envs *environment.Registry, log *slog.Logger) (platform.Set, secrets.Router, error) {
	platforms := platform.Set{}
	guards := secrets.Router{}
	for _, env := range envs.Environments() {
		if _, ok := platforms[env.Platform]; ok {
			continue
		}
		switch env.Platform {
		case environment.PlatformECS:
			adapter, err := ecs.New(ctx, log)
			if err != nil {
				return nil, nil, err
			}
			guard, err := secrets.NewAWSGuard(ctx, log)
			if err != nil {
				return nil, nil, err
			}
			platforms[env.Platform] = adapter
			guards[env.Platform] = guard
		case environment.PlatformKubernetes:
			adapter, err := kubernetes.New(cfg.Kubeconfig, log)
			if err != nil {
				return nil, nil, err
			}
			platforms[env.Platform] = adapter
			guards[env.Platform] = secrets.NewKubernetesGuard(adapter.Client())
		default:
			return nil, nil, fmt.Errorf("environment %s: unsupported platform %q", env.Name, env.Platform)
		}
	}
	return platforms, guards, nil
}

func openArtifacts(ctx context.Context, cfg config.ReleaserConfig, envs *environment.Registry, log *slog.Logger) (*artifact.Service, func(), error) {
	cloner, err := source.New(cfg.SourceRepoURL, cfg.SourceToken)
	if err != nil {
		return nil, nil, err
	}
	workspaces, err := workspace.New(cfg.Workdir)
	if err != nil {
		return nil, nil, err
	}
	builder, err := docker.New(docker.Config{Host: cfg.DockerHost, Platform: cfg.DockerPlatform})
	if err != nil {
		return nil, nil, err
	}
	if err := builder.Ping(ctx); err != nil {
		log.Warn("docker daemon unreachable; builds will fail until it is available", "error", err)
	} else {
		log.Info("docker engine ready", "host", cfg.DockerHost, "platform", builder.Platform())
	}
	creds, err := registry.NewCredentials(ctx, registry.Credential{
		Username: cfg.RegistryUsername,
		Password: cfg.RegistryPassword,
	})
	if err != nil {
		_ = builder.Close()
		return nil, nil, err
	}
	svc := artifact.New(cloner, workspaces, builder, registry.NewResolver(creds), creds, artifact.Config{
		Services:        envs.Services(),
		TestCommand:     cfg.TestArgs(),
		TestTimeout:     cfg.TestTimeout,
		CheckoutTimeout: cfg.CheckoutTimeout,
		BuildTimeout:    cfg.BuildTimeout,
		Concurrency:     cfg.BuildConcurrency,
		SourceURL:       cfg.SourceRepoURL,
	}, log)
	return svc, func() { _ = builder.Close() }, nil
}
