// Package rollout moves services to a release's images one at a time and
// waits for each to converge before touching the next.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ericreilly999/inventory-release/internal/domain"
	"github.com/ericreilly999/inventory-release/internal/environment"
	"github.com/ericreilly999/inventory-release/internal/platform"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultTimeout      = 10 * time.Minute
)

var (
	errConverging    = errors.New("service still converging")
	errRolloutFailed = errors.New("platform reported rollout failure")
)

// Platforms resolves the runtime adapter for an environment.
type Platforms interface {
	For(env environment.Environment) (platform.Platform, error)
}

// Catalog provides rollout order and sizing.
type Catalog interface {
	Services() []environment.Service
	SizingFor(env environment.Environment, class string) (environment.Sizing, error)
}

// Recorder persists ServiceDeployment progress.
type Recorder interface {
	UpsertServiceDeployment(ctx context.Context, deployment domain.ServiceDeployment) error
}

// Config bounds the per-service convergence wait.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// Controller drives sequential service rollouts.
type Controller struct {
	platforms Platforms
	catalog   Catalog
	recorder  Recorder
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewController constructs a Controller.
func NewController(platforms Platforms, catalog Catalog, recorder Recorder, cfg Config, logger *slog.Logger) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		platforms: platforms,
		catalog:   catalog,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger.With("component", "rollout"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RollOut updates every service to rel's image in catalogue order. It stops
// at the first service that times out or fails and returns the deployments
// touched so far; services after it are left untouched. Rollbacks call this
// with a release whose images are the prior version's.
func (c *Controller) RollOut(ctx context.Context, rel domain.Release, env environment.Environment) ([]domain.ServiceDeployment, error) {
	services := c.catalog.Services()
	targets := make([]string, len(services))
	for i, svc := range services {
		img, ok := rel.ImageFor(svc.Name)
		if !ok {
			return nil, domain.Errorf(domain.CodeValidation, "release %s has no image for %s", rel.Version, svc.Name)
		}
		targets[i] = img.String()
	}
	plat, err := c.platforms.For(env)
	if err != nil {
		return nil, domain.Wrap(err, domain.CodeRolloutFailed, "resolve platform")
	}

	log := c.logger.With("release_id", rel.ID, "environment", env.Name, "version", rel.Version, "stage", domain.StatusRollingOut)
	deployments := make([]domain.ServiceDeployment, 0, len(services))
	for i, svc := range services {
		dep, err := c.rollOne(ctx, plat, rel, env, svc, i, targets[i], log.With("service", svc.Name))
		deployments = append(deployments, dep)
		if err != nil {
			return deployments, err
		}
	}
	log.Info("all services stable", "services", len(deployments))
	return deployments, nil
}

func (c *Controller) rollOne(ctx context.Context, plat platform.Platform, rel domain.Release, env environment.Environment, svc environment.Service, position int, target string, log *slog.Logger) (domain.ServiceDeployment, error) {
	dep := domain.ServiceDeployment{
		ReleaseID: rel.ID,
		Service:   svc.Name,
		Position:  position,
		Image:     target,
		Stability: domain.StabilityConverging,
		StartedAt: c.now(),
	}

	sizing, err := c.catalog.SizingFor(env, svc.Class)
	if err != nil {
		return c.fail(ctx, dep, domain.StabilityUnstable, err.Error(), log), domain.Wrap(err, domain.CodeRolloutFailed, "sizing for "+svc.Name)
	}
	dep.Desired = sizing.DesiredCount
	if sizing.Autoscaling {
		current, err := plat.DescribeService(ctx, env, svc.Name, svc.Container)
		if err != nil {
			return c.fail(ctx, dep, domain.StabilityUnstable, err.Error(), log), domain.Wrap(err, domain.CodeRolloutFailed, "describe "+svc.Name)
		}
		dep.Desired = max(dep.Desired, current.Desired)
	}
	c.record(ctx, &dep, log)

	if err := plat.UpdateServiceImage(ctx, env, svc.Name, svc.Container, target, dep.Desired); err != nil {
		return c.fail(ctx, dep, domain.StabilityUnstable, err.Error(), log), domain.Wrap(err, domain.CodeRolloutFailed, "update "+svc.Name)
	}
	log.Info("service image updated", "image", target, "desired", dep.Desired)

	backoff := retry.WithMaxDuration(c.cfg.Timeout, retry.NewConstant(c.cfg.PollInterval))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		state, err := plat.DescribeService(ctx, env, svc.Name, svc.Container)
		if err != nil {
			log.Warn("describe service failed", "error", err)
			return retry.RetryableError(errConverging)
		}
		if state.Running != dep.Running || state.Healthy != dep.Healthy {
			dep.Running = state.Running
			dep.Healthy = state.Healthy
			c.record(ctx, &dep, log)
		}
		if state.RolloutFailed {
			dep.Message = state.Message
			return errRolloutFailed
		}
		if converged(state, dep.Desired, target) {
			return nil
		}
		return retry.RetryableError(errConverging)
	})

	switch {
	case err == nil:
		dep.Stability = domain.StabilityStable
		dep.Message = ""
		c.record(ctx, &dep, log)
		log.Info("service stable", "running", dep.Running, "healthy", dep.Healthy)
		return dep, nil
	case errors.Is(err, errRolloutFailed):
		msg := dep.Message
		if msg == "" {
			msg = err.Error()
		}
		dep = c.fail(ctx, dep, domain.StabilityUnstable, msg, log)
		return dep, domain.Errorf(domain.CodeRolloutFailed, "%s rollout failed: %s", svc.Name, msg)
	case errors.Is(err, errConverging):
		msg := fmt.Sprintf("not stable after %s: %d/%d running, %d/%d healthy", c.cfg.Timeout, dep.Running, dep.Desired, dep.Healthy, dep.Desired)
		dep = c.fail(ctx, dep, domain.StabilityTimedOut, msg, log)
		return dep, domain.Errorf(domain.CodeRolloutTimeout, "%s %s", svc.Name, msg)
	default:
		dep = c.fail(ctx, dep, domain.StabilityUnstable, err.Error(), log)
		return dep, domain.Wrap(err, domain.CodeRolloutFailed, "await "+svc.Name)
	}
}

// converged is the stability predicate: every desired replica runs the
// target image and passes the platform health check.
func converged(state platform.ServiceState, desired int, target string) bool {
	return !state.RolloutFailed &&
		state.Image == target &&
		state.Running == desired &&
		state.Healthy == desired
}

func (c *Controller) fail(ctx context.Context, dep domain.ServiceDeployment, stability domain.Stability, msg string, log *slog.Logger) domain.ServiceDeployment {
	dep.Stability = stability
	dep.Message = msg
	c.record(ctx, &dep, log)
	log.Warn("service rollout halted", "stability", stability, "reason", msg)
	return dep
}

func (c *Controller) record(ctx context.Context, dep *domain.ServiceDeployment, log *slog.Logger) {
	dep.UpdatedAt = c.now()
	if c.recorder == nil {
		return
	}
	if err := c.recorder.UpsertServiceDeployment(context.WithoutCancel(ctx), *dep); err != nil {
		log.Error("persist service deployment", "error", err)
	}
}
