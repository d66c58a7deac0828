// Package health probes the public health endpoint of every rolled-out
// service and folds the results into a release verdict.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/ericreilly999/inventory-release/internal/domain"
	"github.com/ericreilly999/inventory-release/internal/environment"
)

const (
	defaultRetries       = 5
	defaultRetryInterval = 5 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// Services looks up the health path of a service.
type Services interface {
	Service(name string) (environment.Service, bool)
}

// Config bounds probing.
type Config struct {
	Retries       int
	RetryInterval time.Duration
	ProbeTimeout  time.Duration
	// Client defaults to a client with ProbeTimeout.
	Client *http.Client
}

// Verifier checks service health endpoints.
type Verifier struct {
	services Services
	cfg      Config
	client   *http.Client
	logger   *slog.Logger
}

// NewVerifier constructs a Verifier.
func NewVerifier(services Services, cfg Config, logger *slog.Logger) *Verifier {
	if cfg.Retries < 1 {
		cfg.Retries = defaultRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.ProbeTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{services: services, cfg: cfg, client: client, logger: logger.With("component", "health")}
}

// URL returns the externally reachable health endpoint of service in env.
func URL(env environment.Environment, svc environment.Service) string {
	path := svc.HealthPath
	if path == "" {
		path = "/health"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("https://%s.%s%s", svc.Name, strings.TrimPrefix(env.PublicDomain, "."), path)
}

// Verify probes every deployed service. Probes run concurrently; checks are
// returned in deployment order. Unhealthy services are reported in the
// result and never trigger any action here.
func (v *Verifier) Verify(ctx context.Context, env environment.Environment, deployments []domain.ServiceDeployment) domain.VerificationResult {
	checks := make([]domain.ServiceCheck, len(deployments))
	g, gctx := errgroup.WithContext(ctx)
	for i, dep := range deployments {
		g.Go(func() error {
			checks[i] = v.probe(gctx, env, dep.Service)
			return nil
		})
	}
	_ = g.Wait()

	result := domain.VerificationResult{Checks: checks}
	if failing := result.FailingServices(); len(failing) > 0 {
		v.logger.Warn("health verification failed", "environment", env.Name, "failing", failing)
	} else {
		v.logger.Info("health verification passed", "environment", env.Name, "services", len(checks))
	}
	return result
}

func (v *Verifier) probe(ctx context.Context, env environment.Environment, name string) domain.ServiceCheck {
	check := domain.ServiceCheck{Service: name}
	svc, ok := v.services.Service(name)
	if !ok {
		check.Error = "unknown service"
		return check
	}
	check.URL = URL(env, svc)

	backoff := retry.WithMaxRetries(uint64(v.cfg.Retries-1), retry.NewConstant(v.cfg.RetryInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		check.Attempts++
		code, err := v.get(ctx, check.URL)
		check.StatusCode = code
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		check.Error = err.Error()
		v.logger.Debug("health probe failed", "service", name, "url", check.URL, "attempts", check.Attempts, "error", err)
		return check
	}
	check.Healthy = true
	check.Error = ""
	return check
}

func (v *Verifier) get(ctx context.Context, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		var urlErr interface{ Timeout() bool }
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return 0, fmt.Errorf("probe timed out after %s", v.cfg.ProbeTimeout)
		}
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
