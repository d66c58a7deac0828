// Package artifact checks out, tests, builds and publishes one image per
// service for a release version.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/ericreilly999/inventory-release/internal/artifact/docker"
	"github.com/ericreilly999/inventory-release/internal/artifact/registry"
	"github.com/ericreilly999/inventory-release/internal/artifact/source"
	"github.com/ericreilly999/inventory-release/internal/domain"
	"github.com/ericreilly999/inventory-release/internal/environment"
	"github.com/ericreilly999/inventory-release/internal/version"
)

const outputTailLines = 40

// Cloner fetches the source tree at a tag.
type Cloner interface {
	Clone(ctx context.Context, tag, dest string) (source.Checkout, error)
}

// Workspaces allocates checkout directories.
type Workspaces interface {
	Prepare(identifier string) (string, error)
	Cleanup(path string) error
}

// ImageBuilder builds and pushes container images.
type ImageBuilder interface {
	BuildImage(ctx context.Context, req docker.BuildRequest, onOutput docker.OutputCallback) error
	PushImage(ctx context.Context, ref string, creds docker.Credentials, onOutput docker.OutputCallback) (string, error)
}

// Resolver looks up published manifests.
type Resolver interface {
	Resolve(ctx context.Context, repository, tag string) (digest.Digest, error)
}

// CredentialSource supplies push credentials per registry host.
type CredentialSource interface {
	For(ctx context.Context, host string) (registry.Credential, error)
}

// Config tunes the builder.
type Config struct {
	Services        []environment.Service
	TestCommand     []string
	TestTimeout     time.Duration
	CheckoutTimeout time.Duration
	BuildTimeout    time.Duration
	Concurrency     int
	SourceURL       string
}

// Service implements the Testing and Building stages.
type Service struct {
	cloner     Cloner
	workspaces Workspaces
	builder    ImageBuilder
	resolver   Resolver
	creds      CredentialSource
	cfg        Config
	logger     *slog.Logger
}

// New constructs a Service.
func New(cloner Cloner, ws Workspaces, builder ImageBuilder, resolver Resolver, creds CredentialSource, cfg Config, logger *slog.Logger) *Service {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cloner:     cloner,
		workspaces: ws,
		builder:    builder,
		resolver:   resolver,
		creds:      creds,
		cfg:        cfg,
		logger:     logger.With("component", "artifact"),
	}
}

// Checkout clones the release tag into a workspace private to the release.
func (s *Service) Checkout(ctx context.Context, rel domain.Release) (source.Checkout, error) {
	dir, err := s.workspaces.Prepare(workspaceID(rel))
	if err != nil {
		return source.Checkout{}, domain.Wrap(err, domain.CodeBuildFailed, "prepare workspace")
	}
	if s.cfg.CheckoutTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CheckoutTimeout)
		defer cancel()
	}
	tag := version.Tag(rel.Version)
	co, err := s.cloner.Clone(ctx, tag, dir)
	if err != nil {
		_ = s.workspaces.Cleanup(dir)
		if errors.Is(err, source.ErrTagNotFound) {
			return source.Checkout{}, domain.Wrap(err, domain.CodeValidation, "release tag does not exist")
		}
		return source.Checkout{}, domain.Wrap(err, domain.CodeBuildFailed, "checkout")
	}
	s.logger.Info("source checked out", "release_id", rel.ID, "tag", tag, "commit", co.Commit)
	return co, nil
}

// Cleanup removes a checkout.
func (s *Service) Cleanup(co source.Checkout) error {
	return s.workspaces.Cleanup(co.Dir)
}

// Test runs the configured test command inside the checkout. An empty
// command passes.
func (s *Service) Test(ctx context.Context, co source.Checkout) error {
	if len(s.cfg.TestCommand) == 0 {
		s.logger.Info("no test command configured, skipping tests", "tag", co.Tag)
		return nil
	}
	if s.cfg.TestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TestTimeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, s.cfg.TestCommand[0], s.cfg.TestCommand[1:]...)
	cmd.Dir = co.Dir
	tail := newTail(outputTailLines)
	cmd.Stdout = tail
	cmd.Stderr = tail

	started := time.Now()
	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.Errorf(domain.CodeTestFailed, "tests exceeded %s", s.cfg.TestTimeout)
	}
	if err != nil {
		return domain.Wrap(fmt.Errorf("%w\n%s", err, tail.String()), domain.CodeTestFailed, "tests failed")
	}
	s.logger.Info("tests passed", "tag", co.Tag, "duration", time.Since(started).Round(time.Millisecond).String())
	return nil
}

// PublishAll builds every service with bounded parallelism and returns the
// references in service order.
func (s *Service) PublishAll(ctx context.Context, co source.Checkout, ver string, env environment.Environment) ([]domain.ImageRef, error) {
	refs := make([]domain.ImageRef, len(s.cfg.Services))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, svc := range s.cfg.Services {
		g.Go(func() error {
			ref, err := s.BuildAndPublish(gctx, co, svc, ver, env)
			if err != nil {
				return err
			}
			refs[i] = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return refs, nil
}

// BuildAndPublish publishes repository:version for svc. A tag that already
// exists is returned as-is and never rebuilt or overwritten.
func (s *Service) BuildAndPublish(ctx context.Context, co source.Checkout, svc environment.Service, ver string, env environment.Environment) (domain.ImageRef, error) {
	repository := env.Repository(svc.Name)
	ref := domain.ImageRef{Service: svc.Name, Repository: repository, Tag: ver}
	log := s.logger.With("service", svc.Name, "version", ver, "environment", env.Name)

	existing, err := s.resolver.Resolve(ctx, repository, ver)
	switch {
	case err == nil:
		ref.Digest = existing.String()
		log.Info("image already published", "digest", ref.Digest)
		return ref, nil
	case !errors.Is(err, registry.ErrNotFound):
		return domain.ImageRef{}, domain.Wrap(err, domain.CodePublishFailed, "query registry for "+svc.Name)
	}

	buildCtx := ctx
	if s.cfg.BuildTimeout > 0 {
		var cancel context.CancelFunc
		buildCtx, cancel = context.WithTimeout(ctx, s.cfg.BuildTimeout)
		defer cancel()
	}

	target := repository + ":" + ver
	tail := newTail(outputTailLines)
	onOutput := func(line string) {
		log.Debug("docker output", "line", line)
		_, _ = tail.Write([]byte(line + "\n"))
	}
	req := docker.BuildRequest{
		Dir:        filepath.Join(co.Dir, svc.Context),
		Dockerfile: svc.Dockerfile,
		Tag:        target,
		Labels: map[string]string{
			ocispec.AnnotationVersion:  ver,
			ocispec.AnnotationRevision: co.Commit,
			ocispec.AnnotationSource:   s.cfg.SourceURL,
			ocispec.AnnotationTitle:    svc.Name,
			ocispec.AnnotationCreated:  time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := s.builder.BuildImage(buildCtx, req, onOutput); err != nil {
		return domain.ImageRef{}, domain.Wrap(withTail(err, tail), domain.CodeBuildFailed, "build "+svc.Name)
	}
	log.Info("image built", "image", target)

	host := registry.Host(repository)
	cred, err := s.creds.For(buildCtx, host)
	if err != nil {
		return domain.ImageRef{}, domain.Wrap(err, domain.CodePublishFailed, "registry credentials for "+host)
	}
	pushed, err := s.builder.PushImage(buildCtx, target, docker.Credentials{Username: cred.Username, Password: cred.Password, Server: host}, onOutput)
	if err != nil {
		return domain.ImageRef{}, domain.Wrap(withTail(err, tail), domain.CodePublishFailed, "push "+svc.Name)
	}

	resolved, err := s.resolver.Resolve(buildCtx, repository, ver)
	if err != nil {
		return domain.ImageRef{}, domain.Wrap(err, domain.CodePublishFailed, "confirm push of "+svc.Name)
	}
	if pushed != "" && pushed != resolved.String() {
		return domain.ImageRef{}, domain.Errorf(domain.CodePublishFailed, "%s: registry digest %s differs from pushed %s", target, resolved, pushed)
	}
	ref.Digest = resolved.String()
	log.Info("image published", "digest", ref.Digest)
	return ref, nil
}

func workspaceID(rel domain.Release) string {
	id := rel.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return rel.Version + "-" + id
}

func withTail(err error, tail *tailBuffer) error {
	out := strings.TrimSpace(tail.String())
	if out == "" {
		return err
	}
	return fmt.Errorf("%w\n%s", err, out)
}
