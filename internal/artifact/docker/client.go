// Package docker builds release images and pushes them to environment
// registries through the Docker engine API.
package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/client"
)

// DefaultPlatform is the os/arch of every runtime the releaser deploys to.
const DefaultPlatform = "linux/amd64"

var errNotInitialized = errors.New("docker client not initialized")

// Config selects the engine that builds release images.
type Config struct {
	// Host overrides DOCKER_HOST when set.
	Host string
	// Platform is passed to every build so images match the target
	// runtime regardless of the build host. Defaults to DefaultPlatform.
	Platform string
}

// Client builds and pushes release images on one engine.
type Client struct {
	inner    *client.Client
	platform string
}

// New connects to the engine named by cfg. The API version is negotiated
// on first use.
func New(cfg Config) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("connect docker engine: %w", err)
	}
	if cfg.Platform == "" {
		cfg.Platform = DefaultPlatform
	}
	return &Client{inner: inner, platform: cfg.Platform}, nil
}

// Ping checks the engine answers and runs Linux containers, which the
// service Dockerfiles require.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return errors.New("docker ping returned empty API version")
	}
	if ping.OSType != "" && ping.OSType != "linux" {
		return fmt.Errorf("docker engine runs %s containers, release images need linux", ping.OSType)
	}
	return nil
}

// Platform reports the os/arch images are built for.
func (c *Client) Platform() string {
	return c.platform
}

func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

func (c *Client) ready() error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	return nil
}
