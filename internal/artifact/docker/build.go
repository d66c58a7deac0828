package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/archive"
)

// OutputCallback is invoked with incremental build and push messages.
type OutputCallback func(string)

// BuildRequest describes one image build.
type BuildRequest struct {
	// Dir is the build context directory.
	Dir string
	// Dockerfile is relative to Dir.
	Dockerfile string
	Tag        string
	Labels     map[string]string
	BuildArgs  map[string]*string
}

// Credentials authenticate a push.
type Credentials struct {
	Username string
	Password string
	Server   string
}

// BuildImage creates a Docker image from the request's context directory.
func (c *Client) BuildImage(ctx context.Context, req BuildRequest, onOutput OutputCallback) error {
	if err := c.ready(); err != nil {
		return err
	}
	if req.Dir == "" {
		return fmt.Errorf("build directory cannot be empty")
	}
	if req.Tag == "" {
		return fmt.Errorf("image tag cannot be empty")
	}
	buildCtx, err := archive.TarWithOptions(req.Dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	dockerfile := req.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	opts := types.ImageBuildOptions{
		Tags:        []string{req.Tag},
		Dockerfile:  dockerfile,
		Labels:      req.Labels,
		BuildArgs:   req.BuildArgs,
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
		Platform:    c.platform,
	}
	resp, err := c.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()
	if _, err := readStream(resp.Body, onOutput); err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	return nil
}

// PushImage pushes ref and returns the manifest digest reported by the daemon.
func (c *Client) PushImage(ctx context.Context, ref string, creds Credentials, onOutput OutputCallback) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      creds.Username,
		Password:      creds.Password,
		ServerAddress: creds.Server,
	})
	if err != nil {
		return "", fmt.Errorf("encode registry auth: %w", err)
	}
	resp, err := c.inner.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return "", fmt.Errorf("docker image push: %w", err)
	}
	defer resp.Close()
	digest, err := readStream(resp, onOutput)
	if err != nil {
		return "", fmt.Errorf("docker image push: %w", err)
	}
	return digest, nil
}

// readStream decodes the engine's JSON message stream, forwarding rendered
// lines and returning the last digest seen.
func readStream(r io.Reader, onOutput OutputCallback) (string, error) {
	decoder := json.NewDecoder(r)
	digest := ""
	for {
		var msg streamMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return digest, nil
			}
			return digest, fmt.Errorf("decode output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return digest, errors.New(errMsg)
		}
		if d, ok := msg.Aux["Digest"].(string); ok && d != "" {
			digest = d
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
}

type streamMessage struct {
	Stream         string         `json:"stream"`
	Status         string         `json:"status"`
	ID             string         `json:"id"`
	Progress       string         `json:"progress"`
	ProgressDetail progressDetail `json:"progressDetail"`
	Error          string         `json:"error"`
	ErrorDetail    errorDetail    `json:"errorDetail"`
	Aux            map[string]any `json:"aux"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type errorDetail struct {
	Message string `json:"message"`
}

func (m streamMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m streamMessage) render() string {
	if m.Stream != "" {
		return strings.TrimRight(m.Stream, "\n")
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if id := strings.TrimSpace(m.ID); id != "" {
			parts = append(parts, id)
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		progress := strings.TrimSpace(m.Progress)
		if progress == "" && m.ProgressDetail.Total > 0 {
			progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
		}
		if progress != "" {
			parts = append(parts, progress)
		}
		return strings.Join(parts, " ")
	}
	if id, ok := m.Aux["ID"]; ok {
		return fmt.Sprintf("image id: %v", id)
	}
	if digest, ok := m.Aux["Digest"]; ok {
		return fmt.Sprintf("digest: %v", digest)
	}
	return ""
}
