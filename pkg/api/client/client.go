package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ericreilly999/inventory-release/internal/domain"
	"github.com/ericreilly999/inventory-release/internal/migration"
	"github.com/ericreilly999/inventory-release/internal/pipeline"
)

// Client provides typed access to the releaser API for operator tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the operator bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL. Requests
// are bounded only by their contexts, since seeding holds a request open
// until the task exits.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("api request failed (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp.StatusCode, resp.Body)
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(status int, body io.Reader) APIError {
	apiErr := APIError{Status: status}
	if body == nil {
		return apiErr
	}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return apiErr
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(payload.Error)
	apiErr.Code = payload.Code
	return apiErr
}

// Environment reflects the API's environment summary.
type Environment struct {
	Name         string   `json:"name"`
	Class        string   `json:"class"`
	Region       string   `json:"region"`
	Platform     string   `json:"platform"`
	Boundary     string   `json:"boundary"`
	Autoscaling  bool     `json:"autoscaling"`
	PublicDomain string   `json:"public_domain"`
	Services     []string `json:"services"`
}

// Environments lists the environments the operator may release to.
func (c *Client) Environments(ctx context.Context) ([]Environment, error) {
	var resp struct {
		Environments []Environment `json:"environments"`
	}
	if err := c.do(ctx, http.MethodGet, "/environments", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Environments, nil
}

// Release starts a release of version in env.
func (c *Client) Release(ctx context.Context, env, version string) (domain.Release, error) {
	var rel domain.Release
	err := c.do(ctx, http.MethodPost, "/environments/"+url.PathEscape(env)+"/releases", map[string]string{"version": version}, &rel)
	return rel, err
}

// Rollback re-applies the images of a previously released version.
func (c *Client) Rollback(ctx context.Context, env, version string) (domain.Release, error) {
	var rel domain.Release
	err := c.do(ctx, http.MethodPost, "/environments/"+url.PathEscape(env)+"/rollbacks", map[string]string{"version": version}, &rel)
	return rel, err
}

// History lists recent releases in env, newest first.
func (c *Client) History(ctx context.Context, env string, limit int) ([]domain.Release, error) {
	path := "/environments/" + url.PathEscape(env) + "/releases"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Releases []domain.Release `json:"releases"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Releases, nil
}

// Show fetches a release with its migration runs and service deployments.
func (c *Client) Show(ctx context.Context, releaseID string) (pipeline.Report, error) {
	var report pipeline.Report
	err := c.do(ctx, http.MethodGet, "/releases/"+url.PathEscape(releaseID), nil, &report)
	return report, err
}

// ShowVersion fetches the latest attempt of version in env.
func (c *Client) ShowVersion(ctx context.Context, env, version string) (pipeline.Report, error) {
	var report pipeline.Report
	err := c.do(ctx, http.MethodGet, "/environments/"+url.PathEscape(env)+"/releases/"+url.PathEscape(version), nil, &report)
	return report, err
}

// Cancel asks the pipeline to stop a release at its next stage boundary.
func (c *Client) Cancel(ctx context.Context, releaseID string) error {
	return c.do(ctx, http.MethodPost, "/releases/"+url.PathEscape(releaseID)+"/cancel", nil, nil)
}

// Seed runs the environment's seed task with the release's images.
func (c *Client) Seed(ctx context.Context, releaseID string) (migration.SeedRun, error) {
	var run migration.SeedRun
	err := c.do(ctx, http.MethodPost, "/releases/"+url.PathEscape(releaseID)+"/seed", nil, &run)
	return run, err
}
