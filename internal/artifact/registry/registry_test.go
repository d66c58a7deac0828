package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockECR implements ECRAPI for testing
type mockECR struct {
	calls    int
	token    string
	expires  time.Time
	tokenErr error
}

func (m *mockECR) GetAuthorizationToken(_ context.Context, _ *ecr.GetAuthorizationTokenInput, _ ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
	m.calls++
	if m.tokenErr != nil {
		return nil, m.tokenErr
	}
	return &ecr.GetAuthorizationTokenOutput{AuthorizationData: []types.AuthorizationData{{
		AuthorizationToken: aws.String(m.token),
		ExpiresAt:          aws.Time(m.expires),
	}}}, nil
}

func TestECRRegion(t *testing.T) {
	tests := []struct {
		host   string
		region string
		ok     bool
	}{
		{"123456789012.dkr.ecr.us-west-2.amazonaws.com", "us-west-2", true},
		{"123456789012.dkr.ecr.us-east-1.amazonaws.com/inventory", "us-east-1", true},
		{"ghcr.io", "", false},
		{"localhost:5000", "", false},
	}
	for _, tt := range tests {
		region, ok := ECRRegion(tt.host)
		assert.Equal(t, tt.ok, ok, tt.host)
		assert.Equal(t, tt.region, region, tt.host)
	}
}

func TestCredentialsECRTokenCached(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	api := &mockECR{
		token:   base64.StdEncoding.EncodeToString([]byte("AWS:s3cr3t")),
		expires: now.Add(12 * time.Hour),
	}
	var regions []string
	creds := NewCredentialsWithClients(func(region string) ECRAPI {
		regions = append(regions, region)
		return api
	}, Credential{Username: "static"})
	creds.now = func() time.Time { return now }

	host := "123456789012.dkr.ecr.us-west-2.amazonaws.com"
	cred, err := creds.For(context.Background(), host)
	require.NoError(t, err)
	assert.Equal(t, Credential{Username: "AWS", Password: "s3cr3t"}, cred)

	_, err = creds.For(context.Background(), host)
	require.NoError(t, err)
	assert.Equal(t, 1, api.calls)
	assert.Equal(t, []string{"us-west-2"}, regions)

	creds.now = func() time.Time { return now.Add(12 * time.Hour) }
	_, err = creds.For(context.Background(), host)
	require.NoError(t, err)
	assert.Equal(t, 2, api.calls, "expired token must be renewed")
}

func TestCredentialsStaticForOtherHosts(t *testing.T) {
	creds := NewCredentialsWithClients(func(string) ECRAPI {
		t.Fatal("ECR must not be called for non-ECR hosts")
		return nil
	}, Credential{Username: "bot", Password: "pw"})
	cred, err := creds.For(context.Background(), "ghcr.io")
	require.NoError(t, err)
	assert.Equal(t, "bot", cred.Username)
}

func TestCredentialsECRError(t *testing.T) {
	api := &mockECR{tokenErr: errors.New("AccessDenied")}
	creds := NewCredentialsWithClients(func(string) ECRAPI { return api }, Credential{})
	_, err := creds.For(context.Background(), "123456789012.dkr.ecr.us-west-2.amazonaws.com")
	require.Error(t, err)
}

// registryServer answers manifest HEAD requests for the given tags.
func registryServer(t *testing.T, tags map[string]string, mediaType string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /v2/<name>/manifests/<reference>
		path := strings.TrimPrefix(r.URL.Path, "/v2/")
		name, ref, ok := strings.Cut(path, "/manifests/")
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		dgst, found := tags[name+":"+ref]
		if !found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", mediaType)
		w.Header().Set("Docker-Content-Digest", dgst)
		w.Header().Set("Content-Length", "1024")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolve(t *testing.T) {
	want := digest.FromString("inventory manifest")
	srv := registryServer(t, map[string]string{"inventory/gateway:1.2.0": want.String()}, ocispec.MediaTypeImageManifest)
	host := strings.TrimPrefix(srv.URL, "http://")

	r := NewResolver(nil)
	r.PlainHTTP = true

	got, err := r.Resolve(context.Background(), host+"/inventory/gateway", "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = r.Resolve(context.Background(), host+"/inventory/gateway", "1.3.0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveRejectsNonImages(t *testing.T) {
	srv := registryServer(t, map[string]string{"inventory/gateway:1.2.0": digest.FromString("x").String()}, "application/vnd.cncf.helm.config.v1+json")
	r := NewResolver(nil)
	r.PlainHTTP = true
	_, err := r.Resolve(context.Background(), strings.TrimPrefix(srv.URL, "http://")+"/inventory/gateway", "1.2.0")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestSplitReference(t *testing.T) {
	repo, tag, dgst := SplitReference("localhost:5000/inventory/web:1.2.0@sha256:abc")
	assert.Equal(t, "localhost:5000/inventory/web", repo)
	assert.Equal(t, "1.2.0", tag)
	assert.Equal(t, digest.Digest("sha256:abc"), dgst)

	repo, tag, _ = SplitReference("localhost:5000/inventory/web")
	assert.Equal(t, "localhost:5000/inventory/web", repo)
	assert.Empty(t, tag)
	assert.Equal(t, "localhost:5000", Host(repo))
}
