package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// ErrNotFound is returned when a tag has not been published.
var ErrNotFound = errors.New("registry: image not found")

const (
	dockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	dockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// runnable lists manifest media types a platform can run.
var runnable = map[string]bool{
	ocispec.MediaTypeImageManifest: true,
	ocispec.MediaTypeImageIndex:    true,
	dockerManifest:                 true,
	dockerManifestList:             true,
}

// Resolver looks up manifests in OCI registries.
type Resolver struct {
	creds *Credentials
	// PlainHTTP talks to registries without TLS (local registries in tests).
	PlainHTTP bool
}

// NewResolver returns a Resolver authenticating with creds.
func NewResolver(creds *Credentials) *Resolver {
	return &Resolver{creds: creds}
}

// Resolve returns the manifest digest for repository:tag.
func (r *Resolver) Resolve(ctx context.Context, repository, tag string) (digest.Digest, error) {
	repo, err := remote.NewRepository(repository)
	if err != nil {
		return "", fmt.Errorf("parse repository %s: %w", repository, err)
	}
	repo.PlainHTTP = r.PlainHTTP
	repo.Client = &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
		Credential: func(ctx context.Context, hostport string) (auth.Credential, error) {
			if r.creds == nil {
				return auth.EmptyCredential, nil
			}
			cred, err := r.creds.For(ctx, hostport)
			if err != nil {
				return auth.EmptyCredential, err
			}
			if cred.Username == "" && cred.Password == "" {
				return auth.EmptyCredential, nil
			}
			return auth.Credential{Username: cred.Username, Password: cred.Password}, nil
		},
	}

	desc, err := repo.Resolve(ctx, tag)
	if err != nil {
		if errors.Is(err, errdef.ErrNotFound) {
			return "", fmt.Errorf("%s:%s: %w", repository, tag, ErrNotFound)
		}
		return "", fmt.Errorf("resolve %s:%s: %w", repository, tag, err)
	}
	if !runnable[desc.MediaType] {
		return "", fmt.Errorf("%s:%s is not a container image (%s)", repository, tag, desc.MediaType)
	}
	if err := desc.Digest.Validate(); err != nil {
		return "", fmt.Errorf("resolve %s:%s: %w", repository, tag, err)
	}
	return desc.Digest, nil
}

// SplitReference splits "repo:tag@digest" into its parts.
func SplitReference(ref string) (repository, tag string, dgst digest.Digest) {
	if at := strings.Index(ref, "@"); at >= 0 {
		dgst = digest.Digest(ref[at+1:])
		ref = ref[:at]
	}
	slash := strings.LastIndex(ref, "/")
	if colon := strings.LastIndex(ref, ":"); colon > slash {
		return ref[:colon], ref[colon+1:], dgst
	}
	return ref, "", dgst
}
