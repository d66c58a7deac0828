// Package source checks out the application repository at a release tag.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// ErrTagNotFound is returned when the remote has no such tag.
var ErrTagNotFound = errors.New("source: tag not found")

// Checkout describes a completed checkout.
type Checkout struct {
	Dir    string
	Tag    string
	Commit string
}

// Cloner clones the configured repository.
type Cloner struct {
	url  string
	auth transport.AuthMethod
}

// New returns a Cloner for url. A non-empty token is sent as HTTP basic
// auth, which GitHub, GitLab and CodeCommit accept for https remotes.
func New(url, token string) (*Cloner, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("repository URL cannot be empty")
	}
	c := &Cloner{url: url}
	if token != "" {
		c.auth = &http.BasicAuth{Username: "x-access-token", Password: token}
	}
	return c, nil
}

// Clone performs a shallow, single-ref clone of tag into dest, which must
// be empty.
func (c *Cloner) Clone(ctx context.Context, tag, dest string) (Checkout, error) {
	if tag == "" {
		return Checkout{}, fmt.Errorf("tag cannot be empty")
	}
	if dest == "" {
		return Checkout{}, fmt.Errorf("destination cannot be empty")
	}
	repo, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL:           c.url,
		Auth:          c.auth,
		ReferenceName: plumbing.NewTagReferenceName(tag),
		SingleBranch:  true,
		Depth:         1,
		Tags:          git.NoTags,
	})
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) || isNoMatchingRef(err) {
			return Checkout{}, fmt.Errorf("%s: %w", tag, ErrTagNotFound)
		}
		return Checkout{}, fmt.Errorf("clone %s at %s: %w", redact(c.url), tag, err)
	}
	head, err := repo.Head()
	if err != nil {
		return Checkout{}, fmt.Errorf("resolve head: %w", err)
	}
	return Checkout{Dir: dest, Tag: tag, Commit: head.Hash().String()}, nil
}

func isNoMatchingRef(err error) bool {
	var noMatch git.NoMatchingRefSpecError
	return errors.As(err, &noMatch)
}

// redact strips userinfo from url for logs and errors.
func redact(url string) string {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return url
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	return scheme + "://" + rest
}
