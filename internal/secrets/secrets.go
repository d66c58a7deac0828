// Package secrets verifies that the database credential handed to an
// isolated task belongs to the target environment and to no other.
package secrets

import (
	"context"
	"fmt"
	"strings"

	"github.com/ericreilly999/inventory-release/internal/domain"
	"github.com/ericreilly999/inventory-release/internal/environment"
)

// EnvironmentTag is the tag (or label) naming the environment a secret belongs to.
const EnvironmentTag = "environment"

// Guard checks the credential scope of an environment before launch. It
// returns the identifier the platform injects; values are never read.
type Guard interface {
	Check(ctx context.Context, env environment.Environment) (string, error)
}

// Router dispatches to the guard for the environment's platform.
type Router map[environment.PlatformKind]Guard

// Check implements Guard.
func (r Router) Check(ctx context.Context, env environment.Environment) (string, error) {
	g, ok := r[env.Platform]
	if !ok || g == nil {
		return "", domain.Errorf(domain.CodeCredentialScope, "no credential guard for platform %s", env.Platform)
	}
	return g.Check(ctx, env)
}

// scopeError reports a credential that cannot be proven to belong to env.
func scopeError(env environment.Environment, format string, args ...any) error {
	return domain.Errorf(domain.CodeCredentialScope, "%s: %s", env.Name, fmt.Sprintf(format, args...))
}

// nameScoped reports whether the identifier names env and no other
// environment as one of its path segments.
func nameScoped(identifier string, env environment.Environment) error {
	segments := strings.FieldsFunc(strings.ToLower(identifier), func(r rune) bool {
		return r == '/' || r == ':' || r == '-' || r == '_' || r == '.'
	})
	found := false
	for _, seg := range segments {
		for _, name := range environment.AllNames {
			if seg != string(name) {
				continue
			}
			if name != env.Name {
				return scopeError(env, "secret %q names environment %s", identifier, name)
			}
			found = true
		}
	}
	if !found {
		return scopeError(env, "secret %q does not name the environment", identifier)
	}
	return nil
}
