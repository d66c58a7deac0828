package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/ericreilly999/inventory-release/pkg/jwt"
)

type authContextKey string

const contextKeyClaims authContextKey = "releaser-operator-claims"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth ensures the request has a valid operator token before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// requireEnv additionally checks the token covers the {env} path variable.
func (r *Router) requireEnv(next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(func(w http.ResponseWriter, req *http.Request) {
		claims, _ := claimsFromContext(req.Context())
		if !r.authorizeEnv(w, claims, mux.Vars(req)["env"]) {
			return
		}
		next(w, req)
	})
}

func (r *Router) authorizeEnv(w http.ResponseWriter, claims *jwt.Claims, env string) bool {
	if claims == nil || !claims.Allows(strings.ToLower(env)) {
		writeError(w, http.StatusForbidden, "operator not permitted for environment")
		return false
	}
	return true
}

// ensureAuth validates the Authorization header and enriches the context.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, *jwt.Claims, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		// Browsers cannot set headers on websocket upgrades.
		token = strings.TrimSpace(req.URL.Query().Get("access_token"))
		if token == "" || !websocketRequest(req) {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return req.Context(), nil, false
		}
	}
	claims, err := jwt.Parse(token, r.opts.JWTSecret)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return req.Context(), nil, false
	}
	ctx := context.WithValue(req.Context(), contextKeyClaims, claims)
	return ctx, claims, true
}

// claimsFromContext extracts operator claims from context.
func claimsFromContext(ctx context.Context) (*jwt.Claims, bool) {
	claims, ok := ctx.Value(contextKeyClaims).(*jwt.Claims)
	return claims, ok && claims != nil
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}

func websocketRequest(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket")
}
