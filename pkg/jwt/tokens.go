package jwt

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const (
	issuer = "releaser"

	// AllEnvironments grants access to every environment.
	AllEnvironments = "*"
)

// Claims identifies an operator and the environments they may release to.
type Claims struct {
	Operator     string   `json:"operator"`
	Environments []string `json:"environments"`
	jwtlib.RegisteredClaims
}

// Allows reports whether the claims cover environment.
func (c *Claims) Allows(environment string) bool {
	for _, env := range c.Environments {
		if env == AllEnvironments || env == environment {
			return true
		}
	}
	return false
}

// GenerateToken issues a signed operator token with provided secret and ttl.
func GenerateToken(operator string, environments []string, secret string, ttl time.Duration) (string, error) {
	if operator == "" {
		return "", errors.New("operator required")
	}
	if secret == "" {
		return "", errors.New("signing secret required")
	}
	now := time.Now()
	claims := Claims{
		Operator:     operator,
		Environments: environments,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   operator,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}), jwtlib.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Operator == "" {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
