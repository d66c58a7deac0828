// Package registry resolves published images and supplies registry
// credentials for region-scoped registries.
package registry

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
)

// tokenSkew renews ECR tokens ahead of their expiry.
const tokenSkew = 5 * time.Minute

// Credential is a username/password pair for one registry host.
type Credential struct {
	Username string
	Password string
}

// ECRAPI is the subset of the ECR client used for authorization tokens.
type ECRAPI interface {
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

// Credentials returns the credential for a registry host. ECR hosts
// (<account>.dkr.ecr.<region>.amazonaws.com) get short-lived authorization
// tokens from the host's region; other hosts use static credentials.
type Credentials struct {
	ecr    func(region string) ECRAPI
	static Credential
	now    func() time.Time

	mu     sync.Mutex
	tokens map[string]cachedToken
}

type cachedToken struct {
	cred    Credential
	expires time.Time
}

// NewCredentials loads the AWS credential chain for ECR lookups.
func NewCredentials(ctx context.Context, static Credential) (*Credentials, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewCredentialsWithClients(func(region string) ECRAPI {
		return ecr.NewFromConfig(cfg, func(o *ecr.Options) { o.Region = region })
	}, static), nil
}

// NewCredentialsWithClients builds credentials over caller supplied clients.
func NewCredentialsWithClients(clients func(region string) ECRAPI, static Credential) *Credentials {
	return &Credentials{
		ecr:    clients,
		static: static,
		now:    time.Now,
		tokens: make(map[string]cachedToken),
	}
}

// For returns the credential for host.
func (c *Credentials) For(ctx context.Context, host string) (Credential, error) {
	region, ok := ECRRegion(host)
	if !ok {
		return c.static, nil
	}

	c.mu.Lock()
	cached, hit := c.tokens[host]
	c.mu.Unlock()
	if hit && c.now().Add(tokenSkew).Before(cached.expires) {
		return cached.cred, nil
	}

	out, err := c.ecr(region).GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return Credential{}, fmt.Errorf("ecr authorization token: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return Credential{}, fmt.Errorf("ecr authorization token: empty response")
	}
	data := out.AuthorizationData[0]
	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return Credential{}, fmt.Errorf("decode ecr token: %w", err)
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return Credential{}, fmt.Errorf("decode ecr token: malformed")
	}
	cred := Credential{Username: user, Password: pass}
	expires := c.now().Add(time.Hour)
	if data.ExpiresAt != nil {
		expires = *data.ExpiresAt
	}

	c.mu.Lock()
	c.tokens[host] = cachedToken{cred: cred, expires: expires}
	c.mu.Unlock()
	return cred, nil
}

// ECRRegion extracts the region from an ECR registry host.
func ECRRegion(host string) (string, bool) {
	host, _, _ = strings.Cut(host, "/")
	parts := strings.Split(host, ".")
	// <account>.dkr.ecr.<region>.amazonaws.com[.cn]
	if len(parts) < 6 || parts[1] != "dkr" || parts[2] != "ecr" || parts[4] != "amazonaws" {
		return "", false
	}
	return parts[3], true
}

// Host returns the registry host of an image reference or repository.
func Host(ref string) string {
	host, _, _ := strings.Cut(ref, "/")
	return host
}
