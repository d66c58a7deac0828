package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"

	"github.com/ericreilly999/inventory-release/internal/environment"
)

const (
	resourceNotFoundException = "ResourceNotFoundException"
	accessDeniedException     = "AccessDeniedException"
)

// ManagerAPI is the subset of the Secrets Manager client used by the guard.
type ManagerAPI interface {
	DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
}

// AWSGuard checks Secrets Manager metadata. The secret must live in the
// environment's region, must not be scheduled for deletion, and must be
// tagged for the environment (or, untagged, be named for it).
type AWSGuard struct {
	clients func(region string) ManagerAPI
	logger  *slog.Logger
}

// NewAWSGuard loads the default credential chain.
func NewAWSGuard(ctx context.Context, logger *slog.Logger) (*AWSGuard, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSGuardWithClients(func(region string) ManagerAPI {
		return secretsmanager.NewFromConfig(cfg, func(o *secretsmanager.Options) { o.Region = region })
	}, logger), nil
}

// NewAWSGuardWithClients builds a guard over caller supplied clients.
func NewAWSGuardWithClients(clients func(region string) ManagerAPI, logger *slog.Logger) *AWSGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &AWSGuard{clients: clients, logger: logger.With("component", "secrets")}
}

// Check implements Guard.
func (g *AWSGuard) Check(ctx context.Context, env environment.Environment) (string, error) {
	id := strings.TrimSpace(env.DatabaseSecret)
	if id == "" {
		return "", scopeError(env, "no database secret configured")
	}
	out, err := g.clients(env.Region).DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{SecretId: aws.String(id)})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case resourceNotFoundException:
				return "", scopeError(env, "secret %q not found in %s", id, env.Region)
			case accessDeniedException:
				return "", scopeError(env, "access to secret %q denied", id)
			}
		}
		return "", fmt.Errorf("describe secret %q: %w", id, err)
	}
	if out.DeletedDate != nil {
		return "", scopeError(env, "secret %q is scheduled for deletion", id)
	}

	arn := aws.ToString(out.ARN)
	if arn != "" && !strings.Contains(arn, ":"+env.Region+":") {
		return "", scopeError(env, "secret %q is not in region %s", id, env.Region)
	}

	tagged := ""
	for _, tag := range out.Tags {
		if aws.ToString(tag.Key) == EnvironmentTag {
			tagged = aws.ToString(tag.Value)
		}
	}
	switch {
	case tagged != "" && tagged != string(env.Name):
		return "", scopeError(env, "secret %q is tagged for %s", id, tagged)
	case tagged == "":
		if err := nameScoped(aws.ToString(out.Name), env); err != nil {
			return "", err
		}
	}

	if arn == "" {
		arn = id
	}
	g.logger.Debug("credential scope verified", "environment", env.Name, "secret", aws.ToString(out.Name))
	return arn, nil
}
