package secrets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/ericreilly999/inventory-release/internal/domain"
	"github.com/ericreilly999/inventory-release/internal/environment"
)

// mockManagerAPI implements ManagerAPI for testing
type mockManagerAPI struct {
	describeSecretFunc func(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
}

func (m *mockManagerAPI) DescribeSecret(
	ctx context.Context,
	params *secretsmanager.DescribeSecretInput,
	optFns ...func(*secretsmanager.Options),
) (*secretsmanager.DescribeSecretOutput, error) {
	if m.describeSecretFunc != nil {
		return m.describeSecretFunc(ctx, params, optFns...)
	}
	return nil, fmt.Errorf("DescribeSecret not implemented")
}

var staging = environment.Environment{
	Name:           environment.Staging,
	Region:         "us-west-2",
	Platform:       environment.PlatformECS,
	DatabaseSecret: "inventory/staging/database-url",
}

func guardReturning(out *secretsmanager.DescribeSecretOutput, err error) *AWSGuard {
	api := &mockManagerAPI{
		describeSecretFunc: func(_ context.Context, params *secretsmanager.DescribeSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error) {
			return out, err
		},
	}
	return NewAWSGuardWithClients(func(string) ManagerAPI { return api }, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func secretOutput(name, region string, tags ...types.Tag) *secretsmanager.DescribeSecretOutput {
	return &secretsmanager.DescribeSecretOutput{
		Name: aws.String(name),
		ARN:  aws.String(fmt.Sprintf("arn:aws:secretsmanager:%s:123456789012:secret:%s-AbCdEf", region, name)),
		Tags: tags,
	}
}

func TestAWSGuard(t *testing.T) {
	deleted := time.Now()

	tests := []struct {
		name    string
		out     *secretsmanager.DescribeSecretOutput
		err     error
		wantErr bool
		want    string
	}{
		{
			name: "tagged for environment",
			out:  secretOutput("inventory/staging/database-url", "us-west-2", types.Tag{Key: aws.String("environment"), Value: aws.String("staging")}),
			want: "arn:aws:secretsmanager:us-west-2:123456789012:secret:inventory/staging/database-url-AbCdEf",
		},
		{
			name: "untagged but named for environment",
			out:  secretOutput("inventory/staging/database-url", "us-west-2"),
			want: "arn:aws:secretsmanager:us-west-2:123456789012:secret:inventory/staging/database-url-AbCdEf",
		},
		{
			name:    "tagged for another environment",
			out:     secretOutput("inventory/staging/database-url", "us-west-2", types.Tag{Key: aws.String("environment"), Value: aws.String("prod")}),
			wantErr: true,
		},
		{
			name:    "named for two environments",
			out:     secretOutput("inventory/staging-prod/database-url", "us-west-2"),
			wantErr: true,
		},
		{
			name:    "different region",
			out:     secretOutput("inventory/staging/database-url", "us-east-1"),
			wantErr: true,
		},
		{
			name: "scheduled for deletion",
			out: func() *secretsmanager.DescribeSecretOutput {
				o := secretOutput("inventory/staging/database-url", "us-west-2")
				o.DeletedDate = &deleted
				return o
			}(),
			wantErr: true,
		},
		{
			name:    "not found",
			err:     &smithy.GenericAPIError{Code: "ResourceNotFoundException", Message: "Secret not found"},
			wantErr: true,
		},
		{
			name:    "access denied",
			err:     &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "denied"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := guardReturning(tt.out, tt.err).Check(context.Background(), staging)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, domain.ErrCredentialScope), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAWSGuardTransportError(t *testing.T) {
	_, err := guardReturning(nil, errors.New("connection reset")).Check(context.Background(), staging)
	require.Error(t, err)
	assert.NotEqual(t, domain.CodeCredentialScope, domain.CodeOf(err))
}

func TestAWSGuardNoSecret(t *testing.T) {
	env := staging
	env.DatabaseSecret = ""
	_, err := guardReturning(nil, nil).Check(context.Background(), env)
	assert.ErrorIs(t, err, domain.ErrCredentialScope)
}

func TestKubernetesGuard(t *testing.T) {
	env := environment.Environment{
		Name:           environment.Dev,
		Platform:       environment.PlatformKubernetes,
		Namespace:      "inventory-dev",
		DatabaseSecret: "inventory-dev-db/url",
	}
	secret := func(name string, label string, data map[string][]byte) *corev1.Secret {
		return &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "inventory-dev", Labels: map[string]string{EnvironmentTag: label}},
			Data:       data,
		}
	}

	g := NewKubernetesGuard(fake.NewClientset(secret("inventory-dev-db", "dev", map[string][]byte{"url": []byte("postgres://")})))
	id, err := g.Check(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "inventory-dev-db/url", id)

	g = NewKubernetesGuard(fake.NewClientset(secret("inventory-dev-db", "prod", map[string][]byte{"url": nil})))
	_, err = g.Check(context.Background(), env)
	assert.ErrorIs(t, err, domain.ErrCredentialScope)

	g = NewKubernetesGuard(fake.NewClientset(secret("inventory-dev-db", "dev", map[string][]byte{"dsn": nil})))
	_, err = g.Check(context.Background(), env)
	assert.ErrorIs(t, err, domain.ErrCredentialScope)

	g = NewKubernetesGuard(fake.NewClientset())
	_, err = g.Check(context.Background(), env)
	assert.ErrorIs(t, err, domain.ErrCredentialScope)
}

func TestRouter(t *testing.T) {
	r := Router{environment.PlatformECS: guardReturning(secretOutput("inventory/staging/database-url", "us-west-2"), nil)}
	_, err := r.Check(context.Background(), staging)
	require.NoError(t, err)

	_, err = r.Check(context.Background(), environment.Environment{Name: environment.Dev, Platform: environment.PlatformKubernetes})
	assert.ErrorIs(t, err, domain.ErrCredentialScope)
}
