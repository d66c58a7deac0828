package environment

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericreilly999/inventory-release/internal/domain"
)

func loadFixture(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile("testdata/catalogue.cue")
	require.NoError(t, err)
	return data
}

func TestLoadCatalogue(t *testing.T) {
	reg, err := Load(loadFixture(t), "catalogue.cue")
	require.NoError(t, err)

	t.Run("closed set of environments", func(t *testing.T) {
		assert.Equal(t, []Name{Dev, Staging, Prod}, reg.Names())
	})

	t.Run("services keep declared order", func(t *testing.T) {
		var names []string
		for _, svc := range reg.Services() {
			names = append(names, svc.Name)
		}
		assert.Equal(t, []string{"gateway", "auth", "inventory", "location", "movement", "web"}, names)
	})

	t.Run("schema defaults are applied", func(t *testing.T) {
		svc, ok := reg.Service("gateway")
		require.True(t, ok)
		assert.Equal(t, "gateway", svc.Container)
		assert.Equal(t, "Dockerfile", svc.Dockerfile)
		assert.Equal(t, "/health", svc.HealthPath)

		web, ok := reg.Service("web")
		require.True(t, ok)
		assert.Equal(t, "/healthz", web.HealthPath)
	})

	t.Run("environment attributes", func(t *testing.T) {
		staging, err := reg.Resolve("staging")
		require.NoError(t, err)
		assert.Equal(t, ClassStaging, staging.Class)
		assert.Equal(t, PlatformECS, staging.Platform)
		assert.True(t, staging.Private())
		assert.Equal(t, 15*time.Minute, staging.Migration.Timeout)
		assert.Equal(t, []string{"/app/migrate", "up"}, staging.Migration.Command)
		assert.Equal(t, "123456789012.dkr.ecr.us-west-2.amazonaws.com/inventory/web", staging.Repository("web"))

		prod, err := reg.Resolve("PROD")
		require.NoError(t, err)
		assert.Equal(t, 20*time.Minute, prod.Migration.Timeout)
		assert.Empty(t, prod.SeedCommand)
	})
}

func TestResolveUnknownEnvironment(t *testing.T) {
	reg, err := Load(loadFixture(t), "catalogue.cue")
	require.NoError(t, err)

	for _, name := range []string{"qa", "", "production"} {
		_, err := reg.Resolve(name)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrUnknownEnvironment), "name %q", name)
	}
}

func TestSizingFor(t *testing.T) {
	reg, err := Load(loadFixture(t), "catalogue.cue")
	require.NoError(t, err)

	staging, err := reg.Resolve("staging")
	require.NoError(t, err)
	sizing, err := reg.SizingFor(staging, "core")
	require.NoError(t, err)
	assert.Equal(t, Sizing{CPU: 512, Memory: 1024, DesiredCount: 2}, sizing)

	prod, err := reg.Resolve("prod")
	require.NoError(t, err)
	edge, err := reg.SizingFor(prod, "edge")
	require.NoError(t, err)
	assert.True(t, edge.Autoscaling)
	web, err := reg.SizingFor(prod, "web")
	require.NoError(t, err)
	assert.False(t, web.Autoscaling)

	_, err = reg.SizingFor(prod, "batch")
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestLoadRejectsInvalidCatalogues(t *testing.T) {
	fixture := string(loadFixture(t))

	cases := []struct {
		name    string
		mutate  func(string) string
		message string
	}{
		{
			name: "shared subnet",
			mutate: func(s string) string {
				return strings.Replace(s, `"subnet-0stg-a"`, `"subnet-0dev-a"`, 1)
			},
			message: "subnet subnet-0dev-a shared",
		},
		{
			name: "shared state key",
			mutate: func(s string) string {
				return strings.Replace(s, "inventory/staging/terraform.tfstate", "inventory/dev/terraform.tfstate", 1)
			},
			message: "state key",
		},
		{
			name: "secret of another environment",
			mutate: func(s string) string {
				return strings.Replace(s, "inventory/prod/database-url", "inventory/shared/database-url", 1)
			},
			message: "not scoped",
		},
		{
			name: "registry outside region",
			mutate: func(s string) string {
				return strings.Replace(s, "123456789012.dkr.ecr.us-east-1.amazonaws.com", "123456789012.dkr.ecr.eu-west-1.amazonaws.com", 1)
			},
			message: "not in region",
		},
		{
			name: "extra environment",
			mutate: func(s string) string {
				return strings.Replace(s, "environments: {", "environments: {\n\tqa: {}", 1)
			},
			message: "invalid environment catalogue",
		},
		{
			name: "autoscaling staging",
			mutate: func(s string) string {
				return strings.Replace(s, `class:    "staging"`, "class:    \"staging\"\n\t\tautoscaling: true", 1)
			},
			message: "invalid environment catalogue",
		},
		{
			name: "missing sizing class",
			mutate: func(s string) string {
				return strings.Replace(s, "\t\t\tweb: {cpu: 256, memory: 512, desiredCount: 2}\n", "", 1)
			},
			message: `no sizing for service class "web"`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mutated := tc.mutate(fixture)
			require.NotEqual(t, fixture, mutated, "mutation did not apply")
			_, err := Load([]byte(mutated), "catalogue.cue")
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrValidation), "got %v", err)
			assert.Contains(t, err.Error(), tc.message)
		})
	}
}

func TestNewRegistryRequiresAllEnvironments(t *testing.T) {
	reg, err := Load(loadFixture(t), "catalogue.cue")
	require.NoError(t, err)

	envs := reg.Environments()
	_, err = NewRegistry(envs[:2], reg.Services())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prod is not defined")
}

func TestParseName(t *testing.T) {
	n, err := ParseName(" Staging ")
	require.NoError(t, err)
	assert.Equal(t, Staging, n)

	_, err = ParseName("uat")
	assert.Equal(t, domain.CodeUnknownEnvironment, domain.CodeOf(err))
}
