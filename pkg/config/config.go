package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ReleaserConfig holds runtime configuration for the release daemon.
type ReleaserConfig struct {
	Addr             string        `envconfig:"RELEASER_ADDR" default:":4000" desc:"Address the API listens on"`
	LogLevel         string        `envconfig:"LOG_LEVEL" default:"info"`
	DatabaseURL      string        `envconfig:"DATABASE_URL" desc:"Release history database; empty keeps history in memory"`
	MigrationsDir    string        `envconfig:"DB_MIGRATIONS_DIR" desc:"Overrides the embedded releaser schema"`
	EnvironmentsFile string        `envconfig:"ENVIRONMENTS_FILE" default:"deploy/environments.cue"`
	JWTSecret        string        `envconfig:"JWT_SECRET" required:"true"`
	TokenTTL         time.Duration `envconfig:"TOKEN_TTL" default:"12h"`
	WebhookSecret    string        `envconfig:"TAG_WEBHOOK_SECRET"`
	WebhookEnv       string        `envconfig:"TAG_WEBHOOK_ENVIRONMENT" default:"staging" desc:"Environment released on tag pushes"`
	HistoryLimit     int           `envconfig:"HISTORY_LIMIT" default:"50"`

	LockRedisAddr     string        `envconfig:"LOCK_REDIS_ADDR" desc:"Empty uses a process-local lock"`
	LockRedisPassword string        `envconfig:"LOCK_REDIS_PASSWORD"`
	LockRedisDB       int           `envconfig:"LOCK_REDIS_DB" default:"0"`
	LockTTL           time.Duration `envconfig:"LOCK_TTL" default:"2m"`
	ReaperInterval    time.Duration `envconfig:"REAPER_INTERVAL" default:"1m"`

	SourceRepoURL    string        `envconfig:"SOURCE_REPO_URL" required:"true"`
	SourceToken      string        `envconfig:"SOURCE_TOKEN"`
	Workdir          string        `envconfig:"RELEASER_WORKDIR" default:"/tmp/releaser"`
	CheckoutTimeout  time.Duration `envconfig:"CHECKOUT_TIMEOUT" default:"5m"`
	TestCommand      string        `envconfig:"TEST_COMMAND" desc:"Run in the checkout during the testing stage"`
	TestTimeout      time.Duration `envconfig:"TEST_TIMEOUT" default:"30m"`
	DockerHost       string        `envconfig:"DOCKER_HOST" default:"unix:///var/run/docker.sock"`
	DockerPlatform   string        `envconfig:"DOCKER_PLATFORM" default:"linux/amd64"`
	BuildConcurrency int           `envconfig:"BUILD_CONCURRENCY" default:"3"`
	BuildTimeout     time.Duration `envconfig:"BUILD_TIMEOUT" default:"30m"`
	RegistryUsername string        `envconfig:"REGISTRY_USERNAME" desc:"Used for registries that are not ECR"`
	RegistryPassword string        `envconfig:"REGISTRY_PASSWORD"`

	Kubeconfig string `envconfig:"KUBECONFIG"`

	MigrationLaunchAttempts int           `envconfig:"MIGRATION_LAUNCH_ATTEMPTS" default:"3"`
	MigrationPollInterval   time.Duration `envconfig:"MIGRATION_POLL_INTERVAL" default:"10s"`
	RolloutTimeout          time.Duration `envconfig:"ROLLOUT_TIMEOUT" default:"15m"`
	RolloutPollInterval     time.Duration `envconfig:"ROLLOUT_POLL_INTERVAL" default:"10s"`
	HealthRetries           int           `envconfig:"HEALTH_RETRIES" default:"5"`
	HealthRetryInterval     time.Duration `envconfig:"HEALTH_RETRY_INTERVAL" default:"5s"`
	HealthProbeTimeout      time.Duration `envconfig:"HEALTH_PROBE_TIMEOUT" default:"5s"`
	SeedTimeout             time.Duration `envconfig:"SEED_TIMEOUT" default:"15m"`

	ArchiveBucket string `envconfig:"ARCHIVE_BUCKET" desc:"S3 bucket for terminal release records; empty disables archiving"`
	ArchiveRegion string `envconfig:"ARCHIVE_REGION" default:"us-east-1"`
}

// TestArgs splits TestCommand into argv.
func (c ReleaserConfig) TestArgs() []string {
	return strings.Fields(c.TestCommand)
}

// MigrateConfig holds configuration for the migration entry point. The
// database URL is the single credential injected into the isolated task.
type MigrateConfig struct {
	DatabaseURL   string        `envconfig:"DATABASE_URL" required:"true"`
	MigrationsDir string        `envconfig:"DB_MIGRATIONS_DIR"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"info"`
	Timeout       time.Duration `envconfig:"MIGRATE_TIMEOUT" default:"10m"`
}

// LoadReleaserConfig reads ReleaserConfig from the environment.
func LoadReleaserConfig() (ReleaserConfig, error) {
	var cfg ReleaserConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return ReleaserConfig{}, fmt.Errorf("load releaser config: %w", err)
	}
	if cfg.BuildConcurrency < 1 {
		cfg.BuildConcurrency = 1
	}
	if cfg.MigrationLaunchAttempts < 1 {
		cfg.MigrationLaunchAttempts = 1
	}
	return cfg, nil
}

// LoadMigrateConfig reads MigrateConfig from the environment.
func LoadMigrateConfig() (MigrateConfig, error) {
	var cfg MigrateConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return MigrateConfig{}, fmt.Errorf("load migrate config: %w", err)
	}
	return cfg, nil
}

// Usage prints the variables understood by spec to stdout.
func Usage(spec any) error {
	return envconfig.Usage("", spec)
}
