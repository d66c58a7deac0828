// Package archive writes terminal release records to S3 under each
// environment's state key.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ericreilly999/inventory-release/internal/domain"
	"github.com/ericreilly999/inventory-release/internal/environment"
)

// S3API is the subset of the S3 client used by the archive.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Record is the archived form of a finished release.
type Record struct {
	Release       domain.Release             `json:"release"`
	MigrationRuns []domain.MigrationRun      `json:"migration_runs"`
	Deployments   []domain.ServiceDeployment `json:"service_deployments"`
	ArchivedAt    time.Time                  `json:"archived_at"`
}

// Archive stores one object per release.
type Archive struct {
	client S3API
	bucket string
	logger *slog.Logger
	now    func() time.Time
}

// New loads the default credential chain for region.
func New(ctx context.Context, bucket, region string, logger *slog.Logger) (*Archive, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithClient(s3.NewFromConfig(cfg), bucket, logger), nil
}

// NewWithClient builds an archive over a caller supplied client.
func NewWithClient(client S3API, bucket string, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{
		client: client,
		bucket: bucket,
		logger: logger.With("component", "archive"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Key returns the object key for a release under env's state key.
func Key(env environment.Environment, rel domain.Release) string {
	return path.Join(strings.Trim(env.StateKey, "/"), "releases", rel.Version, rel.ID+".json")
}

// Put writes rec for env. Records of terminal releases never change, so an
// existing object is overwritten with identical content at most.
func (a *Archive) Put(ctx context.Context, env environment.Environment, rec Record) (string, error) {
	if !rec.Release.Status.Terminal() {
		return "", fmt.Errorf("release %s is %s, only terminal releases are archived", rec.Release.ID, rec.Release.Status)
	}
	rec.ArchivedAt = a.now()
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	key := Key(env, rec.Release)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"environment": string(env.Name),
			"version":     rec.Release.Version,
			"status":      string(rec.Release.Status),
		},
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}
	a.logger.Info("release archived", "release_id", rec.Release.ID, "environment", env.Name, "key", key)
	return key, nil
}

// Get reads the archived record of rel.
func (a *Archive) Get(ctx context.Context, env environment.Environment, rel domain.Release) (Record, error) {
	key := Key(env, rel)
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(a.bucket), Key: aws.String(key)})
	if err != nil {
		return Record{}, fmt.Errorf("get s3://%s/%s: %w", a.bucket, key, err)
	}
	defer out.Body.Close()
	var rec Record
	if err := json.NewDecoder(out.Body).Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
