package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/ericreilly999/inventory-release/internal/domain"
	"github.com/ericreilly999/inventory-release/internal/repository"
)

// DeploymentRecorder persists service deployment progress and publishes it
// as release events.
type DeploymentRecorder struct {
	store  repository.Store
	events Publisher
	logger *slog.Logger
}

// NewDeploymentRecorder wires a recorder for the rollout controller.
func NewDeploymentRecorder(store repository.Store, events Publisher, logger *slog.Logger) *DeploymentRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeploymentRecorder{store: store, events: events, logger: logger.With("component", "recorder")}
}

// UpsertServiceDeployment implements rollout.Recorder.
func (d *DeploymentRecorder) UpsertServiceDeployment(ctx context.Context, dep domain.ServiceDeployment) error {
	if err := d.store.UpsertServiceDeployment(ctx, dep); err != nil {
		return err
	}
	if d.events == nil {
		return nil
	}
	rel, err := d.store.GetRelease(ctx, dep.ReleaseID)
	if err != nil {
		// the deployment is persisted; only its event is lost
		d.logger.Warn("read release for deployment event", "release_id", dep.ReleaseID, "service", dep.Service, "error", err)
		return nil
	}
	d.events.Publish(domain.ReleaseEvent{
		ReleaseID:   rel.ID,
		Environment: rel.Environment,
		Version:     rel.Version,
		Kind:        rel.Kind,
		Status:      rel.Status,
		Service:     dep.Service,
		Stability:   dep.Stability,
		Message:     dep.Message,
		At:          time.Now().UTC(),
	})
	return nil
}
