// Package platform abstracts the container runtime an environment runs on.
package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/ericreilly999/inventory-release/internal/environment"
)

// ErrServiceNotFound is returned when a service is not deployed in the environment.
var ErrServiceNotFound = errors.New("platform: service not found")

// Placement is the network and identity binding of a running service. It is
// discovered from the live platform so isolated tasks land on the same
// private network as the services.
type Placement struct {
	Subnets        []string
	SecurityGroups []string
	AssignPublicIP bool
	// Template references the platform object new tasks are derived from
	// (an ECS task definition ARN or a Kubernetes deployment name).
	Template       string
	ServiceAccount string
	NodeSelector   map[string]string
}

// ServiceState is an observation of one deployed service.
type ServiceState struct {
	Service       string
	Image         string
	Desired       int
	Running       int
	Healthy       int
	Placement     Placement
	RolloutFailed bool
	Message       string
}

// TaskSpec describes a short-lived isolated task.
type TaskSpec struct {
	Environment environment.Environment
	// Name labels the task ("migrate", "seed").
	Name string
	// Container is the container within Placement.Template to override.
	Container string
	Image     string
	Command   []string
	Placement Placement
	// Secrets maps environment variable names to secret identifiers. The
	// platform injects values at launch; they never pass through the releaser.
	Secrets map[string]string
	Labels  map[string]string
}

// TaskHandle is an opaque reference to a launched task.
type TaskHandle struct {
	ID     string `json:"id"`
	LogRef string `json:"log_ref,omitempty"`
}

// TaskState is the coarse lifecycle of a task.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskRunning TaskState = "running"
	TaskStopped TaskState = "stopped"
)

// TaskStatus is an observation of a launched task.
type TaskStatus struct {
	State    TaskState
	ExitCode *int
	Reason   string
}

// Platform is implemented once per runtime.
type Platform interface {
	// DescribeService reports service with the image of its container. An
	// empty container means the container is named after the service.
	DescribeService(ctx context.Context, env environment.Environment, service, container string) (ServiceState, error)
	UpdateServiceImage(ctx context.Context, env environment.Environment, service, container, image string, desired int) error
	RunTask(ctx context.Context, spec TaskSpec) (TaskHandle, error)
	DescribeTask(ctx context.Context, env environment.Environment, handle TaskHandle) (TaskStatus, error)
	TaskLogs(ctx context.Context, env environment.Environment, handle TaskHandle) ([]string, error)
}

// LaunchError reports a task that was rejected before it started. Nothing
// ran, so the launch may be retried.
type LaunchError struct {
	Reason string
	Err    error
}

func (e *LaunchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("launch task: %s: %v", e.Reason, e.Err)
	}
	return "launch task: " + e.Reason
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// IsLaunchError reports whether err is a LaunchError.
func IsLaunchError(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}

// Set routes environments to the adapter for their platform kind.
type Set map[environment.PlatformKind]Platform

// For returns the adapter serving env.
func (s Set) For(env environment.Environment) (Platform, error) {
	p, ok := s[env.Platform]
	if !ok || p == nil {
		return nil, fmt.Errorf("no platform adapter for %s (%s)", env.Name, env.Platform)
	}
	return p, nil
}
