// Package ecs runs services and isolated tasks on Amazon ECS (Fargate).
package ecs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/ericreilly999/inventory-release/internal/environment"
	"github.com/ericreilly999/inventory-release/internal/platform"
)

// API is the subset of the ECS client used by the adapter.
type API interface {
	DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	DescribeTaskDefinition(ctx context.Context, params *ecs.DescribeTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error)
	RegisterTaskDefinition(ctx context.Context, params *ecs.RegisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error)
	UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
	RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	DescribeTasks(ctx context.Context, params *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
}

// LogsAPI is the subset of the CloudWatch Logs client used for task output.
type LogsAPI interface {
	GetLogEvents(ctx context.Context, params *cloudwatchlogs.GetLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetLogEventsOutput, error)
}

// ClientFactory returns clients bound to region.
type ClientFactory func(region string) (API, LogsAPI)

const (
	maxLogPages    = 50
	startedByLimit = 128
)

// Platform implements platform.Platform on ECS.
type Platform struct {
	clients ClientFactory
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]clientPair
}

type clientPair struct {
	ecs  API
	logs LogsAPI
}

var _ platform.Platform = (*Platform)(nil)

// New loads the default AWS credential chain and returns an adapter that
// creates per-region clients on demand.
func New(ctx context.Context, logger *slog.Logger) (*Platform, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	factory := func(region string) (API, LogsAPI) {
		return ecs.NewFromConfig(cfg, func(o *ecs.Options) { o.Region = region }),
			cloudwatchlogs.NewFromConfig(cfg, func(o *cloudwatchlogs.Options) { o.Region = region })
	}
	return NewWithClients(factory, logger), nil
}

// NewWithClients builds an adapter over caller supplied clients.
func NewWithClients(factory ClientFactory, logger *slog.Logger) *Platform {
	if logger == nil {
		logger = slog.Default()
	}
	return &Platform{
		clients: factory,
		logger:  logger.With("component", "ecs"),
		cache:   make(map[string]clientPair),
	}
}

func (p *Platform) client(region string) clientPair {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.cache[region]; ok {
		return c
	}
	e, l := p.clients(region)
	c := clientPair{ecs: e, logs: l}
	p.cache[region] = c
	return c
}

// DescribeService reports counts, image and network placement of service.
// The image is read from container, so sidecars are ignored.
func (p *Platform) DescribeService(ctx context.Context, env environment.Environment, service, container string) (platform.ServiceState, error) {
	c := p.client(env.Region)
	svc, err := p.describeService(ctx, c.ecs, env, service)
	if err != nil {
		return platform.ServiceState{}, err
	}

	state := platform.ServiceState{
		Service: service,
		Desired: int(svc.DesiredCount),
		Running: int(svc.RunningCount),
	}

	var primary *types.Deployment
	for i := range svc.Deployments {
		if aws.ToString(svc.Deployments[i].Status) == "PRIMARY" {
			primary = &svc.Deployments[i]
			break
		}
	}
	taskDef := aws.ToString(svc.TaskDefinition)
	if primary != nil {
		taskDef = aws.ToString(primary.TaskDefinition)
		switch primary.RolloutState {
		case types.DeploymentRolloutStateCompleted:
			state.Healthy = int(primary.RunningCount)
		case types.DeploymentRolloutStateFailed:
			state.RolloutFailed = true
			state.Message = aws.ToString(primary.RolloutStateReason)
		case "":
			if len(svc.Deployments) == 1 {
				state.Healthy = int(primary.RunningCount)
			}
		default:
			state.Message = aws.ToString(primary.RolloutStateReason)
		}
	}

	state.Placement = placementOf(svc, taskDef)

	def, err := p.taskDefinition(ctx, c.ecs, taskDef)
	if err != nil {
		return platform.ServiceState{}, err
	}
	if container == "" {
		container = service
	}
	if ctr := findContainer(def.ContainerDefinitions, container); ctr != nil {
		state.Image = aws.ToString(ctr.Image)
	}
	return state, nil
}

// UpdateServiceImage registers a task definition revision whose container
// runs image and points the service at it with the requested desired count.
func (p *Platform) UpdateServiceImage(ctx context.Context, env environment.Environment, service, container, image string, desired int) error {
	c := p.client(env.Region)
	svc, err := p.describeService(ctx, c.ecs, env, service)
	if err != nil {
		return err
	}
	current, err := c.ecs.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: svc.TaskDefinition,
		Include:        []types.TaskDefinitionField{types.TaskDefinitionFieldTags},
	})
	if err != nil {
		return fmt.Errorf("describe task definition %s: %w", aws.ToString(svc.TaskDefinition), err)
	}
	if container == "" {
		container = service
	}
	input := registerInput(current.TaskDefinition, current.Tags)
	target := findContainer(input.ContainerDefinitions, container)
	if target == nil {
		return fmt.Errorf("task definition %s has no container %q", aws.ToString(svc.TaskDefinition), container)
	}
	target.Image = aws.String(image)

	registered, err := c.ecs.RegisterTaskDefinition(ctx, input)
	if err != nil {
		return fmt.Errorf("register task definition for %s: %w", service, err)
	}
	_, err = c.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:        aws.String(env.Cluster),
		Service:        aws.String(service),
		TaskDefinition: registered.TaskDefinition.TaskDefinitionArn,
		DesiredCount:   aws.Int32(int32(desired)),
	})
	if err != nil {
		return fmt.Errorf("update service %s: %w", service, err)
	}
	p.logger.Info("service updated", "cluster", env.Cluster, "service", service, "image", image, "desired", desired)
	return nil
}

// RunTask registers a one-off task definition derived from the placement
// template, with the image, command and secrets of spec, and starts one
// Fargate task on the discovered network placement.
func (p *Platform) RunTask(ctx context.Context, spec platform.TaskSpec) (platform.TaskHandle, error) {
	env := spec.Environment
	c := p.client(env.Region)
	if spec.Placement.Template == "" {
		return platform.TaskHandle{}, &platform.LaunchError{Reason: "no task definition template"}
	}
	if len(spec.Placement.Subnets) == 0 {
		return platform.TaskHandle{}, &platform.LaunchError{Reason: "no subnets in placement"}
	}

	template, err := c.ecs.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: aws.String(spec.Placement.Template),
	})
	if err != nil {
		return platform.TaskHandle{}, &platform.LaunchError{Reason: "describe template", Err: err}
	}
	input := registerInput(template.TaskDefinition, nil)
	input.Family = aws.String(aws.ToString(template.TaskDefinition.Family) + "-" + spec.Name)

	container := findContainer(input.ContainerDefinitions, spec.Container)
	if container == nil {
		return platform.TaskHandle{}, &platform.LaunchError{Reason: fmt.Sprintf("template has no container %q", spec.Container)}
	}
	container.Image = aws.String(spec.Image)
	container.Command = spec.Command
	container.PortMappings = nil
	container.HealthCheck = nil
	container.DependsOn = nil
	container.Essential = aws.Bool(true)
	container.Secrets = taskSecrets(spec.Secrets)
	input.ContainerDefinitions = []types.ContainerDefinition{*container}

	registered, err := c.ecs.RegisterTaskDefinition(ctx, input)
	if err != nil {
		return platform.TaskHandle{}, &platform.LaunchError{Reason: "register task definition", Err: err}
	}

	assign := types.AssignPublicIpDisabled
	if spec.Placement.AssignPublicIP {
		assign = types.AssignPublicIpEnabled
	}
	out, err := c.ecs.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(env.Cluster),
		TaskDefinition: registered.TaskDefinition.TaskDefinitionArn,
		Count:          aws.Int32(1),
		LaunchType:     types.LaunchTypeFargate,
		StartedBy:      aws.String(startedBy(spec)),
		NetworkConfiguration: &types.NetworkConfiguration{
			AwsvpcConfiguration: &types.AwsVpcConfiguration{
				Subnets:        spec.Placement.Subnets,
				SecurityGroups: spec.Placement.SecurityGroups,
				AssignPublicIp: assign,
			},
		},
		Tags: taskTags(spec.Labels),
	})
	if err != nil {
		return platform.TaskHandle{}, &platform.LaunchError{Reason: "run task", Err: err}
	}
	if len(out.Failures) > 0 {
		f := out.Failures[0]
		return platform.TaskHandle{}, &platform.LaunchError{Reason: fmt.Sprintf("%s: %s", aws.ToString(f.Reason), aws.ToString(f.Detail))}
	}
	if len(out.Tasks) == 0 {
		return platform.TaskHandle{}, &platform.LaunchError{Reason: "no task started"}
	}

	arn := aws.ToString(out.Tasks[0].TaskArn)
	handle := platform.TaskHandle{ID: arn, LogRef: logRef(container, arn)}
	p.logger.Info("task started", "cluster", env.Cluster, "task", arn, "name", spec.Name, "log_ref", handle.LogRef)
	return handle, nil
}

// DescribeTask maps the ECS task lifecycle onto platform task states.
func (p *Platform) DescribeTask(ctx context.Context, env environment.Environment, handle platform.TaskHandle) (platform.TaskStatus, error) {
	c := p.client(env.Region)
	out, err := c.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(env.Cluster),
		Tasks:   []string{handle.ID},
	})
	if err != nil {
		return platform.TaskStatus{}, fmt.Errorf("describe task %s: %w", handle.ID, err)
	}
	if len(out.Tasks) == 0 {
		reason := "task not found"
		if len(out.Failures) > 0 {
			reason = aws.ToString(out.Failures[0].Reason)
		}
		return platform.TaskStatus{}, fmt.Errorf("describe task %s: %s", handle.ID, reason)
	}
	task := out.Tasks[0]

	switch aws.ToString(task.LastStatus) {
	case "PROVISIONING", "PENDING", "ACTIVATING":
		return platform.TaskStatus{State: platform.TaskPending}, nil
	case "STOPPED":
		status := platform.TaskStatus{State: platform.TaskStopped, Reason: aws.ToString(task.StoppedReason)}
		for _, container := range task.Containers {
			if container.ExitCode != nil {
				code := int(*container.ExitCode)
				status.ExitCode = &code
				if container.Reason != nil {
					status.Reason = aws.ToString(container.Reason)
				}
				break
			}
		}
		return status, nil
	default:
		return platform.TaskStatus{State: platform.TaskRunning}, nil
	}
}

// TaskLogs reads the task's CloudWatch log stream from the start.
func (p *Platform) TaskLogs(ctx context.Context, env environment.Environment, handle platform.TaskHandle) ([]string, error) {
	group, stream, ok := strings.Cut(handle.LogRef, ":")
	if !ok || group == "" || stream == "" {
		return nil, nil
	}
	c := p.client(env.Region)

	var (
		lines []string
		token *string
	)
	for page := 0; page < maxLogPages; page++ {
		out, err := c.logs.GetLogEvents(ctx, &cloudwatchlogs.GetLogEventsInput{
			LogGroupName:  aws.String(group),
			LogStreamName: aws.String(stream),
			StartFromHead: aws.Bool(true),
			NextToken:     token,
		})
		if err != nil {
			return lines, fmt.Errorf("read task logs %s: %w", handle.LogRef, err)
		}
		for _, ev := range out.Events {
			lines = append(lines, aws.ToString(ev.Message))
		}
		next := out.NextForwardToken
		if next == nil || (token != nil && aws.ToString(next) == aws.ToString(token)) {
			break
		}
		token = next
	}
	return lines, nil
}

func (p *Platform) describeService(ctx context.Context, client API, env environment.Environment, service string) (*types.Service, error) {
	out, err := client.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(env.Cluster),
		Services: []string{service},
	})
	if err != nil {
		return nil, fmt.Errorf("describe service %s: %w", service, err)
	}
	for i := range out.Services {
		svc := &out.Services[i]
		if aws.ToString(svc.ServiceName) == service && aws.ToString(svc.Status) != "INACTIVE" {
			return svc, nil
		}
	}
	return nil, fmt.Errorf("%s/%s: %w", env.Cluster, service, platform.ErrServiceNotFound)
}

func (p *Platform) taskDefinition(ctx context.Context, client API, arn string) (*types.TaskDefinition, error) {
	if arn == "" {
		return nil, errors.New("service has no task definition")
	}
	out, err := client.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{TaskDefinition: aws.String(arn)})
	if err != nil {
		return nil, fmt.Errorf("describe task definition %s: %w", arn, err)
	}
	return out.TaskDefinition, nil
}

func placementOf(svc *types.Service, taskDef string) platform.Placement {
	placement := platform.Placement{Template: taskDef}
	if svc.NetworkConfiguration != nil && svc.NetworkConfiguration.AwsvpcConfiguration != nil {
		vpc := svc.NetworkConfiguration.AwsvpcConfiguration
		placement.Subnets = append([]string(nil), vpc.Subnets...)
		placement.SecurityGroups = append([]string(nil), vpc.SecurityGroups...)
		placement.AssignPublicIP = vpc.AssignPublicIp == types.AssignPublicIpEnabled
	}
	return placement
}

func findContainer(defs []types.ContainerDefinition, name string) *types.ContainerDefinition {
	for i := range defs {
		if aws.ToString(defs[i].Name) == name {
			return &defs[i]
		}
	}
	if len(defs) == 1 {
		return &defs[0]
	}
	return nil
}

func registerInput(def *types.TaskDefinition, tags []types.Tag) *ecs.RegisterTaskDefinitionInput {
	containers := make([]types.ContainerDefinition, len(def.ContainerDefinitions))
	copy(containers, def.ContainerDefinitions)
	return &ecs.RegisterTaskDefinitionInput{
		Family:                  def.Family,
		ContainerDefinitions:    containers,
		Cpu:                     def.Cpu,
		Memory:                  def.Memory,
		ExecutionRoleArn:        def.ExecutionRoleArn,
		TaskRoleArn:             def.TaskRoleArn,
		NetworkMode:             def.NetworkMode,
		RequiresCompatibilities: def.RequiresCompatibilities,
		RuntimePlatform:         def.RuntimePlatform,
		EphemeralStorage:        def.EphemeralStorage,
		Volumes:                 def.Volumes,
		PlacementConstraints:    def.PlacementConstraints,
		Tags:                    tags,
	}
}

func taskSecrets(secrets map[string]string) []types.Secret {
	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]types.Secret, 0, len(names))
	for _, name := range names {
		out = append(out, types.Secret{Name: aws.String(name), ValueFrom: aws.String(secrets[name])})
	}
	return out
}

func taskTags(labels map[string]string) []types.Tag {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tags := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(labels[k])})
	}
	return tags
}

func startedBy(spec platform.TaskSpec) string {
	value := "releaser/" + spec.Name
	if id := spec.Labels["release-id"]; id != "" {
		value += "/" + id
	}
	if len(value) > startedByLimit {
		value = value[:startedByLimit]
	}
	return value
}

// logRef derives "<group>:<stream>" from the awslogs driver options.
func logRef(container *types.ContainerDefinition, taskArn string) string {
	if container.LogConfiguration == nil || container.LogConfiguration.LogDriver != types.LogDriverAwslogs {
		return ""
	}
	opts := container.LogConfiguration.Options
	group := opts["awslogs-group"]
	prefix := opts["awslogs-stream-prefix"]
	if group == "" || prefix == "" {
		return ""
	}
	taskID := taskArn[strings.LastIndex(taskArn, "/")+1:]
	return fmt.Sprintf("%s:%s/%s/%s", group, prefix, aws.ToString(container.Name), taskID)
}
