package ecs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericreilly999/inventory-release/internal/environment"
	"github.com/ericreilly999/inventory-release/internal/platform"
)

// mockECS implements API for testing.
type mockECS struct {
	describeServicesFunc       func(*ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error)
	describeTaskDefinitionFunc func(*ecs.DescribeTaskDefinitionInput) (*ecs.DescribeTaskDefinitionOutput, error)
	registerTaskDefinitionFunc func(*ecs.RegisterTaskDefinitionInput) (*ecs.RegisterTaskDefinitionOutput, error)
	updateServiceFunc          func(*ecs.UpdateServiceInput) (*ecs.UpdateServiceOutput, error)
	runTaskFunc                func(*ecs.RunTaskInput) (*ecs.RunTaskOutput, error)
	describeTasksFunc          func(*ecs.DescribeTasksInput) (*ecs.DescribeTasksOutput, error)
}

func (m *mockECS) DescribeServices(_ context.Context, in *ecs.DescribeServicesInput, _ ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error) {
	if m.describeServicesFunc != nil {
		return m.describeServicesFunc(in)
	}
	return nil, errors.New("DescribeServices not implemented")
}

func (m *mockECS) DescribeTaskDefinition(_ context.Context, in *ecs.DescribeTaskDefinitionInput, _ ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error) {
	if m.describeTaskDefinitionFunc != nil {
		return m.describeTaskDefinitionFunc(in)
	}
	return nil, errors.New("DescribeTaskDefinition not implemented")
}

func (m *mockECS) RegisterTaskDefinition(_ context.Context, in *ecs.RegisterTaskDefinitionInput, _ ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error) {
	if m.registerTaskDefinitionFunc != nil {
		return m.registerTaskDefinitionFunc(in)
	}
	return nil, errors.New("RegisterTaskDefinition not implemented")
}

func (m *mockECS) UpdateService(_ context.Context, in *ecs.UpdateServiceInput, _ ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error) {
	if m.updateServiceFunc != nil {
		return m.updateServiceFunc(in)
	}
	return nil, errors.New("UpdateService not implemented")
}

func (m *mockECS) RunTask(_ context.Context, in *ecs.RunTaskInput, _ ...func(*ecs.Options)) (*ecs.RunTaskOutput, error) {
	if m.runTaskFunc != nil {
		return m.runTaskFunc(in)
	}
	return nil, errors.New("RunTask not implemented")
}

func (m *mockECS) DescribeTasks(_ context.Context, in *ecs.DescribeTasksInput, _ ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
	if m.describeTasksFunc != nil {
		return m.describeTasksFunc(in)
	}
	return nil, errors.New("DescribeTasks not implemented")
}

type mockLogs struct {
	pages map[string]*cloudwatchlogs.GetLogEventsOutput
	calls int
}

func (m *mockLogs) GetLogEvents(_ context.Context, in *cloudwatchlogs.GetLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetLogEventsOutput, error) {
	m.calls++
	return m.pages[aws.ToString(in.NextToken)], nil
}

var staging = environment.Environment{
	Name:     environment.Staging,
	Region:   "us-west-2",
	Cluster:  "inventory-staging",
	Platform: environment.PlatformECS,
}

func newTestPlatform(api API, logs LogsAPI) *Platform {
	return NewWithClients(func(string) (API, LogsAPI) { return api, logs }, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func inventoryService() types.Service {
	return types.Service{
		ServiceName:    aws.String("inventory"),
		Status:         aws.String("ACTIVE"),
		DesiredCount:   2,
		RunningCount:   2,
		TaskDefinition: aws.String("arn:aws:ecs:us-west-2:1:task-definition/inventory:7"),
		NetworkConfiguration: &types.NetworkConfiguration{AwsvpcConfiguration: &types.AwsVpcConfiguration{
			Subnets:        []string{"subnet-0stg-a", "subnet-0stg-b"},
			SecurityGroups: []string{"sg-app"},
			AssignPublicIp: types.AssignPublicIpDisabled,
		}},
		Deployments: []types.Deployment{{
			Status:         aws.String("PRIMARY"),
			TaskDefinition: aws.String("arn:aws:ecs:us-west-2:1:task-definition/inventory:7"),
			RunningCount:   2,
			RolloutState:   types.DeploymentRolloutStateCompleted,
		}},
	}
}

func inventoryTaskDefinition() *types.TaskDefinition {
	return &types.TaskDefinition{
		Family:      aws.String("inventory"),
		NetworkMode: types.NetworkModeAwsvpc,
		ContainerDefinitions: []types.ContainerDefinition{{
			Name:         aws.String("inventory"),
			Image:        aws.String("reg/inventory:1.1.0@sha256:old"),
			PortMappings: []types.PortMapping{{ContainerPort: aws.Int32(8080)}},
			LogConfiguration: &types.LogConfiguration{
				LogDriver: types.LogDriverAwslogs,
				Options:   map[string]string{"awslogs-group": "/inventory/staging", "awslogs-stream-prefix": "app"},
			},
		}},
	}
}

func TestDescribeServiceDiscoversPlacement(t *testing.T) {
	api := &mockECS{
		describeServicesFunc: func(in *ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error) {
			assert.Equal(t, "inventory-staging", aws.ToString(in.Cluster))
			return &ecs.DescribeServicesOutput{Services: []types.Service{inventoryService()}}, nil
		},
		describeTaskDefinitionFunc: func(in *ecs.DescribeTaskDefinitionInput) (*ecs.DescribeTaskDefinitionOutput, error) {
			return &ecs.DescribeTaskDefinitionOutput{TaskDefinition: inventoryTaskDefinition()}, nil
		},
	}
	p := newTestPlatform(api, nil)

	state, err := p.DescribeService(context.Background(), staging, "inventory", "inventory")
	require.NoError(t, err)
	assert.Equal(t, "reg/inventory:1.1.0@sha256:old", state.Image)
	assert.Equal(t, 2, state.Desired)
	assert.Equal(t, 2, state.Running)
	assert.Equal(t, 2, state.Healthy)
	assert.False(t, state.Placement.AssignPublicIP)
	assert.Equal(t, []string{"subnet-0stg-a", "subnet-0stg-b"}, state.Placement.Subnets)
	assert.Equal(t, []string{"sg-app"}, state.Placement.SecurityGroups)
	assert.Equal(t, "arn:aws:ecs:us-west-2:1:task-definition/inventory:7", state.Placement.Template)
}

func TestDescribeServiceReadsNamedContainer(t *testing.T) {
	def := inventoryTaskDefinition()
	def.ContainerDefinitions[0].Name = aws.String("app")
	def.ContainerDefinitions = append([]types.ContainerDefinition{{
		Name:  aws.String("xray"),
		Image: aws.String("amazon/aws-xray-daemon:3.3"),
	}}, def.ContainerDefinitions...)
	api := &mockECS{
		describeServicesFunc: func(*ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error) {
			return &ecs.DescribeServicesOutput{Services: []types.Service{inventoryService()}}, nil
		},
		describeTaskDefinitionFunc: func(*ecs.DescribeTaskDefinitionInput) (*ecs.DescribeTaskDefinitionOutput, error) {
			return &ecs.DescribeTaskDefinitionOutput{TaskDefinition: def}, nil
		},
	}
	p := newTestPlatform(api, nil)

	state, err := p.DescribeService(context.Background(), staging, "inventory", "app")
	require.NoError(t, err)
	assert.Equal(t, "reg/inventory:1.1.0@sha256:old", state.Image)

	state, err = p.DescribeService(context.Background(), staging, "inventory", "")
	require.NoError(t, err)
	assert.Empty(t, state.Image)
}

func TestDescribeServiceReportsRolloutProgress(t *testing.T) {
	svc := inventoryService()
	svc.Deployments[0].RolloutState = types.DeploymentRolloutStateInProgress
	svc.Deployments = append(svc.Deployments, types.Deployment{Status: aws.String("ACTIVE"), RunningCount: 2})
	failed := inventoryService()
	failed.Deployments[0].RolloutState = types.DeploymentRolloutStateFailed
	failed.Deployments[0].RolloutStateReason = aws.String("tasks failed to start")

	for name, tc := range map[string]struct {
		svc     types.Service
		healthy int
		failed  bool
	}{
		"in progress": {svc: svc, healthy: 0},
		"failed":      {svc: failed, healthy: 0, failed: true},
	} {
		t.Run(name, func(t *testing.T) {
			api := &mockECS{
				describeServicesFunc: func(*ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error) {
					return &ecs.DescribeServicesOutput{Services: []types.Service{tc.svc}}, nil
				},
				describeTaskDefinitionFunc: func(*ecs.DescribeTaskDefinitionInput) (*ecs.DescribeTaskDefinitionOutput, error) {
					return &ecs.DescribeTaskDefinitionOutput{TaskDefinition: inventoryTaskDefinition()}, nil
				},
			}
			state, err := newTestPlatform(api, nil).DescribeService(context.Background(), staging, "inventory", "inventory")
			require.NoError(t, err)
			assert.Equal(t, tc.healthy, state.Healthy)
			assert.Equal(t, tc.failed, state.RolloutFailed)
		})
	}
}

func TestDescribeServiceMissing(t *testing.T) {
	api := &mockECS{
		describeServicesFunc: func(*ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error) {
			return &ecs.DescribeServicesOutput{Failures: []types.Failure{{Reason: aws.String("MISSING")}}}, nil
		},
	}
	_, err := newTestPlatform(api, nil).DescribeService(context.Background(), staging, "inventory", "inventory")
	assert.ErrorIs(t, err, platform.ErrServiceNotFound)
}

func TestUpdateServiceImageRegistersRevision(t *testing.T) {
	var registered *ecs.RegisterTaskDefinitionInput
	var updated *ecs.UpdateServiceInput
	api := &mockECS{
		describeServicesFunc: func(*ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error) {
			return &ecs.DescribeServicesOutput{Services: []types.Service{inventoryService()}}, nil
		},
		describeTaskDefinitionFunc: func(*ecs.DescribeTaskDefinitionInput) (*ecs.DescribeTaskDefinitionOutput, error) {
			return &ecs.DescribeTaskDefinitionOutput{TaskDefinition: inventoryTaskDefinition()}, nil
		},
		registerTaskDefinitionFunc: func(in *ecs.RegisterTaskDefinitionInput) (*ecs.RegisterTaskDefinitionOutput, error) {
			registered = in
			return &ecs.RegisterTaskDefinitionOutput{TaskDefinition: &types.TaskDefinition{TaskDefinitionArn: aws.String("arn:td/inventory:8")}}, nil
		},
		updateServiceFunc: func(in *ecs.UpdateServiceInput) (*ecs.UpdateServiceOutput, error) {
			updated = in
			return &ecs.UpdateServiceOutput{}, nil
		},
	}
	err := newTestPlatform(api, nil).UpdateServiceImage(context.Background(), staging, "inventory", "inventory", "reg/inventory:1.2.0@sha256:new", 2)
	require.NoError(t, err)

	require.NotNil(t, registered)
	assert.Equal(t, "inventory", aws.ToString(registered.Family))
	assert.Equal(t, "reg/inventory:1.2.0@sha256:new", aws.ToString(registered.ContainerDefinitions[0].Image))
	require.NotNil(t, updated)
	assert.Equal(t, "arn:td/inventory:8", aws.ToString(updated.TaskDefinition))
	assert.Equal(t, int32(2), aws.ToInt32(updated.DesiredCount))
}

func TestRunTaskUsesDiscoveredPlacement(t *testing.T) {
	var registered *ecs.RegisterTaskDefinitionInput
	var run *ecs.RunTaskInput
	api := &mockECS{
		describeTaskDefinitionFunc: func(*ecs.DescribeTaskDefinitionInput) (*ecs.DescribeTaskDefinitionOutput, error) {
			return &ecs.DescribeTaskDefinitionOutput{TaskDefinition: inventoryTaskDefinition()}, nil
		},
		registerTaskDefinitionFunc: func(in *ecs.RegisterTaskDefinitionInput) (*ecs.RegisterTaskDefinitionOutput, error) {
			registered = in
			return &ecs.RegisterTaskDefinitionOutput{TaskDefinition: &types.TaskDefinition{TaskDefinitionArn: aws.String("arn:td/inventory-migrate:1")}}, nil
		},
		runTaskFunc: func(in *ecs.RunTaskInput) (*ecs.RunTaskOutput, error) {
			run = in
			return &ecs.RunTaskOutput{Tasks: []types.Task{{TaskArn: aws.String("arn:aws:ecs:us-west-2:1:task/inventory-staging/abc123")}}}, nil
		},
	}
	spec := platform.TaskSpec{
		Environment: staging,
		Name:        "migrate",
		Container:   "inventory",
		Image:       "reg/inventory:1.2.0@sha256:new",
		Command:     []string{"/app/migrate", "up"},
		Placement: platform.Placement{
			Subnets:        []string{"subnet-0stg-a"},
			SecurityGroups: []string{"sg-app"},
			Template:       "arn:td/inventory:7",
		},
		Secrets: map[string]string{"DATABASE_URL": "arn:aws:secretsmanager:us-west-2:1:secret:inventory/staging/database-url"},
		Labels:  map[string]string{"release-id": "r1"},
	}

	handle, err := newTestPlatform(api, nil).RunTask(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:ecs:us-west-2:1:task/inventory-staging/abc123", handle.ID)
	assert.Equal(t, "/inventory/staging:app/inventory/abc123", handle.LogRef)

	require.NotNil(t, registered)
	assert.Equal(t, "inventory-migrate", aws.ToString(registered.Family))
	require.Len(t, registered.ContainerDefinitions, 1)
	container := registered.ContainerDefinitions[0]
	assert.Equal(t, []string{"/app/migrate", "up"}, container.Command)
	assert.Empty(t, container.PortMappings)
	require.Len(t, container.Secrets, 1)
	assert.Equal(t, "DATABASE_URL", aws.ToString(container.Secrets[0].Name))

	require.NotNil(t, run)
	vpc := run.NetworkConfiguration.AwsvpcConfiguration
	assert.Equal(t, types.AssignPublicIpDisabled, vpc.AssignPublicIp)
	assert.Equal(t, []string{"subnet-0stg-a"}, vpc.Subnets)
	assert.Equal(t, "releaser/migrate/r1", aws.ToString(run.StartedBy))
}

func TestRunTaskFailuresAreLaunchErrors(t *testing.T) {
	api := &mockECS{
		describeTaskDefinitionFunc: func(*ecs.DescribeTaskDefinitionInput) (*ecs.DescribeTaskDefinitionOutput, error) {
			return &ecs.DescribeTaskDefinitionOutput{TaskDefinition: inventoryTaskDefinition()}, nil
		},
		registerTaskDefinitionFunc: func(*ecs.RegisterTaskDefinitionInput) (*ecs.RegisterTaskDefinitionOutput, error) {
			return &ecs.RegisterTaskDefinitionOutput{TaskDefinition: &types.TaskDefinition{TaskDefinitionArn: aws.String("arn:td/x:1")}}, nil
		},
		runTaskFunc: func(*ecs.RunTaskInput) (*ecs.RunTaskOutput, error) {
			return &ecs.RunTaskOutput{Failures: []types.Failure{{Reason: aws.String("RESOURCE:ENI"), Detail: aws.String("no capacity")}}}, nil
		},
	}
	spec := platform.TaskSpec{Environment: staging, Name: "migrate", Container: "inventory", Placement: platform.Placement{Subnets: []string{"s"}, Template: "arn:td/inventory:7"}}
	_, err := newTestPlatform(api, nil).RunTask(context.Background(), spec)
	require.Error(t, err)
	assert.True(t, platform.IsLaunchError(err))

	_, err = newTestPlatform(api, nil).RunTask(context.Background(), platform.TaskSpec{Environment: staging})
	assert.True(t, platform.IsLaunchError(err))
}

func TestDescribeTaskStates(t *testing.T) {
	code := int32(3)
	tasks := map[string]types.Task{
		"pending": {LastStatus: aws.String("PROVISIONING")},
		"running": {LastStatus: aws.String("RUNNING")},
		"stopped": {LastStatus: aws.String("STOPPED"), StoppedReason: aws.String("Essential container in task exited"), Containers: []types.Container{{Name: aws.String("inventory"), ExitCode: &code}}},
	}
	api := &mockECS{
		describeTasksFunc: func(in *ecs.DescribeTasksInput) (*ecs.DescribeTasksOutput, error) {
			return &ecs.DescribeTasksOutput{Tasks: []types.Task{tasks[in.Tasks[0]]}}, nil
		},
	}
	p := newTestPlatform(api, nil)
	ctx := context.Background()

	st, err := p.DescribeTask(ctx, staging, platform.TaskHandle{ID: "pending"})
	require.NoError(t, err)
	assert.Equal(t, platform.TaskPending, st.State)

	st, err = p.DescribeTask(ctx, staging, platform.TaskHandle{ID: "running"})
	require.NoError(t, err)
	assert.Equal(t, platform.TaskRunning, st.State)

	st, err = p.DescribeTask(ctx, staging, platform.TaskHandle{ID: "stopped"})
	require.NoError(t, err)
	assert.Equal(t, platform.TaskStopped, st.State)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 3, *st.ExitCode)
}

func TestTaskLogsFollowsTokens(t *testing.T) {
	logs := &mockLogs{pages: map[string]*cloudwatchlogs.GetLogEventsOutput{
		"": {
			Events:           []cwtypes.OutputLogEvent{{Message: aws.String("starting")}},
			NextForwardToken: aws.String("f/1"),
		},
		"f/1": {
			Events:           []cwtypes.OutputLogEvent{{Message: aws.String(`{"msg":"migration summary","applied":0}`)}},
			NextForwardToken: aws.String("f/2"),
		},
		"f/2": {NextForwardToken: aws.String("f/2")},
	}}
	lines, err := newTestPlatform(&mockECS{}, logs).TaskLogs(context.Background(), staging, platform.TaskHandle{ID: "t", LogRef: "/inventory/staging:app/inventory/abc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"starting", `{"msg":"migration summary","applied":0}`}, lines)
	assert.Equal(t, 3, logs.calls)
}
