package kubernetes

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/ptr"

	"github.com/ericreilly999/inventory-release/internal/environment"
	"github.com/ericreilly999/inventory-release/internal/platform"
)

var dev = environment.Environment{
	Name:      environment.Dev,
	Platform:  environment.PlatformKubernetes,
	Namespace: "inventory-dev",
}

func inventoryDeployment() *appsv1.Deployment {
	labels := map[string]string{"app": "inventory", "tier": "core"}
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "inventory", Namespace: "inventory-dev", Generation: 3},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(int32(2)),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "inventory"}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					ServiceAccountName: "inventory",
					NodeSelector:       map[string]string{"pool": "private"},
					Containers: []corev1.Container{{
						Name:           "inventory",
						Image:          "reg/inventory:1.1.0@sha256:old",
						Ports:          []corev1.ContainerPort{{ContainerPort: 8080}},
						ReadinessProbe: &corev1.Probe{},
					}},
				},
			},
		},
		Status: appsv1.DeploymentStatus{
			ObservedGeneration: 3,
			Replicas:           2,
			UpdatedReplicas:    2,
			ReadyReplicas:      2,
			AvailableReplicas:  2,
		},
	}
}

func newTestPlatform(objects ...runtime.Object) (*Platform, *fake.Clientset) {
	client := fake.NewClientset(objects...)
	return NewWithClient(client, slog.New(slog.NewTextHandler(io.Discard, nil))), client
}

func TestDescribeService(t *testing.T) {
	p, _ := newTestPlatform(inventoryDeployment())

	state, err := p.DescribeService(context.Background(), dev, "inventory", "")
	require.NoError(t, err)
	assert.Equal(t, "reg/inventory:1.1.0@sha256:old", state.Image)
	assert.Equal(t, 2, state.Desired)
	assert.Equal(t, 2, state.Healthy)
	assert.Equal(t, "inventory", state.Placement.Template)
	assert.Equal(t, "inventory", state.Placement.ServiceAccount)
	assert.Equal(t, map[string]string{"pool": "private"}, state.Placement.NodeSelector)
}

func TestDescribeServiceReadsNamedContainer(t *testing.T) {
	dep := inventoryDeployment()
	dep.Spec.Template.Spec.Containers = []corev1.Container{
		{Name: "envoy", Image: "envoyproxy/envoy:v1.31"},
		{Name: "app", Image: "reg/inventory:1.1.0@sha256:old"},
	}
	p, _ := newTestPlatform(dep)

	state, err := p.DescribeService(context.Background(), dev, "inventory", "app")
	require.NoError(t, err)
	assert.Equal(t, "reg/inventory:1.1.0@sha256:old", state.Image)

	state, err = p.DescribeService(context.Background(), dev, "inventory", "")
	require.NoError(t, err)
	assert.Empty(t, state.Image, "a service name matching no container reports no image")
}

func TestDescribeServiceRolloutInProgress(t *testing.T) {
	dep := inventoryDeployment()
	dep.Status.Replicas = 3
	dep.Status.UpdatedReplicas = 1
	dep.Status.Conditions = []appsv1.DeploymentCondition{{
		Type:    appsv1.DeploymentProgressing,
		Status:  corev1.ConditionFalse,
		Reason:  "ProgressDeadlineExceeded",
		Message: "ReplicaSet inventory-abc has timed out progressing",
	}}
	p, _ := newTestPlatform(dep)

	state, err := p.DescribeService(context.Background(), dev, "inventory", "")
	require.NoError(t, err)
	assert.Equal(t, 0, state.Healthy)
	assert.True(t, state.RolloutFailed)
	assert.Contains(t, state.Message, "timed out")
}

func TestDescribeServiceMissing(t *testing.T) {
	p, _ := newTestPlatform()
	_, err := p.DescribeService(context.Background(), dev, "inventory", "")
	assert.ErrorIs(t, err, platform.ErrServiceNotFound)
}

func TestUpdateServiceImage(t *testing.T) {
	p, client := newTestPlatform(inventoryDeployment())

	err := p.UpdateServiceImage(context.Background(), dev, "inventory", "inventory", "reg/inventory:1.2.0@sha256:new", 4)
	require.NoError(t, err)

	dep, err := client.AppsV1().Deployments("inventory-dev").Get(context.Background(), "inventory", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "reg/inventory:1.2.0@sha256:new", dep.Spec.Template.Spec.Containers[0].Image)
	assert.Equal(t, int32(4), *dep.Spec.Replicas)
}

func TestRunTaskCreatesJobFromTemplate(t *testing.T) {
	p, client := newTestPlatform(inventoryDeployment())
	spec := platform.TaskSpec{
		Environment: dev,
		Name:        "migrate",
		Container:   "inventory",
		Image:       "reg/inventory:1.2.0@sha256:new",
		Command:     []string{"/app/migrate", "up"},
		Placement:   platform.Placement{Template: "inventory", ServiceAccount: "inventory"},
		Secrets:     map[string]string{"DATABASE_URL": "inventory-db/url"},
		Labels:      map[string]string{"release-id": "r1"},
	}

	handle, err := p.RunTask(context.Background(), spec)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(handle.ID, "inventory-migrate-"))
	assert.Equal(t, "inventory-dev/"+handle.ID, handle.LogRef)

	job, err := client.BatchV1().Jobs("inventory-dev").Get(context.Background(), handle.ID, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(0), *job.Spec.BackoffLimit)
	assert.Equal(t, "r1", job.Labels[releaseLabel])
	_, selected := job.Spec.Template.Labels["app"]
	assert.False(t, selected, "task pods must not match the service selector")
	assert.Equal(t, "core", job.Spec.Template.Labels["tier"])

	pod := job.Spec.Template.Spec
	assert.Equal(t, corev1.RestartPolicyNever, pod.RestartPolicy)
	assert.Equal(t, "inventory", pod.ServiceAccountName)
	require.Len(t, pod.Containers, 1)
	c := pod.Containers[0]
	assert.Equal(t, []string{"/app/migrate", "up"}, c.Command)
	assert.Empty(t, c.Ports)
	assert.Nil(t, c.ReadinessProbe)
	require.Len(t, c.Env, 1)
	assert.Equal(t, "inventory-db", c.Env[0].ValueFrom.SecretKeyRef.Name)
	assert.Equal(t, "url", c.Env[0].ValueFrom.SecretKeyRef.Key)
}

func TestRunTaskWithoutTemplate(t *testing.T) {
	p, _ := newTestPlatform()
	_, err := p.RunTask(context.Background(), platform.TaskSpec{Environment: dev, Name: "migrate", Placement: platform.Placement{Template: "inventory"}})
	assert.True(t, platform.IsLaunchError(err))
}

func TestDescribeTask(t *testing.T) {
	job := func(name string, status batchv1.JobStatus) *batchv1.Job {
		return &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "inventory-dev"}, Status: status}
	}
	pod := func(job string, status corev1.PodStatus) *corev1.Pod {
		return &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: job + "-pod", Namespace: "inventory-dev", Labels: map[string]string{taskLabel: job}},
			Status:     status,
		}
	}
	p, _ := newTestPlatform(
		job("queued", batchv1.JobStatus{}),
		job("running", batchv1.JobStatus{Active: 1}),
		pod("running", corev1.PodStatus{Phase: corev1.PodRunning}),
		job("failed", batchv1.JobStatus{Failed: 1}),
		pod("failed", corev1.PodStatus{Phase: corev1.PodFailed, ContainerStatuses: []corev1.ContainerStatus{{
			State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: 2, Reason: "Error"}},
		}}}),
		job("pullerr", batchv1.JobStatus{Active: 1}),
		pod("pullerr", corev1.PodStatus{Phase: corev1.PodPending, ContainerStatuses: []corev1.ContainerStatus{{
			State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "ImagePullBackOff"}},
		}}}),
	)
	ctx := context.Background()

	st, err := p.DescribeTask(ctx, dev, platform.TaskHandle{ID: "queued"})
	require.NoError(t, err)
	assert.Equal(t, platform.TaskPending, st.State)

	st, err = p.DescribeTask(ctx, dev, platform.TaskHandle{ID: "running"})
	require.NoError(t, err)
	assert.Equal(t, platform.TaskRunning, st.State)

	st, err = p.DescribeTask(ctx, dev, platform.TaskHandle{ID: "failed"})
	require.NoError(t, err)
	assert.Equal(t, platform.TaskStopped, st.State)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 2, *st.ExitCode)

	st, err = p.DescribeTask(ctx, dev, platform.TaskHandle{ID: "pullerr"})
	require.NoError(t, err)
	assert.Equal(t, platform.TaskStopped, st.State)
	assert.Nil(t, st.ExitCode)
	assert.Equal(t, "ImagePullBackOff", st.Reason)
}

func TestTaskLogs(t *testing.T) {
	p, _ := newTestPlatform(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "job-pod", Namespace: "inventory-dev", Labels: map[string]string{taskLabel: "job"}},
	})
	lines, err := p.TaskLogs(context.Background(), dev, platform.TaskHandle{ID: "job", LogRef: "inventory-dev/job"})
	require.NoError(t, err)
	// the fake clientset serves a fixed body
	assert.Equal(t, []string{"fake logs"}, lines)

	lines, err = p.TaskLogs(context.Background(), dev, platform.TaskHandle{ID: "missing"})
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestJobName(t *testing.T) {
	name := jobName(strings.Repeat("Inventory_", 10), "migrate")
	assert.LessOrEqual(t, len(name), maxNameLength)
	assert.Equal(t, strings.ToLower(name), name)
	assert.NotContains(t, name, "_")
}
