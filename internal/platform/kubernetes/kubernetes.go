// Package kubernetes runs services and isolated tasks on a Kubernetes cluster.
package kubernetes

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/ptr"

	"github.com/ericreilly999/inventory-release/internal/environment"
	"github.com/ericreilly999/inventory-release/internal/platform"
)

const (
	taskLabel        = "releaser.dev/task"
	releaseLabel     = "releaser.dev/release-id"
	maxNameLength    = 63
	jobTTLSeconds    = 3600
	maxLogLineLength = 1 << 20
)

// podFailureReasons are waiting reasons that mean the task will never start.
var podFailureReasons = map[string]bool{
	"ErrImagePull":               true,
	"ImagePullBackOff":           true,
	"InvalidImageName":           true,
	"CreateContainerConfigError": true,
	"CreateContainerError":       true,
}

// Platform implements platform.Platform with Deployments and Jobs.
type Platform struct {
	client kubernetes.Interface
	logger *slog.Logger
}

var _ platform.Platform = (*Platform)(nil)

// New creates a Kubernetes-backed adapter. It prefers in-cluster
// configuration and falls back to kubeconfig (or KUBECONFIG) when running
// locally.
func New(kubeconfig string, logger *slog.Logger) (*Platform, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		path := strings.TrimSpace(kubeconfig)
		if path == "" {
			path = strings.TrimSpace(os.Getenv("KUBECONFIG"))
		}
		if path == "" {
			return nil, fmt.Errorf("create in-cluster config: %w", err)
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", path)
		if err != nil {
			return nil, fmt.Errorf("create kubeconfig client: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return NewWithClient(clientset, logger), nil
}

// NewWithClient wraps an existing clientset.
func NewWithClient(client kubernetes.Interface, logger *slog.Logger) *Platform {
	if logger == nil {
		logger = slog.Default()
	}
	return &Platform{client: client, logger: logger.With("component", "kubernetes")}
}

// Client exposes the clientset so secret checks share the connection.
func (p *Platform) Client() kubernetes.Interface {
	return p.client
}

// DescribeService reports the state of the Deployment named service, taking
// the image from container.
func (p *Platform) DescribeService(ctx context.Context, env environment.Environment, service, container string) (platform.ServiceState, error) {
	dep, err := p.client.AppsV1().Deployments(env.Namespace).Get(ctx, service, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return platform.ServiceState{}, fmt.Errorf("%s/%s: %w", env.Namespace, service, platform.ErrServiceNotFound)
		}
		return platform.ServiceState{}, fmt.Errorf("get deployment %s: %w", service, err)
	}

	state := platform.ServiceState{
		Service: service,
		Desired: int(ptr.Deref(dep.Spec.Replicas, 1)),
		Running: int(dep.Status.ReadyReplicas),
		Placement: platform.Placement{
			Template:       dep.Name,
			ServiceAccount: dep.Spec.Template.Spec.ServiceAccountName,
			NodeSelector:   dep.Spec.Template.Spec.NodeSelector,
		},
	}
	if container == "" {
		container = service
	}
	if c := findContainer(dep.Spec.Template.Spec.Containers, container); c != nil {
		state.Image = c.Image
	}
	if dep.Status.ObservedGeneration >= dep.Generation {
		state.Healthy = int(min(dep.Status.UpdatedReplicas, dep.Status.AvailableReplicas))
		if dep.Status.Replicas > dep.Status.UpdatedReplicas {
			// old replica sets still draining
			state.Healthy = 0
		}
	}
	for _, cond := range dep.Status.Conditions {
		if cond.Type == appsv1.DeploymentProgressing && cond.Status == corev1.ConditionFalse && cond.Reason == "ProgressDeadlineExceeded" {
			state.RolloutFailed = true
			state.Message = cond.Message
		}
	}
	return state, nil
}

// UpdateServiceImage sets the container image and replica count of the
// Deployment, retrying on write conflicts.
func (p *Platform) UpdateServiceImage(ctx context.Context, env environment.Environment, service, container, image string, desired int) error {
	if container == "" {
		container = service
	}
	deployments := p.client.AppsV1().Deployments(env.Namespace)
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		dep, err := deployments.Get(ctx, service, metav1.GetOptions{})
		if err != nil {
			if errors.IsNotFound(err) {
				return fmt.Errorf("%s/%s: %w", env.Namespace, service, platform.ErrServiceNotFound)
			}
			return err
		}
		target := findContainer(dep.Spec.Template.Spec.Containers, container)
		if target == nil {
			return fmt.Errorf("deployment %s has no container %q", service, container)
		}
		target.Image = image
		dep.Spec.Replicas = ptr.To(int32(desired))
		_, err = deployments.Update(ctx, dep, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("update deployment %s: %w", service, err)
	}
	p.logger.Info("deployment updated", "namespace", env.Namespace, "deployment", service, "image", image, "desired", desired)
	return nil
}

// RunTask creates a Job from the pod template of the placement's Deployment,
// so the task inherits its service account, node selector and network
// policy labels.
func (p *Platform) RunTask(ctx context.Context, spec platform.TaskSpec) (platform.TaskHandle, error) {
	env := spec.Environment
	if spec.Placement.Template == "" {
		return platform.TaskHandle{}, &platform.LaunchError{Reason: "no deployment template"}
	}
	dep, err := p.client.AppsV1().Deployments(env.Namespace).Get(ctx, spec.Placement.Template, metav1.GetOptions{})
	if err != nil {
		return platform.TaskHandle{}, &platform.LaunchError{Reason: "get template deployment", Err: err}
	}

	podSpec := *dep.Spec.Template.Spec.DeepCopy()
	container := findContainer(podSpec.Containers, spec.Container)
	if container == nil {
		return platform.TaskHandle{}, &platform.LaunchError{Reason: fmt.Sprintf("template has no container %q", spec.Container)}
	}
	container.Image = spec.Image
	container.Command = spec.Command
	container.Args = nil
	container.Ports = nil
	container.ReadinessProbe = nil
	container.LivenessProbe = nil
	container.StartupProbe = nil
	container.Env = append(container.Env, secretEnv(spec.Secrets)...)
	podSpec.Containers = []corev1.Container{*container}
	podSpec.RestartPolicy = corev1.RestartPolicyNever
	if spec.Placement.ServiceAccount != "" {
		podSpec.ServiceAccountName = spec.Placement.ServiceAccount
	}
	if len(spec.Placement.NodeSelector) > 0 {
		podSpec.NodeSelector = spec.Placement.NodeSelector
	}

	name := jobName(dep.Name, spec.Name)
	labels := map[string]string{taskLabel: name}
	for k, v := range dep.Spec.Template.Labels {
		if _, ok := dep.Spec.Selector.MatchLabels[k]; ok {
			// keep the task out of the service's endpoints
			continue
		}
		labels[k] = v
	}
	if id := spec.Labels["release-id"]; id != "" {
		labels[releaseLabel] = id
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: env.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptr.To(int32(0)),
			TTLSecondsAfterFinished: ptr.To(int32(jobTTLSeconds)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}
	if _, err := p.client.BatchV1().Jobs(env.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return platform.TaskHandle{}, &platform.LaunchError{Reason: "create job", Err: err}
	}

	handle := platform.TaskHandle{ID: name, LogRef: env.Namespace + "/" + name}
	p.logger.Info("task started", "namespace", env.Namespace, "job", name, "name", spec.Name)
	return handle, nil
}

// DescribeTask maps Job and pod status onto platform task states.
func (p *Platform) DescribeTask(ctx context.Context, env environment.Environment, handle platform.TaskHandle) (platform.TaskStatus, error) {
	job, err := p.client.BatchV1().Jobs(env.Namespace).Get(ctx, handle.ID, metav1.GetOptions{})
	if err != nil {
		return platform.TaskStatus{}, fmt.Errorf("get job %s: %w", handle.ID, err)
	}
	pod, err := p.taskPod(ctx, env.Namespace, handle.ID)
	if err != nil {
		return platform.TaskStatus{}, err
	}

	if job.Status.Succeeded > 0 || job.Status.Failed > 0 {
		status := platform.TaskStatus{State: platform.TaskStopped, Reason: jobFailureMessage(job)}
		if pod != nil {
			if term := terminated(pod); term != nil {
				code := int(term.ExitCode)
				status.ExitCode = &code
				if term.Reason != "" && status.Reason == "" {
					status.Reason = term.Reason
				}
			}
		}
		if status.ExitCode == nil && job.Status.Succeeded > 0 {
			code := 0
			status.ExitCode = &code
		}
		return status, nil
	}

	if pod == nil {
		return platform.TaskStatus{State: platform.TaskPending}, nil
	}
	for _, s := range pod.Status.ContainerStatuses {
		if s.State.Waiting != nil && podFailureReasons[s.State.Waiting.Reason] {
			return platform.TaskStatus{State: platform.TaskStopped, Reason: waitingMessage(s.State.Waiting)}, nil
		}
	}
	if pod.Status.Phase == corev1.PodRunning {
		return platform.TaskStatus{State: platform.TaskRunning}, nil
	}
	return platform.TaskStatus{State: platform.TaskPending}, nil
}

// TaskLogs returns the container output of the task's pod.
func (p *Platform) TaskLogs(ctx context.Context, env environment.Environment, handle platform.TaskHandle) ([]string, error) {
	namespace, name, ok := strings.Cut(handle.LogRef, "/")
	if !ok {
		namespace, name = env.Namespace, handle.ID
	}
	pod, err := p.taskPod(ctx, namespace, name)
	if err != nil || pod == nil {
		return nil, err
	}
	stream, err := p.client.CoreV1().Pods(namespace).GetLogs(pod.Name, &corev1.PodLogOptions{}).Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream logs %s: %w", pod.Name, err)
	}
	defer stream.Close()

	var lines []string
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLineLength)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return lines, fmt.Errorf("read logs %s: %w", pod.Name, err)
	}
	return lines, nil
}

func (p *Platform) taskPod(ctx context.Context, namespace, job string) (*corev1.Pod, error) {
	pods, err := p.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: taskLabel + "=" + job})
	if err != nil {
		return nil, fmt.Errorf("list task pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}
	sort.Slice(pods.Items, func(i, j int) bool {
		return pods.Items[j].CreationTimestamp.Before(&pods.Items[i].CreationTimestamp)
	})
	return &pods.Items[0], nil
}

func findContainer(containers []corev1.Container, name string) *corev1.Container {
	for i := range containers {
		if containers[i].Name == name {
			return &containers[i]
		}
	}
	if len(containers) == 1 {
		return &containers[0]
	}
	return nil
}

// secretEnv maps identifiers of the form "<secret>/<key>" to secret key
// references. A bare secret name uses the variable name as key.
func secretEnv(secrets map[string]string) []corev1.EnvVar {
	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	env := make([]corev1.EnvVar, 0, len(names))
	for _, name := range names {
		secret, key, ok := strings.Cut(secrets[name], "/")
		if !ok {
			key = name
		}
		env = append(env, corev1.EnvVar{
			Name: name,
			ValueFrom: &corev1.EnvVarSource{SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: secret},
				Key:                  key,
			}},
		})
	}
	return env
}

func jobName(template, task string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	base := sanitize(template + "-" + task)
	if limit := maxNameLength - len(suffix) - 1; len(base) > limit {
		base = strings.TrimRight(base[:limit], "-")
	}
	return base + "-" + suffix
}

func sanitize(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	out := make([]rune, 0, len(value))
	for _, r := range value {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	trimmed := strings.Trim(string(out), "-")
	if trimmed == "" {
		return "task"
	}
	return trimmed
}

func terminated(pod *corev1.Pod) *corev1.ContainerStateTerminated {
	for _, s := range pod.Status.ContainerStatuses {
		if s.State.Terminated != nil {
			return s.State.Terminated
		}
	}
	return nil
}

func jobFailureMessage(job *batchv1.Job) string {
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			if cond.Message != "" {
				return cond.Message
			}
			return cond.Reason
		}
	}
	return ""
}

func waitingMessage(w *corev1.ContainerStateWaiting) string {
	if w.Message != "" {
		return w.Reason + ": " + w.Message
	}
	return w.Reason
}
