package secrets

import (
	"context"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/ericreilly999/inventory-release/internal/environment"
)

// KubernetesGuard checks that the secret exists in the environment namespace
// and carries the environment label. Identifiers have the form
// "<secret>/<key>".
type KubernetesGuard struct {
	client kubernetes.Interface
}

// NewKubernetesGuard wraps a clientset.
func NewKubernetesGuard(client kubernetes.Interface) *KubernetesGuard {
	return &KubernetesGuard{client: client}
}

// Check implements Guard.
func (g *KubernetesGuard) Check(ctx context.Context, env environment.Environment) (string, error) {
	id := strings.TrimSpace(env.DatabaseSecret)
	name, key, ok := strings.Cut(id, "/")
	if name == "" || (ok && key == "") {
		return "", scopeError(env, "malformed secret reference %q", id)
	}
	secret, err := g.client.CoreV1().Secrets(env.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return "", scopeError(env, "secret %q not found in namespace %s", name, env.Namespace)
		}
		if errors.IsForbidden(err) {
			return "", scopeError(env, "access to secret %q denied", name)
		}
		return "", fmt.Errorf("get secret %q: %w", name, err)
	}
	if label := secret.Labels[EnvironmentTag]; label != string(env.Name) {
		return "", scopeError(env, "secret %q is labelled for %q", name, label)
	}
	if ok {
		if _, present := secret.Data[key]; !present {
			return "", scopeError(env, "secret %q has no key %q", name, key)
		}
	}
	return id, nil
}
