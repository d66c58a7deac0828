package environment

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ericreilly999/inventory-release/internal/domain"
)

// Registry resolves environment names and sizing profiles. It is immutable
// after construction and safe for concurrent use.
type Registry struct {
	envs     map[Name]Environment
	services []Service
}

// NewRegistry validates the catalogue and builds a registry. Every name in
// AllNames must be defined exactly once.
func NewRegistry(envs []Environment, services []Service) (*Registry, error) {
	if len(services) == 0 {
		return nil, domain.Errorf(domain.CodeValidation, "catalogue defines no services")
	}
	r := &Registry{envs: make(map[Name]Environment, len(envs))}

	seenService := make(map[string]struct{}, len(services))
	for _, svc := range services {
		if svc.Name == "" || svc.Class == "" {
			return nil, domain.Errorf(domain.CodeValidation, "service %q requires a name and class", svc.Name)
		}
		if _, dup := seenService[svc.Name]; dup {
			return nil, domain.Errorf(domain.CodeValidation, "service %q declared twice", svc.Name)
		}
		seenService[svc.Name] = struct{}{}
		if svc.Container == "" {
			svc.Container = svc.Name
		}
		if svc.HealthPath == "" {
			svc.HealthPath = "/health"
		}
		r.services = append(r.services, svc)
	}

	subnetOwner := map[string]Name{}
	stateOwner := map[string]Name{}
	for _, env := range envs {
		if !env.Name.Valid() {
			return nil, domain.Errorf(domain.CodeUnknownEnvironment, "unknown environment %q", env.Name)
		}
		if _, dup := r.envs[env.Name]; dup {
			return nil, domain.Errorf(domain.CodeValidation, "environment %s declared twice", env.Name)
		}
		if err := validateEnvironment(env, r.services); err != nil {
			return nil, err
		}
		for _, subnet := range env.Network.Subnets {
			if owner, taken := subnetOwner[subnet]; taken {
				return nil, domain.Errorf(domain.CodeValidation, "subnet %s shared by %s and %s", subnet, owner, env.Name)
			}
			subnetOwner[subnet] = env.Name
		}
		if owner, taken := stateOwner[env.StateKey]; taken {
			return nil, domain.Errorf(domain.CodeValidation, "state key %s shared by %s and %s", env.StateKey, owner, env.Name)
		}
		stateOwner[env.StateKey] = env.Name
		r.envs[env.Name] = env
	}
	for _, name := range AllNames {
		if _, ok := r.envs[name]; !ok {
			return nil, domain.Errorf(domain.CodeValidation, "environment %s is not defined", name)
		}
	}
	return r, nil
}

func validateEnvironment(env Environment, services []Service) error {
	if env.Region == "" || env.Cluster == "" || env.Registry == "" {
		return domain.Errorf(domain.CodeValidation, "%s: region, cluster and registry are required", env.Name)
	}
	if len(env.Network.Subnets) == 0 {
		return domain.Errorf(domain.CodeValidation, "%s: at least one subnet is required", env.Name)
	}
	if env.StateKey == "" {
		return domain.Errorf(domain.CodeValidation, "%s: state key is required", env.Name)
	}
	if env.Platform == PlatformKubernetes && env.Namespace == "" {
		return domain.Errorf(domain.CodeValidation, "%s: kubernetes environments require a namespace", env.Name)
	}
	if env.Platform != PlatformKubernetes && env.Platform != PlatformECS {
		return domain.Errorf(domain.CodeValidation, "%s: unsupported platform %q", env.Name, env.Platform)
	}
	if isECRHost(env.Registry) && !strings.Contains(env.Registry, "."+env.Region+".") {
		return domain.Errorf(domain.CodeValidation, "%s: registry %s is not in region %s", env.Name, env.Registry, env.Region)
	}
	if !strings.Contains(env.DatabaseSecret, string(env.Name)) {
		return domain.Errorf(domain.CodeValidation, "%s: database secret %q is not scoped to the environment", env.Name, env.DatabaseSecret)
	}
	if env.Migration.Timeout <= 0 {
		return domain.Errorf(domain.CodeValidation, "%s: migration timeout must be positive", env.Name)
	}
	if len(env.Migration.Command) == 0 {
		return domain.Errorf(domain.CodeValidation, "%s: migration command is required", env.Name)
	}

	sourceFound := false
	for _, svc := range services {
		if svc.Name == env.Migration.SourceService {
			sourceFound = true
		}
		sizing, ok := env.Sizing[svc.Class]
		if !ok {
			return domain.Errorf(domain.CodeValidation, "%s: no sizing for service class %q", env.Name, svc.Class)
		}
		if sizing.DesiredCount < 1 {
			return domain.Errorf(domain.CodeValidation, "%s: class %q needs at least one replica", env.Name, svc.Class)
		}
		if env.Class == ClassStaging && sizing.Autoscaling {
			return domain.Errorf(domain.CodeValidation, "%s: autoscaling is not allowed for staging class %q", env.Name, svc.Class)
		}
	}
	if env.Class == ClassStaging && env.Autoscaling {
		return domain.Errorf(domain.CodeValidation, "%s: autoscaling is not allowed in staging environments", env.Name)
	}
	if !sourceFound {
		return domain.Errorf(domain.CodeValidation, "%s: migration source service %q is not defined", env.Name, env.Migration.SourceService)
	}
	return nil
}

func isECRHost(registry string) bool {
	return strings.Contains(registry, ".dkr.ecr.")
}

// Resolve returns the environment called name.
func (r *Registry) Resolve(name string) (Environment, error) {
	n, err := ParseName(name)
	if err != nil {
		return Environment{}, err
	}
	env, ok := r.envs[n]
	if !ok {
		return Environment{}, domain.Errorf(domain.CodeUnknownEnvironment, "unknown environment %q", name)
	}
	return env, nil
}

// SizingFor returns the effective sizing of class in env. Autoscaling is only
// reported when both the environment and the class enable it.
func (r *Registry) SizingFor(env Environment, class string) (Sizing, error) {
	resolved, ok := r.envs[env.Name]
	if !ok {
		return Sizing{}, domain.Errorf(domain.CodeUnknownEnvironment, "unknown environment %q", env.Name)
	}
	sizing, ok := resolved.Sizing[class]
	if !ok {
		return Sizing{}, domain.Errorf(domain.CodeValidation, "%s: no sizing for service class %q", env.Name, class)
	}
	sizing.Autoscaling = sizing.Autoscaling && resolved.Autoscaling
	return sizing, nil
}

// Names lists defined environments in promotion order.
func (r *Registry) Names() []Name {
	out := make([]Name, 0, len(r.envs))
	for _, n := range AllNames {
		if _, ok := r.envs[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Environments lists resolved environments in promotion order.
func (r *Registry) Environments() []Environment {
	out := make([]Environment, 0, len(r.envs))
	for _, n := range r.Names() {
		out = append(out, r.envs[n])
	}
	return out
}

// Services returns services in declared rollout order.
func (r *Registry) Services() []Service {
	out := make([]Service, len(r.services))
	copy(out, r.services)
	return out
}

// Service looks up a service by name.
func (r *Registry) Service(name string) (Service, bool) {
	for _, svc := range r.services {
		if svc.Name == name {
			return svc, true
		}
	}
	return Service{}, false
}

// Classes lists the distinct service classes, sorted.
func (r *Registry) Classes() []string {
	seen := map[string]struct{}{}
	for _, svc := range r.services {
		seen[svc.Class] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// String implements fmt.Stringer for log output.
func (e Environment) String() string {
	return fmt.Sprintf("%s(%s/%s)", e.Name, e.Platform, e.Region)
}
