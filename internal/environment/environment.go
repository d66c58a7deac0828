// Package environment holds the closed catalogue of deployment targets.
package environment

import (
	"strings"
	"time"

	"github.com/ericreilly999/inventory-release/internal/domain"
)

// Name identifies one of the fixed deployment targets.
type Name string

const (
	Dev     Name = "dev"
	Staging Name = "staging"
	Prod    Name = "prod"
)

// AllNames lists the closed set in promotion order.
var AllNames = []Name{Dev, Staging, Prod}

// Valid reports whether n is one of the defined environments.
func (n Name) Valid() bool {
	switch n {
	case Dev, Staging, Prod:
		return true
	default:
		return false
	}
}

// ParseName converts user input into a Name.
func ParseName(raw string) (Name, error) {
	n := Name(strings.ToLower(strings.TrimSpace(raw)))
	if !n.Valid() {
		return "", domain.Errorf(domain.CodeUnknownEnvironment, "unknown environment %q", raw)
	}
	return n, nil
}

// Class is the sizing and policy class of an environment.
type Class string

const (
	ClassDevelopment Class = "development"
	ClassStaging     Class = "staging"
	ClassProduction  Class = "production"
)

// PlatformKind selects the runtime adapter for an environment.
type PlatformKind string

const (
	PlatformECS        PlatformKind = "ecs"
	PlatformKubernetes PlatformKind = "kubernetes"
)

// Boundary is the network exposure of an environment's service subnets.
type Boundary string

const (
	BoundaryPublic  Boundary = "public"
	BoundaryPrivate Boundary = "private"
)

// Network is the declared placement of an environment.
type Network struct {
	VPC      string
	Subnets  []string
	Boundary Boundary
}

// Sizing is the resource profile for one service class.
type Sizing struct {
	CPU          int
	Memory       int
	DesiredCount int
	Autoscaling  bool
}

// Migration configures the isolated schema migration task.
type Migration struct {
	SourceService string
	Command       []string
	Timeout       time.Duration
}

// Environment is a resolved deployment target. Values are read-only once the
// registry is built.
type Environment struct {
	Name           Name
	Class          Class
	Region         string
	Platform       PlatformKind
	Cluster        string
	Namespace      string
	Registry       string
	Network        Network
	Autoscaling    bool
	StateKey       string
	DatabaseSecret string
	PublicDomain   string
	Sizing         map[string]Sizing
	Migration      Migration
	SeedCommand    []string
}

// Private reports whether services run without public addresses.
func (e Environment) Private() bool {
	return e.Network.Boundary == BoundaryPrivate
}

// Repository returns the image repository for service in this environment's registry.
func (e Environment) Repository(service string) string {
	return strings.TrimSuffix(e.Registry, "/") + "/" + service
}

// Service is one deployable unit of the application.
type Service struct {
	Name       string
	Class      string
	Context    string
	Dockerfile string
	Container  string
	HealthPath string
}
