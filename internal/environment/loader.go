package environment

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/ericreilly999/inventory-release/internal/domain"
)

//go:embed schema.cue
var schemaSource []byte

type catalogueDoc struct {
	Services     []serviceDoc      `json:"services"`
	Environments map[string]envDoc `json:"environments"`
}

type serviceDoc struct {
	Name       string `json:"name"`
	Class      string `json:"class"`
	Context    string `json:"context"`
	Dockerfile string `json:"dockerfile"`
	Container  string `json:"container"`
	HealthPath string `json:"healthPath"`
}

type envDoc struct {
	Name      string `json:"name"`
	Class     string `json:"class"`
	Region    string `json:"region"`
	Platform  string `json:"platform"`
	Cluster   string `json:"cluster"`
	Namespace string `json:"namespace"`
	Registry  string `json:"registry"`
	Network   struct {
		VPC      string   `json:"vpc"`
		Subnets  []string `json:"subnets"`
		Boundary string   `json:"boundary"`
	} `json:"network"`
	Autoscaling    bool                 `json:"autoscaling"`
	StateKey       string               `json:"stateKey"`
	DatabaseSecret string               `json:"databaseSecret"`
	PublicDomain   string               `json:"publicDomain"`
	Sizing         map[string]sizingDoc `json:"sizing"`
	Migration      struct {
		SourceService string   `json:"sourceService"`
		Command       []string `json:"command"`
		Timeout       string   `json:"timeout"`
	} `json:"migration"`
	Seed struct {
		Command []string `json:"command"`
	} `json:"seed"`
}

type sizingDoc struct {
	CPU          int  `json:"cpu"`
	Memory       int  `json:"memory"`
	DesiredCount int  `json:"desiredCount"`
	Autoscaling  bool `json:"autoscaling"`
}

// LoadFile reads a CUE catalogue from disk.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read environment catalogue: %w", err)
	}
	return Load(data, path)
}

// Load compiles a CUE catalogue, unifies it with the embedded schema and
// builds a validated registry.
func Load(data []byte, filename string) (*Registry, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile environment schema: %w", err)
	}
	doc := ctx.CompileBytes(data, cue.Filename(filename))
	if err := doc.Err(); err != nil {
		return nil, domain.Wrap(err, domain.CodeValidation, "parse environment catalogue: "+details(err))
	}

	value := schema.LookupPath(cue.ParsePath("#Catalogue")).Unify(doc)
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, domain.Wrap(err, domain.CodeValidation, "invalid environment catalogue: "+details(err))
	}

	var parsed catalogueDoc
	if err := value.Decode(&parsed); err != nil {
		return nil, domain.Wrap(err, domain.CodeValidation, "decode environment catalogue")
	}
	return parsed.registry()
}

func details(err error) string {
	return cueerrors.Details(err, nil)
}

func (d catalogueDoc) registry() (*Registry, error) {
	services := make([]Service, 0, len(d.Services))
	for _, s := range d.Services {
		services = append(services, Service(s))
	}

	envs := make([]Environment, 0, len(d.Environments))
	for _, name := range AllNames {
		raw, ok := d.Environments[string(name)]
		if !ok {
			continue
		}
		env, err := raw.environment()
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return NewRegistry(envs, services)
}

func (d envDoc) environment() (Environment, error) {
	timeout, err := time.ParseDuration(d.Migration.Timeout)
	if err != nil {
		return Environment{}, domain.Wrap(err, domain.CodeValidation, fmt.Sprintf("%s: migration timeout", d.Name))
	}
	sizing := make(map[string]Sizing, len(d.Sizing))
	for class, s := range d.Sizing {
		sizing[class] = Sizing(s)
	}
	return Environment{
		Name:      Name(d.Name),
		Class:     Class(d.Class),
		Region:    d.Region,
		Platform:  PlatformKind(d.Platform),
		Cluster:   d.Cluster,
		Namespace: d.Namespace,
		Registry:  d.Registry,
		Network: Network{
			VPC:      d.Network.VPC,
			Subnets:  d.Network.Subnets,
			Boundary: Boundary(d.Network.Boundary),
		},
		Autoscaling:    d.Autoscaling,
		StateKey:       d.StateKey,
		DatabaseSecret: d.DatabaseSecret,
		PublicDomain:   d.PublicDomain,
		Sizing:         sizing,
		Migration: Migration{
			SourceService: d.Migration.SourceService,
			Command:       d.Migration.Command,
			Timeout:       timeout,
		},
		SeedCommand: d.Seed.Command,
	}, nil
}
