// Package metrics exposes release pipeline collectors.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var stageBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400}

// Pipeline holds release pipeline collectors. A nil *Pipeline records nothing.
type Pipeline struct {
	releases      *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	migrationRuns *prometheus.CounterVec
	rollouts      *prometheus.CounterVec
	active        *prometheus.GaugeVec
	busy          *prometheus.CounterVec
}

// New registers the collectors with reg. Collectors already registered by an
// earlier call are reused.
func New(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "releaser",
			Subsystem: "pipeline",
			Name:      "releases_total",
			Help:      "Releases that reached a terminal status",
		}, []string{"environment", "kind", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "releaser",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   stageBuckets,
		}, []string{"environment", "stage", "outcome"}),
		migrationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "releaser",
			Subsystem: "migration",
			Name:      "runs_total",
			Help:      "Migration executor invocations by final state",
		}, []string{"environment", "state"}),
		rollouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "releaser",
			Subsystem: "rollout",
			Name:      "service_deployments_total",
			Help:      "Service deployments by final stability",
		}, []string{"environment", "stability"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "releaser",
			Subsystem: "pipeline",
			Name:      "active_releases",
			Help:      "Releases currently holding an environment",
		}, []string{"environment"}),
		busy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "releaser",
			Subsystem: "pipeline",
			Name:      "environment_busy_total",
			Help:      "Release requests rejected because the environment was busy",
		}, []string{"environment"}),
	}
	p.releases = register(reg, p.releases)
	p.stageDuration = register(reg, p.stageDuration)
	p.migrationRuns = register(reg, p.migrationRuns)
	p.rollouts = register(reg, p.rollouts)
	p.active = register(reg, p.active)
	p.busy = register(reg, p.busy)
	return p
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// ReleaseStarted marks env as held by a release.
func (p *Pipeline) ReleaseStarted(env string) {
	if p == nil {
		return
	}
	p.active.WithLabelValues(env).Inc()
}

// ReleaseFinished counts a terminal release.
func (p *Pipeline) ReleaseFinished(env, kind, status string) {
	if p == nil {
		return
	}
	p.active.WithLabelValues(env).Dec()
	p.releases.WithLabelValues(env, kind, status).Inc()
}

// ReleaseInterrupted counts a release abandoned by another process.
func (p *Pipeline) ReleaseInterrupted(env, kind string) {
	if p == nil {
		return
	}
	p.releases.WithLabelValues(env, kind, "interrupted").Inc()
}

// StageObserved records how long a stage ran and how it ended.
func (p *Pipeline) StageObserved(env, stage, outcome string, d time.Duration) {
	if p == nil {
		return
	}
	p.stageDuration.WithLabelValues(env, stage, outcome).Observe(d.Seconds())
}

// MigrationFinished counts a migration run by final state.
func (p *Pipeline) MigrationFinished(env, state string) {
	if p == nil {
		return
	}
	p.migrationRuns.WithLabelValues(env, state).Inc()
}

// ServiceDeployed counts a finished service deployment.
func (p *Pipeline) ServiceDeployed(env, stability string) {
	if p == nil {
		return
	}
	p.rollouts.WithLabelValues(env, stability).Inc()
}

// EnvironmentBusy counts a rejected release request.
func (p *Pipeline) EnvironmentBusy(env string) {
	if p == nil {
		return
	}
	p.busy.WithLabelValues(env).Inc()
}
