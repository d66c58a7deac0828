package domain

import "time"

// Stability is the convergence state of one service rollout.
type Stability string

const (
	StabilityConverging Stability = "converging"
	StabilityStable     Stability = "stable"
	StabilityUnstable   Stability = "unstable"
	StabilityTimedOut   Stability = "timed_out"
)

// ServiceDeployment records how one service was moved to a release's image.
type ServiceDeployment struct {
	ReleaseID string    `json:"release_id"`
	Service   string    `json:"service"`
	Position  int       `json:"position"`
	Image     string    `json:"image"`
	Desired   int       `json:"desired"`
	Running   int       `json:"running"`
	Healthy   int       `json:"healthy"`
	Stability Stability `json:"stability"`
	Message   string    `json:"message,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ServiceCheck is a single health verification outcome.
type ServiceCheck struct {
	Service    string `json:"service"`
	URL        string `json:"url"`
	Attempts   int    `json:"attempts"`
	StatusCode int    `json:"status_code,omitempty"`
	Healthy    bool   `json:"healthy"`
	Error      string `json:"error,omitempty"`
}

// VerificationResult aggregates health checks into a release verdict.
type VerificationResult struct {
	Checks []ServiceCheck `json:"checks"`
}

// AllHealthy reports whether every check passed.
func (v VerificationResult) AllHealthy() bool {
	for _, c := range v.Checks {
		if !c.Healthy {
			return false
		}
	}
	return true
}

// FailingServices lists services whose checks failed, in check order.
func (v VerificationResult) FailingServices() []string {
	var failing []string
	for _, c := range v.Checks {
		if !c.Healthy {
			failing = append(failing, c.Service)
		}
	}
	return failing
}
