package domain

import "time"

// ReleaseEvent is published on every release transition and service
// deployment change.
type ReleaseEvent struct {
	ReleaseID   string        `json:"release_id"`
	Environment string        `json:"environment"`
	Version     string        `json:"version"`
	Kind        ReleaseKind   `json:"kind"`
	Status      ReleaseStatus `json:"status"`
	Service     string        `json:"service,omitempty"`
	Stability   Stability     `json:"stability,omitempty"`
	FailureCode string        `json:"failure_code,omitempty"`
	Message     string        `json:"message,omitempty"`
	At          time.Time     `json:"at"`
}
