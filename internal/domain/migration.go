package domain

import "time"

// MigrationState tracks one migration executor invocation.
type MigrationState string

const (
	MigrationNotStarted  MigrationState = "not_started"
	MigrationLaunching   MigrationState = "launching"
	MigrationRunning     MigrationState = "running"
	MigrationSucceeded   MigrationState = "succeeded"
	MigrationFailed      MigrationState = "failed"
	MigrationLaunchError MigrationState = "launch_error"
)

// Terminal reports whether the run finished.
func (s MigrationState) Terminal() bool {
	return s == MigrationSucceeded || s == MigrationFailed || s == MigrationLaunchError
}

// Active reports whether the run may still touch the schema.
func (s MigrationState) Active() bool {
	return s == MigrationLaunching || s == MigrationRunning
}

// MigrationRun records the isolated schema migration for a (release, environment) pair.
type MigrationRun struct {
	ID          string         `json:"id"`
	ReleaseID   string         `json:"release_id"`
	Environment string         `json:"environment"`
	Version     string         `json:"version"`
	State       MigrationState `json:"state"`
	TaskHandle  string         `json:"task_handle,omitempty"`
	ExitCode    *int           `json:"exit_code,omitempty"`
	LogRef      string         `json:"log_ref,omitempty"`
	Applied     *int           `json:"applied,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
}
