package domain

import (
	"errors"
	"fmt"
)

// ErrorCode classifies pipeline failures. Codes are strings so they serialise
// naturally into release records and API responses.
type ErrorCode string

const (
	// Validation errors.

	CodeValidation         ErrorCode = "VALIDATION_ERROR"
	CodeUnknownEnvironment ErrorCode = "UNKNOWN_ENVIRONMENT"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeInvalidTransition  ErrorCode = "INVALID_TRANSITION"

	// Pre-migration failures. Nothing in the environment has changed yet.

	CodeTestFailed    ErrorCode = "TEST_FAILED"
	CodeBuildFailed   ErrorCode = "BUILD_FAILED"
	CodePublishFailed ErrorCode = "PUBLISH_FAILED"

	// Migration gate.

	CodeCredentialScope       ErrorCode = "CREDENTIAL_SCOPE"
	CodeMigrationLaunchFailed ErrorCode = "MIGRATION_LAUNCH_FAILED"
	CodeMigrationTimeout      ErrorCode = "MIGRATION_TIMEOUT"
	CodeMigrationFailed       ErrorCode = "MIGRATION_FAILED"
	CodeMigrationInProgress   ErrorCode = "MIGRATION_IN_PROGRESS"

	// Post-migration failures. These require an operator decision.

	CodeRolloutTimeout    ErrorCode = "ROLLOUT_TIMEOUT"
	CodeRolloutFailed     ErrorCode = "ROLLOUT_FAILED"
	CodeHealthCheckFailed ErrorCode = "HEALTH_CHECK_FAILED"
	CodeSeedFailed        ErrorCode = "SEED_FAILED"

	// Coordination.

	CodeEnvironmentBusy ErrorCode = "ENVIRONMENT_BUSY"
	CodeCancelled       ErrorCode = "CANCELLED"
	CodeInterrupted     ErrorCode = "INTERRUPTED"
)

// Error is a coded pipeline error carrying the stage it occurred in.
type Error struct {
	Code    ErrorCode
	Stage   ReleaseStatus
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.reason())
	}
	return e.reason()
}

func (e *Error) reason() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation         = &Error{Code: CodeValidation}
	ErrUnknownEnvironment = &Error{Code: CodeUnknownEnvironment}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrInvalidTransition  = &Error{Code: CodeInvalidTransition}
	ErrTestFailed         = &Error{Code: CodeTestFailed}
	ErrBuildFailed        = &Error{Code: CodeBuildFailed}
	ErrPublishFailed      = &Error{Code: CodePublishFailed}
	ErrCredentialScope    = &Error{Code: CodeCredentialScope}
	ErrMigrationLaunch    = &Error{Code: CodeMigrationLaunchFailed}
	ErrMigrationTimeout   = &Error{Code: CodeMigrationTimeout}
	ErrMigrationFailed    = &Error{Code: CodeMigrationFailed}
	ErrMigrationInFlight  = &Error{Code: CodeMigrationInProgress}
	ErrRolloutTimeout     = &Error{Code: CodeRolloutTimeout}
	ErrRolloutFailed      = &Error{Code: CodeRolloutFailed}
	ErrHealthCheckFailed  = &Error{Code: CodeHealthCheckFailed}
	ErrSeedFailed         = &Error{Code: CodeSeedFailed}
	ErrEnvironmentBusy    = &Error{Code: CodeEnvironmentBusy}
	ErrCancelled          = &Error{Code: CodeCancelled}
	ErrInterrupted        = &Error{Code: CodeInterrupted}
)

// Errorf builds a coded error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithStage returns a copy of err tagged with stage when it is a coded error,
// or wraps it as code otherwise.
func WithStage(err error, stage ReleaseStatus, fallback ErrorCode) *Error {
	var coded *Error
	if errors.As(err, &coded) {
		cp := *coded
		if cp.Stage == "" {
			cp.Stage = stage
		}
		return &cp
	}
	return &Error{Code: fallback, Stage: stage, Err: err}
}

// CodeOf extracts the code of the first coded error in err's chain.
func CodeOf(err error) ErrorCode {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// Reason renders a human readable reason without the stage prefix.
func Reason(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.reason()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
