package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ericreilly999/inventory-release/internal/domain"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps coded errors to status codes. Uncoded errors are 500.
func writeDomainError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	if code == "" {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, statusFor(err), map[string]string{
		"error": domain.Reason(err),
		"code":  string(code),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnknownEnvironment):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrEnvironmentBusy),
		errors.Is(err, domain.ErrMigrationInFlight),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrCredentialScope),
		errors.Is(err, domain.ErrSeedFailed),
		errors.Is(err, domain.ErrMigrationLaunch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
