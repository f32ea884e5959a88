package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"mitavoice/internal/catalog"
	"mitavoice/internal/manager"
	"mitavoice/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// statusFor maps well-known manager errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case manager.IsModelNotFound(err), errors.Is(err, catalog.ErrUnknownModel), errors.Is(err, manager.ErrOpNotFound):
		return http.StatusNotFound
	case manager.IsTooBusy(err):
		return http.StatusTooManyRequests
	case manager.IsInstallInProgress(err), manager.IsCompileConflict(err), manager.IsNotInstalled(err),
		errors.Is(err, manager.ErrNotInitialized), errors.Is(err, manager.ErrOpFinished):
		return http.StatusConflict
	case manager.IsUnsupportedGPU(err):
		return http.StatusForbidden
	case manager.IsDependencyUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.As(err, &he):
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

// writeError maps err and writes it, returning the status used.
func writeError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("voiceover_queue")
	}
	writeJSONError(w, status, err.Error())
	return status
}
