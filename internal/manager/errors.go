package manager

import (
	"errors"

	"mitavoice/internal/backend"
	"mitavoice/internal/installer"
)

// ErrInstallInProgress is returned when an install or uninstall is already running.
var ErrInstallInProgress = installer.ErrInstallInProgress

// ErrNotInitialized is the one voiceover failure surfaced to callers.
var ErrNotInitialized = backend.ErrNotInitialized

// tooBusyError signals queue timeout/overflow for 429 mapping.
type tooBusyError struct{ modelID string }

func (e tooBusyError) Error() string { return "too busy: " + e.modelID }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	_, ok := err.(tooBusyError)
	return ok
}

// ErrModelNotFound returns an error when a requested model id has no backend.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	_, ok := err.(modelNotFoundError)
	return ok
}

// notInstalledError is returned when initialize targets a model whose
// components are missing.
type notInstalledError struct{ id string }

func (e notInstalledError) Error() string { return "model not installed: " + e.id }

func ErrNotInstalled(id string) error { return notInstalledError{id: id} }

func IsNotInstalled(err error) bool {
	_, ok := err.(notInstalledError)
	return ok
}

// unsupportedGPUError is the refusal of the catalog compatibility gate.
type unsupportedGPUError struct{ id, reason string }

func (e unsupportedGPUError) Error() string { return "unsupported gpu for " + e.id + ": " + e.reason }

// IsUnsupportedGPU reports whether an install was refused by the hardware gate.
func IsUnsupportedGPU(err error) bool {
	_, ok := err.(unsupportedGPUError)
	return ok
}

// dependencyUnavailableError signals a missing external dependency (the
// embedded interpreter or its library directory) so the HTTP layer can
// return 503 Service Unavailable instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing/failed runtime dependency.
func IsDependencyUnavailable(err error) bool {
	_, ok := err.(dependencyUnavailableError)
	return ok
}

// IsCompileConflict reports whether initialize was refused because the
// process already committed to the other FishSpeech compile mode.
func IsCompileConflict(err error) bool { return backend.IsCompileConflict(err) }

// IsInstallInProgress reports whether err is the install serialization refusal.
func IsInstallInProgress(err error) bool { return errors.Is(err, ErrInstallInProgress) }
