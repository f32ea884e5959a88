// Package manager is the voice orchestrator: it owns the model id to backend
// map, the active model and every install, initialize and voiceover call.
// It is structured into small files by concern:
//
//   - manager.go: core Manager type, constructor, simple getters, component locks.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: internal state types (State, Snapshot, slot) and collaborator interfaces.
//   - errors.go: error types and helpers (IsTooBusy, IsModelNotFound, IsUnsupportedGPU).
//   - lifecycle.go: DownloadModel, InitializeModel, Voiceover, ChangeVoiceLanguage, Deliver.
//   - uninstall.go: uninstall cascade and orphan sweep.
//   - queue_admission.go: per-backend voiceover queueing and admission.
//   - unload.go: draining a backend before cleanup.
//   - ops.go: background operations (InstallAsync, Switch).
//   - status_report.go: Status/Snapshot reporting helpers.
//   - sanity.go: interpreter and library directory checks.
//   - metrics.go, events.go: Prometheus collectors and lifecycle events.
//
// Installs are serialized process-wide. Initialize and voiceover share the
// per-component locks that installs take exclusively, so they never run
// against a component set being rewritten.
package manager
