package backend

import "github.com/rs/zerolog"

// Dialogs are the confirmations the host UI answers.
type Dialogs interface {
	// ConfirmUnsupportedGPU asks before installing a model the GPU does not support.
	ConfirmUnsupportedGPU(model, reason string) bool
	// RetryVCRedist asks whether to retry after the VC++ runtime was installed.
	RetryVCRedist(attempt int) bool
	// CompileModeConflict tells the user a restart is needed.
	CompileModeConflict(requested, committed bool)
}

// Headless answers every dialog negatively and only logs.
type Headless struct {
	Logger zerolog.Logger
	// AssumeYes confirms unsupported-GPU installs.
	AssumeYes bool
}

func (h Headless) ConfirmUnsupportedGPU(model, reason string) bool {
	h.Logger.Warn().Str("model", model).Str("reason", reason).Bool("confirmed", h.AssumeYes).Msg("unsupported gpu")
	return h.AssumeYes
}

func (h Headless) RetryVCRedist(attempt int) bool {
	h.Logger.Warn().Int("attempt", attempt).Msg("vc++ redistributable missing; not retrying")
	return false
}

func (h Headless) CompileModeConflict(requested, committed bool) {
	h.Logger.Error().Bool("requested", requested).Bool("committed", committed).Msg("compile mode conflict; restart required")
}
