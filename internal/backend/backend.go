// Package backend implements the voice model backends: the shared
// EdgeTTS/Silero + RVC handler, FishSpeech and F5-TTS, plus the compound
// variants that chain a TTS stage into the shared RVC stage.
package backend

import (
	"context"
	"errors"
	"fmt"

	"mitavoice/internal/installer"
)

// DefaultCharacter is used when a request names no character.
const DefaultCharacter = "Mila"

// ErrNotInitialized is the one voiceover failure surfaced to callers.
var ErrNotInitialized = errors.New("voice model not initialized")

// Character selects the voice assets of a request.
type Character struct {
	Short string
	// Pitch, when set, replaces the model's RVC pitch setting.
	Pitch *int
}

// Name returns the short name, or DefaultCharacter when empty.
func (c Character) Name() string {
	if c.Short == "" {
		return DefaultCharacter
	}
	return c.Short
}

// Request is one voiceover call.
type Request struct {
	ModelID   string
	Text      string
	Character Character
	// Extra carries per-call overrides of model settings.
	Extra map[string]any
}

// Backend is one concrete synthesis technique. A backend may serve several
// model ids (modes); every method takes the mode it should act on.
type Backend interface {
	Name() string
	Modes() []string
	// SetCallbacks routes install progress to the host UI.
	SetCallbacks(cb installer.Callbacks)
	IsInstalled(ctx context.Context, mode string) bool
	Install(ctx context.Context, mode string) bool
	// Uninstall removes the signature component of mode.
	Uninstall(ctx context.Context, mode string) bool
	// SignatureComponent is the component whose removal disables mode.
	SignatureComponent(mode string) string
	Initialize(ctx context.Context, mode string, warmup bool) error
	IsInitialized(mode string) bool
	// CleanupState drops loaded models. Safe to call repeatedly.
	CleanupState()
	// Voiceover returns the path of a stereo WAV in the temp directory.
	Voiceover(ctx context.Context, req Request) (string, error)
	// Close releases worker processes.
	Close() error
}

type unknownModeError struct{ backend, mode string }

func (e unknownModeError) Error() string {
	return fmt.Sprintf("%s backend does not serve model %q", e.backend, e.mode)
}

// IsUnknownMode reports whether err names a mode the backend does not serve.
func IsUnknownMode(err error) bool {
	var e unknownModeError
	return errors.As(err, &e)
}

type notInstalledError struct{ mode string }

func (e notInstalledError) Error() string { return "voice model not installed: " + e.mode }

// IsNotInstalled reports whether initialize failed on missing components.
func IsNotInstalled(err error) bool {
	var e notInstalledError
	return errors.As(err, &e)
}

type compileConflictError struct{ requested, committed bool }

func (e compileConflictError) Error() string {
	return fmt.Sprintf("fish speech compile=%v requested but this process already committed to compile=%v; restart to switch", e.requested, e.committed)
}

// IsCompileConflict reports whether err is a compile-mode conflict.
func IsCompileConflict(err error) bool {
	var e compileConflictError
	return errors.As(err, &e)
}

func hasMode(modes []string, mode string) bool {
	for _, m := range modes {
		if m == mode {
			return true
		}
	}
	return false
}
