package manager

import (
	"context"
	"time"

	"mitavoice/internal/installer"
)

// State represents lifecycle state of the manager and its voiceover slots.
type State string

const (
	StateReady    State = "ready"
	StateLoading  State = "loading"
	StateError    State = "error"
	StateDraining State = "draining"
)

// Snapshot is a read-only projection of the manager state.
type Snapshot struct {
	State    State
	Active   string
	Selected string
	Err      string
}

// Components is the component view the orchestrator needs for cascades.
// *backend.Env implements it.
type Components interface {
	// Requirements returns the component keys a model id needs.
	Requirements(mode string) []string
	// UninstallComponent removes the distribution behind key.
	UninstallComponent(ctx context.Context, key string, cb installer.Callbacks) bool
}

// AudioSink plays a finished voiceover locally. It owns the file afterwards.
type AudioSink interface {
	Play(path string) error
}

// GameSlot receives voiceover paths destined for the game process.
type GameSlot interface {
	Set(path string)
}

// slot is the voiceover admission state of one backend.
type slot struct {
	name     string
	State    State
	LastUsed time.Time
	genCh    chan struct{} // size 1: one voiceover in flight
	queueCh  chan struct{} // buffered: queued voiceovers
}
