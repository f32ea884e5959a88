package backend

import "sync"

// Runtime is the process-wide state the backends share: the voice language,
// the default character and the one-shot FishSpeech compile mode.
type Runtime struct {
	mu        sync.RWMutex
	language  string
	character Character
	compiled  *bool
}

func NewRuntime(language string) *Runtime {
	if language == "" {
		language = "ru"
	}
	return &Runtime{language: language}
}

func (r *Runtime) Language() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.language
}

// SetLanguage stores lang and reports whether it changed.
func (r *Runtime) SetLanguage(lang string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.language == lang {
		return false
	}
	r.language = lang
	return true
}

// Character returns the default voice used by warm-ups and by requests
// that name none.
func (r *Runtime) Character() Character {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.character
}

func (r *Runtime) SetCharacter(ch Character) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.character = ch
}

// Compiled returns the committed compile mode and whether one is set.
func (r *Runtime) Compiled() (value, set bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.compiled == nil {
		return false, false
	}
	return *r.compiled, true
}

// CheckCompile fails when a different compile mode is already committed.
func (r *Runtime) CheckCompile(want bool) error {
	if v, set := r.Compiled(); set && v != want {
		return compileConflictError{requested: want, committed: v}
	}
	return nil
}

// CommitCompile records want as the process compile mode. It fails instead
// of changing an existing commitment.
func (r *Runtime) CommitCompile(want bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.compiled != nil {
		if *r.compiled != want {
			return compileConflictError{requested: want, committed: *r.compiled}
		}
		return nil
	}
	r.compiled = &want
	return nil
}
