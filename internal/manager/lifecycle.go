package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mitavoice/internal/backend"
	"mitavoice/internal/installer"
)

// DownloadModel installs the components of id, reporting through cb. It
// never fails loudly: every problem becomes an ERROR log line and false.
// Only one install runs at a time.
func (m *Manager) DownloadModel(ctx context.Context, id string, cb installer.Callbacks) bool {
	return m.install(ctx, id, cb) == nil
}

func (m *Manager) install(ctx context.Context, id string, cb installer.Callbacks) error {
	if _, err := m.backendFor(id); err != nil {
		cb.SendLog("ERROR: " + err.Error())
		return err
	}
	if err := m.gateInstall(id, cb); err != nil {
		return err
	}
	return m.installApproved(ctx, id, cb)
}

// gateInstall runs the hardware gate once per install request and records
// a refusal.
func (m *Manager) gateInstall(id string, cb installer.Callbacks) error {
	err := m.checkCompat(id)
	if err == nil {
		return nil
	}
	cb.SendStatus("Installation refused")
	cb.SendLog("ERROR: " + err.Error())
	m.metrics.install(id, "refused")
	m.publisher.Publish(Event{Name: EventInstallDone, ModelID: id, Fields: map[string]any{"result": "refused"}})
	return err
}

// installApproved installs a model that already passed the hardware gate.
func (m *Manager) installApproved(ctx context.Context, id string, cb installer.Callbacks) error {
	b, err := m.backendFor(id)
	if err != nil {
		cb.SendLog("ERROR: " + err.Error())
		return err
	}
	if !m.installSem.TryAcquire(1) {
		cb.SendLog("ERROR: " + ErrInstallInProgress.Error())
		m.log.Warn().Str("model", id).Msg("install rejected: another install is running")
		return ErrInstallInProgress
	}
	defer m.installSem.Release(1)

	m.mu.Lock()
	m.installing = id
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.installing = ""
		m.mu.Unlock()
	}()

	unlock := m.lockComponents(m.requirements(id), true)
	defer unlock()

	start := time.Now()
	m.publisher.Publish(Event{Name: EventInstallStart, ModelID: id, Fields: map[string]any{"backend": b.Name()}})
	m.log.Info().Str("model", id).Str("backend", b.Name()).Msg("install start")
	b.SetCallbacks(cb)
	ok := b.Install(ctx, id)
	b.SetCallbacks(installer.Callbacks{})
	if m.inst != nil {
		m.inst.InvalidateCaches()
	}

	result := "ok"
	switch {
	case ok:
		m.installsTotal.Add(1)
		if m.catalog != nil {
			if err := m.catalog.MarkInstalled(id, true); err != nil {
				m.log.Warn().Err(err).Str("model", id).Msg("record installed model")
			}
		}
	case ctx.Err() != nil:
		result = "canceled"
	default:
		result = "failed"
	}
	m.metrics.install(id, result)
	m.publisher.Publish(Event{Name: EventInstallDone, ModelID: id, Fields: map[string]any{"result": result, "dur_ms": time.Since(start).Milliseconds()}})
	m.log.Info().Str("model", id).Str("result", result).Dur("dur", time.Since(start)).Msg("install done")
	switch result {
	case "ok":
		return nil
	case "canceled":
		return ctx.Err()
	}
	return fmt.Errorf("install %s failed", id)
}

// checkCompat applies the catalog hardware gate. An unsupported model is
// installable only when the override flag is set and the user confirms.
func (m *Manager) checkCompat(id string) error {
	if m.catalog == nil {
		return nil
	}
	c, err := m.catalog.Compatibility(id)
	if err != nil {
		return ErrModelNotFound(id)
	}
	if c.Supported {
		return nil
	}
	if c.OverrideAllowed && m.dialogs.ConfirmUnsupportedGPU(id, c.Reason) {
		m.log.Warn().Str("model", id).Str("reason", c.Reason).Msg("installing on unsupported gpu")
		return nil
	}
	return unsupportedGPUError{id: id, reason: c.Reason}
}

// InitializeModel loads id and makes it the active model. A different
// previously active backend is cleaned up once the new one is ready; on
// failure the active model is unchanged.
func (m *Manager) InitializeModel(ctx context.Context, id string, warmup bool) error {
	b, err := m.backendFor(id)
	if err != nil {
		return err
	}
	if !b.IsInstalled(ctx, id) {
		return ErrNotInstalled(id)
	}
	unlock := m.lockComponents(m.requirements(id), false)
	defer unlock()

	m.mu.Lock()
	m.state = StateLoading
	m.mu.Unlock()
	start := time.Now()
	m.publisher.Publish(Event{Name: EventInitStart, ModelID: id, Fields: map[string]any{"warmup": warmup}})

	err = b.Initialize(ctx, id, warmup)
	if err != nil {
		m.mu.Lock()
		m.state = StateError
		if m.active != "" {
			m.state = StateReady
		}
		m.err = err.Error()
		m.mu.Unlock()
		if IsCompileConflict(err) {
			m.publisher.Publish(Event{Name: EventInitConflict, ModelID: id, Fields: map[string]any{"error": err.Error()}})
		}
		m.publisher.Publish(Event{Name: EventInitDone, ModelID: id, Fields: map[string]any{"ok": false, "error": err.Error()}})
		m.log.Error().Err(err).Str("model", id).Msg("initialize failed")
		return err
	}

	m.mu.Lock()
	prev := m.active
	m.active = id
	m.selected = id
	m.state = StateReady
	m.err = ""
	var prevBackend backend.Backend
	if prev != "" {
		prevBackend = m.backends[prev]
	}
	m.mu.Unlock()
	if prevBackend != nil && prevBackend != b {
		prevBackend.CleanupState()
		m.log.Info().Str("model", prev).Str("next", id).Msg("previous backend cleaned up")
	}
	m.publisher.Publish(Event{Name: EventInitDone, ModelID: id, Fields: map[string]any{"ok": true, "dur_ms": time.Since(start).Milliseconds()}})
	m.log.Info().Str("model", id).Dur("dur", time.Since(start)).Msg("initialize done")
	return nil
}

// ResolveModel returns the model a voiceover for modelID runs on: modelID
// itself, else the selected model, else the active one. "" when none.
func (m *Manager) ResolveModel(modelID string) string {
	if modelID != "" {
		return modelID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.selected != "" {
		return m.selected
	}
	return m.active
}

// Voiceover synthesizes req with req.ModelID, or the selected model when it
// is empty, initializing it first when installed but cold. The only error
// besides context and backpressure failures is ErrNotInitialized; other
// failures are logged and yield "".
func (m *Manager) Voiceover(ctx context.Context, req backend.Request) (string, error) {
	id := m.ResolveModel(req.ModelID)
	if req.Character.Short == "" {
		def := m.runtime.Character()
		req.Character.Short = def.Short
		if req.Character.Pitch == nil {
			req.Character.Pitch = def.Pitch
		}
	}
	if id == "" {
		return "", ErrNotInitialized
	}
	req.ModelID = id
	b, err := m.backendFor(id)
	if err != nil {
		return "", err
	}

	if !b.IsInitialized(id) {
		if !b.IsInstalled(ctx, id) {
			m.log.Error().Str("model", id).Msg("voiceover: model not installed")
			return "", ErrNotInitialized
		}
		m.log.Info().Str("model", id).Msg("voiceover: initializing cold model")
		if err := m.InitializeModel(ctx, id, true); err != nil {
			return "", ErrNotInitialized
		}
	}

	release, err := m.beginVoiceover(ctx, id)
	if err != nil {
		return "", err
	}
	defer release()
	unlock := m.lockComponents(m.requirements(id), false)
	defer unlock()

	start := time.Now()
	path, err := b.Voiceover(ctx, req)
	dur := time.Since(start)
	if err != nil {
		m.metrics.voiceover(id, dur.Seconds(), false)
		m.publisher.Publish(Event{Name: EventVoiceoverDone, ModelID: id, Fields: map[string]any{"ok": false, "error": err.Error()}})
		if errors.Is(err, ErrNotInitialized) {
			return "", err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		m.log.Error().Err(err).Str("model", id).Msg("voiceover failed")
		return "", nil
	}
	m.voiceoversTotal.Add(1)
	m.metrics.voiceover(id, dur.Seconds(), true)
	m.publisher.Publish(Event{Name: EventVoiceoverDone, ModelID: id, Fields: map[string]any{"ok": true, "dur_ms": dur.Milliseconds()}})
	m.log.Info().Str("model", id).Str("character", req.Character.Name()).Dur("dur", dur).Msg("voiceover done")
	return path, nil
}

// ChangeVoiceLanguage sets the voice language. When it changes, the active
// backend is cleaned up and the next voiceover re-initializes it.
func (m *Manager) ChangeVoiceLanguage(lang string) error {
	if lang != "ru" && lang != "en" {
		return fmt.Errorf("unsupported voice language %q", lang)
	}
	if !m.runtime.SetLanguage(lang) {
		return nil
	}
	m.mu.Lock()
	active := m.active
	m.active = ""
	b := m.backends[active]
	m.mu.Unlock()
	if b != nil {
		m.drain(b)
		b.CleanupState()
		m.undrain(b)
	}
	m.publisher.Publish(Event{Name: EventLanguageChanged, ModelID: active, Fields: map[string]any{"language": lang}})
	m.log.Info().Str("language", lang).Str("invalidated", active).Msg("voice language changed")
	return nil
}

// Deliver hands a finished voiceover to the game slot or the local sink.
func (m *Manager) Deliver(path string, toGame bool) error {
	if path == "" {
		return nil
	}
	if toGame && m.game != nil {
		m.game.Set(path)
		return nil
	}
	if m.sink == nil {
		return ErrDependencyUnavailable("no audio sink configured")
	}
	return m.sink.Play(path)
}
