package backend

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"mitavoice/internal/audio"
	"mitavoice/internal/catalog"
	"mitavoice/internal/edgetts"
	"mitavoice/internal/gpu"
	"mitavoice/internal/installer"
	"mitavoice/internal/resolver"
	"mitavoice/internal/ssml"
)

const (
	ModeLow     = "low"
	ModeLowPlus = "low+"

	rvcEngine    = "rvc"
	sileroEngine = "silero"

	// cleanupTimeout bounds the unload calls made by CleanupState.
	cleanupTimeout = 30 * time.Second
	// WarmupTimeout bounds one warm-up synthesis.
	WarmupTimeout = time.Hour
)

// RVCHandler serves low (EdgeTTS) and low+ (Silero) and owns the single RVC
// engine that the compound backends borrow through Prepare and Convert.
type RVCHandler struct {
	base

	mu         sync.Mutex
	loaded     rvcLoad // zero when no voice is loaded
	sileroLang string  // "" when Silero is not loaded
	inited     map[string]bool
}

// rvcLoad is what the RVC engine was last loaded with. Any change reloads.
type rvcLoad struct {
	weights   string
	device    string
	f0method  string
	isHalf    bool
	targetSR  int
	hopLength int
}

func NewRVCHandler(env *Env) *RVCHandler {
	return &RVCHandler{base: base{env: env, name: "rvc"}, inited: map[string]bool{}}
}

func (h *RVCHandler) Name() string { return "rvc" }
func (h *RVCHandler) Modes() []string { return []string{ModeLow, ModeLowPlus} }

func (h *RVCHandler) SignatureComponent(string) string { return catalog.ComponentRVC }

func (h *RVCHandler) IsInstalled(ctx context.Context, mode string) bool {
	return hasMode(h.Modes(), mode) && h.env.ComponentsInstalled(ctx, mode)
}

func (h *RVCHandler) Install(ctx context.Context, mode string) bool {
	if !hasMode(h.Modes(), mode) {
		return false
	}
	tr := installer.NewTracker(h.callbacks())
	if h.env.ComponentsInstalled(ctx, mode) {
		tr.Callbacks().SendStatus("Already installed")
		tr.Done()
		return true
	}
	if !h.installRVC(ctx, tr.Callbacks()) {
		return false
	}
	tr.Done()
	return true
}

// installRVC installs torch for the detected vendor and then tts-with-rvc.
// Compound backends call it with their own staged callbacks.
func (h *RVCHandler) installRVC(ctx context.Context, cb installer.Callbacks) bool {
	tr := installer.NewTracker(cb)
	cb = tr.Callbacks()
	cb.SendTitle("Installing RVC")
	inst := h.env.Installer
	if !h.env.ensureTorch(ctx, tr.Stage(0, 50)) {
		return false
	}
	c := components[catalog.ComponentRVC]
	specs := []string{c.Spec}
	if h.env.GPU.Vendor == gpu.AMD {
		specs = append(specs, resolver.DistONNXDirectML)
	}
	if !inst.WithCallbacks(tr.Stage(50, 100)).InstallPackage(ctx, specs, "RVC", installer.WithImport(c.Import)) {
		return false
	}
	tr.Done()
	return true
}

func (h *RVCHandler) Uninstall(ctx context.Context, mode string) bool {
	if !hasMode(h.Modes(), mode) {
		return false
	}
	_ = h.Close()
	return h.env.UninstallComponent(ctx, catalog.ComponentRVC, h.callbacks())
}

func (h *RVCHandler) IsInitialized(mode string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inited[mode]
}

func (h *RVCHandler) Initialize(ctx context.Context, mode string, warmup bool) error {
	if !hasMode(h.Modes(), mode) {
		return unknownModeError{backend: h.Name(), mode: mode}
	}
	if !h.IsInstalled(ctx, mode) {
		return notInstalledError{mode: mode}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	log := h.log()
	lang := h.env.Runtime.Language()
	p := h.env.params(mode, nil)

	if h.sileroLang != "" && (mode == ModeLow || h.sileroLang != lang) {
		h.unloadSileroLocked(ctx)
	}
	loadedSilero := false
	if mode == ModeLowPlus && h.sileroLang == "" {
		sess, err := h.session(ctx)
		if err != nil {
			return fmt.Errorf("start rvc worker: %w", err)
		}
		_, err = sess.Call(ctx, "load", sileroEngine, map[string]any{
			"language": lang,
			"model_id": SileroModel(lang),
			"device":   p.Str("silero_device", "cpu"),
		})
		if err != nil {
			return fmt.Errorf("load silero %s: %w", SileroModel(lang), err)
		}
		h.sileroLang = lang
		loadedSilero = true
		log.Info().Str("model_id", SileroModel(lang)).Msg("silero loaded")
	}
	ch := h.env.Runtime.Character()
	if err := h.prepareLocked(ctx, ReadRVCParams(p, rvcPrefix[mode], ch), ch); err != nil {
		if loadedSilero {
			h.unloadSileroLocked(ctx)
		}
		return err
	}
	if warmup && !h.inited[mode] {
		wctx, cancel := context.WithTimeout(ctx, WarmupTimeout)
		out, err := h.voiceoverLocked(wctx, Request{ModelID: mode, Text: warmupPhrase(lang), Character: ch})
		cancel()
		if err == nil {
			err = checkWarmup(out)
		}
		if err != nil {
			if loadedSilero {
				h.unloadSileroLocked(ctx)
			}
			return fmt.Errorf("warm-up %s: %w", mode, err)
		}
	}
	if mode == ModeLow {
		delete(h.inited, ModeLowPlus)
	}
	h.inited[mode] = true
	log.Info().Str("model", mode).Str("lang", lang).Msg("initialized")
	return nil
}

// checkWarmup requires a non-empty waveform and removes it.
func checkWarmup(path string) error {
	defer os.Remove(path)
	info, err := audio.Inspect(path)
	if err != nil {
		return err
	}
	if info.Frames == 0 {
		return audio.ErrEmptyAudio
	}
	return nil
}

func (h *RVCHandler) unloadSileroLocked(ctx context.Context) {
	if h.sess != nil {
		if _, err := h.sess.Call(ctx, "unload", sileroEngine, nil); err != nil {
			h.log().Warn().Err(err).Msg("silero unload failed")
		}
	}
	h.sileroLang = ""
	delete(h.inited, ModeLowPlus)
}

// Prepare loads the RVC voice of ch with the knobs under prefix, reusing
// the engine when neither the voice nor its load settings changed.
func (h *RVCHandler) Prepare(ctx context.Context, p catalog.Params, prefix string, ch Character) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.prepareLocked(ctx, ReadRVCParams(p, prefix, ch), ch)
}

func (h *RVCHandler) prepareLocked(ctx context.Context, rp RVCParams, ch Character) error {
	a := h.env.assets(ch)
	want := rvcLoad{
		weights:  a.Weights,
		device:   rp.Device,
		f0method: rp.F0Method,
		isHalf:   rp.IsHalf,
	}
	if h.env.GPU.Vendor == gpu.AMD {
		want.targetSR, want.hopLength = AMDSampling(a.Character)
	}
	if h.sess != nil && h.loaded == want {
		return nil
	}
	if !a.HasWeights() {
		return fmt.Errorf("rvc weights for %s not found at %s", a.Character, a.Weights)
	}
	sess, err := h.session(ctx)
	if err != nil {
		return fmt.Errorf("start rvc worker: %w", err)
	}
	args := map[string]any{
		"model_path": a.Weights,
		"index_path": a.IndexPath(),
		"device":     want.device,
		"f0method":   want.f0method,
		"is_half":    want.isHalf,
	}
	if want.targetSR > 0 {
		args["target_sr"] = want.targetSR
		args["hop_length"] = want.hopLength
	}
	if _, err := sess.Call(ctx, "load", rvcEngine, args); err != nil {
		h.loaded = rvcLoad{}
		return fmt.Errorf("load rvc voice %s: %w", a.Character, err)
	}
	h.loaded = want
	h.log().Info().Str("character", a.Character).Str("weights", a.Weights).Str("device", want.device).Bool("is_half", want.isHalf).Msg("rvc voice loaded")
	return nil
}

// Convert re-voices in into out using the knobs under prefix.
func (h *RVCHandler) Convert(ctx context.Context, in, out string, p catalog.Params, prefix string, ch Character) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.convertLocked(ctx, in, out, ReadRVCParams(p, prefix, ch), ch)
}

func (h *RVCHandler) convertLocked(ctx context.Context, in, out string, rp RVCParams, ch Character) error {
	if err := h.prepareLocked(ctx, rp, ch); err != nil {
		return err
	}
	if _, err := h.sess.Call(ctx, "convert", rvcEngine, rp.convertArgs(in, out)); err != nil {
		return fmt.Errorf("rvc convert: %w", err)
	}
	return nil
}

func (h *RVCHandler) Voiceover(ctx context.Context, req Request) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.inited[req.ModelID] {
		return "", ErrNotInitialized
	}
	return h.voiceoverLocked(ctx, req)
}

func (h *RVCHandler) voiceoverLocked(ctx context.Context, req Request) (string, error) {
	tmp := h.env.Paths.Temp
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return "", err
	}
	p := h.env.params(req.ModelID, req.Extra)
	lang := h.env.Runtime.Language()
	tts := audio.TempName(tmp, "tts", ".wav")
	defer os.Remove(tts)

	switch req.ModelID {
	case ModeLow:
		err := h.env.Edge.SynthesizeToWAV(ctx, edgetts.Request{
			Text:        req.Text,
			Voice:       edgetts.VoiceFor(lang),
			RatePercent: p.Int("tts_rate", 0),
		}, tts)
		if err != nil {
			return "", fmt.Errorf("edge tts: %w", err)
		}
	case ModeLowPlus:
		if h.sess == nil || h.sileroLang == "" {
			return "", ErrNotInitialized
		}
		_, err := h.sess.Call(ctx, "synth", sileroEngine, map[string]any{
			"ssml":        ssml.Build(req.Text, ssml.Options{}),
			"out_path":    tts,
			"sample_rate": p.Int("silero_sample_rate", 48000),
			"put_accent":  p.Bool("silero_put_accent", true),
			"put_yo":      p.Bool("silero_put_yo", true),
		})
		if err != nil {
			return "", fmt.Errorf("silero synth: %w", err)
		}
	default:
		return "", unknownModeError{backend: h.Name(), mode: req.ModelID}
	}

	out := audio.TempName(tmp, "voiceover", ".wav")
	if err := h.convertLocked(ctx, tts, out, ReadRVCParams(p, rvcPrefix[req.ModelID], req.Character), req.Character); err != nil {
		return "", err
	}
	if err := audio.ToStereo(out, out); err != nil {
		_ = os.Remove(out)
		return "", err
	}
	return out, nil
}

// CleanupState unloads Silero and forgets initialization. The RVC engine
// stays loaded for the compound backends.
func (h *RVCHandler) CleanupState() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sileroLang != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		h.unloadSileroLocked(ctx)
		cancel()
	}
	h.inited = map[string]bool{}
}

// Close stops the worker, dropping the shared RVC engine.
func (h *RVCHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loaded = rvcLoad{}
	h.sileroLang = ""
	h.inited = map[string]bool{}
	return h.closeSession()
}
