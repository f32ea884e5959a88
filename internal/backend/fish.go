package backend

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"mitavoice/internal/catalog"
	"mitavoice/internal/common/fsutil"
	"mitavoice/internal/installer"
	"mitavoice/internal/triton"
)

const (
	ModeMedium        = "medium"
	ModeMediumPlus    = "medium+"
	ModeMediumPlusLow = "medium+low"

	fishEngine = "fish"
)

// compiledMode reports whether mode runs the JIT-compiled FishSpeech.
func compiledMode(mode string) bool { return mode != ModeMedium }

// FishBackend serves the three FishSpeech modes. medium+low hands its
// output to the shared RVC handler.
type FishBackend struct {
	base
	rvc *RVCHandler

	mu           sync.Mutex
	loaded       bool
	loadedWith   string // device and precision of the loaded engine
	inited       map[string]bool
	tritonStatus triton.Status
}

func NewFishBackend(env *Env, rvc *RVCHandler) *FishBackend {
	return &FishBackend{base: base{env: env, name: "fish"}, rvc: rvc, inited: map[string]bool{}}
}

func (f *FishBackend) Name() string { return "fish" }

func (f *FishBackend) Modes() []string {
	return []string{ModeMedium, ModeMediumPlus, ModeMediumPlusLow}
}

// SignatureComponent is fish_speech_lib for medium and triton for the
// compiled modes.
func (f *FishBackend) SignatureComponent(mode string) string {
	if compiledMode(mode) {
		return catalog.ComponentTriton
	}
	return catalog.ComponentFish
}

func (f *FishBackend) IsInstalled(ctx context.Context, mode string) bool {
	return hasMode(f.Modes(), mode) && f.env.ComponentsInstalled(ctx, mode)
}

// TritonStatus returns the outcome of the last triton install.
func (f *FishBackend) TritonStatus() triton.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tritonStatus
}

func (f *FishBackend) Install(ctx context.Context, mode string) bool {
	if !hasMode(f.Modes(), mode) {
		return false
	}
	tr := installer.NewTracker(f.callbacks())
	var steps []installStep
	for _, key := range f.env.Requirements(mode) {
		if f.env.ComponentInstalled(ctx, key) {
			continue
		}
		switch key {
		case catalog.ComponentFish:
			steps = append(steps, installStep{name: "torch", run: f.env.ensureTorch},
				installStep{name: key, run: f.installFish})
		case catalog.ComponentTriton:
			steps = append(steps, installStep{name: key, run: f.installTriton})
		case catalog.ComponentRVC:
			steps = append(steps, installStep{name: key, run: f.rvc.installRVC})
		}
	}
	if len(steps) > 0 && !runSteps(ctx, tr, steps) {
		return false
	}
	tr.Done()
	return true
}

func (f *FishBackend) installFish(ctx context.Context, cb installer.Callbacks) bool {
	c := components[catalog.ComponentFish]
	inst := f.env.Installer.WithCallbacks(cb)
	if !inst.InstallPackage(ctx, []string{c.Spec}, "FishSpeech", installer.WithImport(c.Import)) {
		return false
	}
	n, err := PatchFishConfig(filepath.Join(inst.LibDir(), c.Import))
	if err != nil {
		cb.SendLog("ERROR: patch fish speech config: " + err.Error())
		return false
	}
	f.log().Info().Int("matched", n).Msg("fish config metadata patch")
	return true
}

func (f *FishBackend) installTriton(ctx context.Context, cb installer.Callbacks) bool {
	if f.env.Triton == nil {
		cb.SendLog("ERROR: triton toolchain not configured")
		return false
	}
	st := f.env.Triton.Install(ctx, cb)
	f.mu.Lock()
	f.tritonStatus = st
	f.mu.Unlock()
	return st.Installed
}

var helpKeyRe = regexp.MustCompile(`metadata=\{(\s*)help:`)

// PatchFishConfig quotes the bare help key in metadata={help: ...} literals
// under dir. It returns how many files changed.
func PatchFishConfig(dir string) (int, error) {
	changed := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".py") {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !helpKeyRe.Match(b) {
			return nil
		}
		out := helpKeyRe.ReplaceAll(b, []byte(`metadata={${1}"help":`))
		if err := fsutil.WriteFileAtomic(path, out, 0o644); err != nil {
			return err
		}
		changed++
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return changed, err
}

func (f *FishBackend) Uninstall(ctx context.Context, mode string) bool {
	if !hasMode(f.Modes(), mode) {
		return false
	}
	ok := f.env.UninstallComponent(ctx, f.SignatureComponent(mode), f.callbacks())
	if ok {
		f.CleanupState()
	}
	return ok
}

func (f *FishBackend) IsInitialized(mode string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inited[mode]
}

func (f *FishBackend) Initialize(ctx context.Context, mode string, warmup bool) error {
	if !hasMode(f.Modes(), mode) {
		return unknownModeError{backend: f.Name(), mode: mode}
	}
	compile := compiledMode(mode)
	if err := f.env.Runtime.CheckCompile(compile); err != nil {
		committed, _ := f.env.Runtime.Compiled()
		f.log().Error().Str("model", mode).Bool("requested", compile).Bool("committed", committed).Msg("compile mode conflict; restart required")
		if f.env.Dialogs != nil {
			f.env.Dialogs.CompileModeConflict(compile, committed)
		}
		return err
	}
	if !f.IsInstalled(ctx, mode) {
		return notInstalledError{mode: mode}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.env.params(mode, nil)

	device, half := p.Str("fsp_device", "cuda"), p.Bool("fsp_is_half", false)
	with := fmt.Sprintf("%s half=%t", device, half)
	if f.loaded && f.loadedWith != with {
		f.log().Info().Str("from", f.loadedWith).Str("to", with).Msg("fish speech settings changed; reloading")
		f.unloadLocked(ctx)
	}

	loadedNow := false
	if !f.loaded {
		sess, err := f.session(ctx)
		if err != nil {
			return fmt.Errorf("start fish worker: %w", err)
		}
		_, err = sess.Call(ctx, "load", fishEngine, map[string]any{
			"device":  device,
			"is_half": half,
			"compile": compile,
		})
		if err != nil {
			return fmt.Errorf("load fish speech: %w", err)
		}
		if err := f.env.Runtime.CommitCompile(compile); err != nil {
			f.unloadLocked(ctx)
			return err
		}
		f.loaded = true
		f.loadedWith = with
		loadedNow = true
	}
	ch := f.env.Runtime.Character()
	if mode == ModeMediumPlusLow {
		if err := f.rvc.Prepare(ctx, p, rvcPrefix[mode], ch); err != nil {
			if loadedNow {
				f.unloadLocked(ctx)
			}
			return err
		}
	}
	if warmup && !f.inited[mode] {
		wctx, cancel := context.WithTimeout(ctx, WarmupTimeout)
		out, err := f.voiceoverLocked(wctx, Request{ModelID: mode, Text: warmupPhrase(f.env.Runtime.Language()), Character: ch})
		cancel()
		if err == nil {
			err = checkWarmup(out)
		}
		if err != nil {
			if loadedNow {
				f.unloadLocked(ctx)
			}
			return fmt.Errorf("warm-up %s: %w", mode, err)
		}
	}
	f.inited[mode] = true
	f.log().Info().Str("model", mode).Bool("compile", compile).Msg("initialized")
	return nil
}

func (f *FishBackend) unloadLocked(ctx context.Context) {
	if f.sess != nil && f.loaded {
		if _, err := f.sess.Call(ctx, "unload", fishEngine, nil); err != nil {
			f.log().Warn().Err(err).Msg("fish unload failed")
		}
	}
	f.loaded = false
	f.loadedWith = ""
	f.inited = map[string]bool{}
}

func (f *FishBackend) Voiceover(ctx context.Context, req Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.inited[req.ModelID] || !f.loaded {
		return "", ErrNotInitialized
	}
	return f.voiceoverLocked(ctx, req)
}

func (f *FishBackend) voiceoverLocked(ctx context.Context, req Request) (string, error) {
	tmp := f.env.Paths.Temp
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return "", err
	}
	p := f.env.params(req.ModelID, req.Extra)
	a := f.env.assets(req.Character)
	args := map[string]any{
		"text":               req.Text,
		"reference_text":     a.ReferenceText(),
		"temperature":        p.Float("fsp_temperature", 0.7),
		"top_p":              p.Float("fsp_top_p", 0.7),
		"repetition_penalty": p.Float("fsp_repetition_penalty", 1.2),
		"chunk_length":       p.Int("fsp_chunk_length", 200),
		"max_new_tokens":     p.Int("fsp_max_new_tokens", 1024),
		"seed":               p.Int("fsp_seed", 0),
	}
	if fsutil.PathExists(a.RefAudio) {
		args["reference_audio"] = a.RefAudio
	}
	return synthThenConvert(ctx, f.sess, fishEngine, args, tmp, f.rvc, req, p)
}

func (f *FishBackend) CleanupState() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		f.unloadLocked(ctx)
		cancel()
	}
	f.inited = map[string]bool{}
}

func (f *FishBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = false
	f.loadedWith = ""
	f.inited = map[string]bool{}
	return f.closeSession()
}
