package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"

	"mitavoice/internal/catalog"
	"mitavoice/internal/common/fsutil"
	"mitavoice/internal/download"
	"mitavoice/internal/installer"
)

const (
	ModeHigh    = "high"
	ModeHighLow = "high+low"

	f5Engine = "f5"
)

// F5Backend serves F5-TTS and its RVC composition.
type F5Backend struct {
	base
	rvc *RVCHandler

	mu         sync.Mutex
	loaded     bool
	loadedWith string // device of the loaded engine
	inited     map[string]bool
}

func NewF5Backend(env *Env, rvc *RVCHandler) *F5Backend {
	return &F5Backend{base: base{env: env, name: "f5"}, rvc: rvc, inited: map[string]bool{}}
}

func (b *F5Backend) Name() string { return "f5" }
func (b *F5Backend) Modes() []string { return []string{ModeHigh, ModeHighLow} }
func (b *F5Backend) SignatureComponent(string) string { return catalog.ComponentF5 }

// CheckpointPaths returns where the model weights and vocabulary live.
func (b *F5Backend) CheckpointPaths() (model, vocab string) {
	dir := filepath.Join(b.env.Paths.Checkpoints, "F5-TTS")
	return filepath.Join(dir, "model.safetensors"), filepath.Join(dir, "vocab.txt")
}

func (b *F5Backend) checkpointsPresent() bool {
	m, v := b.CheckpointPaths()
	return fsutil.NonEmptyFile(m) && fsutil.NonEmptyFile(v)
}

func (b *F5Backend) IsInstalled(ctx context.Context, mode string) bool {
	return hasMode(b.Modes(), mode) && b.env.ComponentsInstalled(ctx, mode) && b.checkpointsPresent()
}

func (b *F5Backend) Install(ctx context.Context, mode string) bool {
	if !hasMode(b.Modes(), mode) {
		return false
	}
	tr := installer.NewTracker(b.callbacks())
	var steps []installStep
	for _, key := range b.env.Requirements(mode) {
		if b.env.ComponentInstalled(ctx, key) {
			continue
		}
		switch key {
		case catalog.ComponentF5:
			steps = append(steps, installStep{name: "torch", run: b.env.ensureTorch},
				installStep{name: key, run: b.installF5})
		case catalog.ComponentRVC:
			steps = append(steps, installStep{name: key, run: b.rvc.installRVC})
		}
	}
	if !b.checkpointsPresent() {
		steps = append(steps, installStep{name: "weights", run: b.downloadWeights})
	}
	if len(steps) > 0 && !runSteps(ctx, tr, steps) {
		return false
	}
	tr.Done()
	return true
}

func (b *F5Backend) installF5(ctx context.Context, cb installer.Callbacks) bool {
	c := components[catalog.ComponentF5]
	return b.env.Installer.WithCallbacks(cb).InstallPackage(ctx, []string{c.Spec}, "F5-TTS", installer.WithImport(c.Import))
}

// downloadWeights fetches the checkpoint and vocabulary with streaming
// progress.
func (b *F5Backend) downloadWeights(ctx context.Context, cb installer.Callbacks) bool {
	tr := installer.NewTracker(cb)
	model, vocab := b.CheckpointPaths()
	files := []struct{ url, dest string }{{b.env.F5.ModelURL, model}, {b.env.F5.VocabURL, vocab}}
	for i, f := range files {
		stage := tr.Stage(i*100/len(files), (i+1)*100/len(files))
		stage.SendTitle("Downloading " + filepath.Base(f.dest))
		err := download.File(ctx, f.url, f.dest, download.Options{
			Client: b.env.HTTPClient,
			OnProgress: func(done, total int64, status string) {
				stage.SendStatus(status)
				if total > 0 {
					stage.SendProgress(int(done * 100 / total))
				}
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				stage.SendStatus("Download cancelled")
				return false
			}
			stage.SendLog(fmt.Sprintf("ERROR: download %s: %v", f.url, err))
			return false
		}
		if st, err := os.Stat(f.dest); err == nil {
			stage.SendLog(fmt.Sprintf("Downloaded %s (%s)", filepath.Base(f.dest), humanize.Bytes(uint64(st.Size()))))
		}
	}
	tr.Done()
	return true
}

func (b *F5Backend) Uninstall(ctx context.Context, mode string) bool {
	if !hasMode(b.Modes(), mode) {
		return false
	}
	ok := b.env.UninstallComponent(ctx, catalog.ComponentF5, b.callbacks())
	if ok {
		b.CleanupState()
	}
	return ok
}

func (b *F5Backend) IsInitialized(mode string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inited[mode]
}

func (b *F5Backend) Initialize(ctx context.Context, mode string, warmup bool) error {
	if !hasMode(b.Modes(), mode) {
		return unknownModeError{backend: b.Name(), mode: mode}
	}
	if !b.IsInstalled(ctx, mode) {
		return notInstalledError{mode: mode}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.env.params(mode, nil)
	device := p.Str("f5_device", "cuda")
	if b.loaded && b.loadedWith != device {
		b.log().Info().Str("from", b.loadedWith).Str("to", device).Msg("f5-tts device changed; reloading")
		b.unloadLocked(ctx)
	}
	loadedNow := false
	if !b.loaded {
		sess, err := b.session(ctx)
		if err != nil {
			return fmt.Errorf("start f5 worker: %w", err)
		}
		model, vocab := b.CheckpointPaths()
		_, err = sess.Call(ctx, "load", f5Engine, map[string]any{
			"ckpt_file":  model,
			"vocab_file": vocab,
			"device":     device,
		})
		if err != nil {
			return fmt.Errorf("load f5-tts: %w", err)
		}
		b.loaded = true
		b.loadedWith = device
		loadedNow = true
	}
	ch := b.env.Runtime.Character()
	if mode == ModeHighLow {
		if err := b.rvc.Prepare(ctx, p, rvcPrefix[mode], ch); err != nil {
			if loadedNow {
				b.unloadLocked(ctx)
			}
			return err
		}
	}
	if warmup && !b.inited[mode] {
		wctx, cancel := context.WithTimeout(ctx, WarmupTimeout)
		out, err := b.voiceoverLocked(wctx, Request{ModelID: mode, Text: warmupPhrase(b.env.Runtime.Language()), Character: ch})
		cancel()
		if err == nil {
			err = checkWarmup(out)
		}
		if err != nil {
			if loadedNow {
				b.unloadLocked(ctx)
			}
			return fmt.Errorf("warm-up %s: %w", mode, err)
		}
	}
	b.inited[mode] = true
	b.log().Info().Str("model", mode).Msg("initialized")
	return nil
}

func (b *F5Backend) unloadLocked(ctx context.Context) {
	if b.sess != nil && b.loaded {
		if _, err := b.sess.Call(ctx, "unload", f5Engine, nil); err != nil {
			b.log().Warn().Err(err).Msg("f5 unload failed")
		}
	}
	b.loaded = false
	b.loadedWith = ""
	b.inited = map[string]bool{}
}

func (b *F5Backend) Voiceover(ctx context.Context, req Request) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.inited[req.ModelID] || !b.loaded {
		return "", ErrNotInitialized
	}
	return b.voiceoverLocked(ctx, req)
}

func (b *F5Backend) voiceoverLocked(ctx context.Context, req Request) (string, error) {
	tmp := b.env.Paths.Temp
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return "", err
	}
	p := b.env.params(req.ModelID, req.Extra)
	a := b.env.assets(req.Character)
	if !fsutil.PathExists(a.RefAudio) {
		return "", fmt.Errorf("f5-tts needs reference audio %s", a.RefAudio)
	}
	args := map[string]any{
		"text":               req.Text,
		"ref_file":           a.RefAudio,
		"ref_text":           a.ReferenceText(),
		"nfe_step":           p.Int("f5_nfe_step", 32),
		"cfg_strength":       p.Float("f5_cfg_strength", 2.0),
		"sway_sampling_coef": p.Float("f5_sway_sampling_coef", -1.0),
		"speed":              p.Float("f5_speed", 1.0),
		"remove_silence":     p.Bool("f5_remove_silence", true),
		"seed":               p.Int("f5_seed", -1),
	}
	return synthThenConvert(ctx, b.sess, f5Engine, args, tmp, b.rvc, req, p)
}

func (b *F5Backend) CleanupState() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loaded {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		b.unloadLocked(ctx)
		cancel()
	}
	b.inited = map[string]bool{}
}

func (b *F5Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loaded = false
	b.loadedWith = ""
	b.inited = map[string]bool{}
	return b.closeSession()
}
