package backend

import (
	"context"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"mitavoice/internal/catalog"
	"mitavoice/internal/edgetts"
	"mitavoice/internal/gpu"
	"mitavoice/internal/installer"
	"mitavoice/internal/resolver"
	"mitavoice/internal/triton"
	"mitavoice/internal/worker"
)

// ParamSource supplies descriptors and effective settings per model.
type ParamSource interface {
	Descriptor(id string) (catalog.Descriptor, bool)
	Params(id string) catalog.Params
}

// Speaker synthesizes cloud TTS into a WAV file.
type Speaker interface {
	SynthesizeToWAV(ctx context.Context, req edgetts.Request, outPath string) error
}

// Paths are the on-disk locations the backends read and write.
type Paths struct {
	Models      string
	Temp        string
	Checkpoints string
}

// F5Files are the pinned F5-TTS weight URLs.
type F5Files struct {
	ModelURL string
	VocabURL string
}

// Env is what every backend is constructed with.
type Env struct {
	Installer     *installer.Installer
	Workers       worker.Spawner
	Catalog       ParamSource
	Runtime       *Runtime
	GPU           gpu.Info
	Dialogs       Dialogs
	Edge          Speaker
	Triton        *triton.Toolchain
	Paths         Paths
	TorchIndexURL string
	F5            F5Files
	HTTPClient    *http.Client
	Logger        zerolog.Logger
}

func (e *Env) params(mode string, extra map[string]any) catalog.Params {
	p := catalog.Params{}
	if e.Catalog != nil {
		for k, v := range e.Catalog.Params(mode) {
			p[k] = v
		}
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

// base holds what every backend shares: env, callbacks and a lazily
// spawned worker session.
type base struct {
	env  *Env
	name string

	cbMu sync.Mutex
	cb   installer.Callbacks

	sess worker.Session
}

func (b *base) SetCallbacks(cb installer.Callbacks) {
	b.cbMu.Lock()
	b.cb = cb
	b.cbMu.Unlock()
}

func (b *base) callbacks() installer.Callbacks {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	return b.cb
}

func (b *base) log() *zerolog.Logger {
	l := b.env.Logger.With().Str("backend", b.name).Logger()
	return &l
}

// session returns the worker, spawning it on first use. Callers hold the
// backend mutex.
func (b *base) session(ctx context.Context) (worker.Session, error) {
	if b.sess != nil {
		return b.sess, nil
	}
	s, err := b.env.Workers.Spawn(ctx, b.name)
	if err != nil {
		return nil, err
	}
	b.sess = s
	return s, nil
}

func (b *base) closeSession() error {
	if b.sess == nil {
		return nil
	}
	err := b.sess.Close()
	b.sess = nil
	return err
}

// ensureTorch installs PyTorch for the detected vendor unless it imports.
func (e *Env) ensureTorch(ctx context.Context, cb installer.Callbacks) bool {
	if e.Installer.IsImportable(ctx, "torch") {
		return true
	}
	var specs []string
	opts := []installer.Option{installer.WithImport("torch")}
	switch e.GPU.Vendor {
	case gpu.NVIDIA:
		specs = []string{"torch==2.6.0", "torchaudio==2.6.0"}
		if e.TorchIndexURL != "" {
			opts = append(opts, installer.WithExtraArgs("--index-url", e.TorchIndexURL))
		}
	case gpu.AMD:
		specs = []string{resolver.DistTorchDirectML}
	default:
		specs = []string{"torch", "torchaudio"}
	}
	return e.Installer.WithCallbacks(cb).InstallPackage(ctx, specs, "PyTorch", opts...)
}

// installStep is one stage of a multi-component install.
type installStep struct {
	name string
	run  func(ctx context.Context, cb installer.Callbacks) bool
}

// runSteps splits tracker progress evenly across steps and stops at the
// first failure.
func runSteps(ctx context.Context, tr *installer.Tracker, steps []installStep) bool {
	n := len(steps)
	for i, s := range steps {
		if ctx.Err() != nil {
			return false
		}
		if !s.run(ctx, tr.Stage(i*100/n, (i+1)*100/n)) {
			return false
		}
	}
	return true
}
