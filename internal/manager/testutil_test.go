package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"mitavoice/internal/backend"
	"mitavoice/internal/catalog"
	"mitavoice/internal/config"
	"mitavoice/internal/gpu"
	"mitavoice/internal/installer"
)

// fakeBackend is an in-memory backend serving a fixed set of modes.
type fakeBackend struct {
	mu        sync.Mutex
	name      string
	modes     []string
	sig       map[string]string
	installed map[string]bool
	inited    map[string]bool
	// language observed by the last Initialize
	langs    []string
	rt       *backend.Runtime
	dir      string
	initErr  error
	synthErr error
	block    chan struct{}
	// holdInstall makes Install report 30% and wait for cancellation.
	holdInstall bool

	installs  []string
	cleanups  int
	closes    int
	voiceCall int
	lastReq   backend.Request
	cb        installer.Callbacks
}

func newFakeBackend(name, dir string, rt *backend.Runtime, modes ...string) *fakeBackend {
	return &fakeBackend{
		name:      name,
		modes:     modes,
		sig:       map[string]string{},
		installed: map[string]bool{},
		inited:    map[string]bool{},
		rt:        rt,
		dir:       dir,
	}
}

func (f *fakeBackend) Name() string    { return f.name }
func (f *fakeBackend) Modes() []string { return f.modes }

func (f *fakeBackend) SetCallbacks(cb installer.Callbacks) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *fakeBackend) IsInstalled(_ context.Context, mode string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed[mode]
}

func (f *fakeBackend) Install(ctx context.Context, mode string) bool {
	f.mu.Lock()
	hold, cb := f.holdInstall, f.cb
	f.mu.Unlock()
	if hold {
		cb.SendStatus("Installing " + mode)
		cb.SendProgress(30)
		<-ctx.Done()
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs = append(f.installs, mode)
	for p := 0; p <= 100; p += 50 {
		f.cb.SendProgress(p)
	}
	f.installed[mode] = true
	return true
}

func (f *fakeBackend) Uninstall(_ context.Context, mode string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	sig := f.sig[mode]
	for m := range f.installed {
		if f.sig[m] == sig {
			delete(f.installed, m)
		}
	}
	return true
}

func (f *fakeBackend) SignatureComponent(mode string) string { return f.sig[mode] }

func (f *fakeBackend) Initialize(_ context.Context, mode string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return f.initErr
	}
	if !f.installed[mode] {
		return errors.New("not installed")
	}
	if f.rt != nil {
		f.langs = append(f.langs, f.rt.Language())
	}
	f.inited[mode] = true
	return nil
}

func (f *fakeBackend) IsInitialized(mode string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inited[mode]
}

func (f *fakeBackend) CleanupState() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	f.inited = map[string]bool{}
}

func (f *fakeBackend) Voiceover(_ context.Context, req backend.Request) (string, error) {
	f.mu.Lock()
	block := f.block
	f.voiceCall++
	f.lastReq = req
	n := f.voiceCall
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.inited[req.ModelID] {
		return "", backend.ErrNotInitialized
	}
	if f.synthErr != nil {
		return "", f.synthErr
	}
	p := filepath.Join(f.dir, f.name+"_"+req.Character.Name()+"_"+strconv.Itoa(n)+".wav")
	if err := os.WriteFile(p, []byte("RIFF"), 0o644); err != nil {
		return "", err
	}
	return p, nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.inited = map[string]bool{}
	return nil
}

// fakeComponents maps modes to component keys and removes components from
// the fake backends that require them.
type fakeComponents struct {
	mu       sync.Mutex
	reqs     map[string][]string
	backends map[string]*fakeBackend
	removed  []string
}

func (c *fakeComponents) Requirements(mode string) []string { return c.reqs[mode] }

func (c *fakeComponents) UninstallComponent(_ context.Context, key string, _ installer.Callbacks) bool {
	c.mu.Lock()
	c.removed = append(c.removed, key)
	c.mu.Unlock()
	for mode, reqs := range c.reqs {
		for _, r := range reqs {
			if r == key {
				b := c.backends[mode]
				b.mu.Lock()
				delete(b.installed, mode)
				b.mu.Unlock()
			}
		}
	}
	return true
}

// harness wires the fakes the way the application wires real backends:
// one RVC handler for low/low+, one Fish backend for the medium family and
// one F5 backend for the high family.
type harness struct {
	m     *Manager
	rvc   *fakeBackend
	fish  *fakeBackend
	f5    *fakeBackend
	comps *fakeComponents
	pub   *MemoryPublisher
	rt    *backend.Runtime
	lib   string
	pip   *pipRecorder
	dlg   *fakeDialogs
}

type pipRecorder struct {
	mu    sync.Mutex
	calls [][]string
}

func (p *pipRecorder) Run(_ context.Context, c installer.Cmd, _ func(string)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, c.Args)
	return nil
}

func (p *pipRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeDialogs struct {
	mu       sync.Mutex
	confirm  bool
	asked    []string
	conflict int
}

func (d *fakeDialogs) ConfirmUnsupportedGPU(model, _ string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.asked = append(d.asked, model)
	return d.confirm
}

func (d *fakeDialogs) RetryVCRedist(int) bool { return false }

func (d *fakeDialogs) CompileModeConflict(bool, bool) {
	d.mu.Lock()
	d.conflict++
	d.mu.Unlock()
}

var nvidia = gpu.Info{Vendor: gpu.NVIDIA, Name: "NVIDIA GeForce RTX 4070", CUDADevices: []string{"cuda:0"}}

func newHarness(t *testing.T, g gpu.Info, allowUnsupported bool) *harness {
	t.Helper()
	root := t.TempDir()
	out := filepath.Join(root, "temp")
	if err := os.MkdirAll(out, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	ctrl, err := catalog.NewController(catalog.ControllerConfig{
		SettingsDir: filepath.Join(root, "Settings"),
		GPU:         g,
		Flags:       config.Flags{AllowUnsupportedGPU: allowUnsupported},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	rt := backend.NewRuntime("ru")
	h := &harness{rt: rt, pub: NewMemoryPublisher(), lib: filepath.Join(root, "Lib"), pip: &pipRecorder{}, dlg: &fakeDialogs{}}
	h.rvc = newFakeBackend("rvc", out, rt, "low", "low+")
	h.fish = newFakeBackend("fish", out, rt, "medium", "medium+", "medium+low")
	h.f5 = newFakeBackend("f5", out, rt, "high", "high+low")
	for _, m := range []string{"low", "low+"} {
		h.rvc.sig[m] = catalog.ComponentRVC
	}
	h.fish.sig["medium"] = catalog.ComponentFish
	h.fish.sig["medium+"] = catalog.ComponentTriton
	h.fish.sig["medium+low"] = catalog.ComponentTriton
	h.f5.sig["high"] = catalog.ComponentF5
	h.f5.sig["high+low"] = catalog.ComponentF5

	backends := map[string]backend.Backend{}
	fakes := map[string]*fakeBackend{}
	for _, b := range []*fakeBackend{h.rvc, h.fish, h.f5} {
		for _, mode := range b.modes {
			backends[mode] = b
			fakes[mode] = b
		}
	}
	h.comps = &fakeComponents{backends: fakes, reqs: map[string][]string{}}
	for _, d := range ctrl.Descriptors() {
		h.comps.reqs[d.ID] = d.Components
	}
	inst := installer.New(installer.Config{Python: "python", LibDir: h.lib, Runner: h.pip}, installer.Callbacks{})
	h.m = NewWithConfig(ManagerConfig{
		Catalog:       ctrl,
		Backends:      backends,
		RVC:           h.rvc,
		Components:    h.comps,
		Installer:     inst,
		Runtime:       rt,
		Dialogs:       h.dlg,
		Character:     backend.DefaultCharacter,
		MaxQueueDepth: 2,
		MaxWait:       200 * time.Millisecond,
		DrainTimeout:  500 * time.Millisecond,
		Publisher:     h.pub,
		Metrics:       NewMetrics(nil),
	})
	return h
}

// progressLog collects install callbacks.
type progressLog struct {
	mu       sync.Mutex
	progress []int
	logs     []string
}

func (p *progressLog) callbacks() installer.Callbacks {
	return installer.Callbacks{
		Progress: func(v int) { p.mu.Lock(); p.progress = append(p.progress, v); p.mu.Unlock() },
		Log:      func(s string) { p.mu.Lock(); p.logs = append(p.logs, s); p.mu.Unlock() },
	}
}

func (p *progressLog) hasError() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.logs {
		if strings.HasPrefix(l, "ERROR:") {
			return true
		}
	}
	return false
}

func writeDist(t *testing.T, lib, name string, requires ...string) {
	t.Helper()
	dir := filepath.Join(lib, name+"-1.0.dist-info")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	meta := "Metadata-Version: 2.1\nName: " + name + "\nVersion: 1.0\n"
	for _, r := range requires {
		meta += "Requires-Dist: " + r + "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, "METADATA"), []byte(meta), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}
