package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	goaudio "github.com/go-audio/audio"

	"mitavoice/internal/audio"
	"mitavoice/internal/catalog"
	"mitavoice/internal/edgetts"
	"mitavoice/internal/gpu"
	"mitavoice/internal/installer"
	"mitavoice/internal/triton"
	"mitavoice/internal/worker"
)

var (
	rtx4070 = gpu.Info{Vendor: gpu.NVIDIA, Name: "NVIDIA GeForce RTX 4070", CUDADevices: []string{"cuda:0"}}
	rx7800  = gpu.Info{Vendor: gpu.AMD, Name: "AMD Radeon RX 7800 XT"}
)

func writeTone(path string) error {
	data := make([]int, 1600)
	for i := range data {
		data[i] = (i % 64) * 200
	}
	return audio.WriteWAV(path, &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: 16000},
		Data:           data,
		SourceBitDepth: 16,
	}, 16)
}

type call struct {
	op     string
	engine string
	args   map[string]any
}

type fakeWorkers struct {
	mu        sync.Mutex
	calls     []call
	spawns    int
	failSynth bool
}

func (w *fakeWorkers) Spawn(context.Context, string) (worker.Session, error) {
	w.mu.Lock()
	w.spawns++
	w.mu.Unlock()
	return worker.SessionFunc(w.call), nil
}

func (w *fakeWorkers) call(_ context.Context, op, engine string, args map[string]any) (map[string]any, error) {
	w.mu.Lock()
	w.calls = append(w.calls, call{op: op, engine: engine, args: args})
	fail := w.failSynth
	w.mu.Unlock()
	switch op {
	case "synth":
		if fail {
			return nil, errors.New("CUDA out of memory")
		}
		fallthrough
	case "convert":
		out, _ := args["out_path"].(string)
		if err := writeTone(out); err != nil {
			return nil, err
		}
		return map[string]any{"path": out}, nil
	}
	return map[string]any{}, nil
}

func (w *fakeWorkers) find(op, engine string) []call {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []call
	for _, c := range w.calls {
		if c.op == op && c.engine == engine {
			out = append(out, c)
		}
	}
	return out
}

type fakeEdge struct{ voices []string }

func (e *fakeEdge) SynthesizeToWAV(_ context.Context, req edgetts.Request, out string) error {
	e.voices = append(e.voices, req.Voice)
	return writeTone(out)
}

type fakeDialogs struct {
	conflicts int
}

func (d *fakeDialogs) ConfirmUnsupportedGPU(string, string) bool { return false }
func (d *fakeDialogs) RetryVCRedist(int) bool { return false }
func (d *fakeDialogs) CompileModeConflict(bool, bool) { d.conflicts++ }

// fakePython answers import probes from a set and marks packages importable
// when pip installs them.
type fakePython struct {
	mu         sync.Mutex
	importable map[string]bool
	lib        string
	pipCalls   [][]string
}

var pipModules = map[string]string{
	"torch==2.6.0":    "torch",
	"torch-directml":  "torch",
	"torch":           "torch",
	"tts-with-rvc":    "tts_with_rvc",
	"fish-speech-lib": "fish_speech_lib",
	"f5-tts":          "f5_tts",
}

func (p *fakePython) Run(_ context.Context, c installer.Cmd, onLine func(string)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(c.Args) >= 2 && c.Args[0] == "-c" {
		mod := strings.TrimPrefix(c.Args[1], "import ")
		if p.importable[mod] {
			return nil
		}
		return errors.New("ModuleNotFoundError")
	}
	p.pipCalls = append(p.pipCalls, c.Args)
	if len(c.Args) > 2 && c.Args[2] == "uninstall" {
		for _, a := range c.Args[3:] {
			delete(p.importable, installer.ImportName(a))
			if a == triton.DistName {
				_ = os.RemoveAll(filepath.Join(p.lib, "triton"))
			}
		}
		return nil
	}
	for _, a := range c.Args {
		if m, ok := pipModules[a]; ok {
			p.importable[m] = true
			onLine("Successfully installed " + a)
		}
	}
	return nil
}

type harness struct {
	env     *Env
	workers *fakeWorkers
	edge    *fakeEdge
	dialogs *fakeDialogs
	py      *fakePython
	root    string
}

// newHarness builds an Env whose library directory already holds the given
// component keys.
func newHarness(t *testing.T, g gpu.Info, installed ...string) *harness {
	t.Helper()
	root := t.TempDir()
	models := filepath.Join(root, "Models")
	ext := ".pth"
	if g.Vendor == gpu.AMD {
		ext = ".onnx"
	}
	for _, ch := range []string{DefaultCharacter, ShorthairCharacter} {
		for _, e := range []string{ext, ".index", ".txt"} {
			p := filepath.Join(models, ch+e)
			if err := os.MkdirAll(models, 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(p, []byte("Привет, это "+ch), 0o644); err != nil {
				t.Fatal(err)
			}
		}
		if err := writeTone(filepath.Join(models, ch+".wav")); err != nil {
			t.Fatal(err)
		}
	}
	py := &fakePython{importable: map[string]bool{}, lib: filepath.Join(root, "Lib")}
	for _, key := range installed {
		c := components[key]
		py.importable[c.Import] = true
		if key == catalog.ComponentTriton {
			dir := filepath.Join(py.lib, "triton")
			_ = os.MkdirAll(dir, 0o755)
			_ = os.WriteFile(filepath.Join(dir, "__init__.py"), nil, 0o644)
			_ = os.WriteFile(filepath.Join(dir, triton.PatchedMarker), nil, 0o644)
		}
	}
	ctrl, err := catalog.NewController(catalog.ControllerConfig{SettingsDir: filepath.Join(root, "Settings"), GPU: g})
	if err != nil {
		t.Fatal(err)
	}
	inst := installer.New(installer.Config{Python: "python", LibDir: py.lib, Runner: py}, installer.Callbacks{})
	h := &harness{workers: &fakeWorkers{}, edge: &fakeEdge{}, dialogs: &fakeDialogs{}, py: py, root: root}
	h.env = &Env{
		Installer: inst,
		Workers:   h.workers,
		Catalog:   ctrl,
		Runtime:   NewRuntime("ru"),
		GPU:       g,
		Dialogs:   h.dialogs,
		Edge:      h.edge,
		Triton:    triton.New(triton.Config{Installer: inst, TempDir: filepath.Join(root, "temp")}),
		Paths: Paths{
			Models:      models,
			Temp:        filepath.Join(root, "temp"),
			Checkpoints: filepath.Join(root, "checkpoints"),
		},
	}
	return h
}

func mustStereo(t *testing.T, path string) {
	t.Helper()
	info, err := audio.Inspect(path)
	if err != nil {
		t.Fatalf("inspect %s: %v", path, err)
	}
	if info.Channels != 2 || info.Frames == 0 {
		t.Fatalf("want non-empty stereo, got %+v", info)
	}
}
