// Package triton installs and verifies the triton-windows compiler toolchain
// used by the compiled FishSpeech variants.
package triton

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mitavoice/internal/common/fsutil"
	"mitavoice/internal/config"
	"mitavoice/internal/installer"
)

const (
	Spec     = "triton-windows<3.4"
	DistName = "triton-windows"
	Module   = "triton"

	// DLLSignature identifies a missing Visual C++ runtime.
	DLLSignature = "DLL load failed while importing libtriton"
	// MaxRetries bounds the redistributable retry dialog.
	MaxRetries = 100

	DefaultWarmupTimeout = time.Hour
	markerName           = "inited.wav"

	// PatchedMarker is written into the package directory once every source
	// patch applied. A package without it is not usable.
	PatchedMarker = ".mitavoice-patched"
)

// ErrDLLLoad marks a probe that failed on the libtriton DLL import.
var ErrDLLLoad = errors.New(DLLSignature)

// RetryPrompt asks the user to install the VC++ redistributable and retry.
type RetryPrompt interface {
	RetryVCRedist(attempt int) bool
}

// Status is the result of an install. Installed with any of the other
// fields unset or populated is a partial success.
type Status struct {
	Installed         bool
	ChecksPerformed   bool
	MissingDeps       []string
	KernelInitSkipped bool
	Patches           []PatchResult
}

// Degraded reports an install that succeeded with warnings.
func (s Status) Degraded() bool {
	return s.Installed && (!s.ChecksPerformed || len(s.MissingDeps) > 0 || s.KernelInitSkipped)
}

// Warnings renders the degraded state for the user.
func (s Status) Warnings() []string {
	var w []string
	if !s.Installed {
		return nil
	}
	if !s.ChecksPerformed {
		w = append(w, "triton installed but toolchain checks were not performed")
	}
	if len(s.MissingDeps) > 0 {
		w = append(w, "triton installed but dependencies are missing: "+strings.Join(s.MissingDeps, ", "))
	}
	if s.KernelInitSkipped {
		w = append(w, "triton installed but kernel initialization was skipped")
	}
	return w
}

type Config struct {
	Installer     *installer.Installer
	TempDir       string
	Flags         config.Flags
	Prompt        RetryPrompt
	WarmupTimeout time.Duration
	Logger        zerolog.Logger
}

type Toolchain struct {
	cfg Config
}

func New(cfg Config) *Toolchain {
	if cfg.WarmupTimeout <= 0 {
		cfg.WarmupTimeout = DefaultWarmupTimeout
	}
	return &Toolchain{cfg: cfg}
}

// PackageDir is where pip puts the triton package.
func (t *Toolchain) PackageDir() string { return filepath.Join(t.cfg.Installer.LibDir(), Module) }

// IsInstalled checks the package directory without importing it, so a
// missing runtime DLL does not hide an installed package. An unpatched
// package does not count.
func (t *Toolchain) IsInstalled() bool {
	dir := t.PackageDir()
	return fsutil.PathExists(filepath.Join(dir, "__init__.py")) && fsutil.PathExists(filepath.Join(dir, PatchedMarker))
}

// Install runs the full procedure: pip install, patches, dependency probes
// and the kernel warm-up. Progress is reported through cb.
func (t *Toolchain) Install(ctx context.Context, cb installer.Callbacks) Status {
	log := t.cfg.Logger
	tr := installer.NewTracker(cb)
	var st Status

	inst := t.cfg.Installer.WithCallbacks(tr.Stage(0, 70))
	if !inst.InstallPackage(ctx, []string{Spec}, "Triton", installer.WithoutImportCheck()) {
		return st
	}
	report := tr.Stage(70, 100)
	report.SendProgress(0)

	report.SendStatus("Patching triton...")
	marker := filepath.Join(t.PackageDir(), PatchedMarker)
	_ = os.Remove(marker)
	res, err := ApplyPatches(t.PackageDir(), Patches())
	st.Patches = res
	for _, r := range res {
		log.Info().Str("patch", r.Name).Bool("matched", r.Matched).Bool("changed", r.Changed).Msg("triton patch")
		if !r.Matched {
			report.SendLog(fmt.Sprintf("WARNING: triton patch %s did not match %s", r.Name, r.Path))
		}
	}
	if err == nil {
		err = fsutil.WriteFileAtomic(marker, []byte(Spec+"\n"), 0o644)
	}
	if err != nil {
		report.SendLog("ERROR: " + err.Error())
		log.Error().Err(err).Msg("triton patch failed; removing the package")
		t.cfg.Installer.WithCallbacks(installer.Callbacks{Log: report.Log}).UninstallPackages(ctx, []string{DistName}, "Removing unpatched triton")
		_ = os.Remove(marker)
		return st
	}
	st.Installed = true
	report.SendProgress(20)

	missing, checked := t.checkWithRetry(ctx, report)
	st.ChecksPerformed = checked
	st.MissingDeps = missing
	report.SendProgress(50)

	if !checked || len(missing) > 0 {
		st.KernelInitSkipped = true
	} else {
		report.SendStatus("Compiling test kernel...")
		if err := t.Warmup(ctx); err != nil {
			st.KernelInitSkipped = true
			report.SendLog("WARNING: triton kernel init failed: " + err.Error())
			log.Warn().Err(err).Msg("triton warmup failed")
		}
	}
	for _, w := range st.Warnings() {
		report.SendLog("WARNING: " + w)
	}
	log.Info().Bool("degraded", st.Degraded()).Strs("missing", st.MissingDeps).Msg("triton install done")
	tr.Done()
	return st
}

// checkWithRetry probes dependencies, looping through the retry dialog on
// DLL load failures. checked is false when the user closed the dialog, the
// retry budget ran out or the probe itself failed.
func (t *Toolchain) checkWithRetry(ctx context.Context, cb installer.Callbacks) (missing []string, checked bool) {
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		cb.SendStatus("Checking CUDA, Windows SDK and MSVC...")
		deps, err := t.CheckDeps(ctx)
		if err == nil {
			return deps.Missing(), true
		}
		if !errors.Is(err, ErrDLLLoad) {
			t.cfg.Logger.Warn().Err(err).Msg("triton dependency probe failed")
			cb.SendLog("WARNING: triton dependency probe failed: " + err.Error())
			return nil, false
		}
		t.cfg.Logger.Warn().Int("attempt", attempt).Msg("triton dll load failed")
		cb.SendLog("ERROR: " + DLLSignature + " (install the Visual C++ redistributable)")
		if t.cfg.Prompt == nil || !t.cfg.Prompt.RetryVCRedist(attempt) {
			return nil, false
		}
	}
	return nil, false
}

// Deps reports which toolchain pieces triton can see.
type Deps struct {
	CUDA   bool `json:"cuda"`
	WinSDK bool `json:"winsdk"`
	MSVC   bool `json:"msvc"`
}

// Missing names the absent pieces.
func (d Deps) Missing() []string {
	var m []string
	if !d.CUDA {
		m = append(m, "CUDA")
	}
	if !d.WinSDK {
		m = append(m, "Windows SDK")
	}
	if !d.MSVC {
		m = append(m, "MSVC")
	}
	return m
}

var probes = []struct {
	name string
	code string
}{
	{"cuda", "import triton.windows_utils as w; r = w.find_cuda(); print('RESULT', bool(r and r[0]))"},
	{"winsdk", "import triton.windows_utils as w; r = w.find_winsdk(False); print('RESULT', bool(r and r[0]))"},
	{"msvc", "import triton.windows_utils as w; r = w.find_msvc(False); print('RESULT', bool(r and r[0]))"},
}

// CheckDeps runs the three probes concurrently in the child interpreter.
func (t *Toolchain) CheckDeps(ctx context.Context) (Deps, error) {
	if t.cfg.Flags.TritonDLLError {
		return Deps{}, fmt.Errorf("simulated: %w", ErrDLLLoad)
	}
	found := make([]bool, len(probes))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range probes {
		i, p := i, p
		g.Go(func() error {
			out, err := t.cfg.Installer.Probe(gctx, p.code)
			if strings.Contains(out, DLLSignature) {
				return fmt.Errorf("probe %s: %w", p.name, ErrDLLLoad)
			}
			if err != nil {
				return fmt.Errorf("probe %s: %w", p.name, err)
			}
			found[i] = strings.Contains(out, "RESULT True")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Deps{}, err
	}
	return Deps{CUDA: found[0], WinSDK: found[1], MSVC: found[2]}, nil
}

const warmupScript = `import os, wave
import torch, triton, triton.language as tl

@triton.jit
def _add(x_ptr, y_ptr, out_ptr, n, BLOCK: tl.constexpr):
    pid = tl.program_id(0)
    offs = pid * BLOCK + tl.arange(0, BLOCK)
    mask = offs < n
    tl.store(out_ptr + offs, tl.load(x_ptr + offs, mask=mask) + tl.load(y_ptr + offs, mask=mask), mask=mask)

x = torch.rand(1024, device="cuda")
y = torch.rand(1024, device="cuda")
out = torch.empty_like(x)
_add[(4,)](x, y, out, 1024, BLOCK=256)
torch.cuda.synchronize()
assert torch.allclose(out, x + y)
path = %s
os.makedirs(os.path.dirname(path), exist_ok=True)
with wave.open(path, "wb") as w:
    w.setnchannels(1)
    w.setsampwidth(2)
    w.setframerate(16000)
    w.writeframes(b"\x00\x00" * 1600)
print("RESULT ok")
`

// MarkerPath is the file the warm-up script writes on success.
func (t *Toolchain) MarkerPath() string { return filepath.Join(t.cfg.TempDir, markerName) }

// Warmup compiles and runs a tiny kernel in the child interpreter and checks
// the marker file it leaves behind.
func (t *Toolchain) Warmup(ctx context.Context) error {
	marker := t.MarkerPath()
	_ = os.Remove(marker)
	lit, err := json.Marshal(marker)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.WarmupTimeout)
	defer cancel()
	out, err := t.cfg.Installer.Probe(ctx, fmt.Sprintf(warmupScript, lit))
	if err != nil {
		return fmt.Errorf("triton warmup: %w: %s", err, lastLine(out))
	}
	if !fsutil.NonEmptyFile(marker) {
		return fmt.Errorf("triton warmup: marker %s not written", marker)
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
