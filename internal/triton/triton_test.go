package triton

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"mitavoice/internal/config"
	"mitavoice/internal/installer"
)

const (
	buildPy = "import os\n\ndef _build(name, src, srcdir):\n    cc = os.environ.get(\"CC\")\n" +
		"    cc_cmd = [cc, src, \"-O3\", \"-shared\", \"-fPIC\", \"-o\", so]\n"
	windowsUtilsPy = "import os\nimport subprocess\n\ndef nvcc():\n    return subprocess.check_output([\"nvcc\", \"--version\"])\n"
	compilerPy     = "import subprocess\n\ndef ptxas_version(p):\n    return subprocess.check_output([p, \"--version\"]).decode()\n"
	cachePy        = "temp_dir = os.path.join(self.cache_dir, f\"tmp.pid_{pid}_{rnd_id}\")\n"
)

var pkgFiles = map[string]string{
	"__init__.py":                 "",
	"runtime/build.py":            buildPy,
	"windows_utils.py":            windowsUtilsPy,
	"backends/nvidia/compiler.py": compilerPy,
	"runtime/cache.py":            cachePy,
}

func writePkg(t *testing.T, dir string) {
	t.Helper()
	for rel, body := range pkgFiles {
		p := filepath.Join(dir, "triton", filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

type fakePython struct {
	lib     string
	marker  string
	msvc    bool
	dllFail bool
	skipPkg bool
	// omit is a package file pip leaves out.
	omit string

	mu         sync.Mutex
	warmups    int
	uninstalls int
}

func (f *fakePython) Run(_ context.Context, c installer.Cmd, onLine func(string)) error {
	if len(c.Args) > 2 && c.Args[1] == "pip" && c.Args[2] == "uninstall" {
		f.mu.Lock()
		f.uninstalls++
		f.mu.Unlock()
		return os.RemoveAll(filepath.Join(f.lib, "triton"))
	}
	if len(c.Args) > 2 && c.Args[1] == "pip" {
		if !f.skipPkg {
			for rel, body := range pkgFiles {
				if rel == f.omit {
					continue
				}
				p := filepath.Join(f.lib, "triton", filepath.FromSlash(rel))
				_ = os.MkdirAll(filepath.Dir(p), 0o755)
				_ = os.WriteFile(p, []byte(body), 0o644)
			}
		}
		onLine("Successfully installed triton-windows-3.3.1")
		return nil
	}
	code := c.Args[len(c.Args)-1]
	if f.dllFail {
		onLine("ImportError: " + DLLSignature + ": The specified module could not be found.")
		return os.ErrInvalid
	}
	switch {
	case strings.Contains(code, "find_msvc"):
		if f.msvc {
			onLine("RESULT True")
		} else {
			onLine("RESULT False")
		}
	case strings.Contains(code, "find_"):
		onLine("RESULT True")
	case strings.Contains(code, "triton.jit"):
		f.mu.Lock()
		f.warmups++
		f.mu.Unlock()
		_ = os.MkdirAll(filepath.Dir(f.marker), 0o755)
		_ = os.WriteFile(f.marker, []byte("RIFF"), 0o644)
		onLine("RESULT ok")
	}
	return nil
}

type prompt struct {
	answers []bool
	calls   []int
}

func (p *prompt) RetryVCRedist(attempt int) bool {
	p.calls = append(p.calls, attempt)
	if len(p.answers) == 0 {
		return false
	}
	a := p.answers[0]
	p.answers = p.answers[1:]
	return a
}

func newToolchain(t *testing.T, fp *fakePython, flags config.Flags, pr RetryPrompt) *Toolchain {
	t.Helper()
	root := t.TempDir()
	fp.lib = filepath.Join(root, "Lib")
	tmp := filepath.Join(root, "temp")
	fp.marker = filepath.Join(tmp, markerName)
	inst := installer.New(installer.Config{Python: "python", LibDir: fp.lib, Runner: fp}, installer.Callbacks{})
	return New(Config{Installer: inst, TempDir: tmp, Flags: flags, Prompt: pr})
}

func TestInstallHealthy(t *testing.T) {
	fp := &fakePython{msvc: true}
	tc := newToolchain(t, fp, config.Flags{}, nil)
	var progress []int
	st := tc.Install(context.Background(), installer.Callbacks{Progress: func(p int) { progress = append(progress, p) }})
	if !st.Installed || !st.ChecksPerformed || st.KernelInitSkipped || st.Degraded() {
		t.Fatalf("unexpected status %+v", st)
	}
	if fp.warmups != 1 {
		t.Fatalf("warmups=%d", fp.warmups)
	}
	for _, r := range st.Patches {
		if !r.Matched || !r.Changed {
			t.Fatalf("patch %s matched=%v changed=%v", r.Name, r.Matched, r.Changed)
		}
	}
	b, _ := os.ReadFile(filepath.Join(tc.PackageDir(), "runtime", "build.py"))
	if strings.Contains(string(b), "-fPIC") || !strings.Contains(string(b), relativeCC) {
		t.Fatalf("build.py not patched:\n%s", b)
	}
	c, _ := os.ReadFile(filepath.Join(tc.PackageDir(), "runtime", "cache.py"))
	if !strings.Contains(string(c), "{str(pid)[:5]}_{str(rnd_id)[:5]}") {
		t.Fatalf("cache.py not patched:\n%s", c)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress not monotonic: %v", progress)
		}
	}
	if len(progress) == 0 || progress[len(progress)-1] != 100 {
		t.Fatalf("progress did not finish at 100: %v", progress)
	}
	if !tc.IsInstalled() {
		t.Fatalf("IsInstalled false after install")
	}
}

func TestInstallDLLErrorRetryThenClose(t *testing.T) {
	fp := &fakePython{msvc: true}
	pr := &prompt{answers: []bool{true, true, false}}
	tc := newToolchain(t, fp, config.Flags{TritonDLLError: true}, pr)
	st := tc.Install(context.Background(), installer.Callbacks{})
	if len(pr.calls) != 3 || pr.calls[2] != 3 {
		t.Fatalf("prompt calls=%v", pr.calls)
	}
	if !st.Installed || st.ChecksPerformed || !st.Degraded() || !st.KernelInitSkipped {
		t.Fatalf("unexpected status %+v", st)
	}
	if fp.warmups != 0 {
		t.Fatalf("warmup ran after closed dialog")
	}
}

func TestDLLSignatureFromProbeOutput(t *testing.T) {
	fp := &fakePython{msvc: true}
	tc := newToolchain(t, fp, config.Flags{}, nil)
	fp.dllFail = true
	_, err := tc.CheckDeps(context.Background())
	if err == nil || !strings.Contains(err.Error(), DLLSignature) {
		t.Fatalf("want dll error, got %v", err)
	}
}

func TestRetryBudget(t *testing.T) {
	answers := make([]bool, MaxRetries+10)
	for i := range answers {
		answers[i] = true
	}
	pr := &prompt{answers: answers}
	tc := newToolchain(t, &fakePython{}, config.Flags{TritonDLLError: true}, pr)
	if _, checked := tc.checkWithRetry(context.Background(), installer.Callbacks{}); checked {
		t.Fatalf("checked should be false")
	}
	if len(pr.calls) != MaxRetries {
		t.Fatalf("prompt called %d times", len(pr.calls))
	}
}

func TestInstallMissingDeps(t *testing.T) {
	fp := &fakePython{msvc: false}
	tc := newToolchain(t, fp, config.Flags{}, nil)
	var logs []string
	st := tc.Install(context.Background(), installer.Callbacks{Log: func(s string) { logs = append(logs, s) }})
	if !st.Installed || len(st.MissingDeps) != 1 || st.MissingDeps[0] != "MSVC" || !st.KernelInitSkipped {
		t.Fatalf("unexpected status %+v", st)
	}
	if !strings.Contains(strings.Join(logs, "\n"), "dependencies are missing: MSVC") {
		t.Fatalf("missing warning not logged: %v", logs)
	}
}

func TestInstallPatchTargetMissing(t *testing.T) {
	fp := &fakePython{skipPkg: true}
	tc := newToolchain(t, fp, config.Flags{}, nil)
	var progress []int
	st := tc.Install(context.Background(), installer.Callbacks{Progress: func(p int) { progress = append(progress, p) }})
	if st.Installed {
		t.Fatalf("install should fail without package files")
	}
	for _, p := range progress {
		if p == 100 {
			t.Fatalf("failed install reported 100")
		}
	}
}

func TestInstallUnpatchedPackageRolledBack(t *testing.T) {
	fp := &fakePython{msvc: true, omit: "runtime/cache.py"}
	tc := newToolchain(t, fp, config.Flags{}, nil)
	if st := tc.Install(context.Background(), installer.Callbacks{}); st.Installed {
		t.Fatalf("install should fail with a patch target missing: %+v", st)
	}
	if fp.uninstalls != 1 {
		t.Fatalf("unpatched package not removed, uninstalls=%d", fp.uninstalls)
	}
	if tc.IsInstalled() {
		t.Fatalf("IsInstalled true after a failed patch")
	}
	// a second attempt patches again instead of trusting the files on disk
	fp.omit = ""
	st := tc.Install(context.Background(), installer.Callbacks{})
	if !st.Installed || len(st.Patches) != len(Patches()) || !tc.IsInstalled() {
		t.Fatalf("retry status %+v installed=%v", st, tc.IsInstalled())
	}
}

func TestIsInstalledRequiresPatchedMarker(t *testing.T) {
	fp := &fakePython{}
	tc := newToolchain(t, fp, config.Flags{}, nil)
	writePkg(t, fp.lib)
	if tc.IsInstalled() {
		t.Fatalf("unpatched package reported installed")
	}
	if err := os.WriteFile(filepath.Join(tc.PackageDir(), PatchedMarker), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if !tc.IsInstalled() {
		t.Fatalf("patched package not reported installed")
	}
}

func TestPatchesIdempotent(t *testing.T) {
	dir := t.TempDir()
	writePkg(t, dir)
	pkg := filepath.Join(dir, "triton")
	if _, err := ApplyPatches(pkg, Patches()); err != nil {
		t.Fatal(err)
	}
	res, err := ApplyPatches(pkg, Patches())
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range res {
		if !r.Matched || r.Changed {
			t.Fatalf("second pass %s matched=%v changed=%v", r.Name, r.Matched, r.Changed)
		}
	}
	b, _ := os.ReadFile(filepath.Join(pkg, "windows_utils.py"))
	if strings.Count(string(b), "def _quiet_check_output") != 1 {
		t.Fatalf("helper duplicated:\n%s", b)
	}
}

func TestPatchUnmatchedReported(t *testing.T) {
	out, ok := patchCache("temp_dir = tempfile.mkdtemp()\n")
	if ok || out != "temp_dir = tempfile.mkdtemp()\n" {
		t.Fatalf("unexpected match")
	}
}
