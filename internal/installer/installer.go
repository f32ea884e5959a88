package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrInstallInProgress is returned when a second install is attempted while
// one is already running.
var ErrInstallInProgress = errors.New("another install is in progress")

// Config configures an Installer.
type Config struct {
	// Python is the embedded interpreter used for pip and import probes.
	Python string
	// LibDir is the pip --target directory; it is put on PYTHONPATH.
	LibDir string
	// IndexURL is passed to pip as --index-url when set.
	IndexURL string
	Runner   Runner
	Logger   zerolog.Logger
}

// Installer installs and removes packages in LibDir using the embedded
// interpreter's pip, and answers "is this importable" questions.
type Installer struct {
	cfg    Config
	cb     Callbacks
	probes *probeCache
}

func New(cfg Config, cb Callbacks) *Installer {
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	return &Installer{cfg: cfg, cb: cb, probes: newProbeCache()}
}

// WithCallbacks returns an Installer reporting to cb. The probe cache is shared.
func (i *Installer) WithCallbacks(cb Callbacks) *Installer {
	cp := *i
	cp.cb = cb
	return &cp
}

func (i *Installer) Python() string { return i.cfg.Python }
func (i *Installer) LibDir() string { return i.cfg.LibDir }
func (i *Installer) Runner() Runner { return i.cfg.Runner }

// PythonEnv is the environment every child interpreter runs with.
func (i *Installer) PythonEnv() map[string]string {
	return map[string]string{
		"PYTHONPATH":                      i.cfg.LibDir,
		"PYTHONIOENCODING":                "utf-8",
		"PYTHONUTF8":                      "1",
		"PIP_DISABLE_PIP_VERSION_CHECK":   "1",
		"PIP_NO_INPUT":                    "1",
		"PYTORCH_ENABLE_MPS_FALLBACK":     "1",
		"TF_ENABLE_ONEDNN_OPTS":           "0",
		"PYTHONDONTWRITEBYTECODE":         "1",
		"HF_HUB_DISABLE_SYMLINKS_WARNING": "1",
	}
}

type installOptions struct {
	extra    []string
	module   string
	noImport bool
}

// Option customizes InstallPackage.
type Option func(*installOptions)

// WithExtraArgs appends raw pip arguments (e.g. --index-url, --no-deps).
func WithExtraArgs(args ...string) Option {
	return func(o *installOptions) { o.extra = append(o.extra, args...) }
}

// WithImport sets the module that must be importable after install.
func WithImport(module string) Option {
	return func(o *installOptions) { o.module = module }
}

// WithoutImportCheck skips the post-install import probe.
func WithoutImportCheck() Option {
	return func(o *installOptions) { o.noImport = true }
}

// InstallPackage runs pip install --target LibDir for specs. It reports
// success only when pip exits zero and the package imports afterwards.
// Progress is non-decreasing and reaches 100 exactly once, on success.
func (i *Installer) InstallPackage(ctx context.Context, specs []string, description string, opts ...Option) bool {
	var o installOptions
	for _, fn := range opts {
		fn(&o)
	}
	if len(specs) == 0 {
		i.cb.log("ERROR: nothing to install")
		return false
	}
	if o.module == "" {
		o.module = ImportName(specs[0])
	}
	tr := NewTracker(i.cb)
	cb := tr.Callbacks()
	cb.title(description)
	cb.status(fmt.Sprintf("Installing %s...", strings.Join(specs, " ")))
	cb.progress(1)

	if err := os.MkdirAll(i.cfg.LibDir, 0o755); err != nil {
		cb.log(fmt.Sprintf("ERROR: create %s: %v", i.cfg.LibDir, err))
		return false
	}
	args := []string{"-m", "pip", "install", "--target", i.cfg.LibDir, "--upgrade",
		"--no-warn-script-location", "--progress-bar", "off"}
	if i.cfg.IndexURL != "" && !hasFlag(o.extra, "--index-url") {
		args = append(args, "--index-url", i.cfg.IndexURL)
	}
	args = append(args, o.extra...)
	args = append(args, specs...)

	pp := &pipProgress{cb: cb}
	start := time.Now()
	i.cfg.Logger.Info().Strs("specs", specs).Msg("pip install start")
	err := i.cfg.Runner.Run(ctx, Cmd{Path: i.cfg.Python, Args: args, Env: i.PythonEnv()}, pp.line)
	// the package set changed (or may have) either way
	i.InvalidateCaches()
	if err != nil {
		if ctx.Err() != nil {
			cb.status("Installation cancelled")
			cb.log("Installation cancelled by user")
			i.cfg.Logger.Warn().Strs("specs", specs).Msg("pip install cancelled")
			return false
		}
		cb.status("Installation failed")
		cb.log(fmt.Sprintf("ERROR: pip install %s failed: %v", strings.Join(specs, " "), err))
		i.cfg.Logger.Error().Err(err).Strs("specs", specs).Dur("dur", time.Since(start)).Msg("pip install failed")
		return false
	}
	if !o.noImport {
		cb.status(fmt.Sprintf("Verifying %s...", o.module))
		if !i.IsImportable(ctx, o.module) {
			cb.status("Installation failed")
			cb.log(fmt.Sprintf("ERROR: %s installed but 'import %s' fails", specs[0], o.module))
			i.cfg.Logger.Error().Str("module", o.module).Msg("post-install import failed")
			return false
		}
	}
	cb.status("Installed " + strings.Join(specs, " "))
	i.cfg.Logger.Info().Strs("specs", specs).Dur("dur", time.Since(start)).Msg("pip install done")
	tr.Done()
	return true
}

// UninstallPackages removes distributions by name. Success means pip exited zero.
func (i *Installer) UninstallPackages(ctx context.Context, names []string, description string) bool {
	if len(names) == 0 {
		return true
	}
	tr := NewTracker(i.cb)
	cb := tr.Callbacks()
	cb.title(description)
	cb.status("Removing " + strings.Join(names, ", ") + "...")
	cb.progress(10)
	args := append([]string{"-m", "pip", "uninstall", "-y"}, names...)
	err := i.cfg.Runner.Run(ctx, Cmd{Path: i.cfg.Python, Args: args, Env: i.PythonEnv()}, func(line string) {
		cb.log(line)
		if strings.HasPrefix(line, "Successfully uninstalled") {
			cb.progress(80)
		}
	})
	i.InvalidateCaches()
	if err != nil {
		cb.status("Uninstall failed")
		cb.log(fmt.Sprintf("ERROR: pip uninstall %s failed: %v", strings.Join(names, " "), err))
		i.cfg.Logger.Error().Err(err).Strs("names", names).Msg("pip uninstall failed")
		return false
	}
	cb.status("Removed " + strings.Join(names, ", "))
	i.cfg.Logger.Info().Strs("names", names).Msg("pip uninstall done")
	tr.Done()
	return true
}

// pipProgress turns pip's output into coarse progress. It never reports 100;
// the caller does that once the package is verified.
type pipProgress struct {
	mu        sync.Mutex
	cb        Callbacks
	collected int
	p         int
}

func (pp *pipProgress) line(line string) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.cb.log(line)
	switch {
	case strings.HasPrefix(line, "Collecting "):
		pp.collected++
		pp.set(5 + min(pp.collected*3, 45))
		pp.cb.status(line)
	case strings.HasPrefix(line, "Downloading "):
		pp.set(min(pp.p+1, 70))
	case strings.HasPrefix(line, "Installing collected packages"):
		pp.set(80)
		pp.cb.status("Installing collected packages...")
	case strings.HasPrefix(line, "Successfully installed"):
		pp.set(95)
	}
}

func (pp *pipProgress) set(p int) {
	if p > pp.p {
		pp.p = p
		pp.cb.progress(p)
	}
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag || strings.HasPrefix(a, flag+"=") {
			return true
		}
	}
	return false
}

// ImportName guesses the importable module for a pip requirement:
// "f5-tts>=1.0" becomes "f5_tts".
func ImportName(spec string) string {
	s := strings.TrimSpace(spec)
	if i := strings.IndexAny(s, "[<>=!~; @"); i >= 0 {
		s = s[:i]
	}
	return strings.ReplaceAll(strings.ToLower(s), "-", "_")
}
