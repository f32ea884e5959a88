package installer

import (
	"context"
	"strings"
	"sync"
)

type probeCache struct {
	mu sync.Mutex
	ok map[string]bool
}

func newProbeCache() *probeCache { return &probeCache{ok: make(map[string]bool)} }

// IsImportable reports whether `import module` succeeds in the embedded
// interpreter with LibDir on PYTHONPATH. Results are cached until
// InvalidateCaches.
func (i *Installer) IsImportable(ctx context.Context, module string) bool {
	if module == "" {
		return false
	}
	i.probes.mu.Lock()
	v, ok := i.probes.ok[module]
	i.probes.mu.Unlock()
	if ok {
		return v
	}
	_, err := i.Probe(ctx, "import "+module)
	v = err == nil
	if ctx.Err() != nil {
		return v
	}
	i.probes.mu.Lock()
	i.probes.ok[module] = v
	i.probes.mu.Unlock()
	return v
}

// Probe runs `python -c code` and returns its combined output.
func (i *Installer) Probe(ctx context.Context, code string) (string, error) {
	var b strings.Builder
	err := i.cfg.Runner.Run(ctx, Cmd{Path: i.cfg.Python, Args: []string{"-c", code}, Env: i.PythonEnv()}, func(line string) {
		b.WriteString(line)
		b.WriteByte('\n')
	})
	return b.String(), err
}

// InvalidateCaches drops cached import probe results. Call after any change
// to LibDir.
func (i *Installer) InvalidateCaches() {
	i.probes.mu.Lock()
	i.probes.ok = make(map[string]bool)
	i.probes.mu.Unlock()
}
