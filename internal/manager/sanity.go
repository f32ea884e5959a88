package manager

import (
	"os"
	"os/exec"
)

// SanityReport describes runtime checks for external dependencies.
type SanityReport struct {
	PythonFound bool   `json:"python_found"`
	PythonPath  string `json:"python_path,omitempty"`
	LibDir      string `json:"lib_dir,omitempty"`
	LibDirOK    bool   `json:"lib_dir_ok"`
	Error       string `json:"error,omitempty"`
}

// OK reports whether every check passed.
func (r SanityReport) OK() bool { return r.PythonFound && r.LibDirOK }

// SanityCheck validates that the embedded interpreter exists and the
// library directory is usable. It does not mutate state and is safe to
// call at any time.
func (m *Manager) SanityCheck() SanityReport {
	var r SanityReport
	if m.inst == nil {
		r.Error = "installer not configured"
		return r
	}
	bin := m.inst.Python()
	if p, err := exec.LookPath(bin); err == nil {
		r.PythonFound = true
		r.PythonPath = p
	} else {
		r.PythonPath = bin
		r.Error = err.Error()
	}
	r.LibDir = m.inst.LibDir()
	if err := os.MkdirAll(r.LibDir, 0o755); err != nil {
		if r.Error == "" {
			r.Error = err.Error()
		}
		return r
	}
	if fi, err := os.Stat(r.LibDir); err == nil && fi.IsDir() {
		r.LibDirOK = true
	} else if r.Error == "" {
		r.Error = "library path is not a directory"
	}
	return r
}
