package triton

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"mitavoice/internal/common/fsutil"
)

// Patch rewrites one file of the installed triton package.
type Patch struct {
	Name string
	// Rel is the path below the package directory.
	Rel string
	// Apply returns the new source and whether the target pattern was found.
	// Already patched sources report a match and come back unchanged.
	Apply func(src string) (string, bool)
}

// PatchResult is the outcome of one Patch.
type PatchResult struct {
	Name    string
	Path    string
	Matched bool
	Changed bool
}

var (
	ccLookupRe  = regexp.MustCompile(`(?m)^([ \t]*)cc\s*=\s*os\.environ\.get\(\s*["']CC["']\s*\)[ \t]*$`)
	fpicRe      = regexp.MustCompile(`,\s*["']-fPIC["']|["']-fPIC["']\s*,\s*`)
	importSubRe = regexp.MustCompile(`(?m)^import subprocess[ \t]*$`)
	checkOutRe  = regexp.MustCompile(`\bsubprocess\.check_output\(`)
	tmpNameRe   = regexp.MustCompile(`tmp\.pid_\{pid\}_\{rnd_id\}`)
)

const relativeCC = `cc = os.environ.get("CC") or os.path.join(os.path.dirname(os.path.abspath(__file__)), "tcc", "tcc.exe")`

const quietHelper = `import subprocess


def _quiet_check_output(*args, **kwargs):
    kwargs.setdefault("creationflags", 0x08000000)
    kwargs.setdefault("close_fds", True)
    kwargs.setdefault("stderr", subprocess.DEVNULL)
    return subprocess.check_output(*args, **kwargs)
`

func patchBuild(src string) (string, bool) {
	if strings.Contains(src, relativeCC) {
		return src, true
	}
	if !ccLookupRe.MatchString(src) {
		return src, false
	}
	out := ccLookupRe.ReplaceAllString(src, "${1}"+relativeCC)
	out = fpicRe.ReplaceAllString(out, "")
	return out, true
}

func patchQuietSubprocess(src string) (string, bool) {
	if strings.Contains(src, "_quiet_check_output") {
		return src, true
	}
	if !checkOutRe.MatchString(src) || !importSubRe.MatchString(src) {
		return src, false
	}
	out := checkOutRe.ReplaceAllString(src, "_quiet_check_output(")
	loc := importSubRe.FindStringIndex(out)
	out = out[:loc[0]] + quietHelper + out[loc[1]:]
	return out, true
}

func patchCache(src string) (string, bool) {
	if strings.Contains(src, "tmp.pid_{str(pid)[:5]}") {
		return src, true
	}
	if !tmpNameRe.MatchString(src) {
		return src, false
	}
	return tmpNameRe.ReplaceAllString(src, "tmp.pid_{str(pid)[:5]}_{str(rnd_id)[:5]}"), true
}

// Patches lists the rewrites applied after installing triton.
func Patches() []Patch {
	return []Patch{
		{Name: "build", Rel: filepath.Join("runtime", "build.py"), Apply: patchBuild},
		{Name: "windows_utils", Rel: "windows_utils.py", Apply: patchQuietSubprocess},
		{Name: "nvidia_compiler", Rel: filepath.Join("backends", "nvidia", "compiler.py"), Apply: patchQuietSubprocess},
		{Name: "cache", Rel: filepath.Join("runtime", "cache.py"), Apply: patchCache},
	}
}

// ApplyPatches runs every patch against pkgDir. A missing target file is an
// error; a file whose pattern is absent is reported with Matched false.
func ApplyPatches(pkgDir string, patches []Patch) ([]PatchResult, error) {
	res := make([]PatchResult, 0, len(patches))
	for _, p := range patches {
		path := filepath.Join(pkgDir, p.Rel)
		b, err := os.ReadFile(path)
		if err != nil {
			return res, fmt.Errorf("patch %s: %w", p.Name, err)
		}
		src := string(b)
		out, matched := p.Apply(src)
		r := PatchResult{Name: p.Name, Path: path, Matched: matched, Changed: out != src}
		if r.Changed {
			if err := fsutil.WriteFileAtomic(path, []byte(out), 0o644); err != nil {
				return res, fmt.Errorf("patch %s: %w", p.Name, err)
			}
		}
		res = append(res, r)
	}
	return res, nil
}
