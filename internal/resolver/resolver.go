// Package resolver reads the installed distributions in a pip --target
// directory and computes which of them are no longer needed.
package resolver

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"net/textproto"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"mitavoice/internal/gpu"
)

// DefaultProtected are distributions never reported as orphans.
var DefaultProtected = []string{"pip", "setuptools", "wheel", "torch", "torchaudio", "torchvision"}

// Accelerator runtimes installed next to the components on AMD hardware.
const (
	DistTorchDirectML = "torch-directml"
	DistONNXDirectML  = "onnxruntime-directml"
)

// VendorRuntime lists the accelerator runtime distributions the component
// installers put in place for vendor. They are needed for as long as any
// component is installed.
func VendorRuntime(vendor gpu.Vendor) []string {
	switch vendor {
	case gpu.AMD:
		return []string{DistTorchDirectML, DistONNXDirectML}
	case gpu.NVIDIA:
		return []string{"torch", "torchaudio", "onnxruntime-gpu"}
	default:
		return []string{"torch", "torchaudio", "onnxruntime"}
	}
}

// Distribution is one installed package as recorded by its metadata.
type Distribution struct {
	Name     string // canonical
	Version  string
	Requires []string // canonical names of unconditional dependencies
	Dir      string   // metadata directory
}

var canonRe = regexp.MustCompile(`[-_.]+`)

// Canonicalize normalizes a distribution name: lowercase with runs of
// '-', '_' and '.' collapsed to '-'.
func Canonicalize(name string) string {
	return canonRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// Scan reads every *.dist-info and *.egg-info entry in libDir. A missing
// directory yields an empty set.
func Scan(libDir string) (map[string]Distribution, error) {
	out := make(map[string]Distribution)
	entries, err := os.ReadDir(libDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		return nil, fmt.Errorf("read lib dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(libDir, e.Name())
		var d Distribution
		var err error
		switch {
		case strings.HasSuffix(e.Name(), ".dist-info"):
			d, err = readDistInfo(dir)
		case strings.HasSuffix(e.Name(), ".egg-info"):
			d, err = readEggInfo(dir)
		default:
			continue
		}
		if err != nil {
			// a broken record should not hide the rest
			continue
		}
		out[d.Name] = d
	}
	return out, nil
}

func readDistInfo(dir string) (Distribution, error) {
	h, err := readHeaders(filepath.Join(dir, "METADATA"))
	if err != nil {
		return Distribution{}, err
	}
	d := Distribution{Name: Canonicalize(h.Get("Name")), Version: h.Get("Version"), Dir: dir}
	if d.Name == "" {
		return Distribution{}, fmt.Errorf("%s: no Name", dir)
	}
	for _, r := range h.Values("Requires-Dist") {
		if name, ok := requirementName(r); ok {
			d.Requires = append(d.Requires, name)
		}
	}
	return d, nil
}

func readEggInfo(dir string) (Distribution, error) {
	h, err := readHeaders(filepath.Join(dir, "PKG-INFO"))
	if err != nil {
		return Distribution{}, err
	}
	d := Distribution{Name: Canonicalize(h.Get("Name")), Version: h.Get("Version"), Dir: dir}
	if d.Name == "" {
		return Distribution{}, fmt.Errorf("%s: no Name", dir)
	}
	f, err := os.Open(filepath.Join(dir, "requires.txt"))
	if err != nil {
		return d, nil
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "[") {
			// everything after the first section is an extra or marker group
			break
		}
		if name, ok := requirementName(line); ok {
			d.Requires = append(d.Requires, name)
		}
	}
	return d, nil
}

// readHeaders parses the RFC 822 style header block of a metadata file.
func readHeaders(path string) (textproto.MIMEHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := textproto.NewReader(bufio.NewReader(f))
	h, err := r.ReadMIMEHeader()
	if err != nil && len(h) == 0 {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return h, nil
}

var reqNameRe = regexp.MustCompile(`^\s*([A-Za-z0-9][A-Za-z0-9._-]*)`)

// requirementName extracts the distribution name from a requirement line.
// Requirements that only apply to an extra are skipped since extras are
// not installed unless requested.
func requirementName(req string) (string, bool) {
	req = strings.TrimSpace(req)
	if req == "" || strings.HasPrefix(req, "#") {
		return "", false
	}
	if i := strings.Index(req, ";"); i >= 0 {
		marker := req[i+1:]
		if strings.Contains(marker, "extra ==") || strings.Contains(marker, "extra==") {
			return "", false
		}
	}
	m := reqNameRe.FindStringSubmatch(req)
	if m == nil {
		return "", false
	}
	return Canonicalize(m[1]), true
}

// Closure returns the transitive dependency set of roots, roots included.
// Names not present in dists are kept in the result but not expanded.
func Closure(dists map[string]Distribution, roots []string) map[string]struct{} {
	seen := make(map[string]struct{})
	stack := make([]string, 0, len(roots))
	for _, r := range roots {
		stack = append(stack, Canonicalize(r))
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		for _, dep := range dists[n].Requires {
			if _, ok := seen[dep]; !ok {
				stack = append(stack, dep)
			}
		}
	}
	return seen
}

// Orphans is all − (closure(protected) ∪ closure(mains)), sorted. It has no
// side effects.
func Orphans(dists map[string]Distribution, protected, mains []string) []string {
	keep := Closure(dists, protected)
	for n := range Closure(dists, mains) {
		keep[n] = struct{}{}
	}
	var out []string
	for n := range dists {
		if _, ok := keep[n]; !ok {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// FindOrphans scans libDir and returns its orphaned distributions.
func FindOrphans(libDir string, protected, mains []string) ([]string, error) {
	dists, err := Scan(libDir)
	if err != nil {
		return nil, err
	}
	return Orphans(dists, protected, mains), nil
}
