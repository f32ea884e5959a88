package catalog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"mitavoice/internal/common/fsutil"
	"mitavoice/internal/config"
	"mitavoice/internal/gpu"
)

const (
	settingsFile  = "voice_model_settings.json"
	installedFile = "installed_models.txt"
)

// ErrUnknownModel is returned for ids not in the catalog.
var ErrUnknownModel = errors.New("unknown voice model")

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	SettingsDir string
	GPU         gpu.Info
	Flags       config.Flags
	// Override replaces the built-in catalog when set (.yaml/.json/.toml).
	Override string
	// OnSave is called after Save with the installed ids and the catalog.
	OnSave func(installed []string, descs []Descriptor)
	Logger zerolog.Logger
}

// Controller owns the finalized catalog and the persisted parameter values.
type Controller struct {
	cfg ControllerConfig

	mu     sync.RWMutex
	descs  []Descriptor
	values map[string]map[string]any
}

// NewController loads the catalog, finalizes it for cfg.GPU and overlays
// the persisted values.
func NewController(cfg ControllerConfig) (*Controller, error) {
	c := &Controller{cfg: cfg}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload rebuilds the catalog from defaults (or the override file) and disk.
func (c *Controller) Reload() error {
	base := Defaults()
	if c.cfg.Override != "" {
		var o struct {
			Models []Descriptor `json:"models" yaml:"models" toml:"models"`
		}
		if err := config.LoadFile(c.cfg.Override, &o); err != nil {
			return fmt.Errorf("catalog override: %w", err)
		}
		if len(o.Models) == 0 {
			return fmt.Errorf("catalog override %s: no models", c.cfg.Override)
		}
		base = o.Models
	}
	descs := Finalize(base, c.cfg.GPU)
	values, err := c.readValues()
	if err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("ignoring unreadable voice model settings")
		values = map[string]map[string]any{}
	}
	c.mu.Lock()
	c.descs = descs
	c.values = values
	c.mu.Unlock()
	return nil
}

func (c *Controller) readValues() (map[string]map[string]any, error) {
	out := map[string]map[string]any{}
	b, err := os.ReadFile(filepath.Join(c.cfg.SettingsDir, settingsFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", settingsFile, err)
	}
	return out, nil
}

// Descriptors returns a deep copy of the finalized catalog.
func (c *Controller) Descriptors() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CloneAll(c.descs)
}

// Descriptor returns the finalized descriptor for id.
func (c *Controller) Descriptor(id string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.descs {
		if d.ID == id {
			return d.Clone(), true
		}
	}
	return Descriptor{}, false
}

// Params returns the effective settings of id: defaults overlaid with
// persisted values. Locked settings always take their default.
func (c *Controller) Params(id string) Params {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := Params{}
	var desc *Descriptor
	for i := range c.descs {
		if c.descs[i].ID == id {
			desc = &c.descs[i]
			break
		}
	}
	if desc == nil {
		return p
	}
	saved := c.values[id]
	for _, s := range desc.Settings {
		p[s.Key] = s.Default()
		if s.Locked {
			continue
		}
		if v, ok := saved[s.Key]; ok && validValue(s, v) == nil {
			p[s.Key] = v
		}
	}
	return p
}

// SetParam validates and stores one value in memory. Call Save to persist.
func (c *Controller) SetParam(id, key string, v any) error {
	d, ok := c.Descriptor(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	s, ok := d.Setting(key)
	if !ok {
		return fmt.Errorf("model %s has no setting %q", id, key)
	}
	if s.Locked {
		return fmt.Errorf("setting %s.%s is locked on this hardware", id, key)
	}
	if err := validValue(s, v); err != nil {
		return err
	}
	c.mu.Lock()
	if c.values[id] == nil {
		c.values[id] = map[string]any{}
	}
	c.values[id][key] = v
	c.mu.Unlock()
	return nil
}

func validValue(s Setting, v any) error {
	switch s.Widget {
	case Checkbutton:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("setting %s expects a boolean", s.Key)
		}
	case Combobox:
		vals := s.Values()
		if len(vals) > 0 && !contains(vals, fmt.Sprint(v)) {
			return fmt.Errorf("setting %s: %v is not one of %v", s.Key, v, vals)
		}
	}
	return nil
}

// Save merges values (invalid entries are rejected), then persists the
// parameters of installed models only together with the installed list.
func (c *Controller) Save(values map[string]map[string]any, installed []string) error {
	for id, kv := range values {
		for k, v := range kv {
			if err := c.SetParam(id, k, v); err != nil {
				return err
			}
		}
	}
	keep := map[string]map[string]any{}
	c.mu.RLock()
	for _, id := range installed {
		if kv, ok := c.values[id]; ok {
			cp := make(map[string]any, len(kv))
			for k, v := range kv {
				cp[k] = v
			}
			keep[id] = cp
		}
	}
	c.mu.RUnlock()
	b, err := json.MarshalIndent(keep, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(c.cfg.SettingsDir, settingsFile), b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", settingsFile, err)
	}
	if err := c.WriteInstalled(installed); err != nil {
		return err
	}
	c.cfg.Logger.Info().Strs("installed", installed).Msg("voice model settings saved")
	if c.cfg.OnSave != nil {
		c.cfg.OnSave(append([]string(nil), installed...), c.Descriptors())
	}
	return nil
}

// Installed reads the installed model list. A missing file is empty.
func (c *Controller) Installed() ([]string, error) {
	f, err := os.Open(filepath.Join(c.cfg.SettingsDir, installedFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if id := strings.TrimSpace(sc.Text()); id != "" && !contains(out, id) {
			out = append(out, id)
		}
	}
	return out, sc.Err()
}

// WriteInstalled replaces the installed model list.
func (c *Controller) WriteInstalled(ids []string) error {
	ids = append([]string(nil), ids...)
	sort.Strings(ids)
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(id)
		b.WriteByte('\n')
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(c.cfg.SettingsDir, installedFile), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", installedFile, err)
	}
	return nil
}

// MarkInstalled adds or removes id from the installed list.
func (c *Controller) MarkInstalled(id string, installed bool) error {
	ids, err := c.Installed()
	if err != nil {
		return err
	}
	var next []string
	for _, x := range ids {
		if x != id {
			next = append(next, x)
		}
	}
	if installed {
		next = append(next, id)
	}
	return c.WriteInstalled(next)
}

// Compatibility evaluates the hardware gate for id.
func (c *Controller) Compatibility(id string) (Compat, error) {
	d, ok := c.Descriptor(id)
	if !ok {
		return Compat{}, fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	return CheckCompat(d, c.cfg.GPU, c.cfg.Flags), nil
}

// GPU returns the hardware the catalog was finalized for.
func (c *Controller) GPU() gpu.Info { return c.cfg.GPU }
