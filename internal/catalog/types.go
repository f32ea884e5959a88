// Package catalog describes the selectable voice models, adapts their
// settings to the detected hardware and persists user choices.
package catalog

import (
	"fmt"
	"strconv"
	"strings"

	"mitavoice/internal/gpu"
)

// Widget is how a setting is edited in the UI.
type Widget string

const (
	Entry       Widget = "entry"
	Combobox    Widget = "combobox"
	Checkbutton Widget = "checkbutton"
)

// Setting is one tunable of a model. Options carries "default" and, for
// comboboxes, "values"; before Finalize it may also carry vendor variants
// such as "default_nvidia" or "values_amd".
type Setting struct {
	Key     string         `json:"key" yaml:"key" toml:"key"`
	Label   string         `json:"label" yaml:"label" toml:"label"`
	Widget  Widget         `json:"widget" yaml:"widget" toml:"widget"`
	Options map[string]any `json:"options" yaml:"options" toml:"options"`
	Locked  bool           `json:"locked,omitempty" yaml:"locked,omitempty" toml:"locked,omitempty"`
}

// Default returns Options["default"].
func (s Setting) Default() any { return s.Options["default"] }

// Values returns the combobox choices as strings.
func (s Setting) Values() []string {
	raw := toSlice(s.Options["values"])
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, fmt.Sprint(v))
	}
	return out
}

// Descriptor is the static description of a voice model.
type Descriptor struct {
	ID                string       `json:"id" yaml:"id" toml:"id"`
	Name              string       `json:"name" yaml:"name" toml:"name"`
	MinVRAMGB         float64      `json:"min_vram_gb" yaml:"min_vram_gb" toml:"min_vram_gb"`
	RecVRAMGB         float64      `json:"rec_vram_gb" yaml:"rec_vram_gb" toml:"rec_vram_gb"`
	SizeGB            float64      `json:"size_gb" yaml:"size_gb" toml:"size_gb"`
	Vendors           []gpu.Vendor `json:"gpu_vendor" yaml:"gpu_vendor" toml:"gpu_vendor"`
	RequiresRTX30Plus bool         `json:"rtx30plus,omitempty" yaml:"rtx30plus,omitempty" toml:"rtx30plus,omitempty"`
	Languages         []string     `json:"languages,omitempty" yaml:"languages,omitempty" toml:"languages,omitempty"`
	Components        []string     `json:"components" yaml:"components" toml:"components"`
	Settings          []Setting    `json:"settings" yaml:"settings" toml:"settings"`
}

// Setting looks up a setting by key.
func (d Descriptor) Setting(key string) (Setting, bool) {
	for _, s := range d.Settings {
		if s.Key == key {
			return s, true
		}
	}
	return Setting{}, false
}

// Clone returns a deep copy.
func (d Descriptor) Clone() Descriptor {
	cp := d
	cp.Vendors = append([]gpu.Vendor(nil), d.Vendors...)
	cp.Languages = append([]string(nil), d.Languages...)
	cp.Components = append([]string(nil), d.Components...)
	cp.Settings = make([]Setting, len(d.Settings))
	for i, s := range d.Settings {
		cp.Settings[i] = s
		cp.Settings[i].Options = cloneOptions(s.Options)
	}
	return cp
}

// CloneAll deep-copies a catalog.
func CloneAll(in []Descriptor) []Descriptor {
	out := make([]Descriptor, len(in))
	for i, d := range in {
		out[i] = d.Clone()
	}
	return out
}

func cloneOptions(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s := toSlice(v); s != nil {
			out[k] = append([]any(nil), s...)
			continue
		}
		out[k] = v
	}
	return out
}

func toSlice(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	}
	return nil
}

// Params are the effective values of a model's settings.
type Params map[string]any

func (p Params) Str(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	return fmt.Sprint(v)
}

func (p Params) Float(key string, def float64) float64 {
	switch x := p[key].(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f
		}
	}
	return def
}

func (p Params) Int(key string, def int) int {
	switch x := p[key].(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return int(f)
		}
	}
	return def
}

func (p Params) Bool(key string, def bool) bool {
	switch x := p[key].(type) {
	case bool:
		return x
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(x)); err == nil {
			return b
		}
	}
	return def
}
