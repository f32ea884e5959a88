package catalog

import (
	"fmt"
	"strings"

	"mitavoice/internal/gpu"
)

var vendorSuffixes = []string{"_nvidia", "_amd", "_other"}

func vendorSuffix(v gpu.Vendor) string {
	switch v {
	case gpu.NVIDIA:
		return "_nvidia"
	case gpu.AMD:
		return "_amd"
	}
	return "_other"
}

// Finalize adapts a catalog to the detected hardware and returns a new copy:
//
//   - vendor variants of "default" and "values" are collapsed for g.Vendor
//     and the remaining vendor keys dropped;
//   - on NVIDIA the detected CUDA ids are prefixed onto device choices;
//     without any CUDA device only cpu/mps remain;
//   - on cards with broken FP16 every *is_half setting is forced off and locked;
//   - a combobox default not among its values is replaced by the first value.
//
// Finalize(Finalize(x, g), g) equals Finalize(x, g).
func Finalize(in []Descriptor, g gpu.Info) []Descriptor {
	out := CloneAll(in)
	brokenHalf := g.Vendor == gpu.NVIDIA && gpu.BrokenFP16(g.Name)
	for di := range out {
		for si := range out[di].Settings {
			finalizeSetting(&out[di].Settings[si], g, brokenHalf)
		}
	}
	return out
}

func finalizeSetting(s *Setting, g gpu.Info, brokenHalf bool) {
	if s.Options == nil {
		s.Options = map[string]any{}
	}
	suffix := vendorSuffix(g.Vendor)
	if v, ok := s.Options["default"+suffix]; ok {
		s.Options["default"] = v
	}
	if v, ok := s.Options["values"+suffix]; ok {
		s.Options["values"] = v
	}
	for k := range s.Options {
		for _, vs := range vendorSuffixes {
			if strings.HasSuffix(k, vs) {
				delete(s.Options, k)
			}
		}
	}

	if isDeviceKey(s.Key) && s.Widget == Combobox {
		s.Options["values"] = toSlice(deviceValues(s.Values(), g))
	}

	if brokenHalf && strings.HasSuffix(s.Key, "is_half") {
		s.Options["default"] = false
		s.Locked = true
	}

	if s.Widget == Combobox {
		vals := s.Values()
		def := fmt.Sprint(s.Default())
		if len(vals) > 0 && (s.Default() == nil || !contains(vals, def)) {
			s.Options["default"] = vals[0]
		}
	}
}

func isDeviceKey(key string) bool { return strings.HasSuffix(key, "device") }

func deviceValues(vals []string, g gpu.Info) []string {
	if g.Vendor == gpu.NVIDIA && len(g.CUDADevices) > 0 {
		out := append([]string(nil), g.CUDADevices...)
		for _, v := range vals {
			if !contains(out, v) {
				out = append(out, v)
			}
		}
		return out
	}
	var out []string
	for _, v := range vals {
		if !strings.HasPrefix(v, "cuda") {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		out = []string{"cpu", "mps"}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
