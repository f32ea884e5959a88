package catalog

import "mitavoice/internal/gpu"

// Component keys shared with the backends.
const (
	ComponentRVC    = "tts_with_rvc"
	ComponentFish   = "fish_speech_lib"
	ComponentTriton = "triton"
	ComponentF5     = "f5_tts"
)

func entry(key, label string, def any) Setting {
	return Setting{Key: key, Label: label, Widget: Entry, Options: map[string]any{"default": def}}
}

func check(key, label string, def bool) Setting {
	return Setting{Key: key, Label: label, Widget: Checkbutton, Options: map[string]any{"default": def}}
}

func combo(key, label string, def string, values ...string) Setting {
	return Setting{Key: key, Label: label, Widget: Combobox, Options: map[string]any{"default": def, "values": toSlice(values)}}
}

// deviceSetting prefers CUDA on NVIDIA, DirectML on AMD and CPU elsewhere.
// Finalize prefixes the detected CUDA ids on NVIDIA.
func deviceSetting(key string) Setting {
	return Setting{Key: key, Label: "Device", Widget: Combobox, Options: map[string]any{
		"default_nvidia": "cuda:0",
		"values_nvidia":  []any{"cpu", "mps"},
		"default_amd":    "dml",
		"values_amd":     []any{"dml", "cpu"},
		"default_other":  "cpu",
		"values_other":   []any{"cpu", "mps"},
	}}
}

func halfSetting(key string) Setting {
	return Setting{Key: key, Label: "Half precision (FP16)", Widget: Checkbutton, Options: map[string]any{
		"default_nvidia": true,
		"default_amd":    false,
		"default_other":  false,
	}}
}

// rvcSettings are the voice conversion knobs, namespaced by prefix.
func rvcSettings(prefix string) []Setting {
	f0 := combo(prefix+"f0method", "Pitch extraction", "rmvpe", "pm", "harvest", "crepe", "rmvpe", "fcpe")
	f0.Options["default_amd"] = "pm"
	return []Setting{
		deviceSetting(prefix + "device"),
		halfSetting(prefix + "is_half"),
		f0,
		entry(prefix+"pitch", "Pitch shift (semitones)", 0),
		check(prefix+"use_index_file", "Use .index file", true),
		entry(prefix+"index_rate", "Index rate", 0.75),
		entry(prefix+"protect", "Protect voiceless consonants", 0.33),
		entry(prefix+"filter_radius", "Median filter radius", 3),
		entry(prefix+"rms_mix_rate", "Volume envelope mix", 0.5),
	}
}

func fishSettings() []Setting {
	return []Setting{
		deviceSetting("fsp_device"),
		halfSetting("fsp_is_half"),
		entry("fsp_temperature", "Temperature", 0.7),
		entry("fsp_top_p", "Top P", 0.7),
		entry("fsp_repetition_penalty", "Repetition penalty", 1.2),
		entry("fsp_chunk_length", "Chunk length", 200),
		entry("fsp_max_new_tokens", "Max new tokens", 1024),
		entry("fsp_seed", "Seed (0 = random)", 0),
	}
}

func f5Settings() []Setting {
	return []Setting{
		deviceSetting("f5_device"),
		entry("f5_speed", "Speed", 1.0),
		entry("f5_nfe_step", "NFE steps", 32),
		entry("f5_cfg_strength", "CFG strength", 2.0),
		entry("f5_sway_sampling_coef", "Sway sampling", -1.0),
		check("f5_remove_silence", "Remove silence", true),
		entry("f5_seed", "Seed (-1 = random)", -1),
	}
}

func concat(parts ...[]Setting) []Setting {
	var out []Setting
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

var allVendors = []gpu.Vendor{gpu.NVIDIA, gpu.AMD, gpu.Other}

// Defaults returns the built-in catalog. Each call returns fresh copies.
func Defaults() []Descriptor {
	return []Descriptor{
		{
			ID:         "low",
			Name:       "EdgeTTS + RVC",
			MinVRAMGB:  3,
			RecVRAMGB:  4,
			SizeGB:     3,
			Vendors:    allVendors,
			Languages:  []string{"ru", "en"},
			Components: []string{ComponentRVC},
			Settings: concat(
				[]Setting{entry("tts_rate", "Speech rate (%)", 0)},
				rvcSettings(""),
			),
		},
		{
			ID:         "low+",
			Name:       "Silero + RVC",
			MinVRAMGB:  3,
			RecVRAMGB:  4,
			SizeGB:     3,
			Vendors:    allVendors,
			Languages:  []string{"ru", "en"},
			Components: []string{ComponentRVC},
			Settings: concat(
				[]Setting{
					deviceSetting("silero_device"),
					combo("silero_sample_rate", "Sample rate", "48000", "8000", "24000", "48000"),
					check("silero_put_accent", "Auto accents", true),
					check("silero_put_yo", "Auto ё", true),
				},
				rvcSettings("silero_rvc_"),
			),
		},
		{
			ID:         "medium",
			Name:       "Fish Speech",
			MinVRAMGB:  4,
			RecVRAMGB:  6,
			SizeGB:     5,
			Vendors:    []gpu.Vendor{gpu.NVIDIA},
			Languages:  []string{"ru", "en"},
			Components: []string{ComponentFish},
			Settings:   fishSettings(),
		},
		{
			ID:                "medium+",
			Name:              "Fish Speech+ (compiled)",
			MinVRAMGB:         4,
			RecVRAMGB:         6,
			SizeGB:            10,
			Vendors:           []gpu.Vendor{gpu.NVIDIA},
			RequiresRTX30Plus: true,
			Languages:         []string{"ru", "en"},
			Components:        []string{ComponentFish, ComponentTriton},
			Settings:          fishSettings(),
		},
		{
			ID:                "medium+low",
			Name:              "Fish Speech+ + RVC",
			MinVRAMGB:         6,
			RecVRAMGB:         8,
			SizeGB:            13,
			Vendors:           []gpu.Vendor{gpu.NVIDIA},
			RequiresRTX30Plus: true,
			Languages:         []string{"ru", "en"},
			Components:        []string{ComponentFish, ComponentTriton, ComponentRVC},
			Settings:          concat(fishSettings(), rvcSettings("fsprvc_")),
		},
		{
			ID:         "high",
			Name:       "F5-TTS",
			MinVRAMGB:  4,
			RecVRAMGB:  8,
			SizeGB:     4,
			Vendors:    []gpu.Vendor{gpu.NVIDIA},
			Languages:  []string{"ru", "en"},
			Components: []string{ComponentF5},
			Settings:   f5Settings(),
		},
		{
			ID:         "high+low",
			Name:       "F5-TTS + RVC",
			MinVRAMGB:  6,
			RecVRAMGB:  10,
			SizeGB:     7,
			Vendors:    []gpu.Vendor{gpu.NVIDIA},
			Languages:  []string{"ru", "en"},
			Components: []string{ComponentF5, ComponentRVC},
			Settings:   concat(f5Settings(), rvcSettings("f5rvc_")),
		},
	}
}
