package backend

import "mitavoice/internal/catalog"

// RVC parameter namespaces per mode.
var rvcPrefix = map[string]string{
	"low":        "",
	"low+":       "silero_rvc_",
	"medium+low": "fsprvc_",
	"high+low":   "f5rvc_",
}

// RVCParams are the voice conversion knobs of one namespace.
type RVCParams struct {
	Device       string
	IsHalf       bool
	F0Method     string
	Pitch        int
	UseIndex     bool
	IndexRate    float64
	Protect      float64
	FilterRadius int
	RMSMixRate   float64
}

// ReadRVCParams reads the knobs stored under prefix. A character pitch
// replaces the setting.
func ReadRVCParams(p catalog.Params, prefix string, ch Character) RVCParams {
	r := RVCParams{
		Device:       p.Str(prefix+"device", "cpu"),
		IsHalf:       p.Bool(prefix+"is_half", false),
		F0Method:     p.Str(prefix+"f0method", "rmvpe"),
		Pitch:        p.Int(prefix+"pitch", 0),
		UseIndex:     p.Bool(prefix+"use_index_file", true),
		IndexRate:    p.Float(prefix+"index_rate", 0.75),
		Protect:      p.Float(prefix+"protect", 0.33),
		FilterRadius: p.Int(prefix+"filter_radius", 3),
		RMSMixRate:   p.Float(prefix+"rms_mix_rate", 0.5),
	}
	if ch.Pitch != nil {
		r.Pitch = *ch.Pitch
	}
	return r
}

func (r RVCParams) convertArgs(in, out string) map[string]any {
	return map[string]any{
		"in_path":        in,
		"out_path":       out,
		"pitch":          r.Pitch,
		"index_rate":     r.IndexRate,
		"protect":        r.Protect,
		"filter_radius":  r.FilterRadius,
		"rms_mix_rate":   r.RMSMixRate,
		"is_half":        r.IsHalf,
		"f0method":       r.F0Method,
		"use_index_file": r.UseIndex,
	}
}

// SileroModel returns the Silero model id for a voice language.
func SileroModel(lang string) string {
	if lang == "en" {
		return "v3_en"
	}
	return "v4_ru"
}

func warmupPhrase(lang string) string {
	if lang == "en" {
		return "Hello! I am ready."
	}
	return "Привет! Я готова."
}
