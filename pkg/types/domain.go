package types

// VoiceModel describes one selectable voice model as listed by GET /models.
type VoiceModel struct {
	// Stable identifier of the model.
	// example: low+
	ID string `json:"id" example:"low+"`
	// Human-friendly name.
	// example: Silero + RVC
	Name string `json:"name" example:"Silero + RVC"`
	// Minimum and recommended VRAM in GB.
	// example: 3
	MinVRAMGB float64 `json:"min_vram_gb" example:"3"`
	// example: 4
	RecVRAMGB float64 `json:"rec_vram_gb" example:"4"`
	// Approximate download size in GB.
	// example: 3
	SizeGB float64 `json:"size_gb" example:"3"`
	// GPU vendors the model supports.
	// example: ["NVIDIA","AMD","OTHER"]
	Vendors []string `json:"gpu_vendors"`
	// Components the model needs in the library directory.
	// example: ["tts_with_rvc"]
	Components []string `json:"components"`
	// Whether the components are present.
	// example: true
	Installed bool `json:"installed" example:"true"`
	// Whether the model is loaded and warmed up.
	// example: false
	Initialized bool `json:"initialized" example:"false"`
	// Whether the detected GPU supports the model.
	// example: true
	Supported bool `json:"supported" example:"true"`
	// Why the GPU is unsupported, when it is not.
	CompatReason string `json:"compat_reason,omitempty"`
	// Effective settings of the model.
	Params map[string]any `json:"params,omitempty"`
}

// Character is a voice found in the models directory.
type Character struct {
	// Short name used to select asset files.
	// example: Mila
	Short string `json:"short" example:"Mila"`
	// Which asset kinds are present (weights, index, reference_audio, reference_text).
	// example: ["weights","index","reference_audio"]
	Assets []string `json:"assets"`
}
