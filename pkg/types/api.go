package types

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// Catalog entries finalized for the detected GPU.
	Models []VoiceModel `json:"models"`
}

// CharactersResponse is returned by GET /characters.
type CharactersResponse struct {
	Characters []Character `json:"characters"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// VoiceoverRequest asks for speech synthesis with the selected model.
type VoiceoverRequest struct {
	// Text to speak.
	// example: Привет! Как дела?
	Text string `json:"text" example:"Привет! Как дела?"`
	// Character short name; empty selects the default voice.
	// example: Mila
	Character string `json:"character,omitempty" example:"Mila"`
	// Optional pitch override in semitones for this character.
	// example: 2
	Pitch *int `json:"pitch,omitempty" example:"2"`
	// Optional model id; empty uses the selected model.
	// example: low
	Model string `json:"model,omitempty" example:"low"`
	// Deliver to the game bridge instead of returning the path only.
	// example: true
	ToGame bool `json:"to_game,omitempty" example:"true"`
}

// VoiceoverResponse carries the finished stereo WAV path.
type VoiceoverResponse struct {
	// Absolute path of the generated file.
	// example: /opt/mita/temp/voiceover_1a2b3c4d.wav
	Path string `json:"path" example:"/opt/mita/temp/voiceover_1a2b3c4d.wav"`
	// Model that produced it.
	// example: low
	Model string `json:"model" example:"low"`
	// Synthesis time in milliseconds.
	// example: 850
	DurationMS int64 `json:"duration_ms" example:"850"`
}

// InitializeRequest controls POST /models/{id}/initialize.
type InitializeRequest struct {
	// Run a warm-up synthesis before reporting success.
	// example: true
	Warmup bool `json:"warmup" example:"true"`
}

// OpResponse is returned by endpoints that start background work.
type OpResponse struct {
	// Operation id to correlate with events and /status.
	// example: 9f0c1b2e-7c55-4c1f-9a57-0d0e7a1c1f00
	OpID string `json:"op_id" example:"9f0c1b2e-7c55-4c1f-9a57-0d0e7a1c1f00"`
	// Model the operation acts on.
	// example: medium
	Model string `json:"model" example:"medium"`
}

// LanguageRequest changes the voice language.
type LanguageRequest struct {
	// example: en
	Language string `json:"language" example:"en"`
}

// SoundResponse is the game bridge polling payload.
type SoundResponse struct {
	// Path of the next file to play, empty when none is pending.
	Path string `json:"path"`
}

// OrphansResponse lists distributions no installed model needs.
type OrphansResponse struct {
	// example: ["omegaconf","hydra-core"]
	Orphans []string `json:"orphans"`
	// Whether they were uninstalled.
	Removed bool `json:"removed"`
}

// ModelStatus summarizes one model for /status.
type ModelStatus struct {
	// example: low
	ModelID string `json:"model_id" example:"low"`
	// example: true
	Installed bool `json:"installed" example:"true"`
	// example: true
	Initialized bool `json:"initialized" example:"true"`
	// Whether the detected GPU supports it.
	// example: true
	Supported bool `json:"supported" example:"true"`
	// Voiceover requests waiting for the backend.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Requests being synthesized (0 or 1).
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Overall state (ready, loading, error).
	// example: ready
	State string `json:"state" example:"ready"`
	// Model currently initialized, if any.
	// example: low+
	ActiveModel string `json:"active_model,omitempty" example:"low+"`
	// Model selected for voiceover.
	// example: low+
	SelectedModel string `json:"selected_model,omitempty" example:"low+"`
	// example: ru
	Language string `json:"language" example:"ru"`
	// example: Mila
	Character string `json:"character" example:"Mila"`
	// Committed FishSpeech compile mode: "", "compiled" or "eager".
	// example: eager
	CompileMode string `json:"compile_mode,omitempty" example:"eager"`
	// Model being installed, if any.
	// example: medium
	Installing string `json:"installing,omitempty" example:"medium"`
	// Detected GPU.
	// example: NVIDIA GeForce RTX 4070
	GPU string `json:"gpu" example:"NVIDIA GeForce RTX 4070"`
	// Per-model flags.
	Models []ModelStatus `json:"models"`
	// Last error observed by the manager (if any).
	LastError string `json:"last_error,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Total successful installs.
	// example: 2
	InstallsTotal uint64 `json:"installs_total" example:"2"`
	// Total voiceovers produced.
	// example: 40
	VoiceoversTotal uint64 `json:"voiceovers_total" example:"40"`
}
