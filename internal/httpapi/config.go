package httpapi

import "time"

// maxBodyBytes controls the maximum allowed request body size for JSON endpoints.
var maxBodyBytes int64 = 64 << 10

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 64 << 10
		return
	}
	maxBodyBytes = n
}

// voiceoverTimeout bounds a /voiceover request, cold initialize included.
// Zero means no additional timeout beyond server/connection timeouts.
var voiceoverTimeout time.Duration

// SetVoiceoverTimeout sets the voiceover timeout (0 disables).
func SetVoiceoverTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	voiceoverTimeout = d
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}
