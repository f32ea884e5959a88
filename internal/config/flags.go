package config

import (
	"os"
	"strings"
)

// Flags are process-wide environment switches that alter hardware gating
// and fault injection. They are read once at startup.
type Flags struct {
	// AllowUnsupportedGPU lets the user confirm installs on hardware the
	// model does not list as supported.
	AllowUnsupportedGPU bool
	// RTXForceUnsupported makes every NVIDIA card fail the RTX 30xx/40xx check.
	RTXForceUnsupported bool
	// TestAsAMD reports the detected vendor as AMD.
	TestAsAMD bool
	// TritonDLLError makes the triton import probe fail with a DLL load error.
	TritonDLLError bool
}

// FlagsFromEnv reads Flags using getenv (os.Getenv when nil).
func FlagsFromEnv(getenv func(string) string) Flags {
	if getenv == nil {
		getenv = os.Getenv
	}
	return Flags{
		AllowUnsupportedGPU: envTrue(getenv("ALLOW_UNSUPPORTED_GPU")),
		RTXForceUnsupported: envTrue(getenv("RTX_FORCE_UNSUPPORTED")),
		TestAsAMD:           envTrue(getenv("TEST_AS_AMD")),
		TritonDLLError:      envTrue(getenv("TRITON_DLL_ERROR")),
	}
}

func envTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
