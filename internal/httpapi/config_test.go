package httpapi

import (
	"testing"
	"time"
)

func TestSetMaxBodyBytes_DefaultOnNonPositive(t *testing.T) {
	prev := maxBodyBytes
	defer func() { maxBodyBytes = prev }()
	SetMaxBodyBytes(1024)
	if maxBodyBytes != 1024 {
		t.Fatalf("maxBodyBytes=%d", maxBodyBytes)
	}
	SetMaxBodyBytes(0)
	if maxBodyBytes != 64<<10 {
		t.Fatalf("expected default, got %d", maxBodyBytes)
	}
}

func TestSetVoiceoverTimeout_ClampsNegative(t *testing.T) {
	defer SetVoiceoverTimeout(0)
	SetVoiceoverTimeout(-time.Second)
	if voiceoverTimeout != 0 {
		t.Fatalf("voiceoverTimeout=%v", voiceoverTimeout)
	}
	SetVoiceoverTimeout(time.Minute)
	if voiceoverTimeout != time.Minute {
		t.Fatalf("voiceoverTimeout=%v", voiceoverTimeout)
	}
}

func TestSetCORSOptions_Copies(t *testing.T) {
	defer SetCORSOptions(false, nil, nil, nil)
	origins := []string{"http://a"}
	SetCORSOptions(true, origins, nil, nil)
	origins[0] = "http://b"
	if !corsEnabled || corsAllowedOrigins[0] != "http://a" {
		t.Fatalf("origins not copied: %v", corsAllowedOrigins)
	}
}
