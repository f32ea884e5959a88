package httpapi

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"":      LevelOff,
		"off":   LevelOff,
		"error": LevelError,
		"info":  LevelInfo,
		"debug": LevelDebug,
		"weird": LevelInfo, // default
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestLogLevel_Overrides(t *testing.T) {
	r := httptest.NewRequest("GET", "/x?log=debug", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("query override failed: %v", got)
	}
	r = httptest.NewRequest("GET", "/x?log=1", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("shorthand query override failed: %v", got)
	}
	r = httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Log-Level", "error")
	if got := requestLogLevel(r); got != LevelError {
		t.Fatalf("header override failed: %v", got)
	}
}

func TestLogEnd_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	prev := zlog
	SetLogger(zerolog.New(&buf))
	defer SetLogger(prev)

	r := httptest.NewRequest("POST", "/voiceover?log=error", nil)
	logEnd(r, "voiceover", 200, time.Now(), nil)
	if buf.Len() != 0 {
		t.Fatalf("success should not log at error level: %q", buf.String())
	}
	logEnd(r, "voiceover", 500, time.Now(), errors.New("synth failed"))
	if !strings.Contains(buf.String(), "synth failed") || !strings.Contains(buf.String(), `"status":500`) {
		t.Fatalf("missing error line: %q", buf.String())
	}

	buf.Reset()
	r = httptest.NewRequest("POST", "/voiceover?log=info", nil)
	logEnd(r, "voiceover", 200, time.Now(), nil)
	if !strings.Contains(buf.String(), "voiceover end") {
		t.Fatalf("missing info line: %q", buf.String())
	}
}
