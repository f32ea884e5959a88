package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

// TestHelperProcess is not a real test. It speaks the worker protocol when
// started by newTestSpawner.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("MITAVOICE_WANT_HELPER_PROCESS") != "1" {
		return
	}
	sc := bufio.NewScanner(os.Stdin)
	enc := json.NewEncoder(os.Stdout)
	fmt.Println("stray library banner")
	for sc.Scan() {
		var req Request
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			continue
		}
		switch req.Op {
		case "ping":
			_ = enc.Encode(Response{ID: req.ID, OK: true, Result: map[string]any{"python": "3.10"}})
		case "synth":
			path, _ := req.Args["out_path"].(string)
			_ = os.WriteFile(path, []byte("RIFF"), 0o644)
			_ = enc.Encode(Response{ID: req.ID, OK: true, Result: map[string]any{"path": path}})
		case "fail":
			_ = enc.Encode(Response{ID: req.ID, OK: false, Error: "CUDA out of memory"})
		case "hang":
			time.Sleep(time.Minute)
		case "crash":
			fmt.Fprintln(os.Stderr, "Traceback: fatal")
			os.Exit(3)
		}
	}
	os.Exit(0)
}

func newTestSpawner(t *testing.T) *ProcessSpawner {
	t.Helper()
	return NewProcessSpawner(Config{
		WorkDir:      t.TempDir(),
		Argv:         []string{os.Args[0], "-test.run=TestHelperProcess"},
		Env:          map[string]string{"MITAVOICE_WANT_HELPER_PROCESS": "1"},
		StartTimeout: 10 * time.Second,
	})
}

func TestProcessRoundTrip(t *testing.T) {
	s, err := newTestSpawner(t).Spawn(context.Background(), "rvc")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer s.Close()
	out := t.TempDir() + "/o.wav"
	res, err := s.Call(context.Background(), "synth", "silero", map[string]any{"out_path": out})
	if err != nil {
		t.Fatalf("synth: %v", err)
	}
	if res["path"] != out {
		t.Fatalf("result=%v", res)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("worker did not write output: %v", err)
	}
}

func TestProcessRemoteError(t *testing.T) {
	s, err := newTestSpawner(t).Spawn(context.Background(), "fish")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer s.Close()
	_, err = s.Call(context.Background(), "fail", "fish", nil)
	if err == nil || !strings.Contains(err.Error(), "CUDA out of memory") {
		t.Fatalf("expected remote error, got %v", err)
	}
	// the worker keeps serving after an error
	if _, err := s.Call(context.Background(), "ping", "", nil); err != nil {
		t.Fatalf("ping after error: %v", err)
	}
}

func TestProcessCrashReportsStderr(t *testing.T) {
	s, err := newTestSpawner(t).Spawn(context.Background(), "f5")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer s.Close()
	_, err = s.Call(context.Background(), "crash", "f5", nil)
	if !errors.Is(err, ErrClosed) || !strings.Contains(err.Error(), "Traceback") {
		t.Fatalf("expected closed error with stderr tail, got %v", err)
	}
}

func TestProcessCancelClosesWorker(t *testing.T) {
	s, err := newTestSpawner(t).Spawn(context.Background(), "rvc")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := s.Call(ctx, "hang", "", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if _, err := s.Call(context.Background(), "ping", "", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed worker, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMaterializeScript(t *testing.T) {
	d := t.TempDir()
	p, err := MaterializeScript(d)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	b, err := os.ReadFile(p)
	if err != nil || !strings.Contains(string(b), "def handle(req)") {
		t.Fatalf("unexpected script err=%v", err)
	}
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{max: 4}
	_, _ = tb.Write([]byte("abcdef"))
	if tb.String() != "cdef" {
		t.Fatalf("tail=%q", tb.String())
	}
}
