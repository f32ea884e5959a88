package installer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// Cmd describes a child process invocation.
type Cmd struct {
	Path string
	Args []string
	Env  map[string]string
	Dir  string
}

func (c Cmd) String() string { return fmt.Sprintf("%s %v", c.Path, c.Args) }

// Runner executes a child process and streams each output line (stdout and
// stderr interleaved) to onLine. A non-zero exit is reported as an error.
type Runner interface {
	Run(ctx context.Context, c Cmd, onLine func(string)) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, c Cmd, onLine func(string)) error

func (f RunnerFunc) Run(ctx context.Context, c Cmd, onLine func(string)) error {
	return f(ctx, c, onLine)
}

// ExecRunner runs commands with os/exec. On cancellation the child is sent a
// termination signal and killed if it is still alive after WaitDelay.
type ExecRunner struct {
	WaitDelay time.Duration
}

func (r ExecRunner) Run(ctx context.Context, c Cmd, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	cmd.Env = mergeEnv(os.Environ(), c.Env)
	hideWindow(cmd)
	cmd.Cancel = func() error { return terminate(cmd.Process) }
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}
	lw := &lineWriter{onLine: onLine}
	cmd.Stdout = lw
	cmd.Stderr = lw
	err := cmd.Run()
	lw.flush()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// mergeEnv overlays extra onto base; keys in extra win.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k := kv
		if i := strings.IndexByte(kv, '='); i > 0 {
			k = kv[:i]
		}
		if _, ok := extra[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// lineWriter splits a byte stream into lines on '\n' or '\r'. It is shared by
// stdout and stderr so onLine calls are serialized.
type lineWriter struct {
	mu     sync.Mutex
	buf    []byte
	onLine func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		line := string(bytes.TrimSpace(w.buf[:i]))
		w.buf = w.buf[i+1:]
		if line != "" && w.onLine != nil {
			w.onLine(line)
		}
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if line := string(bytes.TrimSpace(w.buf)); line != "" && w.onLine != nil {
		w.onLine(line)
	}
	w.buf = nil
}
