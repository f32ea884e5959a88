// Package worker runs model engines inside a long-lived child interpreter
// and talks to it with one JSON object per line over stdin/stdout.
package worker

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

//go:embed vso_worker.py
var script []byte

// ScriptName is the file the embedded worker is materialized as.
const ScriptName = "vso_worker.py"

// ErrClosed is returned by calls on a closed or crashed worker.
var ErrClosed = errors.New("worker closed")

// Request is one line sent to the worker.
type Request struct {
	ID     string         `json:"id"`
	Op     string         `json:"op"`
	Engine string         `json:"engine,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
}

// Response is one line read back.
type Response struct {
	ID     string         `json:"id"`
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Result map[string]any `json:"result,omitempty"`
}

// Session is a handle to a running worker. Calls are serialized.
type Session interface {
	Call(ctx context.Context, op, engine string, args map[string]any) (map[string]any, error)
	Close() error
}

// SessionFunc adapts a function to Session; Close is a no-op.
type SessionFunc func(ctx context.Context, op, engine string, args map[string]any) (map[string]any, error)

func (f SessionFunc) Call(ctx context.Context, op, engine string, args map[string]any) (map[string]any, error) {
	return f(ctx, op, engine, args)
}

func (f SessionFunc) Close() error { return nil }

// Spawner starts named worker sessions.
type Spawner interface {
	Spawn(ctx context.Context, name string) (Session, error)
}

// Config configures a ProcessSpawner.
type Config struct {
	Python  string
	WorkDir string
	// Env is added to the parent environment (PYTHONPATH and friends).
	Env map[string]string
	// ScriptDir receives the materialized worker script; defaults to WorkDir.
	ScriptDir string
	// Argv replaces the default "python -u <script>" command line.
	Argv []string
	// StartTimeout bounds the initial ping.
	StartTimeout time.Duration
	Logger       zerolog.Logger
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(ctx context.Context, name string) (Session, error)

func (f SpawnerFunc) Spawn(ctx context.Context, name string) (Session, error) { return f(ctx, name) }

// ProcessSpawner starts workers as child processes of cfg.Python.
type ProcessSpawner struct {
	cfg Config
}

func NewProcessSpawner(cfg Config) *ProcessSpawner {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 2 * time.Minute
	}
	if cfg.ScriptDir == "" {
		cfg.ScriptDir = cfg.WorkDir
	}
	return &ProcessSpawner{cfg: cfg}
}

// MaterializeScript writes the embedded worker into dir if it differs.
func MaterializeScript(dir string) (string, error) {
	p := filepath.Join(dir, ScriptName)
	if cur, err := os.ReadFile(p); err == nil && bytes.Equal(cur, script) {
		return p, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(p, script, 0o644); err != nil {
		return "", fmt.Errorf("write worker script: %w", err)
	}
	return p, nil
}

func (s *ProcessSpawner) Spawn(ctx context.Context, name string) (Session, error) {
	path, err := MaterializeScript(s.cfg.ScriptDir)
	if err != nil {
		return nil, err
	}
	argv := s.cfg.Argv
	if len(argv) == 0 {
		argv = []string{s.cfg.Python, "-u", path}
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = os.Environ()
	for k, v := range s.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	hideWindow(cmd)
	tail := &tailBuffer{max: 4096}
	cmd.Stderr = io.MultiWriter(tail, &logWriter{log: s.cfg.Logger, name: name})
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", name, err)
	}
	p := &Process{
		name:   name,
		cmd:    cmd,
		stdin:  stdin,
		tail:   tail,
		resps:  make(chan Response, 1),
		exited: make(chan struct{}),
		log:    s.cfg.Logger,
	}
	go p.readLoop(stdout)
	go func() {
		err := cmd.Wait()
		p.waitErr = err
		close(p.exited)
	}()
	s.cfg.Logger.Info().Str("worker", name).Int("pid", cmd.Process.Pid).Msg("worker started")

	pctx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()
	if _, err := p.Call(pctx, "ping", "", nil); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("worker %s failed to start: %w", name, err)
	}
	return p, nil
}

// Process is a Session backed by a child process.
type Process struct {
	name  string
	cmd   *exec.Cmd
	stdin io.WriteCloser
	tail  *tailBuffer
	log   zerolog.Logger

	mu      sync.Mutex
	closed  bool
	seq     atomic.Uint64
	resps   chan Response
	exited  chan struct{}
	waitErr error
}

func (p *Process) readLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] != '{' {
			// stray prints from libraries
			if len(line) > 0 {
				p.log.Debug().Str("worker", p.name).Str("stdout", string(line)).Msg("worker output")
			}
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			p.log.Warn().Str("worker", p.name).Err(err).Msg("undecodable worker line")
			continue
		}
		select {
		case p.resps <- resp:
		case <-p.exited:
			return
		}
	}
}

// Call sends a request and waits for its response. A cancelled call leaves
// the worker in an unknown state, so the worker is closed.
func (p *Process) Call(ctx context.Context, op, engine string, args map[string]any) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	req := Request{ID: fmt.Sprintf("%s-%d", p.name, p.seq.Add(1)), Op: op, Engine: engine, Args: args}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	b = append(b, '\n')
	if _, err := p.stdin.Write(b); err != nil {
		return nil, p.exitError(err)
	}
	for {
		select {
		case resp := <-p.resps:
			if resp.ID != req.ID {
				p.log.Warn().Str("worker", p.name).Str("got", resp.ID).Str("want", req.ID).Msg("dropping stale worker response")
				continue
			}
			if !resp.OK {
				msg := strings.TrimSpace(resp.Error)
				if msg == "" {
					msg = "unknown worker error"
				}
				return nil, fmt.Errorf("%s %s: %s", op, engine, msg)
			}
			if resp.Result == nil {
				resp.Result = map[string]any{}
			}
			return resp.Result, nil
		case <-p.exited:
			return nil, p.exitError(nil)
		case <-ctx.Done():
			p.closed = true
			p.shutdown()
			return nil, ctx.Err()
		}
	}
}

func (p *Process) exitError(err error) error {
	msg := strings.TrimSpace(p.tail.String())
	if msg == "" && err != nil {
		msg = err.Error()
	}
	if msg == "" {
		msg = "exited"
	}
	return fmt.Errorf("%w: %s: %s", ErrClosed, p.name, msg)
}

// Close asks the worker to exit, then interrupts and finally kills it.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.shutdown()
	return nil
}

func (p *Process) shutdown() {
	_ = p.stdin.Close()
	select {
	case <-p.exited:
		p.log.Info().Str("worker", p.name).Msg("worker stopped")
		return
	case <-time.After(1200 * time.Millisecond):
	}
	_ = interrupt(p.cmd.Process)
	select {
	case <-p.exited:
	case <-time.After(2 * time.Second):
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	p.log.Info().Str("worker", p.name).Msg("worker stopped")
}

// tailBuffer keeps the last max bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	t.mu.Unlock()
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// logWriter forwards worker stderr lines to the logger at debug level.
type logWriter struct {
	log  zerolog.Logger
	name string
}

func (w *logWriter) Write(b []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(b), "\r\n"), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			w.log.Debug().Str("worker", w.name).Msg(line)
		}
	}
	return len(b), nil
}
