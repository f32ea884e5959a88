// Package download fetches large model files over HTTP into place.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"mitavoice/internal/common/fsutil"
)

// ErrStalled is returned when no bytes arrive within the chunk timeout.
var ErrStalled = errors.New("download stalled")

// DefaultChunkTimeout bounds the wait for any single read.
const DefaultChunkTimeout = 30 * time.Second

// Progress receives byte counts and a human readable status line.
type Progress func(done, total int64, status string)

// Options configures File.
type Options struct {
	Client       *http.Client
	ChunkTimeout time.Duration
	OnProgress   Progress
	// ReportEvery throttles OnProgress; zero means 500ms.
	ReportEvery time.Duration
}

// File downloads url to dest through a temporary sibling and renames it into
// place. An existing non-empty dest is left untouched.
func File(ctx context.Context, url, dest string, opts Options) error {
	if fsutil.NonEmptyFile(dest) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	idle := opts.ChunkTimeout
	if idle <= 0 {
		idle = DefaultChunkTimeout
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	wd := newWatchdog(idle, func() { cancel(ErrStalled) })
	defer wd.stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return wrapCause(ctx, fmt.Errorf("download %s: %w", filepath.Base(dest), err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: bad status: %s", filepath.Base(dest), resp.Status)
	}

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	pr := &progressReader{
		r:      resp.Body,
		total:  resp.ContentLength,
		name:   filepath.Base(dest),
		fn:     opts.OnProgress,
		every:  opts.ReportEvery,
		onRead: wd.kick,
	}
	if pr.every <= 0 {
		pr.every = 500 * time.Millisecond
	}
	_, err = io.Copy(out, pr)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return wrapCause(ctx, fmt.Errorf("write %s: %w", filepath.Base(dest), err))
	}
	pr.report(true)
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func wrapCause(ctx context.Context, err error) error {
	if c := context.Cause(ctx); c != nil && errors.Is(c, ErrStalled) {
		return fmt.Errorf("%w: %v", ErrStalled, err)
	}
	return err
}

// watchdog fires once if not kicked within d.
type watchdog struct {
	mu sync.Mutex
	t  *time.Timer
	d  time.Duration
}

func newWatchdog(d time.Duration, fire func()) *watchdog {
	return &watchdog{t: time.AfterFunc(d, fire), d: d}
}

func (w *watchdog) kick() {
	w.mu.Lock()
	w.t.Reset(w.d)
	w.mu.Unlock()
}

func (w *watchdog) stop() {
	w.mu.Lock()
	w.t.Stop()
	w.mu.Unlock()
}

type progressReader struct {
	r      io.Reader
	total  int64
	done   int64
	name   string
	fn     Progress
	every  time.Duration
	last   time.Time
	onRead func()
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.done += int64(n)
		pr.onRead()
		pr.report(false)
	}
	return n, err
}

func (pr *progressReader) report(final bool) {
	if pr.fn == nil {
		return
	}
	now := time.Now()
	if !final && now.Sub(pr.last) < pr.every {
		return
	}
	pr.last = now
	status := fmt.Sprintf("Downloading %s: %s", pr.name, humanize.Bytes(uint64(pr.done)))
	if pr.total > 0 {
		status += " / " + humanize.Bytes(uint64(pr.total))
	}
	pr.fn(pr.done, pr.total, status)
}
