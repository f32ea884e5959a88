package installer

import "sync"

// Callbacks are the UI hooks an install reports through. Any field may be nil.
type Callbacks struct {
	Title    func(string)
	Status   func(string)
	Log      func(string)
	Progress func(int)
}

func (c Callbacks) title(s string) {
	if c.Title != nil {
		c.Title(s)
	}
}

func (c Callbacks) status(s string) {
	if c.Status != nil {
		c.Status(s)
	}
}

func (c Callbacks) log(s string) {
	if c.Log != nil {
		c.Log(s)
	}
}

func (c Callbacks) progress(p int) {
	if c.Progress != nil {
		c.Progress(p)
	}
}

// Tracker makes progress reported through it non-decreasing, keeps it in
// [0,99] until Done, and emits 100 exactly once.
type Tracker struct {
	mu   sync.Mutex
	cb   Callbacks
	last int
	done bool
}

func NewTracker(cb Callbacks) *Tracker { return &Tracker{cb: cb, last: -1} }

func (t *Tracker) report(p int) {
	if p < 0 {
		p = 0
	}
	if p > 99 {
		p = 99
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done || p <= t.last {
		return
	}
	t.last = p
	t.cb.progress(p)
}

// Done emits 100 once. Later calls are no-ops.
func (t *Tracker) Done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	t.last = 100
	t.cb.progress(100)
}

// Last returns the most recent progress value, or -1 if none was reported.
func (t *Tracker) Last() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Callbacks returns hooks that route progress through the tracker.
func (t *Tracker) Callbacks() Callbacks { return t.Stage(0, 100) }

// Stage returns hooks whose 0..100 progress maps onto lo..hi of the tracker.
func (t *Tracker) Stage(lo, hi int) Callbacks {
	cb := t.cb
	cb.Progress = func(p int) {
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		t.report(lo + p*(hi-lo)/100)
	}
	return cb
}

// SendTitle, SendStatus, SendLog and SendProgress invoke the hook if set.
func (c Callbacks) SendTitle(s string) { c.title(s) }
func (c Callbacks) SendStatus(s string) { c.status(s) }
func (c Callbacks) SendLog(s string) { c.log(s) }
func (c Callbacks) SendProgress(p int) { c.progress(p) }
