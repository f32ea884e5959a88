package manager

import "sync"

// MemoryPublisher stores events in-memory for tests and the status endpoint.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewMemoryPublisher keeps every event.
func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

// NewRingPublisher keeps the last n events.
func NewRingPublisher(n int) *MemoryPublisher { return &MemoryPublisher{limit: n} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	if p.limit > 0 && len(p.events) > p.limit {
		p.events = p.events[len(p.events)-p.limit:]
	}
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Named returns the recorded events called name.
func (p *MemoryPublisher) Named(name string) []Event {
	var out []Event
	for _, e := range p.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
