package manager

import (
	"time"

	"mitavoice/internal/backend"
)

// drain marks the voiceover slot of b as draining so new requests are
// rejected, then waits up to drainTimeout for queued and in-flight
// voiceovers to finish.
func (m *Manager) drain(b backend.Backend) {
	m.mu.Lock()
	s := m.slots[b.Name()]
	if s == nil {
		m.mu.Unlock()
		return
	}
	s.State = StateDraining
	m.mu.Unlock()

	deadline := time.Now().Add(m.drainTimeout)
	for {
		qlen := len(s.queueCh)
		inflight := len(s.genCh)
		if inflight == 0 && qlen == 0 {
			return
		}
		if time.Now().After(deadline) {
			m.publisher.Publish(Event{Name: EventDrainTimeout, ModelID: b.Name(), Fields: map[string]any{"inflight": inflight, "queue": qlen}})
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// undrain reopens the slot of b.
func (m *Manager) undrain(b backend.Backend) {
	m.mu.Lock()
	if s := m.slots[b.Name()]; s != nil {
		s.State = StateReady
	}
	m.mu.Unlock()
}
