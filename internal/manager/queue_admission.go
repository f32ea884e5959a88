package manager

import (
	"context"
	"time"
)

// beginVoiceover reserves a queue slot and then the single in-flight slot of
// the backend serving modelID. Returns a release func to be deferred.
func (m *Manager) beginVoiceover(ctx context.Context, modelID string) (func(), error) {
	b, err := m.backendFor(modelID)
	if err != nil {
		return func() {}, err
	}
	m.mu.RLock()
	s := m.slots[b.Name()]
	draining := s != nil && s.State == StateDraining
	m.mu.RUnlock()
	if s == nil {
		return func() {}, modelNotFoundError{id: modelID}
	}
	// If draining, reject new work so an uninstall cascade can finish
	if draining {
		return func() {}, tooBusyError{modelID: modelID}
	}

	// Fast path: respect an already-canceled context
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}

	timer := time.NewTimer(m.maxWait)
	defer timer.Stop()
	select {
	case s.queueCh <- struct{}{}:
		// reserved queue slot
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer.C:
		return func() {}, tooBusyError{modelID: modelID}
	}

	// Wait to acquire the single in-flight slot
	acquired := false
	defer func() {
		if !acquired {
			<-s.queueCh
		}
	}()
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	timer2 := time.NewTimer(m.maxWait)
	defer timer2.Stop()
	select {
	case s.genCh <- struct{}{}:
		acquired = true
		m.mu.Lock()
		s.LastUsed = time.Now()
		m.mu.Unlock()
		return func() { <-s.genCh; <-s.queueCh }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer2.C:
		return func() {}, tooBusyError{modelID: modelID}
	}
}
