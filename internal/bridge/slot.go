// Package bridge hands finished voiceovers to the game process. A Slot holds
// the next file to play; a Server polls it and pushes paths to connected
// game clients over websocket.
package bridge

import "sync"

// Slot is the single pending sound file. Setting it again before the game
// took the previous file replaces it.
type Slot struct {
	mu     sync.Mutex
	path   string
	notify chan struct{}
}

func NewSlot() *Slot { return &Slot{notify: make(chan struct{}, 1)} }

// Set stores path and wakes the server loop.
func (s *Slot) Set(path string) {
	s.mu.Lock()
	s.path = path
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Take returns the pending path and clears the slot.
func (s *Slot) Take() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.path
	s.path = ""
	return p
}

// Peek returns the pending path without clearing it.
func (s *Slot) Peek() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// restore puts path back unless a newer one arrived meanwhile.
func (s *Slot) restore(path string) {
	s.mu.Lock()
	if s.path == "" {
		s.path = path
	}
	s.mu.Unlock()
}

// Ready is signalled after Set.
func (s *Slot) Ready() <-chan struct{} { return s.notify }
