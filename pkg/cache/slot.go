package cache

import "sync"

// Slot is a one-shot response replay slot. The first Put wins and
// later Puts are no-ops, so concurrent cold requests cannot clobber
// each other's capture. A zero-length body still counts as filled.
type Slot struct {
	mu     sync.RWMutex
	body   []byte
	filled bool
}

func (s *Slot) Bytes() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.filled {
		return nil, false
	}
	return s.body, true
}

func (s *Slot) Put(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filled {
		return false
	}
	s.body = append([]byte(nil), b...)
	s.filled = true
	return true
}
