package sensors

import (
	"sync"

	"github.com/relabs-tech/tilt_controller/internal/motion"
)

// listenerSlot holds at most one handler. Installing replaces the previous
// one; a stale stop function does not remove a newer handler.
type listenerSlot struct {
	mu  sync.Mutex
	h   Handler
	gen uint64
}

func (s *listenerSlot) install(h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	mine := s.gen
	s.h = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen == mine {
			s.h = nil
		}
	}
}

func (s *listenerSlot) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h != nil
}

func (s *listenerSlot) deliver(sample motion.RawSample) bool {
	s.mu.Lock()
	h := s.h
	s.mu.Unlock()
	if h == nil {
		return false
	}
	h(sample)
	return true
}
