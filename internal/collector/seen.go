package collector

import (
	"sync"
	"time"
)

// SeenSet suppresses repeated keys inside a sliding time window. Keys expire
// after the window so a long-running match is re-emitted once per window
// even when its snapshot stops changing.
type SeenSet[K comparable] struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	entries map[K]time.Time
}

// NewSeenSet creates a SeenSet with the given expiry window.
func NewSeenSet[K comparable](window time.Duration) *SeenSet[K] {
	return &SeenSet[K]{
		window:  window,
		now:     time.Now,
		entries: make(map[K]time.Time),
	}
}

// Observe records k and reports whether it was unseen within the window.
func (s *SeenSet[K]) Observe(k K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocked(now)

	if _, ok := s.entries[k]; ok {
		return false
	}
	s.entries[k] = now
	return true
}

// Len returns the number of live keys.
func (s *SeenSet[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	return len(s.entries)
}

func (s *SeenSet[K]) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.window)
	for k, at := range s.entries {
		if at.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}
