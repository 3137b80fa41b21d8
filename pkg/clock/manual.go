package clock

import "sync"

// Manual is a Source that only moves when advanced. It is safe for
// concurrent use.
type Manual struct {
	mu  sync.Mutex
	now Clock
}

// NewManual returns a Manual source positioned at start.
func NewManual(start Clock) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual instant.
func (m *Manual) Now() Clock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the instant forward by ns nanoseconds.
func (m *Manual) Advance(ns uint64) Clock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(ns)
	return m.now
}
