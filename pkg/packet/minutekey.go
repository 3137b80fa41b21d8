package packet

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"
)

// MinuteKeys holds the rotating secretbox keys a server seals cookies with.
// A cookie opens under the current or the previous key, so it stays valid
// for at most MinuteKeyTimeout. One MinuteKeys is shared by every stream of
// a listener and is safe for concurrent use.
type MinuteKeys struct {
	mu       sync.Mutex
	rand     io.Reader
	now      func() time.Time
	interval time.Duration

	current     [32]byte
	previous    [32]byte
	hasPrevious bool
	rotated     time.Time
}

// NewMinuteKeys returns a key set seeded from r (crypto/rand when nil).
func NewMinuteKeys(r io.Reader) (*MinuteKeys, error) {
	return newMinuteKeys(r, time.Now)
}

func newMinuteKeys(r io.Reader, now func() time.Time) (*MinuteKeys, error) {
	if r == nil {
		r = rand.Reader
	}
	m := &MinuteKeys{rand: r, now: now, interval: MinuteKeyTimeout / 2}
	if _, err := io.ReadFull(r, m.current[:]); err != nil {
		return nil, fmt.Errorf("packet: minute key: %w", err)
	}
	m.rotated = now()
	return m, nil
}

// keys returns copies of the current key and, if still valid, the previous
// one, rotating first when the current key has aged out.
func (m *MinuteKeys) keys() (current [32]byte, previous *[32]byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if age := m.now().Sub(m.rotated); age >= m.interval {
		if age >= 2*m.interval {
			clear(m.previous[:])
			m.hasPrevious = false
		} else {
			m.previous = m.current
			m.hasPrevious = true
		}
		if _, err := io.ReadFull(m.rand, m.current[:]); err != nil {
			return current, nil, fmt.Errorf("packet: minute key: %w", err)
		}
		m.rotated = m.now()
	}
	current = m.current
	if m.hasPrevious {
		prev := m.previous
		previous = &prev
	}
	return current, previous, nil
}
