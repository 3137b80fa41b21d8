// Package clock provides the nanosecond instant arithmetic used by the
// congestion controller and the reliable stream. Instants are monotonic and
// are never serialized.
package clock

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Nanosecond multiples used throughout the transport.
const (
	Nanosecond  uint64 = 1
	Microsecond        = 1000 * Nanosecond
	Millisecond        = 1000 * Microsecond
	Second             = 1000 * Millisecond
)

// MaxDuration is the largest duration Sub reports. It fits in a time.Duration.
const MaxDuration uint64 = math.MaxInt64

// ErrInvalidOperation is returned when an instant is subtracted from an
// earlier one.
var ErrInvalidOperation = errors.New("clock: subtraction of a later instant")

// Max is the latest representable instant.
var Max = Clock{Seconds: math.MaxUint64, Nanoseconds: uint32(Second - 1)}

// Clock is an immutable monotonic instant with nanosecond precision.
// Nanoseconds is always within [0, 1e9).
type Clock struct {
	Seconds     uint64
	Nanoseconds uint32
}

// New returns the instant seconds+nanoseconds, normalizing nanoseconds.
func New(seconds uint64, nanoseconds uint64) Clock {
	return Clock{}.addParts(seconds, nanoseconds)
}

// FromNanoseconds returns the instant ns nanoseconds after the zero instant.
func FromNanoseconds(ns uint64) Clock {
	return Clock{Seconds: ns / Second, Nanoseconds: uint32(ns % Second)}
}

// Zero reports whether c is the zero instant.
func (c Clock) Zero() bool {
	return c.Seconds == 0 && c.Nanoseconds == 0
}

// Add returns c advanced by ns nanoseconds, saturating at the largest
// representable instant.
func (c Clock) Add(ns uint64) Clock {
	return c.addParts(ns/Second, ns%Second)
}

func (c Clock) addParts(seconds, nanoseconds uint64) Clock {
	carry := nanoseconds / Second
	if seconds > math.MaxUint64-carry {
		return Max
	}
	seconds += carry
	nanoseconds %= Second
	nsec := uint64(c.Nanoseconds) + nanoseconds
	if nsec >= Second {
		nsec -= Second
		if seconds == math.MaxUint64 {
			return Max
		}
		seconds++
	}
	if c.Seconds > math.MaxUint64-seconds {
		return Max
	}
	return Clock{Seconds: c.Seconds + seconds, Nanoseconds: uint32(nsec)}
}

// Sub returns the nanoseconds elapsed from other to c, saturating at
// MaxDuration. It returns ErrInvalidOperation when other is after c.
func (c Clock) Sub(other Clock) (uint64, error) {
	if c.Compare(other) < 0 {
		return 0, fmt.Errorf("%w: %v - %v", ErrInvalidOperation, c, other)
	}
	seconds := c.Seconds - other.Seconds
	var nsec uint64
	if c.Nanoseconds >= other.Nanoseconds {
		nsec = uint64(c.Nanoseconds - other.Nanoseconds)
	} else {
		seconds--
		nsec = Second + uint64(c.Nanoseconds) - uint64(other.Nanoseconds)
	}
	if seconds > (MaxDuration-nsec)/Second {
		return MaxDuration, nil
	}
	return seconds*Second + nsec, nil
}

// Since returns c.Sub(other), or zero when other is after c.
func (c Clock) Since(other Clock) uint64 {
	d, err := c.Sub(other)
	if err != nil {
		return 0
	}
	return d
}

// Compare returns -1, 0 or +1 when c is before, equal to or after other.
func (c Clock) Compare(other Clock) int {
	switch {
	case c.Seconds < other.Seconds:
		return -1
	case c.Seconds > other.Seconds:
		return 1
	case c.Nanoseconds < other.Nanoseconds:
		return -1
	case c.Nanoseconds > other.Nanoseconds:
		return 1
	}
	return 0
}

// Before reports whether c is strictly before other.
func (c Clock) Before(other Clock) bool { return c.Compare(other) < 0 }

// After reports whether c is strictly after other.
func (c Clock) After(other Clock) bool { return c.Compare(other) > 0 }

func (c Clock) String() string {
	return fmt.Sprintf("%d.%09ds", c.Seconds, c.Nanoseconds)
}

// Source produces instants.
type Source interface {
	Now() Clock
}

// SourceFunc adapts a function to Source.
type SourceFunc func() Clock

// Now calls f.
func (f SourceFunc) Now() Clock { return f() }

// epoch anchors Now to the process monotonic clock. The one second offset
// keeps Now distinguishable from the zero instant.
var epoch = time.Now()

// Now returns the current monotonic instant.
func Now() Clock {
	return FromNanoseconds(uint64(time.Since(epoch)) + Second)
}

// System is the Source backed by Now.
var System Source = SourceFunc(Now)
