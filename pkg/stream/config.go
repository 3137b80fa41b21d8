package stream

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/strand-protocol/strand/curvecp/pkg/clock"
)

// Default limits.
const (
	DefaultMaxOutgoing             = 128
	DefaultMaxIncoming             = 64
	DefaultMaxRetransmissions      = 10
	DefaultMaxUnprocessedSendBytes = 1 << 20
)

var (
	ErrBufferFull      = errors.New("stream: send buffer full")
	ErrPeerUnreachable = errors.New("stream: maximum retransmissions reached")
	ErrClosed          = errors.New("stream: closed")
	ErrPeerAborted     = errors.New("stream: peer aborted")
	ErrInvalidConfig   = errors.New("stream: invalid config")
)

// Config tunes a MessageStream. Zero values take the defaults.
type Config struct {
	// MaxOutgoing bounds the number of unacknowledged blocks in flight.
	MaxOutgoing int `yaml:"max_outgoing" json:"max_outgoing"`
	// MaxIncoming bounds the number of received frames awaiting processing.
	MaxIncoming int `yaml:"max_incoming" json:"max_incoming"`
	// MaxRetransmissions is how often one block may be resent before the
	// peer is declared unreachable.
	MaxRetransmissions int `yaml:"max_retransmissions" json:"max_retransmissions"`
	// MaxUnprocessedSendBytes caps the bytes written but not yet sliced
	// into blocks.
	MaxUnprocessedSendBytes int `yaml:"max_unprocessed_send_bytes" json:"max_unprocessed_send_bytes"`

	Clock  clock.Source   `yaml:"-" json:"-"`
	Rand   io.Reader      `yaml:"-" json:"-"`
	Logger zerolog.Logger `yaml:"-" json:"-"`

	// Emit receives every stream event on the owning goroutine.
	Emit func(Event) `yaml:"-" json:"-"`
}

// WithDefaults returns c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.MaxOutgoing == 0 {
		c.MaxOutgoing = DefaultMaxOutgoing
	}
	if c.MaxIncoming == 0 {
		c.MaxIncoming = DefaultMaxIncoming
	}
	if c.MaxRetransmissions == 0 {
		c.MaxRetransmissions = DefaultMaxRetransmissions
	}
	if c.MaxUnprocessedSendBytes == 0 {
		c.MaxUnprocessedSendBytes = DefaultMaxUnprocessedSendBytes
	}
	if c.Clock == nil {
		c.Clock = clock.System
	}
	return c
}

// Validate reports limits that cannot work.
func (c Config) Validate() error {
	switch {
	case c.MaxOutgoing < 1:
		return fmt.Errorf("%w: max_outgoing must be positive", ErrInvalidConfig)
	case c.MaxIncoming < 1:
		return fmt.Errorf("%w: max_incoming must be positive", ErrInvalidConfig)
	case c.MaxRetransmissions < 1:
		return fmt.Errorf("%w: max_retransmissions must be positive", ErrInvalidConfig)
	case c.MaxUnprocessedSendBytes < 1:
		return fmt.Errorf("%w: max_unprocessed_send_bytes must be positive", ErrInvalidConfig)
	}
	return nil
}
