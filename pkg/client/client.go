// Package client dials CurveCP servers. Dial runs the handshake and returns
// a connected session.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/strand-protocol/strand/curvecp/pkg/keys"
	"github.com/strand-protocol/strand/curvecp/pkg/observability"
	"github.com/strand-protocol/strand/curvecp/pkg/packet"
	"github.com/strand-protocol/strand/curvecp/pkg/session"
	"github.com/strand-protocol/strand/curvecp/pkg/stream"
	"github.com/strand-protocol/strand/curvecp/pkg/transport"
)

// ErrNoServerKey is returned by Dial without WithServerKey.
var ErrNoServerKey = errors.New("curvecp client: server key required")

// Option configures Dial.
type Option func(*dialer)

type dialer struct {
	transport  transport.Transport
	keys       keys.KeyPair
	hasKeys    bool
	serverKey  keys.Key
	serverName string
	ext        packet.Extension
	serverExt  packet.Extension
	helloWait  []time.Duration
	session    session.Config
	log        zerolog.Logger
}

// WithTransport overrides the UDP socket Dial would open. This is useful
// for testing or for running over a custom packet carrier.
func WithTransport(t transport.Transport) Option {
	return func(d *dialer) {
		d.transport = t
	}
}

// WithKeys sets the client's long-term key pair. Dial generates an
// ephemeral identity when it is not set.
func WithKeys(kp keys.KeyPair) Option {
	return func(d *dialer) {
		d.keys = kp
		d.hasKeys = true
	}
}

// WithServerKey sets the server's long-term public key.
func WithServerKey(k keys.Key) Option {
	return func(d *dialer) {
		d.serverKey = k
	}
}

// WithServerName sets the name sent in the Initiate packet.
func WithServerName(name string) Option {
	return func(d *dialer) {
		d.serverName = name
	}
}

// WithExtensions sets the client and expected server extensions.
func WithExtensions(client, server packet.Extension) Option {
	return func(d *dialer) {
		d.ext = client
		d.serverExt = server
	}
}

// WithHelloWait overrides the Hello retry schedule.
func WithHelloWait(wait []time.Duration) Option {
	return func(d *dialer) {
		d.helloWait = wait
	}
}

// WithStreamConfig tunes the reliability layer.
func WithStreamConfig(cfg stream.Config) Option {
	return func(d *dialer) {
		d.session.Stream = cfg
	}
}

// WithSessionConfig replaces the whole session configuration. Options
// applied after it still take effect.
func WithSessionConfig(cfg session.Config) Option {
	return func(d *dialer) {
		d.session = cfg
	}
}

// WithLogger sets the logger for the connection.
func WithLogger(l zerolog.Logger) Option {
	return func(d *dialer) {
		d.log = l
	}
}

// WithMetrics records the connection in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *dialer) {
		d.session.Metrics = m
	}
}

// Dial connects to the server at addr and blocks until the handshake
// completes, ctx ends or the Hello schedule is exhausted. addr is ignored
// when WithTransport is given.
func Dial(ctx context.Context, addr string, opts ...Option) (*session.Session, error) {
	d := &dialer{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	if d.serverKey.IsZero() {
		return nil, ErrNoServerKey
	}
	if !d.hasKeys {
		kp, err := keys.Generate(nil)
		if err != nil {
			return nil, fmt.Errorf("curvecp client: generate keys: %w", err)
		}
		d.keys = kp
	}
	if d.transport == nil {
		t, err := transport.DialUDP(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("curvecp client: dial: %w", err)
		}
		d.transport = t
	}
	log := d.log.With().Str("component", "client").Str("addr", addrOf(d.transport)).Logger()

	ps, err := packet.NewClient(session.CountingTransport(d.transport, d.session.Metrics), packet.Config{
		Keys:            d.keys,
		ServerKey:       d.serverKey,
		ServerName:      d.serverName,
		ClientExtension: d.ext,
		ServerExtension: d.serverExt,
		HelloWait:       d.helloWait,
		Logger:          log,
	})
	if err != nil {
		_ = d.transport.Close()
		return nil, fmt.Errorf("curvecp client: %w", err)
	}

	cfg := d.session
	cfg.Logger = log
	s, err := session.New(ps, cfg)
	if err != nil {
		_ = d.transport.Close()
		return nil, fmt.Errorf("curvecp client: %w", err)
	}
	if err := s.WaitConnected(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("curvecp client: handshake: %w", err)
	}
	log.Debug().Msg("connected")
	return s, nil
}

func addrOf(t transport.Transport) string {
	if a := t.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
