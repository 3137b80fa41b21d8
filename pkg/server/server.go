package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/strand-protocol/strand/curvecp/pkg/keys"
	"github.com/strand-protocol/strand/curvecp/pkg/observability"
	"github.com/strand-protocol/strand/curvecp/pkg/packet"
	"github.com/strand-protocol/strand/curvecp/pkg/session"
	"github.com/strand-protocol/strand/curvecp/pkg/stream"
	"github.com/strand-protocol/strand/curvecp/pkg/transport"
)

const (
	// defaultShutdownTimeout is how long Stop waits for sessions to end
	// before returning.
	defaultShutdownTimeout = 5 * time.Second
	// defaultLinger bounds how long a finished handler's session waits for
	// the peer to acknowledge the server's stop flag.
	defaultLinger = 5 * time.Second
	// DefaultMaxSessions limits concurrently running sessions.
	DefaultMaxSessions = 1000
)

var (
	ErrNoKeys        = errors.New("curvecp server: key pair required")
	ErrServerStopped = errors.New("curvecp server: stopped")
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithKeys sets the server's long-term key pair.
func WithKeys(kp keys.KeyPair) ServerOption {
	return func(s *Server) {
		s.keys = kp
	}
}

// WithServerName makes the server reject clients that ask for another name.
func WithServerName(name string) ServerOption {
	return func(s *Server) {
		s.serverName = name
	}
}

// WithExtensions sets the server extension and the client extension every
// packet must carry.
func WithExtensions(client, server packet.Extension) ServerOption {
	return func(s *Server) {
		s.clientExt = client
		s.serverExt = server
	}
}

// WithAuthorizer consults a before completing any handshake.
func WithAuthorizer(a packet.Authorizer) ServerOption {
	return func(s *Server) {
		s.authorize = a
	}
}

// WithStreamConfig tunes the reliability layer of every session.
func WithStreamConfig(cfg stream.Config) ServerOption {
	return func(s *Server) {
		s.session.Stream = cfg
	}
}

// WithSessionConfig replaces the per-session configuration. Options applied
// after it still take effect.
func WithSessionConfig(cfg session.Config) ServerOption {
	return func(s *Server) {
		s.session = cfg
	}
}

// WithMetrics records every session in m.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.log = l.With().Str("component", "server").Logger()
	}
}

// WithMaxSessions bounds concurrently running sessions. New peers beyond
// the limit are dropped until a session ends.
func WithMaxSessions(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxSessions = n
		}
	}
}

// WithShutdownTimeout configures how long Stop waits for running sessions.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// WithLinger configures how long a session is kept open after its handler
// returns, waiting for the peer to acknowledge the end of the server's data.
func WithLinger(d time.Duration) ServerOption {
	return func(s *Server) {
		s.linger = d
	}
}

// Server accepts CurveCP sessions and dispatches them to a Handler.
type Server struct {
	handler         Handler
	keys            keys.KeyPair
	serverName      string
	clientExt       packet.Extension
	serverExt       packet.Extension
	authorize       packet.Authorizer
	session         session.Config
	metrics         *observability.Metrics
	log             zerolog.Logger
	maxSessions     int
	shutdownTimeout time.Duration
	linger          time.Duration

	minuteKeys *packet.MinuteKeys

	mu       sync.Mutex
	listener *transport.Listener
	done     chan struct{}
	// sem bounds the number of running sessions.
	sem chan struct{}
	// wg tracks running sessions so Stop can drain gracefully.
	wg sync.WaitGroup
}

// New creates a Server with the given handler and options.
func New(handler Handler, opts ...ServerOption) *Server {
	s := &Server{
		handler:         handler,
		log:             zerolog.Nop(),
		maxSessions:     DefaultMaxSessions,
		shutdownTimeout: defaultShutdownTimeout,
		linger:          defaultLinger,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = make(chan struct{}, s.maxSessions)
	return s
}

// ListenAndServe binds a UDP socket to addr and serves sessions until Stop.
func (s *Server) ListenAndServe(addr string) error {
	l, err := transport.ListenUDP(addr,
		transport.WithListenLogger(s.log),
		transport.WithAcceptFilter(packet.IsHello),
	)
	if err != nil {
		return fmt.Errorf("curvecp server: listen: %w", err)
	}
	return s.Serve(l)
}

// Serve accepts peers from l until Stop is called. It closes l on return.
// Listeners not created by ListenAndServe should filter new peers with
// packet.IsHello.
func (s *Server) Serve(l *transport.Listener) error {
	defer l.Close()
	if err := s.keys.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrNoKeys, err)
	}
	mk, err := packet.NewMinuteKeys(nil)
	if err != nil {
		return fmt.Errorf("curvecp server: minute keys: %w", err)
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return ErrServerStopped
	default:
	}
	s.listener = l
	s.minuteKeys = mk
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.done
		cancel()
		l.Close()
	}()

	s.log.Info().Str("addr", l.Addr().String()).Str("key", s.keys.Public.String()).Msg("serving")
	for {
		peer, err := l.Accept(ctx)
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				s.log.Warn().Err(err).Msg("accept")
				return err
			}
		}
		select {
		case s.sem <- struct{}{}:
			// Stop closes done under mu, so no session is added once its
			// Wait has begun.
			s.mu.Lock()
			select {
			case <-s.done:
				s.mu.Unlock()
				<-s.sem
				peer.Close()
				return nil
			default:
			}
			s.wg.Add(1)
			s.mu.Unlock()
			go func(p *transport.PeerTransport) {
				defer s.wg.Done()
				defer func() { <-s.sem }()
				s.serveTransport(ctx, p)
			}(peer)
		default:
			s.log.Warn().Str("remote", peer.RemoteAddr().String()).Msg("overloaded, peer dropped")
			peer.Close()
		}
	}
}

// Addr returns the address being served, or nil before Serve starts.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop signals the server to shut down. It stops accepting peers, cancels
// the context of every handler and waits up to the shutdown timeout for
// sessions to end.
func (s *Server) Stop() {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
		close(s.done)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("all sessions drained")
	case <-time.After(s.shutdownTimeout):
		s.log.Warn().Dur("timeout", s.shutdownTimeout).Msg("shutdown timeout exceeded")
	}
}

func (s *Server) serveTransport(ctx context.Context, t transport.Transport) {
	log := s.log.With().Str("remote", t.RemoteAddr().String()).Logger()
	ps, err := packet.NewServer(session.CountingTransport(t, s.metrics), packet.Config{
		Keys:            s.keys,
		ServerName:      s.serverName,
		ClientExtension: s.clientExt,
		ServerExtension: s.serverExt,
		MinuteKeys:      s.minuteKeys,
		Authorize:       s.authorize,
		Logger:          log,
	})
	if err != nil {
		log.Warn().Err(err).Msg("packet stream")
		t.Close()
		return
	}
	cfg := s.session
	cfg.Logger = log
	cfg.Metrics = s.metrics
	sess, err := session.New(ps, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("session")
		t.Close()
		return
	}
	defer sess.Close()

	if err := sess.WaitConnected(ctx); err != nil {
		log.Debug().Err(err).Msg("handshake did not complete")
		return
	}
	log.Info().Str("client", sess.RemoteKey().String()).Msg("session started")
	s.handler.ServeSession(ctx, sess)

	if err := sess.CloseWrite(); err != nil {
		log.Debug().Err(err).Msg("session ended")
		return
	}
	linger := time.NewTimer(s.linger)
	defer linger.Stop()
	select {
	case <-sess.Finished():
	case <-sess.Done():
	case <-linger.C:
		log.Debug().Msg("linger expired")
	case <-ctx.Done():
	}
	log.Info().Str("client", sess.RemoteKey().String()).Msg("session closed")
}
