package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// UDPTransport is a Transport over a connected UDP socket, used by clients.
type UDPTransport struct {
	conn   *net.UDPConn
	mu     sync.Mutex
	closed bool
}

// DialUDP connects a UDP socket to addr.
func DialUDP(ctx context.Context, addr string) (*UDPTransport, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("curvecp transport: dial %s: %w", addr, err)
	}
	return &UDPTransport{conn: c.(*net.UDPConn)}, nil
}

func (t *UDPTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Send writes one datagram.
func (t *UDPTransport) Send(ctx context.Context, packet []byte) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	if len(packet) > MaxPacketSize {
		return ErrPacketTooLarge
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	_, err := t.conn.Write(packet)
	return t.mapErr(err)
}

// Recv blocks until a datagram of at most MaxPacketSize bytes arrives.
// Larger datagrams are discarded.
func (t *UDPTransport) Recv(ctx context.Context) ([]byte, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := t.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, t.mapErr(err)
	}
	// Unblock the read when ctx ends.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = t.conn.SetReadDeadline(time.Now())
		case <-readDone:
		}
	}()

	buf := make([]byte, MaxPacketSize+1)
	for {
		n, err := t.conn.Read(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, t.mapErr(err)
		}
		if n > MaxPacketSize {
			continue
		}
		return append([]byte(nil), buf[:n]...), nil
	}
}

func (t *UDPTransport) mapErr(err error) error {
	if err != nil && (errors.Is(err, net.ErrClosed) || t.isClosed()) {
		return ErrTransportClosed
	}
	return err
}

// Close closes the socket.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

func (t *UDPTransport) LocalAddr() net.Addr  { return t.conn.LocalAddr() }
func (t *UDPTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

const (
	defaultBacklog   = 64
	peerQueueLen     = 256
	listenerReadSize = MaxPacketSize + 1
)

// ListenOption configures a Listener.
type ListenOption func(*Listener)

// WithListenLogger sets the listener's logger.
func WithListenLogger(l zerolog.Logger) ListenOption {
	return func(ln *Listener) {
		ln.log = l.With().Str("component", "listener").Logger()
	}
}

// WithBacklog bounds the number of new peers waiting in Accept. Packets
// from further new peers are dropped.
func WithBacklog(n int) ListenOption {
	return func(ln *Listener) {
		if n > 0 {
			ln.backlog = n
		}
	}
}

// WithAcceptFilter makes the listener create a peer only for a first packet
// that passes f. Other packets from unknown addresses are dropped.
func WithAcceptFilter(f func(packet []byte) bool) ListenOption {
	return func(ln *Listener) {
		ln.filter = f
	}
}

// Listener demultiplexes datagrams arriving on one UDP socket by remote
// address. Each new address becomes a peer Transport returned by Accept.
type Listener struct {
	conn    *net.UDPConn
	log     zerolog.Logger
	backlog int
	filter  func([]byte) bool

	mu     sync.Mutex
	peers  map[string]*PeerTransport
	accept chan *PeerTransport

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenUDP binds a UDP socket to addr and starts demultiplexing.
func ListenUDP(addr string, opts ...ListenOption) (*Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("curvecp transport: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("curvecp transport: listen %s: %w", addr, err)
	}
	l := &Listener{
		conn:    conn,
		log:     zerolog.Nop(),
		backlog: defaultBacklog,
		peers:   make(map[string]*PeerTransport),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.accept = make(chan *PeerTransport, l.backlog)
	l.wg.Add(1)
	go l.readLoop()
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.conn.LocalAddr() }

// Accept returns the transport of the next new peer.
func (l *Listener) Accept(ctx context.Context) (*PeerTransport, error) {
	select {
	case p := <-l.accept:
		return p, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the listener, closes the socket and every peer.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.conn.Close()
		l.wg.Wait()
		l.mu.Lock()
		for key, p := range l.peers {
			p.closeLocal()
			delete(l.peers, key)
		}
		l.mu.Unlock()
	})
	return err
}

// Peers returns the number of live peers.
func (l *Listener) Peers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

func (l *Listener) readLoop() {
	defer l.wg.Done()
	buf := make([]byte, listenerReadSize)
	for {
		n, raddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Debug().Err(err).Msg("read")
			continue
		}
		if n > MaxPacketSize {
			continue
		}
		l.dispatch(raddr, append([]byte(nil), buf[:n]...))
	}
}

func (l *Listener) dispatch(raddr *net.UDPAddr, pkt []byte) {
	key := raddr.String()
	l.mu.Lock()
	p, ok := l.peers[key]
	if !ok {
		if l.filter != nil && !l.filter(pkt) {
			l.mu.Unlock()
			return
		}
		p = &PeerTransport{
			listener: l,
			key:      key,
			remote:   raddr,
			inbound:  make(chan []byte, peerQueueLen),
			done:     make(chan struct{}),
		}
		select {
		case l.accept <- p:
			l.peers[key] = p
		default:
			l.mu.Unlock()
			l.log.Debug().Str("remote", key).Msg("accept backlog full, packet dropped")
			return
		}
	}
	l.mu.Unlock()

	select {
	case p.inbound <- pkt:
	case <-p.done:
	default:
		l.log.Debug().Str("remote", key).Msg("peer queue full, packet dropped")
	}
}

func (l *Listener) remove(p *PeerTransport) {
	l.mu.Lock()
	if cur, ok := l.peers[p.key]; ok && cur == p {
		delete(l.peers, p.key)
	}
	l.mu.Unlock()
}

// PeerTransport is the Transport of one remote address behind a Listener.
type PeerTransport struct {
	listener  *Listener
	key       string
	remote    *net.UDPAddr
	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Send writes one datagram to the peer.
func (p *PeerTransport) Send(ctx context.Context, packet []byte) error {
	select {
	case <-p.done:
		return ErrTransportClosed
	case <-p.listener.done:
		return ErrTransportClosed
	default:
	}
	if len(packet) > MaxPacketSize {
		return ErrPacketTooLarge
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := p.listener.conn.WriteToUDP(packet, p.remote); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrTransportClosed
		}
		return err
	}
	return nil
}

// Recv returns the next datagram from the peer.
func (p *PeerTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-p.inbound:
		return pkt, nil
	case <-p.done:
		return nil, ErrTransportClosed
	case <-p.listener.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close detaches the peer from the listener. A later packet from the same
// address creates a new peer.
func (p *PeerTransport) Close() error {
	p.listener.remove(p)
	p.closeLocal()
	return nil
}

func (p *PeerTransport) closeLocal() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *PeerTransport) LocalAddr() net.Addr  { return p.listener.Addr() }
func (p *PeerTransport) RemoteAddr() net.Addr { return p.remote }
