// Package session runs one CurveCP connection. A Session owns a
// PacketStream and the MessageStream on top of it and drives both from a
// single goroutine; the exported methods talk to that goroutine through
// channels and are safe for concurrent use.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/armon/circbuf"
	"github.com/rs/zerolog"

	"github.com/strand-protocol/strand/curvecp/pkg/keys"
	"github.com/strand-protocol/strand/curvecp/pkg/message"
	"github.com/strand-protocol/strand/curvecp/pkg/observability"
	"github.com/strand-protocol/strand/curvecp/pkg/packet"
	"github.com/strand-protocol/strand/curvecp/pkg/stream"
)

// Defaults.
const (
	DefaultReadBufferSize   = 256 << 10
	DefaultInboundQueue     = 256
	DefaultHandshakeTimeout = packet.MinuteKeyTimeout
	eventQueueLen           = 64
)

var (
	ErrClosed           = errors.New("session: closed")
	ErrHandshakeTimeout = errors.New("session: handshake did not complete")
)

// Config configures a Session.
type Config struct {
	Stream stream.Config
	// ReadBufferSize bounds received bytes not yet consumed by Read. Data
	// arriving while the buffer is full is dropped and retransmitted by the
	// peer.
	ReadBufferSize int64
	// InboundQueue bounds packets waiting for the session goroutine.
	InboundQueue int
	// HandshakeTimeout closes sessions that never connect.
	HandshakeTimeout time.Duration

	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

func (c Config) withDefaults() Config {
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.InboundQueue <= 0 {
		c.InboundQueue = DefaultInboundQueue
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return c
}

// Stats is a snapshot of a session.
type Stats struct {
	State           packet.State
	RTT             time.Duration
	RTO             time.Duration
	Pacing          time.Duration
	BytesWritten    uint64
	BytesSent       uint64
	BytesAcked      uint64
	BytesReceived   uint64
	Retransmissions uint64
	PacketsReceived uint64
	PacketsDropped  uint64
	Outgoing        int
	Unsent          int
}

type writeOp struct {
	data      []byte
	fed       int
	pending   int
	done      chan error
	completed bool
}

func (op *writeOp) complete(err error) {
	if op.completed {
		return
	}
	op.completed = true
	op.done <- err
}

func (op *writeOp) chunkDone(err error) {
	op.pending--
	if err != nil {
		op.complete(err)
		return
	}
	if op.pending == 0 && op.fed == len(op.data) {
		op.complete(nil)
	}
}

type control int

const (
	controlCloseWrite control = iota
	controlAbort
)

// Session is one reliable, encrypted connection.
type Session struct {
	ps      *packet.PacketStream
	ms      *stream.MessageStream
	cfg     Config
	log     zerolog.Logger
	metrics *observability.Metrics

	inbound chan []byte
	recvErr chan error
	writes  chan *writeOp
	ctrl    chan control
	events  chan stream.Event
	cancel  context.CancelFunc

	connectedCh chan struct{}
	finishedCh  chan struct{}
	done        chan struct{}
	err         error

	rmu     sync.Mutex
	rcond   *sync.Cond
	rbuf    *circbuf.Buffer
	readErr error

	statsMu sync.Mutex
	stats   Stats
	remote  keys.Key

	// Owned by the session goroutine.
	queue           []*writeOp
	closeWrite      bool
	connected       bool
	finished        bool
	packetsReceived uint64
	packetsDropped  uint64
	reported        stream.Stats
}

// New starts a session over ps. Client sessions begin the handshake
// immediately. The session closes ps when it ends.
func New(ps *packet.PacketStream, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	rbuf, err := circbuf.NewBuffer(cfg.ReadBufferSize)
	if err != nil {
		return nil, fmt.Errorf("session: read buffer: %w", err)
	}
	s := &Session{
		ps:          ps,
		cfg:         cfg,
		log:         cfg.Logger.With().Str("component", "session").Str("remote", addrString(ps.Transport().RemoteAddr())).Logger(),
		metrics:     cfg.Metrics,
		inbound:     make(chan []byte, cfg.InboundQueue),
		recvErr:     make(chan error, 1),
		writes:      make(chan *writeOp),
		ctrl:        make(chan control),
		events:      make(chan stream.Event, eventQueueLen),
		connectedCh: make(chan struct{}),
		finishedCh:  make(chan struct{}),
		done:        make(chan struct{}),
		rbuf:        rbuf,
	}
	s.rcond = sync.NewCond(&s.rmu)

	scfg := cfg.Stream
	scfg.Logger = s.log
	scfg.Emit = s.onEvent
	s.ms, err = stream.New(ps, scfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.metrics.IncSession()
	go s.readLoop(ctx)
	go s.run(ctx)
	return s, nil
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// Write queues p and blocks until every byte has been acknowledged by the
// peer, the session fails, or ctx ends. When ctx ends first the data may
// still be delivered.
func (s *Session) Write(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	op := &writeOp{data: bytes.Clone(p), done: make(chan error, 1)}
	select {
	case s.writes <- op:
	case <-s.done:
		return 0, s.closedErr()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case err := <-op.done:
		if err != nil {
			return 0, err
		}
		return len(p), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Read reads received bytes. It returns io.EOF after the peer closed its
// direction cleanly and stream.ErrPeerAborted after an abort.
func (s *Session) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	for s.rbuf.TotalWritten() == 0 {
		if s.readErr != nil {
			return 0, s.readErr
		}
		s.rcond.Wait()
	}
	data := s.rbuf.Bytes()
	n := copy(p, data)
	s.rbuf.Reset()
	if n < len(data) {
		if _, err := s.rbuf.Write(data[n:]); err != nil {
			return n, fmt.Errorf("session: read buffer: %w", err)
		}
	}
	return n, nil
}

// CloseWrite ends the outbound direction once queued writes are sent. The
// peer sees io.EOF; EventFinish follows its acknowledgment.
func (s *Session) CloseWrite() error { return s.control(controlCloseWrite) }

// Abort discards queued writes and ends the outbound direction with a
// failure flag.
func (s *Session) Abort() error { return s.control(controlAbort) }

func (s *Session) control(c control) error {
	select {
	case s.ctrl <- c:
		return nil
	case <-s.done:
		return s.closedErr()
	}
}

// Close tears the session down and waits for it to stop.
func (s *Session) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// Events returns lifecycle events: connected, drain, end, finish, error
// and closed. Data is consumed through Read. The channel is closed when the
// session ends; events are dropped if it is not drained.
func (s *Session) Events() <-chan stream.Event { return s.events }

// Finished is closed once the peer has acknowledged the end of this side's
// data after CloseWrite.
func (s *Session) Finished() <-chan struct{} { return s.finishedCh }

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the session, nil after Close.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// WaitConnected blocks until the handshake completes.
func (s *Session) WaitConnected(ctx context.Context) error {
	select {
	case <-s.connectedCh:
		return nil
	case <-s.done:
		return s.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the latest snapshot.
func (s *Session) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// RemoteKey returns the peer's long-term key once connected.
func (s *Session) RemoteKey() keys.Key {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.remote
}

func (s *Session) LocalAddr() net.Addr  { return s.ps.Transport().LocalAddr() }
func (s *Session) RemoteAddr() net.Addr { return s.ps.Transport().RemoteAddr() }

func (s *Session) closedErr() error {
	if s.err != nil {
		return s.err
	}
	return ErrClosed
}

func (s *Session) readLoop(ctx context.Context) {
	t := s.ps.Transport()
	for {
		pkt, err := t.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.recvErr <- err
			}
			return
		}
		s.metrics.IncPacketReceived()
		select {
		case s.inbound <- pkt:
		case <-ctx.Done():
			return
		default:
			s.metrics.IncDrop("queue")
		}
	}
}

func (s *Session) run(ctx context.Context) {
	handshake := time.NewTimer(s.cfg.HandshakeTimeout)
	defer handshake.Stop()

	if err := s.ps.Connect(ctx); err != nil {
		s.teardown(err)
		return
	}
	for {
		s.feedWrites()
		s.publishStats()

		var err error
		select {
		case <-ctx.Done():
			s.teardown(nil)
			return
		case pkt := <-s.inbound:
			err = s.handlePacket(ctx, pkt)
		case <-s.ms.Timer():
			err = s.ms.Tick(ctx)
		case <-s.ps.HelloTimer():
			if err = s.ps.RetryHello(ctx); err != nil {
				s.metrics.IncHandshakeFailure()
			}
		case <-handshake.C:
			if !s.connected {
				s.metrics.IncHandshakeFailure()
				err = ErrHandshakeTimeout
			}
		case op := <-s.writes:
			if s.closeWrite || s.ms.Closed() {
				op.complete(stream.ErrClosed)
				break
			}
			s.queue = append(s.queue, op)
		case c := <-s.ctrl:
			s.handleControl(c)
		case err = <-s.recvErr:
		}
		if err != nil {
			s.teardown(err)
			return
		}
	}
}

func (s *Session) handlePacket(ctx context.Context, pkt []byte) error {
	s.packetsReceived++
	wasConnected := s.ps.Connected()
	payload, err := s.ps.Receive(ctx, pkt)
	if err != nil {
		if errors.Is(err, packet.ErrDropped) {
			s.packetsDropped++
			s.metrics.IncDrop(packet.DropReason(err))
			s.log.Debug().Err(err).Msg("packet dropped")
			return nil
		}
		return err
	}
	if !wasConnected && s.ps.Connected() {
		s.onConnected(ctx)
	}
	if payload == nil {
		return nil
	}
	if n := message.DataLength(payload); n > 0 && !s.readRoom(n) {
		s.log.Debug().Int("len", n).Msg("read buffer full, frame dropped")
		return nil
	}
	s.ms.Receive(ctx, payload)
	return nil
}

func (s *Session) readRoom(n int) bool {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	return s.rbuf.Size()-s.rbuf.TotalWritten() >= int64(n)
}

func (s *Session) onConnected(ctx context.Context) {
	s.connected = true
	s.statsMu.Lock()
	s.remote = s.ps.RemoteKey()
	s.statsMu.Unlock()
	s.metrics.IncHandshake()
	s.log.Debug().Str("peer", s.ps.RemoteKey().String()).Msg("connected")
	close(s.connectedCh)
	s.ms.Connected(ctx)
}

func (s *Session) handleControl(c control) {
	switch c {
	case controlCloseWrite:
		s.closeWrite = true
	case controlAbort:
		for _, op := range s.queue {
			op.complete(stream.ErrClosed)
		}
		s.queue = nil
		s.ms.Close(false)
	}
}

// feedWrites moves queued writes into the stream as far as its buffer
// allows, then issues a pending CloseWrite once the queue is empty.
func (s *Session) feedWrites() {
	for len(s.queue) > 0 {
		op := s.queue[0]
		if op.completed || op.fed == len(op.data) {
			s.queue[0] = nil
			s.queue = s.queue[1:]
			continue
		}
		room := s.ms.Available()
		if room <= 0 {
			break
		}
		chunk := op.data[op.fed : op.fed+min(room, len(op.data)-op.fed)]
		op.pending++
		op.fed += len(chunk)
		if err := s.ms.Write(chunk, op.chunkDone); err != nil {
			op.pending--
			op.complete(err)
		}
	}
	if len(s.queue) == 0 {
		s.queue = nil
		if s.closeWrite {
			s.ms.Close(true)
		}
	}
}

func (s *Session) onEvent(ev stream.Event) {
	switch ev.Kind {
	case stream.EventData:
		s.rmu.Lock()
		_, _ = s.rbuf.Write(ev.Data)
		s.rmu.Unlock()
		s.rcond.Broadcast()
		return
	case stream.EventEnd:
		s.setReadErr(ev.Err)
	case stream.EventFinish:
		if !s.finished {
			s.finished = true
			close(s.finishedCh)
		}
	}
	select {
	case s.events <- ev:
	default:
		s.log.Debug().Stringer("event", ev.Kind).Msg("event queue full, event dropped")
	}
}

// setReadErr records why no more data will arrive. A nil err means a clean
// end of stream.
func (s *Session) setReadErr(err error) {
	if err == nil {
		err = io.EOF
	}
	s.rmu.Lock()
	if s.readErr == nil {
		s.readErr = err
	}
	s.rmu.Unlock()
	s.rcond.Broadcast()
}

func (s *Session) publishStats() {
	st := s.ms.Stats()
	s.metrics.AddRetransmissions(int64(st.Retransmissions - s.reported.Retransmissions))
	s.metrics.AddBytesSent(int64(st.BytesSent - s.reported.BytesSent))
	s.metrics.AddBytesReceived(int64(st.BytesReceived - s.reported.BytesReceived))
	s.reported = st

	s.statsMu.Lock()
	s.stats = Stats{
		State:           s.ps.State(),
		RTT:             st.Chicago.RTTAverage,
		RTO:             st.Chicago.RTTTimeout,
		Pacing:          st.Chicago.NsecPerBlock,
		BytesWritten:    st.BytesWritten,
		BytesSent:       st.BytesSent,
		BytesAcked:      st.BytesAcked,
		BytesReceived:   st.BytesReceived,
		Retransmissions: st.Retransmissions,
		PacketsReceived: s.packetsReceived,
		PacketsDropped:  s.packetsDropped,
		Outgoing:        st.Outgoing,
		Unsent:          st.Unsent,
	}
	s.statsMu.Unlock()
}

// teardown ends the session. A nil err is a local Close.
func (s *Session) teardown(err error) {
	if err != nil {
		if !s.ms.Closed() {
			s.onEvent(stream.Event{Kind: stream.EventError, Err: err})
		}
		s.log.Warn().Err(err).Msg("session failed")
	}
	s.publishStats()
	s.ms.Shutdown(s.closedErrFor(err))
	for _, op := range s.queue {
		op.complete(s.closedErrFor(err))
	}
	s.queue = nil

	if closeErr := s.ps.Close(); closeErr != nil {
		s.log.Debug().Err(closeErr).Msg("close packet stream")
	}
	s.cancel()
	if rtt := s.Stats().RTT; rtt > 0 {
		s.metrics.ObserveRTT(rtt)
	}
	s.metrics.DecSession()

	s.err = err
	s.setReadErr(s.closedErrFor(err))
	close(s.events)
	close(s.done)
}

func (s *Session) closedErrFor(err error) error {
	if err != nil {
		return err
	}
	return ErrClosed
}
