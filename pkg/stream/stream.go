// Package stream implements the reliable byte stream carried over an
// encrypted CurveCP channel. A MessageStream slices written bytes into
// blocks, frames them with the message codec, retransmits blocks that time
// out and reassembles the peer's blocks in order. All outbound activity is
// paced by the Chicago controller's timer.
//
// A MessageStream is not safe for concurrent use. The goroutine that owns
// it must call Tick whenever Timer fires and Receive for every decrypted
// payload.
package stream

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/strand-protocol/strand/curvecp/pkg/chicago"
	"github.com/strand-protocol/strand/curvecp/pkg/message"
)

// Channel is the encrypted packet channel frames are written to.
type Channel interface {
	// Send transmits one frame. The frame length is a multiple of 16.
	Send(ctx context.Context, payload []byte) error
	// Ready reports whether Send would transmit immediately.
	Ready() bool
	// MaxMessageSize is the largest frame the next Send may carry.
	MaxMessageSize() int
}

// Stats is a snapshot of stream counters.
type Stats struct {
	BytesWritten    uint64
	BytesSent       uint64
	BytesAcked      uint64
	BytesReceived   uint64
	BlocksSent      uint64
	Retransmissions uint64
	AcksSent        uint64
	SendErrors      uint64
	Outgoing        int
	Unsent          int
	Chicago         chicago.Stats
}

type writeRequest struct {
	start  uint64
	length uint64
	done   func(error)
}

// MessageStream is one end of a reliable stream.
type MessageStream struct {
	cfg Config
	ch  Channel
	cc  *chicago.Chicago
	log zerolog.Logger

	// Bytes written but not yet sliced into blocks.
	sendBuf     []byte
	// Set once sendBuf grows past half the cap, cleared when the drain
	// event fires.
	aboveHalf   bool
	stopQueued  bool
	stopSuccess bool
	stopSent    bool
	writes      []writeRequest
	// Offset of the first byte of sendBuf.
	sendProcessed uint64
	outgoing      []*Block

	incoming      [][]byte
	receivedBytes uint64

	nextID   uint32
	ended    bool
	finished bool
	closed   bool

	stats Stats
}

// New returns a stream writing frames to ch.
func New(ch Channel, cfg Config) (*MessageStream, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: channel required", ErrInvalidConfig)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MessageStream{
		cfg: cfg,
		ch:  ch,
		cc: chicago.New(chicago.Config{
			Clock:  cfg.Clock,
			Rand:   cfg.Rand,
			Logger: cfg.Logger,
		}),
		log:    cfg.Logger.With().Str("component", "stream").Logger(),
		nextID: 1,
	}, nil
}

// Timer returns the pacing timer channel, nil while there is nothing to do.
func (m *MessageStream) Timer() <-chan time.Time { return m.cc.Timer() }

// Tick runs one pacing step and rearms the timer. It returns
// ErrPeerUnreachable when a block exhausted its retransmissions, after
// which the stream is closed.
func (m *MessageStream) Tick(ctx context.Context) error {
	err := m.Process(ctx)
	m.cc.Rearm()
	return err
}

// Process performs one pacing step: give up on a block past the
// retransmission limit, else resend the oldest timed-out block, else send
// a new block, and disable the timer when nothing is left to do.
func (m *MessageStream) Process(ctx context.Context) error {
	if m.closed {
		return ErrClosed
	}
	m.processIncoming(ctx)

	for _, b := range m.outgoing {
		if int(b.Transmissions) > m.cfg.MaxRetransmissions {
			m.log.Warn().Uint64("start", b.StartByte).Uint32("transmissions", b.Transmissions).Msg("maximum retransmissions reached")
			m.fail(ErrPeerUnreachable)
			return ErrPeerUnreachable
		}
	}

	if b := m.timedOutBlock(); b != nil {
		m.resend(ctx, b)
	} else if m.canSend() {
		m.sendBlock(ctx)
	}

	if m.idle() {
		m.cc.DisableTimer()
	}
	return nil
}

// Write queues p for sending. done, if non-nil, is called with nil once
// every byte of p has been acknowledged, or with an error when the stream
// fails first. A write that would push the unsent buffer past
// MaxUnprocessedSendBytes fails with ErrBufferFull and queues nothing.
func (m *MessageStream) Write(p []byte, done func(error)) error {
	if m.closed || m.stopQueued {
		return ErrClosed
	}
	if len(m.sendBuf)+len(p) > m.cfg.MaxUnprocessedSendBytes {
		return fmt.Errorf("%w: %d buffered, %d more", ErrBufferFull, len(m.sendBuf), len(p))
	}
	if len(p) == 0 {
		if done != nil {
			done(nil)
		}
		return nil
	}
	m.writes = append(m.writes, writeRequest{
		start:  m.sendProcessed + uint64(len(m.sendBuf)),
		length: uint64(len(p)),
		done:   done,
	})
	m.sendBuf = append(m.sendBuf, p...)
	if len(m.sendBuf) > m.cfg.MaxUnprocessedSendBytes/2 {
		m.aboveHalf = true
	}
	m.stats.BytesWritten += uint64(len(p))
	m.cc.EnableTimer()
	return nil
}

// Buffered returns the number of written bytes not yet sliced into blocks.
func (m *MessageStream) Buffered() int { return len(m.sendBuf) }

// Available returns how many bytes Write currently accepts.
func (m *MessageStream) Available() int {
	return m.cfg.MaxUnprocessedSendBytes - len(m.sendBuf)
}

// Close ends the outbound direction. The stop flag rides on the last
// block; success selects stop-success over stop-failure. EventFinish fires
// once the peer has acknowledged it.
func (m *MessageStream) Close(success bool) {
	if m.closed || m.stopQueued {
		return
	}
	m.stopQueued = true
	m.stopSuccess = success
	m.cc.EnableTimer()
}

// Connected tells the stream the channel became usable. It emits
// EventConnected and restarts pacing for data written meanwhile.
func (m *MessageStream) Connected(ctx context.Context) {
	if m.closed {
		return
	}
	m.emit(Event{Kind: EventConnected})
	m.processIncoming(ctx)
	m.wake()
}

// Receive queues one decrypted frame from the peer and processes the queue
// if the channel is ready. Frames beyond MaxIncoming are dropped; the peer
// retransmits them.
func (m *MessageStream) Receive(ctx context.Context, payload []byte) {
	if m.closed {
		return
	}
	if len(m.incoming) >= m.cfg.MaxIncoming {
		m.log.Debug().Int("queued", len(m.incoming)).Msg("incoming queue full, frame dropped")
		return
	}
	m.incoming = append(m.incoming, payload)
	m.processIncoming(ctx)
	m.wake()
}

// Shutdown closes the stream: the pacing timer stops and pending write
// callbacks fail with err, ErrClosed when err is nil. EventClosed is
// emitted once.
func (m *MessageStream) Shutdown(err error) {
	if m.closed {
		return
	}
	if err == nil {
		err = ErrClosed
	}
	m.closed = true
	m.cc.Stop()
	m.failWrites(err)
	m.sendBuf = nil
	m.outgoing = nil
	m.incoming = nil
	m.emit(Event{Kind: EventClosed})
}

// Closed reports whether Shutdown ran.
func (m *MessageStream) Closed() bool { return m.closed }

// Ended reports whether the peer's stop flag has been received.
func (m *MessageStream) Ended() bool { return m.ended }

// Finished reports whether the peer acknowledged this side's stop flag.
func (m *MessageStream) Finished() bool { return m.finished }

// Stats returns a snapshot of the stream counters.
func (m *MessageStream) Stats() Stats {
	s := m.stats
	s.BytesSent = m.sendProcessed
	s.BytesReceived = m.receivedBytes
	s.Outgoing = len(m.outgoing)
	s.Unsent = len(m.sendBuf)
	s.Chicago = m.cc.Stats()
	return s
}

func (m *MessageStream) idle() bool {
	return len(m.outgoing) == 0 && len(m.incoming) == 0 && len(m.sendBuf) == 0 &&
		(!m.stopQueued || m.stopSent)
}

// wake restarts the pacing timer from the last send so that a changed
// pacing interval or new work takes effect without waiting a full old
// interval.
func (m *MessageStream) wake() {
	if m.closed || m.idle() {
		return
	}
	m.cc.DisableTimer()
	m.cc.EnableTimer()
}

func (m *MessageStream) nextMessageID() uint32 {
	id := m.nextID
	m.nextID++
	return id
}

// timedOutBlock returns the timed-out block with the oldest transmission
// time, the first one on ties.
func (m *MessageStream) timedOutBlock() *Block {
	if !m.ch.Ready() {
		return nil
	}
	var oldest *Block
	for _, b := range m.outgoing {
		if !m.cc.BlockIsTimedOut(b.TransmissionTime) {
			continue
		}
		if oldest == nil || b.TransmissionTime.Before(oldest.TransmissionTime) {
			oldest = b
		}
	}
	return oldest
}

func (m *MessageStream) resend(ctx context.Context, b *Block) {
	b.TransmissionTime = m.cc.Clock()
	b.Transmissions++
	b.ID = m.nextMessageID()
	m.cc.Retransmission()
	m.stats.Retransmissions++
	m.log.Debug().Uint64("start", b.StartByte).Int("len", len(b.Data)).Uint32("transmissions", b.Transmissions).Msg("resending block")
	m.transmit(ctx, b)
}

func (m *MessageStream) canSend() bool {
	if !m.ch.Ready() || len(m.outgoing) >= m.cfg.MaxOutgoing {
		return false
	}
	return len(m.sendBuf) > 0 || (m.stopQueued && !m.stopSent)
}

// maxBlockLength is the largest block the channel can carry right now.
func (m *MessageStream) maxBlockLength() int {
	n := m.ch.MaxMessageSize() - message.HeaderSize - message.MinimalPadding
	return min(n, message.MaxDataLength)
}

func (m *MessageStream) sendBlock(ctx context.Context) {
	n := min(len(m.sendBuf), m.maxBlockLength())
	b := &Block{
		StartByte:        m.sendProcessed,
		TransmissionTime: m.cc.Clock(),
		Transmissions:    1,
		ID:               m.nextMessageID(),
		Data:             bytes.Clone(m.sendBuf[:n]),
	}
	if n == len(m.sendBuf) && m.stopQueued {
		b.StopSuccess = m.stopSuccess
		b.StopFailure = !m.stopSuccess
		m.stopSent = true
	}

	m.sendBuf = m.sendBuf[n:]
	if len(m.sendBuf) == 0 {
		m.sendBuf = nil
	}
	m.sendProcessed += uint64(n)
	m.outgoing = append(m.outgoing, b)
	m.stats.BlocksSent++
	m.transmit(ctx, b)

	if m.aboveHalf && len(m.sendBuf) < m.cfg.MaxUnprocessedSendBytes/2 {
		m.aboveHalf = false
		m.emit(Event{Kind: EventDrain})
	}
}

func (m *MessageStream) transmit(ctx context.Context, b *Block) {
	frame, err := b.message(m.receivedBytes).MarshalBinary()
	if err != nil {
		m.log.Error().Err(err).Msg("encode block")
		return
	}
	m.cc.SendBlock()
	m.send(ctx, frame)
}

func (m *MessageStream) send(ctx context.Context, frame []byte) {
	if err := m.ch.Send(ctx, frame); err != nil {
		m.stats.SendErrors++
		m.log.Warn().Err(err).Msg("send frame")
	}
}

func (m *MessageStream) processIncoming(ctx context.Context) {
	for len(m.incoming) > 0 && !m.closed && m.ch.Ready() {
		raw := m.incoming[0]
		m.incoming[0] = nil
		m.incoming = m.incoming[1:]
		msg, err := message.Decode(raw)
		if err != nil {
			m.log.Debug().Err(err).Msg("discarding frame")
			continue
		}
		m.processAcknowledgments(msg)
		m.processData(ctx, msg)
	}
	if len(m.incoming) == 0 {
		m.incoming = nil
	}
}

// acknowledges reports whether msg acknowledges b. A block carrying a stop
// flag is only acknowledged by a reply to one of its own transmissions, so
// that an empty stop block is not confirmed by a stale cumulative ack.
func acknowledges(msg *message.Message, b *Block) bool {
	if !b.AcknowledgedBy(msg) {
		return false
	}
	if b.StopSuccess || b.StopFailure {
		return msg.AcknowledgingID == b.ID
	}
	return true
}

func (m *MessageStream) processAcknowledgments(msg *message.Message) {
	kept := m.outgoing[:0]
	for _, b := range m.outgoing {
		if acknowledges(msg, b) {
			m.cc.Acknowledgement(b.TransmissionTime)
			m.stats.BytesAcked += uint64(len(b.Data))
			continue
		}
		kept = append(kept, b)
	}
	clear(m.outgoing[len(kept):])
	m.outgoing = kept

	pending := m.writes[:0]
	for _, w := range m.writes {
		if msg.IsAcknowledged(w.start, w.length) {
			if w.done != nil {
				w.done(nil)
			}
			continue
		}
		pending = append(pending, w)
	}
	clear(m.writes[len(pending):])
	m.writes = pending

	if m.stopSent && !m.finished && len(m.sendBuf) == 0 && len(m.outgoing) == 0 {
		m.finished = true
		m.log.Debug().Uint64("bytes", m.sendProcessed).Msg("finished")
		m.emit(Event{Kind: EventFinish})
	}
}

func (m *MessageStream) processData(ctx context.Context, msg *message.Message) {
	stop := msg.Success || msg.Failure
	if len(msg.Data) == 0 && !stop {
		return
	}
	if msg.Offset > m.receivedBytes {
		m.log.Debug().Uint64("offset", msg.Offset).Uint64("received", m.receivedBytes).Msg("out of order block dropped")
		return
	}

	end := msg.Offset + uint64(len(msg.Data))
	if !m.ended && end > m.receivedBytes {
		data := msg.Data[m.receivedBytes-msg.Offset:]
		m.receivedBytes = end
		m.emit(Event{Kind: EventData, Data: data})
	}
	if stop && !m.ended && end == m.receivedBytes {
		m.ended = true
		var err error
		if msg.Failure {
			err = ErrPeerAborted
		}
		m.log.Debug().Uint64("bytes", m.receivedBytes).Bool("success", msg.Success).Msg("peer ended stream")
		m.emit(Event{Kind: EventEnd, Err: err})
	}
	m.sendAcknowledgment(ctx, msg)
}

func (m *MessageStream) sendAcknowledgment(ctx context.Context, msg *message.Message) {
	reply := &message.Message{
		ID:              m.nextMessageID(),
		AcknowledgingID: msg.ID,
		Range1Size:      m.receivedBytes,
	}
	frame, err := reply.MarshalBinary()
	if err != nil {
		m.log.Error().Err(err).Msg("encode acknowledgment")
		return
	}
	m.stats.AcksSent++
	m.send(ctx, frame)
}

// fail gives up on the peer: pending writes fail with err, EventError and
// then EventClosed are emitted.
func (m *MessageStream) fail(err error) {
	m.failWrites(err)
	m.emit(Event{Kind: EventError, Err: err})
	m.Shutdown(err)
}

func (m *MessageStream) failWrites(err error) {
	writes := m.writes
	m.writes = nil
	for _, w := range writes {
		if w.done != nil {
			w.done(err)
		}
	}
}

func (m *MessageStream) emit(ev Event) {
	if m.cfg.Emit != nil {
		m.cfg.Emit(ev)
	}
}
