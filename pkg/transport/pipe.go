package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
)

const pipeQueueLen = 1024

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// PipeEnd is one side of an in-memory packet pipe. Packets sent on one end
// are received on the other. A full receive queue drops packets the way a
// full socket buffer would.
type PipeEnd struct {
	name      pipeAddr
	peer      *PipeEnd
	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once

	dropEvery atomic.Int64
	sent      atomic.Int64
	dropped   atomic.Int64
}

// NewPipe returns two connected pipe ends.
func NewPipe() (*PipeEnd, *PipeEnd) {
	a := &PipeEnd{name: "pipe-a", inbound: make(chan []byte, pipeQueueLen), done: make(chan struct{})}
	b := &PipeEnd{name: "pipe-b", inbound: make(chan []byte, pipeQueueLen), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// DropEvery makes this end silently discard every nth packet it sends.
// Zero disables loss.
func (p *PipeEnd) DropEvery(n int) {
	p.dropEvery.Store(int64(n))
}

// Sent returns how many packets Send was called with.
func (p *PipeEnd) Sent() int64 { return p.sent.Load() }

// Dropped returns how many packets were discarded by loss injection or a
// full peer queue.
func (p *PipeEnd) Dropped() int64 { return p.dropped.Load() }

// Send delivers a copy of packet to the peer end.
func (p *PipeEnd) Send(ctx context.Context, packet []byte) error {
	select {
	case <-p.done:
		return ErrTransportClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(packet) > MaxPacketSize {
		return ErrPacketTooLarge
	}
	n := p.sent.Add(1)
	if every := p.dropEvery.Load(); every > 0 && n%every == 0 {
		p.dropped.Add(1)
		return nil
	}
	buf := append([]byte(nil), packet...)
	select {
	case p.peer.inbound <- buf:
	case <-p.peer.done:
	default:
		p.dropped.Add(1)
	}
	return nil
}

// Recv returns the next packet sent by the peer end.
func (p *PipeEnd) Recv(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-p.inbound:
		return pkt, nil
	case <-p.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes this end. The peer keeps working but its packets are
// discarded.
func (p *PipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func (p *PipeEnd) LocalAddr() net.Addr  { return p.name }
func (p *PipeEnd) RemoteAddr() net.Addr { return p.peer.name }
