// Package transport defines the packet capability the CurveCP core consumes,
// along with concrete implementations: a connected UDP socket for clients, a
// demultiplexing UDP listener for servers, and an in-memory pipe for tests.
package transport

import (
	"context"
	"errors"
	"net"
)

// MaxPacketSize is the largest datagram any CurveCP packet occupies.
const MaxPacketSize = 1184

var (
	ErrTransportClosed = errors.New("curvecp transport: transport is closed")
	ErrPacketTooLarge  = errors.New("curvecp transport: packet exceeds maximum size")
	ErrListenerClosed  = errors.New("curvecp transport: listener is closed")
)

// Transport sends and receives whole packets. Each Send or Recv call moves
// exactly one packet; delivery is unreliable and unordered.
type Transport interface {
	// Send transmits one packet. It returns once the packet has been handed
	// to the network. The context may carry deadlines or cancellation.
	Send(ctx context.Context, packet []byte) error

	// Recv blocks until a packet arrives or ctx is done.
	Recv(ctx context.Context) ([]byte, error)

	// Close releases the transport. Blocked calls return an error.
	Close() error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}
