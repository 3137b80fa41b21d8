// Package packet implements the CurveCP handshake and per-packet
// authenticated encryption. A PacketStream turns a raw packet Transport into
// an encrypted channel between one client and one server:
//
//	client                         server
//	Hello      ------------------>
//	           <------------------ Cookie
//	Initiate   ------------------>           (carries the first messages)
//	           <------------------ Server-Message
//	Client-Message <-------------> Server-Message
//
// Every inbound packet is checked for length, extensions, nonce freshness and
// authenticity. Packets failing any check are dropped and reported as errors
// wrapping ErrDropped; they never change stream state.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Packet magics.
const (
	magicHello         = "QvnQ5XlH"
	magicCookie        = "RL3aNMXK"
	magicInitiate      = "QvnQ5XlI"
	magicServerMessage = "RL3aNMXM"
	magicClientMessage = "QvnQ5XlM"
)

// Nonce prefixes.
const (
	prefixHello         = "CurveCP-client-H"
	prefixInitiate      = "CurveCP-client-I"
	prefixClientMessage = "CurveCP-client-M"
	prefixServerMessage = "CurveCP-server-M"
	prefixCookie        = "CurveCPK"
	prefixVouch         = "CurveCPV"
	prefixMinuteKey     = "minute-k"
)

// Packet sizes.
const (
	HelloSize             = 224
	CookieSize            = 200
	InitiateOverhead      = 544
	ServerMessageOverhead = 64
	ClientMessageOverhead = 96

	// MaxMessageSize is the largest payload of a Server- or Client-Message.
	MaxMessageSize = 1088
	// MaxInitiateMessageSize is the largest payload an Initiate carries.
	MaxInitiateMessageSize = 640

	minClientInbound = 64
	maxClientInbound = ServerMessageOverhead + MaxMessageSize
	minServerInbound = 96
	maxServerInbound = ClientMessageOverhead + MaxMessageSize

	ExtensionSize  = 16
	ServerNameSize = 256
	cookieSize     = 96
	vouchSize      = 64
)

// MinuteKeyTimeout is how long a cookie stays valid.
const MinuteKeyTimeout = 2 * time.Minute

// HelloWait is the Hello retransmission schedule. Each wait is extended by
// a random jitter of up to the wait itself.
var HelloWait = []time.Duration{
	1000000000,
	1500000000,
	2250000000,
	3375000000,
	5062500000,
	7593750000,
	11390625000,
	17085937500,
}

var (
	// ErrDropped wraps every reason an inbound packet is discarded.
	ErrDropped = errors.New("packet: dropped")

	ErrBadLength    = errors.New("packet: bad length")
	ErrUnknownMagic = errors.New("packet: unknown magic")
	ErrUnexpected   = errors.New("packet: unexpected in current state")
	ErrExtension    = errors.New("packet: extension mismatch")
	ErrReplay       = errors.New("packet: nonce not fresh")
	ErrDecrypt      = errors.New("packet: authentication failed")
	ErrBadCookie    = errors.New("packet: invalid cookie")
	ErrBadVouch     = errors.New("packet: invalid vouch")
	ErrServerName   = errors.New("packet: server name mismatch")
	ErrUnauthorized = errors.New("packet: client key not authorized")

	ErrHelloTimeout  = errors.New("packet: no cookie after hello retries")
	ErrWritePending  = errors.New("packet: previous write did not complete")
	ErrPayloadSize   = errors.New("packet: invalid payload size")
	ErrClosed        = errors.New("packet: stream closed")
	ErrInvalidConfig = errors.New("packet: invalid config")
)

var dropReasons = []struct {
	err  error
	name string
}{
	{ErrBadLength, "length"},
	{ErrUnknownMagic, "magic"},
	{ErrUnexpected, "state"},
	{ErrExtension, "extension"},
	{ErrReplay, "replay"},
	{ErrDecrypt, "decrypt"},
	{ErrBadCookie, "cookie"},
	{ErrBadVouch, "vouch"},
	{ErrServerName, "server_name"},
	{ErrUnauthorized, "unauthorized"},
}

// IsHello reports whether pkt has the size and magic of a Hello packet.
// Servers use it to decide which unknown addresses may open a session.
func IsHello(pkt []byte) bool {
	return len(pkt) == HelloSize && string(pkt[:8]) == magicHello
}

// DropReason returns a short label for a drop error, suitable as a metric
// label, or "" when err is not a drop.
func DropReason(err error) string {
	if !errors.Is(err, ErrDropped) {
		return ""
	}
	for _, r := range dropReasons {
		if errors.Is(err, r.err) {
			return r.name
		}
	}
	return "other"
}

func drop(reason error, format string, args ...any) error {
	if format == "" {
		return fmt.Errorf("%w: %w", ErrDropped, reason)
	}
	return fmt.Errorf("%w: %w: %s", ErrDropped, reason, fmt.Sprintf(format, args...))
}

// counterNonce builds prefix(16) || big-endian counter(8).
func counterNonce(prefix string, counter uint64) *[24]byte {
	var n [24]byte
	copy(n[:16], prefix)
	binary.BigEndian.PutUint64(n[16:], counter)
	return &n
}

// randomNonce builds prefix(8) || random(16).
func randomNonce(prefix string, random []byte) *[24]byte {
	var n [24]byte
	copy(n[:8], prefix)
	copy(n[8:], random)
	return &n
}

// Extension is a 16-byte routing identifier carried in every packet.
type Extension [ExtensionSize]byte

// EncodeServerName encodes a dotted host name in DNS label format,
// zero-padded to ServerNameSize bytes. The empty name encodes as all zeros.
func EncodeServerName(name string) ([ServerNameSize]byte, error) {
	var out [ServerNameSize]byte
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return out, nil
	}
	pos := 0
	for _, label := range strings.Split(name, ".") {
		if len(label) == 0 || len(label) > 63 {
			return out, fmt.Errorf("%w: server name label %q", ErrInvalidConfig, label)
		}
		if pos+1+len(label) >= ServerNameSize {
			return out, fmt.Errorf("%w: server name too long", ErrInvalidConfig)
		}
		out[pos] = byte(len(label))
		copy(out[pos+1:], label)
		pos += 1 + len(label)
	}
	return out, nil
}

// DecodeServerName reverses EncodeServerName.
func DecodeServerName(b [ServerNameSize]byte) (string, error) {
	var labels []string
	pos := 0
	for pos < ServerNameSize && b[pos] != 0 {
		n := int(b[pos])
		if n > 63 || pos+1+n > ServerNameSize {
			return "", fmt.Errorf("%w: malformed server name", ErrServerName)
		}
		labels = append(labels, string(b[pos+1:pos+1+n]))
		pos += 1 + n
	}
	return strings.Join(labels, "."), nil
}
