package packet

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/nacl/box"

	"github.com/strand-protocol/strand/curvecp/pkg/keys"
	"github.com/strand-protocol/strand/curvecp/pkg/transport"
)

// Role distinguishes the two ends of a handshake.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// State is the handshake phase of a PacketStream.
type State int

const (
	StateIdle State = iota
	StateHelloSent
	StateInitiating
	StateListening
	StateHelloReceived
	StateEstablished
	StateClosed
)

var stateNames = map[State]string{
	StateIdle:          "idle",
	StateHelloSent:     "hello-sent",
	StateInitiating:    "initiating",
	StateListening:     "listening",
	StateHelloReceived: "hello-received",
	StateEstablished:   "established",
	StateClosed:        "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Authorizer decides whether a client long-term key may complete a
// handshake.
type Authorizer func(clientKey keys.Key) bool

// Config configures a PacketStream.
type Config struct {
	// Keys is this endpoint's long-term key pair.
	Keys keys.KeyPair
	// ServerKey is the server's long-term public key. Required for clients.
	ServerKey keys.Key
	// ServerName is sent by clients in the Initiate packet and, when set on
	// a server, must match the name a client sends.
	ServerName string

	ClientExtension Extension
	ServerExtension Extension

	// Rand supplies ephemeral keys, nonces and jitter; crypto/rand when nil.
	Rand io.Reader
	// MinuteKeys seals server cookies. Servers get a private set when nil.
	MinuteKeys *MinuteKeys
	// Authorize is consulted by servers before accepting an Initiate. Nil
	// accepts every client key.
	Authorize Authorizer
	// HelloWait overrides the Hello retry schedule.
	HelloWait []time.Duration

	Logger zerolog.Logger
}

// PacketStream is one end of an encrypted CurveCP channel. It is not safe
// for concurrent use: a single goroutine must own it, calling Receive for
// inbound packets, Send for outbound payloads and RetryHello whenever
// HelloTimer fires.
type PacketStream struct {
	role      Role
	state     State
	transport transport.Transport
	rand      io.Reader
	log       zerolog.Logger

	longTerm   keys.KeyPair
	serverKey  keys.Key
	serverName [ServerNameSize]byte
	clientExt  Extension
	serverExt  Extension
	minuteKeys *MinuteKeys
	authorize  Authorizer
	helloWait  []time.Duration

	// Client ephemeral pair; servers only know the public half.
	clientShortPublic keys.Key
	clientShortSecret keys.Key
	// Server ephemeral public key as learned by the client.
	serverShortPublic keys.Key
	// Client long-term public key as learned by the server.
	clientLongPublic keys.Key

	sharedKey [32]byte
	hasShared bool
	cookie    [cookieSize]byte
	vouch     [vouchSize]byte
	// serverHeard is set once a client has authenticated a Server-Message;
	// until then every client payload travels in an Initiate.
	serverHeard bool

	sendNonce uint64
	recvNonce uint64
	recvAny   bool

	pending    []byte
	hasPending bool

	helloAttempt int
	helloTimer   *time.Timer
	helloArmed   bool
}

// NewClient returns a client stream that sends over t. Connect starts the
// handshake.
func NewClient(t transport.Transport, cfg Config) (*PacketStream, error) {
	if cfg.ServerKey.IsZero() {
		return nil, fmt.Errorf("%w: server key required", ErrInvalidConfig)
	}
	p, err := newStream(RoleClient, t, cfg)
	if err != nil {
		return nil, err
	}
	eph, err := keys.Generate(p.rand)
	if err != nil {
		return nil, err
	}
	p.clientShortPublic, p.clientShortSecret = eph.Public, eph.Secret

	random := make([]byte, 16)
	if _, err := io.ReadFull(p.rand, random); err != nil {
		return nil, fmt.Errorf("packet: vouch nonce: %w", err)
	}
	serverKey := [32]byte(p.serverKey)
	secret := [32]byte(p.longTerm.Secret)
	short := p.clientShortPublic[:]
	copy(p.vouch[:16], random)
	sealed := box.Seal(nil, short, randomNonce(prefixVouch, random), &serverKey, &secret)
	copy(p.vouch[16:], sealed)
	p.state = StateIdle
	return p, nil
}

// NewServer returns a server stream answering the peer behind t.
func NewServer(t transport.Transport, cfg Config) (*PacketStream, error) {
	p, err := newStream(RoleServer, t, cfg)
	if err != nil {
		return nil, err
	}
	if p.minuteKeys == nil {
		p.minuteKeys, err = NewMinuteKeys(p.rand)
		if err != nil {
			return nil, err
		}
	}
	p.state = StateListening
	return p, nil
}

func newStream(role Role, t transport.Transport, cfg Config) (*PacketStream, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: transport required", ErrInvalidConfig)
	}
	if err := cfg.Keys.Validate(); err != nil {
		return nil, fmt.Errorf("%w: long-term keys: %w", ErrInvalidConfig, err)
	}
	name, err := EncodeServerName(cfg.ServerName)
	if err != nil {
		return nil, err
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if len(cfg.HelloWait) == 0 {
		cfg.HelloWait = HelloWait
	}
	return &PacketStream{
		role:       role,
		transport:  t,
		rand:       cfg.Rand,
		log:        cfg.Logger.With().Str("component", "packet").Str("role", role.String()).Logger(),
		longTerm:   cfg.Keys,
		serverKey:  cfg.ServerKey,
		serverName: name,
		clientExt:  cfg.ClientExtension,
		serverExt:  cfg.ServerExtension,
		minuteKeys: cfg.MinuteKeys,
		authorize:  cfg.Authorize,
		helloWait:  cfg.HelloWait,
	}, nil
}

// Role returns the stream's role.
func (p *PacketStream) Role() Role { return p.role }

// State returns the handshake phase.
func (p *PacketStream) State() State { return p.state }

// Connected reports whether a shared key has been agreed: after the Cookie
// for clients, after the Initiate for servers.
func (p *PacketStream) Connected() bool {
	return p.hasShared && p.state != StateClosed
}

// Ready reports whether Send would transmit immediately.
func (p *PacketStream) Ready() bool {
	return p.Connected() && !p.hasPending
}

// MaxMessageSize returns the largest payload the next Send may carry.
// Clients are limited to Initiate-sized payloads until the server answers.
func (p *PacketStream) MaxMessageSize() int {
	if p.role == RoleClient && !p.serverHeard {
		return MaxInitiateMessageSize
	}
	return MaxMessageSize
}

// RemoteKey returns the peer's long-term public key: the configured server
// key for clients, the authenticated client key for servers.
func (p *PacketStream) RemoteKey() keys.Key {
	if p.role == RoleClient {
		return p.serverKey
	}
	return p.clientLongPublic
}

// Transport returns the underlying packet transport.
func (p *PacketStream) Transport() transport.Transport { return p.transport }

// Connect starts a client handshake by sending the first Hello and arming
// the retry timer. It is a no-op for servers.
func (p *PacketStream) Connect(ctx context.Context) error {
	if p.role == RoleServer {
		return nil
	}
	if p.state != StateIdle {
		return nil
	}
	if err := p.sendHello(ctx); err != nil {
		return err
	}
	p.state = StateHelloSent
	p.armHello()
	return nil
}

// HelloTimer returns the channel the Hello retry timer fires on, or nil
// when no retry is pending.
func (p *PacketStream) HelloTimer() <-chan time.Time {
	if !p.helloArmed {
		return nil
	}
	return p.helloTimer.C
}

// RetryHello resends the Hello after the retry timer fired. It returns
// ErrHelloTimeout once the schedule is exhausted.
func (p *PacketStream) RetryHello(ctx context.Context) error {
	p.helloArmed = false
	if p.state != StateHelloSent {
		return nil
	}
	p.helloAttempt++
	if p.helloAttempt >= len(p.helloWait) {
		p.log.Warn().Int("attempts", p.helloAttempt).Msg("hello retries exhausted")
		return ErrHelloTimeout
	}
	p.log.Debug().Int("attempt", p.helloAttempt).Msg("resending hello")
	if err := p.sendHello(ctx); err != nil {
		return err
	}
	p.armHello()
	return nil
}

func (p *PacketStream) armHello() {
	wait := p.helloWait[p.helloAttempt]
	wait += time.Duration(randomMod(p.rand, int64(wait)))
	if p.helloTimer == nil {
		p.helloTimer = time.NewTimer(wait)
	} else {
		p.helloTimer.Reset(wait)
	}
	p.helloArmed = true
}

func (p *PacketStream) stopHello() {
	p.helloArmed = false
	if p.helloTimer != nil {
		p.helloTimer.Stop()
	}
}

// Send encrypts payload into the next outbound packet. Before the channel
// is connected the payload is parked in a single pending slot and sent as
// soon as the handshake allows; a second Send while the slot is occupied
// fails with ErrWritePending. Payloads must be a non-zero multiple of 16
// bytes no larger than MaxMessageSize.
func (p *PacketStream) Send(ctx context.Context, payload []byte) error {
	if p.state == StateClosed {
		return ErrClosed
	}
	if len(payload) == 0 || len(payload)%16 != 0 || len(payload) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadSize, len(payload))
	}
	if p.hasPending {
		return ErrWritePending
	}
	if !p.Connected() {
		p.pending = append(p.pending[:0], payload...)
		p.hasPending = true
		return nil
	}
	return p.transmit(ctx, payload)
}

func (p *PacketStream) transmit(ctx context.Context, payload []byte) error {
	if len(payload) > p.MaxMessageSize() {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadSize, len(payload), p.MaxMessageSize())
	}
	var pkt []byte
	switch {
	case p.role == RoleServer:
		pkt = p.buildServerMessage(payload)
	case !p.serverHeard:
		pkt = p.buildInitiate(payload)
	default:
		pkt = p.buildClientMessage(payload)
	}
	if err := p.transport.Send(ctx, pkt); err != nil {
		return fmt.Errorf("packet: send: %w", err)
	}
	return nil
}

// flushPending sends a parked payload once the channel connects.
func (p *PacketStream) flushPending(ctx context.Context) error {
	if !p.hasPending || !p.Connected() {
		return nil
	}
	payload := p.pending
	p.pending = nil
	p.hasPending = false
	return p.transmit(ctx, payload)
}

// Receive processes one inbound packet. It returns the decrypted payload of
// Initiate and message packets, or nil for handshake packets. Errors
// wrapping ErrDropped mean the packet was ignored; any other error comes
// from the transport and is fatal.
func (p *PacketStream) Receive(ctx context.Context, pkt []byte) ([]byte, error) {
	if p.state == StateClosed {
		return nil, ErrClosed
	}
	if p.role == RoleClient {
		if len(pkt) < minClientInbound || len(pkt) > maxClientInbound {
			return nil, drop(ErrBadLength, "%d bytes", len(pkt))
		}
		switch string(pkt[:8]) {
		case magicCookie:
			return nil, p.receiveCookie(ctx, pkt)
		case magicServerMessage:
			return p.receiveServerMessage(pkt)
		}
		return nil, drop(ErrUnknownMagic, "")
	}

	if len(pkt) < minServerInbound || len(pkt) > maxServerInbound {
		return nil, drop(ErrBadLength, "%d bytes", len(pkt))
	}
	switch string(pkt[:8]) {
	case magicHello:
		return nil, p.receiveHello(ctx, pkt)
	case magicInitiate:
		return p.receiveInitiate(ctx, pkt)
	case magicClientMessage:
		return p.receiveClientMessage(pkt)
	}
	return nil, drop(ErrUnknownMagic, "")
}

// freshNonce reports whether counter may be accepted from the peer.
func (p *PacketStream) freshNonce(counter uint64) bool {
	if counter > p.recvNonce {
		return true
	}
	return !p.recvAny && counter == 0
}

func (p *PacketStream) acceptNonce(counter uint64) {
	p.recvNonce = counter
	p.recvAny = true
}

func (p *PacketStream) nextNonce() uint64 {
	p.sendNonce++
	return p.sendNonce
}

// Close stops the retry timer, discards ephemeral secrets and closes the
// transport.
func (p *PacketStream) Close() error {
	if p.state == StateClosed {
		return nil
	}
	p.state = StateClosed
	p.stopHello()
	p.wipe()
	p.pending = nil
	p.hasPending = false
	return p.transport.Close()
}

func (p *PacketStream) wipe() {
	clear(p.clientShortSecret[:])
	clear(p.sharedKey[:])
	p.hasShared = false
}

// randomMod returns a uniform value in [0, n), or zero when n <= 0 or r
// fails.
func randomMod(r io.Reader, n int64) int64 {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(r, big.NewInt(n))
	if err != nil {
		return 0
	}
	return v.Int64()
}
